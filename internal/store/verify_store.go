package store

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/mail"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"

	"chatroom/internal/util"
)

var (
	ErrVerifySendRateLimited = errors.New("too many verification code requests")
	ErrVerifyCodeInvalid     = errors.New("incorrect verification code")
	ErrVerifyCodeExpired     = errors.New("verification code expired")
	ErrVerifyChallengeGone   = errors.New("verification request is invalid")
)

// VerifyStore keeps signup email-verification challenges in Redis.
// Codes are bcrypt-hashed; resends and verify attempts are bounded.
type VerifyStore struct {
	client            *redis.Client
	keyPrefix         string
	challengeTTL      time.Duration
	challengePersist  time.Duration
	resendAfter       time.Duration
	maxVerifyAttempts int
}

type verifyChallenge struct {
	ID         string    `json:"id"`
	UserID     string    `json:"userId"`
	Email      string    `json:"email"`
	CodeHash   string    `json:"codeHash"`
	ExpiresAt  time.Time `json:"expiresAt"`
	Attempts   int       `json:"attempts"`
	MaxAttempt int       `json:"maxAttempt"`
}

// NewVerifyStore builds the Redis-backed challenge store.
func NewVerifyStore(client *redis.Client) *VerifyStore {
	challengeTTL := 5 * time.Minute
	return &VerifyStore{
		client:            client,
		keyPrefix:         "chatroom:auth:verify",
		challengeTTL:      challengeTTL,
		challengePersist:  challengeTTL + time.Minute,
		resendAfter:       time.Minute,
		maxVerifyAttempts: 5,
	}
}

// CreateChallenge issues a six-digit code for the user's email.
// Returns the challenge id and the plain code (delivered out of band).
func (s *VerifyStore) CreateChallenge(userID, email string) (string, string, error) {
	email, err := NormalizeEmail(email)
	if err != nil {
		return "", "", err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resendKey := s.resendKey(email)
	allowed, err := s.client.SetNX(ctx, resendKey, "1", s.resendAfter).Result()
	if err != nil {
		return "", "", err
	}
	if !allowed {
		return "", "", ErrVerifySendRateLimited
	}

	code, err := generateNumericCode(6)
	if err != nil {
		_ = s.client.Del(ctx, resendKey).Err()
		return "", "", fmt.Errorf("generate verification code: %w", err)
	}
	codeHash, err := bcrypt.GenerateFromPassword([]byte(code), bcrypt.DefaultCost)
	if err != nil {
		_ = s.client.Del(ctx, resendKey).Err()
		return "", "", fmt.Errorf("hash verification code: %w", err)
	}
	challengeID := util.NewID()
	challenge := verifyChallenge{
		ID:         challengeID,
		UserID:     userID,
		Email:      email,
		CodeHash:   string(codeHash),
		ExpiresAt:  time.Now().UTC().Add(s.challengeTTL),
		Attempts:   0,
		MaxAttempt: s.maxVerifyAttempts,
	}
	raw, err := json.Marshal(challenge)
	if err != nil {
		_ = s.client.Del(ctx, resendKey).Err()
		return "", "", fmt.Errorf("marshal verification challenge: %w", err)
	}
	if err := s.client.Set(ctx, s.challengeKey(challengeID), raw, s.challengePersist).Err(); err != nil {
		_ = s.client.Del(ctx, resendKey).Err()
		return "", "", err
	}
	return challengeID, code, nil
}

// VerifyChallenge checks the code and, on success, consumes the challenge.
// Returns the user id the challenge was issued for.
func (s *VerifyStore) VerifyChallenge(challengeID, code string) (string, error) {
	challengeID = strings.TrimSpace(challengeID)
	code = strings.TrimSpace(code)
	if challengeID == "" || code == "" {
		return "", ErrVerifyChallengeGone
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	key := s.challengeKey(challengeID)
	raw, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", ErrVerifyChallengeGone
	}
	if err != nil {
		return "", err
	}
	var challenge verifyChallenge
	if err := json.Unmarshal([]byte(raw), &challenge); err != nil {
		return "", ErrVerifyChallengeGone
	}
	if time.Now().UTC().After(challenge.ExpiresAt) {
		_ = s.client.Del(ctx, key).Err()
		return "", ErrVerifyCodeExpired
	}
	if challenge.Attempts >= challenge.MaxAttempt {
		_ = s.client.Del(ctx, key).Err()
		return "", ErrVerifyChallengeGone
	}
	if bcrypt.CompareHashAndPassword([]byte(challenge.CodeHash), []byte(code)) != nil {
		challenge.Attempts++
		if updated, err := json.Marshal(challenge); err == nil {
			_ = s.client.Set(ctx, key, updated, redis.KeepTTL).Err()
		}
		return "", ErrVerifyCodeInvalid
	}
	_ = s.client.Del(ctx, key).Err()
	return challenge.UserID, nil
}

func (s *VerifyStore) challengeKey(id string) string {
	return s.keyPrefix + ":challenge:" + id
}

func (s *VerifyStore) resendKey(email string) string {
	return s.keyPrefix + ":resend:" + email
}

// NormalizeEmail lowercases and validates an email address.
func NormalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return "", errors.New("email is required")
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return "", errors.New("email is invalid")
	}
	return email, nil
}

func generateNumericCode(digits int) (string, error) {
	max := big.NewInt(1)
	for i := 0; i < digits; i++ {
		max.Mul(max, big.NewInt(10))
	}
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", digits, n), nil
}
