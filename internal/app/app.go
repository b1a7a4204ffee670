package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"

	"chatroom/internal/chat"
	"chatroom/internal/feed"
	"chatroom/internal/storage"
	"chatroom/internal/store"
	"chatroom/internal/util"
	"chatroom/pkg/domain"
)

// Config holds runtime configuration for the core application.
type Config struct {
	DatabaseURL string
	RedisClient *redis.Client
	JWTSecret   string
	SessionTTL  time.Duration

	MinioEndpoint      string
	MinioAccessKey     string
	MinioSecretKey     string
	MinioBucket        string
	MinioUseSSL        bool
	MinioPublicBaseURL string

	Room        string
	EchoReverse bool

	StoreTimeout  time.Duration
	UploadTimeout time.Duration

	// Injectable for tests.
	Store    store.Store
	Sessions store.SessionStore
	Verify   *store.VerifyStore
	Objects  storage.ObjectStore
	Feed     *feed.Feed
}

// App wires storage, sessions, the change feed, and the chat domain logic.
type App struct {
	store    store.Store
	sessions store.SessionStore
	verify   *store.VerifyStore
	objects  storage.ObjectStore
	feed     *feed.Feed

	room          string
	echoReverse   bool
	storeTimeout  time.Duration
	uploadTimeout time.Duration
}

// New constructs the application, opening any backends not injected.
func New(cfg Config) (*App, error) {
	if cfg.SessionTTL == 0 {
		cfg.SessionTTL = 24 * time.Hour
	}
	if cfg.Room == "" {
		return nil, errors.New("room is required")
	}

	dataStore := cfg.Store
	if dataStore == nil {
		if cfg.DatabaseURL == "" {
			return nil, errors.New("database URL required")
		}
		var err error
		dataStore, err = store.NewGormStore(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
	}

	sessionStore := cfg.Sessions
	if sessionStore == nil {
		switch {
		case cfg.JWTSecret != "":
			sessionStore = store.NewJWTSessionStore(cfg.JWTSecret, cfg.SessionTTL)
		case cfg.RedisClient != nil:
			sessionStore = store.NewRedisSessionStore(cfg.RedisClient, cfg.SessionTTL)
		default:
			return nil, errors.New("session store required (jwtSecret or redis)")
		}
	}

	verifyStore := cfg.Verify
	if verifyStore == nil {
		if cfg.RedisClient == nil {
			return nil, errors.New("redis required for verification challenges")
		}
		verifyStore = store.NewVerifyStore(cfg.RedisClient)
	}

	objects := cfg.Objects
	if objects == nil {
		var err error
		objects, err = storage.NewMinioStore(
			cfg.MinioEndpoint,
			cfg.MinioAccessKey,
			cfg.MinioSecretKey,
			cfg.MinioBucket,
			cfg.MinioPublicBaseURL,
			cfg.MinioUseSSL,
		)
		if err != nil {
			return nil, fmt.Errorf("init object store: %w", err)
		}
	}

	roomFeed := cfg.Feed
	if roomFeed == nil {
		if cfg.RedisClient == nil {
			return nil, errors.New("redis required for the change feed")
		}
		roomFeed = feed.New(cfg.RedisClient, cfg.Room)
	}

	return &App{
		store:         dataStore,
		sessions:      sessionStore,
		verify:        verifyStore,
		objects:       objects,
		feed:          roomFeed,
		room:          cfg.Room,
		echoReverse:   cfg.EchoReverse,
		storeTimeout:  cfg.StoreTimeout,
		uploadTimeout: cfg.UploadTimeout,
	}, nil
}

// SignUp registers a pending user and issues a verification challenge.
// Signing up again with an email that is still pending re-issues the
// challenge (and refreshes the password hash), so an expired code never
// strands the account. The code is delivered out of band; until mail
// delivery is wired it is logged for the operator.
func (a *App) SignUp(email, password string) (domain.User, string, error) {
	email, err := store.NormalizeEmail(email)
	if err != nil {
		return domain.User{}, "", err
	}
	if password == "" {
		return domain.User{}, "", errors.New("password is required")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return domain.User{}, "", fmt.Errorf("hash password: %w", err)
	}

	user, found, err := a.store.GetUserByEmail(email)
	if err != nil {
		return domain.User{}, "", fmt.Errorf("check email: %w", err)
	}
	switch {
	case found && user.Status != domain.StatusPending:
		return domain.User{}, "", ErrEmailTaken
	case found:
		user.PasswordHash = string(hash)
	default:
		user = domain.User{
			ID:           util.NewID(),
			Email:        email,
			PasswordHash: string(hash),
			Status:       domain.StatusPending,
			CreatedAt:    time.Now().UTC(),
		}
	}
	if err := a.store.SaveUser(user); err != nil {
		return domain.User{}, "", fmt.Errorf("save user: %w", err)
	}
	challengeID, code, err := a.verify.CreateChallenge(user.ID, email)
	if err != nil {
		return domain.User{}, "", fmt.Errorf("issue verification: %w", err)
	}
	slog.Info("verification code issued", "email", email, "code", code)
	return user, challengeID, nil
}

// Verify activates a pending account and issues a session token.
func (a *App) Verify(challengeID, code string) (domain.User, string, error) {
	userID, err := a.verify.VerifyChallenge(challengeID, code)
	if err != nil {
		return domain.User{}, "", err
	}
	if err := a.store.SetUserStatus(userID, domain.StatusActive); err != nil {
		return domain.User{}, "", fmt.Errorf("activate user: %w", err)
	}
	user, ok, err := a.store.GetUserByID(userID)
	if err != nil {
		return domain.User{}, "", fmt.Errorf("fetch user: %w", err)
	}
	if !ok {
		return domain.User{}, "", errors.New("user not found")
	}
	token, err := a.sessions.NewSession(user.ID)
	if err != nil {
		return domain.User{}, "", fmt.Errorf("issue session: %w", err)
	}
	return user, token, nil
}

// Login validates credentials and issues a session token.
func (a *App) Login(email, password string) (domain.User, string, error) {
	email, err := store.NormalizeEmail(email)
	if err != nil {
		return domain.User{}, "", ErrInvalidCredentials
	}
	user, ok, err := a.store.GetUserByEmail(email)
	if err != nil {
		return domain.User{}, "", fmt.Errorf("fetch user: %w", err)
	}
	if !ok {
		return domain.User{}, "", ErrInvalidCredentials
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return domain.User{}, "", ErrInvalidCredentials
	}
	switch user.Status {
	case domain.StatusPending:
		return domain.User{}, "", ErrNotVerified
	case domain.StatusDisabled:
		return domain.User{}, "", ErrAccountDisabled
	}
	token, err := a.sessions.NewSession(user.ID)
	if err != nil {
		return domain.User{}, "", fmt.Errorf("issue session: %w", err)
	}
	return user, token, nil
}

// UserFromToken resolves a user from a session token.
func (a *App) UserFromToken(token string) (domain.User, bool) {
	uid, ok, err := a.sessions.GetUserIDByToken(token)
	if err != nil || !ok {
		return domain.User{}, false
	}
	user, found, err := a.store.GetUserByID(uid)
	if err != nil || !found {
		return domain.User{}, false
	}
	if user.Status != domain.StatusActive {
		return domain.User{}, false
	}
	return user, true
}

// Logout removes a session token.
func (a *App) Logout(token string) error {
	return a.sessions.DeleteSession(token)
}

// NewEngine builds a sync engine bound to one client session.
func (a *App) NewEngine(userID string) *chat.Engine {
	return chat.NewEngine(chat.Config{
		Store:         a.store,
		Feed:          a.feed,
		Objects:       a.objects,
		Room:          a.room,
		UserID:        userID,
		EchoReverse:   a.echoReverse,
		StoreTimeout:  a.storeTimeout,
		UploadTimeout: a.uploadTimeout,
	})
}

// Room names the shared channel this deployment serves.
func (a *App) Room() string {
	return a.room
}

// History returns the room's messages in commit order.
func (a *App) History(ctx context.Context) ([]domain.Message, error) {
	timeout := a.storeTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	msgs, err := a.store.ListMessages(ctx, a.room)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return msgs, nil
}

// PresignAttachment returns a short-lived download URL for an object key.
// Public attachment URLs embed the key, so clients can ask for a signed
// variant when the bucket is not world-readable.
func (a *App) PresignAttachment(key string) (string, error) {
	timeout := a.storeTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return a.objects.PresignGet(ctx, key, 15*time.Minute)
}
