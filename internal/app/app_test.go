package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"chatroom/internal/feed"
	"chatroom/internal/storage"
	"chatroom/internal/store"
	"chatroom/pkg/domain"
)

type testDeps struct {
	srv     *miniredis.Miniredis
	store   *store.MemoryStore
	verify  *store.VerifyStore
	objects *storage.MemoryObjectStore
}

func newTestApp(t *testing.T) (*App, *testDeps) {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { client.Close() })

	deps := &testDeps{
		srv:     srv,
		store:   store.NewMemoryStore(),
		verify:  store.NewVerifyStore(client),
		objects: storage.NewMemoryObjectStore(),
	}
	a, err := New(Config{
		Room:       "lobby",
		SessionTTL: time.Hour,
		Store:      deps.store,
		Sessions:   store.NewRedisSessionStore(client, time.Hour),
		Verify:     deps.verify,
		Objects:    deps.objects,
		Feed:       feed.New(client, "lobby"),
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	return a, deps
}

// signUpAndGetCode registers the user and reissues a challenge through the
// shared verify store so the test can learn the plain code.
func signUpAndGetCode(t *testing.T, a *App, deps *testDeps, email, password string) (domain.User, string, string) {
	t.Helper()
	user, _, err := a.SignUp(email, password)
	if err != nil {
		t.Fatalf("sign up: %v", err)
	}
	deps.srv.FastForward(2 * time.Minute)
	challengeID, code, err := deps.verify.CreateChallenge(user.ID, user.Email)
	if err != nil {
		t.Fatalf("reissue challenge: %v", err)
	}
	return user, challengeID, code
}

func TestSignUpVerifyLoginFlow(t *testing.T) {
	a, deps := newTestApp(t)

	user, challengeID, code := signUpAndGetCode(t, a, deps, "Alice@Example.com", "hunter22")
	if user.Email != "alice@example.com" {
		t.Fatalf("email not normalized: %q", user.Email)
	}
	if user.Status != domain.StatusPending {
		t.Fatalf("expected pending user, got %q", user.Status)
	}

	// Unverified accounts cannot sign in.
	if _, _, err := a.Login("alice@example.com", "hunter22"); !errors.Is(err, ErrNotVerified) {
		t.Fatalf("expected ErrNotVerified, got %v", err)
	}

	verified, token, err := a.Verify(challengeID, code)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if verified.Status != domain.StatusActive {
		t.Fatalf("expected active user, got %q", verified.Status)
	}
	if got, ok := a.UserFromToken(token); !ok || got.ID != user.ID {
		t.Fatalf("verify token did not resolve user: ok=%v", ok)
	}

	_, token, err = a.Login("alice@example.com", "hunter22")
	if err != nil {
		t.Fatalf("login after verify: %v", err)
	}
	if _, ok := a.UserFromToken(token); !ok {
		t.Fatalf("login token did not resolve user")
	}
}

func TestSignUpRejectsActiveEmail(t *testing.T) {
	a, deps := newTestApp(t)

	_, challengeID, code := signUpAndGetCode(t, a, deps, "bob@example.com", "pw-one")
	if _, _, err := a.Verify(challengeID, code); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if _, _, err := a.SignUp("bob@example.com", "pw-two"); !errors.Is(err, ErrEmailTaken) {
		t.Fatalf("expected ErrEmailTaken, got %v", err)
	}
}

func TestSignUpPendingEmailReissuesChallenge(t *testing.T) {
	a, deps := newTestApp(t)

	first, oldChallengeID, err := a.SignUp("pat@example.com", "first-pw")
	if err != nil {
		t.Fatalf("first sign up: %v", err)
	}

	// Let the challenge and the resend window expire.
	deps.srv.FastForward(10 * time.Minute)
	if _, err := deps.verify.VerifyChallenge(oldChallengeID, "000000"); !errors.Is(err, store.ErrVerifyChallengeGone) {
		t.Fatalf("expected expired challenge gone, got %v", err)
	}

	// A pending account is never stranded: signing up again re-issues the
	// challenge and refreshes the password hash.
	second, _, err := a.SignUp("pat@example.com", "second-pw")
	if err != nil {
		t.Fatalf("re-signup of pending account: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("re-signup must keep the account, got id %q want %q", second.ID, first.ID)
	}
	if second.Status != domain.StatusPending {
		t.Fatalf("expected pending after re-signup, got %q", second.Status)
	}

	deps.srv.FastForward(2 * time.Minute)
	challengeID, code, err := deps.verify.CreateChallenge(second.ID, second.Email)
	if err != nil {
		t.Fatalf("reissue challenge: %v", err)
	}
	if _, _, err := a.Verify(challengeID, code); err != nil {
		t.Fatalf("verify after re-signup: %v", err)
	}

	if _, _, err := a.Login("pat@example.com", "first-pw"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("old password should be replaced, got %v", err)
	}
	if _, _, err := a.Login("pat@example.com", "second-pw"); err != nil {
		t.Fatalf("login with refreshed password: %v", err)
	}
}

func TestSignUpPendingEmailInsideResendWindow(t *testing.T) {
	a, _ := newTestApp(t)

	if _, _, err := a.SignUp("quinn@example.com", "pw"); err != nil {
		t.Fatalf("first sign up: %v", err)
	}
	_, _, err := a.SignUp("quinn@example.com", "pw")
	if !errors.Is(err, store.ErrVerifySendRateLimited) {
		t.Fatalf("expected resend rate limit, got %v", err)
	}
}

func TestLoginWrongPassword(t *testing.T) {
	a, deps := newTestApp(t)

	_, challengeID, code := signUpAndGetCode(t, a, deps, "dave@example.com", "correct")
	if _, _, err := a.Verify(challengeID, code); err != nil {
		t.Fatalf("verify: %v", err)
	}

	if _, _, err := a.Login("dave@example.com", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if _, _, err := a.Login("nobody@example.com", "whatever"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for unknown email, got %v", err)
	}
}

func TestVerifyWrongCode(t *testing.T) {
	a, deps := newTestApp(t)

	_, challengeID, code := signUpAndGetCode(t, a, deps, "erin@example.com", "pw")
	wrong := "000000"
	if wrong == code {
		wrong = "000001"
	}
	if _, _, err := a.Verify(challengeID, wrong); !errors.Is(err, store.ErrVerifyCodeInvalid) {
		t.Fatalf("expected ErrVerifyCodeInvalid, got %v", err)
	}
	// The right code still works afterwards.
	if _, _, err := a.Verify(challengeID, code); err != nil {
		t.Fatalf("verify with correct code: %v", err)
	}
}

func TestDisabledAccountCannotLogin(t *testing.T) {
	a, deps := newTestApp(t)

	user, challengeID, code := signUpAndGetCode(t, a, deps, "frank@example.com", "pw")
	if _, _, err := a.Verify(challengeID, code); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if err := deps.store.SetUserStatus(user.ID, domain.StatusDisabled); err != nil {
		t.Fatalf("disable user: %v", err)
	}

	if _, _, err := a.Login("frank@example.com", "pw"); !errors.Is(err, ErrAccountDisabled) {
		t.Fatalf("expected ErrAccountDisabled, got %v", err)
	}
}

func TestLogoutInvalidatesToken(t *testing.T) {
	a, deps := newTestApp(t)

	_, challengeID, code := signUpAndGetCode(t, a, deps, "grace@example.com", "pw")
	_, token, err := a.Verify(challengeID, code)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if err := a.Logout(token); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if _, ok := a.UserFromToken(token); ok {
		t.Fatalf("expected token rejected after logout")
	}
}

func TestNewEngineSendsThroughSharedFeed(t *testing.T) {
	a, deps := newTestApp(t)

	user, challengeID, code := signUpAndGetCode(t, a, deps, "heidi@example.com", "pw")
	if _, _, err := a.Verify(challengeID, code); err != nil {
		t.Fatalf("verify: %v", err)
	}

	ctx := context.Background()
	eng := a.NewEngine(user.ID)
	defer eng.Close()
	if _, err := eng.LoadHistory(ctx); err != nil {
		t.Fatalf("load history: %v", err)
	}
	if err := eng.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := eng.Send(ctx, "hello room", nil); err != nil {
		t.Fatalf("send: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		msgs := eng.Messages()
		if len(msgs) == 1 && msgs[0].Content == "hello room" && msgs[0].UserID == user.ID {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("message never echoed back through the feed: %+v", eng.Messages())
}
