package store

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestRedisSessionStoreRoundTrip(t *testing.T) {
	srv := miniredis.RunT(t)
	s := NewRedisSessionStore(redis.NewClient(&redis.Options{Addr: srv.Addr()}), time.Minute)

	token, err := s.NewSession("user-1")
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	userID, ok, err := s.GetUserIDByToken(token)
	if err != nil || !ok {
		t.Fatalf("get session: ok=%v err=%v", ok, err)
	}
	if userID != "user-1" {
		t.Fatalf("unexpected user id: %q", userID)
	}

	if err := s.DeleteSession(token); err != nil {
		t.Fatalf("delete session: %v", err)
	}
	if _, ok, _ := s.GetUserIDByToken(token); ok {
		t.Fatalf("expected session gone after delete")
	}
}

func TestRedisSessionStoreExpires(t *testing.T) {
	srv := miniredis.RunT(t)
	s := NewRedisSessionStore(redis.NewClient(&redis.Options{Addr: srv.Addr()}), time.Minute)

	token, err := s.NewSession("user-2")
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	srv.FastForward(2 * time.Minute)
	if _, ok, _ := s.GetUserIDByToken(token); ok {
		t.Fatalf("expected session expired")
	}
}

func TestJWTSessionStoreRoundTrip(t *testing.T) {
	s := NewJWTSessionStore("secret", time.Minute)
	token, err := s.NewSession("user-3")
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	userID, ok, err := s.GetUserIDByToken(token)
	if err != nil || !ok {
		t.Fatalf("get session: ok=%v err=%v", ok, err)
	}
	if userID != "user-3" {
		t.Fatalf("unexpected user id: %q", userID)
	}
}

func TestJWTSessionStoreRejectsWrongSecret(t *testing.T) {
	issuer := NewJWTSessionStore("secret-a", time.Minute)
	verifier := NewJWTSessionStore("secret-b", time.Minute)

	token, err := issuer.NewSession("user-4")
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if _, ok, _ := verifier.GetUserIDByToken(token); ok {
		t.Fatalf("expected token signed with other secret to be rejected")
	}
}

func TestJWTSessionStoreRejectsExpired(t *testing.T) {
	s := NewJWTSessionStore("secret", -2*time.Minute)
	token, err := s.NewSession("user-5")
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if _, ok, _ := s.GetUserIDByToken(token); ok {
		t.Fatalf("expected expired token to be rejected")
	}
}
