package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"chatroom/internal/app"
	"chatroom/internal/chat"
	"chatroom/internal/ratelimit"
	"chatroom/internal/store"
	"chatroom/internal/util"
	"chatroom/pkg/domain"
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	App         *app.App
	RedisClient *redis.Client

	MaxUploadBytes    int64
	TrustedProxyCIDRs []string

	SignupRateLimitPerMinute int
	LoginRateLimitPerMinute  int
	VerifyRateLimitPerMinute int
	SendRateLimitPerMinute   int
}

// Server exposes the HTTP and WebSocket endpoints for the chat room.
type Server struct {
	app            *app.App
	mux            *http.ServeMux
	maxUploadBytes int64
	trustedProxies *util.TrustedProxies

	signupLimiter *ratelimit.FixedWindowLimiter
	loginLimiter  *ratelimit.FixedWindowLimiter
	verifyLimiter *ratelimit.FixedWindowLimiter
	sendLimiter   *ratelimit.FixedWindowLimiter
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	signupLimit := cfg.SignupRateLimitPerMinute
	if signupLimit <= 0 {
		signupLimit = 5
	}
	loginLimit := cfg.LoginRateLimitPerMinute
	if loginLimit <= 0 {
		loginLimit = 10
	}
	verifyLimit := cfg.VerifyRateLimitPerMinute
	if verifyLimit <= 0 {
		verifyLimit = 10
	}
	sendLimit := cfg.SendRateLimitPerMinute
	if sendLimit <= 0 {
		sendLimit = 60
	}
	rateWindow := time.Minute
	newLimiter := func(name string, limit int) (*ratelimit.FixedWindowLimiter, error) {
		prefix := "chatroom:ratelimit:" + name
		limiter, err := ratelimit.NewFixedWindowLimiter(cfg.RedisClient, prefix, limit, rateWindow)
		if err != nil {
			return nil, fmt.Errorf("init %s limiter: %w", name, err)
		}
		return limiter, nil
	}
	signupLimiter, err := newLimiter("signup", signupLimit)
	if err != nil {
		return nil, err
	}
	loginLimiter, err := newLimiter("login", loginLimit)
	if err != nil {
		return nil, err
	}
	verifyLimiter, err := newLimiter("verify", verifyLimit)
	if err != nil {
		return nil, err
	}
	sendLimiter, err := newLimiter("send", sendLimit)
	if err != nil {
		return nil, err
	}
	trusted, err := util.NewTrustedProxies(cfg.TrustedProxyCIDRs)
	if err != nil {
		return nil, fmt.Errorf("parse trusted proxies: %w", err)
	}
	maxUpload := cfg.MaxUploadBytes
	if maxUpload <= 0 {
		maxUpload = 25 << 20
	}
	s := &Server{
		app:            cfg.App,
		mux:            http.NewServeMux(),
		maxUploadBytes: maxUpload,
		trustedProxies: trusted,
		signupLimiter:  signupLimiter,
		loginLimiter:   loginLimiter,
		verifyLimiter:  verifyLimiter,
		sendLimiter:    sendLimiter,
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler with the shared middleware applied.
func (s *Server) Router() http.Handler {
	return util.WithSecurityHeaders(
		util.WithCORS(
			util.WithRequestID(
				util.WithRequestLog("chatroom", s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)

	// auth
	s.mux.HandleFunc("/api/auth/signup", s.handleSignup)
	s.mux.HandleFunc("/api/auth/verify", s.handleVerify)
	s.mux.HandleFunc("/api/auth/login", s.handleLogin)
	s.mux.HandleFunc("/api/auth/logout", s.handleLogout)
	s.mux.Handle("/api/users/me", s.authenticated(s.handleMe))

	// room
	s.mux.Handle("/api/messages", s.authenticated(s.handleMessages))
	s.mux.Handle("/api/attachments/", s.authenticated(s.handleAttachment))
	s.mux.Handle("/ws/chat", s.authenticated(s.handleChatSocket))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// auth wrappers
type authHandler func(http.ResponseWriter, *http.Request, domain.User)

func (s *Server) authenticated(next authHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, ok := s.authorize(r)
		if !ok {
			s.audit(r, "chatroom.authorize", "fail")
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r, user)
	})
}

func (s *Server) authorize(r *http.Request) (domain.User, bool) {
	token, ok := bearerToken(r)
	if !ok {
		// Browsers cannot set headers on WebSocket dials, so the socket
		// route also accepts the token as a query parameter.
		token = strings.TrimSpace(r.URL.Query().Get("token"))
		if token == "" {
			return domain.User{}, false
		}
	}
	return s.app.UserFromToken(token)
}

// auth handlers
func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, s.signupLimiter, "too many signup attempts") {
		s.audit(r, "chatroom.signup", "rate_limited")
		return
	}
	var req authRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	user, challengeID, err := s.app.SignUp(req.Email, req.Password)
	if err != nil {
		s.audit(r, "chatroom.signup", "fail", "reason", err.Error())
		writeAuthError(w, err)
		return
	}
	s.audit(r, "chatroom.signup", "success", "user_id", user.ID)
	writeJSON(w, http.StatusCreated, signupResponse{User: user, ChallengeID: challengeID})
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, s.verifyLimiter, "too many verification attempts") {
		s.audit(r, "chatroom.verify", "rate_limited")
		return
	}
	var req verifyRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.ChallengeID == "" || req.Code == "" {
		writeError(w, http.StatusBadRequest, "challengeId and code are required")
		return
	}
	user, token, err := s.app.Verify(req.ChallengeID, req.Code)
	if err != nil {
		s.audit(r, "chatroom.verify", "fail", "reason", err.Error())
		writeAuthError(w, err)
		return
	}
	s.audit(r, "chatroom.verify", "success", "user_id", user.ID)
	writeJSON(w, http.StatusOK, authResponse{Token: token, User: user})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, s.loginLimiter, "too many login attempts") {
		s.audit(r, "chatroom.login", "rate_limited")
		return
	}
	var req authRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	user, token, err := s.app.Login(req.Email, req.Password)
	if err != nil {
		s.audit(r, "chatroom.login", "fail", "reason", err.Error())
		writeAuthError(w, err)
		return
	}
	s.audit(r, "chatroom.login", "success", "user_id", user.ID)
	writeJSON(w, http.StatusOK, authResponse{Token: token, User: user})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	token, ok := bearerToken(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if err := s.app.Logout(token); err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// room handlers
func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request, user domain.User) {
	switch r.Method {
	case http.MethodGet:
		s.handleListMessages(w, r)
	case http.MethodPost:
		s.handleSendMessage(w, r, user)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.app.History(r.Context())
	if err != nil {
		slog.Error("list messages", "error", err)
		writeError(w, http.StatusServiceUnavailable, "message store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"room":  s.app.Room(),
		"items": msgs,
		"count": len(msgs),
	})
}

// handleSendMessage accepts multipart form data with a "content" field and an
// optional "file" part, or a plain JSON body for text-only sends. The new
// message reaches connected clients through the change feed, so the response
// carries no message payload.
func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request, user domain.User) {
	if !s.allowRate(w, r, s.sendLimiter, "sending too fast") {
		s.audit(r, "chatroom.send", "rate_limited", "user_id", user.ID)
		return
	}

	var content string
	var att *chat.Attachment
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			writeError(w, http.StatusBadRequest, "invalid form data")
			return
		}
		content = r.FormValue("content")
		file, header, err := r.FormFile("file")
		switch {
		case err == nil:
			defer file.Close()
			att = &chat.Attachment{
				Name:        header.Filename,
				ContentType: header.Header.Get("Content-Type"),
				Size:        header.Size,
				Data:        file,
			}
		case errors.Is(err, http.ErrMissingFile):
			// text-only send
		default:
			writeError(w, http.StatusBadRequest, "invalid file part")
			return
		}
	} else {
		var req sendRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		content = req.Content
	}

	eng := s.app.NewEngine(user.ID)
	defer eng.Close()
	if err := eng.Send(r.Context(), content, att); err != nil {
		s.audit(r, "chatroom.send", "fail", "user_id", user.ID, "reason", err.Error())
		writeSendError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// handleAttachment signs a time-limited download URL for an object key. The
// key is the path remainder, e.g. /api/attachments/<userID>/<file>.
func (s *Server) handleAttachment(w http.ResponseWriter, r *http.Request, _ domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	key := strings.TrimPrefix(r.URL.Path, "/api/attachments/")
	if key == "" || strings.Contains(key, "..") {
		http.NotFound(w, r)
		return
	}
	url, err := s.app.PresignAttachment(key)
	if err != nil {
		slog.Error("presign attachment", "key", key, "error", err)
		writeError(w, http.StatusServiceUnavailable, "attachment store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

type authRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type verifyRequest struct {
	ChallengeID string `json:"challengeId"`
	Code        string `json:"code"`
}

type sendRequest struct {
	Content string `json:"content"`
}

type signupResponse struct {
	User        domain.User `json:"user"`
	ChallengeID string      `json:"challengeId"`
}

type authResponse struct {
	Token string      `json:"token"`
	User  domain.User `json:"user"`
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", false
	}
	return token, true
}

func writeAuthError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, app.ErrEmailTaken):
		writeError(w, http.StatusConflict, "email is already registered")
	case errors.Is(err, app.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, "invalid email or password")
	case errors.Is(err, app.ErrNotVerified):
		writeError(w, http.StatusForbidden, "email is not verified")
	case errors.Is(err, app.ErrAccountDisabled):
		writeError(w, http.StatusForbidden, "account is disabled")
	case errors.Is(err, store.ErrVerifySendRateLimited):
		w.Header().Set("Retry-After", "60")
		writeError(w, http.StatusTooManyRequests, "verification code was sent recently")
	case errors.Is(err, store.ErrVerifyCodeInvalid):
		writeError(w, http.StatusBadRequest, "incorrect verification code")
	case errors.Is(err, store.ErrVerifyCodeExpired):
		writeError(w, http.StatusGone, "verification code expired")
	case errors.Is(err, store.ErrVerifyChallengeGone):
		writeError(w, http.StatusGone, "verification request is invalid")
	default:
		writeError(w, http.StatusBadRequest, err.Error())
	}
}

func writeSendError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, chat.ErrNotAuthenticated):
		writeError(w, http.StatusUnauthorized, "unauthorized")
	case errors.Is(err, chat.ErrEmptyMessage):
		writeError(w, http.StatusBadRequest, "message is empty")
	case errors.Is(err, chat.ErrUploadFailed):
		writeError(w, http.StatusBadGateway, "attachment upload failed")
	case errors.Is(err, chat.ErrInsertFailed):
		writeError(w, http.StatusBadGateway, "message could not be saved")
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) audit(r *http.Request, event, outcome string, attrs ...any) {
	logAttrs := []any{
		"event", event,
		"outcome", outcome,
		"path", r.URL.Path,
		"method", r.Method,
		"ip", util.ClientIP(r, s.trustedProxies),
	}
	logAttrs = append(logAttrs, attrs...)
	if outcome == "success" {
		slog.Info("security_event", logAttrs...)
		return
	}
	slog.Warn("security_event", logAttrs...)
}

func (s *Server) allowRate(w http.ResponseWriter, r *http.Request, limiter *ratelimit.FixedWindowLimiter, msg string) bool {
	key := r.URL.Path + "|" + util.ClientIP(r, s.trustedProxies)
	if limiter.Allow(key) {
		return true
	}
	w.Header().Set("Retry-After", "60")
	writeError(w, http.StatusTooManyRequests, msg)
	return false
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
