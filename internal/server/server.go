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

	"chatrelay/internal/app"
	"chatrelay/internal/ratelimit"
	"chatrelay/internal/store"
	"chatrelay/internal/util"
	"chatrelay/pkg/ai"
	"chatrelay/pkg/domain"
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	App                      *app.App
	RedisAddr                string
	RedisPassword            string
	TrustedProxyCIDRs        []string
	SignupRateLimitPerMinute int
	LoginRateLimitPerMinute  int
	ChatRateLimitPerMinute   int
	MaxUploadBytes           int64
}

// Server exposes the HTTP API.
type Server struct {
	app            *app.App
	mux            *http.ServeMux
	trustedProxies *util.TrustedProxies
	maxUploadBytes int64
	signupLimiter  *ratelimit.FixedWindowLimiter
	loginLimiter   *ratelimit.FixedWindowLimiter
	chatLimiter    *ratelimit.FixedWindowLimiter
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, fmt.Errorf("app is required")
	}
	signupLimit := cfg.SignupRateLimitPerMinute
	if signupLimit <= 0 {
		signupLimit = 5
	}
	loginLimit := cfg.LoginRateLimitPerMinute
	if loginLimit <= 0 {
		loginLimit = 10
	}
	chatLimit := cfg.ChatRateLimitPerMinute
	if chatLimit <= 0 {
		chatLimit = 60
	}
	rateWindow := time.Minute
	newLimiter := func(name string, limit int) (*ratelimit.FixedWindowLimiter, error) {
		prefix := "chatrelay:ratelimit:" + name
		limiter, err := ratelimit.NewRedisFixedWindowLimiter(cfg.RedisAddr, cfg.RedisPassword, prefix, limit, rateWindow)
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
	chatLimiter, err := newLimiter("chat", chatLimit)
	if err != nil {
		return nil, err
	}
	trusted, err := util.NewTrustedProxies(cfg.TrustedProxyCIDRs)
	if err != nil {
		return nil, fmt.Errorf("parse trusted proxies: %w", err)
	}
	maxUploadBytes := cfg.MaxUploadBytes
	if maxUploadBytes <= 0 {
		maxUploadBytes = 20 * 1024 * 1024
	}
	s := &Server{
		app:            cfg.App,
		mux:            http.NewServeMux(),
		trustedProxies: trusted,
		maxUploadBytes: maxUploadBytes,
		signupLimiter:  signupLimiter,
		loginLimiter:   loginLimiter,
		chatLimiter:    chatLimiter,
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler with middleware applied.
func (s *Server) Router() http.Handler {
	return util.WithSecurityHeaders(util.WithCORS(util.WithRequestID(util.WithRequestLog(s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)

	// auth
	s.mux.HandleFunc("/api/auth/signup", s.handleSignup)
	s.mux.HandleFunc("/api/auth/login", s.handleLogin)
	s.mux.HandleFunc("/api/auth/logout", s.handleLogout)
	s.mux.Handle("/api/users/me", s.authenticated(s.handleMe))

	// chat turns & uploads (guests allowed)
	s.mux.HandleFunc("/api/chat", s.handleChatTurn)
	s.mux.HandleFunc("/api/upload", s.handleUpload)

	// conversations (auth required)
	s.mux.Handle("/api/conversations", s.authenticated(s.handleConversations))
	s.mux.Handle("/api/conversations/", s.authenticated(s.handleConversationByID))

	// archived attachment download links (auth required)
	s.mux.Handle("/api/attachments/", s.authenticated(s.handleAttachment))

	// share-token access (no auth)
	s.mux.HandleFunc("/api/shared/", s.handleShared)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type authHandler func(http.ResponseWriter, *http.Request, domain.User)

func (s *Server) authenticated(next authHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, ok := s.authorize(r)
		if !ok {
			s.audit(r, "auth.authorize", "fail")
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r, user)
	})
}

func (s *Server) authorize(r *http.Request) (domain.User, bool) {
	token, ok := bearerToken(r)
	if !ok {
		return domain.User{}, false
	}
	return s.app.UserFromToken(token)
}

// optionalUser resolves the caller when a bearer token is present. A
// present-but-invalid token is rejected rather than downgraded to guest.
func (s *Server) optionalUser(r *http.Request) (domain.User, bool) {
	if strings.TrimSpace(r.Header.Get("Authorization")) == "" {
		return domain.User{}, true
	}
	user, ok := s.authorize(r)
	if !ok {
		return domain.User{}, false
	}
	return user, true
}

// auth handlers
func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, s.signupLimiter, "too many signup attempts") {
		s.audit(r, "auth.signup", "rate_limited")
		return
	}
	var req signupRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	user, token, err := s.app.SignUp(req.Name, req.Email, req.Password)
	if err != nil {
		s.audit(r, "auth.signup", "fail", "reason", err.Error())
		writeAppError(w, err)
		return
	}
	s.audit(r, "auth.signup", "success", "user_id", user.ID)
	writeJSON(w, http.StatusCreated, authResponse{Token: token, User: user})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, s.loginLimiter, "too many login attempts") {
		s.audit(r, "auth.login", "rate_limited")
		return
	}
	var req loginRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	user, token, err := s.app.Login(req.Email, req.Password)
	if err != nil {
		s.audit(r, "auth.login", "fail", "reason", err.Error())
		writeAppError(w, err)
		return
	}
	s.audit(r, "auth.login", "success", "user_id", user.ID)
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
		writeAppError(w, err)
		return
	}
	s.audit(r, "auth.logout", "success")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// handleChatTurn runs one chat exchange. Tokenless requests run as
// guest sessions.
func (s *Server) handleChatTurn(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	user, ok := s.optionalUser(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if !s.allowRate(w, r, s.chatLimiter, "too many chat requests") {
		return
	}
	var req chatRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	turn := app.ChatTurnRequest{
		Message:        req.Message,
		SessionID:      req.SessionID,
		Persona:        req.Persona,
		SystemPrompt:   req.SystemPrompt,
		IdempotencyKey: req.IdempotencyKey,
	}
	if req.FileReference != nil {
		turn.File = &ai.FileRef{
			URI:      req.FileReference.URI,
			MimeType: req.FileReference.MimeType,
			Name:     req.FileReference.Name,
		}
	}
	result, err := s.app.ChatTurn(r.Context(), user, turn)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, chatResponse{
		AssistantMessage: result.AssistantMessage,
		SessionID:        result.SessionID,
	})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if _, ok := s.optionalUser(r); !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes+(1<<20))
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeUploadError(w, http.StatusBadRequest, "invalid form data")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeUploadError(w, http.StatusBadRequest, "file is required (field: file)")
		return
	}
	defer file.Close()
	ref, err := s.app.Upload(r.Context(), header.Filename, file, header.Size)
	if err != nil {
		status := appErrorStatus(err)
		writeUploadError(w, status, appErrorMessage(err))
		return
	}
	writeJSON(w, http.StatusOK, uploadResponse{
		Success:  true,
		FileURI:  ref.URI,
		FileName: ref.Name,
		MimeType: ref.MimeType,
	})
}

func (s *Server) handleConversations(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	items, err := s.app.ListConversations(user)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": items,
		"count": len(items),
	})
}

// /api/conversations/{id}
func (s *Server) handleConversationByID(w http.ResponseWriter, r *http.Request, user domain.User) {
	id := strings.TrimPrefix(r.URL.Path, "/api/conversations/")
	if id == "" || strings.Contains(id, "/") {
		http.NotFound(w, r)
		return
	}
	switch r.Method {
	case http.MethodGet:
		conversation, err := s.app.GetConversation(user, id)
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, conversation)
	case http.MethodDelete:
		if err := s.app.DeleteConversation(r.Context(), user, id); err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	default:
		methodNotAllowed(w)
	}
}

// /api/attachments/{key...}
func (s *Server) handleAttachment(w http.ResponseWriter, r *http.Request, _ domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	key := strings.TrimPrefix(r.URL.Path, "/api/attachments/")
	url, err := s.app.AttachmentURL(r.Context(), key)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}

// /api/shared/{token}
func (s *Server) handleShared(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	token := strings.TrimPrefix(r.URL.Path, "/api/shared/")
	if token == "" || strings.Contains(token, "/") {
		http.NotFound(w, r)
		return
	}
	conversation, err := s.app.GetSharedConversation(token)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conversation)
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

type chatRequest struct {
	Message        string         `json:"message"`
	SessionID      string         `json:"sessionId"`
	Persona        string         `json:"persona"`
	SystemPrompt   string         `json:"systemPrompt"`
	IdempotencyKey string         `json:"idempotencyKey"`
	FileReference  *fileReference `json:"fileReference"`
}

type fileReference struct {
	URI      string `json:"uri"`
	MimeType string `json:"mimeType"`
	Name     string `json:"name"`
}

type chatResponse struct {
	AssistantMessage domain.Message `json:"assistantMessage"`
	SessionID        string         `json:"sessionId"`
}

type uploadResponse struct {
	Success  bool   `json:"success"`
	FileURI  string `json:"fileUri,omitempty"`
	FileName string `json:"fileName,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Error    string `json:"error,omitempty"`
}

type signupRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
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

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeUploadError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, uploadResponse{Success: false, Error: msg})
}

func writeAppError(w http.ResponseWriter, err error) {
	writeError(w, appErrorStatus(err), appErrorMessage(err))
}

func appErrorStatus(err error) int {
	var validationErr *app.ValidationError
	var storageErr *store.StorageError
	var generationErr *app.GenerationError
	switch {
	case errors.As(err, &validationErr):
		return http.StatusBadRequest
	case errors.Is(err, app.ErrConversationNotFound):
		return http.StatusNotFound
	case errors.Is(err, app.ErrConversationForbidden):
		return http.StatusForbidden
	case errors.Is(err, app.ErrInvalidCredentials):
		return http.StatusUnauthorized
	case errors.Is(err, app.ErrEmailTaken):
		return http.StatusConflict
	case errors.As(err, &generationErr), errors.As(err, &storageErr):
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

func appErrorMessage(err error) string {
	var validationErr *app.ValidationError
	if errors.As(err, &validationErr) {
		return validationErr.Msg
	}
	var storageErr *store.StorageError
	if errors.As(err, &storageErr) {
		return "storage failure"
	}
	var generationErr *app.GenerationError
	if errors.As(err, &generationErr) {
		return generationErr.Error()
	}
	return err.Error()
}

func (s *Server) audit(r *http.Request, event, outcome string, attrs ...any) {
	logAttrs := []any{
		"event", event,
		"outcome", outcome,
		"path", r.URL.Path,
		"method", r.Method,
		"ip", util.ClientIP(r, s.trustedProxies),
		"request_id", util.RequestIDFromRequest(r),
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
