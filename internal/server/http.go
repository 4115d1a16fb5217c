package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/novavoice/nova/internal/auth"
	"github.com/novavoice/nova/internal/config"
)

// Default endpoints for model listing when the client does not supply one.
const (
	defaultOllamaURL   = "http://localhost:11434"
	defaultLMStudioURL = "http://localhost:1234"
	defaultOpenAIURL   = "https://api.openai.com"
)

// Register mounts the WebSocket endpoint and the HTTP API on mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws", s.HandleWS)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/voices", s.handleVoices)
	mux.HandleFunc("GET /api/models", s.handleModels)

	if s.cfg.Auth != nil {
		mux.HandleFunc("POST /api/auth/login", s.handleLogin)
		mux.HandleFunc("POST /api/auth/logout", s.handleLogout)
		mux.HandleFunc("GET /api/auth/me", s.handleMe)

		mux.HandleFunc("GET /api/admin/users", s.requireAdmin(s.handleListUsers))
		mux.HandleFunc("POST /api/admin/users", s.requireAdmin(s.handleCreateUser))
		mux.HandleFunc("DELETE /api/admin/users/{username}", s.requireAdmin(s.handleDeleteUser))
		mux.HandleFunc("POST /api/admin/users/{username}/password", s.requireAdmin(s.handleResetPassword))
	}

	if s.cfg.Auth != nil || s.cfg.AdminToken != "" {
		mux.HandleFunc("GET /api/admin/health", s.requireAdmin(s.handleAdminHealth))
		mux.HandleFunc("GET /api/admin/sessions", s.requireAdmin(s.handleAdminSessions))
		mux.HandleFunc("GET /api/admin/events", s.requireAdmin(s.handleAdminEvents))
		mux.HandleFunc("GET /api/admin/logs", s.requireAdmin(s.handleAdminLogs))
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("writing response failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// handleHealth reports provider health and basic server facts.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	memory := false
	if s.cfg.Memory != nil {
		memory = s.cfg.Memory.Healthy(ctx)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":           "ok",
		"stt":              s.cfg.STT.Healthy(ctx),
		"tts":              s.cfg.TTS.Healthy(ctx),
		"llm":              s.cfg.Defaults.LLMBackend,
		"tools_registered": s.cfg.Registry.Len(),
		"memory":           memory,
		"connections":      s.manager.Len(),
		"uptime_seconds":   int(time.Since(s.started).Seconds()),
	})
}

// handleVoices lists the available TTS voices.
func (s *Server) handleVoices(w http.ResponseWriter, r *http.Request) {
	voices, err := s.cfg.TTS.ListVoices(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "listing voices failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"voices": voices})
}

// handleModels lists the models available on a chat backend. Failures are
// reported in-band so the settings UI can render them inline.
func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	backend := config.LLMBackend(q.Get("backend"))
	if backend == "" {
		backend = config.BackendOllama
	}
	if !backend.IsValid() || !backend.ClientSelectable() {
		writeJSON(w, http.StatusOK, map[string]any{
			"models": []string{},
			"error":  fmt.Sprintf("Invalid backend: %s", backend),
		})
		return
	}

	models, err := s.listModels(r.Context(), backend, q.Get("url"), q.Get("api_key"))
	if err != nil {
		slog.Warn("model listing failed", "backend", backend, "error", err)
		writeJSON(w, http.StatusOK, map[string]any{
			"models": []string{},
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"models":  models,
		"backend": backend,
	})
}

// listModels queries the backend's native model listing endpoint.
func (s *Server) listModels(ctx context.Context, backend config.LLMBackend, baseURL, apiKey string) ([]string, error) {
	var endpoint, bearer string
	switch backend {
	case config.BackendOllama:
		if baseURL == "" {
			baseURL = defaultOllamaURL
		}
		endpoint = strings.TrimSuffix(baseURL, "/") + "/api/tags"
	case config.BackendLMStudio:
		if baseURL == "" {
			baseURL = defaultLMStudioURL
		}
		endpoint = strings.TrimSuffix(baseURL, "/") + "/v1/models"
	case config.BackendOpenAI:
		if baseURL == "" {
			baseURL = defaultOpenAIURL
		}
		endpoint = strings.TrimSuffix(baseURL, "/") + "/v1/models"
		bearer = apiKey
	default:
		return nil, fmt.Errorf("server: unsupported backend %q", backend)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("server: build model request: %w", err)
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("server: query %s: %w", backend, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("server: %s returned status %d", backend, resp.StatusCode)
	}

	if backend == config.BackendOllama {
		var body struct {
			Models []struct {
				Name string `json:"name"`
			} `json:"models"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return nil, fmt.Errorf("server: decode ollama tags: %w", err)
		}
		names := make([]string, 0, len(body.Models))
		for _, m := range body.Models {
			names = append(names, m.Name)
		}
		return names, nil
	}

	var body struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("server: decode model list: %w", err)
	}
	names := make([]string, 0, len(body.Data))
	for _, m := range body.Data {
		names = append(names, m.ID)
	}
	return names, nil
}

// ── auth endpoints ──

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return ""
	}
	return strings.TrimSpace(token)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	token, err := s.cfg.Auth.Login(body.Username, body.Password)
	if errors.Is(err, auth.ErrInvalidCredentials) {
		writeError(w, http.StatusUnauthorized, "invalid username or password")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "login failed")
		return
	}

	user, _ := s.cfg.Auth.GetUser(body.Username)
	writeJSON(w, http.StatusOK, map[string]any{
		"token":    token,
		"username": user.Username,
		"is_admin": user.IsAdmin,
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "missing bearer token")
		return
	}
	s.cfg.Auth.Logout(token)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	user, ok := s.cfg.Auth.ValidateToken(bearerToken(r))
	if !ok {
		writeError(w, http.StatusUnauthorized, "invalid or expired token")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"username":   user.Username,
		"is_admin":   user.IsAdmin,
		"created_at": user.CreatedAt,
		"last_login": user.LastLogin,
		"settings":   user.Settings,
	})
}

// requireAdmin wraps an admin handler. Access is granted to a configured
// X-Admin-Token header or to a bearer token belonging to an admin account;
// the acting identity is passed through for audit logging.
func (s *Server) requireAdmin(next func(w http.ResponseWriter, r *http.Request, actor string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AdminToken != "" && r.Header.Get("X-Admin-Token") == s.cfg.AdminToken {
			next(w, r, "admin-token")
			return
		}
		if s.cfg.Auth != nil {
			if user, ok := s.cfg.Auth.ValidateToken(bearerToken(r)); ok && user.IsAdmin {
				next(w, r, user.Username)
				return
			}
		}
		writeError(w, http.StatusForbidden, "admin privileges required")
	}
}

// ── admin introspection ──

// handleAdminHealth extends the public health payload with auth and
// persistence facts.
func (s *Server) handleAdminHealth(w http.ResponseWriter, r *http.Request, _ string) {
	ctx := r.Context()
	memory := false
	if s.cfg.Memory != nil {
		memory = s.cfg.Memory.Healthy(ctx)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":           "ok",
		"stt":              s.cfg.STT.Healthy(ctx),
		"tts":              s.cfg.TTS.Healthy(ctx),
		"llm":              s.cfg.Defaults.LLMBackend,
		"tools_registered": s.cfg.Registry.Len(),
		"memory":           memory,
		"connections":      s.manager.Len(),
		"uptime_seconds":   int(time.Since(s.started).Seconds()),
		"auth_enabled":     s.cfg.Auth != nil,
		"persist_enabled":  s.cfg.Persist != nil,
	})
}

// handleAdminSessions lists the connected sessions.
func (s *Server) handleAdminSessions(w http.ResponseWriter, _ *http.Request, _ string) {
	clients := s.manager.All()
	sessions := make([]map[string]any, 0, len(clients))
	for _, c := range clients {
		sess := c.Session
		settings := sess.Settings()
		sessions = append(sessions, map[string]any{
			"id":            sess.ID,
			"state":         string(sess.State()),
			"last_activity": sess.LastActivity(),
			"messages":      len(sess.Conversation.Messages()),
			"voice":         settings.Voice,
			"llm_backend":   settings.LLMBackend,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

// handleAdminEvents returns recent connection events, oldest first.
func (s *Server) handleAdminEvents(w http.ResponseWriter, _ *http.Request, _ string) {
	writeJSON(w, http.StatusOK, map[string]any{"events": s.events.Recent()})
}

// handleAdminLogs returns recently retained log records.
func (s *Server) handleAdminLogs(w http.ResponseWriter, _ *http.Request, _ string) {
	if s.cfg.Logs == nil {
		writeJSON(w, http.StatusOK, map[string]any{"logs": []any{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": s.cfg.Logs.Records()})
}

func (s *Server) handleListUsers(w http.ResponseWriter, _ *http.Request, _ string) {
	writeJSON(w, http.StatusOK, map[string]any{"users": s.cfg.Auth.ListUsers()})
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request, actor string) {
	var body struct {
		Username string `json:"username"`
		Password string `json:"password"`
		IsAdmin  bool   `json:"is_admin"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.cfg.Auth.CreateUser(body.Username, body.Password, body.IsAdmin); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, auth.ErrUserExists) {
			status = http.StatusConflict
		}
		writeError(w, status, err.Error())
		return
	}
	slog.Info("user created via admin api", "username", body.Username, "by", actor)
	writeJSON(w, http.StatusCreated, map[string]any{"ok": true})
}

func (s *Server) handleDeleteUser(w http.ResponseWriter, r *http.Request, actor string) {
	username := r.PathValue("username")
	err := s.cfg.Auth.DeleteUser(username, actor)
	switch {
	case errors.Is(err, auth.ErrUserNotFound):
		writeError(w, http.StatusNotFound, "user not found")
	case errors.Is(err, auth.ErrSelfDelete):
		writeError(w, http.StatusBadRequest, "cannot delete your own account")
	case err != nil:
		writeError(w, http.StatusInternalServerError, "delete failed")
	default:
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	}
}

func (s *Server) handleResetPassword(w http.ResponseWriter, r *http.Request, actor string) {
	username := r.PathValue("username")
	var body struct {
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.cfg.Auth.ResetPassword(username, body.Password); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, auth.ErrUserNotFound) {
			status = http.StatusNotFound
		}
		writeError(w, status, err.Error())
		return
	}
	slog.Info("password reset via admin api", "username", username, "by", actor)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}
