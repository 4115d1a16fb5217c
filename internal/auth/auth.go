// Package auth implements the login layer: a JSON-file user store with
// salted password hashes and expiring bearer tokens. It is sized for a
// self-hosted deployment with a handful of users, not a multi-tenant service.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/novavoice/nova/internal/persist"
)

// TokenExpiry is how long a login session stays valid.
const TokenExpiry = 24 * time.Hour

const (
	usersFile    = "users.json"
	sessionsFile = "sessions.json"

	minUsernameLen = 2
	minPasswordLen = 4
)

// Sentinel errors callers branch on.
var (
	ErrInvalidCredentials = errors.New("auth: invalid username or password")
	ErrUserExists         = errors.New("auth: username already exists")
	ErrUserNotFound       = errors.New("auth: user not found")
	ErrSelfDelete         = errors.New("auth: cannot delete your own account")
)

// User is one account. PasswordHash is "salt$sha256hex(salt+password)" with a
// 16-byte hex salt.
type User struct {
	Username     string         `json:"username"`
	PasswordHash string         `json:"password_hash"`
	IsAdmin      bool           `json:"is_admin"`
	CreatedAt    time.Time      `json:"created_at"`
	LastLogin    time.Time      `json:"last_login,omitzero"`
	Settings     map[string]any `json:"settings,omitempty"`
}

// Session is one issued bearer token.
type Session struct {
	Token     string    `json:"token"`
	Username  string    `json:"username"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Manager owns the user and session stores. Safe for concurrent use.
type Manager struct {
	mu       sync.Mutex
	dir      string
	users    map[string]*User
	sessions map[string]Session
	now      func() time.Time
}

// New loads (or initialises) the stores under dir. When no users exist, a
// default admin account is created with a random password that is logged
// once; change it immediately.
func New(dir string) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("auth: create data dir: %w", err)
	}
	m := &Manager{
		dir:      dir,
		users:    make(map[string]*User),
		sessions: make(map[string]Session),
		now:      time.Now,
	}
	if err := m.loadUsers(); err != nil {
		return nil, err
	}
	if err := m.loadSessions(); err != nil {
		return nil, err
	}
	if len(m.users) == 0 {
		password := generateToken()[:12]
		if err := m.CreateUser("admin", password, true); err != nil {
			return nil, err
		}
		slog.Warn("created default admin account, change the password",
			"username", "admin", "password", password)
	}
	return m, nil
}

// CreateUser adds an account. The username is lowercased and trimmed.
func (m *Manager) CreateUser(username, password string, isAdmin bool) error {
	username = normalizeUsername(username)
	if len(username) < minUsernameLen {
		return fmt.Errorf("auth: username must be at least %d characters", minUsernameLen)
	}
	if len(password) < minPasswordLen {
		return fmt.Errorf("auth: password must be at least %d characters", minPasswordLen)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[username]; ok {
		return ErrUserExists
	}
	m.users[username] = &User{
		Username:     username,
		PasswordHash: hashPassword(password),
		IsAdmin:      isAdmin,
		CreatedAt:    m.now().UTC(),
	}
	if err := m.saveUsersLocked(); err != nil {
		return err
	}
	slog.Info("user created", "username", username, "admin", isAdmin)
	return nil
}

// DeleteUser removes an account and revokes all of its sessions. Requester is
// the acting user; self-deletion is refused.
func (m *Manager) DeleteUser(username, requester string) error {
	username = normalizeUsername(username)
	if username == normalizeUsername(requester) {
		return ErrSelfDelete
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[username]; !ok {
		return ErrUserNotFound
	}
	delete(m.users, username)
	for token, sess := range m.sessions {
		if sess.Username == username {
			delete(m.sessions, token)
		}
	}
	if err := m.saveUsersLocked(); err != nil {
		return err
	}
	if err := m.saveSessionsLocked(); err != nil {
		return err
	}
	slog.Info("user deleted", "username", username, "by", requester)
	return nil
}

// ChangePassword updates a user's password after verifying the current one.
func (m *Manager) ChangePassword(username, oldPassword, newPassword string) error {
	username = normalizeUsername(username)
	if len(newPassword) < minPasswordLen {
		return fmt.Errorf("auth: password must be at least %d characters", minPasswordLen)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[username]
	if !ok {
		return ErrUserNotFound
	}
	if !verifyPassword(oldPassword, user.PasswordHash) {
		return ErrInvalidCredentials
	}
	user.PasswordHash = hashPassword(newPassword)
	return m.saveUsersLocked()
}

// ResetPassword sets a user's password without the old one. The caller is
// responsible for admin authorization.
func (m *Manager) ResetPassword(username, newPassword string) error {
	username = normalizeUsername(username)
	if len(newPassword) < minPasswordLen {
		return fmt.Errorf("auth: password must be at least %d characters", minPasswordLen)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[username]
	if !ok {
		return ErrUserNotFound
	}
	user.PasswordHash = hashPassword(newPassword)
	return m.saveUsersLocked()
}

// Login verifies credentials and issues a bearer token valid for TokenExpiry.
func (m *Manager) Login(username, password string) (string, error) {
	username = normalizeUsername(username)

	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[username]
	if !ok || !verifyPassword(password, user.PasswordHash) {
		slog.Warn("login failed", "username", username)
		return "", ErrInvalidCredentials
	}

	token := generateToken()
	now := m.now().UTC()
	m.sessions[token] = Session{
		Token:     token,
		Username:  username,
		CreatedAt: now,
		ExpiresAt: now.Add(TokenExpiry),
	}
	user.LastLogin = now
	if err := m.saveUsersLocked(); err != nil {
		return "", err
	}
	if err := m.saveSessionsLocked(); err != nil {
		return "", err
	}
	slog.Info("login", "username", username)
	return token, nil
}

// Logout revokes a token. Unknown tokens are a no-op.
func (m *Manager) Logout(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[token]; !ok {
		return
	}
	delete(m.sessions, token)
	if err := m.saveSessionsLocked(); err != nil {
		slog.Error("saving sessions after logout failed", "error", err)
	}
}

// ValidateToken resolves a token to its user. Expired tokens are pruned on
// sight.
func (m *Manager) ValidateToken(token string) (User, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[token]
	if !ok {
		return User{}, false
	}
	if m.now().After(sess.ExpiresAt) {
		delete(m.sessions, token)
		if err := m.saveSessionsLocked(); err != nil {
			slog.Error("saving sessions after expiry prune failed", "error", err)
		}
		return User{}, false
	}
	user, ok := m.users[sess.Username]
	if !ok {
		return User{}, false
	}
	return *user, true
}

// GetUser returns a copy of the named user.
func (m *Manager) GetUser(username string) (User, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[normalizeUsername(username)]
	if !ok {
		return User{}, false
	}
	return *user, true
}

// ListUsers returns all accounts without password hashes, sorted by creation
// time.
func (m *Manager) ListUsers() []User {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]User, 0, len(m.users))
	for _, u := range m.users {
		cp := *u
		cp.PasswordHash = ""
		out = append(out, cp)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].CreatedAt.Before(out[j-1].CreatedAt); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// SetUserSettings replaces the user's persisted settings blob.
func (m *Manager) SetUserSettings(username string, settings map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[normalizeUsername(username)]
	if !ok {
		return ErrUserNotFound
	}
	user.Settings = settings
	return m.saveUsersLocked()
}

// ── persistence ──

func (m *Manager) loadUsers() error {
	return m.loadJSON(usersFile, &m.users)
}

func (m *Manager) loadSessions() error {
	if err := m.loadJSON(sessionsFile, &m.sessions); err != nil {
		return err
	}
	// Drop anything already expired instead of carrying it until first use.
	now := m.now()
	for token, sess := range m.sessions {
		if now.After(sess.ExpiresAt) {
			delete(m.sessions, token)
		}
	}
	return nil
}

func (m *Manager) loadJSON(name string, v any) error {
	data, err := os.ReadFile(filepath.Join(m.dir, name))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("auth: read %s: %w", name, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("auth: decode %s: %w", name, err)
	}
	return nil
}

func (m *Manager) saveUsersLocked() error {
	return m.saveJSON(usersFile, m.users)
}

func (m *Manager) saveSessionsLocked() error {
	return m.saveJSON(sessionsFile, m.sessions)
}

func (m *Manager) saveJSON(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("auth: marshal %s: %w", name, err)
	}
	// 0600: the users file holds password hashes and live tokens.
	if err := persist.WriteFileAtomic(filepath.Join(m.dir, name), data, 0o600); err != nil {
		return fmt.Errorf("auth: save %s: %w", name, err)
	}
	return nil
}

// ── hashing and tokens ──

func normalizeUsername(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}

func hashPassword(password string) string {
	saltBytes := make([]byte, 16)
	if _, err := rand.Read(saltBytes); err != nil {
		panic(fmt.Sprintf("auth: crypto/rand unavailable: %v", err))
	}
	salt := hex.EncodeToString(saltBytes)
	sum := sha256.Sum256([]byte(salt + password))
	return salt + "$" + hex.EncodeToString(sum[:])
}

func verifyPassword(password, stored string) bool {
	salt, want, ok := strings.Cut(stored, "$")
	if !ok {
		return false
	}
	sum := sha256.Sum256([]byte(salt + password))
	got := hex.EncodeToString(sum[:])
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

func generateToken() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("auth: crypto/rand unavailable: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)
}
