package auth

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return m
}

func TestBootstrapCreatesAdmin(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)

	admin, ok := m.GetUser("admin")
	if !ok {
		t.Fatal("default admin account was not created")
	}
	if !admin.IsAdmin {
		t.Error("default account is not an admin")
	}
}

func TestCreateUserValidation(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)

	tests := []struct {
		name     string
		username string
		password string
		wantErr  bool
	}{
		{"valid", "felix", "secret", false},
		{"username normalized", "  MIXED  ", "secret", false},
		{"username too short", "a", "secret", true},
		{"password too short", "bob", "abc", true},
		{"duplicate", "felix", "other", true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := m.CreateUser(tc.username, tc.password, false)
			if (err != nil) != tc.wantErr {
				t.Errorf("CreateUser(%q, %q) error = %v, wantErr %v", tc.username, tc.password, err, tc.wantErr)
			}
		})
	}

	if _, ok := m.GetUser("mixed"); !ok {
		t.Error("normalized username not found as lowercase")
	}
}

func TestLoginAndValidate(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)
	if err := m.CreateUser("felix", "secret", false); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	if _, err := m.Login("felix", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("wrong password error = %v, want ErrInvalidCredentials", err)
	}
	if _, err := m.Login("nobody", "secret"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("unknown user error = %v, want ErrInvalidCredentials", err)
	}

	token, err := m.Login("Felix", "secret")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if token == "" {
		t.Fatal("empty token")
	}

	user, ok := m.ValidateToken(token)
	if !ok || user.Username != "felix" {
		t.Fatalf("ValidateToken = %+v, %v; want felix", user, ok)
	}
	if user.LastLogin.IsZero() {
		t.Error("login did not stamp LastLogin")
	}
}

func TestTokenExpiry(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)
	if err := m.CreateUser("felix", "secret", false); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	token, err := m.Login("felix", "secret")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	m.now = func() time.Time { return time.Now().Add(TokenExpiry + time.Minute) }
	if _, ok := m.ValidateToken(token); ok {
		t.Error("expired token validated")
	}
	// Pruned, not just rejected.
	m.now = time.Now
	if _, ok := m.ValidateToken(token); ok {
		t.Error("pruned token validated after clock reset")
	}
}

func TestLogoutRevokesToken(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)
	if err := m.CreateUser("felix", "secret", false); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	token, err := m.Login("felix", "secret")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	m.Logout(token)
	if _, ok := m.ValidateToken(token); ok {
		t.Error("token still valid after logout")
	}
}

func TestDeleteUserRevokesSessions(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)
	if err := m.CreateUser("felix", "secret", false); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	token, err := m.Login("felix", "secret")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	if err := m.DeleteUser("felix", "felix"); !errors.Is(err, ErrSelfDelete) {
		t.Errorf("self delete error = %v, want ErrSelfDelete", err)
	}
	if err := m.DeleteUser("felix", "admin"); err != nil {
		t.Fatalf("DeleteUser: %v", err)
	}
	if _, ok := m.ValidateToken(token); ok {
		t.Error("deleted user's token still valid")
	}
	if err := m.DeleteUser("felix", "admin"); !errors.Is(err, ErrUserNotFound) {
		t.Errorf("second delete error = %v, want ErrUserNotFound", err)
	}
}

func TestChangeAndResetPassword(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)
	if err := m.CreateUser("felix", "secret", false); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	if err := m.ChangePassword("felix", "wrong", "newpass"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("wrong old password error = %v, want ErrInvalidCredentials", err)
	}
	if err := m.ChangePassword("felix", "secret", "newpass"); err != nil {
		t.Fatalf("ChangePassword: %v", err)
	}
	if _, err := m.Login("felix", "newpass"); err != nil {
		t.Errorf("login with changed password: %v", err)
	}

	if err := m.ResetPassword("felix", "resetpass"); err != nil {
		t.Fatalf("ResetPassword: %v", err)
	}
	if _, err := m.Login("felix", "resetpass"); err != nil {
		t.Errorf("login with reset password: %v", err)
	}
}

func TestPersistenceAcrossRestart(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	m1, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := m1.CreateUser("felix", "secret", false); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	token, err := m1.Login("felix", "secret")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	m2, err := New(dir)
	if err != nil {
		t.Fatalf("New (restart): %v", err)
	}
	if _, ok := m2.GetUser("felix"); !ok {
		t.Error("user lost across restart")
	}
	if user, ok := m2.ValidateToken(token); !ok || user.Username != "felix" {
		t.Error("session lost across restart")
	}
	// The restart must not bootstrap a second admin over existing users.
	if got := len(m2.ListUsers()); got != 2 {
		t.Errorf("user count after restart = %d, want 2", got)
	}
}

func TestPasswordHashFormat(t *testing.T) {
	t.Parallel()

	h := hashPassword("secret")
	salt, digest, ok := strings.Cut(h, "$")
	if !ok {
		t.Fatalf("hash %q has no salt separator", h)
	}
	if len(salt) != 32 {
		t.Errorf("salt length = %d, want 32 hex chars", len(salt))
	}
	if len(digest) != 64 {
		t.Errorf("digest length = %d, want 64 hex chars", len(digest))
	}
	if !verifyPassword("secret", h) {
		t.Error("correct password did not verify")
	}
	if verifyPassword("wrong", h) {
		t.Error("wrong password verified")
	}
	if h2 := hashPassword("secret"); h2 == h {
		t.Error("two hashes of the same password share a salt")
	}
}

func TestUserSettingsBlob(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)
	if err := m.CreateUser("felix", "secret", false); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	if err := m.SetUserSettings("felix", map[string]any{"voice": "ryan"}); err != nil {
		t.Fatalf("SetUserSettings: %v", err)
	}
	user, _ := m.GetUser("felix")
	if got := user.Settings["voice"]; got != "ryan" {
		t.Errorf("settings voice = %v, want ryan", got)
	}

	if err := m.SetUserSettings("ghost", nil); !errors.Is(err, ErrUserNotFound) {
		t.Errorf("unknown user error = %v, want ErrUserNotFound", err)
	}
}
