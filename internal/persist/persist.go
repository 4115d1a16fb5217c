// Package persist stores per-client state on disk: the client's settings and
// conversation history, written under {data}/users/{clientID}/. Files are
// written atomically (temp file plus rename) so a crash mid-write never leaves
// a torn JSON file behind.
package persist

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/novavoice/nova/internal/session"
	"github.com/novavoice/nova/pkg/types"
)

// ErrNotFound is returned when no state has been saved for a client yet.
var ErrNotFound = errors.New("persist: not found")

const (
	settingsFile = "settings.json"
	historyFile  = "history.json"

	// snapshotFile is the process-wide sessions snapshot; "sessions.json" is
	// taken by the auth token store.
	snapshotFile = "sessions_snapshot.json"
)

// SessionSnapshot is one client's entry in the process-wide sessions snapshot.
type SessionSnapshot struct {
	State           string          `json:"state"`
	LastActivity    time.Time       `json:"last_activity"`
	SpeakingStarted time.Time       `json:"speaking_started,omitzero"`
	Messages        []types.Message `json:"messages"`
}

// Store reads and writes per-client files under a data directory. Safe for
// concurrent use; atomicity comes from the rename, not from locking.
type Store struct {
	dataDir string
}

// New creates a Store rooted at dataDir, creating the directory tree as
// needed.
func New(dataDir string) (*Store, error) {
	if dataDir == "" {
		return nil, fmt.Errorf("persist: data dir must not be empty")
	}
	if err := os.MkdirAll(filepath.Join(dataDir, "users"), 0o755); err != nil {
		return nil, fmt.Errorf("persist: create data dir: %w", err)
	}
	return &Store{dataDir: dataDir}, nil
}

// SaveSettings writes the client's settings file.
func (s *Store) SaveSettings(clientID string, settings session.Settings) error {
	return s.writeJSON(clientID, settingsFile, settings)
}

// LoadSettings reads the client's settings file. Returns ErrNotFound when the
// client has never saved settings.
func (s *Store) LoadSettings(clientID string) (session.Settings, error) {
	var settings session.Settings
	if err := s.readJSON(clientID, settingsFile, &settings); err != nil {
		return session.Settings{}, err
	}
	return settings, nil
}

// SaveHistory writes the client's conversation history.
func (s *Store) SaveHistory(clientID string, messages []types.Message) error {
	return s.writeJSON(clientID, historyFile, messages)
}

// LoadHistory reads the client's conversation history. Returns ErrNotFound
// when none has been saved.
func (s *Store) LoadHistory(clientID string) ([]types.Message, error) {
	var messages []types.Message
	if err := s.readJSON(clientID, historyFile, &messages); err != nil {
		return nil, err
	}
	return messages, nil
}

// SaveSessions atomically writes the process-wide sessions snapshot.
func (s *Store) SaveSessions(snapshot map[string]SessionSnapshot) error {
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("persist: marshal sessions snapshot: %w", err)
	}
	return WriteFileAtomic(filepath.Join(s.dataDir, snapshotFile), data, 0o644)
}

// LoadSessions reads the sessions snapshot written by a previous run. Returns
// ErrNotFound when none exists.
func (s *Store) LoadSessions() (map[string]SessionSnapshot, error) {
	data, err := os.ReadFile(filepath.Join(s.dataDir, snapshotFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("persist: read sessions snapshot: %w", err)
	}
	var snapshot map[string]SessionSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, fmt.Errorf("persist: decode sessions snapshot: %w", err)
	}
	return snapshot, nil
}

// DeleteClient removes everything stored for clientID.
func (s *Store) DeleteClient(clientID string) error {
	dir, err := s.clientDir(clientID)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("persist: delete client %q: %w", clientID, err)
	}
	return nil
}

func (s *Store) writeJSON(clientID, name string, v any) error {
	dir, err := s.clientDir(clientID)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("persist: create client dir: %w", err)
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("persist: marshal %s: %w", name, err)
	}
	return WriteFileAtomic(filepath.Join(dir, name), data, 0o644)
}

func (s *Store) readJSON(clientID, name string, v any) error {
	dir, err := s.clientDir(clientID)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(filepath.Join(dir, name))
	if errors.Is(err, os.ErrNotExist) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("persist: read %s: %w", name, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("persist: decode %s: %w", name, err)
	}
	return nil
}

// clientDir validates clientID and returns its directory. IDs are restricted
// to a safe character set so a crafted id cannot escape the data root.
func (s *Store) clientDir(clientID string) (string, error) {
	if clientID == "" || !safeID(clientID) {
		return "", fmt.Errorf("persist: invalid client id %q", clientID)
	}
	return filepath.Join(s.dataDir, "users", clientID), nil
}

func safeID(id string) bool {
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-' || r == '_':
		default:
			return false
		}
	}
	return !strings.HasPrefix(id, "-")
}

// WriteFileAtomic writes data to path via a temp file in the same directory
// followed by a rename.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("persist: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("persist: write temp file: %w", err)
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return fmt.Errorf("persist: chmod temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("persist: close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("persist: rename into place: %w", err)
	}
	return nil
}
