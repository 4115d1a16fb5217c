package persist

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/novavoice/nova/internal/session"
	"github.com/novavoice/nova/pkg/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestSettingsRoundTrip(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	want := session.Settings{Voice: "lessac", VoiceSpeed: 1.3, LLMBackend: "lmstudio", LMStudioURL: "http://localhost:1234"}
	if err := s.SaveSettings("abcd1234", want); err != nil {
		t.Fatalf("SaveSettings: %v", err)
	}

	got, err := s.LoadSettings("abcd1234")
	if err != nil {
		t.Fatalf("LoadSettings: %v", err)
	}
	if got != want {
		t.Errorf("settings = %+v, want %+v", got, want)
	}
}

func TestHistoryRoundTrip(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	want := []types.Message{
		{Role: "user", Content: "hello"},
		{Role: "assistant", Content: "hi there"},
	}
	if err := s.SaveHistory("abcd1234", want); err != nil {
		t.Fatalf("SaveHistory: %v", err)
	}

	got, err := s.LoadHistory("abcd1234")
	if err != nil {
		t.Fatalf("LoadHistory: %v", err)
	}
	if len(got) != 2 || got[0].Content != "hello" || got[1].Role != "assistant" {
		t.Errorf("history = %+v, want %+v", got, want)
	}
}

func TestLoadMissingReturnsNotFound(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	if _, err := s.LoadSettings("nobody01"); !errors.Is(err, ErrNotFound) {
		t.Errorf("LoadSettings error = %v, want ErrNotFound", err)
	}
	if _, err := s.LoadHistory("nobody01"); !errors.Is(err, ErrNotFound) {
		t.Errorf("LoadHistory error = %v, want ErrNotFound", err)
	}
}

func TestSessionsSnapshotRoundTrip(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	want := map[string]SessionSnapshot{
		"abcd1234": {
			State:        "listening",
			LastActivity: time.Now().Truncate(time.Second),
			Messages:     []types.Message{{Role: "user", Content: "hello"}},
		},
		"efgh5678": {State: "idle", LastActivity: time.Now().Truncate(time.Second)},
	}
	if err := s.SaveSessions(want); err != nil {
		t.Fatalf("SaveSessions: %v", err)
	}

	got, err := s.LoadSessions()
	if err != nil {
		t.Fatalf("LoadSessions: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("snapshot size = %d, want 2", len(got))
	}
	if got["abcd1234"].State != "listening" || len(got["abcd1234"].Messages) != 1 {
		t.Errorf("snapshot entry = %+v, want listening with one message", got["abcd1234"])
	}
}

func TestLoadSessionsMissingReturnsNotFound(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	if _, err := s.LoadSessions(); !errors.Is(err, ErrNotFound) {
		t.Errorf("LoadSessions error = %v, want ErrNotFound", err)
	}
}

func TestInvalidClientIDRejected(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	for _, id := range []string{"", "../escape", "a/b", "a.b", "-flag"} {
		if err := s.SaveSettings(id, session.Settings{}); err == nil {
			t.Errorf("SaveSettings(%q) accepted an unsafe id", id)
		}
	}
}

func TestDeleteClient(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	if err := s.SaveSettings("gone1234", session.Settings{Voice: "amy"}); err != nil {
		t.Fatalf("SaveSettings: %v", err)
	}
	if err := s.DeleteClient("gone1234"); err != nil {
		t.Fatalf("DeleteClient: %v", err)
	}
	if _, err := s.LoadSettings("gone1234"); !errors.Is(err, ErrNotFound) {
		t.Errorf("LoadSettings after delete = %v, want ErrNotFound", err)
	}
}

func TestWriteFileAtomicLeavesNoTempFiles(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "out.json")

	if err := WriteFileAtomic(path, []byte(`{"ok":true}`), 0o644); err != nil {
		t.Fatalf("WriteFileAtomic: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	for _, e := range entries {
		if strings.Contains(e.Name(), ".tmp-") {
			t.Errorf("temp file %q left behind", e.Name())
		}
	}

	data, err := os.ReadFile(path)
	if err != nil || string(data) != `{"ok":true}` {
		t.Errorf("content = %q (err %v)", data, err)
	}
}
