package breakpoint

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/tidwall/gjson"
	"github.com/tidwall/pretty"
	"github.com/tidwall/sjson"
)

// Store persists breakpoint sets by session id.
type Store interface {
	Load(sessionID string) ([]Breakpoint, error)
	Save(sessionID string, bps []Breakpoint) error
}

// FileStore keeps every session's breakpoints in one JSON document:
//
//	{"sessions": {"<id>": {"id": "<id>", "breakpoints": [
//	  {"id": "...", "type": "code", "fnAddress": 1, "address": 2, "enabled": true}
//	]}}}
//
// Other sessions' records are preserved on every write.
type FileStore struct {
	path string
	mu   sync.Mutex
}

// NewFileStore returns a store backed by the file at path. The file is
// created on first save.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the backing file path.
func (s *FileStore) Path() string {
	return s.path
}

type storedBreakpoint struct {
	ID              string `json:"id"`
	Type            string `json:"type"`
	FunctionAddress uint32 `json:"fnAddress"`
	Address         uint32 `json:"address"`
	Enabled         bool   `json:"enabled"`
}

type storedSession struct {
	ID          string             `json:"id"`
	Breakpoints []storedBreakpoint `json:"breakpoints"`
}

// Load returns the breakpoints saved for a session, or nil if none were.
func (s *FileStore) Load(sessionID string) ([]Breakpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.read()
	if err != nil {
		return nil, err
	}

	record := gjson.GetBytes(data, sessionPath(sessionID)+".breakpoints")
	if !record.Exists() {
		return nil, nil
	}
	if !record.IsArray() {
		return nil, fmt.Errorf("load breakpoints for session %s: breakpoints is not an array", sessionID)
	}

	var bps []Breakpoint
	var parseErr error
	record.ForEach(func(_, v gjson.Result) bool {
		kind, err := ParseKind(v.Get("type").String())
		if err != nil {
			parseErr = err
			return false
		}
		bps = append(bps, Breakpoint{
			ID:              v.Get("id").String(),
			Kind:            kind,
			FunctionAddress: uint32(v.Get("fnAddress").Uint()),
			Address:         uint32(v.Get("address").Uint()),
			Enabled:         v.Get("enabled").Bool(),
		})
		return true
	})
	if parseErr != nil {
		return nil, fmt.Errorf("load breakpoints for session %s: %w", sessionID, parseErr)
	}
	return bps, nil
}

// Save replaces the breakpoints saved for a session. Temporary breakpoints
// are skipped.
func (s *FileStore) Save(sessionID string, bps []Breakpoint) error {
	record := storedSession{ID: sessionID, Breakpoints: []storedBreakpoint{}}
	for _, bp := range bps {
		if bp.IsTemporary() {
			continue
		}
		record.Breakpoints = append(record.Breakpoints, storedBreakpoint{
			ID:              bp.ID,
			Type:            bp.Kind.String(),
			FunctionAddress: bp.FunctionAddress,
			Address:         bp.Address,
			Enabled:         bp.Enabled,
		})
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.read()
	if err != nil {
		return err
	}

	data, err = sjson.SetBytes(data, sessionPath(sessionID), record)
	if err != nil {
		return fmt.Errorf("save breakpoints for session %s: %w", sessionID, err)
	}
	return s.write(pretty.Pretty(data))
}

// Delete removes a session's record.
func (s *FileStore) Delete(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.read()
	if err != nil {
		return err
	}

	data, err = sjson.DeleteBytes(data, sessionPath(sessionID))
	if err != nil {
		return fmt.Errorf("delete session %s: %w", sessionID, err)
	}
	return s.write(pretty.Pretty(data))
}

// Sessions returns the ids of every stored session.
func (s *FileStore) Sessions() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.read()
	if err != nil {
		return nil, err
	}

	var ids []string
	gjson.GetBytes(data, "sessions").ForEach(func(key, _ gjson.Result) bool {
		ids = append(ids, key.String())
		return true
	})
	return ids, nil
}

func (s *FileStore) read() ([]byte, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return []byte("{}"), nil
		}
		return nil, fmt.Errorf("read breakpoint store: %w", err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return []byte("{}"), nil
	}
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("read breakpoint store %s: invalid JSON", s.path)
	}
	return data, nil
}

// write replaces the file atomically.
func (s *FileStore) write(data []byte) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".breakpoints-*")
	if err != nil {
		return fmt.Errorf("write breakpoint store: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write breakpoint store: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write breakpoint store: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("write breakpoint store: %w", err)
	}
	return nil
}

// sessionPath returns the gjson/sjson path of a session record, escaping
// path syntax in the id.
func sessionPath(sessionID string) string {
	var b strings.Builder
	b.WriteString("sessions.")
	for _, r := range sessionID {
		switch r {
		case '.', '*', '?', '|', '#', '@', '\\', '!', '=', '<', '>', '%':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
