package widget

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/BTreeMap/LeadPipe/internal/util"
)

// GuestName is the placeholder display name. Sending is refused while it is in use.
const GuestName = "Guest"

// IdentityProvider owns the visitor's session key and display name.
type IdentityProvider interface {
	// GetOrCreateSessionKey returns the persisted session key, creating one on first use.
	GetOrCreateSessionKey() (string, error)
	DisplayName() string
	SetDisplayName(name string) error
}

// StaticIdentity is a fixed identity that never touches disk.
type StaticIdentity struct {
	mu   sync.Mutex
	Key  string
	Name string
}

// GetOrCreateSessionKey implements IdentityProvider.
func (s *StaticIdentity) GetOrCreateSessionKey() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Key == "" {
		s.Key = util.GenerateSessionKey()
	}
	return s.Key, nil
}

// DisplayName implements IdentityProvider.
func (s *StaticIdentity) DisplayName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Name == "" {
		return GuestName
	}
	return s.Name
}

// SetDisplayName implements IdentityProvider.
func (s *StaticIdentity) SetDisplayName(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Name = strings.TrimSpace(name)
	return nil
}

type identityFile struct {
	SessionKey  string `json:"sessionKey"`
	DisplayName string `json:"displayName"`
}

// FileIdentity persists the identity as JSON so a visitor keeps the same conversation across runs.
type FileIdentity struct {
	path string

	mu     sync.Mutex
	loaded bool
	state  identityFile
}

// DefaultIdentityPath returns leadpipe/identity.json under the user config directory.
func DefaultIdentityPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to locate user config dir: %w", err)
	}
	return filepath.Join(dir, "leadpipe", "identity.json"), nil
}

// NewFileIdentity returns an identity stored at path. The file is read lazily.
func NewFileIdentity(path string) *FileIdentity {
	return &FileIdentity{path: path}
}

func (f *FileIdentity) loadLocked() error {
	if f.loaded {
		return nil
	}
	data, err := os.ReadFile(f.path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return fmt.Errorf("failed to read identity: %w", err)
	default:
		if err := json.Unmarshal(data, &f.state); err != nil {
			slog.Warn("FileIdentity.load: corrupt identity file, starting fresh", "path", f.path, "error", err)
			f.state = identityFile{}
		}
	}
	f.loaded = true
	return nil
}

func (f *FileIdentity) saveLocked() error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return fmt.Errorf("failed to create identity dir: %w", err)
	}
	data, err := json.MarshalIndent(f.state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal identity: %w", err)
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write identity: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("failed to replace identity: %w", err)
	}
	return nil
}

// GetOrCreateSessionKey implements IdentityProvider. A stored key with the wrong shape is replaced.
func (f *FileIdentity) GetOrCreateSessionKey() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.loadLocked(); err != nil {
		return "", err
	}
	if util.IsSessionKey(f.state.SessionKey) {
		return f.state.SessionKey, nil
	}
	f.state.SessionKey = util.GenerateSessionKey()
	if err := f.saveLocked(); err != nil {
		return "", err
	}
	slog.Debug("FileIdentity.GetOrCreateSessionKey: created session key", "path", f.path, "sessionKey", f.state.SessionKey)
	return f.state.SessionKey, nil
}

// DisplayName implements IdentityProvider. It returns GuestName until a name is set.
func (f *FileIdentity) DisplayName() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.loadLocked(); err != nil {
		slog.Warn("FileIdentity.DisplayName: failed to load identity", "error", err)
	}
	if f.state.DisplayName == "" {
		return GuestName
	}
	return f.state.DisplayName
}

// SetDisplayName implements IdentityProvider.
func (f *FileIdentity) SetDisplayName(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.loadLocked(); err != nil {
		return err
	}
	f.state.DisplayName = strings.TrimSpace(name)
	return f.saveLocked()
}
