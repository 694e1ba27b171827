// Package secrets implements the file-backed credential store. One file
// per credential ref lives under the secrets directory; values are loaded
// at startup and refreshable on SIGHUP.
package secrets

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// ErrNotFound indicates the credential ref has no backing file.
var ErrNotFound = errors.New("credential not found")

// ErrInsecurePermissions indicates a credential file is group- or
// world-readable.
var ErrInsecurePermissions = errors.New("credential file permissions too open")

// Store maps credential refs to opaque credential values.
type Store struct {
	dir string

	// strict makes permission violations fatal at load (prod behavior)
	strict bool

	mu    sync.RWMutex
	creds map[string]string

	log *logrus.Logger
}

// Options configures a Store.
type Options struct {
	// Dir is the secrets directory (one file per credential_ref)
	Dir string

	// Strict treats permission warnings as load failures. Set for the
	// prod environment tag.
	Strict bool

	Logger *logrus.Logger
}

// New creates a store and performs the initial load.
func New(opts Options) (*Store, error) {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	s := &Store{
		dir:    opts.Dir,
		strict: opts.Strict,
		creds:  make(map[string]string),
		log:    opts.Logger,
	}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Get returns the credential for ref, or ErrNotFound.
func (s *Store) Get(ref string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cred, ok := s.creds[ref]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	return cred, nil
}

// Refs returns the loaded credential refs, for health reporting.
func (s *Store) Refs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	refs := make([]string, 0, len(s.creds))
	for ref := range s.creds {
		refs = append(refs, ref)
	}
	return refs
}

// Reload re-reads every credential file. Called at startup and on SIGHUP.
// Files readable by group or world are rejected: a warning in dev, an
// error in strict mode.
func (s *Store) Reload() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("read secrets dir: %w", err)
	}

	loaded := make(map[string]string, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		path := filepath.Join(s.dir, entry.Name())

		info, err := os.Stat(path)
		if err != nil {
			return fmt.Errorf("stat %s: %w", entry.Name(), err)
		}
		if info.Mode().Perm()&0o077 != 0 {
			if s.strict {
				return fmt.Errorf("%w: %s has mode %04o", ErrInsecurePermissions,
					entry.Name(), info.Mode().Perm())
			}
			s.log.Warnf("secret %s has mode %04o, want 0600", entry.Name(), info.Mode().Perm())
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", entry.Name(), err)
		}
		loaded[entry.Name()] = strings.TrimSpace(string(data))
	}

	s.mu.Lock()
	s.creds = loaded
	s.mu.Unlock()
	return nil
}

// Mask replaces every loaded credential value occurring in msg with a
// placeholder. Wired into the log pipeline so tokens never reach logs or
// bus subscribers.
func (s *Store) Mask(msg string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, cred := range s.creds {
		if cred == "" {
			continue
		}
		msg = strings.ReplaceAll(msg, cred, "****")
	}
	return msg
}
