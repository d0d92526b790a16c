// Package artifact persists files pulled from agents onto local disk.
//
// Stored names are prefixed with a timestamp so repeated pulls of the same
// remote path never clobber each other, and every name is sanitized to a
// single path element so a hostile remote path can never escape the root.
package artifact

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

var (
	// ErrDecode indicates the transferred payload was not valid base64.
	ErrDecode = errors.New("artifact: decode file data")
	// ErrWrite indicates the decoded bytes could not be written to disk.
	ErrWrite = errors.New("artifact: write file")
)

// Store writes artifacts under a single root directory.
type Store struct {
	root string
}

// NewStore creates the root directory if needed.
func NewStore(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("create artifact dir: %w", err)
	}
	return &Store{root: root}, nil
}

// Root returns the directory artifacts are written to.
func (s *Store) Root() string { return s.root }

// PersistEncoded decodes a base64 payload and writes it to disk. It returns
// the stored file name and the decoded bytes.
func (s *Store) PersistEncoded(encoded, name string) (string, []byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	stored, err := s.Persist(raw, name)
	if err != nil {
		return "", raw, err
	}
	return stored, raw, nil
}

// Persist writes raw bytes under a timestamp-prefixed name and returns the
// name actually used.
func (s *Store) Persist(raw []byte, name string) (string, error) {
	base := sanitizeName(name)
	stored := time.Now().Format("20060102-150405") + "_" + base

	f, err := os.OpenFile(filepath.Join(s.root, stored), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if errors.Is(err, os.ErrExist) {
		// Same name within the same second; disambiguate with nanoseconds.
		stored = time.Now().Format("20060102-150405.000000000") + "_" + base
		f, err = os.OpenFile(filepath.Join(s.root, stored), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	}
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrWrite, err)
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Write(raw); err != nil {
		return "", fmt.Errorf("%w: %v", ErrWrite, err)
	}
	return stored, nil
}

// Path resolves a stored name to its on-disk path. Names containing path
// separators or traversal elements are rejected.
func (s *Store) Path(name string) (string, error) {
	if name == "" || name != filepath.Base(name) || strings.Contains(name, "..") {
		return "", fmt.Errorf("invalid artifact name %q", name)
	}
	p := filepath.Join(s.root, name)
	if _, err := os.Stat(p); err != nil {
		return "", err
	}
	return p, nil
}

// PurgeOlderThan removes artifacts whose modification time predates the
// cutoff. It returns the number of files removed.
func (s *Store) PurgeOlderThan(cutoff time.Time) (int, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(s.root, e.Name())); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}

// sanitizeName reduces an arbitrary remote file name to a safe single path
// element. Windows separators are normalized first since agents commonly
// report Windows paths.
func sanitizeName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = filepath.Base(name)
	name = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.' || r == '-' || r == '_':
			return r
		default:
			return '_'
		}
	}, name)
	name = strings.Trim(name, ".")
	if name == "" {
		name = "artifact"
	}
	return name
}
