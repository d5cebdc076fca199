package storage

import (
	"context"
	"errors"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"msggate/tools/errs"
)

const credFileExt = ".cred"

// FileStore keeps one directory per session under root, one file per key.
type FileStore struct {
	mu   sync.RWMutex
	root string
}

func NewFileStore(root string) (*FileStore, error) {
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, errs.WrapMsg(err, "create credential root", "root", root)
	}
	return &FileStore{root: root}, nil
}

func (s *FileStore) dir(sessionID string) (string, error) {
	if !ValidSessionID(sessionID) {
		return "", ErrInvalidSessionID
	}
	return filepath.Join(s.root, sessionID), nil
}

func keyFile(key string) string {
	return url.PathEscape(key) + credFileExt
}

func (s *FileStore) Load(_ context.Context, sessionID string) (map[string][]byte, error) {
	dir, err := s.dir(sessionID)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string][]byte)
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return out, nil
	}
	if err != nil {
		return nil, errs.WrapMsg(err, "read credential dir", "session", sessionID)
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, credFileExt) {
			continue
		}
		key, err := url.PathUnescape(strings.TrimSuffix(name, credFileExt))
		if err != nil {
			continue
		}
		b, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, errs.WrapMsg(err, "read credential", "session", sessionID, "key", key)
		}
		out[key] = b
	}
	return out, nil
}

func (s *FileStore) Get(_ context.Context, sessionID, key string) ([]byte, error) {
	dir, err := s.dir(sessionID)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, err := os.ReadFile(filepath.Join(dir, keyFile(key)))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNoCredential
	}
	if err != nil {
		return nil, errs.WrapMsg(err, "read credential", "session", sessionID, "key", key)
	}
	return b, nil
}

func (s *FileStore) Apply(_ context.Context, sessionID string, set map[string][]byte, del []string) error {
	dir, err := s.dir(sessionID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return errs.WrapMsg(err, "create credential dir", "session", sessionID)
	}
	for key, val := range set {
		if err := writeFileAtomic(filepath.Join(dir, keyFile(key)), val); err != nil {
			return errs.WrapMsg(err, "write credential", "session", sessionID, "key", key)
		}
	}
	for _, key := range del {
		err := os.Remove(filepath.Join(dir, keyFile(key)))
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return errs.WrapMsg(err, "delete credential", "session", sessionID, "key", key)
		}
	}
	return nil
}

func (s *FileStore) Purge(_ context.Context, sessionID string) error {
	dir, err := s.dir(sessionID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.RemoveAll(dir); err != nil {
		return errs.WrapMsg(err, "purge credentials", "session", sessionID)
	}
	return nil
}

func (s *FileStore) Sessions(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, errs.WrapMsg(err, "list credential root", "root", s.root)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() && ValidSessionID(e.Name()) {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
