package usermeta

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

const (
	metaDirMode     = 0o700
	metaFileMode    = 0o600
	tempFilePattern = ".usermeta-*.yaml.tmp"
)

type fileSchema struct {
	Users map[string]Metadata `yaml:"users"`
}

// FileStore keeps all users' metadata in a single YAML document. Every
// mutation rewrites the file atomically.
type FileStore struct {
	path string
	mu   sync.RWMutex
}

var _ Store = (*FileStore)(nil)

func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, errors.New("metadata file path is empty")
	}
	return &FileStore{path: filepath.Clean(path)}, nil
}

func (s *FileStore) Load(ctx context.Context, userID string) (Metadata, error) {
	if err := ctx.Err(); err != nil {
		return Metadata{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, err := s.read()
	if err != nil {
		return Metadata{}, err
	}
	md, ok := doc.Users[userID]
	if !ok {
		return Metadata{}, ErrNotFound
	}
	return md, nil
}

func (s *FileStore) Save(ctx context.Context, userID string, md Metadata) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.read()
	if err != nil {
		return err
	}
	doc.Users[userID] = md
	return s.write(doc)
}

func (s *FileStore) Clear(ctx context.Context, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.read()
	if err != nil {
		return err
	}
	if _, ok := doc.Users[userID]; !ok {
		return nil
	}
	delete(doc.Users, userID)
	return s.write(doc)
}

func (s *FileStore) read() (*fileSchema, error) {
	doc := &fileSchema{}

	data, err := os.ReadFile(s.path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read metadata file: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, doc); err != nil {
			return nil, fmt.Errorf("parse metadata file: %w", err)
		}
	}
	if doc.Users == nil {
		doc.Users = make(map[string]Metadata)
	}
	return doc, nil
}

func (s *FileStore) write(doc *fileSchema) error {
	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode metadata file: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, metaDirMode); err != nil {
		return fmt.Errorf("create metadata directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, tempFilePattern)
	if err != nil {
		return fmt.Errorf("create temp metadata file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if err := tmp.Chmod(metaFileMode); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("chmod temp metadata file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp metadata file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp metadata file: %w", err)
	}

	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("replace metadata file: %w", err)
	}
	return nil
}
