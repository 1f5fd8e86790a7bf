package docstore

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/natefinch/atomic"
	"github.com/pkg/errors"
)

// FileStore keeps documents as files under a root directory. The
// compare-and-swap is serialized per store instance, so two processes
// sharing a directory are not protected from each other.
type FileStore struct {
	root string
	mu   sync.Mutex
}

func NewFileStore(root string) (*FileStore, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, errors.Wrap(ErrInvalidInput, "file store root is required")
	}
	root = filepath.Clean(root)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create file store root %s", root)
	}
	return &FileStore{root: root}, nil
}

func (s *FileStore) Root() string {
	return s.root
}

func (s *FileStore) Fetch(ctx context.Context, p string) (Document, error) {
	if err := ctx.Err(); err != nil {
		return Document{}, err
	}
	p, err := cleanDocumentPath(p)
	if err != nil {
		return Document{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readLocked(p)
}

func (s *FileStore) readLocked(p string) (Document, error) {
	data, err := os.ReadFile(s.localPath(p))
	if errors.Is(err, os.ErrNotExist) {
		return missingDocument(p), nil
	}
	if err != nil {
		return Document{}, errors.Wrapf(err, "read %s", p)
	}
	return Document{Path: p, Exists: true, Version: BlobVersion(data), Content: data}, nil
}

func (s *FileStore) Write(ctx context.Context, req WriteRequest) (WriteResult, error) {
	if err := ctx.Err(); err != nil {
		return WriteResult{}, err
	}
	p, err := cleanDocumentPath(req.Path)
	if err != nil {
		return WriteResult{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, err := s.readLocked(p)
	if err != nil {
		return WriteResult{}, err
	}
	expected := strings.TrimSpace(req.Version)
	if current.Exists != (expected != "") || (current.Exists && current.Version != expected) {
		return WriteResult{}, &ConflictError{Path: p, ExpectedVersion: expected}
	}
	target := s.localPath(p)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return WriteResult{}, errors.Wrapf(err, "create parent of %s", p)
	}
	if err := atomic.WriteFile(target, bytes.NewReader(req.Content)); err != nil {
		return WriteResult{}, errors.Wrapf(err, "write %s", p)
	}
	version := BlobVersion(req.Content)
	return WriteResult{Version: version, CommitSHA: version}, nil
}

func (s *FileStore) List(ctx context.Context, dir string) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir, err := CleanPath(dir)
	if err != nil {
		return nil, err
	}
	items, err := os.ReadDir(s.localPath(dir))
	if errors.Is(err, os.ErrNotExist) {
		return []Entry{}, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "list %s", dir)
	}
	entries := make([]Entry, 0, len(items))
	for _, item := range items {
		name := item.Name()
		// hidden files are not documents
		if strings.HasPrefix(name, ".") {
			continue
		}
		entry := Entry{Name: name, Path: name, Type: EntryFile}
		if dir != "" {
			entry.Path = dir + "/" + name
		}
		if item.IsDir() {
			entry.Type = EntryDir
		} else {
			content, err := os.ReadFile(s.localPath(entry.Path))
			if err != nil {
				return nil, errors.Wrapf(err, "list %s", dir)
			}
			entry.Version = BlobVersion(content)
		}
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

func (s *FileStore) localPath(p string) string {
	if p == "" {
		return s.root
	}
	return filepath.Join(s.root, filepath.FromSlash(p))
}
