package docstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

type memoryDocument struct {
	content []byte
	version string
}

// MemoryStore keeps documents in process memory. Versions are git blob ids,
// so two stores holding the same bytes agree on the version.
type MemoryStore struct {
	mu      sync.Mutex
	docs    map[string]memoryDocument
	commits int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: map[string]memoryDocument{}}
}

func (s *MemoryStore) Fetch(ctx context.Context, p string) (Document, error) {
	if err := ctx.Err(); err != nil {
		return Document{}, err
	}
	p, err := cleanDocumentPath(p)
	if err != nil {
		return Document{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[p]
	if !ok {
		return missingDocument(p), nil
	}
	return Document{
		Path:    p,
		Exists:  true,
		Version: doc.version,
		Content: append([]byte(nil), doc.content...),
	}, nil
}

func (s *MemoryStore) Write(ctx context.Context, req WriteRequest) (WriteResult, error) {
	if err := ctx.Err(); err != nil {
		return WriteResult{}, err
	}
	p, err := cleanDocumentPath(req.Path)
	if err != nil {
		return WriteResult{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, exists := s.docs[p]
	expected := strings.TrimSpace(req.Version)
	if (exists && current.version != expected) || (!exists && expected != "") {
		return WriteResult{}, &ConflictError{Path: p, ExpectedVersion: expected}
	}
	content := append([]byte(nil), req.Content...)
	version := BlobVersion(content)
	s.docs[p] = memoryDocument{content: content, version: version}
	s.commits++
	return WriteResult{Version: version, CommitSHA: commitID(p, version, s.commits)}, nil
}

func (s *MemoryStore) List(ctx context.Context, dir string) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir, err := CleanPath(dir)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	versions := make(map[string]string, len(s.docs))
	for p, doc := range s.docs {
		versions[p] = doc.version
	}
	s.mu.Unlock()
	return childEntries(dir, versions), nil
}

// childEntries derives the direct children of dir from a flat map of
// document paths to versions.
func childEntries(dir string, versions map[string]string) []Entry {
	prefix := ""
	if dir != "" {
		prefix = dir + "/"
	}
	seen := map[string]Entry{}
	for p, version := range versions {
		if !strings.HasPrefix(p, prefix) {
			continue
		}
		rest := strings.TrimPrefix(p, prefix)
		if rest == "" {
			continue
		}
		name, _, nested := strings.Cut(rest, "/")
		entry := Entry{Name: name, Path: prefix + name, Type: EntryFile, Version: version}
		if nested {
			entry.Type = EntryDir
			entry.Version = ""
		}
		seen[name] = entry
	}
	entries := make([]Entry, 0, len(seen))
	for _, entry := range seen {
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries
}

func commitID(p, version string, seq int) string {
	return BlobVersion([]byte(fmt.Sprintf("commit %d %s %s", seq, p, version)))
}
