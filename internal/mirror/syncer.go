// Package mirror keeps a local directory in step with a document store
// subtree so the data can be edited and backed up as plain files.
package mirror

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/agentworkforce/rosterfile/internal/docstore"
	"github.com/natefinch/atomic"
	"github.com/pkg/errors"
)

const DefaultStateFileName = ".rosterfile-mirror-state.json"

type SyncerOptions struct {
	// RemoteRoot is the store directory to mirror. Empty means the whole store.
	RemoteRoot string
	LocalRoot  string
	// StateFile defaults to DefaultStateFileName inside LocalRoot.
	StateFile string
	Logger    *slog.Logger
}

// Report counts what one sync cycle did.
type Report struct {
	Pushed    int `json:"pushed"`
	Pulled    int `json:"pulled"`
	Removed   int `json:"removed"`
	Conflicts int `json:"conflicts"`
}

type Syncer struct {
	store      docstore.Store
	remoteRoot string
	localRoot  string
	stateFile  string
	logger     *slog.Logger

	mu     sync.Mutex
	state  mirrorState
	loaded bool
}

type mirrorState struct {
	Files map[string]trackedFile `json:"files"`
}

type trackedFile struct {
	Version string `json:"version"`
	Hash    string `json:"hash"`
	Dirty   bool   `json:"dirty,omitempty"`
}

type localSnapshot struct {
	Content []byte
	Hash    string
}

func NewSyncer(store docstore.Store, opts SyncerOptions) (*Syncer, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	localRootRaw := strings.TrimSpace(opts.LocalRoot)
	if localRootRaw == "" {
		return nil, errors.New("local root is required")
	}
	localRoot := filepath.Clean(localRootRaw)
	remoteRoot, err := docstore.CleanPath(opts.RemoteRoot)
	if err != nil {
		return nil, err
	}
	stateFile := strings.TrimSpace(opts.StateFile)
	if stateFile == "" {
		stateFile = filepath.Join(localRoot, DefaultStateFileName)
	}
	if err := os.MkdirAll(localRoot, 0o755); err != nil {
		return nil, errors.Wrap(err, "create local root")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Syncer{
		store:      store,
		remoteRoot: remoteRoot,
		localRoot:  localRoot,
		stateFile:  stateFile,
		logger:     logger.With("component", "mirror"),
		state: mirrorState{
			Files: map[string]trackedFile{},
		},
	}, nil
}

func (s *Syncer) LocalRoot() string {
	return s.localRoot
}

func (s *Syncer) StateFile() string {
	return s.stateFile
}

// SyncOnce pushes local edits, then pulls remote changes, then saves state.
// Files that conflicted during the push are left untouched by the pull.
func (s *Syncer) SyncOnce(ctx context.Context) (Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var report Report
	if err := s.loadState(); err != nil {
		return report, err
	}
	conflicted, err := s.pushLocal(ctx, &report)
	if err != nil {
		return report, err
	}
	if err := s.pullRemote(ctx, conflicted, &report); err != nil {
		return report, err
	}
	return report, s.saveState()
}

func (s *Syncer) pullRemote(ctx context.Context, conflicted map[string]struct{}, report *Report) error {
	remote := map[string]docstore.Entry{}
	if err := s.listRecursive(ctx, s.remoteRoot, remote); err != nil {
		return err
	}
	remotePaths := make([]string, 0, len(remote))
	for p := range remote {
		remotePaths = append(remotePaths, p)
	}
	sort.Strings(remotePaths)

	for _, remotePath := range remotePaths {
		if err := s.applyRemoteFile(ctx, remote[remotePath], conflicted, report); err != nil {
			return err
		}
	}

	statePaths := make([]string, 0, len(s.state.Files))
	for remotePath := range s.state.Files {
		statePaths = append(statePaths, remotePath)
	}
	sort.Strings(statePaths)
	for _, remotePath := range statePaths {
		if _, ok := remote[remotePath]; ok {
			continue
		}
		s.applyRemoteDelete(remotePath, conflicted, report)
	}
	return nil
}

func (s *Syncer) listRecursive(ctx context.Context, dir string, out map[string]docstore.Entry) error {
	entries, err := s.store.List(ctx, dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name, ".") {
			continue
		}
		switch entry.Type {
		case docstore.EntryDir:
			if err := s.listRecursive(ctx, entry.Path, out); err != nil {
				return err
			}
		case docstore.EntryFile:
			out[entry.Path] = entry
		}
	}
	return nil
}

func (s *Syncer) applyRemoteFile(ctx context.Context, entry docstore.Entry, conflicted map[string]struct{}, report *Report) error {
	remotePath := entry.Path
	if _, skip := conflicted[remotePath]; skip {
		return nil
	}
	tracked, ok := s.state.Files[remotePath]
	if ok && tracked.Dirty {
		return nil
	}
	localPath, err := remoteToLocalPath(s.localRoot, s.remoteRoot, remotePath)
	if err != nil {
		return nil
	}
	current, readErr := os.ReadFile(localPath)
	localIntact := readErr == nil && hashBytes(current) == tracked.Hash
	if ok && entry.Version != "" && entry.Version == tracked.Version && localIntact {
		return nil
	}

	doc, err := s.store.Fetch(ctx, remotePath)
	if err != nil {
		return err
	}
	if !doc.Exists {
		return nil
	}
	remoteHash := hashBytes(doc.Content)
	if readErr != nil || hashBytes(current) != remoteHash {
		if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
			return errors.Wrapf(err, "create directory for %s", remotePath)
		}
		if err := atomic.WriteFile(localPath, bytes.NewReader(doc.Content)); err != nil {
			return errors.Wrapf(err, "write %s", localPath)
		}
		report.Pulled++
		s.logger.Debug("pulled remote document", "path", remotePath, "version", doc.Version)
	}
	s.state.Files[remotePath] = trackedFile{
		Version: doc.Version,
		Hash:    remoteHash,
	}
	return nil
}

// applyRemoteDelete forgets a document that vanished remotely. The local
// copy is removed only when it still matches what was last synced.
func (s *Syncer) applyRemoteDelete(remotePath string, conflicted map[string]struct{}, report *Report) {
	if _, skip := conflicted[remotePath]; skip {
		return
	}
	tracked, ok := s.state.Files[remotePath]
	if !ok || tracked.Dirty {
		return
	}
	localPath, err := remoteToLocalPath(s.localRoot, s.remoteRoot, remotePath)
	if err != nil {
		delete(s.state.Files, remotePath)
		return
	}
	current, readErr := os.ReadFile(localPath)
	if readErr == nil && hashBytes(current) == tracked.Hash {
		if err := os.Remove(localPath); err == nil {
			report.Removed++
		}
	}
	delete(s.state.Files, remotePath)
}

func (s *Syncer) pushLocal(ctx context.Context, report *Report) (map[string]struct{}, error) {
	conflicted := map[string]struct{}{}
	localFiles, err := s.scanLocalFiles()
	if err != nil {
		return nil, err
	}
	localRemotePaths := make([]string, 0, len(localFiles))
	for remotePath := range localFiles {
		localRemotePaths = append(localRemotePaths, remotePath)
	}
	sort.Strings(localRemotePaths)

	for _, remotePath := range localRemotePaths {
		snapshot := localFiles[remotePath]
		tracked, exists := s.state.Files[remotePath]
		if exists && tracked.Hash == snapshot.Hash && !tracked.Dirty {
			continue
		}
		if exists && tracked.Dirty {
			remote, fetchErr := s.store.Fetch(ctx, remotePath)
			if fetchErr == nil && remote.Exists && hashBytes(remote.Content) == snapshot.Hash {
				s.state.Files[remotePath] = trackedFile{Version: remote.Version, Hash: snapshot.Hash}
				continue
			}
		}
		result, err := s.store.Write(ctx, docstore.WriteRequest{
			Path:    remotePath,
			Content: snapshot.Content,
			Version: tracked.Version,
			Message: "mirror: update " + remotePath,
		})
		if err != nil {
			if !errors.Is(err, docstore.ErrConflict) {
				return nil, err
			}
			s.logger.Warn("conflict pushing local edit, keeping local content", "path", remotePath)
			conflicted[remotePath] = struct{}{}
			report.Conflicts++
			next := trackedFile{Version: tracked.Version, Hash: snapshot.Hash, Dirty: true}
			if remote, fetchErr := s.store.Fetch(ctx, remotePath); fetchErr == nil && remote.Exists {
				next.Version = remote.Version
			}
			s.state.Files[remotePath] = next
			continue
		}
		report.Pushed++
		s.state.Files[remotePath] = trackedFile{Version: result.Version, Hash: snapshot.Hash}
	}
	return conflicted, nil
}

func (s *Syncer) scanLocalFiles() (map[string]localSnapshot, error) {
	results := map[string]localSnapshot{}
	statePathAbs, err := filepath.Abs(s.stateFile)
	if err != nil {
		return nil, err
	}
	err = filepath.WalkDir(s.localRoot, func(p string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if p != s.localRoot && strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if absPath, err := filepath.Abs(p); err == nil && absPath == statePathAbs {
			return nil
		}
		remotePath, err := localToRemotePath(s.localRoot, s.remoteRoot, p)
		if err != nil {
			return nil
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		results[remotePath] = localSnapshot{Content: data, Hash: hashBytes(data)}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "scan local files")
	}
	return results, nil
}

func (s *Syncer) loadState() error {
	if s.loaded {
		return nil
	}
	s.loaded = true
	data, err := os.ReadFile(s.stateFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.state.Files = map[string]trackedFile{}
			return nil
		}
		return errors.Wrap(err, "read mirror state")
	}
	var state mirrorState
	if err := json.Unmarshal(data, &state); err != nil {
		return errors.Wrapf(err, "parse mirror state %s", s.stateFile)
	}
	if state.Files == nil {
		state.Files = map[string]trackedFile{}
	}
	s.state = state
	return nil
}

func (s *Syncer) saveState() error {
	data, err := json.MarshalIndent(s.state, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.stateFile), 0o755); err != nil {
		return err
	}
	return errors.Wrap(atomic.WriteFile(s.stateFile, bytes.NewReader(data)), "save mirror state")
}

func remoteToLocalPath(localRoot, remoteRoot, remotePath string) (string, error) {
	rel := remotePath
	if remoteRoot != "" {
		if !strings.HasPrefix(remotePath, remoteRoot+"/") {
			return "", errors.Errorf("remote path %s is outside root %s", remotePath, remoteRoot)
		}
		rel = strings.TrimPrefix(remotePath, remoteRoot+"/")
	}
	if rel == "" {
		return "", errors.Errorf("remote path %s cannot map to local root", remotePath)
	}
	return filepath.Join(localRoot, filepath.FromSlash(rel)), nil
}

func localToRemotePath(localRoot, remoteRoot, localPath string) (string, error) {
	rel, err := filepath.Rel(localRoot, localPath)
	if err != nil {
		return "", err
	}
	if rel == "." {
		return "", errors.New("local root is not a file")
	}
	rel = filepath.ToSlash(rel)
	if rel == ".." || strings.HasPrefix(rel, "../") {
		return "", errors.Errorf("path %s escapes local root", localPath)
	}
	return docstore.CleanPath(path.Join(remoteRoot, rel))
}

func hashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
