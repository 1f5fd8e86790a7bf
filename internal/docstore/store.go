package docstore

import (
	"context"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"path"
	"strings"

	"github.com/pkg/errors"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrConflict       = errors.New("version conflict")
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")
)

// emptyContent is what Fetch reports for a document that does not exist yet.
var emptyContent = []byte("[]")

const maxErrorBodyBytes = 300

// ConflictError is returned by Write when the supplied version is stale, or
// when a create is attempted for a path that already exists.
type ConflictError struct {
	Path            string
	ExpectedVersion string
	StatusCode      int
}

func (e *ConflictError) Error() string {
	if e.Path == "" {
		return "version conflict"
	}
	if e.ExpectedVersion == "" {
		return fmt.Sprintf("version conflict for %s: document already exists", e.Path)
	}
	return fmt.Sprintf("version conflict for %s at %s", e.Path, e.ExpectedVersion)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// StoreError carries a non-success, non-conflict response from the backing store.
type StoreError struct {
	Op         string
	Path       string
	StatusCode int
	Body       string
}

func (e *StoreError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s %s: status %d", e.Op, e.Path, e.StatusCode)
	}
	return fmt.Sprintf("%s %s: status %d: %s", e.Op, e.Path, e.StatusCode, e.Body)
}

func (e *StoreError) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == 404
}

func newStoreError(op, p string, status int, body []byte) *StoreError {
	text := strings.TrimSpace(string(body))
	if len(text) > maxErrorBodyBytes {
		text = text[:maxErrorBodyBytes]
	}
	return &StoreError{Op: op, Path: p, StatusCode: status, Body: text}
}

// Document is a decoded snapshot of a stored JSON document.
type Document struct {
	Path    string
	Exists  bool
	Version string
	Content []byte
}

type WriteRequest struct {
	Path    string
	Content []byte
	// Version is the token the caller last observed. Empty means create.
	Version string
	Message string
}

type WriteResult struct {
	Version   string
	CommitSHA string
}

type Entry struct {
	Name string `json:"name"`
	Path string `json:"path"`
	Type string `json:"type"`
	// Version is the file's current version token. Directories leave it empty.
	Version string `json:"version,omitempty"`
}

const (
	EntryFile = "file"
	EntryDir  = "dir"
)

// Store is a path-addressed document store with optimistic concurrency.
// Each instance is bound to a single target (repository and branch).
type Store interface {
	Fetch(ctx context.Context, path string) (Document, error)
	Write(ctx context.Context, req WriteRequest) (WriteResult, error)
	List(ctx context.Context, dir string) ([]Entry, error)
}

func missingDocument(p string) Document {
	return Document{Path: p, Content: append([]byte(nil), emptyContent...)}
}

// EncodeContent produces the base64 transport form of content.
func EncodeContent(content []byte) string {
	return base64.StdEncoding.EncodeToString(content)
}

// DecodeContent reverses EncodeContent. Line breaks and padding whitespace
// inserted by the remote API are ignored.
func DecodeContent(encoded string) ([]byte, error) {
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case '\n', '\r', ' ', '\t':
			return -1
		}
		return r
	}, encoded)
	out, err := base64.StdEncoding.DecodeString(cleaned)
	if err != nil {
		return nil, errors.Wrap(err, "decode content")
	}
	return out, nil
}

// BlobVersion computes the git blob object id of content. Local backends use
// it as their version token so tokens look like the ones GitHub hands out.
func BlobVersion(content []byte) string {
	h := sha1.New()
	fmt.Fprintf(h, "blob %d\x00", len(content))
	h.Write(content)
	return hex.EncodeToString(h.Sum(nil))
}

// CleanPath normalizes a store path: forward slashes, no leading or trailing
// slash, no dot segments. The empty string denotes the root.
func CleanPath(p string) (string, error) {
	p = strings.TrimSpace(strings.ReplaceAll(p, "\\", "/"))
	if p == "" || p == "/" || p == "." {
		return "", nil
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return "", errors.Wrapf(ErrInvalidInput, "path %q escapes root", p)
		}
	}
	cleaned := strings.Trim(path.Clean("/"+p), "/")
	return cleaned, nil
}

func cleanDocumentPath(p string) (string, error) {
	cleaned, err := CleanPath(p)
	if err != nil {
		return "", err
	}
	if cleaned == "" {
		return "", errors.Wrap(ErrInvalidInput, "document path is required")
	}
	return cleaned, nil
}
