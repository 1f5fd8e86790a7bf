package docstore

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/tidwall/gjson"
)

const defaultGitHubBaseURL = "https://api.github.com"

type GitHubOptions struct {
	BaseURL    string
	Owner      string
	Repo       string
	Branch     string
	Token      string
	UserAgent  string
	HTTPClient *http.Client
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// GitHubStore talks to the repository contents API. Transient failures
// (network errors, 429, 5xx, secondary rate limits) are retried here;
// version conflicts are returned to the caller untouched.
type GitHubStore struct {
	baseURL    string
	owner      string
	repo       string
	branch     string
	token      string
	userAgent  string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewGitHubStore(opts GitHubOptions) (*GitHubStore, error) {
	owner := strings.TrimSpace(opts.Owner)
	repo := strings.TrimSpace(opts.Repo)
	if owner == "" || repo == "" {
		return nil, errors.Wrap(ErrInvalidInput, "github owner and repo are required")
	}
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultGitHubBaseURL
	}
	branch := strings.TrimSpace(opts.Branch)
	if branch == "" {
		branch = "main"
	}
	userAgent := strings.TrimSpace(opts.UserAgent)
	if userAgent == "" {
		userAgent = "rosterfile"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	maxRetries := opts.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	} else if maxRetries == 0 {
		maxRetries = 3
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	return &GitHubStore{
		baseURL:    baseURL,
		owner:      owner,
		repo:       repo,
		branch:     branch,
		token:      strings.TrimSpace(opts.Token),
		userAgent:  userAgent,
		httpClient: httpClient,
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
	}, nil
}

func (s *GitHubStore) Branch() string {
	return s.branch
}

func (s *GitHubStore) Fetch(ctx context.Context, p string) (Document, error) {
	p, err := cleanDocumentPath(p)
	if err != nil {
		return Document{}, err
	}
	status, payload, err := s.do(ctx, http.MethodGet, s.contentsURL(p, true), nil)
	if err != nil {
		return Document{}, errors.Wrapf(err, "fetch %s", p)
	}
	if status == http.StatusNotFound {
		return missingDocument(p), nil
	}
	if status < 200 || status > 299 {
		return Document{}, newStoreError("fetch", p, status, payload)
	}
	if gjson.ParseBytes(payload).IsArray() {
		return Document{}, errors.Wrapf(ErrInvalidInput, "%s is a directory", p)
	}
	fields := gjson.GetManyBytes(payload, "sha", "content", "encoding")
	if enc := fields[2].String(); enc != "" && enc != "base64" {
		return Document{}, newStoreError("fetch", p, http.StatusRequestEntityTooLarge,
			[]byte("unsupported content encoding "+strconv.Quote(enc)))
	}
	content, err := DecodeContent(fields[1].String())
	if err != nil {
		return Document{}, errors.Wrapf(err, "fetch %s", p)
	}
	return Document{
		Path:    p,
		Exists:  true,
		Version: fields[0].String(),
		Content: content,
	}, nil
}

func (s *GitHubStore) Write(ctx context.Context, req WriteRequest) (WriteResult, error) {
	p, err := cleanDocumentPath(req.Path)
	if err != nil {
		return WriteResult{}, err
	}
	message := strings.TrimSpace(req.Message)
	if message == "" {
		message = "update " + p
	}
	body := map[string]any{
		"message": message,
		"content": EncodeContent(req.Content),
		"branch":  s.branch,
	}
	if v := strings.TrimSpace(req.Version); v != "" {
		body["sha"] = v
	}
	status, payload, err := s.do(ctx, http.MethodPut, s.contentsURL(p, false), body)
	if err != nil {
		return WriteResult{}, errors.Wrapf(err, "write %s", p)
	}
	switch {
	case status == http.StatusConflict || status == http.StatusUnprocessableEntity:
		return WriteResult{}, &ConflictError{Path: p, ExpectedVersion: req.Version, StatusCode: status}
	case status < 200 || status > 299:
		return WriteResult{}, newStoreError("write", p, status, payload)
	}
	fields := gjson.GetManyBytes(payload, "content.sha", "commit.sha")
	return WriteResult{Version: fields[0].String(), CommitSHA: fields[1].String()}, nil
}

func (s *GitHubStore) List(ctx context.Context, dir string) ([]Entry, error) {
	dir, err := CleanPath(dir)
	if err != nil {
		return nil, err
	}
	status, payload, err := s.do(ctx, http.MethodGet, s.contentsURL(dir, true), nil)
	if err != nil {
		return nil, errors.Wrapf(err, "list %s", dir)
	}
	if status == http.StatusNotFound {
		return []Entry{}, nil
	}
	if status < 200 || status > 299 {
		return nil, newStoreError("list", dir, status, payload)
	}
	parsed := gjson.ParseBytes(payload)
	if !parsed.IsArray() {
		return nil, errors.Wrapf(ErrInvalidInput, "%s is not a directory", dir)
	}
	entries := make([]Entry, 0, len(parsed.Array()))
	parsed.ForEach(func(_, item gjson.Result) bool {
		entry := Entry{
			Name: item.Get("name").String(),
			Path: item.Get("path").String(),
			Type: item.Get("type").String(),
		}
		if entry.Type == EntryFile {
			entry.Version = item.Get("sha").String()
		}
		entries = append(entries, entry)
		return true
	})
	return entries, nil
}

func (s *GitHubStore) contentsURL(p string, withRef bool) string {
	segments := []string{"repos", url.PathEscape(s.owner), url.PathEscape(s.repo), "contents"}
	if p != "" {
		for _, seg := range strings.Split(p, "/") {
			segments = append(segments, url.PathEscape(seg))
		}
	}
	u := s.baseURL + "/" + strings.Join(segments, "/")
	if withRef {
		u += "?ref=" + url.QueryEscape(s.branch)
	}
	return u
}

// do sends one API request, retrying transient failures. Any final response
// is handed back with its status so callers can interpret 404 and 409/422.
func (s *GitHubStore) do(ctx context.Context, method, requestURL string, body any) (int, []byte, error) {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return 0, nil, err
		}
	}
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, requestURL, bodyReader)
		if err != nil {
			return 0, nil, err
		}
		req.Header.Set("Accept", "application/vnd.github+json")
		req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
		req.Header.Set("User-Agent", s.userAgent)
		if s.token != "" {
			req.Header.Set("Authorization", "Bearer "+s.token)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := s.httpClient.Do(req)
		if err != nil {
			if attempt < s.maxRetries && ctx.Err() == nil {
				if waitErr := waitWithContext(ctx, s.retryDelay(attempt+1, "")); waitErr != nil {
					return 0, nil, waitErr
				}
				continue
			}
			return 0, nil, err
		}
		payload, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return 0, nil, readErr
		}
		if isRetryableStatus(resp) && attempt < s.maxRetries {
			if waitErr := waitWithContext(ctx, s.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return 0, nil, waitErr
			}
			continue
		}
		return resp.StatusCode, payload, nil
	}
}

func isRetryableStatus(resp *http.Response) bool {
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return true
	case resp.StatusCode >= 500 && resp.StatusCode <= 599:
		return true
	case resp.StatusCode == http.StatusForbidden:
		// secondary rate limit
		return resp.Header.Get("Retry-After") != "" || resp.Header.Get("X-RateLimit-Remaining") == "0"
	}
	return false
}

func (s *GitHubStore) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > s.maxDelay {
			return s.maxDelay
		}
		return retryAfter
	}
	delay := s.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= s.maxDelay {
			return s.maxDelay
		}
	}
	if delay > s.maxDelay {
		return s.maxDelay
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		delta := time.Until(ts)
		if delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
