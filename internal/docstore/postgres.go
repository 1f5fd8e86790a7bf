package docstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
	"github.com/pkg/errors"
)

const (
	postgresDocumentTableName = "rosterfile_documents"
	postgresDefaultBranch     = "main"
	postgresOperationTimeout  = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

type PostgresOptions struct {
	Table  string
	Branch string
}

// PostgresStore keeps documents in a single table keyed by (path, branch).
// The version column holds the git blob id of the content.
type PostgresStore struct {
	dsn       string
	tableName string
	branch    string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresStore(dsn string, opts PostgresOptions) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.Wrap(ErrInvalidInput, "postgres dsn is required")
	}
	table := strings.TrimSpace(opts.Table)
	if table == "" {
		table = postgresDocumentTableName
	}
	branch := strings.TrimSpace(opts.Branch)
	if branch == "" {
		branch = postgresDefaultBranch
	}
	return &PostgresStore{
		dsn:       dsn,
		tableName: table,
		branch:    branch,
		openDB:    sql.Open,
	}, nil
}

func (s *PostgresStore) Fetch(ctx context.Context, p string) (Document, error) {
	p, err := cleanDocumentPath(p)
	if err != nil {
		return Document{}, err
	}
	if err := s.ensureReady(); err != nil {
		return Document{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT content, version FROM %s WHERE path = $1 AND branch = $2", postgresQuoteIdentifier(s.tableName))
	var (
		content []byte
		version string
	)
	err = s.db.QueryRowContext(ctx, query, p, s.branch).Scan(&content, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return missingDocument(p), nil
	}
	if err != nil {
		return Document{}, errors.Wrapf(err, "fetch %s", p)
	}
	return Document{Path: p, Exists: true, Version: version, Content: content}, nil
}

func (s *PostgresStore) Write(ctx context.Context, req WriteRequest) (WriteResult, error) {
	p, err := cleanDocumentPath(req.Path)
	if err != nil {
		return WriteResult{}, err
	}
	if err := s.ensureReady(); err != nil {
		return WriteResult{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	table := postgresQuoteIdentifier(s.tableName)
	version := BlobVersion(req.Content)
	expected := strings.TrimSpace(req.Version)
	var result sql.Result
	if expected == "" {
		query := fmt.Sprintf(`
			INSERT INTO %s (path, branch, content, version, updated_at)
			VALUES ($1, $2, $3, $4, NOW())
			ON CONFLICT (path, branch) DO NOTHING`, table)
		result, err = s.db.ExecContext(ctx, query, p, s.branch, req.Content, version)
	} else {
		query := fmt.Sprintf(`
			UPDATE %s SET content = $3, version = $4, updated_at = NOW()
			WHERE path = $1 AND branch = $2 AND version = $5`, table)
		result, err = s.db.ExecContext(ctx, query, p, s.branch, req.Content, version, expected)
	}
	if err != nil {
		return WriteResult{}, errors.Wrapf(err, "write %s", p)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return WriteResult{}, errors.Wrapf(err, "write %s", p)
	}
	if affected == 0 {
		return WriteResult{}, &ConflictError{Path: p, ExpectedVersion: expected}
	}
	return WriteResult{Version: version, CommitSHA: version}, nil
}

func (s *PostgresStore) List(ctx context.Context, dir string) ([]Entry, error) {
	dir, err := CleanPath(dir)
	if err != nil {
		return nil, err
	}
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	prefix := ""
	if dir != "" {
		prefix = dir + "/"
	}
	query := fmt.Sprintf(`SELECT path, version FROM %s WHERE branch = $1 AND path LIKE $2 ESCAPE '\'`, postgresQuoteIdentifier(s.tableName))
	rows, err := s.db.QueryContext(ctx, query, s.branch, escapeLike(prefix)+"%")
	if err != nil {
		return nil, errors.Wrapf(err, "list %s", dir)
	}
	defer rows.Close()
	versions := map[string]string{}
	for rows.Next() {
		var p, version string
		if err := rows.Scan(&p, &version); err != nil {
			return nil, errors.Wrapf(err, "list %s", dir)
		}
		versions[p] = version
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrapf(err, "list %s", dir)
	}
	return childEntries(dir, versions), nil
}

func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PostgresStore) ensureReady() error {
	if s == nil {
		return ErrInvalidInput
	}
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				path TEXT NOT NULL,
				branch TEXT NOT NULL,
				content BYTEA NOT NULL,
				version TEXT NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				PRIMARY KEY (path, branch)
			)`, postgresQuoteIdentifier(s.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		s.db = db
	})
	return s.initErr
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
