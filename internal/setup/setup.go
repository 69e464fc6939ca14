// Package setup implements the one-time metadata database bootstrap: it
// downloads the upstream PyPI metadata dump, streams it through gzip
// decompression directly onto disk, and trims it down to the columns the
// metadata store adapter actually reads.
package setup

import (
	"compress/gzip"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" database/sql driver

	"github.com/bilusteknoloji/pipdep/internal/cache"
)

// DefaultDumpURL is the upstream release asset the original tooling this
// core was adapted from pulls its metadata snapshot from.
const DefaultDumpURL = "https://github.com/pypi-data/pypi-json-data/releases/download/latest/pypi-data.sqlite.gz"

const (
	maxRetries    = 3
	fetchTimeout  = 10 * time.Minute
	cachedDumpKey = "pypi-data.sqlite.gz"
)

// dropColumns lists the projects-table columns the resolution core never
// reads; trimming them shrinks the working database substantially.
var dropColumns = []string{
	"id", "description", "summary", "author", "author_email",
	"maintainer", "maintainer_email", "package_url", "license",
	"home_page", "project_url", "platform",
}

// Option configures a Manager.
type Option func(*Manager)

// WithHTTPClient sets the HTTP client used to fetch the dump.
func WithHTTPClient(c *http.Client) Option {
	return func(m *Manager) {
		if c != nil {
			m.httpClient = c
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithCache sets a download cache so a dump fetched once is reused across
// setup runs even if the extracted database at destPath is later removed.
func WithCache(c cache.Store) Option {
	return func(m *Manager) {
		m.cache = c
	}
}

// Manager drives the download-extract-clean pipeline.
type Manager struct {
	httpClient *http.Client
	logger     *slog.Logger
	cache      cache.Store
}

// New builds a setup Manager.
func New(opts ...Option) *Manager {
	m := &Manager{
		httpClient: &http.Client{Timeout: fetchTimeout},
		logger:     slog.Default(),
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Ensure guarantees a usable, trimmed metadata database exists at
// destPath. If a valid database is already there, it returns immediately.
// Otherwise it downloads dumpURL, decompresses it in a single streaming
// pass, and trims it down.
func (m *Manager) Ensure(ctx context.Context, destPath, dumpURL string) error {
	if m.isValid(destPath) {
		m.logger.Info("existing metadata database is valid", slog.String("path", destPath))

		return nil
	}

	if err := m.fetch(ctx, destPath, dumpURL); err != nil {
		return err
	}

	return m.clean(ctx, destPath)
}

// isValid reports whether destPath holds a SQLite file with a queryable
// projects table.
func (m *Manager) isValid(destPath string) bool {
	if _, err := os.Stat(destPath); err != nil {
		return false
	}

	db, err := sql.Open("sqlite", destPath)
	if err != nil {
		return false
	}
	defer func() { _ = db.Close() }()

	var probe int
	err = db.QueryRow("SELECT 1 FROM projects LIMIT 1").Scan(&probe)

	return err == nil || errors.Is(err, sql.ErrNoRows)
}

// fetch downloads dumpURL and decompresses it directly onto destPath,
// writing through a temp file so a failure partway through never leaves a
// corrupt database at the final path. A cache hit skips the network round
// trip entirely; the cached dump is looked up under a fixed filename and its
// content is not hash-verified.
func (m *Manager) fetch(ctx context.Context, destPath, dumpURL string) error {
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return fmt.Errorf("creating database directory: %w", err)
	}

	if m.cache != nil {
		if cached, ok := m.cache.Get(cachedDumpKey, ""); ok {
			m.logger.Info("reusing cached metadata dump", slog.String("path", cached))

			return m.extract(cached, destPath)
		}
	}

	tmpCompressed, err := m.download(ctx, dumpURL)
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmpCompressed) }()

	if m.cache != nil {
		if err := m.cache.Put(tmpCompressed, cachedDumpKey); err != nil {
			m.logger.Debug("caching metadata dump failed, continuing uncached", slog.String("error", err.Error()))
		}
	}

	return m.extract(tmpCompressed, destPath)
}

// download fetches url with retry and exponential backoff, returning the
// path to a temp file holding the raw (still gzip-compressed) response.
func (m *Manager) download(ctx context.Context, url string) (string, error) {
	tmp, err := os.CreateTemp("", "pipdep-dump-*.gz")
	if err != nil {
		return "", fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	_ = tmp.Close()

	var lastErr error

	for attempt := range maxRetries {
		if attempt > 0 {
			backoff := time.Duration(math.Pow(2, float64(attempt))) * time.Second

			m.logger.Debug("retrying dump download", slog.Int("attempt", attempt+1), slog.Duration("backoff", backoff))

			select {
			case <-ctx.Done():
				_ = os.Remove(tmpPath)

				return "", ctx.Err()
			case <-time.After(backoff):
			}
		}

		if err := m.downloadOnce(ctx, url, tmpPath); err != nil {
			lastErr = err

			continue
		}

		return tmpPath, nil
	}

	_ = os.Remove(tmpPath)

	return "", fmt.Errorf("downloading %s after %d attempts: %w", url, maxRetries, lastErr)
}

func (m *Manager) downloadOnce(ctx context.Context, url, tmpPath string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("requesting %s: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d from %s", resp.StatusCode, url)
	}

	out, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("opening temp file: %w", err)
	}
	defer func() { _ = out.Close() }()

	if _, err := io.Copy(out, resp.Body); err != nil {
		return fmt.Errorf("writing response body: %w", err)
	}

	return nil
}

// extract gunzips srcPath into destPath in a single streaming pass,
// writing through a ".tmp" sibling and renaming atomically on success.
func (m *Manager) extract(srcPath, destPath string) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("opening compressed dump: %w", err)
	}
	defer func() { _ = src.Close() }()

	gz, err := gzip.NewReader(src)
	if err != nil {
		return fmt.Errorf("opening gzip stream: %w", err)
	}
	defer func() { _ = gz.Close() }()

	tmpPath := destPath + ".tmp"

	out, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("creating temp database: %w", err)
	}

	if _, err := io.Copy(out, gz); err != nil {
		_ = out.Close()
		_ = os.Remove(tmpPath)

		return fmt.Errorf("decompressing dump: %w", err)
	}

	if err := out.Close(); err != nil {
		_ = os.Remove(tmpPath)

		return fmt.Errorf("closing temp database: %w", err)
	}

	if err := os.Rename(tmpPath, destPath); err != nil {
		_ = os.Remove(tmpPath)

		return fmt.Errorf("renaming temp database: %w", err)
	}

	m.logger.Info("extracted metadata dump", slog.String("path", destPath))

	return nil
}

// clean drops the unused columns, populates name_lower, and VACUUMs the
// database to reclaim the space the dropped columns freed.
func (m *Manager) clean(ctx context.Context, path string) error {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("opening database for cleanup: %w", err)
	}
	defer func() { _ = db.Close() }()

	m.logger.Info("trimming metadata database", slog.String("path", path))

	if _, err := db.ExecContext(ctx, "DROP TABLE IF EXISTS urls"); err != nil {
		return fmt.Errorf("dropping urls table: %w", err)
	}

	present, err := tableColumns(ctx, db, "projects")
	if err != nil {
		return fmt.Errorf("reading projects columns: %w", err)
	}

	if len(present) == 0 {
		return errors.New("projects table not found in database")
	}

	for _, col := range dropColumns {
		if !present[col] {
			continue
		}

		stmt := fmt.Sprintf("ALTER TABLE projects DROP COLUMN %s", col)
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("dropping column %s: %w", col, err)
		}
	}

	if !present["name_lower"] {
		if _, err := db.ExecContext(ctx, "ALTER TABLE projects ADD COLUMN name_lower TEXT"); err != nil {
			return fmt.Errorf("adding name_lower column: %w", err)
		}

		if _, err := db.ExecContext(ctx, "UPDATE projects SET name_lower = LOWER(name)"); err != nil {
			return fmt.Errorf("populating name_lower: %w", err)
		}
	}

	if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
		return fmt.Errorf("vacuuming database: %w", err)
	}

	m.logger.Info("metadata database ready", slog.String("path", path))

	return nil
}

func tableColumns(ctx context.Context, db *sql.DB, table string) (map[string]bool, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	cols := make(map[string]bool)

	for rows.Next() {
		var (
			cid        int
			name       string
			ctype      string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)

		if err := rows.Scan(&cid, &name, &ctype, &notNull, &defaultVal, &pk); err != nil {
			return nil, err
		}

		cols[name] = true
	}

	return cols, rows.Err()
}
