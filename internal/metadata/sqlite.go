package metadata

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	_ "modernc.org/sqlite" // registers the "sqlite" database/sql driver

	"github.com/bilusteknoloji/pipdep/internal/requirement"
	"github.com/bilusteknoloji/pipdep/internal/version"
)

// SQLiteStore reads release metadata from a trimmed PyPI metadata dump: a
// single table ("projects") keyed by (name_lower, version), the Go analogue
// of original_source/src/db_client.py's sqlite3 access over the same table.
type SQLiteStore struct {
	db     *sql.DB
	table  string
	logger *slog.Logger
}

// compile-time proof that SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

// Option configures a SQLiteStore.
type Option func(*SQLiteStore)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *SQLiteStore) {
		if l != nil {
			s.logger = l
		}
	}
}

// OpenSQLiteStore opens the SQLite file at path read-only and verifies the
// expected table is present.
func OpenSQLiteStore(path string, opts ...Option) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?mode=ro", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: opening %s: %w", ErrUnavailable, path, err)
	}

	s := &SQLiteStore{db: db, table: "projects", logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.db.PingContext(context.Background()); err != nil {
		return nil, fmt.Errorf("%w: pinging %s: %w", ErrUnavailable, path, err)
	}

	rows, err := s.db.QueryContext(context.Background(), fmt.Sprintf("SELECT 1 FROM %s LIMIT 1", s.table))
	if err != nil {
		_ = s.db.Close()

		return nil, fmt.Errorf("%w: checking %s table in %s: %w", ErrUnavailable, s.table, path, err)
	}

	_ = rows.Close()

	return s, nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) AvailableVersions(ctx context.Context, name requirement.Name) ([]string, error) {
	query := fmt.Sprintf("SELECT version FROM %s WHERE name_lower = ?", s.table)

	rows, err := s.db.QueryContext(ctx, query, string(name))
	if err != nil {
		return nil, fmt.Errorf("%w: querying versions for %s: %w", ErrUnavailable, name, err)
	}
	defer func() { _ = rows.Close() }()

	var versions []string

	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("%w: scanning version row for %s: %w", ErrUnavailable, name, err)
		}

		versions = append(versions, v)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterating versions for %s: %w", ErrUnavailable, name, err)
	}

	return versions, nil
}

func (s *SQLiteStore) Dependencies(ctx context.Context, name requirement.Name, ver string) ([]string, error) {
	query := fmt.Sprintf("SELECT requires_dist FROM %s WHERE name_lower = ? AND version = ?", s.table)

	var raw sql.NullString

	err := s.db.QueryRowContext(ctx, query, string(name), ver).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("%w: querying dependencies for %s %s: %w", ErrUnavailable, name, ver, err)
	}

	if !raw.Valid || isAbsent(raw.String) {
		return nil, nil
	}

	var deps []string
	if err := json.Unmarshal([]byte(raw.String), &deps); err == nil {
		return deps, nil
	}

	// Not a JSON array: treat the column as a single raw requirement string,
	// matching db_client.py's fallback.
	return []string{raw.String}, nil
}

func (s *SQLiteStore) RequiresPython(ctx context.Context, name requirement.Name, ver string) (version.SpecifierSet, bool, error) {
	query := fmt.Sprintf("SELECT requires_python FROM %s WHERE name_lower = ? AND version = ?", s.table)

	var raw sql.NullString

	err := s.db.QueryRowContext(ctx, query, string(name), ver).Scan(&raw)
	if err == sql.ErrNoRows {
		return version.Universal, false, nil
	}

	if err != nil {
		return version.Universal, false, fmt.Errorf("%w: querying requires_python for %s %s: %w", ErrUnavailable, name, ver, err)
	}

	if !raw.Valid || isAbsent(raw.String) {
		return version.Universal, false, nil
	}

	ss, err := version.ParseSpecifierSet(raw.String)
	if err != nil {
		s.logger.Debug("unparseable requires_python, treating as absent",
			slog.String("package", string(name)), slog.String("version", ver), slog.String("error", err.Error()))

		return version.Universal, false, nil
	}

	return ss, true, nil
}

func (s *SQLiteStore) Yanked(ctx context.Context, name requirement.Name, ver string) (bool, error) {
	query := fmt.Sprintf("SELECT yanked FROM %s WHERE name_lower = ? AND version = ?", s.table)

	var yanked sql.NullBool

	err := s.db.QueryRowContext(ctx, query, string(name), ver).Scan(&yanked)
	if err == sql.ErrNoRows {
		return false, nil
	}

	if err != nil {
		return false, fmt.Errorf("%w: querying yanked for %s %s: %w", ErrUnavailable, name, ver, err)
	}

	return yanked.Valid && yanked.Bool, nil
}

// Exists checks for a recorded version of name contained in spec. It allows
// pre-releases so a package published only as pre-releases is never
// reported as nonexistent merely because of the default candidate-scan
// policy — existence is a weaker question than "is this a viable
// candidate".
func (s *SQLiteStore) Exists(ctx context.Context, name requirement.Name, spec version.SpecifierSet) (bool, error) {
	versions, err := s.AvailableVersions(ctx, name)
	if err != nil {
		return false, err
	}

	if spec.IsUniversal() {
		return len(versions) > 0, nil
	}

	for _, raw := range versions {
		v, err := version.Parse(raw)
		if err != nil {
			continue
		}

		if spec.Contains(v, true) {
			return true, nil
		}
	}

	return false, nil
}
