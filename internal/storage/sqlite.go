package storage

import (
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database holding the coordinator's authoritative state:
// settings, profiles, shortcut bindings and capability grants.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "boxset.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// A single connection keeps ":memory:" databases shared and avoids
	// "database is locked" on writes.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}
		if err := s.applyMigration(version, string(content)); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) applyMigration(version int, content string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(content); err != nil {
		return fmt.Errorf("applying migration %d: %w", version, err)
	}
	if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
		return fmt.Errorf("recording migration %d: %w", version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing migration %d: %w", version, err)
	}
	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// --- Settings ---

func (s *Store) SetSetting(key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, now(),
	)
	return err
}

func (s *Store) GetSetting(key string) (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return value, err
}

func (s *Store) GetAllSettings() (map[string]string, error) {
	rows, err := s.db.Query("SELECT key, value FROM settings")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		result[k] = v
	}
	return result, rows.Err()
}

// --- Profiles ---

// CreateProfile inserts p at the end of the registry. Position is assigned by
// the store; CreatedAt defaults to now.
func (s *Store) CreateProfile(p Profile) (Profile, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return Profile{}, fmt.Errorf("beginning create transaction: %w", err)
	}
	defer tx.Rollback()

	var next int
	if err := tx.QueryRow("SELECT COALESCE(MAX(position) + 1, 0) FROM profiles").Scan(&next); err != nil {
		return Profile{}, fmt.Errorf("reading next position: %w", err)
	}
	p.Position = next
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}

	if _, err := tx.Exec(`
		INSERT INTO profiles (id, name, color, icon, position, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.Color, p.Icon, p.Position, p.CreatedAt.UTC().Format(time.RFC3339Nano),
	); err != nil {
		return Profile{}, fmt.Errorf("inserting profile %s: %w", p.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return Profile{}, fmt.Errorf("committing profile %s: %w", p.ID, err)
	}
	return p, nil
}

func (s *Store) GetProfile(id string) (Profile, error) {
	row := s.db.QueryRow(`
		SELECT id, name, color, icon, position, created_at
		FROM profiles WHERE id = ?`, id)
	p, err := scanProfile(row)
	if err == sql.ErrNoRows {
		return Profile{}, ErrNotFound
	}
	return p, err
}

// ListProfiles returns every profile in registry order.
func (s *Store) ListProfiles() ([]Profile, error) {
	rows, err := s.db.Query(`
		SELECT id, name, color, icon, position, created_at
		FROM profiles ORDER BY position ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, p)
	}
	return results, rows.Err()
}

// HasProfileLike reports whether a profile with the same name, color and icon
// already exists.
func (s *Store) HasProfileLike(name, color, icon string) (bool, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM profiles WHERE name = ? AND color = ? AND icon = ?`,
		name, color, icon).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) DeleteProfile(id string) error {
	res, err := s.db.Exec("DELETE FROM profiles WHERE id = ?", id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProfile(r rowScanner) (Profile, error) {
	var p Profile
	var createdAt string
	if err := r.Scan(&p.ID, &p.Name, &p.Color, &p.Icon, &p.Position, &createdAt); err != nil {
		return Profile{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return Profile{}, fmt.Errorf("parsing created_at: %w", err)
	}
	p.CreatedAt = t
	return p, nil
}

// --- Shortcuts ---

// GetShortcuts returns the stored slot -> profile id bindings. Unbound slots
// are absent from the map.
func (s *Store) GetShortcuts() (map[int]string, error) {
	rows, err := s.db.Query("SELECT slot, profile_id FROM shortcuts")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[int]string)
	for rows.Next() {
		var slot int
		var id string
		if err := rows.Scan(&slot, &id); err != nil {
			return nil, err
		}
		result[slot] = id
	}
	return result, rows.Err()
}

func (s *Store) SetShortcut(slot int, profileID string) error {
	_, err := s.db.Exec(`
		INSERT INTO shortcuts (slot, profile_id, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(slot) DO UPDATE SET profile_id = excluded.profile_id, updated_at = excluded.updated_at`,
		slot, profileID, now(),
	)
	return err
}

// ClearShortcut removes the binding for slot. Clearing an unbound slot is a no-op.
func (s *Store) ClearShortcut(slot int) error {
	_, err := s.db.Exec("DELETE FROM shortcuts WHERE slot = ?", slot)
	return err
}

// --- Grants ---

func (s *Store) GrantCapability(capability string) error {
	_, err := s.db.Exec(`
		INSERT INTO grants (capability, granted_at) VALUES (?, ?)
		ON CONFLICT(capability) DO NOTHING`,
		capability, now(),
	)
	return err
}

// RevokeCapability removes a grant. Revoking an absent grant succeeds.
func (s *Store) RevokeCapability(capability string) error {
	_, err := s.db.Exec("DELETE FROM grants WHERE capability = ?", capability)
	return err
}

func (s *Store) HasCapability(capability string) (bool, error) {
	var n int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM grants WHERE capability = ?", capability).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) ListGrants() ([]Grant, error) {
	rows, err := s.db.Query("SELECT capability, granted_at FROM grants ORDER BY capability ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Grant
	for rows.Next() {
		var g Grant
		var grantedAt string
		if err := rows.Scan(&g.Capability, &grantedAt); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339Nano, grantedAt)
		if err != nil {
			return nil, fmt.Errorf("parsing granted_at: %w", err)
		}
		g.GrantedAt = t
		results = append(results, g)
	}
	return results, rows.Err()
}
