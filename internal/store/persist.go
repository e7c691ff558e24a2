package store

import (
	"database/sql"
	"fmt"
	"log/slog"

	_ "modernc.org/sqlite"

	"github.com/lumencanvas/clasp/internal/value"
)

// Persister is the write-through persistence hook consumed by the Store.
type Persister interface {
	LoadParams() (map[string]Record, error)
	// LoadFloors returns the revision high-water marks of deleted
	// addresses, so a recreate after restart continues past them.
	LoadFloors() (map[string]uint64, error)
	SaveParam(addr string, rec Record) error
	DeleteParam(addr string) error
	Close() error
}

// Persistent param state is backed by an embedded SQLite database so revision
// sequences continue from the stored maximum across restarts.
//
// Migration design: SQL statements are kept in the migrations slice as
// ordered strings. Each is applied exactly once; the applied version is
// tracked in the schema_migrations table. To add a migration, append a new
// string — never edit or reorder existing entries.
var migrations = []string{
	// v1 — param records; value is the CLASP binary value encoding
	`CREATE TABLE IF NOT EXISTS params (
		address    TEXT PRIMARY KEY,
		value      BLOB NOT NULL,
		revision   INTEGER NOT NULL,
		writer     TEXT NOT NULL DEFAULT '',
		ts_us      INTEGER NOT NULL DEFAULT 0,
		touch_us   INTEGER NOT NULL DEFAULT 0
	)`,
	// v2 — revision floors for deleted addresses
	`CREATE TABLE IF NOT EXISTS revision_floors (
		address  TEXT PRIMARY KEY,
		revision INTEGER NOT NULL
	)`,
	// v3 — enable WAL mode
	`PRAGMA journal_mode=WAL`,
}

// SQLitePersister stores param records in a SQLite database.
type SQLitePersister struct {
	db  *sql.DB
	log *slog.Logger
}

// OpenSQLite opens (or creates) the database at path and applies pending
// migrations. Use ":memory:" for ephemeral in-process storage (tests).
func OpenSQLite(path string, log *slog.Logger) (*SQLitePersister, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// Allow multiple read connections but serialise writes.
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)

	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		if log != nil {
			log.Warn("busy_timeout pragma failed", "err", err)
		}
	}

	p := &SQLitePersister{db: db, log: log}
	if p.log == nil {
		p.log = slog.Default()
	}
	if err := p.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return p, nil
}

func (p *SQLitePersister) migrate() error {
	if _, err := p.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY
	)`); err != nil {
		return err
	}
	var current int
	if err := p.db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
		return err
	}
	for i := current; i < len(migrations); i++ {
		if _, err := p.db.Exec(migrations[i]); err != nil {
			return fmt.Errorf("migration %d: %w", i+1, err)
		}
		if _, err := p.db.Exec(`INSERT INTO schema_migrations (version) VALUES (?)`, i+1); err != nil {
			return fmt.Errorf("record migration %d: %w", i+1, err)
		}
	}
	return nil
}

// Close releases the database connection.
func (p *SQLitePersister) Close() error {
	return p.db.Close()
}

// LoadParams returns every stored record.
func (p *SQLitePersister) LoadParams() (map[string]Record, error) {
	rows, err := p.db.Query(`SELECT address, value, revision, writer, ts_us, touch_us FROM params`)
	if err != nil {
		return nil, fmt.Errorf("load params: %w", err)
	}
	defer rows.Close()

	out := make(map[string]Record)
	for rows.Next() {
		var addr, writer string
		var raw []byte
		var rec Record
		if err := rows.Scan(&addr, &raw, &rec.Revision, &writer, &rec.TimestampUS, &rec.LastTouchUS); err != nil {
			return nil, err
		}
		v, rest, err := value.Decode(raw)
		if err != nil || len(rest) != 0 {
			p.log.Warn("skipping undecodable persisted param", "address", addr, "err", err)
			continue
		}
		rec.Value = v
		rec.Writer = writer
		out[addr] = rec
	}
	return out, rows.Err()
}

// LoadFloors returns the persisted revision floors of deleted addresses.
func (p *SQLitePersister) LoadFloors() (map[string]uint64, error) {
	rows, err := p.db.Query(`SELECT address, revision FROM revision_floors`)
	if err != nil {
		return nil, fmt.Errorf("load floors: %w", err)
	}
	defer rows.Close()

	out := make(map[string]uint64)
	for rows.Next() {
		var addr string
		var rev uint64
		if err := rows.Scan(&addr, &rev); err != nil {
			return nil, err
		}
		out[addr] = rev
	}
	return out, rows.Err()
}

// SaveParam upserts one record.
func (p *SQLitePersister) SaveParam(addr string, rec Record) error {
	raw, err := rec.Value.Encode()
	if err != nil {
		return fmt.Errorf("encode %s: %w", addr, err)
	}
	_, err = p.db.Exec(`INSERT INTO params (address, value, revision, writer, ts_us, touch_us)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(address) DO UPDATE SET
			value=excluded.value, revision=excluded.revision,
			writer=excluded.writer, ts_us=excluded.ts_us, touch_us=excluded.touch_us`,
		addr, raw, rec.Revision, rec.Writer, rec.TimestampUS, rec.LastTouchUS)
	return err
}

// DeleteParam removes a record but retains its revision floor.
func (p *SQLitePersister) DeleteParam(addr string) error {
	tx, err := p.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`INSERT INTO revision_floors (address, revision)
		SELECT address, revision FROM params WHERE address = ?
		ON CONFLICT(address) DO UPDATE SET revision=excluded.revision`, addr); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM params WHERE address = ?`, addr); err != nil {
		return err
	}
	return tx.Commit()
}
