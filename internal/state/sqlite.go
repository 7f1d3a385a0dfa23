package state

import (
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

type sqliteBackend struct {
	db *sqlx.DB
}

type sourceRow struct {
	SourceID     string         `db:"source_id"`
	LastPoll     int64          `db:"last_poll"`
	ETag         sql.NullString `db:"etag"`
	LastModified sql.NullString `db:"last_modified"`
}

type seenRow struct {
	SourceID string `db:"source_id"`
	EntryID  string `db:"entry_id"`
	Pos      int64  `db:"pos"`
}

func openSQLite(cfg Config) (backend, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("state.path is required for sqlite driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sqlx.Connect("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.Exec(schemaSQL); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &sqliteBackend{db: db}, nil
}

func (b *sqliteBackend) load() (map[string]sourceRecord, error) {
	var rows []sourceRow
	query, args, err := sq.Select("source_id", "last_poll", "etag", "last_modified").
		From("source_state").ToSql()
	if err != nil {
		return nil, err
	}
	if err := b.db.Select(&rows, query, args...); err != nil {
		return nil, err
	}

	snap := make(map[string]sourceRecord, len(rows))
	for _, r := range rows {
		rec := sourceRecord{
			ETag:         r.ETag.String,
			LastModified: r.LastModified.String,
		}
		if r.LastPoll > 0 {
			rec.LastPoll = time.UnixMilli(r.LastPoll)
		}
		snap[r.SourceID] = rec
	}

	var seen []seenRow
	query, args, err = sq.Select("source_id", "entry_id", "pos").
		From("seen_entries").OrderBy("source_id", "pos").ToSql()
	if err != nil {
		return nil, err
	}
	if err := b.db.Select(&seen, query, args...); err != nil {
		return nil, err
	}
	for _, r := range seen {
		rec, ok := snap[r.SourceID]
		if !ok {
			continue
		}
		rec.SeenIDs = append(rec.SeenIDs, r.EntryID)
		snap[r.SourceID] = rec
	}
	return snap, nil
}

func (b *sqliteBackend) save(snapshot map[string]sourceRecord, dirty []string) error {
	tx, err := b.db.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, id := range dirty {
		rec, ok := snapshot[id]
		if !ok {
			if err := deleteSource(tx, id); err != nil {
				return err
			}
			continue
		}
		if err := upsertSource(tx, id, rec); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (b *sqliteBackend) close() error { return b.db.Close() }

func deleteSource(tx *sqlx.Tx, sourceID string) error {
	for _, table := range []string{"seen_entries", "source_state"} {
		query, args, err := sq.Delete(table).Where(sq.Eq{"source_id": sourceID}).ToSql()
		if err != nil {
			return err
		}
		if _, err := tx.Exec(query, args...); err != nil {
			return err
		}
	}
	return nil
}

func upsertSource(tx *sqlx.Tx, sourceID string, rec sourceRecord) error {
	var lastPoll int64
	if !rec.LastPoll.IsZero() {
		lastPoll = rec.LastPoll.UnixMilli()
	}
	query, args, err := sq.Insert("source_state").
		Columns("source_id", "last_poll", "etag", "last_modified").
		Values(sourceID, lastPoll, nullStr(rec.ETag), nullStr(rec.LastModified)).
		Suffix("ON CONFLICT(source_id) DO UPDATE SET last_poll=excluded.last_poll, etag=excluded.etag, last_modified=excluded.last_modified").
		ToSql()
	if err != nil {
		return err
	}
	if _, err := tx.Exec(query, args...); err != nil {
		return err
	}

	// Seen IDs are replaced wholesale; the set is small and ordered.
	query, args, err = sq.Delete("seen_entries").Where(sq.Eq{"source_id": sourceID}).ToSql()
	if err != nil {
		return err
	}
	if _, err := tx.Exec(query, args...); err != nil {
		return err
	}
	if len(rec.SeenIDs) == 0 {
		return nil
	}

	ins := sq.Insert("seen_entries").Columns("source_id", "entry_id", "pos")
	for i, entryID := range rec.SeenIDs {
		ins = ins.Values(sourceID, entryID, i)
	}
	query, args, err = ins.ToSql()
	if err != nil {
		return err
	}
	_, err = tx.Exec(query, args...)
	return err
}

func nullStr(v string) any {
	if v == "" {
		return nil
	}
	return v
}
