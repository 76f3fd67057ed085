// Package persist keeps a local SQLite snapshot of the entity cache so a
// restart starts warm instead of blank. Write provenance and timestamps
// are preserved, so precedence still holds against the first live pushes.
package persist

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/nightdesk/syncd/internal/cache"
	"github.com/nightdesk/syncd/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS entities (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	source TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	payload BLOB NOT NULL
);
`

// Snapshot is the on-disk mirror of the entity cache.
type Snapshot struct {
	log zerolog.Logger
	db  *sql.DB
}

// Open creates or opens the snapshot database.
func Open(path string, log zerolog.Logger) (*Snapshot, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open snapshot %s: %w", path, err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Snapshot{
		log: log.With().Str("component", "persist").Logger(),
		db:  db,
	}, nil
}

// Close closes the database.
func (s *Snapshot) Close() error {
	return s.db.Close()
}

// Load returns every persisted entry. Rows of unknown kind are skipped so
// an old snapshot survives schema evolution.
func (s *Snapshot) Load() ([]cache.Entry, error) {
	rows, err := s.db.Query(`SELECT id, kind, source, updated_at, payload FROM entities`)
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []cache.Entry
	for rows.Next() {
		var id, kind, source, updatedAt string
		var payload []byte
		if err := rows.Scan(&id, &kind, &source, &updatedAt, &payload); err != nil {
			return nil, err
		}

		entity, err := decodeEntity(domain.Kind(kind), payload)
		if err != nil {
			s.log.Warn().Err(err).Str("id", id).Str("kind", kind).Msg("skipping snapshot row")
			continue
		}
		ts, err := time.Parse(time.RFC3339Nano, updatedAt)
		if err != nil {
			s.log.Warn().Err(err).Str("id", id).Msg("skipping snapshot row with bad timestamp")
			continue
		}
		out = append(out, cache.Entry{
			Entity:    entity,
			Source:    cache.Source(source),
			UpdatedAt: ts,
		})
	}
	return out, rows.Err()
}

// Sync mirrors the given ids from the store to disk: present entries are
// upserted, absent ones deleted.
func (s *Snapshot) Sync(store *cache.Store, ids []string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, id := range ids {
		entry, ok := store.Read(id)
		if !ok {
			if _, err := tx.Exec(`DELETE FROM entities WHERE id = ?`, id); err != nil {
				return err
			}
			continue
		}
		payload, err := json.Marshal(entry.Entity)
		if err != nil {
			return err
		}
		_, err = tx.Exec(`
			INSERT INTO entities (id, kind, source, updated_at, payload)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				kind = excluded.kind,
				source = excluded.source,
				updated_at = excluded.updated_at,
				payload = excluded.payload
		`, id, string(entry.Entity.EntityKind()), string(entry.Source),
			entry.UpdatedAt.Format(time.RFC3339Nano), payload)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Attach hydrates the store from disk and mirrors every subsequent batch.
// The returned function detaches the mirror.
func (s *Snapshot) Attach(store *cache.Store) (func(), error) {
	entries, err := s.Load()
	if err != nil {
		return nil, err
	}
	store.Hydrate(entries)
	if len(entries) > 0 {
		s.log.Info().Int("entities", len(entries)).Msg("cache hydrated from snapshot")
	}

	unsubscribe := store.SubscribeAll(func(ids []string) {
		if err := s.Sync(store, ids); err != nil {
			s.log.Warn().Err(err).Msg("snapshot sync failed")
		}
	})
	return unsubscribe, nil
}

// decodeEntity unmarshals a payload into its concrete type.
func decodeEntity(kind domain.Kind, payload []byte) (domain.Entity, error) {
	switch kind {
	case domain.KindTask:
		var t domain.Task
		if err := json.Unmarshal(payload, &t); err != nil {
			return nil, err
		}
		return t, nil
	case domain.KindMessage:
		var m domain.Message
		if err := json.Unmarshal(payload, &m); err != nil {
			return nil, err
		}
		return m, nil
	case domain.KindConversation:
		var c domain.Conversation
		if err := json.Unmarshal(payload, &c); err != nil {
			return nil, err
		}
		return c, nil
	}
	return nil, fmt.Errorf("unknown entity kind %q", kind)
}
