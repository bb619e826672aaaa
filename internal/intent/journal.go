package intent

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"wavebot/internal/core"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS intents (
    key           TEXT PRIMARY KEY,
    order_id      TEXT NOT NULL DEFAULT '',
    link_id       TEXT NOT NULL DEFAULT '',
    source        TEXT NOT NULL,
    authoritative INTEGER NOT NULL DEFAULT 0,
    tag           TEXT NOT NULL DEFAULT '',
    updated_at    TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_intents_updated ON intents(updated_at DESC);
CREATE INDEX IF NOT EXISTS idx_intents_link    ON intents(link_id);
`

// Fixed width so updated_at orders lexicographically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Journal is a SQLite-backed Sink so attribution survives restarts.
type Journal struct {
	db *sql.DB
}

func OpenJournal(path string) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("intent.OpenJournal: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("intent.OpenJournal: apply schema: %w", err)
	}
	return &Journal{db: db}, nil
}

func (j *Journal) Close() error {
	return j.db.Close()
}

func (j *Journal) Save(ctx context.Context, rec Record) error {
	key := rec.OrderID
	if key == "" {
		key = "link:" + rec.LinkID
	}
	auth := 0
	if rec.Authoritative {
		auth = 1
	}
	_, err := j.db.ExecContext(ctx, `
INSERT INTO intents (key, order_id, link_id, source, authoritative, tag, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(key) DO UPDATE SET
    order_id      = excluded.order_id,
    link_id       = excluded.link_id,
    source        = excluded.source,
    authoritative = excluded.authoritative,
    tag           = excluded.tag,
    updated_at    = excluded.updated_at`,
		key, rec.OrderID, rec.LinkID, string(rec.Source), auth, rec.Tag, rec.UpdatedAt.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("intent.Journal.Save: %w", err)
	}
	if rec.OrderID != "" && rec.LinkID != "" {
		// The order id is now known; drop the placeholder keyed by link id.
		if _, err := j.db.ExecContext(ctx, `DELETE FROM intents WHERE key = ?`, "link:"+rec.LinkID); err != nil {
			return fmt.Errorf("intent.Journal.Save: prune link row: %w", err)
		}
	}
	return nil
}

// Recent returns up to limit records, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := j.db.QueryContext(ctx, `
SELECT order_id, link_id, source, authoritative, tag, updated_at
FROM intents ORDER BY updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("intent.Journal.Recent: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			rec     Record
			src     string
			auth    int
			updated string
		)
		if err := rows.Scan(&rec.OrderID, &rec.LinkID, &src, &auth, &rec.Tag, &updated); err != nil {
			return nil, fmt.Errorf("intent.Journal.Recent: scan: %w", err)
		}
		rec.Source = core.Source(src)
		rec.Authoritative = auth == 1
		rec.UpdatedAt, _ = time.Parse(timeLayout, updated)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Load seeds a registry from the journal so restarts keep attribution.
func (j *Journal) Load(ctx context.Context, reg *Registry, limit int) error {
	recs, err := j.Recent(ctx, limit)
	if err != nil {
		return err
	}
	reg.mu.Lock()
	defer reg.mu.Unlock()
	for _, rec := range recs {
		if rec.OrderID != "" {
			reg.byOrder[rec.OrderID] = Merge(reg.byOrder[rec.OrderID], rec)
		}
		if rec.LinkID != "" {
			reg.byLink[rec.LinkID] = Merge(reg.byLink[rec.LinkID], rec)
		}
	}
	return nil
}
