package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/energizer-project/querycache/internal/protocol"
)

// ErrNoSnapshot is returned when an address has no recorded snapshot.
var ErrNoSnapshot = errors.New("db: no snapshot recorded")

// HistoryStore records decoded rules replies over time.
type HistoryStore struct {
	db *Database
}

// Snapshot is one recorded rules reply.
// ListSnapshots leaves Rules and Mods empty and fills only the counts.
type Snapshot struct {
	ID           int64            `json:"id"`
	Address      string           `json:"address"`
	FetchedAt    time.Time        `json:"fetched_at"`
	LatencyMs    int64            `json:"latency_ms"`
	HasModRecord bool             `json:"has_mod_record"`
	DLC          protocol.DLCInfo `json:"dlc"`
	RuleCount    int              `json:"rule_count"`
	ModCount     int              `json:"mod_count"`
	Rules        []protocol.Rule  `json:"rules,omitempty"`
	Mods         []protocol.Mod   `json:"mods,omitempty"`
}

// NewSnapshot builds a snapshot from a decoded reply.
func NewSnapshot(addr string, reply *protocol.RulesReply, fetchedAt time.Time, latency time.Duration) *Snapshot {
	return &Snapshot{
		Address:      addr,
		FetchedAt:    fetchedAt.UTC(),
		LatencyMs:    latency.Milliseconds(),
		HasModRecord: reply.HasModRecord,
		DLC:          reply.DLC,
		RuleCount:    len(reply.Rules),
		ModCount:     len(reply.Mods),
		Rules:        reply.Rules,
		Mods:         reply.Mods,
	}
}

// NewHistoryStore opens the history database and migrates its schema.
func NewHistoryStore(dbPath string) (*HistoryStore, error) {
	database, err := NewDatabase(dbPath)
	if err != nil {
		return nil, err
	}

	hs := &HistoryStore{db: database}
	if err := hs.migrate(); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to migrate history database: %w", err)
	}
	return hs, nil
}

// Close closes the underlying database.
func (hs *HistoryStore) Close() error {
	return hs.db.Close()
}

func (hs *HistoryStore) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS snapshots (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			address TEXT NOT NULL,
			fetched_at INTEGER NOT NULL,
			latency_ms INTEGER NOT NULL DEFAULT 0,
			has_mod_record INTEGER NOT NULL DEFAULT 0,
			dlc_flag1 INTEGER NOT NULL DEFAULT 0,
			dlc_flag2 INTEGER NOT NULL DEFAULT 0,
			dlc_value1 INTEGER NOT NULL DEFAULT 0,
			dlc_value2 INTEGER NOT NULL DEFAULT 0,
			rule_count INTEGER NOT NULL DEFAULT 0,
			mod_count INTEGER NOT NULL DEFAULT 0
		);

		CREATE INDEX IF NOT EXISTS idx_snapshots_address_time
			ON snapshots(address, fetched_at DESC);

		CREATE TABLE IF NOT EXISTS snapshot_rules (
			snapshot_id INTEGER NOT NULL,
			position INTEGER NOT NULL,
			name TEXT NOT NULL,
			value TEXT NOT NULL,
			PRIMARY KEY (snapshot_id, position),
			FOREIGN KEY (snapshot_id) REFERENCES snapshots(id) ON DELETE CASCADE
		);

		CREATE TABLE IF NOT EXISTS snapshot_mods (
			snapshot_id INTEGER NOT NULL,
			position INTEGER NOT NULL,
			mod_id INTEGER NOT NULL,
			name TEXT NOT NULL,
			PRIMARY KEY (snapshot_id, position),
			FOREIGN KEY (snapshot_id) REFERENCES snapshots(id) ON DELETE CASCADE
		);
	`
	_, err := hs.db.ExecContext(context.Background(), schema)
	return err
}

// SaveSnapshot stores snap with its rules and mods and returns the new id.
func (hs *HistoryStore) SaveSnapshot(ctx context.Context, snap *Snapshot) (int64, error) {
	var id int64
	err := hs.db.Transaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO snapshots (address, fetched_at, latency_ms, has_mod_record,
				dlc_flag1, dlc_flag2, dlc_value1, dlc_value2, rule_count, mod_count)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			snap.Address, snap.FetchedAt.UnixMilli(), snap.LatencyMs, snap.HasModRecord,
			snap.DLC.Flags[0], snap.DLC.Flags[1], snap.DLC.Values[0], snap.DLC.Values[1],
			len(snap.Rules), len(snap.Mods))
		if err != nil {
			return fmt.Errorf("failed to insert snapshot: %w", err)
		}
		if id, err = res.LastInsertId(); err != nil {
			return err
		}

		for i, r := range snap.Rules {
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO snapshot_rules (snapshot_id, position, name, value) VALUES (?, ?, ?, ?)",
				id, i, r.Name, r.Value); err != nil {
				return fmt.Errorf("failed to insert rule %d: %w", i, err)
			}
		}
		for i, m := range snap.Mods {
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO snapshot_mods (snapshot_id, position, mod_id, name) VALUES (?, ?, ?, ?)",
				id, i, int64(m.ID), m.Name); err != nil {
				return fmt.Errorf("failed to insert mod %d: %w", i, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	snap.ID = id
	snap.RuleCount = len(snap.Rules)
	snap.ModCount = len(snap.Mods)

	log.Debug().
		Str("address", snap.Address).
		Int64("snapshot_id", id).
		Int("rules", snap.RuleCount).
		Int("mods", snap.ModCount).
		Msg("snapshot saved")
	return id, nil
}

const snapshotColumns = `id, address, fetched_at, latency_ms, has_mod_record,
	dlc_flag1, dlc_flag2, dlc_value1, dlc_value2, rule_count, mod_count`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSnapshot(row rowScanner) (*Snapshot, error) {
	var (
		s         Snapshot
		fetchedAt int64
	)
	if err := row.Scan(&s.ID, &s.Address, &fetchedAt, &s.LatencyMs, &s.HasModRecord,
		&s.DLC.Flags[0], &s.DLC.Flags[1], &s.DLC.Values[0], &s.DLC.Values[1],
		&s.RuleCount, &s.ModCount); err != nil {
		return nil, err
	}
	s.FetchedAt = time.UnixMilli(fetchedAt).UTC()
	return &s, nil
}

// LatestSnapshot returns the newest snapshot for addr with its rules and mods.
func (hs *HistoryStore) LatestSnapshot(ctx context.Context, addr string) (*Snapshot, error) {
	row := hs.db.QueryRowContext(ctx,
		"SELECT "+snapshotColumns+" FROM snapshots WHERE address = ? ORDER BY fetched_at DESC, id DESC LIMIT 1",
		addr)
	snap, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w for %s", ErrNoSnapshot, addr)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}

	if snap.Rules, err = hs.loadRules(ctx, snap.ID); err != nil {
		return nil, err
	}
	if snap.Mods, err = hs.loadMods(ctx, snap.ID); err != nil {
		return nil, err
	}
	return snap, nil
}

func (hs *HistoryStore) loadRules(ctx context.Context, id int64) ([]protocol.Rule, error) {
	rows, err := hs.db.QueryContext(ctx,
		"SELECT name, value FROM snapshot_rules WHERE snapshot_id = ? ORDER BY position", id)
	if err != nil {
		return nil, fmt.Errorf("failed to query rules: %w", err)
	}
	defer rows.Close()

	rules := make([]protocol.Rule, 0)
	for rows.Next() {
		var r protocol.Rule
		if err := rows.Scan(&r.Name, &r.Value); err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

func (hs *HistoryStore) loadMods(ctx context.Context, id int64) ([]protocol.Mod, error) {
	rows, err := hs.db.QueryContext(ctx,
		"SELECT mod_id, name FROM snapshot_mods WHERE snapshot_id = ? ORDER BY position", id)
	if err != nil {
		return nil, fmt.Errorf("failed to query mods: %w", err)
	}
	defer rows.Close()

	mods := make([]protocol.Mod, 0)
	for rows.Next() {
		var (
			m     protocol.Mod
			modID int64
		)
		if err := rows.Scan(&modID, &m.Name); err != nil {
			return nil, err
		}
		m.ID = uint32(modID)
		mods = append(mods, m)
	}
	return mods, rows.Err()
}

// ListSnapshots returns up to limit snapshot summaries for addr, newest first.
func (hs *HistoryStore) ListSnapshots(ctx context.Context, addr string, limit int) ([]Snapshot, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := hs.db.QueryContext(ctx,
		"SELECT "+snapshotColumns+" FROM snapshots WHERE address = ? ORDER BY fetched_at DESC, id DESC LIMIT ?",
		addr, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	defer rows.Close()

	snaps := make([]Snapshot, 0)
	for rows.Next() {
		s, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, *s)
	}
	return snaps, rows.Err()
}

// PruneOlderThan deletes snapshots fetched before cutoff and returns how many were removed.
func (hs *HistoryStore) PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := hs.db.ExecContext(ctx, "DELETE FROM snapshots WHERE fetched_at < ?", cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to prune snapshots: %w", err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}

	if removed > 0 {
		log.Info().
			Int64("removed", removed).
			Time("cutoff", cutoff).
			Msg("history pruned")
	}
	return removed, nil
}
