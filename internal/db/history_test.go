package db

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/energizer-project/querycache/internal/protocol"
)

func openTestStore(t *testing.T) *HistoryStore {
	t.Helper()
	hs, err := NewHistoryStore(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("NewHistoryStore: %v", err)
	}
	t.Cleanup(func() { hs.Close() })
	return hs
}

func sampleReply() *protocol.RulesReply {
	return &protocol.RulesReply{
		Header: protocol.A2SRulesReply,
		Rules: []protocol.Rule{
			{Name: "map", Value: "dm1"},
			{Name: "map", Value: "dm2"},
			{Name: "sv_cheats", Value: "0"},
		},
		Mods: []protocol.Mod{
			{ID: 42, Name: "Pack"},
			{ID: 0xFFFFFFFF, Name: "Max"},
		},
		DLC:          protocol.DLCInfo{Flags: [2]byte{1, 0}, Values: [2]uint32{7, 0}},
		HasModRecord: true,
	}
}

func TestSaveAndLatestSnapshot(t *testing.T) {
	hs := openTestStore(t)
	ctx := context.Background()
	fetched := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	id, err := hs.SaveSnapshot(ctx, NewSnapshot("10.0.0.1:27015", sampleReply(), fetched, 35*time.Millisecond))
	if err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}
	if id == 0 {
		t.Fatalf("expected a snapshot id")
	}

	snap, err := hs.LatestSnapshot(ctx, "10.0.0.1:27015")
	if err != nil {
		t.Fatalf("LatestSnapshot: %v", err)
	}
	if !snap.FetchedAt.Equal(fetched) || snap.LatencyMs != 35 {
		t.Fatalf("unexpected metadata: %+v", snap)
	}
	if len(snap.Rules) != 3 || snap.Rules[1].Value != "dm2" {
		t.Fatalf("rules not preserved in order: %+v", snap.Rules)
	}
	if len(snap.Mods) != 2 || snap.Mods[1].ID != 0xFFFFFFFF || snap.Mods[0].Name != "Pack" {
		t.Fatalf("mods not preserved: %+v", snap.Mods)
	}
	if !snap.HasModRecord || snap.DLC.Flags[0] != 1 || snap.DLC.Values[0] != 7 {
		t.Fatalf("mod record metadata not preserved: %+v", snap)
	}
}

func TestLatestSnapshotMissing(t *testing.T) {
	hs := openTestStore(t)

	_, err := hs.LatestSnapshot(context.Background(), "10.0.0.9:27015")
	if !errors.Is(err, ErrNoSnapshot) {
		t.Fatalf("expected ErrNoSnapshot, got %v", err)
	}
}

func TestListSnapshotsNewestFirst(t *testing.T) {
	hs := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		snap := NewSnapshot("10.0.0.1:27015", sampleReply(), base.Add(time.Duration(i)*time.Minute), 0)
		if _, err := hs.SaveSnapshot(ctx, snap); err != nil {
			t.Fatalf("SaveSnapshot: %v", err)
		}
	}
	if _, err := hs.SaveSnapshot(ctx, NewSnapshot("10.0.0.2:27015", sampleReply(), base, 0)); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}

	snaps, err := hs.ListSnapshots(ctx, "10.0.0.1:27015", 2)
	if err != nil {
		t.Fatalf("ListSnapshots: %v", err)
	}
	if len(snaps) != 2 {
		t.Fatalf("expected 2 snapshots, got %d", len(snaps))
	}
	if !snaps[0].FetchedAt.After(snaps[1].FetchedAt) {
		t.Fatalf("expected newest first")
	}
	if snaps[0].RuleCount != 3 || snaps[0].ModCount != 2 || snaps[0].Rules != nil {
		t.Fatalf("expected summary only: %+v", snaps[0])
	}
}

func TestPruneOlderThan(t *testing.T) {
	hs := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	old := NewSnapshot("10.0.0.1:27015", sampleReply(), now.Add(-48*time.Hour), 0)
	fresh := NewSnapshot("10.0.0.1:27015", sampleReply(), now, 0)
	for _, s := range []*Snapshot{old, fresh} {
		if _, err := hs.SaveSnapshot(ctx, s); err != nil {
			t.Fatalf("SaveSnapshot: %v", err)
		}
	}

	removed, err := hs.PruneOlderThan(ctx, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("PruneOlderThan: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}

	var orphans int
	if err := hs.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM snapshot_rules WHERE snapshot_id = ?", old.ID).Scan(&orphans); err != nil {
		t.Fatalf("count: %v", err)
	}
	if orphans != 0 {
		t.Fatalf("expected cascade delete of rules, found %d", orphans)
	}

	snaps, err := hs.ListSnapshots(ctx, "10.0.0.1:27015", 10)
	if err != nil {
		t.Fatalf("ListSnapshots: %v", err)
	}
	if len(snaps) != 1 || snaps[0].ID != fresh.ID {
		t.Fatalf("expected only the fresh snapshot, got %+v", snaps)
	}
}
