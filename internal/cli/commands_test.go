package cli

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/energizer-project/querycache/internal/cache"
	"github.com/energizer-project/querycache/internal/config"
	"github.com/energizer-project/querycache/internal/db"
	"github.com/energizer-project/querycache/internal/protocol"
)

type fakeCache struct {
	purged  bool
	flushed []string
}

func (f *fakeCache) Get(ctx context.Context, addr string) (*cache.Entry, error) {
	return &cache.Entry{
		Address:   addr,
		FetchedAt: time.Now(),
		Reply: &protocol.RulesReply{
			Rules:        []protocol.Rule{{Name: "map", Value: "dm1"}, {Name: "sv_cheats", Value: "0"}},
			Mods:         []protocol.Mod{{ID: 42, Name: "Pack"}},
			HasModRecord: true,
			DLC:          protocol.DLCInfo{Flags: [2]byte{1, 0}, Values: [2]uint32{9, 0}},
		},
	}, nil
}

func (f *fakeCache) Refresh(ctx context.Context, addr string) (*cache.Entry, error) {
	return f.Get(ctx, addr)
}

func (f *fakeCache) Invalidate(addr string) bool {
	f.flushed = append(f.flushed, addr)
	return true
}

func (f *fakeCache) Purge() { f.purged = true }

func (f *fakeCache) Stats() cache.Stats {
	return cache.Stats{Entries: 1, Capacity: 16, Hits: 5, Misses: 2, TTLSec: 30}
}

type fakeHistory struct{}

func (fakeHistory) ListSnapshots(ctx context.Context, addr string, limit int) ([]db.Snapshot, error) {
	return []db.Snapshot{{ID: 7, Address: addr, FetchedAt: time.Now(), RuleCount: 2, ModCount: 1, LatencyMs: 12}}, nil
}

func newTestCLI(t *testing.T, fc *fakeCache, in string) (*CLI, *bytes.Buffer, *bool) {
	t.Helper()
	cfg, err := config.Load(filepath.Join(t.TempDir(), "config"))
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}
	out := &bytes.Buffer{}
	quit := false
	c := NewCLI(cfg, nil, fc, fakeHistory{}, strings.NewReader(in), out, func() { quit = true })
	return c, out, &quit
}

func TestRulesAndModsTables(t *testing.T) {
	c, out, _ := newTestCLI(t, &fakeCache{}, "")
	ctx := context.Background()

	if err := c.Execute(ctx, "rules", []string{"10.0.0.1:27015"}); err != nil {
		t.Fatalf("rules: %v", err)
	}
	if !strings.Contains(out.String(), "sv_cheats") || !strings.Contains(out.String(), "1 mods in manifest") {
		t.Fatalf("unexpected rules output:\n%s", out.String())
	}

	out.Reset()
	if err := c.Execute(ctx, "mods", []string{"10.0.0.1:27015"}); err != nil {
		t.Fatalf("mods: %v", err)
	}
	if !strings.Contains(out.String(), "Pack") || !strings.Contains(out.String(), "DLC flags 1/0 values 9/0") {
		t.Fatalf("unexpected mods output:\n%s", out.String())
	}

	if err := c.Execute(ctx, "rules", nil); err == nil {
		t.Fatalf("expected error without address")
	}
}

func TestHistoryAndStats(t *testing.T) {
	c, out, _ := newTestCLI(t, &fakeCache{}, "")
	ctx := context.Background()

	if err := c.Execute(ctx, "history", []string{"10.0.0.1:27015", "5"}); err != nil {
		t.Fatalf("history: %v", err)
	}
	if !strings.Contains(out.String(), "12ms") {
		t.Fatalf("unexpected history output:\n%s", out.String())
	}
	if err := c.Execute(ctx, "history", []string{"10.0.0.1:27015", "x"}); err == nil {
		t.Fatalf("expected error for bad count")
	}

	out.Reset()
	if err := c.Execute(ctx, "stats", nil); err != nil {
		t.Fatalf("stats: %v", err)
	}
	if !strings.Contains(out.String(), "30s") {
		t.Fatalf("unexpected stats output:\n%s", out.String())
	}
}

func TestFlush(t *testing.T) {
	fc := &fakeCache{}
	c, _, _ := newTestCLI(t, fc, "")
	ctx := context.Background()

	if err := c.Execute(ctx, "flush", []string{"10.0.0.1"}); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if err := c.Execute(ctx, "flush", []string{"all"}); err != nil {
		t.Fatalf("flush all: %v", err)
	}
	if len(fc.flushed) != 1 || !fc.purged {
		t.Fatalf("expected one flush and a purge, got %v purged=%v", fc.flushed, fc.purged)
	}
}

func TestSetConfig(t *testing.T) {
	c, _, _ := newTestCLI(t, &fakeCache{}, "")
	ctx := context.Background()

	if err := c.Execute(ctx, "set", []string{"query.retries", "4"}); err != nil {
		t.Fatalf("set: %v", err)
	}
	if c.cfg.GetQuery().Retries != 4 {
		t.Fatalf("expected retries 4, got %d", c.cfg.GetQuery().Retries)
	}

	if err := c.Execute(ctx, "set", []string{"logging.level", "debug"}); err != nil {
		t.Fatalf("set string: %v", err)
	}
	if c.cfg.GetLogging().Level != "debug" {
		t.Fatalf("expected level debug")
	}

	if err := c.Execute(ctx, "set", []string{"api.port", "70000"}); err == nil {
		t.Fatalf("expected validation error")
	}
	if c.cfg.GetAPI().Port != config.DefaultAPIPort {
		t.Fatalf("invalid value must be rolled back, got %d", c.cfg.GetAPI().Port)
	}

	if err := c.Execute(ctx, "set", []string{"retries", "4"}); err == nil {
		t.Fatalf("expected error for field without section")
	}
}

func TestStartRunsUntilQuit(t *testing.T) {
	c, out, quit := newTestCLI(t, &fakeCache{}, "help\n\nbogus\nquit\nstats\n")

	done := make(chan struct{})
	go func() {
		c.Start(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("console did not stop on quit")
	}

	if !*quit {
		t.Fatalf("expected quit callback")
	}
	if !strings.Contains(out.String(), "Unknown command: 'bogus'") {
		t.Fatalf("unexpected output:\n%s", out.String())
	}
	if strings.Contains(out.String(), "Capacity") {
		t.Fatalf("commands after quit must not run")
	}
}
