package util

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"
)

func TestGetSystemInfo(t *testing.T) {
	info := GetSystemInfo()
	if info.Architecture != runtime.GOARCH {
		t.Fatalf("expected arch %s, got %s", runtime.GOARCH, info.Architecture)
	}
	if info.CPUCores < 1 {
		t.Fatalf("expected at least one core")
	}
}

func TestGetProcessStats(t *testing.T) {
	stats := GetProcessStats()
	if int(stats.PID) != os.Getpid() {
		t.Fatalf("expected pid %d, got %d", os.Getpid(), stats.PID)
	}
	if stats.Goroutines < 1 {
		t.Fatalf("expected goroutine count")
	}
}

func TestCleanOldLogsKeepsNewest(t *testing.T) {
	dir := t.TempDir()
	for _, day := range []string{"2026-01-01", "2026-01-02", "2026-01-03"} {
		name := filepath.Join(dir, "querycache_"+day+".log")
		if err := os.WriteFile(name, []byte("{}\n"), 0644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), nil, 0644); err != nil {
		t.Fatal(err)
	}

	cleanOldLogs(dir, 2)

	if _, err := os.Stat(filepath.Join(dir, "querycache_2026-01-01.log")); !os.IsNotExist(err) {
		t.Fatalf("expected oldest log removed")
	}
	for _, keep := range []string{"querycache_2026-01-03.log", "querycache_2026-01-02.log", "notes.txt"} {
		if _, err := os.Stat(filepath.Join(dir, keep)); err != nil {
			t.Fatalf("expected %s kept: %v", keep, err)
		}
	}
}

func TestInitLoggerWritesFile(t *testing.T) {
	dir := t.TempDir()
	if err := InitLogger(LogConfig{Level: "debug", Directory: dir, MaxBackups: 5}); err != nil {
		t.Fatalf("InitLogger: %v", err)
	}
	// Let the background cleanup finish before TempDir removal.
	time.Sleep(20 * time.Millisecond)

	name := filepath.Join(dir, "querycache_"+time.Now().Format("2006-01-02")+".log")
	data, err := os.ReadFile(name)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if len(data) == 0 {
		t.Fatalf("expected the init message in the log file")
	}
}
