package cooldown

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestStore_RecordAndLoad(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)
	until := time.Now().Add(time.Hour).Truncate(time.Second)

	if err := s.Record("gemini", "gemini-2.0-flash", until); err != nil {
		t.Fatal(err)
	}
	blocked, err := s.LoadBlocked()
	if err != nil {
		t.Fatal(err)
	}
	if len(blocked) != 1 || blocked[0].Provider != "gemini" || blocked[0].Model != "gemini-2.0-flash" {
		t.Fatalf("unexpected entries: %+v", blocked)
	}
	if !blocked[0].Until.Equal(until) {
		t.Errorf("until = %v, want %v", blocked[0].Until, until)
	}
	if !s.IsBlocked("gemini", "gemini-2.0-flash") || s.IsBlocked("gemini", "other") {
		t.Error("IsBlocked mismatch")
	}
}

func TestStore_KeepsLaterDeadline(t *testing.T) {
	s := New(t.TempDir())
	later := time.Now().Add(2 * time.Hour).Truncate(time.Second)
	if err := s.Record("together", "llama", later); err != nil {
		t.Fatal(err)
	}
	if err := s.Record("together", "llama", time.Now().Add(time.Minute)); err != nil {
		t.Fatal(err)
	}
	blocked, _ := s.LoadBlocked()
	if len(blocked) != 1 || !blocked[0].Until.Equal(later) {
		t.Fatalf("earlier deadline must not shorten cooldown: %+v", blocked)
	}
}

func TestStore_PrunesExpired(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)
	base := time.Now()
	if err := s.Record("openrouter", "m", base.Add(time.Minute)); err != nil {
		t.Fatal(err)
	}
	s.now = func() time.Time { return base.Add(2 * time.Minute) }

	blocked, err := s.LoadBlocked()
	if err != nil {
		t.Fatal(err)
	}
	if len(blocked) != 0 {
		t.Fatalf("expected expired entry to be pruned, got %+v", blocked)
	}
	data, err := os.ReadFile(filepath.Join(dir, cooldownsFilename))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "{}" {
		t.Errorf("pruned file should be empty, got %s", data)
	}
}

func TestStore_EmptyDirDisabled(t *testing.T) {
	s := New("")
	if err := s.Record("gemini", "m", time.Now().Add(time.Hour)); err != nil {
		t.Fatal(err)
	}
	blocked, err := s.LoadBlocked()
	if err != nil || blocked != nil {
		t.Fatalf("disabled store: %+v, %v", blocked, err)
	}
}

func TestStore_ConcurrentWriters(t *testing.T) {
	s := New(t.TempDir())
	until := time.Now().Add(time.Hour)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = s.Record("p", string(rune('a'+i)), until)
		}(i)
	}
	wg.Wait()
	blocked, err := s.LoadBlocked()
	if err != nil {
		t.Fatal(err)
	}
	if len(blocked) != 8 {
		t.Errorf("expected 8 entries, got %d", len(blocked))
	}
}

func TestStore_Clear(t *testing.T) {
	s := New(t.TempDir())
	_ = s.Record("anthropic", "claude", time.Now().Add(time.Hour))
	if err := s.Clear("anthropic", "claude"); err != nil {
		t.Fatal(err)
	}
	if s.IsBlocked("anthropic", "claude") {
		t.Error("entry should be cleared")
	}
}
