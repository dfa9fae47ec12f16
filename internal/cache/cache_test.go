package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-asr/internal/asr"
	"github.com/loqalabs/loqa-asr/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openSQLite(t *testing.T, memEntries int) *Cache {
	t.Helper()
	cfg := config.CacheConfig{Mode: config.CacheSQLite, Path: filepath.Join(t.TempDir(), "cache", "asr.db"), MemoryEntries: memEntries}
	c, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open cache: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func result(t *testing.T, provider asr.ProviderID, audio string, text string) asr.Result {
	t.Helper()
	res, err := asr.NewResult(provider, asr.FingerprintOf([]byte(audio)), []asr.Segment{{StartMS: 0, EndMS: 1000, Text: text}})
	if err != nil {
		t.Fatal(err)
	}
	return res
}

func TestLookupMissIsNotError(t *testing.T) {
	for _, mode := range []string{config.CacheDisabled, config.CacheMemory, config.CacheSQLite} {
		t.Run(mode, func(t *testing.T) {
			cfg := config.CacheConfig{Mode: mode, Path: filepath.Join(t.TempDir(), "asr.db"), MemoryEntries: 8}
			c, err := Open(context.Background(), cfg, newLogger())
			if err != nil {
				t.Fatalf("open: %v", err)
			}
			t.Cleanup(func() { _ = c.Close() })
			_, ok, err := c.Lookup(context.Background(), asr.FingerprintOf([]byte("x")), asr.ProviderBcut)
			if err != nil || ok {
				t.Fatalf("expected clean miss, got ok=%v err=%v", ok, err)
			}
		})
	}
}

func TestStoreAndLookupSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "asr.db")
	cfg := config.CacheConfig{Mode: config.CacheSQLite, Path: path, MemoryEntries: 8}
	ctx := context.Background()

	c, err := Open(ctx, cfg, newLogger())
	if err != nil {
		t.Fatal(err)
	}
	res := result(t, asr.ProviderBcut, "audio", "hello")
	if err := c.Store(ctx, res.Fingerprint(), asr.ProviderBcut, res); err != nil {
		t.Fatalf("store: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}

	c, err = Open(ctx, cfg, newLogger())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = c.Close() })
	got, ok, err := c.Lookup(ctx, res.Fingerprint(), asr.ProviderBcut)
	if err != nil || !ok {
		t.Fatalf("expected hit after reopen, ok=%v err=%v", ok, err)
	}
	if got.Text() != "hello" {
		t.Fatalf("unexpected text %q", got.Text())
	}
}

func TestKeyIsolatesProviders(t *testing.T) {
	c := openSQLite(t, 8)
	ctx := context.Background()
	res := result(t, asr.ProviderBcut, "audio", "bcut")
	if err := c.Store(ctx, res.Fingerprint(), asr.ProviderBcut, res); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := c.Lookup(ctx, res.Fingerprint(), asr.ProviderJianYing); ok {
		t.Fatal("jianying lookup must not see the bcut entry")
	}
}

func TestStoreOverwrites(t *testing.T) {
	c := openSQLite(t, 0)
	ctx := context.Background()
	first := result(t, asr.ProviderBcut, "audio", "first")
	second := result(t, asr.ProviderBcut, "audio", "second")
	if err := c.Store(ctx, first.Fingerprint(), asr.ProviderBcut, first); err != nil {
		t.Fatal(err)
	}
	if err := c.Store(ctx, second.Fingerprint(), asr.ProviderBcut, second); err != nil {
		t.Fatal(err)
	}
	got, ok, err := c.Lookup(ctx, first.Fingerprint(), asr.ProviderBcut)
	if err != nil || !ok || got.Text() != "second" {
		t.Fatalf("expected overwritten entry, got %q ok=%v err=%v", got.Text(), ok, err)
	}
	if n, _ := c.Len(ctx); n != 1 {
		t.Fatalf("expected 1 row, got %d", n)
	}
}

func TestLookupRejectsMismatchedEntry(t *testing.T) {
	c := openSQLite(t, 0)
	ctx := context.Background()
	res := result(t, asr.ProviderBcut, "audio", "hello")
	other := asr.FingerprintOf([]byte("other"))
	if err := c.Store(ctx, other, asr.ProviderBcut, res); err != nil {
		t.Fatal(err)
	}
	_, ok, err := c.Lookup(ctx, other, asr.ProviderBcut)
	if ok || !errors.Is(err, asr.ErrCacheIO) {
		t.Fatalf("expected cache io miss, got ok=%v err=%v", ok, err)
	}
}

func TestStoreFailureIsCacheIO(t *testing.T) {
	c := openSQLite(t, 8)
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	res := result(t, asr.ProviderBcut, "audio", "hello")
	err := c.Store(context.Background(), res.Fingerprint(), asr.ProviderBcut, res)
	if !errors.Is(err, asr.ErrCacheIO) {
		t.Fatalf("expected cache io error, got %v", err)
	}
	if c.mem.Len() != 0 {
		t.Fatal("failed store must not populate the memory tier")
	}
}

func TestPurgeAllAndPredicate(t *testing.T) {
	c := openSQLite(t, 8)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		for _, p := range []asr.ProviderID{asr.ProviderBcut, asr.ProviderJianYing} {
			res := result(t, p, fmt.Sprint(i), "x")
			if err := c.Store(ctx, res.Fingerprint(), p, res); err != nil {
				t.Fatal(err)
			}
		}
	}
	n, err := c.Purge(ctx, ForProvider(asr.ProviderJianYing))
	if err != nil || n != 3 {
		t.Fatalf("expected 3 removed, got %d err=%v", n, err)
	}
	fp := asr.FingerprintOf([]byte("0"))
	if _, ok, _ := c.Lookup(ctx, fp, asr.ProviderJianYing); ok {
		t.Fatal("purged entry still visible through the memory tier")
	}
	if _, ok, _ := c.Lookup(ctx, fp, asr.ProviderBcut); !ok {
		t.Fatal("unselected entry was purged")
	}
	n, err = c.Purge(ctx, nil)
	if err != nil || n != 3 {
		t.Fatalf("expected 3 removed, got %d err=%v", n, err)
	}
	if total, _ := c.Len(ctx); total != 0 {
		t.Fatalf("expected empty cache, got %d", total)
	}
}

func TestExpireIfOlderThan(t *testing.T) {
	for _, mode := range []string{config.CacheMemory, config.CacheSQLite} {
		t.Run(mode, func(t *testing.T) {
			cfg := config.CacheConfig{Mode: mode, Path: filepath.Join(t.TempDir(), "asr.db"), MemoryEntries: 8, VacuumOnPurge: true}
			c, err := Open(context.Background(), cfg, newLogger())
			if err != nil {
				t.Fatal(err)
			}
			t.Cleanup(func() { _ = c.Close() })
			ctx := context.Background()

			c.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
			old := result(t, asr.ProviderBcut, "old", "old")
			if err := c.Store(ctx, old.Fingerprint(), asr.ProviderBcut, old); err != nil {
				t.Fatal(err)
			}
			c.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
			fresh := result(t, asr.ProviderBcut, "fresh", "fresh")
			if err := c.Store(ctx, fresh.Fingerprint(), asr.ProviderBcut, fresh); err != nil {
				t.Fatal(err)
			}

			n, err := c.ExpireIfOlderThan(ctx, 24*time.Hour)
			if err != nil || n != 1 {
				t.Fatalf("expected 1 expired, got %d err=%v", n, err)
			}
			if _, ok, _ := c.Lookup(ctx, old.Fingerprint(), asr.ProviderBcut); ok {
				t.Fatal("expired entry still present")
			}
			if _, ok, _ := c.Lookup(ctx, fresh.Fingerprint(), asr.ProviderBcut); !ok {
				t.Fatal("fresh entry was expired")
			}
		})
	}
}

func TestMemoryTierIsBounded(t *testing.T) {
	c, err := Open(context.Background(), config.CacheConfig{Mode: config.CacheMemory, MemoryEntries: 2}, newLogger())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	for _, audio := range []string{"a", "b", "c"} {
		res := result(t, asr.ProviderBcut, audio, audio)
		if err := c.Store(ctx, res.Fingerprint(), asr.ProviderBcut, res); err != nil {
			t.Fatal(err)
		}
	}
	if n, _ := c.Len(ctx); n != 2 {
		t.Fatalf("expected 2 entries, got %d", n)
	}
	if _, ok, _ := c.Lookup(ctx, asr.FingerprintOf([]byte("a")), asr.ProviderBcut); ok {
		t.Fatal("least recently used entry should be evicted")
	}
}

func TestSQLiteTierEvictsOldest(t *testing.T) {
	cfg := config.CacheConfig{Mode: config.CacheSQLite, Path: filepath.Join(t.TempDir(), "asr.db"), MemoryEntries: 8, MaxEntries: 2}
	c, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = c.Close() })
	ctx := context.Background()

	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, audio := range []string{"a", "b", "c"} {
		c.clock = func() time.Time { return base.Add(time.Duration(i) * time.Minute) }
		res := result(t, asr.ProviderBcut, audio, audio)
		if err := c.Store(ctx, res.Fingerprint(), asr.ProviderBcut, res); err != nil {
			t.Fatal(err)
		}
	}
	if n, _ := c.Len(ctx); n != 2 {
		t.Fatalf("expected 2 rows, got %d", n)
	}
	if _, ok, _ := c.Lookup(ctx, asr.FingerprintOf([]byte("a")), asr.ProviderBcut); ok {
		t.Fatal("oldest entry should be evicted from both tiers")
	}
	for _, audio := range []string{"b", "c"} {
		if _, ok, err := c.Lookup(ctx, asr.FingerprintOf([]byte(audio)), asr.ProviderBcut); !ok || err != nil {
			t.Fatalf("entry %q should survive: ok=%v err=%v", audio, ok, err)
		}
	}
}

func TestPurgeWaitsForReadThrough(t *testing.T) {
	for name, pred := range map[string]Predicate{"all": nil, "provider": ForProvider(asr.ProviderBcut)} {
		t.Run(name, func(t *testing.T) {
			c := openSQLite(t, 8)
			ctx := context.Background()
			res := result(t, asr.ProviderBcut, "audio", "hello")
			if err := c.Store(ctx, res.Fingerprint(), asr.ProviderBcut, res); err != nil {
				t.Fatal(err)
			}
			k := key{fp: res.Fingerprint(), provider: asr.ProviderBcut}
			stale, _ := c.mem.Peek(k)

			// Stand in for a Lookup that read the row before the DELETE and has
			// not yet written it to the memory tier.
			mu := c.lock(k)
			mu.Lock()
			done := make(chan error, 1)
			go func() {
				_, err := c.Purge(ctx, pred)
				done <- err
			}()
			deadline := time.Now().Add(5 * time.Second)
			for {
				if n, _ := c.Len(ctx); n == 0 {
					break
				}
				if time.Now().After(deadline) {
					mu.Unlock()
					t.Fatal("purge did not delete the row")
				}
				time.Sleep(5 * time.Millisecond)
			}
			c.mem.Add(k, stale)
			mu.Unlock()

			if err := <-done; err != nil {
				t.Fatalf("purge: %v", err)
			}
			if _, ok, _ := c.Lookup(ctx, res.Fingerprint(), asr.ProviderBcut); ok {
				t.Fatal("purged entry came back through the memory tier")
			}
		})
	}
}

func TestConcurrentSameKeyWrites(t *testing.T) {
	c := openSQLite(t, 4)
	ctx := context.Background()
	fp := asr.FingerprintOf([]byte("audio"))

	writes := make([]asr.Result, 16)
	for i := range writes {
		writes[i] = result(t, asr.ProviderBcut, "audio", fmt.Sprintf("w%d", i))
	}

	var wg sync.WaitGroup
	for _, res := range writes {
		wg.Add(1)
		go func(res asr.Result) {
			defer wg.Done()
			if err := c.Store(ctx, fp, asr.ProviderBcut, res); err != nil {
				t.Errorf("store: %v", err)
			}
			if _, ok, err := c.Lookup(ctx, fp, asr.ProviderBcut); err != nil || !ok {
				t.Errorf("lookup after store: ok=%v err=%v", ok, err)
			}
		}(res)
	}
	wg.Wait()

	got, ok, err := c.Lookup(ctx, fp, asr.ProviderBcut)
	if err != nil || !ok {
		t.Fatalf("expected final entry, ok=%v err=%v", ok, err)
	}
	// The memory tier must agree with the authoritative row.
	c.mem.Purge()
	durable, _, _ := c.Lookup(ctx, fp, asr.ProviderBcut)
	if got.Text() != durable.Text() {
		t.Fatalf("memory tier %q diverged from sqlite %q", got.Text(), durable.Text())
	}
}

func TestRunExpiryStopsWithContext(t *testing.T) {
	c := openSQLite(t, 0)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.RunExpiry(ctx, time.Hour, 10*time.Millisecond)
		close(done)
	}()
	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}
