// Package cache stores recognition results keyed by (fingerprint, provider) in
// SQLite with an in-memory LRU in front.
package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/loqalabs/loqa-asr/internal/asr"
	"github.com/loqalabs/loqa-asr/internal/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	_ "modernc.org/sqlite"
)

const stripes = 64

// Entry describes a cached result without its payload.
type Entry struct {
	Fingerprint asr.Fingerprint
	Provider    asr.ProviderID
	CreatedAt   time.Time
}

// Predicate selects entries for Purge. A nil Predicate selects everything.
type Predicate func(Entry) bool

// OlderThan selects entries written before cutoff.
func OlderThan(cutoff time.Time) Predicate {
	return func(e Entry) bool { return e.CreatedAt.Before(cutoff) }
}

// ForProvider selects entries of one provider.
func ForProvider(id asr.ProviderID) Predicate {
	return func(e Entry) bool { return e.Provider == id }
}

type key struct {
	fp       asr.Fingerprint
	provider asr.ProviderID
}

type memEntry struct {
	payload []byte
	created time.Time
}

// Cache implements asr.ResultCache. It is safe for concurrent use; writes to
// the same key are serialized.
type Cache struct {
	cfg   config.CacheConfig
	db    *sql.DB
	mem   *lru.Cache[key, memEntry]
	locks [stripes]sync.Mutex
	log   *slog.Logger
	clock func() time.Time

	purged metric.Int64Counter
}

var _ asr.ResultCache = (*Cache)(nil)

// Open builds the cache for cfg.Mode. In sqlite mode the database file and its
// directory are created as needed.
func Open(ctx context.Context, cfg config.CacheConfig, log *slog.Logger) (*Cache, error) {
	c := &Cache{cfg: cfg, log: log.With(slog.String("component", "asr-cache")), clock: time.Now}
	if counter, err := otel.Meter("github.com/loqalabs/loqa-asr/cache").Int64Counter("loqa.asr.cache.purged",
		metric.WithDescription("Result cache entries removed by purge or expiry")); err == nil {
		c.purged = counter
	}

	switch cfg.Mode {
	case config.CacheDisabled:
		return c, nil
	case config.CacheMemory, config.CacheSQLite:
	default:
		return nil, fmt.Errorf("unknown cache mode %q", cfg.Mode)
	}

	if cfg.MemoryEntries > 0 {
		mem, err := lru.New[key, memEntry](cfg.MemoryEntries)
		if err != nil {
			return nil, fmt.Errorf("create memory tier: %w", err)
		}
		c.mem = mem
	}
	if cfg.Mode == config.CacheMemory {
		return c, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create cache dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	c.db = db

	if err := c.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("init cache schema: %w", err)
	}
	c.log.Info("result cache opened", slog.String("mode", cfg.Mode), slog.String("path", cfg.Path), slog.Int("memory_entries", cfg.MemoryEntries))
	return c, nil
}

func (c *Cache) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS results (
    fingerprint TEXT NOT NULL,
    provider TEXT NOT NULL,
    payload BLOB NOT NULL,
    created_at INTEGER NOT NULL,
    PRIMARY KEY (fingerprint, provider)
);
CREATE INDEX IF NOT EXISTS idx_results_created ON results(created_at);
`
	_, err := c.db.ExecContext(ctx, ddl)
	return err
}

// Close releases the database. Pending writes are already durable.
func (c *Cache) Close() error {
	if c.db == nil {
		return nil
	}
	return c.db.Close()
}

func (c *Cache) lock(k key) *sync.Mutex {
	h := xxhash.New()
	_, _ = h.WriteString(string(k.fp))
	_, _ = h.WriteString("\x00")
	_, _ = h.WriteString(string(k.provider))
	return &c.locks[h.Sum64()%stripes]
}

// Lookup returns the stored result for (fp, provider). A missing key is not an
// error. A stored entry that cannot be decoded is reported as a miss with an
// ErrCacheIO error.
func (c *Cache) Lookup(ctx context.Context, fp asr.Fingerprint, provider asr.ProviderID) (asr.Result, bool, error) {
	if c.cfg.Mode == config.CacheDisabled {
		return asr.Result{}, false, nil
	}
	k := key{fp: fp, provider: provider}
	if c.mem != nil {
		if e, ok := c.mem.Get(k); ok {
			return decode(k, e.payload)
		}
	}
	if c.db == nil {
		return asr.Result{}, false, nil
	}

	// Held so a concurrent Store cannot be overwritten in memory by the older
	// row read here, and a purge cannot be undone by it.
	mu := c.lock(k)
	mu.Lock()
	defer mu.Unlock()

	var payload []byte
	var created int64
	err := c.db.QueryRowContext(ctx,
		`SELECT payload, created_at FROM results WHERE fingerprint = ? AND provider = ?`,
		string(fp), string(provider)).Scan(&payload, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return asr.Result{}, false, nil
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return asr.Result{}, false, ctxErr
		}
		return asr.Result{}, false, fmt.Errorf("%w: lookup: %v", asr.ErrCacheIO, err)
	}
	res, ok, err := decode(k, payload)
	if ok && c.mem != nil {
		c.mem.Add(k, memEntry{payload: payload, created: time.Unix(0, created)})
	}
	return res, ok, err
}

func decode(k key, payload []byte) (asr.Result, bool, error) {
	var res asr.Result
	if err := json.Unmarshal(payload, &res); err != nil {
		return asr.Result{}, false, fmt.Errorf("%w: decode entry %s/%s: %v", asr.ErrCacheIO, k.provider, k.fp.Short(), err)
	}
	if res.Fingerprint() != k.fp || res.Provider() != k.provider {
		return asr.Result{}, false, fmt.Errorf("%w: entry %s/%s holds %s/%s", asr.ErrCacheIO, k.provider, k.fp.Short(), res.Provider(), res.Fingerprint().Short())
	}
	return res, true, nil
}

// Store replaces the entry for (fp, provider). The SQLite upsert is a single
// statement, so readers see either the old or the new row. When max_entries is
// set the oldest rows beyond the bound are evicted afterwards.
func (c *Cache) Store(ctx context.Context, fp asr.Fingerprint, provider asr.ProviderID, result asr.Result) error {
	if c.cfg.Mode == config.CacheDisabled {
		return nil
	}
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("%w: encode result: %v", asr.ErrCacheIO, err)
	}
	if err := c.put(ctx, key{fp: fp, provider: provider}, payload); err != nil {
		return err
	}
	if c.db != nil && c.cfg.MaxEntries > 0 {
		if n, err := c.trim(ctx, c.cfg.MaxEntries); err != nil {
			c.log.Warn("cache trim failed", slog.String("error", err.Error()))
		} else if n > 0 {
			c.log.Debug("cache trimmed", slog.Int("evicted", n), slog.Int("max_entries", c.cfg.MaxEntries))
		}
	}
	return nil
}

func (c *Cache) put(ctx context.Context, k key, payload []byte) error {
	now := c.clock()

	mu := c.lock(k)
	mu.Lock()
	defer mu.Unlock()

	if c.db != nil {
		_, err := c.db.ExecContext(ctx,
			`INSERT INTO results(fingerprint, provider, payload, created_at) VALUES(?, ?, ?, ?)
			 ON CONFLICT(fingerprint, provider) DO UPDATE SET payload=excluded.payload, created_at=excluded.created_at`,
			string(k.fp), string(k.provider), payload, now.UnixNano())
		if err != nil {
			if c.mem != nil {
				c.mem.Remove(k)
			}
			return fmt.Errorf("%w: store: %v", asr.ErrCacheIO, err)
		}
	}
	if c.mem != nil {
		c.mem.Add(k, memEntry{payload: payload, created: now})
	}
	return nil
}

// trim deletes the oldest rows until at most limit remain and drops them from
// the memory tier.
func (c *Cache) trim(ctx context.Context, limit int) (int, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT fingerprint, provider, created_at FROM results ORDER BY created_at DESC, rowid DESC LIMIT -1 OFFSET ?`, limit)
	if err != nil {
		return 0, fmt.Errorf("%w: trim scan: %v", asr.ErrCacheIO, err)
	}
	type row struct {
		k       key
		created int64
	}
	var victims []row
	for rows.Next() {
		var fp, provider string
		var created int64
		if err := rows.Scan(&fp, &provider, &created); err != nil {
			rows.Close()
			return 0, fmt.Errorf("%w: trim scan: %v", asr.ErrCacheIO, err)
		}
		victims = append(victims, row{k: key{fp: asr.Fingerprint(fp), provider: asr.ProviderID(provider)}, created: created})
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, fmt.Errorf("%w: trim scan: %v", asr.ErrCacheIO, err)
	}
	rows.Close()

	n := 0
	for _, v := range victims {
		evicted, err := c.evict(ctx, v.k, v.created)
		if err != nil {
			return n, err
		}
		if evicted {
			n++
		}
	}
	if n > 0 && c.purged != nil {
		c.purged.Add(ctx, int64(n))
	}
	return n, nil
}

// evict removes k if its row still carries created.
func (c *Cache) evict(ctx context.Context, k key, created int64) (bool, error) {
	mu := c.lock(k)
	mu.Lock()
	defer mu.Unlock()

	res, err := c.db.ExecContext(ctx,
		`DELETE FROM results WHERE fingerprint = ? AND provider = ? AND created_at = ?`,
		string(k.fp), string(k.provider), created)
	if err != nil {
		return false, fmt.Errorf("%w: trim: %v", asr.ErrCacheIO, err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return false, nil
	}
	if c.mem != nil {
		c.mem.Remove(k)
	}
	return true, nil
}

// Purge removes the entries selected by pred, or all entries when pred is nil,
// and reports how many were removed.
func (c *Cache) Purge(ctx context.Context, pred Predicate) (int, error) {
	if c.cfg.Mode == config.CacheDisabled {
		return 0, nil
	}
	var (
		n   int
		err error
	)
	if c.db != nil {
		n, err = c.purgeDB(ctx, pred)
		if err != nil {
			return 0, err
		}
		if c.mem != nil {
			c.purgeMem(pred)
		}
	} else {
		n = c.purgeMem(pred)
	}

	if n > 0 && c.purged != nil {
		c.purged.Add(ctx, int64(n))
	}
	if c.db != nil && c.cfg.VacuumOnPurge && n > 0 {
		if _, err := c.db.ExecContext(ctx, "VACUUM"); err != nil {
			c.log.Warn("cache vacuum failed", slog.String("error", err.Error()))
		}
	}
	c.log.Info("result cache purged", slog.Int("removed", n), slog.Bool("all", pred == nil))
	return n, nil
}

func (c *Cache) purgeDB(ctx context.Context, pred Predicate) (int, error) {
	if pred == nil {
		res, err := c.db.ExecContext(ctx, `DELETE FROM results`)
		if err != nil {
			return 0, fmt.Errorf("%w: purge: %v", asr.ErrCacheIO, err)
		}
		n, _ := res.RowsAffected()
		return int(n), nil
	}

	type row struct {
		k       key
		created int64
	}
	rows, err := c.db.QueryContext(ctx, `SELECT fingerprint, provider, created_at FROM results`)
	if err != nil {
		return 0, fmt.Errorf("%w: purge scan: %v", asr.ErrCacheIO, err)
	}
	var victims []row
	for rows.Next() {
		var fp, provider string
		var created int64
		if err := rows.Scan(&fp, &provider, &created); err != nil {
			rows.Close()
			return 0, fmt.Errorf("%w: purge scan: %v", asr.ErrCacheIO, err)
		}
		e := Entry{Fingerprint: asr.Fingerprint(fp), Provider: asr.ProviderID(provider), CreatedAt: time.Unix(0, created)}
		if pred(e) {
			victims = append(victims, row{k: key{fp: e.Fingerprint, provider: e.Provider}, created: created})
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, fmt.Errorf("%w: purge scan: %v", asr.ErrCacheIO, err)
	}
	rows.Close()
	if len(victims) == 0 {
		return 0, nil
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: purge: %v", asr.ErrCacheIO, err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()
	stmt, err := tx.PrepareContext(ctx, `DELETE FROM results WHERE fingerprint = ? AND provider = ? AND created_at = ?`)
	if err != nil {
		return 0, fmt.Errorf("%w: purge: %v", asr.ErrCacheIO, err)
	}
	defer stmt.Close()

	// The created_at guard keeps rows rewritten since the scan.
	n := 0
	for _, v := range victims {
		var res sql.Result
		res, err = stmt.ExecContext(ctx, string(v.k.fp), string(v.k.provider), v.created)
		if err != nil {
			return 0, fmt.Errorf("%w: purge: %v", asr.ErrCacheIO, err)
		}
		affected, _ := res.RowsAffected()
		n += int(affected)
	}
	if err = tx.Commit(); err != nil {
		return 0, fmt.Errorf("%w: purge commit: %v", asr.ErrCacheIO, err)
	}
	return n, nil
}

// purgeMem holds every stripe lock, so a Lookup that read a row before the
// DELETE has finished its read-through before the memory tier is swept.
func (c *Cache) purgeMem(pred Predicate) int {
	if c.mem == nil {
		return 0
	}
	for i := range c.locks {
		c.locks[i].Lock()
	}
	defer func() {
		for i := range c.locks {
			c.locks[i].Unlock()
		}
	}()

	if pred == nil {
		n := c.mem.Len()
		c.mem.Purge()
		return n
	}
	n := 0
	for _, k := range c.mem.Keys() {
		e, ok := c.mem.Peek(k)
		if !ok {
			continue
		}
		if pred(Entry{Fingerprint: k.fp, Provider: k.provider, CreatedAt: e.created}) {
			if c.mem.Remove(k) {
				n++
			}
		}
	}
	return n
}

// ExpireIfOlderThan purges entries written more than maxAge ago.
func (c *Cache) ExpireIfOlderThan(ctx context.Context, maxAge time.Duration) (int, error) {
	return c.Purge(ctx, OlderThan(c.clock().Add(-maxAge)))
}

// Len counts stored entries in the authoritative tier.
func (c *Cache) Len(ctx context.Context) (int, error) {
	switch {
	case c.db != nil:
		var n int
		if err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM results`).Scan(&n); err != nil {
			return 0, fmt.Errorf("%w: count: %v", asr.ErrCacheIO, err)
		}
		return n, nil
	case c.mem != nil:
		return c.mem.Len(), nil
	}
	return 0, nil
}

// RunExpiry expires old entries immediately and then every interval until ctx
// is done.
func (c *Cache) RunExpiry(ctx context.Context, maxAge, interval time.Duration) {
	sweep := func() {
		if _, err := c.ExpireIfOlderThan(ctx, maxAge); err != nil && ctx.Err() == nil {
			c.log.Warn("cache expiry failed", slog.String("error", err.Error()))
		}
	}
	sweep()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweep()
		}
	}
}
