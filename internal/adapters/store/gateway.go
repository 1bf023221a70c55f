package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/mikey/llm-mail-triage/internal/core"
	"github.com/mikey/llm-mail-triage/internal/metrics"
)

//go:embed migrations
var migrations embed.FS

// ErrPoolTimeout is returned when no connection slot became free in time
var ErrPoolTimeout = core.ErrPoolTimeout

// Config configures the database gateway
type Config struct {
	Driver             string        `mapstructure:"driver"`
	DSN                string        `mapstructure:"dsn"`
	MaxConnections     int           `mapstructure:"max_connections"`
	AcquireTimeout     time.Duration `mapstructure:"acquire_timeout"`
	ConnMaxLifetime    time.Duration `mapstructure:"conn_max_lifetime"`
	SlowQueryThreshold time.Duration `mapstructure:"slow_query_threshold"`
	ReadCacheTTL       time.Duration `mapstructure:"read_cache_ttl"`
	ChunkSize          int           `mapstructure:"chunk_size"`
	Migrate            bool          `mapstructure:"migrate"`
}

// DefaultConfig returns the default gateway configuration
func DefaultConfig() Config {
	return Config{
		Driver:             "sqlite3",
		DSN:                "data/triage.db",
		MaxConnections:     10,
		AcquireTimeout:     5 * time.Second,
		ConnMaxLifetime:    30 * time.Minute,
		SlowQueryThreshold: 500 * time.Millisecond,
		ReadCacheTTL:       2 * time.Minute,
		ChunkSize:          50,
		Migrate:            true,
	}
}

type readEntry struct {
	emails  []core.EmailFeatures
	expires time.Time
}

// Gateway is the batch database gateway for emails, scores and usage records
type Gateway struct {
	db      *sql.DB
	dialect dialect
	cfg     Config
	sem     *semaphore.Weighted
	logger  *zap.Logger
	now     func() time.Time

	readMu    sync.Mutex
	reads     map[string]map[string]readEntry
	readSwept time.Time
}

// Open connects to the configured database and applies migrations
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (*Gateway, error) {
	d, err := dialectFor(cfg.Driver)
	if err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	if logger == nil {
		logger = zap.NewNop()
	}

	dsn, err := prepareDSN(d, cfg.DSN)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(d.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if d.driver == "sqlite3" {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		db.SetMaxOpenConns(cfg.MaxConnections)
		db.SetMaxIdleConns(cfg.MaxConnections)
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if cfg.Migrate {
		if err := migrate(ctx, db, d); err != nil {
			db.Close()
			return nil, err
		}
	}

	logger.Info("Database gateway ready",
		zap.String("driver", d.driver),
		zap.Int("max_connections", cfg.MaxConnections))
	return newGateway(db, d, cfg, logger), nil
}

func newGateway(db *sql.DB, d dialect, cfg Config, logger *zap.Logger) *Gateway {
	return &Gateway{
		db:      db,
		dialect: d,
		cfg:     cfg,
		sem:     semaphore.NewWeighted(int64(cfg.MaxConnections)),
		logger:  logger,
		now:     time.Now,
		reads:   make(map[string]map[string]readEntry),
	}
}

func applyDefaults(cfg *Config) {
	def := DefaultConfig()
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = def.MaxConnections
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = def.AcquireTimeout
	}
	if cfg.ConnMaxLifetime <= 0 {
		cfg.ConnMaxLifetime = def.ConnMaxLifetime
	}
	if cfg.SlowQueryThreshold <= 0 {
		cfg.SlowQueryThreshold = def.SlowQueryThreshold
	}
	if cfg.ReadCacheTTL <= 0 {
		cfg.ReadCacheTTL = def.ReadCacheTTL
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = def.ChunkSize
	}
}

func prepareDSN(d dialect, dsn string) (string, error) {
	switch d.driver {
	case "sqlite3":
		if dsn == "" || strings.HasPrefix(dsn, ":memory:") || strings.HasPrefix(dsn, "file:") {
			return dsn, nil
		}
		if dir := filepath.Dir(dsn); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return "", fmt.Errorf("failed to create database directory: %w", err)
			}
		}
		if strings.Contains(dsn, "?") {
			return dsn, nil
		}
		return dsn + "?_journal_mode=WAL&_busy_timeout=5000", nil
	case "mysql":
		mc, err := mysql.ParseDSN(dsn)
		if err != nil {
			return "", fmt.Errorf("failed to parse MySQL DSN: %w", err)
		}
		mc.ParseTime = true
		mc.Loc = time.UTC
		return mc.FormatDSN(), nil
	default:
		return dsn, nil
	}
}

func migrate(ctx context.Context, db *sql.DB, d dialect) error {
	fsys, err := fs.Sub(migrations, d.migrations)
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}
	provider, err := goose.NewProvider(d.goose, db, fsys)
	if err != nil {
		return fmt.Errorf("failed to create migration provider: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

// Close closes the database connection
func (g *Gateway) Close() error {
	return g.db.Close()
}

// Ping checks database connectivity
func (g *Gateway) Ping(ctx context.Context) error {
	release, err := g.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	return g.db.PingContext(ctx)
}

// acquire takes a connection slot, waiting at most AcquireTimeout
func (g *Gateway) acquire(ctx context.Context) (func(), error) {
	waitCtx, cancel := context.WithTimeout(ctx, g.cfg.AcquireTimeout)
	defer cancel()

	if err := g.sem.Acquire(waitCtx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		metrics.RecordPoolTimeout()
		return nil, fmt.Errorf("%w after %s", ErrPoolTimeout, g.cfg.AcquireTimeout)
	}
	return func() { g.sem.Release(1) }, nil
}

// observe records query latency and logs slow queries
func (g *Gateway) observe(query string, started time.Time) {
	elapsed := time.Since(started)
	slow := elapsed > g.cfg.SlowQueryThreshold
	metrics.RecordQuery(query, elapsed, slow)
	if slow {
		g.logger.Warn("Slow query",
			zap.String("query", query),
			zap.Duration("duration", elapsed),
			zap.Duration("threshold", g.cfg.SlowQueryThreshold))
	}
}

// FetchPending returns up to limit unscored emails for a user, oldest first
func (g *Gateway) FetchPending(ctx context.Context, userID string, limit int) ([]core.EmailFeatures, error) {
	if userID == "" {
		return nil, core.Validation(errors.New("user id is required"))
	}
	if limit <= 0 {
		return nil, core.Validation(fmt.Errorf("invalid limit %d", limit))
	}

	key := fmt.Sprintf("pending:%d", limit)
	if emails, ok := g.cachedRead(userID, key); ok {
		return emails, nil
	}

	release, err := g.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	started := time.Now()
	rows, err := g.db.QueryContext(ctx, g.dialect.rebind(`
		SELECT id, user_id, sender, subject, snippet, important, starred, unread, has_attachment, received_at
		FROM emails
		WHERE user_id = ? AND status = 'pending'
		ORDER BY received_at ASC, id ASC
		LIMIT ?`), userID, limit)
	if err != nil {
		g.observe("fetch_pending", started)
		return nil, core.Transient(fmt.Errorf("failed to query pending emails: %w", err))
	}
	defer rows.Close()

	var emails []core.EmailFeatures
	for rows.Next() {
		var e core.EmailFeatures
		if err := rows.Scan(&e.ID, &e.UserID, &e.From, &e.Subject, &e.Snippet,
			&e.Important, &e.Starred, &e.Unread, &e.HasAttachment, &e.ReceivedAt); err != nil {
			return nil, fmt.Errorf("failed to scan pending email: %w", err)
		}
		e.ReceivedAt = e.ReceivedAt.UTC()
		emails = append(emails, e)
	}
	if err := rows.Err(); err != nil {
		return nil, core.Transient(fmt.Errorf("failed to read pending emails: %w", err))
	}
	g.observe("fetch_pending", started)

	g.storeRead(userID, key, emails)
	return emails, nil
}

func (g *Gateway) cachedRead(userID, key string) ([]core.EmailFeatures, bool) {
	g.readMu.Lock()
	defer g.readMu.Unlock()

	entry, ok := g.reads[userID][key]
	if !ok || !g.now().Before(entry.expires) {
		if ok {
			g.dropReadLocked(userID, key)
		}
		metrics.RecordReadCache(false)
		return nil, false
	}
	metrics.RecordReadCache(true)
	return append([]core.EmailFeatures(nil), entry.emails...), true
}

func (g *Gateway) storeRead(userID, key string, emails []core.EmailFeatures) {
	g.readMu.Lock()
	defer g.readMu.Unlock()

	now := g.now()
	if now.Sub(g.readSwept) >= g.cfg.ReadCacheTTL {
		g.sweepReadsLocked(now)
	}

	if g.reads[userID] == nil {
		g.reads[userID] = make(map[string]readEntry)
	}
	g.reads[userID][key] = readEntry{
		emails:  append([]core.EmailFeatures(nil), emails...),
		expires: now.Add(g.cfg.ReadCacheTTL),
	}
}

// sweepReadsLocked drops expired read entries of every user. storeRead runs
// it at most once per TTL.
func (g *Gateway) sweepReadsLocked(now time.Time) {
	for userID, entries := range g.reads {
		for key, entry := range entries {
			if !now.Before(entry.expires) {
				delete(entries, key)
			}
		}
		if len(entries) == 0 {
			delete(g.reads, userID)
		}
	}
	g.readSwept = now
}

func (g *Gateway) dropReadLocked(userID, key string) {
	delete(g.reads[userID], key)
	if len(g.reads[userID]) == 0 {
		delete(g.reads, userID)
	}
}

func (g *Gateway) invalidateReads(userIDs ...string) {
	g.readMu.Lock()
	defer g.readMu.Unlock()
	for _, id := range userIDs {
		delete(g.reads, id)
	}
}

// InsertEmails stores emails as pending. Existing IDs are left untouched.
func (g *Gateway) InsertEmails(ctx context.Context, emails []core.EmailFeatures) (int, error) {
	if len(emails) == 0 {
		return 0, nil
	}

	release, err := g.acquire(ctx)
	if err != nil {
		return 0, err
	}
	defer release()

	started := time.Now()
	defer g.observe("insert_emails", started)

	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, core.Transient(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	query := g.dialect.rebind(g.insertEmailQuery())
	inserted := 0
	users := make(map[string]struct{})
	for _, e := range emails {
		if e.ID == "" || e.UserID == "" {
			return 0, core.Validation(errors.New("email id and user id are required"))
		}
		received := e.ReceivedAt
		if received.IsZero() {
			received = g.now()
		}
		res, err := tx.ExecContext(ctx, query, e.ID, e.UserID, e.From, e.Subject, e.Snippet,
			e.Important, e.Starred, e.Unread, e.HasAttachment, received.UTC())
		if err != nil {
			return 0, fmt.Errorf("failed to insert email %s: %w", e.ID, err)
		}
		if n, err := res.RowsAffected(); err == nil && n > 0 {
			inserted++
		}
		users[e.UserID] = struct{}{}
	}

	if err := tx.Commit(); err != nil {
		return 0, core.Transient(fmt.Errorf("failed to commit emails: %w", err))
	}

	for id := range users {
		g.invalidateReads(id)
	}
	return inserted, nil
}

func (g *Gateway) insertEmailQuery() string {
	const cols = "id, user_id, sender, subject, snippet, important, starred, unread, has_attachment, received_at"
	const vals = "VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)"
	if g.dialect.driver == "mysql" {
		return "INSERT IGNORE INTO emails (" + cols + ") " + vals
	}
	return "INSERT INTO emails (" + cols + ") " + vals + " ON CONFLICT (id) DO NOTHING"
}

// validateResult checks a row before it reaches the database
func validateResult(r core.ScoringResult) error {
	switch {
	case r.EmailID == "":
		return errors.New("email id is required")
	case r.UserID == "":
		return errors.New("user id is required")
	case r.Score < core.MinScore || r.Score > core.MaxScore:
		return fmt.Errorf("score %d out of range", r.Score)
	case r.Confidence < 0 || r.Confidence > 1:
		return fmt.Errorf("confidence %.2f out of range", r.Confidence)
	case !r.TierUsed.Valid():
		return fmt.Errorf("unknown tier %q", r.TierUsed)
	case r.ModelIdentifier == "":
		return errors.New("model identifier is required")
	}
	return nil
}

// BatchWrite persists scoring results in chunks. Each item is isolated by a
// savepoint so one bad row fails alone. An error is returned only when the
// database cannot be reached at all.
func (g *Gateway) BatchWrite(ctx context.Context, results []core.ScoringResult) (*core.BatchOutcome, error) {
	started := time.Now()
	outcome := &core.BatchOutcome{
		Requested: len(results),
		Items:     make([]core.ItemOutcome, len(results)),
	}
	if len(results) > 0 {
		outcome.UserID = results[0].UserID
	}

	var pending []int
	for i, r := range results {
		outcome.Items[i].EmailID = r.EmailID
		if err := validateResult(r); err != nil {
			outcome.Items[i].Error = "validation: " + err.Error()
			continue
		}
		pending = append(pending, i)
	}

	users := make(map[string]struct{})
	for start := 0; start < len(pending); start += g.cfg.ChunkSize {
		end := min(start+g.cfg.ChunkSize, len(pending))
		chunk := pending[start:end]

		err := g.writeChunk(ctx, results, chunk, outcome.Items)
		if err != nil {
			if start == 0 {
				return nil, err
			}
			for _, i := range chunk {
				outcome.Items[i].OK = false
				outcome.Items[i].Error = err.Error()
			}
			g.logger.Error("Failed to write result chunk",
				zap.Int("chunk_start", start),
				zap.Int("chunk_size", len(chunk)),
				zap.Error(err))
			continue
		}
		for _, i := range chunk {
			if outcome.Items[i].OK {
				users[results[i].UserID] = struct{}{}
			}
		}
	}

	for _, item := range outcome.Items {
		metrics.RecordBatchItem(item.OK)
		if item.OK {
			outcome.Persisted++
		} else {
			outcome.Failed++
		}
	}
	for id := range users {
		g.invalidateReads(id)
	}

	outcome.Duration = time.Since(started)
	if outcome.Failed > 0 {
		g.logger.Warn("Batch write completed with failures",
			zap.Int("requested", outcome.Requested),
			zap.Int("persisted", outcome.Persisted),
			zap.Int("failed", outcome.Failed))
	}
	return outcome, nil
}

// writeChunk writes one chunk in a single transaction. The returned error
// means nothing in the chunk was committed.
func (g *Gateway) writeChunk(ctx context.Context, results []core.ScoringResult, chunk []int, items []core.ItemOutcome) error {
	release, err := g.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	started := time.Now()
	defer g.observe("batch_write_chunk", started)

	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return core.Transient(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	upsert := g.dialect.rebind(g.dialect.upsert)
	markScored := g.dialect.rebind("UPDATE emails SET status = 'scored' WHERE id = ? AND user_id = ?")

	for n, i := range chunk {
		r := results[i]
		sp := fmt.Sprintf("item_%d", n)
		if _, err := tx.ExecContext(ctx, "SAVEPOINT "+sp); err != nil {
			return core.Transient(fmt.Errorf("failed to create savepoint: %w", err))
		}

		itemErr := g.writeItem(ctx, tx, upsert, markScored, r)
		if itemErr != nil {
			if _, err := tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+sp); err != nil {
				return core.Transient(fmt.Errorf("failed to roll back savepoint: %w", err))
			}
			items[i].Error = itemErr.Error()
			g.logger.Warn("Failed to write scoring result",
				zap.String("email_id", r.EmailID),
				zap.Error(itemErr))
			continue
		}

		if _, err := tx.ExecContext(ctx, "RELEASE SAVEPOINT "+sp); err != nil {
			return core.Transient(fmt.Errorf("failed to release savepoint: %w", err))
		}
		items[i].OK = true
	}

	if err := tx.Commit(); err != nil {
		for _, i := range chunk {
			items[i].OK = false
		}
		return core.Transient(fmt.Errorf("failed to commit chunk: %w", err))
	}
	return nil
}

func (g *Gateway) writeItem(ctx context.Context, tx *sql.Tx, upsert, markScored string, r core.ScoringResult) error {
	scoredAt := r.ScoredAt
	if scoredAt.IsZero() {
		scoredAt = g.now()
	}
	if _, err := tx.ExecContext(ctx, upsert,
		r.EmailID, r.UserID, string(r.Signature), r.Score, string(r.TierUsed), r.Confidence,
		r.Reasoning, r.ModelIdentifier, r.CostCents, r.LatencyMs, r.PromptTokens,
		r.CompletionTokens, r.Cached, r.Fallback, scoredAt.UTC()); err != nil {
		return fmt.Errorf("failed to upsert score: %w", err)
	}
	if _, err := tx.ExecContext(ctx, markScored, r.EmailID, r.UserID); err != nil {
		return fmt.Errorf("failed to mark email scored: %w", err)
	}
	return nil
}

// WriteUsage appends a usage record
func (g *Gateway) WriteUsage(ctx context.Context, usage core.UsageRecord) error {
	if usage.ID == "" || usage.UserID == "" {
		return core.Validation(errors.New("usage id and user id are required"))
	}

	release, err := g.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	started := time.Now()
	_, err = g.db.ExecContext(ctx, g.dialect.rebind(`
		INSERT INTO usage_records (id, user_id, operation, tier, model, prompt_tokens, completion_tokens, cost_cents, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		usage.ID, usage.UserID, usage.Operation, string(usage.Tier), usage.Model,
		usage.PromptTokens, usage.CompletionTokens, usage.CostCents, usage.CreatedAt.UTC())
	g.observe("write_usage", started)
	if err != nil {
		return fmt.Errorf("failed to write usage record: %w", err)
	}
	return nil
}

// QueryUsage returns a user's usage records created at or after since
func (g *Gateway) QueryUsage(ctx context.Context, userID string, since time.Time) ([]core.UsageRecord, error) {
	release, err := g.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	started := time.Now()
	defer g.observe("query_usage", started)

	rows, err := g.db.QueryContext(ctx, g.dialect.rebind(`
		SELECT id, user_id, operation, tier, model, prompt_tokens, completion_tokens, cost_cents, created_at
		FROM usage_records
		WHERE user_id = ? AND created_at >= ?
		ORDER BY created_at ASC`), userID, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query usage: %w", err)
	}
	defer rows.Close()

	var records []core.UsageRecord
	for rows.Next() {
		var u core.UsageRecord
		var tier string
		if err := rows.Scan(&u.ID, &u.UserID, &u.Operation, &tier, &u.Model,
			&u.PromptTokens, &u.CompletionTokens, &u.CostCents, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan usage record: %w", err)
		}
		u.Tier = core.Tier(tier)
		u.CreatedAt = u.CreatedAt.UTC()
		records = append(records, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read usage records: %w", err)
	}
	return records, nil
}

// SumUsage returns a user's total spend in cents since the given time
func (g *Gateway) SumUsage(ctx context.Context, userID string, since time.Time) (float64, error) {
	release, err := g.acquire(ctx)
	if err != nil {
		return 0, err
	}
	defer release()

	started := time.Now()
	defer g.observe("sum_usage", started)

	var total sql.NullFloat64
	err = g.db.QueryRowContext(ctx, g.dialect.rebind(`
		SELECT SUM(cost_cents) FROM usage_records WHERE user_id = ? AND created_at >= ?`),
		userID, since.UTC()).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum usage: %w", err)
	}
	return total.Float64, nil
}
