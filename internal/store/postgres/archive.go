// Package postgres archives session output in Postgres for offline analysis.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pagesift/pagesift/internal/scrape"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool used for the archive.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// Archive writes emitted documents and the final session summary into
// Postgres. It satisfies scrape.Sink so it can run beside the primary sink.
type Archive struct {
	pool    execCloser
	table   string
	session string
}

// NewArchive opens a pooled connection for the given session.
func NewArchive(ctx context.Context, cfg Config, session string) (*Archive, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("archive.dsn is required")
	}
	table := cfg.Table
	if table == "" {
		table = "documents"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Archive{pool: pool, table: table, session: session}, nil
}

// NewArchiveWithPool constructs an Archive from an existing pool, primarily
// for testing.
func NewArchiveWithPool(pool execCloser, table, session string) (*Archive, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "documents"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &Archive{pool: pool, table: table, session: session}, nil
}

// Close releases the underlying pool resources.
func (a *Archive) Close() {
	if a == nil || a.pool == nil {
		return
	}
	a.pool.Close()
}

// Submit implements scrape.Sink by inserting one document row.
func (a *Archive) Submit(ctx context.Context, doc *scrape.Document) error {
	if a == nil || a.pool == nil {
		return fmt.Errorf("archive is not configured")
	}
	if doc.ContentHash == "" {
		return fmt.Errorf("document content hash is required")
	}
	linksJSON, err := json.Marshal(doc.Links)
	if err != nil {
		return fmt.Errorf("marshal links: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	session,
	source_url,
	title,
	content_hash,
	tier,
	markdown,
	links,
	fetched_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8
)`, a.table)

	args := []any{
		a.session,
		doc.SourceURL,
		doc.Title,
		doc.ContentHash,
		doc.TierName,
		doc.Markdown,
		linksJSON,
		doc.FetchedAt,
	}
	if _, err := a.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

// SubmitLinks implements scrape.Sink. Links already travel inside the
// document row; nothing extra to persist.
func (a *Archive) SubmitLinks(_ context.Context, _ string, _ []scrape.Link) error {
	return nil
}

// SaveSummary records the final session counters.
func (a *Archive) SaveSummary(ctx context.Context, sum scrape.Summary) error {
	if a == nil || a.pool == nil {
		return fmt.Errorf("archive is not configured")
	}
	counts, err := json.Marshal(map[string]map[string]int{
		"succeeded_by_tier":   sum.SucceededByTier,
		"discarded_by_reason": sum.DiscardedByReason,
		"failed_by_reason":    sum.FailedByReason,
	})
	if err != nil {
		return fmt.Errorf("marshal counts: %w", err)
	}
	query := `
INSERT INTO session_summaries (
	session,
	started_at,
	finished_at,
	retries,
	worker_crashes,
	counts
) VALUES (
	$1,$2,$3,$4,$5,$6
)`
	args := []any{
		sum.Session,
		sum.Started,
		sum.Finished,
		sum.Retries,
		sum.WorkerCrashes,
		counts,
	}
	if _, err := a.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert session summary: %w", err)
	}
	return nil
}
