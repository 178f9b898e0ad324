package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/techiepookie/arguxai/internal/storage/postgres"
	"github.com/techiepookie/arguxai/internal/storage/sqlite"
	"github.com/techiepookie/arguxai/internal/types"
)

// EventSource is the read side of the event store. All windows are inclusive.
type EventSource interface {
	// QueryEvents returns events in the window ordered by timestamp.
	// An empty funnelStep matches every step.
	QueryEvents(ctx context.Context, w types.Window, funnelStep string) ([]*types.Event, error)

	// CohortSessions returns the distinct sessions with at least one event
	// carrying funnelStep inside the window.
	CohortSessions(ctx context.Context, funnelStep string, w types.Window) ([]string, error)

	// SessionEvents returns the full history of the given sessions,
	// ordered by session then timestamp.
	SessionEvents(ctx context.Context, sessionIDs []string) ([]*types.Event, error)

	// TimeBounds returns the earliest and latest stored timestamps.
	// Returns types.ErrNoData when the store is empty.
	TimeBounds(ctx context.Context) (types.Window, error)
}

// EventStore adds batch ingestion to EventSource
type EventStore interface {
	EventSource

	// Ingest stores valid events, skipping exact duplicates
	// (same session, event type and timestamp).
	Ingest(ctx context.Context, events []*types.Event) (*types.IngestResult, error)
}

// IssueStore persists issues. It is the single source of truth for issue state.
type IssueStore interface {
	// GetIssue returns nil, nil when the id is unknown
	GetIssue(ctx context.Context, id string) (*types.Issue, error)
	// PutIssue inserts or replaces the full issue record
	PutIssue(ctx context.Context, issue *types.Issue) error
	// ListIssues returns issues newest first
	ListIssues(ctx context.Context, filter types.IssueFilter) ([]*types.Issue, error)
}

// FunnelStore persists funnel definitions
type FunnelStore interface {
	// GetFunnel returns nil, nil when the name is unknown
	GetFunnel(ctx context.Context, name string) (*types.Funnel, error)
	// PutFunnel inserts a funnel or replaces an existing one of the same name.
	// The stored created_at of an existing funnel is kept.
	PutFunnel(ctx context.Context, funnel *types.Funnel) error
	// ListFunnels returns funnels in the order they were first stored
	ListFunnels(ctx context.Context) ([]*types.Funnel, error)
	// DeleteFunnel reports whether a funnel was removed
	DeleteFunnel(ctx context.Context, name string) (bool, error)
}

// Storage defines the interface for storage backends
type Storage interface {
	EventStore
	IssueStore
	FunnelStore

	// Lifecycle
	Close() error
}

// Backend names accepted by Config.Backend
const (
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// Config holds database configuration
type Config struct {
	// Backend selects "sqlite" (default) or "postgres"
	Backend string

	// Path is the SQLite database file path
	// Default: "arguxai.db"
	// Special value ":memory:" creates an in-memory database (useful for tests)
	Path string

	// PostgresDSN is the connection string used when Backend is "postgres"
	PostgresDSN string
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Backend: BackendSQLite,
		Path:    "arguxai.db",
	}
}

// NewStorage opens the configured backend and applies pending migrations
func NewStorage(ctx context.Context, cfg *Config) (Storage, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	switch strings.ToLower(cfg.Backend) {
	case "", BackendSQLite:
		path := cfg.Path
		if path == "" {
			path = DefaultConfig().Path
		}
		return sqlite.New(ctx, path)
	case BackendPostgres:
		if cfg.PostgresDSN == "" {
			return nil, fmt.Errorf("postgres backend requires a DSN")
		}
		return postgres.New(ctx, postgres.ConfigFromDSN(cfg.PostgresDSN))
	default:
		return nil, fmt.Errorf("unknown storage backend %q (want %s or %s)", cfg.Backend, BackendSQLite, BackendPostgres)
	}
}

// Compile-time interface checks
var (
	_ Storage = (*sqlite.SQLiteStorage)(nil)
	_ Storage = (*postgres.PostgresStorage)(nil)
)
