// Package history persists finished lifecycle operations so a restart
// of the manager keeps an auditable trail of installs, updates, and
// launches. Live log lines stay in memory; only operation outcomes are
// written here.
package history

import (
	"context"
	"fmt"
	"time"
)

// Record is one completed operation on one tool.
type Record struct {
	ID         int64     `json:"id"`
	Tool       string    `json:"tool"`
	Operation  string    `json:"operation"`
	Outcome    string    `json:"outcome"`
	Detail     string    `json:"detail,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

const (
	OutcomeOK     = "ok"
	OutcomeFailed = "failed"
)

// Store persists operation records. Implementations must be safe for
// concurrent use.
type Store interface {
	EnsureSchema(ctx context.Context) error
	Append(ctx context.Context, rec Record) error
	Recent(ctx context.Context, tool string, limit int) ([]Record, error)
	Close() error
}

// Open constructs a store for the given driver. Supported drivers are
// "sqlite" (dsn is a file path, empty for in-memory) and
// "postgres"/"postgresql" (dsn is a connection string).
func Open(driver, dsn string) (Store, error) {
	switch driver {
	case "", "sqlite":
		return openSQLite(dsn)
	case "postgres", "postgresql":
		return openPostgres(dsn)
	default:
		return nil, fmt.Errorf("unsupported history driver %q", driver)
	}
}
