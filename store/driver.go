package store

import (
	"context"
	"database/sql"
)

// Driver is an interface for store driver.
// It contains all methods that a store database driver should implement.
type Driver interface {
	GetDB() *sql.DB
	Close() error

	// Migrate creates the schema when it does not exist yet.
	Migrate(ctx context.Context) error

	// PipelineSession model related methods.
	UpsertPipelineSession(ctx context.Context, upsert *PipelineSession) error
	GetPipelineSession(ctx context.Context, uid string) (*PipelineSession, error)
	ListPipelineSessions(ctx context.Context, find *FindPipelineSession) ([]*PipelineSession, error)

	// CreditEntry model related methods.
	UpsertCreditEntry(ctx context.Context, upsert *CreditEntry) error
	ListCreditEntries(ctx context.Context, find *FindCreditEntry) ([]*CreditEntry, error)

	// UserAccount model related methods.
	UpsertUserAccount(ctx context.Context, upsert *UserAccount) error
	GetUserAccount(ctx context.Context, userID string) (*UserAccount, error)
}
