// Package store provides database access to the raw persisted objects:
// pipeline session snapshots, credit entries and user accounts.
package store

import (
	"context"

	"github.com/reelsmith/reelsmith/internal/profile"
)

// Store provides database access to all raw objects.
type Store struct {
	profile *profile.Profile
	driver  Driver
}

// New creates a new instance of Store.
func New(driver Driver, profile *profile.Profile) *Store {
	return &Store{
		driver:  driver,
		profile: profile,
	}
}

// GetDriver returns the underlying driver.
func (s *Store) GetDriver() Driver {
	return s.driver
}

// Migrate creates the schema when needed.
func (s *Store) Migrate(ctx context.Context) error {
	return s.driver.Migrate(ctx)
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.driver.Close()
}

func (s *Store) UpsertPipelineSession(ctx context.Context, upsert *PipelineSession) error {
	return s.driver.UpsertPipelineSession(ctx, upsert)
}

func (s *Store) GetPipelineSession(ctx context.Context, uid string) (*PipelineSession, error) {
	return s.driver.GetPipelineSession(ctx, uid)
}

func (s *Store) ListPipelineSessions(ctx context.Context, find *FindPipelineSession) ([]*PipelineSession, error) {
	return s.driver.ListPipelineSessions(ctx, find)
}

func (s *Store) UpsertCreditEntry(ctx context.Context, upsert *CreditEntry) error {
	return s.driver.UpsertCreditEntry(ctx, upsert)
}

func (s *Store) ListCreditEntries(ctx context.Context, find *FindCreditEntry) ([]*CreditEntry, error) {
	return s.driver.ListCreditEntries(ctx, find)
}

func (s *Store) UpsertUserAccount(ctx context.Context, upsert *UserAccount) error {
	return s.driver.UpsertUserAccount(ctx, upsert)
}

func (s *Store) GetUserAccount(ctx context.Context, userID string) (*UserAccount, error) {
	return s.driver.GetUserAccount(ctx, userID)
}
