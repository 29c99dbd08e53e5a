// Package ledger maintains per-user credit balances and the
// reserve/commit/refund lifecycle tied to generation jobs.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lithammer/shortuuid/v4"

	"github.com/reelsmith/reelsmith/store"

	pipeerr "github.com/reelsmith/reelsmith/internal/errors"
)

// SettlementState is the lifecycle state of a reservation.
type SettlementState string

const (
	SettlementPending   SettlementState = "pending"
	SettlementCommitted SettlementState = "committed"
	SettlementRefunded  SettlementState = "refunded"
)

// Reservation is a credit hold against a user's balance. Exactly one of
// commit/refund eventually settles it.
type Reservation struct {
	ID        string
	UserID    string
	JobID     string
	Amount    int64
	State     SettlementState
	CreatedAt time.Time
	SettledAt time.Time
}

type account struct {
	mu      sync.Mutex
	userID  string
	balance int64
}

// Ledger tracks balances and reservations. Reservations for one user are
// serialized through the user's account lock; different users never contend.
type Ledger struct {
	mu           sync.Mutex
	accounts     map[string]*account
	reservations map[string]*Reservation

	// store is optional; when attached, every balance change and
	// reservation transition is persisted. Persistence failures are logged
	// and never fail the in-memory operation (the in-memory ledger is the
	// source of truth for a running server).
	store  *store.Store
	logger *slog.Logger
}

// New creates a ledger. store may be nil for a purely in-memory ledger.
func New(s *store.Store) *Ledger {
	return &Ledger{
		accounts:     make(map[string]*account),
		reservations: make(map[string]*Reservation),
		store:        s,
		logger:       slog.Default(),
	}
}

func (l *Ledger) account(userID string) *account {
	l.mu.Lock()
	defer l.mu.Unlock()
	acct, ok := l.accounts[userID]
	if !ok {
		acct = &account{userID: userID}
		l.accounts[userID] = acct
	}
	return acct
}

// Balance returns the user's current available balance.
func (l *Ledger) Balance(userID string) int64 {
	acct := l.account(userID)
	acct.mu.Lock()
	defer acct.mu.Unlock()
	return acct.balance
}

// Grant adds credits to a user's balance (signup grant, recharge).
func (l *Ledger) Grant(ctx context.Context, userID string, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, pipeerr.Validation("grant amount must be positive")
	}
	acct := l.account(userID)
	acct.mu.Lock()
	acct.balance += amount
	balance := acct.balance
	acct.mu.Unlock()

	l.persistBalance(ctx, userID, balance)
	return balance, nil
}

// Reserve places a hold of amount against the user's balance for the given
// job. Fails with INSUFFICIENT_CREDITS when the balance cannot cover it.
func (l *Ledger) Reserve(ctx context.Context, userID, jobID string, amount int64) (string, error) {
	if amount <= 0 {
		return "", pipeerr.Validation("reservation amount must be positive")
	}

	acct := l.account(userID)
	acct.mu.Lock()
	if amount > acct.balance {
		balance := acct.balance
		acct.mu.Unlock()
		return "", pipeerr.InsufficientCredits(
			fmt.Sprintf("need %d credits, balance is %d", amount, balance))
	}
	acct.balance -= amount
	balance := acct.balance
	acct.mu.Unlock()

	reservation := &Reservation{
		ID:        shortuuid.New(),
		UserID:    userID,
		JobID:     jobID,
		Amount:    amount,
		State:     SettlementPending,
		CreatedAt: time.Now(),
	}

	l.mu.Lock()
	l.reservations[reservation.ID] = reservation
	l.mu.Unlock()

	l.persistBalance(ctx, userID, balance)
	l.persistEntry(ctx, reservation)

	return reservation.ID, nil
}

// Commit marks the reservation permanently spent. The balance was already
// decremented at reserve time.
func (l *Ledger) Commit(ctx context.Context, reservationID string) error {
	return l.settle(ctx, reservationID, SettlementCommitted)
}

// Refund returns the reserved amount to the user's balance.
func (l *Ledger) Refund(ctx context.Context, reservationID string) error {
	return l.settle(ctx, reservationID, SettlementRefunded)
}

func (l *Ledger) settle(ctx context.Context, reservationID string, next SettlementState) error {
	l.mu.Lock()
	reservation, ok := l.reservations[reservationID]
	l.mu.Unlock()
	if !ok {
		return pipeerr.InvalidReservation("unknown reservation " + reservationID)
	}

	acct := l.account(reservation.UserID)
	acct.mu.Lock()
	defer acct.mu.Unlock()

	if reservation.State != SettlementPending {
		// Settling twice is an orchestration defect: log it loudly rather
		// than silently double-crediting or double-charging.
		l.logger.Error("reservation settled twice",
			"reservation_id", reservationID,
			"job_id", reservation.JobID,
			"state", string(reservation.State),
			"requested", string(next))
		return pipeerr.InvalidReservation(
			fmt.Sprintf("reservation %s already %s", reservationID, reservation.State))
	}

	reservation.State = next
	reservation.SettledAt = time.Now()
	if next == SettlementRefunded {
		acct.balance += reservation.Amount
	}

	l.persistBalance(ctx, reservation.UserID, acct.balance)
	l.persistEntry(ctx, reservation)
	return nil
}

// Get returns a snapshot of a reservation, or nil when unknown.
func (l *Ledger) Get(reservationID string) *Reservation {
	l.mu.Lock()
	defer l.mu.Unlock()
	reservation, ok := l.reservations[reservationID]
	if !ok {
		return nil
	}
	clone := *reservation
	return &clone
}

func (l *Ledger) persistBalance(ctx context.Context, userID string, balance int64) {
	if l.store == nil {
		return
	}
	if err := l.store.UpsertUserAccount(ctx, &store.UserAccount{
		UserID:    userID,
		Balance:   balance,
		UpdatedTs: time.Now().Unix(),
	}); err != nil {
		l.logger.Warn("failed to persist balance", "user_id", userID, "error", err)
	}
}

func (l *Ledger) persistEntry(ctx context.Context, reservation *Reservation) {
	if l.store == nil {
		return
	}
	entry := &store.CreditEntry{
		ReservationID: reservation.ID,
		UserID:        reservation.UserID,
		JobID:         reservation.JobID,
		Amount:        reservation.Amount,
		State:         string(reservation.State),
		CreatedTs:     reservation.CreatedAt.Unix(),
	}
	if !reservation.SettledAt.IsZero() {
		entry.SettledTs = reservation.SettledAt.Unix()
	}
	if err := l.store.UpsertCreditEntry(ctx, entry); err != nil {
		l.logger.Warn("failed to persist credit entry",
			"reservation_id", reservation.ID, "error", err)
	}
}
