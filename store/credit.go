package store

// CreditEntry is one reservation lifecycle row. A reservation row is
// upserted on reserve (state pending) and again on settlement (committed or
// refunded).
type CreditEntry struct {
	ReservationID string
	UserID        string
	JobID         string
	Amount        int64
	State         string // pending | committed | refunded
	CreatedTs     int64
	SettledTs     int64
}

// FindCreditEntry filters credit entry listings.
type FindCreditEntry struct {
	UserID *string
	JobID  *string
	State  *string
}

// UserAccount holds a user's current credit balance.
type UserAccount struct {
	UserID    string
	Balance   int64
	UpdatedTs int64
}
