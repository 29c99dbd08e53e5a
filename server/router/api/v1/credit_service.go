package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/reelsmith/reelsmith/store"

	pipeerr "github.com/reelsmith/reelsmith/internal/errors"
)

type creditEntryView struct {
	ReservationID string `json:"reservationId"`
	JobID         string `json:"jobId"`
	Amount        int64  `json:"amount"`
	State         string `json:"state"`
	CreatedTs     int64  `json:"createdTs"`
	SettledTs     int64  `json:"settledTs,omitempty"`
}

type creditsResponse struct {
	UserID  string            `json:"userId"`
	Balance int64             `json:"balance"`
	Entries []creditEntryView `json:"entries"`
}

// GetCredits returns the caller's balance and reservation history.
func (s *APIV1Service) GetCredits(c echo.Context) error {
	uid := userID(c)
	s.ensureAccount(c, uid)

	resp := creditsResponse{
		UserID:  uid,
		Balance: s.Ledger.Balance(uid),
		Entries: []creditEntryView{},
	}

	if s.Store != nil {
		entries, err := s.Store.ListCreditEntries(c.Request().Context(), &store.FindCreditEntry{UserID: &uid})
		if err != nil {
			return writeError(c, err)
		}
		for _, entry := range entries {
			resp.Entries = append(resp.Entries, creditEntryView{
				ReservationID: entry.ReservationID,
				JobID:         entry.JobID,
				Amount:        entry.Amount,
				State:         entry.State,
				CreatedTs:     entry.CreatedTs,
				SettledTs:     entry.SettledTs,
			})
		}
	}

	return c.JSON(http.StatusOK, resp)
}

type rechargeRequest struct {
	Amount int64 `json:"amount"`
}

type rechargeResponse struct {
	UserID  string `json:"userId"`
	Balance int64  `json:"balance"`
}

// Recharge adds credits to the caller's balance. Payment processing is out
// of scope; this endpoint trusts the amount.
func (s *APIV1Service) Recharge(c echo.Context) error {
	uid := userID(c)
	s.ensureAccount(c, uid)

	var req rechargeRequest
	if err := c.Bind(&req); err != nil {
		return writeError(c, pipeerr.Validation("malformed recharge request"))
	}

	balance, err := s.Ledger.Grant(c.Request().Context(), uid, req.Amount)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, rechargeResponse{UserID: uid, Balance: balance})
}
