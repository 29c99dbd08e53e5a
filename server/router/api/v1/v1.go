// Package v1 exposes the pipeline and credit operations over HTTP.
package v1

import (
	"net/http"
	"sync"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"github.com/reelsmith/reelsmith/internal/profile"
	"github.com/reelsmith/reelsmith/server/ledger"
	"github.com/reelsmith/reelsmith/server/middleware"
	"github.com/reelsmith/reelsmith/server/pipeline"
	"github.com/reelsmith/reelsmith/store"

	pipeerr "github.com/reelsmith/reelsmith/internal/errors"
)

// APIV1Service wires the pipeline orchestrator and credit ledger into the
// HTTP surface.
type APIV1Service struct {
	Profile      *profile.Profile
	Store        *store.Store
	Orchestrator *pipeline.Orchestrator
	Ledger       *ledger.Ledger

	limiter *middleware.RateLimiter

	// granted remembers which users already received the signup grant this
	// process lifetime; the store-backed account check covers restarts.
	mu      sync.Mutex
	granted map[string]bool
}

// NewAPIV1Service creates the v1 API service.
func NewAPIV1Service(p *profile.Profile, s *store.Store, orchestrator *pipeline.Orchestrator, creditLedger *ledger.Ledger) *APIV1Service {
	return &APIV1Service{
		Profile:      p,
		Store:        s,
		Orchestrator: orchestrator,
		Ledger:       creditLedger,
		limiter:      middleware.NewRateLimiter(5, 10),
		granted:      make(map[string]bool),
	}
}

// Register mounts the v1 routes on the Echo instance.
func (s *APIV1Service) Register(e *echo.Echo) {
	group := e.Group("/api/v1")
	group.Use(echomw.CORS())
	group.Use(s.rateLimitMiddleware)

	group.POST("/sessions", s.CreateSession)
	group.GET("/sessions", s.ListSessions)
	group.GET("/sessions/:id", s.GetSession)
	group.POST("/sessions/:id/messages", s.SubmitMessage)
	group.POST("/sessions/:id/approve", s.ApproveScript)
	group.POST("/sessions/:id/cancel", s.CancelSession)
	group.POST("/sessions/:id/restart", s.RestartSession)

	group.GET("/credits", s.GetCredits)
	group.POST("/credits/recharge", s.Recharge)

	group.GET("/metrics", s.GetSystemMetrics)
}

func (s *APIV1Service) rateLimitMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if !s.limiter.Allow(userID(c)) {
			return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
		}
		return next(c)
	}
}

// userID resolves the caller identity from the X-User-Id header. There is
// no authentication beyond this opaque identifier.
func userID(c echo.Context) string {
	if id := c.Request().Header.Get("X-User-Id"); id != "" {
		return id
	}
	return "anonymous"
}

// ensureAccount applies the one-time signup grant for users the ledger has
// never seen.
func (s *APIV1Service) ensureAccount(c echo.Context, uid string) {
	s.mu.Lock()
	already := s.granted[uid]
	s.granted[uid] = true
	s.mu.Unlock()
	if already || s.Profile.SignupGrant <= 0 {
		return
	}

	if s.Store != nil {
		if account, err := s.Store.GetUserAccount(c.Request().Context(), uid); err == nil && account != nil {
			// Known account from a previous run: rehydrate instead of
			// granting again.
			if account.Balance > 0 {
				_, _ = s.Ledger.Grant(c.Request().Context(), uid, account.Balance)
			}
			return
		}
	}
	_, _ = s.Ledger.Grant(c.Request().Context(), uid, s.Profile.SignupGrant)
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeError maps the pipeline error taxonomy onto HTTP statuses.
func writeError(c echo.Context, err error) error {
	code := pipeerr.GetCodeFromError(err, pipeerr.ErrCodePermanentService)

	status := http.StatusInternalServerError
	switch code {
	case pipeerr.ErrCodeValidation:
		status = http.StatusBadRequest
	case pipeerr.ErrCodeInsufficientCredits:
		status = http.StatusPaymentRequired
	case pipeerr.ErrCodeNotFound:
		status = http.StatusNotFound
	case pipeerr.ErrCodeInvalidReservation:
		status = http.StatusConflict
	case pipeerr.ErrCodeTransientService:
		status = http.StatusServiceUnavailable
	case pipeerr.ErrCodePermanentService:
		status = http.StatusBadGateway
	case pipeerr.ErrCodeTimeout:
		status = http.StatusGatewayTimeout
	}

	return c.JSON(status, errorResponse{Code: string(code), Message: err.Error()})
}
