package v1

import (
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/reelsmith/reelsmith/plugin/generation"
	"github.com/reelsmith/reelsmith/server/internal/observability"

	pipeerr "github.com/reelsmith/reelsmith/internal/errors"
)

// maxUploadBytes caps the product photo upload size.
const maxUploadBytes = 10 << 20

// CreateSession starts a pipeline session from an uploaded product photo.
// The photo is sent as the "image" part of a multipart form; orientation,
// size and duration are optional form fields.
func (s *APIV1Service) CreateSession(c echo.Context) error {
	uid := userID(c)
	s.ensureAccount(c, uid)

	fileHeader, err := c.FormFile("image")
	if err != nil {
		return writeError(c, pipeerr.Validation("a product photo upload is required"))
	}
	if fileHeader.Size > maxUploadBytes {
		return writeError(c, pipeerr.Validation("product photo exceeds the 10MB limit"))
	}

	file, err := fileHeader.Open()
	if err != nil {
		return writeError(c, pipeerr.Validation("unreadable upload"))
	}
	defer file.Close()
	image, err := io.ReadAll(io.LimitReader(file, maxUploadBytes+1))
	if err != nil {
		return writeError(c, pipeerr.Validation("unreadable upload"))
	}

	params := generation.VideoParams{
		Orientation: c.FormValue("orientation"),
		Size:        c.FormValue("size"),
	}
	if raw := c.FormValue("duration"); raw != "" {
		if seconds, err := strconv.Atoi(raw); err == nil {
			params.DurationSeconds = seconds
		}
	}

	logger := observability.NewRequestContext(slog.Default(), "", uid)
	logger.Info("session create started",
		slog.Int("image_bytes", len(image)))

	snapshot, err := s.Orchestrator.StartSession(c.Request().Context(), uid, image, params)
	if err != nil {
		logger.Warn("session create rejected",
			slog.String(observability.LogFieldErrorCode, string(pipeerr.GetCodeFromError(err, pipeerr.ErrCodePermanentService))))
		return writeError(c, err)
	}

	logger.SessionID = snapshot.ID
	logger.Info("session created",
		slog.String(observability.LogFieldStage, string(snapshot.Stage)),
		slog.Int64(observability.LogFieldDuration, logger.Elapsed()))
	return c.JSON(http.StatusCreated, snapshot)
}

// ListSessions returns the caller's sessions, newest first.
func (s *APIV1Service) ListSessions(c echo.Context) error {
	return c.JSON(http.StatusOK, s.Orchestrator.ListSessions(userID(c)))
}

// GetSession returns the session snapshot. The UI polls this endpoint to
// render stage, conversation and progress.
func (s *APIV1Service) GetSession(c echo.Context) error {
	snapshot, err := s.Orchestrator.Session(c.Param("id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, snapshot)
}

type submitMessageRequest struct {
	Message string `json:"message"`
}

// SubmitMessage forwards one user chat message into the product interview.
func (s *APIV1Service) SubmitMessage(c echo.Context) error {
	var req submitMessageRequest
	if err := c.Bind(&req); err != nil || req.Message == "" {
		return writeError(c, pipeerr.Validation("message is required"))
	}

	logger := observability.NewRequestContext(slog.Default(), c.Param("id"), userID(c))
	snapshot, err := s.Orchestrator.SubmitMessage(c.Request().Context(), c.Param("id"), req.Message)
	if err != nil {
		return writeError(c, err)
	}
	logger.Info("message ingested",
		slog.String(observability.LogFieldStage, string(snapshot.Stage)),
		slog.Int64(observability.LogFieldDuration, logger.Elapsed()))
	return c.JSON(http.StatusOK, snapshot)
}

// ApproveScript approves the generated script and submits the video job.
func (s *APIV1Service) ApproveScript(c echo.Context) error {
	logger := observability.NewRequestContext(slog.Default(), c.Param("id"), userID(c))
	snapshot, err := s.Orchestrator.ApproveScript(c.Request().Context(), c.Param("id"))
	if err != nil {
		logger.Warn("approval rejected",
			slog.String(observability.LogFieldErrorCode, string(pipeerr.GetCodeFromError(err, pipeerr.ErrCodePermanentService))))
		return writeError(c, err)
	}
	logger.Info("script approved",
		slog.String(observability.LogFieldStage, string(snapshot.Stage)),
		slog.Int64(observability.LogFieldDuration, logger.Elapsed()))
	return c.JSON(http.StatusOK, snapshot)
}

// CancelSession aborts a running session.
func (s *APIV1Service) CancelSession(c echo.Context) error {
	snapshot, err := s.Orchestrator.CancelSession(c.Request().Context(), c.Param("id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, snapshot)
}

// RestartSession starts a fresh run from a finished session's photo.
func (s *APIV1Service) RestartSession(c echo.Context) error {
	snapshot, err := s.Orchestrator.RestartSession(c.Request().Context(), c.Param("id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusCreated, snapshot)
}
