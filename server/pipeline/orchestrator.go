package pipeline

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/lithammer/shortuuid/v4"

	"github.com/reelsmith/reelsmith/plugin/generation"
	"github.com/reelsmith/reelsmith/server/conversation"
	"github.com/reelsmith/reelsmith/server/internal/observability"
	"github.com/reelsmith/reelsmith/server/ledger"
	"github.com/reelsmith/reelsmith/server/polling"
	"github.com/reelsmith/reelsmith/store"

	pipeerr "github.com/reelsmith/reelsmith/internal/errors"
)

// Config holds the orchestrator settings.
type Config struct {
	// MaxRetryAttempts is the total number of attempts (first try included)
	// for transient analysis, extraction and scripting errors.
	MaxRetryAttempts int
	// RetryBackoffBase is the delay before the second attempt; it doubles
	// for each further attempt.
	RetryBackoffBase time.Duration
	// VideoJobCreditCost is the number of credits reserved per video job.
	VideoJobCreditCost int64
	// RequiredContextFields is the ordered completeness set of the product
	// interview.
	RequiredContextFields []string
}

// Orchestrator drives pipeline sessions through the stage machine. All
// stage-advancing entry points serialize on the session lock, so a session
// never runs two transitions concurrently.
type Orchestrator struct {
	config    Config
	client    generation.Client
	engine    *conversation.Engine
	scheduler *polling.Scheduler
	ledger    *ledger.Ledger
	store     *store.Store
	logger    *slog.Logger
	metrics   *observability.Metrics

	mu       sync.RWMutex
	sessions map[string]*Session

	// sleep is injectable so retry backoff is instant in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates an orchestrator. store may be nil to run without persistence.
func New(client generation.Client, scheduler *polling.Scheduler, creditLedger *ledger.Ledger, s *store.Store, config Config) *Orchestrator {
	if config.MaxRetryAttempts < 1 {
		config.MaxRetryAttempts = 1
	}
	return &Orchestrator{
		config:    config,
		client:    client,
		engine:    conversation.NewEngine(client, config.RequiredContextFields),
		scheduler: scheduler,
		ledger:    creditLedger,
		store:     s,
		logger:    slog.Default(),
		metrics:   observability.GlobalMetrics(),
		sessions:  make(map[string]*Session),
		sleep: func(ctx context.Context, d time.Duration) error {
			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-timer.C:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	}
}

// SetSleep overrides the retry backoff sleeper. Test hook.
func (o *Orchestrator) SetSleep(sleep func(ctx context.Context, d time.Duration) error) {
	o.sleep = sleep
}

// StartSession creates a session from a product photo and runs image
// analysis. The returned snapshot is in Conversing when the interview has
// questions left, AwaitingScriptApproval when analysis alone filled every
// required field, or Failed when analysis could not be completed.
func (o *Orchestrator) StartSession(ctx context.Context, userID string, image []byte, params generation.VideoParams) (*Snapshot, error) {
	if userID == "" {
		return nil, pipeerr.Validation("user id is required")
	}
	if len(image) == 0 {
		return nil, pipeerr.Validation("a product photo is required")
	}

	prepared, err := generation.PrepareImage(image)
	if err != nil {
		return nil, pipeerr.Validation("unreadable product photo")
	}

	if params.Orientation == "" {
		params.Orientation = "vertical"
	}
	if params.Size == "" {
		params.Size = "1080p"
	}
	if params.DurationSeconds <= 0 {
		params.DurationSeconds = 15
	}

	now := time.Now()
	session := &Session{
		ID:        shortuuid.New(),
		UserID:    userID,
		Stage:     StageCreated,
		Context:   generation.NewProductContext(),
		Images:    [][]byte{prepared},
		Params:    params,
		CreatedAt: now,
		UpdatedAt: now,
	}

	o.mu.Lock()
	o.sessions[session.ID] = session
	o.mu.Unlock()
	o.metrics.RecordSessionStarted()

	session.mu.Lock()
	defer session.mu.Unlock()

	o.analyzeLocked(ctx, session)
	o.persistLocked(ctx, session)
	return session.snapshotLocked(), nil
}

func (o *Orchestrator) analyzeLocked(ctx context.Context, session *Session) {
	o.transitionLocked(session, StageAnalyzingImage)
	session.Job = o.newJobLocked(generation.JobKindAnalysis)

	var fragment generation.ProductContext
	err := o.withRetry(ctx, session, func() error {
		var callErr error
		fragment, callErr = o.client.AnalyzeImage(ctx, session.Images[0])
		return callErr
	})
	if err != nil {
		o.failLocked(ctx, session, FailureAnalysisError, "image analysis failed", err)
		return
	}
	o.archiveJobLocked(session)

	session.Context.Merge(fragment)
	if o.engine.Complete(session.Context) {
		// Analysis alone can satisfy the interview; skip straight to the
		// script.
		o.generateScriptLocked(ctx, session)
		return
	}

	o.transitionLocked(session, StageConversing)
	if turn, ok := o.engine.FirstQuestion(session.Context); ok {
		session.Turns = append(session.Turns, turn)
	}
}

// SubmitMessage ingests one user message during the interview. It returns a
// VALIDATION error when the session is not in Conversing. When the message
// completes the interview the session advances through script generation
// before returning.
func (o *Orchestrator) SubmitMessage(ctx context.Context, sessionID, message string) (*Snapshot, error) {
	session, err := o.get(sessionID)
	if err != nil {
		return nil, err
	}

	session.mu.Lock()
	defer session.mu.Unlock()

	if session.Stage != StageConversing {
		return nil, pipeerr.Validation("session is not accepting messages in stage " + string(session.Stage))
	}

	history := append([]generation.Turn(nil), session.Turns...)
	session.Turns = append(session.Turns, generation.TextTurn(generation.TurnRoleUser, message))

	var result *conversation.Result
	err = o.withRetry(ctx, session, func() error {
		var callErr error
		result, callErr = o.engine.Ingest(ctx, session.Context, history, message)
		return callErr
	})
	if err != nil {
		// Extraction failures are not fatal to the session: the user turn
		// stays recorded and the message can be resent.
		o.persistLocked(ctx, session)
		return nil, err
	}

	session.Context = result.UpdatedContext
	session.Turns = append(session.Turns, result.Turn)
	session.UpdatedAt = time.Now()

	if result.Complete {
		o.generateScriptLocked(ctx, session)
	}

	o.persistLocked(ctx, session)
	return session.snapshotLocked(), nil
}

func (o *Orchestrator) generateScriptLocked(ctx context.Context, session *Session) {
	o.transitionLocked(session, StageGeneratingScript)
	session.Job = o.newJobLocked(generation.JobKindScript)

	var script *generation.Script
	err := o.withRetry(ctx, session, func() error {
		var callErr error
		script, callErr = o.client.GenerateScript(ctx, session.Context)
		return callErr
	})
	if err != nil {
		o.failLocked(ctx, session, FailureScriptError, "script generation failed", err)
		return
	}
	o.archiveJobLocked(session)

	session.Script = script
	if html, err := RenderScriptHTML(script); err != nil {
		o.logger.Warn("failed to render script html", "session_id", session.ID, "error", err)
	} else {
		session.ScriptHTML = html
	}

	o.transitionLocked(session, StageAwaitingScriptApproval)
}

// ApproveScript reserves credits and submits the video job. Credits are
// reserved before any backend call; when submission fails the reservation is
// refunded and the session fails. On success the job is handed to the
// polling scheduler and the session moves to PollingVideo.
func (o *Orchestrator) ApproveScript(ctx context.Context, sessionID string) (*Snapshot, error) {
	session, err := o.get(sessionID)
	if err != nil {
		return nil, err
	}

	session.mu.Lock()
	defer session.mu.Unlock()

	if session.Stage != StageAwaitingScriptApproval {
		return nil, pipeerr.Validation("no script awaiting approval in stage " + string(session.Stage))
	}

	jobID := shortuuid.New()
	reservationID, err := o.ledger.Reserve(ctx, session.UserID, jobID, o.config.VideoJobCreditCost)
	if err != nil {
		// Insufficient credits leave the session untouched in
		// AwaitingScriptApproval: the user can recharge and approve again.
		return nil, err
	}

	o.transitionLocked(session, StageSubmittingVideo)
	session.Job = &Job{
		ID:            jobID,
		Kind:          generation.JobKindVideo,
		Status:        generation.JobStateQueued,
		Attempts:      1,
		ReservationID: reservationID,
		Reserved:      o.config.VideoJobCreditCost,
		SubmittedAt:   time.Now(),
	}

	// Submission is never retried: the backend may have accepted the job
	// even when the response was lost, and a retry would double-render and
	// double-charge.
	handle, err := o.client.SubmitVideoJob(ctx, session.Script, session.Images, session.Params)
	if err != nil {
		o.failLocked(ctx, session, FailureSubmissionError, "video submission failed", err)
		o.persistLocked(ctx, session)
		return session.snapshotLocked(), nil
	}

	session.Job.Handle = handle
	session.Job.Status = generation.JobStateProcessing
	o.transitionLocked(session, StagePollingVideo)

	o.scheduler.Watch(jobID, handle, func(update polling.TerminalUpdate) {
		o.OnJobTerminal(session.ID, update)
	})

	o.persistLocked(ctx, session)
	return session.snapshotLocked(), nil
}

// OnJobTerminal settles a finished video job: commit credits and record the
// result on completion, refund on failure or timeout. Late or duplicate
// notifications for a session no longer polling that job are ignored, so
// delivery is effectively idempotent.
func (o *Orchestrator) OnJobTerminal(sessionID string, update polling.TerminalUpdate) {
	ctx := context.Background()

	session, err := o.get(sessionID)
	if err != nil {
		o.logger.Warn("terminal update for unknown session",
			"session_id", sessionID, "job_id", update.JobID)
		return
	}

	session.mu.Lock()
	defer session.mu.Unlock()

	if session.Stage != StagePollingVideo || session.Job == nil || session.Job.ID != update.JobID {
		o.logger.Debug("ignoring stale terminal update",
			"session_id", sessionID, "job_id", update.JobID, "stage", string(session.Stage))
		return
	}

	job := session.Job
	job.Status = update.Status.State
	if update.Status.ProgressPercent > 0 {
		job.Progress = update.Status.ProgressPercent
	}

	switch update.Status.State {
	case generation.JobStateCompleted:
		if err := o.ledger.Commit(ctx, job.ReservationID); err != nil {
			o.logger.Error("failed to commit reservation",
				"session_id", sessionID, "reservation_id", job.ReservationID, "error", err)
		}
		job.ReservationID = ""
		job.Progress = 100
		session.Result = &Result{
			VideoURL:     update.Status.ResultURL,
			ThumbnailURL: update.Status.ThumbnailURL,
		}
		o.transitionLocked(session, StageCompleted)
		o.metrics.RecordSessionCompleted()
	default:
		kind := FailureGenerationError
		if update.Timeout {
			kind = FailureTimeout
		}
		message := update.Status.Error
		if message == "" {
			message = "video generation failed"
		}
		o.failLocked(ctx, session, kind, message, nil)
	}

	o.persistLocked(ctx, session)
}

// CancelSession aborts a non-terminal session: any active poll watch is
// cancelled, pending credits are refunded, and the session fails with
// Cancelled.
func (o *Orchestrator) CancelSession(ctx context.Context, sessionID string) (*Snapshot, error) {
	session, err := o.get(sessionID)
	if err != nil {
		return nil, err
	}

	session.mu.Lock()
	defer session.mu.Unlock()

	if session.Stage.IsTerminal() {
		return nil, pipeerr.Validation("session already " + string(session.Stage))
	}

	if session.Job != nil && session.Job.Kind == generation.JobKindVideo {
		o.scheduler.Cancel(session.Job.ID)
	}

	o.failLocked(ctx, session, FailureCancelled, "cancelled by user", nil)
	o.persistLocked(ctx, session)
	return session.snapshotLocked(), nil
}

// RestartSession starts a fresh session reusing a terminal session's photo
// and rendering parameters. The old session is left untouched.
func (o *Orchestrator) RestartSession(ctx context.Context, sessionID string) (*Snapshot, error) {
	session, err := o.get(sessionID)
	if err != nil {
		return nil, err
	}

	session.mu.Lock()
	if !session.Stage.IsTerminal() {
		session.mu.Unlock()
		return nil, pipeerr.Validation("only a finished session can be restarted")
	}
	userID := session.UserID
	image := append([]byte(nil), session.Images[0]...)
	params := session.Params
	session.mu.Unlock()

	return o.StartSession(ctx, userID, image, params)
}

// Session returns a snapshot of the session's observable state.
func (o *Orchestrator) Session(sessionID string) (*Snapshot, error) {
	session, err := o.get(sessionID)
	if err != nil {
		return nil, err
	}
	session.mu.Lock()
	defer session.mu.Unlock()
	return session.snapshotLocked(), nil
}

// ListSessions returns snapshots of the user's sessions, newest first.
func (o *Orchestrator) ListSessions(userID string) []*Snapshot {
	o.mu.RLock()
	sessions := make([]*Session, 0)
	for _, session := range o.sessions {
		if session.UserID == userID {
			sessions = append(sessions, session)
		}
	}
	o.mu.RUnlock()

	snapshots := make([]*Snapshot, 0, len(sessions))
	for _, session := range sessions {
		session.mu.Lock()
		snapshots = append(snapshots, session.snapshotLocked())
		session.mu.Unlock()
	}
	sort.Slice(snapshots, func(i, j int) bool {
		return snapshots[i].CreatedAt.After(snapshots[j].CreatedAt)
	})
	return snapshots
}

func (o *Orchestrator) get(sessionID string) (*Session, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	session, ok := o.sessions[sessionID]
	if !ok {
		return nil, pipeerr.NotFound("unknown session " + sessionID)
	}
	return session, nil
}

func (o *Orchestrator) newJobLocked(kind generation.JobKind) *Job {
	return &Job{
		ID:          shortuuid.New(),
		Kind:        kind,
		Status:      generation.JobStateProcessing,
		SubmittedAt: time.Now(),
	}
}

func (o *Orchestrator) archiveJobLocked(session *Session) {
	if session.Job != nil {
		session.Job.Status = generation.JobStateCompleted
		session.Job = nil
	}
}

// withRetry runs fn up to MaxRetryAttempts times, backing off exponentially
// between attempts. Only errors the taxonomy marks retryable are retried;
// attempts are recorded on the session's active job.
func (o *Orchestrator) withRetry(ctx context.Context, session *Session, fn func() error) error {
	var lastErr error
	for attempt := 1; attempt <= o.config.MaxRetryAttempts; attempt++ {
		if session.Job != nil {
			session.Job.Attempts = attempt
		}
		start := time.Now()
		err := fn()
		if session.Job != nil {
			o.metrics.RecordJobCall(string(session.Job.Kind), time.Since(start), err != nil)
		}
		if err == nil {
			return nil
		}
		lastErr = err
		if session.Job != nil {
			session.Job.LastError = err.Error()
		}
		if !pipeerr.IsRetryable(err) || attempt == o.config.MaxRetryAttempts {
			break
		}

		backoff := o.config.RetryBackoffBase << (attempt - 1)
		o.logger.Warn("retrying after transient error",
			"session_id", session.ID, "attempt", attempt, "backoff", backoff, "error", err)
		if sleepErr := o.sleep(ctx, backoff); sleepErr != nil {
			return lastErr
		}
	}
	return lastErr
}

// failLocked moves the session to Failed, refunding any pending credit
// reservation first so a failed session never holds credits.
func (o *Orchestrator) failLocked(ctx context.Context, session *Session, kind FailureKind, message string, cause error) {
	if session.Job != nil {
		if session.Job.ReservationID != "" {
			if err := o.ledger.Refund(ctx, session.Job.ReservationID); err != nil {
				o.logger.Error("failed to refund reservation",
					"session_id", session.ID,
					"reservation_id", session.Job.ReservationID,
					"error", err)
			}
			session.Job.ReservationID = ""
		}
		session.Job.Status = generation.JobStateFailed
		if cause != nil {
			session.Job.LastError = cause.Error()
		}
	}

	if cause != nil {
		message = message + ": " + cause.Error()
	}
	session.Failure = &Failure{Kind: kind, Message: message}
	o.transitionLocked(session, StageFailed)
	o.metrics.RecordSessionFailed(string(kind))

	o.logger.Warn("session failed",
		"session_id", session.ID, "kind", string(kind), "message", message)
}

func (o *Orchestrator) transitionLocked(session *Session, next Stage) {
	o.logger.Debug("stage transition",
		"session_id", session.ID, "from", string(session.Stage), "to", string(next))
	session.Stage = next
	session.UpdatedAt = time.Now()
}

// persistLocked writes the session snapshot through the store. Persistence
// is best effort: a storage error is logged and never fails the pipeline
// operation.
func (o *Orchestrator) persistLocked(ctx context.Context, session *Session) {
	if o.store == nil {
		return
	}
	snapshot, err := json.Marshal(session.snapshotLocked())
	if err != nil {
		o.logger.Warn("failed to encode session snapshot", "session_id", session.ID, "error", err)
		return
	}
	if err := o.store.UpsertPipelineSession(ctx, &store.PipelineSession{
		UID:       session.ID,
		UserID:    session.UserID,
		Stage:     string(session.Stage),
		Snapshot:  string(snapshot),
		CreatedTs: session.CreatedAt.Unix(),
		UpdatedTs: session.UpdatedAt.Unix(),
	}); err != nil {
		o.logger.Warn("failed to persist session", "session_id", session.ID, "error", err)
	}
}
