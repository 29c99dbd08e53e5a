// Package pipeline owns the session state machine that turns a product
// photo into a rendered promo video: image analysis, the product interview,
// script generation and approval, video submission and polling, and credit
// settlement.
package pipeline

import (
	"sync"
	"time"

	"github.com/reelsmith/reelsmith/plugin/generation"
)

// Stage is the session's position in the pipeline state machine.
type Stage string

const (
	StageCreated                Stage = "Created"
	StageAnalyzingImage         Stage = "AnalyzingImage"
	StageConversing             Stage = "Conversing"
	StageGeneratingScript       Stage = "GeneratingScript"
	StageAwaitingScriptApproval Stage = "AwaitingScriptApproval"
	StageSubmittingVideo        Stage = "SubmittingVideo"
	StagePollingVideo           Stage = "PollingVideo"
	StageCompleted              Stage = "Completed"
	StageFailed                 Stage = "Failed"
)

// IsTerminal reports whether no further transitions can occur.
func (s Stage) IsTerminal() bool {
	return s == StageCompleted || s == StageFailed
}

// FailureKind classifies why a session failed.
type FailureKind string

const (
	FailureAnalysisError      FailureKind = "AnalysisError"
	FailureScriptError        FailureKind = "ScriptError"
	FailureSubmissionError    FailureKind = "SubmissionError"
	FailureGenerationError    FailureKind = "GenerationError"
	FailureTimeout            FailureKind = "Timeout"
	FailureCancelled          FailureKind = "Cancelled"
	FailureInsufficientCredit FailureKind = "InsufficientCredits"
)

// Failure is the terminal failure record of a session.
type Failure struct {
	Kind    FailureKind `json:"kind"`
	Message string      `json:"message"`
}

// Job tracks the session's current generation job. A session has at most
// one non-terminal job at any time.
type Job struct {
	ID            string                `json:"id"`
	Kind          generation.JobKind    `json:"kind"`
	Handle        generation.JobHandle  `json:"handle"`
	Status        generation.JobState   `json:"status"`
	Progress      int                   `json:"progress"`
	Attempts      int                   `json:"attempts"`
	LastError     string                `json:"lastError,omitempty"`
	ReservationID string                `json:"reservationId,omitempty"`
	Reserved      int64                 `json:"reserved"`
	SubmittedAt   time.Time             `json:"submittedAt"`
}

// Result is the terminal output of a completed session.
type Result struct {
	VideoURL     string `json:"videoUrl"`
	ThumbnailURL string `json:"thumbnailUrl,omitempty"`
}

// Session is one end-to-end pipeline run. It is owned exclusively by the
// orchestrator and mutated only under its lock; stage-advancing operations
// for the same session never run concurrently.
type Session struct {
	mu sync.Mutex

	ID      string
	UserID  string
	Stage   Stage
	Context generation.ProductContext
	Turns   []generation.Turn

	Script     *generation.Script
	ScriptHTML string

	// Images are the prepared product photos, kept for the video job.
	Images [][]byte
	Params generation.VideoParams

	Job     *Job
	Result  *Result
	Failure *Failure

	CreatedAt time.Time
	UpdatedAt time.Time
}

// JobView is the caller-facing view of the session's job.
type JobView struct {
	ID        string              `json:"id"`
	Kind      generation.JobKind  `json:"kind"`
	Status    generation.JobState `json:"status"`
	Progress  int                 `json:"progress"`
	Attempts  int                 `json:"attempts"`
	LastError string              `json:"lastError,omitempty"`
}

// Snapshot is the observable state surface of a session: everything the
// presentation layer needs to render forms, chat and the gallery.
type Snapshot struct {
	ID         string                    `json:"id"`
	UserID     string                    `json:"userId"`
	Stage      Stage                     `json:"stage"`
	Context    generation.ProductContext `json:"context"`
	Turns      []generation.Turn         `json:"turns"`
	Script     *generation.Script        `json:"script,omitempty"`
	ScriptHTML string                    `json:"scriptHtml,omitempty"`
	Job        *JobView                  `json:"job,omitempty"`
	Result     *Result                   `json:"result,omitempty"`
	Failure    *Failure                  `json:"failure,omitempty"`
	CreatedAt  time.Time                 `json:"createdAt"`
	UpdatedAt  time.Time                 `json:"updatedAt"`
}

// snapshotLocked builds a deep-enough copy of the observable state. Caller
// must hold the session lock.
func (s *Session) snapshotLocked() *Snapshot {
	snap := &Snapshot{
		ID:         s.ID,
		UserID:     s.UserID,
		Stage:      s.Stage,
		Context:    s.Context.Clone(),
		Turns:      append([]generation.Turn(nil), s.Turns...),
		Script:     s.Script,
		ScriptHTML: s.ScriptHTML,
		CreatedAt:  s.CreatedAt,
		UpdatedAt:  s.UpdatedAt,
	}
	if s.Job != nil {
		snap.Job = &JobView{
			ID:        s.Job.ID,
			Kind:      s.Job.Kind,
			Status:    s.Job.Status,
			Progress:  s.Job.Progress,
			Attempts:  s.Job.Attempts,
			LastError: s.Job.LastError,
		}
	}
	if s.Result != nil {
		result := *s.Result
		snap.Result = &result
	}
	if s.Failure != nil {
		failure := *s.Failure
		snap.Failure = &failure
	}
	return snap
}
