package pipeline

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reelsmith/reelsmith/plugin/generation"
	"github.com/reelsmith/reelsmith/server/ledger"
	"github.com/reelsmith/reelsmith/server/polling"

	pipeerr "github.com/reelsmith/reelsmith/internal/errors"
)

var testRequired = []string{
	generation.FieldProductName,
	generation.FieldMarket,
	generation.FieldAgeGroup,
	generation.FieldGender,
	generation.FieldStyle,
	generation.FieldSellingPoints,
}

func fullContext() generation.ProductContext {
	return generation.ProductContext{
		generation.FieldProductName:   "GlowSerum",
		generation.FieldMarket:        "Indonesia",
		generation.FieldAgeGroup:      "GenZ",
		generation.FieldGender:        "female",
		generation.FieldStyle:         "realistic",
		generation.FieldSellingPoints: "fast absorbing, vegan",
	}
}

func testImage(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for x := 0; x < 8; x++ {
		for y := 0; y < 8; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 30), G: uint8(y * 30), B: 120, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

type fixture struct {
	orchestrator *Orchestrator
	client       *generation.MockClient
	scheduler    *polling.Scheduler
	ledger       *ledger.Ledger
}

func newFixture(t *testing.T, client *generation.MockClient) *fixture {
	t.Helper()
	scheduler := polling.NewScheduler(client, polling.Config{
		Interval:      time.Millisecond,
		Timeout:       time.Second,
		MaxConcurrent: 4,
	})
	creditLedger := ledger.New(nil)
	orchestrator := New(client, scheduler, creditLedger, nil, Config{
		MaxRetryAttempts:      3,
		RetryBackoffBase:      time.Millisecond,
		VideoJobCreditCost:    100,
		RequiredContextFields: testRequired,
	})
	orchestrator.SetSleep(func(context.Context, time.Duration) error { return nil })
	return &fixture{
		orchestrator: orchestrator,
		client:       client,
		scheduler:    scheduler,
		ledger:       creditLedger,
	}
}

func (f *fixture) grant(t *testing.T, userID string, amount int64) {
	t.Helper()
	_, err := f.ledger.Grant(context.Background(), userID, amount)
	require.NoError(t, err)
}

// approved drives a session from photo to PollingVideo for tests that care
// about the tail of the pipeline.
func (f *fixture) approved(t *testing.T, userID string) *Snapshot {
	t.Helper()
	f.client.AnalyzeFragment = fullContext()
	snapshot, err := f.orchestrator.StartSession(context.Background(), userID, testImage(t), generation.VideoParams{})
	require.NoError(t, err)
	require.Equal(t, StageAwaitingScriptApproval, snapshot.Stage)

	snapshot, err = f.orchestrator.ApproveScript(context.Background(), snapshot.ID)
	require.NoError(t, err)
	return snapshot
}

func (f *fixture) waitForStage(t *testing.T, sessionID string, stage Stage) *Snapshot {
	t.Helper()
	var snapshot *Snapshot
	require.Eventually(t, func() bool {
		var err error
		snapshot, err = f.orchestrator.Session(sessionID)
		return err == nil && snapshot.Stage == stage
	}, 2*time.Second, time.Millisecond, "session never reached %s", stage)
	return snapshot
}

func TestStartSessionOpensInterview(t *testing.T) {
	client := generation.NewMockClient()
	client.AnalyzeFragment = generation.ProductContext{
		generation.FieldProductName: "GlowSerum",
		generation.FieldDescription: "a facial serum",
	}
	f := newFixture(t, client)

	snapshot, err := f.orchestrator.StartSession(context.Background(), "user-1", testImage(t), generation.VideoParams{})
	require.NoError(t, err)

	assert.Equal(t, StageConversing, snapshot.Stage)
	assert.Equal(t, "GlowSerum", snapshot.Context.Get(generation.FieldProductName))
	require.Len(t, snapshot.Turns, 1)
	assert.Equal(t, generation.FieldMarket, snapshot.Turns[0].Field, "opens with the first missing field")
	assert.Nil(t, snapshot.Script)
}

func TestStartSessionSkipsInterviewWhenAnalysisIsComplete(t *testing.T) {
	client := generation.NewMockClient()
	client.AnalyzeFragment = fullContext()
	f := newFixture(t, client)

	snapshot, err := f.orchestrator.StartSession(context.Background(), "user-1", testImage(t), generation.VideoParams{})
	require.NoError(t, err)

	assert.Equal(t, StageAwaitingScriptApproval, snapshot.Stage)
	assert.Equal(t, 0, client.Calls("ExtractFields"), "no interview when analysis fills everything")
	require.NotNil(t, snapshot.Script)
	assert.NotEmpty(t, snapshot.ScriptHTML)
}

func TestStartSessionValidation(t *testing.T) {
	f := newFixture(t, generation.NewMockClient())

	_, err := f.orchestrator.StartSession(context.Background(), "", testImage(t), generation.VideoParams{})
	assert.True(t, pipeerr.IsCode(err, pipeerr.ErrCodeValidation))

	_, err = f.orchestrator.StartSession(context.Background(), "user-1", nil, generation.VideoParams{})
	assert.True(t, pipeerr.IsCode(err, pipeerr.ErrCodeValidation))

	_, err = f.orchestrator.StartSession(context.Background(), "user-1", []byte("not an image"), generation.VideoParams{})
	assert.True(t, pipeerr.IsCode(err, pipeerr.ErrCodeValidation))
}

func TestAnalysisRetriesTransientErrors(t *testing.T) {
	client := generation.NewMockClient()
	client.AnalyzeErrs = []error{
		pipeerr.TransientService("blip", nil),
		pipeerr.TransientService("blip", nil),
		nil,
	}
	client.AnalyzeFragment = generation.ProductContext{generation.FieldProductName: "GlowSerum"}
	f := newFixture(t, client)

	snapshot, err := f.orchestrator.StartSession(context.Background(), "user-1", testImage(t), generation.VideoParams{})
	require.NoError(t, err)

	assert.Equal(t, StageConversing, snapshot.Stage)
	assert.Equal(t, 3, client.Calls("AnalyzeImage"))
}

func TestAnalysisFailsAfterRetriesExhausted(t *testing.T) {
	client := generation.NewMockClient()
	client.AnalyzeErrs = []error{
		pipeerr.TransientService("down", nil),
		pipeerr.TransientService("down", nil),
		pipeerr.TransientService("down", nil),
	}
	f := newFixture(t, client)

	snapshot, err := f.orchestrator.StartSession(context.Background(), "user-1", testImage(t), generation.VideoParams{})
	require.NoError(t, err)

	assert.Equal(t, StageFailed, snapshot.Stage)
	require.NotNil(t, snapshot.Failure)
	assert.Equal(t, FailureAnalysisError, snapshot.Failure.Kind)
	assert.Equal(t, 3, client.Calls("AnalyzeImage"))
}

func TestPermanentErrorIsNotRetried(t *testing.T) {
	client := generation.NewMockClient()
	client.AnalyzeErrs = []error{pipeerr.PermanentService("rejected", nil)}
	f := newFixture(t, client)

	snapshot, err := f.orchestrator.StartSession(context.Background(), "user-1", testImage(t), generation.VideoParams{})
	require.NoError(t, err)

	assert.Equal(t, StageFailed, snapshot.Stage)
	assert.Equal(t, 1, client.Calls("AnalyzeImage"))
}

func TestConversationToScript(t *testing.T) {
	client := generation.NewMockClient()
	client.AnalyzeFragment = generation.ProductContext{generation.FieldProductName: "GlowSerum"}
	client.ExtractQueue = []*generation.Extraction{
		{Fields: generation.ProductContext{generation.FieldMarket: "Indonesia"}},
		{Fields: generation.ProductContext{
			generation.FieldAgeGroup:      "GenZ",
			generation.FieldGender:        "female",
			generation.FieldStyle:         "realistic",
			generation.FieldSellingPoints: "vegan",
		}},
	}
	f := newFixture(t, client)

	snapshot, err := f.orchestrator.StartSession(context.Background(), "user-1", testImage(t), generation.VideoParams{})
	require.NoError(t, err)
	require.Equal(t, StageConversing, snapshot.Stage)

	snapshot, err = f.orchestrator.SubmitMessage(context.Background(), snapshot.ID, "Indonesia")
	require.NoError(t, err)
	assert.Equal(t, StageConversing, snapshot.Stage)

	snapshot, err = f.orchestrator.SubmitMessage(context.Background(), snapshot.ID, "gen z girls, realistic, vegan")
	require.NoError(t, err)
	assert.Equal(t, StageAwaitingScriptApproval, snapshot.Stage)
	require.NotNil(t, snapshot.Script)

	// Both user messages and all assistant turns are recorded in order.
	roles := make([]generation.TurnRole, 0, len(snapshot.Turns))
	for _, turn := range snapshot.Turns {
		roles = append(roles, turn.Role)
	}
	assert.Equal(t, []generation.TurnRole{
		generation.TurnRoleAssistant,
		generation.TurnRoleUser,
		generation.TurnRoleAssistant,
		generation.TurnRoleUser,
		generation.TurnRoleAssistant,
	}, roles)
}

func TestSubmitMessageOutsideConversing(t *testing.T) {
	client := generation.NewMockClient()
	client.AnalyzeFragment = fullContext()
	f := newFixture(t, client)

	snapshot, err := f.orchestrator.StartSession(context.Background(), "user-1", testImage(t), generation.VideoParams{})
	require.NoError(t, err)
	require.Equal(t, StageAwaitingScriptApproval, snapshot.Stage)

	_, err = f.orchestrator.SubmitMessage(context.Background(), snapshot.ID, "hello?")
	assert.True(t, pipeerr.IsCode(err, pipeerr.ErrCodeValidation))
}

func TestScriptFailureAfterRetries(t *testing.T) {
	client := generation.NewMockClient()
	client.AnalyzeFragment = fullContext()
	client.ScriptErrs = []error{
		pipeerr.TransientService("busy", nil),
		pipeerr.TransientService("busy", nil),
		pipeerr.TransientService("busy", nil),
	}
	f := newFixture(t, client)

	snapshot, err := f.orchestrator.StartSession(context.Background(), "user-1", testImage(t), generation.VideoParams{})
	require.NoError(t, err)

	assert.Equal(t, StageFailed, snapshot.Stage)
	assert.Equal(t, FailureScriptError, snapshot.Failure.Kind)
	assert.Equal(t, 3, client.Calls("GenerateScript"))
}

func TestApproveWithoutCreditsLeavesSessionIntact(t *testing.T) {
	client := generation.NewMockClient()
	f := newFixture(t, client)
	f.grant(t, "user-1", 50) // below the 100 credit cost

	client.AnalyzeFragment = fullContext()
	snapshot, err := f.orchestrator.StartSession(context.Background(), "user-1", testImage(t), generation.VideoParams{})
	require.NoError(t, err)
	require.Equal(t, StageAwaitingScriptApproval, snapshot.Stage)

	_, err = f.orchestrator.ApproveScript(context.Background(), snapshot.ID)
	require.Error(t, err)
	assert.True(t, pipeerr.IsCode(err, pipeerr.ErrCodeInsufficientCredits))

	snapshot, err = f.orchestrator.Session(snapshot.ID)
	require.NoError(t, err)
	assert.Equal(t, StageAwaitingScriptApproval, snapshot.Stage, "session stays approvable")
	assert.Equal(t, 0, client.Calls("SubmitVideoJob"), "no backend call without credits")
	assert.Equal(t, int64(50), f.ledger.Balance("user-1"))
}

func TestHappyPathCompletesAndCommitsCredits(t *testing.T) {
	client := generation.NewMockClient()
	client.QueuePoll("job-1",
		&generation.JobStatus{State: generation.JobStateProcessing, ProgressPercent: 50},
		&generation.JobStatus{
			State:        generation.JobStateCompleted,
			ResultURL:    "https://cdn/video.mp4",
			ThumbnailURL: "https://cdn/thumb.jpg",
		},
	)
	f := newFixture(t, client)
	f.grant(t, "user-1", 520)

	snapshot := f.approved(t, "user-1")
	assert.Equal(t, StagePollingVideo, snapshot.Stage)
	assert.Equal(t, int64(420), f.ledger.Balance("user-1"), "credits held while rendering")

	snapshot = f.waitForStage(t, snapshot.ID, StageCompleted)
	require.NotNil(t, snapshot.Result)
	assert.Equal(t, "https://cdn/video.mp4", snapshot.Result.VideoURL)
	assert.Equal(t, "https://cdn/thumb.jpg", snapshot.Result.ThumbnailURL)
	assert.Equal(t, int64(420), f.ledger.Balance("user-1"), "committed credits are spent")
	assert.Nil(t, snapshot.Failure)
}

func TestVideoFailureRefunds(t *testing.T) {
	client := generation.NewMockClient()
	client.QueuePoll("job-1", &generation.JobStatus{
		State: generation.JobStateFailed,
		Error: "render farm exploded",
	})
	f := newFixture(t, client)
	f.grant(t, "user-1", 520)

	snapshot := f.approved(t, "user-1")
	snapshot = f.waitForStage(t, snapshot.ID, StageFailed)

	assert.Equal(t, FailureGenerationError, snapshot.Failure.Kind)
	assert.Contains(t, snapshot.Failure.Message, "render farm exploded")
	assert.Equal(t, int64(520), f.ledger.Balance("user-1"), "failed render refunds the hold")
}

func TestSubmissionFailureRefunds(t *testing.T) {
	client := generation.NewMockClient()
	client.SubmitErr = pipeerr.PermanentService("invalid size", nil)
	f := newFixture(t, client)
	f.grant(t, "user-1", 520)

	snapshot := f.approved(t, "user-1")

	assert.Equal(t, StageFailed, snapshot.Stage)
	assert.Equal(t, FailureSubmissionError, snapshot.Failure.Kind)
	assert.Equal(t, int64(520), f.ledger.Balance("user-1"))
	assert.Equal(t, 1, client.Calls("SubmitVideoJob"), "submission is never retried")
}

func TestPollTimeoutRefunds(t *testing.T) {
	client := generation.NewMockClient() // job never finishes
	scheduler := polling.NewScheduler(client, polling.Config{
		Interval:      time.Millisecond,
		Timeout:       20 * time.Millisecond,
		MaxConcurrent: 4,
	})
	creditLedger := ledger.New(nil)
	orchestrator := New(client, scheduler, creditLedger, nil, Config{
		MaxRetryAttempts:      3,
		RetryBackoffBase:      time.Millisecond,
		VideoJobCreditCost:    100,
		RequiredContextFields: testRequired,
	})
	f := &fixture{orchestrator: orchestrator, client: client, scheduler: scheduler, ledger: creditLedger}
	f.grant(t, "user-1", 520)

	snapshot := f.approved(t, "user-1")
	snapshot = f.waitForStage(t, snapshot.ID, StageFailed)

	assert.Equal(t, FailureTimeout, snapshot.Failure.Kind)
	assert.Equal(t, int64(520), f.ledger.Balance("user-1"), "timeout refunds the hold")
}

func TestCancelDuringPollingRefunds(t *testing.T) {
	client := generation.NewMockClient() // job never finishes
	f := newFixture(t, client)
	f.grant(t, "user-1", 520)

	snapshot := f.approved(t, "user-1")
	require.Equal(t, StagePollingVideo, snapshot.Stage)
	require.NotNil(t, snapshot.Job)
	jobID := snapshot.Job.ID

	snapshot, err := f.orchestrator.CancelSession(context.Background(), snapshot.ID)
	require.NoError(t, err)

	assert.Equal(t, StageFailed, snapshot.Stage)
	assert.Equal(t, FailureCancelled, snapshot.Failure.Kind)
	assert.Equal(t, int64(520), f.ledger.Balance("user-1"))
	assert.False(t, f.scheduler.Watching(jobID))

	// A terminal update racing the cancellation must be ignored.
	f.orchestrator.OnJobTerminal(snapshot.ID, polling.TerminalUpdate{
		JobID:  jobID,
		Status: generation.JobStatus{State: generation.JobStateCompleted, ResultURL: "late"},
	})
	snapshot, err = f.orchestrator.Session(snapshot.ID)
	require.NoError(t, err)
	assert.Equal(t, StageFailed, snapshot.Stage)
	assert.Nil(t, snapshot.Result)
}

func TestCancelTerminalSessionRejected(t *testing.T) {
	client := generation.NewMockClient()
	client.QueuePoll("job-1", &generation.JobStatus{State: generation.JobStateCompleted, ResultURL: "url"})
	f := newFixture(t, client)
	f.grant(t, "user-1", 520)

	snapshot := f.approved(t, "user-1")
	f.waitForStage(t, snapshot.ID, StageCompleted)

	_, err := f.orchestrator.CancelSession(context.Background(), snapshot.ID)
	assert.True(t, pipeerr.IsCode(err, pipeerr.ErrCodeValidation))
}

func TestOnJobTerminalIsIdempotent(t *testing.T) {
	client := generation.NewMockClient()
	client.QueuePoll("job-1", &generation.JobStatus{State: generation.JobStateCompleted, ResultURL: "url"})
	f := newFixture(t, client)
	f.grant(t, "user-1", 520)

	snapshot := f.approved(t, "user-1")
	require.NotNil(t, snapshot.Job)
	jobID := snapshot.Job.ID
	f.waitForStage(t, snapshot.ID, StageCompleted)

	// A duplicate delivery neither changes the stage nor settles twice.
	f.orchestrator.OnJobTerminal(snapshot.ID, polling.TerminalUpdate{
		JobID:  jobID,
		Status: generation.JobStatus{State: generation.JobStateFailed, Error: "duplicate"},
	})

	snapshot, err := f.orchestrator.Session(snapshot.ID)
	require.NoError(t, err)
	assert.Equal(t, StageCompleted, snapshot.Stage)
	assert.Equal(t, int64(420), f.ledger.Balance("user-1"))
}

func TestRestartSession(t *testing.T) {
	client := generation.NewMockClient()
	client.QueuePoll("job-1", &generation.JobStatus{State: generation.JobStateCompleted, ResultURL: "url"})
	f := newFixture(t, client)
	f.grant(t, "user-1", 520)

	snapshot := f.approved(t, "user-1")
	f.waitForStage(t, snapshot.ID, StageCompleted)

	restarted, err := f.orchestrator.RestartSession(context.Background(), snapshot.ID)
	require.NoError(t, err)
	assert.NotEqual(t, snapshot.ID, restarted.ID)
	assert.Equal(t, StageAwaitingScriptApproval, restarted.Stage)

	// The original session is untouched.
	original, err := f.orchestrator.Session(snapshot.ID)
	require.NoError(t, err)
	assert.Equal(t, StageCompleted, original.Stage)
}

func TestRestartRequiresTerminalSession(t *testing.T) {
	client := generation.NewMockClient()
	client.AnalyzeFragment = generation.ProductContext{generation.FieldProductName: "GlowSerum"}
	f := newFixture(t, client)

	snapshot, err := f.orchestrator.StartSession(context.Background(), "user-1", testImage(t), generation.VideoParams{})
	require.NoError(t, err)

	_, err = f.orchestrator.RestartSession(context.Background(), snapshot.ID)
	assert.True(t, pipeerr.IsCode(err, pipeerr.ErrCodeValidation))
}

func TestListSessions(t *testing.T) {
	client := generation.NewMockClient()
	client.AnalyzeFragment = generation.ProductContext{generation.FieldProductName: "GlowSerum"}
	f := newFixture(t, client)

	first, err := f.orchestrator.StartSession(context.Background(), "user-1", testImage(t), generation.VideoParams{})
	require.NoError(t, err)
	_, err = f.orchestrator.StartSession(context.Background(), "user-2", testImage(t), generation.VideoParams{})
	require.NoError(t, err)

	sessions := f.orchestrator.ListSessions("user-1")
	require.Len(t, sessions, 1)
	assert.Equal(t, first.ID, sessions[0].ID)

	assert.Empty(t, f.orchestrator.ListSessions("nobody"))
}

func TestSessionNotFound(t *testing.T) {
	f := newFixture(t, generation.NewMockClient())
	_, err := f.orchestrator.Session("missing")
	assert.True(t, pipeerr.IsCode(err, pipeerr.ErrCodeNotFound))
}

func TestDefaultVideoParams(t *testing.T) {
	client := generation.NewMockClient()
	client.AnalyzeFragment = fullContext()
	f := newFixture(t, client)
	f.grant(t, "user-1", 520)

	snapshot, err := f.orchestrator.StartSession(context.Background(), "user-1", testImage(t), generation.VideoParams{})
	require.NoError(t, err)

	session, err := f.orchestrator.get(snapshot.ID)
	require.NoError(t, err)
	assert.Equal(t, "vertical", session.Params.Orientation)
	assert.Equal(t, "1080p", session.Params.Size)
	assert.Equal(t, 15, session.Params.DurationSeconds)
}
