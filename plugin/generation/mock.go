package generation

import (
	"context"
	"sync"
)

// MockClient is a scripted, deterministic implementation of Client for
// testing. Responses are queued per call; when a queue runs dry the mock
// falls back to a fixed default, so tests only script what they care about.
type MockClient struct {
	mu sync.Mutex

	// AnalyzeFragment is returned by AnalyzeImage when AnalyzeErrs is empty.
	AnalyzeFragment ProductContext
	// AnalyzeErrs is popped first; a nil entry means "succeed this call".
	AnalyzeErrs []error

	// ExtractQueue is popped per ExtractFields call.
	ExtractQueue []*Extraction
	ExtractErrs  []error

	// ScriptQueue is popped per GenerateScript call; a nil entry falls back
	// to DefaultScript. ScriptErrs is consulted first.
	ScriptQueue []*Script
	ScriptErrs  []error

	SubmitHandle JobHandle
	SubmitErr    error

	// PollQueue maps a job handle ID to its scripted poll responses. When a
	// job's queue is exhausted the mock keeps reporting processing.
	PollQueue map[string][]*JobStatus
	PollErrs  []error

	calls map[string]int
}

// DefaultScript is the fallback script returned by the mock.
var DefaultScript = &Script{
	Shots: []Shot{
		{Time: "0-3s", Scene: "office desk", Action: "reach for the product", Audio: "long day...", Emotion: "tired"},
		{Time: "3-6s", Scene: "close-up", Action: "use the product", Audio: "instant fix", Emotion: "focused"},
		{Time: "6-10s", Scene: "hallway", Action: "confident smile", Audio: "good to go", Emotion: "relieved"},
	},
	EmotionArc: EmotionArc{Start: "tired", End: "relieved"},
}

// NewMockClient creates a mock with empty queues.
func NewMockClient() *MockClient {
	return &MockClient{
		AnalyzeFragment: NewProductContext(),
		SubmitHandle:    JobHandle{ID: "job-1", Kind: JobKindVideo},
		PollQueue:       make(map[string][]*JobStatus),
		calls:           make(map[string]int),
	}
}

// Calls returns how many times the named method was invoked.
func (m *MockClient) Calls(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[method]
}

// QueuePoll appends scripted poll responses for a job handle ID.
func (m *MockClient) QueuePoll(handleID string, statuses ...*JobStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PollQueue[handleID] = append(m.PollQueue[handleID], statuses...)
}

func (m *MockClient) AnalyzeImage(_ context.Context, _ []byte) (ProductContext, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["AnalyzeImage"]++
	if err := popErr(&m.AnalyzeErrs); err != nil {
		return nil, err
	}
	return m.AnalyzeFragment.Clone(), nil
}

func (m *MockClient) ExtractFields(_ context.Context, _ ProductContext, _ []Turn, _ string) (*Extraction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["ExtractFields"]++
	if err := popErr(&m.ExtractErrs); err != nil {
		return nil, err
	}
	if len(m.ExtractQueue) > 0 {
		next := m.ExtractQueue[0]
		m.ExtractQueue = m.ExtractQueue[1:]
		return next, nil
	}
	return &Extraction{Fields: NewProductContext()}, nil
}

func (m *MockClient) GenerateScript(_ context.Context, _ ProductContext) (*Script, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["GenerateScript"]++
	if err := popErr(&m.ScriptErrs); err != nil {
		return nil, err
	}
	if len(m.ScriptQueue) > 0 {
		next := m.ScriptQueue[0]
		m.ScriptQueue = m.ScriptQueue[1:]
		if next != nil {
			return next, nil
		}
	}
	return DefaultScript, nil
}

func (m *MockClient) SubmitVideoJob(_ context.Context, _ *Script, _ [][]byte, _ VideoParams) (JobHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["SubmitVideoJob"]++
	if m.SubmitErr != nil {
		return JobHandle{}, m.SubmitErr
	}
	return m.SubmitHandle, nil
}

func (m *MockClient) PollJob(_ context.Context, handle JobHandle) (*JobStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["PollJob"]++
	if err := popErr(&m.PollErrs); err != nil {
		return nil, err
	}
	queue := m.PollQueue[handle.ID]
	if len(queue) > 0 {
		next := queue[0]
		m.PollQueue[handle.ID] = queue[1:]
		return next, nil
	}
	return &JobStatus{State: JobStateProcessing}, nil
}

func popErr(queue *[]error) error {
	if len(*queue) == 0 {
		return nil
	}
	next := (*queue)[0]
	*queue = (*queue)[1:]
	return next
}
