package generation

import "context"

// Extraction is the result of running a user message through the field
// extraction backend: the structured fields the message supplied plus a
// suggested follow-up from the model. The conversation engine decides what
// to do with the follow-up; extraction itself carries no dialogue policy.
type Extraction struct {
	Fields   ProductContext `json:"fields"`
	FollowUp string         `json:"followUp"`
}

// Client is the contract for invoking the image-analysis, script-generation
// and video-generation backends and for checking job status. Implementations
// are external service adapters; the core pipeline never reaches a backend
// any other way.
type Client interface {
	// AnalyzeImage analyzes a product photo and returns the context
	// fragment it could infer (name, description, selling points...).
	AnalyzeImage(ctx context.Context, image []byte) (ProductContext, error)

	// ExtractFields extracts structured product fields from a free-text
	// user message, given the current context and conversation history.
	ExtractFields(ctx context.Context, pctx ProductContext, history []Turn, message string) (*Extraction, error)

	// GenerateScript produces a shooting script from a complete product
	// context.
	GenerateScript(ctx context.Context, pctx ProductContext) (*Script, error)

	// SubmitVideoJob submits a video rendering job and returns its handle.
	SubmitVideoJob(ctx context.Context, script *Script, images [][]byte, params VideoParams) (JobHandle, error)

	// PollJob checks the status of an outstanding job.
	PollJob(ctx context.Context, handle JobHandle) (*JobStatus, error)
}
