package store

// PipelineSession is the persisted snapshot of one pipeline session. The
// snapshot column holds the orchestrator's serialized session state; stage
// and user are duplicated as columns for listing without decoding.
type PipelineSession struct {
	UID       string
	UserID    string
	Stage     string
	Snapshot  string // JSON
	CreatedTs int64
	UpdatedTs int64
}

// FindPipelineSession filters session listings.
type FindPipelineSession struct {
	UserID *string
	Stage  *string
	Limit  int
}
