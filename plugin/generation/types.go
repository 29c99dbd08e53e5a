// Package generation defines the contract with the external model-serving
// backends: image analysis, conversational field extraction, script
// generation and video rendering. The pipeline orchestrator only ever talks
// to these backends through the Client interface.
package generation

import (
	"sort"
	"strings"
)

// Product context field names.
const (
	FieldProductName   = "productName"
	FieldMarket        = "market"
	FieldAgeGroup      = "ageGroup"
	FieldGender        = "gender"
	FieldStyle         = "style"
	FieldSellingPoints = "sellingPoints"
	FieldDescription   = "description"
)

// ProductContext is the progressively-filled attribute set describing the
// product, market and style of the video being produced. Values are never
// reset once set, except on session restart.
type ProductContext map[string]string

// NewProductContext creates an empty product context.
func NewProductContext() ProductContext {
	return make(ProductContext)
}

// Get returns the value for a field, or "" when unset.
func (c ProductContext) Get(field string) string {
	return c[field]
}

// Has reports whether a field holds a non-empty value.
func (c ProductContext) Has(field string) bool {
	return strings.TrimSpace(c[field]) != ""
}

// Set stores a value. Empty values never overwrite an existing value;
// refinement only adds or corrects.
func (c ProductContext) Set(field, value string) {
	value = strings.TrimSpace(value)
	if value == "" {
		return
	}
	c[field] = value
}

// Merge applies every non-empty field of the fragment, without ever
// erasing an already-set field with an empty value.
func (c ProductContext) Merge(fragment ProductContext) {
	for field, value := range fragment {
		c.Set(field, value)
	}
}

// Complete reports whether every required field is non-empty.
func (c ProductContext) Complete(required []string) bool {
	for _, field := range required {
		if !c.Has(field) {
			return false
		}
	}
	return true
}

// Missing returns the required fields that are still empty, in the order
// given.
func (c ProductContext) Missing(required []string) []string {
	missing := make([]string, 0, len(required))
	for _, field := range required {
		if !c.Has(field) {
			missing = append(missing, field)
		}
	}
	return missing
}

// Clone returns an independent copy of the context.
func (c ProductContext) Clone() ProductContext {
	clone := make(ProductContext, len(c))
	for k, v := range c {
		clone[k] = v
	}
	return clone
}

// SortedFields returns the set field names in lexical order, for stable
// prompt construction and logging.
func (c ProductContext) SortedFields() []string {
	fields := make([]string, 0, len(c))
	for k := range c {
		fields = append(fields, k)
	}
	sort.Strings(fields)
	return fields
}

// TurnRole is the author of a conversation turn.
type TurnRole string

const (
	TurnRoleUser      TurnRole = "user"
	TurnRoleAssistant TurnRole = "assistant"
)

// TurnKind distinguishes plain text turns from choice prompts.
type TurnKind string

const (
	TurnKindText TurnKind = "text"
	// TurnKindChoicePrompt marks an assistant turn carrying enumerable
	// next-step options rendered as chips by the presentation layer.
	TurnKindChoicePrompt TurnKind = "choice-prompt"
)

// ChoiceOption is one selectable (label, value) pair of a choice prompt.
type ChoiceOption struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

// Turn is a single conversation turn. The ordered turn sequence is the
// display order. Field names the product context field an assistant
// question targets; presentation layers may ignore it.
type Turn struct {
	Role    TurnRole       `json:"role"`
	Kind    TurnKind       `json:"kind"`
	Content string         `json:"content"`
	Field   string         `json:"field,omitempty"`
	Options []ChoiceOption `json:"options,omitempty"`
}

// TextTurn creates a plain text turn.
func TextTurn(role TurnRole, content string) Turn {
	return Turn{Role: role, Kind: TurnKindText, Content: content}
}

// ChoiceTurn creates an assistant choice-prompt turn.
func ChoiceTurn(content string, options []ChoiceOption) Turn {
	return Turn{Role: TurnRoleAssistant, Kind: TurnKindChoicePrompt, Content: content, Options: options}
}

// Shot is a single shot of the shooting script.
type Shot struct {
	Time    string `json:"time"`
	Scene   string `json:"scene"`
	Action  string `json:"action"`
	Audio   string `json:"audio"`
	Emotion string `json:"emotion"`
}

// EmotionArc describes the emotional progression of the script.
type EmotionArc struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// Script is a generated shooting script.
type Script struct {
	Shots      []Shot     `json:"shots"`
	EmotionArc EmotionArc `json:"emotionArc"`
}

// Prompt flattens the script into a single prompt string for the video
// backend.
func (s *Script) Prompt() string {
	var b strings.Builder
	for i, shot := range s.Shots {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(shot.Time)
		b.WriteString(" ")
		b.WriteString(shot.Scene)
		b.WriteString(": ")
		b.WriteString(shot.Action)
		if shot.Audio != "" {
			b.WriteString(" (\"")
			b.WriteString(shot.Audio)
			b.WriteString("\")")
		}
	}
	return b.String()
}

// JobKind is the kind of work submitted to the generation backend.
type JobKind string

const (
	JobKindAnalysis JobKind = "analysis"
	JobKindScript   JobKind = "script"
	JobKindVideo    JobKind = "video"
)

// JobState is the lifecycle state of a generation job.
type JobState string

const (
	JobStateQueued     JobState = "queued"
	JobStateProcessing JobState = "processing"
	JobStateCompleted  JobState = "completed"
	JobStateFailed     JobState = "failed"
)

// IsTerminal returns true if the state represents a final state.
func (s JobState) IsTerminal() bool {
	return s == JobStateCompleted || s == JobStateFailed
}

// JobHandle identifies a job submitted to the external backend.
type JobHandle struct {
	ID   string  `json:"id"`
	Kind JobKind `json:"kind"`
}

// JobStatus is a poll result for an outstanding job.
type JobStatus struct {
	State           JobState `json:"state"`
	ProgressPercent int      `json:"progressPercent,omitempty"`
	ResultURL       string   `json:"resultUrl,omitempty"`
	ThumbnailURL    string   `json:"thumbnailUrl,omitempty"`
	Error           string   `json:"error,omitempty"`
}

// VideoParams are the rendering parameters for a video job.
type VideoParams struct {
	Orientation     string `json:"orientation"`
	Size            string `json:"size"`
	DurationSeconds int    `json:"durationSeconds"`
}
