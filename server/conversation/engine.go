// Package conversation decides the next assistant turn of the product
// interview: which context field a user message filled, what to ask next,
// and when enough is known to move on to script generation.
package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/reelsmith/reelsmith/plugin/generation"
)

// fieldDomain describes a field with a small enumerable domain. Such fields
// are asked as choice prompts and extracted values are validated against the
// canonical set.
type fieldDomain struct {
	question string
	options  []generation.ChoiceOption
}

// fieldDomains is the deterministic question table. Fields without an entry
// are asked as free-text questions.
var fieldDomains = map[string]fieldDomain{
	generation.FieldMarket: {
		question: "Which market is this video for?",
		options: []generation.ChoiceOption{
			{Label: "🇨🇳 China", Value: "China"},
			{Label: "🇮🇩 Indonesia", Value: "Indonesia"},
			{Label: "🇺🇸 USA", Value: "USA"},
		},
	},
	generation.FieldAgeGroup: {
		question: "Who should the video speak to?",
		options: []generation.ChoiceOption{
			{Label: "Gen Z", Value: "GenZ"},
			{Label: "Millennials", Value: "Millennial"},
			{Label: "Gen X", Value: "GenX"},
		},
	},
	generation.FieldGender: {
		question: "Should the main character be female, male, or doesn't it matter?",
		options: []generation.ChoiceOption{
			{Label: "Female", Value: "female"},
			{Label: "Male", Value: "male"},
			{Label: "Either", Value: "any"},
		},
	},
	generation.FieldStyle: {
		question: "What style should the video have?",
		options: []generation.ChoiceOption{
			{Label: "Realistic UGC", Value: "realistic"},
			{Label: "Anime", Value: "anime"},
			{Label: "Cinematic", Value: "cinematic"},
		},
	},
}

// freeTextQuestions covers the required fields without enumerable domains.
var freeTextQuestions = map[string]string{
	generation.FieldProductName:   "What is the product called?",
	generation.FieldSellingPoints: "What are the product's main selling points?",
}

// Result is the outcome of ingesting one user message.
type Result struct {
	// UpdatedContext is a copy of the context with the extracted fields
	// merged in.
	UpdatedContext generation.ProductContext
	// Turn is the next assistant turn to append to the conversation.
	Turn generation.Turn
	// Complete reports whether every required field is now filled.
	Complete bool
}

// Engine drives the interview. It owns the completeness predicate and the
// question order; field extraction from free text is delegated to the
// generation backend.
type Engine struct {
	client   generation.Client
	required []string
	logger   *slog.Logger
}

// NewEngine creates a conversation engine. required is the ordered field
// list that must be filled before the interview is complete.
func NewEngine(client generation.Client, required []string) *Engine {
	return &Engine{
		client:   client,
		required: required,
		logger:   slog.Default(),
	}
}

// Ingest runs one interview step: extract fields from the user message,
// validate them, and decide the next assistant turn.
func (e *Engine) Ingest(ctx context.Context, pctx generation.ProductContext, history []generation.Turn, message string) (*Result, error) {
	extraction, err := e.client.ExtractFields(ctx, pctx, history, message)
	if err != nil {
		return nil, err
	}

	updated := pctx.Clone()
	var rejected string
	for field, value := range extraction.Fields {
		canonical, ok := validate(field, value)
		if !ok {
			// Out-of-domain answer: re-ask once, then take the raw value.
			// An interview that argues with the user is worse than an odd
			// attribute.
			if askCount(history, field) < 2 {
				rejected = field
				continue
			}
			canonical = value
		}
		updated.Set(field, canonical)
	}

	if rejected != "" {
		turn := questionFor(rejected)
		turn.Content = fmt.Sprintf("I didn't quite catch that. %s", turn.Content)
		return &Result{UpdatedContext: updated, Turn: turn, Complete: false}, nil
	}

	if missing := updated.Missing(e.required); len(missing) > 0 {
		return &Result{UpdatedContext: updated, Turn: questionFor(missing[0]), Complete: false}, nil
	}

	content := strings.TrimSpace(extraction.FollowUp)
	if content == "" {
		content = fmt.Sprintf("Great, I have everything I need for %s. Let's write the script!", updated.Get(generation.FieldProductName))
	}
	return &Result{
		UpdatedContext: updated,
		Turn:           generation.TextTurn(generation.TurnRoleAssistant, content),
		Complete:       true,
	}, nil
}

// FirstQuestion returns the opening assistant turn for a context freshly
// seeded by image analysis, or ok=false when the context is already
// complete.
func (e *Engine) FirstQuestion(pctx generation.ProductContext) (generation.Turn, bool) {
	missing := pctx.Missing(e.required)
	if len(missing) == 0 {
		return generation.Turn{}, false
	}
	turn := questionFor(missing[0])
	if name := pctx.Get(generation.FieldProductName); name != "" && missing[0] != generation.FieldProductName {
		turn.Content = fmt.Sprintf("%s looks like a great product! %s", name, turn.Content)
	}
	return turn, true
}

// Complete reports whether the context satisfies the completeness predicate.
func (e *Engine) Complete(pctx generation.ProductContext) bool {
	return pctx.Complete(e.required)
}

// questionFor builds the assistant turn asking about a field: a choice
// prompt when the field has an enumerable domain, free text otherwise.
func questionFor(field string) generation.Turn {
	if domain, ok := fieldDomains[field]; ok {
		turn := generation.ChoiceTurn(domain.question, domain.options)
		turn.Field = field
		return turn
	}
	question, ok := freeTextQuestions[field]
	if !ok {
		question = fmt.Sprintf("Tell me about the product's %s.", field)
	}
	turn := generation.TextTurn(generation.TurnRoleAssistant, question)
	turn.Field = field
	return turn
}

// validate checks a value against the field's domain, case-insensitively,
// and returns the canonical spelling. Fields without a domain accept
// anything non-empty.
func validate(field, value string) (string, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", false
	}
	domain, ok := fieldDomains[field]
	if !ok {
		return value, true
	}
	for _, option := range domain.options {
		if strings.EqualFold(option.Value, value) || strings.EqualFold(option.Label, value) {
			return option.Value, true
		}
	}
	return "", false
}

// askCount counts how many times the assistant has already asked about the
// field.
func askCount(history []generation.Turn, field string) int {
	count := 0
	for _, turn := range history {
		if turn.Role == generation.TurnRoleAssistant && turn.Field == field {
			count++
		}
	}
	return count
}
