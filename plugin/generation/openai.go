package generation

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/sashabaranov/go-openai"

	pipeerr "github.com/reelsmith/reelsmith/internal/errors"
)

// OpenAIConfig holds the OpenAI-compatible backend configuration.
type OpenAIConfig struct {
	BaseURL     string
	APIKey      string
	ChatModel   string
	VisionModel string
}

// OpenAIClient implements the analysis, extraction and scripting calls of
// Client against an OpenAI-compatible chat API. Video submission/polling is
// delegated to a separate video backend (see VideoBackend).
type OpenAIClient struct {
	client *openai.Client
	config OpenAIConfig
	video  VideoBackend
}

// VideoBackend is the subset of Client that reaches the video rendering
// service. Split out so the chat and video backends can be deployed and
// configured independently.
type VideoBackend interface {
	SubmitVideoJob(ctx context.Context, script *Script, images [][]byte, params VideoParams) (JobHandle, error)
	PollJob(ctx context.Context, handle JobHandle) (*JobStatus, error)
}

// NewOpenAIClient creates a generation client backed by an OpenAI-compatible
// chat API and the given video backend.
func NewOpenAIClient(cfg OpenAIConfig, video VideoBackend) *OpenAIClient {
	if cfg.ChatModel == "" {
		cfg.ChatModel = "gpt-4o-mini"
	}
	if cfg.VisionModel == "" {
		cfg.VisionModel = "gpt-4o"
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}

	return &OpenAIClient{
		client: openai.NewClientWithConfig(clientConfig),
		config: cfg,
		video:  video,
	}
}

const analyzePrompt = `You are a product analyst for short promo videos.
Look at the product photo and return a JSON object with any of these keys
you can infer: "productName", "description", "sellingPoints", "style".
Omit keys you cannot infer. Values are short plain strings.`

// AnalyzeImage analyzes a product photo with the vision model. The caller
// is expected to have run the photo through PrepareImage already.
func (c *OpenAIClient) AnalyzeImage(ctx context.Context, image []byte) (ProductContext, error) {
	req := openai.ChatCompletionRequest{
		Model: c.config.VisionModel,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: analyzePrompt},
			{
				Role: openai.ChatMessageRoleUser,
				MultiContent: []openai.ChatMessagePart{
					{
						Type: openai.ChatMessagePartTypeImageURL,
						ImageURL: &openai.ChatMessageImageURL{
							URL: dataURL(image),
						},
					},
				},
			},
		},
	}

	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, classify(err, "image analysis failed")
	}
	if len(resp.Choices) == 0 {
		return nil, pipeerr.TransientService("empty analysis response", nil)
	}

	fragment := NewProductContext()
	if err := json.Unmarshal([]byte(resp.Choices[0].Message.Content), &fragment); err != nil {
		return nil, pipeerr.PermanentService("malformed analysis response", err)
	}
	return fragment, nil
}

const extractPrompt = `You are the director assistant of a product video
studio. Given the known product context and the user's latest message,
return a JSON object:
  {"fields": {<context fields the message supplies>}, "followUp": "<one short
   follow-up sentence>"}
Known field names: productName, market, ageGroup, gender, style,
sellingPoints, description. Only include fields the message actually
supplies.`

// ExtractFields extracts structured product fields from a user message.
func (c *OpenAIClient) ExtractFields(ctx context.Context, pctx ProductContext, history []Turn, message string) (*Extraction, error) {
	messages := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: extractPrompt},
		{Role: openai.ChatMessageRoleSystem, Content: "Known context: " + contextSummary(pctx)},
	}
	for _, turn := range recentTurns(history, 10) {
		role := openai.ChatMessageRoleUser
		if turn.Role == TurnRoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: role, Content: turn.Content})
	}
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: message})

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.config.ChatModel,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Messages: messages,
	})
	if err != nil {
		return nil, classify(err, "field extraction failed")
	}
	if len(resp.Choices) == 0 {
		return nil, pipeerr.TransientService("empty extraction response", nil)
	}

	extraction := &Extraction{Fields: NewProductContext()}
	if err := json.Unmarshal([]byte(resp.Choices[0].Message.Content), extraction); err != nil {
		return nil, pipeerr.PermanentService("malformed extraction response", err)
	}
	if extraction.Fields == nil {
		extraction.Fields = NewProductContext()
	}
	return extraction, nil
}

const scriptPrompt = `You are a short-form UGC video director. Write a
shooting script for the product below as a JSON object:
  {"shots": [{"time", "scene", "action", "audio", "emotion"}, ...],
   "emotionArc": {"start", "end"}}
Three to five shots, total length under 15 seconds, in the language and
style of the target market.`

// GenerateScript produces a shooting script from the product context.
func (c *OpenAIClient) GenerateScript(ctx context.Context, pctx ProductContext) (*Script, error) {
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.config.ChatModel,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: scriptPrompt},
			{Role: openai.ChatMessageRoleUser, Content: contextSummary(pctx)},
		},
	})
	if err != nil {
		return nil, classify(err, "script generation failed")
	}
	if len(resp.Choices) == 0 {
		return nil, pipeerr.TransientService("empty script response", nil)
	}

	script := &Script{}
	if err := json.Unmarshal([]byte(resp.Choices[0].Message.Content), script); err != nil {
		return nil, pipeerr.PermanentService("malformed script response", err)
	}
	if len(script.Shots) == 0 {
		return nil, pipeerr.PermanentService("script has no shots", nil)
	}
	return script, nil
}

// SubmitVideoJob delegates to the configured video backend.
func (c *OpenAIClient) SubmitVideoJob(ctx context.Context, script *Script, images [][]byte, params VideoParams) (JobHandle, error) {
	return c.video.SubmitVideoJob(ctx, script, images, params)
}

// PollJob delegates to the configured video backend.
func (c *OpenAIClient) PollJob(ctx context.Context, handle JobHandle) (*JobStatus, error) {
	return c.video.PollJob(ctx, handle)
}

// classify maps transport-level errors to the pipeline taxonomy: 4xx from
// the backend is a permanent rejection, everything else is transient.
func classify(err error, msg string) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.HTTPStatusCode == http.StatusTooManyRequests || apiErr.HTTPStatusCode >= 500 {
			return pipeerr.TransientService(msg, err)
		}
		if apiErr.HTTPStatusCode >= 400 {
			return pipeerr.PermanentService(msg, err)
		}
	}
	return pipeerr.TransientService(msg, err)
}

func contextSummary(pctx ProductContext) string {
	parts := make([]string, 0, len(pctx))
	for _, field := range pctx.SortedFields() {
		parts = append(parts, fmt.Sprintf("%s=%s", field, pctx.Get(field)))
	}
	if len(parts) == 0 {
		return "(nothing known yet)"
	}
	return strings.Join(parts, "; ")
}

func recentTurns(history []Turn, max int) []Turn {
	if len(history) <= max {
		return history
	}
	return history[len(history)-max:]
}

func dataURL(jpeg []byte) string {
	return "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(jpeg)
}
