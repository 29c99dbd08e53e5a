package generation

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	pipeerr "github.com/reelsmith/reelsmith/internal/errors"
)

// VideoAPIConfig holds the video rendering backend configuration.
type VideoAPIConfig struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// VideoAPI reaches the external video rendering service over plain HTTP:
// POST /api/generate-video submits a job, GET /api/video-task/{id} polls it.
type VideoAPI struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewVideoAPI creates a video backend adapter.
func NewVideoAPI(cfg VideoAPIConfig) *VideoAPI {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &VideoAPI{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		client:  client,
	}
}

type submitVideoRequest struct {
	Prompt      string   `json:"prompt"`
	Images      []string `json:"images"`
	Orientation string   `json:"orientation"`
	Size        string   `json:"size"`
	Duration    int      `json:"duration"`
	Watermark   bool     `json:"watermark"`
	Private     bool     `json:"private"`
}

type submitVideoResponse struct {
	Status string `json:"status"`
	TaskID string `json:"task_id"`
	URL    string `json:"url,omitempty"`
}

type videoTaskResponse struct {
	Status    string `json:"status"`
	Progress  int    `json:"progress,omitempty"`
	VideoURL  string `json:"video_url,omitempty"`
	Thumbnail string `json:"thumbnail,omitempty"`
	Error     string `json:"error,omitempty"`
}

// SubmitVideoJob submits a rendering job and returns its handle.
func (v *VideoAPI) SubmitVideoJob(ctx context.Context, script *Script, images [][]byte, params VideoParams) (JobHandle, error) {
	encoded := make([]string, 0, len(images))
	for _, img := range images {
		encoded = append(encoded, "data:image/jpeg;base64,"+base64.StdEncoding.EncodeToString(img))
	}

	body := submitVideoRequest{
		Prompt:      script.Prompt(),
		Images:      encoded,
		Orientation: params.Orientation,
		Size:        params.Size,
		Duration:    params.DurationSeconds,
		Watermark:   false,
		Private:     true,
	}

	var resp submitVideoResponse
	if err := v.do(ctx, http.MethodPost, "/api/generate-video", body, &resp); err != nil {
		return JobHandle{}, err
	}
	if resp.TaskID == "" {
		return JobHandle{}, pipeerr.PermanentService("video backend returned no task id", nil)
	}
	return JobHandle{ID: resp.TaskID, Kind: JobKindVideo}, nil
}

// PollJob checks the status of an outstanding rendering job.
func (v *VideoAPI) PollJob(ctx context.Context, handle JobHandle) (*JobStatus, error) {
	var resp videoTaskResponse
	if err := v.do(ctx, http.MethodGet, "/api/video-task/"+handle.ID, nil, &resp); err != nil {
		return nil, err
	}

	status := &JobStatus{
		ProgressPercent: resp.Progress,
		ResultURL:       resp.VideoURL,
		ThumbnailURL:    resp.Thumbnail,
		Error:           resp.Error,
	}
	switch resp.Status {
	case "completed":
		status.State = JobStateCompleted
	case "failed":
		status.State = JobStateFailed
	case "queued":
		status.State = JobStateQueued
	default:
		status.State = JobStateProcessing
	}
	return status, nil
}

func (v *VideoAPI) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return pipeerr.PermanentService("encode video request", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, v.baseURL+path, reader)
	if err != nil {
		return pipeerr.PermanentService("build video request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if v.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+v.apiKey)
	}

	resp, err := v.client.Do(req)
	if err != nil {
		return pipeerr.TransientService("video backend unreachable", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return pipeerr.TransientService("read video response", err)
	}

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return pipeerr.TransientService(fmt.Sprintf("video backend returned %d", resp.StatusCode), nil)
	}
	if resp.StatusCode >= 400 {
		return pipeerr.PermanentService(fmt.Sprintf("video backend rejected request: %d %s", resp.StatusCode, strings.TrimSpace(string(raw))), nil)
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return pipeerr.PermanentService("malformed video response", err)
	}
	return nil
}
