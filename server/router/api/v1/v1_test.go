package v1

import (
	"bytes"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reelsmith/reelsmith/internal/profile"
	"github.com/reelsmith/reelsmith/plugin/generation"
	"github.com/reelsmith/reelsmith/server/ledger"
	"github.com/reelsmith/reelsmith/server/pipeline"
	"github.com/reelsmith/reelsmith/server/polling"
)

type apiFixture struct {
	echo   *echo.Echo
	client *generation.MockClient
}

func newAPIFixture(t *testing.T, creditCost int64) *apiFixture {
	t.Helper()

	p := &profile.Profile{}
	p.FromEnv()
	p.SignupGrant = 520
	p.VideoJobCreditCost = creditCost

	client := generation.NewMockClient()
	scheduler := polling.NewScheduler(client, polling.Config{
		Interval:      time.Millisecond,
		Timeout:       time.Second,
		MaxConcurrent: 4,
	})
	creditLedger := ledger.New(nil)
	orchestrator := pipeline.New(client, scheduler, creditLedger, nil, pipeline.Config{
		MaxRetryAttempts:      3,
		RetryBackoffBase:      time.Millisecond,
		VideoJobCreditCost:    creditCost,
		RequiredContextFields: profile.DefaultRequiredContextFields,
	})

	e := echo.New()
	service := NewAPIV1Service(p, nil, orchestrator, creditLedger)
	service.Register(e)

	return &apiFixture{echo: e, client: client}
}

func pngUpload(t *testing.T) (body *bytes.Buffer, contentType string) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	img.Set(0, 0, color.RGBA{R: 200, A: 255})
	var raw bytes.Buffer
	require.NoError(t, png.Encode(&raw, img))

	body = &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("image", "product.png")
	require.NoError(t, err)
	_, err = part.Write(raw.Bytes())
	require.NoError(t, err)
	require.NoError(t, writer.WriteField("orientation", "vertical"))
	require.NoError(t, writer.Close())
	return body, writer.FormDataContentType()
}

func (f *apiFixture) do(req *http.Request) *httptest.ResponseRecorder {
	req.Header.Set("X-User-Id", "user-1")
	rec := httptest.NewRecorder()
	f.echo.ServeHTTP(rec, req)
	return rec
}

func (f *apiFixture) createSession(t *testing.T) *pipeline.Snapshot {
	t.Helper()
	body, contentType := pngUpload(t)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions", body)
	req.Header.Set(echo.HeaderContentType, contentType)
	rec := f.do(req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var snapshot pipeline.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snapshot))
	return &snapshot
}

func TestCreateSession(t *testing.T) {
	f := newAPIFixture(t, 100)
	f.client.AnalyzeFragment = generation.ProductContext{generation.FieldProductName: "GlowSerum"}

	snapshot := f.createSession(t)
	assert.Equal(t, pipeline.StageConversing, snapshot.Stage)
	assert.Equal(t, "user-1", snapshot.UserID)
	assert.NotEmpty(t, snapshot.Turns)
}

func TestCreateSessionWithoutImage(t *testing.T) {
	f := newAPIFixture(t, 100)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions", strings.NewReader(""))
	rec := f.do(req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "VALIDATION", resp.Code)
}

func TestGetSessionNotFound(t *testing.T) {
	f := newAPIFixture(t, 100)
	rec := f.do(httptest.NewRequest(http.MethodGet, "/api/v1/sessions/missing", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSubmitMessage(t *testing.T) {
	f := newAPIFixture(t, 100)
	f.client.AnalyzeFragment = generation.ProductContext{generation.FieldProductName: "GlowSerum"}
	f.client.ExtractQueue = []*generation.Extraction{
		{Fields: generation.ProductContext{generation.FieldMarket: "USA"}},
	}

	snapshot := f.createSession(t)

	payload := bytes.NewBufferString(`{"message":"the USA"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions/"+snapshot.ID+"/messages", payload)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := f.do(req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var updated pipeline.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &updated))
	assert.Equal(t, "USA", updated.Context.Get(generation.FieldMarket))
}

func TestSubmitEmptyMessage(t *testing.T) {
	f := newAPIFixture(t, 100)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions/x/messages", strings.NewReader(`{}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := f.do(req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestApproveWithoutCredits(t *testing.T) {
	f := newAPIFixture(t, 10_000) // cost above the signup grant
	f.client.AnalyzeFragment = generation.ProductContext{
		generation.FieldProductName:   "GlowSerum",
		generation.FieldMarket:        "USA",
		generation.FieldAgeGroup:      "GenZ",
		generation.FieldGender:        "any",
		generation.FieldStyle:         "realistic",
		generation.FieldSellingPoints: "vegan",
	}

	snapshot := f.createSession(t)
	require.Equal(t, pipeline.StageAwaitingScriptApproval, snapshot.Stage)

	rec := f.do(httptest.NewRequest(http.MethodPost, "/api/v1/sessions/"+snapshot.ID+"/approve", nil))
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)

	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "INSUFFICIENT_CREDITS", resp.Code)
}

func TestApproveAndCancel(t *testing.T) {
	f := newAPIFixture(t, 100)
	f.client.AnalyzeFragment = generation.ProductContext{
		generation.FieldProductName:   "GlowSerum",
		generation.FieldMarket:        "USA",
		generation.FieldAgeGroup:      "GenZ",
		generation.FieldGender:        "any",
		generation.FieldStyle:         "realistic",
		generation.FieldSellingPoints: "vegan",
	}

	snapshot := f.createSession(t)
	require.Equal(t, pipeline.StageAwaitingScriptApproval, snapshot.Stage)

	rec := f.do(httptest.NewRequest(http.MethodPost, "/api/v1/sessions/"+snapshot.ID+"/approve", nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var approved pipeline.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &approved))
	assert.Equal(t, pipeline.StagePollingVideo, approved.Stage)

	rec = f.do(httptest.NewRequest(http.MethodPost, "/api/v1/sessions/"+snapshot.ID+"/cancel", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var cancelled pipeline.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cancelled))
	assert.Equal(t, pipeline.StageFailed, cancelled.Stage)
	require.NotNil(t, cancelled.Failure)
	assert.Equal(t, pipeline.FailureCancelled, cancelled.Failure.Kind)
}

func TestGetCreditsAppliesSignupGrant(t *testing.T) {
	f := newAPIFixture(t, 100)

	rec := f.do(httptest.NewRequest(http.MethodGet, "/api/v1/credits", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp creditsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "user-1", resp.UserID)
	assert.Equal(t, int64(520), resp.Balance)

	// The grant is applied once, not per request.
	rec = f.do(httptest.NewRequest(http.MethodGet, "/api/v1/credits", nil))
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, int64(520), resp.Balance)
}

func TestRecharge(t *testing.T) {
	f := newAPIFixture(t, 100)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/credits/recharge", strings.NewReader(`{"amount":200}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := f.do(req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp rechargeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, int64(720), resp.Balance)

	req = httptest.NewRequest(http.MethodPost, "/api/v1/credits/recharge", strings.NewReader(`{"amount":-5}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec = f.do(req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
