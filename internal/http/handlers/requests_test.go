package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"genbot/internal/domain"
	"genbot/internal/settings"
)

type memRequests struct {
	byID map[string]*domain.GenerationRequest
}

func (m *memRequests) Create(ctx context.Context, req *domain.GenerationRequest) error {
	m.byID[req.ID] = req
	return nil
}

func (m *memRequests) GetByID(ctx context.Context, id string) (*domain.GenerationRequest, error) {
	req, ok := m.byID[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return req, nil
}

func (m *memRequests) UpdateStatus(ctx context.Context, id string, status domain.RequestStatus, errMsg *string) error {
	req, ok := m.byID[id]
	if !ok {
		return domain.ErrNotFound
	}
	req.Status = status
	if errMsg != nil {
		req.ErrorMessage = *errMsg
	}
	return nil
}

func (m *memRequests) ListByStatus(ctx context.Context, statuses ...domain.RequestStatus) ([]domain.GenerationRequest, error) {
	return nil, nil
}

type memImages struct {
	byRequest map[string][]domain.GeneratedImage
}

func (m *memImages) SaveAll(ctx context.Context, images []domain.GeneratedImage) error {
	for _, img := range images {
		m.byRequest[img.RequestID] = append(m.byRequest[img.RequestID], img)
	}
	return nil
}

func (m *memImages) ListByRequestID(ctx context.Context, requestID string) ([]domain.GeneratedImage, error) {
	return m.byRequest[requestID], nil
}

type memContexts struct {
	byScope map[string]*domain.ThreadContext
}

func (m *memContexts) Get(ctx context.Context, guildID, threadID string) (*domain.ThreadContext, error) {
	tc, ok := m.byScope[guildID+"/"+threadID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return tc, nil
}

func (m *memContexts) Upsert(ctx context.Context, guildID, threadID, userID, metadataID, requestID string) error {
	m.byScope[guildID+"/"+threadID] = &domain.ThreadContext{
		GuildID: guildID, ThreadID: threadID, UserID: userID, LatestMetadataID: metadataID,
	}
	return nil
}

func (m *memContexts) Clear(ctx context.Context, guildID, threadID string) (bool, error) {
	key := guildID + "/" + threadID
	if _, ok := m.byScope[key]; !ok {
		return false, nil
	}
	delete(m.byScope, key)
	return true, nil
}

type memSettingsRepo struct {
	layers map[string]*domain.GlobalSettings
}

func settingsKey(guildID string, userID *string) string {
	if userID == nil {
		return guildID
	}
	return guildID + "/" + *userID
}

func (m *memSettingsRepo) Get(ctx context.Context, guildID string, userID *string) (*domain.GlobalSettings, error) {
	gs, ok := m.layers[settingsKey(guildID, userID)]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return gs, nil
}

func (m *memSettingsRepo) Upsert(ctx context.Context, gs *domain.GlobalSettings) error {
	m.layers[settingsKey(gs.GuildID, gs.UserID)] = gs
	return nil
}

func (m *memSettingsRepo) Delete(ctx context.Context, guildID string, userID *string) (bool, error) {
	key := settingsKey(guildID, userID)
	if _, ok := m.layers[key]; !ok {
		return false, nil
	}
	delete(m.layers, key)
	return true, nil
}

type fakeSubmitter struct {
	jobs []*domain.Job
	err  error
}

func (f *fakeSubmitter) Submit(ctx context.Context, job *domain.Job) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.jobs = append(f.jobs, job)
	return "job-1", nil
}

type testApp struct {
	app       *App
	router    chi.Router
	requests  *memRequests
	images    *memImages
	contexts  *memContexts
	submitter *fakeSubmitter
}

func newTestApp(t *testing.T) *testApp {
	t.Helper()
	requests := &memRequests{byID: map[string]*domain.GenerationRequest{}}
	images := &memImages{byRequest: map[string][]domain.GeneratedImage{}}
	contexts := &memContexts{byScope: map[string]*domain.ThreadContext{}}
	submitter := &fakeSubmitter{}

	app := &App{
		Submitter: submitter,
		Requests:  requests,
		Images:    images,
		Contexts:  contexts,
		Settings:  settings.NewService(&memSettingsRepo{layers: map[string]*domain.GlobalSettings{}}, zerolog.Nop()),
		Logger:    zerolog.Nop(),
	}

	r := chi.NewRouter()
	r.Post("/v1/requests", app.CreateRequest)
	r.Get("/v1/requests/{id}", app.GetRequest)
	r.Post("/v1/requests/{id}/refine", app.RefineRequest)
	r.Route("/v1/settings/{guild}", func(r chi.Router) {
		r.Get("/", app.GetSettings)
		r.Put("/", app.PutSettings)
		r.Delete("/", app.DeleteSettings)
		r.Get("/effective", app.GetEffectiveSettings)
		r.Route("/users/{user}", func(r chi.Router) {
			r.Get("/", app.GetSettings)
			r.Put("/", app.PutSettings)
			r.Delete("/", app.DeleteSettings)
		})
	})
	r.Delete("/v1/threads/{guild}/{thread}/context", app.ClearThreadContext)

	return &testApp{app: app, router: r, requests: requests, images: images, contexts: contexts, submitter: submitter}
}

func (ta *testApp) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body == "" {
		reader = bytes.NewReader(nil)
	} else {
		reader = bytes.NewReader([]byte(body))
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	ta.router.ServeHTTP(rec, req)
	return rec
}

func TestCreateRequestAccepted(t *testing.T) {
	ta := newTestApp(t)

	rec := ta.do(t, http.MethodPost, "/v1/requests",
		`{"guild_id":"g1","user_id":"u1","thread_id":"t1","instruction":"和風サイバーパンクの女性、夕景","web_research":true}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}

	var resp requestResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.ID == "" || resp.JobID != "job-1" || resp.Status != "pending" {
		t.Fatalf("response = %+v", resp)
	}

	if len(ta.submitter.jobs) != 1 {
		t.Fatalf("jobs submitted = %d", len(ta.submitter.jobs))
	}
	job := ta.submitter.jobs[0]
	if job.Kind != domain.JobKindGeneration || job.ScopeKey != "g1/t1" || job.RequestID != resp.ID {
		t.Fatalf("job = %+v", job)
	}
	var payload domain.GenerationPayload
	if err := json.Unmarshal(job.PayloadJSON, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.RequestID != resp.ID || payload.Refine {
		t.Fatalf("payload = %+v", payload)
	}

	stored := ta.requests.byID[resp.ID]
	if stored == nil || !stored.WebResearch || stored.Status != domain.RequestStatusPending {
		t.Fatalf("stored request = %+v", stored)
	}
}

func TestCreateRequestValidation(t *testing.T) {
	ta := newTestApp(t)

	tests := []struct {
		name string
		body string
	}{
		{"missing ids", `{"instruction":"a cat"}`},
		{"blank instruction", `{"guild_id":"g","user_id":"u","thread_id":"t","instruction":"   "}`},
		{"oversized instruction", `{"guild_id":"g","user_id":"u","thread_id":"t","instruction":"` + strings.Repeat("あ", domain.MaxInstructionLength+1) + `"}`},
		{"malformed json", `{not json`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := ta.do(t, http.MethodPost, "/v1/requests", tc.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
			}
		})
	}
	if len(ta.submitter.jobs) != 0 {
		t.Fatalf("rejected requests must not enqueue, got %d", len(ta.submitter.jobs))
	}
}

func TestRefineWithoutContextConflicts(t *testing.T) {
	ta := newTestApp(t)

	rec := ta.do(t, http.MethodPost, "/v1/requests/t9/refine",
		`{"guild_id":"g1","user_id":"u1","instruction":"brighter"}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	if len(ta.requests.byID) != 0 || len(ta.submitter.jobs) != 0 {
		t.Fatalf("nothing must be persisted or enqueued on conflict")
	}
}

func TestRefineEmptyDeltaAccepted(t *testing.T) {
	ta := newTestApp(t)
	ta.contexts.byScope["g1/t1"] = &domain.ThreadContext{
		GuildID: "g1", ThreadID: "t1", LatestMetadataID: "md-1",
	}

	rec := ta.do(t, http.MethodPost, "/v1/requests/t1/refine",
		`{"guild_id":"g1","user_id":"u1","instruction":""}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	var payload domain.GenerationPayload
	if err := json.Unmarshal(ta.submitter.jobs[0].PayloadJSON, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if !payload.Refine {
		t.Fatalf("refine flag not set: %+v", payload)
	}
}

func TestGetRequestWithImages(t *testing.T) {
	ta := newTestApp(t)
	ta.requests.byID["req-1"] = &domain.GenerationRequest{
		ID: "req-1", GuildID: "g1", ThreadID: "t1",
		Instruction: "a castle", Status: domain.RequestStatusCompleted,
	}
	ta.images.byRequest["req-1"] = []domain.GeneratedImage{
		{RequestID: "req-1", StorageKey: "images/req-1/00.png", FileSizeBytes: 1234},
	}

	rec := ta.do(t, http.MethodGet, "/v1/requests/req-1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp requestDetailResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != "completed" || len(resp.Images) != 1 || resp.Images[0].StorageKey != "images/req-1/00.png" {
		t.Fatalf("response = %+v", resp)
	}
}

func TestGetRequestNotFound(t *testing.T) {
	ta := newTestApp(t)
	rec := ta.do(t, http.MethodGet, "/v1/requests/nope", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestClearThreadContext(t *testing.T) {
	ta := newTestApp(t)
	ta.contexts.byScope["g1/t1"] = &domain.ThreadContext{GuildID: "g1", ThreadID: "t1"}

	rec := ta.do(t, http.MethodDelete, "/v1/threads/g1/t1/context", "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d", rec.Code)
	}
	rec = ta.do(t, http.MethodDelete, "/v1/threads/g1/t1/context", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("second delete status = %d", rec.Code)
	}
}
