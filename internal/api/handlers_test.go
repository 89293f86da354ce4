package api

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shehryarbajwa/imagen-relay/internal/admission"
	"github.com/shehryarbajwa/imagen-relay/internal/backend"
	"github.com/shehryarbajwa/imagen-relay/internal/config"
	"github.com/shehryarbajwa/imagen-relay/internal/cookies"
	"github.com/shehryarbajwa/imagen-relay/internal/pool"
	"github.com/shehryarbajwa/imagen-relay/internal/ratelimit"
	"github.com/shehryarbajwa/imagen-relay/internal/storage"
	"github.com/shehryarbajwa/imagen-relay/internal/tasks"
	"github.com/shehryarbajwa/imagen-relay/pkg/models"
)

const testAPIKey = "sk-test-key"

type fakeGenerator struct {
	fail error
}

func (g *fakeGenerator) Generate(ctx context.Context, req backend.GenerateRequest) (*backend.MediaResult, error) {
	if g.fail != nil {
		return nil, g.fail
	}
	tmp, err := os.CreateTemp("", "fake_gen_*.png")
	if err != nil {
		return nil, err
	}
	tmp.WriteString("generated image bytes")
	tmp.Close()
	return &backend.MediaResult{
		Path:    tmp.Name(),
		Binding: backend.ProviderBinding{TaskID: "p_1"},
	}, nil
}

type testEnv struct {
	router *mux.Router
	pool   *pool.Pool
	cfg    *config.Config
	store  *storage.Store
}

func newTestEnv(t *testing.T, genErr error) *testEnv {
	t.Helper()

	cfg := &config.Config{
		APIKey:                 testAPIKey,
		BaseURL:                "http://localhost:8000",
		MaxConcurrentTasks:     2,
		DefaultTimeout:         5 * time.Second,
		VideoTimeout:           5 * time.Second,
		StorageDir:             t.TempDir(),
		CleanupHours:           24,
		AccountsDir:            t.TempDir(),
		PerAccountConcurrent:   1,
		AccountCooldownSeconds: 600,
		RequestsPerHour:        1000,
		RequestBurst:           1000,
	}

	store, err := storage.New(cfg.StorageDir, cfg.BaseURL)
	require.NoError(t, err)

	factory := func(accountID string, cs *cookies.Store) backend.Generator {
		return &fakeGenerator{fail: genErr}
	}
	p, err := pool.New([]pool.AccountSource{
		{ID: "default", Path: filepath.Join(t.TempDir(), "cookies.json")},
	}, cfg.PerAccountConcurrent, factory)
	require.NoError(t, err)

	gate := admission.NewController(cfg.MaxConcurrentTasks)

	taskMgr := tasks.NewManager(filepath.Join(t.TempDir(), "tasks.json"),
		func(ctx context.Context, req models.VideoTaskRequest, onBinding backend.BindingFunc) (*tasks.Result, error) {
			if genErr != nil {
				return nil, genErr
			}
			return &tasks.Result{URL: cfg.BaseURL + "/static/generated/vid_test.mp4"}, nil
		})
	t.Cleanup(taskMgr.Close)

	h := NewHandler(cfg, gate, p, store, taskMgr)
	router := h.SetupRoutes(ratelimit.NewLimiter(cfg.RequestsPerHour, cfg.RequestBurst))

	return &testEnv{router: router, pool: p, cfg: cfg, store: store}
}

func doJSON(t *testing.T, router http.Handler, method, path, apiKey string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) models.ErrorDetail {
	t.Helper()
	var resp models.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Error
}

func TestAuth_MissingKey(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := doJSON(t, env.router, http.MethodPost, "/v1/images/generations", "",
		models.GenerateImageRequest{Prompt: "a cat"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "invalid_api_key", decodeError(t, rec).Code)
}

func TestAuth_WrongKey(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := doJSON(t, env.router, http.MethodPost, "/v1/images/generations", "sk-wrong",
		models.GenerateImageRequest{Prompt: "a cat"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHealth_NoAuthRequired(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := doJSON(t, env.router, http.MethodGet, "/v1/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var health struct {
		Status            string               `json:"status"`
		MaxConcurrent     int                  `json:"max_concurrent"`
		AccountsTotal     int                  `json:"accounts_total"`
		AccountsAvailable int                  `json:"accounts_available"`
		Accounts          []pool.AccountStatus `json:"accounts"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, 2, health.MaxConcurrent)
	assert.Equal(t, 1, health.AccountsTotal)
	assert.Equal(t, 1, health.AccountsAvailable)
	require.Len(t, health.Accounts, 1)
	assert.Equal(t, "default", health.Accounts[0].AccountID)
}

func TestGenerateImage_Success(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := doJSON(t, env.router, http.MethodPost, "/v1/images/generations", testAPIKey,
		models.GenerateImageRequest{Prompt: "a red fox", N: 1})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp models.ImageResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Data, 1)
	assert.True(t, strings.HasPrefix(resp.Data[0].URL, env.cfg.BaseURL+"/static/generated/img_"))
	assert.Greater(t, resp.Created, int64(0))
}

func TestGenerateImage_Validation(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := doJSON(t, env.router, http.MethodPost, "/v1/images/generations", testAPIKey,
		models.GenerateImageRequest{Prompt: "  "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, env.router, http.MethodPost, "/v1/images/generations", testAPIKey,
		models.GenerateImageRequest{Prompt: "a cat", N: 4})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_request_error", decodeError(t, rec).Code)

	req := httptest.NewRequest(http.MethodPost, "/v1/images/generations", strings.NewReader("{broken"))
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	recBroken := httptest.NewRecorder()
	env.router.ServeHTTP(recBroken, req)
	assert.Equal(t, http.StatusBadRequest, recBroken.Code)
}

func TestGenerateImage_BackendErrorMapsToStatus(t *testing.T) {
	env := newTestEnv(t, backend.New(backend.KindRateLimited, "provider throttled"))

	rec := doJSON(t, env.router, http.MethodPost, "/v1/images/generations", testAPIKey,
		models.GenerateImageRequest{Prompt: "a cat"})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	detail := decodeError(t, rec)
	assert.Equal(t, "rate_limit_exceeded", detail.Code)
	assert.Equal(t, "server_error", detail.Type)
}

func TestGenerateImage_AllAccountsCooling(t *testing.T) {
	env := newTestEnv(t, nil)
	env.pool.MarkCooldown("default", 600, "cookies_expired")

	rec := doJSON(t, env.router, http.MethodPost, "/v1/images/generations", testAPIKey,
		models.GenerateImageRequest{Prompt: "a cat"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "accounts_unavailable", decodeError(t, rec).Code)
}

func TestEditImage_Success(t *testing.T) {
	env := newTestEnv(t, nil)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("prompt", "make it blue"))
	fw, err := mw.CreateFormFile("image", "ref.png")
	require.NoError(t, err)
	fw.Write([]byte("fake reference image"))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/v1/images/edits", &buf)
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp models.ImageResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Data, 1)
}

func TestEditImage_RequiresImage(t *testing.T) {
	env := newTestEnv(t, nil)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("prompt", "make it blue"))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/v1/images/edits", &buf)
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestVideoTask_CreateAndPoll(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := doJSON(t, env.router, http.MethodPost, "/v2/videos/generations", testAPIKey,
		models.VideoTaskRequest{Prompt: "a fox running", Model: "veo"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var created models.VideoTask
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.True(t, strings.HasPrefix(created.ID, "vtask_"))

	deadline := time.Now().Add(5 * time.Second)
	for {
		rec = doJSON(t, env.router, http.MethodGet, "/v2/videos/generations/"+created.ID, testAPIKey, nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var task models.VideoTask
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &task))
		if task.Status.Terminal() {
			assert.Equal(t, models.TaskSucceeded, task.Status)
			require.NotNil(t, task.Result)
			assert.Contains(t, task.Result.URL, "/static/generated/")
			break
		}
		require.False(t, time.Now().After(deadline), "task never finished")
		time.Sleep(10 * time.Millisecond)
	}
}

func TestVideoTask_EmptyPrompt(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := doJSON(t, env.router, http.MethodPost, "/v2/videos/generations", testAPIKey,
		models.VideoTaskRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestVideoTask_NotFound(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := doJSON(t, env.router, http.MethodGet, "/v2/videos/generations/vtask_missing", testAPIKey, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "task_not_found", decodeError(t, rec).Code)
}

func TestUploadCookies_NewAccount(t *testing.T) {
	env := newTestEnv(t, nil)

	export, err := json.Marshal([]cookies.RawCookie{
		{Name: "__Secure-1PSID", Value: "v", Domain: ".google.com"},
	})
	require.NoError(t, err)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("account_id", "Work-Account"))
	fw, err := mw.CreateFormFile("file", "cookies.json")
	require.NoError(t, err)
	fw.Write(export)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/v1/cookies", &buf)
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp models.CookiesUploadResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, 1, resp.CookieCount)
	assert.Equal(t, "work-account", resp.AccountID, "account ids normalize to lower case")

	assert.True(t, env.pool.Has("work-account"))
	assert.FileExists(t, filepath.Join(env.cfg.AccountsDir, "work-account", "cookies.json"))
}

func TestUploadCookies_InvalidPayload(t *testing.T) {
	env := newTestEnv(t, nil)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "cookies.json")
	require.NoError(t, err)
	fw.Write([]byte("{not an array"))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/v1/cookies", &buf)
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestNormalizeAccountID(t *testing.T) {
	id, err := normalizeAccountID("")
	require.NoError(t, err)
	assert.Equal(t, "default", id)

	id, err = normalizeAccountID("  My_Account-1  ")
	require.NoError(t, err)
	assert.Equal(t, "my_account-1", id)

	_, err = normalizeAccountID("bad/../path")
	assert.Error(t, err)

	_, err = normalizeAccountID("-starts-with-dash")
	assert.Error(t, err)
}

func TestCleanup(t *testing.T) {
	env := newTestEnv(t, nil)

	old := filepath.Join(env.store.Dir(), "img_1_old.png")
	require.NoError(t, os.WriteFile(old, []byte("x"), 0o644))
	past := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(old, past, past))

	rec := doJSON(t, env.router, http.MethodPost, "/v1/cleanup", testAPIKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp models.CleanupResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.DeletedCount)
	assert.Equal(t, []string{"img_1_old.png"}, resp.DeletedFiles)

	rec = doJSON(t, env.router, http.MethodPost, "/v1/cleanup?max_age_hours=abc", testAPIKey, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStaticFileServing(t *testing.T) {
	env := newTestEnv(t, nil)
	require.NoError(t, os.WriteFile(filepath.Join(env.store.Dir(), "img_1_abc.png"), []byte("bytes"), 0o644))

	rec := doJSON(t, env.router, http.MethodGet, "/static/generated/img_1_abc.png", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "bytes", rec.Body.String())
}

func TestRateLimitHeaders(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := doJSON(t, env.router, http.MethodPost, "/v1/cleanup", testAPIKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "1000", rec.Header().Get("X-RateLimit-Limit"))
	assert.NotEmpty(t, rec.Header().Get("X-RateLimit-Remaining"))
}
