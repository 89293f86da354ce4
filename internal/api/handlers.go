package api

import (
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/shehryarbajwa/imagen-relay/internal/admission"
	"github.com/shehryarbajwa/imagen-relay/internal/backend"
	"github.com/shehryarbajwa/imagen-relay/internal/config"
	"github.com/shehryarbajwa/imagen-relay/internal/cookies"
	"github.com/shehryarbajwa/imagen-relay/internal/pool"
	"github.com/shehryarbajwa/imagen-relay/internal/storage"
	"github.com/shehryarbajwa/imagen-relay/internal/tasks"
	"github.com/shehryarbajwa/imagen-relay/pkg/models"
)

const maxReferenceFileSize = 10 << 20

var accountIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

// Handler holds dependencies for HTTP handlers
type Handler struct {
	cfg       *config.Config
	admission *admission.Controller
	pool      *pool.Pool
	store     *storage.Store
	tasks     *tasks.Manager
}

// NewHandler creates a new HTTP handler
func NewHandler(cfg *config.Config, adm *admission.Controller, p *pool.Pool, store *storage.Store, taskMgr *tasks.Manager) *Handler {
	return &Handler{
		cfg:       cfg,
		admission: adm,
		pool:      p,
		store:     store,
		tasks:     taskMgr,
	}
}

// GenerateImage handles POST /v1/images/generations
func (h *Handler) GenerateImage(w http.ResponseWriter, r *http.Request) {
	var req models.GenerateImageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, backend.Wrap(backend.KindInvalidRequest, "invalid request body", err))
		return
	}
	if req.N != 0 && req.N != 1 {
		writeError(w, backend.New(backend.KindInvalidRequest, "only n=1 is supported"))
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		writeError(w, backend.New(backend.KindInvalidRequest, "prompt cannot be empty"))
		return
	}

	if err := h.admission.Acquire(); err != nil {
		writeError(w, err)
		return
	}
	defer h.admission.Release()

	result, err := h.pool.GenerateWithFailover(r.Context(), backend.GenerateRequest{
		Prompt:  req.Prompt,
		Timeout: h.cfg.DefaultTimeout,
	}, h.cfg.AccountCooldownSeconds)
	if err != nil {
		writeError(w, err)
		return
	}

	url, _, err := h.store.SaveImage(result.Path)
	if err != nil {
		writeError(w, backend.Wrap(backend.KindGenerationFailed, "failed to store generated image", err))
		return
	}

	writeJSON(w, http.StatusOK, models.ImageResponse{
		Created: time.Now().Unix(),
		Data:    []models.ImageData{{URL: url}},
	})
}

// EditImage handles POST /v1/images/edits (multipart, multiple reference
// images supported).
func (h *Handler) EditImage(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(64 << 20); err != nil {
		writeError(w, backend.Wrap(backend.KindInvalidRequest, "invalid multipart form", err))
		return
	}

	prompt := r.FormValue("prompt")
	if strings.TrimSpace(prompt) == "" {
		writeError(w, backend.New(backend.KindInvalidRequest, "prompt cannot be empty"))
		return
	}
	if n := r.FormValue("n"); n != "" && n != "1" {
		writeError(w, backend.New(backend.KindInvalidRequest, "only n=1 is supported"))
		return
	}

	files := r.MultipartForm.File["image"]
	if len(files) == 0 {
		writeError(w, backend.New(backend.KindInvalidRequest, "at least one image is required"))
		return
	}

	var refPaths []string
	defer func() {
		for _, p := range refPaths {
			os.Remove(p)
		}
	}()

	for i, header := range files {
		if header.Size == 0 {
			writeError(w, backend.Newf(backend.KindInvalidRequest, "uploaded file %d is empty", i+1))
			return
		}
		if header.Size > maxReferenceFileSize {
			writeError(w, backend.Newf(backend.KindInvalidRequest,
				"file %d too large (%d bytes), maximum is 10MB", i+1, header.Size))
			return
		}

		path, err := saveUploadToTemp(header, filepath.Ext(header.Filename))
		if err != nil {
			writeError(w, backend.Wrap(backend.KindGenerationFailed, "failed to save uploaded file", err))
			return
		}
		refPaths = append(refPaths, path)

		if err := storage.NormalizeReferenceImage(path); err != nil {
			log.WithError(err).Warn("failed to normalize reference image")
		}
	}

	if err := h.admission.Acquire(); err != nil {
		writeError(w, err)
		return
	}
	defer h.admission.Release()

	result, err := h.pool.GenerateWithFailover(r.Context(), backend.GenerateRequest{
		Prompt:         prompt,
		Timeout:        h.cfg.DefaultTimeout,
		ReferenceFiles: refPaths,
	}, h.cfg.AccountCooldownSeconds)
	if err != nil {
		writeError(w, err)
		return
	}

	url, _, err := h.store.SaveImage(result.Path)
	if err != nil {
		writeError(w, backend.Wrap(backend.KindGenerationFailed, "failed to store generated image", err))
		return
	}

	writeJSON(w, http.StatusOK, models.ImageResponse{
		Created: time.Now().Unix(),
		Data:    []models.ImageData{{URL: url}},
	})
}

type healthResponse struct {
	Status            string               `json:"status"`
	ConcurrentTasks   int                  `json:"concurrent_tasks"`
	MaxConcurrent     int                  `json:"max_concurrent"`
	AccountsTotal     int                  `json:"accounts_total"`
	AccountsAvailable int                  `json:"accounts_available"`
	Accounts          []pool.AccountStatus `json:"accounts"`
}

// Health handles GET /v1/health (no authentication required).
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	stats := h.pool.Stats()
	writeJSON(w, http.StatusOK, healthResponse{
		Status:            "ok",
		ConcurrentTasks:   h.admission.Active(),
		MaxConcurrent:     h.admission.Limit(),
		AccountsTotal:     stats.AccountsTotal,
		AccountsAvailable: stats.AccountsAvailable,
		Accounts:          stats.Accounts,
	})
}

// Cleanup handles POST /v1/cleanup
func (h *Handler) Cleanup(w http.ResponseWriter, r *http.Request) {
	hours := h.cfg.CleanupHours
	if v := r.URL.Query().Get("max_age_hours"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 0 {
			writeError(w, backend.New(backend.KindInvalidRequest, "max_age_hours must be a non-negative integer"))
			return
		}
		hours = parsed
	}

	deleted := h.store.CleanupOldFiles(time.Duration(hours) * time.Hour)
	writeJSON(w, http.StatusOK, models.CleanupResponse{
		DeletedCount: len(deleted),
		DeletedFiles: deleted,
	})
}

// UploadCookies handles POST /v1/cookies: installs fresh credentials for
// an account, creating the account when needed, and lifts its cooldown.
func (h *Handler) UploadCookies(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(16 << 20); err != nil {
		writeError(w, backend.Wrap(backend.KindInvalidRequest, "invalid multipart form", err))
		return
	}

	file, _, err := r.FormFile("file")
	if err != nil {
		writeError(w, backend.New(backend.KindInvalidRequest, "cookies file is required"))
		return
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		writeError(w, backend.Wrap(backend.KindInvalidRequest, "failed to read cookies file", err))
		return
	}

	var raw []cookies.RawCookie
	if err := json.Unmarshal(content, &raw); err != nil {
		writeError(w, backend.Wrap(backend.KindInvalidRequest, "invalid cookies format, expected a JSON array", err))
		return
	}

	accountID, err := normalizeAccountID(r.FormValue("account_id"))
	if err != nil {
		writeError(w, err)
		return
	}

	store := h.pool.Store(accountID)
	if store == nil {
		accountDir := filepath.Join(h.cfg.AccountsDir, accountID)
		if err := os.MkdirAll(accountDir, 0o755); err != nil {
			writeError(w, backend.Wrap(backend.KindGenerationFailed, "failed to create account directory", err))
			return
		}
		store = h.pool.AddOrReplace(accountID, filepath.Join(accountDir, "cookies.json"))
	}

	savedPath, err := store.Save(raw)
	if err != nil {
		writeError(w, backend.Wrap(backend.KindGenerationFailed, "failed to save cookies", err))
		return
	}
	h.pool.ClearCooldown(accountID)

	log.WithFields(log.Fields{
		"account": accountID,
		"path":    savedPath,
		"count":   len(raw),
	}).Info("cookies saved")

	writeJSON(w, http.StatusOK, models.CookiesUploadResponse{
		Success:     true,
		Message:     "Cookies saved successfully to " + filepath.Base(savedPath),
		CookieCount: len(raw),
		AccountID:   accountID,
	})
}

func normalizeAccountID(raw string) (string, error) {
	value := strings.ToLower(strings.TrimSpace(raw))
	if value == "" {
		return "default", nil
	}
	if !accountIDPattern.MatchString(value) {
		return "", backend.New(backend.KindInvalidRequest,
			"invalid account_id: use 1-64 chars of a-z, 0-9, -, _")
	}
	return value, nil
}

func saveUploadToTemp(header *multipart.FileHeader, ext string) (string, error) {
	src, err := header.Open()
	if err != nil {
		return "", err
	}
	defer src.Close()

	if ext == "" {
		ext = ".png"
	}
	tmp, err := os.CreateTemp("", "relay_upload_*"+ext)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(tmp, src); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", err
	}
	return tmp.Name(), tmp.Close()
}
