// Package tasks manages long-running async generation jobs: lifecycle,
// crash-safe persistence, and provider-id binding propagated mid-flight.
package tasks

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/shehryarbajwa/imagen-relay/internal/backend"
	"github.com/shehryarbajwa/imagen-relay/pkg/models"
)

// Result is the processor output for one task.
type Result struct {
	URL     string
	Binding backend.ProviderBinding
}

// ProcessFunc runs one generation end to end. It reports provider
// identifiers through onBinding as soon as they are known.
type ProcessFunc func(ctx context.Context, req models.VideoTaskRequest, onBinding backend.BindingFunc) (*Result, error)

// storeFile is the persisted shape: the full task table plus a write
// timestamp.
type storeFile struct {
	UpdatedAt int64              `json:"updated_at"`
	Tasks     []models.VideoTask `json:"tasks"`
}

// Manager owns the task table. Every mutation persists the whole table
// inside the same critical section, so the on-disk view never observably
// precedes the in-memory one.
type Manager struct {
	mu    sync.Mutex
	tasks map[string]*models.VideoTask

	path      string
	processor ProcessFunc

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager loads any persisted tasks and returns a ready manager.
// Tasks frozen in "processing" by a crash stay as persisted; execution is
// not resumed.
func NewManager(storagePath string, processor ProcessFunc) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		tasks:     make(map[string]*models.VideoTask),
		path:      storagePath,
		processor: processor,
		ctx:       ctx,
		cancel:    cancel,
	}
	m.loadFromDisk()
	return m
}

// Close stops accepting work and waits for in-flight executions.
func (m *Manager) Close() {
	m.cancel()
	m.wg.Wait()
}

// CreateTask persists a queued task and schedules its background
// execution.
func (m *Manager) CreateTask(req models.VideoTaskRequest) models.VideoTask {
	task := models.VideoTask{
		ID:      "vtask_" + strings.ReplaceAll(uuid.New().String(), "-", ""),
		Created: time.Now().Unix(),
		Status:  models.TaskQueued,
		Model:   req.Model,
		Request: req,
	}

	m.mu.Lock()
	m.tasks[task.ID] = &task
	m.persistLocked()
	m.mu.Unlock()

	m.wg.Add(1)
	go m.run(task.ID)

	return task
}

// GetTask returns a task snapshot or KindNotFound.
func (m *Manager) GetTask(id string) (models.VideoTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, ok := m.tasks[id]
	if !ok {
		return models.VideoTask{}, backend.Newf(backend.KindNotFound, "task not found: %s", id)
	}
	return *task, nil
}

func (m *Manager) run(id string) {
	defer m.wg.Done()

	m.setStatus(id, models.TaskProcessing)

	m.mu.Lock()
	task, ok := m.tasks[id]
	var req models.VideoTaskRequest
	if ok {
		req = task.Request
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	onBinding := func(binding backend.ProviderBinding) {
		m.setBinding(id, binding)
	}

	result, err := m.processor(m.ctx, req, onBinding)
	if err != nil {
		be := backend.AsError(err)
		detail := models.ErrorDetail{
			Message: be.Message,
			Type:    be.Type(),
			Code:    be.Code(),
		}
		var binding *backend.ProviderBinding
		if be.Binding != nil {
			binding = be.Binding
		}
		m.setFailure(id, detail, binding)
		log.WithFields(log.Fields{"task": id, "code": detail.Code}).Warn("async task failed")
		return
	}

	m.setSuccess(id, result)
	log.WithField("task", id).Info("async task succeeded")
}

func (m *Manager) setStatus(id string, status models.TaskStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if task, ok := m.tasks[id]; ok && !task.Status.Terminal() {
		task.Status = status
		m.persistLocked()
	}
}

// setBinding records provider identifiers as soon as they are observed,
// independent of the task's eventual outcome.
func (m *Manager) setBinding(id string, binding backend.ProviderBinding) {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, ok := m.tasks[id]
	if !ok {
		return
	}
	if binding.TaskID != "" {
		task.ProviderTaskID = binding.TaskID
	}
	if len(binding.ItemIDs) > 0 {
		task.ProviderItemIDs = binding.ItemIDs
	}
	if binding.GenerateID != "" {
		task.ProviderGenerateID = binding.GenerateID
	}
	m.persistLocked()
}

func (m *Manager) setSuccess(id string, result *Result) {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, ok := m.tasks[id]
	if !ok || task.Status.Terminal() {
		return
	}
	task.Status = models.TaskSucceeded
	if result.Binding.TaskID != "" {
		task.ProviderTaskID = result.Binding.TaskID
	}
	if len(result.Binding.ItemIDs) > 0 {
		task.ProviderItemIDs = result.Binding.ItemIDs
	}
	if result.Binding.GenerateID != "" {
		task.ProviderGenerateID = result.Binding.GenerateID
	}
	task.Result = &models.TaskResult{
		URL:                result.URL,
		ProviderTaskID:     task.ProviderTaskID,
		ProviderItemIDs:    task.ProviderItemIDs,
		ProviderGenerateID: task.ProviderGenerateID,
	}
	task.Error = nil
	m.persistLocked()
}

func (m *Manager) setFailure(id string, detail models.ErrorDetail, binding *backend.ProviderBinding) {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, ok := m.tasks[id]
	if !ok || task.Status.Terminal() {
		return
	}
	task.Status = models.TaskFailed
	if binding != nil {
		if binding.TaskID != "" {
			task.ProviderTaskID = binding.TaskID
		}
		if len(binding.ItemIDs) > 0 {
			task.ProviderItemIDs = binding.ItemIDs
		}
		if binding.GenerateID != "" {
			task.ProviderGenerateID = binding.GenerateID
		}
	}
	task.Error = &detail
	m.persistLocked()
}

// persistLocked writes the full table via temp-file-then-rename, so a
// crash mid-write never corrupts the store. Must hold m.mu.
func (m *Manager) persistLocked() {
	snapshot := storeFile{UpdatedAt: time.Now().Unix()}
	for _, task := range m.tasks {
		snapshot.Tasks = append(snapshot.Tasks, *task)
	}

	data, err := json.Marshal(snapshot)
	if err != nil {
		log.WithError(err).Error("failed to encode task store")
		return
	}

	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		log.WithError(err).Error("failed to create task store directory")
		return
	}

	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		log.WithError(err).Error("failed to write task store")
		return
	}
	if err := os.Rename(tmp, m.path); err != nil {
		log.WithError(err).Error("failed to replace task store")
	}
}

func (m *Manager) loadFromDisk() {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return
	}

	var snapshot storeFile
	if err := json.Unmarshal(data, &snapshot); err != nil {
		log.WithError(err).Warn("task store is unreadable, starting empty")
		return
	}

	for i := range snapshot.Tasks {
		task := snapshot.Tasks[i]
		if task.ID == "" {
			continue
		}
		m.tasks[task.ID] = &task
	}
}
