package models

// TaskStatus is the lifecycle state of an async generation task.
// Transitions are monotonic: queued → processing → {succeeded | failed}.
type TaskStatus string

const (
	TaskQueued     TaskStatus = "queued"
	TaskProcessing TaskStatus = "processing"
	TaskSucceeded  TaskStatus = "succeeded"
	TaskFailed     TaskStatus = "failed"
)

// Terminal reports whether no further transition is possible.
func (s TaskStatus) Terminal() bool {
	return s == TaskSucceeded || s == TaskFailed
}

// VideoTaskRequest is the payload for POST /v2/videos/generations.
type VideoTaskRequest struct {
	Prompt          string   `json:"prompt"`
	Model           string   `json:"model,omitempty"`
	Ratio           string   `json:"ratio,omitempty"`
	Duration        int      `json:"duration,omitempty"`
	ReferenceMode   string   `json:"reference_mode,omitempty"`
	Images          []string `json:"images,omitempty"`
	ReferenceVideos []string `json:"reference_videos,omitempty"`
	FirstFrameImage string   `json:"first_frame_image,omitempty"`
	LastFrameImage  string   `json:"last_frame_image,omitempty"`
}

// TaskResult is present only on a succeeded task.
type TaskResult struct {
	URL                string   `json:"url"`
	ProviderTaskID     string   `json:"provider_task_id,omitempty"`
	ProviderItemIDs    []string `json:"provider_item_ids,omitempty"`
	ProviderGenerateID string   `json:"provider_generate_id,omitempty"`
}

// VideoTask is the task record returned by the async endpoints.
type VideoTask struct {
	ID                 string           `json:"id"`
	Created            int64            `json:"created"`
	Status             TaskStatus       `json:"status"`
	Model              string           `json:"model,omitempty"`
	Request            VideoTaskRequest `json:"request"`
	ProviderTaskID     string           `json:"provider_task_id,omitempty"`
	ProviderItemIDs    []string         `json:"provider_item_ids,omitempty"`
	ProviderGenerateID string           `json:"provider_generate_id,omitempty"`
	Result             *TaskResult      `json:"result,omitempty"`
	Error              *ErrorDetail     `json:"error,omitempty"`
}
