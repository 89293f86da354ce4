// Package backend defines the capability boundary between the scheduling
// core and whatever actually drives the upstream web application. A
// Generator is bound 1:1 to one credential store at account registration.
package backend

import (
	"context"
	"time"
)

// ProviderBinding holds identifiers the provider assigns to a generation
// before the media itself is ready.
type ProviderBinding struct {
	TaskID     string   `json:"provider_task_id,omitempty"`
	ItemIDs    []string `json:"provider_item_ids,omitempty"`
	GenerateID string   `json:"provider_generate_id,omitempty"`
}

// BindingFunc is invoked at most once, asynchronously, as soon as the
// provider assigns identifiers to an in-flight generation.
type BindingFunc func(binding ProviderBinding)

// Options carries provider-specific generation knobs.
type Options struct {
	Model         string
	Ratio         string
	Duration      int
	ReferenceMode string
}

// GenerateRequest describes one generation call.
type GenerateRequest struct {
	Prompt string

	// Timeout bounds the upstream generation call. Exceeding it yields
	// KindTimeout, which never triggers account cooldown.
	Timeout time.Duration

	// ReferenceFiles are local paths uploaded to the provider before
	// the prompt is submitted.
	ReferenceFiles []string

	Options Options

	// OnBinding, when set, receives provider identifiers mid-flight.
	OnBinding BindingFunc
}

// MediaResult is a successfully generated media file.
type MediaResult struct {
	// Path is a local temp file holding the downloaded media.
	Path string

	Binding ProviderBinding
}

// Generator produces one media file per call or fails with a typed *Error.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) (*MediaResult, error)
}
