// Package models holds the OpenAI-compatible wire types.
package models

// GenerateImageRequest is the payload for POST /v1/images/generations.
type GenerateImageRequest struct {
	Prompt         string `json:"prompt"`
	N              int    `json:"n,omitempty"`
	Size           string `json:"size,omitempty"`
	ResponseFormat string `json:"response_format,omitempty"`
}

// ImageData is one generated image in a response.
type ImageData struct {
	URL string `json:"url"`
}

// ImageResponse mirrors OpenAI's images API response.
type ImageResponse struct {
	Created int64       `json:"created"`
	Data    []ImageData `json:"data"`
}
