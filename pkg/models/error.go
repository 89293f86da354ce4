package models

// ErrorDetail is the OpenAI-compatible error body.
type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

// ErrorResponse wraps an ErrorDetail the way the OpenAI API does.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// CookiesUploadResponse acknowledges a cookie upload.
type CookiesUploadResponse struct {
	Success     bool   `json:"success"`
	Message     string `json:"message"`
	CookieCount int    `json:"cookie_count"`
	AccountID   string `json:"account_id"`
}

// CleanupResponse reports a storage cleanup run.
type CleanupResponse struct {
	DeletedCount int      `json:"deleted_count"`
	DeletedFiles []string `json:"deleted_files"`
}
