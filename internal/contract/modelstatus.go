package contract

import "github.com/new-api-tools/sidecar/internal/modelstatus"

// ModelStatusRequest is the parsed query for GET /api/model-status/status/{model}.
type ModelStatusRequest struct {
	ModelName string
	Window    string // 1h|6h|12h|24h
}

// BatchModelStatusRequest is the parsed body for POST /api/model-status/status/batch.
type BatchModelStatusRequest struct {
	Models []string `json:"models"`
	Window string   `json:"window"`
}

// BatchModelStatusResponse wraps the per-model health map keyed by model name.
type BatchModelStatusResponse struct {
	Window string                             `json:"window"`
	Models map[string]modelstatus.ModelHealth `json:"models"`
}
