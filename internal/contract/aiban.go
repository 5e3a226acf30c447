package contract

import "github.com/new-api-tools/sidecar/internal/autoban"

// ScanRequest is the parsed body for POST /api/ai-ban/scan.
type ScanRequest struct {
	Window string `json:"window"`
	DryRun *bool  `json:"dry_run,omitempty"` // nil means "use persisted config"
}

// ConfigResponse wraps the persisted AutoBanPipeline config.
type ConfigResponse struct {
	Config autoban.Config `json:"config"`
}

// UpdateConfigRequest is the parsed body for POST /api/ai-ban/config.
type UpdateConfigRequest struct {
	Config autoban.Config `json:"config"`
}

// AuditLogsRequest is the parsed query for GET /api/ai-ban/logs.
type AuditLogsRequest struct {
	Limit  int
	Offset int
}

// AuditLogEntry is one row of GET /api/ai-ban/logs.
type AuditLogEntry struct {
	ScanID         string  `json:"scan_id"`
	Status         string  `json:"status"`
	Window         string  `json:"window"`
	Candidates     int     `json:"candidates"`
	Banned         int     `json:"banned"`
	Warned         int     `json:"warned"`
	Skipped        int     `json:"skipped"`
	Errors         int     `json:"errors"`
	DryRun         bool    `json:"dry_run"`
	ElapsedSeconds float64 `json:"elapsed_seconds"`
	CreatedAt      int64   `json:"created_at"`
}
