package contract

// AutoGroupScanRequest is the parsed body for POST /api/auto-group/scan.
type AutoGroupScanRequest struct {
	DryRun bool `json:"dry_run"`
}

// BatchMoveRequest is the parsed body for POST /api/auto-group/batch-move.
type BatchMoveRequest struct {
	UserIDs []int  `json:"user_ids"`
	Group   string `json:"group"`
}

// RevertRequest is the parsed body for POST /api/auto-group/revert.
type RevertRequest struct {
	LogID int `json:"log_id"`
}
