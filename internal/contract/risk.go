package contract

// LeaderboardsRequest is the parsed query for GET /api/risk/leaderboards.
type LeaderboardsRequest struct {
	Windows []string // csv, e.g. "1h,24h,3d"
	Limit   int      // 1..50
	SortBy  string   // requests|quota|failure_rate
}

// UserAnalysisRequest is the parsed query for GET /api/risk/users/{id}/analysis.
type UserAnalysisRequest struct {
	UserID  int
	Window  string
	EndTime int64 // optional; 0 means "now"
}

// DetectorRequest is the parsed query shared by the six detector
// endpoints (shared-ips, multi-ip-tokens, multi-ip-users,
// token-rotation, affiliated-accounts, same-ip-registrations).
type DetectorRequest struct {
	Window    string
	Threshold int // minTokens|minIPs|minInvited|minUsers, detector-specific
	Limit     int
}
