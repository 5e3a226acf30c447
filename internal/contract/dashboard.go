package contract

// OverviewRequest is the parsed query for GET /api/dashboard/overview.
type OverviewRequest struct {
	Period  string // 24h|3d|7d|14d
	NoCache bool
}

// UsageRequest is the parsed query for GET /api/dashboard/usage.
type UsageRequest struct {
	Period string // 1h|6h|24h|3d|7d|14d
}

// LimitedPeriodRequest is the parsed query shape shared by
// /models, /top-users (period + a 1..50 limit).
type LimitedPeriodRequest struct {
	Period string
	Limit  int
}

// DailyTrendsRequest is the parsed query for GET /api/dashboard/trends/daily.
type DailyTrendsRequest struct {
	Days int // 1..30
}

// HourlyTrendsRequest is the parsed query for GET /api/dashboard/trends/hourly.
type HourlyTrendsRequest struct {
	Hours int // 1..72
}

// IPDistributionRequest is the parsed query for GET /api/dashboard/ip-distribution.
type IPDistributionRequest struct {
	Window string // 1h|6h|24h|7d
}
