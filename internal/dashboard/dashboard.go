// Package dashboard computes the overview/usage/model-usage/top-users/
// trend/channel-status/ip-distribution views, each cache-bypassable for
// operator refresh and each backed by CacheTier: channel status with a
// fixed 30s TTL, every other view with a scale-dependent TTL.
package dashboard

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/new-api-tools/sidecar/internal/cachetier"
	"github.com/new-api-tools/sidecar/internal/geoip"
	"github.com/new-api-tools/sidecar/internal/logstore"
)

// domesticCountryCodes are treated as "domestic" for the overseas/
// domestic traffic split in IPDistribution.
var domesticCountryCodes = map[string]bool{
	"CN": true,
	"HK": true,
	"MO": true,
	"TW": true,
}

var periodSeconds = map[string]int64{
	"1h":  3600,
	"6h":  6 * 3600,
	"24h": 24 * 3600,
	"3d":  3 * 24 * 3600,
	"7d":  7 * 24 * 3600,
	"14d": 14 * 24 * 3600,
	"30d": 30 * 24 * 3600,
}

// Engine is the DashboardEngine.
type Engine struct {
	store *logstore.Store
	cache *cachetier.Tier
	geo   *geoip.Service
	scale func() cachetier.Scale
}

func New(store *logstore.Store, cache *cachetier.Tier, geo *geoip.Service, scale func() cachetier.Scale) *Engine {
	return &Engine{store: store, cache: cache, geo: geo, scale: scale}
}

func periodWindow(period string) (int64, int64) {
	secs, ok := periodSeconds[period]
	if !ok {
		secs = periodSeconds["7d"]
	}
	now := time.Now().Unix()
	return now - secs, now
}

func (e *Engine) ttl(window string) time.Duration {
	return cachetier.GenericTTL(window, e.scale())
}

// SystemOverview returns system-wide counters for period, bypassing the
// cache when refresh is true.
func (e *Engine) SystemOverview(ctx context.Context, period string, refresh bool) (logstore.SystemOverview, error) {
	key := "dashboard:overview:" + period
	if !refresh {
		var out logstore.SystemOverview
		if err := e.cache.GetJSON(ctx, key, &out); err == nil {
			return out, nil
		}
	}
	start, _ := periodWindow(period)
	out := e.store.SystemOverview(ctx, start)
	_ = e.cache.SetJSON(ctx, key, out, e.ttl(period))
	return out, nil
}

// UsageStatistics returns aggregate usage counters for period.
func (e *Engine) UsageStatistics(ctx context.Context, period string, refresh bool) (logstore.UsageStats, error) {
	key := "dashboard:usage:" + period
	if !refresh {
		var out logstore.UsageStats
		if err := e.cache.GetJSON(ctx, key, &out); err == nil {
			return out, nil
		}
	}
	start, end := periodWindow(period)
	out, err := e.store.UsageStats(ctx, start, end)
	if err != nil {
		return logstore.UsageStats{}, err
	}
	_ = e.cache.SetJSON(ctx, key, out, e.ttl(period))
	return out, nil
}

// ModelUsage returns the request/quota breakdown by model for period.
func (e *Engine) ModelUsage(ctx context.Context, period string, limit int, refresh bool) ([]logstore.ModelUsageRow, error) {
	key := fmt.Sprintf("dashboard:model_usage:%s:%d", period, limit)
	if !refresh {
		var out []logstore.ModelUsageRow
		if err := e.cache.GetJSON(ctx, key, &out); err == nil {
			return out, nil
		}
	}
	start, end := periodWindow(period)
	out, err := e.store.ModelUsage(ctx, start, end, limit)
	if err != nil {
		return nil, err
	}
	_ = e.cache.SetJSON(ctx, key, out, e.ttl(period))
	return out, nil
}

// TopUsers returns the leaderboard of users by quota used over period.
func (e *Engine) TopUsers(ctx context.Context, period string, limit int, refresh bool) ([]logstore.TopUserRow, error) {
	key := fmt.Sprintf("dashboard:top_users:%s:%d", period, limit)
	if !refresh {
		var out []logstore.TopUserRow
		if err := e.cache.GetJSON(ctx, key, &out); err == nil {
			return out, nil
		}
	}
	start, end := periodWindow(period)
	out, err := e.store.TopUsers(ctx, start, end, limit)
	if err != nil {
		return nil, err
	}
	_ = e.cache.SetJSON(ctx, key, out, e.ttl(period))
	return out, nil
}

// ChannelStatus returns all non-deleted channels, priority-ordered.
func (e *Engine) ChannelStatus(ctx context.Context, refresh bool) ([]logstore.ChannelRow, error) {
	key := "dashboard:channels"
	if !refresh {
		var out []logstore.ChannelRow
		if err := e.cache.GetJSON(ctx, key, &out); err == nil {
			return out, nil
		}
	}
	out, err := e.store.ChannelStatus(ctx)
	if err != nil {
		return nil, err
	}
	_ = e.cache.SetJSON(ctx, key, out, 30*time.Second)
	return out, nil
}

// TrendPoint is one bucket of DailyTrends/HourlyTrends.
type TrendPoint struct {
	Bucket       string `json:"bucket"`
	RequestCount int64  `json:"request_count"`
	QuotaUsed    int64  `json:"quota_used"`
	UniqueUsers  int64  `json:"unique_users,omitempty"`
}

// DailyTrends buckets requests into calendar days, in the local
// timezone (an explicit Open Question decision — see DESIGN.md).
func (e *Engine) DailyTrends(ctx context.Context, days int, refresh bool) ([]TrendPoint, error) {
	key := fmt.Sprintf("dashboard:daily_trends:%d", days)
	if !refresh {
		var out []TrendPoint
		if err := e.cache.GetJSON(ctx, key, &out); err == nil {
			return out, nil
		}
	}

	now := time.Now()
	out := make([]TrendPoint, 0, days)
	for i := days - 1; i >= 0; i-- {
		dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.Local).AddDate(0, 0, -i)
		dayEnd := dayStart.AddDate(0, 0, 1)
		bucket, err := e.dailyBucket(ctx, dayStart.Unix(), dayEnd.Unix())
		if err != nil {
			return nil, err
		}
		bucket.Bucket = dayStart.Format("2006-01-02")
		out = append(out, *bucket)
	}

	_ = e.cache.SetJSON(ctx, key, out, e.ttl("24h"))
	return out, nil
}

func (e *Engine) dailyBucket(ctx context.Context, start, end int64) (*TrendPoint, error) {
	stats, err := e.store.UsageStats(ctx, start, end)
	if err != nil {
		return nil, err
	}
	return &TrendPoint{RequestCount: stats.TotalRequests, QuotaUsed: stats.TotalQuota}, nil
}

// HourlyTrends buckets requests into hour-of-day windows over the
// trailing `hours` period. Bucket boundaries are computed the same way
// the teacher's DATE_FORMAT/TO_CHAR grouping produced them: aligned to
// wall-clock hour starts, with the partial current hour included as the
// last (possibly short) bucket — a documented quirk, not re-derived.
func (e *Engine) HourlyTrends(ctx context.Context, hours int, refresh bool) ([]TrendPoint, error) {
	key := fmt.Sprintf("dashboard:hourly_trends:%d", hours)
	if !refresh {
		var out []TrendPoint
		if err := e.cache.GetJSON(ctx, key, &out); err == nil {
			return out, nil
		}
	}

	now := time.Now()
	out := make([]TrendPoint, 0, hours)
	for i := hours - 1; i >= 0; i-- {
		hourStart := now.Add(-time.Duration(i) * time.Hour).Truncate(time.Hour)
		hourEnd := hourStart.Add(time.Hour)
		stats, err := e.store.UsageStats(ctx, hourStart.Unix(), hourEnd.Unix())
		if err != nil {
			return nil, err
		}
		out = append(out, TrendPoint{
			Bucket:       hourStart.Format("2006-01-02 15:00"),
			RequestCount: stats.TotalRequests,
			QuotaUsed:    stats.TotalQuota,
		})
	}

	_ = e.cache.SetJSON(ctx, key, out, e.ttl("1h"))
	return out, nil
}

// CountryStat/ProvinceStat/CityStat are IPDistribution's aggregation levels.
type CountryStat struct {
	Country      string  `json:"country"`
	CountryCode  string  `json:"country_code"`
	IPCount      int64   `json:"ip_count"`
	RequestCount int64   `json:"request_count"`
	UserCount    int64   `json:"user_count"`
	Percentage   float64 `json:"percentage"`
}

type ProvinceStat struct {
	Country      string  `json:"country"`
	CountryCode  string  `json:"country_code"`
	Region       string  `json:"region"`
	IPCount      int64   `json:"ip_count"`
	RequestCount int64   `json:"request_count"`
	UserCount    int64   `json:"user_count"`
	Percentage   float64 `json:"percentage"`
}

type CityStat struct {
	Country      string  `json:"country"`
	CountryCode  string  `json:"country_code"`
	Region       string  `json:"region"`
	City         string  `json:"city"`
	IPCount      int64   `json:"ip_count"`
	RequestCount int64   `json:"request_count"`
	UserCount    int64   `json:"user_count"`
	Percentage   float64 `json:"percentage"`
}

// IPDistribution is the full ip_dist: breakdown.
type IPDistribution struct {
	TotalIPs           int64          `json:"total_ips"`
	TotalRequests      int64          `json:"total_requests"`
	DomesticPercentage float64        `json:"domestic_percentage"`
	OverseasPercentage float64        `json:"overseas_percentage"`
	ByCountry          []CountryStat  `json:"by_country"`
	ByProvince         []ProvinceStat `json:"by_province"`
	TopCities          []CityStat     `json:"top_cities"`
	SnapshotTime       int64          `json:"snapshot_time"`
}

// IPDistribution aggregates request/IP traffic into country/province/
// city buckets, using a single batched GeoIP lookup over every distinct
// IP observed in the window.
func (e *Engine) IPDistribution(ctx context.Context, window string, refresh bool) (IPDistribution, error) {
	key := "ip_dist:" + window
	if !refresh {
		var out IPDistribution
		if err := e.cache.GetJSON(ctx, key, &out); err == nil {
			return out, nil
		}
	}

	start, end := periodWindow(window)
	rows, err := e.store.IPTraffic(ctx, start, end)
	if err != nil {
		return IPDistribution{}, err
	}
	if len(rows) == 0 {
		empty := IPDistribution{SnapshotTime: time.Now().Unix()}
		_ = e.cache.SetJSON(ctx, key, empty, e.ttl(window))
		return empty, nil
	}

	ips := make([]string, 0, len(rows))
	for _, r := range rows {
		ips = append(ips, r.IP)
	}
	geos := e.geo.BatchLookup(ips)

	type countryAgg struct {
		code                          string
		ipCount, requestCount, users int64
	}
	type provinceAgg struct {
		country, code                string
		ipCount, requestCount, users int64
	}
	type cityAgg struct {
		country, code, region, city   string
		ipCount, requestCount, users int64
	}

	byCountry := map[string]*countryAgg{}
	byProvince := map[string]*provinceAgg{}
	byCity := map[string]*cityAgg{}

	var totalIPs, totalRequests, domestic, overseas int64

	for _, r := range rows {
		g := geos[r.IP]
		country, code, region, city := g.Country, g.CountryCode, g.Region, g.City
		if !g.Success || country == "" {
			country, code = "unknown", "XX"
		}

		totalIPs++
		totalRequests += r.RequestCount
		if domesticCountryCodes[code] {
			domestic += r.RequestCount
		} else {
			overseas += r.RequestCount
		}

		if _, ok := byCountry[country]; !ok {
			byCountry[country] = &countryAgg{code: code}
		}
		byCountry[country].ipCount++
		byCountry[country].requestCount += r.RequestCount
		byCountry[country].users += r.UserCount

		if code == "CN" && region != "" {
			if _, ok := byProvince[region]; !ok {
				byProvince[region] = &provinceAgg{country: country, code: code}
			}
			byProvince[region].ipCount++
			byProvince[region].requestCount += r.RequestCount
			byProvince[region].users += r.UserCount
		}

		if city != "" {
			ck := fmt.Sprintf("%s:%s:%s", country, region, city)
			if _, ok := byCity[ck]; !ok {
				byCity[ck] = &cityAgg{country: country, code: code, region: region, city: city}
			}
			byCity[ck].ipCount++
			byCity[ck].requestCount += r.RequestCount
			byCity[ck].users += r.UserCount
		}
	}

	pct := func(n int64) float64 {
		if totalRequests == 0 {
			return 0
		}
		return math.Round(float64(n)/float64(totalRequests)*10000) / 100
	}

	countries := make([]CountryStat, 0, len(byCountry))
	for name, a := range byCountry {
		countries = append(countries, CountryStat{name, a.code, a.ipCount, a.requestCount, a.users, pct(a.requestCount)})
	}
	sort.Slice(countries, func(i, j int) bool { return countries[i].RequestCount > countries[j].RequestCount })

	provinces := make([]ProvinceStat, 0, len(byProvince))
	for name, a := range byProvince {
		provinces = append(provinces, ProvinceStat{a.country, a.code, name, a.ipCount, a.requestCount, a.users, pct(a.requestCount)})
	}
	sort.Slice(provinces, func(i, j int) bool { return provinces[i].RequestCount > provinces[j].RequestCount })

	cities := make([]CityStat, 0, len(byCity))
	for _, a := range byCity {
		cities = append(cities, CityStat{a.country, a.code, a.region, a.city, a.ipCount, a.requestCount, a.users, pct(a.requestCount)})
	}
	sort.Slice(cities, func(i, j int) bool { return cities[i].RequestCount > cities[j].RequestCount })

	out := IPDistribution{
		TotalIPs:           totalIPs,
		TotalRequests:      totalRequests,
		DomesticPercentage: pct(domestic),
		OverseasPercentage: pct(overseas),
		ByCountry:          countries,
		ByProvince:         provinces,
		TopCities:          cities,
		SnapshotTime:       time.Now().Unix(),
	}

	_ = e.cache.SetJSON(ctx, key, out, e.ttl(window))
	return out, nil
}
