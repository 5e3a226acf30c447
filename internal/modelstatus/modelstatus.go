// Package modelstatus computes per-model sliding-window health: slot
// tiling, success-rate color classification, and a single batched query
// across every requested model rather than one query per model.
package modelstatus

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/new-api-tools/sidecar/internal/apperr"
	"github.com/new-api-tools/sidecar/internal/cachetier"
	"github.com/new-api-tools/sidecar/internal/logstore"
)

func marshalMap(m map[string]ModelHealth) ([]byte, error)   { return json.Marshal(m) }
func unmarshalMap(b []byte) (map[string]ModelHealth, error) {
	var out map[string]ModelHealth
	err := json.Unmarshal(b, &out)
	return out, err
}

// windowConfig follows the teacher's 1h/60x1min and 24h/24x1h tiling,
// generalized to any window: 60 slots for windows <=1h, else 24 slots
// sized at window/24.
func windowConfig(window string) (totalSeconds int64, numSlots int, slotSeconds int64) {
	switch window {
	case "1h":
		return 3600, 60, 60
	case "6h":
		return 6 * 3600, 24, 900
	case "12h":
		return 12 * 3600, 24, 1800
	case "24h":
		return 24 * 3600, 24, 3600
	default:
		return 24 * 3600, 24, 3600
	}
}

// Color classifies a success rate per §4.6's exact thresholds:
// green when the rate is >=95% (or there were no requests at all),
// yellow >=80%, red otherwise.
func Color(successRate float64, total int64) string {
	if total == 0 || successRate >= 95 {
		return "green"
	}
	if successRate >= 80 {
		return "yellow"
	}
	return "red"
}

// Bucket is one slot's health for one model.
type Bucket struct {
	Slot        int     `json:"slot"`
	StartTime   int64   `json:"start_time"`
	EndTime     int64   `json:"end_time"`
	Total       int64   `json:"total"`
	Success     int64   `json:"success"`
	SuccessRate float64 `json:"success_rate"`
	Color       string  `json:"color"`
}

// ModelHealth is one model's full tiled health report.
type ModelHealth struct {
	ModelName     string   `json:"model_name"`
	Window        string   `json:"window"`
	TotalRequests int64    `json:"total_requests"`
	SuccessCount  int64    `json:"success_count"`
	SuccessRate   float64  `json:"success_rate"`
	Color         string   `json:"color"`
	Slots         []Bucket `json:"slots"`
}

// Engine computes and caches model health reports.
type Engine struct {
	store *logstore.Store
	cache *cachetier.Tier
	scale func() cachetier.Scale
}

func New(store *logstore.Store, cache *cachetier.Tier, scale func() cachetier.Scale) *Engine {
	return &Engine{store: store, cache: cache, scale: scale}
}

// Status returns tiled health for every name in models, in one batched
// query against the store regardless of how many models are requested.
func (e *Engine) Status(ctx context.Context, models []string, window string, refresh bool) (map[string]ModelHealth, error) {
	key := fmt.Sprintf("modelstatus:%s:%d", window, len(models))
	sorted := append([]string(nil), models...)
	sort.Strings(sorted)
	key = fmt.Sprintf("%s:%x", key, hashNames(sorted))

	ttl := cachetier.GenericTTL(window, e.scale())
	compute := func() ([]byte, error) {
		result, err := e.compute(ctx, sorted, window)
		if err != nil {
			return nil, err
		}
		return marshalMap(result)
	}

	var blob []byte
	var err error
	if refresh {
		blob, err = compute()
		if err == nil {
			err = e.cache.Set(ctx, key, blob, ttl)
		}
	} else {
		blob, err = e.cache.GetOrCompute(ctx, key, ttl, compute)
	}
	if err != nil {
		return nil, err
	}

	out, err := unmarshalMap(blob)
	if err != nil {
		return nil, apperr.Permanent(apperr.QueryFailed, "model status cache decode failed", err)
	}
	return out, nil
}

func (e *Engine) compute(ctx context.Context, models []string, window string) (map[string]ModelHealth, error) {
	total, numSlots, slotSeconds := windowConfig(window)
	now := time.Now().Unix()
	windowStart := now - total

	buckets, err := e.store.ModelStatusSlots(ctx, models, windowStart, now, slotSeconds)
	if err != nil {
		return nil, err
	}

	byModel := make(map[string][]logstore.ModelStatusBucket)
	for _, b := range buckets {
		byModel[b.ModelName] = append(byModel[b.ModelName], b)
	}

	out := make(map[string]ModelHealth, len(models))
	for _, name := range models {
		slotTotal := make([]int64, numSlots)
		slotSuccess := make([]int64, numSlots)
		for _, b := range byModel[name] {
			idx := int(b.Slot)
			if idx < 0 {
				continue
			}
			if idx >= numSlots {
				idx = numSlots - 1
			}
			slotTotal[idx] += b.Total
			slotSuccess[idx] += b.Success
		}

		slots := make([]Bucket, numSlots)
		var grandTotal, grandSuccess int64
		for i := 0; i < numSlots; i++ {
			start := windowStart + int64(i)*slotSeconds
			end := start + slotSeconds
			if end > now {
				end = now
			}
			t, s := slotTotal[i], slotSuccess[i]
			rate := 100.0
			if t > 0 {
				rate = float64(s) / float64(t) * 100
			}
			slots[i] = Bucket{Slot: i, StartTime: start, EndTime: end, Total: t, Success: s, SuccessRate: rate, Color: Color(rate, t)}
			grandTotal += t
			grandSuccess += s
		}

		overall := 100.0
		if grandTotal > 0 {
			overall = float64(grandSuccess) / float64(grandTotal) * 100
		}

		out[name] = ModelHealth{
			ModelName: name, Window: window, TotalRequests: grandTotal, SuccessCount: grandSuccess,
			SuccessRate: overall, Color: Color(overall, grandTotal), Slots: slots,
		}
	}
	return out, nil
}

func hashNames(names []string) uint32 {
	var h uint32 = 2166136261
	for _, n := range names {
		for i := 0; i < len(n); i++ {
			h ^= uint32(n[i])
			h *= 16777619
		}
		h ^= '|'
	}
	return h
}
