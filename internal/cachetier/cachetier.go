// Package cachetier 实现双层读穿缓存：Redis 为主存储，本地 SQLite 作为
// 镜像兜底。分通用(generic)与分槽(slotted)两个命名空间，写入时先写镜像
// 再写主存，读取优先主存，主存未命中而镜像命中时尽力回填主存。
package cachetier

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"

	"github.com/new-api-tools/sidecar/internal/database"
	"github.com/new-api-tools/sidecar/internal/logger"
)

// Scale is the system-scale bucket the TTL schedule keys off.
type Scale string

const (
	ScaleTiny   Scale = "tiny"
	ScaleSmall  Scale = "small"
	ScaleMedium Scale = "medium"
	ScaleLarge  Scale = "large"
	ScaleXLarge Scale = "xlarge"
)

// Tier is the two-backend read-through cache.
type Tier struct {
	rdb   *redis.Client // 主存，可为空（Redis 不可用时优雅降级）
	local *gorm.DB       // 镜像，必须存在
	sf    singleflight.Group
}

// New wires a Tier to the given Redis client (nil is tolerated — the
// engine must function without a primary) and the local mirror DB.
func New(rdb *redis.Client) *Tier {
	return &Tier{rdb: rdb, local: database.Local()}
}

var ErrMiss = fmt.Errorf("cachetier: miss")

// ---------- 通用命名空间 ----------

// Get 读取一个通用键。优先查主存，未命中再查镜像；镜像命中时尽力回填主存。
func (t *Tier) Get(ctx context.Context, key string) ([]byte, error) {
	if t.rdb != nil {
		data, err := t.rdb.Get(ctx, key).Bytes()
		if err == nil {
			return data, nil
		}
		if err != redis.Nil {
			logger.Warn("cachetier: redis get failed", zap.String("key", key), zap.Error(err))
		}
	}

	var row struct {
		Value     []byte
		ExpiresAt int64
	}
	err := t.local.WithContext(ctx).Raw(
		`SELECT value, expires_at FROM cache WHERE key = ?`, key,
	).Row().Scan(&row.Value, &row.ExpiresAt)
	if err != nil {
		return nil, ErrMiss
	}
	if row.ExpiresAt > 0 && row.ExpiresAt < time.Now().Unix() {
		return nil, ErrMiss
	}

	if t.rdb != nil {
		ttl := time.Duration(row.ExpiresAt-time.Now().Unix()) * time.Second
		if ttl > 0 {
			_ = t.rdb.Set(ctx, key, row.Value, ttl).Err()
		}
	}

	return row.Value, nil
}

// Set writes to the mirror first, then to the primary — so a crash
// between the two writes never leaves the primary holding data the
// durable mirror doesn't know about.
func (t *Tier) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	expiresAt := time.Now().Add(ttl).Unix()
	sqlStmt := database.UpsertSQL("cache", "key",
		[]string{"key", "value", "expires_at"}, []string{"value", "expires_at"},
		false)
	if err := t.local.WithContext(ctx).Exec(sqlStmt, key, value, expiresAt).Error; err != nil {
		return fmt.Errorf("cachetier: mirror write failed: %w", err)
	}

	if t.rdb != nil {
		if err := t.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
			logger.Warn("cachetier: redis set failed", zap.String("key", key), zap.Error(err))
		}
	}
	return nil
}

// GetOrCompute coalesces concurrent misses on the same key into one
// compute call via singleflight, then populates both tiers.
func (t *Tier) GetOrCompute(ctx context.Context, key string, ttl time.Duration, compute func() ([]byte, error)) ([]byte, error) {
	if data, err := t.Get(ctx, key); err == nil {
		return data, nil
	}

	v, err, _ := t.sf.Do(key, func() (interface{}, error) {
		data, err := compute()
		if err != nil {
			return nil, err
		}
		if err := t.Set(ctx, key, data, ttl); err != nil {
			logger.Warn("cachetier: populate after compute failed", zap.String("key", key), zap.Error(err))
		}
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// GetJSON/SetJSON are typed convenience wrappers around Get/Set.
func (t *Tier) GetJSON(ctx context.Context, key string, dest interface{}) error {
	data, err := t.Get(ctx, key)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dest)
}

func (t *Tier) SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return t.Set(ctx, key, data, ttl)
}

// ClearPrefix invalidates every generic-namespace key under prefix, in
// both tiers. Writer mutations call this with "dashboard:", "risk:",
// "ip_dist:" at minimum.
func (t *Tier) ClearPrefix(ctx context.Context, prefix string) (int64, error) {
	var count int64

	if t.rdb != nil {
		var cursor uint64
		pattern := prefix + "*"
		for {
			keys, next, err := t.rdb.Scan(ctx, cursor, pattern, 200).Result()
			if err != nil {
				logger.Warn("cachetier: redis scan failed", zap.String("prefix", prefix), zap.Error(err))
				break
			}
			if len(keys) > 0 {
				if n, err := t.rdb.Del(ctx, keys...).Result(); err == nil {
					count += n
				}
			}
			cursor = next
			if cursor == 0 {
				break
			}
		}
	}

	res := t.local.WithContext(ctx).Exec(`DELETE FROM cache WHERE key LIKE ?`, prefix+"%")
	if res.Error != nil {
		return count, fmt.Errorf("cachetier: mirror clear-prefix failed: %w", res.Error)
	}
	return count, nil
}

// ---------- 分槽命名空间 ----------

// SlotBlob is a single materialized (metric,window,slot) result.
type SlotBlob struct {
	SlotStart int64
	SlotEnd   int64
	Value     []byte
}

// GetSlot fetches a single finalized slot, primary-first.
func (t *Tier) GetSlot(ctx context.Context, metric, window string, slotStart int64) (SlotBlob, bool) {
	redisKey := slotKey(metric, window, slotStart)
	if t.rdb != nil {
		if data, err := t.rdb.Get(ctx, redisKey).Bytes(); err == nil {
			var blob SlotBlob
			if json.Unmarshal(data, &blob) == nil {
				return blob, true
			}
		}
	}

	var blob SlotBlob
	err := t.local.WithContext(ctx).Raw(
		`SELECT slot_start, slot_end, data FROM slot_cache WHERE metric = ? AND window = ? AND slot_start = ?`,
		metric, window, slotStart,
	).Row().Scan(&blob.SlotStart, &blob.SlotEnd, &blob.Value)
	if err != nil {
		return SlotBlob{}, false
	}

	if t.rdb != nil {
		if data, err := json.Marshal(blob); err == nil {
			_ = t.rdb.Set(ctx, redisKey, data, 0).Err() // 已落盘的槽永久有效，不设 TTL
		}
	}
	return blob, true
}

// SetSlot durably records a finalized slot. Finalized slots are never
// overwritten once written — callers must only call this for slots
// whose slot_end has already passed.
func (t *Tier) SetSlot(ctx context.Context, metric, window string, slotStart, slotEnd int64, value []byte) error {
	now := time.Now().Unix()
	sqlStmt := `INSERT INTO slot_cache (metric, window, slot_start, slot_end, data, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?) ON CONFLICT(metric, window, slot_start) DO NOTHING`
	if err := t.local.WithContext(ctx).Exec(sqlStmt, metric, window, slotStart, slotEnd, value, now, int64(0)).Error; err != nil {
		return fmt.Errorf("cachetier: slot mirror write failed: %w", err)
	}

	if t.rdb != nil {
		blob := SlotBlob{SlotStart: slotStart, SlotEnd: slotEnd, Value: value}
		if data, err := json.Marshal(blob); err == nil {
			_ = t.rdb.SetNX(ctx, slotKey(metric, window, slotStart), data, 0).Err()
		}
	}
	return nil
}

// MissingSlots splits the slots a SlotPlanner produced into cached and
// missing with a single batched SELECT against the mirror; Redis is not
// consulted, so a slot present only in Redis is reported as missing.
func (t *Tier) MissingSlots(ctx context.Context, metric, window string, starts []int64) (missing []int64, cached map[int64]SlotBlob) {
	cached = make(map[int64]SlotBlob, len(starts))
	if len(starts) == 0 {
		return nil, cached
	}

	type row struct {
		SlotStart int64
		SlotEnd   int64
		Data      []byte
	}
	var rows []row
	_ = t.local.WithContext(ctx).Raw(
		`SELECT slot_start, slot_end, data FROM slot_cache WHERE metric = ? AND window = ? AND slot_start IN (?)`,
		metric, window, starts,
	).Scan(&rows).Error

	for _, r := range rows {
		cached[r.SlotStart] = SlotBlob{SlotStart: r.SlotStart, SlotEnd: r.SlotEnd, Value: r.Data}
	}

	for _, s := range starts {
		if _, ok := cached[s]; !ok {
			missing = append(missing, s)
		}
	}
	return missing, cached
}

func slotKey(metric, window string, slotStart int64) string {
	return fmt.Sprintf("slot:%s:%s:%d", metric, window, slotStart)
}

// ---------- TTL 调度表 ----------

// GenericTTL returns the generic-namespace TTL for (window, scale), per
// the schedule spec.md §4.2 fixes exactly.
func GenericTTL(window string, scale Scale) time.Duration {
	type band struct{ small, medium, large, xlarge time.Duration }
	schedule := map[string]band{
		"1h":  {30 * time.Second, 60 * time.Second, 120 * time.Second, 180 * time.Second},
		"6h":  {30 * time.Second, 60 * time.Second, 120 * time.Second, 180 * time.Second},
		"24h": {30 * time.Second, 60 * time.Second, 120 * time.Second, 180 * time.Second},
		"3d":  {5 * time.Minute, 10 * time.Minute, 30 * time.Minute, 60 * time.Minute},
		"7d":  {5 * time.Minute, 15 * time.Minute, 45 * time.Minute, 90 * time.Minute},
		"14d": {10 * time.Minute, 20 * time.Minute, 60 * time.Minute, 120 * time.Minute},
	}
	b, ok := schedule[window]
	if !ok {
		return time.Minute
	}
	switch scale {
	case ScaleTiny, ScaleSmall:
		return b.small
	case ScaleMedium:
		return b.medium
	case ScaleLarge:
		return b.large
	default:
		return b.xlarge
	}
}

// ClassifyScale buckets the system into tiny/small/medium/large/xlarge
// from the three signals spec.md §4.2 names.
func ClassifyScale(totalUsers, logs24h, totalLogs int64) Scale {
	switch {
	case totalLogs > 50_000_000 || logs24h > 2_000_000:
		return ScaleXLarge
	case totalLogs > 5_000_000 || logs24h > 200_000:
		return ScaleLarge
	case totalLogs > 500_000 || logs24h > 20_000:
		return ScaleMedium
	case totalUsers > 100 || logs24h > 1_000:
		return ScaleSmall
	default:
		return ScaleTiny
	}
}
