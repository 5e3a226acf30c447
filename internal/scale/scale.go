// Package scale tracks the system-size bucket (tiny..xlarge) that
// CacheTier's TTL schedule keys off. Refreshed periodically in the
// background; readers get the last-computed value instantly.
package scale

import (
	"context"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/new-api-tools/sidecar/internal/cachetier"
	"github.com/new-api-tools/sidecar/internal/logger"
	"github.com/new-api-tools/sidecar/internal/models"
	"go.uber.org/zap"
)

// Provider periodically recomputes the system scale from user/log counts.
type Provider struct {
	gw *gorm.DB

	mu      sync.RWMutex
	current cachetier.Scale
}

// New returns a Provider defaulting to ScaleMedium until the first refresh.
func New(gw *gorm.DB) *Provider {
	return &Provider{gw: gw, current: cachetier.ScaleMedium}
}

// Current returns the last computed scale; suitable as a cachetier.Scale provider func.
func (p *Provider) Current() cachetier.Scale {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.current
}

// Refresh recomputes the scale from the gateway database. Meant to be
// called on startup and on a scheduler tick (counting rows is cheap
// relative to the TTL windows this feeds).
func (p *Provider) Refresh(ctx context.Context) error {
	var totalUsers, totalLogs, logs24h int64

	if err := p.gw.WithContext(ctx).Model(&models.User{}).Where("deleted_at IS NULL").Count(&totalUsers).Error; err != nil {
		return err
	}
	if err := p.gw.WithContext(ctx).Model(&models.Log{}).Count(&totalLogs).Error; err != nil {
		return err
	}
	since := time.Now().Add(-24 * time.Hour).Unix()
	if err := p.gw.WithContext(ctx).Model(&models.Log{}).Where("created_at >= ?", since).Count(&logs24h).Error; err != nil {
		return err
	}

	next := cachetier.ClassifyScale(totalUsers, logs24h, totalLogs)

	p.mu.Lock()
	prev := p.current
	p.current = next
	p.mu.Unlock()

	if prev != next {
		logger.Info("system scale changed", zap.String("from", string(prev)), zap.String("to", string(next)),
			zap.Int64("total_users", totalUsers), zap.Int64("logs_24h", logs24h), zap.Int64("total_logs", totalLogs))
	}
	return nil
}
