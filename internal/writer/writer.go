// Package writer holds the service's moderation mutations: ban/unban a
// user, move a user's group, insert redemption codes (AutoGroupPipeline's
// group moves update users directly, in internal/autogroup). Every
// operation runs in a single transaction, produces exactly one
// SecurityAudit row, and finishes by invalidating the cache prefixes its
// mutation could have made stale.
package writer

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/new-api-tools/sidecar/internal/apperr"
	"github.com/new-api-tools/sidecar/internal/cachetier"
	"github.com/new-api-tools/sidecar/internal/database"
	"github.com/new-api-tools/sidecar/internal/models"
	"github.com/new-api-tools/sidecar/internal/store"
)

// invalidatedPrefixes are cleared after every successful mutation — a
// ban/move/redemption can change any dashboard/risk aggregate.
var invalidatedPrefixes = []string{"dashboard:", "risk:", "ip_dist:", "modelstatus:"}

// Writer holds the gateway/local DB handles and the cache to invalidate.
type Writer struct {
	gw    *gorm.DB
	local *gorm.DB
	cache *cachetier.Tier
}

func New(cache *cachetier.Tier) *Writer {
	return &Writer{gw: database.Gateway(), local: database.Local(), cache: cache}
}

// BanUser sets the user's status to banned and, when disableTokens is
// set, also disables every one of their non-deleted tokens — all inside
// one transaction. Idempotent: banning an already-banned user is not an
// error.
func (w *Writer) BanUser(ctx context.Context, userID int, reason string, disableTokens bool, operator string, extra map[string]any) error {
	err := w.gw.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.User{}).Where("id = ?", userID).
			Update("status", models.UserStatusBanned).Error; err != nil {
			return err
		}
		if disableTokens {
			if err := tx.Model(&models.Token{}).
				Where("user_id = ? AND deleted_at IS NULL", userID).
				Update("status", models.UserStatusBanned).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return apperr.Permanent(apperr.QueryFailed, "ban user failed", err)
	}

	w.audit(ctx, store.AuditActionBan, userID, operator, reason, extra)
	w.invalidate(ctx)
	return nil
}

// UnbanUser restores the user to the enabled status.
func (w *Writer) UnbanUser(ctx context.Context, userID int, operator, reason string) error {
	if err := w.gw.WithContext(ctx).Model(&models.User{}).Where("id = ?", userID).
		Update("status", models.UserStatusEnabled).Error; err != nil {
		return apperr.Permanent(apperr.QueryFailed, "unban user failed", err)
	}
	w.audit(ctx, store.AuditActionUnban, userID, operator, reason, nil)
	w.invalidate(ctx)
	return nil
}

// MoveGroup updates a single user's group, recording a SecurityAudit row
// (AutoGroupPipeline moves instead log to AutoGroupLog via its own engine).
func (w *Writer) MoveGroup(ctx context.Context, userID int, group, operator string) error {
	if err := w.gw.WithContext(ctx).Model(&models.User{}).Where("id = ?", userID).
		Update("group", group).Error; err != nil {
		return apperr.Permanent(apperr.QueryFailed, "move group failed", err)
	}
	w.audit(ctx, store.AuditActionMove, userID, operator, "", map[string]any{"group": group})
	w.invalidate(ctx)
	return nil
}

// RedemptionRequest describes one batch of redemption codes to generate.
type RedemptionRequest struct {
	Count  int
	Quota  int64
	Name   string
	Prefix string
}

// InsertRedemptions generates and inserts Count redemption codes, in
// batches of 100 rows per INSERT, returning the generated keys.
func (w *Writer) InsertRedemptions(ctx context.Context, req RedemptionRequest, operator string) ([]string, error) {
	if req.Count <= 0 || req.Count > 1000 {
		return nil, apperr.Permanent(apperr.InvalidParams, "count must be between 1 and 1000", nil)
	}
	if req.Quota <= 0 {
		return nil, apperr.Permanent(apperr.InvalidParams, "quota must be positive", nil)
	}

	now := time.Now()
	name := req.Name
	if name == "" {
		name = fmt.Sprintf("redemption-%s", now.Format("20060102"))
	}

	keys := make([]string, req.Count)
	rows := make([]models.Redemption, req.Count)
	for i := 0; i < req.Count; i++ {
		key := generateKey(req.Prefix)
		keys[i] = key
		rows[i] = models.Redemption{
			Name:        name,
			Key:         key,
			Quota:       req.Quota,
			Status:      models.RedemptionStatusEnabled,
			CreatedTime: now.Unix(),
		}
	}

	if err := w.gw.WithContext(ctx).CreateInBatches(rows, 100).Error; err != nil {
		return nil, apperr.Permanent(apperr.QueryFailed, "insert redemptions failed", err)
	}

	w.audit(ctx, "insert_redemptions", 0, operator, "", map[string]any{"count": req.Count, "quota": req.Quota})
	w.invalidate(ctx)
	return keys, nil
}

func generateKey(prefix string) string {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	key := hex.EncodeToString(buf)
	if prefix != "" {
		return strings.ToUpper(prefix + "-" + key[:16])
	}
	return strings.ToUpper(key)
}

func (w *Writer) audit(ctx context.Context, action string, userID int, operator, reason string, extra map[string]any) {
	contextBlob := ""
	if extra != nil {
		if data, err := json.Marshal(extra); err == nil {
			contextBlob = string(data)
		}
	}
	var username string
	if userID != 0 {
		var u models.User
		if err := w.gw.WithContext(ctx).Select("username").First(&u, userID).Error; err == nil {
			username = u.Username
		}
	}
	row := store.SecurityAudit{
		Action: action, UserID: userID, Username: username, Operator: operator, Reason: reason,
		Context: contextBlob, CreatedAt: time.Now().Unix(),
	}
	_ = w.local.WithContext(ctx).Create(&row).Error
}

func (w *Writer) invalidate(ctx context.Context) {
	for _, p := range invalidatedPrefixes {
		_, _ = w.cache.ClearPrefix(ctx, p)
	}
}
