package writer

import (
	"context"
	"testing"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/new-api-tools/sidecar/internal/cachetier"
	"github.com/new-api-tools/sidecar/internal/database"
	"github.com/new-api-tools/sidecar/internal/models"
	"github.com/new-api-tools/sidecar/internal/store"
)

func setupTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("无法创建测试数据库: %v", err)
	}
	if err := db.AutoMigrate(&models.User{}, &models.Token{}, &store.SecurityAudit{}); err != nil {
		t.Fatalf("无法迁移表结构: %v", err)
	}
	return db
}

func TestBanUserDisablesUserAndTokens(t *testing.T) {
	db := setupTestDB(t)
	database.SetTestDB(db)
	defer database.ClearTestDB()

	db.Create(&models.User{ID: 1, Username: "alice", Status: models.UserStatusEnabled})
	db.Create(&models.Token{ID: 1, UserID: 1, Status: models.TokenStatusEnabled})
	db.Create(&models.Token{ID: 2, UserID: 1, Status: models.TokenStatusEnabled})

	w := New(cachetier.New(nil))
	if err := w.BanUser(context.Background(), 1, "abuse detected", true, "admin", nil); err != nil {
		t.Fatalf("BanUser 失败: %v", err)
	}

	var u models.User
	db.First(&u, 1)
	if u.Status != models.UserStatusBanned {
		t.Errorf("期望用户被封禁, 实际 status=%d", u.Status)
	}

	var tokens []models.Token
	db.Where("user_id = ?", 1).Find(&tokens)
	for _, tok := range tokens {
		if tok.Status != models.UserStatusBanned {
			t.Errorf("期望令牌 %d 被禁用, 实际 status=%d", tok.ID, tok.Status)
		}
	}

	var audit store.SecurityAudit
	if err := db.Where("user_id = ? AND action = ?", 1, store.AuditActionBan).First(&audit).Error; err != nil {
		t.Fatalf("期望写入审计记录: %v", err)
	}
	if audit.Username != "alice" {
		t.Errorf("期望审计记录带用户名 alice, 实际 %q", audit.Username)
	}
}

func TestBanUserWithoutDisablingTokens(t *testing.T) {
	db := setupTestDB(t)
	database.SetTestDB(db)
	defer database.ClearTestDB()

	db.Create(&models.User{ID: 1, Username: "bob", Status: models.UserStatusEnabled})
	db.Create(&models.Token{ID: 1, UserID: 1, Status: models.TokenStatusEnabled})

	w := New(cachetier.New(nil))
	if err := w.BanUser(context.Background(), 1, "reason", false, "admin", nil); err != nil {
		t.Fatalf("BanUser 失败: %v", err)
	}

	var tok models.Token
	db.First(&tok, 1)
	if tok.Status != models.TokenStatusEnabled {
		t.Errorf("disableTokens=false 时令牌不应被禁用, 实际 status=%d", tok.Status)
	}
}

func TestUnbanUserRestoresEnabledStatus(t *testing.T) {
	db := setupTestDB(t)
	database.SetTestDB(db)
	defer database.ClearTestDB()

	db.Create(&models.User{ID: 1, Username: "carl", Status: models.UserStatusBanned})

	w := New(cachetier.New(nil))
	if err := w.UnbanUser(context.Background(), 1, "admin", "appeal approved"); err != nil {
		t.Fatalf("UnbanUser 失败: %v", err)
	}

	var u models.User
	db.First(&u, 1)
	if u.Status != models.UserStatusEnabled {
		t.Errorf("期望用户恢复为 enabled, 实际 status=%d", u.Status)
	}
}

func TestMoveGroupUpdatesUserGroup(t *testing.T) {
	db := setupTestDB(t)
	database.SetTestDB(db)
	defer database.ClearTestDB()

	db.Create(&models.User{ID: 1, Username: "dave", Group: "default"})

	w := New(cachetier.New(nil))
	if err := w.MoveGroup(context.Background(), 1, "vip", "admin"); err != nil {
		t.Fatalf("MoveGroup 失败: %v", err)
	}

	var u models.User
	db.First(&u, 1)
	if u.Group != "vip" {
		t.Errorf("期望用户组为 vip, 实际 %q", u.Group)
	}
}

func TestInsertRedemptionsRejectsInvalidCount(t *testing.T) {
	db := setupTestDB(t)
	database.SetTestDB(db)
	defer database.ClearTestDB()

	w := New(cachetier.New(nil))
	if _, err := w.InsertRedemptions(context.Background(), RedemptionRequest{Count: 0, Quota: 100}, "admin"); err == nil {
		t.Fatalf("期望 count<=0 时返回错误")
	}
	if _, err := w.InsertRedemptions(context.Background(), RedemptionRequest{Count: 2000, Quota: 100}, "admin"); err == nil {
		t.Fatalf("期望 count>1000 时返回错误")
	}
	if _, err := w.InsertRedemptions(context.Background(), RedemptionRequest{Count: 1, Quota: 0}, "admin"); err == nil {
		t.Fatalf("期望 quota<=0 时返回错误")
	}
}

func TestInsertRedemptionsGeneratesUniqueKeys(t *testing.T) {
	db := setupTestDB(t)
	database.SetTestDB(db)
	defer database.ClearTestDB()
	if err := db.AutoMigrate(&models.Redemption{}); err != nil {
		t.Fatalf("无法迁移 redemptions 表: %v", err)
	}

	w := New(cachetier.New(nil))
	keys, err := w.InsertRedemptions(context.Background(), RedemptionRequest{Count: 5, Quota: 1000, Prefix: "promo"}, "admin")
	if err != nil {
		t.Fatalf("InsertRedemptions 失败: %v", err)
	}
	if len(keys) != 5 {
		t.Fatalf("期望生成 5 个兑换码, 实际 %d", len(keys))
	}
	seen := map[string]bool{}
	for _, k := range keys {
		if seen[k] {
			t.Errorf("兑换码重复: %s", k)
		}
		seen[k] = true
	}

	var count int64
	db.Model(&models.Redemption{}).Count(&count)
	if count != 5 {
		t.Errorf("期望写入 5 条兑换码记录, 实际 %d", count)
	}
}
