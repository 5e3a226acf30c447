package autoban

import (
	"context"
	"testing"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/new-api-tools/sidecar/internal/database"
	"github.com/new-api-tools/sidecar/internal/store"
)

func setupTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("无法创建测试数据库: %v", err)
	}
	if err := db.AutoMigrate(&store.ConfigEntry{}); err != nil {
		t.Fatalf("无法迁移表结构: %v", err)
	}
	return db
}

func TestGetConfigDefaultsWhenUnset(t *testing.T) {
	db := setupTestDB(t)
	database.SetTestDB(db)
	defer database.ClearTestDB()

	e := New(nil, nil, nil, nil)
	cfg, err := e.GetConfig(context.Background())
	if err != nil {
		t.Fatalf("GetConfig 失败: %v", err)
	}
	want := defaultConfig()
	if cfg.DryRun != want.DryRun || cfg.Model != want.Model || cfg.ScanIntervalMinutes != want.ScanIntervalMinutes {
		t.Errorf("期望默认配置 %+v, 实际 %+v", want, cfg)
	}
}

func TestSaveConfigThenGetConfigRoundTrips(t *testing.T) {
	db := setupTestDB(t)
	database.SetTestDB(db)
	defer database.ClearTestDB()

	e := New(nil, nil, nil, nil)
	saved := Config{
		Enabled: true, DryRun: false, AutoBanEnabled: true,
		Model: "gpt-4o", ScanIntervalMinutes: 15,
		ExcludedModels: []string{"text-embedding-*"},
	}
	if err := e.SaveConfig(context.Background(), saved); err != nil {
		t.Fatalf("SaveConfig 失败: %v", err)
	}

	got, err := e.GetConfig(context.Background())
	if err != nil {
		t.Fatalf("GetConfig 失败: %v", err)
	}
	if got.Model != "gpt-4o" || got.ScanIntervalMinutes != 15 || !got.Enabled || got.DryRun {
		t.Errorf("读回的配置与写入不一致: %+v", got)
	}
	if len(got.ExcludedModels) != 1 || got.ExcludedModels[0] != "text-embedding-*" {
		t.Errorf("排除模型列表未正确持久化: %+v", got.ExcludedModels)
	}
}

func TestSaveConfigOverwritesPreviousValue(t *testing.T) {
	db := setupTestDB(t)
	database.SetTestDB(db)
	defer database.ClearTestDB()

	e := New(nil, nil, nil, nil)
	_ = e.SaveConfig(context.Background(), Config{Model: "first"})
	_ = e.SaveConfig(context.Background(), Config{Model: "second"})

	got, err := e.GetConfig(context.Background())
	if err != nil {
		t.Fatalf("GetConfig 失败: %v", err)
	}
	if got.Model != "second" {
		t.Errorf("期望覆盖为 second, 实际 %q", got.Model)
	}
}
