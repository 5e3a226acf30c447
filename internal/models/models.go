// Package models holds the GORM-tagged mirrors of the gateway's own
// tables (users, tokens, logs, channels, abilities, redemptions). These
// are read-mostly: only the columns Writer actually mutates are ever
// assigned to from this service.
package models

import (
	"encoding/json"
	"time"
)

// User mirrors the gateway's users table.
type User struct {
	ID          int        `gorm:"column:id;primaryKey" json:"id"`
	Username    string     `gorm:"column:username" json:"username"`
	DisplayName string     `gorm:"column:display_name" json:"display_name"`
	Email       string     `gorm:"column:email" json:"email"`
	Role        int        `gorm:"column:role" json:"role"`
	Status      int        `gorm:"column:status" json:"status"`
	Group       string     `gorm:"column:group" json:"group"`
	Setting     string     `gorm:"column:setting" json:"setting"`
	InviterID   *int       `gorm:"column:inviter_id" json:"inviter_id,omitempty"`
	GitHubID    string     `gorm:"column:github_id" json:"github_id"`
	WeChatID    string     `gorm:"column:wechat_id" json:"wechat_id"`
	TelegramID  string     `gorm:"column:telegram_id" json:"telegram_id"`
	DiscordID   string     `gorm:"column:discord_id" json:"discord_id"`
	OIDCID      string     `gorm:"column:oidc_id" json:"oidc_id"`
	LinuxDoID   string     `gorm:"column:linux_do_id" json:"linux_do_id"`
	DeletedAt   *time.Time `gorm:"column:deleted_at" json:"deleted_at,omitempty"`
}

func (User) TableName() string { return "users" }

func (u *User) IsDeleted() bool { return u.DeletedAt != nil }
func (u *User) IsBanned() bool  { return u.Status == UserStatusBanned }
func (u *User) IsActive() bool  { return u.Status == UserStatusEnabled && !u.IsDeleted() }
func (u *User) IsAdmin() bool   { return u.Role >= RoleAdmin }

// UserSetting is the parsed shape of User.Setting (a JSON blob); holding
// it as a typed struct in-process instead of propagating an open map is
// the dialect-helper boundary SPEC_FULL.md's Design Notes call for.
type UserSetting struct {
	RecordIPLog bool `json:"record_ip_log"`
}

// ParseSetting decodes User.Setting, defaulting to the zero value on
// absence or malformed JSON (never propagated as an error — settings are
// advisory, not load-bearing).
func (u *User) ParseSetting() UserSetting {
	var s UserSetting
	if u.Setting == "" {
		return s
	}
	_ = json.Unmarshal([]byte(u.Setting), &s)
	return s
}

// RegistrationSource classifies how a user originally signed up, in the
// field-priority order SPEC_FULL.md §4.8 specifies.
func (u *User) RegistrationSource() string {
	switch {
	case u.GitHubID != "":
		return "github"
	case u.WeChatID != "":
		return "wechat"
	case u.TelegramID != "":
		return "telegram"
	case u.DiscordID != "":
		return "discord"
	case u.OIDCID != "":
		return "oidc"
	case u.LinuxDoID != "":
		return "linux_do"
	default:
		return "password"
	}
}

// Token mirrors the gateway's tokens table.
type Token struct {
	ID             int        `gorm:"column:id;primaryKey" json:"id"`
	UserID         int        `gorm:"column:user_id" json:"user_id"`
	Name           string     `gorm:"column:name" json:"name"`
	Status         int        `gorm:"column:status" json:"status"`
	RemainQuota    int64      `gorm:"column:remain_quota" json:"remain_quota"`
	UnlimitedQuota bool       `gorm:"column:unlimited_quota" json:"unlimited_quota"`
	ExpiredAt      *time.Time `gorm:"column:expired_at" json:"expired_at,omitempty"`
	DeletedAt      *time.Time `gorm:"column:deleted_at" json:"deleted_at,omitempty"`
}

func (Token) TableName() string { return "tokens" }

func (t *Token) IsDeleted() bool { return t.DeletedAt != nil }

// Log mirrors the gateway's logs table; created_at is a Unix-seconds
// integer column, not a SQL timestamp.
type Log struct {
	ID               int    `gorm:"column:id;primaryKey" json:"id"`
	CreatedAt        int64  `gorm:"column:created_at" json:"created_at"`
	Type             int    `gorm:"column:type" json:"type"`
	UserID           int    `gorm:"column:user_id" json:"user_id"`
	Username         string `gorm:"column:username" json:"username"`
	TokenID          int    `gorm:"column:token_id" json:"token_id"`
	TokenName        string `gorm:"column:token_name" json:"token_name"`
	ModelName        string `gorm:"column:model_name" json:"model_name"`
	ChannelID        int    `gorm:"column:channel_id" json:"channel_id"`
	IP               string `gorm:"column:ip" json:"ip"`
	Quota            int64  `gorm:"column:quota" json:"quota"`
	PromptTokens     int    `gorm:"column:prompt_tokens" json:"prompt_tokens"`
	CompletionTokens int    `gorm:"column:completion_tokens" json:"completion_tokens"`
	UseTimeMS        int    `gorm:"column:use_time" json:"use_time_ms"`
}

func (Log) TableName() string { return "logs" }

// Channel mirrors the gateway's channels table (no deleted_at column).
type Channel struct {
	ID        int     `gorm:"column:id;primaryKey" json:"id"`
	Name      string  `gorm:"column:name" json:"name"`
	Type      int     `gorm:"column:type" json:"type"`
	Status    int     `gorm:"column:status" json:"status"`
	UsedQuota int64   `gorm:"column:used_quota" json:"used_quota"`
	Balance   float64 `gorm:"column:balance" json:"balance"`
	Priority  int     `gorm:"column:priority" json:"priority"`
}

func (Channel) TableName() string { return "channels" }

func (c *Channel) IsActive() bool { return c.Status == ChannelStatusEnabled }

// Ability mirrors the gateway's abilities table (per-channel model grants).
type Ability struct {
	ID        int    `gorm:"column:id;primaryKey" json:"id"`
	Model     string `gorm:"column:model" json:"model"`
	ChannelID int    `gorm:"column:channel_id" json:"channel_id"`
	Enabled   bool   `gorm:"column:enabled" json:"enabled"`
}

func (Ability) TableName() string { return "abilities" }

// Redemption mirrors the gateway's redemptions table. Writer inserts
// into it (the only non-read access this service makes to it); reads
// back only the counters DashboardEngine needs.
type Redemption struct {
	ID          int        `gorm:"column:id;primaryKey" json:"id"`
	UserID      int        `gorm:"column:user_id" json:"user_id"`
	Name        string     `gorm:"column:name" json:"name"`
	Key         string     `gorm:"column:key" json:"key"`
	Status      int        `gorm:"column:status" json:"status"`
	Quota       int64      `gorm:"column:quota" json:"quota"`
	CreatedTime int64      `gorm:"column:created_time" json:"created_time"`
	DeletedAt   *time.Time `gorm:"column:deleted_at" json:"deleted_at,omitempty"`
}

func (Redemption) TableName() string { return "redemptions" }

func (r *Redemption) IsUsed() bool      { return r.Status == RedemptionStatusUsed }
func (r *Redemption) IsAvailable() bool { return r.Status == RedemptionStatusEnabled && !r.IsUsed() }

// status/role/type constants

const (
	UserStatusEnabled  = 1
	UserStatusDisabled = 2
	UserStatusBanned   = 3
)

const (
	RoleCommonUser = 1
	RoleAdmin      = 10
	RoleRootUser   = 100
)

const (
	TokenStatusEnabled  = 1
	TokenStatusDisabled = 2
	TokenStatusExpired  = 3
)

const (
	LogTypeTopUp   = 1
	LogTypeConsume = 2
	LogTypeManage  = 3
	LogTypeSystem  = 4
	LogTypeFailure = 5
)

const (
	ChannelStatusUnknown      = 0
	ChannelStatusEnabled      = 1
	ChannelStatusDisabled     = 2
	ChannelStatusAutoDisabled = 3
)

const (
	RedemptionStatusEnabled  = 1
	RedemptionStatusDisabled = 2
	RedemptionStatusUsed     = 3
)
