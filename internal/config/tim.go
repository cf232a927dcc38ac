package config

import (
	"slices"
	"sort"
	"strings"
)

const (
	// DefaultTIMWebhookPath is used by Tencent IM accounts without webhookPath.
	DefaultTIMWebhookPath = "/timbot"
	// DefaultTIMAPIDomain hosts the Tencent IM REST API.
	DefaultTIMAPIDomain = "console.tim.qq.com"
	// DefaultTIMIdentifier is the admin account replies are sent as.
	DefaultTIMIdentifier = "administrator"
)

// TIMAccountConfig holds the fields a Tencent IM bot account may set. Unset
// fields fall back to the base values of TIMConfig.
type TIMAccountConfig struct {
	Name        string `json:"name,omitempty" yaml:"name,omitempty"`
	Enabled     *bool  `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	WebhookPath string `json:"webhookPath,omitempty" yaml:"webhookPath,omitempty"`
	SdkAppID    string `json:"sdkAppId,omitempty" yaml:"sdkAppId,omitempty"`
	Identifier  string `json:"identifier,omitempty" yaml:"identifier,omitempty"`
	UserSig     string `json:"userSig,omitempty" yaml:"userSig,omitempty"`
	BotAccount  string `json:"botAccount,omitempty" yaml:"botAccount,omitempty"`
	APIDomain   string `json:"apiDomain,omitempty" yaml:"apiDomain,omitempty"`

	DM *DMConfig `json:"dm,omitempty" yaml:"dm,omitempty"`
}

// TIMConfig is the plain-JSON Tencent IM bot callback section. It is off
// unless tim.enabled is set.
type TIMConfig struct {
	TIMAccountConfig `yaml:",inline"`
	Accounts         map[string]TIMAccountConfig `json:"accounts,omitempty" yaml:"accounts,omitempty"`
	DefaultAccount   string                      `json:"defaultAccount,omitempty" yaml:"defaultAccount,omitempty"`
}

// TIMAccount is a Tencent IM account with base and per-account values merged.
type TIMAccount struct {
	ID          string
	Name        string
	Enabled     bool
	Configured  bool // sdkAppId and userSig are set
	WebhookPath string
	SdkAppID    string
	Identifier  string
	UserSig     string
	BotAccount  string
	APIDomain   string
	DMPolicy    string
	AllowFrom   []string
}

// Equal reports whether a and b describe the same registration.
func (a TIMAccount) Equal(b TIMAccount) bool {
	return a.ID == b.ID && a.Name == b.Name && a.Enabled == b.Enabled &&
		a.Configured == b.Configured && a.WebhookPath == b.WebhookPath &&
		a.SdkAppID == b.SdkAppID && a.Identifier == b.Identifier &&
		a.UserSig == b.UserSig && a.BotAccount == b.BotAccount &&
		a.APIDomain == b.APIDomain && a.DMPolicy == b.DMPolicy &&
		slices.Equal(a.AllowFrom, b.AllowFrom)
}

// TIMAccountIDs lists the Tencent IM account ids in sorted order, or the
// default id when none are declared.
func TIMAccountIDs(cfg *Config) []string {
	ids := make([]string, 0, len(cfg.TIM.Accounts))
	for id := range cfg.TIM.Accounts {
		if id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return []string{DefaultAccountID}
	}
	sort.Strings(ids)
	return ids
}

// ResolveTIMAccount merges the base fields with the overrides of account id.
func ResolveTIMAccount(cfg *Config, id string) TIMAccount {
	id = normalizeAccountID(id)
	base := cfg.TIM.TIMAccountConfig
	merged := base
	if over, ok := cfg.TIM.Accounts[id]; ok {
		merged = mergeTIMAccount(base, over)
	}

	// Unlike wecom, the section is opt-in.
	baseEnabled := base.Enabled != nil && *base.Enabled
	acctEnabled := merged.Enabled == nil || *merged.Enabled

	path := strings.TrimSpace(merged.WebhookPath)
	if path == "" {
		path = DefaultTIMWebhookPath
	}
	acct := TIMAccount{
		ID:          id,
		Name:        strings.TrimSpace(merged.Name),
		Enabled:     baseEnabled && acctEnabled,
		WebhookPath: path,
		SdkAppID:    strings.TrimSpace(merged.SdkAppID),
		Identifier:  strings.TrimSpace(merged.Identifier),
		UserSig:     strings.TrimSpace(merged.UserSig),
		BotAccount:  strings.TrimSpace(merged.BotAccount),
		APIDomain:   strings.TrimSpace(merged.APIDomain),
		DMPolicy:    DMPolicyOpen,
	}
	if acct.Identifier == "" {
		acct.Identifier = DefaultTIMIdentifier
	}
	if acct.APIDomain == "" {
		acct.APIDomain = DefaultTIMAPIDomain
	}
	acct.Configured = acct.SdkAppID != "" && acct.UserSig != ""
	if merged.DM != nil {
		if p := strings.ToLower(strings.TrimSpace(merged.DM.Policy)); p != "" {
			acct.DMPolicy = p
		}
		acct.AllowFrom = NormalizeAllowFrom(merged.DM.AllowFrom)
	}
	return acct
}

// EnabledTIMAccounts returns the resolved Tencent IM accounts that are
// enabled, configured or not.
func EnabledTIMAccounts(cfg *Config) []TIMAccount {
	var out []TIMAccount
	for _, id := range TIMAccountIDs(cfg) {
		if acct := ResolveTIMAccount(cfg, id); acct.Enabled {
			out = append(out, acct)
		}
	}
	return out
}

func mergeTIMAccount(base, over TIMAccountConfig) TIMAccountConfig {
	out := base
	if over.Name != "" {
		out.Name = over.Name
	}
	if over.Enabled != nil {
		out.Enabled = over.Enabled
	}
	if over.WebhookPath != "" {
		out.WebhookPath = over.WebhookPath
	}
	if over.SdkAppID != "" {
		out.SdkAppID = over.SdkAppID
	}
	if over.Identifier != "" {
		out.Identifier = over.Identifier
	}
	if over.UserSig != "" {
		out.UserSig = over.UserSig
	}
	if over.BotAccount != "" {
		out.BotAccount = over.BotAccount
	}
	if over.APIDomain != "" {
		out.APIDomain = over.APIDomain
	}
	if over.DM != nil {
		out.DM = over.DM
	}
	return out
}
