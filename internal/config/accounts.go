package config

import (
	"slices"
	"sort"
	"strings"
)

const (
	// DefaultAccountID names the implicit account built from the base fields.
	DefaultAccountID = "default"
	// DefaultWebhookPath is used by accounts that do not set webhookPath.
	DefaultWebhookPath = "/wecom"
)

// Account is a WeCom account with base and per-account values merged.
type Account struct {
	ID             string
	Name           string
	Enabled        bool
	Configured     bool // token and encodingAESKey are both set
	WebhookPath    string
	Token          string
	EncodingAESKey string
	ReceiveID      string
	WelcomeText    string
	DMPolicy       string
	AllowFrom      []string // normalized: trimmed, lower case
}

// Equal reports whether a and b describe the same registration.
func (a Account) Equal(b Account) bool {
	return a.ID == b.ID && a.Name == b.Name && a.Enabled == b.Enabled &&
		a.Configured == b.Configured && a.WebhookPath == b.WebhookPath &&
		a.Token == b.Token && a.EncodingAESKey == b.EncodingAESKey &&
		a.ReceiveID == b.ReceiveID && a.WelcomeText == b.WelcomeText &&
		a.DMPolicy == b.DMPolicy && slices.Equal(a.AllowFrom, b.AllowFrom)
}

// AccountIDs lists the configured account ids in sorted order, or the default
// id when no accounts are declared.
func AccountIDs(cfg *Config) []string {
	ids := make([]string, 0, len(cfg.WeCom.Accounts))
	for id := range cfg.WeCom.Accounts {
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

// DefaultAccount returns the account used when none is named.
func DefaultAccount(cfg *Config) string {
	if def := strings.TrimSpace(cfg.WeCom.DefaultAccount); def != "" {
		return def
	}
	ids := AccountIDs(cfg)
	for _, id := range ids {
		if id == DefaultAccountID {
			return id
		}
	}
	return ids[0]
}

// ResolveAccount merges the base fields with the overrides of account id.
func ResolveAccount(cfg *Config, id string) Account {
	id = normalizeAccountID(id)
	base := cfg.WeCom.WeComAccountConfig
	merged := base
	if over, ok := cfg.WeCom.Accounts[id]; ok {
		merged = mergeAccount(base, over)
	}

	baseEnabled := base.Enabled == nil || *base.Enabled
	acctEnabled := merged.Enabled == nil || *merged.Enabled

	path := strings.TrimSpace(merged.WebhookPath)
	if path == "" {
		path = DefaultWebhookPath
	}
	acct := Account{
		ID:             id,
		Name:           strings.TrimSpace(merged.Name),
		Enabled:        baseEnabled && acctEnabled,
		WebhookPath:    path,
		Token:          strings.TrimSpace(merged.Token),
		EncodingAESKey: strings.TrimSpace(merged.EncodingAESKey),
		ReceiveID:      strings.TrimSpace(merged.ReceiveID),
		WelcomeText:    strings.TrimSpace(merged.WelcomeText),
	}
	acct.Configured = acct.Token != "" && acct.EncodingAESKey != ""
	acct.DMPolicy = DMPolicyOpen
	if merged.DM != nil {
		if p := strings.ToLower(strings.TrimSpace(merged.DM.Policy)); p != "" {
			acct.DMPolicy = p
		}
		acct.AllowFrom = NormalizeAllowFrom(merged.DM.AllowFrom)
	}
	return acct
}

// ResolveAccounts resolves every account in AccountIDs order.
func ResolveAccounts(cfg *Config) []Account {
	ids := AccountIDs(cfg)
	out := make([]Account, 0, len(ids))
	for _, id := range ids {
		out = append(out, ResolveAccount(cfg, id))
	}
	return out
}

// EnabledAccounts returns the resolved accounts that are enabled.
func EnabledAccounts(cfg *Config) []Account {
	var out []Account
	for _, acct := range ResolveAccounts(cfg) {
		if acct.Enabled {
			out = append(out, acct)
		}
	}
	return out
}

func mergeAccount(base, over WeComAccountConfig) WeComAccountConfig {
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
	if over.Token != "" {
		out.Token = over.Token
	}
	if over.EncodingAESKey != "" {
		out.EncodingAESKey = over.EncodingAESKey
	}
	if over.ReceiveID != "" {
		out.ReceiveID = over.ReceiveID
	}
	if over.WelcomeText != "" {
		out.WelcomeText = over.WelcomeText
	}
	if over.DM != nil {
		out.DM = over.DM
	}
	return out
}

// NormalizeAllowFrom trims and lower-cases entries, dropping empty ones and
// duplicates.
func NormalizeAllowFrom(entries []string) []string {
	var out []string
	for _, e := range entries {
		e = strings.ToLower(strings.TrimSpace(e))
		if e != "" && !slices.Contains(out, e) {
			out = append(out, e)
		}
	}
	return out
}

func normalizeAccountID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return DefaultAccountID
	}
	return id
}
