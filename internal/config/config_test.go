package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const validKey = "abcdefghijklmnopqrstuvwxyz0123456789ABCDEFG"

// --- Validate ---

func TestValidate_ValidConfig(t *testing.T) {
	cfg := Defaults()
	if err := Validate(cfg); err != nil {
		t.Fatalf("expected valid config, got: %v", err)
	}
}

func TestValidate_InvalidLogLevel(t *testing.T) {
	cfg := Defaults()
	cfg.General.LogLevel = "verbose"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for unknown log level")
	}
}

func TestValidate_InvalidPort(t *testing.T) {
	cfg := Defaults()
	cfg.Server.Port = -1
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for negative port")
	}

	cfg.Server.Port = 70000
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for port > 65535")
	}
}

func TestValidate_StreamLimits(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"ttl", func(c *Config) { c.Stream.TTLSeconds = 0 }},
		{"maxBytes", func(c *Config) { c.Stream.MaxBytes = 0 }},
		{"firstChunkWait", func(c *Config) { c.Stream.FirstChunkWaitMs = 0 }},
		{"replyTimeout", func(c *Config) { c.Stream.ReplyTimeoutSeconds = -1 }},
		{"maxBodyBytes", func(c *Config) { c.Server.MaxBodyBytes = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(cfg)
			if err := Validate(cfg); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestValidate_Provider(t *testing.T) {
	cfg := Defaults()
	cfg.Provider.Kind = "openai"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for unknown provider")
	}

	cfg.Provider.Kind = "ollama"
	cfg.Provider.Model = ""
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for ollama without model")
	}

	cfg = Defaults()
	cfg.Provider.HistoryTurns = -1
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for negative historyTurns")
	}
}

func TestValidate_MetricsPath(t *testing.T) {
	cfg := Defaults()
	cfg.Metrics.Path = "metrics"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for relative metrics path")
	}
}

func TestValidate_AccountKeyLength(t *testing.T) {
	cfg := Defaults()
	cfg.WeCom.Token = "t"
	cfg.WeCom.EncodingAESKey = "short"
	err := Validate(cfg)
	if err == nil || !strings.Contains(err.Error(), "43 characters") {
		t.Fatalf("expected key length error, got %v", err)
	}
}

func TestValidate_DMPolicy(t *testing.T) {
	cfg := Defaults()
	cfg.WeCom.DM = &DMConfig{Policy: "friends"}
	err := Validate(cfg)
	if err == nil || !strings.Contains(err.Error(), "dm.policy") {
		t.Fatalf("expected dm policy error, got %v", err)
	}

	cfg.WeCom.DM.Policy = DMPolicyPairing
	cfg.Memory.DBPath = ""
	err = Validate(cfg)
	if err == nil || !strings.Contains(err.Error(), "memory.dbPath") {
		t.Fatalf("expected pairing to require a database, got %v", err)
	}
}

func TestValidate_TIMPathCollision(t *testing.T) {
	cfg := Defaults()
	cfg.TIM.WebhookPath = DefaultWebhookPath + "/"
	if err := Validate(cfg); err != nil {
		t.Fatalf("disabled tim section should not collide: %v", err)
	}

	cfg.TIM.Enabled = boolPtr(true)
	err := Validate(cfg)
	if err == nil || !strings.Contains(err.Error(), "already used by a wecom account") {
		t.Fatalf("expected path collision error, got %v", err)
	}

	cfg.TIM.WebhookPath = ""
	if err := Validate(cfg); err != nil {
		t.Errorf("default tim path should not collide: %v", err)
	}

	cfg.TIM.Accounts = map[string]TIMAccountConfig{"a": {}}
	cfg.TIM.DefaultAccount = "b"
	if err := Validate(cfg); err == nil || !strings.Contains(err.Error(), "tim.defaultAccount") {
		t.Errorf("expected unknown tim default account error, got %v", err)
	}
}

func TestLoad_TIMSection(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
tim:
  enabled: true
  sdkAppId: "1400000001"
  userSig: sig
  accounts:
    support:
      botAccount: helper
`
	os.WriteFile(path, []byte(content), 0o644)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	acct := ResolveTIMAccount(cfg, "support")
	if !acct.Enabled || !acct.Configured || acct.BotAccount != "helper" {
		t.Errorf("unexpected tim account %+v", acct)
	}

	os.WriteFile(path, []byte("tim:\n  sdkAppid: typo\n"), 0o644)
	if _, err := Load(path); err == nil {
		t.Error("expected schema error for unknown tim key")
	}
}

func TestValidate_UnknownDefaultAccount(t *testing.T) {
	cfg := Defaults()
	cfg.WeCom.Accounts = map[string]WeComAccountConfig{"a": {}}
	cfg.WeCom.DefaultAccount = "b"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for unknown default account")
	}
}

// --- Load / Save ---

func TestLoadSave_RoundTrip(t *testing.T) {
	for _, name := range []string{"config.json", "config.yaml"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), name)
			cfg := Defaults()
			cfg.Server.Port = 9999
			cfg.WeCom.Token = "tok"
			cfg.WeCom.EncodingAESKey = validKey
			cfg.WeCom.Accounts = map[string]WeComAccountConfig{"sales": {WebhookPath: "/sales"}}

			if err := Save(path, cfg); err != nil {
				t.Fatalf("Save failed: %v", err)
			}
			info, err := os.Stat(path)
			if err != nil {
				t.Fatal(err)
			}
			if perm := info.Mode().Perm(); perm != 0o600 {
				t.Errorf("expected 0600, got %o", perm)
			}

			loaded, err := Load(path)
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}
			if loaded.Server.Port != 9999 {
				t.Errorf("expected port 9999, got %d", loaded.Server.Port)
			}
			if loaded.WeCom.Token != "tok" {
				t.Errorf("expected token tok, got %q", loaded.WeCom.Token)
			}
			if loaded.WeCom.Accounts["sales"].WebhookPath != "/sales" {
				t.Errorf("expected sales account path, got %+v", loaded.WeCom.Accounts)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.json")
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoad_InvalidJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	os.WriteFile(path, []byte("{invalid"), 0o644)

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestLoad_YAMLAppliesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	content := `
wecom:
  token: abc
  encodingAESKey: ` + validKey + `
  welcomeText: hello there
`
	os.WriteFile(path, []byte(content), 0o644)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.WeCom.WelcomeText != "hello there" {
		t.Errorf("expected welcome text, got %q", cfg.WeCom.WelcomeText)
	}
	if cfg.Stream.FirstChunkWaitMs != 800 {
		t.Errorf("expected default wait 800, got %d", cfg.Stream.FirstChunkWaitMs)
	}
	if cfg.WeCom.WebhookPath != DefaultWebhookPath {
		t.Errorf("expected default path, got %q", cfg.WeCom.WebhookPath)
	}
}

func TestLoad_EmptyYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	os.WriteFile(path, nil, 0o644)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("empty yaml should load defaults: %v", err)
	}
	if cfg.Server.Port != Defaults().Server.Port {
		t.Errorf("expected default port, got %d", cfg.Server.Port)
	}
}

func TestLoad_SchemaRejectsUnknownKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	os.WriteFile(path, []byte("wecom:\n  tokn: typo\n"), 0o644)

	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "config schema") {
		t.Fatalf("expected schema error, got %v", err)
	}
}

func TestLoad_SchemaRejectsWrongType(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	os.WriteFile(path, []byte(`{"server":{"port":"eighty"}}`), 0o644)

	if _, err := Load(path); err == nil {
		t.Fatal("expected schema error for string port")
	}
}

func TestLoad_ValidatesConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	os.WriteFile(path, []byte(`{"provider":{"kind":"ollama","model":""}}`), 0o644)

	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "config validation") {
		t.Fatalf("expected validation error, got %v", err)
	}
}

// --- Accessors ---

func TestGetByPath_ValidPaths(t *testing.T) {
	cfg := Defaults()
	val, err := GetByPath(cfg, "stream.firstChunkWaitMs")
	if err != nil {
		t.Fatal(err)
	}
	if val != 800 {
		t.Errorf("expected 800, got %v", val)
	}
	val, err = GetByPath(cfg, "wecom.webhookPath")
	if err != nil {
		t.Fatal(err)
	}
	if val != DefaultWebhookPath {
		t.Errorf("expected %s, got %v", DefaultWebhookPath, val)
	}
}

func TestGetByPath_InvalidPath(t *testing.T) {
	if _, err := GetByPath(Defaults(), "nonexistent.key"); err == nil {
		t.Fatal("expected error for invalid path")
	}
}

func TestSetByPath_Conversions(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "memory.enabled", "true"); err != nil {
		t.Fatal(err)
	}
	if !cfg.Memory.Enabled {
		t.Error("expected memory enabled")
	}
	if err := SetByPath(cfg, "server.port", "9000"); err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("expected 9000, got %d", cfg.Server.Port)
	}
	if err := SetByPath(cfg, "wecom.accounts.ops.token", "secret"); err != nil {
		t.Fatal(err)
	}
	if cfg.WeCom.Accounts["ops"].Token != "secret" {
		t.Errorf("expected nested account token, got %+v", cfg.WeCom.Accounts)
	}
}

func TestSetByPath_NumericStringsStayStrings(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "wecom.token", "123456"); err != nil {
		t.Fatalf("SetByPath failed: %v", err)
	}
	if cfg.WeCom.Token != "123456" {
		t.Errorf("expected token 123456, got %q", cfg.WeCom.Token)
	}
	if err := SetByPath(cfg, "wecom.receiveId", "000123"); err != nil {
		t.Fatal(err)
	}
	if cfg.WeCom.ReceiveID != "000123" {
		t.Errorf("expected leading zeros kept, got %q", cfg.WeCom.ReceiveID)
	}
	if err := SetByPath(cfg, "tim.accounts.support.sdkAppId", "1400000001"); err != nil {
		t.Fatal(err)
	}
	if got := cfg.TIM.Accounts["support"].SdkAppID; got != "1400000001" {
		t.Errorf("expected sdkAppId 1400000001, got %q", got)
	}
	if err := SetByPath(cfg, "provider.model", "true"); err != nil {
		t.Fatal(err)
	}
	if cfg.Provider.Model != "true" {
		t.Errorf("expected model \"true\", got %q", cfg.Provider.Model)
	}
}

func TestSetByPath_OptionalAndListFields(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "wecom.accounts.ops.enabled", "false"); err != nil {
		t.Fatal(err)
	}
	if e := cfg.WeCom.Accounts["ops"].Enabled; e == nil || *e {
		t.Errorf("expected enabled=false, got %v", e)
	}
	if err := SetByPath(cfg, "wecom.dm.allowFrom", "alice, bob,"); err != nil {
		t.Fatal(err)
	}
	if cfg.WeCom.DM == nil || len(cfg.WeCom.DM.AllowFrom) != 2 || cfg.WeCom.DM.AllowFrom[1] != "bob" {
		t.Errorf("expected allowFrom [alice bob], got %+v", cfg.WeCom.DM)
	}
}

func TestSetByPath_RejectsBadInput(t *testing.T) {
	cfg := Defaults()
	port := cfg.Server.Port
	if err := SetByPath(cfg, "server.port", "abc"); err == nil {
		t.Error("expected error for non-numeric port")
	}
	if cfg.Server.Port != port {
		t.Errorf("failed set must leave config unchanged, got port %d", cfg.Server.Port)
	}
	if err := SetByPath(cfg, "server", "x"); err == nil {
		t.Error("expected error when setting a whole section")
	}
	if err := SetByPath(cfg, "server.nope", "1"); err == nil {
		t.Error("expected error for unknown key")
	}
}

func TestSanitize_MasksSecrets(t *testing.T) {
	cfg := Defaults()
	cfg.WeCom.Token = "token-1234567890"
	cfg.WeCom.EncodingAESKey = validKey
	cfg.WeCom.Accounts = map[string]WeComAccountConfig{"b": {Token: "short"}}

	safe := Sanitize(cfg)
	if safe.WeCom.Token != "toke****7890" {
		t.Errorf("expected masked token, got %q", safe.WeCom.Token)
	}
	if strings.Contains(safe.WeCom.EncodingAESKey, "mnop") {
		t.Errorf("key not masked: %q", safe.WeCom.EncodingAESKey)
	}
	if safe.WeCom.Accounts["b"].Token != "***" {
		t.Errorf("expected short secret fully masked, got %q", safe.WeCom.Accounts["b"].Token)
	}
	if cfg.WeCom.Token != "token-1234567890" {
		t.Error("Sanitize must not modify the original")
	}
}

func TestSanitize_MasksTIMUserSig(t *testing.T) {
	cfg := Defaults()
	cfg.TIM.UserSig = "eJwtzE0LgjAcgPGv"
	cfg.TIM.Accounts = map[string]TIMAccountConfig{"b": {UserSig: "sig"}}

	safe := Sanitize(cfg)
	if safe.TIM.UserSig != "eJwt****gPGv" {
		t.Errorf("expected masked userSig, got %q", safe.TIM.UserSig)
	}
	if safe.TIM.Accounts["b"].UserSig != "***" {
		t.Errorf("expected short userSig fully masked, got %q", safe.TIM.Accounts["b"].UserSig)
	}
}

func TestListPaths_ReturnsAllLeaves(t *testing.T) {
	paths := ListPaths(Defaults())
	for _, key := range []string{"server.port", "stream.ttlSeconds", "provider.kind", "metrics.path"} {
		if _, ok := paths[key]; !ok {
			t.Errorf("expected %s in list", key)
		}
	}
	raw, _ := json.Marshal(paths)
	if strings.Contains(string(raw), "accounts") {
		t.Error("empty accounts should be omitted")
	}
}

// --- ExpandEnvVars ---

func TestExpandEnvVars_SimpleSubstitution(t *testing.T) {
	t.Setenv("TEST_API_KEY", "sk-abc123")
	result := ExpandEnvVars(`{"apiKey": "${TEST_API_KEY}"}`)
	expected := `{"apiKey": "sk-abc123"}`
	if result != expected {
		t.Fatalf("expected %q, got %q", expected, result)
	}
}

func TestExpandEnvVars_DefaultValue(t *testing.T) {
	// Ensure the var is unset
	os.Unsetenv("NONEXISTENT_VAR_12345")
	result := ExpandEnvVars(`{"port": "${NONEXISTENT_VAR_12345:-8080}"}`)
	expected := `{"port": "8080"}`
	if result != expected {
		t.Fatalf("expected %q, got %q", expected, result)
	}
}

func TestExpandEnvVars_SetVarOverridesDefault(t *testing.T) {
	t.Setenv("MY_PORT", "9090")
	result := ExpandEnvVars(`{"port": "${MY_PORT:-8080}"}`)
	expected := `{"port": "9090"}`
	if result != expected {
		t.Fatalf("expected %q, got %q", expected, result)
	}
}

func TestExpandEnvVars_MultipleVars(t *testing.T) {
	t.Setenv("HOST", "localhost")
	t.Setenv("PORT", "3000")
	result := ExpandEnvVars(`"${HOST}:${PORT}"`)
	expected := `"localhost:3000"`
	if result != expected {
		t.Fatalf("expected %q, got %q", expected, result)
	}
}

func TestExpandEnvVars_UnsetVarNoDefault_KeepsOriginal(t *testing.T) {
	os.Unsetenv("TOTALLY_UNSET_VAR_XYZ")
	result := ExpandEnvVars(`"${TOTALLY_UNSET_VAR_XYZ}"`)
	expected := `"${TOTALLY_UNSET_VAR_XYZ}"`
	if result != expected {
		t.Fatalf("expected %q, got %q", expected, result)
	}
}

func TestExpandEnvVars_EmptyVarUsesDefault(t *testing.T) {
	t.Setenv("EMPTY_VAR", "")
	result := ExpandEnvVars(`"${EMPTY_VAR:-fallback}"`)
	expected := `"fallback"`
	if result != expected {
		t.Fatalf("expected %q, got %q", expected, result)
	}
}

func TestExpandEnvVars_NoVarsInInput(t *testing.T) {
	input := `{"key": "value", "number": 42}`
	result := ExpandEnvVars(input)
	if result != input {
		t.Fatalf("expected no change, got %q", result)
	}
}

func TestExpandEnvVars_DollarSignWithoutBraces(t *testing.T) {
	input := `"$HOME is not substituted"`
	result := ExpandEnvVars(input)
	if result != input {
		t.Fatalf("expected no change for bare $VAR, got %q", result)
	}
}

func TestLoad_WithEnvVarSubstitution(t *testing.T) {
	t.Setenv("TEST_WECOM_TOKEN", "from-env")

	path := filepath.Join(t.TempDir(), "config.yaml")
	content := "wecom:\n  token: ${TEST_WECOM_TOKEN}\nserver:\n  host: ${TEST_WECOM_HOST:-127.0.0.1}\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.WeCom.Token != "from-env" {
		t.Fatalf("expected token from env, got %q", cfg.WeCom.Token)
	}
	if cfg.Server.Host != "127.0.0.1" {
		t.Fatalf("expected default host, got %q", cfg.Server.Host)
	}
}

// --- Defaults ---

func TestDefaults_ReturnsValidConfig(t *testing.T) {
	cfg := Defaults()
	if err := Validate(cfg); err != nil {
		t.Fatalf("defaults should be valid: %v", err)
	}
	if cfg.Provider.Kind != "echo" {
		t.Fatalf("default provider should be 'echo', got %q", cfg.Provider.Kind)
	}
	if cfg.Stream.Placeholder != "1" {
		t.Fatalf("expected placeholder 1, got %q", cfg.Stream.Placeholder)
	}
}
