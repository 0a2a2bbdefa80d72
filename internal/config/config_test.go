package config

import (
	"strings"
	"testing"

	"gopkg.in/ini.v1"
)

func loadString(t *testing.T, raw string) (Config, error) {
	t.Helper()
	file, err := ini.Load([]byte(raw))
	if err != nil {
		t.Fatalf("ini.Load: %v", err)
	}
	return fromFile(file)
}

const validConf = `
[general]
log_level = debug

[restapi]
host = control-plane.example
port = 443
client_id = xbatd
client_secret = secret

[clickhouse]
host = ch.example
port = 9000
database = xbat
user = xbatd
password = secret
`

func TestLoadValidConfig(t *testing.T) {
	cfg, err := loadString(t, validConf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.General.LogLevel != LogLevelDebug {
		t.Errorf("LogLevel = %q, want debug", cfg.General.LogLevel)
	}
	if cfg.General.LogLevelFile != LogLevelDebug {
		t.Errorf("LogLevelFile should default to LogLevel, got %q", cfg.General.LogLevelFile)
	}
	if cfg.RestAPI.Port != 443 {
		t.Errorf("RestAPI.Port = %d, want 443", cfg.RestAPI.Port)
	}
	if cfg.ClickHouse.Database != "xbat" {
		t.Errorf("ClickHouse.Database = %q, want xbat", cfg.ClickHouse.Database)
	}
}

func TestLoadAccumulatesAllErrors(t *testing.T) {
	_, err := loadString(t, `
[general]
log_level = verbose

[restapi]
host = control-plane.example

[clickhouse]
port = notanumber
`)
	if err == nil {
		t.Fatal("expected validation error")
	}
	msg := err.Error()
	for _, want := range []string{
		"log_level: invalid value",
		"restapi.client_id is required",
		"restapi.port is required",
		"clickhouse.host is required",
		"clickhouse.database is required",
		"not an integer",
	} {
		if !strings.Contains(msg, want) {
			t.Errorf("expected error message to contain %q, got:\n%s", want, msg)
		}
	}
}

func TestLoadRejectsMissingRequiredSections(t *testing.T) {
	_, err := loadString(t, `[general]`)
	if err == nil {
		t.Fatal("expected error for missing restapi/clickhouse sections")
	}
}
