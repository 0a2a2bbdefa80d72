// Package config loads and validates the daemon's INI configuration file:
// a typed defaults layer and a parsed file layer, read through
// gopkg.in/ini.v1, with every validation problem collected via
// hashicorp/go-multierror instead of failing on the first.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/hashicorp/go-multierror"
	"gopkg.in/ini.v1"
)

// LogLevel is the closed set accepted by general.log_level/log_level_file.
type LogLevel string

const (
	LogLevelDebug   LogLevel = "debug"
	LogLevelInfo    LogLevel = "info"
	LogLevelWarning LogLevel = "warning"
	LogLevelError   LogLevel = "error"
)

func validLogLevel(s string) bool {
	switch LogLevel(s) {
	case LogLevelDebug, LogLevelInfo, LogLevelWarning, LogLevelError:
		return true
	default:
		return false
	}
}

// General holds the [general] section.
type General struct {
	LogLevel     LogLevel
	LogLevelFile LogLevel
}

// RestAPI holds the [restapi] section: the control-plane OAuth2
// client-credentials endpoint and job/node registration host.
type RestAPI struct {
	Host         string
	Port         int
	ClientID     string
	ClientSecret string
}

// ClickHouse holds the [clickhouse] section: the measurement database
// connection.
type ClickHouse struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string
}

// Config is the fully validated, typed configuration the daemon runs with.
type Config struct {
	General    General
	RestAPI    RestAPI
	ClickHouse ClickHouse
}

// DefaultPath is where the daemon looks for its config absent -c/--config.
const DefaultPath = "/etc/xbatd/xbatd.conf"

// Load reads path (INI), applying defaults for unset optional keys and
// validating that every required key under general/restapi/clickhouse is
// present and well-formed. All problems are reported together.
func Load(path string) (Config, error) {
	opts := ini.LoadOptions{Loose: false}
	file, err := ini.LoadSources(opts, path)
	if err != nil {
		return Config{}, fmt.Errorf("config: reading %s: %w", path, err)
	}
	return fromFile(file)
}

func fromFile(file *ini.File) (Config, error) {
	var errs *multierror.Error
	cfg := Config{
		General: General{LogLevel: LogLevelInfo, LogLevelFile: LogLevelInfo},
	}

	general := file.Section("general")
	if v := general.Key("log_level").String(); v != "" {
		if !validLogLevel(v) {
			errs = multierror.Append(errs, fmt.Errorf("general.log_level: invalid value %q", v))
		} else {
			cfg.General.LogLevel = LogLevel(v)
		}
	}
	if v := general.Key("log_level_file").String(); v != "" {
		if !validLogLevel(v) {
			errs = multierror.Append(errs, fmt.Errorf("general.log_level_file: invalid value %q", v))
		} else {
			cfg.General.LogLevelFile = LogLevel(v)
		}
	} else {
		cfg.General.LogLevelFile = cfg.General.LogLevel
	}

	restapi := file.Section("restapi")
	cfg.RestAPI.Host = restapi.Key("host").String()
	cfg.RestAPI.ClientID = restapi.Key("client_id").String()
	cfg.RestAPI.ClientSecret = restapi.Key("client_secret").String()
	if cfg.RestAPI.Host == "" {
		errs = multierror.Append(errs, fmt.Errorf("restapi.host is required"))
	}
	if cfg.RestAPI.ClientID == "" {
		errs = multierror.Append(errs, fmt.Errorf("restapi.client_id is required"))
	}
	if cfg.RestAPI.ClientSecret == "" {
		errs = multierror.Append(errs, fmt.Errorf("restapi.client_secret is required"))
	}
	if port, ok := requireInt(restapi, "port", &errs); ok {
		cfg.RestAPI.Port = port
	}

	clickhouse := file.Section("clickhouse")
	cfg.ClickHouse.Host = clickhouse.Key("host").String()
	cfg.ClickHouse.Database = clickhouse.Key("database").String()
	cfg.ClickHouse.User = clickhouse.Key("user").String()
	cfg.ClickHouse.Password = clickhouse.Key("password").String()
	if cfg.ClickHouse.Host == "" {
		errs = multierror.Append(errs, fmt.Errorf("clickhouse.host is required"))
	}
	if cfg.ClickHouse.Database == "" {
		errs = multierror.Append(errs, fmt.Errorf("clickhouse.database is required"))
	}
	if port, ok := requireInt(clickhouse, "port", &errs); ok {
		cfg.ClickHouse.Port = port
	}

	return cfg, errs.ErrorOrNil()
}

func requireInt(section *ini.Section, key string, errs **multierror.Error) (int, bool) {
	raw := strings.TrimSpace(section.Key(key).String())
	if raw == "" {
		*errs = multierror.Append(*errs, fmt.Errorf("%s.%s is required", section.Name(), key))
		return 0, false
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		*errs = multierror.Append(*errs, fmt.Errorf("%s.%s: %q is not an integer", section.Name(), key, raw))
		return 0, false
	}
	return n, true
}

// JobIDFile is where the scheduler (or a wrapper script) writes the running
// job's numeric id; -j/--job overrides it.
const JobIDFile = "/run/xbatd/job"

// ReadJobID reads the job id left by the scheduler integration at
// JobIDFile.
func ReadJobID() (uint32, error) {
	data, err := os.ReadFile(JobIDFile)
	if err != nil {
		return 0, fmt.Errorf("config: reading job id: %w", err)
	}
	n, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("config: parsing job id from %s: %w", JobIDFile, err)
	}
	return uint32(n), nil
}
