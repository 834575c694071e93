package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config represents runtime configuration sourced from environment variables.
type Config struct {
	ListenAddr       string
	AllowedOrigins   []string
	EnablePrometheus bool
	EnablePprof      bool
	LogLevel         slog.Level
	SysfsRoot        string
	StateFile        string
	WS               WebsocketConfig
	Profile          ProfileConfig
	Source           SourceConfig
}

// WebsocketConfig captures tunables for WebSocket handling.
type WebsocketConfig struct {
	MaxClients   int
	WriteTimeout time.Duration
	ReadTimeout  time.Duration
}

// ProfileConfig describes the command to profile and where nsys writes.
type ProfileConfig struct {
	Command         string
	CWD             string
	WorkspaceFolder string
	OutputDir       string
	NsysPath        string
	Trace           string
}

// SourceConfig bounds the kernel source search.
type SourceConfig struct {
	MaxFiles int
	MaxBytes int64
}

// Load parses configuration from environment variables, applying defaults.
func Load() (Config, error) {
	cfg := Config{
		ListenAddr:       ":8080",
		AllowedOrigins:   []string{"*"},
		EnablePrometheus: false,
		EnablePprof:      false,
		LogLevel:         slog.LevelInfo,
		SysfsRoot:        "/sys",
		WS: WebsocketConfig{
			MaxClients:   64,
			WriteTimeout: 3 * time.Second,
			ReadTimeout:  30 * time.Second,
		},
		Profile: ProfileConfig{
			CWD:             "${workspaceFolder}",
			OutputDir:       ".gpuprof",
			Trace:           "cuda,nvtx,osrt",
		},
		Source: SourceConfig{
			MaxFiles: 4000,
			MaxBytes: 2_000_000,
		},
	}

	if value := env("APP_LISTEN_ADDR"); value != "" {
		cfg.ListenAddr = value
	}

	if value := env("APP_ALLOWED_ORIGINS"); value != "" {
		origins := splitAndTrim(value, ",")
		if len(origins) == 0 {
			return Config{}, fmt.Errorf("APP_ALLOWED_ORIGINS must not be empty")
		}
		cfg.AllowedOrigins = origins
	}

	var err error
	if cfg.EnablePrometheus, err = boolEnv("APP_ENABLE_PROMETHEUS", cfg.EnablePrometheus); err != nil {
		return Config{}, err
	}
	if cfg.EnablePprof, err = boolEnv("APP_ENABLE_PPROF", cfg.EnablePprof); err != nil {
		return Config{}, err
	}

	if value := env("APP_LOG_LEVEL"); value != "" {
		level, err := parseLogLevel(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse APP_LOG_LEVEL: %w", err)
		}
		cfg.LogLevel = level
	}

	if value := env("APP_SYSFS_ROOT"); value != "" {
		cfg.SysfsRoot = value
	}
	if value := env("APP_STATE_FILE"); value != "" {
		cfg.StateFile = value
	}

	if cfg.WS.MaxClients, err = positiveIntEnv("APP_WS_MAX_CLIENTS", cfg.WS.MaxClients); err != nil {
		return Config{}, err
	}
	if cfg.WS.WriteTimeout, err = positiveDurationEnv("APP_WS_WRITE_TIMEOUT", cfg.WS.WriteTimeout); err != nil {
		return Config{}, err
	}
	if cfg.WS.ReadTimeout, err = positiveDurationEnv("APP_WS_READ_TIMEOUT", cfg.WS.ReadTimeout); err != nil {
		return Config{}, err
	}

	if value := env("APP_PROFILE_COMMAND"); value != "" {
		cfg.Profile.Command = value
	}
	if value := env("APP_PROFILE_CWD"); value != "" {
		cfg.Profile.CWD = value
	}
	if value := env("APP_WORKSPACE_FOLDER"); value != "" {
		cfg.Profile.WorkspaceFolder = value
	} else {
		wd, err := os.Getwd()
		if err != nil {
			return Config{}, fmt.Errorf("APP_WORKSPACE_FOLDER is unset and the working directory is unavailable: %w", err)
		}
		cfg.Profile.WorkspaceFolder = wd
	}
	if value := env("APP_OUTPUT_DIR"); value != "" {
		cfg.Profile.OutputDir = value
	}
	if value := env("APP_NSYS_PATH"); value != "" {
		cfg.Profile.NsysPath = value
	}
	if value := env("APP_NSYS_TRACE"); value != "" {
		trace := strings.Join(splitAndTrim(value, ","), ",")
		if trace == "" {
			return Config{}, fmt.Errorf("APP_NSYS_TRACE must not be empty")
		}
		cfg.Profile.Trace = trace
	}

	if cfg.Source.MaxFiles, err = positiveIntEnv("APP_SOURCE_MAX_FILES", cfg.Source.MaxFiles); err != nil {
		return Config{}, err
	}
	maxBytes, err := positiveIntEnv("APP_SOURCE_MAX_BYTES", int(cfg.Source.MaxBytes))
	if err != nil {
		return Config{}, err
	}
	cfg.Source.MaxBytes = int64(maxBytes)

	return cfg, nil
}

func env(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func boolEnv(key string, fallback bool) (bool, error) {
	value := env(key)
	if value == "" {
		return fallback, nil
	}
	enabled, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("parse %s: %w", key, err)
	}
	return enabled, nil
}

func positiveIntEnv(key string, fallback int) (int, error) {
	value := env(key)
	if value == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("%s must be > 0", key)
	}
	return n, nil
}

func positiveDurationEnv(key string, fallback time.Duration) (time.Duration, error) {
	value := env(key)
	if value == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be > 0", key)
	}
	return d, nil
}

func splitAndTrim(value, sep string) []string {
	raw := strings.Split(value, sep)
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		trimmed := strings.TrimSpace(item)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func parseLogLevel(input string) (slog.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(input)) {
	case "DEBUG":
		return slog.LevelDebug, nil
	case "INFO":
		return slog.LevelInfo, nil
	case "WARN", "WARNING":
		return slog.LevelWarn, nil
	case "ERROR":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unsupported log level %q", input)
	}
}
