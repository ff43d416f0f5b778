// Package config loads cache subsystem settings from env-style files and
// process environment variables. File values can reference other variables
// with ${NAME} or ${NAME:-default}; the process environment always wins
// over file values.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	str2duration "github.com/xhit/go-str2duration/v2"
)

// Environment variable names. Every setting can also appear in an env file.
const (
	EnvDBPath             = "THINGSCACHE_DB_PATH"
	EnvMemoryTTL          = "THINGSCACHE_MEMORY_TTL"
	EnvMemoryIdleTTL      = "THINGSCACHE_MEMORY_IDLE_TTL"
	EnvWarming            = "THINGSCACHE_WARMING"
	EnvWarmingInterval    = "THINGSCACHE_WARMING_INTERVAL"
	EnvDiskMaxSize        = "THINGSCACHE_DISK_MAX_SIZE"
	EnvDiskTTL            = "THINGSCACHE_DISK_TTL"
	EnvDiskCompression    = "THINGSCACHE_DISK_COMPRESSION"
	EnvQueryTTL           = "THINGSCACHE_QUERY_TTL"
	EnvQueryMaxResultSize = "THINGSCACHE_QUERY_MAX_RESULT_SIZE"
	EnvCascade            = "THINGSCACHE_CASCADE"
	EnvMaxEvents          = "THINGSCACHE_MAX_EVENTS"
	EnvEventRetention     = "THINGSCACHE_EVENT_RETENTION"
)

// Config holds the tunable settings of every cache tier.
type Config struct {
	DBPath             string        `json:"db_path"`
	MemoryTTL          time.Duration `json:"memory_ttl"`
	MemoryIdleTTL      time.Duration `json:"memory_idle_ttl"`
	Warming            bool          `json:"warming"`
	WarmingInterval    time.Duration `json:"warming_interval"`
	DiskMaxSize        int64         `json:"disk_max_size"`
	DiskTTL            time.Duration `json:"disk_ttl"`
	DiskCompression    bool          `json:"disk_compression"`
	QueryTTL           time.Duration `json:"query_ttl"`
	QueryMaxResultSize int           `json:"query_max_result_size"`
	Cascade            bool          `json:"cascade"`
	MaxEvents          int           `json:"max_events"`
	EventRetention     time.Duration `json:"event_retention"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		DBPath:             "thingscache.db",
		MemoryTTL:          5 * time.Minute,
		MemoryIdleTTL:      time.Minute,
		Warming:            true,
		WarmingInterval:    time.Minute,
		DiskMaxSize:        100 * 1024 * 1024,
		DiskTTL:            time.Hour,
		DiskCompression:    true,
		QueryTTL:           10 * time.Minute,
		QueryMaxResultSize: 1024 * 1024,
		Cascade:            true,
		MaxEvents:          10000,
		EventRetention:     24 * time.Hour,
	}
}

// EnvLine is one key/value pair from an env file.
type EnvLine struct {
	Key string `json:"key"`
	Val string `json:"val"`
}

// ParseEnvFile parses an env file. A missing file yields an empty list.
func ParseEnvFile(filename string) ([]EnvLine, error) {
	if _, err := os.Stat(filename); os.IsNotExist(err) {
		return []EnvLine{}, nil
	}
	buf, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", filename, err)
	}
	return ParseEnvBuffer(buf), nil
}

// ParseEnvBuffer parses env file content. Blank lines and lines starting
// with # are skipped, and values may reference earlier variables.
func ParseEnvBuffer(buf []byte) []EnvLine {
	var envs []EnvLine
	envMap := make(map[string]string)
	for _, line := range strings.Split(string(buf), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		env := ProcessEnvLine(line)
		if env.Key == "" {
			continue
		}
		env.Val = interpolate(env.Val, envMap)
		envMap[env.Key] = env.Val
		envs = append(envs, env)
	}
	return envs
}

// ProcessEnvLine splits a KEY=VALUE line, stripping one level of quoting
// from the value.
func ProcessEnvLine(line string) EnvLine {
	tok := strings.SplitN(line, "=", 2)
	if len(tok) < 2 {
		return EnvLine{Key: line}
	}
	return EnvLine{Key: tok[0], Val: dequote(tok[1])}
}

func dequote(s string) string {
	if len(s) >= 2 {
		if (s[0] == '\'' && s[len(s)-1] == '\'') || (s[0] == '"' && s[len(s)-1] == '"') {
			return s[1 : len(s)-1]
		}
	}
	return s
}

var refPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// interpolate resolves ${NAME} and ${NAME:-default} references against the
// variables seen so far, then the process environment. Unresolvable
// references are left in place.
func interpolate(input string, envMap map[string]string) string {
	return refPattern.ReplaceAllStringFunc(input, func(ref string) string {
		groups := refPattern.FindStringSubmatch(ref)
		name, fallback := groups[1], groups[2]
		if val, ok := envMap[name]; ok && val != "" {
			return val
		}
		if val := os.Getenv(name); val != "" {
			return val
		}
		if fallback != "" {
			return fallback
		}
		return ref
	})
}

// Load builds a Config from defaults, overridden by the env file at path
// (skipped when path is empty or the file does not exist), overridden by
// process environment variables.
func Load(path string) (Config, error) {
	values := make(map[string]string)
	if path != "" {
		envs, err := ParseEnvFile(path)
		if err != nil {
			return Config{}, err
		}
		for _, env := range envs {
			values[env.Key] = env.Val
		}
	}
	cfg := Default()
	lookup := func(key string) (string, bool) {
		if val, ok := os.LookupEnv(key); ok {
			return val, true
		}
		val, ok := values[key]
		return val, ok
	}

	var err error
	if val, ok := lookup(EnvDBPath); ok {
		cfg.DBPath = val
	}
	if cfg.MemoryTTL, err = durationSetting(lookup, EnvMemoryTTL, cfg.MemoryTTL); err != nil {
		return Config{}, err
	}
	if cfg.MemoryIdleTTL, err = durationSetting(lookup, EnvMemoryIdleTTL, cfg.MemoryIdleTTL); err != nil {
		return Config{}, err
	}
	if cfg.Warming, err = boolSetting(lookup, EnvWarming, cfg.Warming); err != nil {
		return Config{}, err
	}
	if cfg.WarmingInterval, err = durationSetting(lookup, EnvWarmingInterval, cfg.WarmingInterval); err != nil {
		return Config{}, err
	}
	if cfg.DiskMaxSize, err = int64Setting(lookup, EnvDiskMaxSize, cfg.DiskMaxSize); err != nil {
		return Config{}, err
	}
	if cfg.DiskTTL, err = durationSetting(lookup, EnvDiskTTL, cfg.DiskTTL); err != nil {
		return Config{}, err
	}
	if cfg.DiskCompression, err = boolSetting(lookup, EnvDiskCompression, cfg.DiskCompression); err != nil {
		return Config{}, err
	}
	if cfg.QueryTTL, err = durationSetting(lookup, EnvQueryTTL, cfg.QueryTTL); err != nil {
		return Config{}, err
	}
	if cfg.QueryMaxResultSize, err = intSetting(lookup, EnvQueryMaxResultSize, cfg.QueryMaxResultSize); err != nil {
		return Config{}, err
	}
	if cfg.Cascade, err = boolSetting(lookup, EnvCascade, cfg.Cascade); err != nil {
		return Config{}, err
	}
	if cfg.MaxEvents, err = intSetting(lookup, EnvMaxEvents, cfg.MaxEvents); err != nil {
		return Config{}, err
	}
	if cfg.EventRetention, err = durationSetting(lookup, EnvEventRetention, cfg.EventRetention); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

type lookupFunc func(key string) (string, bool)

// durationSetting accepts compound duration strings such as "1h30m" or "2d".
func durationSetting(lookup lookupFunc, key string, fallback time.Duration) (time.Duration, error) {
	val, ok := lookup(key)
	if !ok || val == "" {
		return fallback, nil
	}
	d, err := str2duration.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("config: %s=%q: %w", key, val, err)
	}
	return d, nil
}

func boolSetting(lookup lookupFunc, key string, fallback bool) (bool, error) {
	val, ok := lookup(key)
	if !ok || val == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return false, fmt.Errorf("config: %s=%q: %w", key, val, err)
	}
	return b, nil
}

func intSetting(lookup lookupFunc, key string, fallback int) (int, error) {
	val, ok := lookup(key)
	if !ok || val == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("config: %s=%q: %w", key, val, err)
	}
	return n, nil
}

func int64Setting(lookup lookupFunc, key string, fallback int64) (int64, error) {
	val, ok := lookup(key)
	if !ok || val == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("config: %s=%q: %w", key, val, err)
	}
	return n, nil
}
