// Package config reads NPU_* environment variables.
//
// Getters are evaluated on every call so tests and long running processes see the
// current environment. Load takes a snapshot for components that are configured
// once.
package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Var returns an environment variable with surrounding quotes and spaces removed.
func Var(key string) string {
	return strings.Trim(strings.TrimSpace(os.Getenv(key)), "\"'")
}

// BoolWithDefault returns a getter for a boolean variable. A value that does not
// parse counts as set.
func BoolWithDefault(k string) func(defaultValue bool) bool {
	return func(defaultValue bool) bool {
		if s := Var(k); s != "" {
			b, err := strconv.ParseBool(s)
			if err != nil {
				return true
			}
			return b
		}
		return defaultValue
	}
}

func Bool(k string) func() bool {
	withDefault := BoolWithDefault(k)
	return func() bool {
		return withDefault(false)
	}
}

func String(k string) func() string {
	return func() string {
		return Var(k)
	}
}

func Uint(key string, defaultValue uint) func() uint {
	return func() uint {
		if s := Var(key); s != "" {
			if n, err := strconv.ParseUint(s, 10, 64); err != nil {
				log.Warn().Str("key", key).Str("value", s).Uint("default", defaultValue).Msg("invalid environment variable, using default")
			} else {
				return uint(n)
			}
		}
		return defaultValue
	}
}

var (
	// DeviceID selects the accelerator instance.
	DeviceID = Uint("NPU_DEVICE_ID", 0)
	// MetricsAddr is the listen address for /metrics. Empty disables it.
	MetricsAddr = String("NPU_METRICS_ADDR")
	// Trace enables the stdout OpenTelemetry exporter.
	Trace = Bool("NPU_TRACE")
	// MaxConcurrent bounds in-flight compute requests when serving.
	MaxConcurrent = Uint("NPU_MAX_CONCURRENT", 64)
)

// LogLevel reads NPU_LOG_LEVEL as a zerolog level name. Default: info.
func LogLevel() zerolog.Level {
	s := Var("NPU_LOG_LEVEL")
	if s == "" {
		return zerolog.InfoLevel
	}
	level, err := zerolog.ParseLevel(strings.ToLower(s))
	if err != nil {
		log.Warn().Str("key", "NPU_LOG_LEVEL").Str("value", s).Msg("invalid log level, using info")
		return zerolog.InfoLevel
	}
	return level
}

// DisabledOps lists operator types forced off the accelerator, from the comma
// separated NPU_DISABLED_OPS.
func DisabledOps() []string {
	var ops []string
	for _, op := range strings.Split(Var("NPU_DISABLED_OPS"), ",") {
		if op = strings.TrimSpace(op); op != "" {
			ops = append(ops, op)
		}
	}
	return ops
}

// Config is a snapshot of the environment.
type Config struct {
	LogLevel      zerolog.Level
	DeviceID      uint
	DisabledOps   []string
	MetricsAddr   string
	Trace         bool
	MaxConcurrent uint
}

// Load reads every variable once.
func Load() Config {
	return Config{
		LogLevel:      LogLevel(),
		DeviceID:      DeviceID(),
		DisabledOps:   DisabledOps(),
		MetricsAddr:   MetricsAddr(),
		Trace:         Trace(),
		MaxConcurrent: MaxConcurrent(),
	}
}

// EnvVar describes one variable for `npuc env`.
type EnvVar struct {
	Name        string
	Value       any
	Description string
}

// AsMap returns every variable with its current value.
func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"NPU_LOG_LEVEL":      {"NPU_LOG_LEVEL", LogLevel(), "Log level: trace, debug, info, warn, error (default info)"},
		"NPU_DEVICE_ID":      {"NPU_DEVICE_ID", DeviceID(), "Accelerator instance to compile for"},
		"NPU_DISABLED_OPS":   {"NPU_DISABLED_OPS", DisabledOps(), "Comma separated operator types that always fall back"},
		"NPU_METRICS_ADDR":   {"NPU_METRICS_ADDR", MetricsAddr(), "Listen address for Prometheus metrics"},
		"NPU_TRACE":          {"NPU_TRACE", Trace(), "Export OpenTelemetry spans to stdout"},
		"NPU_MAX_CONCURRENT": {"NPU_MAX_CONCURRENT", MaxConcurrent(), "Maximum in-flight compute requests when serving (default 64)"},
	}
}
