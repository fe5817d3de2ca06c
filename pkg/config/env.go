package config

import (
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var envVarPatterns = struct {
	withDefault *regexp.Regexp
	braced      *regexp.Regexp
	simple      *regexp.Regexp
}{
	withDefault: regexp.MustCompile(`\$\{([A-Z_][A-Z0-9_]*):-(.*?)\}`),
	braced:      regexp.MustCompile(`\$\{([A-Z_][A-Z0-9_]*)\}`),
	simple:      regexp.MustCompile(`\$([A-Z_][A-Z0-9_]*)`),
}

func expandEnvVars(s string) string {
	if !strings.Contains(s, "$") {
		return s
	}

	s = envVarPatterns.withDefault.ReplaceAllStringFunc(s, func(match string) string {
		parts := envVarPatterns.withDefault.FindStringSubmatch(match)
		if len(parts) == 3 {
			if val := os.Getenv(parts[1]); val != "" {
				return val
			}
			return parts[2]
		}
		return match
	})

	s = envVarPatterns.braced.ReplaceAllStringFunc(s, func(match string) string {
		parts := envVarPatterns.braced.FindStringSubmatch(match)
		if len(parts) == 2 {
			return os.Getenv(parts[1])
		}
		return match
	})

	s = envVarPatterns.simple.ReplaceAllStringFunc(s, func(match string) string {
		parts := envVarPatterns.simple.FindStringSubmatch(match)
		if len(parts) == 2 {
			return os.Getenv(parts[1])
		}
		return match
	})

	return s
}

func parseValue(value string) any {
	switch strings.ToLower(value) {
	case "true":
		return true
	case "false":
		return false
	}
	if intVal, err := strconv.Atoi(value); err == nil {
		return intVal
	}
	if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
		return floatVal
	}
	return value
}

// ExpandEnvVarsInData walks a parsed YAML tree and substitutes ${VAR},
// ${VAR:-default} and $VAR in string values.
func ExpandEnvVarsInData(data any) any {
	switch v := data.(type) {
	case string:
		expanded := expandEnvVars(v)
		if expanded != v {
			return parseValue(expanded)
		}
		return expanded
	case map[string]any:
		result := make(map[string]any, len(v))
		for key, value := range v {
			result[key] = ExpandEnvVarsInData(value)
		}
		return result
	case []any:
		result := make([]any, len(v))
		for i, value := range v {
			result[i] = ExpandEnvVarsInData(value)
		}
		return result
	default:
		return data
	}
}

func envString(key string, target *string) {
	if v := os.Getenv(key); v != "" {
		*target = v
	}
}

func envBool(key string, target **bool) {
	if v := os.Getenv(key); v != "" {
		b := strings.EqualFold(v, "true") || v == "1"
		*target = &b
	}
}

func envInt(key string, target *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*target = n
		}
	}
}

func envIntPtr(key string, target **int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*target = &n
		}
	}
}

func envSeconds(key string, target *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*target = time.Duration(n) * time.Second
		}
	}
}

// ApplyEnvOverrides maps the flat runtime environment envelope onto the
// config tree. Environment always wins over file values.
func (c *Config) ApplyEnvOverrides() {
	envString("SKILL_CONTROL_AUTHORITY", &c.Skills.Authority)
	envString("SKILL_PACKAGE_INSTALL_MODE", &c.Skills.InstallMode)

	envBool("DIGEST_ENABLE", &c.Digest.Enable)
	envBool("DIGEST_DAILY_ENABLE", &c.Digest.DailyEnable)
	envBool("DIGEST_WEEKLY_ENABLE", &c.Digest.WeeklyEnable)
	envBool("DIGEST_ARCHIVE_ENABLE", &c.Digest.ArchiveEnable)
	envString("DIGEST_RUN_MODE", &c.Digest.RunMode)
	envIntPtr("DIGEST_CATCHUP_MAX_DAYS", &c.Digest.CatchupMaxDays)
	envInt("DIGEST_MIN_EVENTS_DAILY", &c.Digest.MinEventsDaily)
	envInt("DIGEST_MIN_DAILY_PER_WEEK", &c.Digest.MinDailyPerWeek)
	envBool("DIGEST_DEDUPE_INCLUDE_CONV", &c.Digest.DedupeIncludeConv)
	envString("DIGEST_KEY_VERSION", &c.Digest.KeyVersion)
	envBool("DIGEST_RUNTIME_API_V2", &c.Digest.RuntimeAPIV2)
	envSeconds("DIGEST_LOCK_TIMEOUT_S", &c.Digest.LockTimeout)

	envString("TYPEDSTATE_MODE", &c.Context.TypedStateMode)
	envBool("TYPEDSTATE_CSV_JIT_ONLY", &c.Context.CSVJITOnly)
	envInt("JIT_WINDOW_TIME_REFERENCE_H", &c.Context.JITWindowTimeReferenceH)
	envInt("JIT_WINDOW_FACT_RECALL_H", &c.Context.JITWindowFactRecallH)
	envInt("JIT_WINDOW_REMEMBER_H", &c.Context.JITWindowRememberH)

	envString("EMBEDDING_RUNTIME_POLICY", &c.Embedding.Policy)
	envString("SIGNATURE_VERIFY_MODE", &c.SignatureVerifyMode)
}
