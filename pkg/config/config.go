// Package config defines the configuration tree and its loading rules.
// Every recognized option has a safe default; unknown values fail
// validation rather than being silently accepted.
package config

import (
	"fmt"
	"time"
)

// Authority modes for skill creation.
const (
	AuthoritySkillServer = "skill_server"
	AuthorityLegacyDual  = "legacy_dual"
)

// Package install modes.
const (
	InstallAllowlistAuto = "allowlist_auto"
	InstallManualOnly    = "manual_only"
)

// Digest run modes.
const (
	DigestRunOff     = "off"
	DigestRunSidecar = "sidecar"
	DigestRunInline  = "inline"
)

// Typed-state modes.
const (
	TypedStateShadow = "shadow"
	TypedStateActive = "active"
)

// Embedding runtime policies.
const (
	EmbeddingPolicyAuto      = "auto"
	EmbeddingPolicyPreferGPU = "prefer_gpu"
	EmbeddingPolicyCPUOnly   = "cpu_only"
)

// Signature verification modes.
const (
	SignatureVerifyOff    = "off"
	SignatureVerifyOptIn  = "opt_in"
	SignatureVerifyStrict = "strict"
)

// Config is the root configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server" mapstructure:"server"`
	LLM           LLMConfig           `yaml:"llm" mapstructure:"llm"`
	Pipeline      PipelineConfig      `yaml:"pipeline" mapstructure:"pipeline"`
	Context       ContextConfig       `yaml:"context" mapstructure:"context"`
	Skills        SkillsConfig        `yaml:"skills" mapstructure:"skills"`
	Digest        DigestConfig        `yaml:"digest" mapstructure:"digest"`
	Embedding     EmbeddingConfig     `yaml:"embedding" mapstructure:"embedding"`
	Memory        MemoryConfig        `yaml:"memory" mapstructure:"memory"`
	Observability ObservabilityConfig `yaml:"observability" mapstructure:"observability"`
	Logging       LoggingConfig       `yaml:"logging" mapstructure:"logging"`

	SignatureVerifyMode string `yaml:"signature_verify_mode" mapstructure:"signature_verify_mode"`
}

type ServerConfig struct {
	Host string `yaml:"host" mapstructure:"host"`
	Port int    `yaml:"port" mapstructure:"port"`
}

func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// LLMConfig names the local model endpoints per pipeline role. The model
// family is a deployment detail; only the contract matters here.
type LLMConfig struct {
	Host        string  `yaml:"host" mapstructure:"host"`
	Model       string  `yaml:"model" mapstructure:"model"`
	SmallModel  string  `yaml:"small_model" mapstructure:"small_model"`
	CodeModel   string  `yaml:"code_model" mapstructure:"code_model"`
	Temperature float64 `yaml:"temperature" mapstructure:"temperature"`
	MaxTokens   int     `yaml:"max_tokens" mapstructure:"max_tokens"`
}

type PipelineConfig struct {
	MaxToolLoops     int           `yaml:"max_tool_loops" mapstructure:"max_tool_loops"`
	StageTimeout     time.Duration `yaml:"stage_timeout" mapstructure:"stage_timeout"`
	WallTimeout      time.Duration `yaml:"wall_timeout" mapstructure:"wall_timeout"`
	MaxSelectedTools int           `yaml:"max_selected_tools" mapstructure:"max_selected_tools"`
}

type ContextConfig struct {
	FinalCap       int    `yaml:"final_cap" mapstructure:"final_cap"`
	TypedStateMode string `yaml:"typedstate_mode" mapstructure:"typedstate_mode"`
	CSVJITOnly     *bool  `yaml:"csv_jit_only" mapstructure:"csv_jit_only"`

	JITWindowTimeReferenceH int `yaml:"jit_window_time_reference_h" mapstructure:"jit_window_time_reference_h"`
	JITWindowFactRecallH    int `yaml:"jit_window_fact_recall_h" mapstructure:"jit_window_fact_recall_h"`
	JITWindowRememberH      int `yaml:"jit_window_remember_h" mapstructure:"jit_window_remember_h"`

	HistoryMaxTurns  int `yaml:"history_max_turns" mapstructure:"history_max_turns"`
	HistoryMaxTokens int `yaml:"history_max_tokens" mapstructure:"history_max_tokens"`
	FactsTopK        int `yaml:"facts_top_k" mapstructure:"facts_top_k"`
}

type SkillsConfig struct {
	Authority    string        `yaml:"authority" mapstructure:"authority"`
	InstallMode  string        `yaml:"install_mode" mapstructure:"install_mode"`
	Home         string        `yaml:"home" mapstructure:"home"`
	AllowlistURL string        `yaml:"allowlist_url" mapstructure:"allowlist_url"`
	AllowlistTTL time.Duration `yaml:"allowlist_ttl" mapstructure:"allowlist_ttl"`
}

type DigestConfig struct {
	Enable        *bool  `yaml:"enable" mapstructure:"enable"`
	DailyEnable   *bool  `yaml:"daily_enable" mapstructure:"daily_enable"`
	WeeklyEnable  *bool  `yaml:"weekly_enable" mapstructure:"weekly_enable"`
	ArchiveEnable *bool  `yaml:"archive_enable" mapstructure:"archive_enable"`
	RunMode       string `yaml:"run_mode" mapstructure:"run_mode"`

	CatchupMaxDays  *int `yaml:"catchup_max_days" mapstructure:"catchup_max_days"`
	MinEventsDaily  int  `yaml:"min_events_daily" mapstructure:"min_events_daily"`
	MinDailyPerWeek int  `yaml:"min_daily_per_week" mapstructure:"min_daily_per_week"`

	DedupeIncludeConv *bool  `yaml:"dedupe_include_conv" mapstructure:"dedupe_include_conv"`
	KeyVersion        string `yaml:"key_version" mapstructure:"key_version"`
	RuntimeAPIV2      *bool  `yaml:"runtime_api_v2" mapstructure:"runtime_api_v2"`

	LockTimeout time.Duration `yaml:"lock_timeout" mapstructure:"lock_timeout"`
	StateDir    string        `yaml:"state_dir" mapstructure:"state_dir"`
}

type EmbeddingConfig struct {
	Policy          string        `yaml:"policy" mapstructure:"policy"`
	CPUBaseURL      string        `yaml:"cpu_base_url" mapstructure:"cpu_base_url"`
	GPUBaseURL      string        `yaml:"gpu_base_url" mapstructure:"gpu_base_url"`
	AvailabilityTTL time.Duration `yaml:"availability_ttl" mapstructure:"availability_ttl"`
}

type MemoryConfig struct {
	DatabasePath string `yaml:"database_path" mapstructure:"database_path"`
	SpeicherDir  string `yaml:"speicher_dir" mapstructure:"speicher_dir"`
	PersonaPath  string `yaml:"persona_path" mapstructure:"persona_path"`
}

type ObservabilityConfig struct {
	MetricsEnabled bool   `yaml:"metrics_enabled" mapstructure:"metrics_enabled"`
	MetricsPath    string `yaml:"metrics_path" mapstructure:"metrics_path"`
	TracingEnabled bool   `yaml:"tracing_enabled" mapstructure:"tracing_enabled"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
	File   string `yaml:"file" mapstructure:"file"`
}

// BoolValue dereferences an optional bool with a default.
func BoolValue(b *bool, def bool) bool {
	if b == nil {
		return def
	}
	return *b
}

// IntValue dereferences an optional int with a default.
func IntValue(n *int, def int) int {
	if n == nil {
		return def
	}
	return *n
}

// SetDefaults fills zero fields with safe defaults. Defaults are OFF or
// conservative wherever a choice has safety impact.
func (c *Config) SetDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "127.0.0.1"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8811
	}

	if c.LLM.Host == "" {
		c.LLM.Host = "http://localhost:11434"
	}
	if c.LLM.Model == "" {
		c.LLM.Model = "qwen3:14b"
	}
	if c.LLM.SmallModel == "" {
		c.LLM.SmallModel = "qwen3:4b"
	}
	if c.LLM.CodeModel == "" {
		c.LLM.CodeModel = "qwen3-coder:30b"
	}
	if c.LLM.MaxTokens == 0 {
		c.LLM.MaxTokens = 4096
	}

	if c.Pipeline.MaxToolLoops == 0 {
		c.Pipeline.MaxToolLoops = 6
	}
	if c.Pipeline.StageTimeout == 0 {
		c.Pipeline.StageTimeout = 120 * time.Second
	}
	if c.Pipeline.WallTimeout == 0 {
		c.Pipeline.WallTimeout = 10 * time.Minute
	}
	if c.Pipeline.MaxSelectedTools == 0 {
		c.Pipeline.MaxSelectedTools = 5
	}

	if c.Context.FinalCap == 0 {
		c.Context.FinalCap = 24000
	}
	if c.Context.TypedStateMode == "" {
		c.Context.TypedStateMode = TypedStateShadow
	}
	if c.Context.CSVJITOnly == nil {
		v := true
		c.Context.CSVJITOnly = &v
	}
	if c.Context.JITWindowTimeReferenceH == 0 {
		c.Context.JITWindowTimeReferenceH = 48
	}
	if c.Context.JITWindowFactRecallH == 0 {
		c.Context.JITWindowFactRecallH = 168
	}
	if c.Context.JITWindowRememberH == 0 {
		c.Context.JITWindowRememberH = 336
	}
	if c.Context.HistoryMaxTurns == 0 {
		c.Context.HistoryMaxTurns = 20
	}
	if c.Context.HistoryMaxTokens == 0 {
		c.Context.HistoryMaxTokens = 4000
	}
	if c.Context.FactsTopK == 0 {
		c.Context.FactsTopK = 8
	}

	if c.Skills.Authority == "" {
		c.Skills.Authority = AuthoritySkillServer
	}
	if c.Skills.InstallMode == "" {
		c.Skills.InstallMode = InstallAllowlistAuto
	}
	if c.Skills.Home == "" {
		c.Skills.Home = "skill_server_home"
	}
	if c.Skills.AllowlistTTL == 0 {
		c.Skills.AllowlistTTL = 60 * time.Second
	}

	if c.Digest.RunMode == "" {
		c.Digest.RunMode = DigestRunOff
	}
	if c.Digest.CatchupMaxDays == nil {
		// An explicit 0 disables catch-up; only unset takes the default.
		v := 7
		c.Digest.CatchupMaxDays = &v
	}
	if c.Digest.DedupeIncludeConv == nil {
		v := true
		c.Digest.DedupeIncludeConv = &v
	}
	if c.Digest.KeyVersion == "" {
		c.Digest.KeyVersion = "v2"
	}
	if c.Digest.RuntimeAPIV2 == nil {
		v := true
		c.Digest.RuntimeAPIV2 = &v
	}
	if c.Digest.LockTimeout == 0 {
		c.Digest.LockTimeout = 300 * time.Second
	}
	if c.Digest.StateDir == "" {
		c.Digest.StateDir = "memory_speicher"
	}

	if c.Embedding.Policy == "" {
		c.Embedding.Policy = EmbeddingPolicyAuto
	}
	if c.Embedding.CPUBaseURL == "" {
		c.Embedding.CPUBaseURL = "http://localhost:11434"
	}
	if c.Embedding.AvailabilityTTL == 0 {
		c.Embedding.AvailabilityTTL = 30 * time.Second
	}

	if c.Memory.DatabasePath == "" {
		c.Memory.DatabasePath = "memory_speicher/workspace.db"
	}
	if c.Memory.SpeicherDir == "" {
		c.Memory.SpeicherDir = "memory_speicher"
	}

	if c.Observability.MetricsPath == "" {
		c.Observability.MetricsPath = "/metrics"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}

	if c.SignatureVerifyMode == "" {
		c.SignatureVerifyMode = SignatureVerifyOff
	}
}

// Validate rejects unrecognized enum values. Called after SetDefaults.
func (c *Config) Validate() error {
	switch c.Skills.Authority {
	case AuthoritySkillServer, AuthorityLegacyDual:
	default:
		return fmt.Errorf("invalid skills.authority: %q", c.Skills.Authority)
	}

	switch c.Skills.InstallMode {
	case InstallAllowlistAuto, InstallManualOnly:
	default:
		return fmt.Errorf("invalid skills.install_mode: %q", c.Skills.InstallMode)
	}

	switch c.Digest.RunMode {
	case DigestRunOff, DigestRunSidecar, DigestRunInline:
	default:
		return fmt.Errorf("invalid digest.run_mode: %q", c.Digest.RunMode)
	}

	switch c.Digest.KeyVersion {
	case "v1", "v2":
	default:
		return fmt.Errorf("invalid digest.key_version: %q", c.Digest.KeyVersion)
	}

	switch c.Context.TypedStateMode {
	case TypedStateShadow, TypedStateActive:
	default:
		return fmt.Errorf("invalid context.typedstate_mode: %q", c.Context.TypedStateMode)
	}

	switch c.Embedding.Policy {
	case EmbeddingPolicyAuto, EmbeddingPolicyPreferGPU, EmbeddingPolicyCPUOnly:
	default:
		return fmt.Errorf("invalid embedding.policy: %q", c.Embedding.Policy)
	}

	switch c.SignatureVerifyMode {
	case SignatureVerifyOff, SignatureVerifyOptIn, SignatureVerifyStrict:
	default:
		return fmt.Errorf("invalid signature_verify_mode: %q", c.SignatureVerifyMode)
	}

	if IntValue(c.Digest.CatchupMaxDays, 7) < 0 {
		return fmt.Errorf("digest.catchup_max_days must be >= 0")
	}
	if c.Context.FinalCap <= 0 {
		return fmt.Errorf("context.final_cap must be > 0")
	}

	return nil
}
