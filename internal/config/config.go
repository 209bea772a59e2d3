// Package config loads the single Agent Blob configuration document and
// validates it into a typed, immutable snapshot. Reload never mutates a
// shared instance in place — it produces a brand new *Config consumed by
// subsequent operations only, the redesign this project's teacher applies
// to every global-mutable-state smell (see internal/config in the
// reference codebase).
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration document (spec §6 Configuration).
type Config struct {
	Permissions PermissionsConfig `yaml:"permissions"`
	Tools       ToolsConfig       `yaml:"tools"`
	Supervisor  SupervisorConfig  `yaml:"supervisor"`
	Tasks       TasksConfig       `yaml:"tasks"`
	Logs        LogsConfig        `yaml:"logs"`
	Memory      MemoryConfig      `yaml:"memory"`
	Scheduler   SchedulerConfig   `yaml:"scheduler"`
	MCP         MCPConfig         `yaml:"mcp"`
	Skills      SkillsConfig      `yaml:"skills"`
	Prompts     PromptsConfig     `yaml:"prompts"`
	Frontends   FrontendsConfig   `yaml:"frontends"`
	Gateway     GatewayConfig     `yaml:"gateway"`
}

// GatewayConfig configures the WS listener and per-session queue.
type GatewayConfig struct {
	ListenAddr      string `yaml:"listen_addr"`
	SessionQueueCap int    `yaml:"session_queue_cap"`
	ReplayWindow    int    `yaml:"replay_window"`
}

// PermissionsConfig configures the C3 permission broker's rule table.
type PermissionsConfig struct {
	Allow []RuleConfig `yaml:"allow"`
	Ask   []RuleConfig `yaml:"ask"`
	Deny  []RuleConfig `yaml:"deny"`
	// MaxAge is how long a pending permission request may wait before it
	// resolves as denied (expired).
	MaxAge time.Duration `yaml:"max_age"`
}

// RuleConfig is one policy rule: a capability plus an optional argument
// predicate (a regex matched against a canonical string rendering of the
// tool call's arguments, e.g. the shell command string).
type RuleConfig struct {
	Capability string `yaml:"capability"`
	ArgPattern string `yaml:"arg_pattern,omitempty"`
}

// ToolsConfig configures tool-facing policy surfaces.
type ToolsConfig struct {
	AllowedFSRoot string            `yaml:"allowed_fs_root"`
	ShellPolicy   string            `yaml:"shell_policy"`
	PerCallTimeout time.Duration    `yaml:"per_call_timeout"`
	Extra          map[string]string `yaml:"extra,omitempty"`
}

// SupervisorConfig configures background loop cadences and debug flags.
type SupervisorConfig struct {
	IntervalSeconds            int  `yaml:"interval_s"`
	MaintenanceIntervalSeconds int  `yaml:"maintenance_interval_s"`
	Debug                      bool `yaml:"debug"`
}

// TasksConfig configures the bounded terminal-run snapshot.
type TasksConfig struct {
	AutoCloseAfterSeconds int `yaml:"auto_close_after_s"`
	KeepDoneDays          int `yaml:"keep_done_days"`
	KeepDoneMax           int `yaml:"keep_done_max"`
}

// LogConfig configures one rotating log (the event log, or any other).
type LogConfig struct {
	MaxBytes     int64 `yaml:"max_bytes"`
	KeepDays     int   `yaml:"keep_days"`
	KeepMaxFiles int   `yaml:"keep_max_files"`
}

// LogsConfig groups per-log rotation settings.
type LogsConfig struct {
	EventLog LogConfig `yaml:"event_log"`
	Dir      string    `yaml:"dir"`
}

// RetrievalConfig configures the memory packet assembled per run.
type RetrievalConfig struct {
	RecentTurnsLimit  int `yaml:"recent_turns_limit"`
	RelatedTurnsLimit int `yaml:"related_turns_limit"`
	StructuredLimit   int `yaml:"structured_limit"`
	VectorScanLimit   int `yaml:"vector_scan_limit"`
	TopK              int `yaml:"top_k"`
	// Alpha weights bm25 vs cosine; Beta weights recency. score =
	// alpha*bm25 + (1-alpha)*cosine + beta*recency.
	Alpha float64 `yaml:"alpha"`
	Beta  float64 `yaml:"beta"`
}

// EmbeddingsConfig configures the lazy embedding-maintenance loop.
type EmbeddingsConfig struct {
	Enabled         bool `yaml:"enabled"`
	BatchSize       int  `yaml:"batch_size"`
	VectorScanLimit int  `yaml:"vector_scan_limit"`
	VectorTopK      int  `yaml:"vector_top_k"`
}

// MemoryConfig configures the C2 memory service.
type MemoryConfig struct {
	Dir             string          `yaml:"dir"`
	ImportanceMin   float64         `yaml:"importance_min"`
	SimThreshold    float64         `yaml:"sim_threshold"`
	Retrieval       RetrievalConfig `yaml:"retrieval"`
	Embeddings      EmbeddingsConfig `yaml:"embeddings"`
}

// SchedulerConfig configures C5's scheduler half.
type SchedulerConfig struct {
	Timezone string `yaml:"timezone"`
}

// MCPConfig configures MCP proxy servers (opaque tool surface per spec §1).
type MCPConfig struct {
	Servers []MCPServerConfig `yaml:"servers"`
}

// MCPServerConfig is one configured MCP server entry.
type MCPServerConfig struct {
	Name    string   `yaml:"name"`
	Command string   `yaml:"command"`
	Args    []string `yaml:"args,omitempty"`
}

// SkillsConfig configures skill directories injected into the system prompt.
type SkillsConfig struct {
	Dirs     []string `yaml:"dirs"`
	Enabled  bool      `yaml:"enabled"`
	MaxChars int       `yaml:"max_chars"`
}

// PromptsConfig configures which ambient sections are assembled into the
// system prompt, plus a free-form extra-instructions block.
type PromptsConfig struct {
	IncludeMemory      bool   `yaml:"include_memory"`
	IncludeSkills      bool   `yaml:"include_skills"`
	IncludeTools       bool   `yaml:"include_tools"`
	ExtraInstructions  string `yaml:"extra_instructions"`
}

// AdapterConfig is one configured client-transport adapter.
type AdapterConfig struct {
	Enabled       bool          `yaml:"enabled"`
	RateLimit     time.Duration `yaml:"rate_limit"`
	PollInterval  time.Duration `yaml:"poll_interval"`
}

// FrontendsConfig groups per-adapter settings.
type FrontendsConfig struct {
	Adapters map[string]AdapterConfig `yaml:"adapters"`
}

// Load reads path, expands ${ENV} references (secrets live in the
// environment only, never in the YAML document itself), and validates
// the result into a Config. It never mutates a previously loaded Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a Config populated with the documented defaults.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			ListenAddr:      ":8765",
			SessionQueueCap: 32,
			ReplayWindow:    500,
		},
		Permissions: PermissionsConfig{MaxAge: 5 * time.Minute},
		Tools: ToolsConfig{
			ShellPolicy:    "ask",
			PerCallTimeout: 30 * time.Second,
		},
		Supervisor: SupervisorConfig{IntervalSeconds: 1, MaintenanceIntervalSeconds: 30},
		Tasks:      TasksConfig{AutoCloseAfterSeconds: 3600, KeepDoneDays: 14, KeepDoneMax: 500},
		Logs: LogsConfig{
			Dir:      "./data/log",
			EventLog: LogConfig{MaxBytes: 64 << 20, KeepDays: 30, KeepMaxFiles: 200},
		},
		Memory: MemoryConfig{
			Dir:           "./data/memory",
			ImportanceMin: 0.2,
			SimThreshold:  0.92,
			Retrieval: RetrievalConfig{
				RecentTurnsLimit: 10, RelatedTurnsLimit: 5, StructuredLimit: 5,
				VectorScanLimit: 2000, TopK: 8, Alpha: 0.5, Beta: 0.1,
			},
			Embeddings: EmbeddingsConfig{Enabled: true, BatchSize: 16, VectorScanLimit: 2000, VectorTopK: 8},
		},
		Scheduler: SchedulerConfig{Timezone: "UTC"},
		Skills:    SkillsConfig{Enabled: true, MaxChars: 4000},
		Prompts:   PromptsConfig{IncludeMemory: true, IncludeSkills: true, IncludeTools: true},
		Frontends: FrontendsConfig{Adapters: map[string]AdapterConfig{}},
	}
}

// Validate checks the config for internally inconsistent values.
func (c *Config) Validate() error {
	if c.Gateway.SessionQueueCap <= 0 {
		return fmt.Errorf("config: gateway.session_queue_cap must be > 0")
	}
	if c.Memory.Retrieval.Alpha < 0 || c.Memory.Retrieval.Alpha > 1 {
		return fmt.Errorf("config: memory.retrieval.alpha must be in [0,1]")
	}
	if c.Memory.ImportanceMin < 0 || c.Memory.ImportanceMin > 1 {
		return fmt.Errorf("config: memory.importance_min must be in [0,1]")
	}
	if _, err := time.LoadLocation(c.Scheduler.Timezone); err != nil {
		return fmt.Errorf("config: scheduler.timezone %q invalid: %w", c.Scheduler.Timezone, err)
	}
	return nil
}
