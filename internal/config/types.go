package config

// Config is the top-level configuration structure parsed from factory YAML.
type Config struct {
	Factory Factory      `yaml:"factory"`
	Policy  SafetyPolicy `yaml:"policy"`
}

// Factory holds pipeline scheduling, storage, and coordination settings.
type Factory struct {
	ListenAddr   string `yaml:"listen_addr"`
	DatabasePath string `yaml:"database_path"`
	RedisAddr    string `yaml:"redis_addr"`
	Workers      int    `yaml:"workers"`

	MaxPipelineAttempts int `yaml:"max_pipeline_attempts"`
	BaseBackoffSeconds  int `yaml:"base_backoff_seconds"`
	MaxBackoffSeconds   int `yaml:"max_backoff_seconds"`
	CooldownSeconds     int `yaml:"cooldown_seconds"`

	RunLockTTLSeconds             int `yaml:"run_lock_ttl_seconds"`
	RepoConcurrencyLimit          int `yaml:"repo_pipeline_concurrency_limit"`
	RepoConcurrencyTTLSeconds     int `yaml:"repo_pipeline_concurrency_ttl_seconds"`
	RepoWebhookRateLimitPerMinute int `yaml:"repo_webhook_rate_limit_per_minute"`

	// Collaborator commands, run via `sh -c` with JSON on stdin/stdout.
	PlanCommand     string `yaml:"plan_command"`
	PatchCommand    string `yaml:"patch_command"`
	ValidateCommand string `yaml:"validate_command"`

	// Local checkout used by the gh-backed PR collaborator.
	RepoWorkdir string `yaml:"repo_workdir"`
}

// SafetyPolicy configures the policy engine. Stored alongside the factory
// settings so one file describes the whole deployment.
type SafetyPolicy struct {
	Paths       PathPolicy   `yaml:"paths"`
	Secrets     SecretPolicy `yaml:"secrets"`
	PatchLimits PatchLimits  `yaml:"patch_limits"`
	Danger      DangerPolicy `yaml:"danger"`
}

// PathPolicy is the allow/deny glob configuration for target files.
// An empty allow list admits any path not matched by a forbidden glob.
type PathPolicy struct {
	Allowed   []string `yaml:"allowed"`
	Forbidden []string `yaml:"forbidden"`
}

// SecretPolicy holds regexes whose match against added lines always blocks.
type SecretPolicy struct {
	ForbiddenPatterns []string `yaml:"forbidden_patterns"`
}

// PatchLimits bounds the size of an acceptable patch.
type PatchLimits struct {
	MaxFiles        int `yaml:"max_files"`
	MaxLinesAdded   int `yaml:"max_lines_added"`
	MaxLinesRemoved int `yaml:"max_lines_removed"`
	MaxDiffBytes    int `yaml:"max_diff_bytes"`
}

// RiskyPathRule adds danger weight when a touched path matches the glob.
type RiskyPathRule struct {
	Glob    string `yaml:"glob"`
	Weight  int    `yaml:"weight"`
	Message string `yaml:"message"`
}

// DangerPolicy configures danger scoring and the safe/needs-review label.
type DangerPolicy struct {
	SafeMax    int             `yaml:"safe_max"`
	Weights    map[string]int  `yaml:"weights"`
	RiskyPaths []RiskyPathRule `yaml:"risky_paths"`
}
