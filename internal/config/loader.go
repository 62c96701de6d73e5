package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Load reads and parses a factory configuration from the given YAML file
// path, then fills in defaults for anything the file leaves unset.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

// LoadDefault searches for a factory config in standard locations and loads
// the first one found. Search order: ./fixfactory.yaml, ~/.fixfactory/config.yaml
func LoadDefault() (*Config, error) {
	candidates := []string{"fixfactory.yaml"}

	home, err := os.UserHomeDir()
	if err == nil {
		candidates = append(candidates, filepath.Join(home, ".fixfactory", "config.yaml"))
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
	}

	return nil, fmt.Errorf("no factory config found (searched: %v)", candidates)
}

// Default returns a Config with every default applied and no file read.
func Default() *Config {
	var cfg Config
	applyDefaults(&cfg)
	return &cfg
}

// applyDefaults fills zero-valued settings with the factory defaults.
func applyDefaults(cfg *Config) {
	f := &cfg.Factory
	if f.ListenAddr == "" {
		f.ListenAddr = ":8080"
	}
	if f.RedisAddr == "" {
		f.RedisAddr = "localhost:6379"
	}
	if f.Workers <= 0 {
		f.Workers = 4
	}
	if f.MaxPipelineAttempts <= 0 {
		f.MaxPipelineAttempts = 3
	}
	if f.BaseBackoffSeconds <= 0 {
		f.BaseBackoffSeconds = 30
	}
	if f.MaxBackoffSeconds <= 0 {
		f.MaxBackoffSeconds = 600
	}
	if f.CooldownSeconds <= 0 {
		f.CooldownSeconds = 900
	}
	if f.RunLockTTLSeconds <= 0 {
		f.RunLockTTLSeconds = 1200
	}
	if f.RepoConcurrencyLimit <= 0 {
		f.RepoConcurrencyLimit = 2
	}
	if f.RepoConcurrencyTTLSeconds <= 0 {
		f.RepoConcurrencyTTLSeconds = 1200
	}
	if f.RepoWebhookRateLimitPerMinute <= 0 {
		f.RepoWebhookRateLimitPerMinute = 30
	}

	p := &cfg.Policy
	if len(p.Paths.Forbidden) == 0 {
		p.Paths.Forbidden = []string{
			".git/**",
			".github/workflows/**",
			".github/actions/**",
			".env",
			".env.*",
			"**/*.pem",
			"**/*.key",
		}
	}
	if len(p.Secrets.ForbiddenPatterns) == 0 {
		p.Secrets.ForbiddenPatterns = []string{
			`(?i)password\s*[=:]\s*['"][^'"]+['"]`,
			`(?i)api[_-]?key\s*[=:]\s*['"][^'"]+['"]`,
			`(?i)secret\s*[=:]\s*['"][^'"]+['"]`,
			`(?i)token\s*[=:]\s*['"][^'"]+['"]`,
			`(?i)aws_access_key_id\s*[=:]`,
			`(?i)aws_secret_access_key\s*[=:]`,
			`ghp_[a-zA-Z0-9]{36}`,
			`sk-[a-zA-Z0-9]{48}`,
			`-----BEGIN\s+(RSA\s+)?PRIVATE\s+KEY-----`,
		}
	}
	if p.PatchLimits.MaxFiles <= 0 {
		p.PatchLimits.MaxFiles = 5
	}
	if p.PatchLimits.MaxLinesAdded <= 0 {
		p.PatchLimits.MaxLinesAdded = 200
	}
	if p.PatchLimits.MaxLinesRemoved <= 0 {
		p.PatchLimits.MaxLinesRemoved = 200
	}
	if p.PatchLimits.MaxDiffBytes <= 0 {
		p.PatchLimits.MaxDiffBytes = 200_000
	}
	if p.Danger.SafeMax <= 0 {
		p.Danger.SafeMax = 20
	}
	if len(p.Danger.Weights) == 0 {
		p.Danger.Weights = map[string]int{
			"per_file":             5,
			"per_50_lines_changed": 5,
			"per_10kb_diff":        3,
		}
	}
	if len(p.Danger.RiskyPaths) == 0 {
		p.Danger.RiskyPaths = []RiskyPathRule{
			{Glob: "Dockerfile", Weight: 25, Message: "Touches Dockerfile"},
			{Glob: "docker-compose.yml", Weight: 25, Message: "Touches docker-compose.yml"},
			{Glob: ".github/**", Weight: 30, Message: "Touches GitHub configuration"},
			{Glob: "**/infra/**", Weight: 30, Message: "Touches infra directory"},
		}
	}
}
