// Package config resolves the orchestrator's environment-driven settings.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config models the environment variables enumerated in spec §6.
type Config struct {
	Workspace             string
	ListenAddr            string
	BasePath              string
	DockerHost            string // explicit daemon socket override, stripped of unix:// prefix
	ProviderToken         string
	WebhookSecret         string
	CompletionAPIKey      string
	CompletionBaseURL     string
	ExtractionAPIKey      string
	ExtractionBaseURL     string
	JWTSecret             string
	DefaultTimeoutMinutes float64
	MaxConcurrentAgents   int
	SSHKeyPath            string // bind-mounted read-only into every workspace container
	ProviderAuthFilePath  string // agent CLI's provider auth file, bind-mounted read-only
	AgentConfigDir        string // agent CLI's config dir, bind-mounted read-only
	RecipeOverridesPath   string // optional YAML overrides consumed by internal/synth
	OutboundWebhookURL    string // optional operator-configured sink for terminal-state notifications
	OutboundWebhookSecret string
}

// Load reads configuration from the environment (prefix ORC_) via viper,
// mirroring the teacher CLI's viper.AutomaticEnv bootstrap.
func Load() Config {
	v := viper.New()
	v.SetEnvPrefix("ORC")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetDefault("workspace", ".")
	v.SetDefault("listen_addr", "127.0.0.1:8080")
	v.SetDefault("base_path", "/v0")
	v.SetDefault("default_timeout_minutes", 60.0)
	v.SetDefault("max_concurrent_agents", 4)

	return Config{
		Workspace:             v.GetString("workspace"),
		ListenAddr:            v.GetString("listen_addr"),
		BasePath:              v.GetString("base_path"),
		DockerHost:            strings.TrimPrefix(v.GetString("docker_host"), "unix://"),
		ProviderToken:         v.GetString("provider_token"),
		WebhookSecret:         v.GetString("webhook_secret"),
		CompletionAPIKey:      v.GetString("completion_api_key"),
		CompletionBaseURL:     v.GetString("completion_base_url"),
		ExtractionAPIKey:      v.GetString("extraction_api_key"),
		ExtractionBaseURL:     v.GetString("extraction_base_url"),
		JWTSecret:             v.GetString("jwt_secret"),
		DefaultTimeoutMinutes: v.GetFloat64("default_timeout_minutes"),
		MaxConcurrentAgents:   v.GetInt("max_concurrent_agents"),
		SSHKeyPath:            v.GetString("ssh_key_path"),
		ProviderAuthFilePath:  v.GetString("provider_auth_file_path"),
		AgentConfigDir:        v.GetString("agent_config_dir"),
		RecipeOverridesPath:   v.GetString("recipe_overrides_path"),
		OutboundWebhookURL:    v.GetString("outbound_webhook_url"),
		OutboundWebhookSecret: v.GetString("outbound_webhook_secret"),
	}
}

// Validate ensures the settings required to run `serve` are present.
func (c Config) Validate() error {
	if strings.TrimSpace(c.WebhookSecret) == "" {
		return fmt.Errorf("ORC_WEBHOOK_SECRET is required")
	}
	if strings.TrimSpace(c.JWTSecret) == "" {
		return fmt.Errorf("ORC_JWT_SECRET is required")
	}
	if strings.TrimSpace(c.ProviderToken) == "" {
		return fmt.Errorf("ORC_PROVIDER_TOKEN is required")
	}
	return nil
}
