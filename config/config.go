// Package config resolves environment configuration and the YAML snapshot
// files that are frozen into jobs at submission.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the process configuration, resolved once at startup.
type Config struct {
	// Addr is the control server listen address.
	Addr string

	// MaxConcurrency is the default per-job concurrency cap.
	MaxConcurrency int

	// CheckpointDir is the filesystem root for the file checkpoint store.
	CheckpointDir string

	// CheckpointDSN selects a database checkpoint store instead of the
	// file store: "sqlite:<path>" or "mysql:<dsn>". Empty uses the file
	// store under CheckpointDir.
	CheckpointDSN string

	// EventBuffer is the per-subscriber bounded buffer size.
	EventBuffer int

	// ReplayRing is the per-job replay ring size for late joiners.
	ReplayRing int

	// VectorEndpoint locates the vector-store collaborator. For the
	// embedded store this is a persistence path; empty keeps it in memory.
	VectorEndpoint string

	// ArtifactDir is the artifact sink root.
	ArtifactDir string

	// AgentCatalog and TemplateDir locate the YAML definitions.
	AgentCatalog string
	TemplateDir  string

	// SnapshotFile optionally holds the tone and perf configuration that
	// is frozen into each job at submission.
	SnapshotFile string

	// Provider keys. Opaque; never logged.
	AnthropicKey string
	OpenAIKey    string
	GoogleKey    string

	// ProviderRPM sizes each provider's token bucket.
	ProviderRPM int

	// LLMCacheTTL bounds the gateway response cache.
	LLMCacheTTL time.Duration
}

// Load reads configuration from the environment, applying defaults.
func Load() (*Config, error) {
	c := &Config{
		Addr:           envStr("LOOM_ADDR", ":8085"),
		CheckpointDir:  envStr("CHECKPOINT_DIR", "./data/checkpoints"),
		CheckpointDSN:  os.Getenv("CHECKPOINT_DSN"),
		VectorEndpoint: os.Getenv("VECTOR_ENDPOINT"),
		ArtifactDir:    envStr("ARTIFACT_DIR", "./data/artifacts"),
		AgentCatalog:   envStr("AGENT_CATALOG", "./config/agents.yaml"),
		TemplateDir:    envStr("TEMPLATE_DIR", "./config/workflows"),
		SnapshotFile:   os.Getenv("SNAPSHOT_FILE"),
		AnthropicKey:   os.Getenv("ANTHROPIC_API_KEY"),
		OpenAIKey:      os.Getenv("OPENAI_API_KEY"),
		GoogleKey:      os.Getenv("GOOGLE_API_KEY"),
	}
	var err error
	if c.MaxConcurrency, err = envInt("MAX_CONCURRENCY", 3); err != nil {
		return nil, err
	}
	if c.EventBuffer, err = envInt("EVENT_BUFFER", 256); err != nil {
		return nil, err
	}
	if c.ReplayRing, err = envInt("REPLAY_RING", 64); err != nil {
		return nil, err
	}
	if c.ProviderRPM, err = envInt("PROVIDER_RPM", 60); err != nil {
		return nil, err
	}
	ttlSecs, err := envInt("LLM_CACHE_TTL_SECONDS", 600)
	if err != nil {
		return nil, err
	}
	c.LLMCacheTTL = time.Duration(ttlSecs) * time.Second
	return c, nil
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

// Snapshot is the frozen-at-submission configuration loaded from the
// snapshot YAML file.
type Snapshot struct {
	Tone           map[string]any `yaml:"tone"`
	Perf           map[string]any `yaml:"perf"`
	TemplateConfig map[string]any `yaml:"template_config"`
}

// LoadSnapshot reads the snapshot file. A missing path yields an empty
// snapshot rather than an error.
func LoadSnapshot(path string) (Snapshot, error) {
	var s Snapshot
	if path == "" {
		return s, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return s, fmt.Errorf("read snapshot: %w", err)
	}
	if err := yaml.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("parse snapshot: %w", err)
	}
	return s, nil
}
