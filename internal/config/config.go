// Package config loads settings from a JSON config file with environment
// overrides. Nothing here is required: the engine runs on defaults alone,
// and the API token is generated on first start when not configured.
package config

import "os"

type Config struct {
	Server  ServerConfig
	Ollama  OllamaConfig
	Storage StorageConfig
	Engine  EngineConfig
	Log     LogConfig
}

type ServerConfig struct {
	Port    int
	MCPPort int
	// APIToken authenticates management API calls. When empty, a token is
	// generated and persisted under the data directory on first start.
	APIToken string
}

type OllamaConfig struct {
	BaseURL      string
	ExtractModel string
	EmbedModel   string
}

type StorageConfig struct {
	DataDir string
}

type EngineConfig struct {
	// ExtractCadence is the number of assistant turns between extraction
	// runs.
	ExtractCadence int
	// ExtractWindow is how many trailing turns each extraction run sees.
	ExtractWindow int
	// InsightRetentionDays is how long pending insights survive
	// unconfirmed.
	InsightRetentionDays int
	// ConfidenceFloor is the minimum confidence an extracted insight needs
	// to surface.
	ConfidenceFloor float64
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:    4600,
			MCPPort: 4601,
		},
		Ollama: OllamaConfig{
			BaseURL:      "http://localhost:11434",
			ExtractModel: "llama3.2",
			EmbedModel:   "nomic-embed-text",
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Engine: EngineConfig{
			ExtractCadence:       4,
			ExtractWindow:        12,
			InsightRetentionDays: 14,
			ConfidenceFloor:      0.6,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the JSON config file at
// $XDG_CONFIG_HOME/attuned/config.json, then applies ATTUNED_* environment
// overrides on top.
func Load() (Config, error) {
	return loadWith(newFileBackend(configFilePath()))
}

func loadWith(b Backend) (Config, error) {
	cfg := defaults()
	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}
	applyEnvOverrides(&cfg)
	return cfg, nil
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = home + "/.local/share"
		} else {
			return "attuned-data"
		}
	}
	return dir + "/attuned"
}
