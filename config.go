package kiln

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml"
)

const filePermission = 0o644

type Config struct {
	Tracking TrackingConfig `toml:"tracking"`
	Training TrainingConfig `toml:"training"`
}

type TrackingConfig struct {
	URL        string `toml:"url"`
	Experiment string `toml:"experiment"`
	ModelName  string `toml:"model_name"`
}

type TrainingConfig struct {
	Epochs       int     `toml:"epochs"`
	BatchSize    int     `toml:"batch_size"`
	LearningRate float64 `toml:"learning_rate"`
	Seed         int64   `toml:"seed"`
	DataDir      string  `toml:"data_dir"`
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	tree, err := toml.Load(string(data))
	if err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	var cfg Config
	if err := tree.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	return &cfg, nil
}

func (c *Config) Save(path string) error {
	data, err := toml.Marshal(*c)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(path, data, filePermission); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}
