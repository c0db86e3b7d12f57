// Package config loads fabrica configuration from a YAML file and FABRICA_*
// environment variables, with defaults matching the documented option table.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config is the full runtime configuration.
type Config struct {
	Debug    bool   `mapstructure:"debug"`
	DataDir  string `mapstructure:"data_dir"`
	LogLevel string `mapstructure:"log_level"`

	ValidationThreshold       int `mapstructure:"validation_threshold"`
	PoolMinScore              int `mapstructure:"pool_min_score"`
	IncrementalBatchThreshold int `mapstructure:"incremental_batch_threshold"`
	MaxRetriesPerModel        int `mapstructure:"max_retries_per_model"`
	LocalCallTimeoutS         int `mapstructure:"local_call_timeout_s"`
	CloudCallTimeoutS         int `mapstructure:"cloud_call_timeout_s"`

	PersistentModels      []string `mapstructure:"persistent_models"`
	CloudProvidersEnabled []string `mapstructure:"cloud_providers_enabled"`
	DefaultCloudModels    []string `mapstructure:"default_cloud_models"`

	OllamaHost     string `mapstructure:"ollama_host"`
	HFCacheDir     string `mapstructure:"hf_cache_dir"`
	HFInferenceURL string `mapstructure:"hf_inference_url"`
	PresetsFile    string `mapstructure:"presets_file"`

	ContextMaxChars ContextMaxChars `mapstructure:"context_max_chars"`
	HFTraining      HFTraining      `mapstructure:"hf_training"`

	CheckIntervalS int `mapstructure:"check_interval_s"`
}

type ContextMaxChars struct {
	MeetingNotes int `mapstructure:"meeting_notes"`
	RAG          int `mapstructure:"rag"`
	MinAssembled int `mapstructure:"min_assembled"`
}

type HFTraining struct {
	Enabled              bool   `mapstructure:"enabled"`
	TrainerBinary        string `mapstructure:"trainer_binary"`
	OutputDir            string `mapstructure:"output_dir"`
	LoRARank             int    `mapstructure:"lora_rank"`
	GradientAccumulation int    `mapstructure:"gradient_accumulation"`
}

func (c Config) LocalTimeout() time.Duration { return time.Duration(c.LocalCallTimeoutS) * time.Second }
func (c Config) CloudTimeout() time.Duration { return time.Duration(c.CloudCallTimeoutS) * time.Second }
func (c Config) CheckInterval() time.Duration {
	return time.Duration(c.CheckIntervalS) * time.Second
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("debug", false)
	v.SetDefault("data_dir", "data")
	v.SetDefault("validation_threshold", 80)
	v.SetDefault("pool_min_score", 85)
	v.SetDefault("incremental_batch_threshold", 50)
	v.SetDefault("max_retries_per_model", 2)
	v.SetDefault("local_call_timeout_s", 60)
	v.SetDefault("cloud_call_timeout_s", 120)
	v.SetDefault("persistent_models", []string{})
	v.SetDefault("cloud_providers_enabled", []string{"openai", "anthropic", "gemini", "groq"})
	v.SetDefault("default_cloud_models", []string{})
	v.SetDefault("ollama_host", "http://localhost:11434")
	v.SetDefault("hf_cache_dir", "")
	v.SetDefault("hf_inference_url", "http://localhost:8080")
	v.SetDefault("presets_file", "")
	v.SetDefault("context_max_chars.meeting_notes", 8000)
	v.SetDefault("context_max_chars.rag", 12000)
	v.SetDefault("context_max_chars.min_assembled", 100)
	v.SetDefault("hf_training.enabled", false)
	v.SetDefault("hf_training.trainer_binary", "fabrica-lora-train")
	v.SetDefault("hf_training.output_dir", "")
	v.SetDefault("hf_training.lora_rank", 16)
	v.SetDefault("hf_training.gradient_accumulation", 8)
	v.SetDefault("check_interval_s", 60)
}

func newViper(file string) *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("FABRICA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("fabrica")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/fabrica")
	}
	return v
}

// Load reads configuration. A missing config file is fine when no explicit
// path was given; defaults and environment apply.
func Load(file string) (Config, error) {
	v := newViper(file)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("reading config: %w", err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Watch reloads the file on change and calls onChange with the fresh config.
// Invalid edits are reported and the previous config stays in effect.
func Watch(file string, onChange func(Config), onError func(error)) error {
	if file == "" {
		return errors.New("config watch requires an explicit file")
	}
	v := newViper(file)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("reading config: %w", err)
	}
	v.OnConfigChange(func(fsnotify.Event) {
		var cfg Config
		if err := v.Unmarshal(&cfg); err != nil {
			onError(fmt.Errorf("decoding config: %w", err))
			return
		}
		if err := cfg.validate(); err != nil {
			onError(err)
			return
		}
		onChange(cfg)
	})
	v.WatchConfig()
	return nil
}

func (c Config) validate() error {
	if c.ValidationThreshold < 0 || c.ValidationThreshold > 100 {
		return fmt.Errorf("validation_threshold must be in [0,100], got %d", c.ValidationThreshold)
	}
	if c.PoolMinScore < 0 || c.PoolMinScore > 100 {
		return fmt.Errorf("pool_min_score must be in [0,100], got %d", c.PoolMinScore)
	}
	if c.IncrementalBatchThreshold < 1 {
		return fmt.Errorf("incremental_batch_threshold must be positive, got %d", c.IncrementalBatchThreshold)
	}
	if c.CheckIntervalS < 1 {
		return fmt.Errorf("check_interval_s must be positive, got %d", c.CheckIntervalS)
	}
	return nil
}
