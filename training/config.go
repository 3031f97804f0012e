// Package training prepares and drives LoRA training sessions on the remote trainer.
package training

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed default_config.yaml
var defaultConfigYAML []byte

// Config keys written by the pipeline
const (
	KeyImagesURL   = "training_images_url"
	KeyOutputName  = "output_name"
	KeyTriggerWord = "trigger_word"
	KeyBaseModel   = "pretrained_model_name_or_path"
	KeyWebhookURL  = "webhook_url"
)

// DefaultConfig returns a fresh copy of the default training parameters
func DefaultConfig() (map[string]interface{}, error) {
	out := map[string]interface{}{}
	if err := yaml.Unmarshal(defaultConfigYAML, &out); err != nil {
		return nil, fmt.Errorf("parse default training config: %w", err)
	}
	return out, nil
}

// ParseConfig decodes a stored training configuration. Stored configs are
// JSON, which the YAML decoder accepts as well, so hand-written YAML configs
// load the same way.
func ParseConfig(raw string) (map[string]interface{}, error) {
	out := map[string]interface{}{}
	if strings.TrimSpace(raw) == "" {
		return out, nil
	}
	if err := yaml.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("parse training config: %w", err)
	}
	return out, nil
}

// SetConfigValue stores key in a raw training configuration and returns the
// updated configuration as JSON
func SetConfigValue(raw, key string, value interface{}) (string, error) {
	cfg, err := ParseConfig(raw)
	if err != nil {
		return "", err
	}
	cfg[key] = value
	return encode(cfg)
}

// MergeConfig layers the stored configuration of a training over the
// defaults, then applies overrides. The result is the JSON session
// configuration sent to the trainer.
func MergeConfig(raw string, overrides map[string]interface{}) ([]byte, error) {
	merged, err := DefaultConfig()
	if err != nil {
		return nil, err
	}

	stored, err := ParseConfig(raw)
	if err != nil {
		return nil, err
	}
	for k, v := range stored {
		merged[k] = v
	}
	for k, v := range overrides {
		if v == nil || v == "" {
			continue
		}
		merged[k] = v
	}

	out, err := encode(merged)
	if err != nil {
		return nil, err
	}
	return []byte(out), nil
}

func encode(cfg map[string]interface{}) (string, error) {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("encode training config: %w", err)
	}
	return string(raw), nil
}
