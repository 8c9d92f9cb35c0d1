// Package analysis classifies completed conversations against
// user-defined category sets, caching results by a content-stable hash
// of the effective configuration.
package analysis

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"llm_proxy/internal/models"
)

// ErrInvalidConfig is returned when the merged configuration declares
// neither categories nor an analysis type.
var ErrInvalidConfig = errors.New("configuration must include categories or analysis_type")

const (
	defaultModel        = "gpt-4o-mini"
	defaultTemperature  = 0.3
	defaultAnalysisType = "classification"
)

// Category defines one classification target. The JSON form accepts
// either a full object or a bare string naming the category.
type Category struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Examples    []string `json:"examples,omitempty"`
}

func (c *Category) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		return json.Unmarshal(data, &c.Name)
	}

	type category Category
	var full category
	if err := json.Unmarshal(data, &full); err != nil {
		return err
	}
	*c = Category(full)
	return nil
}

// Config is a typed classification configuration. Pointer fields
// distinguish "not set" from zero values so merges can tell which
// layer actually supplied a value.
type Config struct {
	AnalysisType      *string    `json:"analysis_type,omitempty"`
	Categories        []Category `json:"categories,omitempty"`
	Model             *string    `json:"model,omitempty"`
	Temperature       *float64   `json:"temperature,omitempty"`
	IncludeReasoning  *bool      `json:"include_reasoning,omitempty"`
	IncludeConfidence *bool      `json:"include_confidence,omitempty"`
	CustomPrompt      *string    `json:"custom_prompt,omitempty"`
}

// ParseConfig converts a stored or inbound JSON document to a typed
// config. A nil document parses to the empty config.
func ParseConfig(doc models.JSONB) (*Config, error) {
	cfg := &Config{}
	if doc == nil {
		return cfg, nil
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encoding config document: %w", err)
	}
	if err := json.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parsing config document: %w", err)
	}
	return cfg, nil
}

// Merge overlays another config onto this one, field by field. A field
// set in the overlay wins; unset overlay fields keep the base value.
// Precedence across layers is saved config, then inline config, then
// explicit overrides.
func (c *Config) Merge(overlay *Config) {
	if overlay == nil {
		return
	}
	if overlay.AnalysisType != nil {
		c.AnalysisType = overlay.AnalysisType
	}
	if overlay.Categories != nil {
		c.Categories = overlay.Categories
	}
	if overlay.Model != nil {
		c.Model = overlay.Model
	}
	if overlay.Temperature != nil {
		c.Temperature = overlay.Temperature
	}
	if overlay.IncludeReasoning != nil {
		c.IncludeReasoning = overlay.IncludeReasoning
	}
	if overlay.IncludeConfidence != nil {
		c.IncludeConfidence = overlay.IncludeConfidence
	}
	if overlay.CustomPrompt != nil {
		c.CustomPrompt = overlay.CustomPrompt
	}
}

// Validate checks the merged configuration before defaults are filled.
func (c *Config) Validate() error {
	if len(c.Categories) == 0 && c.AnalysisType == nil {
		return ErrInvalidConfig
	}
	return nil
}

// ApplyDefaults fills unset fields with the documented defaults.
func (c *Config) ApplyDefaults() {
	if c.Model == nil {
		model := defaultModel
		c.Model = &model
	}
	if c.Temperature == nil {
		temp := defaultTemperature
		c.Temperature = &temp
	}
	if c.IncludeReasoning == nil {
		t := true
		c.IncludeReasoning = &t
	}
	if c.IncludeConfidence == nil {
		t := true
		c.IncludeConfidence = &t
	}
}

// EffectiveAnalysisType returns the declared type or the default.
func (c *Config) EffectiveAnalysisType() string {
	if c.AnalysisType != nil {
		return *c.AnalysisType
	}
	return defaultAnalysisType
}

// ToJSONB renders the config as a storable snapshot document.
func (c *Config) ToJSONB() (models.JSONB, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encoding config snapshot: %w", err)
	}
	var doc models.JSONB
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decoding config snapshot: %w", err)
	}
	return doc, nil
}

// Hash returns a hex digest of the config that is stable across field
// ordering. The config is round-tripped through a generic map so the
// final marshal emits keys in sorted order.
func (c *Config) Hash() (string, error) {
	doc, err := c.ToJSONB()
	if err != nil {
		return "", err
	}

	canonical, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("canonicalizing config: %w", err)
	}

	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
