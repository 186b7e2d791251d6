package thread

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Config is the thread messaging mod configuration, decoded from the mod's
// free-form config block.
type Config struct {
	DefaultChannels    []ChannelSpec `yaml:"default_channels,omitempty"`
	AutoCreateChannels *bool         `yaml:"auto_create_channels,omitempty"` // default true
	MaxFileSize        int64         `yaml:"max_file_size,omitempty"`        // bytes, default 10 MiB
	MaxFileStoreBytes  int64         `yaml:"max_file_store_bytes,omitempty"` // 0 = unbounded
	MaxThreadDepth     int           `yaml:"max_thread_depth,omitempty"`     // default 5
	MaxMessageHistory  int           `yaml:"max_message_history,omitempty"`  // roots per channel, default 5000
	SupportedReactions []string      `yaml:"supported_reactions,omitempty"`
}

// ChannelSpec declares a channel created at startup.
type ChannelSpec struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description,omitempty"`
}

// DefaultReactions is the predefined reaction set used when the config does
// not override it.
var DefaultReactions = []string{"like", "thumbs_up", "thumbs_down", "heart", "laugh", "confused", "celebrate"}

// ParseConfig decodes the mod's raw config map into a Config with defaults
// applied.
func ParseConfig(raw map[string]any) (Config, error) {
	var cfg Config
	if raw != nil {
		data, err := yaml.Marshal(raw)
		if err != nil {
			return cfg, fmt.Errorf("encode thread config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse thread config: %w", err)
		}
	}
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = 10 << 20
	}
	if cfg.MaxThreadDepth <= 0 {
		cfg.MaxThreadDepth = 5
	}
	if cfg.MaxMessageHistory <= 0 {
		cfg.MaxMessageHistory = 5000
	}
	if len(cfg.SupportedReactions) == 0 {
		cfg.SupportedReactions = append([]string(nil), DefaultReactions...)
	}
	return cfg, nil
}

// AutoCreate reports whether unknown channels are created on first message.
func (c Config) AutoCreate() bool {
	return c.AutoCreateChannels == nil || *c.AutoCreateChannels
}

// ReactionSupported checks a reaction type against the configured set.
func (c Config) ReactionSupported(reaction string) bool {
	for _, r := range c.SupportedReactions {
		if r == reaction {
			return true
		}
	}
	return false
}
