package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes environment overrides, e.g. DBPOOL_POOL_MAX_ACTIVE.
const EnvPrefix = "DBPOOL"

// NewViper returns a viper instance that reads DBPOOL_* environment
// variables and knows every PoolConfig key, so environment overrides apply
// even to keys absent from the config file.
func NewViper() (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := BindDefaults(v, NewPoolConfig("")); err != nil {
		return nil, err
	}
	return v, nil
}

// BindDefaults registers every field of defaults as a viper default.
func BindDefaults(v *viper.Viper, defaults *PoolConfig) error {
	data, err := yaml.Marshal(defaults)
	if err != nil {
		return fmt.Errorf("failed to marshal defaults: %w", err)
	}
	var tree map[string]any
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return fmt.Errorf("failed to flatten defaults: %w", err)
	}
	setDefaults(v, "", tree)
	return nil
}

func setDefaults(v *viper.Viper, prefix string, tree map[string]any) {
	for k, val := range tree {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if sub, ok := val.(map[string]any); ok {
			setDefaults(v, key, sub)
			continue
		}
		v.SetDefault(key, val)
	}
}

// FromViper decodes and validates a PoolConfig from v. A nil v behaves like
// NewViper.
func FromViper(v *viper.Viper) (*PoolConfig, error) {
	if v == nil {
		var err error
		if v, err = NewViper(); err != nil {
			return nil, err
		}
	}
	cfg := NewPoolConfig("")
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
