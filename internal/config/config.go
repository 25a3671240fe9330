package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Load reads the config file (plus includes), overlays credentials from the
// environment and loads the instruments file.
func Load(path string) (*Config, error) {
	files, err := resolveConfigIncludes(path)
	if err != nil {
		return nil, err
	}
	v := viper.New()
	v.SetConfigType("yaml")
	for _, file := range files {
		if err := mergeConfigFile(v, file); err != nil {
			return nil, fmt.Errorf("reading config file failed (%s): %w", file, err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "toml"
		dc.WeaklyTypedInput = true
	}); err != nil {
		return nil, fmt.Errorf("parsing config failed: %w", err)
	}
	setKeys := make(keySet)
	for _, key := range v.AllKeys() {
		setKeys.mark(key)
	}
	cfg.applyDefaults(setKeys)
	if err := cfg.applyEnv(filepath.Dir(files[len(files)-1])); err != nil {
		return nil, err
	}
	if !filepath.IsAbs(cfg.Trading.InstrumentsPath) && setKeys.isSet("trading.instruments_path") {
		cfg.Trading.InstrumentsPath = filepath.Join(filepath.Dir(files[len(files)-1]), cfg.Trading.InstrumentsPath)
	}
	if err := loadInstrumentsOrDefault(&cfg, setKeys); err != nil {
		return nil, err
	}
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func mergeConfigFile(v *viper.Viper, path string) error {
	file := viper.New()
	file.SetConfigFile(path)
	if err := file.ReadInConfig(); err != nil {
		return err
	}
	return v.MergeConfigMap(file.AllSettings())
}

// resolveConfigIncludes returns path and its includes, depth first, so that
// later files override earlier ones and the entry file is merged last.
func resolveConfigIncludes(path string) ([]string, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("config path cannot be empty")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	r := includeResolver{done: make(map[string]bool), active: make(map[string]bool)}
	if err := r.visit(abs); err != nil {
		return nil, err
	}
	return r.order, nil
}

type includeResolver struct {
	done   map[string]bool
	active map[string]bool
	order  []string
}

func (r *includeResolver) visit(path string) error {
	path = filepath.Clean(path)
	switch {
	case r.active[path]:
		return fmt.Errorf("include cycle detected: %s", path)
	case r.done[path]:
		return nil
	}
	r.active[path] = true
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("parsing include failed (%s): %w", path, err)
	}
	if raw := v.Get("include"); raw != nil {
		if _, ok := raw.([]any); !ok {
			return fmt.Errorf("include must be a string array (%s)", path)
		}
	}
	for _, inc := range v.GetStringSlice("include") {
		inc = strings.TrimSpace(inc)
		if inc == "" {
			continue
		}
		if !filepath.IsAbs(inc) {
			inc = filepath.Join(filepath.Dir(path), inc)
		}
		if err := r.visit(inc); err != nil {
			return err
		}
	}
	delete(r.active, path)
	r.done[path] = true
	r.order = append(r.order, path)
	return nil
}
