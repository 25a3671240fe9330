package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

type instrumentsFile struct {
	Instruments []Instrument `yaml:"instruments"`
}

// LoadInstruments reads the instruments file with strict field checking.
func LoadInstruments(path string) (InstrumentSet, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return InstrumentSet{}, fmt.Errorf("read instruments file failed: %w", err)
	}
	return ParseInstruments(raw)
}

func ParseInstruments(raw []byte) (InstrumentSet, error) {
	var file instrumentsFile
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		return InstrumentSet{}, fmt.Errorf("parse instruments file failed: %w", err)
	}
	return NewInstrumentSet(file.Instruments...)
}

func NewInstrumentSet(items ...Instrument) (InstrumentSet, error) {
	set := InstrumentSet{
		byRoot:  make(map[string]Instrument, len(items)),
		byAlias: make(map[string]string),
	}
	for i, inst := range items {
		inst.Root = strings.ToUpper(strings.TrimSpace(inst.Root))
		if inst.Root == "" {
			return InstrumentSet{}, fmt.Errorf("instruments[%d].root cannot be empty", i)
		}
		if inst.TickSize <= 0 {
			return InstrumentSet{}, fmt.Errorf("instruments.%s.tick_size must be > 0", inst.Root)
		}
		if _, dup := set.byRoot[inst.Root]; dup {
			return InstrumentSet{}, fmt.Errorf("instruments.%s defined twice", inst.Root)
		}
		aliases := make([]string, 0, len(inst.Continuous))
		for _, alias := range inst.Continuous {
			alias = strings.ToUpper(strings.TrimSpace(alias))
			if alias == "" {
				continue
			}
			if owner, taken := set.byAlias[alias]; taken {
				return InstrumentSet{}, fmt.Errorf("instruments.%s alias %s already used by %s", inst.Root, alias, owner)
			}
			set.byAlias[alias] = inst.Root
			aliases = append(aliases, alias)
		}
		inst.Continuous = aliases
		set.byRoot[inst.Root] = inst
		set.order = append(set.order, inst.Root)
	}
	return set, nil
}

func loadInstrumentsOrDefault(cfg *Config, keys keySet) error {
	set, err := LoadInstruments(cfg.Trading.InstrumentsPath)
	if err == nil {
		cfg.Instruments = set
		return nil
	}
	if keys.isSet("trading.instruments_path") || !errors.Is(err, os.ErrNotExist) {
		return err
	}
	// no instruments file: fall back to the default contract with the NQ family tick
	sym := cfg.Trading.DefaultInstrument
	root := sym
	if len(sym) > 2 {
		root = sym[:len(sym)-2]
	}
	cfg.Instruments, err = NewInstrumentSet(Instrument{Root: root, TickSize: 0.25})
	return err
}
