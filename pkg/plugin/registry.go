package plugin

import (
	"fmt"
	"sort"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/pyneda/minion/db"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

const (
	WeightLight = "light"
	WeightHeavy = "heavy"
)

// Descriptor identifies an installed plugin: the class handed to the plugin
// host process, a short name used for correlation, a semver version and a
// scheduling weight.
type Descriptor struct {
	Class   string `json:"class" mapstructure:"class"`
	Name    string `json:"name" mapstructure:"name"`
	Version string `json:"version" mapstructure:"version"`
	Weight  string `json:"weight" mapstructure:"weight"`
}

func (d Descriptor) Validate() error {
	if d.Class == "" {
		return fmt.Errorf("plugin descriptor without class")
	}
	if d.Name == "" {
		return fmt.Errorf("plugin %s: descriptor without name", d.Class)
	}
	if d.Version != "" {
		if _, err := semver.NewVersion(d.Version); err != nil {
			return fmt.Errorf("plugin %s: invalid version %q: %w", d.Class, d.Version, err)
		}
	}
	switch d.Weight {
	case "", WeightLight, WeightHeavy:
	default:
		return fmt.Errorf("plugin %s: unknown weight %q", d.Class, d.Weight)
	}
	return nil
}

// Info converts the descriptor into the snapshot form stored on sessions.
func (d Descriptor) Info() db.PluginInfo {
	return db.PluginInfo{Class: d.Class, Name: d.Name, Version: d.Version, Weight: d.Weight}
}

// Registry holds the descriptors of the plugins installed alongside the
// workers.
type Registry struct {
	mu      sync.RWMutex
	plugins map[string]Descriptor
}

func NewRegistry() *Registry {
	return &Registry{plugins: make(map[string]Descriptor)}
}

// Register adds a descriptor, keeping the highest version when the same
// class is registered twice.
func (r *Registry) Register(d Descriptor) error {
	if err := d.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.plugins[d.Class]; ok && existing.Version != "" && d.Version != "" {
		currentVersion, err := semver.NewVersion(existing.Version)
		if err == nil {
			newVersion, err := semver.NewVersion(d.Version)
			if err == nil && newVersion.LessThan(currentVersion) {
				return nil
			}
		}
	}
	r.plugins[d.Class] = d
	return nil
}

// Get looks a plugin up by class or by short name.
func (r *Registry) Get(ref string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if d, ok := r.plugins[ref]; ok {
		return d, true
	}
	for _, d := range r.plugins {
		if d.Name == ref {
			return d, true
		}
	}
	return Descriptor{}, false
}

// List returns all descriptors ordered by class.
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	descriptors := make([]Descriptor, 0, len(r.plugins))
	for _, d := range r.plugins {
		descriptors = append(descriptors, d)
	}
	sort.Slice(descriptors, func(i, j int) bool {
		return descriptors[i].Class < descriptors[j].Class
	})
	return descriptors
}

// LoadFromConfig seeds a registry from the `plugins` configuration list.
func LoadFromConfig(r *Registry) error {
	var descriptors []Descriptor
	if err := viper.UnmarshalKey("plugins", &descriptors); err != nil {
		return fmt.Errorf("reading plugins config: %w", err)
	}
	for _, d := range descriptors {
		if err := r.Register(d); err != nil {
			return err
		}
	}
	return nil
}

var (
	defaultRegistry *Registry
	registryOnce    sync.Once
)

// Default returns the process-wide registry seeded from configuration.
func Default() *Registry {
	registryOnce.Do(func() {
		defaultRegistry = NewRegistry()
		if err := LoadFromConfig(defaultRegistry); err != nil {
			log.Error().Err(err).Msg("Failed to load plugin registry from config")
		}
	})
	return defaultRegistry
}
