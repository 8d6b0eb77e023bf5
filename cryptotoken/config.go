package cryptotoken

import (
	"encoding/json"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/jinzhu/copier"
	"gopkg.in/yaml.v3"
)

// DefaultParallelism is the default number of native contexts per Identity
const DefaultParallelism = 8

// ModuleConfig provides configuration of the token module
type ModuleConfig struct {
	// Name of the module, must be unique in the Registry
	Name string `json:"name" yaml:"name"`
	// Type of the backend
	Type string `json:"type" yaml:"type"`
	// Path is the backend locator: PKCS#11 library, or the folder of software token
	Path string `json:"path,omitempty" yaml:"path,omitempty"`
	// Pin is a secret to access the token.
	// If it's prefixed with `file:`, then it will be loaded from the file,
	// if it's prefixed with `env:`, then it will be loaded from environment variable.
	Pin string `json:"pin,omitempty" yaml:"pin,omitempty"`
	// Slots specifies allowed slots
	Slots SlotFilter `json:"slots" yaml:"slots"`
	// Parallelism is the number of concurrent signing operations per key
	Parallelism int `json:"parallelism,omitempty" yaml:"parallelism,omitempty"`
	// Attributes is comma separated key=value pair of backend specific attributes
	// (e.g. "Region=us-west-2,Endpoint=http://localhost:4599")
	Attributes string `json:"attributes,omitempty" yaml:"attributes,omitempty"`
	// Mechanisms restricts allowed mechanisms, if empty all are allowed
	Mechanisms []string `json:"mechanisms,omitempty" yaml:"mechanisms,omitempty"`
}

// SlotFilter specifies include and exclude lists of slots.
// If include lists are empty, all slots are included.
type SlotFilter struct {
	IncludeIndexes []int  `json:"include_indexes,omitempty" yaml:"include_indexes,omitempty"`
	IncludeIDs     []uint `json:"include_ids,omitempty" yaml:"include_ids,omitempty"`
	ExcludeIndexes []int  `json:"exclude_indexes,omitempty" yaml:"exclude_indexes,omitempty"`
	ExcludeIDs     []uint `json:"exclude_ids,omitempty" yaml:"exclude_ids,omitempty"`
}

// Allowed returns true if the slot passes the filter
func (f *SlotFilter) Allowed(s SlotID) bool {
	if slices.Contains(f.ExcludeIndexes, s.Index) || slices.Contains(f.ExcludeIDs, s.ID) {
		return false
	}
	if len(f.IncludeIndexes) == 0 && len(f.IncludeIDs) == 0 {
		return true
	}
	return slices.Contains(f.IncludeIndexes, s.Index) || slices.Contains(f.IncludeIDs, s.ID)
}

// Validate returns error if the configuration is invalid,
// and sets default values.
func (c *ModuleConfig) Validate() error {
	if c.Name == "" {
		return errors.New("module name is required")
	}
	if c.Type == "" {
		return errors.Errorf("module type is required: %s", c.Name)
	}
	if c.Parallelism < 0 {
		return errors.Errorf("invalid parallelism: %d", c.Parallelism)
	}
	if c.Parallelism == 0 {
		c.Parallelism = DefaultParallelism
	}
	if _, err := c.AllowedMechanisms(); err != nil {
		return err
	}
	return nil
}

// AllowedMechanisms returns the list of allowed mechanisms
func (c *ModuleConfig) AllowedMechanisms() ([]Mechanism, error) {
	if len(c.Mechanisms) == 0 {
		return AllMechanisms(), nil
	}
	var list []Mechanism
	for _, s := range c.Mechanisms {
		m, err := ParseMechanism(s)
		if err != nil {
			return nil, errors.WithMessagef(err, "module %s", c.Name)
		}
		list = append(list, m)
	}
	return list, nil
}

// Copy returns a deep copy of the configuration
func (c *ModuleConfig) Copy() *ModuleConfig {
	cp := new(ModuleConfig)
	_ = copier.CopyWithOption(cp, c, copier.Option{DeepCopy: true})
	return cp
}

// LoadModuleConfig loads the module configuration from YAML or JSON file
func LoadModuleConfig(filename string) (*ModuleConfig, error) {
	b, err := os.ReadFile(filename)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	cfg := new(ModuleConfig)
	if strings.HasSuffix(filename, ".json") {
		err = json.Unmarshal(b, cfg)
	} else {
		err = yaml.Unmarshal(b, cfg)
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to decode file: %s", filename)
	}

	cfg.Pin, err = ResolvePin(cfg.Pin, filepath.Dir(filename))
	if err != nil {
		return nil, errors.WithMessagef(err, "unable to load PIN for configuration: %s", filename)
	}
	if cfg.Path != "" && !filepath.IsAbs(cfg.Path) {
		if resolved, err := resolve(cfg.Path, filepath.Dir(filename)); err == nil {
			cfg.Path = resolved
		}
	}

	if err = cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ResolvePin returns the PIN value.
// The `file:` prefix loads the PIN from a file, resolved relative to cwd or baseDir,
// and the `env:` prefix loads the PIN from environment variable.
func ResolvePin(pin, baseDir string) (string, error) {
	switch {
	case strings.HasPrefix(pin, "env:"):
		name := pin[4:]
		val, ok := os.LookupEnv(name)
		if !ok {
			return "", errors.Errorf("environment variable not set: %s", name)
		}
		return val, nil
	case strings.HasPrefix(pin, "file:"):
		pinfile := pin[5:]

		cwd, _ := os.Getwd()
		for _, folder := range []string{"", cwd, baseDir} {
			if resolved, err := resolve(pinfile, folder); err == nil {
				pinfile = resolved
				break
			}
			logger.Debugf("reason=resolve, pinfile=%q, basedir=%q", pinfile, folder)
		}

		pb, err := os.ReadFile(pinfile)
		if err != nil {
			return "", errors.WithStack(err)
		}
		return strings.TrimSpace(string(pb)), nil
	}
	return pin, nil
}

// resolve returns absolute file name relative to baseDir,
// or NewNotFound error.
func resolve(file string, baseDir string) (resolved string, err error) {
	if file == "" {
		return file, nil
	}
	resolved = file
	if !filepath.IsAbs(file) && baseDir != "" {
		resolved = filepath.Join(baseDir, file)
	}
	if _, err := os.Stat(resolved); os.IsNotExist(err) {
		return resolved, errors.WithMessagef(err, "not found: %v", resolved)
	}
	return resolved, nil
}

// ParseAttributes parses comma separated key=value pairs
func ParseAttributes(attributes string) map[string]string {
	attrs := make(map[string]string)
	for _, v := range strings.Split(attributes, ",") {
		k, val, _ := strings.Cut(v, "=")
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		attrs[k] = strings.TrimSpace(val)
	}
	return attrs
}
