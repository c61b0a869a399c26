package statekv

import (
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-yaml"
)

// FileConfig is the YAML form of the vocabulary, eviction and timing parts
// of Options. Durations use time.ParseDuration syntax.
//
//	collectionKeys: [report_, session_]
//	evictableKeys: [report_]
//	initialKeyStates:
//	  session: {loggedIn: false}
//	maxCachedKeys: 500
//	flushDelay: 100ms
type FileConfig struct {
	CollectionKeys   []string       `yaml:"collectionKeys"`
	EvictableKeys    []string       `yaml:"evictableKeys"`
	InitialKeyStates map[string]any `yaml:"initialKeyStates"`
	KeySeparator     string         `yaml:"keySeparator"`
	MaxCachedKeys    int            `yaml:"maxCachedKeys"`
	MaxRetries       int            `yaml:"maxRetries"`
	SyncInstances    bool           `yaml:"syncInstances"`

	FlushDelay    string `yaml:"flushDelay"`
	BatchDelay    string `yaml:"batchDelay"`
	MaxIdle       string `yaml:"maxIdle"`
	MaxAge        string `yaml:"maxAge"`
	SweepInterval string `yaml:"sweepInterval"`

	durations map[string]time.Duration
}

// ParseConfig decodes and validates a YAML document. Unknown fields are
// rejected.
func ParseConfig(data []byte) (*FileConfig, error) {
	var fc FileConfig
	if err := yaml.UnmarshalWithOptions(data, &fc, yaml.DisallowUnknownField()); err != nil {
		return nil, fmt.Errorf("statekv: config: %w", err)
	}
	if fc.MaxCachedKeys < 0 || fc.MaxRetries < 0 {
		return nil, errors.New("statekv: config: maxCachedKeys and maxRetries must not be negative")
	}
	fc.durations = make(map[string]time.Duration)
	for name, raw := range map[string]string{
		"flushDelay":    fc.FlushDelay,
		"batchDelay":    fc.BatchDelay,
		"maxIdle":       fc.MaxIdle,
		"maxAge":        fc.MaxAge,
		"sweepInterval": fc.SweepInterval,
	} {
		if raw == "" {
			continue
		}
		d, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("statekv: config: %s: %w", name, err)
		}
		if d < 0 {
			return nil, fmt.Errorf("statekv: config: %s must not be negative", name)
		}
		fc.durations[name] = d
	}
	return &fc, nil
}

// Apply copies every field set in the file into opts. Fields left empty in
// the file keep their value in opts.
func (fc *FileConfig) Apply(opts *Options) {
	if len(fc.CollectionKeys) > 0 {
		opts.CollectionKeys = append([]string(nil), fc.CollectionKeys...)
	}
	if len(fc.EvictableKeys) > 0 {
		opts.EvictableKeys = append([]string(nil), fc.EvictableKeys...)
	}
	if len(fc.InitialKeyStates) > 0 {
		if opts.InitialKeyStates == nil {
			opts.InitialKeyStates = make(map[string]any, len(fc.InitialKeyStates))
		}
		for k, v := range fc.InitialKeyStates {
			opts.InitialKeyStates[k] = v
		}
	}
	opts.KeySeparator = coalesce(fc.KeySeparator, opts.KeySeparator)
	opts.MaxCachedKeys = coalesce(fc.MaxCachedKeys, opts.MaxCachedKeys)
	opts.MaxRetries = coalesce(fc.MaxRetries, opts.MaxRetries)
	opts.SyncInstances = opts.SyncInstances || fc.SyncInstances

	set := func(name string, dst *time.Duration) {
		if d, ok := fc.durations[name]; ok {
			*dst = d
		}
	}
	set("flushDelay", &opts.FlushDelay)
	set("batchDelay", &opts.BatchDelay)
	set("maxIdle", &opts.MaxIdle)
	set("maxAge", &opts.MaxAge)
	set("sweepInterval", &opts.SweepInterval)
}
