package storedmap

import (
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/vsetec/storedmap/driver"
)

// DefaultApplicationCode is used when Config.ApplicationCode is empty,
// matching the original library's "storedmap" default prefix.
const DefaultApplicationCode = "storedmap"

// Config describes one Store: which driver backs it, the application code
// prefixed onto every index name, and any driver-specific passthrough
// properties (spec §6, "Configuration surface").
type Config struct {
	Driver          driver.Driver
	ApplicationCode string
	Extra           map[string]string

	// Logger receives the store's structured log output. A nil Logger gets
	// a default logrus.Logger at Info level.
	Logger *logrus.Logger

	// ScheduleDelay/RescheduleDelay tune the persister's coalescing windows
	// (spec §4.5.1/§4.5.2's nominal 3s/2s; spec §9 notes they are "tunable"
	// and "must be strictly positive"). Zero uses the spec's nominal values.
	ScheduleDelay   time.Duration
	RescheduleDelay time.Duration

	// LeaseTTL tunes the cross-process lease duration (spec §5's nominal
	// 100s). Zero uses the spec's nominal value.
	LeaseTTL time.Duration
}

// NewConfig builds a Config from a flat property map, the Go analogue of the
// original library's java.util.Properties constructor argument. Recognised
// keys are pulled out; everything else passes through as Extra.
func NewConfig(drv driver.Driver, properties map[string]string) Config {
	cfg := Config{Driver: drv, ApplicationCode: DefaultApplicationCode, Extra: map[string]string{}}
	for k, v := range properties {
		if k == "applicationCode" {
			cfg.ApplicationCode = v
			continue
		}
		cfg.Extra[k] = v
	}
	return cfg
}

// fileConfig is the mapstructure-tagged shape Config's file-based loader
// unmarshals into, matching internal/config.Config's tagging convention.
type fileConfig struct {
	ApplicationCode string            `mapstructure:"application_code"`
	Extra           map[string]string `mapstructure:"extra"`
}

// LoadConfigFromFile reads application_code/extra keys from a config file
// (any format viper supports: YAML, TOML, JSON, …) for applications that
// keep their storedmap settings alongside their own configuration.
func LoadConfigFromFile(path string, drv driver.Driver) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return Config{}, wrapErr("config", err)
	}

	var fc fileConfig
	if err := v.Unmarshal(&fc); err != nil {
		return Config{}, wrapErr("config", err)
	}
	if fc.ApplicationCode == "" {
		fc.ApplicationCode = DefaultApplicationCode
	}
	if fc.Extra == nil {
		fc.Extra = map[string]string{}
	}
	return Config{Driver: drv, ApplicationCode: fc.ApplicationCode, Extra: fc.Extra}, nil
}

// registryKey derives the string Store's process-wide registry is keyed by.
// Identical ApplicationCode + Extra (the configuration properties, per spec
// §3) yield the same key and therefore the same Store instance.
func (c Config) registryKey() string {
	keys := make([]string, 0, len(c.Extra))
	for k := range c.Extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(c.ApplicationCode)
	for _, k := range keys {
		b.WriteByte('\x00')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(c.Extra[k])
	}
	return b.String()
}
