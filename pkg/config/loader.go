package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	hubErrors "github.com/instancehub/instancehub/internal/errors"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	// EnvPrefix prefixes every environment override
	EnvPrefix = "INSTANCEHUB"
	// ConfigFileName is looked up in the current directory
	ConfigFileName = "instancehub.yaml"
	// GlobalConfigDir is the per-user config directory under $HOME
	GlobalConfigDir = ".instancehub"
	// GlobalConfigFile is the per-user config file name
	GlobalConfigFile = "config.yaml"
)

// scalarKeys can be overridden through INSTANCEHUB_<KEY> with dots as
// underscores, e.g. INSTANCEHUB_EXPORT_REDIS_URL.
var scalarKeys = []string{
	"refresh",
	"grace_period",
	"health_interval",
	"export.redis_url",
	"export.redis_key",
	"export.ttl",
	"export.metrics_addr",
	"log.level",
	"log.format",
}

// Load reads config from path. An empty path loads the defaults. Environment
// overrides apply in both cases.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if os.IsNotExist(err) {
				return nil, hubErrors.WrapWithCode(err, hubErrors.ErrConfig,
					"Config file not found",
					"Run 'instancehub config init' to create one, or specify one with --config")
			}
			return nil, hubErrors.WrapWithCode(err, hubErrors.ErrConfig,
				"Failed to read config file",
				"Check the file exists and is valid YAML")
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for _, key := range scalarKeys {
		_ = v.BindEnv(key)
	}

	return parseConfig(v, path)
}

// LoadOrDefault loads the config Find locates, or the defaults when there is
// none.
func LoadOrDefault(explicit string) (*Config, string, error) {
	path, err := Find(explicit)
	if err != nil {
		return nil, "", err
	}
	cfg, err := Load(path)
	return cfg, path, err
}

// Find locates the config file using the search order:
// 1. Explicit path (from --config flag)
// 2. instancehub.yaml in current directory
// 3. ~/.instancehub/config.yaml
//
// Returns the path to the config file, or empty string if not found.
func Find(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			if os.IsNotExist(err) {
				return "", hubErrors.WrapWithCode(err, hubErrors.ErrConfig,
					"Specified config file not found: "+explicit,
					"Check the path is correct")
			}
			return "", hubErrors.WrapWithCode(err, hubErrors.ErrConfig,
				"Cannot access config file: "+explicit,
				"Check file permissions")
		}
		return explicit, nil
	}

	if cwd, err := os.Getwd(); err == nil {
		local := filepath.Join(cwd, ConfigFileName)
		if _, err := os.Stat(local); err == nil {
			return local, nil
		}
	}

	if global := GlobalPath(); global != "" {
		if _, err := os.Stat(global); err == nil {
			return global, nil
		}
	}

	return "", nil
}

// GlobalPath returns ~/.instancehub/config.yaml, or "" without a home dir.
func GlobalPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ""
	}
	return filepath.Join(home, GlobalConfigDir, GlobalConfigFile)
}

// WriteDefault writes DefaultConfig as YAML. It refuses to overwrite an
// existing file unless force is set.
func WriteDefault(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return hubErrors.New(hubErrors.ErrConfig,
				"Config file already exists: "+path,
				"Use --force to overwrite it")
		}
	}
	return Write(path, DefaultConfig())
}

// Write encodes cfg as YAML at path, creating parent directories.
func Write(path string, cfg *Config) error {
	data, err := Marshal(cfg)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return hubErrors.WrapWithCode(err, hubErrors.ErrConfig, "Cannot create config directory", "Check directory permissions")
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return hubErrors.WrapWithCode(err, hubErrors.ErrConfig, "Cannot write config file: "+path, "Check file permissions")
	}
	return nil
}

// Marshal renders cfg as YAML.
func Marshal(cfg *Config) ([]byte, error) {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, hubErrors.WrapWithCode(err, hubErrors.ErrConfig, "Cannot encode config", "")
	}
	return data, nil
}

func setDefaults(v *viper.Viper) {
	d := DefaultConfig()
	v.SetDefault("refresh", d.Refresh)
	v.SetDefault("grace_period", d.GracePeriod)
	v.SetDefault("health_interval", d.HealthInterval)
	v.SetDefault("export.redis_url", d.Export.RedisURL)
	v.SetDefault("export.redis_key", d.Export.RedisKey)
	v.SetDefault("export.ttl", d.Export.TTL)
	v.SetDefault("export.metrics_addr", d.Export.MetricsAddr)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
}

// parseConfig converts viper config to our Config struct. A file without a
// metrics list gets the default metrics.
func parseConfig(v *viper.Viper, path string) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, hubErrors.WrapWithCode(err, hubErrors.ErrConfig,
			"Invalid config format",
			"Check the YAML syntax in "+displayPath(path))
	}

	if !v.IsSet("metrics") {
		cfg.Metrics = DefaultConfig().Metrics
	}
	for i := range cfg.Metrics {
		if cfg.Metrics[i].Interval <= 0 {
			cfg.Metrics[i].Interval = DefaultMetricInterval
		}
	}
	if cfg.Services == nil {
		cfg.Services = []ServiceConfig{}
	}

	// Service list (comma-separated: id:kind[:host[:port]])
	// Example: INSTANCEHUB_SERVICES=cache:redis:localhost:6379,db:postgres
	if s := os.Getenv(EnvPrefix + "_SERVICES"); s != "" {
		services, err := parseServices(s)
		if err != nil {
			return nil, err
		}
		cfg.Services = append(cfg.Services, services...)
	}

	return cfg, nil
}

// parseServices parses the INSTANCEHUB_SERVICES shorthand. The kind
// defaults to tcp.
func parseServices(s string) ([]ServiceConfig, error) {
	var services []ServiceConfig

	for _, part := range splitAndTrim(s, ",") {
		segments := splitAndTrim(part, ":")
		if len(segments) == 0 {
			continue
		}

		sc := ServiceConfig{
			ID:   segments[0],
			Kind: "tcp",
		}
		if len(segments) >= 2 {
			sc.Kind = segments[1]
		}
		if len(segments) >= 3 {
			sc.Host = segments[2]
		}
		if len(segments) >= 4 {
			port, err := strconv.Atoi(segments[3])
			if err != nil {
				return nil, configError(EnvPrefix+"_SERVICES", "invalid port "+strconv.Quote(segments[3])+" for "+sc.ID)
			}
			sc.Port = port
		}

		services = append(services, sc)
	}

	return services, nil
}

func splitAndTrim(s, sep string) []string {
	var result []string
	for _, part := range strings.Split(s, sep) {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func displayPath(path string) string {
	if path == "" {
		return "the environment"
	}
	return path
}
