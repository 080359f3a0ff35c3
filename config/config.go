// Package config loads the bridge settings from flags, FEEDBACK_* environment variables
// and an optional config file, in that order of precedence.
package config

import (
	"strings"
	"time"

	"github.com/agentuity/feedback-bridge/sys"
	"github.com/cockroachdb/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/xhit/go-str2duration/v2"
	"gopkg.in/yaml.v3"
)

const (
	EnvPrefix = "FEEDBACK"
	// FileName is looked up in the working directory when no --config is given
	FileName = "feedback-bridge"
)

const (
	CollaboratorPanel    = "panel"
	CollaboratorTerminal = "terminal"
	CollaboratorRedis    = "redis"
)

// ErrInvalid is returned for configurations that fail validation
var ErrInvalid = errors.New("invalid configuration")

const (
	keyHost                = "host"
	keyPort                = "port"
	keyMaxPortAttempts     = "max_port_attempts"
	keyCollaborator        = "collaborator"
	keyRedisURL            = "redis_url"
	keyRedisChannelPrefix  = "redis_channel_prefix"
	keyPanelOrigins        = "panel_origins"
	keyKeepAlive           = "keepalive"
	keyShutdownTimeout     = "shutdown_timeout"
	keyWorkspace           = "workspace"
	keyWriteEndpointConfig = "write_endpoint_config"
	keyOTLPEndpoint        = "otlp_endpoint"
	keyOTLPToken           = "otlp_token"
	keyServiceName         = "service_name"
	keyLogLevel            = "log_level"
)

type Config struct {
	Host                string        `yaml:"host"`
	Port                int           `yaml:"port"`
	MaxPortAttempts     int           `yaml:"max_port_attempts"`
	Collaborator        string        `yaml:"collaborator"`
	RedisURL            string        `yaml:"redis_url,omitempty"`
	RedisChannelPrefix  string        `yaml:"redis_channel_prefix"`
	PanelOrigins        []string      `yaml:"panel_origins"`
	KeepAlive           time.Duration `yaml:"-"`
	ShutdownTimeout     time.Duration `yaml:"-"`
	Workspace           string        `yaml:"workspace,omitempty"`
	WriteEndpointConfig bool          `yaml:"write_endpoint_config"`
	OTLPEndpoint        string        `yaml:"otlp_endpoint,omitempty"`
	OTLPToken           string        `yaml:"otlp_token,omitempty"`
	ServiceName         string        `yaml:"service_name"`
	LogLevel            string        `yaml:"log_level,omitempty"`
}

// New returns a viper instance with defaults and environment lookup configured
func New() *viper.Viper {
	v := viper.New()
	v.SetDefault(keyHost, "localhost")
	v.SetDefault(keyPort, 3100)
	v.SetDefault(keyMaxPortAttempts, 0)
	v.SetDefault(keyCollaborator, CollaboratorPanel)
	v.SetDefault(keyRedisChannelPrefix, "feedback")
	v.SetDefault(keyPanelOrigins, []string{"*"})
	v.SetDefault(keyKeepAlive, "25s")
	v.SetDefault(keyShutdownTimeout, "10s")
	v.SetDefault(keyWriteEndpointConfig, false)
	v.SetDefault(keyServiceName, "feedback-bridge")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return v
}

func flagName(key string) string {
	return strings.ReplaceAll(key, "_", "-")
}

// RegisterFlags adds a flag for every setting. Flag defaults are not used, unset
// flags fall through to the environment, the config file and the defaults.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String(flagName(keyHost), "localhost", "interface to listen on")
	fs.Int(flagName(keyPort), 3100, "first port to try")
	fs.Int(flagName(keyMaxPortAttempts), 0, "how many consecutive ports to try, 0 tries up to the last port")
	fs.String(flagName(keyCollaborator), CollaboratorPanel, "where feedback requests are shown: panel, terminal or redis")
	fs.String(flagName(keyRedisURL), "", "redis url for the redis collaborator")
	fs.String(flagName(keyRedisChannelPrefix), "feedback", "prefix of the redis pub/sub channels")
	fs.StringSlice(flagName(keyPanelOrigins), []string{"*"}, "origins allowed to call the panel routes")
	fs.String(flagName(keyKeepAlive), "25s", "interval between stream keepalive comments")
	fs.String(flagName(keyShutdownTimeout), "10s", "how long to wait for a graceful stop")
	fs.String(flagName(keyWorkspace), "", "workspace directory for the editor endpoint config")
	fs.Bool(flagName(keyWriteEndpointConfig), false, "write .cursor/mcp.json with the bound port")
	fs.String(flagName(keyOTLPEndpoint), "", "OTLP/HTTP endpoint for traces and logs")
	fs.String(flagName(keyOTLPToken), "", "bearer token for the OTLP endpoint")
	fs.String(flagName(keyServiceName), "feedback-bridge", "service name reported to OTLP")
	fs.String(flagName(keyLogLevel), "", "log level: trace, debug, info, warn, error")
}

// BindFlags makes every flag registered by RegisterFlags override its key when set
func BindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	for _, key := range []string{
		keyHost, keyPort, keyMaxPortAttempts, keyCollaborator, keyRedisURL, keyRedisChannelPrefix,
		keyPanelOrigins, keyKeepAlive, keyShutdownTimeout, keyWorkspace, keyWriteEndpointConfig,
		keyOTLPEndpoint, keyOTLPToken, keyServiceName, keyLogLevel,
	} {
		flag := fs.Lookup(flagName(key))
		if flag == nil {
			continue
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return errors.Wrapf(err, "failed to bind flag %s", flag.Name)
		}
	}
	return nil
}

// ReadFile loads path, or ./feedback-bridge.{yaml,json,toml} when path is empty. A
// missing default file is not an error.
func ReadFile(v *viper.Viper, path string) error {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return errors.Wrapf(err, "failed to read config file %s", path)
		}
		return nil
	}
	v.SetConfigName(FileName)
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return errors.Wrap(err, "failed to read config file")
	}
	return nil
}

func parseDuration(v *viper.Viper, key string) (time.Duration, error) {
	raw := strings.TrimSpace(v.GetString(key))
	if raw == "" || raw == "0" {
		return 0, nil
	}
	d, err := str2duration.ParseDuration(raw)
	if err != nil {
		return 0, errors.Mark(errors.Wrapf(err, "%s", key), ErrInvalid)
	}
	return d, nil
}

func stringList(v *viper.Viper, key string) []string {
	var out []string
	for _, item := range v.GetStringSlice(key) {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// Load reads the effective configuration and validates it
func Load(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		Host:                v.GetString(keyHost),
		Port:                v.GetInt(keyPort),
		MaxPortAttempts:     v.GetInt(keyMaxPortAttempts),
		Collaborator:        strings.ToLower(v.GetString(keyCollaborator)),
		RedisURL:            v.GetString(keyRedisURL),
		RedisChannelPrefix:  v.GetString(keyRedisChannelPrefix),
		PanelOrigins:        stringList(v, keyPanelOrigins),
		Workspace:           v.GetString(keyWorkspace),
		WriteEndpointConfig: v.GetBool(keyWriteEndpointConfig),
		OTLPEndpoint:        v.GetString(keyOTLPEndpoint),
		OTLPToken:           v.GetString(keyOTLPToken),
		ServiceName:         v.GetString(keyServiceName),
		LogLevel:            v.GetString(keyLogLevel),
	}
	var err error
	if cfg.KeepAlive, err = parseDuration(v, keyKeepAlive); err != nil {
		return nil, err
	}
	if cfg.ShutdownTimeout, err = parseDuration(v, keyShutdownTimeout); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func invalid(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrInvalid)
}

func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return invalid("port must be between 1 and 65535, got %d", c.Port)
	}
	if c.MaxPortAttempts < 0 {
		return invalid("max_port_attempts must not be negative, got %d", c.MaxPortAttempts)
	}
	switch c.Collaborator {
	case CollaboratorPanel, CollaboratorTerminal:
	case CollaboratorRedis:
		if c.RedisURL == "" {
			return invalid("redis_url is required for the redis collaborator")
		}
	default:
		return invalid("unknown collaborator %q", c.Collaborator)
	}
	if len(c.PanelOrigins) == 0 {
		return invalid("panel_origins must not be empty")
	}
	if c.ShutdownTimeout < 0 || c.KeepAlive < 0 {
		return invalid("durations must not be negative")
	}
	return nil
}

// LoopbackOnly reports whether the listen host is reachable from this machine only
func (c *Config) LoopbackOnly() bool {
	return sys.IsLoopbackHost(c.Host)
}

// YAML renders the configuration as it would appear in a config file
func (c *Config) YAML() ([]byte, error) {
	type document struct {
		Config          `yaml:",inline"`
		KeepAlive       string `yaml:"keepalive"`
		ShutdownTimeout string `yaml:"shutdown_timeout"`
	}
	return yaml.Marshal(document{
		Config:          *c,
		KeepAlive:       str2duration.String(c.KeepAlive),
		ShutdownTimeout: str2duration.String(c.ShutdownTimeout),
	})
}
