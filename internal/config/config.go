package config

import (
	"bytes"
	"encoding/json"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelusa-v/toto-hub/internal/store"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const envPrefix = "TOTO"

// New loads the configuration from os.Args and installs the global logger.
func New() *Config {
	initLogging("info")

	c, err := Load(os.Args[1:])
	if err != nil {
		zap.S().Fatalw("config",
			"error", err,
		)
	}

	initLogging(c.Level)

	return c
}

// Load layers defaults, the config file named by --config, a .env file and
// the environment, in that order of precedence (last wins).
func Load(args []string) (*Config, error) {
	config := viper.New()

	// Default config
	b, _ := json.Marshal(Default())
	tmp := viper.New()
	tmp.SetConfigType("json")
	if err := tmp.ReadConfig(bytes.NewReader(b)); err != nil {
		return nil, err
	}
	if err := config.MergeConfigMap(tmp.AllSettings()); err != nil {
		return nil, err
	}

	flags := pflag.NewFlagSet("toto-hub", pflag.ContinueOnError)
	flags.String("config", "config.yaml", "Config file location")
	flags.Bool("noheader", false, "Disable the startup header")
	flags.String("env-file", ".env", "Optional dotenv file")
	if err := flags.Parse(args); err != nil {
		return nil, err
	}
	if err := config.BindPFlags(flags); err != nil {
		return nil, err
	}

	// File
	config.SetConfigFile(config.GetString("config"))
	if err := config.MergeInConfig(); err != nil {
		zap.S().Debugw("using default config",
			"file", config.GetString("config"),
			"error", err,
		)
	}

	if envFile, _ := flags.GetString("env-file"); envFile != "" {
		if _, err := os.Stat(envFile); err == nil {
			if err := godotenv.Load(envFile); err != nil {
				return nil, err
			}
		}
	}

	// Environment; the prefix must be set before keys are bound.
	config.SetEnvPrefix(envPrefix)
	config.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	config.AllowEmptyEnv(true)
	bindEnvs(config, Config{})
	config.AutomaticEnv()

	c := &Config{}
	if err := config.Unmarshal(c); err != nil {
		return nil, err
	}

	return c, nil
}

func bindEnvs(config *viper.Viper, iface interface{}, parts ...string) {
	ifv := reflect.ValueOf(iface)
	ift := reflect.TypeOf(iface)

	for i := 0; i < ift.NumField(); i++ {
		v := ifv.Field(i)
		t := ift.Field(i)

		tv, ok := t.Tag.Lookup("mapstructure")
		if !ok {
			continue
		}

		switch v.Kind() {
		case reflect.Struct:
			bindEnvs(config, v.Interface(), append(parts, tv)...)
		default:
			_ = config.BindEnv(strings.Join(append(parts, tv), "."))
		}
	}
}

// Default returns the built-in settings.
func Default() Config {
	c := Config{
		Level:      "info",
		ConfigFile: "config.yaml",
	}

	c.Http.Addr = "0.0.0.0:3000"

	c.Hub.SendBuffer = 64
	c.Hub.HistoryLimit = 50
	c.Hub.LivenessGrace = 45 * time.Second
	c.Hub.PingInterval = 15 * time.Second
	c.Hub.WriteTimeout = 10 * time.Second
	c.Hub.MaxEventBytes = 1 << 20
	c.Hub.ReapInterval = 5 * time.Second
	c.Hub.DefaultVoiceCapacity = 8

	c.Store.Driver = "memory"
	c.Store.Timeout = 3 * time.Second
	c.Store.MaxOpenConns = 25
	c.Store.MaxIdleConns = 5
	c.Store.ConnMaxLifetime = 5 * time.Minute
	c.Store.RoomCacheTTL = 30 * time.Second

	c.Push.Timeout = 5 * time.Second

	c.Monitoring.Enabled = true
	c.Monitoring.Path = "/metrics"

	return c
}

type Config struct {
	Level      string `mapstructure:"level" json:"level"`
	ConfigFile string `mapstructure:"config" json:"config"`
	NoHeader   bool   `mapstructure:"noheader" json:"noheader"`

	Http struct {
		Addr          string `mapstructure:"addr" json:"addr"`
		InternalToken string `mapstructure:"internal_token" json:"internal_token"`
	} `mapstructure:"http" json:"http"`

	Auth struct {
		JWTSecret            string `mapstructure:"jwt_secret" json:"jwt_secret"`
		AnonymousChatReaders bool   `mapstructure:"anonymous_chat_readers" json:"anonymous_chat_readers"`
	} `mapstructure:"auth" json:"auth"`

	Hub struct {
		SendBuffer           int           `mapstructure:"send_buffer" json:"send_buffer"`
		HistoryLimit         int           `mapstructure:"history_limit" json:"history_limit"`
		LivenessGrace        time.Duration `mapstructure:"liveness_grace" json:"liveness_grace"`
		PingInterval         time.Duration `mapstructure:"ping_interval" json:"ping_interval"`
		WriteTimeout         time.Duration `mapstructure:"write_timeout" json:"write_timeout"`
		MaxEventBytes        int64         `mapstructure:"max_event_bytes" json:"max_event_bytes"`
		ReapInterval         time.Duration `mapstructure:"reap_interval" json:"reap_interval"`
		DefaultVoiceCapacity int           `mapstructure:"default_voice_capacity" json:"default_voice_capacity"`
	} `mapstructure:"hub" json:"hub"`

	Store struct {
		Driver          string        `mapstructure:"driver" json:"driver"`
		DSN             string        `mapstructure:"dsn" json:"dsn"`
		Timeout         time.Duration `mapstructure:"timeout" json:"timeout"`
		MaxOpenConns    int           `mapstructure:"max_open_conns" json:"max_open_conns"`
		MaxIdleConns    int           `mapstructure:"max_idle_conns" json:"max_idle_conns"`
		ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" json:"conn_max_lifetime"`
		RoomCacheTTL    time.Duration `mapstructure:"room_cache_ttl" json:"room_cache_ttl"`
		Migrate         bool          `mapstructure:"migrate" json:"migrate"`
		SeedRooms       []store.Room  `mapstructure:"seed_rooms" json:"seed_rooms"`
	} `mapstructure:"store" json:"store"`

	Push struct {
		URL     string        `mapstructure:"url" json:"url"`
		APIKey  string        `mapstructure:"api_key" json:"api_key"`
		Timeout time.Duration `mapstructure:"timeout" json:"timeout"`
	} `mapstructure:"push" json:"push"`

	Monitoring struct {
		Enabled bool   `mapstructure:"enabled" json:"enabled"`
		Path    string `mapstructure:"path" json:"path"`
	} `mapstructure:"monitoring" json:"monitoring"`
}
