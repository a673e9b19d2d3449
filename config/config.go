package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Crawl    CrawlConfig    `mapstructure:"crawl"`
	Pong     PongConfig     `mapstructure:"pong"`
	Log      LogConfig      `mapstructure:"log"`
}

type ServerConfig struct {
	HTTPAddress string `mapstructure:"http_address"`
	RPCAddress  string `mapstructure:"rpc_address"`
	PublicURL   string `mapstructure:"public_url"`
}

type DatabaseConfig struct {
	Driver   string         `mapstructure:"driver"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

// DSN renders the libpq connection string shared by gorm and the notify listener.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.DBName, p.SSLMode)
}

type CrawlConfig struct {
	AdminCode       string        `mapstructure:"admin_code"`
	AceMode         string        `mapstructure:"ace_mode"`
	ArrivalCooldown time.Duration `mapstructure:"arrival_cooldown"`
	RoundCooldown   time.Duration `mapstructure:"round_cooldown"`
	StopTimer       time.Duration `mapstructure:"stop_timer"`
	HoldDuration    time.Duration `mapstructure:"hold_duration"`
	RouteFile       string        `mapstructure:"route_file"`
}

type PongConfig struct {
	TickRate     int           `mapstructure:"tick_rate"`
	SyncInterval time.Duration `mapstructure:"sync_interval"`
	LeaseTTL     time.Duration `mapstructure:"lease_ttl"`
	WinningScore int           `mapstructure:"winning_score"`
}

type LogConfig struct {
	Debug bool `mapstructure:"debug"`
}

// FlagKeys maps command-line flag names onto configuration keys.
var FlagKeys = map[string]string{
	"http-address": "server.http_address",
	"rpc-address":  "server.rpc_address",
	"public-url":   "server.public_url",
	"driver":       "database.driver",
	"route-file":   "crawl.route_file",
	"debug":        "log.debug",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.http_address", ":8080")
	v.SetDefault("server.rpc_address", "")
	v.SetDefault("server.public_url", "http://localhost:8080/")

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.postgres.host", "localhost")
	v.SetDefault("database.postgres.port", 5432)
	v.SetDefault("database.postgres.user", "postgres")
	v.SetDefault("database.postgres.password", "")
	v.SetDefault("database.postgres.dbname", "crawlparty")
	v.SetDefault("database.postgres.sslmode", "disable")

	v.SetDefault("crawl.admin_code", "snag")
	v.SetDefault("crawl.ace_mode", "both")
	v.SetDefault("crawl.arrival_cooldown", 30*time.Second)
	v.SetDefault("crawl.round_cooldown", 2*time.Minute)
	v.SetDefault("crawl.stop_timer", 30*time.Minute)
	v.SetDefault("crawl.hold_duration", 1500*time.Millisecond)
	v.SetDefault("crawl.route_file", "")

	v.SetDefault("pong.tick_rate", 60)
	v.SetDefault("pong.sync_interval", 500*time.Millisecond)
	v.SetDefault("pong.lease_ttl", 2*time.Second)
	v.SetDefault("pong.winning_score", 5)

	v.SetDefault("log.debug", false)
}

// LoadConfig reads config.yaml from path (if present), CRAWL_* environment
// variables and any flags bound from fs, in increasing order of precedence.
func LoadConfig(path string, fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.AddConfigPath(path)
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.SetEnvPrefix("CRAWL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	if fs != nil {
		fs.VisitAll(func(f *pflag.Flag) {
			if key, ok := FlagKeys[f.Name]; ok && f.Changed {
				_ = v.BindPFlag(key, f)
			}
		})
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "memory":
	default:
		return fmt.Errorf("invalid database driver %q (want postgres or memory)", c.Database.Driver)
	}
	switch c.Crawl.AceMode {
	case "low", "high", "both":
	default:
		return fmt.Errorf("invalid ace mode %q (want low, high or both)", c.Crawl.AceMode)
	}
	if c.Pong.TickRate <= 0 {
		return fmt.Errorf("invalid pong tick rate: %d", c.Pong.TickRate)
	}
	if c.Pong.SyncInterval <= 0 {
		return fmt.Errorf("invalid pong sync interval: %s", c.Pong.SyncInterval)
	}
	if c.Pong.WinningScore <= 0 {
		return fmt.Errorf("invalid pong winning score: %d", c.Pong.WinningScore)
	}
	if c.Pong.LeaseTTL < c.Pong.SyncInterval {
		return errors.New("pong lease ttl must be at least one sync interval")
	}
	return nil
}
