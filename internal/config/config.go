package config

import "time"

// Config holds server configuration values.
type Config struct {
	Addr              string        `mapstructure:"addr" yaml:"addr"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout" yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	LogLevel          string        `mapstructure:"log_level" yaml:"log_level"`

	RedisAddr     string `mapstructure:"redis_addr" yaml:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password" yaml:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db" yaml:"redis_db"`

	DatabasePath string `mapstructure:"database_path" yaml:"database_path"`

	JWTSecret   string `mapstructure:"jwt_secret" yaml:"jwt_secret"`
	JWTIssuer   string `mapstructure:"jwt_issuer" yaml:"jwt_issuer"`
	JWTAudience string `mapstructure:"jwt_audience" yaml:"jwt_audience"`

	// MaxMembers caps room membership; MaxSpeakers caps the stage.
	MaxMembers  int `mapstructure:"max_members" yaml:"max_members"`
	MaxSpeakers int `mapstructure:"max_speakers" yaml:"max_speakers"`

	// AdminCacheTTL bounds staleness of cached room-creator lookups.
	AdminCacheTTL time.Duration `mapstructure:"admin_cache_ttl" yaml:"admin_cache_ttl"`
}

// Default returns configuration with reasonable starter defaults.
func Default() Config {
	return Config{
		Addr:              ":8080",
		ReadHeaderTimeout: 5 * time.Second,
		ShutdownTimeout:   5 * time.Second,
		LogLevel:          "info",
		RedisAddr:         "localhost:6379",
		RedisDB:           0,
		DatabasePath:      "voicestage.db",
		JWTIssuer:         "voicestage",
		JWTAudience:       "voicestage-clients",
		MaxMembers:        100,
		MaxSpeakers:       5,
		AdminCacheTTL:     5 * time.Minute,
	}
}
