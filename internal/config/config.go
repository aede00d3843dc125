// Package config loads service configuration from defaults, an optional
// config file and VENDORVERIFY_* environment variables.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const envPrefix = "VENDORVERIFY"

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Auth      AuthConfig
	Token     TokenConfig
	Verify    VerifyConfig
	Audit     AuditConfig
	RateLimit RateLimitConfig
	NATS      NATSConfig
	Log       LogConfig
	CORS      CORSConfig
}

type ServerConfig struct {
	Addr            string
	GRPCAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	// TrustedProxies lists proxy addresses or CIDRs allowed to set
	// X-Forwarded-For.
	TrustedProxies []netip.Prefix
}

type DatabaseConfig struct {
	// Driver is one of postgres, sqlite or memory.
	Driver       string
	DSN          string
	SQLitePath   string
	MaxOpenConns int
}

type AuthConfig struct {
	// JWTSecret signs bearer tokens (HS256). Empty disables authentication.
	JWTSecret string
	Issuer    string
}

type TokenConfig struct {
	Pepper string
}

type VerifyConfig struct {
	StoreTimeout time.Duration
}

type AuditConfig struct {
	Timeout time.Duration
}

type RateLimitConfig struct {
	Burst     int
	PerSecond int
}

type NATSConfig struct {
	URL           string
	SubjectPrefix string
}

type LogConfig struct {
	Level string
	JSON  bool
}

type CORSConfig struct {
	AllowedOrigins []string
}

// AuthEnabled reports whether bearer authentication is enforced.
func (c *Config) AuthEnabled() bool { return c.Auth.JWTSecret != "" }

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.grpc_addr", ":9090")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.trusted_proxies", []string{})

	v.SetDefault("database.driver", "memory")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.sqlite_path", "vendorverify.db")
	v.SetDefault("database.max_open_conns", 20)

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.issuer", "vendorverify")

	v.SetDefault("token.pepper", "")

	v.SetDefault("verify.store_timeout", 3*time.Second)
	v.SetDefault("audit.timeout", 5*time.Second)

	v.SetDefault("ratelimit.burst", 20)
	v.SetDefault("ratelimit.per_second", 10)

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.subject_prefix", "vendorverify.alerts")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", true)

	v.SetDefault("cors.allowed_origins", []string{})
}

// Load reads configuration. A file named by VENDORVERIFY_CONFIG is merged
// under the environment, which always wins.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.BindEnv("config"); err != nil {
		return nil, err
	}
	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	proxies, err := parsePrefixes(splitList(v.GetStringSlice("server.trusted_proxies")))
	if err != nil {
		return nil, fmt.Errorf("server.trusted_proxies: %w", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Addr:            v.GetString("server.addr"),
			GRPCAddr:        v.GetString("server.grpc_addr"),
			ReadTimeout:     v.GetDuration("server.read_timeout"),
			WriteTimeout:    v.GetDuration("server.write_timeout"),
			ShutdownTimeout: v.GetDuration("server.shutdown_timeout"),
			TrustedProxies:  proxies,
		},
		Database: DatabaseConfig{
			Driver:       strings.ToLower(v.GetString("database.driver")),
			DSN:          v.GetString("database.dsn"),
			SQLitePath:   v.GetString("database.sqlite_path"),
			MaxOpenConns: v.GetInt("database.max_open_conns"),
		},
		Auth: AuthConfig{
			JWTSecret: v.GetString("auth.jwt_secret"),
			Issuer:    v.GetString("auth.issuer"),
		},
		Token: TokenConfig{
			Pepper: v.GetString("token.pepper"),
		},
		Verify: VerifyConfig{
			StoreTimeout: v.GetDuration("verify.store_timeout"),
		},
		Audit: AuditConfig{
			Timeout: v.GetDuration("audit.timeout"),
		},
		RateLimit: RateLimitConfig{
			Burst:     v.GetInt("ratelimit.burst"),
			PerSecond: v.GetInt("ratelimit.per_second"),
		},
		NATS: NATSConfig{
			URL:           v.GetString("nats.url"),
			SubjectPrefix: v.GetString("nats.subject_prefix"),
		},
		Log: LogConfig{
			Level: v.GetString("log.level"),
			JSON:  v.GetBool("log.json"),
		},
		CORS: CORSConfig{
			AllowedOrigins: splitList(v.GetStringSlice("cors.allowed_origins")),
		},
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the service cannot start with.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "memory", "sqlite":
	case "postgres":
		if c.Database.DSN == "" {
			return errors.New("database.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown database.driver %q", c.Database.Driver)
	}
	if c.Verify.StoreTimeout <= 0 {
		return errors.New("verify.store_timeout must be positive")
	}
	if c.Audit.Timeout <= 0 {
		return errors.New("audit.timeout must be positive")
	}
	if c.RateLimit.Burst <= 0 || c.RateLimit.PerSecond <= 0 {
		return errors.New("ratelimit.burst and ratelimit.per_second must be positive")
	}
	return nil
}

// splitList accepts both YAML lists and comma-separated env values.
func splitList(in []string) []string {
	out := []string{}
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// parsePrefixes accepts CIDRs and bare addresses.
func parsePrefixes(in []string) ([]netip.Prefix, error) {
	var out []netip.Prefix
	for _, item := range in {
		if p, err := netip.ParsePrefix(item); err == nil {
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(item)
		if err != nil {
			return nil, fmt.Errorf("invalid address or CIDR %q", item)
		}
		addr = addr.Unmap()
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}
