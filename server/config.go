package server

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Hardcoded session and upstream defaults
const (
	DefaultSessionDuration = 7 * 24 * time.Hour
	DefaultUpstreamTimeout = 30 * time.Second
	DefaultMountPath       = "/api/myanimelist"

	DefaultAPIURL    = "https://api.myanimelist.net/v2"
	DefaultOAuth2URL = "https://myanimelist.net/v1/oauth2"
)

// devSecretKey protects nothing and exists only so local development works
// without generating a key. Validate refuses to run without a real key
// outside dev mode.
const devSecretKey = "nsuI9j2wnlH2dQ4I23g/0Ou/kCAwS8jhWh/lNcU7Yd1DS4wdNCQ5Nso+P/zukcIelBsZ9gomJhqichVYvKasaA=="

// Config captures the full gateway configuration loaded from YAML and
// environment variables.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Auth     AuthConfig     `yaml:"auth"`
	Upstream UpstreamConfig `yaml:"upstream"`
}

// ServerConfig controls listener, TLS, and HTTP concerns.
type ServerConfig struct {
	DevListenAddr   string    `yaml:"dev_listen_addr"`
	HTTPListenAddr  string    `yaml:"http_listen_addr"`
	HTTPSListenAddr string    `yaml:"https_listen_addr"`
	DevMode         bool      `yaml:"dev_mode"`
	MountPath       string    `yaml:"mount_path"`
	Debug           bool      `yaml:"debug"`
	TLS             TLSConfig `yaml:"tls"`
}

// TLSConfig defines autocert behaviour.
type TLSConfig struct {
	Domains []string `yaml:"domains"`
	Email   string   `yaml:"email"`
}

// AuthConfig holds the MyAnimeList application credentials and the session
// cookie policy.
type AuthConfig struct {
	ClientID             string        `yaml:"client_id"`
	ClientSecret         string        `yaml:"client_secret"`
	SecretKey            string        `yaml:"secret_key"`
	SessionDuration      time.Duration `yaml:"session_duration"`
	RedirectAfterSignIn  string        `yaml:"redirect_after_sign_in"`
	RedirectAfterSignOut string        `yaml:"redirect_after_sign_out"`
}

// UpstreamConfig points at the MyAnimeList API and OAuth2 endpoints. Tests
// override these to talk to local stubs.
type UpstreamConfig struct {
	APIURL    string        `yaml:"api_url"`
	OAuth2URL string        `yaml:"oauth2_url"`
	Timeout   time.Duration `yaml:"timeout"`
}

// LoadConfig reads the YAML config file and merges environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}

		decoder := yaml.NewDecoder(bytes.NewReader(b))
		decoder.KnownFields(true)

		if err := decoder.Decode(&cfg); err != nil {
			slog.Error("Failed to parse configuration", "error", err, "file", path)
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		slog.Error("Configuration validation failed", "error", err)
		return Config{}, err
	}

	return cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			DevListenAddr:   "127.0.0.1:8080",
			HTTPListenAddr:  ":80",
			HTTPSListenAddr: ":443",
			DevMode:         true,
			MountPath:       DefaultMountPath,
		},
		Auth: AuthConfig{
			SessionDuration:      DefaultSessionDuration,
			RedirectAfterSignIn:  "/",
			RedirectAfterSignOut: "/",
		},
		Upstream: UpstreamConfig{
			APIURL:    DefaultAPIURL,
			OAuth2URL: DefaultOAuth2URL,
			Timeout:   DefaultUpstreamTimeout,
		},
	}
}

// DefaultConfig returns the default configuration template.
func DefaultConfig() Config {
	return defaultConfig()
}

func applyEnvOverrides(cfg *Config) {
	overrides := map[string]func(string){
		"MAL_CLIENT_ID":           func(v string) { cfg.Auth.ClientID = v },
		"MAL_CLIENT_SECRET":       func(v string) { cfg.Auth.ClientSecret = v },
		"MAL_SECRET_KEY":          func(v string) { cfg.Auth.SecretKey = v },
		"MAL_API_URL":             func(v string) { cfg.Upstream.APIURL = v },
		"MALGW_MOUNT_PATH":        func(v string) { cfg.Server.MountPath = v },
		"MAL_REQUEST_DEBUG":       func(v string) { cfg.Server.Debug = parseBool(v, cfg.Server.Debug) },
		"MALGW_DEV_LISTEN_ADDR":   func(v string) { cfg.Server.DevListenAddr = v },
		"MALGW_HTTP_LISTEN_ADDR":  func(v string) { cfg.Server.HTTPListenAddr = v },
		"MALGW_HTTPS_LISTEN_ADDR": func(v string) { cfg.Server.HTTPSListenAddr = v },
		"MALGW_DEV_MODE":          func(v string) { cfg.Server.DevMode = parseBool(v, cfg.Server.DevMode) },
		"MALGW_TLS_DOMAINS":       func(v string) { cfg.Server.TLS.Domains = splitAndTrim(v) },
		"MALGW_TLS_EMAIL":         func(v string) { cfg.Server.TLS.Email = v },
		"MALGW_SESSION_DURATION": func(v string) {
			cfg.Auth.SessionDuration = parseDuration(v, cfg.Auth.SessionDuration)
		},
	}

	for key, fn := range overrides {
		if val, ok := os.LookupEnv(key); ok {
			fn(val)
		}
	}
}

func parseDuration(val string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return d
}

func parseBool(val string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate performs startup-time sanity checks on the config.
func (c Config) Validate() error {
	if c.Auth.SessionDuration <= 0 {
		return fmt.Errorf("auth.session_duration must be greater than zero but was: %s", c.Auth.SessionDuration)
	}

	if c.Server.MountPath == "" || !strings.HasPrefix(c.Server.MountPath, "/") {
		return fmt.Errorf("server.mount_path must start with '/', got: %q", c.Server.MountPath)
	}
	if strings.HasSuffix(c.Server.MountPath, "/") {
		return fmt.Errorf("server.mount_path cannot end with '/', got: %q", c.Server.MountPath)
	}

	if c.Auth.ClientID == "" {
		return errors.New("auth.client_id is required (or set MAL_CLIENT_ID)")
	}

	if !c.Server.DevMode {
		if c.Auth.ClientSecret == "" {
			return errors.New("auth.client_secret is required in production mode (or set MAL_CLIENT_SECRET)")
		}
		if c.Auth.SecretKey == "" {
			return errors.New("auth.secret_key is required in production mode (or set MAL_SECRET_KEY)")
		}
		if len(c.Server.TLS.Domains) == 0 {
			return errors.New("server.tls.domains must be provided in production")
		}
	}

	if c.Auth.SecretKey != "" && len(c.Auth.SecretKey) <= 32 {
		return errors.New("auth.secret_key must be longer than 32 characters")
	}

	if !strings.HasPrefix(c.Upstream.APIURL, "http://") && !strings.HasPrefix(c.Upstream.APIURL, "https://") {
		return fmt.Errorf("upstream.api_url must start with http:// or https://, got: %s", c.Upstream.APIURL)
	}
	if !strings.HasPrefix(c.Upstream.OAuth2URL, "http://") && !strings.HasPrefix(c.Upstream.OAuth2URL, "https://") {
		return fmt.Errorf("upstream.oauth2_url must start with http:// or https://, got: %s", c.Upstream.OAuth2URL)
	}

	return nil
}

// SigningKey resolves the session signing secret. In dev mode a fixed
// fallback is returned when none is configured; the caller is expected to
// warn loudly about it.
func (c Config) SigningKey() (key []byte, isDevFallback bool) {
	if c.Auth.SecretKey != "" {
		return []byte(c.Auth.SecretKey), false
	}
	return []byte(devSecretKey), true
}
