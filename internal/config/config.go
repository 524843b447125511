package config

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	clientsettings "github.com/cat4igp/cat4igp/internal/client/settings"
)

const envPrefix = "CAT4IGP_"

// TLS modes for the control-plane listener.
const (
	TLSModeOff    = "off"
	TLSModeStatic = "static"
	TLSModeACME   = "acme"
)

type ServerConfig struct {
	Listen        string `toml:"listen"`
	ListenHTTP    string `toml:"listen_http"`
	DBPath        string `toml:"db_path"`
	Domain        string `toml:"domain"`
	TLSMode       string `toml:"tls_mode"`
	CertCacheDir  string `toml:"cert_cache_dir"`
	TLSCertFile   string `toml:"tls_cert_file"`
	TLSKeyFile    string `toml:"tls_key_file"`
	HTTP3         bool   `toml:"http3"`
	OperatorToken string `toml:"operator_token"`
	AuthPepper    string `toml:"auth_pepper"`
	LogLevel      string `toml:"log_level"`
	LogFormat     string `toml:"log_format"`
	PprofListen   string `toml:"pprof_listen"`
	MaxBodyBytes  int64  `toml:"max_body_bytes"`

	RequestTimeout         time.Duration `toml:"-"`
	WatchTimeout           time.Duration `toml:"-"`
	HeartbeatCheckInterval time.Duration `toml:"-"`
	ReconcileInterval      time.Duration `toml:"-"`
	// StaleTunnelAfter retires tunnels that never reach established. Zero
	// disables recycling.
	StaleTunnelAfter time.Duration `toml:"-"`
}

type AgentConfig struct {
	ServerURL      string        `toml:"server"`
	Credential     string        `toml:"credential"`
	StateFile      string        `toml:"state_file"`
	InviteCode     string        `toml:"invite"`
	Name           string        `toml:"name"`
	PublicKey      string        `toml:"public_key"`
	Endpoint       string        `toml:"endpoint"`
	ConfigureWG    bool          `toml:"configure_wireguard"`
	LogLevel       string        `toml:"log_level"`
	LogFormat      string        `toml:"log_format"`
	PprofListen    string        `toml:"pprof_listen"`
	Timeout        time.Duration `toml:"-"`
	ResyncInterval time.Duration `toml:"-"`
}

// OperatorConfig addresses the operator API.
type OperatorConfig struct {
	ServerURL string        `toml:"server"`
	Token     string        `toml:"operator_token"`
	Timeout   time.Duration `toml:"-"`
}

const defaultServerListen = ":8443"
const defaultServerHTTPChallengeListen = ":80"
const defaultServerDBPath = "./cat4igp.db"
const defaultServerCertCacheDir = "./cert"
const defaultServerMaxBodyBytes = 1 << 20
const defaultServerRequestTimeout = 30 * time.Second
const defaultServerWatchTimeout = 90 * time.Second
const defaultServerHeartbeatCheckInterval = 30 * time.Second
const defaultServerReconcileInterval = 5 * time.Minute
const defaultServerStaleTunnelAfter = 15 * time.Minute
const defaultClientTimeout = 30 * time.Second
const defaultAgentResyncInterval = time.Minute

func ParseServerFlags(args []string) (ServerConfig, error) {
	cfg := ServerConfig{
		Listen:                 defaultServerListen,
		ListenHTTP:             defaultServerHTTPChallengeListen,
		DBPath:                 defaultServerDBPath,
		TLSMode:                TLSModeOff,
		CertCacheDir:           defaultServerCertCacheDir,
		LogLevel:               "info",
		LogFormat:              "text",
		MaxBodyBytes:           defaultServerMaxBodyBytes,
		RequestTimeout:         defaultServerRequestTimeout,
		WatchTimeout:           defaultServerWatchTimeout,
		HeartbeatCheckInterval: defaultServerHeartbeatCheckInterval,
		ReconcileInterval:      defaultServerReconcileInterval,
		StaleTunnelAfter:       defaultServerStaleTunnelAfter,
	}
	if path := configPath(args); path != "" {
		if err := loadFile(path, &cfg, map[string]*time.Duration{
			"request_timeout":          &cfg.RequestTimeout,
			"watch_timeout":            &cfg.WatchTimeout,
			"heartbeat_check_interval": &cfg.HeartbeatCheckInterval,
			"reconcile_interval":       &cfg.ReconcileInterval,
			"stale_tunnel_after":       &cfg.StaleTunnelAfter,
		}); err != nil {
			return cfg, err
		}
	}

	cfg.Listen = envOrDefault("LISTEN", cfg.Listen)
	cfg.ListenHTTP = envOrDefault("LISTEN_HTTP", cfg.ListenHTTP)
	cfg.DBPath = envOrDefault("DB_PATH", cfg.DBPath)
	cfg.Domain = envOrDefault("DOMAIN", cfg.Domain)
	cfg.TLSMode = envOrDefault("TLS_MODE", cfg.TLSMode)
	cfg.CertCacheDir = envOrDefault("CERT_CACHE_DIR", cfg.CertCacheDir)
	cfg.TLSCertFile = envOrDefault("TLS_CERT_FILE", cfg.TLSCertFile)
	cfg.TLSKeyFile = envOrDefault("TLS_KEY_FILE", cfg.TLSKeyFile)
	cfg.HTTP3 = envBoolOrDefault("HTTP3", cfg.HTTP3)
	cfg.OperatorToken = envOrDefault("OPERATOR_TOKEN", cfg.OperatorToken)
	cfg.AuthPepper = envOrDefault("AUTH_PEPPER", cfg.AuthPepper)
	cfg.LogLevel = envOrDefault("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = envOrDefault("LOG_FORMAT", cfg.LogFormat)
	cfg.PprofListen = envOrDefault("PPROF_LISTEN", cfg.PprofListen)
	cfg.MaxBodyBytes = int64(envIntOrDefault("MAX_BODY_BYTES", int(cfg.MaxBodyBytes)))
	cfg.WatchTimeout = envDurationOrDefault("WATCH_TIMEOUT", cfg.WatchTimeout)
	cfg.ReconcileInterval = envDurationOrDefault("RECONCILE_INTERVAL", cfg.ReconcileInterval)
	cfg.StaleTunnelAfter = envDurationOrDefault("STALE_TUNNEL_AFTER", cfg.StaleTunnelAfter)

	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	fs.String("config", "", "TOML config file")
	fs.StringVar(&cfg.Listen, "listen", cfg.Listen, "API listen address")
	fs.StringVar(&cfg.ListenHTTP, "http-challenge-listen", cfg.ListenHTTP, "HTTP-01 challenge listen address (acme mode)")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite database path")
	fs.StringVar(&cfg.Domain, "domain", cfg.Domain, "Public control-plane host name (required for acme)")
	fs.StringVar(&cfg.TLSMode, "tls-mode", cfg.TLSMode, "TLS mode: off|static|acme")
	fs.StringVar(&cfg.CertCacheDir, "cert-cache-dir", cfg.CertCacheDir, "ACME certificate cache dir")
	fs.StringVar(&cfg.TLSCertFile, "tls-cert-file", cfg.TLSCertFile, "Static TLS cert PEM file")
	fs.StringVar(&cfg.TLSKeyFile, "tls-key-file", cfg.TLSKeyFile, "Static TLS key PEM file")
	fs.BoolVar(&cfg.HTTP3, "http3", cfg.HTTP3, "Also serve the API over HTTP/3 (requires TLS)")
	fs.StringVar(&cfg.OperatorToken, "operator-token", cfg.OperatorToken, "Bearer token for the operator API (empty disables it)")
	fs.StringVar(&cfg.AuthPepper, "auth-pepper", cfg.AuthPepper, "Node credential hash pepper override")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug|info|warn|error")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Log format: text|json")
	fs.StringVar(&cfg.PprofListen, "pprof-listen", cfg.PprofListen, "Optional pprof listen address")
	fs.DurationVar(&cfg.WatchTimeout, "watch-timeout", cfg.WatchTimeout, "Drop watch sessions silent for this long")
	fs.DurationVar(&cfg.ReconcileInterval, "reconcile-interval", cfg.ReconcileInterval, "Periodic full reconcile interval")
	fs.DurationVar(&cfg.StaleTunnelAfter, "stale-tunnel-after", cfg.StaleTunnelAfter, "Recycle tunnels not established after this long (0 disables)")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	cfg.Domain = normalizeDomainHost(cfg.Domain)
	cfg.TLSMode = strings.ToLower(strings.TrimSpace(cfg.TLSMode))
	if cfg.TLSMode == "" {
		cfg.TLSMode = TLSModeOff
	}
	switch cfg.TLSMode {
	case TLSModeOff:
	case TLSModeStatic:
		if strings.TrimSpace(cfg.TLSCertFile) == "" || strings.TrimSpace(cfg.TLSKeyFile) == "" {
			return cfg, errors.New("tls mode static requires --tls-cert-file and --tls-key-file")
		}
	case TLSModeACME:
		if cfg.Domain == "" {
			return cfg, errors.New("tls mode acme requires --domain or CAT4IGP_DOMAIN")
		}
	default:
		return cfg, errors.New("tls mode must be one of: off, static, acme")
	}
	if cfg.HTTP3 && cfg.TLSMode == TLSModeOff {
		return cfg, errors.New("http3 requires tls mode static or acme")
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		return cfg, errors.New("missing --db or CAT4IGP_DB_PATH")
	}
	if cfg.MaxBodyBytes <= 0 {
		return cfg, errors.New("max body bytes must be > 0")
	}
	if cfg.RequestTimeout <= 0 {
		return cfg, errors.New("request timeout must be > 0")
	}
	if cfg.WatchTimeout <= 0 {
		return cfg, errors.New("watch timeout must be > 0")
	}
	if cfg.HeartbeatCheckInterval <= 0 {
		return cfg, errors.New("heartbeat check interval must be > 0")
	}
	if cfg.ReconcileInterval <= 0 {
		return cfg, errors.New("reconcile interval must be > 0")
	}
	if cfg.StaleTunnelAfter < 0 {
		return cfg, errors.New("stale tunnel after must be >= 0")
	}

	return cfg, nil
}

func ParseAgentFlags(args []string) (AgentConfig, error) {
	hostname, _ := os.Hostname()
	cfg := AgentConfig{
		StateFile:      clientsettings.Path(),
		Name:           hostname,
		LogLevel:       "info",
		LogFormat:      "text",
		Timeout:        defaultClientTimeout,
		ResyncInterval: defaultAgentResyncInterval,
	}
	if path := configPath(args); path != "" {
		if err := loadFile(path, &cfg, map[string]*time.Duration{
			"timeout":         &cfg.Timeout,
			"resync_interval": &cfg.ResyncInterval,
		}); err != nil {
			return cfg, err
		}
	}

	cfg.ServerURL = envOrDefault("SERVER", cfg.ServerURL)
	cfg.Credential = envOrDefault("CREDENTIAL", cfg.Credential)
	cfg.StateFile = envOrDefault("STATE_FILE", cfg.StateFile)
	cfg.InviteCode = envOrDefault("INVITE", cfg.InviteCode)
	cfg.Name = envOrDefault("NAME", cfg.Name)
	cfg.PublicKey = envOrDefault("PUBLIC_KEY", cfg.PublicKey)
	cfg.Endpoint = envOrDefault("ENDPOINT", cfg.Endpoint)
	cfg.ConfigureWG = envBoolOrDefault("CONFIGURE_WIREGUARD", cfg.ConfigureWG)
	cfg.LogLevel = envOrDefault("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = envOrDefault("LOG_FORMAT", cfg.LogFormat)
	cfg.PprofListen = envOrDefault("PPROF_LISTEN", cfg.PprofListen)
	cfg.ResyncInterval = envDurationOrDefault("RESYNC_INTERVAL", cfg.ResyncInterval)

	fs := flag.NewFlagSet("agent", flag.ContinueOnError)
	fs.String("config", "", "TOML config file")
	fs.StringVar(&cfg.ServerURL, "server", cfg.ServerURL, "Control-plane URL (e.g. https://mesh.example.com)")
	fs.StringVar(&cfg.Credential, "credential", cfg.Credential, "Node credential (<node_id>.<secret>)")
	fs.StringVar(&cfg.StateFile, "state-file", cfg.StateFile, "File the credential is saved to after registration")
	fs.StringVar(&cfg.InviteCode, "invite", cfg.InviteCode, "Invite code used when no credential is known")
	fs.StringVar(&cfg.Name, "name", cfg.Name, "Node name sent at registration")
	fs.StringVar(&cfg.PublicKey, "public-key", cfg.PublicKey, "WireGuard public key to publish")
	fs.StringVar(&cfg.Endpoint, "endpoint", cfg.Endpoint, "Endpoint (host:port) reported for every tunnel")
	fs.BoolVar(&cfg.ConfigureWG, "configure-wireguard", cfg.ConfigureWG, "Program peers into existing WireGuard interfaces")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug|info|warn|error")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Log format: text|json")
	fs.StringVar(&cfg.PprofListen, "pprof-listen", cfg.PprofListen, "Optional pprof listen address")
	fs.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "Per-request timeout")
	fs.DurationVar(&cfg.ResyncInterval, "resync-interval", cfg.ResyncInterval, "Full resync interval when no push arrives")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	cfg.ServerURL = strings.TrimRight(strings.TrimSpace(cfg.ServerURL), "/")
	if cfg.ServerURL == "" {
		return cfg, errors.New("missing --server or CAT4IGP_SERVER")
	}
	if err := validateServerURL(cfg.ServerURL); err != nil {
		return cfg, err
	}
	cfg.Credential = strings.TrimSpace(cfg.Credential)
	cfg.InviteCode = strings.TrimSpace(cfg.InviteCode)
	if cfg.Endpoint = strings.TrimSpace(cfg.Endpoint); cfg.Endpoint != "" {
		if _, port, err := net.SplitHostPort(cfg.Endpoint); err != nil || port == "" {
			return cfg, fmt.Errorf("endpoint %q must be host:port", cfg.Endpoint)
		}
	}
	if cfg.Timeout <= 0 {
		return cfg, errors.New("timeout must be > 0")
	}
	if cfg.ResyncInterval <= 0 {
		return cfg, errors.New("resync interval must be > 0")
	}
	return cfg, nil
}

// ParseOperatorFlags parses the connection flags shared by operator
// commands and returns the remaining arguments.
func ParseOperatorFlags(name string, args []string) (OperatorConfig, []string, error) {
	cfg := OperatorConfig{Timeout: defaultClientTimeout}
	if path := configPath(args); path != "" {
		if err := loadFile(path, &cfg, map[string]*time.Duration{"timeout": &cfg.Timeout}); err != nil {
			return cfg, nil, err
		}
	}
	cfg.ServerURL = envOrDefault("SERVER", cfg.ServerURL)
	cfg.Token = envOrDefault("OPERATOR_TOKEN", cfg.Token)

	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.String("config", "", "TOML config file")
	fs.StringVar(&cfg.ServerURL, "server", cfg.ServerURL, "Control-plane URL")
	fs.StringVar(&cfg.Token, "operator-token", cfg.Token, "Operator bearer token")
	fs.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "Request timeout")
	if err := fs.Parse(args); err != nil {
		return cfg, nil, err
	}
	cfg.ServerURL = strings.TrimRight(strings.TrimSpace(cfg.ServerURL), "/")
	if cfg.ServerURL == "" {
		return cfg, nil, errors.New("missing --server or CAT4IGP_SERVER")
	}
	if err := validateServerURL(cfg.ServerURL); err != nil {
		return cfg, nil, err
	}
	if strings.TrimSpace(cfg.Token) == "" {
		return cfg, nil, errors.New("missing --operator-token or CAT4IGP_OPERATOR_TOKEN")
	}
	return cfg, fs.Args(), nil
}

// configPath finds --config in args before the flag set is built, so file
// values can become flag defaults.
func configPath(args []string) string {
	for i := 0; i < len(args); i++ {
		a := args[i]
		if a == "--" {
			break
		}
		name, value, hasValue := strings.Cut(strings.TrimLeft(a, "-"), "=")
		if !strings.HasPrefix(a, "-") || name != "config" {
			continue
		}
		if hasValue {
			return strings.TrimSpace(value)
		}
		if i+1 < len(args) {
			return strings.TrimSpace(args[i+1])
		}
	}
	return strings.TrimSpace(os.Getenv(envPrefix + "CONFIG"))
}

// loadFile decodes a TOML file over dst. Keys listed in durations are read
// as Go duration strings ("30s", "5m").
func loadFile(path string, dst any, durations map[string]*time.Duration) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	if err := toml.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}
	var raw map[string]any
	if err := toml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}
	for key, d := range durations {
		v, ok := raw[key]
		if !ok {
			continue
		}
		s, ok := v.(string)
		if !ok {
			return fmt.Errorf("config %s: expected a duration string like \"30s\"", key)
		}
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("config %s: %w", key, err)
		}
		*d = parsed
	}
	return nil
}

func validateServerURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return fmt.Errorf("server url %q must be absolute", raw)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("server url %q must use http or https", raw)
	}
	return nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(envPrefix + key); v != "" {
		return v
	}
	return def
}

func envIntOrDefault(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(envPrefix + key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envBoolOrDefault(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(envPrefix + key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envDurationOrDefault(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(envPrefix + key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func normalizeDomainHost(v string) string {
	v = strings.TrimSpace(strings.ToLower(v))
	v = strings.TrimPrefix(v, "https://")
	v = strings.TrimPrefix(v, "http://")
	if idx := strings.Index(v, "/"); idx >= 0 {
		v = v[:idx]
	}
	if strings.HasPrefix(v, "[") {
		if end := strings.Index(v, "]"); end > 0 {
			return v[1:end]
		}
	}
	if strings.Count(v, ":") == 1 {
		v, _, _ = strings.Cut(v, ":")
	}
	return strings.TrimSuffix(v, ".")
}
