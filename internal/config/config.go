package config

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full option surface of the service. Values come from the
// config file (yaml), environment variables prefixed with OPSICONFD_, and
// command line flags, in increasing order of precedence.
type Config struct {
	NodeName string `mapstructure:"node_name"`
	// StaticDir is served under /public without authentication.
	StaticDir string `mapstructure:"static_dir"`

	Process    ProcessConfig    `mapstructure:"process"`
	Network    NetworkConfig    `mapstructure:"network"`
	TLS        TLSConfig        `mapstructure:"tls"`
	Session    SessionConfig    `mapstructure:"session"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Backend    BackendConfig    `mapstructure:"backend"`
	Log        LogConfig        `mapstructure:"log"`
	RPC        RPCConfig        `mapstructure:"rpc"`
	Bus        BusConfig        `mapstructure:"messagebus"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
	AdminUsers AdminUsersConfig `mapstructure:"admin"`
}

// ProcessConfig controls the arbiter / worker process model.
type ProcessConfig struct {
	Workers           int           `mapstructure:"workers"`
	WorkerStopTimeout time.Duration `mapstructure:"worker_stop_timeout"`
	RunAsUser         string        `mapstructure:"run_as_user"`
	RestartWorkerMem  int64         `mapstructure:"restart_worker_mem"` // bytes of RSS, 0 disables
	ExecutorWorkers   int           `mapstructure:"executor_workers"`
	PidFile           string        `mapstructure:"pid_file"`
}

// NetworkConfig controls listeners and address-based access.
type NetworkConfig struct {
	Interface      string   `mapstructure:"interface"`
	Port           int      `mapstructure:"port"`
	Networks       []string `mapstructure:"networks"`
	AdminNetworks  []string `mapstructure:"admin_networks"`
	TrustedProxies []string `mapstructure:"trusted_proxies"`
}

// TLSConfig points at the CA and server certificate material.
type TLSConfig struct {
	CACert                  string        `mapstructure:"ssl_ca_cert"`
	CAKey                   string        `mapstructure:"ssl_ca_key"`
	CAKeyPassphrase         string        `mapstructure:"ssl_ca_key_passphrase"`
	ServerCert              string        `mapstructure:"ssl_server_cert"`
	ServerKey               string        `mapstructure:"ssl_server_key"`
	ServerKeyPassphrase     string        `mapstructure:"ssl_server_key_passphrase"`
	CertValidityDays        int           `mapstructure:"ssl_server_cert_valid_days"`
	CertRenewDays           int           `mapstructure:"ssl_server_cert_renew_days"`
	ServerCertCheckInterval time.Duration `mapstructure:"ssl_server_cert_check_interval"`
}

// SessionConfig controls session lifetime and the brute-force gate.
type SessionConfig struct {
	Lifetime             time.Duration `mapstructure:"session_lifetime"`
	MaxSessionsPerIP     int           `mapstructure:"max_session_per_ip"`
	MaxSessionsExcludes  []string      `mapstructure:"max_sessions_excludes"`
	MaxAuthFailures      int           `mapstructure:"max_auth_failures"`
	AuthFailuresInterval time.Duration `mapstructure:"auth_failures_interval"`
	ClientBlockTime      time.Duration `mapstructure:"client_block_time"`
	UpdateIP             bool          `mapstructure:"update_ip"`
	AllowHostKeyOnlyAuth bool          `mapstructure:"allow_host_key_only_auth"`
	AuthTokenSecret      string        `mapstructure:"auth_token_secret"`
	AuthTokenLifetime    time.Duration `mapstructure:"auth_token_lifetime"`
}

// RedisConfig locates the Redis backend shared by all workers.
type RedisConfig struct {
	InternalURL string `mapstructure:"redis_internal_url"`
	Prefix      string `mapstructure:"redis_prefix"`
}

// BackendConfig locates the relational object store.
type BackendConfig struct {
	Driver         string `mapstructure:"driver"` // postgres or sqlite3
	DSN            string `mapstructure:"dsn"`
	MaxConnections int    `mapstructure:"max_connections"`
	LicenseFile    string `mapstructure:"license_file"`
	// ACLFile points to the YAML method-ACL override file. Empty keeps
	// the registered vectors.
	ACLFile string `mapstructure:"acl_file"`
}

// LogConfig controls the zap sinks and the per-client log fabric.
// FileTemplate may contain the placeholder %m which expands to the client
// address, producing one log file per client.
type LogConfig struct {
	Level           string `mapstructure:"log_level"`
	LevelStderr     string `mapstructure:"log_level_stderr"`
	LevelFile       string `mapstructure:"log_level_file"`
	LogDir          string `mapstructure:"log_dir"`
	FileTemplate    string `mapstructure:"log_file_template"`
	MaxSizeMB       int    `mapstructure:"max_log_size"`
	KeepRotatedLogs int    `mapstructure:"keep_rotated_logs"`
	Filter          string `mapstructure:"log_filter"`
}

// RPCConfig controls the JSON-RPC dispatcher.
type RPCConfig struct {
	TimeToCache             time.Duration `mapstructure:"jsonrpc_time_to_cache"`
	MaxRPCLogSize           int64         `mapstructure:"max_rpc_log_size"`
	CompressionMinSizeBytes int           `mapstructure:"compression_min_size"`
	// DisabledFeatures removes admin surfaces from the route table.
	// Recognized names: rpc-list, blocked-clients, maintenance, grafana.
	DisabledFeatures []string `mapstructure:"admin_interface_disabled_features"`
}

// BusConfig controls message bus channel retention.
type BusConfig struct {
	ChannelTTL   time.Duration `mapstructure:"channel_ttl"`
	MaxStreamLen int64         `mapstructure:"max_stream_len"`
}

// TracingConfig enables the OTLP trace exporter.
type TracingConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

// AdminUsersConfig names the groups that grant elevated roles.
type AdminUsersConfig struct {
	AdminGroup    string `mapstructure:"admin_group"`
	ReadOnlyGroup string `mapstructure:"read_only_group"`
}

// Default returns the built-in configuration. Every value can be overridden
// by file, environment or flags.
func Default() *Config {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "localhost"
	}
	return &Config{
		NodeName:  hostname,
		StaticDir: "/var/lib/opsiconfd/public",
		Process: ProcessConfig{
			Workers:           1,
			WorkerStopTimeout: 120 * time.Second,
			RestartWorkerMem:  0,
			ExecutorWorkers:   10,
			PidFile:           "/var/run/opsiconfd/opsiconfd.pid",
		},
		Network: NetworkConfig{
			Interface:      "0.0.0.0",
			Port:           4447,
			Networks:       []string{"0.0.0.0/0", "::/0"},
			AdminNetworks:  []string{"0.0.0.0/0", "::/0"},
			TrustedProxies: []string{"127.0.0.1", "::1"},
		},
		TLS: TLSConfig{
			CACert:                  "/etc/opsi/ssl/opsi-ca-cert.pem",
			CAKey:                   "/etc/opsi/ssl/opsi-ca-key.pem",
			ServerCert:              "/etc/opsi/ssl/opsiconfd-cert.pem",
			ServerKey:               "/etc/opsi/ssl/opsiconfd-key.pem",
			CertValidityDays:        356,
			CertRenewDays:           30,
			ServerCertCheckInterval: 24 * time.Hour,
		},
		Session: SessionConfig{
			Lifetime:             60 * time.Second,
			MaxSessionsPerIP:     30,
			MaxAuthFailures:      10,
			AuthFailuresInterval: 120 * time.Second,
			ClientBlockTime:      120 * time.Second,
			UpdateIP:             true,
			AllowHostKeyOnlyAuth: false,
			AuthTokenLifetime:    time.Hour,
		},
		Redis: RedisConfig{
			InternalURL: "redis://localhost:6379/0",
			Prefix:      "opsiconfd",
		},
		Backend: BackendConfig{
			Driver:         "sqlite3",
			DSN:            "/var/lib/opsiconfd/opsiconfd.db",
			MaxConnections: 25,
			LicenseFile:    "/etc/opsi/licenses/licenses.json",
		},
		Log: LogConfig{
			Level:           "info",
			LevelStderr:     "info",
			LevelFile:       "info",
			LogDir:          "/var/log/opsiconfd",
			FileTemplate:    "%m.log",
			MaxSizeMB:       5,
			KeepRotatedLogs: 1,
		},
		RPC: RPCConfig{
			TimeToCache:             500 * time.Millisecond,
			MaxRPCLogSize:           9999,
			CompressionMinSizeBytes: 10000,
		},
		Bus: BusConfig{
			ChannelTTL:   2 * time.Hour,
			MaxStreamLen: 10000,
		},
		AdminUsers: AdminUsersConfig{
			AdminGroup:    "opsiadmin",
			ReadOnlyGroup: "",
		},
	}
}

// Load reads the config file (if present), layers OPSICONFD_* environment
// variables on top and unmarshals into a fresh Config.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("OPSICONFD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := Default()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		}
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the service cannot start with.
func (c *Config) Validate() error {
	if c.Process.Workers < 1 {
		return fmt.Errorf("workers must be >= 1, got %d", c.Process.Workers)
	}
	if c.Process.ExecutorWorkers < 1 {
		return fmt.Errorf("executor_workers must be >= 1, got %d", c.Process.ExecutorWorkers)
	}
	if c.Network.Port < 1 || c.Network.Port > 65535 {
		return fmt.Errorf("port out of range: %d", c.Network.Port)
	}
	for _, group := range [][]string{c.Network.Networks, c.Network.AdminNetworks} {
		for _, n := range group {
			if _, err := parseNetwork(n); err != nil {
				return fmt.Errorf("invalid network %q: %w", n, err)
			}
		}
	}
	if c.Redis.InternalURL == "" {
		return fmt.Errorf("redis_internal_url must be set")
	}
	if c.Redis.Prefix == "" {
		return fmt.Errorf("redis_prefix must be set")
	}
	if c.Session.MaxSessionsPerIP < 1 {
		return fmt.Errorf("max_session_per_ip must be >= 1, got %d", c.Session.MaxSessionsPerIP)
	}
	return nil
}

// ParsedNetworks returns the allow-list as parsed prefixes.
func (c *NetworkConfig) ParsedNetworks() ([]*net.IPNet, error) {
	return parseNetworks(c.Networks)
}

// ParsedAdminNetworks returns the admin allow-list as parsed prefixes.
func (c *NetworkConfig) ParsedAdminNetworks() ([]*net.IPNet, error) {
	return parseNetworks(c.AdminNetworks)
}

// ParsedTrustedProxies returns trusted proxy addresses as prefixes. Bare
// addresses are treated as /32 (or /128) networks.
func (c *NetworkConfig) ParsedTrustedProxies() ([]*net.IPNet, error) {
	return parseNetworks(c.TrustedProxies)
}

func parseNetworks(specs []string) ([]*net.IPNet, error) {
	nets := make([]*net.IPNet, 0, len(specs))
	for _, s := range specs {
		n, err := parseNetwork(s)
		if err != nil {
			return nil, fmt.Errorf("invalid network %q: %w", s, err)
		}
		nets = append(nets, n)
	}
	return nets, nil
}

func parseNetwork(s string) (*net.IPNet, error) {
	if !strings.Contains(s, "/") {
		ip := net.ParseIP(s)
		if ip == nil {
			return nil, fmt.Errorf("not an IP address")
		}
		bits := 32
		if ip4 := ip.To4(); ip4 == nil {
			bits = 128
		} else {
			ip = ip4
		}
		return &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)}, nil
	}
	_, n, err := net.ParseCIDR(s)
	if err != nil {
		return nil, err
	}
	return n, nil
}
