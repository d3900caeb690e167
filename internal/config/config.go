package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"time"

	"github.com/biter777/countries"
	ma "github.com/multiformats/go-multiaddr"
	"gopkg.in/yaml.v3"

	"github.com/veritel/veritel-node/internal/domain"
)

// Environment overrides for material that should stay out of config files.
const (
	EnvSigningKey = "VERITEL_SIGNING_KEY"
	EnvDatabase   = "VERITEL_DB_DSN"
)

// Duration wraps time.Duration so intervals read as "30s" in YAML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// Endpoint names a serving engine and where it exposes metrics.
type Endpoint struct {
	Engine string `yaml:"engine"`
	URL    string `yaml:"url"`
}

// Engine describes a serving engine container the supervisor should run.
type Engine struct {
	Name          string   `yaml:"name"`
	Image         string   `yaml:"image"`
	ContainerPort int      `yaml:"container_port"`
	GPUDevice     string   `yaml:"gpu_device"`
	Env           []string `yaml:"env"`
}

// TLSClient is optional client TLS material for guarded metrics endpoints.
type TLSClient struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	CAFile   string `yaml:"ca_file"`
}

// PortRange is the host port window the supervisor allocates metrics
// endpoints from.
type PortRange struct {
	Min int `yaml:"min"`
	Max int `yaml:"max"`
}

// Config is the node configuration. Country, PublicURL and SmallID are
// optional: a node without them still collects and verifies but publishes an
// identity others will not route to.
type Config struct {
	Country   string  `yaml:"country"`
	PublicURL string  `yaml:"public_url"`
	SmallID   *uint64 `yaml:"small_id"`

	HeartbeatInterval Duration `yaml:"heartbeat_interval"`
	IdleConnTimeout   Duration `yaml:"idle_connection_timeout"`
	OwnershipWindow   Duration `yaml:"ownership_window"`

	ListenAddrs    []string `yaml:"listen_addrs"`
	BootstrapPeers []string `yaml:"bootstrap_peers"`

	IdentityKeyFile string `yaml:"identity_key_file"`
	SigningKey      string `yaml:"signing_key"`
	SigningKeyFile  string `yaml:"signing_key_file"`

	ServingMetricsURL string              `yaml:"serving_metrics_url"`
	MetricsEndpoints  map[string]Endpoint `yaml:"metrics_endpoints"`
	MetricsTLS        *TLSClient          `yaml:"metrics_tls"`

	DatabaseDSN string `yaml:"database_dsn"`

	Engines         []Engine  `yaml:"engines"`
	EnginePorts     PortRange `yaml:"engine_ports"`
	MonitorInterval Duration  `yaml:"monitor_interval"`

	StatusAddr string `yaml:"status_addr"`
}

// Default returns the configuration a node runs with when the file leaves
// everything unset.
func Default() Config {
	return Config{
		HeartbeatInterval: Duration{30 * time.Second},
		IdleConnTimeout:   Duration{60 * time.Second},
		OwnershipWindow:   Duration{10 * time.Second},
		ListenAddrs:       []string{"/ip4/0.0.0.0/tcp/4001", "/ip4/0.0.0.0/udp/4001/quic-v1"},
		IdentityKeyFile:   "identity.json",
		EnginePorts:       PortRange{Min: 19000, Max: 19100},
		MonitorInterval:   Duration{30 * time.Second},
		StatusAddr:        "127.0.0.1:8081",
	}
}

// Load reads the YAML file at path over the defaults and applies environment
// overrides. The result is not validated; callers run Validate before use.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if key := os.Getenv(EnvSigningKey); key != "" {
		c.SigningKey = key
	}
	if dsn := os.Getenv(EnvDatabase); dsn != "" {
		c.DatabaseDSN = dsn
	}
}

// Validate checks every field the node cannot safely guess at runtime. The
// first failure is returned as a ConfigValidationError naming the field.
func (c *Config) Validate() error {
	if c.Country != "" {
		// ByName also matches alpha-3 codes and full names; the length
		// guard pins the field to ISO 3166-1 alpha-2. ByName maps
		// unrecognized input to None, which IsValid does not reject.
		cc := countries.ByName(c.Country)
		if len(c.Country) != 2 || cc == countries.None || cc == countries.Unknown || !cc.IsValid() {
			return &domain.ConfigValidationError{
				Field:  "country",
				Value:  c.Country,
				Reason: "must be an ISO 3166-1 alpha-2 code",
			}
		}
	}

	if c.PublicURL != "" {
		if err := validateURL(c.PublicURL); err != nil {
			return &domain.ConfigValidationError{Field: "public_url", Value: c.PublicURL, Reason: err.Error()}
		}
	}

	if c.HeartbeatInterval.Duration <= 0 {
		return &domain.ConfigValidationError{
			Field:  "heartbeat_interval",
			Value:  c.HeartbeatInterval.String(),
			Reason: "must be positive",
		}
	}
	if c.IdleConnTimeout.Duration <= 0 {
		return &domain.ConfigValidationError{
			Field:  "idle_connection_timeout",
			Value:  c.IdleConnTimeout.String(),
			Reason: "must be positive",
		}
	}
	if c.OwnershipWindow.Duration <= 0 {
		return &domain.ConfigValidationError{
			Field:  "ownership_window",
			Value:  c.OwnershipWindow.String(),
			Reason: "must be positive",
		}
	}

	for _, addr := range c.ListenAddrs {
		if _, err := ma.NewMultiaddr(addr); err != nil {
			return &domain.ConfigValidationError{Field: "listen_addrs", Value: addr, Reason: "not a valid multiaddr"}
		}
	}
	for _, addr := range c.BootstrapPeers {
		if _, err := ma.NewMultiaddr(addr); err != nil {
			return &domain.ConfigValidationError{Field: "bootstrap_peers", Value: addr, Reason: "not a valid multiaddr"}
		}
	}

	if c.IdentityKeyFile == "" {
		return &domain.ConfigValidationError{Field: "identity_key_file", Value: "", Reason: "must be set"}
	}

	if c.ServingMetricsURL != "" {
		if err := validateURL(c.ServingMetricsURL); err != nil {
			return &domain.ConfigValidationError{Field: "serving_metrics_url", Value: c.ServingMetricsURL, Reason: err.Error()}
		}
	}
	for model, ep := range c.MetricsEndpoints {
		if ep.Engine == "" {
			return &domain.ConfigValidationError{
				Field:  "metrics_endpoints",
				Value:  model,
				Reason: "engine kind must be set",
			}
		}
		if err := validateURL(ep.URL); err != nil {
			return &domain.ConfigValidationError{Field: "metrics_endpoints", Value: ep.URL, Reason: err.Error()}
		}
	}

	for _, eng := range c.Engines {
		if eng.Name == "" || eng.Image == "" {
			return &domain.ConfigValidationError{
				Field:  "engines",
				Value:  eng.Name,
				Reason: "name and image must be set",
			}
		}
		if eng.ContainerPort < 1 || eng.ContainerPort > 65535 {
			return &domain.ConfigValidationError{
				Field:  "engines",
				Value:  fmt.Sprintf("%s:%d", eng.Name, eng.ContainerPort),
				Reason: "container_port must be in 1..65535",
			}
		}
	}
	if c.EnginePorts.Min < 1 || c.EnginePorts.Max > 65535 || c.EnginePorts.Min > c.EnginePorts.Max {
		return &domain.ConfigValidationError{
			Field:  "engine_ports",
			Value:  fmt.Sprintf("%d..%d", c.EnginePorts.Min, c.EnginePorts.Max),
			Reason: "must be a valid port range",
		}
	}

	if c.StatusAddr != "" {
		if _, _, err := net.SplitHostPort(c.StatusAddr); err != nil {
			return &domain.ConfigValidationError{Field: "status_addr", Value: c.StatusAddr, Reason: "must be host:port"}
		}
	}

	return nil
}

// validateURL demands an absolute URL with scheme and host; ParseRequestURI
// alone accepts strings like "not a url".
func validateURL(raw string) error {
	u, err := url.ParseRequestURI(raw)
	if err != nil {
		return fmt.Errorf("not a valid URL")
	}
	if u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("URL must have scheme and host")
	}
	return nil
}

const defaultConfigTemplate = `# veritel node configuration

# ISO 3166-1 alpha-2 country code of the node (optional).
country: ""

# Public URL peers use to reach this node's API (optional).
public_url: ""

# Identity number assigned on registration (optional until registered).
# small_id: 7

# Telemetry publish interval.
heartbeat_interval: 30s

# Close connections idle for longer than this.
idle_connection_timeout: 60s

# How long the verifier waits for an ownership answer.
ownership_window: 10s

# Multiaddrs to listen on.
listen_addrs:
  - /ip4/0.0.0.0/tcp/4001
  - /ip4/0.0.0.0/udp/4001/quic-v1

# Bootstrap peers to dial on start, including their /p2p/ component.
bootstrap_peers: []

# Persisted libp2p identity key.
identity_key_file: identity.json

# Telemetry signing key as hex; prefer the VERITEL_SIGNING_KEY environment
# variable or signing_key_file over placing it here.
signing_key: ""
signing_key_file: ""

# Prometheus-compatible endpoint the collector queries for serving stats.
serving_metrics_url: ""

# Serving engines by model name.
metrics_endpoints: {}
#  meta-llama/Llama-3.2-3B-Instruct:
#    engine: vllm
#    url: http://chat-completions:8000/metrics

# Client TLS material for guarded metrics endpoints (optional).
# metrics_tls:
#   cert_file: client.crt
#   key_file: client.key
#   ca_file: ca.crt

# Postgres DSN for the state store; unset runs the in-memory store.
# Overridable with VERITEL_DB_DSN.
database_dsn: ""

# Engines the supervisor should run (optional).
engines: []
#  - name: chat-completions
#    image: vllm/vllm-openai:v0.8.3
#    container_port: 8000
#    gpu_device: "0"
#    env:
#      - MODEL=meta-llama/Llama-3.2-3B-Instruct

# Host port range for supervised engine metrics endpoints.
engine_ports:
  min: 19000
  max: 19100

# Engine health check interval.
monitor_interval: 30s

# Status and metrics listen address.
status_addr: 127.0.0.1:8081
`

// WriteDefault writes a commented starter configuration. It refuses to
// overwrite an existing file.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file %s already exists", path)
	}
	if err := os.WriteFile(path, []byte(defaultConfigTemplate), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
