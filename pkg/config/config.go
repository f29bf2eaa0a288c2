package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

// Environment variables that override the file configuration.
const (
	EnvConfigPath         = "RELAY_CONFIG_PATH"
	EnvPersistence        = "AUDIT_EVENT_PERSISTENCE"
	EnvTechnology         = "IM_TO_DM_TECHNOLOGY"
	EnvBackendURL         = "HESTIA_DM_URL"
	EnvListenAddress      = "RELAY_LISTEN_ADDRESS"
	EnvClusterFabric      = "RELAY_CLUSTER_FABRIC"
	EnvClusterNode        = "RELAY_NODE_NAME"
	EnvKafkaBrokers       = "RELAY_KAFKA_BROKERS"
	EnvRedisURL           = "RELAY_REDIS_URL"
	defaultPersistService = "aether-hestia-audit-im"
)

// DefaultMaxBodyBytes bounds a single ingress request body.
const DefaultMaxBodyBytes int64 = 4 << 20

type Server struct {
	ListenAddress  string    `yaml:"listenAddress"`
	TLSCertFile    string    `yaml:"tlsCertFile"`
	TLSKeyFile     string    `yaml:"tlsKeyFile"`
	TrustedProxies []string  `yaml:"trustedProxies"` // IPs/CIDRs to trust for X-Forwarded-For headers
	AllowedOrigins []string  `yaml:"allowedOrigins"`
	RateLimit      RateLimit `yaml:"rateLimit"`
	MaxBodyBytes   int64     `yaml:"maxBodyBytes"`
}

// RateLimit bounds ingress requests per client IP.
type RateLimit struct {
	RequestsPerSecond float64 `yaml:"requestsPerSecond"`
	Burst             int     `yaml:"burst"`
}

type Persistence struct {
	// Enabled turns on real delivery. When false, events are logged and
	// acknowledged with synthetic outcomes.
	Enabled bool `yaml:"enabled"`
	// Technology selects the outbound transport: "direct" or "cluster"
	// ("jgroups" is accepted as an alias of "cluster"). Any other value
	// falls back to direct.
	Technology string `yaml:"technology"`
}

// Endpoint describes a backend address as topology configuration gives it.
type Endpoint struct {
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	Encrypted bool   `yaml:"encrypted"`
	BasePath  string `yaml:"basePath"`
}

// URL assembles the endpoint's base URL. It returns "" when Host is empty.
func (e Endpoint) URL() string {
	if e.Host == "" {
		return ""
	}
	scheme := "http"
	if e.Encrypted {
		scheme = "https"
	}
	host := e.Host
	if e.Port > 0 {
		host = net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
	}
	path := strings.Trim(e.BasePath, "/")
	if path != "" {
		path = "/" + path
	}
	return scheme + "://" + host + path
}

type Backend struct {
	// URL is the FHIR base URL of the persistence backend. It wins over Endpoint.
	URL        string            `yaml:"url"`
	Endpoint   Endpoint          `yaml:"endpoint"`
	Timeout    time.Duration     `yaml:"timeout"`
	RetryCount int               `yaml:"retryCount"`
	Headers    map[string]string `yaml:"headers"`
}

// ResolvedURL returns URL, or the URL assembled from Endpoint.
func (b Backend) ResolvedURL() string {
	if b.URL != "" {
		return b.URL
	}
	return b.Endpoint.URL()
}

type KafkaTLS struct {
	Enabled            bool   `yaml:"enabled"`
	CAFile             string `yaml:"caFile"`
	CertFile           string `yaml:"certFile"`
	KeyFile            string `yaml:"keyFile"`
	InsecureSkipVerify bool   `yaml:"insecureSkipVerify"`
}

type KafkaSASL struct {
	Mechanism string `yaml:"mechanism"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
}

type Kafka struct {
	Brokers          []string  `yaml:"brokers"`
	TopicPrefix      string    `yaml:"topicPrefix"`
	CompressionCodec string    `yaml:"compressionCodec"`
	RequiredAcks     int       `yaml:"requiredAcks"`
	TLS              KafkaTLS  `yaml:"tls"`
	SASL             KafkaSASL `yaml:"sasl"`
}

type Redis struct {
	URL       string `yaml:"url"`
	KeyPrefix string `yaml:"keyPrefix"`
}

type Cluster struct {
	// Fabric is the capability broker: "local", "kafka" or "redis".
	Fabric string `yaml:"fabric"`
	// Node names this process on the fabric. Defaults to the hostname.
	Node string `yaml:"node"`
	// Target is the service providing audit persistence.
	Target string `yaml:"target"`
	// Serve answers persistence requests addressed to ServiceName.
	Serve       bool          `yaml:"serve"`
	ServiceName string        `yaml:"serviceName"`
	Timeout     time.Duration `yaml:"timeout"`
	Kafka       Kafka         `yaml:"kafka"`
	Redis       Redis         `yaml:"redis"`
}

type CircuitBreaker struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold int           `yaml:"failureThreshold"`
	OpenTimeout      time.Duration `yaml:"openTimeout"`
}

type Daemon struct {
	StartupDelay time.Duration `yaml:"startupDelay"`
	Period       time.Duration `yaml:"period"`
	// MaxAttempts gives up on a head event after this many consecutive
	// failures. Zero retries forever.
	MaxAttempts    int            `yaml:"maxAttempts"`
	CircuitBreaker CircuitBreaker `yaml:"circuitBreaker"`
}

type Telemetry struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	Insecure     bool    `yaml:"insecure"`
	SamplingRate float64 `yaml:"samplingRate"`
}

type Config struct {
	Server      Server      `yaml:"server"`
	Persistence Persistence `yaml:"persistence"`
	Backend     Backend     `yaml:"backend"`
	Cluster     Cluster     `yaml:"cluster"`
	Daemon      Daemon      `yaml:"daemon"`
	Telemetry   Telemetry   `yaml:"telemetry"`
}

// Load reads the relay configuration. A .env file in the working directory is
// loaded first if present. The file path defaults to RELAY_CONFIG_PATH; with
// neither, only defaults and environment overrides apply. The returned Config
// has defaults applied and has been validated.
func Load(configPath ...string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("loading .env: %w", err)
	}

	path := os.Getenv(EnvConfigPath)
	if len(configPath) > 0 && configPath[0] != "" {
		path = configPath[0]
	}

	var config Config
	if path != "" {
		content, err := os.ReadFile(path)
		if err != nil {
			return config, fmt.Errorf("trying to open relay config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(content, &config); err != nil {
			return config, fmt.Errorf("error unmarshaling YAML %s: %w", path, err)
		}
	}

	if err := config.ApplyEnv(os.LookupEnv); err != nil {
		return config, err
	}
	config.Defaults()
	if err := config.Validate(); err != nil {
		return config, err
	}
	return config, nil
}

// ApplyEnv overrides fields from the environment, read through lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvPersistence); ok && v != "" {
		enabled, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s: %q is not a boolean", EnvPersistence, v)
		}
		c.Persistence.Enabled = enabled
	}
	if v, ok := lookup(EnvTechnology); ok && v != "" {
		c.Persistence.Technology = v
	}
	if v, ok := lookup(EnvBackendURL); ok && v != "" {
		c.Backend.URL = v
	}
	if v, ok := lookup(EnvListenAddress); ok && v != "" {
		c.Server.ListenAddress = v
	}
	if v, ok := lookup(EnvClusterFabric); ok && v != "" {
		c.Cluster.Fabric = v
	}
	if v, ok := lookup(EnvClusterNode); ok && v != "" {
		c.Cluster.Node = v
	}
	if v, ok := lookup(EnvKafkaBrokers); ok && v != "" {
		c.Cluster.Kafka.Brokers = splitList(v)
	}
	if v, ok := lookup(EnvRedisURL); ok && v != "" {
		c.Cluster.Redis.URL = v
	}
	return nil
}

// Defaults fills unset fields.
func (c *Config) Defaults() {
	if c.Server.ListenAddress == "" {
		c.Server.ListenAddress = ":8080"
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if c.Server.RateLimit.RequestsPerSecond == 0 {
		c.Server.RateLimit.RequestsPerSecond = 50
	}
	if c.Server.RateLimit.Burst == 0 {
		c.Server.RateLimit.Burst = 100
	}

	if c.Persistence.Technology == "" {
		c.Persistence.Technology = "direct"
	}
	c.Persistence.Technology = strings.ToLower(strings.TrimSpace(c.Persistence.Technology))

	if c.Backend.Timeout == 0 {
		c.Backend.Timeout = 10 * time.Second
	}

	if c.Cluster.Fabric == "" {
		c.Cluster.Fabric = "local"
	}
	c.Cluster.Fabric = strings.ToLower(strings.TrimSpace(c.Cluster.Fabric))
	if c.Cluster.Node == "" {
		if host, err := os.Hostname(); err == nil && host != "" {
			c.Cluster.Node = host
		} else {
			c.Cluster.Node = "audit-relay"
		}
	}
	if c.Cluster.Target == "" {
		c.Cluster.Target = defaultPersistService
	}
	if c.Cluster.ServiceName == "" {
		c.Cluster.ServiceName = defaultPersistService
	}
	if c.Cluster.Timeout == 0 {
		c.Cluster.Timeout = 30 * time.Second
	}
	if c.Cluster.Kafka.TopicPrefix == "" {
		c.Cluster.Kafka.TopicPrefix = "hestia.capability"
	}
	if c.Cluster.Redis.KeyPrefix == "" {
		c.Cluster.Redis.KeyPrefix = "hestia:capability"
	}

	if c.Daemon.StartupDelay == 0 {
		c.Daemon.StartupDelay = 60 * time.Second
	}
	if c.Daemon.Period == 0 {
		c.Daemon.Period = 10 * time.Second
	}
	if c.Daemon.CircuitBreaker.FailureThreshold == 0 {
		c.Daemon.CircuitBreaker.FailureThreshold = 5
	}
	if c.Daemon.CircuitBreaker.OpenTimeout == 0 {
		c.Daemon.CircuitBreaker.OpenTimeout = 30 * time.Second
	}

	if c.Telemetry.Exporter == "" {
		c.Telemetry.Exporter = "otlp"
	}
	if c.Telemetry.SamplingRate == 0 {
		c.Telemetry.SamplingRate = 1.0
	}
}

// Clustered reports whether Technology routes through the capability broker.
// Values other than "cluster" and "jgroups" select direct delivery.
func (p Persistence) Clustered() bool {
	return p.Technology == "cluster" || p.Technology == "jgroups"
}

// KnownTechnology reports whether Technology is one of the recognised values.
func (p Persistence) KnownTechnology() bool {
	return p.Technology == "direct" || p.Clustered()
}

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Persistence.Enabled {
		raw := c.Backend.ResolvedURL()
		if raw == "" {
			errs = append(errs, fmt.Errorf("backend: url or endpoint.host is required when persistence is enabled"))
		} else if u, err := url.Parse(raw); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("backend.url: %q is not an absolute URL", raw))
		}
	}
	if c.Backend.Timeout < 0 {
		errs = append(errs, fmt.Errorf("backend.timeout must not be negative"))
	}
	if c.Backend.RetryCount < 0 {
		errs = append(errs, fmt.Errorf("backend.retryCount must not be negative"))
	}

	switch c.Cluster.Fabric {
	case "local":
	case "kafka":
		if len(c.Cluster.Kafka.Brokers) == 0 {
			errs = append(errs, fmt.Errorf("cluster.kafka.brokers is required for the kafka fabric"))
		}
	case "redis":
		if c.Cluster.Redis.URL == "" {
			errs = append(errs, fmt.Errorf("cluster.redis.url is required for the redis fabric"))
		}
	default:
		errs = append(errs, fmt.Errorf("cluster.fabric: unsupported value %q (local, kafka, redis)", c.Cluster.Fabric))
	}
	if c.Cluster.Timeout < 0 {
		errs = append(errs, fmt.Errorf("cluster.timeout must not be negative"))
	}
	clustered := c.Persistence.Clustered()
	if clustered && c.Cluster.Fabric == "local" {
		errs = append(errs, fmt.Errorf("cluster: technology %q needs the kafka or redis fabric", c.Persistence.Technology))
	}
	if clustered && c.Cluster.Serve && c.Cluster.Target == c.Cluster.ServiceName {
		errs = append(errs, fmt.Errorf("cluster: a node serving %q cannot also target it", c.Cluster.ServiceName))
	}

	if c.Daemon.Period < 0 {
		errs = append(errs, fmt.Errorf("daemon.period must not be negative"))
	}
	if c.Daemon.MaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("daemon.maxAttempts must not be negative"))
	}

	if c.Server.MaxBodyBytes < 0 {
		errs = append(errs, fmt.Errorf("server.maxBodyBytes must not be negative"))
	}
	if c.Server.RateLimit.RequestsPerSecond < 0 || c.Server.RateLimit.Burst < 0 {
		errs = append(errs, fmt.Errorf("server.rateLimit values must not be negative"))
	}

	if c.Telemetry.SamplingRate < 0 || c.Telemetry.SamplingRate > 1 {
		errs = append(errs, fmt.Errorf("telemetry.samplingRate must be within [0, 1]"))
	}

	return errors.Join(errs...)
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
