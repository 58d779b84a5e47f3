package params

import (
	"fmt"
	"net/url"
	"os"
	"runtime"
	"strings"
	"time"

	validator "gopkg.in/go-playground/validator.v9"
	"gopkg.in/yaml.v3"
)

// Protocol selects the dispatcher used for a chain. It is a closed set;
// anything else fails validation.
type Protocol string

const (
	ProtocolJSONRPC Protocol = "jsonrpc"
	ProtocolHTTP    Protocol = "http"
	ProtocolGRPC    Protocol = "grpc"
)

const (
	// DefaultGracePeriod bounds draining of in-flight requests on shutdown
	// and during hot upgrade.
	DefaultGracePeriod = 30 * time.Second

	// DefaultUpgradeSock is the control-channel socket used for listener
	// handoff between an old and a new instance.
	DefaultUpgradeSock = "/tmp/chain-proxy-upgrade.sock"

	// DefaultPidFile records the pid of the instance currently accepting.
	DefaultPidFile = "/tmp/chain-proxy.pid"
)

// NodeConfig describes a single upstream node within a chain.
// Immutable after load.
type NodeConfig struct {
	Address  string            `yaml:"Address" validate:"required"`
	Priority int               `yaml:"Priority"`
	Username string            `yaml:"Username"`
	Password string            `yaml:"Password"`
	Headers  map[string]string `yaml:"Headers"`
}

// URL returns the parsed node address.
func (n *NodeConfig) URL() (*url.URL, error) {
	u, err := url.Parse(n.Address)
	if err != nil {
		return nil, err
	}
	if u.Host == "" {
		return nil, fmt.Errorf("node address %q has no host", n.Address)
	}
	switch u.Scheme {
	case "http", "https":
	default:
		return nil, fmt.Errorf("node address %q has unsupported scheme %q", n.Address, u.Scheme)
	}
	return u, nil
}

// TLS reports whether the node is reached over https.
func (n *NodeConfig) TLS() bool {
	return strings.HasPrefix(n.Address, "https://")
}

// HostPort returns the dialable host:port of the node, applying the scheme
// default port when the address does not carry one.
func (n *NodeConfig) HostPort() (string, error) {
	u, err := n.URL()
	if err != nil {
		return "", err
	}
	if u.Port() != "" {
		return u.Host, nil
	}
	if u.Scheme == "https" {
		return u.Hostname() + ":443", nil
	}
	return u.Hostname() + ":80", nil
}

// HealthCheckConfig defines how the periodic probe request is constructed.
type HealthCheckConfig struct {
	Path        string `yaml:"Path" validate:"required"`
	Method      string `yaml:"Method" validate:"required"`
	RequestBody string `yaml:"RequestBody"`
}

// SpecialMethodConfig routes one exact method name to a dedicated node list,
// superseding the chain's default nodes.
type SpecialMethodConfig struct {
	MethodName string       `yaml:"MethodName" validate:"required"`
	Nodes      []NodeConfig `yaml:"Nodes" validate:"required,min=1,dive"`
}

// ChainConfig describes one proxied upstream cluster. Commons reuse the same
// shape; a zero BlockGap/ChainType means the chain has no block-height
// semantics and probes are judged on status alone.
type ChainConfig struct {
	Name     string   `yaml:"Name" validate:"required"`
	Protocol Protocol `yaml:"Protocol" validate:"required"`

	// ChainType hints how a probe response is interpreted (for example
	// "ethereum", "cosmos"). Opaque to routing.
	ChainType string `yaml:"ChainType"`

	Listen   uint16 `yaml:"Listen" validate:"required"`
	Interval uint64 `yaml:"Interval" validate:"required,min=1"`
	BlockGap uint64 `yaml:"BlockGap"`

	Nodes          []NodeConfig          `yaml:"Nodes" validate:"required,min=1,dive"`
	HealthCheck    HealthCheckConfig     `yaml:"HealthCheck" validate:"required"`
	SpecialMethods []SpecialMethodConfig `yaml:"SpecialMethods" validate:"dive"`
}

// HealthCheckInterval returns the probe period.
func (c *ChainConfig) HealthCheckInterval() time.Duration {
	return time.Duration(c.Interval) * time.Second
}

// SpecialMethod returns the override for the given method name, if any.
// Matching is exact.
func (c *ChainConfig) SpecialMethod(method string) (*SpecialMethodConfig, bool) {
	if method == "" {
		return nil, false
	}
	for i := range c.SpecialMethods {
		if c.SpecialMethods[i].MethodName == method {
			return &c.SpecialMethods[i], true
		}
	}
	return nil, false
}

// AllNodes returns the chain's default nodes plus every override-only node,
// deduplicated by address. Health probing covers all of them.
func (c *ChainConfig) AllNodes() []NodeConfig {
	seen := make(map[string]struct{}, len(c.Nodes))
	nodes := make([]NodeConfig, 0, len(c.Nodes))
	for _, n := range c.Nodes {
		if _, ok := seen[n.Address]; ok {
			continue
		}
		seen[n.Address] = struct{}{}
		nodes = append(nodes, n)
	}
	for _, sm := range c.SpecialMethods {
		for _, n := range sm.Nodes {
			if _, ok := seen[n.Address]; ok {
				continue
			}
			seen[n.Address] = struct{}{}
			nodes = append(nodes, n)
		}
	}
	return nodes
}

// MonitorConfig configures the prometheus endpoint.
type MonitorConfig struct {
	Listen uint16 `yaml:"Listen"`
	System string `yaml:"System"`
}

// ServerConfig holds process-level settings: worker bound, graceful-shutdown
// window and the upgrade control channel.
type ServerConfig struct {
	Threads            int    `yaml:"Threads"`
	GracePeriodSeconds uint64 `yaml:"GracePeriodSeconds"`
	PidFile            string `yaml:"PidFile"`
	UpgradeSock        string `yaml:"UpgradeSock"`

	// UnifyProxyListen, when non-zero, adds a single shared port that
	// multiplexes to chains by the /{chainType}/{chainName} path prefix.
	UnifyProxyListen uint16 `yaml:"UnifyProxyListen"`
}

// GracePeriod returns the configured drain window.
func (s *ServerConfig) GracePeriod() time.Duration {
	return time.Duration(s.GracePeriodSeconds) * time.Second
}

// Config is the validated, immutable configuration consumed by every other
// component.
type Config struct {
	Chains  []ChainConfig `yaml:"Chains" validate:"dive"`
	Commons []ChainConfig `yaml:"Commons" validate:"dive"`
	Monitor MonitorConfig `yaml:"Monitor"`
	Server  ServerConfig  `yaml:"Server"`
}

// AllChains returns chains followed by commons, the order listeners are
// created in.
func (c *Config) AllChains() []ChainConfig {
	all := make([]ChainConfig, 0, len(c.Chains)+len(c.Commons))
	all = append(all, c.Chains...)
	all = append(all, c.Commons...)
	return all
}

// LoadConfig reads, decodes and validates a YAML configuration file.
// Any error here is fatal at startup.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return NewConfigFromYAML(data)
}

// NewConfigFromYAML decodes and validates raw YAML configuration.
func NewConfigFromYAML(data []byte) (*Config, error) {
	c := &Config{}
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	c.setDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) setDefaults() {
	if c.Server.Threads == 0 {
		c.Server.Threads = runtime.NumCPU()
	}
	if c.Server.GracePeriodSeconds == 0 {
		c.Server.GracePeriodSeconds = uint64(DefaultGracePeriod / time.Second)
	}
	if c.Server.PidFile == "" {
		c.Server.PidFile = DefaultPidFile
	}
	if c.Server.UpgradeSock == "" {
		c.Server.UpgradeSock = DefaultUpgradeSock
	}
}

// Validate checks struct tags plus the cross-field invariants: unique chain
// names, unique listen ports across chains, commons, monitor and the unified
// port, parseable node addresses and a member Protocol.
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return err
	}

	if len(c.Chains)+len(c.Commons) == 0 {
		return fmt.Errorf("config has no chains and no commons")
	}

	names := make(map[string]struct{})
	ports := make(map[uint16]string)

	claimPort := func(port uint16, owner string) error {
		if port == 0 {
			return nil
		}
		if prev, ok := ports[port]; ok {
			return fmt.Errorf("listen port %d used by both %s and %s", port, prev, owner)
		}
		ports[port] = owner
		return nil
	}

	for i := range c.Chains {
		if err := c.validateChain(&c.Chains[i], names, claimPort); err != nil {
			return err
		}
	}
	for i := range c.Commons {
		if err := c.validateChain(&c.Commons[i], names, claimPort); err != nil {
			return err
		}
	}
	if err := claimPort(c.Monitor.Listen, "monitor"); err != nil {
		return err
	}
	if err := claimPort(c.Server.UnifyProxyListen, "unify proxy"); err != nil {
		return err
	}

	if c.Server.Threads < 1 {
		return fmt.Errorf("Server.Threads must be positive, got %d", c.Server.Threads)
	}

	return nil
}

func (c *Config) validateChain(chain *ChainConfig, names map[string]struct{}, claimPort func(uint16, string) error) error {
	if _, ok := names[chain.Name]; ok {
		return fmt.Errorf("duplicate chain name %q", chain.Name)
	}
	names[chain.Name] = struct{}{}

	switch chain.Protocol {
	case ProtocolJSONRPC, ProtocolHTTP, ProtocolGRPC:
	default:
		return fmt.Errorf("chain %q: unknown protocol %q", chain.Name, chain.Protocol)
	}

	if err := claimPort(chain.Listen, chain.Name); err != nil {
		return err
	}

	for i := range chain.Nodes {
		if _, err := chain.Nodes[i].URL(); err != nil {
			return fmt.Errorf("chain %q: %w", chain.Name, err)
		}
	}
	for _, sm := range chain.SpecialMethods {
		for i := range sm.Nodes {
			if _, err := sm.Nodes[i].URL(); err != nil {
				return fmt.Errorf("chain %q method %q: %w", chain.Name, sm.MethodName, err)
			}
		}
	}

	return nil
}
