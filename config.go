package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml"

	"github.com/fosrl/verdict/agent"
	"github.com/fosrl/verdict/policy"
	"github.com/fosrl/verdict/tunnel"
)

// VerdictConfig holds all configuration options for the agent
type VerdictConfig struct {
	LogLevel string `json:"logLevel" toml:"logLevel"`
	Backend  string `json:"backend" toml:"backend"`

	// Tunnel backend
	InterfaceName  string   `json:"interface" toml:"interface"`
	MTU            int      `json:"mtu" toml:"mtu"`
	TunFD          int      `json:"tunFd" toml:"tunFd"`
	Address        string   `json:"address" toml:"address"`
	PrivateKey     string   `json:"privateKey" toml:"privateKey"`
	PeerPublicKey  string   `json:"peerPublicKey" toml:"peerPublicKey"`
	PeerEndpoint   string   `json:"peerEndpoint" toml:"peerEndpoint"`
	PeerAllowedIPs []string `json:"peerAllowedIps" toml:"peerAllowedIps"`

	// Queue backend
	Queue int `json:"queue" toml:"queue"`

	// Inspection
	DataLayer    string   `json:"dataLayer" toml:"dataLayer"`
	TracePackets bool     `json:"tracePackets" toml:"tracePackets"`
	Bypass       []string `json:"bypass" toml:"bypass"`
	MaxPending   int      `json:"maxPending" toml:"maxPending"`
	DrainGrace   string   `json:"drainGrace" toml:"drainGrace"`

	// Policy
	Policy        string   `json:"policy" toml:"policy"`
	Permit        bool     `json:"permit" toml:"permit"`
	Endpoint      string   `json:"endpoint" toml:"endpoint"`
	ID            string   `json:"id" toml:"id"`
	Secret        string   `json:"secret" toml:"secret"`
	TlsClientCert string   `json:"tlsClientCert" toml:"tlsClientCert"`
	TlsClientKey  string   `json:"tlsClientKey" toml:"tlsClientKey"`
	TlsCAFiles    []string `json:"tlsCaFiles" toml:"tlsCaFiles"`
	TlsPKCS12     string   `json:"tlsPkcs12" toml:"tlsPkcs12"`
	PingInterval  string   `json:"pingInterval" toml:"pingInterval"`
	PingTimeout   string   `json:"pingTimeout" toml:"pingTimeout"`

	// HTTP server
	EnableAPI  bool   `json:"enableApi" toml:"enableApi"`
	HTTPAddr   string `json:"httpAddr" toml:"httpAddr"`
	SocketPath string `json:"socketPath" toml:"socketPath"`

	Version string `json:"-" toml:"-"`

	// Parsed values (not in the file)
	PingIntervalDuration time.Duration `json:"-" toml:"-"`
	PingTimeoutDuration  time.Duration `json:"-" toml:"-"`
	DrainGraceDuration   time.Duration `json:"-" toml:"-"`

	sources       map[string]string
	activeProfile string
}

// ConfigSource tracks where each config value came from
type ConfigSource string

const (
	SourceDefault ConfigSource = "default"
	SourceFile    ConfigSource = "file"
	SourceEnv     ConfigSource = "environment"
	SourceCLI     ConfigSource = "cli"
)

const (
	defaultLogLevel     = "INFO"
	defaultHTTPAddr     = ":9453"
	defaultPingInterval = "3s"
	defaultPingTimeout  = "5s"
	defaultDrainGrace   = "2s"
)

// DefaultConfig returns a config with default values
func DefaultConfig() *VerdictConfig {
	config := &VerdictConfig{
		LogLevel:      defaultLogLevel,
		Backend:       agent.BackendTunnel,
		InterfaceName: tunnel.DefaultInterfaceName,
		MTU:           tunnel.DefaultMTU,
		Queue:         100,
		DataLayer:     "transport",
		Policy:        agent.PolicyStatic,
		HTTPAddr:      defaultHTTPAddr,
		PingInterval:  defaultPingInterval,
		PingTimeout:   defaultPingTimeout,
		DrainGrace:    defaultDrainGrace,
		sources:       make(map[string]string),
		activeProfile: "default",
	}
	for _, key := range []string{"logLevel", "backend", "interface", "mtu", "queue", "dataLayer", "policy", "httpAddr", "pingInterval", "pingTimeout", "drainGrace"} {
		config.sources[key] = string(SourceDefault)
	}
	return config
}

// getConfigDir returns the config directory path
func getConfigDir() string {
	if dir := os.Getenv("CONFIG_DIR"); dir != "" {
		return dir
	}

	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(os.Getenv("HOME"), "Library", "Application Support", "verdict")
	case "windows":
		return filepath.Join(os.Getenv("PROGRAMDATA"), "verdict")
	default:
		return filepath.Join(os.Getenv("HOME"), ".config", "verdict")
	}
}

// getConfigPath returns config.json, or config-{profile}.json for a named
// profile. CONFIG_FILE overrides both and may point at a .toml file.
func getConfigPath(profile string) string {
	if file := os.Getenv("CONFIG_FILE"); file != "" {
		return file
	}

	dir := getConfigDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		fmt.Printf("Warning: Failed to create config directory: %v\n", err)
	}
	if profile != "" && profile != "default" {
		return filepath.Join(dir, fmt.Sprintf("config-%s.json", profile))
	}
	return filepath.Join(dir, "config.json")
}

func isTOML(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".toml")
}

// ListProfiles lists all available configuration profiles
func ListProfiles() ([]string, error) {
	entries, err := os.ReadDir(getConfigDir())
	if err != nil {
		if os.IsNotExist(err) {
			return []string{"default"}, nil
		}
		return nil, fmt.Errorf("failed to read config directory: %w", err)
	}

	profiles := []string{}
	hasDefault := false
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if name == "config.json" {
			hasDefault = true
		} else if strings.HasPrefix(name, "config-") && strings.HasSuffix(name, ".json") {
			profiles = append(profiles, strings.TrimSuffix(strings.TrimPrefix(name, "config-"), ".json"))
		}
	}

	if hasDefault || len(profiles) == 0 {
		profiles = append([]string{"default"}, profiles...)
	}
	return profiles, nil
}

// LoadConfig loads configuration from file, env vars, and CLI args
// Priority: CLI args > Env vars > Config file > Defaults
// Returns: (config, showVersion, showConfig, listProfiles, error)
func LoadConfig(args []string) (*VerdictConfig, bool, bool, bool, error) {
	profile := ""
	for i, arg := range args {
		if arg == "-profile" || arg == "--profile" {
			if i+1 < len(args) {
				profile = args[i+1]
			}
			break
		}
		if v, ok := strings.CutPrefix(arg, "-profile="); ok {
			profile = v
		}
		if v, ok := strings.CutPrefix(arg, "--profile="); ok {
			profile = v
		}
	}
	if profile == "" {
		profile = os.Getenv("VERDICT_PROFILE")
	}

	config := DefaultConfig()
	if profile != "" {
		config.activeProfile = profile
	}

	fileConfig, err := loadConfigFromFile(profile)
	if err != nil {
		return nil, false, false, false, fmt.Errorf("failed to load config file: %w", err)
	}
	if fileConfig != nil {
		mergeConfigs(config, fileConfig)
	}

	loadConfigFromEnv(config)

	showVersion, showConfig, listProfiles, err := loadConfigFromCLI(config, args)
	if err != nil {
		return nil, false, false, false, err
	}

	config.parseDurations()
	return config, showVersion, showConfig, listProfiles, nil
}

// loadConfigFromFile loads the JSON or TOML config file, if it exists
func loadConfigFromFile(profile string) (*VerdictConfig, error) {
	path := getConfigPath(profile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var config VerdictConfig
	if isTOML(path) {
		err = toml.Unmarshal(data, &config)
	} else {
		err = json.Unmarshal(data, &config)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return &config, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// loadConfigFromEnv loads configuration from environment variables
func loadConfigFromEnv(config *VerdictConfig) {
	str := func(key, env string, dst *string) {
		if val := os.Getenv(env); val != "" {
			*dst = val
			config.sources[key] = string(SourceEnv)
		}
	}
	num := func(key, env string, dst *int) {
		val := os.Getenv(env)
		if val == "" {
			return
		}
		n, err := strconv.Atoi(val)
		if err != nil {
			fmt.Printf("Invalid %s value: %s, keeping current value\n", env, val)
			return
		}
		*dst = n
		config.sources[key] = string(SourceEnv)
	}
	list := func(key, env string, dst *[]string) {
		if val := os.Getenv(env); val != "" {
			*dst = splitList(val)
			config.sources[key] = string(SourceEnv)
		}
	}
	boolean := func(key, env string, dst *bool) {
		val := os.Getenv(env)
		if val == "" {
			return
		}
		b, err := strconv.ParseBool(val)
		if err != nil {
			fmt.Printf("Invalid %s value: %s, keeping current value\n", env, val)
			return
		}
		*dst = b
		config.sources[key] = string(SourceEnv)
	}

	str("logLevel", "LOG_LEVEL", &config.LogLevel)
	str("backend", "BACKEND", &config.Backend)
	str("interface", "INTERFACE", &config.InterfaceName)
	num("mtu", "MTU", &config.MTU)
	num("tunFd", "TUN_FD", &config.TunFD)
	str("address", "TUNNEL_ADDRESS", &config.Address)
	str("privateKey", "PRIVATE_KEY", &config.PrivateKey)
	str("peerPublicKey", "PEER_PUBLIC_KEY", &config.PeerPublicKey)
	str("peerEndpoint", "PEER_ENDPOINT", &config.PeerEndpoint)
	list("peerAllowedIps", "PEER_ALLOWED_IPS", &config.PeerAllowedIPs)
	num("queue", "NFQUEUE", &config.Queue)
	str("dataLayer", "DATA_LAYER", &config.DataLayer)
	boolean("tracePackets", "TRACE_PACKETS", &config.TracePackets)
	list("bypass", "BYPASS", &config.Bypass)
	num("maxPending", "MAX_PENDING", &config.MaxPending)
	str("drainGrace", "DRAIN_GRACE", &config.DrainGrace)
	str("policy", "POLICY", &config.Policy)
	boolean("permit", "PERMIT", &config.Permit)
	str("endpoint", "VERDICT_ENDPOINT", &config.Endpoint)
	str("id", "VERDICT_ID", &config.ID)
	str("secret", "VERDICT_SECRET", &config.Secret)
	str("tlsClientCert", "TLS_CLIENT_CERT", &config.TlsClientCert)
	str("tlsClientKey", "TLS_CLIENT_KEY", &config.TlsClientKey)
	list("tlsCaFiles", "TLS_CA_FILES", &config.TlsCAFiles)
	str("tlsPkcs12", "TLS_PKCS12", &config.TlsPKCS12)
	str("pingInterval", "PING_INTERVAL", &config.PingInterval)
	str("pingTimeout", "PING_TIMEOUT", &config.PingTimeout)
	boolean("enableApi", "ENABLE_API", &config.EnableAPI)
	str("httpAddr", "HTTP_ADDR", &config.HTTPAddr)
	str("socketPath", "SOCKET_PATH", &config.SocketPath)
}

// listValue is a comma separated flag value
type listValue struct{ dst *[]string }

func (l listValue) String() string {
	if l.dst == nil {
		return ""
	}
	return strings.Join(*l.dst, ",")
}

func (l listValue) Set(s string) error {
	*l.dst = splitList(s)
	return nil
}

// flagKeys maps flag names onto config keys for source tracking
var flagKeys = map[string]string{
	"log-level":        "logLevel",
	"backend":          "backend",
	"interface":        "interface",
	"mtu":              "mtu",
	"tun-fd":           "tunFd",
	"address":          "address",
	"private-key":      "privateKey",
	"peer-public-key":  "peerPublicKey",
	"peer-endpoint":    "peerEndpoint",
	"peer-allowed-ips": "peerAllowedIps",
	"queue":            "queue",
	"data-layer":       "dataLayer",
	"trace-packets":    "tracePackets",
	"bypass":           "bypass",
	"max-pending":      "maxPending",
	"drain-grace":      "drainGrace",
	"policy":           "policy",
	"permit":           "permit",
	"endpoint":         "endpoint",
	"id":               "id",
	"secret":           "secret",
	"tls-client-cert":  "tlsClientCert",
	"tls-client-key":   "tlsClientKey",
	"tls-ca-files":     "tlsCaFiles",
	"tls-pkcs12":       "tlsPkcs12",
	"ping-interval":    "pingInterval",
	"ping-timeout":     "pingTimeout",
	"enable-api":       "enableApi",
	"http-addr":        "httpAddr",
	"socket-path":      "socketPath",
}

// loadConfigFromCLI loads configuration from command-line arguments
func loadConfigFromCLI(config *VerdictConfig, args []string) (bool, bool, bool, error) {
	fs := flag.NewFlagSet("verdict", flag.ContinueOnError)

	profileFlag := fs.String("profile", "", "Configuration profile to use (e.g., dev, prod, staging)")
	fs.StringVar(&config.LogLevel, "log-level", config.LogLevel, "Log level (DEBUG, INFO, WARN, ERROR, FATAL)")
	fs.StringVar(&config.Backend, "backend", config.Backend, "Packet source: tunnel or nfqueue")
	fs.StringVar(&config.InterfaceName, "interface", config.InterfaceName, "Name of the WireGuard interface")
	fs.IntVar(&config.MTU, "mtu", config.MTU, "MTU to use")
	fs.IntVar(&config.TunFD, "tun-fd", config.TunFD, "Use an already open TUN file descriptor")
	fs.StringVar(&config.Address, "address", config.Address, "Tunnel interface address (e.g. 100.90.0.2/24)")
	fs.StringVar(&config.PrivateKey, "private-key", config.PrivateKey, "WireGuard private key (generated when empty)")
	fs.StringVar(&config.PeerPublicKey, "peer-public-key", config.PeerPublicKey, "WireGuard public key of the peer")
	fs.StringVar(&config.PeerEndpoint, "peer-endpoint", config.PeerEndpoint, "Peer endpoint host:port")
	fs.Var(listValue{&config.PeerAllowedIPs}, "peer-allowed-ips", "Comma separated prefixes routed to the peer")
	fs.IntVar(&config.Queue, "queue", config.Queue, "Netfilter queue number")
	fs.StringVar(&config.DataLayer, "data-layer", config.DataLayer, "Inspected data layer: transport, network or none")
	fs.BoolVar(&config.TracePackets, "trace-packets", config.TracePackets, "Log every classified packet at debug level")
	fs.Var(listValue{&config.Bypass}, "bypass", "Comma separated addresses or prefixes that are never inspected")
	fs.IntVar(&config.MaxPending, "max-pending", config.MaxPending, "Maximum number of pended items")
	fs.StringVar(&config.DrainGrace, "drain-grace", config.DrainGrace, "How long shutdown waits for re-authorizations")
	fs.StringVar(&config.Policy, "policy", config.Policy, "Policy source: static or remote")
	fs.BoolVar(&config.Permit, "permit", config.Permit, "Initial static verdict, and the remote verdict until one arrives")
	fs.StringVar(&config.Endpoint, "endpoint", config.Endpoint, "Verdict authority endpoint")
	fs.StringVar(&config.ID, "id", config.ID, "Verdict authority client ID")
	fs.StringVar(&config.Secret, "secret", config.Secret, "Verdict authority client secret")
	fs.StringVar(&config.TlsClientCert, "tls-client-cert", config.TlsClientCert, "Client certificate for the verdict authority")
	fs.StringVar(&config.TlsClientKey, "tls-client-key", config.TlsClientKey, "Client key for the verdict authority")
	fs.Var(listValue{&config.TlsCAFiles}, "tls-ca-files", "Comma separated CA files for the verdict authority")
	fs.StringVar(&config.TlsPKCS12, "tls-pkcs12", config.TlsPKCS12, "PKCS12 bundle with key, certificate and CA chain")
	fs.StringVar(&config.PingInterval, "ping-interval", config.PingInterval, "Interval for pinging the verdict authority")
	fs.StringVar(&config.PingTimeout, "ping-timeout", config.PingTimeout, "Timeout for each ping")
	fs.BoolVar(&config.EnableAPI, "enable-api", config.EnableAPI, "Enable the control API")
	fs.StringVar(&config.HTTPAddr, "http-addr", config.HTTPAddr, "HTTP server address (e.g., ':9453')")
	fs.StringVar(&config.SocketPath, "socket-path", config.SocketPath, "Serve the API on a unix socket or named pipe instead")

	version := fs.Bool("version", false, "Print the version")
	showConfig := fs.Bool("show-config", false, "Show configuration sources and exit")
	listProfiles := fs.Bool("list-profiles", false, "List available configuration profiles and exit")

	if err := fs.Parse(args); err != nil {
		return false, false, false, err
	}

	if *profileFlag != "" {
		config.activeProfile = *profileFlag
	}
	fs.Visit(func(f *flag.Flag) {
		if key, ok := flagKeys[f.Name]; ok {
			config.sources[key] = string(SourceCLI)
		}
	})

	return *version, *showConfig, *listProfiles, nil
}

func parseDuration(name string, value *string, fallback string) time.Duration {
	if *value != "" {
		if d, err := time.ParseDuration(*value); err == nil {
			return d
		}
		fmt.Printf("Invalid %s value: %s, using default %s\n", name, *value, fallback)
	}
	*value = fallback
	d, _ := time.ParseDuration(fallback)
	return d
}

// parseDurations parses the duration strings into time.Duration
func (c *VerdictConfig) parseDurations() {
	c.PingIntervalDuration = parseDuration("PING_INTERVAL", &c.PingInterval, defaultPingInterval)
	c.PingTimeoutDuration = parseDuration("PING_TIMEOUT", &c.PingTimeout, defaultPingTimeout)
	c.DrainGraceDuration = parseDuration("DRAIN_GRACE", &c.DrainGrace, defaultDrainGrace)
}

// mergeConfigs merges source config into destination (only non-empty values)
// Also tracks that these values came from a file
func mergeConfigs(dest, src *VerdictConfig) {
	str := func(key string, dst *string, val string) {
		if val != "" {
			*dst = val
			dest.sources[key] = string(SourceFile)
		}
	}
	num := func(key string, dst *int, val int) {
		if val != 0 {
			*dst = val
			dest.sources[key] = string(SourceFile)
		}
	}
	list := func(key string, dst *[]string, val []string) {
		if len(val) > 0 {
			*dst = val
			dest.sources[key] = string(SourceFile)
		}
	}
	// booleans can only be switched on from a file
	boolean := func(key string, dst *bool, val bool) {
		if val {
			*dst = true
			dest.sources[key] = string(SourceFile)
		}
	}

	str("logLevel", &dest.LogLevel, src.LogLevel)
	str("backend", &dest.Backend, src.Backend)
	str("interface", &dest.InterfaceName, src.InterfaceName)
	num("mtu", &dest.MTU, src.MTU)
	num("tunFd", &dest.TunFD, src.TunFD)
	str("address", &dest.Address, src.Address)
	str("privateKey", &dest.PrivateKey, src.PrivateKey)
	str("peerPublicKey", &dest.PeerPublicKey, src.PeerPublicKey)
	str("peerEndpoint", &dest.PeerEndpoint, src.PeerEndpoint)
	list("peerAllowedIps", &dest.PeerAllowedIPs, src.PeerAllowedIPs)
	num("queue", &dest.Queue, src.Queue)
	str("dataLayer", &dest.DataLayer, src.DataLayer)
	boolean("tracePackets", &dest.TracePackets, src.TracePackets)
	list("bypass", &dest.Bypass, src.Bypass)
	num("maxPending", &dest.MaxPending, src.MaxPending)
	str("drainGrace", &dest.DrainGrace, src.DrainGrace)
	str("policy", &dest.Policy, src.Policy)
	boolean("permit", &dest.Permit, src.Permit)
	str("endpoint", &dest.Endpoint, src.Endpoint)
	str("id", &dest.ID, src.ID)
	str("secret", &dest.Secret, src.Secret)
	str("tlsClientCert", &dest.TlsClientCert, src.TlsClientCert)
	str("tlsClientKey", &dest.TlsClientKey, src.TlsClientKey)
	list("tlsCaFiles", &dest.TlsCAFiles, src.TlsCAFiles)
	str("tlsPkcs12", &dest.TlsPKCS12, src.TlsPKCS12)
	str("pingInterval", &dest.PingInterval, src.PingInterval)
	str("pingTimeout", &dest.PingTimeout, src.PingTimeout)
	boolean("enableApi", &dest.EnableAPI, src.EnableAPI)
	str("httpAddr", &dest.HTTPAddr, src.HTTPAddr)
	str("socketPath", &dest.SocketPath, src.SocketPath)
}

// SaveConfig saves the current configuration to the config file, in TOML
// when the path says so
func SaveConfig(config *VerdictConfig) error {
	path := getConfigPath(config.activeProfile)
	var (
		data []byte
		err  error
	)
	if isTOML(path) {
		data, err = toml.Marshal(config)
	} else {
		data, err = json.MarshalIndent(config, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0600)
}

func parsePrefix(s string) (netip.Prefix, error) {
	if strings.Contains(s, "/") {
		return netip.ParsePrefix(s)
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, err
	}
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

func parsePrefixes(name string, values []string) ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(values))
	for _, v := range values {
		p, err := parsePrefix(v)
		if err != nil {
			return nil, fmt.Errorf("invalid %s entry %q: %w", name, v, err)
		}
		out = append(out, p)
	}
	return out, nil
}

// AgentConfig converts the loaded settings into the agent's config
func (c *VerdictConfig) AgentConfig() (agent.Config, error) {
	cfg := agent.Config{
		Version:      c.Version,
		Backend:      strings.ToLower(c.Backend),
		DataLayer:    c.DataLayer,
		TracePackets: c.TracePackets,
		MaxPending:   c.MaxPending,
		DrainGrace:   c.DrainGraceDuration,
		PolicySource: strings.ToLower(c.Policy),
		Permit:       c.Permit,
		Remote: policy.RemoteConfig{
			ID:       c.ID,
			Secret:   c.Secret,
			Endpoint: c.Endpoint,
			TLS: policy.TLSConfig{
				ClientCertFile: c.TlsClientCert,
				ClientKeyFile:  c.TlsClientKey,
				CAFiles:        c.TlsCAFiles,
				PKCS12File:     c.TlsPKCS12,
			},
			PingInterval: c.PingIntervalDuration,
			PingTimeout:  c.PingTimeoutDuration,
		},
		EnableAPI:  c.EnableAPI,
		HTTPAddr:   c.HTTPAddr,
		SocketPath: c.SocketPath,
	}

	if c.Queue < 0 || c.Queue > 0xffff {
		return cfg, fmt.Errorf("queue %d out of range", c.Queue)
	}
	cfg.Queue = uint16(c.Queue)
	if c.TunFD < 0 {
		return cfg, fmt.Errorf("invalid tun-fd %d", c.TunFD)
	}

	var err error
	if cfg.Bypass, err = parsePrefixes("bypass", c.Bypass); err != nil {
		return cfg, err
	}
	allowed, err := parsePrefixes("peer-allowed-ips", c.PeerAllowedIPs)
	if err != nil {
		return cfg, err
	}

	cfg.Tunnel = tunnel.Config{
		InterfaceName:     c.InterfaceName,
		MTU:               c.MTU,
		FileDescriptorTun: uint32(c.TunFD),
		PrivateKey:        c.PrivateKey,
		PeerPublicKey:     c.PeerPublicKey,
		PeerEndpoint:      c.PeerEndpoint,
		PeerAllowedIPs:    allowed,
	}
	if c.Address != "" {
		if cfg.Tunnel.Address, err = netip.ParsePrefix(c.Address); err != nil {
			return cfg, fmt.Errorf("invalid address %q: %w", c.Address, err)
		}
	}
	return cfg, nil
}

// ShowConfig prints the configuration and the source of each value
func (c *VerdictConfig) ShowConfig() {
	configPath := getConfigPath(c.activeProfile)

	fmt.Print("\n=== Verdict Configuration ===\n\n")
	fmt.Printf("Active Profile: %s\n", c.activeProfile)
	fmt.Printf("Config File: %s\n", configPath)
	if _, err := os.Stat(configPath); err == nil {
		fmt.Printf("Config File Status: ✓ exists\n")
	} else {
		fmt.Printf("Config File Status: ✗ not found\n")
	}

	fmt.Println("\n--- Configuration Values ---")
	fmt.Print("(Format: Setting = Value [source])\n\n")

	getSource := func(key string) string {
		if source, ok := c.sources[key]; ok {
			return source
		}
		return string(SourceDefault)
	}
	mask := func(value string) string {
		if value == "" {
			return "(not set)"
		}
		if len(value) > 8 {
			return value[:4] + "****" + value[len(value)-4:]
		}
		return "****"
	}
	orUnset := func(value string) string {
		if value == "" {
			return "(not set)"
		}
		return value
	}
	row := func(name, key string, value interface{}) {
		fmt.Printf("  %-16s = %v [%s]\n", name, value, getSource(key))
	}

	fmt.Println("General:")
	row("log-level", "logLevel", c.LogLevel)
	row("backend", "backend", c.Backend)

	fmt.Println("\nTunnel:")
	row("interface", "interface", c.InterfaceName)
	row("mtu", "mtu", c.MTU)
	row("tun-fd", "tunFd", c.TunFD)
	row("address", "address", orUnset(c.Address))
	row("private-key", "privateKey", mask(c.PrivateKey))
	row("peer-public-key", "peerPublicKey", orUnset(c.PeerPublicKey))
	row("peer-endpoint", "peerEndpoint", orUnset(c.PeerEndpoint))
	row("peer-allowed-ips", "peerAllowedIps", orUnset(strings.Join(c.PeerAllowedIPs, ",")))

	fmt.Println("\nQueue:")
	row("queue", "queue", c.Queue)

	fmt.Println("\nInspection:")
	row("data-layer", "dataLayer", c.DataLayer)
	row("trace-packets", "tracePackets", c.TracePackets)
	row("bypass", "bypass", orUnset(strings.Join(c.Bypass, ",")))
	row("max-pending", "maxPending", c.MaxPending)
	row("drain-grace", "drainGrace", c.DrainGrace)

	fmt.Println("\nPolicy:")
	row("policy", "policy", c.Policy)
	row("permit", "permit", c.Permit)
	row("endpoint", "endpoint", orUnset(c.Endpoint))
	row("id", "id", orUnset(c.ID))
	row("secret", "secret", mask(c.Secret))
	row("ping-interval", "pingInterval", c.PingInterval)
	row("ping-timeout", "pingTimeout", c.PingTimeout)
	if c.TlsClientCert != "" {
		row("tls-client-cert", "tlsClientCert", c.TlsClientCert)
	}
	if c.TlsPKCS12 != "" {
		row("tls-pkcs12", "tlsPkcs12", c.TlsPKCS12)
	}

	fmt.Println("\nAPI:")
	row("enable-api", "enableApi", c.EnableAPI)
	row("http-addr", "httpAddr", c.HTTPAddr)
	row("socket-path", "socketPath", orUnset(c.SocketPath))

	fmt.Println("\n--- Source Legend ---")
	fmt.Println("  default     = Built-in default value")
	fmt.Println("  file        = Loaded from config file")
	fmt.Println("  environment = Set via environment variable")
	fmt.Println("  cli         = Provided as command-line argument")
	fmt.Println("\nPriority: cli > environment > file > default")
	fmt.Println()
}

// ShowProfiles displays all available configuration profiles
func ShowProfiles() error {
	profiles, err := ListProfiles()
	if err != nil {
		return err
	}

	fmt.Print("\n=== Available Configuration Profiles ===\n\n")
	fmt.Printf("Config Directory: %s\n\n", getConfigDir())

	fmt.Println("Profiles:")
	for _, profile := range profiles {
		exists := "✗"
		if _, err := os.Stat(getConfigPath(profile)); err == nil {
			exists = "✓"
		}
		if profile == "default" {
			fmt.Printf("  %s %s (default)\n", exists, profile)
		} else {
			fmt.Printf("  %s %s\n", exists, profile)
		}
	}

	fmt.Println("\nUsage:")
	fmt.Println("  Use a profile:     verdict -profile=<name>")
	fmt.Println("  Via environment:   export VERDICT_PROFILE=<name>")
	fmt.Println("  Create profile:    Copy config.json to config-<name>.json")
	fmt.Println()
	return nil
}
