package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/lorawan-server/lorawan-classb/pkg/lorawan"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid config")

// Config represents the simulator configuration
type Config struct {
	Server          ServerConfig           `yaml:"server"`
	API             APIConfig              `yaml:"api"`
	Database        DatabaseConfig         `yaml:"database"`
	NATS            NATSConfig             `yaml:"nats"`
	Integration     IntegrationConfig      `yaml:"integration"`
	JWT             JWTConfig              `yaml:"jwt"`
	Log             LogConfig              `yaml:"log"`
	Simulation      SimulationConfig       `yaml:"simulation"`
	Beacon          BeaconConfig           `yaml:"beacon"`
	Network         NetworkConfig          `yaml:"network"`
	Medium          MediumConfig           `yaml:"medium"`
	Gateways        []GatewayConfig        `yaml:"gateways"`
	MulticastGroups []MulticastGroupConfig `yaml:"multicast_groups"`
	Devices         []DeviceConfig         `yaml:"devices"`
}

// ServerConfig represents server configuration
type ServerConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// APIConfig represents the status API configuration
type APIConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	AdminUser      string   `yaml:"admin_user"`
	// AdminPasswordHash is a bcrypt hash.
	AdminPasswordHash string `yaml:"admin_password_hash"`
}

// Addr returns host:port.
func (c APIConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// DatabaseConfig represents database configuration. An empty DSN keeps
// events and summaries in memory.
type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// NATSConfig represents NATS configuration. An empty URL disables event
// publishing.
type NATSConfig struct {
	URL               string        `yaml:"url"`
	ClientID          string        `yaml:"client_id"`
	Username          string        `yaml:"username"`
	Password          string        `yaml:"password"`
	MaxReconnects     int           `yaml:"max_reconnects"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
	// Persist subscribes to published events and stores them.
	Persist bool `yaml:"persist"`
}

// IntegrationConfig forwards simulation events to external systems.
type IntegrationConfig struct {
	HTTP HTTPIntegrationConfig `yaml:"http"`
	MQTT MQTTIntegrationConfig `yaml:"mqtt"`
	// Kinds limits forwarding to these event kinds. Empty forwards all.
	Kinds     []string `yaml:"kinds"`
	QueueSize int      `yaml:"queue_size"`
}

// Enabled reports whether any target is configured.
func (c IntegrationConfig) Enabled() bool {
	return c.HTTP.Enabled || c.MQTT.Enabled
}

// HTTPIntegrationConfig posts every event to a webhook.
type HTTPIntegrationConfig struct {
	Enabled  bool              `yaml:"enabled"`
	Endpoint string            `yaml:"endpoint"`
	Headers  map[string]string `yaml:"headers"`
	Timeout  time.Duration     `yaml:"timeout"`
}

// MQTTIntegrationConfig publishes every event to a broker. TopicPattern may
// use {run_id}, {kind} and {subject}.
type MQTTIntegrationConfig struct {
	Enabled      bool   `yaml:"enabled"`
	BrokerURL    string `yaml:"broker_url"`
	ClientID     string `yaml:"client_id"`
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
	TopicPattern string `yaml:"topic_pattern"`
	QoS          byte   `yaml:"qos"`
	TLS          bool   `yaml:"tls"`
}

// JWTConfig represents JWT configuration
type JWTConfig struct {
	Secret         string        `yaml:"secret"`
	AccessTokenTTL time.Duration `yaml:"access_token_ttl"`
	Issuer         string        `yaml:"issuer"`
}

// LogConfig represents logging configuration
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	// Events logs every domain event at debug level.
	Events bool `yaml:"events"`
}

// SimulationConfig controls the virtual clock.
type SimulationConfig struct {
	Seed     int64         `yaml:"seed"`
	Duration time.Duration `yaml:"duration"`
	// StartTime aligns the virtual clock to GPS time. The zero value starts
	// the clock at the GPS epoch.
	StartTime time.Time `yaml:"start_time"`
	Realtime  bool      `yaml:"realtime"`
	// Speed is the number of virtual seconds per wall clock second in
	// realtime mode.
	Speed float64 `yaml:"speed"`
}

// BeaconConfig represents the network beacon settings
type BeaconConfig struct {
	Disabled  bool   `yaml:"disabled"`
	Frequency uint32 `yaml:"frequency"`
	DataRate  int    `yaml:"data_rate"`
	InfoDesc  uint8  `yaml:"info_desc"`
	Info      uint64 `yaml:"info"`
}

// NetworkConfig represents network server configuration
type NetworkConfig struct {
	Band        string        `yaml:"band"`
	Sequenced   bool          `yaml:"sequenced"`
	PayloadSize int           `yaml:"payload_size"`
	FPort       uint8         `yaml:"fport"`
	RX1Delay    time.Duration `yaml:"rx1_delay"`
	RX1DROffset uint8         `yaml:"rx1_dr_offset"`
}

// MediumConfig sets the default link quality.
type MediumConfig struct {
	Loss  float64      `yaml:"loss"`
	RSSI  float64      `yaml:"rssi"`
	Links []LinkConfig `yaml:"links"`
}

// LinkConfig overrides the link between two endpoints. An empty From
// applies to every transmitter.
type LinkConfig struct {
	From string  `yaml:"from"`
	To   string  `yaml:"to"`
	Loss float64 `yaml:"loss"`
	RSSI float64 `yaml:"rssi"`
}

// GatewayConfig represents one simulated gateway
type GatewayConfig struct {
	ID              string            `yaml:"id"`
	Beacon          bool              `yaml:"beacon"`
	ClassB          bool              `yaml:"class_b"`
	DutyCycle       bool              `yaml:"duty_cycle"`
	TxPower         float64           `yaml:"tx_power"`
	MulticastGroups []lorawan.DevAddr `yaml:"multicast_groups"`
}

// MulticastGroupConfig represents a Class B multicast group. Members are
// the devices naming the group in multicast_addr.
type MulticastGroupConfig struct {
	Address     lorawan.DevAddr `yaml:"address"`
	DataRate    int             `yaml:"data_rate"`
	Frequency   uint32          `yaml:"frequency"`
	Periodicity uint8           `yaml:"periodicity"`
	// Relay enables coordinated relaying on every member.
	Relay bool `yaml:"relay"`
}

// DeviceConfig represents one simulated end device
type DeviceConfig struct {
	DevAddr       lorawan.DevAddr `yaml:"dev_addr"`
	MulticastAddr lorawan.DevAddr `yaml:"multicast_addr"`
	// Unicast registers the device with the network for unicast pings.
	Unicast bool `yaml:"unicast"`

	DataRate      int    `yaml:"data_rate"`
	Periodicity   uint8  `yaml:"periodicity"`
	PingFrequency uint32 `yaml:"ping_frequency"`
	PingDataRate  int    `yaml:"ping_data_rate"`
	Relay         bool   `yaml:"relay"`

	// Loss and RSSI override the medium default for packets this device
	// receives.
	Loss float64 `yaml:"loss"`
	RSSI float64 `yaml:"rssi"`

	App AppConfig `yaml:"app"`
}

// AppConfig represents the application running on a device
type AppConfig struct {
	ClassBDelay     time.Duration `yaml:"class_b_delay"`
	Attempts        int           `yaml:"attempts"`
	PeriodicUplinks bool          `yaml:"periodic_uplinks"`
	InitialDelay    time.Duration `yaml:"initial_delay"`
	SendingInterval time.Duration `yaml:"sending_interval"`
	PacketSize      int           `yaml:"packet_size"`
	RandomExtra     int           `yaml:"random_extra"`
	Fragmented      bool          `yaml:"fragmented"`
	FirstFragment   uint64        `yaml:"first_fragment"`
	LastFragment    uint64        `yaml:"last_fragment"`
}

// Load reads configuration from file
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a small in-memory scenario: one beaconing gateway, one
// multicast group of two devices and one unicast device.
func Default() *Config {
	group := lorawan.DevAddrFromUint32(0xfe000001)
	cfg := &Config{
		Simulation: SimulationConfig{Seed: 1, Duration: time.Hour},
		Network:    NetworkConfig{Sequenced: true},
		Gateways: []GatewayConfig{
			{ID: "gw-1", Beacon: true, ClassB: true, MulticastGroups: []lorawan.DevAddr{group}},
		},
		MulticastGroups: []MulticastGroupConfig{{Address: group}},
		Devices: []DeviceConfig{
			{DevAddr: lorawan.DevAddrFromUint32(0x01000001), MulticastAddr: group},
			{DevAddr: lorawan.DevAddrFromUint32(0x01000002), MulticastAddr: group},
			{DevAddr: lorawan.DevAddrFromUint32(0x01000003), Unicast: true, Periodicity: 4, App: AppConfig{PeriodicUplinks: true}},
		},
	}
	cfg.setDefaults()
	return cfg
}

func (c *Config) applyEnvOverrides() error {
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		c.Database.DSN = dsn
	}

	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		c.NATS.URL = natsURL
	}

	if jwtSecret := os.Getenv("JWT_SECRET"); jwtSecret != "" {
		c.JWT.Secret = jwtSecret
	}

	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		c.Log.Level = logLevel
	}

	if addr := os.Getenv("API_ADDR"); addr != "" {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return fmt.Errorf("API_ADDR: %w", err)
		}
		p, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("API_ADDR port: %w", err)
		}
		c.API.Host, c.API.Port = host, p
		c.API.Enabled = true
	}

	if seed := os.Getenv("SIM_SEED"); seed != "" {
		v, err := strconv.ParseInt(seed, 10, 64)
		if err != nil {
			return fmt.Errorf("SIM_SEED: %w", err)
		}
		c.Simulation.Seed = v
	}
	return nil
}

func (c *Config) setDefaults() {
	if c.Server.Name == "" {
		c.Server.Name = "lorawan-classb"
	}
	if c.Server.Version == "" {
		c.Server.Version = "dev"
	}
	if c.API.Port == 0 {
		c.API.Port = 8080
	}
	if c.API.AdminUser == "" {
		c.API.AdminUser = "admin"
	}
	if c.Integration.QueueSize == 0 {
		c.Integration.QueueSize = 1024
	}
	if c.Integration.HTTP.Timeout == 0 {
		c.Integration.HTTP.Timeout = 10 * time.Second
	}
	if c.Integration.MQTT.ClientID == "" {
		c.Integration.MQTT.ClientID = "classb-sim-forwarder"
	}
	if c.Integration.MQTT.TopicPattern == "" {
		c.Integration.MQTT.TopicPattern = "classb/{run_id}/{kind}/{subject}"
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 10
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 2
	}
	if c.Database.ConnMaxLifetime == 0 {
		c.Database.ConnMaxLifetime = 30 * time.Minute
	}
	if c.NATS.ClientID == "" {
		c.NATS.ClientID = "classb-sim"
	}
	if c.NATS.MaxReconnects == 0 {
		c.NATS.MaxReconnects = 10
	}
	if c.NATS.ReconnectInterval == 0 {
		c.NATS.ReconnectInterval = 2 * time.Second
	}
	if c.JWT.AccessTokenTTL == 0 {
		c.JWT.AccessTokenTTL = time.Hour
	}
	if c.JWT.Issuer == "" {
		c.JWT.Issuer = c.Server.Name
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if c.Simulation.Speed == 0 {
		c.Simulation.Speed = 1
	}
	// Only a realtime run may go on without an end.
	if c.Simulation.Duration == 0 && !c.Simulation.Realtime {
		c.Simulation.Duration = time.Hour
	}
	if c.Network.Band == "" {
		c.Network.Band = "EU868"
	}
	if c.Network.FPort == 0 {
		c.Network.FPort = 1
	}
	if c.Beacon.Frequency == 0 {
		c.Beacon.Frequency = lorawan.DefaultBeaconFrequency
		c.Beacon.DataRate = lorawan.DefaultBeaconDataRate
	}
	if c.Medium.RSSI == 0 {
		c.Medium.RSSI = -100
	}
	for i := range c.MulticastGroups {
		g := &c.MulticastGroups[i]
		if g.Frequency == 0 {
			g.Frequency = lorawan.DefaultPingFrequency
			g.DataRate = lorawan.DefaultPingDataRate
		}
	}
	for i := range c.Devices {
		d := &c.Devices[i]
		if d.PingFrequency == 0 {
			d.PingFrequency = lorawan.DefaultPingFrequency
			d.PingDataRate = lorawan.DefaultPingDataRate
		}
		// A member listens where its group is sent.
		if g := c.group(d.MulticastAddr); g != nil {
			d.PingFrequency, d.PingDataRate, d.Periodicity = g.Frequency, g.DataRate, g.Periodicity
			d.Relay = d.Relay || g.Relay
		}
	}
}

func (c *Config) group(addr lorawan.DevAddr) *MulticastGroupConfig {
	if addr.IsZero() {
		return nil
	}
	for i := range c.MulticastGroups {
		if c.MulticastGroups[i].Address == addr {
			return &c.MulticastGroups[i]
		}
	}
	return nil
}

// Region returns the configured band.
func (c *Config) Region() *lorawan.RegionConfiguration {
	return lorawan.GetRegionConfiguration(c.Network.Band)
}

func (c *Config) validate() error {
	switch c.Network.Band {
	case "EU868", "US915":
	default:
		return fmt.Errorf("%w: unsupported band %q", ErrInvalid, c.Network.Band)
	}
	region := c.Region()
	checkDR := func(what string, dr int) error {
		if _, err := region.DataRate(dr); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalid, what, err)
		}
		return nil
	}

	if c.Integration.HTTP.Enabled && c.Integration.HTTP.Endpoint == "" {
		return fmt.Errorf("%w: http integration without endpoint", ErrInvalid)
	}
	if c.Integration.MQTT.Enabled && c.Integration.MQTT.BrokerURL == "" {
		return fmt.Errorf("%w: mqtt integration without broker_url", ErrInvalid)
	}
	if c.Integration.MQTT.QoS > 2 {
		return fmt.Errorf("%w: mqtt qos %d", ErrInvalid, c.Integration.MQTT.QoS)
	}

	if c.Simulation.Speed < 0 {
		return fmt.Errorf("%w: simulation speed %v", ErrInvalid, c.Simulation.Speed)
	}
	if c.Simulation.Duration < 0 {
		return fmt.Errorf("%w: simulation duration %v", ErrInvalid, c.Simulation.Duration)
	}
	if err := checkDR("beacon data rate", c.Beacon.DataRate); err != nil {
		return err
	}
	if c.Medium.Loss < 0 || c.Medium.Loss > 1 {
		return fmt.Errorf("%w: medium loss %v not in [0,1]", ErrInvalid, c.Medium.Loss)
	}

	gateways := make(map[string]bool, len(c.Gateways))
	for _, gw := range c.Gateways {
		if gw.ID == "" {
			return fmt.Errorf("%w: gateway without id", ErrInvalid)
		}
		if gateways[gw.ID] {
			return fmt.Errorf("%w: duplicate gateway %s", ErrInvalid, gw.ID)
		}
		gateways[gw.ID] = true
		for _, addr := range gw.MulticastGroups {
			if c.group(addr) == nil {
				return fmt.Errorf("%w: gateway %s joins unknown group %s", ErrInvalid, gw.ID, addr)
			}
		}
	}

	groups := make(map[lorawan.DevAddr]bool, len(c.MulticastGroups))
	for _, g := range c.MulticastGroups {
		if g.Address.IsZero() {
			return fmt.Errorf("%w: multicast group without address", ErrInvalid)
		}
		if groups[g.Address] {
			return fmt.Errorf("%w: duplicate multicast group %s", ErrInvalid, g.Address)
		}
		groups[g.Address] = true
		if err := checkDR("group "+g.Address.String(), g.DataRate); err != nil {
			return err
		}
		if _, err := lorawan.NewPingSlotParameters(g.Periodicity); err != nil {
			return fmt.Errorf("%w: group %s: %v", ErrInvalid, g.Address, err)
		}
	}

	devices := make(map[lorawan.DevAddr]bool, len(c.Devices))
	for _, d := range c.Devices {
		if d.DevAddr.IsZero() {
			return fmt.Errorf("%w: device without dev_addr", ErrInvalid)
		}
		if devices[d.DevAddr] || groups[d.DevAddr] {
			return fmt.Errorf("%w: duplicate address %s", ErrInvalid, d.DevAddr)
		}
		devices[d.DevAddr] = true
		if !d.MulticastAddr.IsZero() && !groups[d.MulticastAddr] {
			return fmt.Errorf("%w: device %s in unknown group %s", ErrInvalid, d.DevAddr, d.MulticastAddr)
		}
		if err := checkDR("device "+d.DevAddr.String(), d.DataRate); err != nil {
			return err
		}
		if err := checkDR("device "+d.DevAddr.String()+" ping", d.PingDataRate); err != nil {
			return err
		}
		if _, err := lorawan.NewPingSlotParameters(d.Periodicity); err != nil {
			return fmt.Errorf("%w: device %s: %v", ErrInvalid, d.DevAddr, err)
		}
		if d.Loss < 0 || d.Loss > 1 {
			return fmt.Errorf("%w: device %s loss %v not in [0,1]", ErrInvalid, d.DevAddr, d.Loss)
		}
		if d.App.Fragmented && d.App.LastFragment < d.App.FirstFragment {
			return fmt.Errorf("%w: device %s fragment range", ErrInvalid, d.DevAddr)
		}
	}

	for _, g := range c.MulticastGroups {
		if !c.hasMembers(g.Address) {
			return fmt.Errorf("%w: multicast group %s has no member devices", ErrInvalid, g.Address)
		}
	}

	if c.API.Enabled && c.JWT.Secret == "" {
		log.Warn().Msg("jwt.secret not set, a random secret is generated at startup")
	}
	return nil
}

func (c *Config) hasMembers(group lorawan.DevAddr) bool {
	for _, d := range c.Devices {
		if d.MulticastAddr == group {
			return true
		}
	}
	return false
}

// PrintConfigSummary prints the scenario
func (c *Config) PrintConfigSummary() {
	fmt.Printf("=== LoRaWAN Class B Simulation ===\n")
	fmt.Printf("Server: %s v%s\n", c.Server.Name, c.Server.Version)
	fmt.Printf("Network Band: %s\n", c.Network.Band)
	fmt.Printf("Seed: %d, Duration: %s", c.Simulation.Seed, c.Simulation.Duration)
	if c.Simulation.Realtime {
		fmt.Printf(", realtime x%.1f", c.Simulation.Speed)
	}
	fmt.Printf("\n")

	if c.Beacon.Disabled {
		fmt.Printf("Beacon: disabled\n")
	} else {
		fmt.Printf("Beacon: %.3f MHz DR%d\n", float64(c.Beacon.Frequency)/1000000, c.Beacon.DataRate)
	}
	fmt.Printf("Downlinks: sequenced=%v payload_size=%d\n", c.Network.Sequenced, c.Network.PayloadSize)

	fmt.Printf("Gateways (%d):\n", len(c.Gateways))
	for _, gw := range c.Gateways {
		fmt.Printf("  %s: beacon=%v class_b=%v duty_cycle=%v groups=%v\n",
			gw.ID, gw.Beacon, gw.ClassB, gw.DutyCycle, gw.MulticastGroups)
	}

	fmt.Printf("Multicast Groups (%d):\n", len(c.MulticastGroups))
	for _, g := range c.MulticastGroups {
		fmt.Printf("  %s: %.3f MHz DR%d periodicity=%d relay=%v\n",
			g.Address, float64(g.Frequency)/1000000, g.DataRate, g.Periodicity, g.Relay)
	}

	fmt.Printf("Devices (%d):\n", len(c.Devices))
	for _, d := range c.Devices {
		fmt.Printf("  %s: group=%s unicast=%v periodicity=%d relay=%v\n",
			d.DevAddr, d.MulticastAddr, d.Unicast, d.Periodicity, d.Relay)
	}

	fmt.Printf("API: enabled=%v addr=%s\n", c.API.Enabled, c.API.Addr())
	fmt.Printf("Database: %v, NATS: %v\n", c.Database.DSN != "", c.NATS.URL != "")
	fmt.Printf("==================================\n")
}
