// Package config holds the broker's runtime configuration value bag.
package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Listen describes one network endpoint the broker accepts connections on.
type Listen struct {
	URL      string `yaml:"url"`
	CertFile string `yaml:"certFile"`
	KeyFile  string `yaml:"keyFile"`
}

// Config is the broker-wide configuration bag. It is deliberately a plain
// struct rather than a framework-backed settings object, matching the
// teacher's own config/CONFIG global.
type Config struct {
	HTTP       Listen            `yaml:"HTTP"`
	MQTT       Listen            `yaml:"MQTT"`
	MQTTs      Listen            `yaml:"MQTTs"`
	WebSocket  Listen            `yaml:"Websocket"`
	WebSockets Listen            `yaml:"Websockets"`
	Auth       map[string]string `yaml:"Auth"`

	// BrokerID uniquely identifies this broker instance within a cluster.
	BrokerID string `yaml:"brokerId"`

	// MaxPacketSize bounds the size of any single decoded MQTT packet.
	MaxPacketSize uint32 `yaml:"maxPacketSize"`

	// KeepAliveDefault is used when a CONNECT packet requests a keep-alive
	// of zero, matching the per-connection timer in the state machine.
	KeepAliveDefault time.Duration `yaml:"keepAliveDefault"`

	// DataFold is the root directory the storage engine writes segments
	// and indices under.
	DataFold string `yaml:"dataFold"`

	// ShardCountDefault is the number of shards a new topic/key/group
	// space is created with when not otherwise specified.
	ShardCountDefault int `yaml:"shardCountDefault"`

	// AckWaitTTL bounds how long an unacknowledged QoS 1/2 packet id is
	// held before the sweeper reclaims it.
	AckWaitTTL time.Duration `yaml:"ackWaitTTL"`

	// AckRetryInterval is how long deliverTo waits for a PUBACK/PUBCOMP
	// before resending a QoS 1/2 PUBLISH with DUP set.
	AckRetryInterval time.Duration `yaml:"ackRetryInterval"`

	// AckMaxRetries bounds how many times a QoS 1/2 PUBLISH is resent
	// with DUP set before the delivery is abandoned.
	AckMaxRetries int `yaml:"ackMaxRetries"`

	// MetricsWindowSeconds is the sampling window the rate tickers use.
	MetricsWindowSeconds int `yaml:"metricsWindowSeconds"`

	// ClusterName identifies the cluster this broker participates in,
	// passed to the placement client on every lookup.
	ClusterName string `yaml:"clusterName"`

	// PlacementURL is the base URL of the cluster metadata / placement
	// service consulted to resolve shared-subscription group leadership.
	// Empty disables cluster-aware shared subscriptions; every shared
	// group is then handled entirely locally.
	PlacementURL string `yaml:"placementUrl"`

	// StorageDBFile is the bbolt database file backing the storage
	// adapter's indices. Empty disables persistent storage; retained
	// messages then live only in memory.
	StorageDBFile string `yaml:"storageDbFile"`
}

// GetAuth reports the expected password for username, mirroring the
// teacher's config.GetAuth.
func (c *Config) GetAuth(username string) (string, bool) {
	password, ok := c.Auth[username]
	return password, ok
}

// Authorize validates a username/password pair against the configured
// Auth table. Empty username/password entries are permitted, matching
// the teacher's default CONFIG.
func (c *Config) Authorize(username, password string) bool {
	want, ok := c.GetAuth(username)
	return ok && want == password
}

// Load reads a YAML config file at path into a Config seeded with
// Default's values, so a config file only needs to override what it
// cares about.
func Load(path string) (*Config, error) {
	c := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(b, c); err != nil {
		return nil, err
	}
	return c, nil
}

// Default returns a Config populated with the broker's baseline defaults.
func Default() *Config {
	return &Config{
		Auth: map[string]string{
			"":     "",
			"root": "admin",
		},
		BrokerID:             "broker-0",
		MaxPacketSize:        256 * 1024 * 1024,
		KeepAliveDefault:     60 * time.Second,
		DataFold:             "./data",
		ShardCountDefault:    16,
		AckWaitTTL:           30 * time.Second,
		AckRetryInterval:     5 * time.Second,
		AckMaxRetries:        3,
		MetricsWindowSeconds: 10,
		ClusterName:          "default",
	}
}
