package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// TransferProtocol is the operator preference for file content transport.
type TransferProtocol string

const (
	// TransferAuto lets the protocol selector pick from the capability
	// intersection, preferring HTTP out-of-band upload when both sides
	// support it.
	TransferAuto TransferProtocol = "auto"
	// TransferMSRP forces in-session MSRP-style transfer.
	TransferMSRP TransferProtocol = "msrp"
	// TransferHTTP forces out-of-band HTTP-style upload.
	TransferHTTP TransferProtocol = "http"
)

// Config represents a profile's config.toml.
type Config struct {
	// DeliveryTimeoutSec is the per-item delivery deadline in seconds.
	// Zero disables delivery expiration entirely.
	DeliveryTimeoutSec int64 `toml:"delivery_timeout_sec"`

	// TransferProtocol selects the file-transfer variant: auto, msrp, http.
	TransferProtocol TransferProtocol `toml:"transfer_protocol"`

	// MaxFileSize is the largest file the engine will accept for transfer,
	// in bytes. Zero means no local limit (the remote side may still cap it).
	MaxFileSize int64 `toml:"max_file_size"`

	// CapabilityTTLSec is how long a remote capability snapshot is trusted
	// before the gate treats it as unknown.
	CapabilityTTLSec int64 `toml:"capability_ttl_sec"`

	// AMQPURL enables the external notification sink when non-empty.
	AMQPURL string `toml:"amqp_url"`

	// AMQPExchange is the topic exchange receipts are published to.
	AMQPExchange string `toml:"amqp_exchange"`

	// Transport names the session-layer implementation to wire. The only
	// built-in is "loopback"; embedders register their own.
	Transport string `toml:"transport"`
}

// Default returns the configuration used when no config.toml exists.
func Default() *Config {
	return &Config{
		DeliveryTimeoutSec: 0,
		TransferProtocol:   TransferAuto,
		CapabilityTTLSec:   86400,
		AMQPExchange:       "courier.events",
		Transport:          "loopback",
	}
}

// DeliveryTimeout returns the deadline as a duration; zero means disabled.
func (c *Config) DeliveryTimeout() time.Duration {
	return time.Duration(c.DeliveryTimeoutSec) * time.Second
}

// CapabilityTTL returns the snapshot trust window as a duration.
func (c *Config) CapabilityTTL() time.Duration {
	return time.Duration(c.CapabilityTTLSec) * time.Second
}

// Load reads config from the given path, falling back to defaults for any
// key not present. A missing file yields the full default config.
func Load(path string) (*Config, error) {
	cfg := Default()
	_, err := toml.DecodeFile(path, cfg)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
