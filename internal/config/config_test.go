package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "config.toml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.TransferProtocol != TransferAuto {
		t.Errorf("transfer_protocol = %q, want auto", cfg.TransferProtocol)
	}
	if cfg.DeliveryTimeoutSec != 0 {
		t.Errorf("delivery_timeout_sec = %d, want 0 (expiration disabled)", cfg.DeliveryTimeoutSec)
	}
	if cfg.Transport != "loopback" {
		t.Errorf("transport = %q, want loopback", cfg.Transport)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	want := Default()
	want.DeliveryTimeoutSec = 300
	want.TransferProtocol = TransferHTTP
	want.MaxFileSize = 10 << 20
	want.AMQPURL = "amqp://localhost:5672/"

	if err := Save(path, want); err != nil {
		t.Fatal(err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if got.DeliveryTimeoutSec != 300 {
		t.Errorf("delivery_timeout_sec = %d, want 300", got.DeliveryTimeoutSec)
	}
	if got.TransferProtocol != TransferHTTP {
		t.Errorf("transfer_protocol = %q, want http", got.TransferProtocol)
	}
	if got.AMQPURL != "amqp://localhost:5672/" {
		t.Errorf("amqp_url = %q", got.AMQPURL)
	}
}

func TestLoadPartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("delivery_timeout_sec = 60\n"), 0600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DeliveryTimeoutSec != 60 {
		t.Errorf("delivery_timeout_sec = %d, want 60", cfg.DeliveryTimeoutSec)
	}
	if cfg.TransferProtocol != TransferAuto {
		t.Errorf("transfer_protocol = %q, want auto (default kept)", cfg.TransferProtocol)
	}
}
