package main

import (
	"crypto/ed25519"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
)

// TestLoadConfigDefaults tests the values used when nothing is set.
func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig(nil)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}

	if cfg.DataPath != "./data" || cfg.HTTPAddress != ":8080" || cfg.QUICAddress != ":9000" {
		t.Errorf("addresses = %q %q %q", cfg.DataPath, cfg.HTTPAddress, cfg.QUICAddress)
	}
	if cfg.Params != &chaincfg.MainNetParams {
		t.Errorf("params = %s, want mainnet", cfg.Params.Name)
	}
	if cfg.Confirmations != 6 || cfg.MaxRetries != 3 || cfg.Fanout != 8 {
		t.Errorf("numbers = %d %d %d", cfg.Confirmations, cfg.MaxRetries, cfg.Fanout)
	}
	if cfg.SessionTimeout != 30*time.Second || cfg.CommitTimeout != 5*time.Second {
		t.Errorf("timeouts = %v %v", cfg.SessionTimeout, cfg.CommitTimeout)
	}
	if cfg.RequireAcks || len(cfg.Peers) != 0 || len(cfg.KeyFiles) != 0 {
		t.Errorf("unexpected cfg %+v", cfg)
	}
}

// TestLoadConfigLayering tests that flags beat the environment, which
// beats the config file.
func TestLoadConfigLayering(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.yaml")
	file := "network: regtest\n" +
		"chain:\n  confirmations: 3\n  min_deposit: 5000\n" +
		"http:\n  addr: \":7000\"\n" +
		"peers:\n  - 127.0.0.1:9001\n  - 127.0.0.1:9002\n"
	if err := os.WriteFile(path, []byte(file), 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	t.Setenv("TRUSTEE_HTTP_ADDR", ":7100")
	t.Setenv("TRUSTEE_SIGNING_SESSION_TIMEOUT", "1m")
	t.Setenv("TRUSTEE_TRUSTEES_KEYFILE", "a.key, b.key")

	cfg, err := loadConfig([]string{"-config", path, "-confirmations", "9", "-require-acks=true"})
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}

	if cfg.Params != &chaincfg.RegressionNetParams {
		t.Errorf("params = %s, want regtest", cfg.Params.Name)
	}
	if cfg.Confirmations != 9 {
		t.Errorf("confirmations = %d, want flag value 9", cfg.Confirmations)
	}
	if cfg.MinDeposit != 5000 {
		t.Errorf("min deposit = %d, want file value 5000", cfg.MinDeposit)
	}
	if cfg.HTTPAddress != ":7100" {
		t.Errorf("http = %q, want env value", cfg.HTTPAddress)
	}
	if cfg.SessionTimeout != time.Minute || !cfg.RequireAcks {
		t.Errorf("timeout = %v, acks = %v", cfg.SessionTimeout, cfg.RequireAcks)
	}
	if len(cfg.Peers) != 2 || cfg.Peers[1] != "127.0.0.1:9002" {
		t.Errorf("peers = %v", cfg.Peers)
	}
	if len(cfg.KeyFiles) != 2 || cfg.KeyFiles[0] != "a.key" || cfg.KeyFiles[1] != "b.key" {
		t.Errorf("key files = %v", cfg.KeyFiles)
	}
}

// TestLoadConfigInvalid tests rejected values.
func TestLoadConfigInvalid(t *testing.T) {
	tests := [][]string{
		{"-network", "dogecoin"},
		{"-confirmations", "0"},
		{"-confirmations", "many"},
		{"-min-deposit", "-1"},
		{"-session-timeout", "soon"},
		{"-config", filepath.Join(t.TempDir(), "missing.yaml")},
	}

	for _, args := range tests {
		if _, err := loadConfig(args); err == nil {
			t.Errorf("loadConfig(%v) succeeded", args)
		}
	}
}

// TestNetworkParams tests network name lookup.
func TestNetworkParams(t *testing.T) {
	tests := map[string]*chaincfg.Params{
		"mainnet":  &chaincfg.MainNetParams,
		"TestNet":  &chaincfg.TestNet3Params,
		"testnet3": &chaincfg.TestNet3Params,
		"regtest":  &chaincfg.RegressionNetParams,
		"signet":   &chaincfg.SigNetParams,
	}

	for name, want := range tests {
		got, err := networkParams(name)
		if err != nil || got != want {
			t.Errorf("networkParams(%q) = %v, %v", name, got, err)
		}
	}
}

// TestParsePeer tests peer endpoint parsing.
func TestParsePeer(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	key, addr, err := parsePeer("10.0.0.1:9000")
	if err != nil || key != nil || addr != "10.0.0.1:9000" {
		t.Errorf("bare address = %x %q %v", key, addr, err)
	}

	key, addr, err = parsePeer(hexKey(pub) + "@10.0.0.2:9000")
	if err != nil || !key.Equal(pub) || addr != "10.0.0.2:9000" {
		t.Errorf("keyed address = %x %q %v", key, addr, err)
	}

	for _, bad := range []string{"zz@10.0.0.1:9000", "abcd@10.0.0.1:9000", hexKey(pub) + "@"} {
		if _, _, err := parsePeer(bad); err == nil {
			t.Errorf("parsePeer(%q) succeeded", bad)
		}
	}
}

// TestLoadOrGenerateKey tests that a generated key is saved and reloaded.
func TestLoadOrGenerateKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.key")

	first, err := loadOrGenerateKey(path)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	second, err := loadOrGenerateKey(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if !first.Equal(second) {
		t.Error("reloaded key differs")
	}

	if err := os.WriteFile(path, []byte("short"), 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := loadOrGenerateKey(path); err == nil {
		t.Error("truncated key accepted")
	}
}
