package main

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"os"

	"TrusteeBridge/internal/logger"
)

func main() {
	logger.Init()

	if err := run(); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// run is the main entry point with error handling.
func run() error {
	cfg, err := parseFlags()
	if err != nil {
		return err
	}

	if err := logger.SetLevel(cfg.LogLevel); err != nil {
		return fmt.Errorf("set log level:\n%w", err)
	}

	cfg.PrivateKey, err = loadOrGenerateKey(cfg.KeyPath)
	if err != nil {
		return fmt.Errorf("load key:\n%w", err)
	}

	printStartupInfo(cfg)

	node, err := NewNode(cfg)
	if err != nil {
		return fmt.Errorf("create node:\n%w", err)
	}

	return node.Run()
}

// printStartupInfo displays node configuration at startup.
func printStartupInfo(cfg *Config) {
	pubKey := cfg.PrivateKey.Public().(ed25519.PublicKey)

	logger.Info("starting trustee node",
		"pubkey", hex.EncodeToString(pubKey),
		"observer", cfg.KeyPath == "",
		"network", cfg.Params.Name,
		"http", cfg.HTTPAddress,
		"quic", cfg.QUICAddress,
		"data", cfg.DataPath,
		"confirmations", cfg.Confirmations,
	)

	if cfg.BroadcastURL == "" {
		logger.Warn("no broadcast url, signed transactions are only logged")
	}
}
