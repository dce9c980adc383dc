// Command dealer splits fresh custody keys for a trustee set. It writes the
// public set as JSON and one key share file per member.
package main

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"TrusteeBridge/internal/logger"
	"TrusteeBridge/internal/trustee"
)

// listFlag collects a repeated flag.
type listFlag []string

func (l *listFlag) String() string { return strings.Join(*l, ",") }

func (l *listFlag) Set(v string) error {
	*l = append(*l, v)
	return nil
}

// Config holds the dealer options.
type Config struct {
	Epoch     uint64
	Threshold int
	Members   []string // Members are "idhex[/blshex][@host:port]"
	KeyFiles  []string // KeyFiles are "keypath[@host:port]" identity keys
	OutDir    string
}

func main() {
	logger.Init()

	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}

	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// parseFlags parses command-line flags into Config.
func parseFlags(args []string) (*Config, error) {
	var members, keys listFlag
	cfg := &Config{}

	fs := flag.NewFlagSet("dealer", flag.ContinueOnError)
	fs.Uint64Var(&cfg.Epoch, "epoch", 1, "Epoch of the new set")
	fs.IntVar(&cfg.Threshold, "threshold", 0, "Signing threshold t")
	fs.Var(&members, "member", "Trustee as idhex[/blshex][@host:port], repeatable")
	fs.Var(&keys, "identity", "Trustee identity key file as path[@host:port], repeatable")
	fs.StringVar(&cfg.OutDir, "out", "./trustees", "Output directory")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg.Members = members
	cfg.KeyFiles = keys

	if cfg.Threshold <= 0 {
		return nil, fmt.Errorf("threshold must be positive")
	}
	if len(cfg.Members)+len(cfg.KeyFiles) < cfg.Threshold {
		return nil, fmt.Errorf("%d trustees cannot meet threshold %d", len(cfg.Members)+len(cfg.KeyFiles), cfg.Threshold)
	}

	return cfg, nil
}

// run deals the set and writes the outputs.
func run(cfg *Config) error {
	ids, err := identities(cfg)
	if err != nil {
		return err
	}

	set, files, err := trustee.Deal(cfg.Epoch, cfg.Threshold, ids)
	if err != nil {
		return fmt.Errorf("deal:\n%w", err)
	}

	if err := os.MkdirAll(cfg.OutDir, 0o700); err != nil {
		return fmt.Errorf("create output directory:\n%w", err)
	}

	data, err := json.MarshalIndent(set, "", "  ")
	if err != nil {
		return fmt.Errorf("encode set:\n%w", err)
	}

	setPath := filepath.Join(cfg.OutDir, fmt.Sprintf("set-%d.json", cfg.Epoch))
	if err := os.WriteFile(setPath, data, 0o644); err != nil {
		return fmt.Errorf("write set:\n%w", err)
	}

	for i, m := range set.Members {
		path := filepath.Join(cfg.OutDir, keyFileName(cfg.Epoch, m.ID))
		if err := trustee.WriteKeyFile(path, files[i]); err != nil {
			return err
		}
	}

	logger.Info("trustee set dealt",
		"epoch", set.Epoch,
		"members", set.Size(),
		"threshold", set.Threshold,
		"hot_pubkey", hex.EncodeToString(set.HotPubKey),
		"set", setPath,
	)

	return nil
}

// keyFileName names a member's share file.
func keyFileName(epoch uint64, id []byte) string {
	return fmt.Sprintf("epoch-%d-%s.key", epoch, hex.EncodeToString(id[:8]))
}

// identities collects the dealt identities from both flag forms.
func identities(cfg *Config) ([]trustee.Identity, error) {
	var ids []trustee.Identity

	for _, s := range cfg.Members {
		id, err := parseMember(s)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}

	for _, s := range cfg.KeyFiles {
		id, err := readIdentity(s)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}

	return ids, nil
}

// parseMember parses "idhex[/blshex][@host:port]".
func parseMember(s string) (trustee.Identity, error) {
	var id trustee.Identity

	keys, addr, _ := strings.Cut(s, "@")
	idHex, blsHex, hasBLS := strings.Cut(keys, "/")

	pub, err := hex.DecodeString(idHex)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return id, fmt.Errorf("invalid trustee id in %q", s)
	}
	id.ID = pub
	id.Address = addr

	if hasBLS {
		if id.BLSKey, err = hex.DecodeString(blsHex); err != nil || len(id.BLSKey) != trustee.BLSPublicKeySize {
			return id, fmt.Errorf("invalid bls key in %q", s)
		}
	}

	return id, nil
}

// readIdentity loads "keypath[@host:port]" and derives its BLS key.
func readIdentity(s string) (trustee.Identity, error) {
	var id trustee.Identity

	path, addr, _ := strings.Cut(s, "@")

	data, err := os.ReadFile(path)
	if err != nil {
		return id, fmt.Errorf("read identity:\n%w", err)
	}
	if len(data) != ed25519.PrivateKeySize {
		return id, fmt.Errorf("invalid key size in %s: got %d, want %d", path, len(data), ed25519.PrivateKeySize)
	}

	priv := ed25519.PrivateKey(data)

	bls, err := trustee.DeriveBLSKey(priv)
	if err != nil {
		return id, fmt.Errorf("derive bls key:\n%w", err)
	}

	id.ID = priv.Public().(ed25519.PublicKey)
	id.BLSKey = bls.PublicKey()
	id.Address = addr

	return id, nil
}
