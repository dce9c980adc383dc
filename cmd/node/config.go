package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/spf13/cast"
	"github.com/spf13/viper"
)

// envPrefix prefixes environment overrides, e.g. TRUSTEE_HTTP_ADDR.
const envPrefix = "TRUSTEE"

// Config holds the node configuration.
type Config struct {
	// DataPath is the directory for persistent storage.
	DataPath string

	// HTTPAddress is the HTTP API listen address.
	HTTPAddress string

	// QUICAddress is the QUIC P2P listen address.
	QUICAddress string

	// KeyPath is the path to the Ed25519 identity key. Empty runs an
	// observer with a throwaway key.
	KeyPath string

	// PrivateKey is the node's Ed25519 identity key.
	PrivateKey ed25519.PrivateKey

	// Network names the Bitcoin network.
	Network string

	// Params are the chain parameters of Network.
	Params *chaincfg.Params

	// Confirmations is the depth D.
	Confirmations uint64

	// MinDeposit is the smallest credited deposit in satoshis.
	MinDeposit int64

	// SessionTimeout bounds one signing session.
	SessionTimeout time.Duration

	// CommitTimeout closes the commitment round early.
	CommitTimeout time.Duration

	// MaxRetries is the number of sessions after the first.
	MaxRetries int

	// MaxSigners caps the trustees invited to a session, 0 for all.
	MaxSigners int

	// RequireAcks holds rotations until every incoming member acknowledges.
	RequireAcks bool

	// GenesisPath is the JSON trustee set installed on a fresh store.
	GenesisPath string

	// KeyFiles are the local share files, one per epoch.
	KeyFiles []string

	// Peers are static endpoints, "host:port" or "pubkeyhex@host:port".
	Peers []string

	// BroadcastURL is the Esplora endpoint; empty only logs transactions.
	BroadcastURL string

	// SyncFrom is a peer to fetch a header snapshot from on a fresh store.
	SyncFrom string

	// Fanout is the header relay fanout.
	Fanout int

	// LogLevel is the minimum log level.
	LogLevel string
}

// option binds a config key to a command-line flag.
type option struct {
	key   string // key is the viper key and, upper-cased, the env name
	flag  string // flag is the command-line name
	def   any    // def is the default value
	usage string // usage is the flag help
}

var options = []option{
	{"data.dir", "data", "./data", "Data directory path"},
	{"http.addr", "http", ":8080", "HTTP API address"},
	{"quic.addr", "quic", ":9000", "QUIC P2P address"},
	{"identity.key", "key", "", "Ed25519 identity key path (generates new if missing, empty for an observer)"},
	{"network", "network", "mainnet", "Bitcoin network: mainnet, testnet, regtest or signet"},
	{"chain.confirmations", "confirmations", 6, "Confirmation depth"},
	{"chain.min_deposit", "min-deposit", 0, "Smallest credited deposit in satoshis"},
	{"signing.session_timeout", "session-timeout", "30s", "Signing session timeout"},
	{"signing.commit_timeout", "commit-timeout", "5s", "Commitment round timeout"},
	{"signing.max_retries", "max-retries", 3, "Signing sessions after the first, -1 for none"},
	{"signing.max_signers", "max-signers", 0, "Trustees invited per session, 0 for all"},
	{"trustees.require_acks", "require-acks", false, "Hold rotations for incoming acknowledgements"},
	{"trustees.genesis", "genesis", "", "Genesis trustee set (JSON)"},
	{"trustees.keyfile", "keyfile", "", "Comma separated key share files"},
	{"peers", "peers", "", "Comma separated static peers"},
	{"broadcast.url", "broadcast-url", "", "Esplora API used to publish transactions"},
	{"sync.from", "sync-from", "", "Peer to fetch a header snapshot from on first start"},
	{"relay.fanout", "fanout", 8, "Header relay fanout"},
	{"log.level", "log-level", "info", "Log level: debug, info, warn or error"},
}

// parseFlags parses command-line flags into Config.
func parseFlags() (*Config, error) {
	return loadConfig(os.Args[1:])
}

// loadConfig layers defaults, the config file, TRUSTEE_* environment
// variables and explicitly set flags, in increasing priority.
func loadConfig(args []string) (*Config, error) {
	fs := flag.NewFlagSet("node", flag.ContinueOnError)
	configPath := fs.String("config", "", "Config file (yaml, toml or json)")

	v := viper.New()
	byFlag := make(map[string]string, len(options))

	for _, o := range options {
		v.SetDefault(o.key, o.def)
		fs.String(o.flag, fmt.Sprint(o.def), o.usage)
		byFlag[o.flag] = o.key
	}

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if *configPath != "" {
		v.SetConfigFile(*configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s:\n%w", *configPath, err)
		}
	}

	fs.Visit(func(f *flag.Flag) {
		if key, ok := byFlag[f.Name]; ok {
			v.Set(key, f.Value.String())
		}
	})

	return decodeConfig(v)
}

// decodeConfig reads typed values out of v.
func decodeConfig(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		DataPath:     v.GetString("data.dir"),
		HTTPAddress:  v.GetString("http.addr"),
		QUICAddress:  v.GetString("quic.addr"),
		KeyPath:      v.GetString("identity.key"),
		Network:      v.GetString("network"),
		GenesisPath:  v.GetString("trustees.genesis"),
		KeyFiles:     listValue(v, "trustees.keyfile"),
		Peers:        listValue(v, "peers"),
		BroadcastURL: v.GetString("broadcast.url"),
		SyncFrom:     v.GetString("sync.from"),
		LogLevel:     v.GetString("log.level"),
	}

	var err error

	if cfg.Params, err = networkParams(cfg.Network); err != nil {
		return nil, err
	}
	if cfg.Confirmations, err = cast.ToUint64E(v.Get("chain.confirmations")); err != nil {
		return nil, fmt.Errorf("chain.confirmations:\n%w", err)
	}
	if cfg.MinDeposit, err = cast.ToInt64E(v.Get("chain.min_deposit")); err != nil {
		return nil, fmt.Errorf("chain.min_deposit:\n%w", err)
	}
	if cfg.SessionTimeout, err = cast.ToDurationE(v.Get("signing.session_timeout")); err != nil {
		return nil, fmt.Errorf("signing.session_timeout:\n%w", err)
	}
	if cfg.CommitTimeout, err = cast.ToDurationE(v.Get("signing.commit_timeout")); err != nil {
		return nil, fmt.Errorf("signing.commit_timeout:\n%w", err)
	}
	if cfg.MaxRetries, err = cast.ToIntE(v.Get("signing.max_retries")); err != nil {
		return nil, fmt.Errorf("signing.max_retries:\n%w", err)
	}
	if cfg.MaxSigners, err = cast.ToIntE(v.Get("signing.max_signers")); err != nil {
		return nil, fmt.Errorf("signing.max_signers:\n%w", err)
	}
	if cfg.RequireAcks, err = cast.ToBoolE(v.Get("trustees.require_acks")); err != nil {
		return nil, fmt.Errorf("trustees.require_acks:\n%w", err)
	}
	if cfg.Fanout, err = cast.ToIntE(v.Get("relay.fanout")); err != nil {
		return nil, fmt.Errorf("relay.fanout:\n%w", err)
	}

	if cfg.Confirmations == 0 {
		return nil, fmt.Errorf("chain.confirmations must be positive")
	}
	if cfg.MinDeposit < 0 {
		return nil, fmt.Errorf("chain.min_deposit must not be negative")
	}

	return cfg, nil
}

// listValue reads a comma separated string or a list.
func listValue(v *viper.Viper, key string) []string {
	raw := v.Get(key)

	s, ok := raw.(string)
	if !ok {
		return cast.ToStringSlice(raw)
	}

	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}

	return out
}

// networkParams maps a network name to its chain parameters.
func networkParams(name string) (*chaincfg.Params, error) {
	switch strings.ToLower(name) {
	case "mainnet", "main", "":
		return &chaincfg.MainNetParams, nil
	case "testnet", "testnet3":
		return &chaincfg.TestNet3Params, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	case "signet":
		return &chaincfg.SigNetParams, nil
	default:
		return nil, fmt.Errorf("unknown network %q", name)
	}
}

// parsePeer splits "pubkeyhex@host:port". The key is nil for a bare address.
func parsePeer(s string) (ed25519.PublicKey, string, error) {
	keyHex, addr, found := strings.Cut(s, "@")
	if !found {
		return nil, s, nil
	}

	key, err := hex.DecodeString(keyHex)
	if err != nil || len(key) != ed25519.PublicKeySize {
		return nil, "", fmt.Errorf("invalid peer key in %q", s)
	}
	if addr == "" {
		return nil, "", fmt.Errorf("missing peer address in %q", s)
	}

	return ed25519.PublicKey(key), addr, nil
}

// loadOrGenerateKey loads the private key from file or generates a new one.
func loadOrGenerateKey(keyPath string) (ed25519.PrivateKey, error) {
	if keyPath == "" {
		return generateNewKey()
	}

	data, err := os.ReadFile(keyPath)
	if os.IsNotExist(err) {
		return generateAndSaveKey(keyPath)
	}

	if err != nil {
		return nil, fmt.Errorf("read key file:\n%w", err)
	}

	if len(data) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid key size: got %d, want %d", len(data), ed25519.PrivateKeySize)
	}

	return ed25519.PrivateKey(data), nil
}

// generateNewKey creates a new Ed25519 private key.
func generateNewKey() (ed25519.PrivateKey, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key:\n%w", err)
	}

	return priv, nil
}

// generateAndSaveKey creates a new key and saves it to the given path.
func generateAndSaveKey(path string) (ed25519.PrivateKey, error) {
	priv, err := generateNewKey()
	if err != nil {
		return nil, err
	}

	if err := os.WriteFile(path, priv, 0600); err != nil {
		return nil, fmt.Errorf("save key to %s:\n%w", path, err)
	}

	return priv, nil
}
