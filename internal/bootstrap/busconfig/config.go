package busconfig

import (
	"math/big"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	"jobmesh/go-backend/internal/bus"
	"jobmesh/go-backend/internal/typeddata"
)

const (
	defaultProtocolName    = "jobmesh"
	defaultProtocolVersion = "1"
)

type DaemonConfig struct {
	Network DaemonNetworkConfig `yaml:"network"`
	Domain  DaemonDomainConfig  `yaml:"domain"`
	Store   DaemonStoreConfig   `yaml:"store"`
	Bridge  DaemonBridgeConfig  `yaml:"bridge"`
	Worker  DaemonWorkerConfig  `yaml:"worker"`
}

type DaemonNetworkConfig struct {
	Transport           string        `yaml:"transport"`
	Port                int           `yaml:"port"`
	AdvertiseAddress    string        `yaml:"advertiseAddress"`
	EnableRelay         *bool         `yaml:"enableRelay"`
	EnableStore         *bool         `yaml:"enableStore"`
	EnableLightPush     *bool         `yaml:"enableLightPush"`
	BootstrapNodes      []string      `yaml:"bootstrapNodes"`
	MinPeers            int           `yaml:"minPeers"`
	StoreQueryFanout    int           `yaml:"storeQueryFanout"`
	ReconnectInterval   time.Duration `yaml:"reconnectInterval"`
	ReconnectBackoffMax time.Duration `yaml:"reconnectBackoffMax"`
	PublishRatePerSec   float64       `yaml:"publishRatePerSec"`
	PublishBurst        int           `yaml:"publishBurst"`
}

type DaemonDomainConfig struct {
	ProtocolName    string `yaml:"protocolName"`
	ProtocolVersion string `yaml:"protocolVersion"`
	ChainID         uint64 `yaml:"chainId"`
	LedgerAddress   string `yaml:"ledgerAddress"`
}

type DaemonStoreConfig struct {
	JobsPath   string `yaml:"jobsPath"`
	BidsPath   string `yaml:"bidsPath"`
	Passphrase string `yaml:"passphrase"`
}

type DaemonBridgeConfig struct {
	StartSeq int64 `yaml:"startSeq"`
}

type DaemonWorkerConfig struct {
	Enabled    *bool    `yaml:"enabled"`
	Mnemonic   string   `yaml:"mnemonic"`
	SeedPath   string   `yaml:"seedPath"`
	Topics     []string `yaml:"topics"`
	MinBudget  string   `yaml:"minBudget"`
	QuoteBps   int64    `yaml:"quoteBps"`
	ETASeconds int64    `yaml:"etaSeconds"`

	// The seed passphrase is never read from yaml; only the
	// JOBMESH_KEY_PASSPHRASE env override sets it.
	KeyPassphrase string `yaml:"-"`
}

// Config is the merged daemon configuration.
type Config struct {
	Bus      bus.Config
	Domain   typeddata.Domain
	Store    DaemonStoreConfig
	Bridge   DaemonBridgeConfig
	Worker   DaemonWorkerConfig
	WorkerOn bool
}

// MinBudgetValue parses the worker's minimum budget; nil when unset.
func (c Config) MinBudgetValue() *big.Int {
	raw := strings.TrimSpace(c.Worker.MinBudget)
	if raw == "" {
		return nil
	}
	value, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil
	}
	return value
}

// LoadFromPath reads the first readable config candidate, merges it over
// defaults and applies env overrides. Unreadable or unparseable candidates
// fall through silently, matching flag-free startup in dev setups.
func LoadFromPath(configPath string) Config {
	cfg := DefaultConfig()

	candidates := make([]string, 0, 2)
	if configPath != "" {
		candidates = append(candidates, configPath)
	} else {
		candidates = append(candidates,
			"go-backend/configs/config.yaml",
			"configs/config.yaml",
		)
	}

	for _, path := range candidates {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}

		var parsed DaemonConfig
		if err := yaml.Unmarshal(data, &parsed); err != nil {
			continue
		}

		merged := cfg
		Merge(&merged, parsed)
		ApplyEnvOverrides(&merged)
		return merged
	}

	ApplyEnvOverrides(&cfg)
	return cfg
}

func DefaultConfig() Config {
	return Config{
		Bus: bus.DefaultConfig(),
		Domain: typeddata.Domain{
			Name:    defaultProtocolName,
			Version: defaultProtocolVersion,
			ChainID: 1,
		},
		Worker: DaemonWorkerConfig{
			QuoteBps:   8000,
			ETASeconds: 3600,
		},
	}
}

func Merge(dst *Config, src DaemonConfig) {
	mergeNetwork(&dst.Bus, src.Network)

	if src.Domain.ProtocolName != "" {
		dst.Domain.Name = src.Domain.ProtocolName
	}
	if src.Domain.ProtocolVersion != "" {
		dst.Domain.Version = src.Domain.ProtocolVersion
	}
	if src.Domain.ChainID != 0 {
		dst.Domain.ChainID = src.Domain.ChainID
	}
	if addr := strings.TrimSpace(src.Domain.LedgerAddress); addr != "" && common.IsHexAddress(addr) {
		dst.Domain.LedgerAddress = common.HexToAddress(addr)
	}

	if src.Store.JobsPath != "" {
		dst.Store.JobsPath = src.Store.JobsPath
	}
	if src.Store.BidsPath != "" {
		dst.Store.BidsPath = src.Store.BidsPath
	}
	if src.Store.Passphrase != "" {
		dst.Store.Passphrase = src.Store.Passphrase
	}

	if src.Bridge.StartSeq != 0 {
		dst.Bridge.StartSeq = src.Bridge.StartSeq
	}

	if src.Worker.Enabled != nil {
		dst.WorkerOn = *src.Worker.Enabled
	}
	if src.Worker.Mnemonic != "" {
		dst.Worker.Mnemonic = src.Worker.Mnemonic
	}
	if src.Worker.SeedPath != "" {
		dst.Worker.SeedPath = src.Worker.SeedPath
	}
	if src.Worker.Topics != nil {
		dst.Worker.Topics = src.Worker.Topics
	}
	if src.Worker.MinBudget != "" {
		dst.Worker.MinBudget = src.Worker.MinBudget
	}
	if src.Worker.QuoteBps != 0 {
		dst.Worker.QuoteBps = src.Worker.QuoteBps
	}
	if src.Worker.ETASeconds != 0 {
		dst.Worker.ETASeconds = src.Worker.ETASeconds
	}
}

func mergeNetwork(dst *bus.Config, src DaemonNetworkConfig) {
	if src.Transport != "" {
		dst.Transport = src.Transport
	}
	if src.Port != 0 {
		dst.Port = src.Port
	}
	if src.AdvertiseAddress != "" {
		dst.AdvertiseAddress = src.AdvertiseAddress
	}
	if src.EnableRelay != nil {
		dst.EnableRelay = *src.EnableRelay
	}
	if src.EnableStore != nil {
		dst.EnableStore = *src.EnableStore
	}
	if src.EnableLightPush != nil {
		dst.EnableLightPush = *src.EnableLightPush
	}
	if src.BootstrapNodes != nil {
		dst.BootstrapNodes = src.BootstrapNodes
	}
	if src.MinPeers != 0 {
		dst.MinPeers = src.MinPeers
	}
	if src.StoreQueryFanout != 0 {
		dst.StoreQueryFanout = src.StoreQueryFanout
	}
	if src.ReconnectInterval != 0 {
		dst.ReconnectInterval = src.ReconnectInterval
	}
	if src.ReconnectBackoffMax != 0 {
		dst.ReconnectBackoffMax = src.ReconnectBackoffMax
	}
	if src.PublishRatePerSec != 0 {
		dst.PublishRatePerSec = src.PublishRatePerSec
	}
	if src.PublishBurst != 0 {
		dst.PublishBurst = src.PublishBurst
	}
}

func ApplyEnvOverrides(cfg *Config) {
	if transport := strings.TrimSpace(os.Getenv("JOBMESH_NETWORK_TRANSPORT")); transport != "" {
		cfg.Bus.Transport = transport
	}
	if raw := strings.TrimSpace(os.Getenv("JOBMESH_CHAIN_ID")); raw != "" {
		if v, err := strconv.ParseUint(raw, 10, 64); err == nil {
			cfg.Domain.ChainID = v
		}
	}
	if addr := strings.TrimSpace(os.Getenv("JOBMESH_LEDGER_ADDRESS")); addr != "" && common.IsHexAddress(addr) {
		cfg.Domain.LedgerAddress = common.HexToAddress(addr)
	}
	if pass := os.Getenv("JOBMESH_STORE_PASSPHRASE"); pass != "" {
		cfg.Store.Passphrase = pass
	}
	if raw := strings.TrimSpace(os.Getenv("JOBMESH_WORKER_ENABLED")); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.WorkerOn = v
		}
	}
	if mnemonic := strings.TrimSpace(os.Getenv("JOBMESH_WORKER_MNEMONIC")); mnemonic != "" {
		cfg.Worker.Mnemonic = mnemonic
	}
	if path := strings.TrimSpace(os.Getenv("JOBMESH_WORKER_SEED_PATH")); path != "" {
		cfg.Worker.SeedPath = path
	}
	if pass := os.Getenv("JOBMESH_KEY_PASSPHRASE"); pass != "" {
		cfg.Worker.KeyPassphrase = pass
	}
}
