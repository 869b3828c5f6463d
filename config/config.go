package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

type Artifact struct {
	Path   string `toml:"path"`
	URL    string `toml:"url"`
	SHA256 string `toml:"sha256"`
}

type ProverConfig struct {
	// Combined proving system file: proving key, verifying key and constraint system.
	Keys             Artifact `toml:"keys"`
	VerifyingKey     Artifact `toml:"verifying_key"`
	AutoDownload     bool     `toml:"auto_download"`
	Timeout          Duration `toml:"timeout"`
	Isolation        string   `toml:"isolation"`
	WorkerPath       string   `toml:"worker_path"`
	CircuitVersion   uint64   `toml:"circuit_version"`
	DefaultThreshold uint64   `toml:"default_threshold"`
}

type ChainConfig struct {
	ChainID          uint64   `toml:"chain_id"`
	RPCURL           string   `toml:"rpc_url"`
	PrivateKeyEnv    string   `toml:"private_key_env"`
	ExternalSigner   string   `toml:"external_signer"`
	SignerAddress    string   `toml:"signer_address"`
	ConfirmationPoll Duration `toml:"confirmation_poll"`
	GasMarginPercent uint64   `toml:"gas_margin_percent"`
}

type Deployment struct {
	Name            string `toml:"name"`
	ChainID         uint64 `toml:"chain_id"`
	RPCURL          string `toml:"rpc_url"`
	VerifierAddress string `toml:"verifier_address"`
	// Chains without EIP-1559 get legacy transactions with an explicit gas price.
	FeeMarket bool `toml:"fee_market"`
}

type GuardConfig struct {
	MaxFutureDrift Duration `toml:"max_future_drift"`
	ValidityWindow Duration `toml:"validity_window"`
	AgeWarning     Duration `toml:"age_warning"`
	InspectMempool bool     `toml:"inspect_mempool"`
}

type ServerConfig struct {
	ProverAddress  string `toml:"prover_address"`
	MetricsAddress string `toml:"metrics_address"`
	RedisURL       string `toml:"redis_url"`
	APIKey         string `toml:"api_key"`
	QueueWorkers   int    `toml:"queue_workers"`
}

type Config struct {
	Prover      ProverConfig `toml:"prover"`
	Chain       ChainConfig  `toml:"chain"`
	Deployments []Deployment `toml:"deployments"`
	Guard       GuardConfig  `toml:"guard"`
	Server      ServerConfig `toml:"server"`
	LogLevel    string       `toml:"log_level"`
	JSONLogs    bool         `toml:"json_logs"`
}

func Default() Config {
	return Config{
		Prover: ProverConfig{
			Keys:             Artifact{Path: "./proving-keys/credit_score.key"},
			VerifyingKey:     Artifact{Path: "./proving-keys/credit_score.vkey"},
			AutoDownload:     true,
			Timeout:          Duration{120 * time.Second},
			Isolation:        "goroutine",
			CircuitVersion:   1,
			DefaultThreshold: 700,
		},
		Chain: ChainConfig{
			PrivateKeyEnv:    "CREDIT_PROVER_PRIVATE_KEY",
			ConfirmationPoll: Duration{2 * time.Second},
			GasMarginPercent: 20,
		},
		Guard: GuardConfig{
			MaxFutureDrift: Duration{5 * time.Minute},
			ValidityWindow: Duration{24 * time.Hour},
			AgeWarning:     Duration{time.Hour},
			InspectMempool: true,
		},
		Server: ServerConfig{
			ProverAddress:  "0.0.0.0:3001",
			MetricsAddress: "0.0.0.0:9998",
			QueueWorkers:   1,
		},
		LogLevel: "info",
	}
}

// ReadConfig layers the file over Default.
func ReadConfig(file string) (Config, error) {
	cfg := Default()
	configFileData, err := os.ReadFile(file)
	if err != nil {
		return cfg, err
	}
	err = toml.Unmarshal(configFileData, &cfg)
	if err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func (cfg *Config) Validate() error {
	switch cfg.Prover.Isolation {
	case "goroutine", "process":
	default:
		return fmt.Errorf("prover.isolation must be \"goroutine\" or \"process\", got %q", cfg.Prover.Isolation)
	}
	if cfg.Prover.Timeout.Duration <= 0 {
		return fmt.Errorf("prover.timeout must be positive")
	}
	if cfg.Prover.DefaultThreshold > 900 {
		return fmt.Errorf("prover.default_threshold must not exceed 900")
	}
	seen := make(map[uint64]bool)
	for _, d := range cfg.Deployments {
		if d.ChainID == 0 {
			return fmt.Errorf("deployment %q: chain_id required", d.Name)
		}
		if seen[d.ChainID] {
			return fmt.Errorf("duplicate deployment for chain %d", d.ChainID)
		}
		seen[d.ChainID] = true
		if !strings.HasPrefix(d.VerifierAddress, "0x") || len(d.VerifierAddress) != 42 {
			return fmt.Errorf("deployment %q: invalid verifier address %q", d.Name, d.VerifierAddress)
		}
	}
	return nil
}

func (cfg *Config) Deployment(chainID uint64) (Deployment, bool) {
	for _, d := range cfg.Deployments {
		if d.ChainID == chainID {
			return d, true
		}
	}
	return Deployment{}, false
}

// PreferredDeployment is the deployment for chain.chain_id, or the first one listed.
func (cfg *Config) PreferredDeployment() (Deployment, bool) {
	if d, ok := cfg.Deployment(cfg.Chain.ChainID); ok {
		return d, true
	}
	if len(cfg.Deployments) > 0 {
		return cfg.Deployments[0], true
	}
	return Deployment{}, false
}
