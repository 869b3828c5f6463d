package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/consensys/gnark/backend/groth16"
	gnarkLogger "github.com/consensys/gnark/logger"
	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/urfave/cli/v2"

	"zkcredit/credit-prover/chain"
	"zkcredit/credit-prover/config"
	"zkcredit/credit-prover/logging"
	"zkcredit/credit-prover/pipeline"
	"zkcredit/credit-prover/prover"
	"zkcredit/credit-prover/prover/common"
	"zkcredit/credit-prover/prover/nullifier"
	"zkcredit/credit-prover/prover/score"
	"zkcredit/credit-prover/server"
)

func main() {
	runCli()
}

func runCli() {
	gnarkLogger.Set(*logging.Logger())
	app := cli.App{
		Name:                 "credit-prover",
		Usage:                "credit score threshold proofs",
		EnableBashCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "TOML configuration file", EnvVars: []string{"CREDIT_PROVER_CONFIG"}},
			&cli.StringFlag{Name: "log-level", Usage: "log level (debug / info / warn / error)"},
			&cli.BoolFlag{Name: "json-logging", Usage: "enable JSON logging"},
		},
		Before: func(context *cli.Context) error {
			cfg, err := loadConfig(context)
			if err != nil {
				return err
			}
			if cfg.JSONLogs {
				logging.SetJSONOutput()
			}
			return logging.SetLevel(cfg.LogLevel)
		},
		Commands: []*cli.Command{
			{
				Name:  "setup",
				Usage: "run a Groth16 setup for the credit score circuit",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "output", Usage: "Output file", Required: true},
					&cli.StringFlag{Name: "output-vkey", Usage: "Verifying key output file", Required: false},
					&cli.UintFlag{Name: "version", Usage: "circuit version", Value: 1},
				},
				Action: func(context *cli.Context) error {
					logging.Logger().Info().Msg("Running setup")
					system, err := prover.Setup(uint32(context.Uint("version")))
					if err != nil {
						return err
					}
					if err := common.WriteProvingSystem(system, context.String("output"), context.String("output-vkey")); err != nil {
						return err
					}
					logging.Logger().Info().Msg("Setup completed successfully")
					return nil
				},
			},
			{
				Name:  "r1cs",
				Usage: "compile the circuit and write its constraint system",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "output", Usage: "Output file", Required: true},
				},
				Action: func(context *cli.Context) error {
					logging.Logger().Info().Msg("Building R1CS")
					cs, err := prover.R1CS()
					if err != nil {
						return err
					}
					file, err := os.Create(context.String("output"))
					if err != nil {
						return err
					}
					defer file.Close()
					written, err := cs.WriteTo(file)
					if err != nil {
						return err
					}
					logging.Logger().Info().
						Int64("bytesWritten", written).
						Int("constraints", cs.GetNbConstraints()).
						Msg("R1CS written to file")
					return nil
				},
			},
			{
				Name:  "export-vk",
				Usage: "extract the verifying key from a proving system file",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "keys-file", Aliases: []string{"k"}, Usage: "proving system file", Required: true},
					&cli.StringFlag{Name: "output", Usage: "output file", Required: true},
				},
				Action: func(context *cli.Context) error {
					system, err := common.ReadSystemFromFile(context.String("keys-file"))
					if err != nil {
						return fmt.Errorf("failed to read proving system: %w", err)
					}
					return common.WriteVerifyingKey(system.VerifyingKey, context.String("output"))
				},
			},
			{
				Name:  "export-solidity",
				Usage: "write the Solidity verifier for a verifying key",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "vkey", Usage: "verifying key file (defaults to prover.verifying_key)"},
					&cli.StringFlag{Name: "output", Usage: "output file", Required: true},
				},
				Action: func(context *cli.Context) error {
					cfg, err := loadConfig(context)
					if err != nil {
						return err
					}
					vk, err := loadVerifyingKey(&cfg, context.String("vkey"))
					if err != nil {
						return err
					}
					if err := common.ExportSolidity(vk, context.String("output")); err != nil {
						return err
					}
					logging.Logger().Info().Str("file", context.String("output")).Msg("Solidity verifier exported")
					return nil
				},
			},
			{
				Name:  "score",
				Usage: "score a feature vector without proving",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "features", Usage: "feature vector JSON file (- for stdin)", Value: "-"},
					&cli.BoolFlag{Name: "explain", Usage: "list every term and penalty"},
				},
				Action: func(context *cli.Context) error {
					var features score.FeatureVector
					if err := readJSONInput(context.String("features"), &features); err != nil {
						return err
					}
					fixed := features.Fixed()
					scores := score.ComputeFixed(fixed)
					out := map[string]interface{}{
						"scores":  scores,
						"display": scores.Display(),
					}
					if context.Bool("explain") {
						out["components"] = score.Explain(fixed)
					}
					return printJSON(out)
				},
			},
			{
				Name:  "nullifier",
				Usage: "derive the nullifier for an address, nonce and timestamp",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "address", Usage: "wallet address", Required: true},
					&cli.StringFlag{Name: "nonce", Usage: "nonce (decimal or 0x hex)", Required: true},
					&cli.Uint64Flag{Name: "timestamp", Usage: "unix seconds", Required: true},
					&cli.Uint64Flag{Name: "version", Usage: "circuit version", Value: 1},
				},
				Action: func(context *cli.Context) error {
					address, err := parseAddress(context.String("address"))
					if err != nil {
						return err
					}
					nonce, err := common.ParseBigInt(context.String("nonce"))
					if err != nil {
						return fmt.Errorf("invalid nonce: %w", err)
					}
					n, err := nullifier.Derive(address, nonce, context.Uint64("timestamp"), context.Uint64("version"))
					if err != nil {
						return err
					}
					b := nullifier.Bytes32(n)
					return printJSON(map[string]string{
						"nullifier": n.String(),
						"bytes32":   ethcommon.BytesToHash(b[:]).Hex(),
					})
				},
			},
			{
				Name:  "prove",
				Usage: "prove a feature vector meets a threshold, optionally submitting it",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "address", Usage: "wallet address", Required: true},
					&cli.StringFlag{Name: "features", Usage: "feature vector JSON file (- for stdin)", Value: "-"},
					&cli.Uint64Flag{Name: "threshold", Usage: "unscaled threshold (300-900)"},
					&cli.StringFlag{Name: "nonce", Usage: "nonce (random when unset)"},
					&cli.BoolFlag{Name: "submit", Usage: "run the guard and submit on chain"},
				},
				Action: func(context *cli.Context) error {
					cfg, err := loadConfig(context)
					if err != nil {
						return err
					}
					address, err := parseAddress(context.String("address"))
					if err != nil {
						return err
					}
					req := pipeline.ProofRequest{
						Address:   address,
						Threshold: context.Uint64("threshold"),
					}
					if req.Threshold == 0 {
						req.Threshold = cfg.Prover.DefaultThreshold
					}
					if s := context.String("nonce"); s != "" {
						if req.Nonce, err = common.ParseBigInt(s); err != nil {
							return fmt.Errorf("invalid nonce: %w", err)
						}
					}
					if err := readJSONInput(context.String("features"), &req.Features); err != nil {
						return err
					}

					submit := context.Bool("submit")
					p, closeChain, err := buildPipeline(context, &cfg, submit)
					if err != nil {
						return err
					}
					defer closeChain()

					progress := pipeline.Progress{
						Proof: func(s prover.Stage) {
							logging.Logger().Info().Str("stage", string(s)).Msg("Proof progress")
						},
						Submit: func(s chain.SubmitStage) {
							logging.Logger().Info().Str("stage", string(s)).Msg("Submission progress")
						},
					}
					if !submit {
						proof, err := p.Prove(context.Context, req, progress.Proof)
						if err != nil {
							return err
						}
						return printJSON(proof)
					}
					proof, outcome, err := p.Run(context.Context, req, progress)
					if proof != nil {
						if perr := printJSON(map[string]interface{}{"proof": proof, "outcome": outcome}); perr != nil {
							return perr
						}
					}
					return err
				},
			},
			{
				Name:  "verify",
				Usage: "verify a proof result read from stdin",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "vkey", Usage: "verifying key file (defaults to prover.verifying_key)"},
				},
				Action: func(context *cli.Context) error {
					cfg, err := loadConfig(context)
					if err != nil {
						return err
					}
					vk, err := loadVerifyingKey(&cfg, context.String("vkey"))
					if err != nil {
						return err
					}
					logging.Logger().Info().Msg("Reading proof from stdin")
					var result prover.ProofResult
					if err := readJSONInput("-", &result); err != nil {
						return fmt.Errorf("failed to unmarshal proof: %w", err)
					}
					if err := prover.Verify(vk, result.Proof, result.PublicSignals); err != nil {
						return fmt.Errorf("verification failed: %w", err)
					}
					logging.Logger().Info().Msg("Verification completed successfully")
					return nil
				},
			},
			{
				Name:  "submit",
				Usage: "guard and submit a proof result",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "proof", Usage: "proof result JSON file (- for stdin)", Value: "-"},
				},
				Action: func(context *cli.Context) error {
					cfg, err := loadConfig(context)
					if err != nil {
						return err
					}
					var result prover.ProofResult
					if err := readJSONInput(context.String("proof"), &result); err != nil {
						return err
					}
					p, closeChain, err := buildPipeline(context, &cfg, true)
					if err != nil {
						return err
					}
					defer closeChain()

					outcome, err := p.Submit(context.Context, &result, func(s chain.SubmitStage) {
						logging.Logger().Info().Str("stage", string(s)).Msg("Submission progress")
					})
					if outcome != nil {
						for _, w := range outcome.Warnings {
							logging.Logger().Warn().Str("code", string(w.Code)).Msg(w.Message)
						}
						if perr := printJSON(outcome); perr != nil {
							return perr
						}
					}
					return err
				},
			},
			{
				Name:  "status",
				Usage: "read on-chain eligibility for an address",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "address", Usage: "wallet address", Required: true},
				},
				Action: func(context *cli.Context) error {
					cfg, err := loadConfig(context)
					if err != nil {
						return err
					}
					address, err := parseAddress(context.String("address"))
					if err != nil {
						return err
					}
					deployments, err := chain.DeploymentsFromConfig(&cfg)
					if err != nil {
						return err
					}
					provider, err := pipeline.DialChain(context.Context, &cfg, deployments)
					if err != nil {
						return err
					}
					defer provider.Close()

					d, err := deployments.Resolve(context.Context, provider)
					if err != nil {
						return err
					}
					status, err := chain.NewEligibilityReader(chain.NewVerifierContract(provider, d)).Status(context.Context, address)
					if err != nil {
						return err
					}
					return printJSON(status)
				},
			},
			{
				Name:  "start",
				Usage: "run the HTTP prover daemon",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "prover-address", Usage: "address for the prover server"},
					&cli.StringFlag{Name: "metrics-address", Usage: "address for the metrics server"},
					&cli.StringFlag{Name: "redis-url", Usage: "Redis URL for the proof queue and nullifier ledger", EnvVars: []string{"REDIS_URL"}},
					&cli.IntFlag{Name: "queue-workers", Usage: "number of queue workers"},
					&cli.BoolFlag{Name: "preload-keys", Usage: "load the proving system before serving", Value: true},
				},
				Action: func(context *cli.Context) error {
					cfg, err := loadConfig(context)
					if err != nil {
						return err
					}
					if s := context.String("prover-address"); s != "" {
						cfg.Server.ProverAddress = s
					}
					if s := context.String("metrics-address"); s != "" {
						cfg.Server.MetricsAddress = s
					}
					if s := context.String("redis-url"); s != "" {
						cfg.Server.RedisURL = s
					}
					if n := context.Int("queue-workers"); n > 0 {
						cfg.Server.QueueWorkers = n
					}
					if cfg.Server.APIKey == "" {
						cfg.Server.APIKey = server.APIKeyFromEnv()
					}

					keys := pipeline.KeyManager(&cfg)
					if context.Bool("preload-keys") && cfg.Prover.Isolation == "goroutine" {
						if _, err := keys.GetSystem(uint32(cfg.Prover.CircuitVersion)); err != nil {
							return err
						}
					}

					var redisQueue *server.RedisQueue
					var ledger chain.NullifierLedger
					if cfg.Server.RedisURL != "" {
						redisQueue, err = server.NewRedisQueue(cfg.Server.RedisURL)
						if err != nil {
							return fmt.Errorf("failed to connect to Redis: %w", err)
						}
						ledger = chain.NewRedisLedger(redisQueue.Client, chain.DefaultReservationTTL)
					}

					var provider *chain.EthProvider
					var reader *chain.EligibilityReader
					var deployments chain.Deployments
					if len(cfg.Deployments) > 0 {
						deployments, err = chain.DeploymentsFromConfig(&cfg)
						if err != nil {
							return err
						}
						provider, err = pipeline.DialChain(context.Context, &cfg, deployments)
						if err != nil {
							return err
						}
						defer provider.Close()
						reader = chain.NewEligibilityReader(chain.NewVerifierContract(provider, deployments[0]))
					} else {
						logging.Logger().Warn().Msg("No deployments configured, serving proofs only")
					}

					runner := pipeline.NewRunner(&cfg, keys, workerCommand(context, &cfg))
					var chainProvider chain.Provider
					if provider != nil {
						chainProvider = provider
					}
					p := pipeline.FromConfig(&cfg, runner, chainProvider, deployments, ledger)
					service := server.NewService(p, reader, redisQueue, cfg.Prover.DefaultThreshold)

					instance := server.Run(&server.Config{
						ProverAddress:  cfg.Server.ProverAddress,
						MetricsAddress: cfg.Server.MetricsAddress,
						APIKey:         cfg.Server.APIKey,
						QueueWorkers:   cfg.Server.QueueWorkers,
					}, service)
					logging.Logger().Info().
						Str("prover_address", cfg.Server.ProverAddress).
						Str("metrics_address", cfg.Server.MetricsAddress).
						Bool("queue", redisQueue != nil).
						Bool("chain", p.CanSubmit()).
						Msg("Started credit prover")

					sigint := make(chan os.Signal, 1)
					signal.Notify(sigint, os.Interrupt)
					<-sigint
					logging.Logger().Info().Msg("Received sigint, shutting down")
					instance.RequestStop()
					instance.AwaitStop()

					if redisQueue != nil {
						if stats, err := redisQueue.GetQueueStats(); err == nil {
							logging.Logger().Info().Interface("final_queue_stats", stats).Msg("Final queue statistics")
						}
						redisQueue.Client.Close()
					}
					logging.Logger().Info().Msg("Shutdown completed")
					return nil
				},
			},
			{
				Name:   "prove-worker",
				Usage:  "prove one witness read from stdin (started by process isolation)",
				Hidden: true,
				Action: func(context *cli.Context) error {
					logging.SetOutput(os.Stderr)
					cfg, err := loadConfig(context)
					if err != nil {
						return err
					}
					return prover.ServeWorker(context.Context, pipeline.KeyManager(&cfg), os.Stdin, os.Stdout)
				},
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		logging.Logger().Fatal().Err(err).Msg("App failed.")
	}
}

func loadConfig(context *cli.Context) (config.Config, error) {
	var cfg config.Config
	if path := context.String("config"); path != "" {
		var err error
		cfg, err = config.ReadConfig(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else {
		cfg = config.Default()
	}
	if s := context.String("log-level"); s != "" {
		cfg.LogLevel = s
	}
	if context.Bool("json-logging") {
		cfg.JSONLogs = true
	}
	return cfg, nil
}

// buildPipeline wires the prover and, when withChain is set, the chain
// connection. The returned func closes the connection.
func buildPipeline(context *cli.Context, cfg *config.Config, withChain bool) (*pipeline.Pipeline, func(), error) {
	keys := pipeline.KeyManager(cfg)
	runner := pipeline.NewRunner(cfg, keys, workerCommand(context, cfg))
	if !withChain {
		return pipeline.FromConfig(cfg, runner, nil, nil, nil), func() {}, nil
	}
	deployments, err := chain.DeploymentsFromConfig(cfg)
	if err != nil {
		return nil, nil, err
	}
	provider, err := pipeline.DialChain(context.Context, cfg, deployments)
	if err != nil {
		return nil, nil, err
	}
	return pipeline.FromConfig(cfg, runner, provider, deployments, nil), provider.Close, nil
}

func workerCommand(context *cli.Context, cfg *config.Config) []string {
	exe := cfg.Prover.WorkerPath
	if exe == "" {
		var err error
		if exe, err = os.Executable(); err != nil {
			exe = os.Args[0]
		}
	}
	cmd := []string{exe}
	if path := context.String("config"); path != "" {
		cmd = append(cmd, "--config", path)
	}
	return append(cmd, "prove-worker")
}

func loadVerifyingKey(cfg *config.Config, path string) (groth16.VerifyingKey, error) {
	if path != "" {
		return common.LoadVerifyingKey(path)
	}
	artifact := common.Artifact{
		Path:   cfg.Prover.VerifyingKey.Path,
		URL:    cfg.Prover.VerifyingKey.URL,
		SHA256: cfg.Prover.VerifyingKey.SHA256,
	}
	download := common.DefaultDownloadConfig()
	download.AutoDownload = cfg.Prover.AutoDownload
	if err := common.EnsureArtifact(artifact, download); err != nil {
		return nil, err
	}
	return common.LoadVerifyingKey(artifact.Path)
}

func parseAddress(s string) (ethcommon.Address, error) {
	if !ethcommon.IsHexAddress(s) {
		return ethcommon.Address{}, fmt.Errorf("invalid address %q", s)
	}
	return ethcommon.HexToAddress(s), nil
}

func readJSONInput(path string, v interface{}) error {
	var data []byte
	var err error
	if path == "" || path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
