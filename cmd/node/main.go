// Command node runs a Stratum lease authority.
package main

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"Stratum/internal/config"
	"Stratum/internal/crypto"
	"Stratum/internal/logger"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "node",
		Short:         "Hierarchical lease authority and consensus node",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(runCmd(), keygenCmd(), defaultConfigCmd(), leaseCmd(), statusCmd())

	return root
}

func runCmd() *cobra.Command {
	var (
		configPath string
		listen     string
		httpAddr   string
		dataDir    string
		keyPath    string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the node",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.Default()

			if configPath != "" {
				loaded, err := config.Load(configPath)
				if err != nil {
					return err
				}

				cfg = loaded
			}

			flags := cmd.Flags()
			if flags.Changed("listen") {
				cfg.Listen = listen
			}
			if flags.Changed("http") {
				cfg.HTTP = httpAddr
			}
			if flags.Changed("data") {
				cfg.DataDir = dataDir
			}
			if flags.Changed("key") {
				cfg.KeyPath = keyPath
			}
			if flags.Changed("log-level") {
				cfg.LogLevel = logLevel
			}

			if err := cfg.Validate(); err != nil {
				return err
			}

			return run(cfg)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "config file path")
	cmd.Flags().StringVar(&listen, "listen", "", "QUIC listen address")
	cmd.Flags().StringVar(&httpAddr, "http", "", "HTTP API address")
	cmd.Flags().StringVar(&dataDir, "data", "", "data directory")
	cmd.Flags().StringVar(&keyPath, "key", "", "Ed25519 private key path (generated if missing)")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "debug, info, warn or error")

	return cmd
}

// run loads the key and runs the node until a signal.
func run(cfg *config.Config) error {
	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}

	logger.Init(level)

	priv, err := loadOrGenerateKey(cfg.KeyPath)
	if err != nil {
		return fmt.Errorf("load key:\n%w", err)
	}

	node, err := NewNode(cfg, priv)
	if err != nil {
		return fmt.Errorf("create node:\n%w", err)
	}

	logger.Info("starting stratum node",
		"id", node.ID(),
		"pubkey", hex.EncodeToString(priv.Public().(ed25519.PublicKey)),
		"group", cfg.Group,
		"listen", cfg.Listen,
		"http", cfg.HTTP,
		"data", cfg.DataDir,
	)

	return node.Run()
}

func keygenCmd() *cobra.Command {
	var (
		out     string
		address string
	)

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a node key and print its peer entry",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := os.Stat(out); err == nil {
				return fmt.Errorf("%s already exists", out)
			}

			priv, err := generateAndSaveKey(out)
			if err != nil {
				return err
			}

			entry, err := peerEntry(priv, address)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "# identity %s\n", entry.Name)

			return yaml.NewEncoder(cmd.OutOrStdout()).Encode([]config.Peer{entry})
		},
	}

	cmd.Flags().StringVarP(&out, "out", "o", "node.key", "key file to write")
	cmd.Flags().StringVar(&address, "address", "127.0.0.1:7400", "address peers dial")

	return cmd
}

// peerEntry builds the config entry other nodes need to reach and verify priv.
func peerEntry(priv ed25519.PrivateKey, address string) (config.Peer, error) {
	pub := priv.Public().(ed25519.PublicKey)

	bls, err := crypto.DeriveBLS(priv)
	if err != nil {
		return config.Peer{}, err
	}

	return config.Peer{
		Name:    string(crypto.DefaultIdentity(pub)),
		Address: address,
		Ed25519: hex.EncodeToString(pub),
		BLS:     hex.EncodeToString(bls.PublicKey()),
	}, nil
}

func defaultConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "default-config",
		Short: "Print the default configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return yaml.NewEncoder(cmd.OutOrStdout()).Encode(config.Default())
		},
	}
}
