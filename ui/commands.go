package ui

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"peerlink/config"
	"peerlink/crypto"
	"peerlink/discovery"
	"peerlink/storage"
)

// DefaultNamespace is the service namespace used when --namespace is not set.
const DefaultNamespace = "peerlink"

var (
	flagDataDir   string
	flagLogLevel  string
	flagName      string
	flagNamespace string
	flagLocal     bool
	flagLimit     int
)

var rootCmd = &cobra.Command{
	Use:          "peerlink",
	Short:        "chat and share files with peers on the local network",
	Long:         `peerlink finds peers on the local network, connects to them over an encrypted link and exchanges messages and files`,
	SilenceUsage: true,
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "join a namespace and chat interactively",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := bootstrap()
		if err != nil {
			return err
		}
		defer n.close()

		console, err := NewConsole("> ", filepath.Join(n.dataDir, "chat_history"))
		if err != nil {
			return err
		}
		defer console.Close()
		n.logger.SetOutput(console.Stderr())

		return runChat(cmd.Context(), n.runOptions(), console)
	},
}

var shareCmd = &cobra.Command{
	Use:   "share [file...]",
	Short: "send files to every peer that connects",
	Long:  `share advertises the local peer, connects to every peer it finds and sends each of them the given files; files sent by others are received as well`,
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := bootstrap()
		if err != nil {
			return err
		}
		defer n.close()

		opts := n.runOptions()
		opts.Out = &linePrinter{w: os.Stdout}
		opts.Bars = os.Stderr
		opts.ShareFiles = args
		return runShare(cmd.Context(), opts)
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "show archived transfers, peers, messages and events",
}

func historyCommand(use, short string, show func(n *node) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := bootstrap()
			if err != nil {
				return err
			}
			defer n.close()
			return show(n)
		},
	}
}

// Execute runs the command line until it finishes or the process is signalled.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&flagDataDir, "data-dir", "", "application data directory (default: $"+config.DataDirEnv+" or the per-user config directory)")
	flags.StringVar(&flagLogLevel, "log-level", "", "log level (trace, debug, info, warn, error)")
	flags.StringVar(&flagName, "name", "", "display name announced to peers")
	flags.StringVar(&flagNamespace, "namespace", DefaultNamespace, "service namespace shared by peers")
	flags.BoolVar(&flagLocal, "local", false, "discover only peers inside this process instead of using multicast DNS")

	historyCmd.PersistentFlags().IntVar(&flagLimit, "limit", 50, "maximum rows to show")
	historyCmd.AddCommand(
		historyCommand("transfers", "list finished transfers", func(n *node) error {
			return printTransfers(os.Stdout, n.store, "", flagLimit)
		}),
		historyCommand("peers", "list peers seen in the namespace", func(n *node) error {
			return printPeers(os.Stdout, n.store, flagNamespace)
		}),
		historyCommand("messages", "show the chat log of the namespace", func(n *node) error {
			return printMessages(os.Stdout, n.store, flagNamespace, flagLimit)
		}),
		historyCommand("events", "list invitation decisions and discovery failures", func(n *node) error {
			return printEvents(os.Stdout, n.store, flagLimit)
		}),
	)

	rootCmd.AddCommand(chatCmd, shareCmd, historyCmd)
}

// node is the state shared by every command: settings, keys and archive.
type node struct {
	cfg     *config.DeviceConfig
	dataDir string
	key     ed25519.PrivateKey
	store   *storage.Store
	logger  *logrus.Logger
}

func bootstrap() (*node, error) {
	dataDir := flagDataDir
	if dataDir == "" {
		resolved, err := config.ResolveDataDir()
		if err != nil {
			return nil, err
		}
		dataDir = resolved
	}

	cfg, _, err := config.LoadOrCreateIn(dataDir)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if flagName != "" {
		cfg.DisplayName = flagName
	}
	if flagLocal {
		cfg.LocalOnly = true
	}
	if flagLogLevel != "" {
		cfg.LogLevel = flagLogLevel
	}
	if err := discovery.ValidateNamespace(flagNamespace); err != nil {
		return nil, err
	}

	logger := logrus.New()
	logger.SetLevel(cfg.Level())
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	key, err := crypto.EnsureIdentityKey(cfg.IdentityKeyPath)
	if err != nil {
		return nil, fmt.Errorf("prepare identity key: %w", err)
	}

	store, dbPath, err := storage.Open(dataDir)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	logger.WithFields(logrus.Fields{
		"data_dir":    dataDir,
		"archive":     dbPath,
		"fingerprint": crypto.FormatFingerprint(crypto.Fingerprint(key.Public().(ed25519.PublicKey))),
	}).Debug("node ready")

	return &node{cfg: cfg, dataDir: dataDir, key: key, store: store, logger: logger}, nil
}

func (n *node) runOptions() RunOptions {
	return RunOptions{
		Config:    n.cfg,
		DataDir:   n.dataDir,
		Namespace: flagNamespace,
		Key:       n.key,
		Store:     n.store,
		Logger:    n.logger,
	}
}

func (n *node) close() {
	if err := n.store.Close(); err != nil {
		n.logger.WithError(err).Warn("close archive")
	}
}
