package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/hemantsingh443/remote-commit/internal/client"
	"github.com/hemantsingh443/remote-commit/internal/config"
	"github.com/hemantsingh443/remote-commit/internal/engine"
	"github.com/hemantsingh443/remote-commit/internal/fault"
	"github.com/hemantsingh443/remote-commit/internal/logging"
)

var (
	cfgFile  string
	dataDir  string
	logLevel string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "remote-commit",
		Short: "Remote commit client - request commits from a paired daemon",
		Long: `A client that pairs with a remote-commit daemon and asks it to write and commit
a file in one of its repositories.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (optional)")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "client-data", "Directory for identity and address cache")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (overrides config)")

	rootCmd.AddCommand(idCmd())
	rootCmd.AddCommand(pairCmd())
	rootCmd.AddCommand(commitCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(exitCode(err))
	}
}

func loadConfig() (*config.Config, error) {
	cfg := config.ForDataDir(dataDir)
	if cfgFile != "" {
		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
	}

	level := cfg.Log.Level
	if logLevel != "" {
		level = logLevel
	}
	if err := logging.Setup(level, cfg.Log.Format); err != nil {
		return nil, err
	}
	return cfg, nil
}

// exitCode distinguishes failure classes for scripts.
func exitCode(err error) int {
	switch fault.KindOf(err) {
	case fault.Authorization:
		return 3
	case fault.Timeout:
		return 4
	case fault.Repository:
		return 5
	default:
		return 1
	}
}

func idCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "id",
		Short: "Print this installation's peer ID",
		Long:  `Print the peer ID the daemon operator will see, creating the identity on first use.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			id, err := client.LocalID(cfg)
			if err != nil {
				return err
			}
			fmt.Println(id)
			return nil
		},
	}
}

func pairCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pair <daemon-address>",
		Short: "Ask a daemon to trust this installation",
		Long: `Send a pairing request and wait for the daemon operator's decision. The address
is a full multiaddr ending in /p2p/<peer-id>, or a bare peer ID when the daemon can be
found on the local network or the DHT.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			s, err := client.Dial(cmd.Context(), cfg, args[0])
			if err != nil {
				return err
			}
			defer s.Close()

			fmt.Printf("Waiting for approval from %s ...\n", s.Daemon())
			if err := s.Pair(cmd.Context()); err != nil {
				return err
			}
			fmt.Println("Pairing approved")
			return nil
		},
	}
}

func commitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "commit <daemon-address>",
		Short: "Write a file in a daemon repository and commit it",
		Args:  cobra.ExactArgs(1),
		RunE:  runCommit,
	}

	cmd.Flags().String("repo", "", "Repository path on the daemon host (required)")
	cmd.Flags().String("file", "", "File path relative to the repository root (required)")
	cmd.Flags().String("content", "", "New file content")
	cmd.Flags().String("content-file", "", "Read new file content from this local file ('-' for stdin)")
	cmd.Flags().StringP("message", "m", "", "Commit message (required)")
	cmd.MarkFlagRequired("repo")
	cmd.MarkFlagRequired("file")
	cmd.MarkFlagRequired("message")
	cmd.MarkFlagsMutuallyExclusive("content", "content-file")
	cmd.MarkFlagsOneRequired("content", "content-file")

	return cmd
}

func runCommit(cmd *cobra.Command, args []string) error {
	repo, _ := cmd.Flags().GetString("repo")
	file, _ := cmd.Flags().GetString("file")
	content, _ := cmd.Flags().GetString("content")
	contentFile, _ := cmd.Flags().GetString("content-file")
	message, _ := cmd.Flags().GetString("message")

	if contentFile != "" {
		data, err := readContent(contentFile)
		if err != nil {
			return err
		}
		content = string(data)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	s, err := client.Dial(cmd.Context(), cfg, args[0])
	if err != nil {
		return err
	}
	defer s.Close()

	hash, err := s.Commit(cmd.Context(), engine.CommitParams{
		RepoPath: repo,
		FilePath: file,
		Content:  content,
		Message:  message,
	})
	if errors.Is(err, fault.ErrNotAuthorized) {
		return fmt.Errorf("%w (run 'remote-commit pair' first)", err)
	}
	if err != nil {
		return err
	}

	fmt.Printf("Committed %s\n", hash)
	return nil
}

func readContent(path string) ([]byte, error) {
	if path == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("failed to read content from stdin: %w", err)
		}
		return data, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read content file: %w", err)
	}
	return data, nil
}
