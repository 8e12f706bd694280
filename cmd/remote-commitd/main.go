package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/hemantsingh443/remote-commit/internal/api"
	"github.com/hemantsingh443/remote-commit/internal/config"
	"github.com/hemantsingh443/remote-commit/internal/daemon"
	"github.com/hemantsingh443/remote-commit/internal/discovery"
	"github.com/hemantsingh443/remote-commit/internal/identity"
	"github.com/hemantsingh443/remote-commit/internal/logging"
	"github.com/hemantsingh443/remote-commit/internal/models"
	"github.com/hemantsingh443/remote-commit/internal/pairing"
	"github.com/hemantsingh443/remote-commit/internal/trust"
)

var (
	cfgFile  string
	logLevel string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "remote-commitd",
		Short: "Remote commit daemon - commits on behalf of trusted devices",
		Long: `A daemon that owns local Git repositories and commits file changes requested by
paired devices over a peer-to-peer network.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "config.toml", "config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (overrides config)")

	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(startCmd())
	rootCmd.AddCommand(peersCmd())
	rootCmd.AddCommand(addrsCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
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

func initCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a new daemon installation",
		Long:  `Initialize a daemon by writing a config file and generating its peer identity.`,
		RunE:  runInit,
	}

	cmd.Flags().String("name", "", "Daemon name")
	cmd.Flags().String("data-dir", "data", "Directory for identity and databases")
	cmd.Flags().Bool("enable-api", false, "Enable the admin API")

	return cmd
}

func runInit(cmd *cobra.Command, args []string) error {
	name, _ := cmd.Flags().GetString("name")
	dataDir, _ := cmd.Flags().GetString("data-dir")
	enableAPI, _ := cmd.Flags().GetBool("enable-api")

	if _, err := os.Stat(cfgFile); err == nil {
		return fmt.Errorf("config file %s already exists", cfgFile)
	}

	cfg := config.ForDataDir(dataDir)
	cfg.Node.Name = name
	if enableAPI {
		apiKey := make([]byte, 24)
		if _, err := rand.Read(apiKey); err != nil {
			return fmt.Errorf("failed to generate API key: %w", err)
		}
		cfg.API.Enabled = true
		cfg.API.APIKey = base64.RawURLEncoding.EncodeToString(apiKey)
	}

	if err := cfg.EnsureDirs(); err != nil {
		return err
	}

	ident, err := identity.LoadOrCreate(cfg.IdentityPath())
	if err != nil {
		return fmt.Errorf("failed to create identity: %w", err)
	}

	if err := cfg.Save(cfgFile); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}

	fmt.Printf("Daemon initialized successfully!\n")
	fmt.Printf("Peer ID: %s\n", ident.ID())
	if cfg.API.Enabled {
		fmt.Printf("API Key: %s\n", cfg.API.APIKey)
	}
	fmt.Printf("Config saved to: %s\n", cfgFile)

	return nil
}

func startCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the daemon",
		Long: `Start the daemon and serve commit requests from approved devices.
With --pair, unknown devices may request approval; each request is shown on the
terminal unless --no-prompt is set, in which case it waits for the admin API.`,
		RunE: runStart,
	}

	cmd.Flags().Bool("pair", false, "Accept pairing requests")
	cmd.Flags().Bool("no-prompt", false, "Do not prompt on the terminal for pairing decisions")

	return cmd
}

func runStart(cmd *cobra.Command, args []string) error {
	pair, _ := cmd.Flags().GetBool("pair")
	noPrompt, _ := cmd.Flags().GetBool("no-prompt")

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	opts := daemon.Options{PairingMode: pair}
	if pair && !noPrompt {
		opts.Prompter = pairing.NewTerminal(os.Stdin, os.Stdout)
	}

	d, err := daemon.New(cfg, opts)
	if err != nil {
		return err
	}
	defer d.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := d.Start(ctx); err != nil {
		return err
	}

	fmt.Printf("Daemon started with Peer ID: %s\n", d.ID())
	fmt.Printf("Listening on:\n")
	for _, addr := range d.Addrs() {
		fmt.Printf("  %s\n", addr)
	}
	if pair {
		fmt.Printf("Pairing mode enabled\n")
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return d.Run(ctx)
	})
	if cfg.API.Enabled {
		gin.SetMode(gin.ReleaseMode)
		router := api.NewRouter(cfg.API.APIKey, d.Trust(), d.Pairing(), d.Cache())
		srv := api.NewServer(cfg.API, router)
		g.Go(func() error {
			return srv.Serve(ctx)
		})
	}

	err = g.Wait()
	fmt.Println("Shutting down daemon...")
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func openTrust() (*trust.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return trust.Open(cfg.TrustDBPath())
}

// runningDaemon returns an admin API client when the configured daemon
// answers, or nil.
func runningDaemon(ctx context.Context, cfg *config.Config) *api.Client {
	if !cfg.API.Enabled {
		return nil
	}
	c := api.NewClient(fmt.Sprintf("http://%s:%d", cfg.API.Host, cfg.API.Port), cfg.API.APIKey)
	healthCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := c.Health(healthCtx); err != nil {
		return nil
	}
	return c
}

func changeTrust(ctx context.Context, arg string, approve bool) error {
	id, err := peer.Decode(arg)
	if err != nil {
		return fmt.Errorf("invalid peer ID: %w", err)
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	verb := "revoked"
	if approve {
		verb = "approved"
	}

	if c := runningDaemon(ctx, cfg); c != nil {
		if approve {
			err = c.Approve(ctx, id)
		} else {
			err = c.Revoke(ctx, id)
		}
		if err != nil {
			return err
		}
		fmt.Printf("Peer %s %s\n", id, verb)
		return nil
	}

	store, err := trust.Open(cfg.TrustDBPath())
	if err != nil {
		return err
	}
	defer store.Close()

	if approve {
		err = store.Approve(ctx, id)
	} else {
		err = store.Revoke(ctx, id)
	}
	if err != nil {
		return err
	}
	fmt.Printf("Peer %s %s\n", id, verb)
	return nil
}

func peersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "peers",
		Short: "Manage trusted peers",
		Long:  `List, approve and revoke the device identities known to this daemon.`,
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List known peers",
		RunE: func(cmd *cobra.Command, args []string) error {
			state, _ := cmd.Flags().GetString("state")
			if state != "" && !models.TrustState(state).Valid() {
				return fmt.Errorf("invalid state %q", state)
			}

			store, err := openTrust()
			if err != nil {
				return err
			}
			defer store.Close()

			entries, err := store.List(cmd.Context(), models.TrustState(state))
			if err != nil {
				return err
			}

			fmt.Printf("Known Peers (%d total):\n", len(entries))
			fmt.Printf("%-54s %-10s %-20s %-20s\n", "PEER ID", "STATE", "FIRST SEEN", "LAST APPROVED")
			for _, e := range entries {
				approved := "-"
				if e.LastApproved != nil {
					approved = e.LastApproved.Format(time.DateTime)
				}
				fmt.Printf("%-54s %-10s %-20s %-20s\n", e.PeerID, e.State, e.FirstSeen.Format(time.DateTime), approved)
			}
			return nil
		},
	}
	listCmd.Flags().String("state", "", "Only list peers in this state (pending, approved, revoked)")

	approveCmd := &cobra.Command{
		Use:   "approve <peer-id>",
		Short: "Approve a pending peer",
		Long: `Approve a pending peer. When the daemon is running with the admin API enabled the
decision goes through it, answering any outstanding pairing request.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return changeTrust(cmd.Context(), args[0], true)
		},
	}

	revokeCmd := &cobra.Command{
		Use:   "revoke <peer-id>",
		Short: "Revoke a peer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return changeTrust(cmd.Context(), args[0], false)
		},
	}

	pendingCmd := &cobra.Command{
		Use:   "pending",
		Short: "List pairing requests waiting for a decision",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			c := runningDaemon(cmd.Context(), cfg)
			if c == nil {
				return fmt.Errorf("daemon admin API is not reachable")
			}

			prompts, err := c.Pending(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("Pending Pairing Requests (%d total):\n", len(prompts))
			fmt.Printf("%-54s %-20s %s\n", "PEER ID", "SINCE", "REQUESTS")
			for _, p := range prompts {
				fmt.Printf("%-54s %-20s %d\n", p.PeerID, p.Since.Format(time.DateTime), len(p.RequestIDs))
			}
			return nil
		},
	}

	cmd.AddCommand(listCmd, approveCmd, revokeCmd, pendingCmd)
	return cmd
}

func addrsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "addrs",
		Short: "Inspect the address cache",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List cached peer addresses",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			cache, err := discovery.OpenCache(cfg.AddrCacheDBPath())
			if err != nil {
				return err
			}
			defer cache.Close()

			entries, err := cache.List(cmd.Context())
			if err != nil {
				return err
			}

			fmt.Printf("Cached Addresses (%d total):\n", len(entries))
			fmt.Printf("%-54s %-40s %-20s %-8s\n", "PEER ID", "ADDRESS", "LAST CONFIRMED", "FAILURES")
			for _, e := range entries {
				confirmed := "-"
				if e.LastConfirmed != nil {
					confirmed = e.LastConfirmed.Format(time.DateTime)
				}
				fmt.Printf("%-54s %-40s %-20s %-8d\n", e.PeerID, e.Multiaddr, confirmed, e.Failures)
			}
			return nil
		},
	}

	cmd.AddCommand(listCmd)
	return cmd
}
