// Package main provides the CLI entry point for deskcast.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/deskcast/deskcast/internal/broadcast"
	"github.com/deskcast/deskcast/internal/config"
	"github.com/deskcast/deskcast/internal/engine"
	"github.com/deskcast/deskcast/internal/logging"
	"github.com/deskcast/deskcast/internal/server"
	"github.com/deskcast/deskcast/internal/status"
	"github.com/deskcast/deskcast/internal/viewer"
	"github.com/deskcast/deskcast/internal/wizard"
)

var (
	// Version is set at build time
	Version = "dev"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "deskcast",
		Short: "deskcast - desktop video broadcast over multiplexed UDP",
		Long: `deskcast serves a live H.264 stream to many viewers over a single
UDP socket. Every viewer gets its own multiplexed connection, validated
with a stateless retry token before any state is kept for it.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(serveCmd())
	root.AddCommand(viewCmd())
	root.AddCommand(initCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(versionCmd())

	return root
}

// loadConfig reads path, falling back to defaults when the flag was left at
// its default and the file does not exist.
func loadConfig(cmd *cobra.Command, path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, nil
	}
	if !cmd.Flags().Changed("config") && errors.Is(err, os.ErrNotExist) {
		return config.Default(), nil
	}
	return nil, err
}

func serveCmd() *cobra.Command {
	var (
		configPath string
		listen     string
		source     string
		sourcePath string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Broadcast the stream",
		Long:  "Bind the UDP socket and serve the stream to every viewer that connects.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("listen") {
				cfg.Server.Listen = listen
			}
			if cmd.Flags().Changed("source") {
				cfg.Capture.Source = source
			}
			if cmd.Flags().Changed("file") {
				cfg.Capture.Path = sourcePath
			}
			if cmd.Flags().Changed("log-level") {
				cfg.Log.Level = logLevel
			}

			logger := logging.NewLogger(cfg.Log.Level, cfg.Log.Format)
			b, err := broadcast.New(cfg, broadcast.Options{Logger: logger})
			if err != nil {
				return fmt.Errorf("failed to start broadcast: %w", err)
			}

			fmt.Printf("Broadcasting %s on udp://%s\n", cfg.Stream.Path, b.LocalAddr())
			if cfg.Health.Enabled {
				fmt.Printf("Health: http://%s/healthz\n", cfg.Health.Address)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := b.Run(ctx); err != nil {
				return err
			}
			fmt.Println("Broadcast stopped.")
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./deskcast.yaml", "Path to configuration file")
	cmd.Flags().StringVarP(&listen, "listen", "l", server.DefaultListen, "UDP listen address")
	cmd.Flags().StringVar(&source, "source", "synthetic", "Frame source (synthetic, file)")
	cmd.Flags().StringVar(&sourcePath, "file", "", "Annex B H.264 file for the file source")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	return cmd
}

func viewCmd() *cobra.Command {
	var (
		configPath string
		path       string
		output     string
		timeout    time.Duration
		force      bool
	)

	cmd := &cobra.Command{
		Use:   "view [server]",
		Short: "Receive the stream",
		Long: `Connect to a broadcast server, request the stream and write it to a
file or stdout. Pipe stdout into a player, for example:

  deskcast view 127.0.0.1:1337 | ffplay -f h264 -`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, configPath)
			if err != nil {
				return err
			}
			vc := cfg.Viewer
			if len(args) == 1 {
				vc.Server = args[0]
			}
			if cmd.Flags().Changed("path") {
				vc.Path = path
			}
			if cmd.Flags().Changed("output") {
				vc.Output = output
			}
			if cmd.Flags().Changed("timeout") {
				vc.Timeout = timeout
			}

			peer, err := net.ResolveUDPAddr("udp", vc.Server)
			if err != nil {
				return fmt.Errorf("resolve %s: %w", vc.Server, err)
			}

			var out io.Writer
			if vc.Output == "-" {
				if term.IsTerminal(int(os.Stdout.Fd())) && !force {
					return errors.New("refusing to write video to a terminal; use --output or pipe stdout (or --force)")
				}
				out = os.Stdout
			} else {
				f, err := os.Create(vc.Output)
				if err != nil {
					return fmt.Errorf("create output: %w", err)
				}
				defer f.Close()
				out = f
			}

			// Progress goes to stderr so stdout stays clean for the stream.
			logger := logging.NewLoggerWithWriter(cfg.Log.Level, cfg.Log.Format, os.Stderr)

			eng, err := engine.New(cfg.EngineConfig())
			if err != nil {
				return err
			}
			sock, err := server.ListenUDP(server.SocketConfig{Listen: ":0"})
			if err != nil {
				return err
			}
			defer sock.Close()

			v, err := viewer.New(viewer.Config{
				Server:           peer.AddrPort(),
				Path:             vc.Path,
				Output:           out,
				Timeout:          vc.Timeout,
				TickInterval:     vc.TickInterval,
				ProgressInterval: 5 * time.Second,
				Logger:           logger,
			}, eng, sock)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return v.Run(ctx)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./deskcast.yaml", "Path to configuration file")
	cmd.Flags().StringVarP(&path, "path", "p", server.DefaultStreamPath, "Stream path to request")
	cmd.Flags().StringVarP(&output, "output", "o", "-", "Output file, - for stdout")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "Handshake timeout")
	cmd.Flags().BoolVar(&force, "force", false, "Write to stdout even when it is a terminal")

	return cmd
}

func initCmd() *cobra.Command {
	var (
		defaults   bool
		outputPath string
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a configuration file",
		Long:  "Run the interactive setup wizard, or write the defaults with --defaults.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !defaults {
				if !term.IsTerminal(int(os.Stdin.Fd())) {
					return errors.New("the setup wizard needs a terminal; use --defaults")
				}
				_, err := wizard.New().Run()
				return err
			}

			if _, err := os.Stat(outputPath); err == nil {
				return fmt.Errorf("%s already exists", outputPath)
			}
			a := wizard.DefaultAnswers()
			a.ConfigPath = outputPath
			cfg, err := wizard.BuildConfig(a)
			if err != nil {
				return err
			}
			if err := wizard.WriteConfig(cfg, outputPath); err != nil {
				return err
			}
			fmt.Printf("Configuration written to %s\n", outputPath)
			return nil
		},
	}

	cmd.Flags().BoolVar(&defaults, "defaults", false, "Write the default configuration without prompting")
	cmd.Flags().StringVarP(&outputPath, "output", "o", "./deskcast.yaml", "Where --defaults writes the configuration")

	return cmd
}

func statusCmd() *cobra.Command {
	var (
		configPath string
		url        string
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show broadcast status",
		Long:  "Display counters of a running broadcast, read from its health endpoint.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("url") {
				cfg, err := loadConfig(cmd, configPath)
				if err != nil {
					return err
				}
				url = metricsURL(cfg.Health.Address)
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer cancel()
			snap, err := status.Fetch(ctx, nil, url)
			if err != nil {
				return fmt.Errorf("is the health endpoint enabled? %w", err)
			}
			return status.Render(os.Stdout, snap, term.IsTerminal(int(os.Stdout.Fd())))
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./deskcast.yaml", "Path to configuration file")
	cmd.Flags().StringVar(&url, "url", "", "Metrics URL (default from health.address)")

	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "deskcast %s\n", Version)
		},
	}
}

// metricsURL turns a listen address such as ":8080" into a local URL.
func metricsURL(address string) string {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return "http://" + address + "/metrics"
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port) + "/metrics"
}
