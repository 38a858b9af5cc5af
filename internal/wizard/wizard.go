// Package wizard provides an interactive setup wizard for deskcast.
package wizard

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"gopkg.in/yaml.v3"

	"github.com/deskcast/deskcast/internal/capture"
	"github.com/deskcast/deskcast/internal/config"
	"github.com/deskcast/deskcast/internal/token"
)

// Result contains the wizard output.
type Result struct {
	Config     *config.Config
	ConfigPath string
}

// Answers holds everything the forms collect.
type Answers struct {
	ConfigPath  string
	Listen      string
	MaxSessions string
	IdleTimeout string

	StreamPath string
	Source     string
	SourcePath string
	FPS        string

	TokenMode string

	LogLevel      string
	HealthEnabled bool
	HealthAddress string
}

// DefaultAnswers returns the answers preselected in the forms.
func DefaultAnswers() Answers {
	cfg := config.Default()
	return Answers{
		ConfigPath:    "./deskcast.yaml",
		Listen:        cfg.Server.Listen,
		MaxSessions:   "0",
		IdleTimeout:   "30s",
		StreamPath:    cfg.Stream.Path,
		Source:        cfg.Capture.Source,
		FPS:           strconv.Itoa(cfg.Capture.FPS),
		TokenMode:     token.ModeSealed,
		LogLevel:      cfg.Log.Level,
		HealthEnabled: true,
		HealthAddress: cfg.Health.Address,
	}
}

// Wizard manages the interactive setup process.
type Wizard struct {
	theme *huh.Theme
}

// New creates a new setup wizard.
func New() *Wizard {
	return &Wizard{
		theme: huh.ThemeDracula(),
	}
}

// Run executes the interactive setup wizard.
func (w *Wizard) Run() (*Result, error) {
	w.printBanner()

	a := DefaultAnswers()
	steps := []func(*Answers) error{
		w.askBasicSetup,
		w.askNetworkConfig,
		w.askStreamConfig,
		w.askAdvancedOptions,
	}
	for _, step := range steps {
		if err := step(&a); err != nil {
			return nil, err
		}
	}

	cfg, err := BuildConfig(a)
	if err != nil {
		return nil, err
	}
	if err := WriteConfig(cfg, a.ConfigPath); err != nil {
		return nil, err
	}

	w.printSummary(a.ConfigPath, cfg)

	return &Result{Config: cfg, ConfigPath: a.ConfigPath}, nil
}

func (w *Wizard) printBanner() {
	banner := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("212")).
		Render(`
      _           _                     _
   __| | ___  ___| | _____ __ _ ___| |_
  / _' |/ _ \/ __| |/ / __/ _' / __| __|
 | (_| |  __/\__ \   < (_| (_| \__ \ |_
  \__,_|\___||___/_|\_\___\__,_|___/\__|
`)

	subtitle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render("  Desktop Video Broadcast Server - Setup Wizard\n")

	fmt.Println(banner)
	fmt.Println(subtitle)
}

func (w *Wizard) askBasicSetup(a *Answers) error {
	return huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Basic Setup").
				Description("Choose where the configuration is written."),

			huh.NewInput().
				Title("Config File Path").
				Description("Where to write the configuration file").
				Placeholder("./deskcast.yaml").
				Value(&a.ConfigPath).
				Validate(validateConfigPath),
		),
	).WithTheme(w.theme).Run()
}

func (w *Wizard) askNetworkConfig(a *Answers) error {
	return huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Network Configuration").
				Description("Configure the UDP socket viewers connect to."),

			huh.NewInput().
				Title("Listen Address").
				Description("UDP address and port to bind").
				Placeholder("0.0.0.0:1337").
				Value(&a.Listen).
				Validate(validateHostPort),

			huh.NewInput().
				Title("Maximum Viewers").
				Description("Concurrent sessions, 0 for unlimited").
				Value(&a.MaxSessions).
				Validate(validateNonNegativeInt),

			huh.NewInput().
				Title("Idle Timeout").
				Description("Evict sessions silent for this long, 0 to disable").
				Value(&a.IdleTimeout).
				Validate(validateDuration),
		),
	).WithTheme(w.theme).Run()
}

func (w *Wizard) askStreamConfig(a *Answers) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Stream").
				Description("Configure what viewers receive."),

			huh.NewInput().
				Title("Stream Path").
				Description("Path viewers request with GET").
				Value(&a.StreamPath).
				Validate(validateStreamPath),

			huh.NewSelect[string]().
				Title("Frame Source").
				Options(
					huh.NewOption("Synthetic test pattern", capture.SourceSynthetic),
					huh.NewOption("Annex B H.264 file", capture.SourceFile),
				).
				Value(&a.Source),

			huh.NewInput().
				Title("Frames Per Second").
				Value(&a.FPS).
				Validate(validateFPS),

			huh.NewSelect[string]().
				Title("Retry Tokens").
				Description("Sealed tokens cannot be forged by clients").
				Options(
					huh.NewOption("Sealed (recommended)", token.ModeSealed),
					huh.NewOption("Plain (debugging only)", token.ModePlain),
				).
				Value(&a.TokenMode),
		),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return err
	}

	if a.Source != capture.SourceFile {
		return nil
	}
	return huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("H.264 File").
				Description("Annex B elementary stream to loop").
				Value(&a.SourcePath).
				Validate(func(s string) error {
					if s == "" {
						return fmt.Errorf("file path is required")
					}
					if _, err := os.Stat(s); err != nil {
						return fmt.Errorf("cannot read file: %w", err)
					}
					return nil
				}),
		),
	).WithTheme(w.theme).Run()
}

func (w *Wizard) askAdvancedOptions(a *Answers) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Advanced Options").
				Description("Configure monitoring and logging."),

			huh.NewSelect[string]().
				Title("Log Level").
				Options(
					huh.NewOption("Debug (verbose)", "debug"),
					huh.NewOption("Info (recommended)", "info"),
					huh.NewOption("Warning", "warn"),
					huh.NewOption("Error (quiet)", "error"),
				).
				Value(&a.LogLevel),

			huh.NewConfirm().
				Title("Enable health check endpoint?").
				Description("HTTP endpoint for monitoring (/healthz, /metrics)").
				Value(&a.HealthEnabled),
		),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return err
	}
	if !a.HealthEnabled {
		return nil
	}
	return huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Health Address").
				Value(&a.HealthAddress).
				Validate(validateHostPort),
		),
	).WithTheme(w.theme).Run()
}

// BuildConfig turns wizard answers into a validated configuration. A fresh
// secret is generated for sealed tokens.
func BuildConfig(a Answers) (*config.Config, error) {
	cfg := config.Default()

	cfg.Log.Level = a.LogLevel
	cfg.Log.Format = "text"

	cfg.Server.Listen = a.Listen
	var err error
	if cfg.Server.MaxSessions, err = strconv.Atoi(a.MaxSessions); err != nil {
		return nil, fmt.Errorf("max sessions: %w", err)
	}
	if cfg.Server.IdleTimeout, err = time.ParseDuration(a.IdleTimeout); err != nil {
		return nil, fmt.Errorf("idle timeout: %w", err)
	}

	cfg.Stream.Path = a.StreamPath
	cfg.Viewer.Path = a.StreamPath
	cfg.Capture.Source = a.Source
	if a.Source == capture.SourceFile {
		cfg.Capture.Path = a.SourcePath
	}
	if cfg.Capture.FPS, err = strconv.Atoi(a.FPS); err != nil {
		return nil, fmt.Errorf("fps: %w", err)
	}

	cfg.Retry.TokenMode = a.TokenMode
	if a.TokenMode == token.ModeSealed {
		secret := make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("generate token secret: %w", err)
		}
		cfg.Retry.Secret = hex.EncodeToString(secret)
	}

	cfg.Health.Enabled = a.HealthEnabled
	if a.HealthEnabled {
		cfg.Health.Address = a.HealthAddress
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// WriteConfig writes cfg as YAML, creating parent directories. The file is
// private to the owner because it may carry the token secret.
func WriteConfig(cfg *config.Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := `# deskcast configuration
# Generated by setup wizard

`
	if err := os.WriteFile(path, []byte(header+string(data)), 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

func (w *Wizard) printSummary(configPath string, cfg *config.Config) {
	style := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("42"))

	divider := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render("─────────────────────────────────────────────────")

	fmt.Println()
	fmt.Println(divider)
	fmt.Println(style.Render("✓ Setup Complete!"))
	fmt.Println(divider)
	fmt.Println()

	fmt.Printf("  Config file:  %s\n", configPath)
	fmt.Printf("  Listen:       udp://%s\n", cfg.Server.Listen)
	fmt.Printf("  Stream:       %s (%s, %d fps)\n", cfg.Stream.Path, cfg.Capture.Source, cfg.Capture.FPS)
	fmt.Printf("  Tokens:       %s\n", cfg.Retry.TokenMode)
	if cfg.Health.Enabled {
		fmt.Printf("  Health:       http://%s/healthz\n", cfg.Health.Address)
	}

	fmt.Println()
	fmt.Println("  To start broadcasting:")
	fmt.Printf("    deskcast serve -c %s\n", configPath)
	fmt.Println()
}

func validateConfigPath(s string) error {
	if s == "" {
		return fmt.Errorf("config path is required")
	}
	if !strings.HasSuffix(s, ".yaml") && !strings.HasSuffix(s, ".yml") {
		return fmt.Errorf("config file should have .yaml or .yml extension")
	}
	return nil
}

func validateHostPort(s string) error {
	if s == "" {
		return fmt.Errorf("address is required")
	}
	if _, _, err := net.SplitHostPort(s); err != nil {
		return fmt.Errorf("invalid address format (use host:port)")
	}
	return nil
}

func validateNonNegativeInt(s string) error {
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return fmt.Errorf("must be a non-negative number")
	}
	return nil
}

func validateDuration(s string) error {
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return fmt.Errorf("must be a duration such as 30s or 2m")
	}
	return nil
}

func validateStreamPath(s string) error {
	if s == "" || !strings.HasPrefix(s, "/") {
		return fmt.Errorf("path must start with /")
	}
	return nil
}

func validateFPS(s string) error {
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 || n > 240 {
		return fmt.Errorf("must be between 1 and 240")
	}
	return nil
}
