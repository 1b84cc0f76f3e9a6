// Command tunneld is the ssh-tunnel-manager daemon: it owns every
// running tunnel, persists profiles, and exposes the control API from
// spec.md §4.H over whichever listener mode daemon.toml selects.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/SchirmForge/ssh-tunnel-manager/internal/api"
	"github.com/SchirmForge/ssh-tunnel-manager/internal/authtoken"
	"github.com/SchirmForge/ssh-tunnel-manager/internal/daemonconfig"
	"github.com/SchirmForge/ssh-tunnel-manager/internal/eventbus"
	"github.com/SchirmForge/ssh-tunnel-manager/internal/knownhosts"
	"github.com/SchirmForge/ssh-tunnel-manager/internal/permguard"
	"github.com/SchirmForge/ssh-tunnel-manager/internal/profilestore"
	"github.com/SchirmForge/ssh-tunnel-manager/internal/transport"
	"github.com/SchirmForge/ssh-tunnel-manager/internal/tunnel"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// newRootCommand wires the daemon's flags: --config selects an
// alternate daemon.toml, --foreground keeps the process attached to its
// controlling terminal (the default; daemonizing is out of scope per
// spec.md §1's non-goals), --log-file redirects log output from stderr.
func newRootCommand() *cobra.Command {
	var configPath, logFile string
	var foreground bool

	cmd := &cobra.Command{
		Use:   "tunneld",
		Short: "SSH tunnel manager daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, logFile, foreground)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to daemon.toml (default: $XDG_CONFIG_HOME/ssh-tunnel-manager/daemon.toml)")
	cmd.Flags().StringVar(&logFile, "log-file", "", "path to redirect log output to (default: stderr)")
	cmd.Flags().BoolVar(&foreground, "foreground", true, "stay attached to the controlling terminal")
	return cmd
}

func run(configPath, logFile string, _ bool) error {
	permguard.SetUmask()

	configDir, err := configDirectory()
	if err != nil {
		return err
	}
	runtimeDir, err := runtimeDirectory()
	if err != nil {
		return err
	}
	if configPath == "" {
		configPath = filepath.Join(configDir, "daemon.toml")
	}

	logger, closeLog, err := buildLogger(logFile)
	if err != nil {
		return err
	}
	defer closeLog()

	cfg, err := daemonconfig.Load(configPath, configDir, runtimeDir)
	if err != nil {
		return fmt.Errorf("load daemon config: %w", err)
	}
	if err := permguard.EnsureRuntimeDir(runtimeDir, cfg.GroupAccess); err != nil {
		return err
	}
	if err := os.MkdirAll(configDir, permguard.RuntimeDirMode(cfg.GroupAccess)); err != nil {
		return fmt.Errorf("create config dir %s: %w", configDir, err)
	}

	pidGuard := permguard.NewPIDGuard(runtimeDir, logger)
	if err := pidGuard.Acquire(); err != nil {
		return err
	}
	defer pidGuard.Release()

	token, err := authtoken.LoadOrGenerate(filepath.Join(configDir, "daemon.token"))
	if err != nil {
		return err
	}
	defer token.Wipe()
	if err := authtoken.RequireAuth(cfg.RequireAuth, cfg.ListenerMode != daemonconfig.ModeTCPHTTPS); err != nil {
		return err
	}

	profiles, err := profilestore.Open(filepath.Join(configDir, "profiles"), logger)
	if err != nil {
		return fmt.Errorf("open profile store: %w", err)
	}
	defer profiles.Close()
	if err := profiles.Watch(); err != nil {
		logger.Printf("tunneld: profile directory watch disabled: %v", err)
	}

	hostsStore := knownhosts.New(cfg.KnownHostsPath)
	bus := eventbus.New(eventbus.DefaultCapacity)
	tunnels := tunnel.NewManager(bus, hostsStore, logger)

	ln, err := transport.Build(cfg, runtimeDir)
	if err != nil {
		return fmt.Errorf("build listener: %w", err)
	}
	defer ln.Close()

	fingerprint := ""
	if ln.TLSMaterial != nil {
		fingerprint = ln.TLSMaterial.Fingerprint
	}
	snippet := daemonconfig.BuildClientSnippet(cfg, ln.SocketPath, token.String(), fingerprint)
	if err := daemonconfig.WriteClientSnippet(snippet, filepath.Join(configDir, "cli-config.snippet")); err != nil {
		return fmt.Errorf("write cli-config.snippet: %w", err)
	}
	if err := daemonconfig.WriteClientSnippet(snippet, filepath.Join(configDir, "cli.toml")); err != nil {
		return fmt.Errorf("write cli.toml: %w", err)
	}

	server := api.NewServer(tunnels, profiles, bus, token, cfg.RequireAuth, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go bus.RunHeartbeat(ctx)

	logger.Printf("tunneld: listening in %s mode", cfg.ListenerMode)
	return transport.Run(ctx, ln, server.Router(), tunnels, logger)
}

func buildLogger(logFile string) (*log.Logger, func(), error) {
	if logFile == "" {
		return log.Default(), func() {}, nil
	}
	f, err := os.OpenFile(logFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, permguard.SensitiveFileMode)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file %s: %w", logFile, err)
	}
	return log.New(f, "", log.LstdFlags), func() { f.Close() }, nil
}

// configDirectory resolves ~/.config/ssh-tunnel-manager per spec.md
// §6, honoring XDG_CONFIG_HOME when set.
func configDirectory() (string, error) {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve config directory: %w", err)
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "ssh-tunnel-manager"), nil
}

// runtimeDirectory resolves $XDG_RUNTIME_DIR/ssh-tunnel-manager per
// spec.md §6, falling back to the config directory when
// XDG_RUNTIME_DIR is unset (e.g. non-systemd environments).
func runtimeDirectory() (string, error) {
	base := os.Getenv("XDG_RUNTIME_DIR")
	if base != "" {
		return filepath.Join(base, "ssh-tunnel-manager"), nil
	}
	configDir, err := configDirectory()
	if err != nil {
		return "", err
	}
	return configDir, nil
}
