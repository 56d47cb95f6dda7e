package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ctflab/ctfdeployer/pkg/api"
	"github.com/ctflab/ctfdeployer/pkg/captcha"
	"github.com/ctflab/ctfdeployer/pkg/config"
	"github.com/ctflab/ctfdeployer/pkg/janitor"
	"github.com/ctflab/ctfdeployer/pkg/lockfile"
	"github.com/ctflab/ctfdeployer/pkg/log"
	"github.com/ctflab/ctfdeployer/pkg/metrics"
	"github.com/ctflab/ctfdeployer/pkg/network"
	"github.com/ctflab/ctfdeployer/pkg/orchestrator"
	"github.com/ctflab/ctfdeployer/pkg/ports"
	"github.com/ctflab/ctfdeployer/pkg/ratelimit"
	"github.com/ctflab/ctfdeployer/pkg/resources"
	"github.com/ctflab/ctfdeployer/pkg/runtime"
	"github.com/ctflab/ctfdeployer/pkg/store"
	"github.com/ctflab/ctfdeployer/pkg/types"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	flagEnvFile  string
	flagVerbose  bool
	flagSkipPre  bool
	flagSmoke    bool
	flagSelfTest bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "ctfdeployer",
	Short: "Per-user CTF challenge container deployer",
	Long: `ctfdeployer serves one isolated challenge container per
participant: captcha-gated deployment, per-source rate limiting,
global resource quotas and automatic reclamation of expired
instances.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"ctfdeployer version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	for _, c := range []*cobra.Command{upCmd, downCmd} {
		c.Flags().StringVar(&flagEnvFile, "env-file", ".env", "Path to env-style configuration file")
		c.Flags().BoolVarP(&flagVerbose, "verbose", "v", false, "Enable debug logging")
	}
	upCmd.Flags().BoolVarP(&flagSkipPre, "skip-validation", "s", false, "Skip pre-deploy validations")
	upCmd.Flags().BoolVarP(&flagSmoke, "smoke", "p", false, "Run post-deploy smoke check")
	upCmd.Flags().BoolVarP(&flagSelfTest, "self-test", "u", false, "Run built-in self checks before serving")

	rootCmd.AddCommand(upCmd)
	rootCmd.AddCommand(downCmd)
}

var upCmd = &cobra.Command{
	Use:   "up",
	Short: "Start the deployer",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runUp()
	},
}

var downCmd = &cobra.Command{
	Use:   "down",
	Short: "Stop the deployer and reclaim all challenge containers",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDown()
	},
}

func initLogging() {
	level := log.InfoLevel
	if flagVerbose {
		level = log.DebugLevel
	}
	log.Init(log.Config{Level: level, JSONOutput: !flagVerbose})
}

func runUp() error {
	cfg, err := config.Load(flagEnvFile)
	if err != nil {
		return fmt.Errorf("configuration invalid: %w", err)
	}
	initLogging()

	if flagSelfTest {
		if err := runSelfTest(cfg); err != nil {
			return fmt.Errorf("self test failed: %w", err)
		}
		log.Info("Self test passed")
	}

	installPath, _ := os.Getwd()
	lock, err := lockfile.Acquire(cfg.LockDir, cfg.StartRange, cfg.StopRange, installPath)
	if err != nil {
		return err
	}
	defer lock.Release()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if !flagSkipPre {
		if err := preflight(cfg); err != nil {
			return fmt.Errorf("pre-deploy validation failed: %w", err)
		}
	}

	st, err := store.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.InitSchema(ctx, cfg.StartRange, cfg.StopRange); err != nil {
		return err
	}

	bridge, err := network.NewBridge(cfg.NetworkName, cfg.NetworkSubnet)
	if err != nil {
		return err
	}
	if err := bridge.Ensure(); err != nil {
		return err
	}

	driver, err := runtime.NewContainerdDriver(cfg, bridge, network.NewPublisher())
	if err != nil {
		return err
	}
	defer driver.Close()

	allocator := ports.New(st, network.IsPortFree, cfg.PortAllocationMaxAttempts,
		time.Duration(cfg.StalePortMaxAgeSec)*time.Second)
	limiter := ratelimit.New(st, cfg.MaxContainersPerWindow,
		time.Duration(cfg.RateLimitWindowSec)*time.Second)
	broker := captcha.New(cfg.CaptchaTTL(), cfg.BypassCaptcha)
	monitor := resources.NewMonitor(cfg, st, driver, allocator)

	jan := janitor.New(cfg, st, allocator, limiter, broker)
	orch := orchestrator.New(cfg, st, allocator, driver, monitor, limiter, broker, jan)
	jan.SetReclaimer(orch)

	// One pass up front cleans up anything an unclean shutdown left
	// behind before traffic arrives.
	jan.SweepOnce(ctx)

	monitor.Start(ctx)
	defer monitor.Stop()

	if err := jan.Start(ctx); err != nil {
		return err
	}
	defer jan.Stop()

	hostname, _ := os.Hostname()
	metrics.SetDeployerInfo(Version, cfg.ChallengeTitle, hostname)

	server := api.NewServer(cfg, orch, st, monitor, allocator, broker, driver)
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	if flagSmoke {
		if err := smokeCheck(cfg.APIPort); err != nil {
			return fmt.Errorf("post-deploy smoke check failed: %w", err)
		}
		log.Info("Smoke check passed")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.WithComponent("main").Info().Str("signal", sig.String()).Msg("Shutting down")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithComponent("main").Error().Err(err).Msg("Server shutdown failed")
	}

	// Challenge containers do not outlive the deployer.
	reclaimed, failed := reclaimAll(shutdownCtx, st, driver, allocator)
	log.WithComponent("main").Info().
		Int("reclaimed", reclaimed).
		Int("failed", failed).
		Msg("Shutdown cleanup complete")
	return nil
}

// runDown reclaims every challenge container and releases its port, so
// a subsequent up starts from a clean slate.
func runDown() error {
	cfg, err := config.Load(flagEnvFile)
	if err != nil {
		return fmt.Errorf("configuration invalid: %w", err)
	}
	initLogging()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	st, err := store.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	bridge, err := network.NewBridge(cfg.NetworkName, cfg.NetworkSubnet)
	if err != nil {
		return err
	}
	driver, err := runtime.NewContainerdDriver(cfg, bridge, network.NewPublisher())
	if err != nil {
		return err
	}
	defer driver.Close()

	allocator := ports.New(st, nil, cfg.PortAllocationMaxAttempts,
		time.Duration(cfg.StalePortMaxAgeSec)*time.Second)

	reclaimed, failed := reclaimAll(ctx, st, driver, allocator)
	log.WithComponent("main").Info().
		Int("reclaimed", reclaimed).
		Int("failed", failed).
		Msg("Teardown complete")
	if failed > 0 {
		return fmt.Errorf("%d containers could not be reclaimed", failed)
	}
	return nil
}

// reclaimAll tears down every running challenge container and releases
// its port reservation.
func reclaimAll(ctx context.Context, st *store.Store, driver runtime.Driver, allocator *ports.Allocator) (reclaimed, failed int) {
	running, err := st.ListRunning(ctx)
	if err != nil {
		log.WithComponent("main").Error().Err(err).Msg("Failed to list running containers")
		return 0, 0
	}

	for i := range running {
		c := &running[i]
		if err := driver.Remove(ctx, c.ID); err != nil && !types.IsEngineNotFound(err) {
			log.WithContainerID(c.ID).Error().Err(err).Msg("Failed to remove container")
			failed++
			continue
		}
		if _, err := st.TransitionStatus(ctx, c.ID, types.StatusRemoved); err != nil {
			failed++
			continue
		}
		allocator.Release(ctx, c.Port)
		reclaimed++
	}
	return reclaimed, failed
}

// smokeCheck verifies the freshly started API is actually serving.
func smokeCheck(apiPort int) error {
	if err := network.WaitReachable("127.0.0.1", apiPort, 15*time.Second); err != nil {
		return err
	}
	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/health", apiPort))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("/health answered %d", resp.StatusCode)
	}
	return nil
}

// preflight validates host-side preconditions before claiming ports.
func preflight(cfg *config.Config) error {
	if !network.IsPortFree(cfg.APIPort) {
		return fmt.Errorf("API port %d is already in use", cfg.APIPort)
	}
	if _, err := os.Stat(cfg.ContainerdSocket); err != nil {
		return fmt.Errorf("containerd socket %s not available: %w", cfg.ContainerdSocket, err)
	}
	return nil
}

// runSelfTest exercises components that need no external services.
func runSelfTest(cfg *config.Config) error {
	broker := captcha.New(time.Minute, false)
	id, uri, err := broker.Generate()
	if err != nil {
		return err
	}
	if id == "" || uri == "" {
		return fmt.Errorf("captcha generation produced empty output")
	}

	if cfg.MemoryLimitBytes() <= 0 {
		return fmt.Errorf("container memory limit must be positive")
	}
	if cfg.Serialize() == "" {
		return fmt.Errorf("configuration serialization produced empty output")
	}
	return nil
}
