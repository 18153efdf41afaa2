// Command jarvis runs the persistent agent core: the director loop, its
// memory and budget subsystems, the enabled external channels, and the
// self-update path, wired together from a single on-disk config.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/stellarlinkco/jarvis-core/internal/blob"
	"github.com/stellarlinkco/jarvis-core/internal/budget"
	"github.com/stellarlinkco/jarvis-core/internal/bus"
	"github.com/stellarlinkco/jarvis-core/internal/channel"
	"github.com/stellarlinkco/jarvis-core/internal/config"
	"github.com/stellarlinkco/jarvis-core/internal/core"
	"github.com/stellarlinkco/jarvis-core/internal/cron"
	"github.com/stellarlinkco/jarvis-core/internal/httpapi"
	"github.com/stellarlinkco/jarvis-core/internal/llmrouter"
	"github.com/stellarlinkco/jarvis-core/internal/memory"
	"github.com/stellarlinkco/jarvis-core/internal/planner"
	"github.com/stellarlinkco/jarvis-core/internal/safety"
	"github.com/stellarlinkco/jarvis-core/internal/selfupdate"
	"github.com/stellarlinkco/jarvis-core/internal/state"
	"github.com/stellarlinkco/jarvis-core/internal/tools"
)

// selfUpdateHealthCheckDelay is the boot protocol's liveness window: the
// revert flag armed by selfupdate.Boot clears once the process has run this
// long without crashing.
const selfUpdateHealthCheckDelay = 30 * time.Second

var rootCmd = &cobra.Command{
	Use:   "jarvis",
	Short: "jarvis - a persistent autonomous agent core",
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the director loop, channels, and self-update path",
	RunE:  runAgent,
}

var onboardCmd = &cobra.Command{
	Use:   "onboard",
	Short: "Initialize config and data directory",
	RunE:  runOnboard,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show jarvis status",
	RunE:  runStatus,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate <workspace>",
	Short: "Import MEMORY.md and dated memory/*.md files from a workspace into the memory store",
	Args:  cobra.ExactArgs(1),
	RunE:  runMigrate,
}

func init() {
	rootCmd.AddCommand(runCmd, onboardCmd, statusCmd, migrateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// components bundles every long-lived handle main needs to close cleanly on
// shutdown, in the order they must be released.
type components struct {
	store      *state.Store
	budget     *budget.Tracker
	memEngine  *memory.Engine
	extraction *memory.ExtractionService
	blobLog    *blob.Log
	channels   *channel.ChannelManager
	bus        *bus.MessageBus
	loop       *core.Loop
	cron       *cron.Service
	api        *httpapi.Server
	apiAddr    string
	updater    *selfupdate.Updater
}

// ensureMaintenanceJobs registers the daily/weekly memory compression jobs
// if they are not already present, so a fresh data directory schedules
// them on first run rather than requiring manual setup.
func ensureMaintenanceJobs(svc *cron.Service) error {
	const (
		dailyName  = "memory_daily_compress"
		weeklyName = "memory_weekly_deep_compress"
		dailyMsg   = "__internal:memory:daily-compress"
		weeklyMsg  = "__internal:memory:weekly-compress"
	)

	for _, job := range svc.ListJobs() {
		if job.Name == dailyName || job.Name == weeklyName {
			return nil
		}
	}

	if _, err := svc.AddJob(dailyName, cron.Schedule{Kind: "cron", Expr: "0 0 3 * * *"}, cron.Payload{Message: dailyMsg}); err != nil {
		return err
	}
	if _, err := svc.AddJob(weeklyName, cron.Schedule{Kind: "cron", Expr: "0 0 4 * * 1"}, cron.Payload{Message: weeklyMsg}); err != nil {
		return err
	}
	return nil
}

// restartProcess re-execs the running binary in place, used after a
// self-update redeploy that reports it changed live code. It never
// returns on success.
func restartProcess(log zerolog.Logger) {
	exe, err := os.Executable()
	if err != nil {
		log.Error().Err(err).Msg("restart: resolve executable path")
		return
	}
	log.Info().Str("exe", exe).Msg("restarting for self-update")
	if err := syscall.Exec(exe, os.Args, os.Environ()); err != nil {
		log.Error().Err(err).Msg("restart: exec failed")
	}
}

func buildComponents(cfg *config.Config, log zerolog.Logger) (*components, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	blobLog, err := blob.Open(filepath.Join(cfg.DataDir, "blob"))
	if err != nil {
		return nil, fmt.Errorf("open blob log: %w", err)
	}

	store, err := state.Open(filepath.Join(cfg.DataDir, "state.db"))
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}

	budgetSeeds := make([]budget.ProviderSeed, 0, len(cfg.Providers))
	for _, p := range cfg.Providers {
		seed := budget.ProviderSeed{Name: p.Name, Tier: p.Tier, Currency: p.Currency}
		if p.KnownBalance > 0 {
			seed.KnownBalance = &p.KnownBalance
		}
		if p.Model != "" {
			seed.Pricing = map[string]budget.ModelPricing{
				p.Model: {InputPer1K: p.InputPer1K, OutputPer1K: p.OutputPer1K},
			}
		}
		budgetSeeds = append(budgetSeeds, seed)
	}
	budgetTracker, err := budget.Open(filepath.Join(cfg.DataDir, "budget.db"), cfg.Budget.MonthlyCapUSD, budgetSeeds)
	if err != nil {
		return nil, fmt.Errorf("open budget tracker: %w", err)
	}

	memEngine, err := memory.NewEngine(cfg.Memory.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open memory engine: %w", err)
	}
	memEngine.SetLogger(log)

	embedder := memory.NewEmbedder(cfg)
	llmClient := memory.NewLLMClient(cfg)
	memory.SetLLMLogger(llmClient, log)
	extraction := memory.NewExtractionService(memEngine, llmClient, cfg.Memory.Extraction)

	router := llmrouter.New(budgetTracker, blobLog, log)
	router.SetLimits(cfg.Router)
	for _, p := range cfg.Providers {
		switch p.Name {
		case "anthropic":
			router.Register(llmrouter.NewAnthropicProvider(p.APIKey))
		case "openai":
			router.Register(llmrouter.NewOpenAIProvider(p.APIKey))
		}
	}
	router.Register(llmrouter.NewLocalProvider("local", ""))
	for tier, candidates := range llmrouter.BuildTiers(cfg.Providers) {
		router.SetTier(tier, candidates)
	}

	pl := planner.New(router, embedder, memEngine, log)

	validator := safety.NewValidator([]string{cfg.SelfUpdate.LiveRoot})
	registry := tools.NewRegistry(validator, blobLog, log)
	registry.Register(&tools.FileReadTool{Root: cfg.SelfUpdate.LiveRoot})
	registry.Register(&tools.FileWriteTool{Root: cfg.SelfUpdate.LiveRoot})
	registry.Register(&tools.FileListTool{Root: cfg.SelfUpdate.LiveRoot})
	registry.Register(&tools.CodeExecTool{WorkDir: cfg.SelfUpdate.LiveRoot})
	registry.Register(&tools.MemoryWriteTool{Engine: memEngine})
	registry.Register(&tools.MemorySearchTool{Engine: memEngine})
	registry.Register(&tools.BudgetQueryTool{Budget: budgetTracker})
	registry.Register(&tools.ProviderAdjustTool{Budget: budgetTracker})

	updater := selfupdate.New(cfg.SelfUpdate, blobLog, log)
	if err := updater.Boot(); err != nil {
		return nil, fmt.Errorf("self-update boot protocol: %w", err)
	}
	registry.Register(&tools.SelfUpdateTool{Updater: updater})

	messageBus := bus.NewMessageBus(config.DefaultBufSize)

	chMgr, err := channel.NewChannelManager(cfg.Channels, messageBus)
	if err != nil {
		return nil, fmt.Errorf("create channel manager: %w", err)
	}

	cronSvc := cron.NewService(filepath.Join(cfg.DataDir, "cron_jobs.json"), log)
	cronSvc.OnJob = func(job cron.CronJob) (string, error) {
		switch job.Payload.Message {
		case "__internal:memory:daily-compress":
			return "ok", memEngine.DailyCompress(llmClient)
		case "__internal:memory:weekly-compress":
			return "ok", memEngine.WeeklyDeepCompress(llmClient)
		default:
			return "", fmt.Errorf("unrecognized internal cron job payload %q", job.Payload.Message)
		}
	}

	hub := httpapi.NewHub()

	loop := core.New(core.Deps{
		Store:      store,
		Budget:     budgetTracker,
		Memory:     memEngine,
		Extraction: extraction,
		Planner:    pl,
		Tools:      registry,
		Bus:        messageBus,
		BlobLog:    blobLog,
		Updater:    updater,
		Embedder:   embedder,
		Log:        log,
	}, cfg.CoreLoop, hub.Broadcast, func() { restartProcess(log) })

	api := httpapi.New(store, budgetTracker, memEngine, blobLog, loop, embedder, cfg.Auth, hub, log)
	apiAddr := fmt.Sprintf("%s:%d", cfg.Gateway.Host, cfg.Gateway.Port)

	return &components{
		store:      store,
		budget:     budgetTracker,
		memEngine:  memEngine,
		extraction: extraction,
		blobLog:    blobLog,
		channels:   chMgr,
		bus:        messageBus,
		loop:       loop,
		cron:       cronSvc,
		api:        api,
		apiAddr:    apiAddr,
		updater:    updater,
	}, nil
}

func (c *components) shutdown() {
	c.cron.Stop()
	c.extraction.Stop()
	_ = c.channels.StopAll()
	if err := c.memEngine.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "close memory engine: %v\n", err)
	}
	if err := c.budget.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "close budget tracker: %v\n", err)
	}
	if err := c.store.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "close state store: %v\n", err)
	}
}

func runAgent(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := zerolog.New(os.Stdout).With().Timestamp().Logger()

	c, err := buildComponents(cfg, log)
	if err != nil {
		return err
	}
	defer c.shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go c.bus.DispatchOutbound(ctx)

	if err := c.channels.StartAll(ctx); err != nil {
		return fmt.Errorf("start channels: %w", err)
	}
	log.Info().Strs("channels", c.channels.EnabledChannels()).Msg("channels started")

	c.extraction.Start(ctx)

	if err := c.cron.Start(ctx); err != nil {
		log.Warn().Err(err).Msg("cron start warning")
	}
	if err := ensureMaintenanceJobs(c.cron); err != nil {
		log.Warn().Err(err).Msg("ensure maintenance jobs warning")
	}

	go c.loop.Run(ctx)
	go c.updater.WatchHealth(ctx, selfUpdateHealthCheckDelay)

	go func() {
		if err := c.api.Start(ctx, c.apiAddr); err != nil {
			log.Error().Err(err).Msg("http api stopped")
		}
	}()
	log.Info().Str("addr", c.apiAddr).Msg("http api scheduled")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info().Msg("shutting down")
	return nil
}

func runOnboard(cmd *cobra.Command, args []string) error {
	cfgDir := config.ConfigDir()
	cfgPath := config.ConfigPath()

	if err := os.MkdirAll(cfgDir, 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		cfg := config.DefaultConfig()
		data, err := json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal default config: %w", err)
		}
		if err := os.WriteFile(cfgPath, data, 0o644); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Printf("Created config: %s\n", cfgPath)
	} else {
		fmt.Printf("Config already exists: %s\n", cfgPath)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	fmt.Printf("Data directory ready: %s\n", cfg.DataDir)
	fmt.Println("\nNext steps:")
	fmt.Printf("  1. Edit %s to add provider API keys, or\n", cfgPath)
	fmt.Println("  2. Set ANTHROPIC_API_KEY / OPENAI_API_KEY in the environment")
	fmt.Println("  3. Run 'jarvis run' to start the agent")

	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Printf("Config: error (%v)\n", err)
		return nil
	}

	fmt.Printf("Config: %s\n", config.ConfigPath())
	fmt.Printf("Data dir: %s\n", cfg.DataDir)
	fmt.Printf("Directive: %s\n", cfg.Directive)
	fmt.Printf("Monthly cap: $%.2f\n", cfg.Budget.MonthlyCapUSD)
	fmt.Printf("Providers: %d configured\n", len(cfg.Providers))
	fmt.Printf("Telegram: enabled=%v\n", cfg.Channels.Telegram.Enabled)

	tracker, err := budget.Open(filepath.Join(cfg.DataDir, "budget.db"), cfg.Budget.MonthlyCapUSD, nil)
	if err != nil {
		fmt.Printf("Budget: error (%v)\n", err)
		return nil
	}
	defer tracker.Close()

	status, err := tracker.GetStatus()
	if err != nil {
		fmt.Printf("Budget: error (%v)\n", err)
		return nil
	}
	fmt.Printf("Spend this month (%s): $%.2f / $%.2f (%.1f%%)\n", status.MonthKey, status.Spent, status.MonthlyCap, status.PercentUsed)

	return nil
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	memEngine, err := memory.NewEngine(cfg.Memory.DBPath)
	if err != nil {
		return fmt.Errorf("open memory engine: %w", err)
	}
	defer memEngine.Close()

	workspace := args[0]
	if err := memory.MigrateFromFiles(workspace, memEngine); err != nil {
		return fmt.Errorf("migrate from %s: %w", workspace, err)
	}

	fmt.Printf("Migrated memory files from %s into %s\n", workspace, cfg.Memory.DBPath)
	return nil
}
