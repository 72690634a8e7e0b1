package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/wingman/internal/api"
	"github.com/kalambet/wingman/internal/config"
	"github.com/kalambet/wingman/internal/conversation"
	"github.com/kalambet/wingman/internal/dispatch"
	"github.com/kalambet/wingman/internal/llm"
	"github.com/kalambet/wingman/internal/outreach"
	"github.com/kalambet/wingman/internal/platform"
	"github.com/kalambet/wingman/internal/storage"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the wingman server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		withMCP, _ := cmd.Flags().GetBool("mcp")
		return runServer(withMCP)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running wingman server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer(cmd.Context())
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show wingman status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func init() {
	startCmd.Flags().Bool("mcp", true, "serve MCP tools on stdin/stdout")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "wingman.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func logLevel(s string) slog.Level {
	if strings.EqualFold(s, "debug") {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}

// parseDurationOr parses s, logging and falling back to def when it is invalid.
func parseDurationOr(key, s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		slog.Warn("invalid duration, using default", "key", key, "value", s, "default", def, "error", err)
		return def
	}
	return d
}

// buildOutreachConfig turns the campaign section into service settings.
func buildOutreachConfig(c config.CampaignConfig) (outreach.Config, error) {
	out := outreach.DefaultConfig()
	if c.GreetingTemplate != "" {
		out.GreetingTemplate = c.GreetingTemplate
	}
	if c.SyncPageSize > 0 {
		out.SyncPageSize = c.SyncPageSize
	}
	if c.OpenerMaxDistanceKm > 0 {
		out.OpenerMaxDistanceKm = c.OpenerMaxDistanceKm
	}
	if c.UnmatchMaxDistanceKm > 0 {
		out.UnmatchMaxDistanceKm = c.UnmatchMaxDistanceKm
	}

	var err error
	if out.UnknownDistance, err = outreach.ParseUnknownDistance(c.UnknownDistance); err != nil {
		return outreach.Config{}, fmt.Errorf("campaign.unknown_distance: %w", err)
	}
	jitters := []struct {
		key string
		raw string
		dst *dispatch.Jitter
	}{
		{"campaign.enrich_jitter", c.EnrichJitter, &out.EnrichJitter},
		{"campaign.opener_jitter", c.OpenerJitter, &out.OpenerJitter},
		{"campaign.unmatch_jitter", c.UnmatchJitter, &out.UnmatchJitter},
	}
	for _, j := range jitters {
		if j.raw == "" {
			continue
		}
		if *j.dst, err = dispatch.ParseJitter(j.raw); err != nil {
			return outreach.Config{}, fmt.Errorf("%s: %w", j.key, err)
		}
	}
	return out, nil
}

// buildReplyPolicy turns the reply section into the reply-due rule.
func buildReplyPolicy(c config.ReplyConfig) (conversation.Policy, error) {
	p := conversation.DefaultPolicy()
	p.Staleness = parseDurationOr("reply.staleness", c.Staleness, p.Staleness)
	nudge, err := conversation.ParseNudgePolicy(c.NudgePolicy)
	if err != nil {
		return conversation.Policy{}, fmt.Errorf("reply.nudge_policy: %w", err)
	}
	p.Nudge = nudge
	return p, nil
}

// app is the wired set of long-running components.
type app struct {
	service  *outreach.Service
	queue    *dispatch.StoreQueue
	worker   *dispatch.Worker
	cycle    *conversation.Cycle // nil without an LLM key
	exporter *conversation.Exporter
}

func buildApp(cfg config.Config, store *storage.Store, logger *slog.Logger) (*app, error) {
	campaign, err := buildOutreachConfig(cfg.Campaign)
	if err != nil {
		return nil, err
	}
	policy, err := buildReplyPolicy(cfg.Reply)
	if err != nil {
		return nil, err
	}

	remote := platform.NewClient(cfg.Platform.Token,
		platform.WithBaseURL(cfg.Platform.BaseURL),
		platform.WithLocale(cfg.Platform.Locale),
		platform.WithHTTPClient(&http.Client{Timeout: 30 * time.Second}),
		platform.WithLogger(logger),
	)

	queue := dispatch.NewStoreQueue(store)
	dispatcher := dispatch.New(queue, dispatch.WithLogger(logger))
	service := outreach.NewService(store, remote, dispatcher, campaign, outreach.WithLogger(logger))

	worker := dispatch.NewWorker(store,
		parseDurationOr("worker.poll_interval", cfg.Worker.PollInterval, 500*time.Millisecond),
		cfg.Worker.Concurrency)
	service.RegisterHandlers(worker)

	a := &app{
		service:  service,
		queue:    queue,
		worker:   worker,
		exporter: conversation.NewExporter(remote, service, filepath.Join(cfg.Storage.DataDir, "chat_data")),
	}

	if cfg.LLM.APIKey == "" {
		logger.Warn("llm.api_key not set; reply cycle disabled")
		return a, nil
	}
	model, err := llm.NewClient(cfg.LLM.APIKey,
		llm.WithBaseURL(cfg.LLM.BaseURL),
		llm.WithModel(cfg.LLM.Model),
		llm.WithHTTPClient(&http.Client{Timeout: 60 * time.Second}),
	)
	if err != nil {
		return nil, fmt.Errorf("building llm client: %w", err)
	}
	a.cycle = conversation.NewCycle(remote, model, service, policy,
		conversation.WithLogger(logger),
		conversation.WithMatchLimit(cfg.Reply.MatchLimit),
	)
	return a, nil
}

func (a *app) appDeps(token string, pageSize int) api.AppDeps {
	deps := api.AppDeps{
		Outreach:     a.service,
		Exporter:     a.exporter,
		Tasks:        a.queue,
		Token:        token,
		SyncPageSize: pageSize,
	}
	if a.cycle != nil {
		deps.Replier = a.cycle
	}
	return deps
}

func (a *app) mcpDeps(pageSize int) api.MCPDeps {
	deps := api.MCPDeps{
		Outreach:     a.service,
		Tasks:        a.queue,
		SyncPageSize: pageSize,
	}
	if a.cycle != nil {
		deps.Replier = a.cycle
	}
	return deps
}

func runServer(withMCP bool) error {
	fmt.Fprintf(os.Stderr, "wingman version %s\n", version)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(ctx)
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel(cfg.Log.Level)}))
	slog.SetDefault(logger)

	apiToken, err := config.GetAPIToken(config.NewKeychain())
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}
	slog.Info("API bearer token available")

	// Refuse to start twice.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("wingman is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("wingman is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	printStep("Opening storage in %s", cfg.Storage.DataDir)
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	a, err := buildApp(cfg, store, logger)
	if err != nil {
		return err
	}

	pageSize := cfg.Campaign.SyncPageSize
	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: api.NewAppHandler(a.appDeps(apiToken, pageSize)),
	}

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.worker.Run(gCtx) })

	if a.cycle != nil {
		interval := parseDurationOr("reply.interval", cfg.Reply.Interval, 5*time.Minute)
		g.Go(func() error {
			a.cycle.Run(gCtx, interval)
			return nil
		})
		slog.Info("reply cycle scheduled", "interval", interval)
	}

	if withMCP {
		stdioSrv := server.NewStdioServer(api.NewMCPServer(a.mcpDeps(pageSize)))
		go func() {
			if err := stdioSrv.Listen(gCtx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
		}()
		slog.Info("MCP server started (stdio transport)")
	}

	g.Go(func() error {
		fmt.Fprintf(os.Stderr, "wingman listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		fmt.Fprintln(os.Stderr, "shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func stopServer(ctx context.Context) error {
	cfg, err := config.Load(ctx)
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("wingman is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop wingman (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to wingman (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load(ctx)
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &apiClient{baseURL: serverURL, httpClient: &http.Client{Timeout: 2 * time.Second}}

	running := false
	resp, err := client.get(ctx, "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			running = true
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	printStatus("Platform", "%s", cfg.Platform.BaseURL)
	if cfg.LLM.APIKey == "" {
		printStatus("Reply model", "disabled (llm.api_key unset)")
	} else {
		printStatus("Reply model", "%s every %s", cfg.LLM.Model, cfg.Reply.Interval)
	}

	if token, err := config.GetAPIToken(config.NewKeychain()); err == nil && running {
		client.token = token
		if r, err := client.get(ctx, "/matches/totals"); err == nil {
			var t struct {
				Total   int `json:"total_matches"`
				Under   int `json:"under"`
				Unknown int `json:"unknown_distance"`
			}
			if decodeJSON(r, &t) == nil {
				printStatus("Matches", "%d stored, %d under %g km, %d without distance",
					t.Total, t.Under, cfg.Campaign.OpenerMaxDistanceKm, t.Unknown)
			}
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
