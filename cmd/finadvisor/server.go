package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
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

	"github.com/kalambet/finadvisor/internal/advisor"
	"github.com/kalambet/finadvisor/internal/agent"
	"github.com/kalambet/finadvisor/internal/api"
	"github.com/kalambet/finadvisor/internal/composer"
	"github.com/kalambet/finadvisor/internal/config"
	"github.com/kalambet/finadvisor/internal/llm"
	"github.com/kalambet/finadvisor/internal/market"
	"github.com/kalambet/finadvisor/internal/memory"
	"github.com/kalambet/finadvisor/internal/metrics"
	"github.com/kalambet/finadvisor/internal/profile"
	"github.com/kalambet/finadvisor/internal/storage"
	"github.com/kalambet/finadvisor/internal/tools"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the finadvisor server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running finadvisor server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show finadvisor system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the advisor tools over MCP (stdio transport)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMCP()
	},
}

const shutdownTimeout = 5 * time.Second

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "finadvisor.pid")
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

func setupLogging(level string) {
	logLevel := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn", "warning":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))
}

// service is the fully wired application shared by the HTTP and MCP servers.
type service struct {
	store    *storage.Store
	advisor  *advisor.Advisor
	tools    *tools.Registry
	quotes   *market.Client
	sessions *memory.Sessions
	agent    *agent.Agent
	metrics  *metrics.Metrics
}

func (s *service) Close() {
	if err := s.store.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
	}
}

// profileStore picks the profile backend named by storage.profile_backend.
func profileStore(cfg config.Config, store *storage.Store) (profile.Store, error) {
	switch cfg.Storage.ProfileBackend {
	case "", "sqlite":
		return store, nil
	case "json":
		return storage.OpenFileStore(filepath.Join(cfg.Storage.DataDir, "profiles"))
	default:
		return nil, fmt.Errorf("unknown profile backend %q", cfg.Storage.ProfileBackend)
	}
}

func buildService(cfg config.Config) (*service, error) {
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}

	profiles, err := profileStore(cfg, store)
	if err != nil {
		store.Close()
		return nil, err
	}
	profileMgr := profile.NewManager(profiles)
	adv := advisor.New(profileMgr)

	m := metrics.New()
	quotes := market.NewClient(market.Config{
		APIKey:            cfg.Market.APIKey,
		BaseURL:           cfg.Market.BaseURL,
		RequestsPerMinute: cfg.Market.RequestsPerMinute,
	})
	registry := tools.New(tools.Deps{Advisor: adv, Quotes: quotes, Metrics: m})

	sessions := memory.NewSessions(cfg.Memory.Window, cfg.Memory.IdleTTL)
	m.RegisterSessionGauge(sessions.Len)

	svc := &service{
		store:    store,
		advisor:  adv,
		tools:    registry,
		quotes:   quotes,
		sessions: sessions,
		metrics:  m,
	}

	// The MCP server does not chat, so it runs without an LLM key.
	if cfg.LLM.APIKey == "" && llm.RequiresKey(cfg.LLM.Provider) {
		return svc, nil
	}
	llmClient, err := llm.NewClient(llm.Config{
		Provider:    cfg.LLM.Provider,
		APIKey:      cfg.LLM.APIKey,
		BaseURL:     cfg.LLM.BaseURL,
		Model:       cfg.LLM.Model,
		Temperature: cfg.LLM.Temperature,
	})
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("creating LLM client: %w", err)
	}
	slog.Info("LLM client ready", "provider", cfg.LLM.Provider, "model", llmClient.Model())

	svc.agent = agent.New(agent.Deps{
		LLM:          llmClient,
		Tools:        registry,
		Composer:     composer.New(cfg.Advisor.MaxContextTokens, cfg.Advisor.Disclaimer),
		Profiles:     profileMgr,
		Sessions:     sessions,
		Interactions: store,
		Metrics:      m,
		MaxSteps:     cfg.LLM.MaxSteps,
		Timeout:      cfg.LLM.Timeout,
		Disclaimer:   cfg.Advisor.Disclaimer,
	})
	return svc, nil
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "finadvisor version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	setupLogging(cfg.Log.Level)

	if cfg.Market.APIKey == "" {
		printWarning("ALPHAVANTAGE_API_KEY not set; stock quotes will return an error")
	}

	// Refuse to start twice.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get("http://" + dialAddr(cfg) + "/health"); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("finadvisor is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("finadvisor is already running on %s", cfg.Addr())
		return fmt.Errorf("server already running on %s", cfg.Addr())
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	svc, err := buildService(cfg)
	if err != nil {
		return err
	}
	defer svc.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	handler := api.NewHandler(api.Deps{
		Chat:         svc.agent,
		Advisor:      svc.advisor,
		Quotes:       svc.quotes,
		Interactions: svc.store,
		Metrics:      svc.metrics,
	})
	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		fmt.Fprintf(os.Stderr, "finadvisor listening on %s\n", cfg.Addr())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		fmt.Fprintln(os.Stderr, "shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func runMCP() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	// stdout carries the protocol; logs stay on stderr.
	setupLogging(cfg.Log.Level)

	svc, err := buildService(cfg)
	if err != nil {
		return err
	}
	defer svc.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mcpSrv := api.NewMCPServer(api.MCPDeps{
		Tools:   svc.tools,
		Advisor: svc.advisor,
		Version: version,
	})
	slog.Info("MCP server started (stdio transport)")
	if err := server.NewStdioServer(mcpSrv).Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("MCP stdio server: %w", err)
	}
	return nil
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("finadvisor is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop finadvisor (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to finadvisor (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	client := &apiClient{
		baseURL:    "http://" + dialAddr(cfg),
		httpClient: &http.Client{Timeout: 2 * time.Second},
	}
	ctx := context.Background()

	running := false
	resp, err := client.do(ctx, http.MethodGet, "/health", nil)
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			running = true
			printStatus("Server", "running on %s", cfg.Addr())
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	printStatus("LLM", "%s / %s", cfg.LLM.Provider, cfg.LLM.Model)
	printStatus("LLM API key", "%s", keyState(cfg.LLM.APIKey))
	printStatus("Market API key", "%s", keyState(cfg.Market.APIKey))
	printStatus("Profile backend", "%s", cfg.Storage.ProfileBackend)

	if running {
		if n, err := countInteractions(ctx, client, 100); err == nil {
			printStatus("Interactions", "%s", countLabel(n, 100))
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func keyState(key string) string {
	if key == "" {
		return "not set"
	}
	return "set"
}

func countInteractions(ctx context.Context, client *apiClient, limit int) (int, error) {
	var items []storage.Interaction
	if err := client.getJSON(ctx, fmt.Sprintf("/interactions?limit=%d", limit), &items); err != nil {
		return 0, err
	}
	return len(items), nil
}

func countLabel(count, limit int) string {
	if count >= limit {
		return fmt.Sprintf("%d+", count)
	}
	return fmt.Sprintf("%d", count)
}
