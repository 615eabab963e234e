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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/pantry/internal/api"
	"github.com/kalambet/pantry/internal/config"
	"github.com/kalambet/pantry/internal/imagestore"
	"github.com/kalambet/pantry/internal/inventory"
	"github.com/kalambet/pantry/internal/metrics"
	"github.com/kalambet/pantry/internal/ollama"
	"github.com/kalambet/pantry/internal/pipeline"
	"github.com/kalambet/pantry/internal/scheduler"
	"github.com/kalambet/pantry/internal/storage"
	"github.com/kalambet/pantry/internal/vision"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the pantry server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		withMCP, _ := cmd.Flags().GetBool("mcp")
		return runServer(withMCP)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running pantry server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show pantry system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().Bool("mcp", false, "also serve MCP tools over stdio")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "pantry.pid")
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

func logLevel(name string) slog.Level {
	switch name {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func runServer(withMCP bool) error {
	fmt.Fprintf(os.Stderr, "pantry version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel(cfg.Log.Level)})))

	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ollamaClient := ollama.New(cfg.Ollama.BaseURL)
	if err := ollama.EnsureReady(ctx, ollamaClient, cfg.Ollama.VisionModel, os.Stderr); err != nil {
		return err
	}

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	images, err := imagestore.New(cfg.ImageRoot())
	if err != nil {
		return fmt.Errorf("opening image store: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m, err := metrics.New(registry)
	if err != nil {
		return err
	}

	analyzer := vision.NewOllamaAnalyzer(ollamaClient, vision.OllamaConfig{
		Model:     cfg.Ollama.VisionModel,
		Timeout:   cfg.Vision.Timeout,
		RateLimit: cfg.Vision.RateLimit,
		Burst:     cfg.Vision.Burst,
	}, m.Vision)
	reconciler := inventory.NewReconciler(store, m.Inventory)

	sched := scheduler.New(store, scheduler.Config{
		Workers:           cfg.Pipeline.Workers,
		PollInterval:      cfg.Pipeline.PollInterval,
		DefaultMaxRetries: cfg.Pipeline.MaxRetries,
		DefaultTimeLimit:  cfg.Pipeline.TaskTimeout,
	}, m.Scheduler)
	driver := pipeline.New(store, images, analyzer, reconciler, sched, pipeline.Config{
		MaxRetries:  cfg.Pipeline.MaxRetries,
		TaskTimeout: cfg.Pipeline.TaskTimeout,
	}, m.Pipeline)
	sched.Register(pipeline.TaskKind, driver.Handle)

	handler := api.NewHandler(api.Deps{
		Store:      store,
		Images:     images,
		Driver:     driver,
		Inventory:  reconciler,
		Tasks:      sched,
		Token:      cfg.API.Token,
		Gatherer:   registry,
		StaleAfter: cfg.StaleAfter(),
		BatchLimit: cfg.Pipeline.BatchLimit,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	ln = netutil.LimitListener(ln, cfg.Server.MaxConns)

	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("pantry listening", "addr", addr)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return sched.Run(gctx)
	})
	g.Go(func() error {
		runMaintenance(gctx, maintenance{
			inventory:  reconciler,
			captures:   driver,
			staleAfter: cfg.StaleAfter(),
			stuckAfter: cfg.Pipeline.TaskTimeout,
		}, cfg.Inventory.SweepInterval)
		return nil
	})

	if withMCP {
		mcpSrv := api.NewMCPServer(api.MCPDeps{
			Store:     store,
			Inventory: reconciler,
			Version:   version,
		})
		stdioSrv := server.NewStdioServer(mcpSrv)
		g.Go(func() error {
			slog.Info("MCP server started (stdio transport)")
			if err := stdioSrv.Listen(gctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

type staleMarker interface {
	MarkStale(ctx context.Context, now time.Time, staleAfter time.Duration) (int, error)
}

type stuckRecoverer interface {
	RecoverStuck(ctx context.Context, olderThan time.Duration) ([]string, error)
}

type maintenance struct {
	inventory  staleMarker
	captures   stuckRecoverer
	staleAfter time.Duration
	stuckAfter time.Duration
}

func (m maintenance) sweep(ctx context.Context) {
	if _, err := m.captures.RecoverStuck(ctx, m.stuckAfter); err != nil {
		slog.Warn("recovering stuck captures failed", "error", err)
	}
	n, err := m.inventory.MarkStale(ctx, time.Now().UTC(), m.staleAfter)
	if err != nil {
		slog.Warn("marking stale items failed", "error", err)
		return
	}
	if n > 0 {
		slog.Info("items marked stale", "count", n)
	}
}

// runMaintenance sweeps once immediately and then every interval until ctx is done.
func runMaintenance(ctx context.Context, m maintenance, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	m.sweep(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

func stopServer() error {
	cfg, err := config.LoadUnvalidated()
	if err != nil {
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		return fmt.Errorf("pantry is not running (no PID file): %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("could not find process %d: %w", pid, err)
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		removePIDFile(pidPath)
		return fmt.Errorf("could not stop pantry (PID %d): %w", pid, err)
	}

	printSuccess("Sent stop signal to pantry (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.LoadUnvalidated()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	client := &http.Client{Timeout: 2 * time.Second}
	running := false
	resp, err := client.Get(fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port))
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

	if ollama.New(cfg.Ollama.BaseURL).IsRunning(ctx) {
		printStatus("Ollama", "running at %s", cfg.Ollama.BaseURL)
	} else {
		printStatus("Ollama", "not running")
	}
	printStatus("Vision model", "%s", cfg.Ollama.VisionModel)

	if running && cfg.API.Token != "" {
		c := &apiClient{
			baseURL:    fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port),
			token:      cfg.API.Token,
			httpClient: client,
		}
		if st, err := fetchStats(ctx, c); err == nil {
			printStatus("Items", "%d (%d stale, %d manual)", st.Items.Total, st.Items.Stale, st.Items.Manual)
			printStatus("Captures", "%s", formatCounts(st.Captures))
			printStatus("Tasks", "%s", formatCounts(st.Tasks))
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
