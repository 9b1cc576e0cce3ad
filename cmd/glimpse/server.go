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

	"github.com/kalambet/glimpse/internal/analysis"
	"github.com/kalambet/glimpse/internal/api"
	"github.com/kalambet/glimpse/internal/capture"
	"github.com/kalambet/glimpse/internal/config"
	"github.com/kalambet/glimpse/internal/llm"
	"github.com/kalambet/glimpse/internal/ocr"
	"github.com/kalambet/glimpse/internal/scheduler"
	"github.com/kalambet/glimpse/internal/search"
	"github.com/kalambet/glimpse/internal/similarity"
	"github.com/kalambet/glimpse/internal/storage"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the glimpse daemon (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running glimpse daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "glimpse.pid")
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

func runServer() error {
	fmt.Fprintf(os.Stderr, "glimpse version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logLevel := slog.LevelInfo
	if strings.EqualFold(cfg.LogLevel, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	// Refuse to start a second instance.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("glimpse is already running (PID %d)", pid)
			return fmt.Errorf("daemon already running (PID %d)", pid)
		}
		printWarning("glimpse is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("daemon already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	// Analysis pipeline: OCR, embedding, tagging.
	llmClient := llm.New(llm.Config{
		BaseURL:    cfg.LLM.BaseURL,
		APIKey:     cfg.LLM.APIKey,
		EmbedModel: cfg.LLM.EmbedModel,
		ChatModel:  cfg.LLM.ChatModel,
		Timeout:    cfg.LLM.Timeout,
	})
	ocrClient := ocr.New(cfg.OCR.BaseURL, cfg.OCR.Timeout)
	pipeline := analysis.NewPipeline(ocrClient, llmClient, llmClient)

	sched := scheduler.New(store, pipeline, scheduler.Config{
		MaxRetries:   cfg.Scheduler.MaxRetries,
		BackoffBase:  cfg.Scheduler.BackoffBase,
		BackoffCap:   cfg.Scheduler.BackoffCap,
		PollInterval: cfg.Scheduler.PollInterval,
		StaleAfter:   cfg.Scheduler.StaleAfter,
	})
	if _, err := sched.RecoverStale(); err != nil {
		return fmt.Errorf("recovering stale records: %w", err)
	}

	// Capture intake and retrieval surfaces.
	saver, err := capture.NewSaver(cfg.CaptureDir(), store)
	if err != nil {
		return err
	}
	watcher, err := capture.NewWatcher(cfg.Storage.WatchDir, store)
	if err != nil {
		return err
	}
	searcher := search.New(store, llmClient, similarity.NewEngine(cfg.LLM.EmbedDim))

	handler := api.NewHandler(api.Deps{
		Store:    store,
		Capture:  saver,
		Searcher: searcher,
		Token:    cfg.Server.APIToken,
	})
	srv := &http.Server{
		Addr:    fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port),
		Handler: handler,
	}

	mcpSrv := api.NewMCPServer(api.MCPDeps{Store: store, Searcher: searcher})
	stdioSrv := server.NewStdioServer(mcpSrv)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		sched.Run(gctx)
		return nil
	})

	g.Go(func() error {
		return watcher.Run(gctx)
	})

	g.Go(func() error {
		if err := stdioSrv.Listen(gctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("MCP stdio server error", "error", err)
		}
		return nil
	})

	g.Go(func() error {
		slog.Info("glimpse listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		fmt.Fprintln(os.Stderr, "shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
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
		printError("glimpse is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop glimpse (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to glimpse (PID %d)", pid)
	return nil
}
