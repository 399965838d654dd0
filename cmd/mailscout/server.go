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

	"github.com/kalambet/mailscout/internal/api"
	"github.com/kalambet/mailscout/internal/config"
	"github.com/kalambet/mailscout/internal/domainmeta"
	"github.com/kalambet/mailscout/internal/notify"
	"github.com/kalambet/mailscout/internal/patterncache"
	"github.com/kalambet/mailscout/internal/pipeline"
	"github.com/kalambet/mailscout/internal/resolver"
	"github.com/kalambet/mailscout/internal/scheduler"
	"github.com/kalambet/mailscout/internal/smtpcheck"
	"github.com/kalambet/mailscout/internal/storage"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the mailscout server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		mcpStdio, _ := cmd.Flags().GetBool("mcp")
		return runServer(mcpStdio)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running mailscout server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show mailscout server status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func init() {
	startCmd.Flags().Bool("mcp", false, "also serve MCP tools over stdio")
}

// services is the enrichment stack shared by the server and the local CLI commands.
type services struct {
	store        *storage.Store
	cache        *patterncache.Cache
	resolver     *resolver.Resolver
	meta         *domainmeta.Verifier
	smtp         *smtpcheck.Verifier
	orchestrator *pipeline.Orchestrator
}

func newServices(ctx context.Context, cfg config.Config) (*services, error) {
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}

	cache := patterncache.New(store)
	if err := cache.Load(ctx); err != nil {
		store.Close()
		return nil, err
	}

	overrides, err := resolver.LoadOverrides(cfg.Resolver.OverridesFile)
	if err != nil {
		store.Close()
		return nil, err
	}
	var lookup *resolver.LookupClient
	if cfg.Resolver.LookupURL != "" {
		lookup = resolver.NewLookupClient(cfg.Resolver.LookupURL, nil)
	}
	res := resolver.New(resolver.Options{
		Store:                 store,
		Overrides:             overrides,
		Lookup:                lookup,
		DNS:                   net.DefaultResolver,
		BruteForceConcurrency: cfg.Resolver.BruteForceConcurrency,
	})

	meta := domainmeta.New(store, cfg.DomainMeta.HTTPTimeout)

	smtp, err := newSMTPVerifier(cfg.SMTP)
	if err != nil {
		store.Close()
		return nil, err
	}

	orch := pipeline.New(res, meta, smtp, cache, store, pipeline.Options{
		BatchSize:          cfg.Pipeline.BatchSize,
		ContactConcurrency: cfg.Pipeline.ContactConcurrency,
		VerifyConcurrency:  cfg.Pipeline.VerifyConcurrency,
		ExportsDir:         cfg.Storage.ExportsDir,
	})

	return &services{
		store:        store,
		cache:        cache,
		resolver:     res,
		meta:         meta,
		smtp:         smtp,
		orchestrator: orch,
	}, nil
}

// Close flushes pending pattern cache entries and closes storage.
func (s *services) Close() {
	if _, err := s.cache.Flush(context.Background()); err != nil {
		slog.Warn("flushing pattern cache on shutdown", "error", err)
	}
	if err := s.store.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
	}
}

func newSMTPVerifier(cfg config.SMTPConfig) (*smtpcheck.Verifier, error) {
	opts := smtpcheck.Options{
		HeloDomain: cfg.HeloDomain,
		MailFrom:   cfg.MailFrom,
		Port:       cfg.Port,
		Timeout:    cfg.Timeout,
		RateLimit:  cfg.RateLimitRPS,
	}
	if cfg.DisposableFile != "" {
		list, err := smtpcheck.LoadDomainList(cfg.DisposableFile)
		if err != nil {
			return nil, fmt.Errorf("loading disposable domains: %w", err)
		}
		opts.Disposable = list
	}
	if cfg.SkipFile != "" {
		list, err := smtpcheck.LoadDomainList(cfg.SkipFile)
		if err != nil {
			return nil, fmt.Errorf("loading skip list: %w", err)
		}
		opts.SkipList = append(append([]string{}, smtpcheck.DefaultSkipList...), list...)
	}
	return smtpcheck.New(opts), nil
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "mailscout.pid")
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

func runServer(mcpStdio bool) error {
	fmt.Fprintf(os.Stderr, "mailscout version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.RequireAPIToken(); err != nil {
		return err
	}
	setupLogging(cfg.Log.Level)

	// Refuse to start twice on the same port.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("mailscout is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("mailscout is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := newServices(ctx, cfg)
	if err != nil {
		return err
	}
	defer svc.Close()

	notifier := notify.New(cfg.Notify.ResendAPIKey, cfg.Notify.From)
	sched := scheduler.New(svc.store, svc.orchestrator, notifier, cfg.Server.BaseURL, cfg.Scheduler.PollInterval)

	handler := api.NewAppHandler(api.AppDeps{
		Store:      svc.store,
		Token:      cfg.Server.APIToken,
		UploadsDir: cfg.Storage.UploadsDir,
		ExportsDir: cfg.Storage.ExportsDir,
	})

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		sched.Run(ctx)
	}()

	if mcpStdio {
		mcpSrv := api.NewMCPServer(api.MCPDeps{
			Store:    svc.store,
			Verifier: svc.smtp,
			Finder:   svc.orchestrator,
		}, version)
		stdioSrv := server.NewStdioServer(mcpSrv)
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
		}()
		slog.Info("MCP server started (stdio transport)")
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "mailscout listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			serveErr = fmt.Errorf("server error: %w", err)
		}
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && serveErr == nil {
		serveErr = err
	}
	<-schedDone
	return serveErr
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
		printError("mailscout is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop mailscout (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to mailscout (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(strings.TrimRight(cfg.Server.BaseURL, "/") + "/health")
	running := false
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			running = true
			printStatus("Server", "running at %s", cfg.Server.BaseURL)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	if running && cfg.Server.APIToken != "" {
		c := &apiClient{baseURL: strings.TrimRight(cfg.Server.BaseURL, "/"), token: cfg.Server.APIToken, httpClient: client}
		if jobs, err := c.listJobs(context.Background(), 100); err == nil {
			counts := map[string]int{}
			for _, j := range jobs {
				counts[j.Status]++
			}
			printStatus("Jobs", "%s (queued %d, processing %d, done %d, failed %d)",
				countLabel(len(jobs), 100), counts[storage.JobQueued], counts[storage.JobProcessing],
				counts[storage.JobDone], counts[storage.JobFailed])
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	printStatus("Exports dir", "%s", cfg.Storage.ExportsDir)
	return nil
}

func countLabel(count, limit int) string {
	if count >= limit {
		return fmt.Sprintf("%d+", count)
	}
	return fmt.Sprintf("%d", count)
}
