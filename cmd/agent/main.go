package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/nanoscale/nanoscale/internal/worker"
	apiclient "github.com/nanoscale/nanoscale/pkg/api/client"
	"github.com/nanoscale/nanoscale/pkg/cluster"
	"github.com/nanoscale/nanoscale/pkg/config"
	"github.com/nanoscale/nanoscale/pkg/logger"
)

func main() {
	config.LoadEnv()
	cfg := config.LoadWorkerConfig()
	log := logger.New("agent", logger.ParseLevel(os.Getenv("NANOSCALE_LOG_LEVEL")))

	cmd := "run"
	args := os.Args[1:]
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd, args = args[0], args[1:]
	}

	var err error
	switch cmd {
	case "join":
		err = commandJoin(cfg, args, log)
	case "run":
		err = commandRun(cfg, args, log)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\nusage: agent [join|run] [flags]\n", cmd)
		os.Exit(2)
	}
	if err != nil {
		log.Error("agent failed", "command", cmd, "error", err)
		os.Exit(1)
	}
}

func joinFlags(fs *flag.FlagSet, cfg *config.WorkerConfig) *string {
	token := fs.String("token", os.Getenv("NANOSCALE_JOIN_TOKEN"), "single-use join token")
	fs.StringVar(&cfg.OrchestratorURL, "orchestrator", cfg.OrchestratorURL, "orchestrator base URL")
	fs.StringVar(&cfg.IP, "ip", cfg.IP, "address the orchestrator uses to reach this worker")
	fs.StringVar(&cfg.Name, "name", cfg.Name, "display name")
	fs.StringVar(&cfg.StatePath, "state", cfg.StatePath, "identity file path")
	return token
}

func commandJoin(cfg config.WorkerConfig, args []string, log *slog.Logger) error {
	fs := flag.NewFlagSet("join", flag.ExitOnError)
	token := joinFlags(fs, &cfg)
	fs.Parse(args)

	value := strings.TrimSpace(*token)
	if value == "" {
		prompted, err := promptToken()
		if err != nil {
			return err
		}
		value = prompted
	}
	ctx, cancel := context.WithTimeout(context.Background(), cfg.RequestTimeout)
	defer cancel()
	id, err := enroll(ctx, cfg, value, log)
	if err != nil {
		return err
	}
	fmt.Printf("joined cluster as %s\n", id.ServerID)
	return nil
}

func commandRun(cfg config.WorkerConfig, args []string, log *slog.Logger) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	token := joinFlags(fs, &cfg)
	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "bind address of the internal API")
	fs.StringVar(&cfg.HookCommand, "hook", cfg.HookCommand, "runtime hook command")
	fs.StringVar(&cfg.RuntimeKind, "runtime", cfg.RuntimeKind, "project runtime (hook|docker)")
	fs.Parse(args)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	joinCtx, cancelJoin := context.WithTimeout(ctx, cfg.RequestTimeout)
	id, err := enroll(joinCtx, cfg, strings.TrimSpace(*token), log)
	cancelJoin()
	if err != nil {
		return err
	}

	runtime, closeRuntime, err := newRuntime(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeRuntime()
	verifier := cluster.NewVerifier(cluster.StaticSecret(id.ServerID, id.SecretKey), cfg.SignatureMaxSkew, log)
	server := worker.NewServer(runtime, verifier, log)

	beats, err := worker.NewHeartbeater(id, cfg.HeartbeatEvery, &http.Client{Timeout: cfg.RequestTimeout}, log)
	if err != nil {
		return err
	}
	go beats.Run(ctx)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("worker agent starting", "addr", cfg.Addr, "server_id", id.ServerID)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("worker agent stopped")
		return nil
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func newRuntime(ctx context.Context, cfg config.WorkerConfig, log *slog.Logger) (worker.Runtime, func(), error) {
	hook, err := worker.NewHookRuntime(cfg.HookCommand, cfg.HookTimeout, log)
	if err != nil {
		return nil, nil, err
	}
	switch strings.ToLower(strings.TrimSpace(cfg.RuntimeKind)) {
	case "", "hook":
		return hook, func() {}, nil
	case "docker":
		cli, err := worker.NewDockerClient(ctx, cfg.DockerHost)
		if err != nil {
			return nil, nil, err
		}
		return worker.NewDockerRuntime(hook, cli, log), func() { cli.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown runtime %q", cfg.RuntimeKind)
	}
}

func enroll(ctx context.Context, cfg config.WorkerConfig, token string, log *slog.Logger) (worker.Identity, error) {
	api, err := apiclient.New(cfg.OrchestratorURL, apiclient.WithHTTPClient(&http.Client{Timeout: cfg.RequestTimeout}))
	if err != nil {
		return worker.Identity{}, err
	}
	return worker.Enroll(ctx, api, worker.EnrollRequest{
		Token:           token,
		IP:              cfg.IP,
		Name:            cfg.Name,
		OrchestratorURL: cfg.OrchestratorURL,
		StatePath:       cfg.StatePath,
	}, log)
}

func promptToken() (string, error) {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return "", errors.New("--token is required")
	}
	fmt.Print("Join token: ")
	raw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Print("\n")
	if err != nil {
		return "", fmt.Errorf("read join token: %w", err)
	}
	return strings.TrimSpace(string(raw)), nil
}
