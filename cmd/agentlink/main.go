package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agentlink/agentlink/internal/agentcheck"
	"github.com/agentlink/agentlink/internal/bridge"
	"github.com/agentlink/agentlink/internal/checkpoint"
	"github.com/agentlink/agentlink/internal/config"
	"github.com/agentlink/agentlink/internal/logx"
	"github.com/agentlink/agentlink/internal/services"
	"github.com/agentlink/agentlink/internal/tasks"
	"github.com/agentlink/agentlink/internal/transport"
)

var (
	version   = "dev"
	buildSHA  = "unknown"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	check := flag.Bool("check", false, "probe the agent and exit")
	var cfg config.Config
	cfg.BindFlags()
	flag.Usage = func() {
		_, _ = fmt.Fprintf(flag.CommandLine.Output(), "agentlink version=%s sha=%s date=%s\n\n", version, buildSHA, buildDate)
		flag.PrintDefaults()
	}
	flag.Parse()
	if *showVersion {
		fmt.Printf("agentlink version=%s sha=%s date=%s\n", version, buildSHA, buildDate)
		return
	}

	if cfg.ConfigFile != "" {
		if err := cfg.LoadFile(cfg.ConfigFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			logx.Log.Fatal().Err(err).Str("path", cfg.ConfigFile).Msg("load config")
		}
	}
	logx.Configure(cfg.LogLevel)

	if *check {
		os.Exit(runCheck(cfg))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.ClientID == "" {
		cfg.ClientID = uuid.NewString()
	}
	factory, err := transportFactory(cfg)
	if err != nil {
		logx.Log.Fatal().Err(err).Msg("invalid transport configuration")
	}
	br := bridge.New(bridge.Config{
		HandshakeTimeout:  cfg.HandshakeTimeout,
		ListToolsTimeout:  cfg.ListToolsTimeout,
		ExecuteTimeout:    cfg.ExecuteTimeout,
		PromptTimeout:     cfg.PromptTimeout,
		KeepAliveInterval: cfg.KeepAliveInterval,
		Reconnect:         cfg.Reconnect,
		ClientID:          cfg.ClientID,
		ClientName:        cfg.ClientName,
	}, factory)

	reg := services.NewRegistry(cfg.ExecuteTimeout)
	ckDir := cfg.CheckpointDir
	if ckDir == "" {
		ckDir = filepath.Join(cfg.Workspace, ".agentlink", "checkpoints")
	}
	store, err := checkpoint.NewStore(cfg.Workspace, ckDir, nil)
	if err != nil {
		logx.Log.Fatal().Err(err).Str("dir", ckDir).Msg("open checkpoint store")
	}
	services.RegisterCheckpoints(reg, store)
	services.RegisterDiff(reg)
	if cfg.TaskBin != "" {
		services.RegisterTasks(reg, tasks.NewClient(cfg.TaskBin, cfg.Workspace))
	}
	reg.Attach(br)
	defer reg.Detach()

	bridge.RegisterMetrics()
	if cfg.MetricsAddr != "" {
		if addr, err := startMetricsServer(ctx, cfg.MetricsAddr); err != nil {
			logx.Log.Error().Err(err).Msg("metrics server failed to start")
		} else {
			logx.Log.Info().Str("addr", addr).Msg("metrics server listening")
		}
	}
	if cfg.StatusAddr != "" {
		vi := bridge.VersionInfo{Version: version, BuildSHA: buildSHA, BuildDate: buildDate}
		if addr, err := bridge.StartStatusServer(ctx, cfg.StatusAddr, br, vi, cfg.AllowedOrigins); err != nil {
			logx.Log.Error().Err(err).Msg("status server failed to start")
		} else {
			logx.Log.Info().Str("addr", addr).Msg("status server listening")
		}
	}

	logx.Log.Info().
		Str("client_id", cfg.ClientID).
		Str("client_name", cfg.ClientName).
		Str("transport", cfg.Transport).
		Str("workspace", cfg.Workspace).
		Strs("tools", reg.Names()).
		Msg("agentlink starting")

	if err := br.Connect(ctx); err != nil {
		// With reconnect enabled the bridge keeps retrying in the background.
		logx.Log.Warn().Err(err).Msg("initial connect failed")
		if !cfg.Reconnect {
			br.Dispose()
			os.Exit(1)
		}
	}

	<-ctx.Done()
	logx.Log.Info().Msg("shutting down")
	br.Dispose()
}

// transportFactory builds fresh transports for the supervisor, one per
// connection attempt.
func transportFactory(cfg config.Config) (bridge.Factory, error) {
	switch cfg.Transport {
	case "ws":
		if cfg.ServerURL == "" {
			return nil, errors.New("ws transport requires -server-url")
		}
		return func(events transport.Events) transport.Transport {
			return transport.NewWS(transport.WSConfig{URL: cfg.ServerURL}, events)
		}, nil
	case "proc":
		if cfg.AgentCommand == "" {
			return nil, errors.New("proc transport requires -agent-command")
		}
		return func(events transport.Events) transport.Transport {
			return transport.NewProc(transport.ProcConfig{
				Command:     cfg.AgentCommand,
				Args:        cfg.AgentArgs,
				Dir:         cfg.Workspace,
				LineFraming: cfg.LineFraming,
			}, events)
		}, nil
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
}

func runCheck(cfg config.Config) int {
	probe := agentcheck.New(cfg.CheckURL, cfg.AgentCommand, cfg.AgentArgs...)
	report, err := probe.Run(context.Background())
	out, _ := json.MarshalIndent(report, "", "  ")
	fmt.Println(string(out))
	if err != nil {
		return 1
	}
	return 0
}

func startMetricsServer(ctx context.Context, addr string) (string, error) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Handler: mux}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", err
	}
	actual := ln.Addr().String()
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			logx.Log.Error().Err(err).Str("addr", actual).Msg("metrics server error")
		}
	}()
	return actual, nil
}
