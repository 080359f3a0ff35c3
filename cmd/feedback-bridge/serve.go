package main

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/agentuity/feedback-bridge/collaborator/panel"
	redisc "github.com/agentuity/feedback-bridge/collaborator/redis"
	"github.com/agentuity/feedback-bridge/collaborator/terminal"
	"github.com/agentuity/feedback-bridge/config"
	"github.com/agentuity/feedback-bridge/endpoint"
	"github.com/agentuity/feedback-bridge/feedback"
	"github.com/agentuity/feedback-bridge/logger"
	"github.com/agentuity/feedback-bridge/mcp/server"
	"github.com/agentuity/feedback-bridge/mcp/types"
	"github.com/agentuity/feedback-bridge/sys"
	"github.com/agentuity/feedback-bridge/telemetry"
	"github.com/cockroachdb/errors"
	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const panelPath = "/panel"

// collaboratorSet is what serve needs from whichever collaborator the config selects
type collaboratorSet struct {
	collaborator feedback.Collaborator
	notifier     feedback.Notifier
	panel        *panel.Panel
	close        func() error
}

func newServeCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the MCP server until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.serve(cmd.Context(), cmd)
		},
	}
}

func (a *app) newCollaborator(ctx context.Context, bridge *feedback.Bridge, log logger.Logger, status panel.Status) (*collaboratorSet, error) {
	cfg := a.config
	switch cfg.Collaborator {
	case config.CollaboratorPanel:
		p := panel.New(bridge, panelPath, log, panel.WithOrigins(cfg.PanelOrigins...), panel.WithStatus(status))
		return &collaboratorSet{collaborator: p, notifier: p, panel: p, close: p.Close}, nil
	case config.CollaboratorTerminal:
		t := terminal.New(bridge, log)
		return &collaboratorSet{collaborator: t, notifier: t, close: t.Close}, nil
	case config.CollaboratorRedis:
		opts, err := goredis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, errors.Wrap(err, "error parsing redis url")
		}
		rdb := goredis.NewClient(opts)
		if err := rdb.Ping(ctx).Err(); err != nil {
			rdb.Close()
			return nil, errors.Wrap(err, "error connecting to redis")
		}
		c, err := redisc.New(ctx, rdb, bridge, cfg.RedisChannelPrefix, log)
		if err != nil {
			rdb.Close()
			return nil, err
		}
		return &collaboratorSet{
			collaborator: c,
			notifier:     c,
			close: func() error {
				return errors.CombineErrors(c.Close(), rdb.Close())
			},
		}, nil
	}
	return nil, errors.Newf("unknown collaborator %q", cfg.Collaborator)
}

func shutdownContext(timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(context.Background())
	}
	return context.WithTimeout(context.Background(), timeout)
}

func (a *app) serve(ctx context.Context, cmd *cobra.Command) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg := a.config
	log, shutdownTelemetry, err := telemetry.New(ctx, telemetry.Config{
		Endpoint:       cfg.OTLPEndpoint,
		Token:          cfg.OTLPToken,
		ServiceName:    cfg.ServiceName,
		ServiceVersion: Version,
	}, a.consoleLogger())
	if err != nil {
		return err
	}
	defer shutdownTelemetry()

	if !cfg.LoopbackOnly() {
		log.Warn("listening on %s exposes the MCP and panel routes beyond this machine without authentication", cfg.Host)
	}
	bridge := feedback.New(log)
	registry := server.NewRegistry(log)

	// read by panel viewers while Stop holds the server lock
	var boundPort atomic.Int64
	collab, err := a.newCollaborator(ctx, bridge, log, func() (bool, int) {
		port := int(boundPort.Load())
		return port != 0, port
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := collab.close(); err != nil {
			log.Warn("error closing collaborator: %s", err)
		}
	}()
	bridge.SetCollaborator(collab.collaborator)
	if err := feedback.Register(registry, bridge, collab.notifier, log); err != nil {
		return err
	}

	options := []server.ServerOption{
		server.WithHost(cfg.Host),
		server.WithPort(cfg.Port),
		server.WithMaxPortAttempts(cfg.MaxPortAttempts),
		server.WithKeepAlive(cfg.KeepAlive),
		server.WithInfo(types.Implementation{Name: endpoint.ServerName, Version: Version}),
		server.WithStopHook(func(ctx context.Context) {
			boundPort.Store(0)
			if n := bridge.CancelAll("server stopped"); n > 0 {
				log.Info("cancelled %d pending feedback requests", n)
			}
			if collab.panel != nil {
				collab.panel.NotifyStatus(ctx, false, 0)
				collab.panel.DisconnectViewers()
			}
		}),
	}
	if collab.panel != nil {
		options = append(options, server.WithMount(panelPath, collab.panel.Handler()))
	}
	srv := server.NewServer(registry, log, options...)

	port, err := srv.Start(ctx)
	if err != nil {
		return err
	}
	log.Info("listening on %s with the %s collaborator", srv.URL(), cfg.Collaborator)
	if port != cfg.Port {
		log.Warn("port %d was busy, bound %d instead", cfg.Port, port)
	}
	showBanner(cmd.OutOrStdout(), "Feedback Bridge", fmt.Sprintf("MCP endpoint: %s\nCollaborator: %s", srv.URL(), cfg.Collaborator))

	if cfg.WriteEndpointConfig {
		if workspace, err := workspaceDir(cfg.Workspace); err != nil {
			log.Warn("skipping endpoint config: %s", err)
		} else if res, err := endpoint.Write(workspace, port); err != nil {
			log.Warn("failed to write endpoint config: %s", err)
		} else {
			log.Info("wrote endpoint config to %s", res.ConfigPath)
			if res.BackupPath != "" {
				log.Warn("previous endpoint config was unreadable, saved as %s", res.BackupPath)
			}
		}
	}
	boundPort.Store(int64(port))
	if collab.panel != nil {
		collab.panel.NotifyStatus(ctx, true, port)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		select {
		case sig := <-sys.CreateShutdownChannel():
			log.Info("received %s, shutting down", sig)
		case <-gctx.Done():
		}
		stopCtx, cancel := shutdownContext(cfg.ShutdownTimeout)
		defer cancel()
		return srv.Stop(stopCtx)
	})
	err = g.Wait()
	bridge.Close("server stopped")
	return err
}
