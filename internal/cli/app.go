package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/adaptor"
	"github.com/mbeoliero/kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/mbeoliero/marketchat/internal/chat"
	"github.com/mbeoliero/marketchat/internal/config"
	"github.com/mbeoliero/marketchat/internal/entity"
	"github.com/mbeoliero/marketchat/internal/identity"
	"github.com/mbeoliero/marketchat/pkg/metrics"
	"github.com/mbeoliero/marketchat/sdk"
)

// app holds what every command needs: configuration, credential and REST client
type app struct {
	cfg      *config.Config
	tokens   *identity.FileStore
	resolver *identity.Resolver
	api      *sdk.Client
	registry *prometheus.Registry
	metrics  *metrics.Metrics
}

func newApp(cmd *cobra.Command) (*app, error) {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	tokenFile, _ := cmd.Flags().GetString("token-file")
	if tokenFile == "" {
		tokenFile = cfg.Auth.TokenFile
	}
	if tokenFile == "" {
		dir, err := os.UserConfigDir()
		if err != nil {
			return nil, fmt.Errorf("failed to locate config dir: %w", err)
		}
		tokenFile = filepath.Join(dir, "marketchat", "token")
	}

	api, err := sdk.NewClient(cfg.API.BaseURL,
		sdk.WithPrefix(cfg.API.Prefix),
		sdk.WithTimeouts(cfg.API.DialTimeout, cfg.API.ReadTimeout, cfg.API.WriteTimeout),
	)
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	return &app{
		cfg:      cfg,
		tokens:   identity.NewFileStore(tokenFile),
		resolver: identity.NewResolver(),
		api:      api,
		registry: registry,
		metrics:  metrics.New(registry),
	}, nil
}

// signIn resolves the credential from configuration or the token file
func (a *app) signIn() (*entity.Identity, error) {
	token := a.cfg.Auth.Token
	if token == "" {
		var err error
		if token, err = a.tokens.Load(); err != nil {
			return nil, err
		}
	}
	id, err := a.resolver.SetCredential(token)
	if err != nil {
		return nil, err
	}
	a.api.SetToken(token)
	return id, nil
}

// logout forgets the stored credential
func (a *app) logout() {
	if err := a.tokens.Remove(); err != nil {
		log.Warn("failed to remove credential: path=%s, error=%v", a.tokens.Path(), err)
	}
	a.resolver.Clear()
}

func (a *app) newSession(l chat.Listener) (*chat.Session, error) {
	return chat.New(a.cfg, a.api, a.resolver,
		chat.WithListener(l),
		chat.WithMetrics(a.metrics),
		chat.WithLogout(a.logout),
	)
}

// startSession signs in, connects and loads the conversation list
func (a *app) startSession(ctx context.Context, l chat.Listener) (*chat.Session, error) {
	if _, err := a.signIn(); err != nil {
		return nil, err
	}
	s, err := a.newSession(l)
	if err != nil {
		return nil, err
	}
	if err := s.Start(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// waitConnected blocks until the channel is up or the connect timeout passes
func (a *app) waitConnected(ctx context.Context, s *chat.Session) error {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.Gateway.ConnectTimeout)
	defer cancel()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if s.State() == entity.StateConnected {
			return nil
		}
		if s.Identity() == nil {
			return fmt.Errorf("signed out while connecting")
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("cannot reach the chat server within %s", a.cfg.Gateway.ConnectTimeout)
		case <-ticker.C:
		}
	}
}

// serveMetrics exposes the registry on the configured address until ctx ends
func (a *app) serveMetrics(ctx context.Context) {
	if !a.cfg.Metrics.Enabled {
		return
	}
	h := server.Default(server.WithHostPorts(a.cfg.Metrics.Addr))
	h.GET("/metrics", adaptor.HertzHandler(promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{})))

	go h.Spin()
	log.CtxInfo(ctx, "metrics listening on %s", a.cfg.Metrics.Addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.Shutdown(shutdownCtx); err != nil {
			log.CtxError(ctx, "metrics server shutdown error: %v", err)
		}
	}()
}
