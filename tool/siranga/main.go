// Command siranga is the Siranga multi-tenant HTTP tunneling service: an
// SSH front end that accepts reverse port forwards, an HTTP front end that
// dispatches requests to them by subdomain, and a metrics/health server.
// Flag parsing is intentionally absent; every setting comes from the
// environment (see lib/config).
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gravitational/trace"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/DreadedX/siranga/lib/authz"
	"github.com/DreadedX/siranga/lib/config"
	"github.com/DreadedX/siranga/lib/directory"
	"github.com/DreadedX/siranga/lib/metrics"
	"github.com/DreadedX/siranga/lib/registry"
	"github.com/DreadedX/siranga/lib/sshd"
	"github.com/DreadedX/siranga/lib/sshutils"
	"github.com/DreadedX/siranga/lib/tui"
	"github.com/DreadedX/siranga/lib/web"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return trace.Wrap(err)
	}

	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	logger := log.WithField(trace.Component, "main")
	tui.ReleaseVersion = cfg.ReleaseVersion

	hostKey, err := sshutils.LoadHostKey(cfg.PrivateKeyFile)
	if err != nil {
		return trace.Wrap(err)
	}

	dirClient, err := directory.NewClient(directory.Config{
		Address:      cfg.LDAPAddress,
		Base:         cfg.LDAPBase,
		SearchFilter: cfg.LDAPSearchFilter,
		BindDN:       cfg.LDAPBindDN,
		PasswordFile: cfg.LDAPPasswordFile,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	authorizer := authz.NewAuthorizer(cfg.AuthzEndpoint)
	reg := registry.New()

	promRegistry := prometheus.NewRegistry()
	collectors := metrics.NewCollectors(promRegistry, cfg.ReleaseVersion)

	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g, ctx := errgroup.WithContext(rootCtx)

	sshServer := sshd.New(sshd.Config{
		Addr:      fmt.Sprintf(":%d", cfg.SSHPort),
		HostKey:   hostKey,
		Directory: dirClient,
		Registry:  reg,
		Domain:    cfg.TunnelDomain,
	})

	proxy := &web.Proxy{
		Registry:   reg,
		Domain:     cfg.TunnelDomain,
		Collectors: collectors,
		Authorize: func(ctx context.Context, headers http.Header, visibility registry.Visibility) authz.Decision {
			return authorizer.Authorize(ctx, headers, visibility)
		},
	}
	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler: proxy,
	}

	metricsServer := metrics.NewServer(fmt.Sprintf(":%d", cfg.MetricsPort), promRegistry)

	g.Go(func() error {
		if err := sshServer.ListenAndServe(ctx); err != nil {
			return trace.Wrap(err, "ssh server")
		}
		return nil
	})

	g.Go(func() error {
		logger.Infof("http front end listening on %s", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return trace.Wrap(err, "http server")
		}
		return nil
	})

	g.Go(func() error {
		logger.Infof("metrics server listening on :%d", cfg.MetricsPort)
		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.MetricsPort))
		if err != nil {
			return trace.Wrap(err, "metrics listener")
		}
		if err := metricsServer.Serve(ln); err != nil {
			return trace.Wrap(err, "metrics server")
		}
		return nil
	})

	g.Go(func() error {
		tick := time.NewTicker(time.Second)
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-tick.C:
				collectors.Tunnels.Set(float64(reg.Count()))
			}
		}
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.WithField("signal", sig).Info("shutting down")
	case <-ctx.Done():
		logger.Warn("a component failed, shutting down")
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	_ = sshServer.Shutdown()
	_ = httpServer.Shutdown(shutdownCtx)
	_ = metricsServer.Shutdown(shutdownCtx)

	if err := g.Wait(); err != nil {
		logger.WithError(err).Error("component exited with error")
		return trace.Wrap(err)
	}
	return nil
}

