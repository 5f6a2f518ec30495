// peershare node
//
// Features:
// - UDP broadcast peer discovery with a lifetime flood limit
// - Content-addressed catalog of a shared folder (SHA-256)
// - Chunked multi-source downloads with integrity verification
// - Operator HTTP API, SSE events, Prometheus metrics & zap logging
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/peershare/internal/api"
	"github.com/fruitsalade/peershare/internal/catalog"
	"github.com/fruitsalade/peershare/internal/config"
	"github.com/fruitsalade/peershare/internal/events"
	"github.com/fruitsalade/peershare/internal/logging"
	"github.com/fruitsalade/peershare/internal/metrics"
	"github.com/fruitsalade/peershare/internal/node"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		// Can't use structured logging yet
		panic("configuration error: " + err.Error())
	}

	if err := logging.Init(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	}); err != nil {
		panic("logging init error: " + err.Error())
	}
	defer logging.Sync()

	self := cfg.ResolveAdvertiseIP()
	logging.Info("peershare node starting...",
		zap.String("advertise", self),
		zap.Int("port", cfg.Port),
		zap.Bool("headless", cfg.Headless),
		zap.String("api", cfg.APIAddr))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var hashCache *catalog.HashCache
	if cfg.HashCacheDir != "" {
		hashCache, err = catalog.OpenHashCache(cfg.HashCacheDir)
		if err != nil {
			logging.Fatal("hash cache open failed", zap.Error(err))
		}
		defer hashCache.Close()
		logging.Info("hash cache enabled", zap.String("dir", cfg.HashCacheDir))
	}

	broadcaster := events.NewBroadcaster()

	n := node.New(node.Options{
		AdvertiseIP: self,
		Port:        cfg.Port,
		Policy: catalog.Policy{
			ExcludedFolders: cfg.ExcludedFolders,
			ExcludedMasks:   cfg.ExcludedMasks,
			RootOnly:        cfg.RootOnly,
		},
		AutoShare:         cfg.Headless,
		DiscoveryInterval: cfg.DiscoveryInterval,
		ShareInterval:     cfg.ShareInterval,
		MonitorInterval:   cfg.MonitorInterval,
		DiscoveryWindow:   cfg.DiscoveryWindow,
		DiscoveryLimit:    cfg.DiscoveryLimit,
		DialTimeout:       cfg.DialTimeout,
		IOTimeout:         cfg.IOTimeout,
		ChunkRetries:      cfg.ChunkRetries,
		HashCache:         hashCache,
		Events:            broadcaster,
	})

	if cfg.SharedDir != "" {
		if err := n.SetSharedFolder(cfg.SharedDir); err != nil {
			logging.Fatal("invalid shared folder", zap.Error(err))
		}
	}
	if cfg.DownloadDir != "" {
		if err := n.SetDownloadFolder(cfg.DownloadDir); err != nil {
			logging.Fatal("invalid download folder", zap.Error(err))
		}
	}

	if cfg.Headless {
		if err := n.Connect(ctx); err != nil {
			logging.Fatal("connect failed", zap.Error(err))
		}
	}

	var metricsServer *http.Server
	if cfg.MetricsAddr != "" {
		metricsServer = &http.Server{
			Addr:    cfg.MetricsAddr,
			Handler: metrics.Handler(),
		}
		go func() {
			logging.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
			if err := metricsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				logging.Error("metrics server error", zap.Error(err))
			}
		}()
	}

	httpServer := &http.Server{
		Addr:              cfg.APIAddr,
		Handler:           api.NewServer(n).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logging.Info("shutting down...")
		cancel()
		if n.Connected() {
			if err := n.Disconnect(); err != nil {
				logging.Warn("disconnect failed", zap.Error(err))
			}
		}
		httpServer.Close()
		if metricsServer != nil {
			metricsServer.Close()
		}
	}()

	logging.Info("api listening", zap.String("addr", cfg.APIAddr))
	if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		logging.Fatal("api server error", zap.Error(err))
	}
}
