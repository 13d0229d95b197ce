package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	shuttleplus "github.com/shuttleplus/shuttleplus-go"
	"github.com/spf13/cobra"
)

const defaultProxyListen = "127.0.0.1:8787"

var (
	proxyListen  string
	proxyVersion string
)

func init() {
	proxyServeCmd.Flags().StringVar(&proxyListen, "listen", "", "listen address (default from config, else "+defaultProxyListen+")")
	proxyServeCmd.Flags().StringVar(&proxyVersion, "version", shuttleplus.DefaultCacheVersion, "cache version to register")
	rootCmd.AddCommand(proxyCmd)
	proxyCmd.AddCommand(proxyServeCmd)
}

var proxyCmd = &cobra.Command{
	Use:   "proxy",
	Short: "Run the offline caching proxy",
}

var proxyServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the site through the cache controller",
	Long: "Serve the site origin through the cache controller. Control endpoints live under /_sw;\n" +
		"background sync on the sync-bookings tag drains the local queue.",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSession()
		if err != nil {
			return err
		}
		defer s.Close()
		cfg := s.cfg

		origin, err := proxyOrigin(cfg, s.client.BaseURL())
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		var caches shuttleplus.CacheStorage = shuttleplus.NewMemoryCacheStorage()
		if cfg.Proxy.RedisAddr != "" {
			rdb := redis.NewClient(&redis.Options{Addr: cfg.Proxy.RedisAddr})
			defer rdb.Close()
			if err := rdb.Ping(ctx).Err(); err != nil {
				return fmt.Errorf("redis %s: %w", cfg.Proxy.RedisAddr, err)
			}
			caches = shuttleplus.NewRedisCacheStorage(rdb, "")
		}

		cc, err := shuttleplus.NewCacheController(&shuttleplus.CacheConfig{
			Origin:    origin,
			Transport: shuttleplus.TrackConnectivity(http.DefaultTransport, s.client.Network()),
			Storage:   caches,
			Sync:      s.offline.SyncHandler(),
			Logger:    s.logger,
		})
		if err != nil {
			return err
		}
		s.offline.Start()
		defer s.offline.Stop()

		if _, err := cc.Register(ctx, proxyVersion); err != nil {
			return fmt.Errorf("register %s: %w", proxyVersion, err)
		}

		var push *shuttleplus.PushReceiver
		if cfg.Proxy.PushSecret != "" {
			push, err = shuttleplus.NewPushReceiver(cfg.Proxy.PushSecret, cc.HandlePush)
			if err != nil {
				return err
			}
		}

		if !verbose {
			gin.SetMode(gin.ReleaseMode)
		}
		listen := proxyListen
		if listen == "" {
			listen = valueOrDefault(cfg.Proxy.Listen, defaultProxyListen)
		}
		srv := &http.Server{
			Addr:              listen,
			Handler:           shuttleplus.NewProxyHandler(cc, push, s.logger),
			ReadHeaderTimeout: 10 * time.Second,
		}

		errCh := make(chan error, 1)
		go func() { errCh <- srv.ListenAndServe() }()
		fmt.Printf("Proxying %s on http://%s\n", origin, listen)

		select {
		case err := <-errCh:
			if !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		case <-ctx.Done():
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		cc.Wait()
		return nil
	},
}

// proxyOrigin is the configured origin, or the scheme and host of the API
// root.
func proxyOrigin(cfg *Config, baseURL string) (string, error) {
	if cfg.Proxy.Origin != "" {
		return cfg.Proxy.Origin, nil
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid base URL %q: %w", baseURL, err)
	}
	return u.Scheme + "://" + u.Host, nil
}
