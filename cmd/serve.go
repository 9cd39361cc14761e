package cmd

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/luma/tether/discovery"
	"github.com/luma/tether/internal/env"
	"github.com/luma/tether/internal/meta"
	"github.com/luma/tether/rpc"
	"github.com/luma/tether/service"
	"github.com/luma/tether/storage"
	"github.com/luma/tether/transport"
)

// ServiceName is the etcd service servers register under
const ServiceName = "kv"

var (
	// The host to listen on
	host string

	// The port to listen for http requests on
	httpPort int

	// The port to listen for tcp clients on
	port int
)

func init() {
	flags := ServeCmd.PersistentFlags()

	flags.IntVarP(&port, "port", "p", 7363, "The port to listen client connections on")
	flags.IntVar(&httpPort, "http-port", 7362, "The port to listen to HTTP requests on")
	flags.StringVarP(&host, "host", "a", "0.0.0.0", "The host to listen on")
}

var ServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start up the Tether KV service",
	Long: `Start up the Tether KV service

Usage
	tether serve

Flags override the config file and the environment.
`,
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		ctx, signalStop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer signalStop()

		conf, err := loadConfig(ctx, cmd)
		if err != nil {
			return err
		}

		log, err := env.MakeLogger(conf.LogLevel)
		if err != nil {
			return err
		}
		defer log.Sync() //nolint:errcheck

		fileLimit, err := setFileLimit()
		if err != nil {
			return err
		}

		log.Info("Set file limit", zap.Uint64("fileLimit", fileLimit))

		connOptions, err := conf.ConnOptions()
		if err != nil {
			return err
		}
		connOptions.Log = log

		rpc.RegisterMetrics()

		server := service.NewServer(service.ServerOptions{
			Transport: transport.Options{
				Host:      conf.Host,
				Port:      conf.Port,
				Reuseport: conf.Reuseport,
				Stream:    conf.StreamOptions(),
				Log:       log.Named("transport"),
			},
			Conn:  connOptions,
			Store: storage.NewInmemoryStore(),
			Log:   log,
		})

		if err := server.Start(ctx); err != nil {
			return err
		}

		router := setupRouter(conf.DebugHTTP, log)

		// Ping test
		router.GET("/ping", func(c *gin.Context) {
			c.String(http.StatusOK, "pong")
		})

		router.GET("/connections", func(c *gin.Context) {
			c.JSON(http.StatusOK, server.Conns())
		})

		router.GET("/metrics", gin.WrapH(promhttp.Handler()))

		s := &http.Server{
			Addr:    net.JoinHostPort(conf.Host, strconv.Itoa(conf.HTTPPort)),
			Handler: router,
		}

		// Initializing the server in a goroutine so that
		// it won't block the graceful shutdown handling below
		go func() {
			if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("Http server errored", zap.Error(err))
			}
		}()

		registry, registration := register(ctx, conf, server.Addr(), log)

		log.Info("Listening",
			zap.Any("config", conf),
			zap.Stringer("addr", server.Addr()),
			zap.Int("httpPort", conf.HTTPPort))

		// Listen for the interrupt signal.
		<-ctx.Done()

		// Restore default behavior on the interrupt signal and notify user of shutdown.
		signalStop()
		log.Info("Shutting down gracefully, press Ctrl+C again to force")

		// The context is used to inform the server it has 5 seconds to finish
		// the request it is currently handling
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if registry != nil {
			if err := registry.Deregister(shutdownCtx, registration); err != nil {
				log.Warn("Failed to deregister", zap.Error(err))
			}
		}

		s.SetKeepAlivesEnabled(false)

		if err := s.Shutdown(shutdownCtx); err != nil {
			log.Error("Http server forced to shutdown", zap.Error(err))
		}

		if err := server.Close(); err != nil {
			log.Error("TCP server forced to shutdown", zap.Error(err))
		}

		log.Info("Exiting")
		return nil
	},
}

// loadConfig loads the config and applies any flags that were set explicitly.
func loadConfig(ctx context.Context, cmd *cobra.Command) (*env.Config, error) {
	path := configPath
	if path == "" {
		path = env.ConfigPath()
	}

	conf, err := env.LoadConfig(ctx, path)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("host") {
		conf.Host = host
	}

	if flags.Changed("port") {
		conf.Port = port
	}

	if flags.Changed("http-port") {
		conf.HTTPPort = httpPort
	}

	return conf, conf.Validate()
}

// register announces the server in etcd when endpoints are configured. Failing
// to register is logged, the server is still usable directly. The returned
// registry is nil when there is nothing to deregister on shutdown.
func register(ctx context.Context, conf *env.Config, addr net.Addr, log *zap.Logger) (*discovery.Registry, *discovery.Registration) {
	if len(conf.EtcdEndpoints) == 0 {
		return nil, nil
	}

	registry, err := discovery.NewRegistry(discovery.Options{
		Endpoints: conf.EtcdEndpoints,
		Log:       log.Named("discovery"),
	})
	if err != nil {
		log.Error("Failed to connect to etcd", zap.Error(err))
		return nil, nil
	}

	advertise := conf.AdvertiseAddr
	if advertise == "" && addr != nil {
		advertise = addr.String()
	}

	registration, err := registry.Register(ctx, ServiceName, discovery.Instance{
		Addr:     advertise,
		Version:  meta.Version,
		Protocol: conf.ProtocolVersion,
	}, conf.RegisterTTL)
	if err != nil {
		log.Error("Failed to register with etcd", zap.Error(err))
		return registry, nil
	}

	return registry, registration
}

func setupRouter(debugHTTP bool, log *zap.Logger) *gin.Engine {
	gin.DisableConsoleColor()
	if !debugHTTP {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()

	// Add a ginzap middleware, which:
	//   - Logs all requests, like a combined access and error log.
	//   - RFC3339 with UTC time format.
	r.Use(ginzap.GinzapWithConfig(log, &ginzap.Config{
		TimeFormat: time.RFC3339,
		UTC:        true,
		SkipPaths:  []string{"/ping", "/metrics"},
	}))

	// Logs all panic to error log
	//   - stack means whether output the stack info.
	r.Use(ginzap.RecoveryWithZap(log, true))

	return r
}

func setFileLimit() (uint64, error) {
	var rLimit syscall.Rlimit

	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &rLimit); err != nil {
		return 0, err
	}

	rLimit.Cur = rLimit.Max
	if err := syscall.Setrlimit(syscall.RLIMIT_NOFILE, &rLimit); err != nil {
		return 0, err
	}

	return rLimit.Cur, nil
}
