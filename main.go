package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jakepeg/doo-journal-sub000/admin"
	"github.com/jakepeg/doo-journal-sub000/circuitbreaker"
	"github.com/jakepeg/doo-journal-sub000/config"
	"github.com/jakepeg/doo-journal-sub000/generation"
	"github.com/jakepeg/doo-journal-sub000/health"
	"github.com/jakepeg/doo-journal-sub000/logger"
	"github.com/jakepeg/doo-journal-sub000/metrics"
	"github.com/jakepeg/doo-journal-sub000/ratelimit"
	"github.com/jakepeg/doo-journal-sub000/reqCache"
	"github.com/jakepeg/doo-journal-sub000/retry"
	"github.com/jakepeg/doo-journal-sub000/scheduler"
	"github.com/jakepeg/doo-journal-sub000/store"
	"github.com/jakepeg/doo-journal-sub000/store/evict"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// substrate 存储底座以及关闭它的方法
type substrate struct {
	store.Substrate
	ping  func(ctx context.Context) error
	close func() error
}

func (s *substrate) Ping(ctx context.Context) error {
	return s.ping(ctx)
}

// 根据配置创建存储底座
func newSubstrate(cfg config.StoreConfig, l *zap.Logger) (*substrate, error) {
	switch cfg.Backend {
	case "redis":
		clients := make(map[string]*redis.Client, len(cfg.Redis.Addrs))
		for _, addr := range cfg.Redis.Addrs {
			clients[addr] = redis.NewClient(&redis.Options{
				Addr:     addr,
				Password: cfg.Redis.Password,
				DB:       cfg.Redis.DB,
			})
		}
		rs, err := store.NewRedisStore(clients, cfg.Redis.Prefix, l)
		if err != nil {
			return nil, err
		}
		l.Info("using redis store", zap.Strings("addrs", cfg.Redis.Addrs))
		return &substrate{Substrate: rs, ping: rs.Ping, close: rs.Close}, nil
	default:
		factory, err := evict.ByName(cfg.Memory.Policy)
		if err != nil {
			return nil, err
		}
		l.Info("using memory store",
			zap.String("policy", cfg.Memory.Policy),
			zap.Int64("max_bytes", cfg.Memory.MaxBytes))
		ms := store.NewMemoryStore(cfg.Memory.MaxBytes, factory, l)
		return &substrate{
			Substrate: ms,
			ping:      func(context.Context) error { return nil },
			close:     func() error { return nil },
		}, nil
	}
}

// 根据配置创建版本来源，没有 etcd 地址时使用固定版本号
func newGenerationSource(cfg config.GenerationConfig, l *zap.Logger) (generation.Source, error) {
	if len(cfg.Endpoints) == 0 {
		return generation.NewMemorySource(cfg.Tag), nil
	}
	src, err := generation.NewEtcdSource(&generation.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
		Username:    cfg.Username,
		Password:    cfg.Password,
		Key:         cfg.Key,
	}, l)
	if err != nil {
		return nil, fmt.Errorf("failed to create generation source: %w", err)
	}
	return src, nil
}

// 读取启动时的版本号，etcd 里还没有时发布配置里的版本号
func initialGeneration(ctx context.Context, src generation.Source, fallback string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	tag, err := src.Current(ctx)
	if err == nil {
		return tag, nil
	}
	if !errors.Is(err, generation.ErrNoGeneration) || fallback == "" {
		return "", err
	}
	if p, ok := src.(generation.Publisher); ok {
		if err := p.Publish(ctx, fallback); err != nil {
			return "", err
		}
	}
	return fallback, nil
}

func newHTTPClient(cfg config.ProxyConfig) *http.Client {
	dialer := &net.Dialer{Timeout: cfg.DialTimeout, KeepAlive: 30 * time.Second}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = dialer.DialContext
	transport.MaxIdleConns = cfg.MaxIdleConns
	transport.MaxIdleConnsPerHost = cfg.MaxIdleConns
	return &http.Client{
		Transport: transport,
		// 重定向原样交给调用方
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func startServer(name string, server *http.Server, l *zap.Logger) {
	go func() {
		l.Info("server is running", zap.String("server", name), zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.Fatal("server error", zap.String("server", name), zap.Error(err))
		}
	}()
}

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to config file (default: ./config.yaml)")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("[Error] failed to load config: %v", err)
	}

	l, err := logger.Init(logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		OutputPath: cfg.Log.OutputPath,
	})
	if err != nil {
		log.Fatalf("[Error] failed to init logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New(prometheus.DefaultRegisterer, cfg.Cache.MetricsNamespace)

	// 1. 存储底座
	sub, err := newSubstrate(cfg.Store, l)
	if err != nil {
		l.Fatal("failed to create store", zap.Error(err))
	}

	// 2. 网络执行器（带熔断）
	var breaker *circuitbreaker.CircuitBreaker
	if cfg.Breaker.Enabled {
		breaker = circuitbreaker.NewCircuitBreaker(&circuitbreaker.Config{
			Name:             "network",
			MaxRequests:      cfg.Breaker.MaxRequests,
			Interval:         cfg.Breaker.Interval,
			Timeout:          cfg.Breaker.Timeout,
			FailureThreshold: cfg.Breaker.FailureThreshold,
			MinimumRequests:  cfg.Breaker.MinimumRequests,
			OnStateChange: func(name string, from, to circuitbreaker.State) {
				m.SetBreakerState(int(to))
			},
		}, l)
	}
	executor := reqCache.NewHTTPExecutor(newHTTPClient(cfg.Proxy), breaker, l)

	// 3. 缓存层
	limiter := ratelimit.NewPerKeyLimiter(&ratelimit.Config{
		Rate:  cfg.Revalidate.Rate,
		Burst: cfg.Revalidate.Burst,
	}, l)
	defer limiter.Stop()

	router, err := reqCache.NewRouter(reqCache.RouterConfig{
		RemoteHosts:    cfg.Router.RemoteHosts,
		APIPrefixes:    cfg.Router.APIPrefixes,
		PageMaxAge:     cfg.Router.PageMaxAge,
		APIMaxAge:      cfg.Router.APIMaxAge,
		ImageMaxAge:    cfg.Router.ImageMaxAge,
		AssetMaxAge:    cfg.Router.AssetMaxAge,
		FallbackMaxAge: cfg.Router.FallbackMaxAge,
	})
	if err != nil {
		l.Fatal("invalid router config", zap.Error(err))
	}

	src, err := newGenerationSource(cfg.Generation, l)
	if err != nil {
		l.Fatal("failed to create generation source", zap.Error(err))
	}
	tag, err := initialGeneration(ctx, src, cfg.Generation.Tag)
	if err != nil {
		l.Fatal("failed to read generation", zap.Error(err))
	}

	cache, err := reqCache.New(reqCache.Options{
		Router:            router,
		Store:             sub,
		Executor:          executor,
		Generation:        tag,
		NetworkTimeout:    cfg.Cache.NetworkTimeout,
		RevalidateTimeout: cfg.Cache.RevalidateTimeout,
		OfflinePath:       cfg.Lifecycle.OfflinePath,
		Limiter:           limiter,
		Metrics:           m,
		Logger:            l,
	})
	if err != nil {
		l.Fatal("failed to create cache", zap.Error(err))
	}

	// 4. 版本生命周期: 启动时跑一次，之后跟随版本来源
	manifest, err := config.LoadManifest(cfg.Lifecycle.Manifest)
	if err != nil {
		l.Fatal("failed to load precache manifest", zap.Error(err))
	}
	precache, err := manifest.Resolve(cfg.Lifecycle.Origin)
	if err != nil {
		l.Fatal("invalid precache manifest", zap.Error(err))
	}
	retryer := retry.NewRetryer(&retry.Config{
		MaxRetries: cfg.Lifecycle.MaxRetries,
		Backoff: &retry.ExponentialBackoff{
			Initial:    cfg.Lifecycle.InitialBackoff,
			Max:        cfg.Lifecycle.MaxBackoff,
			Multiplier: 2.0,
		},
	}, l)
	lifecycle := reqCache.NewLifecycle(cache, precache, retryer, m, l)
	if err := lifecycle.Run(ctx, tag); err != nil {
		l.Error("generation lifecycle failed", zap.String("generation", tag), zap.Error(err))
	}
	go func() {
		if err := lifecycle.Follow(ctx, src); err != nil && !errors.Is(err, context.Canceled) {
			l.Error("stopped following generation", zap.Error(err))
		}
	}()

	// 5. 定期清理
	janitor := reqCache.NewJanitor(cache, cfg.Janitor.Concurrency, m, l)
	sched := scheduler.New(l)
	if err := sched.Every("janitor", cfg.Janitor.Interval, func(ctx context.Context) error {
		_, err := janitor.Sweep(ctx)
		return err
	}); err != nil {
		l.Fatal("failed to schedule janitor", zap.Error(err))
	}
	if err := sched.Every("uptime", 15*time.Second, func(context.Context) error {
		m.UpdateUptime()
		return nil
	}); err != nil {
		l.Fatal("failed to schedule uptime", zap.Error(err))
	}

	// 6. 代理服务
	handler, err := reqCache.NewHandler(cache, cfg.Proxy.Upstream, l)
	if err != nil {
		l.Fatal("failed to create proxy handler", zap.Error(err))
	}
	proxyServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	startServer("proxy", proxyServer, l)

	// 7. 管理、健康检查和指标
	var apiServer *http.Server
	if cfg.Server.EnableAPI {
		mux := http.NewServeMux()

		api := admin.NewAPI(cache, l)
		api.RegisterJanitor(janitor)
		api.RegisterLifecycle(lifecycle)
		if p, ok := src.(*generation.EtcdSource); ok {
			api.RegisterPublisher(p)
		}
		api.RegisterHandlers(mux, "/admin")

		if cfg.Health.Enabled {
			checker := health.NewChecker(l)
			checker.RegisterCheck(health.StoreCheck(sub))
			checker.RegisterCheck(health.GenerationCheck(cache.Generation))
			if breaker != nil {
				checker.RegisterCheck(health.BreakerCheck(breaker))
			}
			checker.SetMetadata("store", cfg.Store.Backend)
			mux.Handle(cfg.Health.Endpoint, checker.Handler())
		}
		mux.Handle("/metrics", promhttp.Handler())

		apiServer = &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Server.APIPort),
			Handler:      mux,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		}
		startServer("api", apiServer, l)
	}

	// 等待中断信号以优雅关闭
	<-ctx.Done()
	l.Info("shutting down gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := proxyServer.Shutdown(shutdownCtx); err != nil {
		l.Error("failed to shutdown proxy server", zap.Error(err))
	}
	if apiServer != nil {
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			l.Error("failed to shutdown api server", zap.Error(err))
		}
	}

	sched.Stop()
	// 后台刷新写完再关闭存储
	cache.Wait()

	if err := src.Close(); err != nil {
		l.Error("failed to close generation source", zap.Error(err))
	}
	if err := sub.close(); err != nil {
		l.Error("failed to close store", zap.Error(err))
	}

	l.Info("server exited")
}
