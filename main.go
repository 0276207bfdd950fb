package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/shiftcalc/shiftcache/internal/cache"
	"github.com/shiftcalc/shiftcache/internal/clients"
	"github.com/shiftcalc/shiftcache/internal/config"
	"github.com/shiftcalc/shiftcache/internal/logging"
	"github.com/shiftcalc/shiftcache/internal/metrics"
	"github.com/shiftcalc/shiftcache/internal/proxy"
	"github.com/shiftcalc/shiftcache/internal/server"
	"github.com/shiftcalc/shiftcache/internal/server/routes"
	"github.com/shiftcalc/shiftcache/internal/version"
	"github.com/shiftcalc/shiftcache/internal/worker"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

const shutdownTimeout = 10 * time.Second

func main() {
	opts, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		os.Exit(2)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, opts))
}

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。
func run(ctx context.Context, opts cliOptions) int {
	if opts.showVersion {
		printVersion()
		return 0
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return 1
	}

	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["cache"] = cfg.App.CacheName()
		fields["precache"] = len(cfg.App.Precache)
		fields["takeover"] = cfg.App.TakeoverMode()
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	// 启动顺序：配置 → 日志 → 存储 → 页面注册表 → 缓存管理器 → Fiber server。
	storage, err := cache.NewStorage(cfg.Global.StorageDriver, cfg.Global.StoragePath)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化缓存存储失败: %v\n", err)
		return 1
	}
	defer storage.Close()

	registry := clients.NewRegistry(clients.DefaultBuffer)
	collectors := metrics.New()
	httpClient := server.NewUpstreamClient(cfg)
	origin, err := proxy.NewOrigin(httpClient, cfg.App.Origin, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "解析源站失败: %v\n", err)
		return 1
	}

	manager, err := worker.New(managerOptions(cfg), worker.Dependencies{
		Storage: storage,
		Fetcher: origin,
		Clients: registry,
		Logger:  logger,
		Metrics: collectors,
		Limiter: refreshLimiter(cfg.Global),
	})
	if err != nil {
		fmt.Fprintf(stdErr, "初始化缓存管理器失败: %v\n", err)
		return 1
	}

	fields := logging.BaseFields("startup", opts.configPath)
	fields["cache"] = cfg.App.CacheName()
	fields["origin"] = cfg.App.Origin
	fields["scope"] = cfg.App.Scope
	fields["storage_driver"] = cfg.Global.StorageDriver
	fields["listen_port"] = cfg.Global.ListenPort
	fields["takeover"] = cfg.App.TakeoverMode()
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	// 安装在后台进行；激活前所有请求直接回源。
	go func() {
		if err := manager.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.WithError(err).
				WithFields(logging.GenerationFields("start", manager.CacheName())).
				Error("generation_start_failed")
		}
	}()

	app, err := server.NewApp(server.AppOptions{
		Logger: logger,
		Proxy:  proxy.NewHandler(manager, origin, logger, collectors),
	})
	if err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务初始化失败: %v\n", err)
		return 1
	}
	routes.RegisterDiagnosticRoutes(app, routes.DiagnosticsOptions{
		Status:  manager,
		Clients: registry,
		Metrics: collectors,
		Logger:  logger,
		Done:    ctx.Done(),
	})

	if err := serve(ctx, app, cfg.Global.ListenPort, manager, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// serve 监听端口直到 ctx 结束，然后关闭 server 并等待后台刷新完成。
func serve(ctx context.Context, app *fiber.App, port int, manager *worker.Manager, logger *logrus.Logger) error {
	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Listen(fmt.Sprintf(":%d", port), fiber.ListenConfig{DisableStartupMessage: true})
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.WithFields(logrus.Fields{"action": "shutdown"}).Info("收到退出信号，开始关闭")
	if err := app.ShutdownWithTimeout(shutdownTimeout); err != nil {
		logger.WithError(err).WithField("action", "shutdown").Warn("server_shutdown_failed")
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := manager.Drain(drainCtx); err != nil {
		logger.WithError(err).WithField("action", "shutdown").Warn("background_drain_incomplete")
	}
	return nil
}

func managerOptions(cfg *config.Config) worker.Options {
	return worker.Options{
		AppName:           cfg.App.Name,
		Version:           cfg.App.Version,
		Scope:             cfg.App.Scope,
		Precache:          cfg.App.Precache,
		ImmediateTakeover: cfg.App.ImmediateTakeover,
		BroadcastUpdates:  cfg.App.BroadcastUpdates,
		UpdatingText:      cfg.App.UpdatingText,
		OfflineText:       cfg.App.OfflineText,
		MaxRetries:        cfg.Global.MaxRetries,
		InitialBackoff:    cfg.Global.InitialBackoff.DurationValue(),
	}
}

// refreshLimiter 返回后台刷新限速器；RefreshRate <= 0 表示不限速。
func refreshLimiter(global config.GlobalConfig) *rate.Limiter {
	if global.RefreshRate <= 0 {
		return nil
	}
	burst := global.RefreshBurst
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(global.RefreshRate), burst)
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("shiftcache", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 SHIFTCACHE_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("SHIFTCACHE_CONFIG")
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		path = "config.toml"
	}

	return cliOptions{
		configPath:  path,
		checkOnly:   checkOnly,
		showVersion: showVer,
	}, nil
}
