package app

import (
	"context"
	"examguard_backend/internal/config"
	"examguard_backend/internal/controller"
	"examguard_backend/internal/repository"
	"examguard_backend/internal/service"
	"examguard_backend/pkg/configwatcher"
	"examguard_backend/pkg/database"
	"examguard_backend/pkg/lock"
	"examguard_backend/pkg/logger"
	"examguard_backend/pkg/monitoring"
	"examguard_backend/pkg/security"
	"examguard_backend/pkg/storage"
	"examguard_backend/pkg/tracing"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type App struct {
	Config          *config.Config
	Router          *gin.Engine
	DB              *gorm.DB
	Redis           *redis.Client
	services        *services
	tracer          *sdktrace.TracerProvider
	cancel          context.CancelFunc
	configMu        sync.RWMutex
	configCallbacks []func(*config.Config)
}

type repositories struct {
	attempt     *repository.ExamAttemptRepository
	answer      *repository.AnswerRepository
	exam        *repository.ExamRepository
	securityLog *repository.SecurityLogRepository
}

type services struct {
	policy    *service.Policy
	attempt   *service.AttemptService
	archiver  *service.EvidenceArchiver
	scheduler *service.AutoSubmitScheduler
}

type controllers struct {
	attempt *controller.AttemptController
	grade   *controller.GradeController
	health  *controller.HealthController
}

func (a *App) RegisterConfigCallback(callback func(*config.Config)) {
	a.configCallbacks = append(a.configCallbacks, callback)
}

// jwtSecret 热更新后的密钥
func (a *App) jwtSecret() string {
	a.configMu.RLock()
	defer a.configMu.RUnlock()
	return a.Config.JWT.Secret
}

func (a *App) applyConfig(cfg *config.Config) {
	a.configMu.Lock()
	a.Config.JWT = cfg.JWT
	a.Config.Session = cfg.Session
	a.Config.Proctoring = cfg.Proctoring
	a.configMu.Unlock()

	for _, cb := range a.configCallbacks {
		cb(cfg)
	}
}

func (a *App) initRepositories(db *gorm.DB) *repositories {
	return &repositories{
		attempt:     repository.NewExamAttemptRepository(db),
		answer:      repository.NewAnswerRepository(db),
		exam:        repository.NewExamRepository(db),
		securityLog: repository.NewSecurityLogRepository(db),
	}
}

func (a *App) newLocker(cfg *config.Config) lock.Locker {
	if cfg.Lock.Backend == "redis" {
		if a.Redis == nil {
			logger.Log.Fatal("Lock backend redis requires a redis connection")
		}
		return lock.NewRedisLocker(a.Redis, "examguard:lock:", cfg.Lock.TTL, logger.Log)
	}
	return lock.NewLocalLocker()
}

func (a *App) initServices(ctx context.Context, repos *repositories, cfg *config.Config, db *gorm.DB) *services {
	s := &services{}
	clock := service.SystemClock{}

	s.policy = service.NewPolicy(cfg.Session, cfg.Proctoring)
	a.RegisterConfigCallback(func(c *config.Config) {
		s.policy.Update(c.Session, c.Proctoring)
	})

	store, err := storage.New(ctx, &cfg.Storage)
	if err != nil {
		logger.Log.Fatal("Failed to initialize storage", zap.Error(err))
	}
	if store != nil {
		s.archiver = service.NewEvidenceArchiver(store, cfg.Storage.ArchivePrefix, 256, clock, logger.Log)
		s.archiver.Start()
	}

	var publisher service.FlagPublisher
	if cfg.Redis.PublishFlags && a.Redis != nil {
		publisher = service.NewRedisFlagPublisher(a.Redis, cfg.Redis.FlagChannel)
	}

	detector := service.NewAnomalyDetector(s.policy)
	deps := service.AttemptDeps{
		Attempts:  repos.attempt,
		Answers:   repos.answer,
		Exams:     repos.exam,
		Timer:     service.NewTimerService(clock, s.policy),
		Store:     service.NewAnswerStore(repos.answer, repos.exam, clock),
		Events:    service.NewEventLogService(repos.securityLog, detector, s.policy, clock, logger.Log),
		Grading:   service.NewGradingService(),
		Env:       service.NewEnvironmentChecker(clock),
		Locker:    a.newLocker(cfg),
		Policy:    s.policy,
		Clock:     clock,
		Log:       logger.Log,
		Archiver:  s.archiver,
		Publisher: publisher,
	}
	s.attempt = service.NewAttemptService(db, deps)

	if cfg.Scheduler.Enabled {
		s.scheduler = service.NewAutoSubmitScheduler(s.attempt, repos.securityLog, cfg.Scheduler, clock, logger.Log)
	}
	return s
}

func (a *App) initControllers(s *services, db *gorm.DB) *controllers {
	return &controllers{
		attempt: controller.NewAttemptController(s.attempt),
		grade:   controller.NewGradeController(s.attempt),
		health:  controller.NewHealthController(db, a.Redis),
	}
}

func (a *App) setupMiddlewares(router *gin.Engine, cfg *config.Config) {
	router.Use(security.RequestID())
	router.Use(security.CORS(cfg.CORS.AllowedOrigins))
	router.Use(security.Secure())
	window := time.Duration(cfg.RateLimit.WindowMinutes) * time.Minute
	router.Use(security.RateLimiter(cfg.RateLimit.MaxRequests, window))

	// 分布式追踪中间件
	if cfg.Tracing.Enabled {
		router.Use(tracing.GinMiddleware())
	}

	router.Use(monitoring.MetricsMiddleware())
}

func (a *App) startBackgroundTasks(ctx context.Context, s *services, configFile string) {
	if s.scheduler != nil {
		s.scheduler.Start(ctx)
	}

	go func() {
		if err := configwatcher.WatchConfig(ctx, configFile, a.applyConfig); err != nil {
			logger.Log.Error("Config watcher stopped", zap.Error(err))
		}
	}()
}

func NewApp(cfg *config.Config, configDir string) *App {
	logger.InitLogger(cfg)
	defer logger.Log.Sync()

	logger.Log.Info("Logger initialized successfully")

	db, err := database.InitDB(&cfg.Database)
	if err != nil {
		logger.Log.Fatal("Failed to initialize database", zap.Error(err))
		log.Fatalf("Failed to initialize database: %v", err)
	}

	if cfg.MigrateOnly || cfg.Server.Mode != gin.ReleaseMode {
		if err := database.Migrate(db); err != nil {
			logger.Log.Fatal("Failed to migrate database", zap.Error(err))
		}
		logger.Log.Info("Database migrated")
	}

	app := &App{
		Config: cfg,
		DB:     db,
	}
	if cfg.MigrateOnly {
		return app
	}

	if cfg.Redis.Host != "" {
		rdb, err := database.InitRedis(&cfg.Redis)
		if err != nil {
			logger.Log.Fatal("Failed to initialize redis", zap.Error(err))
			log.Fatalf("Failed to initialize redis: %v", err)
		}
		app.Redis = rdb
	}

	ctx, cancel := context.WithCancel(context.Background())
	app.cancel = cancel

	repos := app.initRepositories(db)
	services := app.initServices(ctx, repos, cfg, db)
	app.services = services
	controllers := app.initControllers(services, db)

	// 监控初始化
	monitoring.Init()

	gin.SetMode(cfg.Server.Mode)
	router := gin.New()
	router.Use(gin.Recovery())
	app.Router = router

	app.setupMiddlewares(router, cfg)

	if cfg.Tracing.Enabled {
		tp, err := tracing.InitTracer("examguard", cfg.Tracing.CollectorEndpoint)
		if err != nil {
			logger.Log.Fatal("Failed to initialize tracing", zap.Error(err))
		}
		app.tracer = tp
	}

	app.registerRoutes(router, controllers, cfg)

	app.startBackgroundTasks(ctx, services, filepath.Join(configDir, "config.yaml"))

	return app
}

func (a *App) Run() {
	srv := &http.Server{
		Addr:              ":" + a.Config.Server.Port,
		Handler:           a.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// 启动服务器
	go func() {
		logger.Log.Info("Server running", zap.String("port", a.Config.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %s\n", err)
		}
	}()

	// 等待中断信号优雅地关闭服务器（设置5秒的超时时间）
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Log.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Log.Error("Server forced to shutdown", zap.Error(err))
	}

	a.Close()
	logger.Log.Info("Server exiting")
}

// Close 停止后台任务，等待证据归档完成后关闭连接
func (a *App) Close() {
	if a.cancel != nil {
		a.cancel()
	}
	if a.services != nil {
		if a.services.scheduler != nil {
			a.services.scheduler.Stop()
		}
		if a.services.archiver != nil {
			a.services.archiver.Stop()
		}
	}
	if a.tracer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.tracer.Shutdown(ctx); err != nil {
			logger.Log.Error("Failed to shutdown tracer provider", zap.Error(err))
		}
	}
	if a.Redis != nil {
		a.Redis.Close()
	}
	if sqlDB, err := a.DB.DB(); err == nil {
		sqlDB.Close()
	}
}
