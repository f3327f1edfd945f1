package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pu-ac-cn/cas-server/internal/auth"
	"github.com/pu-ac-cn/cas-server/internal/config"
	"github.com/pu-ac-cn/cas-server/internal/database"
	"github.com/pu-ac-cn/cas-server/internal/handler"
	"github.com/pu-ac-cn/cas-server/internal/middleware"
	"github.com/pu-ac-cn/cas-server/internal/model"
	"github.com/pu-ac-cn/cas-server/internal/redis"
	"github.com/pu-ac-cn/cas-server/internal/repository"
	"github.com/pu-ac-cn/cas-server/internal/service"
	"github.com/pu-ac-cn/cas-server/pkg/response"
	"go.uber.org/zap"
)

// 过期票据的后台清理间隔
const sweepInterval = 5 * time.Minute

func main() {
	// 加载配置
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("配置校验失败: %v", err)
	}

	// 初始化 Redis 连接
	if err := redis.Init(&cfg.Redis); err != nil {
		log.Fatalf("初始化 Redis 失败: %v", err)
	}
	defer redis.Close()
	log.Println("Redis 连接成功")

	// 测试后端 + 全放行模式下不需要数据库
	needDB := cfg.Auth.Backend != "test" || !cfg.CAS.AllowAllServices
	var userRepo repository.UserRepository
	var patternRepo repository.ServicePatternRepository
	if needDB {
		if err := database.Init(&cfg.Database); err != nil {
			log.Fatalf("初始化数据库失败: %v", err)
		}
		defer database.Close()
		log.Println("数据库连接成功")

		if err := database.AutoMigrate(&model.User{}, &model.ServicePattern{}); err != nil {
			log.Fatalf("数据库迁移失败: %v", err)
		}

		userRepo = repository.NewUserRepository(database.GetDB())
		if !cfg.CAS.AllowAllServices {
			patternRepo = repository.NewServicePatternRepository(database.GetDB())
		}
	}

	logger := middleware.GetLogger()

	// 组装状态机
	factory, err := service.NewTicketFactory(&cfg.CAS)
	if err != nil {
		log.Fatalf("初始化票据工厂失败: %v", err)
	}

	backend, err := auth.New(&cfg.Auth, userRepo)
	if err != nil {
		log.Fatalf("初始化认证后端失败: %v", err)
	}
	log.Printf("认证后端: %s", backend.Name())

	dispatcher := service.NewSLODispatcher(&cfg.SLO, logger)
	defer dispatcher.Close()

	store := repository.NewTicketStore(redis.GetClient(), cfg.CAS.TicketRetention)
	casService, err := service.NewCASService(store, factory, backend, dispatcher, patternRepo, &cfg.CAS, logger)
	if err != nil {
		log.Fatalf("初始化票据服务失败: %v", err)
	}

	tokenService, err := service.NewTokenService(&cfg.Admin, redis.GetClient())
	if err != nil {
		log.Fatalf("初始化令牌服务失败: %v", err)
	}

	casHandler := handler.NewCASHandler(casService, &cfg.CAS)
	adminHandler := handler.NewAdminHandler(casService, tokenService, userRepo, store, patternRepo)

	// 设置 Gin 模式
	if cfg.Server.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(middleware.Logger())
	router.Use(middleware.Recovery())

	// 健康检查
	router.GET("/health", func(c *gin.Context) {
		redisStatus := "ok"
		if err := redis.GetClient().Ping(c.Request.Context()).Err(); err != nil {
			redisStatus = "error"
		}
		dbStatus := "disabled"
		if needDB {
			dbStatus = "ok"
			if err := database.Ping(); err != nil {
				dbStatus = "error"
			}
		}
		response.Success(c, gin.H{
			"status":   "ok",
			"time":     time.Now().Format(time.RFC3339),
			"redis":    redisStatus,
			"database": dbStatus,
		})
	})

	// CAS 协议路由
	cas := router.Group("/cas")
	{
		cas.GET("/login", casHandler.LoginGet)
		cas.POST("/login", casHandler.Login)
		cas.GET("/logout", casHandler.Logout)
		cas.GET("/serviceValidate", casHandler.ServiceValidate)
		cas.GET("/p3/serviceValidate", casHandler.ServiceValidate)
		cas.GET("/proxyValidate", casHandler.ProxyValidate)
		cas.GET("/p3/proxyValidate", casHandler.ProxyValidate)
		cas.GET("/proxy", casHandler.Proxy)
	}

	// 管理接口
	api := router.Group("/api/v1/admin")
	{
		api.POST("/login", adminHandler.Login)

		authRequired := api.Group("")
		authRequired.Use(middleware.JWTAuth(tokenService))
		{
			authRequired.POST("/logout", adminHandler.Logout)
			authRequired.GET("/users/:username/sessions", adminHandler.ListSessions)
			authRequired.GET("/sessions/:id", adminHandler.GetSession)
			authRequired.DELETE("/sessions/:id", adminHandler.TerminateSession)
			authRequired.GET("/patterns", adminHandler.ListPatterns)
			authRequired.POST("/patterns", adminHandler.CreatePattern)
			authRequired.DELETE("/patterns/:id", adminHandler.DeletePattern)
		}
	}

	// 后台清理：删除过期票据并补发欠下的登出通知
	sweepCtx, stopSweep := context.WithCancel(context.Background())
	defer stopSweep()
	go func() {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-sweepCtx.Done():
				return
			case <-ticker.C:
				deleted, _, err := casService.Sweep(sweepCtx, time.Now())
				if err != nil {
					logger.Warn("票据清理失败", zap.Error(err))
				} else if deleted > 0 {
					logger.Info("票据清理完成", zap.Int("deleted", deleted))
				}
			}
		}
	}()

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		log.Printf("服务启动，监听地址: %s", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("服务启动失败: %v", err)
		}
	}()

	// 等待中断信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("正在关闭服务...")
	stopSweep()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("服务关闭失败: %v", err)
	}

	log.Println("服务已关闭")
}
