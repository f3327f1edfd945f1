// 一次性清理过期票据的工具，适合 cron 调度
package main

import (
	"context"
	"flag"
	"log"
	"time"

	"github.com/pu-ac-cn/cas-server/internal/auth"
	"github.com/pu-ac-cn/cas-server/internal/config"
	"github.com/pu-ac-cn/cas-server/internal/redis"
	"github.com/pu-ac-cn/cas-server/internal/repository"
	"github.com/pu-ac-cn/cas-server/internal/service"
)

func main() {
	configPath := flag.String("config", "", "配置文件路径")
	timeout := flag.Duration("timeout", 2*time.Minute, "整体超时")
	flag.Parse()

	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.LoadFromFile(*configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}

	if err := redis.Init(&cfg.Redis); err != nil {
		log.Fatalf("初始化 Redis 失败: %v", err)
	}
	defer redis.Close()

	factory, err := service.NewTicketFactory(&cfg.CAS)
	if err != nil {
		log.Fatalf("初始化票据工厂失败: %v", err)
	}

	dispatcher := service.NewSLODispatcher(&cfg.SLO, nil)
	defer dispatcher.Close()

	// 清理不经过认证路径，静态后端足够
	backend := auth.NewStaticBackend(&cfg.Auth.Test)

	store := repository.NewTicketStore(redis.GetClient(), cfg.CAS.TicketRetention)
	casService, err := service.NewCASService(store, factory, backend, dispatcher, nil, &cfg.CAS, nil)
	if err != nil {
		log.Fatalf("初始化票据服务失败: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	deleted, reports, err := casService.Sweep(ctx, time.Now())
	if err != nil {
		log.Fatalf("清理失败: %v", err)
	}

	notified := 0
	for _, r := range reports {
		notified += r.Delivered()
	}
	log.Printf("清理完成: 删除 %d 张过期票据, 送达 %d 条登出通知", deleted, notified)
}
