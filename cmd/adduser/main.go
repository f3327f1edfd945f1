// 创建或更新本地用户的工具
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/pu-ac-cn/cas-server/internal/config"
	"github.com/pu-ac-cn/cas-server/internal/database"
	"github.com/pu-ac-cn/cas-server/internal/model"
	"github.com/pu-ac-cn/cas-server/internal/repository"
)

func main() {
	username := flag.String("username", "", "用户名")
	password := flag.String("password", "", "密码（bcrypt 存储）")
	email := flag.String("email", "", "邮箱")
	displayName := flag.String("display-name", "", "显示名")
	admin := flag.Bool("admin", false, "授予管理接口权限")
	attrs := flag.String("attrs", "", "附加属性，形如 key=v1|v2,key2=v3")
	flag.Parse()

	if *username == "" || *password == "" {
		fmt.Println("用法: adduser -username <用户名> -password <密码> [-email ...] [-admin] [-attrs key=v1|v2,...]")
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}

	if err := database.Init(&cfg.Database); err != nil {
		log.Fatalf("初始化数据库失败: %v", err)
	}
	defer database.Close()

	if err := database.AutoMigrate(&model.User{}); err != nil {
		log.Fatalf("数据库迁移失败: %v", err)
	}

	ctx := context.Background()
	userRepo := repository.NewUserRepository(database.GetDB())

	user, err := userRepo.GetByUsername(ctx, *username)
	created := err != nil
	if created {
		user = &model.User{
			Username: *username,
			Status:   "active",
		}
	}

	user.Email = *email
	user.DisplayName = *displayName
	user.IsAdmin = *admin
	user.Attrs = parseAttrs(*attrs)
	if err := user.SetPassword(*password); err != nil {
		log.Fatalf("设置密码失败: %v", err)
	}

	if created {
		err = userRepo.Create(ctx, user)
	} else {
		err = userRepo.Update(ctx, user)
	}
	if err != nil {
		log.Fatalf("保存用户失败: %v", err)
	}

	action := "更新"
	if created {
		action = "创建"
	}
	fmt.Printf("成功%s用户 %s (admin=%v)\n", action, user.Username, user.IsAdmin)
}

// parseAttrs 解析 key=v1|v2,key2=v3 形式的属性表
func parseAttrs(s string) model.Attributes {
	if s == "" {
		return nil
	}
	attrs := make(model.Attributes)
	for _, pair := range strings.Split(s, ",") {
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 || kv[0] == "" {
			continue
		}
		attrs[kv[0]] = strings.Split(kv[1], "|")
	}
	return attrs
}
