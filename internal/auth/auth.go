// Package auth 认证网关
//
// 把各种凭据校验后端统一在一个能力接口后面：核心状态机只关心
// “用户名 + 密码 → 属性或失败”，后端内部的协议（SQL、目录服务等）
// 对核心不可见。后端由配置在进程启动时选定。
package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/pu-ac-cn/cas-server/internal/config"
	"github.com/pu-ac-cn/cas-server/internal/model"
	"github.com/pu-ac-cn/cas-server/internal/repository"
)

// 认证相关错误
var (
	ErrInvalidCredentials = errors.New("用户名或密码错误")
	ErrAccountLocked      = errors.New("账户已锁定，请稍后再试")
	ErrAccountDisabled    = errors.New("账户已禁用")
)

// Result 认证成功的结果
type Result struct {
	Username   string
	Attributes model.Attributes
	// Scheme 后端使用的密码校验方式名，只透传作审计用途
	Scheme string
}

// Backend 凭据校验后端
// 所有后端实现同一个能力：校验失败返回 ErrInvalidCredentials
// 及其同族错误，成功返回用户属性。
type Backend interface {
	CheckCredentials(ctx context.Context, username, password string) (*Result, error)
	// Name 后端名，用于日志与审计
	Name() string
}

// New 按配置选择认证后端
// userRepo 只有 database 后端需要，其余后端可传 nil。
func New(cfg *config.AuthConfig, userRepo repository.UserRepository) (Backend, error) {
	switch cfg.Backend {
	case "test":
		return NewStaticBackend(&cfg.Test), nil
	case "database":
		if userRepo == nil {
			return nil, fmt.Errorf("database 认证后端需要用户仓库")
		}
		return NewDatabaseBackend(userRepo), nil
	case "sql":
		return NewSQLBackend(&cfg.SQL)
	default:
		return nil, fmt.Errorf("不支持的认证后端: %s", cfg.Backend)
	}
}
