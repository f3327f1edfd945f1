package auth

import (
	"context"
	"errors"

	"github.com/pu-ac-cn/cas-server/internal/model"
	"github.com/pu-ac-cn/cas-server/internal/repository"
)

// databaseBackend 本地用户表后端
// 密码以 bcrypt 哈希存储；连续失败会触发账户临时锁定。
type databaseBackend struct {
	userRepo repository.UserRepository
}

// NewDatabaseBackend 创建本地用户表后端
func NewDatabaseBackend(userRepo repository.UserRepository) Backend {
	return &databaseBackend{userRepo: userRepo}
}

func (b *databaseBackend) Name() string {
	return "database"
}

func (b *databaseBackend) CheckCredentials(ctx context.Context, username, password string) (*Result, error) {
	user, err := b.userRepo.GetByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	// 检查账户是否被锁定
	if user.IsLocked() {
		return nil, ErrAccountLocked
	}

	// 检查账户是否被禁用
	if !user.IsActive() {
		return nil, ErrAccountDisabled
	}

	// 验证密码
	if !user.VerifyPassword(password) {
		// 增加失败次数
		user.IncrementFailedLogin()
		_ = b.userRepo.Update(ctx, user)
		return nil, ErrInvalidCredentials
	}

	// 登录成功，重置失败次数
	if user.FailedLoginCount > 0 {
		user.ResetFailedLogin()
		_ = b.userRepo.Update(ctx, user)
	}

	attrs := make(model.Attributes, len(user.Attrs)+2)
	for k, v := range user.Attrs {
		attrs[k] = append([]string(nil), v...)
	}
	if user.Email != "" {
		attrs["email"] = []string{user.Email}
	}
	if user.DisplayName != "" {
		attrs["display_name"] = []string{user.DisplayName}
	}

	return &Result{
		Username:   user.Username,
		Attributes: attrs,
		Scheme:     "bcrypt",
	}, nil
}
