package auth

import (
	"context"
	"crypto/subtle"

	"github.com/pu-ac-cn/cas-server/internal/config"
	"github.com/pu-ac-cn/cas-server/internal/model"
)

// staticBackend 静态测试用户后端
// 只认配置里的一个用户，用于联调和协议测试，不适合生产。
type staticBackend struct {
	username   string
	password   string
	attributes model.Attributes
}

// NewStaticBackend 创建静态测试用户后端
func NewStaticBackend(cfg *config.TestAuthConfig) Backend {
	attrs := make(model.Attributes, len(cfg.Attributes))
	for k, v := range cfg.Attributes {
		attrs[k] = append([]string(nil), v...)
	}
	return &staticBackend{
		username:   cfg.Username,
		password:   cfg.Password,
		attributes: attrs,
	}
}

func (b *staticBackend) Name() string {
	return "test"
}

func (b *staticBackend) CheckCredentials(ctx context.Context, username, password string) (*Result, error) {
	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(b.username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(password), []byte(b.password)) == 1
	if !userOK || !passOK {
		return nil, ErrInvalidCredentials
	}

	attrs := make(model.Attributes, len(b.attributes))
	for k, v := range b.attributes {
		attrs[k] = append([]string(nil), v...)
	}
	return &Result{
		Username:   b.username,
		Attributes: attrs,
		Scheme:     "plain",
	}, nil
}
