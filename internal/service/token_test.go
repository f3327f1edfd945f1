package service

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/pu-ac-cn/cas-server/internal/config"
	"github.com/redis/go-redis/v9"
)

// 创建测试用的令牌服务
func newTestTokenService(t *testing.T, expiry time.Duration) TokenService {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	svc, err := NewTokenService(&config.AdminConfig{
		Issuer:      "test-issuer",
		TokenExpiry: expiry,
		KeyBits:     2048,
	}, client)
	if err != nil {
		t.Fatalf("创建令牌服务失败: %v", err)
	}
	return svc
}

// TestTokenService_GenerateValidate 测试签发与验证
func TestTokenService_GenerateValidate(t *testing.T) {
	svc := newTestTokenService(t, 15*time.Minute)
	ctx := context.Background()

	token, err := svc.Generate(ctx, "admin")
	if err != nil {
		t.Fatalf("签发令牌失败: %v", err)
	}
	if token == "" {
		t.Error("令牌不应为空")
	}

	claims, err := svc.Validate(ctx, token)
	if err != nil {
		t.Fatalf("验证令牌失败: %v", err)
	}
	if claims.Username != "admin" {
		t.Errorf("Username 不匹配: 期望 admin, 实际 %s", claims.Username)
	}
	if claims.Role != "admin" {
		t.Errorf("Role 不匹配: 期望 admin, 实际 %s", claims.Role)
	}
	if claims.Issuer != "test-issuer" {
		t.Errorf("Issuer 不匹配: 期望 test-issuer, 实际 %s", claims.Issuer)
	}
}

// TestTokenService_ValidateExpired 测试验证过期令牌
func TestTokenService_ValidateExpired(t *testing.T) {
	svc := newTestTokenService(t, time.Second)
	ctx := context.Background()

	token, err := svc.Generate(ctx, "admin")
	if err != nil {
		t.Fatalf("签发令牌失败: %v", err)
	}

	time.Sleep(1100 * time.Millisecond)

	if _, err := svc.Validate(ctx, token); err != ErrTokenExpired {
		t.Errorf("期望 ErrTokenExpired, 实际 %v", err)
	}
}

// TestTokenService_ValidateGarbage 测试验证畸形令牌
func TestTokenService_ValidateGarbage(t *testing.T) {
	svc := newTestTokenService(t, time.Minute)

	if _, err := svc.Validate(context.Background(), "not.a.jwt"); err != ErrInvalidToken {
		t.Errorf("期望 ErrInvalidToken, 实际 %v", err)
	}
}

// TestTokenService_WrongIssuer 测试跨实例令牌被拒绝
func TestTokenService_WrongIssuer(t *testing.T) {
	a := newTestTokenService(t, time.Minute)
	b := newTestTokenService(t, time.Minute)
	ctx := context.Background()

	// 密钥各自生成，a 签发的令牌 b 无法验签
	token, err := a.Generate(ctx, "admin")
	if err != nil {
		t.Fatalf("签发令牌失败: %v", err)
	}
	if _, err := b.Validate(ctx, token); err == nil {
		t.Error("期望验证失败")
	}
}

// TestTokenService_Revoke 测试撤销令牌
func TestTokenService_Revoke(t *testing.T) {
	svc := newTestTokenService(t, time.Minute)
	ctx := context.Background()

	token, err := svc.Generate(ctx, "admin")
	if err != nil {
		t.Fatalf("签发令牌失败: %v", err)
	}

	if err := svc.Revoke(ctx, token); err != nil {
		t.Fatalf("撤销令牌失败: %v", err)
	}

	if _, err := svc.Validate(ctx, token); err != ErrInvalidToken {
		t.Errorf("期望 ErrInvalidToken, 实际 %v", err)
	}

	// 重复撤销不报错
	if err := svc.Revoke(ctx, token); err != nil {
		t.Errorf("重复撤销不应报错: %v", err)
	}
}

// TestTokenService_KeyBitsTooShort 测试密钥长度下限
func TestTokenService_KeyBitsTooShort(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatal(err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	_, err = NewTokenService(&config.AdminConfig{
		Issuer:  "test-issuer",
		KeyBits: 1024,
	}, client)
	if err == nil {
		t.Error("期望配置错误")
	}
}

func TestTokenService_GetPublicKey(t *testing.T) {
	svc := newTestTokenService(t, time.Minute)
	if svc.GetPublicKey() == nil {
		t.Error("公钥不应为 nil")
	}
}
