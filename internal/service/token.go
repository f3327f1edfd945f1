package service

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pu-ac-cn/cas-server/internal/config"
	"github.com/redis/go-redis/v9"
)

// 令牌相关错误
var (
	ErrInvalidToken     = errors.New("无效的令牌")
	ErrTokenExpired     = errors.New("令牌已过期")
	ErrInvalidSignature = errors.New("签名验证失败")
	ErrInvalidIssuer    = errors.New("无效的签发者")
)

// TokenClaims 管理接口令牌的 JWT 声明
type TokenClaims struct {
	jwt.RegisteredClaims
	Username string `json:"username,omitempty"`
	Role     string `json:"role,omitempty"`
}

// TokenService 管理接口令牌服务
type TokenService interface {
	// Generate 为管理员签发访问令牌
	Generate(ctx context.Context, username string) (string, error)
	// Validate 验证令牌并返回声明
	Validate(ctx context.Context, tokenString string) (*TokenClaims, error)
	// Revoke 撤销令牌，撤销状态保持到令牌自然过期
	Revoke(ctx context.Context, tokenString string) error
	// GetPublicKey 获取公钥
	GetPublicKey() *rsa.PublicKey
}

// 撤销标记的键前缀
const revokedTokenPrefix = "cas:revoked_token:"

type tokenService struct {
	privateKey *rsa.PrivateKey
	publicKey  *rsa.PublicKey
	issuer     string
	expiry     time.Duration
	// 撤销名单放 Redis，多实例共享
	redisClient *redis.Client
}

// NewTokenService 创建令牌服务
// 签名密钥在启动时生成，重启后旧令牌自然失效。
func NewTokenService(cfg *config.AdminConfig, redisClient *redis.Client) (TokenService, error) {
	bits := cfg.KeyBits
	if bits == 0 {
		bits = 2048
	}
	if bits < 2048 {
		return nil, fmt.Errorf("配置错误: RSA 密钥长度 %d 过短", bits)
	}

	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("生成签名密钥失败: %w", err)
	}

	expiry := cfg.TokenExpiry
	if expiry <= 0 {
		expiry = time.Hour
	}

	return &tokenService{
		privateKey:  key,
		publicKey:   &key.PublicKey,
		issuer:      cfg.Issuer,
		expiry:      expiry,
		redisClient: redisClient,
	}, nil
}

// Generate 为管理员签发访问令牌
func (s *tokenService) Generate(ctx context.Context, username string) (string, error) {
	now := time.Now()
	claims := &TokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.expiry)),
			ID:        generateTokenID(),
		},
		Username: username,
		Role:     "admin",
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	return token.SignedString(s.privateKey)
}

// Validate 验证令牌
func (s *tokenService) Validate(ctx context.Context, tokenString string) (*TokenClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &TokenClaims{}, func(token *jwt.Token) (interface{}, error) {
		// 验证签名算法
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, ErrInvalidSignature
		}
		return s.publicKey, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*TokenClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Issuer != s.issuer {
		return nil, ErrInvalidIssuer
	}

	// 检查撤销名单
	n, err := s.redisClient.Exists(ctx, revokedTokenPrefix+claims.ID).Result()
	if err != nil {
		return nil, fmt.Errorf("查询撤销名单失败: %w", err)
	}
	if n > 0 {
		return nil, ErrInvalidToken
	}

	return claims, nil
}

// Revoke 撤销令牌
func (s *tokenService) Revoke(ctx context.Context, tokenString string) error {
	claims, err := s.Validate(ctx, tokenString)
	if err != nil {
		// 已失效的令牌无需撤销
		if errors.Is(err, ErrTokenExpired) || errors.Is(err, ErrInvalidToken) {
			return nil
		}
		return err
	}

	ttl := time.Until(claims.ExpiresAt.Time)
	if ttl <= 0 {
		return nil
	}
	return s.redisClient.Set(ctx, revokedTokenPrefix+claims.ID, "1", ttl).Err()
}

// GetPublicKey 获取公钥
func (s *tokenService) GetPublicKey() *rsa.PublicKey {
	return s.publicKey
}

// generateTokenID 生成令牌 ID
func generateTokenID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return base64.RawURLEncoding.EncodeToString(bytes)
}
