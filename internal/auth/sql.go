package auth

import (
	"context"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/pu-ac-cn/cas-server/internal/config"
	"github.com/pu-ac-cn/cas-server/internal/database"
	"github.com/pu-ac-cn/cas-server/internal/model"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// sqlBackend 任意 SQL 用户表后端
// 对配置的查询语句按用户名取一行，username/password 列参与认证，
// 其余列作为用户属性透传。
type sqlBackend struct {
	query  string
	scheme string
}

// NewSQLBackend 创建 SQL 查询后端
func NewSQLBackend(cfg *config.SQLAuthConfig) (Backend, error) {
	if cfg.UserQuery == "" {
		return nil, fmt.Errorf("sql 认证后端缺少 user_query 配置")
	}
	if _, ok := passwordCheckers[cfg.PasswordCheck]; !ok {
		return nil, fmt.Errorf("不支持的密码校验方式: %s", cfg.PasswordCheck)
	}
	return &sqlBackend{
		query:  cfg.UserQuery,
		scheme: cfg.PasswordCheck,
	}, nil
}

func (b *sqlBackend) Name() string {
	return "sql"
}

func (b *sqlBackend) CheckCredentials(ctx context.Context, username, password string) (*Result, error) {
	db := database.GetDB()
	if db == nil {
		return nil, fmt.Errorf("数据库未初始化")
	}

	row := map[string]interface{}{}
	err := db.WithContext(ctx).Raw(b.query, username).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("查询用户失败: %w", err)
	}

	storedName, _ := row["username"].(string)
	storedPass, _ := row["password"].(string)
	if storedName == "" || storedPass == "" {
		return nil, ErrInvalidCredentials
	}

	if !CheckPassword(b.scheme, password, storedPass) {
		return nil, ErrInvalidCredentials
	}

	// 其余列作为用户属性
	attrs := make(model.Attributes)
	for k, v := range row {
		if k == "username" || k == "password" {
			continue
		}
		if v == nil {
			continue
		}
		attrs[k] = []string{fmt.Sprint(v)}
	}

	return &Result{
		Username:   storedName,
		Attributes: attrs,
		Scheme:     b.scheme,
	}, nil
}

// passwordCheckers 支持的密码校验方式
// 用户输入的明文按方式名校验存储值，方式名随认证结果透传。
var passwordCheckers = map[string]func(clear, stored string) bool{
	"plain": func(clear, stored string) bool {
		return subtle.ConstantTimeCompare([]byte(clear), []byte(stored)) == 1
	},
	"hex_md5": func(clear, stored string) bool {
		sum := md5.Sum([]byte(clear))
		return hexEqual(sum[:], stored)
	},
	"hex_sha1": func(clear, stored string) bool {
		sum := sha1.Sum([]byte(clear))
		return hexEqual(sum[:], stored)
	},
	"hex_sha256": func(clear, stored string) bool {
		sum := sha256.Sum256([]byte(clear))
		return hexEqual(sum[:], stored)
	},
	"hex_sha512": func(clear, stored string) bool {
		sum := sha512.Sum512([]byte(clear))
		return hexEqual(sum[:], stored)
	},
	"bcrypt": func(clear, stored string) bool {
		return bcrypt.CompareHashAndPassword([]byte(stored), []byte(clear)) == nil
	},
}

// CheckPassword 按方式名校验密码，未知方式一律失败
func CheckPassword(scheme, clear, stored string) bool {
	checker, ok := passwordCheckers[scheme]
	if !ok {
		return false
	}
	return checker(clear, stored)
}

func hexEqual(sum []byte, stored string) bool {
	return subtle.ConstantTimeCompare([]byte(hex.EncodeToString(sum)), []byte(stored)) == 1
}
