// Package config 应用配置
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config 应用配置
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	CAS      CASConfig      `mapstructure:"cas"`
	SLO      SLOConfig      `mapstructure:"slo"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Admin    AdminConfig    `mapstructure:"admin"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	Addr         string        `mapstructure:"addr"`
	Mode         string        `mapstructure:"mode"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Driver   string         `mapstructure:"driver"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	MySQL    MySQLConfig    `mapstructure:"mysql"`
}

// PostgresConfig PostgreSQL 配置
type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

// MySQLConfig MySQL 配置
type MySQLConfig struct {
	Host      string `mapstructure:"host"`
	Port      int    `mapstructure:"port"`
	User      string `mapstructure:"user"`
	Password  string `mapstructure:"password"`
	DBName    string `mapstructure:"dbname"`
	Charset   string `mapstructure:"charset"`
	ParseTime bool   `mapstructure:"parse_time"`
	Loc       string `mapstructure:"loc"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// CASConfig CAS 协议票据配置
//
// TicketValidity 是 LT/ST/PT 从签发到被应用验证之间允许的最长时间；
// PGTValidity 是 PGT 的有效期；TicketRetention 是票据在存储中保留、
// 等待清理扫描和单点登出通知的时间，应远大于 TicketValidity。
type CASConfig struct {
	TicketValidity  time.Duration `mapstructure:"ticket_validity"`
	PGTValidity     time.Duration `mapstructure:"pgt_validity"`
	TicketRetention time.Duration `mapstructure:"ticket_retention"`

	// TicketLen 票据总长度（含前缀），各类票据可单独覆盖，0 表示使用 TicketLen
	TicketLen int `mapstructure:"ticket_len"`
	LTLen     int `mapstructure:"lt_len"`
	STLen     int `mapstructure:"st_len"`
	PTLen     int `mapstructure:"pt_len"`
	PGTLen    int `mapstructure:"pgt_len"`
	PGTIOULen int `mapstructure:"pgtiou_len"`

	// AllowAllServices 为 false 时只对匹配 service_patterns 表的服务签发票据
	AllowAllServices bool `mapstructure:"allow_all_services"`

	// 代理回调（PGT 投递）相关
	ProxyCallbackTimeout time.Duration `mapstructure:"proxy_callback_timeout"`
	ProxyCACertPath      string        `mapstructure:"proxy_ca_cert_path"`
}

// SLOConfig 单点登出通知配置
type SLOConfig struct {
	// MaxParallelRequests 并发发送的登出请求上限，超出的请求排队等待
	MaxParallelRequests int `mapstructure:"max_parallel_requests"`
	// Timeout 单个登出请求的超时时间
	Timeout time.Duration `mapstructure:"timeout"`
}

// AuthConfig 认证网关配置
type AuthConfig struct {
	// Backend 认证后端：test / database / sql
	Backend string         `mapstructure:"backend"`
	Test    TestAuthConfig `mapstructure:"test"`
	SQL     SQLAuthConfig  `mapstructure:"sql"`
}

// TestAuthConfig 静态测试用户后端配置
type TestAuthConfig struct {
	Username   string              `mapstructure:"username"`
	Password   string              `mapstructure:"password"`
	Attributes map[string][]string `mapstructure:"attributes"`
}

// SQLAuthConfig SQL 查询后端配置
type SQLAuthConfig struct {
	// UserQuery 按用户名查询用户行，必须返回 username 和 password 列，
	// 其余列作为用户属性透传
	UserQuery string `mapstructure:"user_query"`
	// PasswordCheck 密码校验方式：plain / hex_md5 / hex_sha1 /
	// hex_sha256 / hex_sha512 / bcrypt
	PasswordCheck string `mapstructure:"password_check"`
}

// AdminConfig 管理接口配置
type AdminConfig struct {
	Issuer      string        `mapstructure:"issuer"`
	TokenExpiry time.Duration `mapstructure:"token_expiry"`
	KeyBits     int           `mapstructure:"key_bits"`
}

// 协议规定的票据前缀
const (
	PrefixLT     = "LT"
	PrefixST     = "ST"
	PrefixPT     = "PT"
	PrefixPGT    = "PGT"
	PrefixPGTIOU = "PGTIOU"
)

// 协议规定的票据最小长度（含前缀）
const (
	MinTicketLen = 32 // LT/ST/PT
	MinPGTLen    = 64 // PGT/PGTIOU
)

var global *Config

// Load 加载配置
func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./configs")
	viper.AddConfigPath(".")

	// 支持环境变量覆盖
	viper.AutomaticEnv()

	// 设置默认值
	setDefaultsOn(viper.GetViper())

	if err := viper.ReadInConfig(); err != nil {
		// 配置文件不存在时使用默认值
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	global = &cfg
	return &cfg, nil
}

// LoadFromFile 从指定文件加载配置
func LoadFromFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	setDefaultsOn(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	global = &cfg
	return &cfg, nil
}

// Get 获取全局配置
func Get() *Config {
	return global
}

// LenFor 返回某一前缀票据的配置长度（0 则回退到 TicketLen）
func (c *CASConfig) LenFor(prefix string) int {
	var n int
	switch prefix {
	case PrefixLT:
		n = c.LTLen
	case PrefixST:
		n = c.STLen
	case PrefixPT:
		n = c.PTLen
	case PrefixPGT:
		n = c.PGTLen
	case PrefixPGTIOU:
		n = c.PGTIOULen
	}
	if n == 0 {
		n = c.TicketLen
	}
	return n
}

// Validate 校验配置合法性
// 票据长度低于协议最小值属于配置错误，必须在启动阶段失败，
// 不能等到签发票据时才发现。
func (c *Config) Validate() error {
	mins := map[string]int{
		PrefixLT:     MinTicketLen,
		PrefixST:     MinTicketLen,
		PrefixPT:     MinTicketLen,
		PrefixPGT:    MinPGTLen,
		PrefixPGTIOU: MinPGTLen,
	}
	for prefix, min := range mins {
		n := c.CAS.LenFor(prefix)
		if n < min {
			return fmt.Errorf("配置错误: %s 票据长度 %d 低于协议最小值 %d", prefix, n, min)
		}
		// 预留前缀、连字符和最低限度的随机部分
		if n < len(prefix)+1+16 {
			return fmt.Errorf("配置错误: %s 票据长度 %d 无法容纳足够的随机部分", prefix, n)
		}
	}

	if c.CAS.TicketValidity <= 0 {
		return fmt.Errorf("配置错误: cas.ticket_validity 必须大于 0")
	}
	if c.CAS.PGTValidity <= 0 {
		return fmt.Errorf("配置错误: cas.pgt_validity 必须大于 0")
	}
	if c.CAS.TicketRetention < c.CAS.TicketValidity {
		return fmt.Errorf("配置错误: cas.ticket_retention 不能小于 cas.ticket_validity")
	}

	if c.SLO.MaxParallelRequests < 1 {
		return fmt.Errorf("配置错误: slo.max_parallel_requests 必须大于等于 1")
	}
	if c.SLO.Timeout <= 0 {
		return fmt.Errorf("配置错误: slo.timeout 必须大于 0")
	}

	switch c.Auth.Backend {
	case "test", "database", "sql":
	default:
		return fmt.Errorf("配置错误: 不支持的认证后端 %q", c.Auth.Backend)
	}

	return nil
}

// setDefaultsOn 设置默认值
func setDefaultsOn(v *viper.Viper) {
	// 服务器默认配置
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.mode", "debug")
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "10s")

	// 数据库默认配置
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.postgres.host", "localhost")
	v.SetDefault("database.postgres.port", 5432)
	v.SetDefault("database.postgres.user", "postgres")
	v.SetDefault("database.postgres.password", "")
	v.SetDefault("database.postgres.dbname", "cas_server")
	v.SetDefault("database.postgres.sslmode", "disable")

	// Redis 默认配置
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	// CAS 票据默认配置
	v.SetDefault("cas.ticket_validity", "60s")
	v.SetDefault("cas.pgt_validity", "1h")
	v.SetDefault("cas.ticket_retention", "24h")
	v.SetDefault("cas.ticket_len", 64)
	v.SetDefault("cas.allow_all_services", true)
	v.SetDefault("cas.proxy_callback_timeout", "5s")

	// 单点登出默认配置
	v.SetDefault("slo.max_parallel_requests", 10)
	v.SetDefault("slo.timeout", "5s")

	// 认证后端默认配置
	v.SetDefault("auth.backend", "database")
	v.SetDefault("auth.test.username", "test")
	v.SetDefault("auth.test.password", "test")
	v.SetDefault("auth.test.attributes", map[string][]string{
		"nom":    {"Nymous"},
		"prenom": {"Ano"},
		"email":  {"anonymous@example.net"},
		"alias":  {"demo1", "demo2"},
	})
	v.SetDefault("auth.sql.user_query",
		"SELECT username, password FROM users WHERE username = ?")
	v.SetDefault("auth.sql.password_check", "bcrypt")

	// 管理接口默认配置
	v.SetDefault("admin.issuer", "cas-server")
	v.SetDefault("admin.token_expiry", "2h")
	v.SetDefault("admin.key_bits", 2048)
}
