package model

import (
	"regexp"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ServicePattern 服务白名单
// 只有匹配某条启用规则的服务才能获得票据；AllowProxy 控制该服务
// 能否申请 PGT 进而代理访问后端服务。
type ServicePattern struct {
	ID      string `gorm:"type:char(36);primaryKey" json:"id"`
	Name    string `gorm:"type:varchar(100)" json:"name"`
	Pattern string `gorm:"type:varchar(500);uniqueIndex" json:"pattern"`

	Enabled      bool `gorm:"default:true" json:"enabled"`
	AllowProxy   bool `gorm:"default:false" json:"allow_proxy"`
	SingleLogOut bool `gorm:"default:true" json:"single_log_out"`

	// Position 匹配顺序，数值小的先匹配
	Position int `gorm:"default:100;index" json:"position"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName 指定表名
func (ServicePattern) TableName() string {
	return "service_patterns"
}

// BeforeCreate 创建前自动生成 UUID
func (p *ServicePattern) BeforeCreate(tx *gorm.DB) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	return nil
}

// Matches 检查服务 URL 是否匹配该规则
// 规则本身非法时视为不匹配。
func (p *ServicePattern) Matches(serviceURL string) bool {
	if !p.Enabled {
		return false
	}
	re, err := regexp.Compile(p.Pattern)
	if err != nil {
		return false
	}
	return re.MatchString(serviceURL)
}
