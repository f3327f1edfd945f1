// Package model 数据模型定义
package model

import (
	"time"
)

// Kind 票据类型
type Kind string

const (
	KindLoginTicket         Kind = "LT"     // 登录票据，一次性，兑换 ST
	KindServiceTicket       Kind = "ST"     // 服务票据，一次性，授权一次服务验证
	KindProxyTicket         Kind = "PT"     // 代理票据，一次性，经 PGT 签发
	KindProxyGrantingTicket Kind = "PGT"    // 代理授权票据，长期有效，服务端持有
	KindPGTIOU              Kind = "PGTIOU" // PGT 的同步应答凭条，仅作关联用
)

// SingleUse 该类型票据是否一次性消费
func (k Kind) SingleUse() bool {
	switch k {
	case KindLoginTicket, KindServiceTicket, KindProxyTicket:
		return true
	}
	return false
}

// Ticket CAS 票据
//
// 所有类型共用一条记录结构；CallbackURL / IOU 仅 PGT 使用，
// ParentID 记录 PT 的来源 PGT（只记录出处，不建立生命周期依赖）。
type Ticket struct {
	ID         string    `json:"id"`
	Kind       Kind      `json:"kind"`
	SessionID  string    `json:"session_id"`
	ServiceURL string    `json:"service_url,omitempty"`

	CallbackURL string `json:"callback_url,omitempty"`
	IOU         string `json:"iou,omitempty"`
	ParentID    string `json:"parent_id,omitempty"`

	Consumed  bool       `json:"consumed"`
	Revoked   bool       `json:"revoked"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`

	CreatedAt  time.Time `json:"created_at"`
	ValidUntil time.Time `json:"valid_until"`
}

// IsExpired 检查票据是否过期
func (t *Ticket) IsExpired() bool {
	return t.IsExpiredAt(time.Now())
}

// IsExpiredAt 检查票据在指定时刻是否过期
// 过期优先于消费状态：now > ValidUntil 即为无效，无论是否已消费。
func (t *Ticket) IsExpiredAt(now time.Time) bool {
	return now.After(t.ValidUntil)
}

// Attributes 用户属性，属性值可以是单个字符串或字符串列表
type Attributes map[string][]string

// Session 一次认证成功建立的单点登录会话
// 会话拥有其名下的全部票据：销毁会话会级联撤销所有子孙票据。
type Session struct {
	ID         string     `json:"id"`
	Username   string     `json:"username"`
	Attributes Attributes `json:"attributes,omitempty"`
	// AuthScheme 认证后端使用的密码校验方式名，仅用于审计
	AuthScheme string    `json:"auth_scheme,omitempty"`
	Closed     bool      `json:"closed"`
	CreatedAt  time.Time `json:"created_at"`
}
