// Package service 业务逻辑层
package service

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/pu-ac-cn/cas-server/internal/config"
	"github.com/pu-ac-cn/cas-server/internal/model"
)

// TicketFactory 票据工厂
//
// 负责生成带前缀、定长、不可猜测的票据标识，并按票据类型设置
// 有效期窗口。长度约束在构造时校验：低于协议最小值直接拒绝启动。
type TicketFactory struct {
	cfg *config.CASConfig
}

// NewTicketFactory 创建票据工厂
// 票据长度低于协议最小值属于配置错误，在此处失败而不是等到签发时。
func NewTicketFactory(cfg *config.CASConfig) (*TicketFactory, error) {
	mins := map[string]int{
		config.PrefixLT:     config.MinTicketLen,
		config.PrefixST:     config.MinTicketLen,
		config.PrefixPT:     config.MinTicketLen,
		config.PrefixPGT:    config.MinPGTLen,
		config.PrefixPGTIOU: config.MinPGTLen,
	}
	for prefix, min := range mins {
		n := cfg.LenFor(prefix)
		if n < min {
			return nil, fmt.Errorf("配置错误: %s 票据长度 %d 低于协议最小值 %d", prefix, n, min)
		}
		if n < len(prefix)+1+16 {
			return nil, fmt.Errorf("配置错误: %s 票据长度 %d 无法容纳足够的随机部分", prefix, n)
		}
	}
	return &TicketFactory{cfg: cfg}, nil
}

// Issue 签发一张票据
// LT/ST/PT 使用短有效期（TicketValidity），PGT 使用长有效期
// （PGTValidity）；serviceURL 仅对 ST/PT 有意义。
func (f *TicketFactory) Issue(kind model.Kind, sessionID, serviceURL string) (*model.Ticket, error) {
	id, err := f.NewID(string(kind))
	if err != nil {
		return nil, err
	}

	now := time.Now()
	validity := f.cfg.TicketValidity
	if kind == model.KindProxyGrantingTicket {
		validity = f.cfg.PGTValidity
	}

	return &model.Ticket{
		ID:         id,
		Kind:       kind,
		SessionID:  sessionID,
		ServiceURL: serviceURL,
		CreatedAt:  now,
		ValidUntil: now.Add(validity),
	}, nil
}

// NewID 生成一个 <前缀>-<随机体> 形式的票据标识
// 总长度为该前缀的配置长度，随机体来自加密安全随机源。
func (f *TicketFactory) NewID(prefix string) (string, error) {
	total := f.cfg.LenFor(prefix)
	bodyLen := total - len(prefix) - 1

	body, err := secureBody(bodyLen)
	if err != nil {
		return "", err
	}
	return prefix + "-" + body, nil
}

// NewIOU 生成 PGTIOU 关联凭条
func (f *TicketFactory) NewIOU() (string, error) {
	return f.NewID(config.PrefixPGTIOU)
}

// secureBody 生成指定长度的 URL 安全随机串
func secureBody(length int) (string, error) {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("读取随机源失败: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(bytes)[:length], nil
}
