// Package repository 数据访问层
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pu-ac-cn/cas-server/internal/model"
	"github.com/redis/go-redis/v9"
)

var (
	ErrTicketNotFound  = errors.New("票据不存在")
	ErrTicketConsumed  = errors.New("票据已被使用")
	ErrSessionNotFound = errors.New("会话不存在")
)

// TicketStore 票据存储
//
// 只做存取与过期查询，不包含协议逻辑。MarkConsumed 是唯一要求
// 原子性的操作：并发验证同一票据时恰好一个调用方成功。
type TicketStore interface {
	Put(ctx context.Context, t *model.Ticket) error
	GetByID(ctx context.Context, id string) (*model.Ticket, error)
	// MarkConsumed 原子消费票据，竞争失败返回 ErrTicketConsumed
	MarkConsumed(ctx context.Context, id string) error
	Update(ctx context.Context, t *model.Ticket) error
	Delete(ctx context.Context, id string) error
	FindBySession(ctx context.Context, sessionID string) ([]*model.Ticket, error)
	// FindStaleBefore 扫描 CreatedAt 早于 cutoff 的票据，供周期清理使用。
	// cutoff 应取保留期边界而非有效期：有效期刚过的已消费 ST
	// 还要留着给会话终止时的登出通知用。
	FindStaleBefore(ctx context.Context, cutoff time.Time) ([]*model.Ticket, error)

	PutSession(ctx context.Context, s *model.Session) error
	GetSession(ctx context.Context, id string) (*model.Session, error)
	// CloseSession 原子关闭会话，返回本次调用是否是第一次关闭
	CloseSession(ctx context.Context, id string) (bool, error)
	DeleteSession(ctx context.Context, id string) error
	// FindSessionsByUsername 列出用户名下仍有记录的会话
	FindSessionsByUsername(ctx context.Context, username string) ([]*model.Session, error)
}

// Redis key 前缀
const (
	ticketKeyPrefix        = "cas:ticket:"
	consumedKeyPrefix      = "cas:consumed:"
	sessionKeyPrefix       = "cas:session:"
	sessionClosedKeyPrefix = "cas:session_closed:"
	sessionTicketsPrefix   = "cas:session_tickets:"
	userSessionsPrefix     = "cas:user_sessions:"
)

type redisTicketStore struct {
	redis *redis.Client
	// retention 票据记录在存储中的保留时间（作为 key 的 TTL），
	// 远大于票据有效期，保证过期票据在被清扫前仍可读出并报告“已过期”
	retention time.Duration
}

// NewTicketStore 创建 Redis 票据存储
func NewTicketStore(redisClient *redis.Client, retention time.Duration) TicketStore {
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &redisTicketStore{
		redis:     redisClient,
		retention: retention,
	}
}

// Put 写入票据并挂到所属会话的索引上
func (s *redisTicketStore) Put(ctx context.Context, t *model.Ticket) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("序列化票据失败: %w", err)
	}

	key := ticketKeyPrefix + t.ID
	if err := s.redis.Set(ctx, key, data, s.retention).Err(); err != nil {
		return fmt.Errorf("存储票据失败: %w", err)
	}

	if t.SessionID != "" {
		indexKey := sessionTicketsPrefix + t.SessionID
		if err := s.redis.SAdd(ctx, indexKey, t.ID).Err(); err != nil {
			return fmt.Errorf("添加会话票据索引失败: %w", err)
		}
		// 索引比票据本身略晚过期
		s.redis.Expire(ctx, indexKey, s.retention+time.Hour)
	}

	return nil
}

// GetByID 读取票据
func (s *redisTicketStore) GetByID(ctx context.Context, id string) (*model.Ticket, error) {
	data, err := s.redis.Get(ctx, ticketKeyPrefix+id).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrTicketNotFound
		}
		return nil, fmt.Errorf("获取票据失败: %w", err)
	}

	var t model.Ticket
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("反序列化票据失败: %w", err)
	}
	return &t, nil
}

// MarkConsumed 原子消费票据
// 通过 SETNX 在独立的消费标记 key 上决出唯一赢家；随后对票据记录
// 本身的更新只是审计用途，输赢不依赖它。
func (s *redisTicketStore) MarkConsumed(ctx context.Context, id string) error {
	exists, err := s.redis.Exists(ctx, ticketKeyPrefix+id).Result()
	if err != nil {
		return fmt.Errorf("检查票据失败: %w", err)
	}
	if exists == 0 {
		return ErrTicketNotFound
	}

	ok, err := s.redis.SetNX(ctx, consumedKeyPrefix+id, time.Now().Unix(), s.retention).Result()
	if err != nil {
		return fmt.Errorf("消费票据失败: %w", err)
	}
	if !ok {
		return ErrTicketConsumed
	}

	// 赢家把消费状态写回票据记录
	t, err := s.GetByID(ctx, id)
	if err == nil {
		t.Consumed = true
		_ = s.Update(ctx, t)
	}
	return nil
}

// Update 覆盖写票据记录，保留原 TTL
func (s *redisTicketStore) Update(ctx context.Context, t *model.Ticket) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("序列化票据失败: %w", err)
	}
	return s.redis.Set(ctx, ticketKeyPrefix+t.ID, data, redis.KeepTTL).Err()
}

// Delete 删除票据及其消费标记
func (s *redisTicketStore) Delete(ctx context.Context, id string) error {
	t, err := s.GetByID(ctx, id)
	if err == nil && t.SessionID != "" {
		s.redis.SRem(ctx, sessionTicketsPrefix+t.SessionID, id)
	}
	if err := s.redis.Del(ctx, ticketKeyPrefix+id, consumedKeyPrefix+id).Err(); err != nil {
		return fmt.Errorf("删除票据失败: %w", err)
	}
	return nil
}

// FindBySession 列出会话名下的所有票据
func (s *redisTicketStore) FindBySession(ctx context.Context, sessionID string) ([]*model.Ticket, error) {
	ids, err := s.redis.SMembers(ctx, sessionTicketsPrefix+sessionID).Result()
	if err != nil {
		return nil, fmt.Errorf("获取会话票据索引失败: %w", err)
	}

	var tickets []*model.Ticket
	for _, id := range ids {
		t, err := s.GetByID(ctx, id)
		if err != nil {
			// 记录已被保留期 TTL 清掉，顺手修索引
			if errors.Is(err, ErrTicketNotFound) {
				s.redis.SRem(ctx, sessionTicketsPrefix+sessionID, id)
				continue
			}
			return nil, err
		}
		tickets = append(tickets, t)
	}
	return tickets, nil
}

// FindStaleBefore 扫描超出保留期的票据
// 尽力而为的全量扫描：票据在 now > ValidUntil 后即权威无效，
// 扫描只负责善后清理，不承担实时性保证。
func (s *redisTicketStore) FindStaleBefore(ctx context.Context, cutoff time.Time) ([]*model.Ticket, error) {
	var stale []*model.Ticket
	var cursor uint64
	for {
		keys, next, err := s.redis.Scan(ctx, cursor, ticketKeyPrefix+"*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("扫描票据失败: %w", err)
		}
		for _, key := range keys {
			data, err := s.redis.Get(ctx, key).Bytes()
			if err != nil {
				continue
			}
			var tk model.Ticket
			if err := json.Unmarshal(data, &tk); err != nil {
				continue
			}
			if tk.CreatedAt.Before(cutoff) {
				stale = append(stale, &tk)
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return stale, nil
}

// PutSession 写入会话
func (s *redisTicketStore) PutSession(ctx context.Context, sess *model.Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("序列化会话失败: %w", err)
	}
	if err := s.redis.Set(ctx, sessionKeyPrefix+sess.ID, data, s.retention).Err(); err != nil {
		return fmt.Errorf("存储会话失败: %w", err)
	}

	if sess.Username != "" {
		indexKey := userSessionsPrefix + sess.Username
		if err := s.redis.SAdd(ctx, indexKey, sess.ID).Err(); err != nil {
			return fmt.Errorf("添加用户会话索引失败: %w", err)
		}
		s.redis.Expire(ctx, indexKey, s.retention+time.Hour)
	}
	return nil
}

// FindSessionsByUsername 列出用户名下的会话
func (s *redisTicketStore) FindSessionsByUsername(ctx context.Context, username string) ([]*model.Session, error) {
	indexKey := userSessionsPrefix + username
	ids, err := s.redis.SMembers(ctx, indexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("获取用户会话索引失败: %w", err)
	}

	var sessions []*model.Session
	for _, id := range ids {
		sess, err := s.GetSession(ctx, id)
		if err != nil {
			if errors.Is(err, ErrSessionNotFound) {
				s.redis.SRem(ctx, indexKey, id)
				continue
			}
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, nil
}

// GetSession 读取会话
func (s *redisTicketStore) GetSession(ctx context.Context, id string) (*model.Session, error) {
	data, err := s.redis.Get(ctx, sessionKeyPrefix+id).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("获取会话失败: %w", err)
	}

	var sess model.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("反序列化会话失败: %w", err)
	}
	return &sess, nil
}

// CloseSession 原子关闭会话
// 关闭标记用 SETNX 决出唯一一次关闭，保证销毁会话引发的
// 票据枚举和登出通知恰好执行一次。
func (s *redisTicketStore) CloseSession(ctx context.Context, id string) (bool, error) {
	first, err := s.redis.SetNX(ctx, sessionClosedKeyPrefix+id, time.Now().Unix(), s.retention).Result()
	if err != nil {
		return false, fmt.Errorf("关闭会话失败: %w", err)
	}
	if !first {
		return false, nil
	}

	sess, err := s.GetSession(ctx, id)
	if err == nil {
		sess.Closed = true
		data, _ := json.Marshal(sess)
		s.redis.Set(ctx, sessionKeyPrefix+id, data, redis.KeepTTL)
	}
	return true, nil
}

// DeleteSession 删除会话及其票据索引
func (s *redisTicketStore) DeleteSession(ctx context.Context, id string) error {
	sess, err := s.GetSession(ctx, id)
	if err == nil && sess.Username != "" {
		s.redis.SRem(ctx, userSessionsPrefix+sess.Username, id)
	}
	keys := []string{
		sessionKeyPrefix + id,
		sessionClosedKeyPrefix + id,
		sessionTicketsPrefix + id,
	}
	if err := s.redis.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("删除会话失败: %w", err)
	}
	return nil
}
