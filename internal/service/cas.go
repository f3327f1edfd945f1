package service

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/pu-ac-cn/cas-server/internal/auth"
	"github.com/pu-ac-cn/cas-server/internal/config"
	"github.com/pu-ac-cn/cas-server/internal/model"
	"github.com/pu-ac-cn/cas-server/internal/repository"
	"go.uber.org/zap"
)

// 票据状态机相关错误
// 调用方必须能区分“过期”“已被使用”“从未存在”这几种失败，
// 协议语义对它们的处理各不相同。
var (
	ErrAuthenticationFailed = errors.New("认证失败")
	ErrTicketNotFound       = errors.New("票据不存在")
	ErrTicketExpired        = errors.New("票据已过期")
	ErrTicketConsumed       = errors.New("票据已被使用")
	ErrTicketRevoked        = errors.New("票据已被撤销")
	ErrServiceMismatch      = errors.New("服务不匹配")
	ErrServiceNotAllowed    = errors.New("服务不在白名单内")
	ErrProxyNotAllowed      = errors.New("服务无代理权限")
	ErrProxyCallbackFailed  = errors.New("代理回调投递失败")
	ErrSessionNotFound      = errors.New("会话不存在")
	ErrSessionClosed        = errors.New("会话已关闭")
)

// ValidationResult 票据校验成功的结果
type ValidationResult struct {
	Ticket     *model.Ticket
	Username   string
	Attributes model.Attributes
	// Proxies 代理链上各级 PGT 的回调地址，最近的在前
	Proxies []string
}

// CASService 会话与票据状态机
//
// 串起认证网关、票据工厂、票据存储和登出分发器：签发 LT/ST/PGT/PT，
// 维护会话到票据的从属关系，会话销毁时枚举全部子孙票据并触发
// 单点登出广播。
type CASService struct {
	store      repository.TicketStore
	factory    *TicketFactory
	backend    auth.Backend
	dispatcher *SLODispatcher
	// patterns 为 nil 或 cfg.AllowAllServices 为 true 时不做白名单检查
	patterns repository.ServicePatternRepository

	cfg         *config.CASConfig
	proxyClient *http.Client
	logger      *zap.Logger
}

// NewCASService 创建状态机
func NewCASService(
	store repository.TicketStore,
	factory *TicketFactory,
	backend auth.Backend,
	dispatcher *SLODispatcher,
	patterns repository.ServicePatternRepository,
	cfg *config.CASConfig,
	logger *zap.Logger,
) (*CASService, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	proxyClient, err := newProxyClient(cfg)
	if err != nil {
		return nil, err
	}

	return &CASService{
		store:       store,
		factory:     factory,
		backend:     backend,
		dispatcher:  dispatcher,
		patterns:    patterns,
		cfg:         cfg,
		proxyClient: proxyClient,
		logger:      logger,
	}, nil
}

// newProxyClient 构造 PGT 回调投递用的 HTTP 客户端
func newProxyClient(cfg *config.CASConfig) (*http.Client, error) {
	timeout := cfg.ProxyCallbackTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	client := &http.Client{Timeout: timeout}

	if cfg.ProxyCACertPath != "" {
		pem, err := os.ReadFile(cfg.ProxyCACertPath)
		if err != nil {
			return nil, fmt.Errorf("配置错误: 读取代理回调 CA 证书失败: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("配置错误: 代理回调 CA 证书无法解析")
		}
		client.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{RootCAs: pool},
		}
	}
	return client, nil
}

// Login 校验凭据并建立单点登录会话
// 认证失败不签发任何票据；成功时返回新会话和一张一次性 LT。
func (s *CASService) Login(ctx context.Context, username, password string) (*model.Session, *model.Ticket, error) {
	result, err := s.backend.CheckCredentials(ctx, username, password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) ||
			errors.Is(err, auth.ErrAccountLocked) ||
			errors.Is(err, auth.ErrAccountDisabled) {
			return nil, nil, fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
		}
		return nil, nil, err
	}

	session := &model.Session{
		ID:         uuid.New().String(),
		Username:   result.Username,
		Attributes: result.Attributes,
		AuthScheme: result.Scheme,
		CreatedAt:  time.Now(),
	}
	if err := s.store.PutSession(ctx, session); err != nil {
		return nil, nil, err
	}

	lt, err := s.factory.Issue(model.KindLoginTicket, session.ID, "")
	if err != nil {
		return nil, nil, err
	}
	if err := s.store.Put(ctx, lt); err != nil {
		return nil, nil, err
	}

	s.logger.Info("登录成功",
		zap.String("username", result.Username),
		zap.String("session_id", session.ID),
		zap.String("auth_backend", s.backend.Name()),
		zap.String("auth_scheme", result.Scheme),
	)
	return session, lt, nil
}

// GrantService 用 LT 兑换绑定到服务的 ST
// LT 一次性：重复出示返回 ErrTicketConsumed。
func (s *CASService) GrantService(ctx context.Context, ltID, serviceURL string) (*model.Ticket, error) {
	if _, err := s.checkServiceAllowed(ctx, serviceURL); err != nil {
		return nil, err
	}

	lt, err := s.consume(ctx, ltID, model.KindLoginTicket)
	if err != nil {
		return nil, err
	}

	return s.issueServiceTicket(ctx, lt.SessionID, serviceURL, model.KindServiceTicket, "")
}

// GrantServiceBySession 为已建立的会话再签发一张 ST
// 单点登录的核心路径：同一会话向任意多个服务各发一张票。
func (s *CASService) GrantServiceBySession(ctx context.Context, sessionID, serviceURL string) (*model.Ticket, error) {
	if _, err := s.checkServiceAllowed(ctx, serviceURL); err != nil {
		return nil, err
	}

	session, err := s.getOpenSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	return s.issueServiceTicket(ctx, session.ID, serviceURL, model.KindServiceTicket, "")
}

// ValidateService 校验并消费一张 ST
// 失败时区分过期 / 已使用 / 不存在 / 服务不匹配。票据一旦进入
// 校验即被消费：服务不匹配也不退回。
func (s *CASService) ValidateService(ctx context.Context, stID, serviceURL string) (*ValidationResult, error) {
	return s.validate(ctx, stID, serviceURL, model.KindServiceTicket)
}

// ValidateProxy 校验并消费一张 PT，并补充代理链信息
func (s *CASService) ValidateProxy(ctx context.Context, ptID, serviceURL string) (*ValidationResult, error) {
	return s.validate(ctx, ptID, serviceURL, model.KindProxyTicket)
}

// GrantProxyGranting 基于刚校验过的 ST/PT 签发 PGT
// 同步只返回 IOU；真正的 PGT 值通过对 callbackURL 的带外回调送达。
// 回调失败时 PGT 作废，但不影响已经完成的 ST/PT 校验。
func (s *CASService) GrantProxyGranting(ctx context.Context, validated *model.Ticket, callbackURL string) (*model.Ticket, string, error) {
	if validated == nil ||
		(validated.Kind != model.KindServiceTicket && validated.Kind != model.KindProxyTicket) {
		return nil, "", fmt.Errorf("%w: 只有 ST/PT 能申请 PGT", ErrProxyNotAllowed)
	}

	pattern, err := s.checkServiceAllowed(ctx, validated.ServiceURL)
	if err != nil {
		return nil, "", err
	}
	if pattern != nil && !pattern.AllowProxy {
		return nil, "", ErrProxyNotAllowed
	}

	u, err := url.Parse(callbackURL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, "", fmt.Errorf("%w: 回调地址非法", ErrProxyCallbackFailed)
	}

	pgt, err := s.factory.Issue(model.KindProxyGrantingTicket, validated.SessionID, validated.ServiceURL)
	if err != nil {
		return nil, "", err
	}
	iou, err := s.factory.NewIOU()
	if err != nil {
		return nil, "", err
	}
	pgt.CallbackURL = callbackURL
	pgt.IOU = iou
	pgt.ParentID = validated.ID

	if err := s.store.Put(ctx, pgt); err != nil {
		return nil, "", err
	}

	// 带外投递真正的 PGT 值
	if err := s.deliverPGT(ctx, callbackURL, pgt.ID, iou); err != nil {
		_ = s.store.Delete(ctx, pgt.ID)
		s.logger.Warn("PGT 回调投递失败，票据作废",
			zap.String("callback", callbackURL),
			zap.Error(err),
		)
		return nil, "", fmt.Errorf("%w: %v", ErrProxyCallbackFailed, err)
	}

	return pgt, iou, nil
}

// deliverPGT 把 pgtId/pgtIou 送到服务的回调地址
func (s *CASService) deliverPGT(ctx context.Context, callbackURL, pgtID, iou string) error {
	u, err := url.Parse(callbackURL)
	if err != nil {
		return err
	}
	q := u.Query()
	q.Set("pgtId", pgtID)
	q.Set("pgtIou", iou)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return err
	}
	resp, err := s.proxyClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("回调返回 %d", resp.StatusCode)
	}
	return nil
}

// GrantProxy 用 PGT 为后端服务签发 PT
// PGT 必须在签发时刻仍然有效：已撤销或过期分别报 ErrTicketRevoked /
// ErrTicketExpired。已发出的 PT 不受 PGT 之后失效的影响。
func (s *CASService) GrantProxy(ctx context.Context, pgtID, targetServiceURL string) (*model.Ticket, error) {
	if _, err := s.checkServiceAllowed(ctx, targetServiceURL); err != nil {
		return nil, err
	}

	pgt, err := s.store.GetByID(ctx, pgtID)
	if err != nil {
		if errors.Is(err, repository.ErrTicketNotFound) {
			return nil, ErrTicketNotFound
		}
		return nil, err
	}
	if pgt.Kind != model.KindProxyGrantingTicket {
		return nil, ErrTicketNotFound
	}
	if pgt.IsExpired() {
		return nil, ErrTicketExpired
	}
	if pgt.Revoked {
		return nil, ErrTicketRevoked
	}
	// 所属会话已终止时 PGT 同样不可用
	if _, err := s.getOpenSession(ctx, pgt.SessionID); err != nil {
		return nil, ErrTicketRevoked
	}

	return s.issueServiceTicket(ctx, pgt.SessionID, targetServiceURL, model.KindProxyTicket, pgt.ID)
}

// Terminate 终止会话
// 恰好一次地枚举会话名下全部票据（含代理链上的 PT），全部转为
// 已撤销，并向每个去重后的服务地址广播登出通知。重复终止是
// 空操作，返回空报告。
func (s *CASService) Terminate(ctx context.Context, sessionID string) (*DispatchReport, error) {
	first, err := s.store.CloseSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !first {
		return &DispatchReport{SessionID: sessionID}, nil
	}

	tickets, err := s.store.FindBySession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	var notices []LogoutNotice
	seen := make(map[string]bool)

	for _, t := range tickets {
		if !t.Revoked {
			t.Revoked = true
			t.RevokedAt = &now
			if err := s.store.Update(ctx, t); err != nil {
				s.logger.Warn("撤销票据失败",
					zap.String("ticket_id", t.ID),
					zap.Error(err),
				)
			}
		}

		// 只有实际建立过服务会话（ST 已被验证）的服务才欠一条登出通知，
		// 同一服务只通知一次
		if t.Kind != model.KindServiceTicket || !t.Consumed || t.ServiceURL == "" {
			continue
		}
		if seen[t.ServiceURL] {
			continue
		}
		if !s.wantsSingleLogOut(ctx, t.ServiceURL) {
			continue
		}
		seen[t.ServiceURL] = true
		notices = append(notices, LogoutNotice{
			ServiceURL: t.ServiceURL,
			TicketID:   t.ID,
		})
	}

	s.logger.Info("会话终止",
		zap.String("session_id", sessionID),
		zap.Int("tickets", len(tickets)),
		zap.Int("slo_targets", len(notices)),
	)

	return s.dispatcher.Notify(ctx, sessionID, notices)
}

// TerminateByUsername 终止某用户名下与给定会话列表匹配的会话
// 管理接口使用；每个会话独立出报告。
func (s *CASService) TerminateByUsername(ctx context.Context, sessionIDs []string) ([]*DispatchReport, error) {
	var reports []*DispatchReport
	for _, id := range sessionIDs {
		report, err := s.Terminate(ctx, id)
		if err != nil {
			return reports, err
		}
		reports = append(reports, report)
	}
	return reports, nil
}

// Sweep 清理扫描
// 删除创建时间早于票据保留期的记录；有效期刚过但仍在保留期内的
// 票据不动，会话终止时的登出通知还要用到它们。超出保留期的已消费
// ST 说明会话是自然超时结束的，对应服务补发登出通知。返回删除
// 数量与各会话的通知报告。
func (s *CASService) Sweep(ctx context.Context, now time.Time) (int, []*DispatchReport, error) {
	stale, err := s.store.FindStaleBefore(ctx, now.Add(-s.cfg.TicketRetention))
	if err != nil {
		return 0, nil, err
	}

	// 按会话聚合欠下的登出通知
	owed := make(map[string][]LogoutNotice)
	seen := make(map[string]map[string]bool)
	for _, t := range stale {
		if t.Kind != model.KindServiceTicket || !t.Consumed || t.Revoked || t.ServiceURL == "" {
			continue
		}
		if seen[t.SessionID] == nil {
			seen[t.SessionID] = make(map[string]bool)
		}
		if seen[t.SessionID][t.ServiceURL] {
			continue
		}
		if !s.wantsSingleLogOut(ctx, t.ServiceURL) {
			continue
		}
		seen[t.SessionID][t.ServiceURL] = true
		owed[t.SessionID] = append(owed[t.SessionID], LogoutNotice{
			ServiceURL: t.ServiceURL,
			TicketID:   t.ID,
		})
	}

	var reports []*DispatchReport
	for sessionID, notices := range owed {
		report, err := s.dispatcher.Notify(ctx, sessionID, notices)
		if err != nil {
			s.logger.Warn("清理扫描的登出通知失败",
				zap.String("session_id", sessionID),
				zap.Error(err),
			)
			continue
		}
		reports = append(reports, report)
	}

	deleted := 0
	for _, t := range stale {
		if err := s.store.Delete(ctx, t.ID); err != nil {
			s.logger.Warn("删除过期票据失败",
				zap.String("ticket_id", t.ID),
				zap.Error(err),
			)
			continue
		}
		deleted++
	}

	if deleted > 0 {
		s.logger.Info("清理扫描完成",
			zap.Int("deleted", deleted),
			zap.Int("slo_sessions", len(reports)),
		)
	}
	return deleted, reports, nil
}

// Session 读取会话
func (s *CASService) Session(ctx context.Context, sessionID string) (*model.Session, error) {
	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, repository.ErrSessionNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	return session, nil
}

// validate 校验并消费一张一次性票据
// 检查顺序：存在 → 未过期 → 未撤销 → 原子消费 → 服务匹配。
// 过期优先于消费状态上报；消费在服务匹配之前发生，因此服务
// 不匹配的票据也随之作废。
func (s *CASService) validate(ctx context.Context, ticketID, serviceURL string, kind model.Kind) (*ValidationResult, error) {
	t, err := s.store.GetByID(ctx, ticketID)
	if err != nil {
		if errors.Is(err, repository.ErrTicketNotFound) {
			return nil, ErrTicketNotFound
		}
		return nil, err
	}
	if t.Kind != kind {
		return nil, ErrTicketNotFound
	}
	if t.IsExpired() {
		return nil, ErrTicketExpired
	}
	if t.Revoked {
		return nil, ErrTicketRevoked
	}

	if err := s.store.MarkConsumed(ctx, ticketID); err != nil {
		if errors.Is(err, repository.ErrTicketConsumed) {
			return nil, ErrTicketConsumed
		}
		if errors.Is(err, repository.ErrTicketNotFound) {
			return nil, ErrTicketNotFound
		}
		return nil, err
	}
	t.Consumed = true

	if t.ServiceURL != serviceURL {
		return nil, ErrServiceMismatch
	}

	session, err := s.store.GetSession(ctx, t.SessionID)
	if err != nil {
		if errors.Is(err, repository.ErrSessionNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}

	result := &ValidationResult{
		Ticket:     t,
		Username:   session.Username,
		Attributes: session.Attributes,
	}
	if kind == model.KindProxyTicket {
		result.Proxies = s.proxyChain(ctx, t)
	}
	return result, nil
}

// proxyChain 沿 PT → PGT → 上级 PT … 回溯代理链
func (s *CASService) proxyChain(ctx context.Context, pt *model.Ticket) []string {
	var chain []string
	cur := pt
	for depth := 0; depth < 16; depth++ {
		if cur.ParentID == "" {
			break
		}
		parent, err := s.store.GetByID(ctx, cur.ParentID)
		if err != nil {
			break
		}
		if parent.Kind == model.KindProxyGrantingTicket {
			chain = append(chain, parent.CallbackURL)
		}
		cur = parent
	}
	return chain
}

// consume 消费一张一次性票据（校验流程之外的兑换路径，如 LT → ST）
func (s *CASService) consume(ctx context.Context, ticketID string, kind model.Kind) (*model.Ticket, error) {
	t, err := s.store.GetByID(ctx, ticketID)
	if err != nil {
		if errors.Is(err, repository.ErrTicketNotFound) {
			return nil, ErrTicketNotFound
		}
		return nil, err
	}
	if t.Kind != kind {
		return nil, ErrTicketNotFound
	}
	if t.IsExpired() {
		return nil, ErrTicketExpired
	}
	if t.Revoked {
		return nil, ErrTicketRevoked
	}

	if err := s.store.MarkConsumed(ctx, ticketID); err != nil {
		if errors.Is(err, repository.ErrTicketConsumed) {
			return nil, ErrTicketConsumed
		}
		return nil, err
	}
	t.Consumed = true
	return t, nil
}

// issueServiceTicket 签发 ST/PT 并入库
func (s *CASService) issueServiceTicket(ctx context.Context, sessionID, serviceURL string, kind model.Kind, parentID string) (*model.Ticket, error) {
	t, err := s.factory.Issue(kind, sessionID, serviceURL)
	if err != nil {
		return nil, err
	}
	t.ParentID = parentID
	if err := s.store.Put(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// getOpenSession 读取未关闭的会话
func (s *CASService) getOpenSession(ctx context.Context, sessionID string) (*model.Session, error) {
	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, repository.ErrSessionNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	if session.Closed {
		return nil, ErrSessionClosed
	}
	return session, nil
}

// checkServiceAllowed 服务白名单检查
// 返回匹配的规则（开放模式下为 nil）。
func (s *CASService) checkServiceAllowed(ctx context.Context, serviceURL string) (*model.ServicePattern, error) {
	if serviceURL == "" {
		return nil, ErrServiceMismatch
	}
	if s.cfg.AllowAllServices || s.patterns == nil {
		return nil, nil
	}
	pattern, err := s.patterns.FindMatching(ctx, serviceURL)
	if err != nil {
		if errors.Is(err, repository.ErrServicePatternNotFound) {
			return nil, ErrServiceNotAllowed
		}
		return nil, err
	}
	return pattern, nil
}

// wantsSingleLogOut 该服务是否接收登出通知
func (s *CASService) wantsSingleLogOut(ctx context.Context, serviceURL string) bool {
	if s.cfg.AllowAllServices || s.patterns == nil {
		return true
	}
	pattern, err := s.patterns.FindMatching(ctx, serviceURL)
	if err != nil {
		return true
	}
	return pattern.SingleLogOut
}
