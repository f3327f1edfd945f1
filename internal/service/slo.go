package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/pu-ac-cn/cas-server/internal/config"
	"github.com/pu-ac-cn/cas-server/pkg/casxml"
	"go.uber.org/zap"
)

// DispatchStatus 单条登出通知的投递结果
type DispatchStatus string

const (
	StatusDelivered DispatchStatus = "delivered" // 已送达
	StatusTimedOut  DispatchStatus = "timed_out" // 超时
	StatusFailed    DispatchStatus = "failed"    // 传输失败或对端报错
)

// LogoutNotice 一条待发送的登出通知
// TicketID 是当初签发给该服务的 ST，接收方据此销毁本地会话。
type LogoutNotice struct {
	ServiceURL string
	TicketID   string
}

// DispatchResult 单个服务的投递结果
type DispatchResult struct {
	ServiceURL string         `json:"service_url"`
	TicketID   string         `json:"ticket_id"`
	Status     DispatchStatus `json:"status"`
	Error      string         `json:"error,omitempty"`
	Duration   time.Duration  `json:"duration"`
}

// DispatchReport 一次会话终止的全部投递结果
// 部分失败不是错误：每个 URL 的结局单独记录，调用方按需观察。
type DispatchReport struct {
	SessionID string           `json:"session_id"`
	Results   []DispatchResult `json:"results"`
}

// Delivered 统计送达数量
func (r *DispatchReport) Delivered() int {
	n := 0
	for _, res := range r.Results {
		if res.Status == StatusDelivered {
			n++
		}
	}
	return n
}

// ErrInvalidNoticeSet 通知集合本身非法（而非投递失败）
var ErrInvalidNoticeSet = errors.New("登出通知集合非法")

// SLODispatcher 单点登出通知分发器
//
// 固定宽度的工作池从队列取任务并发投递，超出并发上限的请求
// 按先进先出排队。每次投递有独立超时，单个慢服务只拖慢自己；
// 不同会话可并发调用 Notify，互不干扰。
type SLODispatcher struct {
	jobs    chan *sloJob
	client  *http.Client
	timeout time.Duration
	logger  *zap.Logger

	workers   sync.WaitGroup
	closeOnce sync.Once
}

type sloJob struct {
	ctx       context.Context
	sessionID string
	notice    LogoutNotice
	result    *DispatchResult
	done      *sync.WaitGroup
}

// NewSLODispatcher 创建并启动分发器
func NewSLODispatcher(cfg *config.SLOConfig, logger *zap.Logger) *SLODispatcher {
	width := cfg.MaxParallelRequests
	if width < 1 {
		width = 1
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	d := &SLODispatcher{
		jobs:    make(chan *sloJob, width*4),
		client:  &http.Client{Timeout: timeout},
		timeout: timeout,
		logger:  logger,
	}

	d.workers.Add(width)
	for i := 0; i < width; i++ {
		go d.worker()
	}
	return d
}

// Notify 向一组服务发送登出通知并等待全部完成
// 只在通知集合本身非法时返回错误；投递层面的失败都进报告。
func (d *SLODispatcher) Notify(ctx context.Context, sessionID string, notices []LogoutNotice) (*DispatchReport, error) {
	report := &DispatchReport{SessionID: sessionID}
	if len(notices) == 0 {
		return report, nil
	}

	// 先整体校验，有非法地址时整次调用拒绝
	for _, n := range notices {
		u, err := url.Parse(n.ServiceURL)
		if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
			return nil, fmt.Errorf("%w: %q", ErrInvalidNoticeSet, n.ServiceURL)
		}
	}

	report.Results = make([]DispatchResult, len(notices))
	var done sync.WaitGroup
	done.Add(len(notices))

	for i, n := range notices {
		report.Results[i] = DispatchResult{
			ServiceURL: n.ServiceURL,
			TicketID:   n.TicketID,
		}
		d.jobs <- &sloJob{
			ctx:       ctx,
			sessionID: sessionID,
			notice:    n,
			result:    &report.Results[i],
			done:      &done,
		}
	}

	done.Wait()
	return report, nil
}

// Close 停止分发器并等待工作池退出
func (d *SLODispatcher) Close() {
	d.closeOnce.Do(func() {
		close(d.jobs)
	})
	d.workers.Wait()
}

func (d *SLODispatcher) worker() {
	defer d.workers.Done()
	for job := range d.jobs {
		d.deliver(job)
		job.done.Done()
	}
}

// deliver 投递一条登出通知
// 每条通知独立超时，取消或失败不影响其它任务。
func (d *SLODispatcher) deliver(job *sloJob) {
	ctx, cancel := context.WithTimeout(job.ctx, d.timeout)
	defer cancel()

	start := time.Now()
	body := url.Values{
		"logoutRequest": {casxml.LogoutRequest(job.notice.TicketID, start)},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		job.notice.ServiceURL, strings.NewReader(body.Encode()))
	if err != nil {
		job.result.Status = StatusFailed
		job.result.Error = err.Error()
		job.result.Duration = time.Since(start)
		return
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := d.client.Do(req)
	job.result.Duration = time.Since(start)

	if err != nil {
		if isTimeout(ctx, err) {
			job.result.Status = StatusTimedOut
		} else {
			job.result.Status = StatusFailed
		}
		job.result.Error = err.Error()
		d.logger.Warn("登出通知投递失败",
			zap.String("session_id", job.sessionID),
			zap.String("service", job.notice.ServiceURL),
			zap.String("status", string(job.result.Status)),
			zap.Error(err),
		)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		job.result.Status = StatusFailed
		job.result.Error = fmt.Sprintf("对端返回 %d", resp.StatusCode)
		return
	}

	job.result.Status = StatusDelivered
	d.logger.Debug("登出通知已送达",
		zap.String("session_id", job.sessionID),
		zap.String("service", job.notice.ServiceURL),
		zap.Duration("duration", job.result.Duration),
	)
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	var netErr interface{ Timeout() bool }
	return errors.As(err, &netErr) && netErr.Timeout()
}
