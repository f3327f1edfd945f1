package service

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pu-ac-cn/cas-server/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDispatcher(t *testing.T, width int, timeout time.Duration) *SLODispatcher {
	t.Helper()
	d := NewSLODispatcher(&config.SLOConfig{
		MaxParallelRequests: width,
		Timeout:             timeout,
	}, nil)
	t.Cleanup(d.Close)
	return d
}

func TestSLODispatcher_Deliver(t *testing.T) {
	var gotBody string
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		mu.Lock()
		gotBody = r.PostFormValue("logoutRequest")
		mu.Unlock()
	}))
	defer srv.Close()

	d := newTestDispatcher(t, 2, 2*time.Second)
	report, err := d.Notify(context.Background(), "sess-1", []LogoutNotice{
		{ServiceURL: srv.URL, TicketID: "ST-abc"},
	})
	require.NoError(t, err)

	require.Len(t, report.Results, 1)
	assert.Equal(t, StatusDelivered, report.Results[0].Status)
	assert.Equal(t, srv.URL, report.Results[0].ServiceURL)
	assert.Equal(t, 1, report.Delivered())

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, gotBody, "ST-abc")
	assert.Contains(t, gotBody, "samlp:LogoutRequest")
}

func TestSLODispatcher_EmptySet(t *testing.T) {
	d := newTestDispatcher(t, 2, time.Second)

	report, err := d.Notify(context.Background(), "sess-1", nil)
	require.NoError(t, err)
	assert.Empty(t, report.Results)
}

func TestSLODispatcher_InvalidURL(t *testing.T) {
	d := newTestDispatcher(t, 2, time.Second)

	_, err := d.Notify(context.Background(), "sess-1", []LogoutNotice{
		{ServiceURL: "https://ok.example/", TicketID: "ST-1"},
		{ServiceURL: "not a url", TicketID: "ST-2"},
	})
	assert.ErrorIs(t, err, ErrInvalidNoticeSet)
}

// 通知数超过并发上限时全部完成，且同时在途的请求数不超过上限
func TestSLODispatcher_BoundedConcurrency(t *testing.T) {
	const width = 3
	const total = 12

	var inFlight, peak int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cur := atomic.AddInt64(&inFlight, 1)
		for {
			old := atomic.LoadInt64(&peak)
			if cur <= old || atomic.CompareAndSwapInt64(&peak, old, cur) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		atomic.AddInt64(&inFlight, -1)
	}))
	defer srv.Close()

	d := newTestDispatcher(t, width, 5*time.Second)

	notices := make([]LogoutNotice, total)
	for i := range notices {
		notices[i] = LogoutNotice{ServiceURL: srv.URL, TicketID: "ST-n"}
	}
	report, err := d.Notify(context.Background(), "sess-1", notices)
	require.NoError(t, err)

	assert.Equal(t, total, report.Delivered())
	assert.LessOrEqual(t, atomic.LoadInt64(&peak), int64(width))
}

// 一个挂死的服务只吃掉自己的超时，不拖慢其它通知
func TestSLODispatcher_SlowServiceIsolated(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(5 * time.Second):
		case <-r.Context().Done():
		}
	}))
	defer slow.Close()
	fast := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer fast.Close()

	d := newTestDispatcher(t, 4, 300*time.Millisecond)

	start := time.Now()
	report, err := d.Notify(context.Background(), "sess-1", []LogoutNotice{
		{ServiceURL: slow.URL, TicketID: "ST-slow"},
		{ServiceURL: fast.URL, TicketID: "ST-fast-1"},
		{ServiceURL: fast.URL, TicketID: "ST-fast-2"},
	})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)

	byTicket := make(map[string]DispatchStatus)
	for _, res := range report.Results {
		byTicket[res.TicketID] = res.Status
	}
	assert.Equal(t, StatusTimedOut, byTicket["ST-slow"])
	assert.Equal(t, StatusDelivered, byTicket["ST-fast-1"])
	assert.Equal(t, StatusDelivered, byTicket["ST-fast-2"])
}

func TestSLODispatcher_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	d := newTestDispatcher(t, 2, time.Second)
	report, err := d.Notify(context.Background(), "sess-1", []LogoutNotice{
		{ServiceURL: srv.URL, TicketID: "ST-1"},
	})
	require.NoError(t, err)

	require.Len(t, report.Results, 1)
	assert.Equal(t, StatusFailed, report.Results[0].Status)
	assert.Contains(t, report.Results[0].Error, "500")
}

func TestSLODispatcher_ConnectionRefused(t *testing.T) {
	// 提前关掉的服务器，端口必然拒绝连接
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	dead := srv.URL
	srv.Close()

	d := newTestDispatcher(t, 2, time.Second)
	report, err := d.Notify(context.Background(), "sess-1", []LogoutNotice{
		{ServiceURL: dead, TicketID: "ST-1"},
	})
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, report.Results[0].Status)
}

// 不同会话的 Notify 可以并发调用，结果互不串线
func TestSLODispatcher_ConcurrentSessions(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	d := newTestDispatcher(t, 4, 2*time.Second)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			sessionID := "sess-" + strings.Repeat("x", n+1)
			report, err := d.Notify(context.Background(), sessionID, []LogoutNotice{
				{ServiceURL: srv.URL, TicketID: "ST-a"},
				{ServiceURL: srv.URL, TicketID: "ST-b"},
			})
			assert.NoError(t, err)
			assert.Equal(t, sessionID, report.SessionID)
			assert.Equal(t, 2, report.Delivered())
		}(i)
	}
	wg.Wait()
}
