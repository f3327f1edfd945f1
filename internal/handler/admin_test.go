package handler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/pu-ac-cn/cas-server/internal/auth"
	"github.com/pu-ac-cn/cas-server/internal/config"
	"github.com/pu-ac-cn/cas-server/internal/repository"
	"github.com/pu-ac-cn/cas-server/internal/service"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type adminTestEnv struct {
	router *gin.Engine
	svc    *service.CASService
}

// 管理接口测试环境：状态机 + 令牌服务，不挂数据库
func setupAdminRouter(t *testing.T) *adminTestEnv {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	casCfg := &config.CASConfig{
		TicketValidity:   time.Minute,
		PGTValidity:      time.Hour,
		TicketRetention:  24 * time.Hour,
		TicketLen:        64,
		AllowAllServices: true,
	}

	factory, err := service.NewTicketFactory(casCfg)
	require.NoError(t, err)
	backend := auth.NewStaticBackend(&config.TestAuthConfig{Username: "test", Password: "test"})
	dispatcher := service.NewSLODispatcher(&config.SLOConfig{MaxParallelRequests: 2, Timeout: time.Second}, nil)
	t.Cleanup(dispatcher.Close)

	store := repository.NewTicketStore(client, casCfg.TicketRetention)
	svc, err := service.NewCASService(store, factory, backend, dispatcher, nil, casCfg, nil)
	require.NoError(t, err)

	tokenSvc, err := service.NewTokenService(&config.AdminConfig{
		Issuer:      "test-issuer",
		TokenExpiry: time.Minute,
		KeyBits:     2048,
	}, client)
	require.NoError(t, err)

	h := NewAdminHandler(svc, tokenSvc, nil, store, nil)
	router := gin.New()
	api := router.Group("/api/v1/admin")
	{
		api.GET("/users/:username/sessions", h.ListSessions)
		api.GET("/sessions/:id", h.GetSession)
		api.DELETE("/sessions/:id", h.TerminateSession)
	}
	return &adminTestEnv{router: router, svc: svc}
}

func TestAdminHandler_ListSessions(t *testing.T) {
	env := setupAdminRouter(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, _, err := env.svc.Login(ctx, "test", "test")
		require.NoError(t, err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/admin/users/test/sessions", nil)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"username":"test"`)
}

func TestAdminHandler_GetSession(t *testing.T) {
	env := setupAdminRouter(t)
	ctx := context.Background()

	session, lt, err := env.svc.Login(ctx, "test", "test")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/admin/sessions/"+session.ID, nil)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), session.ID)
	assert.Contains(t, w.Body.String(), lt.ID)
}

func TestAdminHandler_GetSession_NotFound(t *testing.T) {
	env := setupAdminRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/admin/sessions/nope", nil)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAdminHandler_TerminateSession(t *testing.T) {
	env := setupAdminRouter(t)
	ctx := context.Background()

	app := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer app.Close()

	session, _, err := env.svc.Login(ctx, "test", "test")
	require.NoError(t, err)
	st, err := env.svc.GrantServiceBySession(ctx, session.ID, app.URL)
	require.NoError(t, err)
	_, err = env.svc.ValidateService(ctx, st.ID, app.URL)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/admin/sessions/"+session.ID, nil)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "delivered")

	// 强制下线后会话关闭
	_, err = env.svc.GrantServiceBySession(ctx, session.ID, app.URL)
	assert.ErrorIs(t, err, service.ErrSessionClosed)
}
