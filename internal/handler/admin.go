package handler

import (
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/pu-ac-cn/cas-server/internal/model"
	"github.com/pu-ac-cn/cas-server/internal/repository"
	"github.com/pu-ac-cn/cas-server/internal/service"
	"github.com/pu-ac-cn/cas-server/pkg/response"
)

// AdminHandler 管理接口处理器
// 面向运维：查看用户的在线会话、强制下线（触发单点登出广播）、
// 维护服务白名单。
type AdminHandler struct {
	casService   *service.CASService
	tokenService service.TokenService
	userRepo     repository.UserRepository
	store        repository.TicketStore
	patterns     repository.ServicePatternRepository
}

// NewAdminHandler 创建管理接口处理器
func NewAdminHandler(
	casService *service.CASService,
	tokenService service.TokenService,
	userRepo repository.UserRepository,
	store repository.TicketStore,
	patterns repository.ServicePatternRepository,
) *AdminHandler {
	return &AdminHandler{
		casService:   casService,
		tokenService: tokenService,
		userRepo:     userRepo,
		store:        store,
		patterns:     patterns,
	}
}

// AdminLoginRequest 管理员登录请求
type AdminLoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// Login 管理员登录
// POST /api/v1/admin/login
// 校验 users 表里的管理员账号，签发访问令牌。
func (h *AdminHandler) Login(c *gin.Context) {
	var req AdminLoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ErrorWithMsg(c, response.CodeInvalidRequest, "参数错误: "+err.Error())
		return
	}

	user, err := h.userRepo.GetByUsername(c.Request.Context(), req.Username)
	if err != nil {
		response.Error(c, response.CodeInvalidCredentials)
		return
	}
	if !user.IsAdmin || !user.IsActive() {
		response.Error(c, response.CodeForbidden)
		return
	}
	if user.IsLocked() {
		response.Error(c, response.CodeAccountLocked)
		return
	}
	if !user.VerifyPassword(req.Password) {
		response.Error(c, response.CodeInvalidCredentials)
		return
	}

	token, err := h.tokenService.Generate(c.Request.Context(), user.Username)
	if err != nil {
		response.Error(c, response.CodeServerError)
		return
	}

	response.Success(c, gin.H{
		"access_token": token,
		"token_type":   "Bearer",
	})
}

// Logout 管理员登出（撤销当前令牌）
// POST /api/v1/admin/logout
func (h *AdminHandler) Logout(c *gin.Context) {
	authHeader := c.GetHeader("Authorization")
	if len(authHeader) > 7 {
		_ = h.tokenService.Revoke(c.Request.Context(), authHeader[7:])
	}
	response.Success(c, nil)
}

// ListSessions 列出用户的在线会话
// GET /api/v1/admin/users/:username/sessions
func (h *AdminHandler) ListSessions(c *gin.Context) {
	username := c.Param("username")
	if username == "" {
		response.Error(c, response.CodeMissingParam)
		return
	}

	sessions, err := h.store.FindSessionsByUsername(c.Request.Context(), username)
	if err != nil {
		response.Error(c, response.CodeServerError)
		return
	}
	response.Success(c, gin.H{
		"username": username,
		"sessions": sessions,
	})
}

// GetSession 查看会话及其名下票据
// GET /api/v1/admin/sessions/:id
func (h *AdminHandler) GetSession(c *gin.Context) {
	sessionID := c.Param("id")

	session, err := h.casService.Session(c.Request.Context(), sessionID)
	if err != nil {
		if errors.Is(err, service.ErrSessionNotFound) {
			response.Error(c, response.CodeSessionNotFound)
			return
		}
		response.Error(c, response.CodeServerError)
		return
	}

	tickets, err := h.store.FindBySession(c.Request.Context(), sessionID)
	if err != nil {
		response.Error(c, response.CodeServerError)
		return
	}

	response.Success(c, gin.H{
		"session": session,
		"tickets": tickets,
	})
}

// TerminateSession 强制终止会话
// DELETE /api/v1/admin/sessions/:id
// 撤销全部票据并广播单点登出，返回每个服务的投递结果。
func (h *AdminHandler) TerminateSession(c *gin.Context) {
	sessionID := c.Param("id")

	report, err := h.casService.Terminate(c.Request.Context(), sessionID)
	if err != nil {
		response.Error(c, response.CodeServerError)
		return
	}
	response.Success(c, report)
}

// PatternRequest 服务白名单规则
type PatternRequest struct {
	Pattern      string `json:"pattern" binding:"required"`
	Enabled      bool   `json:"enabled"`
	AllowProxy   bool   `json:"allow_proxy"`
	SingleLogOut bool   `json:"single_log_out"`
	Position     int    `json:"position"`
}

// ListPatterns 列出服务白名单
// GET /api/v1/admin/patterns
func (h *AdminHandler) ListPatterns(c *gin.Context) {
	if h.patterns == nil {
		response.Error(c, response.CodeUnavailable)
		return
	}
	patterns, err := h.patterns.ListEnabled(c.Request.Context())
	if err != nil {
		response.Error(c, response.CodeServerError)
		return
	}
	response.Success(c, patterns)
}

// CreatePattern 新增服务白名单规则
// POST /api/v1/admin/patterns
func (h *AdminHandler) CreatePattern(c *gin.Context) {
	if h.patterns == nil {
		response.Error(c, response.CodeUnavailable)
		return
	}

	var req PatternRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ErrorWithMsg(c, response.CodeInvalidRequest, "参数错误: "+err.Error())
		return
	}

	pattern := &model.ServicePattern{
		Pattern:      req.Pattern,
		Enabled:      req.Enabled,
		AllowProxy:   req.AllowProxy,
		SingleLogOut: req.SingleLogOut,
		Position:     req.Position,
	}
	if err := h.patterns.Create(c.Request.Context(), pattern); err != nil {
		response.ErrorWithMsg(c, response.CodeInvalidRequest, err.Error())
		return
	}
	response.Success(c, pattern)
}

// DeletePattern 删除服务白名单规则
// DELETE /api/v1/admin/patterns/:id
func (h *AdminHandler) DeletePattern(c *gin.Context) {
	if h.patterns == nil {
		response.Error(c, response.CodeUnavailable)
		return
	}
	if err := h.patterns.Delete(c.Request.Context(), c.Param("id")); err != nil {
		if errors.Is(err, repository.ErrServicePatternNotFound) {
			response.Error(c, response.CodePatternNotFound)
			return
		}
		response.Error(c, response.CodeServerError)
		return
	}
	response.Success(c, nil)
}
