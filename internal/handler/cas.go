// Package handler HTTP 处理器
package handler

import (
	"encoding/xml"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/pu-ac-cn/cas-server/internal/config"
	"github.com/pu-ac-cn/cas-server/internal/service"
	"github.com/pu-ac-cn/cas-server/pkg/casxml"
	"github.com/pu-ac-cn/cas-server/pkg/response"
)

// 单点登录会话 Cookie 名（协议里的 TGC）
const sessionCookieName = "CASTGC"

// CASHandler CAS 协议处理器
type CASHandler struct {
	casService *service.CASService
	cookiePath string
	cookieTTL  int
}

// NewCASHandler 创建 CAS 协议处理器
func NewCASHandler(casService *service.CASService, cfg *config.CASConfig) *CASHandler {
	return &CASHandler{
		casService: casService,
		cookiePath: "/cas",
		cookieTTL:  int(cfg.PGTValidity.Seconds()),
	}
}

// LoginRequest 登录请求
type LoginRequest struct {
	Username string `json:"username" form:"username" binding:"required"`
	Password string `json:"password" form:"password" binding:"required"`
	Service  string `json:"service" form:"service"`
}

// Login 凭据登录
// POST /cas/login
// 成功时建立会话 Cookie；带 service 参数时直接签发 ST 并重定向，
// 否则返回会话信息和可供后续换票的 LT。
func (h *CASHandler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBind(&req); err != nil {
		response.ErrorWithMsg(c, response.CodeInvalidRequest, "参数错误: "+err.Error())
		return
	}

	session, lt, err := h.casService.Login(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, service.ErrAuthenticationFailed) {
			response.Error(c, response.CodeInvalidCredentials)
			return
		}
		response.Error(c, response.CodeServerError)
		return
	}

	c.SetCookie(sessionCookieName, session.ID, h.cookieTTL, h.cookiePath, "", false, true)

	if req.Service != "" {
		st, err := h.casService.GrantService(c.Request.Context(), lt.ID, req.Service)
		if err != nil {
			h.grantError(c, err)
			return
		}
		c.Redirect(http.StatusSeeOther, serviceRedirect(req.Service, st.ID))
		return
	}

	// 把 LT 交给客户端，后续可凭它换取首个服务票据
	response.Success(c, gin.H{
		"session_id":   session.ID,
		"username":     session.Username,
		"login_ticket": lt.ID,
	})
}

// LoginGet 已有会话的票据签发
// GET /cas/login?service=...
// 会话 Cookie 有效时为该服务签发 ST 并重定向；带 lt 参数时
// 消费登录票据换取 ST（LT 一次性，重放报票据已被使用）；
// 否则 401，客户端转 POST 凭据登录。
func (h *CASHandler) LoginGet(c *gin.Context) {
	serviceURL := c.Query("service")

	if ltID := c.Query("lt"); ltID != "" && serviceURL != "" {
		st, err := h.casService.GrantService(c.Request.Context(), ltID, serviceURL)
		if err != nil {
			h.grantError(c, err)
			return
		}
		c.Redirect(http.StatusSeeOther, serviceRedirect(serviceURL, st.ID))
		return
	}

	sessionID, err := c.Cookie(sessionCookieName)
	if err != nil || sessionID == "" {
		response.ErrorWithMsg(c, response.CodeInvalidCredentials, "未登录")
		return
	}

	if serviceURL == "" {
		session, err := h.casService.Session(c.Request.Context(), sessionID)
		if err != nil {
			response.Error(c, response.CodeSessionNotFound)
			return
		}
		response.Success(c, gin.H{
			"session_id": session.ID,
			"username":   session.Username,
			"closed":     session.Closed,
		})
		return
	}

	st, err := h.casService.GrantServiceBySession(c.Request.Context(), sessionID, serviceURL)
	if err != nil {
		h.grantError(c, err)
		return
	}
	c.Redirect(http.StatusSeeOther, serviceRedirect(serviceURL, st.ID))
}

// Logout 登出
// GET /cas/logout
// 终止会话、广播单点登出并清掉 Cookie。重复登出是空操作。
func (h *CASHandler) Logout(c *gin.Context) {
	sessionID, err := c.Cookie(sessionCookieName)
	if err == nil && sessionID != "" {
		report, err := h.casService.Terminate(c.Request.Context(), sessionID)
		if err != nil {
			response.Error(c, response.CodeServerError)
			return
		}
		c.SetCookie(sessionCookieName, "", -1, h.cookiePath, "", false, true)
		response.Success(c, report)
		return
	}

	c.SetCookie(sessionCookieName, "", -1, h.cookiePath, "", false, true)
	response.Success(c, nil)
}

// ServiceValidate ST 验证
// GET /cas/serviceValidate?ticket=...&service=...&pgtUrl=...
func (h *CASHandler) ServiceValidate(c *gin.Context) {
	h.validate(c, false)
}

// ProxyValidate ST/PT 验证
// GET /cas/proxyValidate?ticket=...&service=...&pgtUrl=...
func (h *CASHandler) ProxyValidate(c *gin.Context) {
	h.validate(c, true)
}

func (h *CASHandler) validate(c *gin.Context, acceptProxy bool) {
	ticket := c.Query("ticket")
	serviceURL := c.Query("service")
	pgtURL := c.Query("pgtUrl")

	if ticket == "" || serviceURL == "" {
		h.writeXML(c, casxml.Failure(casxml.CodeInvalidRequest, "缺少 ticket 或 service 参数"))
		return
	}

	var result *service.ValidationResult
	var err error
	switch {
	case strings.HasPrefix(ticket, config.PrefixPT+"-"):
		if !acceptProxy {
			h.writeXML(c, casxml.Failure(casxml.CodeInvalidTicketSpec, "该接口不接受代理票据"))
			return
		}
		result, err = h.casService.ValidateProxy(c.Request.Context(), ticket, serviceURL)
	default:
		result, err = h.casService.ValidateService(c.Request.Context(), ticket, serviceURL)
	}
	if err != nil {
		h.writeXML(c, validationFailure(err))
		return
	}

	var pgtIOU string
	if pgtURL != "" {
		_, iou, err := h.casService.GrantProxyGranting(c.Request.Context(), result.Ticket, pgtURL)
		if err != nil {
			// 回调失败只丢掉代理能力，验证本身仍然成功
			if !errors.Is(err, service.ErrProxyCallbackFailed) && !errors.Is(err, service.ErrProxyNotAllowed) {
				h.writeXML(c, validationFailure(err))
				return
			}
		} else {
			pgtIOU = iou
		}
	}

	h.writeXML(c, casxml.Success(result.Username, result.Attributes, pgtIOU, result.Proxies))
}

// Proxy PGT 换 PT
// GET /cas/proxy?pgt=...&targetService=...
func (h *CASHandler) Proxy(c *gin.Context) {
	pgt := c.Query("pgt")
	target := c.Query("targetService")

	if pgt == "" || target == "" {
		h.writeXML(c, casxml.ProxyDenied(casxml.CodeInvalidRequest, "缺少 pgt 或 targetService 参数"))
		return
	}

	pt, err := h.casService.GrantProxy(c.Request.Context(), pgt, target)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrTicketNotFound),
			errors.Is(err, service.ErrTicketExpired),
			errors.Is(err, service.ErrTicketRevoked):
			h.writeXML(c, casxml.ProxyDenied(casxml.CodeInvalidTicket, err.Error()))
		case errors.Is(err, service.ErrServiceNotAllowed):
			h.writeXML(c, casxml.ProxyDenied(casxml.CodeUnauthorizedServiceProxy, err.Error()))
		default:
			h.writeXML(c, casxml.ProxyDenied(casxml.CodeInternalError, "服务器内部错误"))
		}
		return
	}

	h.writeXML(c, casxml.ProxyGranted(pt.ID))
}

func (h *CASHandler) grantError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrTicketConsumed),
		errors.Is(err, service.ErrTicketExpired),
		errors.Is(err, service.ErrTicketRevoked),
		errors.Is(err, service.ErrTicketNotFound):
		response.Error(c, response.CodeTicketNotFound)
	case errors.Is(err, service.ErrSessionNotFound), errors.Is(err, service.ErrSessionClosed):
		response.Error(c, response.CodeSessionNotFound)
	case errors.Is(err, service.ErrServiceNotAllowed), errors.Is(err, service.ErrServiceMismatch):
		response.ErrorWithMsg(c, response.CodeInvalidRequest, err.Error())
	default:
		response.Error(c, response.CodeServerError)
	}
}

// validationFailure 状态机错误到协议错误码的映射
func validationFailure(err error) *casxml.ServiceResponse {
	switch {
	case errors.Is(err, service.ErrTicketNotFound):
		return casxml.Failure(casxml.CodeInvalidTicket, "票据不存在")
	case errors.Is(err, service.ErrTicketExpired):
		return casxml.Failure(casxml.CodeInvalidTicket, "票据已过期")
	case errors.Is(err, service.ErrTicketConsumed):
		return casxml.Failure(casxml.CodeInvalidTicket, "票据已被使用")
	case errors.Is(err, service.ErrTicketRevoked):
		return casxml.Failure(casxml.CodeInvalidTicket, "票据已被撤销")
	case errors.Is(err, service.ErrServiceMismatch):
		return casxml.Failure(casxml.CodeInvalidService, "服务与票据不匹配")
	case errors.Is(err, service.ErrServiceNotAllowed):
		return casxml.Failure(casxml.CodeInvalidService, "服务不在白名单内")
	case errors.Is(err, service.ErrSessionNotFound):
		return casxml.Failure(casxml.CodeInvalidTicket, "会话不存在")
	default:
		return casxml.Failure(casxml.CodeInternalError, "服务器内部错误")
	}
}

// writeXML 按协议输出 XML 响应，HTTP 状态码恒为 200
func (h *CASHandler) writeXML(c *gin.Context, resp *casxml.ServiceResponse) {
	data, err := xml.MarshalIndent(resp, "", "  ")
	if err != nil {
		c.String(http.StatusInternalServerError, "")
		return
	}
	c.Data(http.StatusOK, "application/xml; charset=utf-8", data)
}

// serviceRedirect 把 ST 挂到服务回跳地址上
func serviceRedirect(serviceURL, ticket string) string {
	u, err := url.Parse(serviceURL)
	if err != nil {
		return serviceURL
	}
	q := u.Query()
	q.Set("ticket", ticket)
	u.RawQuery = q.Encode()
	return u.String()
}
