// Package casxml CAS 协议 XML 响应结构
// 校验接口统一返回 cas:serviceResponse 信封；登出通知使用
// SAML 风格的 LogoutRequest 文档。
package casxml

import (
	"encoding/xml"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pu-ac-cn/cas-server/internal/model"
)

// 协议错误码
const (
	CodeInvalidRequest           = "INVALID_REQUEST"            // 缺少必要参数
	CodeInvalidTicket            = "INVALID_TICKET"             // 票据不存在、过期或已被使用
	CodeInvalidService           = "INVALID_SERVICE"            // 服务不匹配或不在白名单
	CodeInvalidTicketSpec        = "INVALID_TICKET_SPEC"        // 票据类型不符合接口要求
	CodeUnauthorizedServiceProxy = "UNAUTHORIZED_SERVICE_PROXY" // 服务无代理权限
	CodeInvalidProxyCallback     = "INVALID_PROXY_CALLBACK"     // 代理回调不可达
	CodeInternalError            = "INTERNAL_ERROR"             // 服务器内部错误
)

// ServiceResponse cas:serviceResponse 信封
type ServiceResponse struct {
	XMLName xml.Name `xml:"cas:serviceResponse"`
	Xmlns   string   `xml:"xmlns:cas,attr"`

	AuthSuccess  *AuthenticationSuccess `xml:"cas:authenticationSuccess,omitempty"`
	AuthFailure  *AuthenticationFailure `xml:"cas:authenticationFailure,omitempty"`
	ProxySuccess *ProxyGrant            `xml:"cas:proxySuccess,omitempty"`
	ProxyFailure *AuthenticationFailure `xml:"cas:proxyFailure,omitempty"`
}

// AuthenticationSuccess 校验成功
type AuthenticationSuccess struct {
	User       string      `xml:"cas:user"`
	Attributes *Attributes `xml:"cas:attributes,omitempty"`
	PGTIOU     string      `xml:"cas:proxyGrantingTicket,omitempty"`
	Proxies    *Proxies    `xml:"cas:proxies,omitempty"`
}

// AuthenticationFailure 校验失败
type AuthenticationFailure struct {
	Code    string `xml:"code,attr"`
	Message string `xml:",chardata"`
}

// ProxyGrant 代理票据签发成功
type ProxyGrant struct {
	ProxyTicket string `xml:"cas:proxyTicket"`
}

// Proxies 代理链
type Proxies struct {
	Proxy []string `xml:"cas:proxy"`
}

// Attributes 用户属性，多值属性重复输出同名元素
type Attributes struct {
	Attrs []Attribute
}

// Attribute 单个属性元素
type Attribute struct {
	XMLName xml.Name
	Value   string `xml:",chardata"`
}

// MarshalXML 把属性表展开成 cas:<name> 子元素
func (a *Attributes) MarshalXML(e *xml.Encoder, start xml.StartElement) error {
	if len(a.Attrs) == 0 {
		return nil
	}
	if err := e.EncodeToken(start); err != nil {
		return err
	}
	for _, attr := range a.Attrs {
		if err := e.Encode(attr); err != nil {
			return err
		}
	}
	return e.EncodeToken(start.End())
}

const casNamespace = "http://www.yale.edu/tp/cas"

// Success 构造校验成功响应
func Success(username string, attrs model.Attributes, pgtIOU string, proxies []string) *ServiceResponse {
	resp := &ServiceResponse{
		Xmlns: casNamespace,
		AuthSuccess: &AuthenticationSuccess{
			User:   username,
			PGTIOU: pgtIOU,
		},
	}
	if len(attrs) > 0 {
		xa := &Attributes{}
		for name, values := range attrs {
			for _, v := range values {
				xa.Attrs = append(xa.Attrs, Attribute{
					XMLName: xml.Name{Local: "cas:" + name},
					Value:   v,
				})
			}
		}
		resp.AuthSuccess.Attributes = xa
	}
	if len(proxies) > 0 {
		resp.AuthSuccess.Proxies = &Proxies{Proxy: proxies}
	}
	return resp
}

// Failure 构造校验失败响应
func Failure(code, message string) *ServiceResponse {
	return &ServiceResponse{
		Xmlns: casNamespace,
		AuthFailure: &AuthenticationFailure{
			Code:    code,
			Message: message,
		},
	}
}

// ProxyGranted 构造代理票据签发成功响应
func ProxyGranted(ticket string) *ServiceResponse {
	return &ServiceResponse{
		Xmlns:        casNamespace,
		ProxySuccess: &ProxyGrant{ProxyTicket: ticket},
	}
}

// ProxyDenied 构造代理票据签发失败响应
func ProxyDenied(code, message string) *ServiceResponse {
	return &ServiceResponse{
		Xmlns: casNamespace,
		ProxyFailure: &AuthenticationFailure{
			Code:    code,
			Message: message,
		},
	}
}

// LogoutRequest 构造单点登出通知文档
// SessionIndex 携带当初签发给该服务的 ST，接收方据此找到并销毁
// 自己的本地会话。
func LogoutRequest(ticketID string, issueInstant time.Time) string {
	return fmt.Sprintf(
		`<samlp:LogoutRequest xmlns:samlp="urn:oasis:names:tc:SAML:2.0:protocol" ID="%s" Version="2.0" IssueInstant="%s">`+
			`<saml:NameID xmlns:saml="urn:oasis:names:tc:SAML:2.0:assertion">@NOT_USED@</saml:NameID>`+
			`<samlp:SessionIndex>%s</samlp:SessionIndex>`+
			`</samlp:LogoutRequest>`,
		uuid.New().String(),
		issueInstant.UTC().Format(time.RFC3339),
		ticketID,
	)
}
