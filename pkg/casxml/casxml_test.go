package casxml

import (
	"encoding/xml"
	"strings"
	"testing"
	"time"

	"github.com/pu-ac-cn/cas-server/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSuccess_Marshal(t *testing.T) {
	resp := Success("alice", model.Attributes{
		"email": {"alice@example.net"},
		"alias": {"a1", "a2"},
	}, "PGTIOU-xyz", []string{"https://proxy.example/cb"})

	data, err := xml.MarshalIndent(resp, "", "  ")
	require.NoError(t, err)
	s := string(data)

	assert.Contains(t, s, `xmlns:cas="http://www.yale.edu/tp/cas"`)
	assert.Contains(t, s, "<cas:user>alice</cas:user>")
	assert.Contains(t, s, "<cas:email>alice@example.net</cas:email>")
	// 多值属性重复输出同名元素
	assert.Contains(t, s, "<cas:alias>a1</cas:alias>")
	assert.Contains(t, s, "<cas:alias>a2</cas:alias>")
	assert.Contains(t, s, "<cas:proxyGrantingTicket>PGTIOU-xyz</cas:proxyGrantingTicket>")
	assert.Contains(t, s, "<cas:proxy>https://proxy.example/cb</cas:proxy>")
}

func TestSuccess_NoAttributes(t *testing.T) {
	resp := Success("bob", nil, "", nil)

	data, err := xml.Marshal(resp)
	require.NoError(t, err)
	s := string(data)

	assert.Contains(t, s, "<cas:user>bob</cas:user>")
	assert.NotContains(t, s, "cas:attributes")
	assert.NotContains(t, s, "cas:proxyGrantingTicket")
}

func TestFailure_Marshal(t *testing.T) {
	resp := Failure(CodeInvalidTicket, "票据已被使用")

	data, err := xml.Marshal(resp)
	require.NoError(t, err)
	s := string(data)

	assert.Contains(t, s, `code="INVALID_TICKET"`)
	assert.Contains(t, s, "票据已被使用")
	assert.NotContains(t, s, "cas:authenticationSuccess")
}

func TestProxyGranted_Marshal(t *testing.T) {
	data, err := xml.Marshal(ProxyGranted("PT-abc"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "<cas:proxyTicket>PT-abc</cas:proxyTicket>")
}

func TestLogoutRequest(t *testing.T) {
	instant := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	doc := LogoutRequest("ST-12345", instant)

	assert.Contains(t, doc, "samlp:LogoutRequest")
	assert.Contains(t, doc, "<samlp:SessionIndex>ST-12345</samlp:SessionIndex>")
	assert.Contains(t, doc, "2025-06-01T12:00:00Z")

	// 每份文档的 ID 都不同
	other := LogoutRequest("ST-12345", instant)
	id := func(s string) string {
		i := strings.Index(s, `ID="`)
		require.GreaterOrEqual(t, i, 0)
		rest := s[i+4:]
		return rest[:strings.Index(rest, `"`)]
	}
	assert.NotEqual(t, id(doc), id(other))
}
