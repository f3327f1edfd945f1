package auth

import (
	"context"
	"testing"

	"github.com/pu-ac-cn/cas-server/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func testStaticConfig() *config.TestAuthConfig {
	return &config.TestAuthConfig{
		Username: "test",
		Password: "test",
		Attributes: map[string][]string{
			"nom":    {"Nymous"},
			"prenom": {"Ano"},
			"email":  {"anonymous@example.net"},
			"alias":  {"demo1", "demo2"},
		},
	}
}

func TestStaticBackend_Success(t *testing.T) {
	backend := NewStaticBackend(testStaticConfig())

	result, err := backend.CheckCredentials(context.Background(), "test", "test")
	require.NoError(t, err)
	assert.Equal(t, "test", result.Username)
	assert.Equal(t, "plain", result.Scheme)
	assert.Equal(t, []string{"anonymous@example.net"}, result.Attributes["email"])
	assert.Equal(t, []string{"demo1", "demo2"}, result.Attributes["alias"])
}

func TestStaticBackend_WrongPassword(t *testing.T) {
	backend := NewStaticBackend(testStaticConfig())

	_, err := backend.CheckCredentials(context.Background(), "test", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestStaticBackend_WrongUsername(t *testing.T) {
	backend := NewStaticBackend(testStaticConfig())

	_, err := backend.CheckCredentials(context.Background(), "nobody", "test")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

// TestStaticBackend_AttributesIsolated 调用方修改返回的属性不影响后端
func TestStaticBackend_AttributesIsolated(t *testing.T) {
	backend := NewStaticBackend(testStaticConfig())
	ctx := context.Background()

	first, err := backend.CheckCredentials(ctx, "test", "test")
	require.NoError(t, err)
	first.Attributes["alias"][0] = "tampered"

	second, err := backend.CheckCredentials(ctx, "test", "test")
	require.NoError(t, err)
	assert.Equal(t, "demo1", second.Attributes["alias"][0])
}

func TestCheckPassword(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)

	cases := []struct {
		scheme string
		clear  string
		stored string
		want   bool
	}{
		{"plain", "s3cret", "s3cret", true},
		{"plain", "s3cret", "other", false},
		// "test" 的各种十六进制摘要
		{"hex_md5", "test", "098f6bcd4621d373cade4e832627b4f6", true},
		{"hex_md5", "test", "00000000000000000000000000000000", false},
		{"hex_sha1", "test", "a94a8fe5ccb19ba61c4c0873d391e987982fbbd3", true},
		{"hex_sha256", "test", "9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08", true},
		{"hex_sha512", "test", "ee26b0dd4af7e749aa1a8ee3c10ae9923f618980772e473f8819a5d4940e0db27ac185f8a0e1d5f84f88bc887fd67b143732c304cc5fa9ad8e6f57f50028a8ff", true},
		{"bcrypt", "s3cret", string(hash), true},
		{"bcrypt", "wrong", string(hash), false},
		{"crypt", "test", "test", false}, // 未知方式一律失败
	}
	for _, c := range cases {
		got := CheckPassword(c.scheme, c.clear, c.stored)
		assert.Equal(t, c.want, got, "scheme=%s clear=%s", c.scheme, c.clear)
	}
}

func TestNew_SelectsBackend(t *testing.T) {
	cfg := &config.AuthConfig{
		Backend: "test",
		Test:    *testStaticConfig(),
	}
	backend, err := New(cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, "test", backend.Name())
}

func TestNew_DatabaseNeedsRepo(t *testing.T) {
	cfg := &config.AuthConfig{Backend: "database"}
	_, err := New(cfg, nil)
	assert.Error(t, err)
}

func TestNew_UnknownBackend(t *testing.T) {
	cfg := &config.AuthConfig{Backend: "kerberos"}
	_, err := New(cfg, nil)
	assert.Error(t, err)
}

func TestNewSQLBackend_BadScheme(t *testing.T) {
	_, err := NewSQLBackend(&config.SQLAuthConfig{
		UserQuery:     "SELECT username, password FROM users WHERE username = ?",
		PasswordCheck: "rot13",
	})
	assert.Error(t, err)
}
