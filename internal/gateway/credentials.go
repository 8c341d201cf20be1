package gateway

import (
	"net/http"
	"os"
	"strings"

	xerrors "MCR-Agent/internal/errors"
)

// CredentialSource 在每次调用前构造认证头。
// 实现必须每次重新读取凭证，保证轮换后的凭证即刻生效。
type CredentialSource interface {
	// Apply 将认证头写入请求。
	Apply(req *http.Request) error
	// Check 在服务启动阶段校验凭证是否可用。
	Check() error
}

// EnvBearerSource 从环境变量读取 Bearer Token。
type EnvBearerSource struct {
	TokenEnv string
}

// Apply 实现 CredentialSource。
func (s EnvBearerSource) Apply(req *http.Request) error {
	token := strings.TrimSpace(os.Getenv(s.TokenEnv))
	if token == "" {
		return xerrors.New(xerrors.CodeConfiguration,
			"bearer token 环境变量未设置: "+s.TokenEnv)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

// Check 实现 CredentialSource。
func (s EnvBearerSource) Check() error {
	if strings.TrimSpace(os.Getenv(s.TokenEnv)) == "" {
		return xerrors.New(xerrors.CodeConfiguration,
			"bearer token 环境变量未设置: "+s.TokenEnv)
	}
	return nil
}

// EnvBasicSource 从环境变量读取 Basic 认证的用户名与密码。
type EnvBasicSource struct {
	UsernameEnv string
	PasswordEnv string
}

// Apply 实现 CredentialSource。
func (s EnvBasicSource) Apply(req *http.Request) error {
	username := strings.TrimSpace(os.Getenv(s.UsernameEnv))
	password := os.Getenv(s.PasswordEnv)
	if username == "" || password == "" {
		return xerrors.New(xerrors.CodeConfiguration,
			"basic 凭证环境变量未设置: "+s.UsernameEnv+"/"+s.PasswordEnv)
	}
	req.SetBasicAuth(username, password)
	return nil
}

// Check 实现 CredentialSource。
func (s EnvBasicSource) Check() error {
	if strings.TrimSpace(os.Getenv(s.UsernameEnv)) == "" || os.Getenv(s.PasswordEnv) == "" {
		return xerrors.New(xerrors.CodeConfiguration,
			"basic 凭证环境变量未设置: "+s.UsernameEnv+"/"+s.PasswordEnv)
	}
	return nil
}

// StaticBearerSource 使用固定 Token，主要用于测试。
type StaticBearerSource struct {
	Token string
}

// Apply 实现 CredentialSource。
func (s StaticBearerSource) Apply(req *http.Request) error {
	if s.Token == "" {
		return xerrors.New(xerrors.CodeConfiguration, "bearer token 为空")
	}
	req.Header.Set("Authorization", "Bearer "+s.Token)
	return nil
}

// Check 实现 CredentialSource。
func (s StaticBearerSource) Check() error {
	if s.Token == "" {
		return xerrors.New(xerrors.CodeConfiguration, "bearer token 为空")
	}
	return nil
}
