package auth

import (
	"crypto/subtle"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"MCR-Agent/pkg/logger"
)

// Service 负责入站 HTTP 端点的身份验证和授权。
// 令牌集合在构造时固定，校验使用常数时间比较。
type Service struct {
	mode     Mode
	subjects []staticToken
	audit    *slog.Logger
}

type staticToken struct {
	value   string
	subject *Subject
}

// NewService 构造身份认证服务实例。
func NewService(cfg Config) (*Service, error) {
	mode := Mode(strings.ToLower(string(cfg.Mode)))
	if mode == "" {
		mode = ModeDisabled
	}
	svc := &Service{
		mode:  mode,
		audit: logger.Audit(),
	}

	switch mode {
	case ModeDisabled:
		return svc, nil
	case ModeStatic:
	default:
		return nil, fmt.Errorf("unsupported auth mode: %s", cfg.Mode)
	}

	for _, token := range cfg.Tokens {
		value := token.Value
		if value == "" && token.ValueEnv != "" {
			value = os.Getenv(token.ValueEnv)
		}
		if strings.TrimSpace(value) == "" {
			return nil, fmt.Errorf("token %q has no value", token.Name)
		}
		subject := &Subject{
			Name:        token.Name,
			Permissions: append([]string(nil), token.Permissions...),
		}
		subject.normalise()
		svc.subjects = append(svc.subjects, staticToken{value: value, subject: subject})
	}
	if len(svc.subjects) == 0 {
		return nil, fmt.Errorf("static auth mode requires at least one token")
	}
	return svc, nil
}

// Mode 返回当前身份认证服务的工作模式。
func (s *Service) Mode() Mode {
	if s == nil {
		return ModeDisabled
	}
	return s.mode
}

// AuthenticateRequest 验证传入请求的授权头，并返回相应的主体信息。
func (s *Service) AuthenticateRequest(authorization string) (*Subject, error) {
	if s == nil || s.mode == ModeDisabled {
		return nil, ErrDisabled
	}
	parts := strings.SplitN(strings.TrimSpace(authorization), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return nil, ErrMissingToken
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return nil, ErrMissingToken
	}
	for _, candidate := range s.subjects {
		if subtle.ConstantTimeCompare([]byte(candidate.value), []byte(token)) == 1 {
			return candidate.subject.Clone(), nil
		}
	}
	return nil, ErrInvalidToken
}
