package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	xerrors "MCR-Agent/internal/errors"
	"MCR-Agent/internal/observability/metrics"
	"MCR-Agent/internal/registry"
)

const (
	// HeaderCorrelationID 在每个出站请求上携带运行的关联标识。
	HeaderCorrelationID = "X-Correlation-Id"

	defaultTimeout = 20 * time.Second
	maxBodyBytes   = 1 << 20
)

// Call 描述一次对案件后端的操作调用。
type Call struct {
	Operation     string         `json:"operation"`
	Args          map[string]any `json:"args,omitempty"`
	CorrelationID string         `json:"correlation_id"`
}

// ToolResult 汇总一次后端调用的结果。
// 非 2xx 响应与调用超时都表示为 Success=false，而不是 Go error：
// 两者对编排器而言是同一种"上游失败"，处理方式一致。
type ToolResult struct {
	Success bool            `json:"success"`
	Status  int             `json:"status,omitempty"`
	Body    json.RawMessage `json:"body,omitempty"`
	Reason  string          `json:"reason,omitempty"`
}

// Transient 判断失败是否来自传输层（超时、连接失败），
// 此类失败对只读操作允许由调用方重试一次。
func (r *ToolResult) Transient() bool {
	return r != nil && !r.Success && r.Status == 0
}

// Payload 将响应体解析为通用映射。
func (r *ToolResult) Payload() map[string]any {
	if r == nil || len(r.Body) == 0 {
		return nil
	}
	var payload map[string]any
	if err := json.Unmarshal(r.Body, &payload); err != nil {
		return nil
	}
	return payload
}

// StringField 从响应体中提取字符串字段。
func (r *ToolResult) StringField(name string) string {
	payload := r.Payload()
	if payload == nil {
		return ""
	}
	if value, ok := payload[name].(string); ok {
		return strings.TrimSpace(value)
	}
	return ""
}

// BoolField 从响应体中提取布尔字段。
func (r *ToolResult) BoolField(name string) (bool, bool) {
	payload := r.Payload()
	if payload == nil {
		return false, false
	}
	value, ok := payload[name].(bool)
	return value, ok
}

// Config 描述网关客户端的构造参数。
type Config struct {
	BaseURL     string
	Timeout     time.Duration
	Credentials CredentialSource
	Registry    *registry.Registry
}

// Client 负责对 Pega 案件后端执行带认证的 HTTP 调用。
// 业务规则全部由后端持有，Client 只做请求构造、关联头透传与结果归一化。
type Client struct {
	baseURL    string
	creds      CredentialSource
	catalog    *registry.Registry
	httpClient *http.Client
}

// NewClient 根据配置创建网关客户端。
func NewClient(cfg Config) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, xerrors.New(xerrors.CodeConfiguration, "后端 base URL 不能为空")
	}
	if cfg.Credentials == nil {
		return nil, xerrors.New(xerrors.CodeConfiguration, "未配置后端凭证来源")
	}
	if err := cfg.Credentials.Check(); err != nil {
		return nil, err
	}
	catalog := cfg.Registry
	if catalog == nil {
		catalog = registry.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL: baseURL,
		creds:   cfg.Credentials,
		catalog: catalog,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// Invoke 执行一次后端操作调用。
// 返回 error 仅表示请求无法构造（未知操作、参数缺失、凭证不可用）；
// 后端拒绝与传输失败都体现在 ToolResult 上，由编排器决定如何终止运行。
func (c *Client) Invoke(ctx context.Context, call Call) (*ToolResult, error) {
	op, err := c.catalog.Lookup(call.Operation)
	if err != nil {
		return nil, err
	}
	if missing := op.MissingArgs(call.Args); len(missing) > 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("操作 %s 缺少参数: %s", op.Name, strings.Join(missing, ", ")))
	}

	path, err := op.RenderPath(call.Args)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(bodyArgs(op, call.Args))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化请求体失败")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "构建后端请求失败")
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(HeaderCorrelationID, call.CorrelationID)
	// 认证头每次调用重新构造，凭证轮换无需重启。
	if err := c.creds.Apply(httpReq); err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		metrics.ObserveBackendCall(op.Name, false)
		return &ToolResult{Success: false, Reason: transportReason(err)}, nil
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		metrics.ObserveBackendCall(op.Name, false)
		return &ToolResult{Success: false, Status: resp.StatusCode, Reason: "读取后端响应失败"}, nil
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		metrics.ObserveBackendCall(op.Name, false)
		return &ToolResult{
			Success: false,
			Status:  resp.StatusCode,
			Body:    json.RawMessage(body),
			Reason:  fmt.Sprintf("后端返回状态 %d", resp.StatusCode),
		}, nil
	}

	metrics.ObserveBackendCall(op.Name, true)
	return &ToolResult{
		Success: true,
		Status:  resp.StatusCode,
		Body:    json.RawMessage(body),
	}, nil
}

// bodyArgs 返回构成请求体的参数，路径参数不重复出现在请求体中。
func bodyArgs(op registry.Operation, args map[string]any) map[string]any {
	pathArgs := op.PathArgs()
	if len(pathArgs) == 0 {
		if args == nil {
			return map[string]any{}
		}
		return args
	}
	body := make(map[string]any, len(args))
	for key, value := range args {
		inPath := false
		for _, name := range pathArgs {
			if key == name {
				inPath = true
				break
			}
		}
		if !inPath {
			body[key] = value
		}
	}
	return body
}

// transportReason 把传输层错误归一化为可上报的文本。
// 错误文本不包含任何认证信息。
func transportReason(err error) string {
	var urlErr interface{ Timeout() bool }
	if stdErrors.As(err, &urlErr) && urlErr.Timeout() {
		return "后端调用超时"
	}
	if stdErrors.Is(err, context.DeadlineExceeded) {
		return "后端调用超时"
	}
	if stdErrors.Is(err, context.Canceled) {
		return "调用被取消"
	}
	return "后端连接失败"
}
