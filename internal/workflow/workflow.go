package workflow

import (
	"MCR-Agent/internal/gateway"
	"MCR-Agent/internal/policy"

	xerrors "MCR-Agent/internal/errors"
)

// OutputMode 指定最终结果的渲染形式。
type OutputMode string

const (
	// OutputStructured 渲染为结构化卡片模型。
	OutputStructured OutputMode = "structured"
	// OutputText 渲染为转义后的文本片段。
	OutputText OutputMode = "text"
)

// Normalize 把空值与历史别名归一到标准输出模式。
func (m OutputMode) Normalize() OutputMode {
	switch m {
	case OutputText, "html":
		return OutputText
	default:
		return OutputStructured
	}
}

// Request 描述一次入站的工作流请求。
// CorrelationID 缺省时由编排器分配，此后在整个运行期内不可变更。
type Request struct {
	Prompt        string         `json:"prompt"`
	SessionID     string         `json:"session_id,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Context       map[string]any `json:"context,omitempty"`
	Output        OutputMode     `json:"output,omitempty"`
}

// Step 记录一次实际发生的后端调用及其结果，构成运行的权威追踪。
type Step struct {
	Call   gateway.Call        `json:"call"`
	Result *gateway.ToolResult `json:"result"`
}

// Snapshot 是 CaseWorkflowState 在运行结束时的快照。
type Snapshot struct {
	Phase         policy.State   `json:"phase"`
	TicketNumber  string         `json:"ticket_number,omitempty"`
	Verdict       policy.Verdict `json:"verdict"`
	CaseID        string         `json:"case_id,omitempty"`
	LastOperation string         `json:"last_operation,omitempty"`
}

// Outcome 区分运行的终止方式，调用方据此分辨业务拒绝与基础设施失败。
type Outcome string

const (
	OutcomeSucceeded       Outcome = "succeeded"
	OutcomeStoppedByPolicy Outcome = "stopped_by_policy"
	OutcomeFailedUpstream  Outcome = "failed_upstream"
	OutcomeBudgetExceeded  Outcome = "step_budget_exceeded"
)

// FinalResult 是一次运行的完整结论。
// 部分进展（例如已创建案件但未发送确认）始终随快照与步骤历史上报，
// 不会被丢弃，也不会被自动补偿。
type FinalResult struct {
	CorrelationID string       `json:"correlation_id"`
	Outcome       Outcome      `json:"outcome"`
	Code          xerrors.Code `json:"error_code,omitempty"`
	Reason        string       `json:"reason,omitempty"`
	State         Snapshot     `json:"state"`
	Steps         []Step       `json:"steps"`
}

// Succeeded 判断运行是否正常完成。
func (r *FinalResult) Succeeded() bool {
	return r != nil && r.Outcome == OutcomeSucceeded
}
