package policy

import (
	"fmt"

	xerrors "MCR-Agent/internal/errors"
	"MCR-Agent/internal/registry"
)

// State 表示一次案件工作流运行所处的阶段。
type State string

const (
	StateStart              State = "START"
	StateEligibilityChecked State = "ELIGIBILITY_CHECKED"
	StateCaseCreated        State = "CASE_CREATED"
	StateNotified           State = "NOTIFIED"
	StateStopped            State = "STOPPED"
)

// Terminal 判断状态是否为终态。终态之后不允许任何操作。
func (s State) Terminal() bool {
	return s == StateNotified || s == StateStopped
}

// Verdict 表示资格核验的结论。
type Verdict string

const (
	VerdictUnknown    Verdict = "unknown"
	VerdictEligible   Verdict = "eligible"
	VerdictIneligible Verdict = "ineligible"
)

// 业务性停止原因。
const (
	StopReasonIneligible         = "ineligible"
	StopReasonUnrecognizedIntent = "unrecognized_intent"
)

// Facts 是策略裁决所需的运行事实。
type Facts struct {
	Verdict Verdict
	CaseID  string
}

// Decision 是一次裁决的结果：要么进入下一状态，要么携带停止原因进入 STOPPED。
type Decision struct {
	Next       State
	StopReason string
}

// Stopped 判断裁决是否以业务原因停止了运行。
func (d Decision) Stopped() bool {
	return d.Next == StateStopped
}

// Next 依据 (当前状态, 操作类别, 事实) 裁决操作是否合法。
// 纯函数，不做任何 I/O：非法操作在任何网络调用之前被拒绝。
func Next(current State, category registry.Category, facts Facts) (Decision, error) {
	if current.Terminal() {
		return Decision{}, violation(current, category, "运行已终止")
	}

	switch category {
	case registry.CategoryEligibility:
		if current != StateStart {
			return Decision{}, violation(current, category, "资格核验只能作为首个操作")
		}
		return Decision{Next: StateEligibilityChecked}, nil

	case registry.CategoryRead:
		// 只读查询不推进状态，案件创建之后不再需要。
		if current != StateStart && current != StateEligibilityChecked {
			return Decision{}, violation(current, category, "查询类操作只允许在案件创建之前")
		}
		return Decision{Next: current}, nil

	case registry.CategoryCreate:
		if current != StateEligibilityChecked {
			return Decision{}, violation(current, category, "创建案件之前必须先核验资格")
		}
		switch facts.Verdict {
		case VerdictEligible:
			return Decision{Next: StateCaseCreated}, nil
		case VerdictIneligible:
			// 不具备资格是业务结论，不是违规：运行以 STOPPED(ineligible) 收尾。
			return Decision{Next: StateStopped, StopReason: StopReasonIneligible}, nil
		default:
			return Decision{}, violation(current, category, "资格结论未知，禁止创建案件")
		}

	case registry.CategoryNotify:
		if current != StateCaseCreated {
			return Decision{}, violation(current, category, "发送确认之前必须先创建案件")
		}
		if facts.CaseID == "" {
			return Decision{}, violation(current, category, "缺少案件标识，禁止发送确认")
		}
		return Decision{Next: StateNotified}, nil

	default:
		return Decision{}, violation(current, category, "未知的操作类别")
	}
}

func violation(current State, category registry.Category, reason string) error {
	return xerrors.New(xerrors.CodePolicyViolation,
		fmt.Sprintf("%s（状态 %s，类别 %s）", reason, current, category))
}
