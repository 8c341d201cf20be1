package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "MCR-Agent/internal/errors"
	"MCR-Agent/internal/gateway"
	"MCR-Agent/internal/intent"
	"MCR-Agent/internal/policy"
	"MCR-Agent/internal/registry"
	"MCR-Agent/pkg/logger"
)

const (
	defaultStepBudget = 8
	defaultRunTimeout = 60 * time.Second
)

// Invoker 是编排器对网关客户端的最小依赖。
type Invoker interface {
	Invoke(ctx context.Context, call gateway.Call) (*gateway.ToolResult, error)
}

// Orchestrator 驱动单次运行：解析意图、策略裁决、执行调用、推进状态，
// 直到到达终态或耗尽步数预算。每次运行的状态彼此独立，编排器本身无共享
// 可变状态，可被多个请求并发使用。
type Orchestrator struct {
	resolver   intent.Resolver
	invoker    Invoker
	catalog    *registry.Registry
	stepBudget int
	runTimeout time.Duration
	log        *slog.Logger
}

// Option 调整编排器的可选参数。
type Option func(*Orchestrator)

// WithStepBudget 设置单次运行允许执行的最大后端调用次数。
func WithStepBudget(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.stepBudget = n
		}
	}
}

// WithRunTimeout 设置单次运行的总时长上限。
func WithRunTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.runTimeout = d
		}
	}
}

// WithLogger 替换编排器使用的日志器。
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.log = l
		}
	}
}

// New 构造编排器。resolver、invoker、catalog 均为必需依赖。
func New(resolver intent.Resolver, invoker Invoker, catalog *registry.Registry, opts ...Option) (*Orchestrator, error) {
	if resolver == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "意图解析器未配置")
	}
	if invoker == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "网关客户端未配置")
	}
	if catalog == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "操作目录未配置")
	}
	o := &Orchestrator{
		resolver:   resolver,
		invoker:    invoker,
		catalog:    catalog,
		stepBudget: defaultStepBudget,
		runTimeout: defaultRunTimeout,
		log:        logger.Named("workflow"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// runState 是单次运行的内部可变状态。
type runState struct {
	phase         policy.State
	ticketNumber  string
	verdict       policy.Verdict
	caseID        string
	lastOperation string
	stopReason    string
	steps         []Step
}

func (s *runState) snapshot() Snapshot {
	return Snapshot{
		Phase:         s.phase,
		TicketNumber:  s.ticketNumber,
		Verdict:       s.verdict,
		CaseID:        s.caseID,
		LastOperation: s.lastOperation,
	}
}

// Run 执行一次完整的工作流运行。
//
// 返回 error 仅表示请求本身不可执行（参数缺失、目录缺少操作等）；
// 运行期内的所有终止方式，包括策略停止、上游失败与预算耗尽，
// 都通过 FinalResult.Outcome 表达，同时附带完整的步骤历史。
func (o *Orchestrator) Run(ctx context.Context, req Request) (*FinalResult, error) {
	corrID := req.CorrelationID
	if corrID == "" {
		corrID = uuid.NewString()
	}

	ctx, cancel := context.WithTimeout(ctx, o.runTimeout)
	defer cancel()

	state := &runState{phase: policy.StateStart, verdict: policy.VerdictUnknown}
	// 调用方上下文携带案件标识说明案件已在先前的运行中创建，
	// 本次运行从创建后阶段继续，例如补发确认邮件。
	if id, ok := req.Context["caseId"].(string); ok && strings.TrimSpace(id) != "" {
		state.caseID = strings.TrimSpace(id)
		state.phase = policy.StateCaseCreated
	}
	remaining := o.stepBudget

	o.log.Info("工作流运行开始",
		slog.String("correlation_id", corrID),
		slog.String("session_id", req.SessionID),
		slog.Int("step_budget", remaining))

	for {
		if state.phase.Terminal() {
			break
		}

		proposal, err := o.resolver.Resolve(
			intent.Request{Prompt: req.Prompt, Context: req.Context},
			intent.Facts{
				State:         state.phase,
				Verdict:       state.verdict,
				CaseID:        state.caseID,
				LastOperation: state.lastOperation,
			})
		if err != nil {
			return nil, err
		}
		if proposal.Done {
			if proposal.StopReason != "" {
				state.phase = policy.StateStopped
				state.stopReason = proposal.StopReason
			}
			break
		}

		// 预算在执行前检查：第 N+1 个操作一定不会被发出。
		if remaining <= 0 {
			return o.finish(corrID, state, OutcomeBudgetExceeded, xerrors.CodeStepBudgetExceeded,
				fmt.Sprintf("运行在 %d 次调用后超出步数预算", o.stepBudget)), nil
		}

		op, err := o.catalog.Lookup(proposal.Operation)
		if err != nil {
			return nil, err
		}

		decision, err := policy.Next(state.phase, op.Category,
			policy.Facts{Verdict: state.verdict, CaseID: state.caseID})
		if err != nil {
			o.log.Warn("操作被策略拒绝",
				slog.String("correlation_id", corrID),
				slog.String("operation", op.Name),
				slog.String("phase", string(state.phase)),
				slog.String("error", err.Error()))
			return o.finish(corrID, state, OutcomeStoppedByPolicy, xerrors.CodeOf(err), err.Error()), nil
		}
		if decision.Stopped() {
			state.phase = policy.StateStopped
			state.stopReason = decision.StopReason
			break
		}

		call := gateway.Call{
			Operation:     op.Name,
			Args:          proposal.Args,
			CorrelationID: corrID,
		}
		result, err := o.invoker.Invoke(ctx, call)
		if err != nil {
			return nil, err
		}
		remaining--
		state.steps = append(state.steps, Step{Call: call, Result: result})

		// 只读操作允许对传输层失败重试一次；有副作用的操作绝不自动重试。
		if result.Transient() && !op.Category.Mutating() && remaining > 0 {
			o.log.Warn("只读调用遭遇传输失败，重试一次",
				slog.String("correlation_id", corrID),
				slog.String("operation", op.Name),
				slog.String("reason", result.Reason))
			result, err = o.invoker.Invoke(ctx, call)
			if err != nil {
				return nil, err
			}
			remaining--
			state.steps = append(state.steps, Step{Call: call, Result: result})
		}

		if !result.Success {
			reason := result.Reason
			if reason == "" {
				reason = fmt.Sprintf("后端返回 HTTP %d", result.Status)
			}
			o.log.Warn("上游调用失败",
				slog.String("correlation_id", corrID),
				slog.String("operation", op.Name),
				slog.Int("status", result.Status),
				slog.String("reason", reason))
			return o.finish(corrID, state, OutcomeFailedUpstream, xerrors.CodeUpstreamFailure, reason), nil
		}

		o.applyResult(state, op, call, result)
		state.phase = decision.Next
		state.lastOperation = op.Name
	}

	outcome := OutcomeSucceeded
	if state.phase == policy.StateStopped {
		outcome = OutcomeStoppedByPolicy
	}
	return o.finish(corrID, state, outcome, "", state.stopReason), nil
}

// applyResult 把成功调用的响应回填进运行状态。
// caseID 一旦确立即不再被后续调用覆盖。
func (o *Orchestrator) applyResult(state *runState, op registry.Operation, call gateway.Call, result *gateway.ToolResult) {
	if t, ok := call.Args["ticketNumber"].(string); ok && state.ticketNumber == "" {
		state.ticketNumber = t
	}
	switch op.Category {
	case registry.CategoryEligibility:
		if eligible, ok := result.BoolField("eligible"); ok {
			if eligible {
				state.verdict = policy.VerdictEligible
			} else {
				state.verdict = policy.VerdictIneligible
			}
		}
	case registry.CategoryCreate:
		if id := result.StringField("caseId"); id != "" && state.caseID == "" {
			state.caseID = id
		}
	}
}

func (o *Orchestrator) finish(corrID string, state *runState, outcome Outcome, code xerrors.Code, reason string) *FinalResult {
	res := &FinalResult{
		CorrelationID: corrID,
		Outcome:       outcome,
		Code:          code,
		Reason:        reason,
		State:         state.snapshot(),
		Steps:         state.steps,
	}
	o.log.Info("工作流运行结束",
		slog.String("correlation_id", corrID),
		slog.String("outcome", string(outcome)),
		slog.Int("steps", len(res.Steps)),
		slog.String("phase", string(res.State.Phase)))
	logger.Audit().Info("run finished",
		slog.String("correlation_id", corrID),
		slog.String("outcome", string(outcome)),
		slog.Int("steps", len(res.Steps)))
	return res
}
