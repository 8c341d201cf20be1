package intent

import (
	"regexp"
	"strings"

	xerrors "MCR-Agent/internal/errors"
	"MCR-Agent/internal/policy"
	"MCR-Agent/internal/registry"
)

// Request 是意图解析的输入：自然语言文本加上调用方提供的上下文。
type Request struct {
	Prompt  string
	Context map[string]any
}

// Facts 是解析器可见的运行事实快照。
type Facts struct {
	State         policy.State
	Verdict       policy.Verdict
	CaseID        string
	LastOperation string
}

// Proposal 是解析器提出的下一步：要么是一个操作，要么宣布运行结束。
type Proposal struct {
	Operation  string
	Args       map[string]any
	Done       bool
	StopReason string
}

// Resolver 把 (文本, 上下文, 运行事实) 映射为下一个操作。
// 实现必须是确定性的纯函数，保证编排器可独立于任何模型行为做单元测试。
type Resolver interface {
	Resolve(req Request, facts Facts) (Proposal, error)
}

// Kind 是识别出的意图类别。
type Kind string

const (
	KindPleaGuilty         Kind = "plea_guilty"
	KindPleaNotGuilty      Kind = "plea_not_guilty"
	KindRequestPleaOffer   Kind = "request_plea_offer"
	KindInitiateProsecutor Kind = "initiate_prosecutor_offer"
	KindListOffers         Kind = "list_prosecutor_offers"
	KindTicketDetails      Kind = "ticket_details"
	KindEmailConfirmation  Kind = "email_confirmation"
	KindUnknown            Kind = "unknown"
)

var (
	ticketPattern = regexp.MustCompile(`\b[A-Z]{1,4}-\d+\b`)
	emailPattern  = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
)

// RuleResolver 用固定规则完成意图分类与参数抽取。
type RuleResolver struct{}

// NewRuleResolver 返回规则解析器。
func NewRuleResolver() *RuleResolver {
	return &RuleResolver{}
}

// Classify 识别文本的意图类别。
func Classify(prompt string) Kind {
	text := strings.ToLower(prompt)
	switch {
	case strings.Contains(text, "not guilty"):
		return KindPleaNotGuilty
	case strings.Contains(text, "guilty"):
		return KindPleaGuilty
	case strings.Contains(text, "initiate") && strings.Contains(text, "prosecutor"):
		return KindInitiateProsecutor
	case (strings.Contains(text, "list") || strings.Contains(text, "show")) &&
		strings.Contains(text, "offer"):
		return KindListOffers
	case strings.Contains(text, "offer") || strings.Contains(text, "dispute"):
		return KindRequestPleaOffer
	case strings.Contains(text, "detail"):
		return KindTicketDetails
	case strings.Contains(text, "email") || strings.Contains(text, "confirmation"):
		return KindEmailConfirmation
	default:
		return KindUnknown
	}
}

// Resolve 实现 Resolver。
func (r *RuleResolver) Resolve(req Request, facts Facts) (Proposal, error) {
	kind := Classify(req.Prompt)
	if kind == KindUnknown {
		return Proposal{Done: true, StopReason: policy.StopReasonUnrecognizedIntent}, nil
	}

	switch kind {
	case KindPleaGuilty, KindPleaNotGuilty, KindRequestPleaOffer, KindInitiateProsecutor:
		return r.resolveCaseFlow(kind, req, facts)
	case KindListOffers:
		return r.resolveSingleRead(registry.OpListProsecutorOffers, req, facts)
	case KindTicketDetails:
		return r.resolveSingleRead(registry.OpGetTicketDetails, req, facts)
	case KindEmailConfirmation:
		return r.resolveConfirmation(req, facts)
	default:
		return Proposal{Done: true, StopReason: policy.StopReasonUnrecognizedIntent}, nil
	}
}

// resolveCaseFlow 处理会创建案件的意图：核验资格 → 创建案件 → 发送确认。
func (r *RuleResolver) resolveCaseFlow(kind Kind, req Request, facts Facts) (Proposal, error) {
	ticket, err := ticketNumber(req)
	if err != nil {
		return Proposal{}, err
	}

	switch facts.State {
	case policy.StateStart:
		return Proposal{
			Operation: registry.OpCheckEligibility,
			Args:      map[string]any{"ticketNumber": ticket},
		}, nil

	case policy.StateEligibilityChecked:
		args := map[string]any{"ticketNumber": ticket}
		if email := defendantEmail(req); email != "" {
			args["defendantEmail"] = email
		}
		switch kind {
		case KindPleaGuilty:
			args["plea"] = "guilty"
			return Proposal{Operation: registry.OpCreatePleaCase, Args: args}, nil
		case KindPleaNotGuilty:
			args["plea"] = "not_guilty"
			return Proposal{Operation: registry.OpCreatePleaCase, Args: args}, nil
		case KindRequestPleaOffer:
			args["reason"] = offerReason(req)
			return Proposal{Operation: registry.OpCreatePleaOfferRequest, Args: args}, nil
		default:
			delete(args, "defendantEmail")
			return Proposal{Operation: registry.OpInitiateProsecutorOffer, Args: args}, nil
		}

	case policy.StateCaseCreated:
		email := defendantEmail(req)
		if email == "" || facts.CaseID == "" {
			// 没有收件地址就不发确认，运行在案件创建后正常收尾。
			return Proposal{Done: true}, nil
		}
		return Proposal{
			Operation: registry.OpSendCaseConfirmation,
			Args:      map[string]any{"caseId": facts.CaseID, "toEmail": email},
		}, nil

	default:
		return Proposal{Done: true}, nil
	}
}

// resolveSingleRead 处理一次性的只读查询意图。
func (r *RuleResolver) resolveSingleRead(operation string, req Request, facts Facts) (Proposal, error) {
	if facts.LastOperation == operation {
		return Proposal{Done: true}, nil
	}
	ticket, err := ticketNumber(req)
	if err != nil {
		return Proposal{}, err
	}
	return Proposal{
		Operation: operation,
		Args:      map[string]any{"ticketNumber": ticket},
	}, nil
}

// resolveConfirmation 处理独立的"发送确认邮件"意图。
// 案件标识必须由调用方上下文提供；是否允许发送由策略裁决。
func (r *RuleResolver) resolveConfirmation(req Request, facts Facts) (Proposal, error) {
	if facts.LastOperation == registry.OpSendCaseConfirmation {
		return Proposal{Done: true}, nil
	}
	caseID := facts.CaseID
	if caseID == "" {
		caseID = contextString(req.Context, "caseId")
	}
	email := defendantEmail(req)
	if caseID == "" || email == "" {
		return Proposal{}, xerrors.New(xerrors.CodeInvalidArgument,
			"发送确认需要 caseId 与收件邮箱")
	}
	return Proposal{
		Operation: registry.OpSendCaseConfirmation,
		Args:      map[string]any{"caseId": caseID, "toEmail": email},
	}, nil
}

// ticketNumber 优先取上下文中的票据号，否则从文本中抽取。
func ticketNumber(req Request) (string, error) {
	if ticket := contextString(req.Context, "ticketNumber"); ticket != "" {
		return ticket, nil
	}
	if match := ticketPattern.FindString(req.Prompt); match != "" {
		return match, nil
	}
	return "", xerrors.New(xerrors.CodeInvalidArgument, "无法识别票据号")
}

func defendantEmail(req Request) string {
	if email := contextString(req.Context, "defendantEmail"); email != "" {
		return email
	}
	return emailPattern.FindString(req.Prompt)
}

func offerReason(req Request) string {
	if reason := contextString(req.Context, "reason"); reason != "" {
		return reason
	}
	return strings.TrimSpace(req.Prompt)
}

func contextString(context map[string]any, key string) string {
	if context == nil {
		return ""
	}
	if value, ok := context[key].(string); ok {
		return strings.TrimSpace(value)
	}
	return ""
}
