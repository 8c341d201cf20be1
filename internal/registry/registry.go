package registry

import (
	"fmt"
	"sort"
	"strings"

	xerrors "MCR-Agent/internal/errors"
)

// Category 划分后端操作的类别，工作流策略按类别裁决操作是否合法。
type Category string

const (
	// CategoryEligibility 表示资格核验类操作（只读）。
	CategoryEligibility Category = "eligibility"
	// CategoryRead 表示其他只读查询类操作。
	CategoryRead Category = "read"
	// CategoryCreate 表示创建案件的变更类操作，不保证幂等。
	CategoryCreate Category = "create"
	// CategoryNotify 表示案件创建之后的确认/通知类操作。
	CategoryNotify Category = "notify"
)

// Mutating 判断该类别的操作是否会在后端产生副作用。
func (c Category) Mutating() bool {
	return c == CategoryCreate || c == CategoryNotify
}

// Operation 描述一个后端操作的调用形状。
// 路径中的 {placeholder} 由同名参数填充，其余参数构成请求体。
type Operation struct {
	Name          string            `yaml:"name"`
	Path          string            `yaml:"path"`
	Category      Category          `yaml:"category"`
	RequiredArgs  []string          `yaml:"required_args"`
	OptionalArgs  []string          `yaml:"optional_args"`
	ResponseShape map[string]string `yaml:"response_shape"`
}

// RenderPath 将参数填入路径模板，返回最终请求路径。
func (op Operation) RenderPath(args map[string]any) (string, error) {
	path := op.Path
	for {
		start := strings.Index(path, "{")
		if start < 0 {
			return path, nil
		}
		end := strings.Index(path[start:], "}")
		if end < 0 {
			return "", xerrors.New(xerrors.CodeInvalidArgument,
				fmt.Sprintf("操作 %s 的路径模板不完整: %s", op.Name, op.Path))
		}
		name := path[start+1 : start+end]
		value, ok := args[name]
		if !ok {
			return "", xerrors.New(xerrors.CodeInvalidArgument,
				fmt.Sprintf("操作 %s 缺少路径参数 %s", op.Name, name))
		}
		text := fmt.Sprintf("%v", value)
		if strings.TrimSpace(text) == "" {
			return "", xerrors.New(xerrors.CodeInvalidArgument,
				fmt.Sprintf("操作 %s 的路径参数 %s 为空", op.Name, name))
		}
		path = path[:start] + text + path[start+end+1:]
	}
}

// PathArgs 返回路径模板中出现的参数名。
func (op Operation) PathArgs() []string {
	var names []string
	rest := op.Path
	for {
		start := strings.Index(rest, "{")
		if start < 0 {
			return names
		}
		end := strings.Index(rest[start:], "}")
		if end < 0 {
			return names
		}
		names = append(names, rest[start+1:start+end])
		rest = rest[start+end+1:]
	}
}

// MissingArgs 返回调用该操作时缺失的必填参数。
func (op Operation) MissingArgs(args map[string]any) []string {
	var missing []string
	for _, name := range op.RequiredArgs {
		value, ok := args[name]
		if !ok {
			missing = append(missing, name)
			continue
		}
		if text, isString := value.(string); isString && strings.TrimSpace(text) == "" {
			missing = append(missing, name)
		}
	}
	return missing
}

// Registry 是操作名到调用形状的不可变映射。
// 新增后端操作只需要新增一条目录记录，编排器无需改动。
type Registry struct {
	operations map[string]Operation
}

// New 根据给定操作构造 Registry。重名操作视为配置错误。
func New(operations ...Operation) (*Registry, error) {
	catalog := make(map[string]Operation, len(operations))
	for _, op := range operations {
		name := strings.TrimSpace(op.Name)
		if name == "" {
			return nil, xerrors.New(xerrors.CodeConfiguration, "操作名不能为空")
		}
		if !strings.HasPrefix(op.Path, "/") {
			return nil, xerrors.New(xerrors.CodeConfiguration,
				fmt.Sprintf("操作 %s 的路径必须以 / 开头: %s", name, op.Path))
		}
		switch op.Category {
		case CategoryEligibility, CategoryRead, CategoryCreate, CategoryNotify:
		default:
			return nil, xerrors.New(xerrors.CodeConfiguration,
				fmt.Sprintf("操作 %s 的类别未知: %s", name, op.Category))
		}
		if _, exists := catalog[name]; exists {
			return nil, xerrors.New(xerrors.CodeConfiguration,
				fmt.Sprintf("操作 %s 重复定义", name))
		}
		catalog[name] = op
	}
	return &Registry{operations: catalog}, nil
}

// Lookup 返回指定名称的操作。
func (r *Registry) Lookup(name string) (Operation, error) {
	if r == nil {
		return Operation{}, xerrors.New(xerrors.CodeInitializationFailure, "操作目录未初始化")
	}
	op, ok := r.operations[name]
	if !ok {
		return Operation{}, xerrors.New(xerrors.CodeNotFound,
			fmt.Sprintf("未知的操作: %s", name))
	}
	return op, nil
}

// Names 返回目录中全部操作名，按字典序排列。
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.operations))
	for name := range r.operations {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// MCR 案件后端的内置操作目录。
const (
	OpCheckEligibility       = "check_eligibility"
	OpGetTicketDetails       = "get_ticket_details"
	OpCreatePleaCase         = "create_plea_case"
	OpCreatePleaOfferRequest = "create_plea_offer_request"
	OpInitiateProsecutorOffer = "initiate_prosecutor_offer"
	OpListProsecutorOffers   = "list_prosecutor_offers"
	OpSendCaseConfirmation   = "send_case_confirmation"
)

func builtinOperations() []Operation {
	return []Operation{
		{
			Name:         OpCheckEligibility,
			Path:         "/mcr/tickets/eligibility",
			Category:     CategoryEligibility,
			RequiredArgs: []string{"ticketNumber"},
			ResponseShape: map[string]string{
				"eligible": "bool",
				"reason":   "string",
			},
		},
		{
			Name:         OpGetTicketDetails,
			Path:         "/mcr/tickets/details",
			Category:     CategoryRead,
			RequiredArgs: []string{"ticketNumber"},
		},
		{
			Name:         OpCreatePleaCase,
			Path:         "/mcr/cases/plea-online",
			Category:     CategoryCreate,
			RequiredArgs: []string{"ticketNumber", "plea"},
			OptionalArgs: []string{"defendantEmail"},
			ResponseShape: map[string]string{
				"caseId": "string",
			},
		},
		{
			Name:         OpCreatePleaOfferRequest,
			Path:         "/mcr/cases/request-plea-offer",
			Category:     CategoryCreate,
			RequiredArgs: []string{"ticketNumber", "reason"},
			OptionalArgs: []string{"defendantEmail"},
			ResponseShape: map[string]string{
				"caseId": "string",
			},
		},
		{
			Name:         OpInitiateProsecutorOffer,
			Path:         "/mcr/cases/prosecutor-offer/initiate",
			Category:     CategoryCreate,
			RequiredArgs: []string{"ticketNumber"},
			ResponseShape: map[string]string{
				"caseId": "string",
			},
		},
		{
			Name:         OpListProsecutorOffers,
			Path:         "/mcr/tickets/prosecutor-offers",
			Category:     CategoryRead,
			RequiredArgs: []string{"ticketNumber"},
		},
		{
			Name:         OpSendCaseConfirmation,
			Path:         "/mcr/cases/{caseId}/email/preview",
			Category:     CategoryNotify,
			RequiredArgs: []string{"caseId", "toEmail"},
			ResponseShape: map[string]string{
				"queued": "bool",
			},
		},
	}
}

// Default 返回包含全部内置 MCR 操作的目录。
func Default() *Registry {
	reg, err := New(builtinOperations()...)
	if err != nil {
		// 内置目录由编译期常量构成，构造失败意味着程序本身有缺陷。
		panic(err)
	}
	return reg
}
