package render

import (
	"fmt"
	"html"
	"sort"
	"strings"

	"MCR-Agent/internal/registry"
	"MCR-Agent/internal/workflow"
)

// Field 是卡片里的一个键值对。
type Field struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

// Card 是面向前端的结构化展示单元，按步骤逐张生成。
type Card struct {
	Kind   string  `json:"kind"`
	Title  string  `json:"title"`
	Fields []Field `json:"fields,omitempty"`
	Items  []Card  `json:"items,omitempty"`
}

// Document 是一次运行的结构化渲染结果。
type Document struct {
	CorrelationID string `json:"correlation_id"`
	Outcome       string `json:"outcome"`
	Reason        string `json:"reason,omitempty"`
	Cards         []Card `json:"cards"`
}

// 卡片类别。
const (
	KindEligibility  = "eligibility"
	KindCase         = "case"
	KindOffers       = "offers"
	KindDetails      = "details"
	KindNotification = "notification"
	KindSummary      = "summary"
)

// Format 按输出模式渲染最终结果。渲染是纯函数，只依赖结果本身。
func Format(res *workflow.FinalResult, mode workflow.OutputMode) any {
	if mode.Normalize() == workflow.OutputText {
		return Text(res)
	}
	return Structured(res)
}

// Structured 把运行结果渲染为卡片模型，逐步骤生成对应卡片，
// 末尾附一张总结卡。
func Structured(res *workflow.FinalResult) *Document {
	doc := &Document{
		CorrelationID: res.CorrelationID,
		Outcome:       string(res.Outcome),
		Reason:        res.Reason,
	}
	for _, step := range res.Steps {
		if card, ok := stepCard(step); ok {
			doc.Cards = append(doc.Cards, card)
		}
	}
	doc.Cards = append(doc.Cards, summaryCard(res))
	return doc
}

// Text 把运行结果渲染为文本片段。所有来自后端响应的字符串都经过
// HTML 转义后才进入输出，防止上游内容被当作标记解释。
func Text(res *workflow.FinalResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "运行 %s：%s\n", html.EscapeString(res.CorrelationID), outcomeText(res.Outcome))
	if res.Reason != "" {
		fmt.Fprintf(&b, "原因：%s\n", html.EscapeString(res.Reason))
	}
	for _, step := range res.Steps {
		card, ok := stepCard(step)
		if !ok {
			continue
		}
		fmt.Fprintf(&b, "- %s", html.EscapeString(card.Title))
		for _, f := range card.Fields {
			fmt.Fprintf(&b, " | %s: %s", html.EscapeString(f.Label), html.EscapeString(f.Value))
		}
		b.WriteString("\n")
		for _, item := range card.Items {
			fmt.Fprintf(&b, "    * %s", html.EscapeString(item.Title))
			for _, f := range item.Fields {
				fmt.Fprintf(&b, " | %s: %s", html.EscapeString(f.Label), html.EscapeString(f.Value))
			}
			b.WriteString("\n")
		}
	}
	if res.State.CaseID != "" {
		fmt.Fprintf(&b, "案件编号：%s\n", html.EscapeString(res.State.CaseID))
	}
	return b.String()
}

func outcomeText(outcome workflow.Outcome) string {
	switch outcome {
	case workflow.OutcomeSucceeded:
		return "已完成"
	case workflow.OutcomeStoppedByPolicy:
		return "已按策略停止"
	case workflow.OutcomeFailedUpstream:
		return "后端调用失败"
	case workflow.OutcomeBudgetExceeded:
		return "超出步数预算"
	default:
		return string(outcome)
	}
}

// stepCard 为单个步骤生成卡片。失败的步骤统一生成带原因的卡片。
func stepCard(step workflow.Step) (Card, bool) {
	payload := step.Result.Payload()
	if !step.Result.Success {
		reason := step.Result.Reason
		if reason == "" {
			reason = fmt.Sprintf("HTTP %d", step.Result.Status)
		}
		return Card{
			Kind:   KindSummary,
			Title:  fmt.Sprintf("%s 失败", step.Call.Operation),
			Fields: []Field{{Label: "原因", Value: reason}},
		}, true
	}

	switch step.Call.Operation {
	case registry.OpCheckEligibility:
		fields := []Field{{Label: "票据", Value: argString(step.Call.Args, "ticketNumber")}}
		if eligible, ok := step.Result.BoolField("eligible"); ok {
			verdict := "不符合条件"
			if eligible {
				verdict = "符合条件"
			}
			fields = append(fields, Field{Label: "结论", Value: verdict})
		}
		if reason := step.Result.StringField("reason"); reason != "" {
			fields = append(fields, Field{Label: "说明", Value: reason})
		}
		return Card{Kind: KindEligibility, Title: "资格核验", Fields: fields}, true

	case registry.OpCreatePleaCase, registry.OpCreatePleaOfferRequest, registry.OpInitiateProsecutorOffer:
		fields := []Field{{Label: "票据", Value: argString(step.Call.Args, "ticketNumber")}}
		if id := step.Result.StringField("caseId"); id != "" {
			fields = append(fields, Field{Label: "案件编号", Value: id})
		}
		if plea := argString(step.Call.Args, "plea"); plea != "" {
			fields = append(fields, Field{Label: "答辩", Value: plea})
		}
		return Card{Kind: KindCase, Title: "案件已创建", Fields: fields}, true

	case registry.OpListProsecutorOffers:
		card := Card{Kind: KindOffers, Title: "检方要约列表"}
		card.Items = offerItems(payload)
		return card, true

	case registry.OpGetTicketDetails:
		return Card{Kind: KindDetails, Title: "票据详情", Fields: payloadFields(payload)}, true

	case registry.OpSendCaseConfirmation:
		return Card{
			Kind:  KindNotification,
			Title: "确认邮件已发送",
			Fields: []Field{
				{Label: "收件人", Value: argString(step.Call.Args, "toEmail")},
			},
		}, true
	}

	return Card{Kind: KindDetails, Title: step.Call.Operation, Fields: payloadFields(payload)}, true
}

func summaryCard(res *workflow.FinalResult) Card {
	fields := []Field{
		{Label: "结论", Value: outcomeText(res.Outcome)},
		{Label: "状态", Value: string(res.State.Phase)},
	}
	if res.State.CaseID != "" {
		fields = append(fields, Field{Label: "案件编号", Value: res.State.CaseID})
	}
	if res.Reason != "" {
		fields = append(fields, Field{Label: "原因", Value: res.Reason})
	}
	return Card{Kind: KindSummary, Title: "运行总结", Fields: fields}
}

// offerItems 把 offers 数组展开为子卡片，字段顺序保持稳定。
func offerItems(payload map[string]any) []Card {
	offers, ok := payload["offers"].([]any)
	if !ok {
		return nil
	}
	items := make([]Card, 0, len(offers))
	for i, raw := range offers {
		entry, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		items = append(items, Card{
			Kind:   KindOffers,
			Title:  fmt.Sprintf("要约 %d", i+1),
			Fields: payloadFields(entry),
		})
	}
	return items
}

// payloadFields 把响应体的顶层标量字段转成有序的键值对。
func payloadFields(payload map[string]any) []Field {
	keys := make([]string, 0, len(payload))
	for k := range payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fields := make([]Field, 0, len(keys))
	for _, k := range keys {
		switch v := payload[k].(type) {
		case string:
			fields = append(fields, Field{Label: k, Value: v})
		case bool:
			fields = append(fields, Field{Label: k, Value: fmt.Sprintf("%t", v)})
		case float64:
			fields = append(fields, Field{Label: k, Value: strings.TrimSuffix(fmt.Sprintf("%g", v), ".0")})
		}
	}
	return fields
}

func argString(args map[string]any, key string) string {
	if s, ok := args[key].(string); ok {
		return s
	}
	return ""
}
