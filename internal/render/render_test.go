package render

import (
	"encoding/json"
	"strings"
	"testing"

	"MCR-Agent/internal/gateway"
	"MCR-Agent/internal/policy"
	"MCR-Agent/internal/registry"
	"MCR-Agent/internal/workflow"
)

func successStep(operation string, args map[string]any, body string) workflow.Step {
	return workflow.Step{
		Call: gateway.Call{Operation: operation, Args: args, CorrelationID: "corr-1"},
		Result: &gateway.ToolResult{
			Success: true,
			Status:  200,
			Body:    json.RawMessage(body),
		},
	}
}

func pleaResult() *workflow.FinalResult {
	return &workflow.FinalResult{
		CorrelationID: "corr-1",
		Outcome:       workflow.OutcomeSucceeded,
		State: workflow.Snapshot{
			Phase:   policy.StateNotified,
			Verdict: policy.VerdictEligible,
			CaseID:  "C-9",
		},
		Steps: []workflow.Step{
			successStep(registry.OpCheckEligibility,
				map[string]any{"ticketNumber": "T-123"},
				`{"eligible":true,"reason":"first offense"}`),
			successStep(registry.OpCreatePleaCase,
				map[string]any{"ticketNumber": "T-123", "plea": "guilty"},
				`{"caseId":"C-9"}`),
			successStep(registry.OpSendCaseConfirmation,
				map[string]any{"caseId": "C-9", "toEmail": "jane@example.com"},
				`{}`),
		},
	}
}

func TestStructuredBuildsCardPerStep(t *testing.T) {
	doc := Structured(pleaResult())

	if doc.CorrelationID != "corr-1" {
		t.Fatalf("unexpected correlation id %q", doc.CorrelationID)
	}
	if doc.Outcome != string(workflow.OutcomeSucceeded) {
		t.Fatalf("unexpected outcome %q", doc.Outcome)
	}

	kinds := []string{KindEligibility, KindCase, KindNotification, KindSummary}
	if len(doc.Cards) != len(kinds) {
		t.Fatalf("expected %d cards, got %d", len(kinds), len(doc.Cards))
	}
	for i, kind := range kinds {
		if doc.Cards[i].Kind != kind {
			t.Fatalf("card %d: expected kind %s, got %s", i, kind, doc.Cards[i].Kind)
		}
	}

	caseCard := doc.Cards[1]
	found := false
	for _, f := range caseCard.Fields {
		if f.Value == "C-9" {
			found = true
		}
	}
	if !found {
		t.Fatalf("case card misses case id: %+v", caseCard)
	}
}

func TestStructuredExpandsOffers(t *testing.T) {
	res := &workflow.FinalResult{
		CorrelationID: "corr-2",
		Outcome:       workflow.OutcomeSucceeded,
		State:         workflow.Snapshot{Phase: policy.StateStart},
		Steps: []workflow.Step{
			successStep(registry.OpListProsecutorOffers,
				map[string]any{"ticketNumber": "T-3"},
				`{"offers":[{"amount":150,"status":"open"},{"amount":90,"status":"expired"}]}`),
		},
	}

	doc := Structured(res)
	offers := doc.Cards[0]
	if offers.Kind != KindOffers {
		t.Fatalf("unexpected kind %s", offers.Kind)
	}
	if len(offers.Items) != 2 {
		t.Fatalf("expected 2 offer items, got %d", len(offers.Items))
	}
	if offers.Items[0].Fields[0].Label != "amount" {
		t.Fatalf("expected sorted fields, got %+v", offers.Items[0].Fields)
	}
}

func TestTextEscapesUpstreamContent(t *testing.T) {
	res := &workflow.FinalResult{
		CorrelationID: "corr-3",
		Outcome:       workflow.OutcomeStoppedByPolicy,
		Reason:        `<script>alert("x")</script>`,
		State:         workflow.Snapshot{Phase: policy.StateStopped},
		Steps: []workflow.Step{
			successStep(registry.OpCheckEligibility,
				map[string]any{"ticketNumber": "T-1"},
				`{"eligible":false,"reason":"<img src=x onerror=alert(1)>"}`),
		},
	}

	text := Text(res)
	if strings.Contains(text, "<script>") || strings.Contains(text, "<img") {
		t.Fatalf("upstream markup must be escaped:\n%s", text)
	}
	if !strings.Contains(text, "&lt;script&gt;") {
		t.Fatalf("expected escaped reason in output:\n%s", text)
	}
}

func TestTextIncludesCaseID(t *testing.T) {
	text := Text(pleaResult())
	if !strings.Contains(text, "C-9") {
		t.Fatalf("expected case id in text output:\n%s", text)
	}
}

func TestFormatSelectsMode(t *testing.T) {
	res := pleaResult()

	if _, ok := Format(res, workflow.OutputStructured).(*Document); !ok {
		t.Fatal("structured mode must return a document")
	}
	if _, ok := Format(res, workflow.OutputText).(string); !ok {
		t.Fatal("text mode must return a string")
	}
	// 历史别名 html 归一到文本模式。
	if _, ok := Format(res, workflow.OutputMode("html")).(string); !ok {
		t.Fatal("html alias must normalize to text mode")
	}
	if _, ok := Format(res, "").(*Document); !ok {
		t.Fatal("empty mode must default to structured")
	}
}

func TestFailedStepProducesReasonCard(t *testing.T) {
	res := &workflow.FinalResult{
		CorrelationID: "corr-4",
		Outcome:       workflow.OutcomeFailedUpstream,
		Reason:        "后端返回状态 503",
		State:         workflow.Snapshot{Phase: policy.StateStart},
		Steps: []workflow.Step{{
			Call: gateway.Call{Operation: registry.OpCheckEligibility, CorrelationID: "corr-4"},
			Result: &gateway.ToolResult{
				Success: false, Status: 503, Reason: "后端返回状态 503",
			},
		}},
	}

	doc := Structured(res)
	if len(doc.Cards) != 2 {
		t.Fatalf("expected failure card plus summary, got %d", len(doc.Cards))
	}
	if len(doc.Cards[0].Fields) == 0 || doc.Cards[0].Fields[0].Value != "后端返回状态 503" {
		t.Fatalf("unexpected failure card %+v", doc.Cards[0])
	}
}
