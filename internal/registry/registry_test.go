package registry

import (
	"os"
	"path/filepath"
	"testing"

	xerrors "MCR-Agent/internal/errors"
)

func TestDefaultCatalogShape(t *testing.T) {
	catalog := Default()

	names := []string{
		OpCheckEligibility,
		OpGetTicketDetails,
		OpCreatePleaCase,
		OpCreatePleaOfferRequest,
		OpInitiateProsecutorOffer,
		OpListProsecutorOffers,
		OpSendCaseConfirmation,
	}
	for _, name := range names {
		op, err := catalog.Lookup(name)
		if err != nil {
			t.Fatalf("lookup %s: %v", name, err)
		}
		if op.Path == "" || op.Path[0] != '/' {
			t.Fatalf("operation %s has invalid path %q", name, op.Path)
		}
	}

	if _, err := catalog.Lookup("delete_everything"); err == nil {
		t.Fatal("expected unknown operation to fail")
	} else if xerrors.CodeOf(err) != xerrors.CodeNotFound {
		t.Fatalf("expected NOT_FOUND, got %s", xerrors.CodeOf(err))
	}
}

func TestCategoryMutating(t *testing.T) {
	catalog := Default()
	mutating := map[string]bool{
		OpCheckEligibility:        false,
		OpGetTicketDetails:        false,
		OpListProsecutorOffers:    false,
		OpCreatePleaCase:          true,
		OpCreatePleaOfferRequest:  true,
		OpInitiateProsecutorOffer: true,
		OpSendCaseConfirmation:    true,
	}
	for name, want := range mutating {
		op, err := catalog.Lookup(name)
		if err != nil {
			t.Fatalf("lookup %s: %v", name, err)
		}
		if op.Category.Mutating() != want {
			t.Fatalf("operation %s: Mutating() = %v, want %v", name, !want, want)
		}
	}
}

func TestRenderPath(t *testing.T) {
	op := Operation{
		Name: OpSendCaseConfirmation,
		Path: "/mcr/cases/{caseId}/email/preview",
	}

	path, err := op.RenderPath(map[string]any{"caseId": "C-9", "toEmail": "d@example.com"})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if path != "/mcr/cases/C-9/email/preview" {
		t.Fatalf("unexpected path %q", path)
	}

	if _, err := op.RenderPath(map[string]any{"toEmail": "d@example.com"}); err == nil {
		t.Fatal("expected error for missing path argument")
	}
	if _, err := op.RenderPath(map[string]any{"caseId": "  "}); err == nil {
		t.Fatal("expected error for blank path argument")
	}
}

func TestPathArgs(t *testing.T) {
	op := Operation{Path: "/mcr/cases/{caseId}/email/preview"}
	args := op.PathArgs()
	if len(args) != 1 || args[0] != "caseId" {
		t.Fatalf("unexpected path args %v", args)
	}

	if args := (Operation{Path: "/mcr/tickets/details"}).PathArgs(); len(args) != 0 {
		t.Fatalf("expected no path args, got %v", args)
	}
}

func TestMissingArgs(t *testing.T) {
	op := Operation{
		Name:         OpCreatePleaCase,
		RequiredArgs: []string{"ticketNumber", "plea"},
	}
	missing := op.MissingArgs(map[string]any{"ticketNumber": "T-1", "plea": " "})
	if len(missing) != 1 || missing[0] != "plea" {
		t.Fatalf("unexpected missing args %v", missing)
	}
	if missing := op.MissingArgs(map[string]any{"ticketNumber": "T-1", "plea": "guilty"}); len(missing) != 0 {
		t.Fatalf("unexpected missing args %v", missing)
	}
}

func TestNewRejectsInvalidOperations(t *testing.T) {
	cases := []struct {
		name string
		ops  []Operation
	}{
		{"empty name", []Operation{{Name: " ", Path: "/x", Category: CategoryRead}}},
		{"relative path", []Operation{{Name: "a", Path: "x", Category: CategoryRead}}},
		{"unknown category", []Operation{{Name: "a", Path: "/x", Category: "bogus"}}},
		{"duplicate", []Operation{
			{Name: "a", Path: "/x", Category: CategoryRead},
			{Name: "a", Path: "/y", Category: CategoryRead},
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := New(tc.ops...); err == nil {
				t.Fatal("expected configuration error")
			}
		})
	}
}

func TestLoadMergesCatalogFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tools.yaml")
	content := `operations:
  - name: get_ticket_details
    path: /mcr/v2/tickets/details
    category: read
    required_args: [ticketNumber]
  - name: lookup_court_date
    path: /mcr/tickets/court-date
    category: read
    required_args: [ticketNumber]
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write catalog: %v", err)
	}

	catalog, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	op, err := catalog.Lookup(OpGetTicketDetails)
	if err != nil {
		t.Fatalf("lookup overridden op: %v", err)
	}
	if op.Path != "/mcr/v2/tickets/details" {
		t.Fatalf("catalog file must override builtin, got %q", op.Path)
	}

	if _, err := catalog.Lookup("lookup_court_date"); err != nil {
		t.Fatalf("lookup added op: %v", err)
	}
	if _, err := catalog.Lookup(OpCreatePleaCase); err != nil {
		t.Fatalf("builtin op must survive merge: %v", err)
	}
}
