package resource

import (
	"testing"
	"time"

	"github.com/onem2m/cse/internal/m2m"
)

func TestDocumentRoundTrip(t *testing.T) {
	r := New(m2m.CNT, "cnt1", "parent1", time.Date(2024, 5, 17, 10, 0, 0, 0, time.UTC))
	r.RI = "cnt0001"
	r.SRN = "cse-in/cnt1"
	r.ET = "20990101T000000,000000"
	r.ACPI = []string{"acp1"}
	r.Creator = "Cae1"
	r.SetAttr("mni", 2)
	r.AddAnnouncedTo("/peer", "remote1")

	back := FromDocument(r.Document())

	if back.Ty != m2m.CNT || back.RI != "cnt0001" || back.PI != "parent1" || back.RN != "cnt1" {
		t.Fatalf("envelope lost: %+v", back)
	}
	if back.SRN != "cse-in/cnt1" || back.ET != r.ET || back.Creator != "Cae1" {
		t.Fatalf("bookkeeping lost: %+v", back)
	}
	if len(back.ACPI) != 1 || back.ACPI[0] != "acp1" {
		t.Fatalf("acpi lost: %v", back.ACPI)
	}
	if n, ok := back.Int("mni"); !ok || n != 2 {
		t.Fatalf("mni lost: %v", back.Attrs["mni"])
	}
	if remote, ok := back.AnnouncedToCSI("/peer"); !ok || remote != "remote1" {
		t.Fatalf("announcedTo lost: %v", back.AnnouncedTo)
	}
}

func TestRepresentationHidesInternals(t *testing.T) {
	r := New(m2m.AE, "ae1", "cse", time.Now())
	r.RI = "ae0001"
	r.SRN = "cse-in/ae1"
	r.Creator = "Cae1"
	r.SetAttr("api", "N.a")

	rep := r.Representation()
	body, ok := rep["m2m:ae"].(map[string]any)
	if !ok {
		t.Fatalf("representation not wrapped: %v", rep)
	}
	if _, ok := body["__srn__"]; ok {
		t.Fatal("internal attribute leaked")
	}
	if body["ri"] != "ae0001" || body["api"] != "N.a" {
		t.Fatalf("body = %v", body)
	}
}

func TestPolicyValidatePayload(t *testing.T) {
	def := Lookup(m2m.CNT)
	if def == nil {
		t.Fatal("no CNT type definition")
	}

	if err := def.Policy.ValidatePayload(m2m.CNT, map[string]any{"mni": 2}, true); err != nil {
		t.Fatalf("valid payload rejected: %v", err)
	}
	if err := def.Policy.ValidatePayload(m2m.CNT, map[string]any{"nope": 1}, true); !m2m.IsRSC(err, m2m.RSCBadRequest) {
		t.Fatalf("unknown attribute = %v", err)
	}
	if err := def.Policy.ValidatePayload(m2m.CNT, map[string]any{"cni": 1}, true); !m2m.IsRSC(err, m2m.RSCBadRequest) {
		t.Fatalf("read-only attribute = %v", err)
	}
	if err := def.Policy.ValidatePayload(m2m.CNT, map[string]any{"mni": "x"}, true); !m2m.IsRSC(err, m2m.RSCContentsUnacceptable) {
		t.Fatalf("wrong kind = %v", err)
	}
}

func TestPolicyMandatoryOnCreate(t *testing.T) {
	def := Lookup(m2m.AE)
	err := def.Policy.ValidatePayload(m2m.AE, map[string]any{"rr": false}, true)
	if !m2m.IsRSC(err, m2m.RSCBadRequest) {
		t.Fatalf("missing api = %v", err)
	}
	if err := def.Policy.ValidatePayload(m2m.AE, map[string]any{"api": "N.a", "rr": false}, true); err != nil {
		t.Fatalf("complete payload rejected: %v", err)
	}
}

func TestPolicyCreateOnlyOnUpdate(t *testing.T) {
	def := Lookup(m2m.AE)
	err := def.Policy.ValidatePayload(m2m.AE, map[string]any{"api": "N.b"}, false)
	if !m2m.IsRSC(err, m2m.RSCBadRequest) {
		t.Fatalf("create-only update = %v", err)
	}
}

func TestApplyUpdateNullRemoves(t *testing.T) {
	r := New(m2m.CNT, "c", "p", time.Now())
	r.SetAttr("lbl", []any{"a"})
	ApplyUpdate(r, map[string]any{"lbl": nil, "mni": 3})
	if v, ok := r.Attr("lbl"); !ok || v != nil {
		t.Fatalf("null marker missing: %v present=%v", v, ok)
	}
	if n, _ := r.Int("mni"); n != 3 {
		t.Fatal("mni not applied")
	}
}

func TestAllowedChildren(t *testing.T) {
	cnt := Lookup(m2m.CNT)
	if !cnt.AllowsChild(m2m.CIN) {
		t.Fatal("CNT must allow CIN")
	}
	if cnt.AllowsChild(m2m.AE) {
		t.Fatal("CNT must not allow AE")
	}
	cin := Lookup(m2m.CIN)
	if !cin.ReadOnly {
		t.Fatal("CIN must be read-only")
	}
}

func TestGrpValidate(t *testing.T) {
	def := Lookup(m2m.GRP)
	r := New(m2m.GRP, "g", "p", time.Now())
	err := def.Behavior.Validate(nil, r, true, map[string]any{
		"mid": []any{"a", "b", "c"}, "mnm": float64(2),
	})
	if !m2m.IsRSC(err, m2m.RSCBadRequest) {
		t.Fatalf("mnm < members = %v", err)
	}

	r2 := New(m2m.GRP, "g", "p", time.Now())
	if err := def.Behavior.Validate(nil, r2, true, map[string]any{
		"mid": []any{"a", "b"}, "mnm": float64(5),
	}); err != nil {
		t.Fatalf("valid group rejected: %v", err)
	}
	if cnm, _ := r2.Int("cnm"); cnm != 2 {
		t.Fatalf("cnm = %d", cnm)
	}
}

func TestReqRefusesRecallWhenForwarded(t *testing.T) {
	def := Lookup(m2m.REQ)
	r := New(m2m.REQ, "req1", "p", time.Now())
	r.SetAttr("rs", int(m2m.RequestForwarded))
	err := def.Behavior.WillBeDeactivated(nil, r, "Cae1")
	if !m2m.IsRSC(err, m2m.RSCUnableToRecallRequest) {
		t.Fatalf("forwarded request delete = %v", err)
	}

	r.SetAttr("rs", int(m2m.RequestCompleted))
	if err := def.Behavior.WillBeDeactivated(nil, r, "Cae1"); err != nil {
		t.Fatalf("completed request delete refused: %v", err)
	}
}

func TestCinContentSize(t *testing.T) {
	def := Lookup(m2m.CIN)
	r := New(m2m.CIN, "i", "p", time.Now())
	if err := def.Behavior.Validate(nil, r, true, map[string]any{"con": "hello"}); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cs, _ := r.Int("cs"); cs != 5 {
		t.Fatalf("cs = %d", cs)
	}
	if err := def.Behavior.Validate(nil, r, false, nil); !m2m.IsRSC(err, m2m.RSCOperationNotAllowed) {
		t.Fatal("cin update must be refused")
	}
}
