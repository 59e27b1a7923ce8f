package security

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/onem2m/cse/internal/domain/resource"
	"github.com/onem2m/cse/internal/m2m"
)

// fakeRetriever serves resources from a map, like the dispatcher would.
type fakeRetriever struct {
	resources map[string]*resource.Resource
}

func (f *fakeRetriever) RetrieveLocalResource(id string) (*resource.Resource, error) {
	if r, ok := f.resources[id]; ok {
		return r, nil
	}
	return nil, m2m.ErrNotFound("resource %s not found", id)
}

func newTestManager(resources map[string]*resource.Resource) *Manager {
	m := NewManager(Config{
		EnableACPChecks: true,
		CSI:             "/id-in",
		AdminOriginator: "CAdmin",
	}, zerolog.Nop())
	m.SetRetriever(&fakeRetriever{resources: resources})
	return m
}

func newACP(ri string, pvAcor []any, pvAcop int, pvsAcor []any) *resource.Resource {
	acp := resource.New(m2m.ACP, ri, "cse", time.Now())
	acp.RI = ri
	acp.SetAttr("pv", map[string]any{
		"acr": []any{map[string]any{"acor": pvAcor, "acop": float64(pvAcop)}},
	})
	acp.SetAttr("pvs", map[string]any{
		"acr": []any{map[string]any{"acor": pvsAcor, "acop": float64(m2m.PermAll)}},
	})
	return acp
}

func newTarget(ri string, acpi ...string) *resource.Resource {
	r := resource.New(m2m.CNT, ri, "cse", time.Now())
	r.RI = ri
	r.ACPI = acpi
	return r
}

func TestChecksDisabledAllowsEverything(t *testing.T) {
	m := NewManager(Config{EnableACPChecks: false}, zerolog.Nop())
	if !m.HasAccess("anyone", nil, m2m.PermDelete, 0, nil) {
		t.Fatal("disabled checks must allow")
	}
}

func TestAdminAndCSEHaveFullAccess(t *testing.T) {
	m := newTestManager(nil)
	target := newTarget("cnt1")
	if !m.HasAccess("CAdmin", target, m2m.PermDelete, 0, nil) {
		t.Fatal("admin denied")
	}
	if !m.HasAccess("/id-in", target, m2m.PermDelete, 0, nil) {
		t.Fatal("hosting CSE denied")
	}
}

func TestACPGrantsMatchingOriginatorAndPermission(t *testing.T) {
	acp := newACP("acp1", []any{"Cae1"}, int(m2m.PermRetrieve|m2m.PermUpdate), []any{"CAdmin"})
	m := newTestManager(map[string]*resource.Resource{"acp1": acp})
	target := newTarget("cnt1", "acp1")

	if !m.HasAccess("Cae1", target, m2m.PermRetrieve, 0, nil) {
		t.Fatal("granted originator denied")
	}
	if m.HasAccess("Cae1", target, m2m.PermDelete, 0, nil) {
		t.Fatal("permission outside acop granted")
	}
	if m.HasAccess("Cae2", target, m2m.PermRetrieve, 0, nil) {
		t.Fatal("unlisted originator granted")
	}
}

func TestACPAllKeywordAndWildcard(t *testing.T) {
	acp := newACP("acp1", []any{"all"}, int(m2m.PermRetrieve), []any{"CAdmin"})
	m := newTestManager(map[string]*resource.Resource{"acp1": acp})
	target := newTarget("cnt1", "acp1")
	if !m.HasAccess("whoever", target, m2m.PermRetrieve, 0, nil) {
		t.Fatal("all keyword ignored")
	}

	acp2 := newACP("acp2", []any{"Cae*"}, int(m2m.PermRetrieve), []any{"CAdmin"})
	m2 := newTestManager(map[string]*resource.Resource{"acp2": acp2})
	target2 := newTarget("cnt2", "acp2")
	if !m2.HasAccess("Cae42", target2, m2m.PermRetrieve, 0, nil) {
		t.Fatal("wildcard acor ignored")
	}
	if m2.HasAccess("Sae42", target2, m2m.PermRetrieve, 0, nil) {
		t.Fatal("wildcard acor too permissive")
	}
}

func TestACPGroupMembership(t *testing.T) {
	grp := resource.New(m2m.GRP, "grp1", "cse", time.Now())
	grp.RI = "grp1"
	grp.SetAttr("mid", []any{"Cae1", "Cae2"})

	acp := newACP("acp1", []any{"grp1"}, int(m2m.PermRetrieve), []any{"CAdmin"})
	m := newTestManager(map[string]*resource.Resource{"acp1": acp, "grp1": grp})
	target := newTarget("cnt1", "acp1")

	if !m.HasAccess("Cae2", target, m2m.PermRetrieve, 0, nil) {
		t.Fatal("group member denied")
	}
	if m.HasAccess("Cae3", target, m2m.PermRetrieve, 0, nil) {
		t.Fatal("non-member granted")
	}
}

func TestACPMonotonicity(t *testing.T) {
	// Granting an additional ACP never revokes existing access.
	acp1 := newACP("acp1", []any{"Cae1"}, int(m2m.PermRetrieve), []any{"CAdmin"})
	acp2 := newACP("acp2", []any{"Cae2"}, int(m2m.PermAll), []any{"CAdmin"})
	m := newTestManager(map[string]*resource.Resource{"acp1": acp1, "acp2": acp2})

	one := newTarget("cnt1", "acp1")
	both := newTarget("cnt1", "acp1", "acp2")
	if !m.HasAccess("Cae1", one, m2m.PermRetrieve, 0, nil) {
		t.Fatal("baseline access denied")
	}
	if !m.HasAccess("Cae1", both, m2m.PermRetrieve, 0, nil) {
		t.Fatal("additional ACP revoked access")
	}
}

func TestNoACPIFallsBackToCreator(t *testing.T) {
	m := newTestManager(nil)
	target := newTarget("cnt1")
	target.Creator = "Cae1"

	if !m.HasAccess("Cae1", target, m2m.PermUpdate, 0, nil) {
		t.Fatal("creator denied")
	}
	if m.HasAccess("Cae2", target, m2m.PermUpdate, 0, nil) {
		t.Fatal("stranger granted")
	}
}

func TestCustodianOverridesCreator(t *testing.T) {
	m := newTestManager(nil)
	target := newTarget("cnt1")
	target.Creator = "Cae1"
	target.SetAttr("cstn", "Ccust")

	if !m.HasAccess("Ccust", target, m2m.PermUpdate, 0, nil) {
		t.Fatal("custodian denied")
	}
	if m.HasAccess("Cae1", target, m2m.PermUpdate, 0, nil) {
		t.Fatal("creator granted although custodian is set")
	}
}

func TestInheritACPRecursesToParent(t *testing.T) {
	parent := newTarget("cnt1")
	parent.Creator = "Cae1"
	m := newTestManager(map[string]*resource.Resource{"cnt1": parent})

	cin := resource.New(m2m.CIN, "cin1", "cnt1", time.Now())
	cin.RI = "cin1"
	if !m.HasAccess("Cae1", cin, m2m.PermRetrieve, 0, nil) {
		t.Fatal("inherited access denied")
	}
	if m.HasAccess("Cae2", cin, m2m.PermRetrieve, 0, nil) {
		t.Fatal("inherited access too permissive")
	}
}

func TestACPSelfPermissions(t *testing.T) {
	acp := newACP("acp1", []any{"Cae1"}, int(m2m.PermAll), []any{"Cowner"})
	m := newTestManager(map[string]*resource.Resource{"acp1": acp})

	if !m.HasAccess("Cowner", acp, m2m.PermUpdate, 0, nil) {
		t.Fatal("pvs owner denied on ACP itself")
	}
	// pv rules never govern the ACP resource itself.
	if m.HasAccess("Cae1", acp, m2m.PermUpdate, 0, nil) {
		t.Fatal("pv originator granted on ACP itself")
	}
}

func TestACPIUpdatePermission(t *testing.T) {
	acp := newACP("acp1", []any{"Cae1"}, int(m2m.PermAll), []any{"Cowner"})
	m := newTestManager(map[string]*resource.Resource{"acp1": acp})

	target := newTarget("cnt1", "acp1")
	target.Creator = "Ccreator"

	// Mixing acpi with other attributes is a bad request.
	if _, err := m.CheckACPIUpdatePermission(map[string]any{"acpi": []any{"acp1"}, "lbl": []any{"x"}}, target, "Cowner"); !m2m.IsRSC(err, m2m.RSCBadRequest) {
		t.Fatalf("mixed acpi update = %v", err)
	}

	// Self-permission holder may update acpi.
	ok, err := m.CheckACPIUpdatePermission(map[string]any{"acpi": []any{"acp2"}}, target, "Cowner")
	if err != nil || !ok {
		t.Fatalf("pvs holder rejected: %v", err)
	}

	// Others may not.
	if _, err := m.CheckACPIUpdatePermission(map[string]any{"acpi": []any{"acp2"}}, target, "Cae9"); !m2m.IsRSC(err, m2m.RSCOriginatorHasNoPrivilege) {
		t.Fatalf("stranger acpi update = %v", err)
	}

	// Without a prior acpi the creator decides.
	bare := newTarget("cnt2")
	bare.Creator = "Ccreator"
	ok, err = m.CheckACPIUpdatePermission(map[string]any{"acpi": []any{"acp1"}}, bare, "Ccreator")
	if err != nil || !ok {
		t.Fatalf("creator rejected: %v", err)
	}
	if _, err := m.CheckACPIUpdatePermission(map[string]any{"acpi": []any{"acp1"}}, bare, "Cae9"); !m2m.IsRSC(err, m2m.RSCOriginatorHasNoPrivilege) {
		t.Fatalf("stranger first acpi set = %v", err)
	}

	// A payload without acpi is not an acpi update.
	ok, err = m.CheckACPIUpdatePermission(map[string]any{"lbl": []any{"x"}}, target, "Cae9")
	if err != nil || ok {
		t.Fatalf("non-acpi update misdetected: %v %v", ok, err)
	}
}

func TestACODChildTypeOnCreate(t *testing.T) {
	acp := resource.New(m2m.ACP, "acp1", "cse", time.Now())
	acp.RI = "acp1"
	acp.SetAttr("pv", map[string]any{
		"acr": []any{map[string]any{
			"acor": []any{"Cae1"},
			"acop": float64(m2m.PermCreate),
			"acod": []any{map[string]any{"chty": []any{float64(m2m.CNT)}}},
		}},
	})
	acp.SetAttr("pvs", map[string]any{
		"acr": []any{map[string]any{"acor": []any{"CAdmin"}, "acop": float64(m2m.PermAll)}},
	})
	m := newTestManager(map[string]*resource.Resource{"acp1": acp})
	target := newTarget("parent1", "acp1")

	if !m.HasAccess("Cae1", target, m2m.PermCreate, m2m.CNT, nil) {
		t.Fatal("chty-permitted create denied")
	}
	if m.HasAccess("Cae1", target, m2m.PermCreate, m2m.CIN, nil) {
		t.Fatal("chty filter ignored")
	}
}

func TestPCHRestrictedToParentOriginator(t *testing.T) {
	parent := resource.New(m2m.AE, "ae1", "cse", time.Now())
	parent.RI = "ae1"
	parent.Creator = "Cae1"
	m := newTestManager(map[string]*resource.Resource{"ae1": parent})

	pch := resource.New(m2m.PCH, "pch1", "ae1", time.Now())
	pch.RI = "pch1"
	if !m.HasAccess("Cae1", pch, m2m.PermRetrieve, 0, nil) {
		t.Fatal("parent originator denied on PCH")
	}
	if m.HasAccess("Cother", pch, m2m.PermRetrieve, 0, nil) {
		t.Fatal("stranger granted on PCH")
	}
}
