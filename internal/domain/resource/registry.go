package resource

import (
	"github.com/onem2m/cse/internal/m2m"
)

// TypeDef describes a resource type: its attribute policy, behaviour, the
// child types it admits and a few structural properties the dispatcher and
// the access-control engine consult.
type TypeDef struct {
	Ty              m2m.ResourceType
	Policy          Policy
	Behavior        Behavior
	AllowedChildren []m2m.ResourceType

	// HasACPI marks types whose instances may carry an acpi attribute.
	HasACPI bool

	// InheritACP marks types whose access control recurses to the parent
	// when no policy applies directly.
	InheritACP bool

	// ReadOnly marks types whose instances cannot be updated.
	ReadOnly bool

	// Virtual marks virtual types, which are never stored.
	Virtual bool
}

var registry = map[m2m.ResourceType]*TypeDef{}

func register(def *TypeDef) {
	registry[def.Ty] = def
}

// Lookup returns the type definition for a type code, or nil.
func Lookup(ty m2m.ResourceType) *TypeDef {
	return registry[ty]
}

// AllowsChild reports whether the type admits a child of the given type.
func (d *TypeDef) AllowsChild(ty m2m.ResourceType) bool {
	for _, t := range d.AllowedChildren {
		if t == ty {
			return true
		}
	}
	return false
}

func init() {
	register(&TypeDef{
		Ty: m2m.CSEBase,
		Policy: Policy{
			"csi": {Kind: KindString, ReadOnly: true},
			"cst": {Kind: KindInt, ReadOnly: true},
			"srt": {Kind: KindIntList, ReadOnly: true},
			"poa": {Kind: KindStringList},
			"srv": {Kind: KindStringList, ReadOnly: true},
		},
		Behavior: cseBaseBehavior{},
		AllowedChildren: []m2m.ResourceType{
			m2m.ACP, m2m.AE, m2m.CNT, m2m.GRP, m2m.CSR, m2m.REQ, m2m.SUB, m2m.TS, m2m.CRS,
		},
		HasACPI: true,
	})

	register(&TypeDef{
		Ty: m2m.AE,
		Policy: Policy{
			"api": {Kind: KindString, Mandatory: true, CreateOnly: true},
			"aei": {Kind: KindString, ReadOnly: true},
			"rr":  {Kind: KindBool, Mandatory: true},
			"poa": {Kind: KindStringList},
			"srv": {Kind: KindStringList},
			"nl":  {Kind: KindString},
			"or":  {Kind: KindString},
		},
		Behavior: aeBehavior{},
		AllowedChildren: []m2m.ResourceType{
			m2m.ACP, m2m.CNT, m2m.GRP, m2m.SUB, m2m.TS, m2m.CRS, m2m.PCH,
		},
		HasACPI: true,
	})

	register(&TypeDef{
		Ty: m2m.ACP,
		Policy: Policy{
			"pv":  {Kind: KindMap, Mandatory: true},
			"pvs": {Kind: KindMap, Mandatory: true},
		},
		Behavior:        acpBehavior{},
		AllowedChildren: []m2m.ResourceType{m2m.SUB},
	})

	register(&TypeDef{
		Ty: m2m.CNT,
		Policy: Policy{
			"mni":  {Kind: KindInt},
			"mbs":  {Kind: KindInt},
			"mia":  {Kind: KindInt},
			"cni":  {Kind: KindInt, ReadOnly: true},
			"cbs":  {Kind: KindInt, ReadOnly: true},
			"li":   {Kind: KindString},
			"or":   {Kind: KindString},
			"disr": {Kind: KindBool},
		},
		Behavior: cntBehavior{},
		AllowedChildren: []m2m.ResourceType{
			m2m.CNT, m2m.CIN, m2m.SUB, m2m.TS,
		},
		HasACPI:    true,
		InheritACP: false,
	})

	register(&TypeDef{
		Ty: m2m.CIN,
		Policy: Policy{
			"cnf": {Kind: KindString, CreateOnly: true},
			"cs":  {Kind: KindInt, ReadOnly: true},
			"con": {Kind: KindAny, Mandatory: true, CreateOnly: true},
			"or":  {Kind: KindString},
			"dgt": {Kind: KindTimestamp, CreateOnly: true},
		},
		Behavior:        cinBehavior{},
		AllowedChildren: nil,
		ReadOnly:        true,
		InheritACP:      true,
	})

	register(&TypeDef{
		Ty: m2m.GRP,
		Policy: Policy{
			"mt":   {Kind: KindInt},
			"cnm":  {Kind: KindInt, ReadOnly: true},
			"mnm":  {Kind: KindInt},
			"mid":  {Kind: KindStringList, Mandatory: true},
			"macp": {Kind: KindStringList},
			"mtv":  {Kind: KindBool, ReadOnly: true},
			"csy":  {Kind: KindInt},
		},
		Behavior:        grpBehavior{},
		AllowedChildren: []m2m.ResourceType{m2m.SUB},
		HasACPI:         true,
	})

	register(&TypeDef{
		Ty: m2m.CSR,
		Policy: Policy{
			"csi": {Kind: KindString, Mandatory: true, CreateOnly: true},
			"cb":  {Kind: KindString},
			"poa": {Kind: KindStringList},
			"rr":  {Kind: KindBool},
			"mei": {Kind: KindString},
		},
		Behavior: csrBehavior{},
		AllowedChildren: []m2m.ResourceType{
			m2m.CNT, m2m.GRP, m2m.SUB, m2m.TS,
		},
		HasACPI: true,
	})

	register(&TypeDef{
		Ty: m2m.REQ,
		Policy: Policy{
			"op":  {Kind: KindInt, ReadOnly: true},
			"tg":  {Kind: KindString, ReadOnly: true},
			"org": {Kind: KindString, ReadOnly: true},
			"rid": {Kind: KindString, ReadOnly: true},
			"rs":  {Kind: KindInt, ReadOnly: true},
			"ors": {Kind: KindMap, ReadOnly: true},
			"mi":  {Kind: KindMap, ReadOnly: true},
		},
		Behavior:        reqBehavior{},
		AllowedChildren: []m2m.ResourceType{m2m.SUB},
		InheritACP:      true,
	})

	register(&TypeDef{
		Ty: m2m.SUB,
		Policy: Policy{
			"enc":  {Kind: KindMap},
			"nu":   {Kind: KindStringList, Mandatory: true},
			"nct":  {Kind: KindInt},
			"bn":   {Kind: KindMap},
			"ln":   {Kind: KindBool},
			"su":   {Kind: KindString},
			"exc":  {Kind: KindInt},
			"acrs": {Kind: KindStringList},
			"ma":   {Kind: KindDuration},
			"cr":   {Kind: KindString, CreateOnly: true},
			"nec":  {Kind: KindInt},
		},
		Behavior:        subBehavior{},
		AllowedChildren: nil,
		InheritACP:      true,
	})

	register(&TypeDef{
		Ty: m2m.CRS,
		Policy: Policy{
			"nu":   {Kind: KindStringList, Mandatory: true},
			"twt":  {Kind: KindInt, Mandatory: true, CreateOnly: true},
			"tws":  {Kind: KindDuration, Mandatory: true},
			"rrat": {Kind: KindStringList, Mandatory: true, CreateOnly: true},
			"su":   {Kind: KindString},
			"exc":  {Kind: KindInt},
		},
		Behavior:        crsBehavior{},
		AllowedChildren: nil,
		InheritACP:      true,
	})

	register(&TypeDef{
		Ty: m2m.TS,
		Policy: Policy{
			"pei":  {Kind: KindInt},
			"mdd":  {Kind: KindBool},
			"mdn":  {Kind: KindInt},
			"mdlt": {Kind: KindStringList, ReadOnly: true},
			"mdc":  {Kind: KindInt, ReadOnly: true},
			"mdt":  {Kind: KindInt},
			"mni":  {Kind: KindInt},
			"mbs":  {Kind: KindInt},
			"mia":  {Kind: KindInt},
			"cni":  {Kind: KindInt, ReadOnly: true},
			"cbs":  {Kind: KindInt, ReadOnly: true},
			"or":   {Kind: KindString},
		},
		Behavior: tsBehavior{},
		AllowedChildren: []m2m.ResourceType{
			m2m.TSI, m2m.SUB,
		},
		HasACPI: true,
	})

	register(&TypeDef{
		Ty: m2m.TSI,
		Policy: Policy{
			"dgt": {Kind: KindTimestamp, Mandatory: true, CreateOnly: true},
			"con": {Kind: KindAny, Mandatory: true, CreateOnly: true},
			"cs":  {Kind: KindInt, ReadOnly: true},
			"snr": {Kind: KindInt},
		},
		Behavior:        tsiBehavior{},
		AllowedChildren: nil,
		ReadOnly:        true,
		InheritACP:      true,
	})

	register(&TypeDef{
		Ty: m2m.PCH,
		Policy: Policy{
			"rqag": {Kind: KindBool},
		},
		Behavior:        pchBehavior{},
		AllowedChildren: nil,
	})

	register(&TypeDef{
		Ty:       m2m.Latest,
		Policy:   Policy{},
		Behavior: Base{},
		Virtual:  true,
	})
	register(&TypeDef{
		Ty:       m2m.Oldest,
		Policy:   Policy{},
		Behavior: Base{},
		Virtual:  true,
	})
}
