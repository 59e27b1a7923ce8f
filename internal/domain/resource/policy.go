package resource

import (
	"github.com/onem2m/cse/internal/m2m"
)

// Kind is the value domain of an attribute.
type Kind int

const (
	KindString Kind = iota
	KindInt
	KindFloat
	KindBool
	KindTimestamp
	KindDuration
	KindStringList
	KindIntList
	KindMap
	KindAny
)

// AttrDef declares one attribute of a resource type: its value domain and
// its mutation rules.
type AttrDef struct {
	Kind      Kind
	Mandatory bool // must be present on CREATE
	CreateOnly bool // writable on CREATE, immutable afterwards
	ReadOnly  bool // assigned by the CSE only
}

// Policy is the declarative attribute policy of a resource type.
type Policy map[string]AttrDef

// universalPolicy covers the envelope attributes common to all resource
// types. rn/ri/pi/ty/ct/lt are handled by the dispatcher itself.
var universalPolicy = Policy{
	"et":   {Kind: KindTimestamp},
	"acpi": {Kind: KindStringList},
	"lbl":  {Kind: KindStringList},
	"at":   {Kind: KindStringList},
	"aa":   {Kind: KindStringList},
	"cstn": {Kind: KindString},
	"daci": {Kind: KindStringList},
}

func (p Policy) definition(name string) (AttrDef, bool) {
	if def, ok := p[name]; ok {
		return def, true
	}
	def, ok := universalPolicy[name]
	return def, ok
}

// Has reports whether the policy (or the universal envelope) declares the
// attribute.
func (p Policy) Has(name string) bool {
	_, ok := p.definition(name)
	return ok
}

func kindMatches(kind Kind, v any) bool {
	switch kind {
	case KindString, KindTimestamp, KindDuration:
		_, ok := v.(string)
		return ok
	case KindInt:
		switch v.(type) {
		case int, int64, float64:
			return true
		}
		return false
	case KindFloat:
		switch v.(type) {
		case float32, float64, int:
			return true
		}
		return false
	case KindBool:
		_, ok := v.(bool)
		return ok
	case KindStringList:
		switch vv := v.(type) {
		case []string:
			return true
		case []any:
			for _, e := range vv {
				if _, ok := e.(string); !ok {
					return false
				}
			}
			return true
		}
		return false
	case KindIntList:
		switch vv := v.(type) {
		case []int:
			return true
		case []any:
			for _, e := range vv {
				switch e.(type) {
				case int, float64:
				default:
					return false
				}
			}
			return true
		}
		return false
	case KindMap:
		_, ok := v.(map[string]any)
		return ok
	case KindAny:
		return true
	}
	return false
}

// ValidatePayload checks a request payload against the policy. On create,
// mandatory attributes must be present; on update, create-only and read-only
// attributes must be absent. A nil value on update requests attribute
// removal and is admitted for optional attributes only.
func (p Policy) ValidatePayload(ty m2m.ResourceType, payload map[string]any, create bool) error {
	for name, v := range payload {
		def, ok := p.definition(name)
		if !ok {
			return m2m.ErrBadRequest("unknown attribute %q for %s", name, ty)
		}
		if def.ReadOnly {
			return m2m.ErrBadRequest("attribute %q is assigned by the CSE", name)
		}
		if !create && def.CreateOnly {
			return m2m.ErrBadRequest("attribute %q cannot be updated", name)
		}
		if v == nil {
			if create {
				return m2m.ErrBadRequest("attribute %q must not be null on create", name)
			}
			if def.Mandatory {
				return m2m.ErrBadRequest("mandatory attribute %q cannot be removed", name)
			}
			continue
		}
		if !kindMatches(def.Kind, v) {
			return m2m.ErrContentsUnacceptable("attribute %q has the wrong type", name)
		}
		if def.Kind == KindTimestamp {
			if s, ok := v.(string); ok {
				if _, err := m2m.ParseTimestamp(s); err != nil {
					return m2m.ErrContentsUnacceptable("attribute %q is not a timestamp: %v", name, err)
				}
			}
		}
		if def.Kind == KindDuration {
			if s, ok := v.(string); ok {
				if _, err := m2m.ParseDuration(s); err != nil {
					return m2m.ErrContentsUnacceptable("attribute %q is not a duration: %v", name, err)
				}
			}
		}
	}
	if create {
		for name, def := range p {
			if def.Mandatory {
				if _, ok := payload[name]; !ok {
					return m2m.ErrBadRequest("mandatory attribute %q missing for %s", name, ty)
				}
			}
		}
	}
	return nil
}

// ApplyUpdate merges a validated payload into the resource attributes.
// Nil values remove the attribute; the nil marker is kept in the resource's
// attribute map so the store drops the field on commit.
func ApplyUpdate(r *Resource, payload map[string]any) {
	for name, v := range payload {
		switch name {
		case "acpi":
			if v == nil {
				r.ACPI = nil
				// Keep the removal marker so the store drops the field.
				r.SetAttr("acpi", nil)
			} else {
				r.ACPI = toStrSlice(v)
			}
		case "et":
			if v == nil {
				r.ET = ""
				r.SetAttr("et", nil)
			} else if s, ok := v.(string); ok {
				r.ET = s
			}
		default:
			r.SetAttr(name, v)
		}
	}
}
