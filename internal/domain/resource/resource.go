// Package resource implements the CSE resource model: the common attribute
// envelope, the declarative per-type attribute policies and the per-type
// behaviour hooks the dispatcher invokes around each operation.
package resource

import (
	"strings"
	"time"

	"github.com/onem2m/cse/internal/m2m"
)

// Internal document keys. They are persisted with the resource but never
// exposed to clients.
const (
	keySRN         = "__srn__"
	keyOriginator  = "__originator__"
	keyAnnouncedTo = "__announcedTo__"
)

// AnnouncedRef records one announcement of a resource: the peer CSE-ID and
// the resource identifier allocated on the peer.
type AnnouncedRef struct {
	CSI      string
	RemoteRI string
}

// Resource is a typed resource instance. Envelope fields live as struct
// members; type-specific attributes live in Attrs under the attribute policy
// of the type.
type Resource struct {
	Ty   m2m.ResourceType
	RI   string
	PI   string
	RN   string
	SRN  string
	CT   string
	LT   string
	ET   string
	ACPI []string

	// Creator is the originator that created the resource.
	Creator string

	// AnnouncedTo tracks which peers hold an announced shadow of this
	// resource.
	AnnouncedTo []AnnouncedRef

	Attrs map[string]any
}

// New creates a resource of the given type with timestamps assigned.
func New(ty m2m.ResourceType, rn, pi string, now time.Time) *Resource {
	ts := m2m.Timestamp(now)
	return &Resource{
		Ty:    ty,
		RN:    rn,
		PI:    pi,
		CT:    ts,
		LT:    ts,
		Attrs: map[string]any{},
	}
}

// TypeDef returns the type definition of the resource.
func (r *Resource) TypeDef() *TypeDef {
	return Lookup(r.Ty)
}

// IsVirtual reports whether the resource is virtual (computed on read).
func (r *Resource) IsVirtual() bool {
	return r.Ty.IsVirtual()
}

// Attr returns a free attribute.
func (r *Resource) Attr(name string) (any, bool) {
	v, ok := r.Attrs[name]
	return v, ok
}

// SetAttr sets a free attribute.
func (r *Resource) SetAttr(name string, v any) {
	if r.Attrs == nil {
		r.Attrs = map[string]any{}
	}
	r.Attrs[name] = v
}

// DeleteAttr removes a free attribute.
func (r *Resource) DeleteAttr(name string) {
	delete(r.Attrs, name)
}

// Str returns a string attribute, or "" when absent.
func (r *Resource) Str(name string) string {
	s, _ := r.Attrs[name].(string)
	return s
}

// Int returns an integer attribute, tolerating the float64 representation
// JSON decoding produces. The second result reports presence.
func (r *Resource) Int(name string) (int, bool) {
	switch v := r.Attrs[name].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	}
	return 0, false
}

// Bool returns a boolean attribute.
func (r *Resource) Bool(name string) bool {
	b, _ := r.Attrs[name].(bool)
	return b
}

// StrSlice returns a string-list attribute regardless of whether it is held
// as []string or as the []any form JSON decoding produces.
func (r *Resource) StrSlice(name string) []string {
	return toStrSlice(r.Attrs[name])
}

func toStrSlice(v any) []string {
	switch vv := v.(type) {
	case []string:
		return vv
	case []any:
		out := make([]string, 0, len(vv))
		for _, e := range vv {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// IntSlice returns an integer-list attribute.
func (r *Resource) IntSlice(name string) []int {
	switch vv := r.Attrs[name].(type) {
	case []int:
		return vv
	case []any:
		out := make([]int, 0, len(vv))
		for _, e := range vv {
			switch n := e.(type) {
			case float64:
				out = append(out, int(n))
			case int:
				out = append(out, n)
			}
		}
		return out
	}
	return nil
}

// Map returns a nested map attribute.
func (r *Resource) Map(name string) map[string]any {
	m, _ := r.Attrs[name].(map[string]any)
	return m
}

// Document flattens the resource into its stored form.
func (r *Resource) Document() map[string]any {
	doc := make(map[string]any, len(r.Attrs)+12)
	for k, v := range r.Attrs {
		doc[k] = v
	}
	doc["ty"] = int(r.Ty)
	doc["ri"] = r.RI
	doc["rn"] = r.RN
	if r.PI != "" {
		doc["pi"] = r.PI
	}
	doc["ct"] = r.CT
	doc["lt"] = r.LT
	if r.ET != "" {
		doc["et"] = r.ET
	}
	if len(r.ACPI) > 0 {
		doc["acpi"] = r.ACPI
	}
	doc[keySRN] = r.SRN
	if r.Creator != "" {
		doc[keyOriginator] = r.Creator
	}
	if len(r.AnnouncedTo) > 0 {
		pairs := make([]any, 0, len(r.AnnouncedTo))
		for _, a := range r.AnnouncedTo {
			pairs = append(pairs, []any{a.CSI, a.RemoteRI})
		}
		doc[keyAnnouncedTo] = pairs
	}
	return doc
}

// FromDocument rebuilds a resource from its stored form.
func FromDocument(doc map[string]any) *Resource {
	r := &Resource{Attrs: map[string]any{}}
	for k, v := range doc {
		switch k {
		case "ty":
			switch t := v.(type) {
			case float64:
				r.Ty = m2m.ResourceType(t)
			case int:
				r.Ty = m2m.ResourceType(t)
			}
		case "ri":
			r.RI, _ = v.(string)
		case "rn":
			r.RN, _ = v.(string)
		case "pi":
			r.PI, _ = v.(string)
		case "ct":
			r.CT, _ = v.(string)
		case "lt":
			r.LT, _ = v.(string)
		case "et":
			r.ET, _ = v.(string)
		case "acpi":
			r.ACPI = toStrSlice(v)
		case keySRN:
			r.SRN, _ = v.(string)
		case keyOriginator:
			r.Creator, _ = v.(string)
		case keyAnnouncedTo:
			if pairs, ok := v.([]any); ok {
				for _, p := range pairs {
					if pair, ok := p.([]any); ok && len(pair) == 2 {
						csi, _ := pair[0].(string)
						remote, _ := pair[1].(string)
						r.AnnouncedTo = append(r.AnnouncedTo, AnnouncedRef{CSI: csi, RemoteRI: remote})
					}
				}
			}
		default:
			r.Attrs[k] = v
		}
	}
	return r
}

// Representation returns the client-facing representation of the resource,
// wrapped under its type key (e.g. "m2m:cnt"). Internal bookkeeping is
// stripped.
func (r *Resource) Representation() map[string]any {
	body := make(map[string]any, len(r.Attrs)+8)
	for k, v := range r.Attrs {
		if strings.HasPrefix(k, "__") {
			continue
		}
		body[k] = v
	}
	body["ty"] = int(r.Ty)
	body["ri"] = r.RI
	body["rn"] = r.RN
	if r.PI != "" {
		body["pi"] = r.PI
	}
	body["ct"] = r.CT
	body["lt"] = r.LT
	if r.ET != "" {
		body["et"] = r.ET
	}
	if len(r.ACPI) > 0 {
		body["acpi"] = r.ACPI
	}
	return map[string]any{r.Ty.String(): body}
}

// AnnouncedToCSI returns the remote resource ID of the announcement held at
// the given peer, if any.
func (r *Resource) AnnouncedToCSI(csi string) (string, bool) {
	for _, a := range r.AnnouncedTo {
		if a.CSI == csi {
			return a.RemoteRI, true
		}
	}
	return "", false
}

// AddAnnouncedTo records an announcement.
func (r *Resource) AddAnnouncedTo(csi, remoteRI string) {
	r.AnnouncedTo = append(r.AnnouncedTo, AnnouncedRef{CSI: csi, RemoteRI: remoteRI})
}

// RemoveAnnouncedTo drops the announcement record for a peer.
func (r *Resource) RemoveAnnouncedTo(csi string) {
	kept := r.AnnouncedTo[:0]
	for _, a := range r.AnnouncedTo {
		if a.CSI != csi {
			kept = append(kept, a)
		}
	}
	r.AnnouncedTo = kept
}

// AnnouncementTargets returns the CSE-IDs listed in the at attribute.
func (r *Resource) AnnouncementTargets() []string {
	var out []string
	for _, at := range r.StrSlice("at") {
		csi := at
		if i := strings.Index(at[1:], "/"); i >= 0 {
			csi = at[:i+1]
		}
		out = append(out, csi)
	}
	return out
}

// Expired reports whether the resource's expiration time lies before now.
func (r *Resource) Expired(now time.Time) bool {
	if r.ET == "" {
		return false
	}
	return r.ET < m2m.Timestamp(now)
}
