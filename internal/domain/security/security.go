// Package security implements the access-control engine of the CSE. It
// evaluates access-control policies, ACP self-permissions, wildcard and
// group-membership originator rules, and gatekeeps every dispatcher
// operation.
package security

import (
	"github.com/rs/zerolog"

	"github.com/onem2m/cse/internal/m2m"
	"github.com/onem2m/cse/internal/domain/resource"
)

// Retriever loads resources for policy evaluation. The dispatcher implements
// it; ACPs and groups are always resolved lazily by ID.
type Retriever interface {
	RetrieveLocalResource(id string) (*resource.Resource, error)
}

// Config carries the security-relevant CSE identity and settings.
type Config struct {
	// EnableACPChecks turns the whole engine on or off.
	EnableACPChecks bool

	// CSI is the CSE-ID with leading slash, e.g. "/id-in".
	CSI string

	// AdminOriginator has full access, e.g. "CAdmin".
	AdminOriginator string

	// RegistrarCSI is the CSE-ID of the registrar CSE, if any.
	RegistrarCSI string

	// AllowedCSROriginators may contain wildcards.
	AllowedCSROriginators []string

	// AllowedAEOriginators may contain wildcards; an empty list admits any
	// originator for AE registration.
	AllowedAEOriginators []string
}

// Manager is the access-control engine.
type Manager struct {
	cfg       Config
	retriever Retriever
	log       zerolog.Logger
}

// NewManager creates the engine. The retriever is attached later with
// SetRetriever since the dispatcher is constructed afterwards.
func NewManager(cfg Config, log zerolog.Logger) *Manager {
	return &Manager{
		cfg: cfg,
		log: log.With().Str("component", "security").Logger(),
	}
}

// SetRetriever attaches the resource retriever.
func (m *Manager) SetRetriever(r Retriever) { m.retriever = r }

// HasAccess tests whether an originator may perform an operation with the
// requested permission on a resource. ty is the type about to be created on
// CREATE requests; parent is the target's parent when the caller has it.
func (m *Manager) HasAccess(originator string, res *resource.Resource, perm m2m.Permission, ty m2m.ResourceType, parent *resource.Resource) bool {
	if !m.cfg.EnableACPChecks {
		return true
	}

	// The hosting CSE and the configured admin have full access.
	if originator == "" || originator == m.cfg.AdminOriginator || originator == m.cfg.CSI {
		return true
	}

	// The CSE may always notify.
	if perm == m2m.PermNotify && originator == m.cfg.CSI {
		return true
	}

	// Originators registered to this CSE may address themselves in
	// SP-relative form.
	if m2m.IsSPRelative(originator) {
		originator = m2m.ToCSERelative(m.cfg.CSI, originator)
	}

	if perm <= 0 || perm > m2m.PermAll {
		m.log.Warn().Int("perm", int(perm)).Msg("invalid requested permission")
		return false
	}

	// Registration short-circuits.
	if perm == m2m.PermCreate {
		switch ty {
		case m2m.AE:
			if len(m.cfg.AllowedAEOriginators) == 0 || m.matchesAny(originator, m.cfg.AllowedAEOriginators) {
				return true
			}
		case m2m.CSR:
			return m.matchesAny(originator, m.cfg.AllowedCSROriginators)
		}
		if ty.IsAnnounced() {
			return m.matchesAny(originator, m.cfg.AllowedCSROriginators)
		}
	}

	if res == nil {
		return false
	}

	// A peer the resource is announced to may update the announcement
	// bookkeeping.
	if perm == m2m.PermUpdate {
		prefix := originator + "/"
		for _, at := range res.StrSlice("at") {
			if at == originator || hasPrefix(at, prefix) {
				return true
			}
		}
	}

	// Type-specific rules.
	switch res.Ty {
	case m2m.CSEBase:
		if perm&m2m.PermRetrieve != 0 {
			if originator == m.cfg.RegistrarCSI {
				return true
			}
			if m.matchesAny(originator, m.cfg.AllowedCSROriginators) {
				return true
			}
			if m.isRegisteredAE(originator) {
				return true
			}
		}
		// Fall through to the ACP checks below.

	case m2m.PCH:
		// Polling-channel access is restricted to the originator of the
		// parent resource.
		return m.parentOriginator(res) == originator

	case m2m.GRP:
		if macp := res.StrSlice("macp"); len(macp) > 0 {
			for _, acpRI := range macp {
				if m.checkACP(acpRI, originator, perm, ty) {
					return true
				}
			}
			return false
		}
		// Without macp the group's own acpi applies.

	case m2m.ACP, m2m.ACP.Announced():
		// ACP access is governed by its own self-permissions.
		return m.CheckSelfPermission(res, originator, perm)

	case m2m.SUB:
		// Subscribing requires retrieve permission on the subscribed-to
		// resource.
		if parent != nil && !m.HasAccess(originator, parent, m2m.PermRetrieve, 0, nil) {
			return false
		}
	}

	// Evaluate the resource's ACPs.
	if len(res.ACPI) == 0 {
		def := res.TypeDef()
		if def != nil && def.HasACPI {
			// The type may carry an acpi but this instance does not:
			// custodian, then creator decide.
			if cstn := res.Str("cstn"); cstn != "" {
				return cstn == originator
			}
			return res.Creator == originator
		}
		if def != nil && def.InheritACP {
			if parent == nil {
				p, err := m.retriever.RetrieveLocalResource(res.PI)
				if err != nil {
					m.log.Warn().Err(err).Str("pi", res.PI).Msg("parent not found for inherited ACP check")
					return false
				}
				parent = p
			}
			return m.HasAccess(originator, parent, perm, ty, nil)
		}
		return false
	}
	for _, acpRI := range res.ACPI {
		if m.checkACP(acpRI, originator, perm, ty) {
			return true
		}
	}
	return false
}

// CheckACPIUpdatePermission validates an UPDATE that touches the acpi
// attribute. It reports whether the payload is an acpi update; a payload
// that mixes acpi with other attributes is a bad request, and an originator
// without self-permission on a current ACP has no privilege.
func (m *Manager) CheckACPIUpdatePermission(payload map[string]any, target *resource.Resource, originator string) (bool, error) {
	if _, ok := payload["acpi"]; !ok {
		return false, nil
	}
	if len(payload) > 1 {
		return false, m2m.ErrBadRequest("acpi must be the only attribute in an update")
	}
	originator = m2m.IDFromOriginator(originator)
	if len(target.ACPI) == 0 {
		if originator != target.Creator {
			return false, m2m.ErrNoPrivilege("originator %s may not set acpi on %s", originator, target.RI)
		}
		return true, nil
	}
	for _, acpRI := range target.ACPI {
		acp, err := m.retriever.RetrieveLocalResource(acpRI)
		if err != nil {
			m.log.Warn().Err(err).Str("acp", acpRI).Msg("referenced ACP not found for acpi update check")
			continue
		}
		if m.CheckSelfPermission(acp, originator, m2m.PermUpdate) {
			return true, nil
		}
	}
	return false, m2m.ErrNoPrivilege("originator %s has no permission to update acpi of %s", originator, target.RI)
}

// checkACP evaluates the pv rule set of one referenced ACP.
func (m *Manager) checkACP(acpRI, originator string, perm m2m.Permission, ty m2m.ResourceType) bool {
	acp, err := m.retriever.RetrieveLocalResource(acpRI)
	if err != nil {
		m.log.Debug().Err(err).Str("acp", acpRI).Msg("referenced ACP not found")
		return false
	}
	if acp.Ty != m2m.ACP && acp.Ty != m2m.ACP.Announced() {
		return false
	}
	return m.CheckPermission(acp, originator, perm, ty)
}

// CheckPermission evaluates the pv rules of an ACP resource against an
// originator and permission. ty participates in the acod object-detail
// filter: on CREATE it must be included in chty, otherwise it must equal the
// rule's ty.
func (m *Manager) CheckPermission(acp *resource.Resource, originator string, perm m2m.Permission, ty m2m.ResourceType) bool {
	for _, rule := range accessControlRules(acp, "pv") {
		if perm&rule.acop == m2m.PermNone {
			continue
		}
		if len(rule.acod) > 0 && !acodMatches(rule.acod, perm, ty) {
			continue
		}
		if m.checkAcor(rule.acor, originator) {
			return true
		}
	}
	return false
}

// CheckSelfPermission evaluates the pvs rules governing the ACP itself.
func (m *Manager) CheckSelfPermission(acp *resource.Resource, originator string, perm m2m.Permission) bool {
	for _, rule := range accessControlRules(acp, "pvs") {
		if perm&rule.acop == m2m.PermNone {
			continue
		}
		if m.checkAcor(rule.acor, originator) {
			return true
		}
	}
	return false
}

// checkAcor tests an originator against an acor entry list: literal match,
// the "all" keyword, a wildcard pattern, or membership in a referenced
// group.
func (m *Manager) checkAcor(acor []string, originator string) bool {
	for _, a := range acor {
		if a == "all" || a == originator {
			return true
		}
	}
	for _, a := range acor {
		// Group membership: resolve the referenced resource and test the
		// originator against its member list.
		if grp, err := m.retriever.RetrieveLocalResource(a); err == nil && grp.Ty == m2m.GRP {
			for _, mid := range grp.StrSlice("mid") {
				if mid == originator {
					return true
				}
			}
			continue
		}
		if m2m.SimpleMatch(originator, a) {
			return true
		}
	}
	return false
}

func (m *Manager) matchesAny(originator string, patterns []string) bool {
	if originator == "" || len(patterns) == 0 {
		return false
	}
	id := m2m.IDFromOriginator(originator)
	for _, p := range patterns {
		if m2m.SimpleMatch(id, p) {
			return true
		}
	}
	return false
}

func (m *Manager) isRegisteredAE(originator string) bool {
	id := m2m.IDFromOriginator(originator)
	_, err := m.retriever.RetrieveLocalResource(id)
	return err == nil
}

func (m *Manager) parentOriginator(res *resource.Resource) string {
	parent, err := m.retriever.RetrieveLocalResource(res.PI)
	if err != nil {
		return ""
	}
	return parent.Creator
}

// accessControlRule is the evaluated form of one acr entry.
type accessControlRule struct {
	acor []string
	acop m2m.Permission
	acod []map[string]any
}

// accessControlRules extracts the acr entries of the pv or pvs rule set.
func accessControlRules(acp *resource.Resource, set string) []accessControlRule {
	ruleSet := acp.Map(set)
	if ruleSet == nil {
		return nil
	}
	acr, ok := ruleSet["acr"].([]any)
	if !ok {
		return nil
	}
	var out []accessControlRule
	for _, entry := range acr {
		em, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		rule := accessControlRule{}
		switch v := em["acor"].(type) {
		case []any:
			for _, o := range v {
				if s, ok := o.(string); ok {
					rule.acor = append(rule.acor, s)
				}
			}
		case []string:
			rule.acor = v
		}
		switch v := em["acop"].(type) {
		case float64:
			rule.acop = m2m.Permission(v)
		case int:
			rule.acop = m2m.Permission(v)
		}
		if acod, ok := em["acod"].([]any); ok {
			for _, d := range acod {
				if dm, ok := d.(map[string]any); ok {
					rule.acod = append(rule.acod, dm)
				}
			}
		}
		out = append(out, rule)
	}
	return out
}

// acodMatches evaluates the object-detail filters of a rule. On CREATE the
// created type must appear in a filter's chty list; for any other permission
// the filter's ty must match.
func acodMatches(acod []map[string]any, perm m2m.Permission, ty m2m.ResourceType) bool {
	for _, d := range acod {
		if perm == m2m.PermCreate {
			chty, ok := d["chty"].([]any)
			if !ok || ty == 0 {
				continue
			}
			for _, c := range chty {
				if n, ok := c.(float64); ok && m2m.ResourceType(n) == ty {
					return true
				}
				if n, ok := c.(int); ok && m2m.ResourceType(n) == ty {
					return true
				}
			}
			continue
		}
		if ty == 0 {
			return true
		}
		switch v := d["ty"].(type) {
		case float64:
			if m2m.ResourceType(v) == ty {
				return true
			}
		case int:
			if m2m.ResourceType(v) == ty {
				return true
			}
		default:
			// A filter without ty does not constrain non-CREATE
			// permissions.
			return true
		}
	}
	return false
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}
