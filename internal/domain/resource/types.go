package resource

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/onem2m/cse/internal/m2m"
)

// ---------------------------------------------------------------------------
// CSEBase
// ---------------------------------------------------------------------------

type cseBaseBehavior struct{ Base }

// ---------------------------------------------------------------------------
// AE
// ---------------------------------------------------------------------------

type aeBehavior struct{ Base }

func (aeBehavior) Validate(_ Env, r *Resource, create bool, payload map[string]any) error {
	if !create {
		return nil
	}
	api, _ := payload["api"].(string)
	if api == "" {
		return m2m.ErrBadRequest("api must not be empty")
	}
	if !strings.HasPrefix(api, "R") && !strings.HasPrefix(api, "N") {
		return m2m.ErrBadRequest("api must start with 'R' or 'N'")
	}
	return nil
}

// ---------------------------------------------------------------------------
// ACP
// ---------------------------------------------------------------------------

type acpBehavior struct{ Base }

func validateRuleSet(name string, v any, allowEmpty bool) error {
	m, ok := v.(map[string]any)
	if !ok {
		return m2m.ErrBadRequest("%s must be a privilege set", name)
	}
	acr, ok := m["acr"]
	if !ok {
		if allowEmpty {
			return nil
		}
		return m2m.ErrBadRequest("%s must contain acr rules", name)
	}
	rules, ok := acr.([]any)
	if !ok {
		return m2m.ErrContentsUnacceptable("%s/acr must be a list", name)
	}
	if !allowEmpty && len(rules) == 0 {
		return m2m.ErrBadRequest("%s/acr must not be empty", name)
	}
	for _, rule := range rules {
		rm, ok := rule.(map[string]any)
		if !ok {
			return m2m.ErrContentsUnacceptable("%s/acr entries must be objects", name)
		}
		if _, ok := rm["acor"]; !ok {
			return m2m.ErrBadRequest("%s/acr entry misses acor", name)
		}
		if _, ok := rm["acop"]; !ok {
			return m2m.ErrBadRequest("%s/acr entry misses acop", name)
		}
	}
	return nil
}

func (acpBehavior) Validate(_ Env, r *Resource, create bool, payload map[string]any) error {
	if pv, ok := payload["pv"]; ok {
		if err := validateRuleSet("pv", pv, true); err != nil {
			return err
		}
	}
	if pvs, ok := payload["pvs"]; ok {
		if err := validateRuleSet("pvs", pvs, false); err != nil {
			return err
		}
	} else if !create {
		return nil
	}
	return nil
}

// ---------------------------------------------------------------------------
// Container / TimeSeries instance bookkeeping
// ---------------------------------------------------------------------------

// contentSize computes the cs attribute for an instance's con value.
func contentSize(con any) int {
	if s, ok := con.(string); ok {
		return len(s)
	}
	b, err := json.Marshal(con)
	if err != nil {
		return 0
	}
	return len(b)
}

// instancesByCT returns the instance children of a parent ordered by
// creation time, oldest first.
func instancesByCT(env Env, parent *Resource, ty m2m.ResourceType) ([]*Resource, error) {
	children, err := env.DirectChildren(parent.RI, ty)
	if err != nil {
		return nil, err
	}
	sort.Slice(children, func(i, j int) bool {
		if children[i].CT == children[j].CT {
			return children[i].RI < children[j].RI
		}
		return children[i].CT < children[j].CT
	})
	return children, nil
}

// checkInstanceWillBeAdded enforces the mbs cap against an incoming
// instance's content size.
func checkInstanceWillBeAdded(parent, child *Resource) error {
	if mbs, ok := parent.Int("mbs"); ok {
		if cs, _ := child.Int("cs"); cs > mbs {
			return m2m.ErrContentsUnacceptable("content size %d exceeds mbs %d", cs, mbs)
		}
	}
	return nil
}

// instanceAdded maintains cni/cbs on the parent and evicts the oldest
// instances while the mni or mbs caps are exceeded.
func instanceAdded(env Env, parent, child *Resource, ty m2m.ResourceType, originator string) {
	cni, _ := parent.Int("cni")
	cbs, _ := parent.Int("cbs")
	cs, _ := child.Int("cs")
	cni++
	cbs += cs

	mni, hasMNI := parent.Int("mni")
	mbs, hasMBS := parent.Int("mbs")
	if (hasMNI && cni > mni) || (hasMBS && cbs > mbs) {
		instances, err := instancesByCT(env, parent, ty)
		if err != nil {
			env.Logger().Warn().Err(err).Str("ri", parent.RI).Msg("cannot load instances for eviction")
		} else {
			for _, oldest := range instances {
				if !(hasMNI && cni > mni) && !(hasMBS && cbs > mbs) {
					break
				}
				if oldest.RI == child.RI {
					break
				}
				ocs, _ := oldest.Int("cs")
				if err := env.DeleteLocalResource(oldest, originator); err != nil {
					env.Logger().Warn().Err(err).Str("ri", oldest.RI).Msg("instance eviction failed")
					break
				}
				cni--
				cbs -= ocs
			}
		}
	}

	parent.SetAttr("cni", cni)
	parent.SetAttr("cbs", cbs)
	if err := env.CommitResource(parent); err != nil {
		env.Logger().Warn().Err(err).Str("ri", parent.RI).Msg("cannot persist instance counters")
	}
}

// instanceRemoved maintains cni/cbs after an instance deletion. It is
// skipped while the parent itself is being deleted.
func instanceRemoved(env Env, parent, child *Resource) {
	cni, _ := parent.Int("cni")
	cbs, _ := parent.Int("cbs")
	cs, _ := child.Int("cs")
	if cni > 0 {
		cni--
	}
	if cbs >= cs {
		cbs -= cs
	} else {
		cbs = 0
	}
	parent.SetAttr("cni", cni)
	parent.SetAttr("cbs", cbs)
	if err := env.CommitResource(parent); err != nil {
		env.Logger().Warn().Err(err).Str("ri", parent.RI).Msg("cannot persist instance counters")
	}
}

// ---------------------------------------------------------------------------
// Container
// ---------------------------------------------------------------------------

type cntBehavior struct{ Base }

func (cntBehavior) Validate(_ Env, r *Resource, create bool, payload map[string]any) error {
	if mni, ok := payload["mni"]; ok && mni != nil {
		if n, ok := intOf(mni); ok && n < 0 {
			return m2m.ErrBadRequest("mni must not be negative")
		}
	}
	if mbs, ok := payload["mbs"]; ok && mbs != nil {
		if n, ok := intOf(mbs); ok && n < 0 {
			return m2m.ErrBadRequest("mbs must not be negative")
		}
	}
	return nil
}

func (cntBehavior) Activate(env Env, r *Resource, _ *Resource, _ string) error {
	r.SetAttr("cni", 0)
	r.SetAttr("cbs", 0)
	return env.CommitResource(r)
}

func (cntBehavior) ChildWillBeAdded(_ Env, parent, child *Resource, _ string) error {
	if child.Ty != m2m.CIN {
		return nil
	}
	return checkInstanceWillBeAdded(parent, child)
}

func (cntBehavior) ChildAdded(env Env, parent, child *Resource, originator string) {
	if child.Ty != m2m.CIN {
		return
	}
	instanceAdded(env, parent, child, m2m.CIN, originator)
}

func (cntBehavior) ChildRemoved(env Env, parent, child *Resource, _ string) {
	if child.Ty != m2m.CIN {
		return
	}
	instanceRemoved(env, parent, child)
}

func intOf(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}

// ---------------------------------------------------------------------------
// ContentInstance
// ---------------------------------------------------------------------------

type cinBehavior struct{ Base }

func (cinBehavior) Validate(_ Env, r *Resource, create bool, payload map[string]any) error {
	if !create {
		return m2m.ErrOperationNotAllowed("contentInstances cannot be updated")
	}
	r.SetAttr("cs", contentSize(payload["con"]))
	return nil
}

// ---------------------------------------------------------------------------
// Group
// ---------------------------------------------------------------------------

type grpBehavior struct{ Base }

func (grpBehavior) Validate(_ Env, r *Resource, create bool, payload map[string]any) error {
	mid := toStrSlice(payload["mid"])
	if create || payload["mid"] != nil {
		if mnmV, ok := payload["mnm"]; ok {
			if mnm, ok := intOf(mnmV); ok && mnm < len(mid) {
				return m2m.ErrBadRequest("mnm %d smaller than number of members %d", mnm, len(mid))
			}
		}
		if payload["mid"] != nil {
			r.SetAttr("cnm", len(mid))
			r.SetAttr("mtv", false)
		}
	}
	return nil
}

func (grpBehavior) Update(env Env, r *Resource, payload map[string]any, originator string) error {
	ApplyUpdate(r, payload)
	if _, ok := payload["mid"]; ok {
		r.SetAttr("cnm", len(r.StrSlice("mid")))
	}
	return nil
}

// ---------------------------------------------------------------------------
// RemoteCSE
// ---------------------------------------------------------------------------

type csrBehavior struct{ Base }

func (csrBehavior) Validate(env Env, r *Resource, create bool, payload map[string]any) error {
	if !create {
		return nil
	}
	csi, _ := payload["csi"].(string)
	if csi == "" {
		return m2m.ErrBadRequest("csi must not be empty")
	}
	if !strings.HasPrefix(csi, "/") {
		return m2m.ErrBadRequest("csi must be in SP-relative form")
	}
	return nil
}

// ---------------------------------------------------------------------------
// Request
// ---------------------------------------------------------------------------

type reqBehavior struct{ Base }

func (reqBehavior) WillBeDeactivated(_ Env, r *Resource, _ string) error {
	if rs, ok := r.Int("rs"); ok && m2m.RequestStatus(rs) == m2m.RequestForwarded {
		return m2m.Errorf(m2m.RSCUnableToRecallRequest, "request %s has already been forwarded", r.RI)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Subscription
// ---------------------------------------------------------------------------

type subBehavior struct{ Base }

func (subBehavior) Validate(_ Env, r *Resource, create bool, payload map[string]any) error {
	if enc, ok := payload["enc"]; ok && enc != nil {
		em, ok := enc.(map[string]any)
		if !ok {
			return m2m.ErrContentsUnacceptable("enc must be an object")
		}
		if net, ok := em["net"]; ok {
			if _, isList := net.([]any); !isList {
				if _, isList := net.([]int); !isList {
					return m2m.ErrContentsUnacceptable("enc/net must be a list")
				}
			}
		}
	}
	if create {
		if _, ok := payload["enc"]; !ok {
			// Default event criteria: notify on update of the subscribed-to
			// resource.
			r.SetAttr("enc", map[string]any{"net": []any{float64(m2m.NETResourceUpdate)}})
		}
		if _, ok := payload["nct"]; !ok {
			r.SetAttr("nct", int(m2m.NCTAll))
		}
	}
	return nil
}

func (subBehavior) Activate(env Env, r *Resource, _ *Resource, originator string) error {
	return env.Notifier().AddSubscription(r, originator)
}

func (subBehavior) Update(env Env, r *Resource, payload map[string]any, originator string) error {
	previousNus := r.StrSlice("nu")
	ApplyUpdate(r, payload)
	return env.Notifier().UpdateSubscription(r, previousNus, originator)
}

func (subBehavior) Deactivate(env Env, r *Resource, _ string) {
	if err := env.Notifier().RemoveSubscription(r); err != nil {
		env.Logger().Warn().Err(err).Str("ri", r.RI).Msg("subscription removal cleanup failed")
	}
}

// ---------------------------------------------------------------------------
// CrossResourceSubscription
// ---------------------------------------------------------------------------

type crsBehavior struct{ Base }

func (crsBehavior) Validate(env Env, r *Resource, create bool, payload map[string]any) error {
	if twtV, ok := payload["twt"]; ok {
		twt, _ := intOf(twtV)
		if m2m.TimeWindowType(twt) != m2m.TWTPeriodic && m2m.TimeWindowType(twt) != m2m.TWTSliding {
			return m2m.ErrBadRequest("twt must be 1 (periodic) or 2 (sliding)")
		}
	}
	if create {
		if len(toStrSlice(payload["rrat"])) == 0 {
			return m2m.ErrBadRequest("rrat must reference at least one subscription")
		}
	}
	return nil
}

func (crsBehavior) Activate(env Env, r *Resource, _ *Resource, originator string) error {
	return env.Notifier().AddCrossResourceSubscription(r, originator)
}

func (crsBehavior) Update(env Env, r *Resource, payload map[string]any, originator string) error {
	previousNus := r.StrSlice("nu")
	ApplyUpdate(r, payload)
	return env.Notifier().UpdateCrossResourceSubscription(r, previousNus, originator)
}

func (crsBehavior) Deactivate(env Env, r *Resource, _ string) {
	env.Notifier().RemoveCrossResourceSubscription(r)
}

// ---------------------------------------------------------------------------
// TimeSeries
// ---------------------------------------------------------------------------

type tsBehavior struct{ Base }

func (tsBehavior) Validate(_ Env, r *Resource, create bool, payload map[string]any) error {
	if mdd, ok := payload["mdd"].(bool); ok && mdd {
		// Missing-data detection needs the period; a missing detection
		// window falls back to pei times the missing-data factor.
		_, hasPEI := payload["pei"]
		if !create && !hasPEI {
			_, hasPEI = r.Int("pei")
		}
		if !hasPEI {
			return m2m.ErrBadRequest("mdd requires pei")
		}
	}
	return nil
}

func (tsBehavior) Activate(env Env, r *Resource, _ *Resource, _ string) error {
	r.SetAttr("cni", 0)
	r.SetAttr("cbs", 0)
	if r.Bool("mdd") {
		r.SetAttr("mdc", 0)
		r.SetAttr("mdlt", []any{})
		env.Notifier().MonitorTimeSeries(r)
	}
	return env.CommitResource(r)
}

func (tsBehavior) Update(env Env, r *Resource, payload map[string]any, originator string) error {
	_, mddChanged := payload["mdd"]
	_, peiChanged := payload["pei"]
	_, mdtChanged := payload["mdt"]
	ApplyUpdate(r, payload)
	if mddChanged || peiChanged || mdtChanged {
		env.Notifier().StopMonitorTimeSeries(r.RI)
		if r.Bool("mdd") {
			r.SetAttr("mdc", 0)
			r.SetAttr("mdlt", []any{})
			env.Notifier().MonitorTimeSeries(r)
		} else {
			r.SetAttr("mdc", nil)
			r.SetAttr("mdlt", nil)
		}
	}
	return nil
}

func (tsBehavior) Deactivate(env Env, r *Resource, _ string) {
	env.Notifier().StopMonitorTimeSeries(r.RI)
}

func (tsBehavior) ChildWillBeAdded(_ Env, parent, child *Resource, _ string) error {
	if child.Ty != m2m.TSI {
		return nil
	}
	return checkInstanceWillBeAdded(parent, child)
}

func (tsBehavior) ChildAdded(env Env, parent, child *Resource, originator string) {
	if child.Ty != m2m.TSI {
		return
	}
	instanceAdded(env, parent, child, m2m.TSI, originator)
	env.Notifier().TimeSeriesInstanceAdded(parent, child)
}

func (tsBehavior) ChildRemoved(env Env, parent, child *Resource, _ string) {
	if child.Ty != m2m.TSI {
		return
	}
	instanceRemoved(env, parent, child)
}

// ---------------------------------------------------------------------------
// TimeSeriesInstance
// ---------------------------------------------------------------------------

type tsiBehavior struct{ Base }

func (tsiBehavior) Validate(_ Env, r *Resource, create bool, payload map[string]any) error {
	if !create {
		return m2m.ErrOperationNotAllowed("timeSeriesInstances cannot be updated")
	}
	if dgt, _ := payload["dgt"].(string); dgt != "" {
		if _, err := m2m.ParseTimestamp(dgt); err != nil {
			return m2m.ErrContentsUnacceptable("dgt is not a timestamp: %v", err)
		}
	}
	r.SetAttr("cs", contentSize(payload["con"]))
	return nil
}

// ---------------------------------------------------------------------------
// PollingChannel
// ---------------------------------------------------------------------------

type pchBehavior struct{ Base }
