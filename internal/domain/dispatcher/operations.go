package dispatcher

import (
	"errors"
	"sort"
	"strings"

	"github.com/onem2m/cse/internal/domain/resource"
	"github.com/onem2m/cse/internal/m2m"
	"github.com/onem2m/cse/internal/platform/events"
	"github.com/onem2m/cse/internal/platform/store"
)

// CreateResource handles a CREATE primitive: resolve the parent, authorise,
// validate, commit and run the post-commit hooks. payload is the attribute
// map of the new resource (without its type wrapper).
func (d *Dispatcher) CreateResource(target string, ty m2m.ResourceType, payload map[string]any, originator string) (*resource.Resource, error) {
	parent, virtual, err := d.resolveTarget(target)
	if err != nil {
		return nil, err
	}
	if virtual != 0 {
		return nil, m2m.ErrOperationNotAllowed("cannot create under a virtual resource")
	}

	def := resource.Lookup(ty)
	if def == nil || def.Virtual {
		return nil, m2m.ErrBadRequest("unsupported resource type %d", int(ty))
	}
	parentDef := parent.TypeDef()
	if parentDef == nil || !parentDef.AllowsChild(ty) {
		return nil, m2m.ErrInvalidChildResourceType("%s cannot be created under %s", ty, parent.Ty)
	}

	if !d.security.HasAccess(originator, parent, m2m.PermCreate, ty, nil) {
		return nil, m2m.ErrNoPrivilege("originator %s may not create %s under %s", originator, ty, parent.RI)
	}

	if payload == nil {
		payload = map[string]any{}
	}

	// The resource name is part of the envelope, not the type policy.
	rn, _ := payload["rn"].(string)
	attrs := make(map[string]any, len(payload))
	for k, v := range payload {
		if k != "rn" {
			attrs[k] = v
		}
	}
	if rn == "" {
		rn = d.uniqueRN(ty)
	}
	if rn == "la" || rn == "ol" || strings.ContainsAny(rn, "/ ") {
		return nil, m2m.ErrBadRequest("invalid resource name %q", rn)
	}

	// Sibling names must be unique.
	siblings, err := d.DirectChildren(parent.RI, 0)
	if err != nil {
		return nil, err
	}
	for _, s := range siblings {
		if s.RN == rn {
			return nil, m2m.ErrAlreadyExists("name %s already present under %s", rn, parent.RI)
		}
	}

	if err := def.Policy.ValidatePayload(ty, attrs, true); err != nil {
		return nil, err
	}

	r := resource.New(ty, rn, parent.RI, d.now())
	r.RI = d.uniqueRI(ty)
	r.SRN = parent.SRN + "/" + rn
	r.Creator = originator

	et, _ := attrs["et"].(string)
	clamped, err := d.clampExpiration(et)
	if err != nil {
		return nil, err
	}
	delete(attrs, "et")
	r.ET = clamped
	if acpi, ok := attrs["acpi"]; ok {
		r.ACPI = toStrings(acpi)
		delete(attrs, "acpi")
	}
	for k, v := range attrs {
		r.SetAttr(k, v)
	}

	// AE registration binds the application entity identifier to the
	// originator.
	if ty == m2m.AE {
		aei := originator
		if aei == "" {
			aei = "C" + r.RI
		}
		r.SetAttr("aei", aei)
		r.Creator = aei
	}

	if err := def.Behavior.Validate(d, r, true, payload); err != nil {
		return nil, err
	}
	if err := parentDef.Behavior.ChildWillBeAdded(d, parent, r, originator); err != nil {
		return nil, err
	}

	// Commit the resource and its identifier record.
	err = d.store.CreateResource(r.Document(), store.Identifier{RI: r.RI, RN: r.RN, SRN: r.SRN, Ty: r.Ty}, false)
	if err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, m2m.ErrAlreadyExists("resource %s already exists", r.SRN)
		}
		return nil, m2m.ErrInternal("create %s: %v", r.SRN, err)
	}

	// Post-commit hooks. An activation failure rolls the commit back.
	if err := def.Behavior.Activate(d, r, parent, originator); err != nil {
		if derr := d.store.DeleteResource(r.RI); derr != nil {
			d.log.Error().Err(derr).Str("ri", r.RI).Msg("rollback after failed activation failed")
		}
		return nil, err
	}
	parentDef.Behavior.ChildAdded(d, parent, r, originator)

	d.bus.Fire(events.CreateLocalResource, r, originator)
	d.bus.Fire(events.CreateDirectChild, parent, r, originator)
	if ty == m2m.CSR {
		d.bus.Fire(events.RemoteCSEHasRegistered, r)
	}
	d.log.Debug().Str("ri", r.RI).Str("srn", r.SRN).Msg("resource created")
	return r, nil
}

// RetrieveResource handles a RETRIEVE primitive. requestMaxAge carries the
// request's ma filter for blocking-retrieve handling, empty when absent.
func (d *Dispatcher) RetrieveResource(target, originator, requestMaxAge string) (*resource.Resource, error) {
	res, virtual, err := d.resolveTarget(target)
	if err != nil {
		return nil, err
	}
	if virtual != 0 {
		// Access is checked against the parent; the virtual child has no
		// policy of its own.
		if !d.security.HasAccess(originator, res, m2m.PermRetrieve, 0, nil) {
			return nil, m2m.ErrNoPrivilege("originator %s may not retrieve %s", originator, target)
		}
		return d.resolveVirtual(res, virtual)
	}
	if !d.security.HasAccess(originator, res, m2m.PermRetrieve, 0, nil) {
		return nil, m2m.ErrNoPrivilege("originator %s may not retrieve %s", originator, res.RI)
	}
	if d.notifier != nil {
		if err := d.notifier.CheckPerformBlockingRetrieve(res, originator, requestMaxAge); err != nil {
			return nil, err
		}
		// The blocking notification may have refreshed the resource.
		if fresh, rerr := d.RetrieveLocalResource(res.RI); rerr == nil {
			res = fresh
		}
	}
	return res, nil
}

// UpdateResource handles an UPDATE primitive.
func (d *Dispatcher) UpdateResource(target string, payload map[string]any, originator string) (*resource.Resource, error) {
	res, virtual, err := d.resolveTarget(target)
	if err != nil {
		return nil, err
	}
	if virtual != 0 {
		return nil, m2m.ErrOperationNotAllowed("operation not allowed for %s resource", virtual)
	}
	def := res.TypeDef()
	if def == nil {
		return nil, m2m.ErrInternal("no type definition for %d", int(res.Ty))
	}
	if def.ReadOnly {
		return nil, m2m.ErrOperationNotAllowed("%s resources cannot be updated", res.Ty)
	}
	if payload == nil {
		payload = map[string]any{}
	}
	if _, ok := payload["rn"]; ok {
		return nil, m2m.ErrBadRequest("rn cannot be updated")
	}

	// An update of acpi itself is authorised against the ACPs'
	// self-permissions instead of the regular pv rules.
	isACPIUpdate, err := d.security.CheckACPIUpdatePermission(payload, res, originator)
	if err != nil {
		return nil, err
	}
	if !isACPIUpdate {
		parent, perr := d.parentOf(res)
		if perr != nil {
			return nil, perr
		}
		if !d.security.HasAccess(originator, res, m2m.PermUpdate, 0, parent) {
			return nil, m2m.ErrNoPrivilege("originator %s may not update %s", originator, res.RI)
		}
	}

	if err := def.Policy.ValidatePayload(res.Ty, payload, false); err != nil {
		return nil, err
	}
	if et, ok := payload["et"].(string); ok {
		clamped, cerr := d.clampExpiration(et)
		if cerr != nil {
			return nil, cerr
		}
		payload["et"] = clamped
	}

	if err := def.Behavior.Validate(d, res, false, payload); err != nil {
		return nil, err
	}

	// Blocking updates must be acknowledged before the commit.
	if d.notifier != nil {
		if err := d.notifier.CheckPerformBlockingUpdate(res, originator, payload); err != nil {
			return nil, err
		}
	}

	if err := def.Behavior.Update(d, res, payload, originator); err != nil {
		return nil, err
	}
	res.LT = m2m.Timestamp(d.now())

	updated, err := d.store.UpdateResource(res.Document())
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, m2m.ErrNotFound("resource %s vanished during update", res.RI)
		}
		return nil, m2m.ErrInternal("update %s: %v", res.RI, err)
	}
	fresh := resource.FromDocument(updated)

	// The flattened subscription record is derived from the committed
	// resource; rebuild it after the commit so it can never run ahead.
	if fresh.Ty == m2m.SUB && d.notifier != nil {
		if err := d.notifier.RefreshSubscription(fresh); err != nil {
			d.log.Warn().Err(err).Str("ri", fresh.RI).Msg("cannot refresh subscription record")
		}
	}

	d.bus.Fire(events.UpdateLocalResource, fresh, payload, originator)
	d.log.Debug().Str("ri", fresh.RI).Msg("resource updated")
	return fresh, nil
}

// DeleteResource handles a DELETE primitive. The subtree is collected
// bottom-up; a refusal by any pre-commit hook aborts the whole delete.
func (d *Dispatcher) DeleteResource(target, originator string) (*resource.Resource, error) {
	res, virtual, err := d.resolveTarget(target)
	if err != nil {
		return nil, err
	}
	if virtual != 0 {
		// Deleting a virtual child deletes the instance it denotes.
		if !d.security.HasAccess(originator, res, m2m.PermDelete, 0, nil) {
			return nil, m2m.ErrNoPrivilege("originator %s may not delete %s", originator, target)
		}
		inst, verr := d.resolveVirtual(res, virtual)
		if verr != nil {
			return nil, verr
		}
		res = inst
	} else {
		if !d.security.HasAccess(originator, res, m2m.PermDelete, 0, nil) {
			return nil, m2m.ErrNoPrivilege("originator %s may not delete %s", originator, res.RI)
		}
	}
	if res.RI == d.cfg.CSERI {
		return nil, m2m.ErrOperationNotAllowed("the CSEBase cannot be deleted")
	}
	if err := d.deleteCascade(res, originator); err != nil {
		return nil, err
	}
	return res, nil
}

// parentOf loads the parent of a resource, tolerating the CSEBase.
func (d *Dispatcher) parentOf(res *resource.Resource) (*resource.Resource, error) {
	if res.PI == "" {
		return nil, nil
	}
	parent, err := d.RetrieveLocalResource(res.PI)
	if err != nil {
		if m2m.IsRSC(err, m2m.RSCNotFound) {
			return nil, m2m.ErrInternal("dangling parent %s of %s", res.PI, res.RI)
		}
		return nil, err
	}
	return parent, nil
}

// collectSubtree returns the subtree of a resource in bottom-up order, the
// root last.
func (d *Dispatcher) collectSubtree(r *resource.Resource) ([]*resource.Resource, error) {
	var out []*resource.Resource
	children, err := d.DirectChildren(r.RI, 0)
	if err != nil {
		return nil, err
	}
	for _, c := range children {
		sub, err := d.collectSubtree(c)
		if err != nil {
			return nil, err
		}
		out = append(out, sub...)
	}
	return append(out, r), nil
}

// deleteCascade deletes a resource and its subtree: every node passes
// through WillBeDeactivated before the first commit, then each node is
// removed bottom-up with Deactivate and the delete events.
func (d *Dispatcher) deleteCascade(res *resource.Resource, originator string) error {
	subtree, err := d.collectSubtree(res)
	if err != nil {
		return err
	}
	for _, r := range subtree {
		def := r.TypeDef()
		if def == nil {
			continue
		}
		if err := def.Behavior.WillBeDeactivated(d, r, originator); err != nil {
			return err
		}
	}

	// resourceDelete notifications go out while the subscription records
	// still exist.
	if d.notifier != nil {
		for _, r := range subtree {
			d.notifier.ResourceWillBeDeleted(r, originator)
		}
	}

	parent, err := d.parentOf(res)
	if err != nil {
		return err
	}

	for _, r := range subtree {
		if err := d.store.DeleteResource(r.RI); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return m2m.ErrInternal("delete %s: %v", r.RI, err)
		}
		if def := r.TypeDef(); def != nil {
			def.Behavior.Deactivate(d, r, originator)
		}
		d.bus.Fire(events.DeleteLocalResource, r, originator)
		if r.Ty == m2m.CSR {
			d.bus.Fire(events.RemoteCSEHasDeregistered, r)
		}
	}

	if parent != nil {
		if def := parent.TypeDef(); def != nil {
			def.Behavior.ChildRemoved(d, parent, res, originator)
		}
		d.bus.Fire(events.DeleteDirectChild, parent, res, originator)
	}
	d.log.Debug().Str("ri", res.RI).Int("subtree", len(subtree)).Msg("resource deleted")
	return nil
}

// ---------------------------------------------------------------------------
// Discovery
// ---------------------------------------------------------------------------

// Discover handles a DISCOVERY primitive: a filtered walk over the subtree
// of the target.
func (d *Dispatcher) Discover(target string, fc *m2m.FilterCriteria, originator string) ([]*resource.Resource, error) {
	root, virtual, err := d.resolveTarget(target)
	if err != nil {
		return nil, err
	}
	if virtual != 0 {
		return nil, m2m.ErrOperationNotAllowed("cannot discover under a virtual resource")
	}
	if !d.security.HasAccess(originator, root, m2m.PermDiscovery, 0, nil) {
		return nil, m2m.ErrNoPrivilege("originator %s may not discover under %s", originator, root.RI)
	}
	if fc == nil {
		fc = &m2m.FilterCriteria{}
	}

	prefix := root.SRN + "/"
	rootDepth := strings.Count(root.SRN, "/")
	docs, err := d.store.SearchResources(func(doc store.Document) bool {
		srn, _ := doc["__srn__"].(string)
		return strings.HasPrefix(srn, prefix)
	})
	if err != nil {
		return nil, m2m.ErrInternal("discovery under %s: %v", root.RI, err)
	}

	var matched []*resource.Resource
	for _, doc := range docs {
		r := resource.FromDocument(doc)
		if fc.Level > 0 && strings.Count(r.SRN, "/")-rootDepth > fc.Level {
			continue
		}
		if matchesFilter(r, fc) {
			matched = append(matched, r)
		}
	}

	if d.cfg.SortDiscoveredResources {
		sort.Slice(matched, func(i, j int) bool {
			if matched[i].Ty != matched[j].Ty {
				return matched[i].Ty < matched[j].Ty
			}
			return strings.ToLower(matched[i].RN) < strings.ToLower(matched[j].RN)
		})
	}

	if fc.Offset > 0 {
		if fc.Offset >= len(matched) {
			matched = nil
		} else {
			matched = matched[fc.Offset:]
		}
	}
	if fc.Limit > 0 && len(matched) > fc.Limit {
		matched = matched[:fc.Limit]
	}
	return matched, nil
}

// matchesFilter evaluates the filter criteria against one resource. The
// filter operation is a conjunction by default, a disjunction with fo="or".
func matchesFilter(r *resource.Resource, fc *m2m.FilterCriteria) bool {
	type cond struct{ ok bool }
	var conds []cond

	if len(fc.Ty) > 0 {
		ok := false
		for _, ty := range fc.Ty {
			if r.Ty == ty {
				ok = true
				break
			}
		}
		conds = append(conds, cond{ok})
	}
	if fc.CreatedBefore != "" {
		conds = append(conds, cond{r.CT < fc.CreatedBefore})
	}
	if fc.CreatedAfter != "" {
		conds = append(conds, cond{r.CT > fc.CreatedAfter})
	}
	if fc.ModifiedSince != "" {
		conds = append(conds, cond{r.LT > fc.ModifiedSince})
	}
	if len(fc.Labels) > 0 {
		ok := false
		labels := r.StrSlice("lbl")
		for _, want := range fc.Labels {
			for _, l := range labels {
				if l == want {
					ok = true
					break
				}
			}
		}
		conds = append(conds, cond{ok})
	}
	for name, want := range fc.Attributes {
		v, present := r.Attr(name)
		ok := false
		if present {
			if s, isStr := v.(string); isStr {
				ok = m2m.SimpleMatch(s, want)
			}
		}
		conds = append(conds, cond{ok})
	}

	if len(conds) == 0 {
		return true
	}
	if fc.FilterOperation == "or" {
		for _, c := range conds {
			if c.ok {
				return true
			}
		}
		return false
	}
	for _, c := range conds {
		if !c.ok {
			return false
		}
	}
	return true
}

// ---------------------------------------------------------------------------
// Request primitive processing
// ---------------------------------------------------------------------------

// Process executes a request primitive and builds the response envelope.
// The primitive content of CREATE/UPDATE requests is expected to be wrapped
// under its type key ("m2m:cnt": {...}).
func (d *Dispatcher) Process(req *m2m.Request) *m2m.Response {
	switch req.Op {
	case m2m.OpCreate:
		payload := unwrapPC(req.PC)
		r, err := d.CreateResource(req.To, req.Ty, payload, req.From)
		if err != nil {
			return m2m.ErrorResponse(req.RQI, err)
		}
		return &m2m.Response{RSC: m2m.RSCCreated, RQI: req.RQI, PC: r.Representation()}

	case m2m.OpRetrieve:
		if req.FC != nil && req.FC.FilterUsage == 1 {
			return d.processDiscovery(req)
		}
		ma := ""
		if req.FC != nil {
			ma = req.FC.Attributes["ma"]
		}
		r, err := d.RetrieveResource(req.To, req.From, ma)
		if err != nil {
			return m2m.ErrorResponse(req.RQI, err)
		}
		return &m2m.Response{RSC: m2m.RSCOK, RQI: req.RQI, PC: r.Representation()}

	case m2m.OpUpdate:
		payload := unwrapPC(req.PC)
		r, err := d.UpdateResource(req.To, payload, req.From)
		if err != nil {
			return m2m.ErrorResponse(req.RQI, err)
		}
		return &m2m.Response{RSC: m2m.RSCUpdated, RQI: req.RQI, PC: r.Representation()}

	case m2m.OpDelete:
		if _, err := d.DeleteResource(req.To, req.From); err != nil {
			return m2m.ErrorResponse(req.RQI, err)
		}
		return &m2m.Response{RSC: m2m.RSCDeleted, RQI: req.RQI}

	case m2m.OpDiscovery:
		return d.processDiscovery(req)
	}
	return m2m.ErrorResponse(req.RQI, m2m.ErrBadRequest("unsupported operation %d", int(req.Op)))
}

func (d *Dispatcher) processDiscovery(req *m2m.Request) *m2m.Response {
	found, err := d.Discover(req.To, req.FC, req.From)
	if err != nil {
		return m2m.ErrorResponse(req.RQI, err)
	}
	uril := make([]any, 0, len(found))
	for _, r := range found {
		uril = append(uril, r.SRN)
	}
	return &m2m.Response{RSC: m2m.RSCOK, RQI: req.RQI, PC: map[string]any{"m2m:uril": uril}}
}

// unwrapPC strips the type wrapper from a primitive content.
func unwrapPC(pc map[string]any) map[string]any {
	if pc == nil {
		return nil
	}
	if len(pc) == 1 {
		for k, v := range pc {
			if strings.HasPrefix(k, "m2m:") {
				if inner, ok := v.(map[string]any); ok {
					return inner
				}
			}
		}
	}
	return pc
}

func toStrings(v any) []string {
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
