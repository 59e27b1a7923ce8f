// Package dispatcher implements the request state machine of the CSE:
// target resolution, access control, type-hook invocation, store commit and
// event emission for every operation.
package dispatcher

import (
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/onem2m/cse/internal/domain/resource"
	"github.com/onem2m/cse/internal/domain/security"
	"github.com/onem2m/cse/internal/m2m"
	"github.com/onem2m/cse/internal/platform/events"
	"github.com/onem2m/cse/internal/platform/store"
	"github.com/onem2m/cse/internal/platform/workers"
)

// NotificationHooks is the slice of the notification manager the dispatcher
// drives directly: the resource-model hooks plus the blocking-operation
// checks.
type NotificationHooks interface {
	resource.Notifier

	// CheckPerformBlockingUpdate holds an UPDATE until matching
	// blockingUpdate subscriptions acknowledged the notification.
	CheckPerformBlockingUpdate(res *resource.Resource, originator string, updated map[string]any) error

	// CheckPerformBlockingRetrieve holds a RETRIEVE until matching
	// blockingRetrieve subscriptions acknowledged, honouring maxAge from
	// the request or the subscription.
	CheckPerformBlockingRetrieve(res *resource.Resource, originator string, requestMaxAge string) error

	// ResourceWillBeDeleted runs resourceDelete notifications for
	// subscriptions on a resource that is about to be removed, while their
	// records still exist.
	ResourceWillBeDeleted(res *resource.Resource, originator string)
}

// Config carries the dispatcher settings.
type Config struct {
	// CSI is the CSE-ID with leading slash ("/id-in").
	CSI string

	// CSERN is the resource name of the CSEBase ("cse-in").
	CSERN string

	// CSERI is the resource identifier of the CSEBase.
	CSERI string

	// AdminOriginator is used for CSE-internal operations.
	AdminOriginator string

	// SortDiscoveredResources orders discovery results by (ty, lowercased rn).
	SortDiscoveredResources bool

	// MaxExpirationDelta clamps requested expiration times.
	MaxExpirationDelta time.Duration

	// CheckExpirationsInterval is the expiration sweep period; zero
	// disables the sweep.
	CheckExpirationsInterval time.Duration
}

// Dispatcher executes request primitives against the resource tree.
type Dispatcher struct {
	cfg      Config
	store    *store.Store
	security *security.Manager
	bus      *events.Bus
	pool     *workers.Pool
	notifier NotificationHooks
	log      zerolog.Logger

	// now is injectable for tests.
	now func() time.Time
}

// New creates a dispatcher. The notification hooks are attached later with
// SetNotifier since the notification manager needs the dispatcher first.
func New(cfg Config, st *store.Store, sec *security.Manager, bus *events.Bus, pool *workers.Pool, log zerolog.Logger) *Dispatcher {
	d := &Dispatcher{
		cfg:      cfg,
		store:    st,
		security: sec,
		bus:      bus,
		pool:     pool,
		log:      log.With().Str("component", "dispatcher").Logger(),
		now:      time.Now,
	}
	sec.SetRetriever(d)
	return d
}

// SetNotifier attaches the notification manager.
func (d *Dispatcher) SetNotifier(n NotificationHooks) { d.notifier = n }

// Start registers the CSEBase if missing and schedules the expiration sweep.
func (d *Dispatcher) Start() error {
	if err := d.ensureCSEBase(); err != nil {
		return err
	}
	if d.cfg.CheckExpirationsInterval > 0 {
		d.pool.NewWorker(d.cfg.CheckExpirationsInterval, d.expirationSweep, "expirationWorker", true, nil)
	}
	return nil
}

// Shutdown stops the expiration sweep.
func (d *Dispatcher) Shutdown() {
	d.pool.StopWorkers("expirationWorker")
}

// ensureCSEBase creates the CSEBase resource on first start.
func (d *Dispatcher) ensureCSEBase() error {
	if _, err := d.store.ResourceByRI(d.cfg.CSERI); err == nil {
		return nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}
	cb := resource.New(m2m.CSEBase, d.cfg.CSERN, "", d.now())
	cb.RI = d.cfg.CSERI
	cb.SRN = d.cfg.CSERN
	cb.Creator = d.cfg.AdminOriginator
	cb.SetAttr("csi", d.cfg.CSI)
	cb.SetAttr("cst", 1)
	cb.SetAttr("srv", []any{"2a", "3", "4"})
	srt := make([]any, 0)
	for _, ty := range []m2m.ResourceType{m2m.ACP, m2m.AE, m2m.CNT, m2m.CIN, m2m.CSEBase, m2m.GRP, m2m.CSR, m2m.REQ, m2m.SUB, m2m.TS, m2m.TSI, m2m.CRS} {
		srt = append(srt, int(ty))
	}
	cb.SetAttr("srt", srt)
	d.log.Info().Str("ri", cb.RI).Str("rn", cb.RN).Msg("creating CSEBase")
	return d.store.CreateResource(cb.Document(), store.Identifier{RI: cb.RI, RN: cb.RN, SRN: cb.SRN, Ty: cb.Ty}, false)
}

// ---------------------------------------------------------------------------
// resource.Env implementation
// ---------------------------------------------------------------------------

// RetrieveLocalResource loads a resource by ri or structured name without an
// access check.
func (d *Dispatcher) RetrieveLocalResource(id string) (*resource.Resource, error) {
	if id == "" {
		return nil, m2m.ErrNotFound("empty resource id")
	}
	id = d.normalizeID(id)
	var (
		doc store.Document
		err error
	)
	if d.isStructured(id) {
		doc, err = d.store.ResourceBySRN(id)
	} else {
		doc, err = d.store.ResourceByRI(id)
	}
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, m2m.ErrNotFound("resource %s not found", id)
		}
		return nil, m2m.ErrInternal("retrieve %s: %v", id, err)
	}
	return resource.FromDocument(doc), nil
}

// DirectChildren returns the direct children of a resource, instance types
// ordered by creation time. ty == 0 returns all children.
func (d *Dispatcher) DirectChildren(ri string, ty m2m.ResourceType) ([]*resource.Resource, error) {
	var filter *m2m.ResourceType
	if ty != 0 {
		filter = &ty
	}
	docs, err := d.store.DirectChildren(ri, filter)
	if err != nil {
		return nil, m2m.ErrInternal("children of %s: %v", ri, err)
	}
	out := make([]*resource.Resource, 0, len(docs))
	for _, doc := range docs {
		out = append(out, resource.FromDocument(doc))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CT == out[j].CT {
			return out[i].RI < out[j].RI
		}
		return out[i].CT < out[j].CT
	})
	return out, nil
}

// DeleteLocalResource removes a resource and its subtree with the full hook
// lifecycle but without an access check. CSE-internal deletions (eviction,
// expiration) use it.
func (d *Dispatcher) DeleteLocalResource(r *resource.Resource, originator string) error {
	if originator == "" {
		originator = d.cfg.AdminOriginator
	}
	return d.deleteCascade(r, originator)
}

// CommitResource persists attribute changes made to an already committed
// resource without re-running hooks.
func (d *Dispatcher) CommitResource(r *resource.Resource) error {
	r.LT = m2m.Timestamp(d.now())
	if _, err := d.store.UpdateResource(r.Document()); err != nil {
		return m2m.ErrInternal("commit %s: %v", r.RI, err)
	}
	return nil
}

// CSI returns the CSE-ID of the hosting CSE.
func (d *Dispatcher) CSI() string { return d.cfg.CSI }

// Notifier exposes the notification manager to behaviour hooks.
func (d *Dispatcher) Notifier() resource.Notifier { return d.notifier }

// Logger exposes the dispatcher logger to behaviour hooks.
func (d *Dispatcher) Logger() zerolog.Logger { return d.log }

// ---------------------------------------------------------------------------
// Target resolution
// ---------------------------------------------------------------------------

// normalizeID reduces absolute and SP-relative addressing to the CSE-relative
// form this CSE can resolve.
func (d *Dispatcher) normalizeID(id string) string {
	if m2m.IsAbsolute(id) {
		// Strip "//spid" and fall through to SP-relative handling.
		rest := id[2:]
		if i := strings.IndexByte(rest, '/'); i >= 0 {
			id = rest[i:]
		} else {
			return id
		}
	}
	if m2m.IsSPRelative(id) {
		if id == d.cfg.CSI {
			return d.cfg.CSERN
		}
		id = m2m.ToCSERelative(d.cfg.CSI, id)
	}
	if id == "-" {
		return d.cfg.CSERN
	}
	if strings.HasPrefix(id, "-/") {
		return d.cfg.CSERN + id[1:]
	}
	return id
}

// isStructured reports whether an ID is a structured name of this CSE.
func (d *Dispatcher) isStructured(id string) bool {
	return id == d.cfg.CSERN || strings.HasPrefix(id, d.cfg.CSERN+"/")
}

// resolveTarget resolves a request target. Virtual children ("la"/"ol") are
// reported through the virtual result together with their parent.
func (d *Dispatcher) resolveTarget(target string) (res *resource.Resource, virtual m2m.ResourceType, err error) {
	id := d.normalizeID(target)

	if d.isStructured(id) {
		switch {
		case strings.HasSuffix(id, "/la"):
			virtual = m2m.Latest
			id = strings.TrimSuffix(id, "/la")
		case strings.HasSuffix(id, "/ol"):
			virtual = m2m.Oldest
			id = strings.TrimSuffix(id, "/ol")
		}
	}
	res, err = d.RetrieveLocalResource(id)
	if err != nil {
		return nil, 0, err
	}
	return res, virtual, nil
}

// instanceType returns the instance child type a virtual child of the given
// parent resolves over.
func instanceType(parent *resource.Resource) (m2m.ResourceType, error) {
	switch parent.Ty {
	case m2m.CNT:
		return m2m.CIN, nil
	case m2m.TS:
		return m2m.TSI, nil
	}
	return 0, m2m.ErrNotFound("%s has no latest/oldest child", parent.RI)
}

// resolveVirtual returns the current instance a virtual child denotes.
func (d *Dispatcher) resolveVirtual(parent *resource.Resource, virtual m2m.ResourceType) (*resource.Resource, error) {
	ity, err := instanceType(parent)
	if err != nil {
		return nil, err
	}
	instances, err := d.DirectChildren(parent.RI, ity)
	if err != nil {
		return nil, err
	}
	if len(instances) == 0 {
		return nil, m2m.ErrNotFound("no instance for %s", virtual)
	}
	if virtual == m2m.Latest {
		return instances[len(instances)-1], nil
	}
	return instances[0], nil
}

// ---------------------------------------------------------------------------
// Identifier generation
// ---------------------------------------------------------------------------

func typePrefix(ty m2m.ResourceType) string {
	s := ty.String()
	if i := strings.IndexByte(s, ':'); i >= 0 {
		s = s[i+1:]
	}
	return s
}

func (d *Dispatcher) uniqueRI(ty m2m.ResourceType) string {
	return typePrefix(ty) + strings.ReplaceAll(uuid.NewString(), "-", "")[:10]
}

func (d *Dispatcher) uniqueRN(ty m2m.ResourceType) string {
	return typePrefix(ty) + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// ---------------------------------------------------------------------------
// Expiration sweep
// ---------------------------------------------------------------------------

func (d *Dispatcher) expirationSweep(_ *workers.Worker) bool {
	now := m2m.Timestamp(d.now())
	docs, err := d.store.ExpiredResources(now)
	if err != nil {
		d.log.Error().Err(err).Msg("expiration sweep failed")
		return true
	}
	for _, doc := range docs {
		r := resource.FromDocument(doc)
		d.log.Debug().Str("ri", r.RI).Str("et", r.ET).Msg("deleting expired resource")
		if err := d.DeleteLocalResource(r, d.cfg.AdminOriginator); err != nil {
			if !m2m.IsRSC(err, m2m.RSCNotFound) {
				d.log.Warn().Err(err).Str("ri", r.RI).Msg("cannot delete expired resource")
			}
		}
	}
	d.sweepMaxInstanceAge()
	return true
}

// sweepMaxInstanceAge removes instance children older than their parent's
// mia attribute.
func (d *Dispatcher) sweepMaxInstanceAge() {
	docs, err := d.store.SearchResources(func(doc store.Document) bool {
		_, ok := doc["mia"]
		return ok
	})
	if err != nil {
		d.log.Error().Err(err).Msg("mia sweep failed")
		return
	}
	for _, doc := range docs {
		parent := resource.FromDocument(doc)
		mia, ok := parent.Int("mia")
		if !ok || mia <= 0 {
			continue
		}
		ity, err := instanceType(parent)
		if err != nil {
			continue
		}
		cutoff := m2m.Timestamp(d.now().Add(-time.Duration(mia) * time.Second))
		instances, err := d.DirectChildren(parent.RI, ity)
		if err != nil {
			continue
		}
		for _, inst := range instances {
			if inst.CT >= cutoff {
				break
			}
			if err := d.DeleteLocalResource(inst, d.cfg.AdminOriginator); err != nil {
				d.log.Warn().Err(err).Str("ri", inst.RI).Msg("cannot delete aged instance")
			}
		}
	}
}

// clampExpiration validates a requested et and clamps it to the configured
// maximum delta.
func (d *Dispatcher) clampExpiration(et string) (string, error) {
	if et == "" {
		return "", nil
	}
	t, err := m2m.ParseTimestamp(et)
	if err != nil {
		return "", m2m.ErrBadRequest("invalid et: %v", err)
	}
	now := d.now()
	if d.cfg.MaxExpirationDelta > 0 {
		max := now.Add(d.cfg.MaxExpirationDelta)
		if t.After(max) {
			return m2m.Timestamp(max), nil
		}
	}
	return m2m.Timestamp(t.UTC()), nil
}
