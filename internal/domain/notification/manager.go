// Package notification implements the subscription and notification manager
// of the CSE: verification handshakes, event-to-notification mapping, batch
// aggregation, cross-resource time windows and missing-data detection for
// time series.
package notification

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/onem2m/cse/internal/domain/resource"
	"github.com/onem2m/cse/internal/m2m"
	"github.com/onem2m/cse/internal/platform/events"
	"github.com/onem2m/cse/internal/platform/store"
	"github.com/onem2m/cse/internal/platform/workers"
)

// Sender delivers a notification request to a single target URI and returns
// the remote response status. Implementations carry a bounded timeout;
// timeouts surface as TARGET_NOT_REACHABLE.
type Sender interface {
	SendNotify(nu, originator string, payload map[string]any, params map[string]string) (m2m.RSC, error)
}

// Dispatcher is the slice of the dispatcher the manager needs.
type Dispatcher interface {
	RetrieveLocalResource(id string) (*resource.Resource, error)
	DeleteLocalResource(r *resource.Resource, originator string) error
	CommitResource(r *resource.Resource) error
}

// Config carries the manager settings.
type Config struct {
	// CSI is the CSE-ID with leading slash.
	CSI string

	// DefaultExpirationCounter seeds exc for subscriptions that do not set
	// one; zero means unlimited.
	DefaultExpirationCounter int

	// MissingDataFactor is the fraction of pei used as the default
	// missing-data detection window when a <ts> does not set mdt.
	MissingDataFactor float64
}

// Manager is the subscription/notification manager.
type Manager struct {
	cfg    Config
	store  *store.Store
	pool   *workers.Pool
	bus    *events.Bus
	sender Sender
	disp   Dispatcher
	log    zerolog.Logger

	muBatch sync.Mutex

	muSeries sync.Mutex
	series   map[string]*seriesMonitor

	now func() time.Time
}

// NewManager creates the manager and attaches its event handlers.
func NewManager(cfg Config, st *store.Store, pool *workers.Pool, bus *events.Bus, sender Sender, disp Dispatcher, log zerolog.Logger) *Manager {
	m := &Manager{
		cfg:    cfg,
		store:  st,
		pool:   pool,
		bus:    bus,
		sender: sender,
		disp:   disp,
		series: make(map[string]*seriesMonitor),
		log:    log.With().Str("component", "notification").Logger(),
		now:    time.Now,
	}
	bus.AddHandler(events.CreateDirectChild, m.onCreateDirectChild)
	bus.AddHandler(events.DeleteDirectChild, m.onDeleteDirectChild)
	bus.AddHandler(events.UpdateLocalResource, m.onUpdateLocalResource)
	bus.AddHandler(events.CSEReset, m.onReset)
	return m
}

// Shutdown stops all window and guard workers the manager owns.
func (m *Manager) Shutdown() {
	m.pool.StopWorkers("crsPeriodic_*")
	m.pool.StopWorkers("crsSliding_*")
	m.pool.StopWorkers("bn_*")
	m.pool.StopWorkers("tsMonitor_*")
}

func (m *Manager) onReset(...any) {
	m.pool.StopWorkers("crsPeriodic_*")
	m.pool.StopWorkers("crsSliding_*")
}

// ---------------------------------------------------------------------------
// Event handlers
// ---------------------------------------------------------------------------

func (m *Manager) onCreateDirectChild(args ...any) {
	parent, child, _ := resourceEventArgs(args)
	if parent == nil || child == nil {
		return
	}
	m.checkSubscriptions(parent, m2m.NETCreateDirectChild, child, nil, nil)
}

func (m *Manager) onDeleteDirectChild(args ...any) {
	parent, child, _ := resourceEventArgs(args)
	if parent == nil || child == nil {
		return
	}
	m.checkSubscriptions(parent, m2m.NETDeleteDirectChild, child, nil, nil)
}

func (m *Manager) onUpdateLocalResource(args ...any) {
	if len(args) < 2 {
		return
	}
	res, _ := args[0].(*resource.Resource)
	modified, _ := args[1].(map[string]any)
	if res == nil {
		return
	}
	m.checkSubscriptions(res, m2m.NETResourceUpdate, nil, modified, nil)
}

// ResourceWillBeDeleted runs resourceDelete notifications while the
// subscription records of the doomed resource still exist.
func (m *Manager) ResourceWillBeDeleted(res *resource.Resource, _ string) {
	m.checkSubscriptions(res, m2m.NETResourceDelete, nil, nil, nil)
}

func resourceEventArgs(args []any) (parent, child *resource.Resource, originator string) {
	if len(args) > 0 {
		parent, _ = args[0].(*resource.Resource)
	}
	if len(args) > 1 {
		child, _ = args[1].(*resource.Resource)
	}
	if len(args) > 2 {
		originator, _ = args[2].(string)
	}
	return parent, child, originator
}

// checkSubscriptions maps a resource event onto the subscriptions of the
// affected resource and dispatches the surviving notifications.
func (m *Manager) checkSubscriptions(res *resource.Resource, reason m2m.NotificationEventType, child *resource.Resource, modified map[string]any, md *m2m.MissingData) {
	if res == nil || res.IsVirtual() {
		return
	}
	subs, err := m.store.SubsForParent(res.RI)
	if err != nil || len(subs) == 0 {
		return
	}
	for _, sub := range subs {
		sub := sub
		// A subscription never reports its own creation or deletion.
		if child != nil && sub.RI == child.RI &&
			(reason == m2m.NETCreateDirectChild || reason == m2m.NETDeleteDirectChild) {
			continue
		}
		if !sub.HasNET(reason) {
			continue
		}
		switch reason {
		case m2m.NETCreateDirectChild, m2m.NETDeleteDirectChild:
			if !sub.MatchesChildType(child.Ty) {
				continue
			}
			m.handleSubscriptionNotification(&sub, reason, child, modified, nil)

		case m2m.NETResourceUpdate:
			if len(sub.ATR) > 0 {
				if !intersects(sub.ATR, modified) {
					m.log.Debug().Str("sub", sub.RI).Msg("skipping notification: no matching attributes")
					continue
				}
			}
			m.handleSubscriptionNotification(&sub, reason, res, modified, nil)

		case m2m.NETReportMissingDataPoints:
			if md != nil {
				m.handleSubscriptionNotification(&sub, reason, res, nil, md)
			}

		default:
			m.handleSubscriptionNotification(&sub, reason, res, modified, nil)
		}
	}
}

func intersects(atr []string, modified map[string]any) bool {
	for _, a := range atr {
		if _, ok := modified[a]; ok {
			return true
		}
	}
	return false
}

// handleSubscriptionNotification builds and dispatches one notification for
// a subscription, honouring the content type, batching and the expiration
// counter. It also feeds any associated cross-resource subscriptions.
func (m *Manager) handleSubscriptionNotification(sub *store.Sub, reason m2m.NotificationEventType, res *resource.Resource, modified map[string]any, md *m2m.MissingData) bool {
	n := &m2m.Notification{
		NEV: &m2m.NotificationEvent{NET: reason},
		SUR: m2m.ToSPRelative(m.cfg.CSI, sub.RI),
		CR:  sub.CR,
	}
	switch sub.NCT {
	case m2m.NCTAll, 0:
		if res != nil {
			n.NEV.Rep = res.Representation()
		}
	case m2m.NCTRI:
		if res != nil {
			n.NEV.Rep = map[string]any{"m2m:uri": res.RI}
		}
	case m2m.NCTModifiedAttributes:
		if res != nil && modified != nil {
			n.NEV.Rep = map[string]any{res.Ty.String(): modified}
		}
	case m2m.NCTTimeSeriesNotification:
		if md != nil {
			n.NEV.Rep = md.Rep()
		}
	}

	ok := true
	for _, nu := range sub.NUs {
		if sub.BN != nil && (sub.BN.Num > 0 || sub.BN.Dur != "") {
			if !m.storeBatchNotification(nu, sub, n) {
				ok = false
			}
			continue
		}
		m.bus.Fire(events.Notification)
		if rsc, err := m.sender.SendNotify(nu, m.cfg.CSI, n.Wrap(), nil); err != nil || !rsc.IsSuccess() {
			m.log.Debug().Err(err).Str("nu", nu).Msg("notification failed")
			ok = false
		}
	}

	// Feed associated cross-resource subscriptions regardless of delivery:
	// the window aggregates event occurrences, not deliveries.
	for _, crsID := range sub.ACRS {
		crs, err := m.disp.RetrieveLocalResource(m2m.ToCSERelative(m.cfg.CSI, crsID))
		if err != nil {
			m.log.Warn().Err(err).Str("crs", crsID).Msg("associated <crs> not found")
			continue
		}
		m.ReceivedCrossResourceNotification(n.SUR, crs)
	}

	if ok && sub.EXC > 0 {
		m.decrementExpirationCounter(sub)
	}
	return ok
}

// decrementExpirationCounter handles the subscription expiration counter
// after a successful notification: the counter reaching zero deletes the
// subscription.
func (m *Manager) decrementExpirationCounter(sub *store.Sub) {
	exc := sub.EXC - 1
	subRes, err := m.disp.RetrieveLocalResource(sub.RI)
	if err != nil {
		m.log.Warn().Err(err).Str("sub", sub.RI).Msg("subscription resource vanished")
		return
	}
	if exc < 1 {
		m.log.Debug().Str("sub", sub.RI).Msg("expiration counter expired, removing subscription")
		if err := m.disp.DeleteLocalResource(subRes, m.cfg.CSI); err != nil {
			m.log.Warn().Err(err).Str("sub", sub.RI).Msg("cannot remove expired subscription")
		}
		return
	}
	subRes.SetAttr("exc", exc)
	if err := m.disp.CommitResource(subRes); err != nil {
		m.log.Warn().Err(err).Str("sub", sub.RI).Msg("cannot persist expiration counter")
		return
	}
	if err := m.RefreshSubscription(subRes); err != nil {
		m.log.Warn().Err(err).Str("sub", sub.RI).Msg("cannot refresh subscription record")
	}
}

// ---------------------------------------------------------------------------
// Subscription CRUD hooks (resource.Notifier)
// ---------------------------------------------------------------------------

// AddSubscription verifies the notification targets of a new <sub> and
// stores its flattened record.
func (m *Manager) AddSubscription(r *resource.Resource, originator string) error {
	if err := m.verifyNotificationTargets(r.RI, r.StrSlice("nu"), nil, originator); err != nil {
		return err
	}
	return m.RefreshSubscription(r)
}

// UpdateSubscription verifies targets newly appearing in nu and refreshes
// the record.
func (m *Manager) UpdateSubscription(r *resource.Resource, previousNus []string, originator string) error {
	if err := m.verifyNotificationTargets(r.RI, r.StrSlice("nu"), previousNus, originator); err != nil {
		return err
	}
	return m.RefreshSubscription(r)
}

// RefreshSubscription rebuilds the flattened record from the committed <sub>
// resource.
func (m *Manager) RefreshSubscription(r *resource.Resource) error {
	if err := m.store.UpsertSub(m.buildSub(r)); err != nil {
		return m2m.ErrInternal("cannot store subscription record: %v", err)
	}
	return nil
}

// RemoveSubscription flushes outstanding batches, emits the deletion
// notifications and drops the record. Notification failures are logged but
// never block the removal.
func (m *Manager) RemoveSubscription(r *resource.Resource) error {
	m.flushBatchNotifications(r.RI)

	if su := r.Str("su"); su != "" {
		if !m.sendDeletionNotification(su, r.RI) {
			m.log.Warn().Str("su", su).Str("sub", r.RI).Msg("deletion notification failed")
		}
	}
	for _, uri := range r.StrSlice("acrs") {
		if !m.sendDeletionNotification(uri, r.RI) {
			m.log.Warn().Str("uri", uri).Str("sub", r.RI).Msg("deletion notification to <crs> failed")
		}
	}

	if err := m.store.RemoveSub(r.RI); err != nil {
		return m2m.ErrInternal("cannot remove subscription record: %v", err)
	}
	return nil
}

// buildSub flattens a <sub> resource into its hot-path record.
func (m *Manager) buildSub(r *resource.Resource) store.Sub {
	sub := store.Sub{
		RI:   r.RI,
		PI:   r.PI,
		NUs:  r.StrSlice("nu"),
		SU:   r.Str("su"),
		ACRS: r.StrSlice("acrs"),
		CR:   r.Str("cr"),
		MA:   r.Str("ma"),
	}
	if nct, ok := r.Int("nct"); ok {
		sub.NCT = m2m.NotificationContentType(nct)
	} else {
		sub.NCT = m2m.NCTAll
	}
	if enc := r.Map("enc"); enc != nil {
		for _, n := range toIntSlice(enc["net"]) {
			sub.NET = append(sub.NET, m2m.NotificationEventType(n))
		}
		for _, t := range toIntSlice(enc["chty"]) {
			sub.CHTY = append(sub.CHTY, m2m.ResourceType(t))
		}
		sub.ATR = toStrSlice(enc["atr"])
	}
	if len(sub.NET) == 0 {
		sub.NET = []m2m.NotificationEventType{m2m.NETResourceUpdate}
	}
	if bn := r.Map("bn"); bn != nil {
		settings := &store.BatchSettings{LN: r.Bool("ln")}
		if num, ok := intOf(bn["num"]); ok {
			settings.Num = num
		}
		if dur, ok := bn["dur"].(string); ok {
			settings.Dur = dur
		}
		sub.BN = settings
	}
	if exc, ok := r.Int("exc"); ok {
		sub.EXC = exc
	} else {
		sub.EXC = m.cfg.DefaultExpirationCounter
	}
	return sub
}

// ---------------------------------------------------------------------------
// Verification and deletion notifications
// ---------------------------------------------------------------------------

// verifyNotificationTargets sends a verification request to every target
// newly appearing in nus. The originator itself is never verified. A single
// failing verification fails the whole subscription CRUD.
func (m *Manager) verifyNotificationTargets(ri string, nus, previousNus []string, originator string) error {
	for _, nu := range nus {
		if contains(previousNus, nu) {
			continue
		}
		if nu == originator || m2m.CompareIDs(nu, originator) {
			m.log.Debug().Str("nu", nu).Msg("verification skipped for originator")
			continue
		}
		if !m.sendVerificationRequest(nu, ri, originator) {
			return m2m.Errorf(m2m.RSCSubscriptionVerificationInitiationFailed,
				"verification request failed for %s", nu)
		}
	}
	return nil
}

func (m *Manager) sendVerificationRequest(nu, ri, originator string) bool {
	n := &m2m.Notification{
		VRQ: true,
		SUR: m2m.ToSPRelative(m.cfg.CSI, ri),
		CR:  originator,
	}
	rsc, err := m.sender.SendNotify(nu, m.cfg.CSI, n.Wrap(), nil)
	if err != nil {
		m.log.Debug().Err(err).Str("nu", nu).Msg("verification request failed")
		return false
	}
	if rsc != m2m.RSCOK && !rsc.IsSuccess() {
		m.log.Debug().Int("rsc", int(rsc)).Str("nu", nu).Msg("verification rejected")
		return false
	}
	return true
}

func (m *Manager) sendDeletionNotification(nu, ri string) bool {
	n := &m2m.Notification{
		SUD: true,
		SUR: m2m.ToSPRelative(m.cfg.CSI, ri),
	}
	if _, err := m.sender.SendNotify(nu, m.cfg.CSI, n.Wrap(), nil); err != nil {
		return false
	}
	return true
}

// ---------------------------------------------------------------------------
// Blocking operations
// ---------------------------------------------------------------------------

// CheckPerformBlockingUpdate holds an UPDATE until every blockingUpdate
// subscription on the resource acknowledged the notification.
func (m *Manager) CheckPerformBlockingUpdate(res *resource.Resource, originator string, updated map[string]any) error {
	subs, err := m.subsByNET(res.RI, m2m.NETBlockingUpdate, 0)
	if err != nil {
		return nil
	}
	for _, sub := range subs {
		if len(sub.ATR) > 0 && !intersects(sub.ATR, updated) {
			continue
		}
		n := &m2m.Notification{
			NEV: &m2m.NotificationEvent{NET: m2m.NETBlockingUpdate},
			SUR: m2m.ToSPRelative(m.cfg.CSI, sub.RI),
		}
		if !res.IsVirtual() {
			n.NEV.Rep = updated
		}
		if len(sub.NUs) == 0 {
			continue
		}
		rsc, err := m.sender.SendNotify(sub.NUs[0], m.cfg.CSI, n.Wrap(), nil)
		if err != nil {
			return m2m.Errorf(m2m.RSCTargetNotReachable, "blocking update target unreachable: %v", err)
		}
		switch {
		case rsc == m2m.RSCOK || rsc.IsSuccess():
			continue
		case rsc == m2m.RSCTargetNotReachable:
			return m2m.Errorf(m2m.RSCRemoteEntityNotReachable, "remote entity not reachable: %s", sub.NUs[0])
		case rsc == m2m.RSCOperationNotAllowed:
			return m2m.Errorf(m2m.RSCOperationDeniedByRemoteEntity, "operation denied by remote entity: %s", sub.NUs[0])
		default:
			return m2m.Errorf(rsc, "blocking update rejected by %s", sub.NUs[0])
		}
	}
	return nil
}

// CheckPerformBlockingRetrieve holds a RETRIEVE until every blockingRetrieve
// subscription acknowledged. Whether a notification is needed at all is
// decided by the age of the last modification against the smaller of the
// request's and the subscription's maxAge.
func (m *Manager) CheckPerformBlockingRetrieve(res *resource.Resource, originator string, requestMaxAge string) error {
	subs, err := m.subsByNET(res.RI, m2m.NETBlockingRetrieve, 0)
	if err != nil {
		return nil
	}
	if parentSubs, err := m.subsByNET(res.PI, m2m.NETBlockingRetrieveDirectChild, res.Ty); err == nil {
		subs = append(subs, parentSubs...)
	}

	for _, sub := range subs {
		maxAge := time.Duration(-1)
		if requestMaxAge != "" {
			d, err := m2m.ParseDuration(requestMaxAge)
			if err != nil {
				return m2m.ErrBadRequest("invalid maxAge in request: %v", err)
			}
			maxAge = d
		}
		if sub.MA != "" {
			d, err := m2m.ParseDuration(sub.MA)
			if err != nil {
				return m2m.ErrBadRequest("invalid maxAge in subscription %s: %v", sub.RI, err)
			}
			if maxAge < 0 || d < maxAge {
				maxAge = d
			}
		}
		if maxAge < 0 {
			// No maxAge anywhere: no blocking notification necessary.
			continue
		}
		if lt, err := m2m.ParseTimestamp(res.LT); err == nil {
			if lt.After(m.now().Add(-maxAge)) {
				// Recent enough, no notification necessary.
				continue
			}
		}

		net := m2m.NETBlockingRetrieve
		if len(sub.NET) > 0 {
			net = sub.NET[0]
		}
		n := &m2m.Notification{
			NEV: &m2m.NotificationEvent{NET: net},
			SUR: m2m.ToSPRelative(m.cfg.CSI, sub.RI),
		}
		if !res.IsVirtual() {
			n.NEV.Rep = res.Representation()
		}
		if len(sub.NUs) == 0 {
			continue
		}
		rsc, err := m.sender.SendNotify(sub.NUs[0], m.cfg.CSI, n.Wrap(), nil)
		if err != nil {
			return m2m.Errorf(m2m.RSCTargetNotReachable, "blocking retrieve target unreachable: %v", err)
		}
		if !rsc.IsSuccess() {
			return m2m.Errorf(rsc, "blocking retrieve rejected by %s", sub.NUs[0])
		}
	}
	return nil
}

// subsByNET returns the subscriptions of a resource filtered by event type
// and, when chty is non-zero, by child type.
func (m *Manager) subsByNET(ri string, net m2m.NotificationEventType, chty m2m.ResourceType) ([]store.Sub, error) {
	if ri == "" {
		return nil, nil
	}
	subs, err := m.store.SubsForParent(ri)
	if err != nil {
		return nil, err
	}
	var out []store.Sub
	for _, sub := range subs {
		if !sub.HasNET(net) {
			continue
		}
		if chty != 0 && !sub.MatchesChildType(chty) {
			continue
		}
		out = append(out, sub)
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func contains(list []string, s string) bool {
	for _, e := range list {
		if e == s {
			return true
		}
	}
	return false
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

func toIntSlice(v any) []int {
	switch vv := v.(type) {
	case []int:
		return vv
	case []any:
		out := make([]int, 0, len(vv))
		for _, e := range vv {
			if n, ok := intOf(e); ok {
				out = append(out, n)
			}
		}
		return out
	}
	return nil
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
