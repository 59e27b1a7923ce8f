// Package announce implements the announcement manager: it mirrors selected
// resources to registered peer CSEs and keeps the shadows in sync while the
// local at attribute lists the peer.
package announce

import (
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/onem2m/cse/internal/domain/resource"
	"github.com/onem2m/cse/internal/m2m"
	"github.com/onem2m/cse/internal/platform/events"
	"github.com/onem2m/cse/internal/platform/store"
	"github.com/onem2m/cse/internal/platform/workers"
)

// PeerClient performs announcement operations against a remote CSE. The
// transport layer implements it; every call carries a bounded timeout.
type PeerClient interface {
	CreateAnnouncedResource(poa []string, peerCSI string, body map[string]any, ty m2m.ResourceType) (remoteRI string, err error)
	UpdateAnnouncedResource(poa []string, peerCSI, remoteRI string, attrs map[string]any) error
	DeleteAnnouncedResource(poa []string, peerCSI, remoteRI string) error
}

// Dispatcher is the slice of the dispatcher the manager needs.
type Dispatcher interface {
	RetrieveLocalResource(id string) (*resource.Resource, error)
	CommitResource(r *resource.Resource) error
}

// Config carries the manager settings.
type Config struct {
	// CSI is the local CSE-ID with leading slash.
	CSI string

	// MonitorInterval is the period of the retry sweep; zero disables it.
	MonitorInterval time.Duration
}

// Manager is the announcement manager.
type Manager struct {
	cfg   Config
	store *store.Store
	disp  Dispatcher
	peers PeerClient
	pool  *workers.Pool
	log   zerolog.Logger
}

// NewManager creates the manager and attaches its event handlers.
func NewManager(cfg Config, st *store.Store, disp Dispatcher, peers PeerClient, pool *workers.Pool, bus *events.Bus, log zerolog.Logger) *Manager {
	m := &Manager{
		cfg:   cfg,
		store: st,
		disp:  disp,
		peers: peers,
		pool:  pool,
		log:   log.With().Str("component", "announce").Logger(),
	}
	bus.AddHandler(events.RemoteCSEHasRegistered, m.onRemoteCSERegistered)
	bus.AddHandler(events.RemoteCSEHasDeregistered, m.onRemoteCSEDeregistered)
	bus.AddHandler(events.RegisteredToRemoteCSE, m.onRemoteCSERegistered)
	bus.AddHandler(events.DeregisteredFromRemoteCSE, m.onRemoteCSEDeregistered)
	bus.AddHandler(events.UpdateLocalResource, m.onUpdateLocalResource)
	bus.AddHandler(events.DeleteLocalResource, m.onDeleteLocalResource)
	return m
}

// Start schedules the retry sweep.
func (m *Manager) Start() {
	if m.cfg.MonitorInterval > 0 {
		m.pool.NewWorker(m.cfg.MonitorInterval, func(_ *workers.Worker) bool {
			m.sweep()
			return true
		}, "announcementMonitor", true, nil)
	}
}

// Shutdown stops the retry sweep.
func (m *Manager) Shutdown() {
	m.pool.StopWorkers("announcementMonitor")
}

func (m *Manager) onRemoteCSERegistered(args ...any) {
	csr, ok := firstResource(args)
	if !ok {
		return
	}
	m.checkResourcesForAnnouncement(csr)
}

func (m *Manager) onRemoteCSEDeregistered(args ...any) {
	csr, ok := firstResource(args)
	if !ok {
		return
	}
	m.checkResourcesForUnAnnouncement(csr)
}

func (m *Manager) onUpdateLocalResource(args ...any) {
	res, ok := firstResource(args)
	if !ok || len(res.AnnouncedTo) == 0 {
		return
	}
	var modified map[string]any
	if len(args) > 1 {
		modified, _ = args[1].(map[string]any)
	}
	if _, ok := modified["at"]; ok {
		m.deAnnounceRemovedTargets(res)
	}
	m.announceUpdatedResource(res, modified)
}

func (m *Manager) onDeleteLocalResource(args ...any) {
	res, ok := firstResource(args)
	if !ok || len(res.AnnouncedTo) == 0 {
		return
	}
	// The local resource is gone; only the remote shadows need removal.
	for _, ref := range res.AnnouncedTo {
		csr, err := m.csrForCSI(ref.CSI)
		if err != nil {
			continue
		}
		if err := m.peers.DeleteAnnouncedResource(csr.StrSlice("poa"), ref.CSI, ref.RemoteRI); err != nil {
			m.log.Warn().Err(err).Str("ri", res.RI).Str("csi", ref.CSI).Msg("de-announcement failed")
		}
	}
}

// deAnnounceRemovedTargets removes shadows from peers no longer listed in
// the at attribute.
func (m *Manager) deAnnounceRemovedTargets(r *resource.Resource) {
	at := r.StrSlice("at")
	for _, ref := range r.AnnouncedTo {
		still := false
		for _, entry := range at {
			if entry == ref.CSI || strings.HasPrefix(entry, ref.CSI+"/") {
				still = true
				break
			}
		}
		if still {
			continue
		}
		if csr, err := m.csrForCSI(ref.CSI); err == nil {
			if err := m.peers.DeleteAnnouncedResource(csr.StrSlice("poa"), ref.CSI, ref.RemoteRI); err != nil {
				m.log.Warn().Err(err).Str("ri", r.RI).Str("csi", ref.CSI).Msg("de-announcement failed")
			}
		}
		m.removeAnnouncementFromResource(r, ref.CSI)
	}
}

func firstResource(args []any) (*resource.Resource, bool) {
	if len(args) == 0 {
		return nil, false
	}
	r, ok := args[0].(*resource.Resource)
	return r, ok && r != nil
}

// ---------------------------------------------------------------------------
// Announcement logic
// ---------------------------------------------------------------------------

// checkResourcesForAnnouncement announces every local resource whose at
// attribute references the freshly registered peer.
func (m *Manager) checkResourcesForAnnouncement(csr *resource.Resource) {
	csi := csr.Str("csi")
	if csi == "" {
		return
	}
	docs, err := m.store.AnnounceableResourcesForCSI(csi, false)
	if err != nil {
		m.log.Error().Err(err).Str("csi", csi).Msg("cannot search announceable resources")
		return
	}
	for _, doc := range docs {
		r := resource.FromDocument(doc)
		if err := m.announceResourceToCSR(r, csr); err != nil {
			m.log.Warn().Err(err).Str("ri", r.RI).Str("csi", csi).Msg("announcement failed, retrying on next sweep")
			m.recordFailure(r.RI, csi, err)
		} else {
			m.clearFailure(r.RI, csi)
		}
	}
}

// appDataID keys the announcement failure journal in the app-data table.
const appDataID = "announcementFailures"

// recordFailure journals a failed announcement so operators can inspect the
// backlog the retry sweep is working on.
func (m *Manager) recordFailure(ri, csi string, cause error) {
	doc, err := m.store.AppData(appDataID)
	if err != nil {
		doc = store.Document{}
	}
	doc[ri+"|"+csi] = cause.Error()
	if err := m.store.UpsertAppData(appDataID, doc); err != nil {
		m.log.Warn().Err(err).Msg("cannot journal announcement failure")
	}
}

func (m *Manager) clearFailure(ri, csi string) {
	doc, err := m.store.AppData(appDataID)
	if err != nil {
		return
	}
	if _, ok := doc[ri+"|"+csi]; !ok {
		return
	}
	delete(doc, ri+"|"+csi)
	if len(doc) == 0 {
		if err := m.store.RemoveAppData(appDataID); err != nil {
			m.log.Warn().Err(err).Msg("cannot clear announcement failure journal")
		}
		return
	}
	if err := m.store.UpsertAppData(appDataID, doc); err != nil {
		m.log.Warn().Err(err).Msg("cannot update announcement failure journal")
	}
}

// announceResourceToCSR creates the announced shadow of one resource on one
// peer. Already announced resources are left alone.
func (m *Manager) announceResourceToCSR(r *resource.Resource, csr *resource.Resource) error {
	csi := csr.Str("csi")
	if _, ok := r.AnnouncedToCSI(csi); ok {
		return nil
	}
	poa := csr.StrSlice("poa")
	if len(poa) == 0 {
		return m2m.ErrTargetNotReachable("peer %s has no point of access", csi)
	}

	body := m.announcedBody(r)
	remoteRI, err := m.peers.CreateAnnouncedResource(poa, csi, body, r.Ty.Announced())
	if err != nil {
		return err
	}

	r.AddAnnouncedTo(csi, remoteRI)
	// Rewrite the bare csi entry in at to the full remote ID so clients can
	// follow the announcement.
	at := r.StrSlice("at")
	for i, entry := range at {
		if entry == csi {
			at[i] = csi + "/" + remoteRI
		}
	}
	r.SetAttr("at", at)
	if err := m.disp.CommitResource(r); err != nil {
		return err
	}
	m.log.Debug().Str("ri", r.RI).Str("csi", csi).Str("remote", remoteRI).Msg("resource announced")
	return nil
}

// announcedBody builds the attribute body of an announced shadow: the link
// back to the original plus the announced attributes.
func (m *Manager) announcedBody(r *resource.Resource) map[string]any {
	body := map[string]any{
		"lnk": m2m.ToSPRelative(m.cfg.CSI, r.RI),
		"rn":  r.RN + "_Annc",
	}
	if len(r.ACPI) > 0 {
		body["acpi"] = r.ACPI
	}
	if lbl := r.StrSlice("lbl"); len(lbl) > 0 {
		body["lbl"] = lbl
	}
	// aa lists the attributes announced beyond the mandatory set.
	for _, name := range r.StrSlice("aa") {
		if v, ok := r.Attr(name); ok {
			body[name] = v
		}
	}
	if r.ET != "" {
		body["et"] = r.ET
	}
	return body
}

// announceUpdatedResource propagates an update delta to every peer holding a
// shadow of the resource.
func (m *Manager) announceUpdatedResource(r *resource.Resource, modified map[string]any) {
	announced := r.StrSlice("aa")
	delta := map[string]any{}
	for k, v := range modified {
		if k == "lbl" || k == "acpi" || k == "et" || contains(announced, k) {
			delta[k] = v
		}
	}
	if len(delta) == 0 {
		return
	}
	for _, ref := range r.AnnouncedTo {
		csr, err := m.csrForCSI(ref.CSI)
		if err != nil {
			m.log.Warn().Err(err).Str("csi", ref.CSI).Msg("peer for announced update not found")
			continue
		}
		if err := m.peers.UpdateAnnouncedResource(csr.StrSlice("poa"), ref.CSI, ref.RemoteRI, delta); err != nil {
			m.log.Warn().Err(err).Str("ri", r.RI).Str("csi", ref.CSI).Msg("announced update failed")
		}
	}
}

// checkResourcesForUnAnnouncement drops the local bookkeeping for every
// resource announced to a peer that deregistered.
func (m *Manager) checkResourcesForUnAnnouncement(csr *resource.Resource) {
	csi := csr.Str("csi")
	if csi == "" {
		return
	}
	docs, err := m.store.AnnounceableResourcesForCSI(csi, true)
	if err != nil {
		m.log.Error().Err(err).Str("csi", csi).Msg("cannot search announced resources")
		return
	}
	for _, doc := range docs {
		r := resource.FromDocument(doc)
		m.removeAnnouncementFromResource(r, csi)
	}
}

// removeAnnouncementFromResource drops the bookkeeping pair and restores the
// bare csi form of the at entry.
func (m *Manager) removeAnnouncementFromResource(r *resource.Resource, csi string) {
	remoteRI, ok := r.AnnouncedToCSI(csi)
	if !ok {
		return
	}
	r.RemoveAnnouncedTo(csi)
	at := r.StrSlice("at")
	for i, entry := range at {
		if entry == csi+"/"+remoteRI {
			at[i] = csi
		}
	}
	r.SetAttr("at", at)
	if err := m.disp.CommitResource(r); err != nil {
		m.log.Warn().Err(err).Str("ri", r.RI).Msg("cannot persist de-announcement")
	}
}

// sweep retries announcements that have not succeeded yet for every
// registered peer.
func (m *Manager) sweep() {
	docs, err := m.store.ResourcesByType(m2m.CSR)
	if err != nil {
		m.log.Error().Err(err).Msg("announcement sweep failed")
		return
	}
	for _, doc := range docs {
		m.checkResourcesForAnnouncement(resource.FromDocument(doc))
	}
}

func (m *Manager) csrForCSI(csi string) (*resource.Resource, error) {
	doc, err := m.store.ResourceByCSI(csi)
	if err != nil {
		return nil, m2m.ErrNotFound("no <csr> registered for %s", csi)
	}
	return resource.FromDocument(doc), nil
}

func contains(list []string, s string) bool {
	for _, e := range list {
		if e == s {
			return true
		}
	}
	return false
}
