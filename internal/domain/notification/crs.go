package notification

import (
	"github.com/onem2m/cse/internal/domain/resource"
	"github.com/onem2m/cse/internal/m2m"
	"github.com/onem2m/cse/internal/platform/events"
	"github.com/onem2m/cse/internal/platform/workers"
)

func periodicWorkerName(ri string) string { return "crsPeriodic_" + ri }
func slidingWorkerName(ri string) string  { return "crsSliding_" + ri }

// AddCrossResourceSubscription verifies a new <crs>'s targets, registers it
// with each constituent subscription and starts the periodic window when the
// window type asks for one.
func (m *Manager) AddCrossResourceSubscription(r *resource.Resource, originator string) error {
	if err := m.verifyNotificationTargets(r.RI, r.StrSlice("nu"), nil, originator); err != nil {
		return err
	}

	rrat := r.StrSlice("rrat")
	crsID := m2m.ToSPRelative(m.cfg.CSI, r.RI)
	var registered []*resource.Resource
	for _, subID := range rrat {
		sub, err := m.disp.RetrieveLocalResource(m2m.ToCSERelative(m.cfg.CSI, subID))
		if err != nil {
			m.rollbackCRSRegistration(registered, crsID)
			return m2m.ErrBadRequest("rrat references unknown subscription %s", subID)
		}
		if sub.Ty != m2m.SUB {
			m.rollbackCRSRegistration(registered, crsID)
			return m2m.ErrBadRequest("rrat entry %s is not a subscription", subID)
		}
		acrs := sub.StrSlice("acrs")
		if !contains(acrs, crsID) {
			sub.SetAttr("acrs", append(acrs, crsID))
			if err := m.disp.CommitResource(sub); err != nil {
				m.rollbackCRSRegistration(registered, crsID)
				return err
			}
			if err := m.RefreshSubscription(sub); err != nil {
				m.rollbackCRSRegistration(registered, crsID)
				return err
			}
		}
		registered = append(registered, sub)
	}

	if m2m.TimeWindowType(intAttr(r, "twt")) == m2m.TWTPeriodic {
		m.startCRSPeriodicWindow(r.RI, r.Str("tws"), len(rrat))
	}
	return nil
}

// UpdateCrossResourceSubscription verifies targets newly appearing in nu and
// restarts the window worker of a periodic <crs> on every update.
func (m *Manager) UpdateCrossResourceSubscription(r *resource.Resource, previousNus []string, originator string) error {
	if err := m.verifyNotificationTargets(r.RI, r.StrSlice("nu"), previousNus, originator); err != nil {
		return err
	}
	if m2m.TimeWindowType(intAttr(r, "twt")) == m2m.TWTPeriodic {
		m.pool.StopWorkers(periodicWorkerName(r.RI))
		m.startCRSPeriodicWindow(r.RI, r.Str("tws"), len(r.StrSlice("rrat")))
	}
	return nil
}

// RemoveCrossResourceSubscription stops the window workers, deregisters the
// <crs> from its constituent subscriptions and notifies the subscriber.
func (m *Manager) RemoveCrossResourceSubscription(r *resource.Resource) {
	m.pool.StopWorkers(periodicWorkerName(r.RI))
	m.pool.StopWorkers(slidingWorkerName(r.RI))

	crsID := m2m.ToSPRelative(m.cfg.CSI, r.RI)
	for _, subID := range r.StrSlice("rrat") {
		sub, err := m.disp.RetrieveLocalResource(m2m.ToCSERelative(m.cfg.CSI, subID))
		if err != nil {
			continue
		}
		m.deregisterCRS(sub, crsID)
	}

	if su := r.Str("su"); su != "" {
		if !m.sendDeletionNotification(su, r.RI) {
			m.log.Warn().Str("su", su).Str("crs", r.RI).Msg("deletion notification failed")
		}
	}
}

func (m *Manager) rollbackCRSRegistration(subs []*resource.Resource, crsID string) {
	for _, sub := range subs {
		m.deregisterCRS(sub, crsID)
	}
}

func (m *Manager) deregisterCRS(sub *resource.Resource, crsID string) {
	acrs := sub.StrSlice("acrs")
	kept := acrs[:0]
	for _, id := range acrs {
		if id != crsID {
			kept = append(kept, id)
		}
	}
	if len(kept) == len(acrs) {
		return
	}
	if len(kept) == 0 {
		sub.SetAttr("acrs", nil)
	} else {
		sub.SetAttr("acrs", kept)
	}
	if err := m.disp.CommitResource(sub); err != nil {
		m.log.Warn().Err(err).Str("sub", sub.RI).Msg("cannot deregister <crs> from subscription")
		return
	}
	if err := m.RefreshSubscription(sub); err != nil {
		m.log.Warn().Err(err).Str("sub", sub.RI).Msg("cannot refresh subscription record")
	}
}

// ---------------------------------------------------------------------------
// Window workers
// ---------------------------------------------------------------------------

// startCRSPeriodicWindow starts the periodic window worker of a <crs>. The
// worker's data accumulates the unique sur values of the running window.
func (m *Manager) startCRSPeriodicWindow(ri, tws string, subCount int) {
	d, err := m2m.ParseDuration(tws)
	if err != nil || d <= 0 {
		m.log.Warn().Str("tws", tws).Str("crs", ri).Msg("invalid time window size")
		return
	}
	m.log.Debug().Str("crs", ri).Dur("tws", d).Msg("starting periodic window")
	m.pool.NewWorker(d, func(w *workers.Worker) bool {
		m.crsCheckForNotification(w.TakeData(), ri, subCount)
		return true
	}, periodicWorkerName(ri), true, nil)
}

// startCRSSlidingWindow starts a one-shot sliding window seeded with the
// first received sur. A new window begins with the next sur after it fired.
func (m *Manager) startCRSSlidingWindow(ri, tws, sur string, subCount int) {
	d, err := m2m.ParseDuration(tws)
	if err != nil || d <= 0 {
		m.log.Warn().Str("tws", tws).Str("crs", ri).Msg("invalid time window size")
		return
	}
	m.log.Debug().Str("crs", ri).Dur("tws", d).Msg("starting sliding window")
	m.pool.NewActor(func(w *workers.Worker) bool {
		m.crsCheckForNotification(w.TakeData(), ri, subCount)
		return false
	}, d, slidingWorkerName(ri), []string{sur})
}

// ReceivedCrossResourceNotification feeds one constituent subscription's
// event into the window of a <crs>. sur values are deduplicated within a
// window.
func (m *Manager) ReceivedCrossResourceNotification(sur string, crs *resource.Resource) {
	tws := crs.Str("tws")
	subCount := len(crs.StrSlice("rrat"))
	switch m2m.TimeWindowType(intAttr(crs, "twt")) {
	case m2m.TWTSliding:
		if ws := m.pool.FindWorkers(slidingWorkerName(crs.RI)); len(ws) > 0 {
			ws[0].AppendUnique(sur)
			return
		}
		m.startCRSSlidingWindow(crs.RI, tws, sur, subCount)
	case m2m.TWTPeriodic:
		if ws := m.pool.FindWorkers(periodicWorkerName(crs.RI)); len(ws) > 0 {
			ws[0].AppendUnique(sur)
		}
		// A missing periodic worker means the <crs> is being torn down.
	}
}

// crsCheckForNotification fires the aggregated <crs> notification when the
// closing window collected a sur from every constituent subscription.
func (m *Manager) crsCheckForNotification(data []string, crsRI string, subCount int) {
	m.log.Debug().Str("crs", crsRI).Int("got", len(data)).Int("want", subCount).Msg("checking window")
	if len(data) != subCount || subCount == 0 {
		return
	}
	crs, err := m.disp.RetrieveLocalResource(crsRI)
	if err != nil {
		m.log.Warn().Err(err).Str("crs", crsRI).Msg("cannot retrieve <crs> for window notification")
		return
	}
	n := &m2m.Notification{SUR: m2m.ToSPRelative(m.cfg.CSI, crs.RI)}
	for _, nu := range crs.StrSlice("nu") {
		nu := nu
		m.pool.NewActor(func(_ *workers.Worker) bool {
			m.bus.Fire(events.Notification)
			if rsc, err := m.sender.SendNotify(nu, m.cfg.CSI, n.Wrap(), nil); err != nil || !rsc.IsSuccess() {
				m.log.Warn().Err(err).Str("nu", nu).Msg("window notification failed")
			}
			return false
		}, 0, "NO_crs_"+crs.RI, nil)
	}
}

func intAttr(r *resource.Resource, name string) int {
	n, _ := r.Int(name)
	return n
}
