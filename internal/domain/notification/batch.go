package notification

import (
	"sort"
	"time"

	"github.com/onem2m/cse/internal/m2m"
	"github.com/onem2m/cse/internal/platform/events"
	"github.com/onem2m/cse/internal/platform/store"
	"github.com/onem2m/cse/internal/platform/workers"
)

// batchWorkerName names the guard worker of one (subscription, target) pair.
func batchWorkerName(ri, nu string) string {
	return "bn_" + ri + ";" + nu
}

// storeBatchNotification stores a notification for later aggregated sending.
// Reaching bn/num triggers the send immediately; otherwise the bn/dur guard
// timer is armed.
func (m *Manager) storeBatchNotification(nu string, sub *store.Sub, n *m2m.Notification) bool {
	rec := store.BatchRecord{
		RI:           sub.RI,
		NU:           nu,
		Tstamp:       m.now().UTC().Format(time.RFC3339Nano),
		Notification: n,
	}
	if err := m.store.AddBatchRecord(rec); err != nil {
		m.log.Warn().Err(err).Str("sub", sub.RI).Msg("cannot store batch notification")
		return false
	}

	if sub.BN.Num > 0 {
		cnt, err := m.store.CountBatchRecords(sub.RI, nu)
		if err == nil && cnt >= sub.BN.Num {
			m.pool.StopWorkers(batchWorkerName(sub.RI, nu))
			return m.sendAggregatedBatchNotification(sub.RI, nu, sub.BN.LN, sub.BN.Dur)
		}
	}

	if sub.BN.Dur != "" {
		m.startBatchGuard(sub.RI, nu, sub.BN.Dur, sub.BN.LN)
	}
	return true
}

// startBatchGuard arms the duration guard for a pending batch unless one is
// already running.
func (m *Manager) startBatchGuard(ri, nu, dur string, ln bool) {
	if len(m.pool.FindWorkers(batchWorkerName(ri, nu))) > 0 {
		return
	}
	d, err := m2m.ParseDuration(dur)
	if err != nil || d < time.Second {
		m.log.Warn().Str("dur", dur).Msg("invalid batch notification duration")
		return
	}
	m.pool.NewActor(func(_ *workers.Worker) bool {
		m.sendAggregatedBatchNotification(ri, nu, ln, dur)
		return false
	}, d, batchWorkerName(ri, nu), nil)
}

// sendAggregatedBatchNotification aggregates the pending notifications of a
// (subscription, target) pair into one m2m:agn request, ordered by stored
// timestamp. A successful send removes the pending batch; a failure leaves
// it for the re-armed guard.
func (m *Manager) sendAggregatedBatchNotification(ri, nu string, ln bool, dur string) bool {
	m.muBatch.Lock()
	defer m.muBatch.Unlock()

	recs, err := m.store.BatchRecords(ri, nu)
	if err != nil || len(recs) == 0 {
		return false
	}
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].Tstamp < recs[j].Tstamp })

	agn := &m2m.AggregatedNotification{}
	for _, rec := range recs {
		if rec.Notification != nil {
			agn.SGN = append(agn.SGN, rec.Notification)
		}
	}

	var params map[string]string
	if ln && len(agn.SGN) > 1 {
		// latest-notify keeps only the newest pending notification.
		agn.SGN = agn.SGN[len(agn.SGN)-1:]
		params = map[string]string{"ec": "4"}
	}

	m.bus.Fire(events.Notification)
	rsc, err := m.sender.SendNotify(nu, m.cfg.CSI, agn.Wrap(), params)
	if err != nil || !rsc.IsSuccess() {
		m.log.Warn().Err(err).Str("nu", nu).Msg("aggregated batch notification failed")
		if dur != "" {
			m.startBatchGuard(ri, nu, dur, ln)
		}
		return false
	}

	if err := m.store.RemoveBatchRecords(ri, nu); err != nil {
		m.log.Warn().Err(err).Str("sub", ri).Msg("cannot remove sent batch notifications")
	}
	return true
}

// flushBatchNotifications sends any outstanding batch notifications of a
// subscription before it disappears.
func (m *Manager) flushBatchNotifications(ri string) {
	sub, err := m.store.Sub(ri)
	if err != nil {
		return
	}
	ln := false
	if sub.BN != nil {
		ln = sub.BN.LN
	}
	for _, nu := range sub.NUs {
		m.pool.StopWorkers(batchWorkerName(ri, nu))
		m.sendAggregatedBatchNotification(ri, nu, ln, "")
	}
}
