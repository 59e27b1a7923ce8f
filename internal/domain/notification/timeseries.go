package notification

import (
	"sync"
	"time"

	"github.com/onem2m/cse/internal/domain/resource"
	"github.com/onem2m/cse/internal/m2m"
	"github.com/onem2m/cse/internal/platform/events"
	"github.com/onem2m/cse/internal/platform/workers"
)

func tsMonitorName(ri string) string { return "tsMonitor_" + ri }

// seriesMonitor tracks the expected arrival deadline of one monitored
// time series.
type seriesMonitor struct {
	mu sync.Mutex

	// deadline is the point in time by which the next data point must have
	// arrived.
	deadline time.Time

	pei time.Duration
	mdt time.Duration
}

// MonitorTimeSeries starts (or restarts) missing-data detection for a <ts>
// resource. The detection window mdt defaults to a configured fraction of
// pei when the resource does not set one.
func (m *Manager) MonitorTimeSeries(r *resource.Resource) {
	peiMS, ok := r.Int("pei")
	if !ok || peiMS <= 0 {
		m.log.Warn().Str("ts", r.RI).Msg("cannot monitor time series without pei")
		return
	}
	pei := time.Duration(peiMS) * time.Millisecond

	var mdt time.Duration
	if mdtMS, ok := r.Int("mdt"); ok && mdtMS > 0 {
		mdt = time.Duration(mdtMS) * time.Millisecond
	} else {
		mdt = time.Duration(float64(pei) * m.cfg.MissingDataFactor)
	}

	m.StopMonitorTimeSeries(r.RI)

	mon := &seriesMonitor{
		deadline: m.now().Add(pei + mdt),
		pei:      pei,
		mdt:      mdt,
	}
	m.muSeries.Lock()
	m.series[r.RI] = mon
	m.muSeries.Unlock()

	ri := r.RI
	m.pool.NewWorker(pei, func(_ *workers.Worker) bool {
		m.checkMissingData(ri)
		return true
	}, tsMonitorName(ri), true, nil)
	m.log.Debug().Str("ts", ri).Dur("pei", pei).Dur("mdt", mdt).Msg("monitoring time series")
}

// StopMonitorTimeSeries cancels missing-data detection for a <ts>.
func (m *Manager) StopMonitorTimeSeries(ri string) {
	m.pool.StopWorkers(tsMonitorName(ri))
	m.muSeries.Lock()
	delete(m.series, ri)
	m.muSeries.Unlock()
}

// TimeSeriesInstanceAdded feeds an arriving <tsi> into the monitor: the
// deadline moves to one period plus the detection window (pei + mdt) past the
// instance's data-generation time.
func (m *Manager) TimeSeriesInstanceAdded(ts *resource.Resource, tsi *resource.Resource) {
	m.muSeries.Lock()
	mon := m.series[ts.RI]
	m.muSeries.Unlock()
	if mon == nil {
		return
	}
	base := m.now()
	if dgt, err := m2m.ParseTimestamp(tsi.Str("dgt")); err == nil {
		base = dgt
	}
	mon.mu.Lock()
	mon.deadline = base.Add(mon.pei + mon.mdt)
	mon.mu.Unlock()
}

// checkMissingData runs on every monitor tick: a deadline passed without an
// arrival records a missing data point; reaching mdn reports and clears the
// list.
func (m *Manager) checkMissingData(ri string) {
	m.muSeries.Lock()
	mon := m.series[ri]
	m.muSeries.Unlock()
	if mon == nil {
		return
	}

	now := m.now()
	var missed []time.Time
	mon.mu.Lock()
	for !mon.deadline.After(now) {
		missed = append(missed, mon.deadline.Add(-mon.mdt))
		mon.deadline = mon.deadline.Add(mon.pei)
	}
	mon.mu.Unlock()
	if len(missed) == 0 {
		return
	}

	ts, err := m.disp.RetrieveLocalResource(ri)
	if err != nil {
		m.log.Warn().Err(err).Str("ts", ri).Msg("monitored time series vanished")
		m.StopMonitorTimeSeries(ri)
		return
	}

	mdc, _ := ts.Int("mdc")
	mdlt := ts.StrSlice("mdlt")
	for _, t := range missed {
		mdc++
		mdlt = append(mdlt, m2m.Timestamp(t))
	}
	mdn, hasMDN := ts.Int("mdn")
	if hasMDN && mdn > 0 && len(mdlt) > mdn {
		mdlt = mdlt[len(mdlt)-mdn:]
	}

	report := hasMDN && mdn > 0 && mdc >= mdn
	md := &m2m.MissingData{Timestamps: append([]string(nil), mdlt...), Count: mdc}

	if report {
		// Report and clear, then continue counting from zero.
		mdc = 0
		mdlt = nil
	}
	ts.SetAttr("mdc", mdc)
	if mdlt == nil {
		ts.SetAttr("mdlt", []any{})
	} else {
		ts.SetAttr("mdlt", mdlt)
	}
	if err := m.disp.CommitResource(ts); err != nil {
		m.log.Warn().Err(err).Str("ts", ri).Msg("cannot persist missing data state")
	}

	if report {
		m.bus.Fire(events.ReportMissingDataPoints, ts, md)
		m.checkSubscriptions(ts, m2m.NETReportMissingDataPoints, nil, nil, md)
	}
}
