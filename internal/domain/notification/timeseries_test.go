package notification

import (
	"testing"
	"time"

	"github.com/onem2m/cse/internal/m2m"
)

func TestMissingDataDetection(t *testing.T) {
	d, _, sender, _ := newTestCSE(t)

	// 50ms period, 20ms detection window, report after 2 missing points.
	ts := mustCreate(t, d, "cse-in", m2m.TS, map[string]any{
		"rn":  "ts1",
		"pei": float64(50),
		"mdt": float64(20),
		"mdd": true,
		"mdn": float64(2),
	}, "Cae")

	mustCreate(t, d, "cse-in/ts1", m2m.SUB, map[string]any{
		"rn":  "subMD",
		"nu":  []any{"http://md"},
		"nct": float64(m2m.NCTTimeSeriesNotification),
		"enc": map[string]any{"net": []any{float64(m2m.NETReportMissingDataPoints)}},
	}, "Cae")

	// No instances arrive; after two missed periods the report fires.
	waitFor(t, 3*time.Second, func() bool {
		return len(sender.calls("http://md")) >= 2 // verification + report
	})
	sgn := sender.sgnOf(sender.calls("http://md")[1])
	if sgn == nil || sgn.NEV == nil || sgn.NEV.NET != m2m.NETReportMissingDataPoints {
		t.Fatalf("report sgn = %+v", sgn)
	}
	if _, ok := sgn.NEV.Rep["m2m:tsn"]; !ok {
		t.Fatalf("report rep = %v", sgn.NEV.Rep)
	}

	// The counter and list were cleared after the report.
	waitFor(t, time.Second, func() bool {
		fresh, err := d.RetrieveLocalResource(ts.RI)
		if err != nil {
			return false
		}
		mdc, _ := fresh.Int("mdc")
		return mdc < 2
	})
}

func TestMonitorStopsWithTimeSeries(t *testing.T) {
	d, mgr, _, _ := newTestCSE(t)

	ts := mustCreate(t, d, "cse-in", m2m.TS, map[string]any{
		"rn":  "ts1",
		"pei": float64(10000),
		"mdt": float64(1000),
		"mdd": true,
		"mdn": float64(5),
	}, "Cae")

	if len(mgr.pool.FindWorkers("tsMonitor_"+ts.RI)) != 1 {
		t.Fatal("monitor worker not running")
	}
	if _, err := d.DeleteResource("cse-in/ts1", "Cae"); err != nil {
		t.Fatalf("delete ts: %v", err)
	}
	waitFor(t, time.Second, func() bool {
		return len(mgr.pool.FindWorkers("tsMonitor_"+ts.RI)) == 0
	})
}

func TestInstanceArrivalAdvancesDeadline(t *testing.T) {
	d, mgr, _, _ := newTestCSE(t)

	ts := mustCreate(t, d, "cse-in", m2m.TS, map[string]any{
		"rn":  "ts1",
		"pei": float64(10000),
		"mdt": float64(1000),
		"mdd": true,
		"mdn": float64(5),
	}, "Cae")

	mgr.muSeries.Lock()
	mon := mgr.series[ts.RI]
	mgr.muSeries.Unlock()
	if mon == nil {
		t.Fatal("no monitor registered")
	}
	mon.mu.Lock()
	before := mon.deadline
	mon.mu.Unlock()

	dgt := m2m.Timestamp(time.Now().Add(time.Hour))
	mustCreate(t, d, "cse-in/ts1", m2m.TSI, map[string]any{
		"dgt": dgt, "con": "v",
	}, "Cae")

	mon.mu.Lock()
	after := mon.deadline
	mon.mu.Unlock()
	if !after.After(before) {
		t.Fatalf("deadline not advanced: %v -> %v", before, after)
	}
}
