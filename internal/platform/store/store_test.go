package store

import (
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"github.com/onem2m/cse/internal/m2m"
)

// newTestStores returns one store per backend so every contract test runs
// against both the in-memory and the document-store binding.
func newTestStores(t *testing.T) map[string]*Store {
	t.Helper()
	stores := map[string]*Store{}

	mem, err := New(NewMemoryBinding(), 16, zerolog.Nop())
	if err != nil {
		t.Fatalf("memory store: %v", err)
	}
	stores["memory"] = mem

	bolt, err := NewBoltBinding(t.TempDir(), "cse-test")
	if err != nil {
		t.Fatalf("bolt binding: %v", err)
	}
	t.Cleanup(func() { bolt.Close() })
	bs, err := New(bolt, 16, zerolog.Nop())
	if err != nil {
		t.Fatalf("bolt store: %v", err)
	}
	stores["bolt"] = bs
	return stores
}

func doc(ri, pi, rn, srn string, ty m2m.ResourceType) (Document, Identifier) {
	return Document{
			"ri": ri, "pi": pi, "rn": rn, "ty": int(ty), "__srn__": srn,
		}, Identifier{RI: ri, RN: rn, SRN: srn, Ty: ty}
}

func TestCreateAndRetrieveResource(t *testing.T) {
	for name, st := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			d, id := doc("r1", "", "root", "root", m2m.CSEBase)
			if err := st.CreateResource(d, id, false); err != nil {
				t.Fatalf("create: %v", err)
			}

			got, err := st.ResourceByRI("r1")
			if err != nil {
				t.Fatalf("by ri: %v", err)
			}
			if got["rn"] != "root" {
				t.Fatalf("rn = %v", got["rn"])
			}

			got, err = st.ResourceBySRN("root")
			if err != nil {
				t.Fatalf("by srn: %v", err)
			}
			if ri, _ := got["ri"].(string); ri != "r1" {
				t.Fatalf("srn lookup ri = %v", got["ri"])
			}

			// Identifier table is a function in both directions.
			ident, err := st.Identifier("r1")
			if err != nil || ident.SRN != "root" {
				t.Fatalf("identifier = %+v, %v", ident, err)
			}
			ident, err = st.StructuredPath("root")
			if err != nil || ident.RI != "r1" {
				t.Fatalf("structured path = %+v, %v", ident, err)
			}
		})
	}
}

func TestCreateDuplicateFails(t *testing.T) {
	for name, st := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			d, id := doc("r1", "", "root", "root", m2m.CSEBase)
			if err := st.CreateResource(d, id, false); err != nil {
				t.Fatalf("create: %v", err)
			}
			if err := st.CreateResource(d, id, false); !errors.Is(err, ErrDuplicate) {
				t.Fatalf("duplicate create = %v, want ErrDuplicate", err)
			}
			// Overwrite is allowed when asked for.
			if err := st.CreateResource(d, id, true); err != nil {
				t.Fatalf("overwrite: %v", err)
			}
		})
	}
}

func TestUpdateRemovesNullFields(t *testing.T) {
	for name, st := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			d, id := doc("r1", "", "cnt", "root/cnt", m2m.CNT)
			d["lbl"] = []any{"a"}
			if err := st.CreateResource(d, id, false); err != nil {
				t.Fatalf("create: %v", err)
			}

			upd := Document{"ri": "r1", "lbl": nil, "mni": 5}
			got, err := st.UpdateResource(upd)
			if err != nil {
				t.Fatalf("update: %v", err)
			}
			if _, ok := got["lbl"]; ok {
				t.Fatal("null field not removed from returned document")
			}

			stored, err := st.ResourceByRI("r1")
			if err != nil {
				t.Fatalf("retrieve: %v", err)
			}
			if _, ok := stored["lbl"]; ok {
				t.Fatal("null field still stored")
			}
			if n, _ := stored["mni"].(float64); name == "bolt" && n != 5 {
				t.Fatalf("mni = %v", stored["mni"])
			}
		})
	}
}

func TestDeleteResourceRemovesIdentifier(t *testing.T) {
	for name, st := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			d, id := doc("r1", "", "root", "root", m2m.CSEBase)
			if err := st.CreateResource(d, id, false); err != nil {
				t.Fatalf("create: %v", err)
			}
			if err := st.DeleteResource("r1"); err != nil {
				t.Fatalf("delete: %v", err)
			}
			if _, err := st.ResourceByRI("r1"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("resource still present: %v", err)
			}
			if _, err := st.StructuredPath("root"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("identifier still present: %v", err)
			}
		})
	}
}

func TestDirectChildrenAndTypeFilter(t *testing.T) {
	for name, st := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			root, rootID := doc("root", "", "cse", "cse", m2m.CSEBase)
			if err := st.CreateResource(root, rootID, false); err != nil {
				t.Fatalf("create root: %v", err)
			}
			for i, ty := range []m2m.ResourceType{m2m.CNT, m2m.CNT, m2m.AE} {
				ri := string(rune('a' + i))
				d, id := doc(ri, "root", "c"+ri, "cse/c"+ri, ty)
				if err := st.CreateResource(d, id, false); err != nil {
					t.Fatalf("create child: %v", err)
				}
			}

			all, err := st.DirectChildren("root", nil)
			if err != nil || len(all) != 3 {
				t.Fatalf("children = %d, %v", len(all), err)
			}
			cnt := m2m.CNT
			onlyCNT, err := st.DirectChildren("root", &cnt)
			if err != nil || len(onlyCNT) != 2 {
				t.Fatalf("cnt children = %d, %v", len(onlyCNT), err)
			}
			byType, err := st.ResourcesByType(m2m.AE)
			if err != nil || len(byType) != 1 {
				t.Fatalf("by type = %d, %v", len(byType), err)
			}
		})
	}
}

func TestSubscriptionRecords(t *testing.T) {
	for name, st := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			sub := Sub{
				RI:  "sub1",
				PI:  "cnt1",
				NET: []m2m.NotificationEventType{m2m.NETCreateDirectChild},
				NUs: []string{"http://target"},
				NCT: m2m.NCTAll,
				EXC: 3,
			}
			if err := st.UpsertSub(sub); err != nil {
				t.Fatalf("upsert: %v", err)
			}

			got, err := st.Sub("sub1")
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if !got.HasNET(m2m.NETCreateDirectChild) || got.EXC != 3 {
				t.Fatalf("sub = %+v", got)
			}

			byParent, err := st.SubsForParent("cnt1")
			if err != nil || len(byParent) != 1 {
				t.Fatalf("by parent = %d, %v", len(byParent), err)
			}

			if err := st.RemoveSub("sub1"); err != nil {
				t.Fatalf("remove: %v", err)
			}
			if _, err := st.Sub("sub1"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("sub still present: %v", err)
			}
		})
	}
}

func TestBatchRecordsOrderAndRemoval(t *testing.T) {
	for name, st := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			for i, ts := range []string{"t1", "t2", "t3"} {
				rec := BatchRecord{RI: "sub1", NU: "http://a", Tstamp: ts,
					Notification: &m2m.Notification{SUR: ts}}
				if err := st.AddBatchRecord(rec); err != nil {
					t.Fatalf("add %d: %v", i, err)
				}
			}
			st.AddBatchRecord(BatchRecord{RI: "sub1", NU: "http://b", Tstamp: "x"})

			n, err := st.CountBatchRecords("sub1", "http://a")
			if err != nil || n != 3 {
				t.Fatalf("count = %d, %v", n, err)
			}
			recs, err := st.BatchRecords("sub1", "http://a")
			if err != nil || len(recs) != 3 {
				t.Fatalf("records = %d, %v", len(recs), err)
			}
			if recs[0].Tstamp != "t1" || recs[2].Tstamp != "t3" {
				t.Fatalf("records out of order: %+v", recs)
			}

			if err := st.RemoveBatchRecords("sub1", "http://a"); err != nil {
				t.Fatalf("remove: %v", err)
			}
			if n, _ := st.CountBatchRecords("sub1", "http://a"); n != 0 {
				t.Fatalf("count after removal = %d", n)
			}
			if n, _ := st.CountBatchRecords("sub1", "http://b"); n != 1 {
				t.Fatalf("other pair lost: %d", n)
			}
		})
	}
}

func TestExpiredResources(t *testing.T) {
	for name, st := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			past, pastID := doc("old", "", "old", "old", m2m.CNT)
			past["et"] = "20200101T000000,000000"
			fresh, freshID := doc("new", "", "new", "new", m2m.CNT)
			fresh["et"] = "20990101T000000,000000"
			noET, noETID := doc("no", "", "no", "no", m2m.CNT)
			for _, pair := range []struct {
				d  Document
				id Identifier
			}{{past, pastID}, {fresh, freshID}, {noET, noETID}} {
				if err := st.CreateResource(pair.d, pair.id, false); err != nil {
					t.Fatalf("create: %v", err)
				}
			}

			expired, err := st.ExpiredResources("20240101T000000,000000")
			if err != nil || len(expired) != 1 {
				t.Fatalf("expired = %d, %v", len(expired), err)
			}
			if ri, _ := expired[0]["ri"].(string); ri != "old" {
				t.Fatalf("expired ri = %v", expired[0]["ri"])
			}
		})
	}
}

func TestStatisticsAndAppData(t *testing.T) {
	for name, st := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := st.Statistics(); !errors.Is(err, ErrNotFound) {
				t.Fatalf("empty statistics = %v", err)
			}
			if err := st.UpsertStatistics(Document{"rcr": 5}); err != nil {
				t.Fatalf("upsert stats: %v", err)
			}
			stats, err := st.Statistics()
			if err != nil {
				t.Fatalf("stats: %v", err)
			}
			if _, ok := stats["rcr"]; !ok {
				t.Fatal("stats lost rcr")
			}

			if err := st.UpsertAppData("announce", Document{"queue": []any{"a"}}); err != nil {
				t.Fatalf("appdata: %v", err)
			}
			if _, err := st.AppData("announce"); err != nil {
				t.Fatalf("appdata get: %v", err)
			}
			if err := st.RemoveAppData("announce"); err != nil {
				t.Fatalf("appdata remove: %v", err)
			}
		})
	}
}

func TestPurge(t *testing.T) {
	for name, st := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			d, id := doc("r1", "", "root", "root", m2m.CSEBase)
			if err := st.CreateResource(d, id, false); err != nil {
				t.Fatalf("create: %v", err)
			}
			st.UpsertSub(Sub{RI: "s1", PI: "r1"})
			if err := st.Purge(); err != nil {
				t.Fatalf("purge: %v", err)
			}
			if n, _ := st.CountResources(); n != 0 {
				t.Fatalf("resources after purge = %d", n)
			}
			if _, err := st.Sub("s1"); !errors.Is(err, ErrNotFound) {
				t.Fatal("sub survived purge")
			}
		})
	}
}

func TestAnnounceableResourcesForCSI(t *testing.T) {
	for name, st := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			pending, pendingID := doc("p", "", "p", "p", m2m.CNT)
			pending["at"] = []any{"/peer"}
			done, doneID := doc("d", "", "d", "d", m2m.CNT)
			done["at"] = []any{"/peer/remote1"}
			done["__announcedTo__"] = []any{[]any{"/peer", "remote1"}}
			other, otherID := doc("o", "", "o", "o", m2m.CNT)

			for _, pair := range []struct {
				d  Document
				id Identifier
			}{{pending, pendingID}, {done, doneID}, {other, otherID}} {
				if err := st.CreateResource(pair.d, pair.id, false); err != nil {
					t.Fatalf("create: %v", err)
				}
			}

			notYet, err := st.AnnounceableResourcesForCSI("/peer", false)
			if err != nil || len(notYet) != 1 {
				t.Fatalf("pending = %d, %v", len(notYet), err)
			}
			already, err := st.AnnounceableResourcesForCSI("/peer", true)
			if err != nil || len(already) != 1 {
				t.Fatalf("announced = %d, %v", len(already), err)
			}
		})
	}
}
