package store

import (
	"encoding/json"
	"sync"

	"github.com/onem2m/cse/internal/m2m"
)

// MemoryBinding is the fully in-memory backend. Each table is guarded by its
// own lock; no operation takes two table locks.
type MemoryBinding struct {
	muResources sync.Mutex
	resources   map[string]Document // ri -> doc

	muIdentifiers sync.Mutex
	identifiers   map[string]Identifier // ri -> identifier
	bySRN         map[string]string     // srn -> ri

	muSubs sync.Mutex
	subs   map[string]Sub // ri -> sub
	batch  []BatchRecord

	muStatistics sync.Mutex
	statistics   Document

	muAppData sync.Mutex
	appData   map[string]Document
}

// NewMemoryBinding creates an empty in-memory backend.
func NewMemoryBinding() *MemoryBinding {
	return &MemoryBinding{
		resources:   make(map[string]Document),
		identifiers: make(map[string]Identifier),
		bySRN:       make(map[string]string),
		subs:        make(map[string]Sub),
		appData:     make(map[string]Document),
	}
}

// copyDoc deep-copies a document so callers never alias the stored form.
func copyDoc(doc Document) Document {
	if doc == nil {
		return nil
	}
	b, _ := json.Marshal(doc)
	var out Document
	_ = json.Unmarshal(b, &out)
	return out
}

func docRI(doc Document) string {
	ri, _ := doc["ri"].(string)
	return ri
}

func (m *MemoryBinding) InsertResource(doc Document) error {
	m.muResources.Lock()
	defer m.muResources.Unlock()
	ri := docRI(doc)
	if _, ok := m.resources[ri]; ok {
		return ErrDuplicate
	}
	m.resources[ri] = copyDoc(doc)
	return nil
}

func (m *MemoryBinding) UpsertResource(doc Document) error {
	m.muResources.Lock()
	defer m.muResources.Unlock()
	m.resources[docRI(doc)] = copyDoc(doc)
	return nil
}

func (m *MemoryBinding) UpdateResource(doc Document) (Document, error) {
	m.muResources.Lock()
	defer m.muResources.Unlock()
	ri := docRI(doc)
	stored, ok := m.resources[ri]
	if !ok {
		return nil, ErrNotFound
	}
	for k, v := range doc {
		if v == nil {
			delete(stored, k)
		} else {
			stored[k] = v
		}
	}
	m.resources[ri] = copyDoc(stored)
	return copyDoc(stored), nil
}

func (m *MemoryBinding) RemoveResource(ri string) error {
	m.muResources.Lock()
	defer m.muResources.Unlock()
	if _, ok := m.resources[ri]; !ok {
		return ErrNotFound
	}
	delete(m.resources, ri)
	return nil
}

func (m *MemoryBinding) ResourceByRI(ri string) (Document, error) {
	m.muResources.Lock()
	defer m.muResources.Unlock()
	doc, ok := m.resources[ri]
	if !ok {
		return nil, ErrNotFound
	}
	return copyDoc(doc), nil
}

func (m *MemoryBinding) ResourceByCSI(csi string) (Document, error) {
	m.muResources.Lock()
	defer m.muResources.Unlock()
	for _, doc := range m.resources {
		if c, ok := doc["csi"].(string); ok && c == csi {
			return copyDoc(doc), nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryBinding) ResourcesByPI(pi string, ty *m2m.ResourceType) ([]Document, error) {
	m.muResources.Lock()
	defer m.muResources.Unlock()
	var out []Document
	for _, doc := range m.resources {
		if p, _ := doc["pi"].(string); p != pi {
			continue
		}
		if ty != nil && docType(doc) != *ty {
			continue
		}
		out = append(out, copyDoc(doc))
	}
	return out, nil
}

func docType(doc Document) m2m.ResourceType {
	switch v := doc["ty"].(type) {
	case float64:
		return m2m.ResourceType(v)
	case int:
		return m2m.ResourceType(v)
	case m2m.ResourceType:
		return v
	}
	return 0
}

func (m *MemoryBinding) ResourcesByType(ty m2m.ResourceType) ([]Document, error) {
	m.muResources.Lock()
	defer m.muResources.Unlock()
	var out []Document
	for _, doc := range m.resources {
		if docType(doc) == ty {
			out = append(out, copyDoc(doc))
		}
	}
	return out, nil
}

func (m *MemoryBinding) SearchResources(match func(Document) bool) ([]Document, error) {
	m.muResources.Lock()
	defer m.muResources.Unlock()
	var out []Document
	for _, doc := range m.resources {
		if match(doc) {
			out = append(out, copyDoc(doc))
		}
	}
	return out, nil
}

func (m *MemoryBinding) HasResource(ri string) (bool, error) {
	m.muResources.Lock()
	defer m.muResources.Unlock()
	_, ok := m.resources[ri]
	return ok, nil
}

func (m *MemoryBinding) CountResources() (int, error) {
	m.muResources.Lock()
	defer m.muResources.Unlock()
	return len(m.resources), nil
}

func (m *MemoryBinding) UpsertIdentifier(id Identifier) error {
	m.muIdentifiers.Lock()
	defer m.muIdentifiers.Unlock()
	if old, ok := m.identifiers[id.RI]; ok {
		delete(m.bySRN, old.SRN)
	}
	m.identifiers[id.RI] = id
	m.bySRN[id.SRN] = id.RI
	return nil
}

func (m *MemoryBinding) RemoveIdentifier(ri string) error {
	m.muIdentifiers.Lock()
	defer m.muIdentifiers.Unlock()
	id, ok := m.identifiers[ri]
	if !ok {
		return ErrNotFound
	}
	delete(m.identifiers, ri)
	delete(m.bySRN, id.SRN)
	return nil
}

func (m *MemoryBinding) IdentifierByRI(ri string) (Identifier, error) {
	m.muIdentifiers.Lock()
	defer m.muIdentifiers.Unlock()
	id, ok := m.identifiers[ri]
	if !ok {
		return Identifier{}, ErrNotFound
	}
	return id, nil
}

func (m *MemoryBinding) IdentifierBySRN(srn string) (Identifier, error) {
	m.muIdentifiers.Lock()
	defer m.muIdentifiers.Unlock()
	ri, ok := m.bySRN[srn]
	if !ok {
		return Identifier{}, ErrNotFound
	}
	return m.identifiers[ri], nil
}

func (m *MemoryBinding) UpsertSub(sub Sub) error {
	m.muSubs.Lock()
	defer m.muSubs.Unlock()
	m.subs[sub.RI] = sub
	return nil
}

func (m *MemoryBinding) RemoveSub(ri string) error {
	m.muSubs.Lock()
	defer m.muSubs.Unlock()
	if _, ok := m.subs[ri]; !ok {
		return ErrNotFound
	}
	delete(m.subs, ri)
	return nil
}

func (m *MemoryBinding) SubByRI(ri string) (Sub, error) {
	m.muSubs.Lock()
	defer m.muSubs.Unlock()
	sub, ok := m.subs[ri]
	if !ok {
		return Sub{}, ErrNotFound
	}
	return sub, nil
}

func (m *MemoryBinding) SubsByPI(pi string) ([]Sub, error) {
	m.muSubs.Lock()
	defer m.muSubs.Unlock()
	var out []Sub
	for _, sub := range m.subs {
		if sub.PI == pi {
			out = append(out, sub)
		}
	}
	return out, nil
}

func (m *MemoryBinding) AddBatchRecord(rec BatchRecord) error {
	m.muSubs.Lock()
	defer m.muSubs.Unlock()
	m.batch = append(m.batch, rec)
	return nil
}

func (m *MemoryBinding) BatchRecords(ri, nu string) ([]BatchRecord, error) {
	m.muSubs.Lock()
	defer m.muSubs.Unlock()
	var out []BatchRecord
	for _, rec := range m.batch {
		if rec.RI == ri && rec.NU == nu {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (m *MemoryBinding) CountBatchRecords(ri, nu string) (int, error) {
	m.muSubs.Lock()
	defer m.muSubs.Unlock()
	n := 0
	for _, rec := range m.batch {
		if rec.RI == ri && rec.NU == nu {
			n++
		}
	}
	return n, nil
}

func (m *MemoryBinding) RemoveBatchRecords(ri, nu string) error {
	m.muSubs.Lock()
	defer m.muSubs.Unlock()
	kept := m.batch[:0]
	for _, rec := range m.batch {
		if rec.RI != ri || rec.NU != nu {
			kept = append(kept, rec)
		}
	}
	m.batch = kept
	return nil
}

func (m *MemoryBinding) Statistics() (Document, error) {
	m.muStatistics.Lock()
	defer m.muStatistics.Unlock()
	if m.statistics == nil {
		return nil, ErrNotFound
	}
	return copyDoc(m.statistics), nil
}

func (m *MemoryBinding) UpsertStatistics(doc Document) error {
	m.muStatistics.Lock()
	defer m.muStatistics.Unlock()
	m.statistics = copyDoc(doc)
	return nil
}

func (m *MemoryBinding) AppData(id string) (Document, error) {
	m.muAppData.Lock()
	defer m.muAppData.Unlock()
	doc, ok := m.appData[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyDoc(doc), nil
}

func (m *MemoryBinding) UpsertAppData(id string, doc Document) error {
	m.muAppData.Lock()
	defer m.muAppData.Unlock()
	m.appData[id] = copyDoc(doc)
	return nil
}

func (m *MemoryBinding) RemoveAppData(id string) error {
	m.muAppData.Lock()
	defer m.muAppData.Unlock()
	if _, ok := m.appData[id]; !ok {
		return ErrNotFound
	}
	delete(m.appData, id)
	return nil
}

// Purge truncates each table in turn. Each truncation is atomic under its
// table lock, so readers see either the full prior state or the empty state.
func (m *MemoryBinding) Purge() error {
	m.muResources.Lock()
	m.resources = make(map[string]Document)
	m.muResources.Unlock()

	m.muIdentifiers.Lock()
	m.identifiers = make(map[string]Identifier)
	m.bySRN = make(map[string]string)
	m.muIdentifiers.Unlock()

	m.muSubs.Lock()
	m.subs = make(map[string]Sub)
	m.batch = nil
	m.muSubs.Unlock()

	m.muStatistics.Lock()
	m.statistics = nil
	m.muStatistics.Unlock()

	m.muAppData.Lock()
	m.appData = make(map[string]Document)
	m.muAppData.Unlock()
	return nil
}

func (m *MemoryBinding) Close() error { return nil }
