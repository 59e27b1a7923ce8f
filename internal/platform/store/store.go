// Package store persists the CSE state in five logical tables: resources,
// identifiers, subscriptions, statistics and app-data. Three backends
// implement the same binding contract: fully in-memory, a bbolt document
// store with one file per CSE, and postgres. Every table operation is
// serialised under its own lock; no operation holds two table locks at once.
package store

import (
	"errors"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/onem2m/cse/internal/m2m"
)

// Document is a stored record. The store exclusively owns this serialised
// form; callers receive copies.
type Document = map[string]any

// Sentinel errors of the store layer.
var (
	ErrNotFound      = errors.New("record not found")
	ErrDuplicate     = errors.New("record already exists")
	ErrInconsistency = errors.New("database inconsistency")
)

// Identifier is the (ri, rn, srn, ty) tuple kept for fast srn/ri resolution.
type Identifier struct {
	RI  string           `json:"ri"`
	RN  string           `json:"rn"`
	SRN string           `json:"srn"`
	Ty  m2m.ResourceType `json:"ty"`
}

// BatchSettings is the bn element of a subscription.
type BatchSettings struct {
	Num int    `json:"num,omitempty"`
	Dur string `json:"dur,omitempty"`
	LN  bool   `json:"ln,omitempty"`
}

// Sub is the flattened subscription record kept for hot-path lookup. It is
// derived state, always rebuilt from the committed <sub> resource.
type Sub struct {
	RI   string                        `json:"ri"`
	PI   string                        `json:"pi"`
	NET  []m2m.NotificationEventType   `json:"net"`
	CHTY []m2m.ResourceType            `json:"chty,omitempty"`
	NUs  []string                      `json:"nus"`
	NCT  m2m.NotificationContentType   `json:"nct"`
	ATR  []string                      `json:"atr,omitempty"`
	BN   *BatchSettings                `json:"bn,omitempty"`
	SU   string                        `json:"su,omitempty"`
	EXC  int                           `json:"exc,omitempty"`
	ACRS []string                      `json:"acrs,omitempty"`
	CR   string                        `json:"cr,omitempty"`
	MA   string                        `json:"ma,omitempty"`
}

// HasNET reports whether the subscription selects the given event type.
func (s *Sub) HasNET(net m2m.NotificationEventType) bool {
	for _, n := range s.NET {
		if n == net {
			return true
		}
	}
	return false
}

// MatchesChildType reports whether the subscription's chty filter admits the
// given child resource type. An absent filter admits everything.
func (s *Sub) MatchesChildType(ty m2m.ResourceType) bool {
	if len(s.CHTY) == 0 {
		return true
	}
	for _, t := range s.CHTY {
		if t == ty {
			return true
		}
	}
	return false
}

// BatchRecord is one pending batch notification for a (subscription, target)
// pair, ordered by Tstamp.
type BatchRecord struct {
	RI           string            `json:"ri"`
	NU           string            `json:"nu"`
	Tstamp       string            `json:"tstamp"`
	Notification *m2m.Notification `json:"sgn"`
}

// Binding is the contract every storage backend implements. Search
// operations are linear scans over the table; indexed shortcuts exist for
// ri, srn, pi, ty and csi.
type Binding interface {
	// Resources
	InsertResource(doc Document) error
	UpsertResource(doc Document) error
	UpdateResource(doc Document) (Document, error)
	RemoveResource(ri string) error
	ResourceByRI(ri string) (Document, error)
	ResourceByCSI(csi string) (Document, error)
	ResourcesByPI(pi string, ty *m2m.ResourceType) ([]Document, error)
	ResourcesByType(ty m2m.ResourceType) ([]Document, error)
	SearchResources(match func(Document) bool) ([]Document, error)
	HasResource(ri string) (bool, error)
	CountResources() (int, error)

	// Identifiers
	UpsertIdentifier(id Identifier) error
	RemoveIdentifier(ri string) error
	IdentifierByRI(ri string) (Identifier, error)
	IdentifierBySRN(srn string) (Identifier, error)

	// Subscriptions
	UpsertSub(sub Sub) error
	RemoveSub(ri string) error
	SubByRI(ri string) (Sub, error)
	SubsByPI(pi string) ([]Sub, error)

	// Batch notifications
	AddBatchRecord(rec BatchRecord) error
	BatchRecords(ri, nu string) ([]BatchRecord, error)
	CountBatchRecords(ri, nu string) (int, error)
	RemoveBatchRecords(ri, nu string) error

	// Statistics
	Statistics() (Document, error)
	UpsertStatistics(doc Document) error

	// App data
	AppData(id string) (Document, error)
	UpsertAppData(id string, doc Document) error
	RemoveAppData(id string) error

	Purge() error
	Close() error
}

// Store fronts a binding with a per-table LRU row cache for resources and
// the higher-level operations the dispatcher and managers use.
type Store struct {
	db    Binding
	cache *lru.Cache[string, Document]
	log   zerolog.Logger
}

// New creates a store over the given binding. cacheSize bounds the resource
// row cache; zero disables caching.
func New(db Binding, cacheSize int, log zerolog.Logger) (*Store, error) {
	s := &Store{
		db:  db,
		log: log.With().Str("component", "store").Logger(),
	}
	if cacheSize > 0 {
		c, err := lru.NewWithEvict[string, Document](cacheSize, func(ri string, _ Document) {
			s.log.Trace().Str("ri", ri).Msg("resource evicted from row cache")
		})
		if err != nil {
			return nil, err
		}
		s.cache = c
	}
	return s, nil
}

// DB exposes the underlying binding.
func (s *Store) DB() Binding { return s.db }

func (s *Store) cacheGet(ri string) (Document, bool) {
	if s.cache == nil {
		return nil, false
	}
	doc, ok := s.cache.Get(ri)
	if !ok {
		return nil, false
	}
	return copyDoc(doc), true
}

func (s *Store) cachePut(ri string, doc Document) {
	if s.cache != nil {
		s.cache.Add(ri, copyDoc(doc))
	}
}

func (s *Store) cacheDrop(ri string) {
	if s.cache != nil {
		s.cache.Remove(ri)
	}
}

// CreateResource stores a resource document together with its identifier
// record. With overwrite the document replaces any existing one; otherwise a
// duplicate ri or srn fails with ErrDuplicate.
func (s *Store) CreateResource(doc Document, id Identifier, overwrite bool) error {
	if overwrite {
		if err := s.db.UpsertResource(doc); err != nil {
			return err
		}
	} else {
		if ok, err := s.HasResource(id.RI, id.SRN); err != nil {
			return err
		} else if ok {
			return ErrDuplicate
		}
		if err := s.db.InsertResource(doc); err != nil {
			return err
		}
	}
	s.cachePut(id.RI, doc)
	return s.db.UpsertIdentifier(id)
}

// HasResource reports whether a resource with the given ri or srn exists.
func (s *Store) HasResource(ri, srn string) (bool, error) {
	if ok, err := s.db.HasResource(ri); err != nil || ok {
		return ok, err
	}
	if srn == "" {
		return false, nil
	}
	if _, err := s.db.IdentifierBySRN(srn); err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// ResourceByRI returns a resource document by its primary identifier.
func (s *Store) ResourceByRI(ri string) (Document, error) {
	if doc, ok := s.cacheGet(ri); ok {
		return doc, nil
	}
	doc, err := s.db.ResourceByRI(ri)
	if err != nil {
		return nil, err
	}
	s.cachePut(ri, doc)
	return doc, nil
}

// ResourceBySRN resolves a structured name through the identifier table and
// returns the resource document.
func (s *Store) ResourceBySRN(srn string) (Document, error) {
	id, err := s.db.IdentifierBySRN(srn)
	if err != nil {
		return nil, err
	}
	return s.ResourceByRI(id.RI)
}

// ResourceByCSI returns the <CSR> document registered under a CSE-ID.
func (s *Store) ResourceByCSI(csi string) (Document, error) {
	return s.db.ResourceByCSI(csi)
}

// UpdateResource persists a changed resource document. Attributes set to nil
// in the document are removed from the stored record.
func (s *Store) UpdateResource(doc Document) (Document, error) {
	updated, err := s.db.UpdateResource(doc)
	if err != nil {
		return nil, err
	}
	if ri, ok := updated["ri"].(string); ok {
		s.cachePut(ri, updated)
	}
	return updated, nil
}

// DeleteResource removes a resource document and its identifier record.
func (s *Store) DeleteResource(ri string) error {
	s.cacheDrop(ri)
	if err := s.db.RemoveResource(ri); err != nil {
		return err
	}
	return s.db.RemoveIdentifier(ri)
}

// DirectChildren returns the direct children of a resource, optionally
// filtered by type.
func (s *Store) DirectChildren(pi string, ty *m2m.ResourceType) ([]Document, error) {
	return s.db.ResourcesByPI(pi, ty)
}

// ResourcesByType returns all resources of a type.
func (s *Store) ResourcesByType(ty m2m.ResourceType) ([]Document, error) {
	return s.db.ResourcesByType(ty)
}

// SearchResources runs a predicate scan over the resource table.
func (s *Store) SearchResources(match func(Document) bool) ([]Document, error) {
	return s.db.SearchResources(match)
}

// CountResources returns the number of stored resources.
func (s *Store) CountResources() (int, error) {
	return s.db.CountResources()
}

// Identifier returns the identifier record for an ri.
func (s *Store) Identifier(ri string) (Identifier, error) {
	return s.db.IdentifierByRI(ri)
}

// StructuredPath returns the identifier record for a structured name.
func (s *Store) StructuredPath(srn string) (Identifier, error) {
	return s.db.IdentifierBySRN(srn)
}

// ExpiredResources returns all resources whose et lies strictly before now.
func (s *Store) ExpiredResources(now string) ([]Document, error) {
	return s.db.SearchResources(func(doc Document) bool {
		et, ok := doc["et"].(string)
		return ok && et != "" && et < now
	})
}

// AnnounceableResourcesForCSI returns resources whose at attribute references
// the CSE-ID, filtered by whether they are already announced to it.
func (s *Store) AnnounceableResourcesForCSI(csi string, announced bool) ([]Document, error) {
	return s.db.SearchResources(func(doc Document) bool {
		at, ok := doc["at"].([]any)
		if !ok {
			return false
		}
		referenced := false
		for _, a := range at {
			if str, ok := a.(string); ok && (str == csi || hasPrefix(str, csi+"/")) {
				referenced = true
				break
			}
		}
		if !referenced {
			return false
		}
		isAnnounced := false
		if pairs, ok := doc["__announcedTo__"].([]any); ok {
			for _, p := range pairs {
				if pair, ok := p.([]any); ok && len(pair) == 2 {
					if c, ok := pair[0].(string); ok && c == csi {
						isAnnounced = true
						break
					}
				}
			}
		}
		return isAnnounced == announced
	})
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

// Subscription access.

func (s *Store) Sub(ri string) (Sub, error)        { return s.db.SubByRI(ri) }
func (s *Store) SubsForParent(pi string) ([]Sub, error) { return s.db.SubsByPI(pi) }
func (s *Store) UpsertSub(sub Sub) error           { return s.db.UpsertSub(sub) }
func (s *Store) RemoveSub(ri string) error         { return s.db.RemoveSub(ri) }

// Batch notification access.

func (s *Store) AddBatchRecord(rec BatchRecord) error { return s.db.AddBatchRecord(rec) }
func (s *Store) BatchRecords(ri, nu string) ([]BatchRecord, error) {
	return s.db.BatchRecords(ri, nu)
}
func (s *Store) CountBatchRecords(ri, nu string) (int, error) {
	return s.db.CountBatchRecords(ri, nu)
}
func (s *Store) RemoveBatchRecords(ri, nu string) error { return s.db.RemoveBatchRecords(ri, nu) }

// Statistics and app-data access.

func (s *Store) Statistics() (Document, error)          { return s.db.Statistics() }
func (s *Store) UpsertStatistics(doc Document) error    { return s.db.UpsertStatistics(doc) }
func (s *Store) AppData(id string) (Document, error)    { return s.db.AppData(id) }
func (s *Store) UpsertAppData(id string, doc Document) error { return s.db.UpsertAppData(id, doc) }
func (s *Store) RemoveAppData(id string) error          { return s.db.RemoveAppData(id) }

// Purge truncates all tables and drops the row cache.
func (s *Store) Purge() error {
	if s.cache != nil {
		s.cache.Purge()
	}
	return s.db.Purge()
}

// Close shuts the backend down.
func (s *Store) Close() error {
	return s.db.Close()
}
