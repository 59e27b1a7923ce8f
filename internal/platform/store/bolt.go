package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	bolt "go.etcd.io/bbolt"

	"github.com/onem2m/cse/internal/m2m"
)

var (
	bucketResources   = []byte("resources")
	bucketIdentifiers = []byte("identifiers")
	bucketSRN         = []byte("identifiers_srn")
	bucketSubs        = []byte("subscriptions")
	bucketBatch       = []byte("batch_notifications")
	bucketStatistics  = []byte("statistics")
	bucketAppData     = []byte("appdata")

	statisticsKey = []byte("statistics")
)

// BoltBinding is the document-store backend. All tables live as buckets in a
// single bbolt file per CSE. Table operations are additionally serialised
// under per-table locks so the binding exposes the same ordering guarantees
// as the in-memory backend.
type BoltBinding struct {
	db *bolt.DB

	muResources   sync.Mutex
	muIdentifiers sync.Mutex
	muSubs        sync.Mutex
	muStatistics  sync.Mutex
	muAppData     sync.Mutex
}

// NewBoltBinding opens (or creates) the document store under dataDir. The
// postfix distinguishes CSE types, e.g. "cse-in".
func NewBoltBinding(dataDir, postfix string) (*BoltBinding, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	db, err := bolt.Open(filepath.Join(dataDir, fmt.Sprintf("cse-%s.db", postfix)), 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open document store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketResources, bucketIdentifiers, bucketSRN, bucketSubs, bucketBatch, bucketStatistics, bucketAppData} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BoltBinding{db: db}, nil
}

func (b *BoltBinding) putDoc(bucket []byte, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put([]byte(key), data)
	})
}

func (b *BoltBinding) getDoc(bucket []byte, key string, v any) error {
	return b.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucket).Get([]byte(key))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, v)
	})
}

func (b *BoltBinding) deleteDoc(bucket []byte, key string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(bucket)
		if bk.Get([]byte(key)) == nil {
			return ErrNotFound
		}
		return bk.Delete([]byte(key))
	})
}

func (b *BoltBinding) InsertResource(doc Document) error {
	b.muResources.Lock()
	defer b.muResources.Unlock()
	ri := docRI(doc)
	var existing Document
	if err := b.getDoc(bucketResources, ri, &existing); err == nil {
		return ErrDuplicate
	}
	return b.putDoc(bucketResources, ri, doc)
}

func (b *BoltBinding) UpsertResource(doc Document) error {
	b.muResources.Lock()
	defer b.muResources.Unlock()
	return b.putDoc(bucketResources, docRI(doc), doc)
}

func (b *BoltBinding) UpdateResource(doc Document) (Document, error) {
	b.muResources.Lock()
	defer b.muResources.Unlock()
	ri := docRI(doc)
	var stored Document
	if err := b.getDoc(bucketResources, ri, &stored); err != nil {
		return nil, err
	}
	for k, v := range doc {
		if v == nil {
			delete(stored, k)
		} else {
			stored[k] = v
		}
	}
	if err := b.putDoc(bucketResources, ri, stored); err != nil {
		return nil, err
	}
	return stored, nil
}

func (b *BoltBinding) RemoveResource(ri string) error {
	b.muResources.Lock()
	defer b.muResources.Unlock()
	return b.deleteDoc(bucketResources, ri)
}

func (b *BoltBinding) ResourceByRI(ri string) (Document, error) {
	b.muResources.Lock()
	defer b.muResources.Unlock()
	var doc Document
	if err := b.getDoc(bucketResources, ri, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func (b *BoltBinding) scanResources(match func(Document) bool) ([]Document, error) {
	var out []Document
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketResources).ForEach(func(_, v []byte) error {
			var doc Document
			if err := json.Unmarshal(v, &doc); err != nil {
				return err
			}
			if match(doc) {
				out = append(out, doc)
			}
			return nil
		})
	})
	return out, err
}

func (b *BoltBinding) ResourceByCSI(csi string) (Document, error) {
	b.muResources.Lock()
	defer b.muResources.Unlock()
	docs, err := b.scanResources(func(doc Document) bool {
		c, ok := doc["csi"].(string)
		return ok && c == csi
	})
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, ErrNotFound
	}
	return docs[0], nil
}

func (b *BoltBinding) ResourcesByPI(pi string, ty *m2m.ResourceType) ([]Document, error) {
	b.muResources.Lock()
	defer b.muResources.Unlock()
	return b.scanResources(func(doc Document) bool {
		if p, _ := doc["pi"].(string); p != pi {
			return false
		}
		return ty == nil || docType(doc) == *ty
	})
}

func (b *BoltBinding) ResourcesByType(ty m2m.ResourceType) ([]Document, error) {
	b.muResources.Lock()
	defer b.muResources.Unlock()
	return b.scanResources(func(doc Document) bool { return docType(doc) == ty })
}

func (b *BoltBinding) SearchResources(match func(Document) bool) ([]Document, error) {
	b.muResources.Lock()
	defer b.muResources.Unlock()
	return b.scanResources(match)
}

func (b *BoltBinding) HasResource(ri string) (bool, error) {
	b.muResources.Lock()
	defer b.muResources.Unlock()
	found := false
	err := b.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket(bucketResources).Get([]byte(ri)) != nil
		return nil
	})
	return found, err
}

func (b *BoltBinding) CountResources() (int, error) {
	b.muResources.Lock()
	defer b.muResources.Unlock()
	n := 0
	err := b.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketResources).Stats().KeyN
		return nil
	})
	return n, err
}

func (b *BoltBinding) UpsertIdentifier(id Identifier) error {
	b.muIdentifiers.Lock()
	defer b.muIdentifiers.Unlock()
	data, err := json.Marshal(id)
	if err != nil {
		return err
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		ids := tx.Bucket(bucketIdentifiers)
		srns := tx.Bucket(bucketSRN)
		if old := ids.Get([]byte(id.RI)); old != nil {
			var prev Identifier
			if err := json.Unmarshal(old, &prev); err == nil {
				if err := srns.Delete([]byte(prev.SRN)); err != nil {
					return err
				}
			}
		}
		if err := ids.Put([]byte(id.RI), data); err != nil {
			return err
		}
		return srns.Put([]byte(id.SRN), []byte(id.RI))
	})
}

func (b *BoltBinding) RemoveIdentifier(ri string) error {
	b.muIdentifiers.Lock()
	defer b.muIdentifiers.Unlock()
	return b.db.Update(func(tx *bolt.Tx) error {
		ids := tx.Bucket(bucketIdentifiers)
		data := ids.Get([]byte(ri))
		if data == nil {
			return ErrNotFound
		}
		var id Identifier
		if err := json.Unmarshal(data, &id); err != nil {
			return err
		}
		if err := tx.Bucket(bucketSRN).Delete([]byte(id.SRN)); err != nil {
			return err
		}
		return ids.Delete([]byte(ri))
	})
}

func (b *BoltBinding) IdentifierByRI(ri string) (Identifier, error) {
	b.muIdentifiers.Lock()
	defer b.muIdentifiers.Unlock()
	var id Identifier
	if err := b.getDoc(bucketIdentifiers, ri, &id); err != nil {
		return Identifier{}, err
	}
	return id, nil
}

func (b *BoltBinding) IdentifierBySRN(srn string) (Identifier, error) {
	b.muIdentifiers.Lock()
	defer b.muIdentifiers.Unlock()
	var id Identifier
	err := b.db.View(func(tx *bolt.Tx) error {
		ri := tx.Bucket(bucketSRN).Get([]byte(srn))
		if ri == nil {
			return ErrNotFound
		}
		data := tx.Bucket(bucketIdentifiers).Get(ri)
		if data == nil {
			return ErrInconsistency
		}
		return json.Unmarshal(data, &id)
	})
	if err != nil {
		return Identifier{}, err
	}
	return id, nil
}

func (b *BoltBinding) UpsertSub(sub Sub) error {
	b.muSubs.Lock()
	defer b.muSubs.Unlock()
	return b.putDoc(bucketSubs, sub.RI, sub)
}

func (b *BoltBinding) RemoveSub(ri string) error {
	b.muSubs.Lock()
	defer b.muSubs.Unlock()
	return b.deleteDoc(bucketSubs, ri)
}

func (b *BoltBinding) SubByRI(ri string) (Sub, error) {
	b.muSubs.Lock()
	defer b.muSubs.Unlock()
	var sub Sub
	if err := b.getDoc(bucketSubs, ri, &sub); err != nil {
		return Sub{}, err
	}
	return sub, nil
}

func (b *BoltBinding) SubsByPI(pi string) ([]Sub, error) {
	b.muSubs.Lock()
	defer b.muSubs.Unlock()
	var out []Sub
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSubs).ForEach(func(_, v []byte) error {
			var sub Sub
			if err := json.Unmarshal(v, &sub); err != nil {
				return err
			}
			if sub.PI == pi {
				out = append(out, sub)
			}
			return nil
		})
	})
	return out, err
}

// batchKey orders pending batch records by insertion sequence within their
// (ri, nu) pair.
func batchKey(ri, nu string, seq uint64) []byte {
	key := make([]byte, 0, len(ri)+len(nu)+10)
	key = append(key, []byte(ri)...)
	key = append(key, 0)
	key = append(key, []byte(nu)...)
	key = append(key, 0)
	var s [8]byte
	binary.BigEndian.PutUint64(s[:], seq)
	return append(key, s[:]...)
}

func batchPrefix(ri, nu string) []byte {
	key := make([]byte, 0, len(ri)+len(nu)+2)
	key = append(key, []byte(ri)...)
	key = append(key, 0)
	key = append(key, []byte(nu)...)
	return append(key, 0)
}

func (b *BoltBinding) AddBatchRecord(rec BatchRecord) error {
	b.muSubs.Lock()
	defer b.muSubs.Unlock()
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(bucketBatch)
		seq, err := bk.NextSequence()
		if err != nil {
			return err
		}
		return bk.Put(batchKey(rec.RI, rec.NU, seq), data)
	})
}

func (b *BoltBinding) forEachBatch(ri, nu string, fn func(key []byte, rec BatchRecord) error) error {
	prefix := batchPrefix(ri, nu)
	return b.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketBatch).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasBytePrefix(k, prefix); k, v = c.Next() {
			var rec BatchRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if err := fn(k, rec); err != nil {
				return err
			}
		}
		return nil
	})
}

func hasBytePrefix(k, prefix []byte) bool {
	if len(k) < len(prefix) {
		return false
	}
	for i := range prefix {
		if k[i] != prefix[i] {
			return false
		}
	}
	return true
}

func (b *BoltBinding) BatchRecords(ri, nu string) ([]BatchRecord, error) {
	b.muSubs.Lock()
	defer b.muSubs.Unlock()
	var out []BatchRecord
	err := b.forEachBatch(ri, nu, func(_ []byte, rec BatchRecord) error {
		out = append(out, rec)
		return nil
	})
	return out, err
}

func (b *BoltBinding) CountBatchRecords(ri, nu string) (int, error) {
	b.muSubs.Lock()
	defer b.muSubs.Unlock()
	n := 0
	err := b.forEachBatch(ri, nu, func(_ []byte, _ BatchRecord) error {
		n++
		return nil
	})
	return n, err
}

func (b *BoltBinding) RemoveBatchRecords(ri, nu string) error {
	b.muSubs.Lock()
	defer b.muSubs.Unlock()
	prefix := batchPrefix(ri, nu)
	return b.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(bucketBatch)
		c := bk.Cursor()
		var keys [][]byte
		for k, _ := c.Seek(prefix); k != nil && hasBytePrefix(k, prefix); k, _ = c.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}
		for _, k := range keys {
			if err := bk.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *BoltBinding) Statistics() (Document, error) {
	b.muStatistics.Lock()
	defer b.muStatistics.Unlock()
	var doc Document
	if err := b.getDoc(bucketStatistics, string(statisticsKey), &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func (b *BoltBinding) UpsertStatistics(doc Document) error {
	b.muStatistics.Lock()
	defer b.muStatistics.Unlock()
	return b.putDoc(bucketStatistics, string(statisticsKey), doc)
}

func (b *BoltBinding) AppData(id string) (Document, error) {
	b.muAppData.Lock()
	defer b.muAppData.Unlock()
	var doc Document
	if err := b.getDoc(bucketAppData, id, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func (b *BoltBinding) UpsertAppData(id string, doc Document) error {
	b.muAppData.Lock()
	defer b.muAppData.Unlock()
	return b.putDoc(bucketAppData, id, doc)
}

func (b *BoltBinding) RemoveAppData(id string) error {
	b.muAppData.Lock()
	defer b.muAppData.Unlock()
	return b.deleteDoc(bucketAppData, id)
}

func (b *BoltBinding) Purge() error {
	for _, item := range []struct {
		mu     *sync.Mutex
		bucket []byte
	}{
		{&b.muResources, bucketResources},
		{&b.muIdentifiers, bucketIdentifiers},
		{&b.muIdentifiers, bucketSRN},
		{&b.muSubs, bucketSubs},
		{&b.muSubs, bucketBatch},
		{&b.muStatistics, bucketStatistics},
		{&b.muAppData, bucketAppData},
	} {
		item.mu.Lock()
		err := b.db.Update(func(tx *bolt.Tx) error {
			if err := tx.DeleteBucket(item.bucket); err != nil {
				return err
			}
			_, err := tx.CreateBucket(item.bucket)
			return err
		})
		item.mu.Unlock()
		if err != nil {
			return err
		}
	}
	return nil
}

func (b *BoltBinding) Close() error {
	return b.db.Close()
}
