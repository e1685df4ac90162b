package maskproxy

import (
	"bytes"
	"encoding/gob"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const renewKeyPrefix = "r:"

type renewEntry struct {
	URL      string
	StoredAt int64 // unix nanoseconds
}

// renewCache remembers, per client path, the deliver URL that last worked
// after a token renewal. It lives in a memory-backed leveldb and never
// outlives the process.
type renewCache struct {
	db  *leveldb.DB
	ttl time.Duration
	now func() time.Time
}

func newRenewCache(ttl time.Duration) (*renewCache, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, err
	}
	return &renewCache{db: db, ttl: ttl, now: time.Now}, nil
}

func (c *renewCache) close() { _ = c.db.Close() }

func (c *renewCache) Get(path string) (string, bool) {
	b, err := c.db.Get([]byte(renewKeyPrefix+path), nil)
	if err != nil {
		return "", false
	}
	var ent renewEntry
	if err := decodeGob(b, &ent); err != nil {
		return "", false
	}
	if c.expired(ent) {
		c.Delete(path)
		return "", false
	}
	return ent.URL, true
}

func (c *renewCache) Put(path, target string) {
	b, err := encodeGob(renewEntry{URL: target, StoredAt: c.now().UnixNano()})
	if err != nil {
		return
	}
	_ = c.db.Put([]byte(renewKeyPrefix+path), b, nil)
}

func (c *renewCache) Delete(path string) {
	_ = c.db.Delete([]byte(renewKeyPrefix+path), nil)
}

func (c *renewCache) expired(ent renewEntry) bool {
	return c.ttl > 0 && c.now().Sub(time.Unix(0, ent.StoredAt)) > c.ttl
}

// Sweep drops expired entries and returns how many were removed.
func (c *renewCache) Sweep() int {
	it := c.db.NewIterator(util.BytesPrefix([]byte(renewKeyPrefix)), nil)
	defer it.Release()

	batch := new(leveldb.Batch)
	for it.Next() {
		var ent renewEntry
		if err := decodeGob(it.Value(), &ent); err != nil || c.expired(ent) {
			batch.Delete(append([]byte(nil), it.Key()...))
		}
	}
	if batch.Len() == 0 {
		return 0
	}
	if err := c.db.Write(batch, nil); err != nil {
		return 0
	}
	return batch.Len()
}

func (c *renewCache) Len() int {
	it := c.db.NewIterator(util.BytesPrefix([]byte(renewKeyPrefix)), nil)
	defer it.Release()
	n := 0
	for it.Next() {
		n++
	}
	return n
}

func (c *renewCache) Reset() {
	it := c.db.NewIterator(util.BytesPrefix([]byte(renewKeyPrefix)), nil)
	defer it.Release()
	batch := new(leveldb.Batch)
	for it.Next() {
		batch.Delete(append([]byte(nil), it.Key()...))
	}
	_ = c.db.Write(batch, nil)
}

// ---- encoding ----

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}
