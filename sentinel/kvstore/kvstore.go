// Package kvstore is the concrete Db (spec component C12) backing
// ChainStore and UserOpStore: a transactional embedded key/value store
// with a bounded read cache beside it (CacheGet/CacheSet), modeled on
// beacon-chain/db/kv.Store's use of bbolt + ristretto. Tx reads go
// straight to bbolt and do not consult the cache.
package kvstore

import (
	"os"
	"path/filepath"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	prombolt "github.com/prysmaticlabs/prombbolt"
	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

var log = logrus.WithField("prefix", "kvstore")

const databaseFileName = "sentinel.db"

// cacheCost bounds the read cache at roughly 8MB of recent values.
const cacheCost = 1 << 23

// DB is a bbolt-backed key/value store namespaced by bucket name, with
// start_tx/end_tx/cancel_tx semantics (§6, §5 Transaction discipline):
// an unmanaged bbolt transaction IS start_tx, Tx.Commit is end_tx, and
// Tx.Rollback is cancel_tx.
type DB struct {
	bolt  *bolt.DB
	cache *ristretto.Cache
	path  string
}

// Open creates (or reopens) the database at dirPath, creating the given
// top-level buckets if they don't already exist.
func Open(dirPath string, buckets ...[]byte) (*DB, error) {
	if err := os.MkdirAll(dirPath, 0700); err != nil {
		return nil, errors.Wrap(err, "could not create data directory")
	}
	datafile := filepath.Join(dirPath, databaseFileName)
	boltDB, err := bolt.Open(datafile, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		if err == bolt.ErrTimeout {
			return nil, errors.New("cannot obtain database lock, database may be in use by another process")
		}
		return nil, errors.Wrap(err, "could not open bolt db")
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e5,
		MaxCost:     cacheCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, errors.Wrap(err, "could not init read cache")
	}
	db := &DB{bolt: boltDB, cache: cache, path: dirPath}
	if err := db.bolt.Update(func(tx *bolt.Tx) error {
		for _, b := range buckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return nil, errors.Wrap(err, "could not create buckets")
	}
	if err := prometheus.Register(prombolt.New("sentinelDB", boltDB)); err != nil {
		log.WithError(err).Warn("could not register bolt prometheus collector")
	}
	return db, nil
}

// Close releases the underlying file handle.
func (d *DB) Close() error {
	return d.bolt.Close()
}

// Path returns the directory the database lives in.
func (d *DB) Path() string {
	return d.path
}

// Tx is a single start_tx..end_tx|cancel_tx critical section (§4.3, §5).
type Tx struct {
	btx *bolt.Tx
}

// StartTx begins a transaction. writable=false yields a read-only
// snapshot (a "View" in bbolt terms); writable=true yields the single
// process-wide writer slot.
func (d *DB) StartTx(writable bool) (*Tx, error) {
	btx, err := d.bolt.Begin(writable)
	if err != nil {
		return nil, errors.Wrap(err, "could not start transaction")
	}
	return &Tx{btx: btx}, nil
}

// EndTx commits the transaction.
func (t *Tx) EndTx() error {
	return t.btx.Commit()
}

// CancelTx rolls the transaction back. Safe to call after a failed
// EndTx as well, since bbolt treats a second Rollback as a no-op once
// the transaction is closed.
func (t *Tx) CancelTx() error {
	if err := t.btx.Rollback(); err != nil && err != bolt.ErrTxClosed {
		return err
	}
	return nil
}

// Get reads a single value out of bucket.
func (t *Tx) Get(bucket, key []byte) []byte {
	b := t.btx.Bucket(bucket)
	if b == nil {
		return nil
	}
	v := b.Get(key)
	if v == nil {
		return nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out
}

// Put writes a single value into bucket.
func (t *Tx) Put(bucket, key, value []byte) error {
	b := t.btx.Bucket(bucket)
	if b == nil {
		var err error
		b, err = t.btx.CreateBucketIfNotExists(bucket)
		if err != nil {
			return err
		}
	}
	return b.Put(key, value)
}

// Delete removes a single key from bucket.
func (t *Tx) Delete(bucket, key []byte) error {
	b := t.btx.Bucket(bucket)
	if b == nil {
		return nil
	}
	return b.Delete(key)
}

// ForEach walks every key/value pair in bucket in byte order.
func (t *Tx) ForEach(bucket []byte, fn func(k, v []byte) error) error {
	b := t.btx.Bucket(bucket)
	if b == nil {
		return nil
	}
	return b.ForEach(fn)
}

// ReverseForEach walks bucket from the last key backwards, stopping
// early when fn returns false. Used by UserOpStore.iter_recent (§4.3).
func (t *Tx) ReverseForEach(bucket []byte, fn func(k, v []byte) bool) error {
	b := t.btx.Bucket(bucket)
	if b == nil {
		return nil
	}
	c := b.Cursor()
	for k, v := c.Last(); k != nil; k, v = c.Prev() {
		if !fn(k, v) {
			break
		}
	}
	return nil
}

// View runs fn inside a read-only transaction, discarding it afterwards.
func (d *DB) View(fn func(tx *Tx) error) error {
	tx, err := d.StartTx(false)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.CancelTx()
		return err
	}
	return tx.CancelTx()
}

// Update runs fn inside a writable transaction: on any error returned
// by fn (including a panic recovered and re-raised), the transaction is
// cancelled before the error surfaces, never left dangling (§5).
func (d *DB) Update(fn func(tx *Tx) error) (err error) {
	tx, err := d.StartTx(true)
	if err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			_ = tx.CancelTx()
			log.WithField("panic", r).Error("recovered panic inside transaction, rolled back")
			panic(r)
		}
	}()
	if err := fn(tx); err != nil {
		if cancelErr := tx.CancelTx(); cancelErr != nil {
			log.WithError(cancelErr).Error("could not cancel transaction after error")
		}
		return err
	}
	return tx.EndTx()
}

// CacheGet reads a cached value previously stored by CacheSet.
func (d *DB) CacheGet(key string) ([]byte, bool) {
	v, ok := d.cache.Get(key)
	if !ok {
		return nil, false
	}
	b, ok := v.([]byte)
	return b, ok
}

// CacheSet stores a value in the read cache, weighted by its byte length.
func (d *DB) CacheSet(key string, value []byte) {
	d.cache.Set(key, value, int64(len(value)))
}
