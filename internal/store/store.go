// Package store provides the on-disk environment backing the facet and
// document-set relations: a bbolt database with one bucket per relation and
// snapshot-isolated read transactions.
package store

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

// Bucket names. The two facet buckets are ordered key-value trees keyed by
// (field id, level, bound); the main bucket holds singletons (settings,
// fields map, document ids, geo points); the flags bucket holds the
// per-field null/empty/exists document sets.
var (
	BucketMain        = []byte("main")
	BucketFacetF64    = []byte("facet-id-f64-docids")
	BucketFacetString = []byte("facet-id-string-docids")
	BucketFieldFlags  = []byte("field-flag-docids")
	BucketDocuments   = []byte("documents")
)

var allBuckets = [][]byte{
	BucketMain,
	BucketFacetF64,
	BucketFacetString,
	BucketFieldFlags,
	BucketDocuments,
}

// Store wraps the bbolt environment. Reads are shared; writes are
// serialized by bbolt's single-writer lock, mirroring the external update
// queue assumption.
type Store struct {
	db *bolt.DB
}

// Open creates or opens the database at path and ensures every bucket
// exists. The file is memory-mapped at 1 GiB up front: bbolt only makes a
// writer wait for open read transactions when it has to remap, so below
// that size writes proceed while long-lived reads keep their snapshot.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second, InitialMmapSize: 1 << 30})
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("store: create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	logrus.WithField("path", path).Debug("store: opened")
	return &Store{db: db}, nil
}

// Close releases the database.
func (s *Store) Close() error { return s.db.Close() }

// View runs fn inside a read transaction. The transaction sees a snapshot
// of the store for its whole lifetime.
func (s *Store) View(fn func(tx *bolt.Tx) error) error { return s.db.View(fn) }

// Update runs fn inside the single write transaction.
func (s *Store) Update(fn func(tx *bolt.Tx) error) error { return s.db.Update(fn) }

// Begin opens a long-lived read transaction; the caller owns Rollback.
// Evaluations run entirely under one of these.
func (s *Store) Begin() (*bolt.Tx, error) { return s.db.Begin(false) }

// Main returns the singleton bucket of tx.
func Main(tx *bolt.Tx) *bolt.Bucket { return tx.Bucket(BucketMain) }

// FacetF64 returns the numeric facet bucket of tx.
func FacetF64(tx *bolt.Tx) *bolt.Bucket { return tx.Bucket(BucketFacetF64) }

// FacetString returns the string facet bucket of tx.
func FacetString(tx *bolt.Tx) *bolt.Bucket { return tx.Bucket(BucketFacetString) }

// FieldFlags returns the per-field flag docset bucket of tx.
func FieldFlags(tx *bolt.Tx) *bolt.Bucket { return tx.Bucket(BucketFieldFlags) }

// Documents returns the raw document bucket of tx.
func Documents(tx *bolt.Tx) *bolt.Bucket { return tx.Bucket(BucketDocuments) }
