// Package db persists ACME resource entities in a smallstep/nosql database.
// All mutation happens through sessions whose staged writes are committed as
// a single database transaction together with their change log rows.
package db

import (
	"fmt"
	"sync"

	"github.com/jmhodges/clock"
	"github.com/smallstep/nosql"
	"github.com/smallstep/nosql/database"
	"go.uber.org/zap"
)

// Bucket names. One bucket per entity kind plus the certificate fingerprint
// index and the meta bucket holding the change sequence counter.
var (
	accountsBucket     = []byte("acme_accounts")
	ordersBucket       = []byte("acme_orders")
	authzBucket        = []byte("acme_authzs")
	challengesBucket   = []byte("acme_challenges")
	certificatesBucket = []byte("acme_certificates")
	certIndexBucket    = []byte("acme_certificates_by_fingerprint")
	changesBucket      = []byte("acme_changes")
	metaBucket         = []byte("acme_meta")

	changeSeqKey = []byte("change_seq")
)

var allBuckets = [][]byte{
	accountsBucket,
	ordersBucket,
	authzBucket,
	challengesBucket,
	certificatesBucket,
	certIndexBucket,
	changesBucket,
	metaBucket,
}

// Store wraps a nosql database and hands out transactional sessions.
type Store struct {
	db     database.DB
	clk    clock.Clock
	logger *zap.Logger

	// Serializes commits so the change sequence counter stays monotonic.
	// The database is only ever written by this process.
	commitMu sync.Mutex
}

// New wraps an open database, creating the entity buckets if needed.
func New(db database.DB, clk clock.Clock, logger *zap.Logger) (*Store, error) {
	for _, bucket := range allBuckets {
		if err := db.CreateTable(bucket); err != nil {
			return nil, fmt.Errorf("creating bucket %q: %w", bucket, err)
		}
	}
	return &Store{
		db:     db,
		clk:    clk,
		logger: logger.Named("db"),
	}, nil
}

// Open opens a database with the given nosql driver ("bbolt", "badger",
// "badgerv2" or "mysql") and data source and wraps it in a Store.
func Open(driver, dataSource string, clk clock.Clock, logger *zap.Logger) (*Store, error) {
	db, err := nosql.New(driver, dataSource)
	if err != nil {
		return nil, fmt.Errorf("opening %s database at %q: %w", driver, dataSource, err)
	}
	return New(db, clk, logger)
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Begin opens a new session. The actor is recorded on every change log row
// the session commits.
func (s *Store) Begin(actor string) *Session {
	return &Session{
		store: s,
		actor: actor,
	}
}

// get reads a raw value, mapping "not found" to a nil value.
func (s *Store) get(bucket, key []byte) ([]byte, error) {
	value, err := s.db.Get(bucket, key)
	if err != nil {
		if database.IsErrNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return value, nil
}
