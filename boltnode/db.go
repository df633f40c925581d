// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package boltnode

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/featurebasedb/persist/errors"
	bolt "go.etcd.io/bbolt"
)

const (
	ErrFmtBucketNotFound = "boltnode: bucket '%s' not found"
)

type Bucket []byte

// DB represents the database connection.
type DB struct {
	db *bolt.DB

	// Datasource name.
	DSN string

	// Returns the current time. Defaults to time.Now().
	// Can be mocked for tests.
	Now func() time.Time

	// Timeout bounds how long Open waits for the file lock.
	Timeout time.Duration

	filePath string

	// bucketQueue contains a list of buckets to create upon Open.
	bucketQueue []Bucket
}

// NewDB returns a new instance of DB associated with the given datasource name.
func NewDB(dsn string) *DB {
	return &DB{
		DSN:     dsn,
		Now:     time.Now,
		Timeout: time.Second,
	}
}

// path returns the file path to the boltdb database file.
func (db *DB) path() (string, error) {
	if !strings.HasPrefix(db.DSN, "file:") {
		return "", errors.New(errors.ErrUncoded, "boltnode only supports a DSN beginning with `file:`")
	}
	return db.DSN[5:], nil
}

// RegisterBuckets queues up the buckets to be created when the database is
// first opened. If it is already open they are created at once.
func (db *DB) RegisterBuckets(buckets ...Bucket) error {
	if db.db != nil {
		return db.InitializeBuckets(buckets...)
	}
	db.bucketQueue = append(db.bucketQueue, buckets...)
	return nil
}

// InitializeBuckets creates the given buckets if they do not already exist.
func (db *DB) InitializeBuckets(buckets ...Bucket) (err error) {
	return db.db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return errors.Wrapf(err, "creating bucket: %s", bucket)
			}
		}
		return nil
	})
}

// Open opens the database connection.
func (db *DB) Open() (err error) {
	path, err := db.path()
	if err != nil {
		return errors.Wrap(err, "getting path from DSN")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0777); err != nil {
		return errors.Wrapf(err, "mkdir %s", filepath.Dir(path))
	} else if db.db, err = bolt.Open(path, 0666, &bolt.Options{Timeout: db.Timeout}); err != nil {
		return errors.Wrapf(err, "open file: %s", path)
	}
	db.filePath = path

	if err := db.InitializeBuckets(db.bucketQueue...); err != nil {
		return errors.Wrap(err, "initializing buckets")
	}
	db.bucketQueue = nil
	return nil
}

// Close closes the database connection.
func (db *DB) Close() (err error) {
	if db.db == nil {
		return nil
	}
	return db.db.Close()
}

// BeginTx starts a transaction and returns a wrapper Tx type. The wrapper
// carries the context and a fixed timestamp taken at the start of the
// transaction.
func (db *DB) BeginTx(ctx context.Context, writable bool) (*Tx, error) {
	if db.db == nil {
		return nil, errors.New(errors.ErrUncoded, "boltnode: database is not open")
	}
	tx, err := db.db.Begin(writable)
	if err != nil {
		return nil, err
	}
	return &Tx{
		Tx:  tx,
		ctx: ctx,
		db:  db,
		now: db.Now().UTC().Truncate(time.Second),
	}, nil
}

// Tx wraps the bolt Tx to provide a timestamp at the start of the transaction.
type Tx struct {
	*bolt.Tx
	ctx context.Context
	db  *DB
	now time.Time
}

func (tx *Tx) Context() context.Context {
	return tx.ctx
}

func (db *DB) Path() string {
	return db.filePath
}
