package filterdb

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	// Register the pure-Go sqlite driver with database/sql.
	_ "modernc.org/sqlite"
)

const (
	// dbName is the name of the sqlite database file that houses the
	// filter tables for all filter types.
	dbName = "block_filter.sqlite"

	// dbFilePermission is the permission the filter database directory is
	// created with if it doesn't yet exist.
	dbFilePermission = 0700
)

var (
	// ErrInvalidFilterType is returned when a filter store is created for
	// a filter type descriptor this package doesn't know a table for.
	ErrInvalidFilterType = errors.New("unknown filter type")

	// ErrFilterNotFound is returned when a filter matching the given
	// predicate couldn't be located in the store.
	ErrFilterNotFound = errors.New("unable to find filter")
)

// FilterType is a enum-like type that represents the various filter types
// currently defined. Each filter type is persisted in its own table within
// the database.
type FilterType uint8

const (
	// RegularFilter is the filter type of the basic filter that contains
	// the outputs and the pk scripts the inputs of a block spend.
	RegularFilter FilterType = iota

	// ExtendedFilter is the filter type of the extended filter which
	// contains the full witness data of a block.
	ExtendedFilter
)

// filterTables maps each known filter type to the name of the table its
// records are stored in. Table names are only ever taken from this map, so
// no dynamically constructed identifier can reach the database.
var filterTables = map[FilterType]string{
	RegularFilter:  "regular",
	ExtendedFilter: "extended",
}

// Name returns the table name of the given filter type, or an empty string
// if the filter type isn't known.
func (f FilterType) Name() string {
	return filterTables[f]
}

// FilterRecord is a single row of a filter table: the filter itself along
// with its content hash and the block it was derived from.
//
// A record is in exactly one of two states: active, meaning its block
// currently lies on the best chain at Height, or displaced, meaning its
// block was reorganized out of the best chain. The store encodes the
// displaced state as a NULL height column, which keeps the record reachable
// by block hash after its height slot has been taken over by another block.
type FilterRecord struct {
	// BlockHash is the hash of the block the filter was computed from.
	// It identifies the record for its whole lifetime, across reorgs.
	BlockHash chainhash.Hash

	// FilterHash is the content hash of Filter, reproducible bit-for-bit
	// from the filter bytes.
	FilterHash chainhash.Hash

	// Filter is the serialized filter itself. It may be nil for records
	// returned by the hash-only fetch methods.
	Filter []byte

	// Active reports whether the record's block is currently believed to
	// be part of the best chain. Height is only meaningful if Active is
	// true.
	Active bool

	// Height is the block height of an active record within the best
	// chain.
	Height int32
}

// Config houses the configuration options of a filter store.
type Config struct {
	// FilterType is the filter type descriptor the store keeps records
	// for. It determines the table the store reads and writes.
	FilterType FilterType

	// DBPath is the directory the sqlite database file lives in. It's
	// created if it doesn't exist yet. Ignored if MemOnly is set.
	DBPath string

	// CacheSize is a hint for the size of the database page cache, in
	// bytes.
	CacheSize int

	// MemOnly indicates the store should be kept entirely in memory
	// rather than backed by a database file.
	MemOnly bool

	// Wipe indicates all existing records of the store's filter type
	// should be deleted before first use.
	Wipe bool
}

// FilterDatabase is the interface to the persistent filter store of a single
// filter type. All writes land in a standing transaction which the caller is
// responsible for committing via Commit.
type FilterDatabase interface {
	// PutFilter stores the given record. Storing a record whose block
	// hash is already present is a no-op, meaning a displaced record can
	// never be flipped back to active by a re-insert.
	PutFilter(record *FilterRecord) error

	// MarkDisplaced transitions every active record with a height in
	// [fromHeight, toHeight] into the displaced state. The number of
	// records transitioned is returned.
	MarkDisplaced(fromHeight, toHeight int32) (int64, error)

	// FetchHeightRange returns all active records with a height in
	// [startHeight, stopHeight], in descending height order.
	FetchHeightRange(startHeight, stopHeight int32) ([]FilterRecord, error)

	// FetchHashRange is identical to FetchHeightRange, but the returned
	// records carry only the block and filter hashes, not the filter
	// bytes.
	FetchHashRange(startHeight, stopHeight int32) ([]FilterRecord, error)

	// FetchDisplaced returns the displaced record of the given block
	// hash, or ErrFilterNotFound if the block has no displaced record.
	FetchDisplaced(blockHash *chainhash.Hash) (*FilterRecord, error)

	// FetchDisplacedHash returns only the filter hash of the displaced
	// record of the given block hash, or ErrFilterNotFound.
	FetchDisplacedHash(blockHash *chainhash.Hash) (*chainhash.Hash, error)

	// Wipe removes all records of the store's filter type.
	Wipe() error

	// Commit atomically commits all writes issued since the last commit
	// and opens a fresh write session.
	Commit() error

	// Close aborts the current write session and releases the underlying
	// database resources. Writes since the last commit are discarded.
	Close() error
}

// FilterStore is a sqlite backed implementation of the FilterDatabase
// interface. Each instance owns exactly one filter table.
//
// The store issues all reads and writes through a single standing write
// transaction, so uncommitted inserts are visible to subsequent lookups.
// Writes are expected to come from a single logical writer; concurrent use
// is serialized by an internal mutex.
type FilterStore struct {
	filterType FilterType
	table      string

	db *sql.DB

	// Prepared statements, created once at store construction against the
	// store's own table. They're re-bound to the standing transaction on
	// each use.
	putStmt           *sql.Stmt
	displaceStmt      *sql.Stmt
	rangeStmt         *sql.Stmt
	hashRangeStmt     *sql.Stmt
	displacedStmt     *sql.Stmt
	displacedHashStmt *sql.Stmt
	wipeStmt          *sql.Stmt

	mtx sync.Mutex
	tx  *sql.Tx
}

// A compile-time check to ensure the FilterStore adheres to the
// FilterDatabase interface.
var _ FilterDatabase = (*FilterStore)(nil)

// fileExists returns true if the file exists, and false otherwise.
func fileExists(path string) bool {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return false
		}
	}

	return true
}

// New creates a filter store for the filter type given in the config,
// creating its table if it doesn't exist yet and wiping any existing records
// if requested. The returned store has an open write session.
func New(cfg Config) (*FilterStore, error) {
	table := cfg.FilterType.Name()
	if table == "" {
		return nil, fmt.Errorf("%w: %d", ErrInvalidFilterType,
			cfg.FilterType)
	}

	dsn := ":memory:"
	if !cfg.MemOnly {
		if !fileExists(cfg.DBPath) {
			if err := os.MkdirAll(
				cfg.DBPath, dbFilePermission,
			); err != nil {
				return nil, err
			}
		}

		dsn = filepath.Join(cfg.DBPath, dbName)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	// The store pins all of its work to the connection the standing
	// transaction runs on. A second connection would not see uncommitted
	// writes, and for memory backed stores it would be a different
	// database entirely.
	db.SetMaxOpenConns(1)

	s := &FilterStore{
		filterType: cfg.FilterType,
		table:      table,
		db:         db,
	}

	if err := s.init(cfg); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// init applies the database pragmas, creates the store's table, prepares the
// statement set and opens the first write session.
func (s *FilterStore) init(cfg Config) error {
	pragmas := []string{
		// Durability of committed sessions is delegated to the WAL,
		// there's no fsync after every commit.
		"PRAGMA synchronous=OFF",
		"PRAGMA journal_mode=WAL",
		"PRAGMA temp_store=MEMORY",
	}
	if cfg.CacheSize > 0 {
		// The page cache size hint is given in bytes, sqlite expects
		// negative KiB.
		pragmas = append(pragmas, fmt.Sprintf(
			"PRAGMA cache_size=-%d", cfg.CacheSize/1024,
		))
	}
	for _, pragma := range pragmas {
		if _, err := s.db.Exec(pragma); err != nil {
			return err
		}
	}

	// The (height, blockHash) primary key indexes active records by
	// height while letting displaced records (NULL height) coexist with
	// the active record that took over their height slot. The unique
	// index on the block hash enforces that every block has at most one
	// record, whatever its state.
	_, err := s.db.Exec(fmt.Sprintf(
		"CREATE TABLE IF NOT EXISTS %s ("+
			"height INTEGER, "+
			"blockHash BLOB NOT NULL, "+
			"filterHash BLOB NOT NULL, "+
			"filter BLOB NOT NULL, "+
			"PRIMARY KEY (height, blockHash))",
		s.table,
	))
	if err != nil {
		return err
	}
	_, err = s.db.Exec(fmt.Sprintf(
		"CREATE UNIQUE INDEX IF NOT EXISTS %s_block_hash ON %s "+
			"(blockHash)",
		s.table, s.table,
	))
	if err != nil {
		return err
	}

	// All statements are prepared up front against the fixed table name,
	// no SQL is assembled per query.
	stmts := []struct {
		target **sql.Stmt
		query  string
	}{
		{&s.putStmt, "INSERT INTO %s " +
			"(height, blockHash, filterHash, filter) " +
			"VALUES (?, ?, ?, ?) " +
			"ON CONFLICT (blockHash) DO NOTHING"},
		{&s.displaceStmt, "UPDATE %s SET height = NULL " +
			"WHERE height BETWEEN ? AND ?"},
		{&s.rangeStmt, "SELECT height, blockHash, filterHash, " +
			"filter FROM %s WHERE height BETWEEN ? AND ? " +
			"ORDER BY height DESC"},
		{&s.hashRangeStmt, "SELECT height, blockHash, filterHash " +
			"FROM %s WHERE height BETWEEN ? AND ? " +
			"ORDER BY height DESC"},
		{&s.displacedStmt, "SELECT filterHash, filter FROM %s " +
			"WHERE height IS NULL AND blockHash = ? LIMIT 1"},
		{&s.displacedHashStmt, "SELECT filterHash FROM %s " +
			"WHERE height IS NULL AND blockHash = ? LIMIT 1"},
		{&s.wipeStmt, "DELETE FROM %s"},
	}
	for _, stmt := range stmts {
		prepared, err := s.db.Prepare(
			fmt.Sprintf(stmt.query, s.table),
		)
		if err != nil {
			return err
		}
		*stmt.target = prepared
	}

	// With the schema and statements in place, the standing write session
	// can begin. All statement preparation must happen before this point,
	// as the session occupies the store's only connection.
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	s.tx = tx

	if cfg.Wipe {
		log.Infof("Wiping all %v filters", s.table)
		return s.Wipe()
	}

	return nil
}

// PutFilter stores the given record.
//
// This is part of the FilterDatabase interface.
func (s *FilterStore) PutFilter(record *FilterRecord) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	// A displaced record maps to a NULL height column.
	var height interface{}
	if record.Active {
		height = record.Height
	}

	_, err := s.tx.Stmt(s.putStmt).Exec(
		height, record.BlockHash[:], record.FilterHash[:],
		record.Filter,
	)
	return err
}

// MarkDisplaced transitions active records in [fromHeight, toHeight] to the
// displaced state.
//
// This is part of the FilterDatabase interface.
func (s *FilterStore) MarkDisplaced(fromHeight, toHeight int32) (int64,
	error) {

	s.mtx.Lock()
	defer s.mtx.Unlock()

	result, err := s.tx.Stmt(s.displaceStmt).Exec(fromHeight, toHeight)
	if err != nil {
		return 0, err
	}

	return result.RowsAffected()
}

// scanRecords reads filter records from the given result rows. The rows must
// carry a filter column exactly if withFilter is set.
func scanRecords(rows *sql.Rows, withFilter bool) ([]FilterRecord, error) {
	defer rows.Close()

	var records []FilterRecord
	for rows.Next() {
		var (
			record     FilterRecord
			height     sql.NullInt64
			blockHash  []byte
			filterHash []byte
		)

		var err error
		if withFilter {
			err = rows.Scan(
				&height, &blockHash, &filterHash,
				&record.Filter,
			)
		} else {
			err = rows.Scan(&height, &blockHash, &filterHash)
		}
		if err != nil {
			return nil, err
		}

		if height.Valid {
			record.Active = true
			record.Height = int32(height.Int64)
		}
		if err := record.BlockHash.SetBytes(blockHash); err != nil {
			return nil, err
		}
		if err := record.FilterHash.SetBytes(filterHash); err != nil {
			return nil, err
		}

		records = append(records, record)
	}

	return records, rows.Err()
}

// FetchHeightRange returns all active records with a height in
// [startHeight, stopHeight], in descending height order.
//
// This is part of the FilterDatabase interface.
func (s *FilterStore) FetchHeightRange(startHeight,
	stopHeight int32) ([]FilterRecord, error) {

	s.mtx.Lock()
	defer s.mtx.Unlock()

	rows, err := s.tx.Stmt(s.rangeStmt).Query(startHeight, stopHeight)
	if err != nil {
		return nil, err
	}

	return scanRecords(rows, true)
}

// FetchHashRange returns the hashes of all active records with a height in
// [startHeight, stopHeight], in descending height order.
//
// This is part of the FilterDatabase interface.
func (s *FilterStore) FetchHashRange(startHeight,
	stopHeight int32) ([]FilterRecord, error) {

	s.mtx.Lock()
	defer s.mtx.Unlock()

	rows, err := s.tx.Stmt(s.hashRangeStmt).Query(startHeight, stopHeight)
	if err != nil {
		return nil, err
	}

	return scanRecords(rows, false)
}

// FetchDisplaced returns the displaced record of the given block hash.
//
// This is part of the FilterDatabase interface.
func (s *FilterStore) FetchDisplaced(
	blockHash *chainhash.Hash) (*FilterRecord, error) {

	s.mtx.Lock()
	defer s.mtx.Unlock()

	record := &FilterRecord{
		BlockHash: *blockHash,
	}

	var filterHash []byte
	err := s.tx.Stmt(s.displacedStmt).QueryRow(blockHash[:]).Scan(
		&filterHash, &record.Filter,
	)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, ErrFilterNotFound
	case err != nil:
		return nil, err
	}

	if err := record.FilterHash.SetBytes(filterHash); err != nil {
		return nil, err
	}

	return record, nil
}

// FetchDisplacedHash returns the filter hash of the displaced record of the
// given block hash.
//
// This is part of the FilterDatabase interface.
func (s *FilterStore) FetchDisplacedHash(
	blockHash *chainhash.Hash) (*chainhash.Hash, error) {

	s.mtx.Lock()
	defer s.mtx.Unlock()

	var filterHash []byte
	err := s.tx.Stmt(s.displacedHashStmt).QueryRow(blockHash[:]).Scan(
		&filterHash,
	)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, ErrFilterNotFound
	case err != nil:
		return nil, err
	}

	return chainhash.NewHash(filterHash)
}

// Wipe removes all records of the store's filter type.
//
// This is part of the FilterDatabase interface.
func (s *FilterStore) Wipe() error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	_, err := s.tx.Stmt(s.wipeStmt).Exec()
	return err
}

// Commit commits the standing write session and immediately opens the next
// one.
//
// This is part of the FilterDatabase interface.
func (s *FilterStore) Commit() error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if err := s.tx.Commit(); err != nil {
		return err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	s.tx = tx

	return nil
}

// Close aborts the write session and closes the database. Writes since the
// last commit are discarded.
//
// This is part of the FilterDatabase interface.
func (s *FilterStore) Close() error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	// The rollback error is ignored on purpose, the session may already
	// have failed and closing the database is what releases the file
	// handles either way.
	_ = s.tx.Rollback()

	return s.db.Close()
}
