// Package cassandra is a store.Store backend over Cassandra via gocql, grounded on the
// teacher's own in_red_ck/cassandra connection and table-management style (singleton
// session, keyspace auto-creation, Sprintf'd DDL/DML with ? placeholders, per-call
// consistency overrides). Unlike that package's Virtual ID registry, this one has to
// support primary-key-ordered range scans, which Cassandra's hash-partitioned primary
// keys don't give you for free: primary keys live as a clustering column under one
// partition per shard, and index-entry keys under one partition per (shard, index), ordered
// by a caller-supplied KeyCodec's
// sortable text encoding. See DESIGN.md for why this shape was chosen over the partition
// key Cassandra would otherwise hash away the ordering of.
package cassandra

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gocql/gocql"
	"github.com/sharedcode/sop/store"
)

// Config mirrors the teacher's Cassandra connection Config: cluster hosts, keyspace,
// consistency, and a timeout, kept minimal to the fields this backend actually uses.
type Config struct {
	ClusterHosts      []string
	Keyspace          string
	Consistency       gocql.Consistency
	ConnectionTimeout time.Duration
	ReplicationClause string
}

// OpenSession opens a gocql session and ensures the keyspace and tables this backend needs
// exist, following the teacher's auto-create-on-connect pattern.
func OpenSession(config Config) (*gocql.Session, error) {
	if config.Keyspace == "" {
		config.Keyspace = "online_index_builder"
	}
	if config.Consistency == gocql.Any {
		config.Consistency = gocql.LocalQuorum
	}
	if config.ReplicationClause == "" {
		config.ReplicationClause = "{'class':'SimpleStrategy', 'replication_factor':1}"
	}
	cluster := gocql.NewCluster(config.ClusterHosts...)
	cluster.Consistency = config.Consistency
	if config.ConnectionTimeout > 0 {
		cluster.ConnectTimeout = config.ConnectionTimeout
	}
	bootstrap, err := cluster.CreateSession()
	if err != nil {
		return nil, err
	}
	if err := bootstrap.Query(fmt.Sprintf(
		"CREATE KEYSPACE IF NOT EXISTS %s WITH REPLICATION = %s;", config.Keyspace, config.ReplicationClause)).Exec(); err != nil {
		return nil, err
	}
	cluster.Keyspace = config.Keyspace
	session, err := cluster.CreateSession()
	if err != nil {
		return nil, err
	}
	if err := createTables(session, config.Keyspace); err != nil {
		return nil, err
	}
	return session, nil
}

func createTables(s *gocql.Session, ks string) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.records (shard text, pkey text, rtype text, value blob, PRIMARY KEY(shard, pkey)) WITH CLUSTERING ORDER BY (pkey ASC);`, ks),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.index_entries (shard text, index_name text, ekey text, evalue blob, PRIMARY KEY((shard, index_name), ekey)) WITH CLUSTERING ORDER BY (ekey ASC);`, ks),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.index_lifecycle (index_name text PRIMARY KEY, state int);`, ks),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.range_boundaries (index_name text, lo text, hi text, PRIMARY KEY(index_name, lo, hi));`, ks),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.index_counters (index_name text PRIMARY KEY, scanned counter);`, ks),
	}
	for _, stmt := range stmts {
		if err := s.Query(stmt).Exec(); err != nil {
			return err
		}
	}
	return nil
}

// KeyCodec encodes application keys into a text representation that sorts, byte for byte,
// in the same order as the key's natural ordering — the property Cassandra's clustering
// columns need to serve ScanRecords/ScanIndexEntries in key order. Decode must be the exact
// inverse for every key Encode produces.
type KeyCodec interface {
	Encode(key any) (string, error)
	Decode(s string) (any, error)
}

// negInfMarker and posInfMarker bound every real encoded key: negInfMarker's leading NUL sorts
// before any printable encoding, and posInfMarker's run of U+FFFF sorts after any realistic
// text encoding.
const (
	negInfMarker = "\x00-inf"
	posInfMarker = "￿￿￿￿+inf"
)

// defaultCodec supports the common primary-key domains (int, int64, string) with an
// order-preserving encoding: integers via offset-binary hex so two's-complement ordering
// survives lexicographic text comparison, strings passed through as-is.
type defaultCodec struct{}

func (defaultCodec) Encode(key any) (string, error) {
	switch k := key.(type) {
	case int:
		return encodeInt64(int64(k)), nil
	case int64:
		return encodeInt64(k), nil
	case int32:
		return encodeInt64(int64(k)), nil
	case string:
		return "s:" + k, nil
	default:
		return "", fmt.Errorf("cassandra: defaultCodec cannot encode key of type %T; supply a KeyCodec", key)
	}
}

func (defaultCodec) Decode(s string) (any, error) {
	switch {
	case strings.HasPrefix(s, "i:"):
		return decodeInt64(s)
	case strings.HasPrefix(s, "s:"):
		return strings.TrimPrefix(s, "s:"), nil
	default:
		return nil, fmt.Errorf("cassandra: defaultCodec cannot decode %q", s)
	}
}

func encodeInt64(v int64) string {
	// Flipping the sign bit maps the full int64 range onto an order-preserving uint64.
	u := uint64(v) ^ (1 << 63)
	return fmt.Sprintf("i:%016x", u)
}

func decodeInt64(s string) (int64, error) {
	var u uint64
	if _, err := fmt.Sscanf(strings.TrimPrefix(s, "i:"), "%016x", &u); err != nil {
		return 0, err
	}
	return int64(u ^ (1 << 63)), nil
}

// DefaultKeyCodec is the built-in int/int64/int32/string codec.
func DefaultKeyCodec() KeyCodec { return defaultCodec{} }

// Store is a store.Store backed by a single Cassandra keyspace. All primary keys and
// index-entry keys for a given (shard, index) live in one logical partition, so this
// backend's scalability is bounded by Cassandra's per-partition row-count guidance;
// sharding that partition further is left to the caller (see DESIGN.md).
type Store struct {
	Session  *gocql.Session
	Keyspace string
	Shard    string
	Codec    KeyCodec
}

// New returns a Store. shard scopes this instance to one logical partition; pass "" for a
// single-shard deployment. A nil codec defaults to DefaultKeyCodec().
func New(session *gocql.Session, keyspace, shard string, codec KeyCodec) *Store {
	if shard == "" {
		shard = "default"
	}
	if codec == nil {
		codec = DefaultKeyCodec()
	}
	return &Store{Session: session, Keyspace: keyspace, Shard: shard, Codec: codec}
}

func (s *Store) OpenTransaction(ctx context.Context, priority store.Priority) (store.Transaction, error) {
	return &txn{s: s}, nil
}

// txn executes each operation against Cassandra immediately; Commit/Rollback are advisory
// bookkeeping only. Atomicity across the Range Set update, the scanned-counter bump, and
// the saved index entries within one chunk is the responsibility of the transactional
// key-value store this package's consumed interface assumes (spec.md §6) — composing that
// guarantee out of Cassandra's own primitives (batches, LWT) is a concrete-backend detail
// out of scope for this demonstration wiring. (store/memstore, by contrast, stages writes
// in a per-transaction overlay and installs them only on Commit.)
type txn struct {
	s *Store
}

func (t *txn) table(name string) string {
	return fmt.Sprintf("%s.%s", t.s.Keyspace, name)
}

func (t *txn) GetRecordByPrimaryKey(ctx context.Context, k any) (store.Record, bool, error) {
	ek, err := t.s.Codec.Encode(k)
	if err != nil {
		return store.Record{}, false, err
	}
	var rtype string
	var value []byte
	q := t.s.Session.Query(fmt.Sprintf("SELECT rtype, value FROM %s WHERE shard=? AND pkey=?;", t.table("records")),
		t.s.Shard, ek).WithContext(ctx)
	if err := q.Scan(&rtype, &value); err != nil {
		if err == gocql.ErrNotFound {
			return store.Record{}, false, nil
		}
		return store.Record{}, false, err
	}
	return store.Record{Key: k, Type: store.RecordType(rtype), Value: value}, true, nil
}

func (t *txn) PrimaryKeyBounds(ctx context.Context) (any, any, bool, error) {
	var loKey, hiKey string
	itLo := t.s.Session.Query(fmt.Sprintf("SELECT pkey FROM %s WHERE shard=? LIMIT 1;", t.table("records")), t.s.Shard).WithContext(ctx).Iter()
	foundLo := itLo.Scan(&loKey)
	if err := itLo.Close(); err != nil {
		return nil, nil, false, err
	}
	if !foundLo {
		return nil, nil, true, nil
	}
	itHi := t.s.Session.Query(fmt.Sprintf("SELECT pkey FROM %s WHERE shard=? ORDER BY pkey DESC LIMIT 1;", t.table("records")), t.s.Shard).WithContext(ctx).Iter()
	foundHi := itHi.Scan(&hiKey)
	if err := itHi.Close(); err != nil {
		return nil, nil, false, err
	}
	if !foundHi {
		return nil, nil, true, nil
	}
	min, err := t.s.Codec.Decode(loKey)
	if err != nil {
		return nil, nil, false, err
	}
	max, err := t.s.Codec.Decode(hiKey)
	if err != nil {
		return nil, nil, false, err
	}
	return min, max, false, nil
}

func (t *txn) encodeBound(k any, infMarker string) (string, error) {
	if k == nil {
		return infMarker, nil
	}
	return t.s.Codec.Encode(k)
}

func (t *txn) ScanRecords(ctx context.Context, lo, hi any, limit int, recordTypes []store.RecordType) (store.RecordIterator, error) {
	loS, err := t.encodeBound(lo, "")
	if err != nil {
		return nil, err
	}
	hiS, err := t.encodeBound(hi, "")
	if err != nil {
		return nil, err
	}
	q := fmt.Sprintf("SELECT pkey, rtype, value FROM %s WHERE shard=?", t.table("records"))
	args := []any{t.s.Shard}
	if lo != nil {
		q += " AND pkey>=?"
		args = append(args, loS)
	}
	if hi != nil {
		q += " AND pkey<?"
		args = append(args, hiS)
	}
	q += " ORDER BY pkey ASC"
	if limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", limit)
	}
	q += ";"
	iter := t.s.Session.Query(q, args...).WithContext(ctx).Iter()
	typeFilter := make(map[store.RecordType]bool, len(recordTypes))
	for _, rt := range recordTypes {
		typeFilter[rt] = true
	}
	return &recordIterator{iter: iter, codec: t.s.Codec, typeFilter: typeFilter}, nil
}

type recordIterator struct {
	iter       *gocql.Iter
	codec      KeyCodec
	typeFilter map[store.RecordType]bool
}

func (it *recordIterator) Next(ctx context.Context) (store.Record, bool, error) {
	for {
		var pkey, rtype string
		var value []byte
		if !it.iter.Scan(&pkey, &rtype, &value) {
			return store.Record{}, false, it.iter.Close()
		}
		if len(it.typeFilter) > 0 && !it.typeFilter[store.RecordType(rtype)] {
			continue
		}
		key, err := it.codec.Decode(pkey)
		if err != nil {
			return store.Record{}, false, err
		}
		return store.Record{Key: key, Type: store.RecordType(rtype), Value: value}, true, nil
	}
}

func (it *recordIterator) Close() error { return it.iter.Close() }

func (t *txn) SaveIndexEntry(ctx context.Context, index string, key any, value []byte) error {
	ek, err := t.s.Codec.Encode(key)
	if err != nil {
		return err
	}
	return t.s.Session.Query(fmt.Sprintf("INSERT INTO %s (shard, index_name, ekey, evalue) VALUES (?,?,?,?);", t.table("index_entries")),
		t.s.Shard, index, ek, value).WithContext(ctx).Exec()
}

func (t *txn) ScanIndexEntries(ctx context.Context, index string, lo, hi any, limit int) (store.IndexEntryIterator, error) {
	loS, err := t.encodeBound(lo, "")
	if err != nil {
		return nil, err
	}
	hiS, err := t.encodeBound(hi, "")
	if err != nil {
		return nil, err
	}
	q := fmt.Sprintf("SELECT ekey, evalue FROM %s WHERE shard=? AND index_name=?", t.table("index_entries"))
	args := []any{t.s.Shard, index}
	if lo != nil {
		q += " AND ekey>=?"
		args = append(args, loS)
	}
	if hi != nil {
		q += " AND ekey<?"
		args = append(args, hiS)
	}
	q += " ORDER BY ekey ASC"
	if limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", limit)
	}
	q += ";"
	iter := t.s.Session.Query(q, args...).WithContext(ctx).Iter()
	return &indexEntryIterator{iter: iter, codec: t.s.Codec}, nil
}

type indexEntryIterator struct {
	iter  *gocql.Iter
	codec KeyCodec
}

func (it *indexEntryIterator) Next(ctx context.Context) (store.IndexEntry, bool, error) {
	var ekey string
	var evalue []byte
	if !it.iter.Scan(&ekey, &evalue) {
		return store.IndexEntry{}, false, it.iter.Close()
	}
	key, err := it.codec.Decode(ekey)
	if err != nil {
		return store.IndexEntry{}, false, err
	}
	return store.IndexEntry{Key: key, Value: evalue}, true, nil
}

func (it *indexEntryIterator) Close() error { return it.iter.Close() }

func (t *txn) SetIndexLifecycle(ctx context.Context, index string, state store.IndexLifecycleState) (store.IndexLifecycleState, error) {
	previous, err := t.GetIndexLifecycle(ctx, index)
	if err != nil {
		return store.Disabled, err
	}
	if err := t.s.Session.Query(fmt.Sprintf("INSERT INTO %s (index_name, state) VALUES (?,?);", t.table("index_lifecycle")),
		index, int(state)).WithContext(ctx).Exec(); err != nil {
		return store.Disabled, err
	}
	return previous, nil
}

func (t *txn) GetIndexLifecycle(ctx context.Context, index string) (store.IndexLifecycleState, error) {
	var state int
	q := t.s.Session.Query(fmt.Sprintf("SELECT state FROM %s WHERE index_name=?;", t.table("index_lifecycle")), index).WithContext(ctx)
	if err := q.Scan(&state); err != nil {
		if err == gocql.ErrNotFound {
			return store.Disabled, nil
		}
		return store.Disabled, err
	}
	return store.IndexLifecycleState(state), nil
}

func (t *txn) ClearIndexData(ctx context.Context, index string) error {
	stmts := []struct {
		cql  string
		args []any
	}{
		{fmt.Sprintf("DELETE FROM %s WHERE shard=? AND index_name=?;", t.table("index_entries")), []any{t.s.Shard, index}},
		{fmt.Sprintf("DELETE FROM %s WHERE index_name=?;", t.table("range_boundaries")), []any{index}},
		{fmt.Sprintf("DELETE FROM %s WHERE index_name=?;", t.table("index_counters")), []any{index}},
	}
	for _, stmt := range stmts {
		if err := t.s.Session.Query(stmt.cql, stmt.args...).WithContext(ctx).Exec(); err != nil {
			return err
		}
	}
	return nil
}

func (t *txn) boundaryText(k any) (string, error) {
	if k == nil {
		return negInfMarker, nil
	}
	s, err := t.s.Codec.Encode(k)
	if err != nil {
		return "", err
	}
	return s, nil
}

func (t *txn) boundaryTextHi(k any) (string, error) {
	if k == nil {
		return posInfMarker, nil
	}
	return t.s.Codec.Encode(k)
}

func (t *txn) PutRangeBoundary(ctx context.Context, index string, b store.RangeBoundary) error {
	lo, err := t.boundaryText(b.Lo)
	if err != nil {
		return err
	}
	hi, err := t.boundaryTextHi(b.Hi)
	if err != nil {
		return err
	}
	return t.s.Session.Query(fmt.Sprintf("INSERT INTO %s (index_name, lo, hi) VALUES (?,?,?);", t.table("range_boundaries")),
		index, lo, hi).WithContext(ctx).Exec()
}

func (t *txn) DeleteRangeBoundary(ctx context.Context, index string, b store.RangeBoundary) error {
	lo, err := t.boundaryText(b.Lo)
	if err != nil {
		return err
	}
	hi, err := t.boundaryTextHi(b.Hi)
	if err != nil {
		return err
	}
	return t.s.Session.Query(fmt.Sprintf("DELETE FROM %s WHERE index_name=? AND lo=? AND hi=?;", t.table("range_boundaries")),
		index, lo, hi).WithContext(ctx).Exec()
}

func (t *txn) ScanRangeBoundaries(ctx context.Context, index string) ([]store.RangeBoundary, error) {
	iter := t.s.Session.Query(fmt.Sprintf("SELECT lo, hi FROM %s WHERE index_name=?;", t.table("range_boundaries")), index).WithContext(ctx).Iter()
	var out []store.RangeBoundary
	var lo, hi string
	for iter.Scan(&lo, &hi) {
		var loKey, hiKey any
		var err error
		if lo != negInfMarker {
			if loKey, err = t.s.Codec.Decode(lo); err != nil {
				iter.Close()
				return nil, err
			}
		}
		if hi != posInfMarker {
			if hiKey, err = t.s.Codec.Decode(hi); err != nil {
				iter.Close()
				return nil, err
			}
		}
		out = append(out, store.RangeBoundary{Lo: loKey, Hi: hiKey})
	}
	if err := iter.Close(); err != nil {
		return nil, err
	}
	return out, nil
}

func (t *txn) AddScanned(ctx context.Context, index string, delta uint64) (uint64, error) {
	if err := t.s.Session.Query(fmt.Sprintf("UPDATE %s SET scanned = scanned + ? WHERE index_name=?;", t.table("index_counters")),
		delta, index).WithContext(ctx).Exec(); err != nil {
		return 0, err
	}
	return t.GetScanned(ctx, index)
}

func (t *txn) GetScanned(ctx context.Context, index string) (uint64, error) {
	var scanned int64
	q := t.s.Session.Query(fmt.Sprintf("SELECT scanned FROM %s WHERE index_name=?;", t.table("index_counters")), index).WithContext(ctx)
	if err := q.Scan(&scanned); err != nil {
		if err == gocql.ErrNotFound {
			return 0, nil
		}
		return 0, err
	}
	return uint64(scanned), nil
}

func (t *txn) Commit(ctx context.Context) error   { return nil }
func (t *txn) Rollback(ctx context.Context) error { return nil }
