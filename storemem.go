package relkv

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// MemStore is a transient in-memory Store, intended for tests and small
// tools. It snapshots the entire dataset per transaction (simplicity over
// efficiency) and detects write conflicts per entity group, surfacing them
// as ErrContention the way the real transport would.
type MemStore struct {
	mu        sync.Mutex
	recs      map[string]*Record // encoded key -> record
	seqs      map[string]int64   // kind -> last allocated id
	groupVers map[string]uint64  // encoded group root -> version
	closed    bool

	contendNext int // test hook: fail the next N commits with ErrContention
}

func NewMemStore() *MemStore {
	return &MemStore{
		recs:      make(map[string]*Record),
		seqs:      make(map[string]int64),
		groupVers: make(map[string]uint64),
	}
}

func (s *MemStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// ContendNextCommits makes the next n commits, transactional or
// auto-commit, fail with ErrContention, for exercising retry paths in
// tests.
func (s *MemStore) ContendNextCommits(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contendNext = n
}

// takeContention consumes one slot of injected contention. Callers hold
// the store mutex.
func (s *MemStore) takeContention() error {
	if s.contendNext > 0 {
		s.contendNext--
		return ErrContention
	}
	return nil
}

func (s *MemStore) RunInTransaction(ctx context.Context, fn func(tx Txn) error) error {
	tx, err := s.begin()
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		return err
	}
	return tx.commit()
}

func (s *MemStore) begin() (*memTx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errors.New("store closed")
	}
	snap := make(map[string]*Record, len(s.recs))
	for k, rec := range s.recs {
		snap[k] = rec // copy-on-read below keeps the snapshot immutable
	}
	vers := make(map[string]uint64, len(s.groupVers))
	for g, v := range s.groupVers {
		vers[g] = v
	}
	return &memTx{
		base:   s,
		snap:   snap,
		vers:   vers,
		groups: make(map[string]*Key),
		writes: make(map[string]*Record),
	}, nil
}

type memTx struct {
	base   *MemStore
	snap   map[string]*Record
	vers   map[string]uint64  // group versions observed at begin
	groups map[string]*Key    // entity groups this transaction touched
	writes map[string]*Record // encoded key -> record, nil entry = delete
	order  []string
	allocs map[string]int64 // kind -> ids taken inside this tx
	done   bool
}

func (tx *memTx) pin(key *Key) error {
	root := key.Root()
	enc := root.Encode()
	if tx.groups[enc] != nil {
		return nil
	}
	if len(tx.groups) >= maxTxnGroups {
		return errors.Wrapf(ErrCrossGroup, "transaction spans more than %d entity groups (adding %v)", maxTxnGroups, root)
	}
	tx.groups[enc] = root
	return nil
}

func (tx *memTx) Get(ctx context.Context, key *Key) (*Record, error) {
	if err := tx.pin(key); err != nil {
		return nil, err
	}
	return tx.lookup(key)
}

func (tx *memTx) lookup(key *Key) (*Record, error) {
	enc := key.Encode()
	if rec, ok := tx.writes[enc]; ok {
		if rec == nil {
			return nil, errors.Wrapf(ErrNotFound, "%v", key)
		}
		return rec.Clone(), nil
	}
	rec, ok := tx.snap[enc]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "%v", key)
	}
	return rec.Clone(), nil
}

func (tx *memTx) GetMulti(ctx context.Context, keys []*Key) ([]*Record, error) {
	out := make([]*Record, len(keys))
	for i, key := range keys {
		if err := tx.pin(key); err != nil {
			return nil, err
		}
		rec, err := tx.lookup(key)
		if err != nil {
			if IsNotFound(err) {
				continue
			}
			return nil, err
		}
		out[i] = rec
	}
	return out, nil
}

func (tx *memTx) Put(ctx context.Context, rec *Record) error {
	if rec.Key == nil || rec.Key.Incomplete() {
		return errors.Errorf("put with incomplete key %v", rec.Key)
	}
	if err := tx.pin(rec.Key); err != nil {
		return err
	}
	enc := rec.Key.Encode()
	if _, ok := tx.writes[enc]; !ok {
		tx.order = append(tx.order, enc)
	}
	tx.writes[enc] = rec.Clone()
	return nil
}

func (tx *memTx) Delete(ctx context.Context, key *Key) error {
	if err := tx.pin(key); err != nil {
		return err
	}
	enc := key.Encode()
	if _, ok := tx.writes[enc]; !ok {
		tx.order = append(tx.order, enc)
	}
	tx.writes[enc] = nil
	return nil
}

func (tx *memTx) AllocateID(ctx context.Context, key *Key) (*Key, error) {
	if !key.Incomplete() {
		return key, nil
	}
	tx.base.mu.Lock()
	tx.base.seqs[key.Kind]++
	id := tx.base.seqs[key.Kind]
	tx.base.mu.Unlock()
	if tx.allocs == nil {
		tx.allocs = make(map[string]int64)
	}
	tx.allocs[key.Kind] = id
	return IDKey(key.Kind, id, key.Parent), nil
}

func (tx *memTx) RunQuery(ctx context.Context, req *QueryRequest) (*QueryResult, error) {
	if req.Ancestor == nil {
		return nil, errors.New("queries inside a transaction require an ancestor")
	}
	if err := tx.pin(req.Ancestor); err != nil {
		return nil, err
	}
	merged := make(map[string]*Record, len(tx.snap))
	for enc, rec := range tx.snap {
		merged[enc] = rec
	}
	for enc, rec := range tx.writes {
		if rec == nil {
			delete(merged, enc)
		} else {
			merged[enc] = rec
		}
	}
	return runMemQuery(merged, req)
}

func (tx *memTx) commit() error {
	s := tx.base
	s.mu.Lock()
	defer s.mu.Unlock()
	if tx.done {
		return errors.New("transaction already finished")
	}
	tx.done = true
	if s.closed {
		return errors.New("store closed")
	}
	if err := s.takeContention(); err != nil {
		return err
	}
	if len(tx.writes) == 0 {
		return nil
	}
	for enc, root := range tx.groups {
		if s.groupVers[enc] != tx.vers[enc] {
			return errors.Wrapf(ErrContention, "entity group %v", root)
		}
	}
	for enc := range tx.groups {
		s.groupVers[enc]++
	}
	for _, enc := range tx.order {
		if rec := tx.writes[enc]; rec == nil {
			delete(s.recs, enc)
		} else {
			s.recs[enc] = rec
		}
	}
	return nil
}

// Auto-commit single operations outside an explicit transaction.

func (s *MemStore) Get(ctx context.Context, key *Key) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[key.Encode()]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "%v", key)
	}
	return rec.Clone(), nil
}

func (s *MemStore) GetMulti(ctx context.Context, keys []*Key) ([]*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Record, len(keys))
	for i, key := range keys {
		if rec, ok := s.recs[key.Encode()]; ok {
			out[i] = rec.Clone()
		}
	}
	return out, nil
}

func (s *MemStore) Put(ctx context.Context, rec *Record) error {
	if rec.Key == nil || rec.Key.Incomplete() {
		return errors.Errorf("put with incomplete key %v", rec.Key)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeContention(); err != nil {
		return err
	}
	s.groupVers[rec.Key.Root().Encode()]++
	s.recs[rec.Key.Encode()] = rec.Clone()
	return nil
}

func (s *MemStore) Delete(ctx context.Context, key *Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeContention(); err != nil {
		return err
	}
	s.groupVers[key.Root().Encode()]++
	delete(s.recs, key.Encode())
	return nil
}

func (s *MemStore) AllocateID(ctx context.Context, key *Key) (*Key, error) {
	if !key.Incomplete() {
		return key, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seqs[key.Kind]++
	return IDKey(key.Kind, s.seqs[key.Kind], key.Parent), nil
}

func (s *MemStore) RunQuery(ctx context.Context, req *QueryRequest) (*QueryResult, error) {
	s.mu.Lock()
	merged := make(map[string]*Record, len(s.recs))
	for enc, rec := range s.recs {
		merged[enc] = rec
	}
	s.mu.Unlock()
	return runMemQuery(merged, req)
}

// runMemQuery implements the native query semantics over a materialized
// dataset: kind + ancestor + AND-ed filters, client-side sort, offset
// cursors, limit.
func runMemQuery(recs map[string]*Record, req *QueryRequest) (*QueryResult, error) {
	var matched []*Record
	for _, rec := range recs {
		if rec.Key.Kind != req.Kind {
			continue
		}
		if req.Ancestor != nil && !rec.Key.HasAncestor(req.Ancestor) {
			continue
		}
		if !matchesFilters(rec, req.Filters) {
			continue
		}
		matched = append(matched, rec.Clone())
	}

	orders := append([]Order(nil), req.Orders...)
	orders = append(orders, Order{Field: keyProperty}) // stable tiebreak
	sortRecords(matched, orders)

	start := 0
	if req.Cursor != "" {
		off, err := decodeMemCursor(req.Cursor)
		if err != nil {
			return nil, err
		}
		start = off
	}
	end := len(matched)
	if req.EndCursor != "" {
		off, err := decodeMemCursor(req.EndCursor)
		if err != nil {
			return nil, err
		}
		if off < end {
			end = off
		}
	}
	if start > end {
		start = end
	}
	page := matched[start:end]
	var next string
	if req.Limit > 0 && len(page) > req.Limit {
		page = page[:req.Limit]
		next = encodeMemCursor(start + req.Limit)
	}
	if req.KeysOnly {
		for i, rec := range page {
			page[i] = NewRecord(rec.Key)
		}
	}
	return &QueryResult{Records: page, NextCursor: next}, nil
}

func encodeMemCursor(off int) string {
	return base64.RawURLEncoding.EncodeToString([]byte("o:" + strconv.Itoa(off)))
}

func decodeMemCursor(cur string) (int, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cur)
	if err != nil {
		return 0, errors.Wrap(err, "malformed cursor")
	}
	s, ok := strings.CutPrefix(string(raw), "o:")
	if !ok {
		return 0, fmt.Errorf("malformed cursor %q", cur)
	}
	off, err := strconv.Atoi(s)
	if err != nil || off < 0 {
		return 0, fmt.Errorf("malformed cursor %q", cur)
	}
	return off, nil
}
