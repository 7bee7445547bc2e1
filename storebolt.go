package relkv

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
	"go.etcd.io/bbolt"
)

// BoltStore is a durable single-file Store built on bbolt. Records are
// serialized with msgpack into one bucket per kind, keyed by the encoded
// entity key; queries are full-kind scans with client-side filtering.
// bbolt admits a single writer, so every transaction here already has the
// whole dataset to itself and the entity-group restriction is enforced
// only to keep callers honest about what the real transport would allow.
type BoltStore struct {
	bdb *bbolt.DB
}

func OpenBoltStore(path string) (*BoltStore, error) {
	bdb, err := bbolt.Open(path, 0o644, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "open %v", path)
	}
	return &BoltStore{bdb: bdb}, nil
}

func (s *BoltStore) Close() error {
	return s.bdb.Close()
}

func (s *BoltStore) RunInTransaction(ctx context.Context, fn func(tx Txn) error) error {
	return s.bdb.Update(func(btx *bbolt.Tx) error {
		return fn(&boltTx{btx: btx, txn: true})
	})
}

type boltTx struct {
	btx    *bbolt.Tx
	txn    bool
	groups map[string]bool
}

func (tx *boltTx) pin(key *Key) error {
	if !tx.txn {
		return nil
	}
	if tx.groups == nil {
		tx.groups = make(map[string]bool)
	}
	enc := key.Root().Encode()
	if tx.groups[enc] {
		return nil
	}
	if len(tx.groups) >= maxTxnGroups {
		return errors.Wrapf(ErrCrossGroup, "transaction spans more than %d entity groups (adding %v)", maxTxnGroups, key.Root())
	}
	tx.groups[enc] = true
	return nil
}

func (tx *boltTx) kindBucket(kind string) *bbolt.Bucket {
	return tx.btx.Bucket([]byte(kind))
}

func (tx *boltTx) Get(ctx context.Context, key *Key) (*Record, error) {
	if err := tx.pin(key); err != nil {
		return nil, err
	}
	b := tx.kindBucket(key.Kind)
	if b == nil {
		return nil, errors.Wrapf(ErrNotFound, "%v", key)
	}
	raw := b.Get([]byte(key.Encode()))
	if raw == nil {
		return nil, errors.Wrapf(ErrNotFound, "%v", key)
	}
	return decodeBoltRecord(key, raw)
}

func (tx *boltTx) GetMulti(ctx context.Context, keys []*Key) ([]*Record, error) {
	out := make([]*Record, len(keys))
	for i, key := range keys {
		rec, err := tx.Get(ctx, key)
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

func (tx *boltTx) Put(ctx context.Context, rec *Record) error {
	if rec.Key == nil || rec.Key.Incomplete() {
		return errors.Errorf("put with incomplete key %v", rec.Key)
	}
	if err := tx.pin(rec.Key); err != nil {
		return err
	}
	b, err := tx.btx.CreateBucketIfNotExists([]byte(rec.Key.Kind))
	if err != nil {
		return err
	}
	raw, err := encodeBoltRecord(rec)
	if err != nil {
		return err
	}
	return b.Put([]byte(rec.Key.Encode()), raw)
}

func (tx *boltTx) Delete(ctx context.Context, key *Key) error {
	if err := tx.pin(key); err != nil {
		return err
	}
	b := tx.kindBucket(key.Kind)
	if b == nil {
		return nil
	}
	return b.Delete([]byte(key.Encode()))
}

func (tx *boltTx) AllocateID(ctx context.Context, key *Key) (*Key, error) {
	if !key.Incomplete() {
		return key, nil
	}
	b, err := tx.btx.CreateBucketIfNotExists([]byte(key.Kind))
	if err != nil {
		return nil, err
	}
	seq, err := b.NextSequence()
	if err != nil {
		return nil, err
	}
	return IDKey(key.Kind, int64(seq), key.Parent), nil
}

func (tx *boltTx) RunQuery(ctx context.Context, req *QueryRequest) (*QueryResult, error) {
	if tx.txn && req.Ancestor == nil {
		return nil, errors.New("queries inside a transaction require an ancestor")
	}
	if req.Ancestor != nil {
		if err := tx.pin(req.Ancestor); err != nil {
			return nil, err
		}
	}
	b := tx.kindBucket(req.Kind)
	recs := make(map[string]*Record)
	if b != nil {
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			key, err := DecodeKey(string(k))
			if err != nil {
				return nil, err
			}
			rec, err := decodeBoltRecord(key, v)
			if err != nil {
				return nil, err
			}
			recs[string(k)] = rec
		}
	}
	return runMemQuery(recs, req)
}

// Auto-commit single operations. bbolt read transactions can run
// concurrently; writes serialize on bbolt's own writer lock.

func (s *BoltStore) Get(ctx context.Context, key *Key) (rec *Record, err error) {
	err = s.bdb.View(func(btx *bbolt.Tx) error {
		rec, err = (&boltTx{btx: btx}).Get(ctx, key)
		return err
	})
	return rec, err
}

func (s *BoltStore) GetMulti(ctx context.Context, keys []*Key) (out []*Record, err error) {
	err = s.bdb.View(func(btx *bbolt.Tx) error {
		out, err = (&boltTx{btx: btx}).GetMulti(ctx, keys)
		return err
	})
	return out, err
}

func (s *BoltStore) Put(ctx context.Context, rec *Record) error {
	return s.bdb.Update(func(btx *bbolt.Tx) error {
		return (&boltTx{btx: btx}).Put(ctx, rec)
	})
}

func (s *BoltStore) Delete(ctx context.Context, key *Key) error {
	return s.bdb.Update(func(btx *bbolt.Tx) error {
		return (&boltTx{btx: btx}).Delete(ctx, key)
	})
}

func (s *BoltStore) AllocateID(ctx context.Context, key *Key) (out *Key, err error) {
	err = s.bdb.Update(func(btx *bbolt.Tx) error {
		out, err = (&boltTx{btx: btx}).AllocateID(ctx, key)
		return err
	})
	return out, err
}

func (s *BoltStore) RunQuery(ctx context.Context, req *QueryRequest) (res *QueryResult, err error) {
	err = s.bdb.View(func(btx *bbolt.Tx) error {
		res, err = (&boltTx{btx: btx}).RunQuery(ctx, req)
		return err
	})
	return res, err
}

// Record codec. Properties travel as an ordered list so that iteration
// order survives the round trip; values use msgpack's native tags plus a
// small wrapper for keys and unindexed markers.

type boltProp struct {
	Name    string `msgpack:"n"`
	Value   any    `msgpack:"v"`
	Key     string `msgpack:"k,omitempty"` // set when Value is an entity key
	NoIndex bool   `msgpack:"x,omitempty"`
}

func encodeBoltRecord(rec *Record) ([]byte, error) {
	props := make([]boltProp, 0, rec.Len())
	for _, name := range rec.Names() {
		v, _ := rec.Get(name)
		p := boltProp{Name: name, NoIndex: rec.Unindexed(name)}
		ev, err := encodeBoltValue(v)
		if err != nil {
			return nil, errors.Wrapf(err, "property %v of %v", name, rec.Key)
		}
		if k, ok := ev.(*Key); ok {
			p.Key = k.Encode()
		} else {
			p.Value = ev
		}
		props = append(props, p)
	}
	return msgpack.Marshal(props)
}

func encodeBoltValue(v any) (any, error) {
	switch v := v.(type) {
	case *Record:
		raw, err := encodeBoltRecord(v)
		if err != nil {
			return nil, err
		}
		return map[string]any{"$rec": raw, "$key": encodeOptionalKey(v.Key)}, nil
	case []any:
		out := make([]any, len(v))
		for i, e := range v {
			ev, err := encodeBoltValue(e)
			if err != nil {
				return nil, err
			}
			if k, ok := ev.(*Key); ok {
				ev = map[string]any{"$k": k.Encode()}
			}
			out[i] = ev
		}
		return out, nil
	default:
		return v, nil
	}
}

func encodeOptionalKey(key *Key) string {
	if key == nil {
		return ""
	}
	return key.Encode()
}

func decodeBoltRecord(key *Key, raw []byte) (*Record, error) {
	var props []boltProp
	if err := msgpack.Unmarshal(raw, &props); err != nil {
		return nil, errors.Wrapf(err, "corrupt record %v", key)
	}
	rec := NewRecord(key)
	for _, p := range props {
		var v any
		if p.Key != "" {
			k, err := DecodeKey(p.Key)
			if err != nil {
				return nil, err
			}
			v = k
		} else {
			var err error
			v, err = decodeBoltValue(p.Value)
			if err != nil {
				return nil, err
			}
		}
		if p.NoIndex {
			rec.SetNoIndex(p.Name, v)
		} else {
			rec.Set(p.Name, v)
		}
	}
	return rec, nil
}

func decodeBoltValue(v any) (any, error) {
	switch v := v.(type) {
	case map[string]any:
		if raw, ok := v["$rec"].([]byte); ok {
			var key *Key
			if enc, _ := v["$key"].(string); enc != "" {
				var err error
				key, err = DecodeKey(enc)
				if err != nil {
					return nil, err
				}
			}
			return decodeBoltRecord(key, raw)
		}
		if enc, ok := v["$k"].(string); ok {
			return DecodeKey(enc)
		}
		return v, nil
	case []any:
		out := make([]any, len(v))
		for i, e := range v {
			dv, err := decodeBoltValue(e)
			if err != nil {
				return nil, err
			}
			out[i] = dv
		}
		return out, nil
	case int8, int16, int32, uint8, uint16, uint32, uint64, int:
		return toInt64(v), nil
	default:
		return v, nil
	}
}

func toInt64(v any) int64 {
	switch v := v.(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case int8:
		return int64(v)
	case int16:
		return int64(v)
	case int32:
		return int64(v)
	case uint8:
		return int64(v)
	case uint16:
		return int64(v)
	case uint32:
		return int64(v)
	case uint64:
		return int64(v)
	}
	return 0
}
