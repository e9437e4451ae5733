package gateway

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"net/http"
	"sort"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Key layout inside the single leveldb database:
//
//	n:<store>           store registry
//	e:<store>\x00<key>  gob Response
//	m:<store>\x00<key>  gob diskMeta
//	s:seq               last insertion sequence, big endian
var seqKey = []byte("s:seq")

type diskMeta struct {
	Seq      uint64
	StoredAt int64
	Size     int64
}

// LevelDBStorage persists all named stores in one leveldb database. Entry
// metadata is indexed in memory so eviction never has to scan bodies.
type LevelDBStorage struct {
	db *leveldb.DB

	mu     sync.Mutex
	seq    uint64
	stores map[string]*levelStore
}

func OpenLevelDBStorage(path string) (*LevelDBStorage, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	s := &LevelDBStorage{db: db, stores: map[string]*levelStore{}}
	b, err := db.Get(seqKey, nil)
	switch {
	case err == nil && len(b) == 8:
		s.seq = binary.BigEndian.Uint64(b)
	case err != nil && !errors.Is(err, leveldb.ErrNotFound):
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *LevelDBStorage) Close() error {
	return s.db.Close()
}

func (s *LevelDBStorage) Open(_ context.Context, name string) (Store, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.stores[name]; ok {
		return st, nil
	}
	if err := s.db.Put([]byte("n:"+name), nil, nil); err != nil {
		return nil, err
	}
	st := &levelStore{name: name, parent: s, index: map[string]EntryMeta{}}
	if err := st.loadIndex(); err != nil {
		return nil, err
	}
	s.stores[name] = st
	return st, nil
}

func (s *LevelDBStorage) Has(_ context.Context, name string) (bool, error) {
	return s.db.Has([]byte("n:"+name), nil)
}

// Delete never holds s.mu while taking a store's lock: Put takes them in the
// opposite order.
func (s *LevelDBStorage) Delete(_ context.Context, name string) (bool, error) {
	st, ok, err := s.deleteLocked(name)
	if err != nil || !ok {
		return false, err
	}
	if st != nil {
		st.mu.Lock()
		st.index = map[string]EntryMeta{}
		st.mu.Unlock()
	}
	return true, nil
}

func (s *LevelDBStorage) deleteLocked(name string) (*levelStore, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ok, err := s.db.Has([]byte("n:"+name), nil)
	if err != nil || !ok {
		return nil, false, err
	}

	batch := new(leveldb.Batch)
	for _, prefix := range []string{"e:", "m:"} {
		it := s.db.NewIterator(util.BytesPrefix([]byte(prefix+name+"\x00")), nil)
		for it.Next() {
			batch.Delete(append([]byte(nil), it.Key()...))
		}
		it.Release()
		if err := it.Error(); err != nil {
			return nil, false, err
		}
	}
	batch.Delete([]byte("n:" + name))
	if err := s.db.Write(batch, nil); err != nil {
		return nil, false, err
	}

	st := s.stores[name]
	delete(s.stores, name)
	return st, true, nil
}

func (s *LevelDBStorage) Names(_ context.Context) ([]string, error) {
	it := s.db.NewIterator(util.BytesPrefix([]byte("n:")), nil)
	defer it.Release()
	var out []string
	for it.Next() {
		out = append(out, string(bytes.TrimPrefix(it.Key(), []byte("n:"))))
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

// nextSeq reserves an insertion sequence and records it in batch.
func (s *LevelDBStorage) nextSeq(batch *leveldb.Batch) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], s.seq)
	batch.Put(seqKey, b[:])
	return s.seq
}

type levelStore struct {
	name   string
	parent *LevelDBStorage

	mu    sync.Mutex
	index map[string]EntryMeta
}

func (d *levelStore) Name() string { return d.name }

func (d *levelStore) entryKey(key string) []byte { return []byte("e:" + d.name + "\x00" + key) }
func (d *levelStore) metaKey(key string) []byte  { return []byte("m:" + d.name + "\x00" + key) }

func (d *levelStore) loadIndex() error {
	prefix := []byte("m:" + d.name + "\x00")
	it := d.parent.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()

	idx := map[string]EntryMeta{}
	for it.Next() {
		key := string(bytes.TrimPrefix(it.Key(), prefix))
		var meta diskMeta
		if err := decodeGob(it.Value(), &meta); err != nil {
			continue
		}
		idx[key] = EntryMeta{Key: key, Seq: meta.Seq, StoredAt: meta.StoredAt, Size: meta.Size}
	}
	if err := it.Error(); err != nil {
		return err
	}
	d.mu.Lock()
	d.index = idx
	d.mu.Unlock()
	return nil
}

func (d *levelStore) Match(_ context.Context, key string) (Response, error) {
	b, err := d.parent.db.Get(d.entryKey(key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return Response{}, ErrStoreMiss
	}
	if err != nil {
		return Response{}, err
	}
	var ent Response
	if err := decodeGob(b, &ent); err != nil {
		return Response{}, err
	}
	return ent, nil
}

func (d *levelStore) Put(_ context.Context, key string, ent Response) error {
	b, err := encodeGob(ent)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	batch := new(leveldb.Batch)
	meta := diskMeta{Seq: d.parent.nextSeq(batch), StoredAt: ent.StoredAt, Size: int64(len(b))}
	mb, err := encodeGob(meta)
	if err != nil {
		return err
	}
	batch.Put(d.entryKey(key), b)
	batch.Put(d.metaKey(key), mb)
	if err := d.parent.db.Write(batch, nil); err != nil {
		return err
	}
	d.index[key] = EntryMeta{Key: key, Seq: meta.Seq, StoredAt: meta.StoredAt, Size: meta.Size}
	return nil
}

func (d *levelStore) Delete(_ context.Context, key string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.index[key]; !ok {
		return false, nil
	}
	batch := new(leveldb.Batch)
	batch.Delete(d.entryKey(key))
	batch.Delete(d.metaKey(key))
	if err := d.parent.db.Write(batch, nil); err != nil {
		return false, err
	}
	delete(d.index, key)
	return true, nil
}

func (d *levelStore) Entries(_ context.Context) ([]EntryMeta, error) {
	d.mu.Lock()
	out := make([]EntryMeta, 0, len(d.index))
	for _, m := range d.index {
		out = append(out, m)
	}
	d.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (d *levelStore) Len(_ context.Context) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.index), nil
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

func init() {
	gob.Register(http.Header{})
}
