package state

import (
	"errors"
	"fmt"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"github.com/solana-turbin3/Q1-26-Accel-Meowy/storage"
)

var errTxnDone = errors.New("state: transaction already finished")

// Txn buffers every write of a single state transition on top of a storage
// database. Reads observe the buffered writes first. Nothing reaches the
// database until Commit, which applies all writes through one batch, so a
// discarded transaction leaves storage untouched.
type Txn struct {
	db      storage.Database
	writes  map[string][]byte
	deletes map[string]struct{}
	order   []string
	done    bool
}

// Begin opens a transaction against db.
func Begin(db storage.Database) *Txn {
	return &Txn{
		db:      db,
		writes:  make(map[string][]byte),
		deletes: make(map[string]struct{}),
	}
}

// HashKey namespaces key under prefix and hashes it with keccak256 so every
// stored key has a fixed width.
func HashKey(prefix string, parts ...[]byte) []byte {
	buf := make([]byte, 0, len(prefix)+32*len(parts))
	buf = append(buf, prefix...)
	for _, part := range parts {
		buf = append(buf, ':')
		buf = append(buf, part...)
	}
	return ethcrypto.Keccak256(buf)
}

func (t *Txn) track(key string) {
	if _, ok := t.writes[key]; ok {
		return
	}
	if _, ok := t.deletes[key]; ok {
		return
	}
	t.order = append(t.order, key)
}

// Get returns the raw value stored under key. The boolean reports presence.
func (t *Txn) Get(key []byte) ([]byte, bool, error) {
	if t.done {
		return nil, false, errTxnDone
	}
	k := string(key)
	if _, ok := t.deletes[k]; ok {
		return nil, false, nil
	}
	if value, ok := t.writes[k]; ok {
		return append([]byte(nil), value...), true, nil
	}
	value, err := t.db.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

// Has reports whether key currently holds a value.
func (t *Txn) Has(key []byte) (bool, error) {
	_, ok, err := t.Get(key)
	return ok, err
}

// Put buffers a raw write.
func (t *Txn) Put(key, value []byte) error {
	if t.done {
		return errTxnDone
	}
	k := string(key)
	t.track(k)
	delete(t.deletes, k)
	t.writes[k] = append([]byte(nil), value...)
	return nil
}

// Delete buffers a removal.
func (t *Txn) Delete(key []byte) error {
	if t.done {
		return errTxnDone
	}
	k := string(key)
	t.track(k)
	delete(t.writes, k)
	t.deletes[k] = struct{}{}
	return nil
}

// KVPut stores value under key using RLP encoding.
func (t *Txn) KVPut(key []byte, value interface{}) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	return t.Put(key, encoded)
}

// KVGet decodes the RLP value stored under key into out. The boolean reports
// whether the key existed.
func (t *Txn) KVGet(key []byte, out interface{}) (bool, error) {
	if len(key) == 0 {
		return false, fmt.Errorf("kv: key must not be empty")
	}
	data, ok, err := t.Get(key)
	if err != nil || !ok {
		return false, err
	}
	if out == nil {
		return true, nil
	}
	if err := rlp.DecodeBytes(data, out); err != nil {
		return false, err
	}
	return true, nil
}

// Len returns the number of distinct keys touched by the transaction.
func (t *Txn) Len() int { return len(t.order) }

// Commit writes every buffered change in one batch.
func (t *Txn) Commit() error {
	if t.done {
		return errTxnDone
	}
	t.done = true
	if len(t.order) == 0 {
		return nil
	}
	batch := t.db.NewBatch()
	for _, k := range t.order {
		if _, ok := t.deletes[k]; ok {
			batch.Delete([]byte(k))
			continue
		}
		batch.Put([]byte(k), t.writes[k])
	}
	return batch.Write()
}

// Discard drops every buffered change.
func (t *Txn) Discard() {
	t.done = true
	t.writes = nil
	t.deletes = nil
	t.order = nil
}
