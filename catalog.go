package cupboard

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/cupboarddb/cupboard/storage"
)

// ShelfOptions are the persisted, per-shelf options a caller may influence.
// Only ReadOnly is recognized from caller-supplied options at GetShelf
// time; everything else is whatever was stored when the shelf was first
// created.
type ShelfOptions struct {
	ReadOnly bool `msgpack:"ro,omitempty"`
}

// IndexOptions are the persisted, per-index options. SortedDuplicates is
// the only recognized per-call option at GetIndex time; once an index
// exists, its on-disk SortedDuplicates setting is ground truth regardless
// of what a later caller requests.
type IndexOptions struct {
	SortedDuplicates bool `msgpack:"dup,omitempty"`
}

func catalogIndexKey(shelfName, indexName string) string {
	return shelfName + ":" + indexName
}

func (cb *Cupboard) catalogGetShelfOptions(name string, txn storage.Txn) (ShelfOptions, bool, error) {
	raw, found, err := cb.catalog.Get([]byte(name), txn)
	if err != nil || !found {
		return ShelfOptions{}, found, err
	}
	var opts ShelfOptions
	if err := msgpack.Unmarshal(raw, &opts); err != nil {
		return ShelfOptions{}, false, err
	}
	return opts, true, nil
}

func (cb *Cupboard) catalogPutShelfOptions(name string, opts ShelfOptions, txn storage.Txn) error {
	raw, err := msgpack.Marshal(opts)
	if err != nil {
		return err
	}
	status, err := cb.catalog.Put([]byte(name), raw, txn)
	if err != nil {
		return err
	}
	if status != storage.StatusSuccess {
		return storageErrf("catalog put shelf", fmt.Errorf("status %v", status))
	}
	return nil
}

func (cb *Cupboard) catalogGetIndexOptions(shelfName, indexName string, txn storage.Txn) (IndexOptions, bool, error) {
	raw, found, err := cb.catalog.Get([]byte(catalogIndexKey(shelfName, indexName)), txn)
	if err != nil || !found {
		return IndexOptions{}, found, err
	}
	var opts IndexOptions
	if err := msgpack.Unmarshal(raw, &opts); err != nil {
		return IndexOptions{}, false, err
	}
	return opts, true, nil
}

func (cb *Cupboard) catalogPutIndexOptions(shelfName, indexName string, opts IndexOptions, txn storage.Txn) error {
	raw, err := msgpack.Marshal(opts)
	if err != nil {
		return err
	}
	status, err := cb.catalog.Put([]byte(catalogIndexKey(shelfName, indexName)), raw, txn)
	if err != nil {
		return err
	}
	if status != storage.StatusSuccess {
		return storageErrf("catalog put index", fmt.Errorf("status %v", status))
	}
	return nil
}

func (cb *Cupboard) catalogDelete(key string, txn storage.Txn) error {
	_, err := cb.catalog.Delete([]byte(key), txn)
	return err
}
