package engine_util

import (
	"github.com/Connor1996/badger"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	"github.com/syndtr/goleveldb/leveldb/util"
)

type DBIterator interface {
	// Item returns pointer to the current key-value pair.
	Item() DBItem
	// Valid returns false when iteration is done.
	Valid() bool
	// Next would advance the iterator by one. Always check it.Valid() after a Next()
	// to ensure you have access to a valid it.Item().
	Next()
	// Seek would seek to the provided key if present. If absent, it would seek to the next smallest key
	// greater than provided.
	Seek([]byte)

	// Close the iterator
	Close()
}

type DBItem interface {
	// Key returns the key without the column family prefix. Only valid until the iterator moves.
	Key() []byte
	// KeyCopy returns a copy of the key of the item, writing it to dst slice.
	KeyCopy(dst []byte) []byte
	Value() ([]byte, error)
	ValueCopy(dst []byte) ([]byte, error)
}

func safeCopy(dst, src []byte) []byte {
	return append(dst[:0], src...)
}

type CFItem struct {
	item      *badger.Item
	prefixLen int
}

func (i *CFItem) Key() []byte {
	return i.item.Key()[i.prefixLen:]
}

func (i *CFItem) KeyCopy(dst []byte) []byte {
	return safeCopy(dst, i.item.Key()[i.prefixLen:])
}

func (i *CFItem) Value() ([]byte, error) {
	return i.item.Value()
}

func (i *CFItem) ValueCopy(dst []byte) ([]byte, error) {
	return i.item.ValueCopy(dst)
}

type BadgerIterator struct {
	iter   *badger.Iterator
	prefix string
}

func NewCFIterator(cf string, txn *badger.Txn) *BadgerIterator {
	return &BadgerIterator{
		iter:   txn.NewIterator(badger.DefaultIteratorOptions),
		prefix: cf + "_",
	}
}

func (it *BadgerIterator) Item() DBItem {
	return &CFItem{
		item:      it.iter.Item(),
		prefixLen: len(it.prefix),
	}
}

func (it *BadgerIterator) Valid() bool { return it.iter.ValidForPrefix([]byte(it.prefix)) }

func (it *BadgerIterator) Close() {
	it.iter.Close()
}

func (it *BadgerIterator) Next() {
	it.iter.Next()
}

func (it *BadgerIterator) Seek(key []byte) {
	it.iter.Seek(append([]byte(it.prefix), key...))
}

type LdbItem struct {
	key       []byte
	value     []byte
	prefixLen int
}

func (i *LdbItem) Key() []byte {
	return i.key[i.prefixLen:]
}

func (i *LdbItem) KeyCopy(dst []byte) []byte {
	return safeCopy(dst, i.key[i.prefixLen:])
}

func (i *LdbItem) Value() ([]byte, error) {
	return i.value, nil
}

func (i *LdbItem) ValueCopy(dst []byte) ([]byte, error) {
	return safeCopy(dst, i.value), nil
}

// LdbIterator walks one column family of a goleveldb snapshot. The caller owns the snapshot.
type LdbIterator struct {
	iter   iterator.Iterator
	prefix string
}

func NewLDBIterator(cf string, snap *leveldb.Snapshot) *LdbIterator {
	prefix := cf + "_"
	return &LdbIterator{
		iter:   snap.NewIterator(util.BytesPrefix([]byte(prefix)), nil),
		prefix: prefix,
	}
}

func (it *LdbIterator) Item() DBItem {
	return &LdbItem{
		key:       it.iter.Key(),
		value:     it.iter.Value(),
		prefixLen: len(it.prefix),
	}
}

func (it *LdbIterator) Valid() bool { return it.iter.Valid() }

func (it *LdbIterator) Close() {
	it.iter.Release()
}

func (it *LdbIterator) Next() {
	it.iter.Next()
}

func (it *LdbIterator) Seek(key []byte) {
	it.iter.Seek(append([]byte(it.prefix), key...))
}
