package btree

import (
	"github.com/pkg/errors"

	"blockbtree/pkg/btreeerr"
	"blockbtree/pkg/cache"
)

// Iterator walks a key range in ascending order, following leaf next-node
// pointers. It pins at most one leaf at a time;
// advancing past a leaf's last pair releases it before pinning the next.
// An Iterator is not safe for concurrent use, and must be drained or
// explicitly Closed to release its final pin.
type Iterator struct {
	t    *Tree
	hi   []byte
	nh   *cache.NodeHandle
	idx  int
	done bool
}

// Range returns an iterator over keys in [lo, hi]. lo > hi yields an
// iterator that is immediately exhausted.
func (t *Tree) Range(lo, hi []byte) (*Iterator, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.checkPoisoned(); err != nil {
		return nil, err
	}
	if t.codec.Compare(lo, hi) > 0 {
		return &Iterator{t: t, done: true}, nil
	}

	offset, err := t.alloc.RootOffset()
	if err != nil {
		return nil, t.poison(err)
	}

	for {
		nh, err := t.nc.ReadNode(offset, cache.LockShared, cache.AllowIO)
		if err != nil {
			return nil, t.poison(errors.Wrap(btreeerr.IoError, err.Error()))
		}
		v := nh.View()

		if v.IsLeaf() {
			idx, _ := leafFind(v, t.codec, lo)
			hiCopy := make([]byte, len(hi))
			copy(hiCopy, hi)
			return &Iterator{t: t, hi: hiCopy, nh: nh, idx: idx}, nil
		}

		idx := childIndex(v, t.codec, lo)
		child := v.Item(idx)
		t.nc.ReleaseNode(nh, false)
		offset = child
	}
}

// Next returns the next key/item pair in the range, or ok == false once the
// range is exhausted.
func (it *Iterator) Next() (key []byte, item uint32, ok bool, err error) {
	it.t.mu.Lock()
	defer it.t.mu.Unlock()

	if it.done {
		return nil, 0, false, nil
	}
	if err := it.t.checkPoisoned(); err != nil {
		return nil, 0, false, err
	}

	for {
		v := it.nh.View()
		if it.idx < v.Num() {
			break
		}
		next := v.Next()
		it.t.nc.ReleaseNode(it.nh, false)
		it.nh = nil
		if next == 0 {
			it.done = true
			return nil, 0, false, nil
		}
		nh, err := it.t.nc.ReadNode(next, cache.LockShared, cache.AllowIO)
		if err != nil {
			it.done = true
			return nil, 0, false, it.t.poison(errors.Wrap(btreeerr.IoError, err.Error()))
		}
		it.nh = nh
		it.idx = 0
	}

	v := it.nh.View()
	k := v.Key(it.idx)
	if it.t.codec.Compare(k, it.hi) > 0 {
		it.done = true
		it.t.nc.ReleaseNode(it.nh, false)
		it.nh = nil
		return nil, 0, false, nil
	}

	keyCopy := make([]byte, len(k))
	copy(keyCopy, k)
	item = v.Item(it.idx)
	it.idx++
	return keyCopy, item, true, nil
}

// Close releases the iterator's pinned leaf, if any. Safe to call after the
// range has already been fully drained.
func (it *Iterator) Close() {
	it.t.mu.Lock()
	defer it.t.mu.Unlock()
	if it.nh != nil {
		it.t.nc.ReleaseNode(it.nh, false)
		it.nh = nil
	}
	it.done = true
}
