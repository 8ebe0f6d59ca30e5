package btree

import (
	"github.com/pkg/errors"

	"blockbtree/pkg/btreeerr"
	"blockbtree/pkg/cache"
)

// Search performs the top-down lookup: descend from the root,
// binary-searching each internal node for the child to follow and
// releasing each pin as soon as the child is pinned (crab-style release).
func (t *Tree) Search(key []byte) (uint32, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.checkPoisoned(); err != nil {
		return 0, false, err
	}

	offset, err := t.alloc.RootOffset()
	if err != nil {
		return 0, false, t.poison(err)
	}

	for {
		nh, err := t.nc.ReadNode(offset, cache.LockShared, cache.AllowIO)
		if err != nil {
			return 0, false, t.poison(errors.Wrap(btreeerr.IoError, err.Error()))
		}
		v := nh.View()

		if v.IsLeaf() {
			idx, found := leafFind(v, t.codec, key)
			var item uint32
			if found {
				item = v.Item(idx)
			}
			t.nc.ReleaseNode(nh, false)
			return item, found, nil
		}

		idx := childIndex(v, t.codec, key)
		if v.Num() == 0 {
			t.nc.ReleaseNode(nh, false)
			return 0, false, t.poison(errors.Wrapf(btreeerr.CorruptNode, "internal node at %d has zero children", offset))
		}
		child := v.Item(idx)
		t.nc.ReleaseNode(nh, false)
		offset = child
	}
}
