package btree

import (
	"fmt"

	"github.com/pkg/errors"

	"blockbtree/pkg/btreeerr"
	"blockbtree/pkg/cache"
	"blockbtree/pkg/layout"
)

// Insert adds or updates a key/item pair. It descends
// pushing each visited internal node's (offset, childIndex) onto the
// traversal stack, then ascends propagating any promoted separator from a
// leaf or internal split.
func (t *Tree) Insert(key []byte, item uint32, policy UpdatePolicy) (InsertOutcome, uint32, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.checkPoisoned(); err != nil {
		return 0, 0, err
	}
	if len(key) != t.geom.KeyWidth {
		return 0, 0, fmt.Errorf("btree: key width %d does not match tree width %d", len(key), t.geom.KeyWidth)
	}

	var stack pathStack
	offset, err := t.alloc.RootOffset()
	if err != nil {
		return 0, 0, t.poison(err)
	}

	for {
		nh, err := t.nc.ReadNode(offset, cache.LockExclusive, cache.AllowIO)
		if err != nil {
			return 0, 0, t.poison(errors.Wrap(btreeerr.IoError, err.Error()))
		}
		v := nh.View()

		if v.IsLeaf() {
			return t.insertLeaf(nh, &stack, key, item, policy)
		}

		idx := childIndex(v, t.codec, key)
		if v.Num() == 0 {
			t.nc.ReleaseNode(nh, false)
			return 0, 0, t.poison(errors.Wrapf(btreeerr.CorruptNode, "internal node at %d has zero children", offset))
		}
		child := v.Item(idx)
		stack.push(offset, idx)
		t.nc.ReleaseNode(nh, false)
		offset = child
	}
}

func (t *Tree) insertLeaf(nh *cache.NodeHandle, stack *pathStack, key []byte, item uint32, policy UpdatePolicy) (InsertOutcome, uint32, error) {
	v := nh.View()
	idx, found := leafFind(v, t.codec, key)

	if found {
		prior := v.Item(idx)
		if policy == FailIfExists {
			t.nc.ReleaseNode(nh, false)
			return Duplicate, prior, btreeerr.DuplicateKey
		}
		v.SetItem(idx, item)
		t.nc.WriteNode(nh)
		t.nc.ReleaseNode(nh, true)
		if err := t.nc.Flush(); err != nil {
			return 0, 0, t.poison(err)
		}
		return ReplacedOutcome, prior, nil
	}

	if v.Num() < t.geom.Fanout {
		v.InsertAt(idx, key, item)
		t.nc.WriteNode(nh)
		t.nc.ReleaseNode(nh, true)
		if err := t.nc.Flush(); err != nil {
			return 0, 0, t.poison(err)
		}
		return Inserted, 0, nil
	}

	// Leaf is full: split.
	leftOffset := nh.Offset()
	rightOffset, separator, err := t.splitWithInsert(v, idx, key, item, cache.PurposeData)
	if err != nil {
		t.nc.ReleaseNode(nh, false)
		return 0, 0, t.poisonUnlessRecoverable(err)
	}
	t.nc.WriteNode(nh)
	t.nc.ReleaseNode(nh, true)

	if err := t.ascendInsert(stack, leftOffset, separator, rightOffset); err != nil {
		return 0, 0, t.poison(err)
	}
	if err := t.nc.Flush(); err != nil {
		return 0, 0, t.poison(err)
	}
	return Inserted, 0, nil
}

// ascendInsert propagates a promoted (separator, rightOffset) pair up the
// traversal stack, splitting each internal node that
// is already full, and growing a new root (step 4) once the stack empties
// with a split still pending.
func (t *Tree) ascendInsert(stack *pathStack, leftOffset uint32, separator []byte, rightOffset uint32) error {
	sep := separator
	right := rightOffset

	for {
		fr, ok := stack.pop()
		if !ok {
			return t.growRoot(leftOffset, sep, right)
		}

		nh, err := t.nc.ReadNode(fr.offset, cache.LockExclusive, cache.AllowIO)
		if err != nil {
			return errors.Wrap(btreeerr.IoError, err.Error())
		}
		v := nh.View()

		// fr.childIdx is the child position the original descent followed
		// through this node. If it names the node's last position, that
		// child was reached as the catch-all (§4.4): its key slot is a
		// placeholder, "never compared against" (see growRoot below), not
		// a genuine bound, so it must not be re-propagated as one. The
		// new right sibling instead inherits the catch-all role itself —
		// it gets sep as its own placeholder key, the same value growRoot
		// reuses when it formats a brand new root's catch-all slot.
		catchAll := fr.childIdx == v.Num()-1

		promoted := make([]byte, t.geom.KeyWidth)
		if catchAll {
			copy(promoted, sep)
		} else {
			copy(promoted, v.Key(fr.childIdx))
		}
		v.SetKey(fr.childIdx, sep) // left child's bound shrinks to the new separator

		if v.Num() < t.geom.Fanout {
			v.InsertAt(fr.childIdx+1, promoted, right)
			t.nc.WriteNode(nh)
			t.nc.ReleaseNode(nh, true)
			return nil
		}

		// Internal node is full: split it too.
		leftOffset = fr.offset
		newRight, newSep, err := t.splitWithInsert(v, fr.childIdx+1, promoted, right, cache.PurposeIndex)
		if err != nil {
			t.nc.ReleaseNode(nh, false)
			return err
		}
		t.nc.WriteNode(nh)
		t.nc.ReleaseNode(nh, true)

		sep, right = newSep, newRight
	}
}

// growRoot allocates a new root whose two children are the old root
// (leftOffset) and the new right sibling, with sep as its sole meaningful
// separator.
func (t *Tree) growRoot(leftOffset uint32, sep []byte, rightOffset uint32) error {
	// Reserve and format the new root before touching the old one: if the
	// allocator is out of space, the old root must still be the root.
	newRootOffset, err := t.alloc.Alloc()
	if err != nil {
		return err
	}
	nh, err := t.nc.AllocNode(cache.PurposeIndex, newRootOffset, cache.OpenCreate, false, true)
	if err != nil {
		return err
	}
	v := nh.View()
	v.SetKey(0, sep)
	v.SetItem(0, leftOffset)
	v.SetKey(1, sep) // catch-all slot; never compared against
	v.SetItem(1, rightOffset)
	v.SetNum(2)
	t.nc.WriteNode(nh)
	t.nc.ReleaseNode(nh, true)

	lh, err := t.nc.ReadNode(leftOffset, cache.LockExclusive, cache.AllowIO)
	if err != nil {
		return errors.Wrap(btreeerr.IoError, err.Error())
	}
	lh.View().SetRoot(false)
	t.nc.WriteNode(lh)
	t.nc.ReleaseNode(lh, true)

	return t.alloc.SetRootOffset(newRootOffset)
}

// splitWithInsert combines v's existing Num() pairs with one new
// (newKey, newItem) pair inserted at newIdx into a temporary FANOUT+1-pair
// array, then splits it: v keeps the first half, a freshly allocated
// sibling takes the rest. It returns the sibling's offset and the
// separator key to promote to the parent.
//
// Every kept child pointer stays attached to a key (this node layout has
// no spare, pointer-only slot the way classic CLRS internal splits use to
// float the median key free of both halves), but a leaf's key and an
// internal node's key mean different things, so the promoted separator is
// picked differently:
//
//   - Leaves: every key is a standalone data key, so the smallest key
//     kept in the right half — keys[leftCount] — already is the correct
//     left/right boundary.
//   - Internal nodes: key i (other than a node's own last, catch-all
//     position, §4.4) is the exclusive upper bound of child i, not a
//     value of its own. leftCount-1 is the shrunk left node's new last
//     position, so the key that sat there is the true upper bound of
//     everything kept on the left — that's the separator the parent
//     needs. keys[leftCount], by contrast, only bounds the right half's
//     own first child and is too large by one position to describe the
//     left/right boundary (see DESIGN.md).
func (t *Tree) splitWithInsert(v *layout.View, newIdx int, newKey []byte, newItem uint32, purpose cache.NodePurpose) (siblingOffset uint32, separator []byte, err error) {
	fanout := t.geom.Fanout
	total := fanout + 1

	keys := make([][]byte, total)
	items := make([]uint32, total)

	j := 0
	for i := 0; i < total; i++ {
		if i == newIdx {
			k := make([]byte, t.geom.KeyWidth)
			copy(k, newKey)
			keys[i] = k
			items[i] = newItem
			continue
		}
		k := make([]byte, t.geom.KeyWidth)
		copy(k, v.Key(j))
		keys[i] = k
		items[i] = v.Item(j)
		j++
	}

	m := fanout / 2
	leftCount := m
	rightCount := total - m
	isLeaf := v.IsLeaf()
	var oldNext uint32
	if isLeaf {
		oldNext = v.Next()
	}

	// Reserve and fully format the sibling before touching v itself:
	// v.SetKey/SetItem/SetNum alias straight into live cache memory with no
	// undo path, so an OutOfSpace failure from Alloc must leave v exactly
	// as it was, with nothing written yet.
	rOffset, err := t.alloc.Alloc()
	if err != nil {
		return 0, nil, err
	}
	rh, err := t.nc.AllocNode(purpose, rOffset, cache.OpenCreate, isLeaf, false)
	if err != nil {
		return 0, nil, err
	}
	rv := rh.View()
	for i := 0; i < rightCount; i++ {
		rv.SetKey(i, keys[leftCount+i])
		rv.SetItem(i, items[leftCount+i])
	}
	rv.SetNum(rightCount)

	if isLeaf {
		rv.SetPrev(v.Self())
		rv.SetNext(oldNext)
		if oldNext != 0 {
			nnh, err := t.nc.ReadNode(oldNext, cache.LockExclusive, cache.AllowIO)
			if err != nil {
				t.nc.ReleaseNode(rh, true)
				return 0, nil, errors.Wrap(btreeerr.IoError, err.Error())
			}
			nnh.View().SetPrev(rv.Self())
			t.nc.WriteNode(nnh)
			t.nc.ReleaseNode(nnh, true)
		}
	}

	t.nc.WriteNode(rh)
	siblingOffset = rv.Self()
	sep := make([]byte, t.geom.KeyWidth)
	if isLeaf {
		copy(sep, keys[leftCount])
	} else {
		copy(sep, keys[leftCount-1])
	}
	t.nc.ReleaseNode(rh, true)

	// The sibling is committed; only now is it safe to rewrite v's half.
	for i := 0; i < leftCount; i++ {
		v.SetKey(i, keys[i])
		v.SetItem(i, items[i])
	}
	v.SetNum(leftCount)
	if isLeaf {
		v.SetNext(siblingOffset)
	}

	return siblingOffset, sep, nil
}
