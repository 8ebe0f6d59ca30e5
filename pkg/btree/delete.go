package btree

import (
	"github.com/pkg/errors"

	"blockbtree/pkg/btreeerr"
	"blockbtree/pkg/cache"
	"blockbtree/pkg/layout"
)

// Remove deletes key if present. It descends pushing
// (offset, childIndex) frames exactly as Insert does, removes the pair from
// the leaf, and ascends redistributing or merging against a sibling
// reached through the parent's own child pointers — never through the leaf
// chain, which exists for range scans, not for delete's structural
// decisions.
func (t *Tree) Remove(key []byte) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.checkPoisoned(); err != nil {
		return false, err
	}

	var stack pathStack
	offset, err := t.alloc.RootOffset()
	if err != nil {
		return false, t.poison(err)
	}

	for {
		nh, err := t.nc.ReadNode(offset, cache.LockExclusive, cache.AllowIO)
		if err != nil {
			return false, t.poison(errors.Wrap(btreeerr.IoError, err.Error()))
		}
		v := nh.View()

		if v.IsLeaf() {
			idx, found := leafFind(v, t.codec, key)
			if !found {
				t.nc.ReleaseNode(nh, false)
				return false, nil
			}
			v.RemoveAt(idx)
			if err := t.rebalanceAfterRemove(&stack, nh); err != nil {
				return false, t.poison(err)
			}
			if err := t.nc.Flush(); err != nil {
				return false, t.poison(err)
			}
			return true, nil
		}

		idx := childIndex(v, t.codec, key)
		if v.Num() == 0 {
			t.nc.ReleaseNode(nh, false)
			return false, t.poison(errors.Wrapf(btreeerr.CorruptNode, "internal node at %d has zero children", offset))
		}
		child := v.Item(idx)
		stack.push(offset, idx)
		t.nc.ReleaseNode(nh, false)
		offset = child
	}
}

// rebalanceAfterRemove restores minimum occupancy
// for nh, which has just lost one pair (directly, or by absorbing a merged
// child). A root is exempt from the minimum and collapses instead when an
// internal root is left with a single child. Everything else borrows from
// a sibling with slack, or merges with one that has none, then recurses one
// level up the stack.
func (t *Tree) rebalanceAfterRemove(stack *pathStack, nh *cache.NodeHandle) error {
	v := nh.View()

	if v.IsRoot() {
		if !v.IsLeaf() && v.Num() <= 1 {
			return t.collapseRoot(nh)
		}
		t.nc.WriteNode(nh)
		t.nc.ReleaseNode(nh, true)
		return nil
	}

	if v.Num() >= t.geom.MinOccupancy() {
		t.nc.WriteNode(nh)
		t.nc.ReleaseNode(nh, true)
		return nil
	}

	fr, ok := stack.pop()
	if !ok {
		t.nc.WriteNode(nh)
		t.nc.ReleaseNode(nh, true)
		return errors.Wrapf(btreeerr.CorruptNode, "node at %d is underfull and non-root but has no parent frame", nh.Offset())
	}

	ph, err := t.nc.ReadNode(fr.offset, cache.LockExclusive, cache.AllowIO)
	if err != nil {
		t.nc.ReleaseNode(nh, true)
		return errors.Wrap(btreeerr.IoError, err.Error())
	}
	pv := ph.View()
	childIdx := fr.childIdx

	var siblingIdx int
	var useRight bool
	if childIdx+1 < pv.Num() {
		siblingIdx, useRight = childIdx+1, true
	} else {
		siblingIdx, useRight = childIdx-1, false
	}

	sOffset := pv.Item(siblingIdx)
	sh, err := t.nc.ReadNode(sOffset, cache.LockExclusive, cache.AllowIO)
	if err != nil {
		t.nc.ReleaseNode(nh, true)
		t.nc.ReleaseNode(ph, false)
		return errors.Wrap(btreeerr.IoError, err.Error())
	}
	sv := sh.View()

	if sv.Num() > t.geom.MinOccupancy() {
		if useRight {
			borrowFromRight(v, sv)
			if v.IsLeaf() {
				pv.SetKey(childIdx, sv.Key(0))
			} else {
				v.SetKey(v.Num()-2, pv.Key(childIdx))
				pv.SetKey(childIdx, v.Key(v.Num()-1))
			}
		} else {
			borrowFromLeft(v, sv, t.geom.KeyWidth)
			if v.IsLeaf() {
				pv.SetKey(siblingIdx, v.Key(0))
			} else {
				v.SetKey(0, pv.Key(siblingIdx))
				pv.SetKey(siblingIdx, sv.Key(sv.Num()-1))
			}
		}
		t.nc.WriteNode(nh)
		t.nc.ReleaseNode(nh, true)
		t.nc.WriteNode(sh)
		t.nc.ReleaseNode(sh, true)
		t.nc.WriteNode(ph)
		t.nc.ReleaseNode(ph, true)
		return nil
	}

	var leftH, rightH *cache.NodeHandle
	var leftIdx int
	if useRight {
		leftH, rightH, leftIdx = nh, sh, childIdx
	} else {
		leftH, rightH, leftIdx = sh, nh, siblingIdx
	}

	if lv := leftH.View(); !lv.IsLeaf() {
		lv.SetKey(lv.Num()-1, pv.Key(leftIdx))
	}
	if err := mergeInto(leftH.View(), rightH.View(), t.geom.Fanout); err != nil {
		t.nc.ReleaseNode(nh, false)
		t.nc.ReleaseNode(sh, false)
		t.nc.ReleaseNode(ph, false)
		return err
	}

	if leftH.View().IsLeaf() {
		nextOffset := rightH.View().Next()
		leftH.View().SetNext(nextOffset)
		if nextOffset != 0 {
			nnh, err := t.nc.ReadNode(nextOffset, cache.LockExclusive, cache.AllowIO)
			if err == nil {
				nnh.View().SetPrev(leftH.View().Self())
				t.nc.WriteNode(nnh)
				t.nc.ReleaseNode(nnh, true)
			}
		}
	}

	newBound := make([]byte, t.geom.KeyWidth)
	copy(newBound, pv.Key(leftIdx+1))
	pv.RemoveAt(leftIdx + 1)
	pv.SetKey(leftIdx, newBound)

	t.nc.WriteNode(leftH)
	t.nc.ReleaseNode(leftH, true)
	freedOffset := rightH.Offset()
	t.nc.ReleaseNode(rightH, false)
	if err := t.alloc.Free(freedOffset); err != nil {
		t.nc.ReleaseNode(ph, false)
		return err
	}

	return t.rebalanceAfterRemove(stack, ph)
}

// collapseRoot replaces an internal root left with a single child by that
// child itself, freeing the old root block.
func (t *Tree) collapseRoot(nh *cache.NodeHandle) error {
	v := nh.View()
	childOffset := v.Item(0)

	ch, err := t.nc.ReadNode(childOffset, cache.LockExclusive, cache.AllowIO)
	if err != nil {
		t.nc.ReleaseNode(nh, false)
		return errors.Wrap(btreeerr.IoError, err.Error())
	}
	ch.View().SetRoot(true)
	t.nc.WriteNode(ch)
	t.nc.ReleaseNode(ch, true)

	if err := t.alloc.SetRootOffset(childOffset); err != nil {
		t.nc.ReleaseNode(nh, false)
		return err
	}

	oldOffset := nh.Offset()
	t.nc.ReleaseNode(nh, false)
	return t.alloc.Free(oldOffset)
}

// borrowFromRight moves sibling's first pair onto the end of v.
func borrowFromRight(v, sibling *layout.View) {
	n := v.Num()
	v.SetKey(n, sibling.Key(0))
	v.SetItem(n, sibling.Item(0))
	v.SetNum(n + 1)
	sibling.RemoveAt(0)
}

// borrowFromLeft moves sibling's last pair onto the front of v.
func borrowFromLeft(v, sibling *layout.View, keyWidth int) {
	last := sibling.Num() - 1
	key := make([]byte, keyWidth)
	copy(key, sibling.Key(last))
	item := sibling.Item(last)
	sibling.SetNum(last)
	v.InsertAt(0, key, item)
}

// mergeInto appends right's pairs after left's, failing with CorruptNode if
// the combined count cannot fit — a violated invariant, since merge is only
// ever attempted between two nodes already at or below minimum occupancy.
func mergeInto(left, right *layout.View, fanout int) error {
	ln, rn := left.Num(), right.Num()
	if ln+rn > fanout {
		return errors.Wrapf(btreeerr.CorruptNode, "merge would overflow: %d+%d pairs exceeds fanout %d", ln, rn, fanout)
	}
	for i := 0; i < rn; i++ {
		left.SetKey(ln+i, right.Key(i))
		left.SetItem(ln+i, right.Item(i))
	}
	left.SetNum(ln + rn)
	return nil
}
