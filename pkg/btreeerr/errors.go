// Package btreeerr defines the error taxonomy shared by every layer of the
// engine. Each sentinel is a distinct kind, not merely a
// string; callers match with errors.Is and wrap with github.com/pkg/errors
// for context.
package btreeerr

import "errors"

var (
	// NotFound is returned when a lookup or remove target key is absent.
	// It is an ordinary return variant, not a poisoning error.
	NotFound = errors.New("btree: key not found")

	// DuplicateKey is returned by Insert under the fail-if-exists policy
	// when the key already exists. It is an ordinary return variant.
	DuplicateKey = errors.New("btree: duplicate key")

	// OutOfSpace is returned when the allocator cannot extend the backing
	// file to satisfy a reservation. When the reservation for a leaf split
	// fails, no node has been modified yet and the tree is not poisoned.
	// When it fails while the split propagates into internal nodes or grows
	// a new root, the levels below have already been rewritten and the tree
	// is poisoned.
	OutOfSpace = errors.New("btree: allocator out of space")

	// IoError wraps an underlying block I/O failure. It poisons the tree.
	IoError = errors.New("btree: block i/o error")

	// CorruptNode is returned when a decoded header fails its invariants
	// (num out of range, unknown flag, self-offset mismatch). It poisons
	// the tree.
	CorruptNode = errors.New("btree: corrupt node")

	// TreePoisoned is returned by every operation once a prior fatal error
	// has left the tree in an unknown state.
	TreePoisoned = errors.New("btree: tree poisoned by a prior fatal error")

	// InvalidOffset is returned by the allocator's Free when asked to free
	// a master block or an offset outside the backing file.
	InvalidOffset = errors.New("btree: invalid block offset")
)
