// Package core provides the reproducibility primitives of a run: resolving
// input images in a stable order, hashing them together with the parameters
// that affect their results, and caching per-image results by that hash.
//
// Nothing in this package depends on wall-clock time or filesystem ordering.
// Identical inputs and parameters always produce identical hashes.
package core
