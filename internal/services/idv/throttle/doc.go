// Package throttle bounds how many attempts a subject may make at an action
// within a rolling window.
//
// A Ledger owns the per-action policies and delegates the atomic
// read-and-increment to a Store. Increments for one (subject, action) key are
// serialized by the store so concurrent duplicate submissions cannot
// under-count.
package throttle
