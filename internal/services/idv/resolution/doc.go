// Package resolution runs document authentication and identity resolution
// for submissions handed off through the outbox.
package resolution
