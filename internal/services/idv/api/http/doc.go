// Package http serves the identity verification JSON API: capture session
// creation, document submission, async status polling and the built-in
// encrypted upload receiver.
package http
