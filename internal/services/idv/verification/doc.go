// Package verification accepts document verification submissions.
//
// A submission is throttled per user before its payload is validated, so a
// rate-limited caller learns nothing about the validity of its input. Accepted
// submissions are handed to the resolution worker through the outbox and the
// call returns without waiting for vendor results.
package verification
