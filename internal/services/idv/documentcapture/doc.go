// Package documentcapture composes the document capture flow: which steps a
// device sees, how a finished form is submitted, and how submission failures
// route back into a review step.
package documentcapture
