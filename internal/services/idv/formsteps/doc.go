// Package formsteps sequences named form steps over a shared value map.
//
// A Form owns the accumulated Values, the active field errors and the set of
// fields registered by the mounted step. The current step name is persisted
// through an injected Navigator so deep links and back/forward navigation
// resolve to the right step. Values may be Pending while a background task
// (such as an encrypted upload) runs; a step cannot be submitted until every
// pending value has settled.
package formsteps
