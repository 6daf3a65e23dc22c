// Package timeouts defines shared timeout constants used across the idproof
// processes.
package timeouts

import "time"

// HealthWait caps how long the worker waits for the API health check at startup.
const HealthWait = 30 * time.Second

// ReadHeader limits how long an HTTP server waits for request headers.
const ReadHeader = 5 * time.Second

// UploadRequest caps a single background upload POST from the client side.
const UploadRequest = 30 * time.Second

// SubmitRequest caps the client's document submission and status requests.
const SubmitRequest = 30 * time.Second

// VendorCall caps one call into a document authentication or resolution vendor.
const VendorCall = 45 * time.Second

// Shutdown limits how long a server waits for in-flight requests
// during graceful shutdown.
const Shutdown = 5 * time.Second
