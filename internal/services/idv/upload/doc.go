// Package upload encrypts document images and ships them out of band while
// the capture form continues.
//
// On the client side, Pipeline.Wrap swaps an image value for a pending
// reference that resolves once the encrypted bytes have been posted. On the
// server side, URLSigner hands out per-field upload targets and the crypto
// helpers let the worker decrypt what arrived.
package upload
