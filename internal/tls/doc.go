// Package tls terminates inbound TLS with the server private key held by the
// offload engine.
//
// Each accepted connection gets its own key object. The first signature or
// decryption of the handshake binds the connection to an accelerator
// instance, and the binding is released when the handshake ends. When no
// instance can take the work the configured Fallback decides between the
// in-memory software key and refusing the handshake.
package tls
