// Package offload moves TLS private-key operations onto a cryptographic
// accelerator.
//
// A Manager owns the driver lifetime for the whole process. A Section
// brings up every accelerator instance as a Handle with its own polling
// loop, and hands handles out round-robin to Connections. The Provider
// implements the asynchronous sign/decrypt/complete contract of the TLS
// engine, and SessionKey adapts it to crypto.Signer and crypto.Decrypter so
// crypto/tls can use it as a certificate's private key.
package offload
