// Package codec is the gateway's CBOR encoding.
//
// Credential envelopes and protocol credential payloads are encoded with
// Core Deterministic Encoding (RFC 8949 §4.2) so identical values always
// produce identical bytes. The credential store relies on that property when it
// fingerprints a blob to decide whether an update actually changed anything.
package codec
