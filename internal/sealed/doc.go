// Package sealed encrypts credential envelopes at rest with age.
//
// # Overview
//
// A Box holds one X25519 identity. Seal encrypts to the identity's own
// recipient, Open decrypts with the identity. Ciphertext is raw binary age
// format since it is stored in a SQLite BLOB column.
//
// The identity lives in a file in the standard age identity format (as produced
// by age-keygen). LoadOrCreateIdentity creates the file with mode 0600 on first
// use, which is what `tether-gateway init` does.
//
// A nil *Box is valid and passes data through unchanged, so the store does not
// need a separate code path when sealing is disabled.
package sealed
