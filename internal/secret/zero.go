// Package secret holds small helpers for clearing sensitive byte material
// in place.
package secret

import "runtime"

// Zero overwrites b with zero bytes in place. Adapted from the teacher's
// internal/services/crypto.ClearBytes, which did the same for mnemonic
// plaintext. Its one caller, cmd/agoramesh-bridge, clears a byte copy of
// the configured private key when run returns; the private key string in
// the config and the bearer token are not cleared.
func Zero(b []byte) {
	if len(b) == 0 {
		return
	}
	for i := range b {
		b[i] = 0
	}
	runtime.KeepAlive(b)
}
