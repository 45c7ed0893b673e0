// Package secret provides the zero-residue buffer discipline shared by
// every component that handles credentials or destination metadata.
package secret

// Bytes is a byte slice that carries sensitive data — SOCKS5 credentials,
// destination strings, relay payloads — and must be wiped before its
// backing array is released. It is a named type rather than a struct so it
// converts freely to and from []byte at call sites that need to hand data
// to net.Conn or hashing functions.
type Bytes []byte

// New allocates a Bytes of the given length.
func New(n int) Bytes {
	return make(Bytes, n)
}

// Wipe overwrites b with zeros in place. It is safe to call on a nil or
// already-wiped Bytes.
func (b Bytes) Wipe() {
	for i := range b {
		b[i] = 0
	}
}

// String returns a copy of b as a string. The caller is still responsible
// for calling Wipe on b afterward — converting to string copies the bytes,
// it does not replace the need to zero the original buffer.
func (b Bytes) String() string {
	return string(b)
}
