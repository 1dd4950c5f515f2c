package sensitivedata

import "runtime"

// SecureString holds a resolved secret in a byte buffer that is cleared by
// Zero or, failing that, when the string is garbage collected.
type SecureString struct {
	value []byte
}

// NewSecureString copies s into a new SecureString.
func NewSecureString(s string) *SecureString {
	ss := &SecureString{value: []byte(s)}
	runtime.AddCleanup(ss, func(b []byte) { clear(b) }, ss.value)
	return ss
}

// String returns the secret. Never log it.
func (ss *SecureString) String() string {
	return string(ss.value)
}

// Zero clears the buffer.
func (ss *SecureString) Zero() {
	clear(ss.value)
}
