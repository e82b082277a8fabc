//go:build !windows

package audio

// Supported reports whether this build carries a loopback backend
const Supported = false

// NewEnumerator is unavailable off Windows
func NewEnumerator() (Enumerator, error) {
	return nil, ErrUnsupported
}
