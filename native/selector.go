package native

import "fmt"

// KeySelector names a key relative to a reference key: the last key less
// than (or equal to, with OrEqual) Key, moved Offset keys forward.
type KeySelector struct {
	Key     []byte
	OrEqual bool
	Offset  int
}

// LastLessThan selects the largest key < key.
func LastLessThan(key []byte) KeySelector {
	return KeySelector{Key: key, OrEqual: false, Offset: 0}
}

// LastLessOrEqual selects the largest key <= key.
func LastLessOrEqual(key []byte) KeySelector {
	return KeySelector{Key: key, OrEqual: true, Offset: 0}
}

// FirstGreaterThan selects the smallest key > key.
func FirstGreaterThan(key []byte) KeySelector {
	return KeySelector{Key: key, OrEqual: true, Offset: 1}
}

// FirstGreaterOrEqual selects the smallest key >= key.
func FirstGreaterOrEqual(key []byte) KeySelector {
	return KeySelector{Key: key, OrEqual: false, Offset: 1}
}

// Add returns the selector moved by n keys.
func (s KeySelector) Add(n int) KeySelector {
	s.Offset += n
	return s
}

func (s KeySelector) String() string {
	switch {
	case !s.OrEqual && s.Offset == 0:
		return fmt.Sprintf("lLT(%q)", s.Key)
	case s.OrEqual && s.Offset == 0:
		return fmt.Sprintf("lLE(%q)", s.Key)
	case s.OrEqual && s.Offset == 1:
		return fmt.Sprintf("fGT(%q)", s.Key)
	case !s.OrEqual && s.Offset == 1:
		return fmt.Sprintf("fGE(%q)", s.Key)
	}
	return fmt.Sprintf("sel(%q, %v, %+d)", s.Key, s.OrEqual, s.Offset)
}
