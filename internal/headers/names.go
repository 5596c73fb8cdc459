package headers

import "net/textproto"

// ValidName reports whether name is a non-empty RFC 7230 token.
func ValidName(name string) bool {
	if name == "" {
		return false
	}
	for i := 0; i < len(name); i++ {
		if !isTokenByte(name[i]) {
			return false
		}
	}
	return true
}

// Canonical reports whether name is a valid token written in canonical
// MIME casing, e.g. "Content-Type".
func Canonical(name string) bool {
	return ValidName(name) && textproto.CanonicalMIMEHeaderKey(name) == name
}

func isTokenByte(b byte) bool {
	switch {
	case b >= 'a' && b <= 'z', b >= 'A' && b <= 'Z', b >= '0' && b <= '9':
		return true
	}
	switch b {
	case '!', '#', '$', '%', '&', '\'', '*', '+', '-', '.', '^', '_', '`', '|', '~':
		return true
	}
	return false
}
