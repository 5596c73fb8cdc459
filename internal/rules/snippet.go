package rules

const maxEvidence = 64

// snippet caps evidence at 64 bytes and blanks control bytes so it stays
// printable in one log line.
func snippet(value string) string {
	if len(value) > maxEvidence {
		value = value[:maxEvidence]
	}
	out := []byte(value)
	for i, b := range out {
		if b < 0x20 || b == 0x7f {
			out[i] = ' '
		}
	}
	return string(out)
}
