package protocol

// addStuffing inserts 0xFD after every FF FF FD run so the payload can never
// be mistaken for a header.
func addStuffing(in []byte) []byte {
	out := make([]byte, 0, len(in)+len(in)/3)
	for i, b := range in {
		out = append(out, b)
		if b == 0xFD && i >= 2 && in[i-1] == 0xFF && in[i-2] == 0xFF {
			out = append(out, 0xFD)
		}
	}
	return out
}

// removeStuffing drops the 0xFD that follows each FF FF FD run.
func removeStuffing(in []byte) []byte {
	out := make([]byte, 0, len(in))
	for i, b := range in {
		if b == 0xFD && i >= 3 && in[i-1] == 0xFD && in[i-2] == 0xFF && in[i-3] == 0xFF {
			continue
		}
		out = append(out, b)
	}
	return out
}
