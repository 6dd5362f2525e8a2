package wire

// FragChunkSize is the maximum size of a single fragment's chunk payload
// (spec.md §4.3 "Fragmentation").
const FragChunkSize = 80

// MaxFragCount is the hard cap on fragments for one message.
const MaxFragCount = 255

// FragHeader is the per-fragment addendum appended after the common
// Header: frag_idx(1) || total_frags(1) || chunk_len(1), followed by the
// chunk bytes themselves.
type FragHeader struct {
	FragIdx     byte
	TotalFrags  byte
	ChunkLen    byte
}

// EncodeFragHeader writes the 3-byte fragment addendum to buf.
func EncodeFragHeader(buf []byte, fh FragHeader) (int, error) {
	if len(buf) < 3 {
		return 0, errShortBuffer
	}
	buf[0] = fh.FragIdx
	buf[1] = fh.TotalFrags
	buf[2] = fh.ChunkLen
	return 3, nil
}

// DecodeFragHeader parses the 3-byte fragment addendum from buf.
func DecodeFragHeader(buf []byte) (FragHeader, int, error) {
	var fh FragHeader
	if len(buf) < 3 {
		return fh, 0, errShortBuffer
	}
	fh.FragIdx = buf[0]
	fh.TotalFrags = buf[1]
	fh.ChunkLen = buf[2]
	return fh, 3, nil
}

// SplitFragments splits text into chunks of at most FragChunkSize bytes,
// returning one slice per fragment in order. Callers are responsible for
// emitting each with the same msg_id and the Fragmented flag set.
func SplitFragments(text []byte) [][]byte {
	if len(text) == 0 {
		return [][]byte{{}}
	}
	var out [][]byte
	for i := 0; i < len(text); i += FragChunkSize {
		end := i + FragChunkSize
		if end > len(text) {
			end = len(text)
		}
		out = append(out, text[i:end])
	}
	return out
}
