// Package framer splits a byte stream into terminator-delimited envelopes,
// tolerating both split packets (a single envelope spread across several
// reads) and coalesced packets (several envelopes in one read). The
// algorithm is grounded on the reference implementation's buffer-offset
// scanner (msl.network.network.Device._parse_buffer): rather than
// rescanning from the start of the buffer on every Feed call, the Scanner
// remembers how far it has already searched so that arbitrarily large
// buffers are scanned in amortized linear time.
package framer

import "bytes"

// Terminator is the single byte that ends every envelope on the wire.
const Terminator = '\n'

// Scanner accumulates bytes fed from a connection and yields complete,
// terminator-delimited frames in arrival order. It is not safe for
// concurrent use; each connection owns exactly one Scanner.
type Scanner struct {
	buf        []byte
	searchedTo int
}

// New returns an empty Scanner.
func New() *Scanner {
	return &Scanner{}
}

// Feed appends data to the internal buffer and returns every complete frame
// (terminator excluded) that can now be extracted, in order. Any trailing,
// not-yet-terminated bytes remain buffered for the next call.
func (s *Scanner) Feed(data []byte) [][]byte {
	s.buf = append(s.buf, data...)

	var frames [][]byte
	for {
		idx := bytes.IndexByte(s.buf[s.searchedTo:], Terminator)
		if idx < 0 {
			// Nothing new to find; remember we've already scanned the
			// whole buffer so a future Feed does not rescan committed
			// bytes (this is what protects a terminator straddling two
			// reads from being missed or double-scanned).
			s.searchedTo = len(s.buf)
			break
		}

		cut := s.searchedTo + idx
		frame := s.buf[:cut]
		if len(frame) > 0 {
			frames = append(frames, append([]byte(nil), frame...))
		}

		s.buf = s.buf[cut+1:]
		s.searchedTo = 0
	}

	return frames
}

// Pending reports the number of unterminated bytes currently buffered.
func (s *Scanner) Pending() int {
	return len(s.buf)
}
