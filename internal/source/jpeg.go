package source

import "bytes"

var (
	jpegSOI = []byte{0xFF, 0xD8}
	jpegEOI = []byte{0xFF, 0xD9}
)

// maxPending bounds the split buffer when the stream never closes a frame
const maxPending = 8 << 20

// jpegSplitter cuts an image2pipe MJPEG byte stream into single JPEG images
type jpegSplitter struct {
	buf []byte
}

// Write appends raw stream bytes
func (s *jpegSplitter) Write(p []byte) {
	s.buf = append(s.buf, p...)
	if len(s.buf) > maxPending {
		// resync on the last start marker
		if i := bytes.LastIndex(s.buf, jpegSOI); i > 0 {
			s.buf = append(s.buf[:0], s.buf[i:]...)
		} else {
			s.buf = s.buf[:0]
		}
	}
}

// Next returns the next complete JPEG or nil. Bytes before a start marker are
// discarded.
func (s *jpegSplitter) Next() []byte {
	start := bytes.Index(s.buf, jpegSOI)
	if start < 0 {
		// keep a trailing 0xFF, it may begin a marker
		if n := len(s.buf); n > 0 && s.buf[n-1] == 0xFF {
			s.buf = append(s.buf[:0], 0xFF)
		} else {
			s.buf = s.buf[:0]
		}
		return nil
	}

	end := bytes.Index(s.buf[start+2:], jpegEOI)
	if end < 0 {
		if start > 0 {
			s.buf = append(s.buf[:0], s.buf[start:]...)
		}
		return nil
	}
	end += start + 4

	frame := make([]byte, end-start)
	copy(frame, s.buf[start:end])
	s.buf = append(s.buf[:0], s.buf[end:]...)
	return frame
}
