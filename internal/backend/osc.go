package backend

import (
	"net/url"
	"strconv"
	"strings"
)

const (
	escByte = 0x1b
	belByte = 0x07

	// Sequences longer than this are discarded rather than buffered.
	oscMaxLen = 4096
)

// oscScanner incrementally extracts OSC reports (window title, cwd) from
// raw terminal output. It is not an escape-sequence parser; anything it
// does not recognize is ignored and the output itself is never modified.
type oscScanner struct {
	inSeq  bool
	sawEsc bool
	drop   bool
	buf    []byte
}

// scan feeds a chunk of output through the scanner, invoking fn once per
// completed sequence with its numeric code and payload. Chunks may split
// sequences at arbitrary byte boundaries.
func (s *oscScanner) scan(p []byte, fn func(code int, payload string)) {
	for _, b := range p {
		switch {
		case !s.inSeq:
			if s.sawEsc && b == ']' {
				s.inSeq = true
				s.sawEsc = false
				s.drop = false
				s.buf = s.buf[:0]
			} else {
				s.sawEsc = b == escByte
			}
		case s.sawEsc:
			// ESC inside a sequence: ESC \ is the ST terminator,
			// anything else means the sequence is malformed.
			s.sawEsc = false
			s.inSeq = false
			if b == '\\' {
				s.finish(fn)
			}
		case b == belByte:
			s.inSeq = false
			s.finish(fn)
		case b == escByte:
			s.sawEsc = true
		default:
			if len(s.buf) < oscMaxLen {
				s.buf = append(s.buf, b)
			} else {
				s.drop = true
			}
		}
	}
}

func (s *oscScanner) finish(fn func(code int, payload string)) {
	if s.drop || len(s.buf) == 0 {
		return
	}
	seq := string(s.buf)
	i := strings.IndexByte(seq, ';')
	if i < 0 {
		return
	}
	code, err := strconv.Atoi(seq[:i])
	if err != nil {
		return
	}
	fn(code, seq[i+1:])
}

// cwdFromFileURI extracts the local path from an OSC 7 file:// report.
func cwdFromFileURI(raw string) (string, bool) {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "file" || u.Path == "" {
		return "", false
	}
	return u.Path, true
}
