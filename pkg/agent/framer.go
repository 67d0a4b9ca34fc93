package agent

import "bytes"

// LineFramer turns a raw byte stream into complete lines. Chunks may
// split anywhere, including mid-line or mid-multibyte-sequence; the
// incomplete tail is buffered across pushes until its newline arrives.
// Trailing carriage returns are stripped so CRLF input behaves like LF.
type LineFramer struct {
	tail []byte
}

// NewLineFramer returns an empty framer.
func NewLineFramer() *LineFramer {
	return &LineFramer{}
}

// Push consumes one chunk and returns the complete lines it finished,
// in order. Lines are returned without their terminators. The returned
// slices are copies and remain valid after subsequent pushes.
func (f *LineFramer) Push(chunk []byte) [][]byte {
	if len(chunk) == 0 {
		return nil
	}

	data := chunk
	if len(f.tail) > 0 {
		data = append(f.tail, chunk...)
	}

	var lines [][]byte
	for {
		idx := bytes.IndexByte(data, '\n')
		if idx < 0 {
			break
		}
		line := data[:idx]
		line = bytes.TrimSuffix(line, []byte{'\r'})
		out := make([]byte, len(line))
		copy(out, line)
		lines = append(lines, out)
		data = data[idx+1:]
	}

	// Keep the unterminated remainder for the next push.
	f.tail = make([]byte, len(data))
	copy(f.tail, data)

	return lines
}

// Pending returns the buffered unterminated tail, if any. Useful for
// diagnostics when a process exits mid-line.
func (f *LineFramer) Pending() []byte {
	return f.tail
}
