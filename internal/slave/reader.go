package slave

import (
	"bufio"
	"io"
)

// lineReader reads newline-delimited requests with a hard size cap.
// A line longer than the cap is reported as tooLong so the caller can
// treat it as a flood attempt rather than silently truncating.
type lineReader struct {
	*bufio.Reader
	max int
}

func newLineReader(r io.Reader, max int) *lineReader {
	return &lineReader{Reader: bufio.NewReaderSize(r, max), max: max}
}

// ReadLine returns one complete line without its terminator. tooLong
// is set when the line exceeded the buffer; the connection should be
// dropped since the rest of the oversized line is unread.
func (r *lineReader) ReadLine() (line []byte, tooLong bool, err error) {
	line, isPrefix, err := r.Reader.ReadLine()
	if err != nil {
		return nil, false, err
	}
	if isPrefix {
		return nil, true, nil
	}
	return line, false, nil
}
