package session

import (
	"bytes"
	"strings"
)

// lineBuffer assembles complete lines from arbitrary chunks. Splitting is done
// on raw bytes so multi-byte characters cut across chunks survive.
type lineBuffer struct {
	buf []byte
}

// feed appends data and returns every line it completed, without the
// terminator. A trailing carriage return is dropped as well.
func (b *lineBuffer) feed(data []byte) []string {
	b.buf = append(b.buf, data...)
	var lines []string
	for {
		i := bytes.IndexByte(b.buf, '\n')
		if i < 0 {
			break
		}
		line := strings.TrimSuffix(string(b.buf[:i]), "\r")
		lines = append(lines, strings.ToValidUTF8(line, "�"))
		b.buf = b.buf[i+1:]
	}
	if len(b.buf) == 0 {
		b.buf = nil
	}
	return lines
}

// pending returns the unterminated tail.
func (b *lineBuffer) pending() string {
	return string(b.buf)
}
