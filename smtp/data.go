package smtp

import (
	"bufio"
	"errors"
	"io"
)

var ErrCRLF = errors.New("invalid bare carriage return or newline")

var errMissingCRLF = errors.New("missing crlf at end of message")

var dotcrlf = []byte(".\r\n")

// DataWrite reads a mail message from r and writes it to the SMTP connection w
// with dot stuffing, as required by the SMTP DATA command, ending with the
// closing dot line.
//
// Messages with bare carriage returns or bare newlines result in an error.
func DataWrite(w io.Writer, r io.Reader) error {
	// Pretend we start on a fresh line, so a leading dot gets stuffed too.
	var prevlast, last byte = '\r', '\n'
	buf := make([]byte, 8*1024)
	for {
		nr, err := r.Read(buf)
		if nr > 0 {
			p := buf[:nr]
			for len(p) > 0 {
				if p[0] == '.' && prevlast == '\r' && last == '\n' {
					if _, err := w.Write([]byte{'.'}); err != nil {
						return err
					}
				}
				// Advance to just past the next newline, or end of buffer.
				n := 0
				firstcr := -1
				for n < len(p) {
					c := p[n]
					if c == '\n' {
						if firstcr < 0 {
							if n > 0 || last != '\r' {
								return ErrCRLF
							}
						} else if firstcr != n-1 {
							return ErrCRLF
						}
						n++
						break
					} else if c == '\r' && firstcr < 0 {
						firstcr = n
					}
					n++
				}

				if _, err := w.Write(p[:n]); err != nil {
					return err
				}
				if n == 1 {
					prevlast, last = last, p[0]
				} else {
					prevlast, last = p[n-2], p[n-1]
				}
				p = p[n:]
			}
		}
		if err == io.EOF {
			break
		} else if err != nil {
			return err
		}
	}
	if prevlast != '\r' || last != '\n' {
		return errMissingCRLF
	}
	_, err := w.Write(dotcrlf)
	return err
}

// DataReader reads data from an SMTP DATA command, undoing dot stuffing and
// returning io.EOF at the closing dot line. Use NewDataReader.
type DataReader struct {
	r       *bufio.Reader
	plast   byte // Last two bytes read, for recognizing the end-of-data line.
	last    byte
	dotcrlf bool // Whether the end of the message was seen.
}

func NewDataReader(r *bufio.Reader) *DataReader {
	return &DataReader{
		r: r,
		// Pretend we start on a fresh line.
		plast: '\r',
		last:  '\n',
	}
}

func (r *DataReader) Read(buf []byte) (int, error) {
	if r.dotcrlf {
		return 0, io.EOF
	}
	wrote := 0
	for len(buf) > 0 {
		c, err := r.r.ReadByte()
		if err != nil {
			if wrote > 0 {
				return wrote, nil
			}
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return 0, err
		}
		if c == '.' && r.plast == '\r' && r.last == '\n' {
			p, err := r.r.Peek(2)
			if err == nil && p[0] == '\r' && p[1] == '\n' {
				r.r.Discard(2)
				r.dotcrlf = true
				if wrote > 0 {
					return wrote, nil
				}
				return 0, io.EOF
			}
			// Dot stuffing, skip this dot.
			r.plast, r.last = r.last, c
			continue
		}
		buf[0] = c
		buf = buf[1:]
		wrote++
		r.plast, r.last = r.last, c
	}
	return wrote, nil
}
