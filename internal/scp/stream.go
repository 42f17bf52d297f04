package scp

import (
	"fmt"
	"io"
	"net"

	"github.com/flatmapit/dicomrelay/internal/pdu"
)

// pdvStream exposes the data-set PDVs of one C-STORE request as an
// io.Reader, pulling further P-DATA-TF PDUs off the socket on demand.
// The forwarding engine owns the stream for the duration of one
// request; it must be fully consumed (or SkipAll-ed) before the next
// request can be read.
type pdvStream struct {
	conn net.Conn
	buf  []byte
	done bool
	err  error
}

func newPDVStream(conn net.Conn, initial []byte, complete bool) *pdvStream {
	return &pdvStream{conn: conn, buf: initial, done: complete}
}

func (s *pdvStream) Read(b []byte) (int, error) {
	for len(s.buf) == 0 {
		if s.err != nil {
			return 0, s.err
		}
		if s.done {
			return 0, io.EOF
		}
		if err := s.fill(); err != nil {
			s.err = err
			return 0, err
		}
	}
	n := copy(b, s.buf)
	s.buf = s.buf[n:]
	return n, nil
}

func (s *pdvStream) fill() error {
	p, err := pdu.ReadPDU(s.conn)
	if err != nil {
		return err
	}
	if p.Type != pdu.TypePDataTF {
		return fmt.Errorf("unexpected PDU type 0x%02x inside a data set", p.Type)
	}
	items, err := pdu.ParsePDataTF(p.Data)
	if err != nil {
		return err
	}
	for _, item := range items {
		if item.Command {
			return fmt.Errorf("command PDV received inside a data set")
		}
		s.buf = append(s.buf, item.Value...)
		if item.Last {
			s.done = true
		}
	}
	return nil
}

// SkipAll drains the remainder of the data set so the association can
// carry the next request.
func (s *pdvStream) SkipAll() error {
	_, err := io.Copy(io.Discard, s)
	return err
}
