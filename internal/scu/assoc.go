// Package scu implements the outbound side of the relay: a long-lived,
// reusable C-STORE service class user that keeps one association per
// destination.
package scu

import (
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/flatmapit/dicomrelay/internal/dimse"
	"github.com/flatmapit/dicomrelay/internal/pdu"
	"github.com/flatmapit/dicomrelay/pkg/types"
)

// Assoc is one established outbound association.
type Assoc struct {
	conn     net.Conn
	maxPDU   uint32
	accepted map[byte]*pdu.AcceptedContext
	opts     types.ConnectOptions
	released bool
}

// Dialer abstracts the transport for tests.
type Dialer func(network, address string, timeout time.Duration) (net.Conn, error)

func defaultDial(network, address string, timeout time.Duration) (net.Conn, error) {
	d := &net.Dialer{Timeout: timeout}
	return d.Dial(network, address)
}

// connect dials the called node and negotiates the association from the
// accumulated request.
func connect(called types.DicomNode, rq *pdu.AssociateRQ, opts types.ConnectOptions, dial Dialer) (*Assoc, error) {
	if dial == nil {
		dial = defaultDial
	}
	address := fmt.Sprintf("%s:%d", called.Hostname, called.Port)
	conn, err := dial("tcp", address, opts.ConnectTimeoutDuration())
	if err != nil {
		return nil, types.Errorf(types.ErrorConnectFailed, "failed to connect to %s: %v", called, err)
	}
	if tcp, ok := conn.(*net.TCPConn); ok && opts.TCPNoDelay {
		tcp.SetNoDelay(true)
	}

	if err := pdu.WritePDU(conn, pdu.TypeAssociateRQ, rq.Encode()); err != nil {
		conn.Close()
		return nil, types.NewError(types.ErrorConnectFailed, err)
	}

	if timeout := opts.ResponseTimeoutDuration(); timeout > 0 {
		conn.SetReadDeadline(time.Now().Add(timeout))
	}
	answer, err := pdu.ReadPDU(conn)
	if err != nil {
		conn.Close()
		return nil, types.Errorf(types.ErrorConnectFailed, "failed to read association answer: %v", err)
	}
	conn.SetReadDeadline(time.Time{})

	switch answer.Type {
	case pdu.TypeAssociateAC:
	case pdu.TypeAssociateRJ:
		conn.Close()
		return nil, types.Errorf(types.ErrorConnectFailed, "association rejected by %s", called)
	default:
		conn.Close()
		return nil, types.Errorf(types.ErrorConnectFailed, "unexpected PDU type 0x%02x during negotiation", answer.Type)
	}

	ac, err := pdu.ParseAssociateAC(answer.Data, rq)
	if err != nil {
		conn.Close()
		return nil, types.NewError(types.ErrorConnectFailed, err)
	}

	accepted := make(map[byte]*pdu.AcceptedContext)
	for id, ctx := range ac.Contexts {
		if ctx.Accepted() {
			accepted[id] = ctx
		}
	}
	logrus.Debugf("Association with %s established: %d/%d contexts accepted",
		called, len(accepted), len(rq.Contexts))

	return &Assoc{conn: conn, maxPDU: ac.MaxPDULength, accepted: accepted, opts: opts}, nil
}

// Ready reports whether the association can carry data transfers.
func (a *Assoc) Ready() bool {
	return a != nil && a.conn != nil && !a.released
}

// AcceptedContext returns the accepted context for the exact
// (cuid, tsuid) pair, or nil.
func (a *Assoc) AcceptedContext(cuid, tsuid string) *pdu.AcceptedContext {
	for _, ctx := range a.accepted {
		if ctx.AbstractSyntax == cuid && ctx.TransferSyntax == tsuid {
			return ctx
		}
	}
	return nil
}

// AnyAcceptedContext returns some accepted context for cuid, preferring
// Explicit VR Little Endian.
func (a *Assoc) AnyAcceptedContext(cuid string) *pdu.AcceptedContext {
	var fallback *pdu.AcceptedContext
	for _, ctx := range a.accepted {
		if ctx.AbstractSyntax != cuid {
			continue
		}
		if ctx.TransferSyntax == types.ExplicitVRLittleEndian {
			return ctx
		}
		if fallback == nil {
			fallback = ctx
		}
	}
	return fallback
}

// CStore issues one outbound C-STORE on the given context and waits for
// the response.
func (a *Assoc) CStore(contextID byte, messageID uint16, cuid, iuid string, priority uint16, data []byte) (*dimse.Message, error) {
	command := dimse.NewCStoreRQ(messageID, cuid, iuid, priority)
	if err := pdu.WritePDataTF(a.conn, contextID, a.maxPDU, command.Encode(), true); err != nil {
		return nil, types.NewError(types.ErrorIO, err)
	}
	if err := pdu.WritePDataTF(a.conn, contextID, a.maxPDU, data, false); err != nil {
		return nil, types.NewError(types.ErrorIO, err)
	}

	if timeout := a.opts.ResponseTimeoutDuration(); timeout > 0 {
		a.conn.SetReadDeadline(time.Now().Add(timeout))
		defer a.conn.SetReadDeadline(time.Time{})
	}

	var assembler dimse.Assembler
	for {
		p, err := pdu.ReadPDU(a.conn)
		if err != nil {
			return nil, types.Errorf(types.ErrorIO, "failed to read C-STORE response: %v", err)
		}
		switch p.Type {
		case pdu.TypePDataTF:
			items, err := pdu.ParsePDataTF(p.Data)
			if err != nil {
				return nil, types.NewError(types.ErrorIO, err)
			}
			_, msg, _, err := assembler.Add(items)
			if err != nil {
				return nil, types.NewError(types.ErrorIO, err)
			}
			if msg == nil {
				continue
			}
			if msg.CommandField != dimse.CStoreRSP {
				return nil, types.Errorf(types.ErrorIO, "unexpected command 0x%04x while awaiting C-STORE-RSP", msg.CommandField)
			}
			return msg, nil
		case pdu.TypeAbort:
			a.released = true
			return nil, types.Errorf(types.ErrorIO, "peer aborted the association")
		default:
			return nil, types.Errorf(types.ErrorIO, "unexpected PDU type 0x%02x while awaiting C-STORE-RSP", p.Type)
		}
	}
}

// Release performs an orderly A-RELEASE with a bounded wait for the
// peer's reply, then closes the socket.
func (a *Assoc) Release() {
	if a.conn == nil {
		return
	}
	if !a.released {
		a.released = true
		if err := pdu.WriteReleaseRQ(a.conn); err == nil {
			timeout := a.opts.ReleaseTimeoutDuration()
			if timeout == 0 {
				timeout = 5 * time.Second
			}
			a.conn.SetReadDeadline(time.Now().Add(timeout))
			for {
				p, err := pdu.ReadPDU(a.conn)
				if err != nil || p.Type == pdu.TypeReleaseRP {
					break
				}
			}
		}
	}
	a.conn.Close()
	a.conn = nil
}

// Abort sends A-ABORT and closes the socket immediately.
func (a *Assoc) Abort() {
	if a.conn == nil {
		return
	}
	a.released = true
	pdu.WriteAbort(a.conn, 0x00, 0x00)
	a.conn.Close()
	a.conn = nil
}
