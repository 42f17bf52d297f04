package scp

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/flatmapit/dicomrelay/internal/dimse"
	"github.com/flatmapit/dicomrelay/internal/forward"
	"github.com/flatmapit/dicomrelay/internal/pdu"
	"github.com/flatmapit/dicomrelay/internal/registry"
	"github.com/flatmapit/dicomrelay/pkg/types"
)

// StoreFunc is the engine entry point the provider hands each received
// instance to.
type StoreFunc func(source types.DicomNode, destinations []forward.Destination, params *forward.Params) (types.StatusCode, error)

// Server is the inbound C-STORE provider.
type Server struct {
	AETitle      string
	Registry     *registry.Registry
	Capabilities *Capabilities

	// AuthorizedCallers restricts who may store. Empty means any. A
	// caller entry with ValidateHostname also pins the peer host.
	AuthorizedCallers []types.DicomNode
	// BindCallingAET requires the association's called AET to match
	// our own.
	BindCallingAET bool

	// ReceiveDelays and ResponseDelays sleep before and after handling
	// the k-th request (modulo length). Test affordance.
	ReceiveDelays  []time.Duration
	ResponseDelays []time.Duration

	// Store defaults to forward.StoreMultipleDestinations.
	Store StoreFunc

	mu       sync.Mutex
	listener net.Listener
	closed   bool
	wg       sync.WaitGroup
}

// NewServer builds a provider with default capabilities.
func NewServer(aet string, reg *registry.Registry) *Server {
	return &Server{
		AETitle:      aet,
		Registry:     reg,
		Capabilities: DefaultCapabilities(),
		Store:        forward.StoreMultipleDestinations,
	}
}

// Bind starts listening and accepting associations.
func (s *Server) Bind(address string) error {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("failed to bind %s: %w", address, err)
	}
	s.BindListener(listener)
	return nil
}

// BindListener accepts associations off an already-bound listener,
// e.g. a TLS one.
func (s *Server) BindListener(listener net.Listener) {
	s.mu.Lock()
	s.listener = listener
	s.closed = false
	s.mu.Unlock()
	logrus.Infof("DICOM listener bound on %s (AET %s)", listener.Addr(), s.AETitle)

	s.wg.Add(1)
	go s.acceptLoop(listener)
}

// Addr returns the bound address, or "" before Bind.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Unbind stops the listener and waits for in-flight associations.
func (s *Server) Unbind() error {
	s.mu.Lock()
	s.closed = true
	listener := s.listener
	s.listener = nil
	s.mu.Unlock()
	if listener != nil {
		listener.Close()
	}
	s.wg.Wait()
	return nil
}

func (s *Server) acceptLoop(listener net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := listener.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if !closed {
				logrus.Errorf("Accept failed: %v", err)
			}
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleAssociation(conn)
		}()
	}
}

// assocState is the per-association context of one inbound peer.
type assocState struct {
	conn       net.Conn
	source     types.DicomNode
	authorized bool
	maxPDU     uint32
	contexts   map[byte]*pdu.AcceptedContext
	requests   int
}

func (s *Server) handleAssociation(conn net.Conn) {
	defer conn.Close()

	state, err := s.negotiate(conn)
	if err != nil {
		logrus.Warnf("Association from %s failed: %v", conn.RemoteAddr(), err)
		return
	}
	logrus.Infof("Association established with %s from %s", state.source.AETitle, conn.RemoteAddr())

	if err := s.serve(state); err != nil && !errors.Is(err, io.EOF) {
		logrus.Warnf("Association with %s ended: %v", state.source.AETitle, err)
	}
}

func (s *Server) negotiate(conn net.Conn) (*assocState, error) {
	p, err := pdu.ReadPDU(conn)
	if err != nil {
		return nil, fmt.Errorf("failed to read association request: %w", err)
	}
	if p.Type != pdu.TypeAssociateRQ {
		return nil, fmt.Errorf("expected A-ASSOCIATE-RQ, got PDU type 0x%02x", p.Type)
	}
	rq, err := pdu.ParseAssociateRQ(p.Data)
	if err != nil {
		return nil, err
	}

	if s.BindCallingAET && !strings.EqualFold(rq.CalledAET, s.AETitle) {
		pdu.WritePDU(conn, pdu.TypeAssociateRJ, pdu.EncodeAssociateRJ(0x01, 0x01, 0x07))
		return nil, fmt.Errorf("called AET %q does not match %q", rq.CalledAET, s.AETitle)
	}

	host := conn.RemoteAddr().String()
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	source := types.DicomNode{AETitle: rq.CallingAET, Hostname: host}

	contexts := make(map[byte]*pdu.AcceptedContext, len(rq.Contexts))
	for _, proposed := range rq.Contexts {
		accepted := &pdu.AcceptedContext{
			ID:             proposed.ID,
			AbstractSyntax: proposed.AbstractSyntax,
			Result:         pdu.ResultAbstractSyntaxReject,
		}
		if ts := s.Capabilities.Accepts(proposed.AbstractSyntax, proposed.TransferSyntaxes); ts != "" {
			accepted.Result = pdu.ResultAcceptance
			accepted.TransferSyntax = ts
		} else if isStorageClass(proposed.AbstractSyntax) || proposed.AbstractSyntax == types.VerificationSOPClass {
			accepted.Result = pdu.ResultTransferSyntaxReject
		}
		contexts[proposed.ID] = accepted
	}

	ac := &pdu.AssociateAC{
		CalledAET:    rq.CalledAET,
		CallingAET:   rq.CallingAET,
		MaxPDULength: pdu.DefaultMaxPDULength,
		Contexts:     contexts,
	}
	if err := pdu.WritePDU(conn, pdu.TypeAssociateAC, pdu.EncodeAssociateAC(ac)); err != nil {
		return nil, err
	}

	return &assocState{
		conn:       conn,
		source:     source,
		authorized: s.isAuthorized(source),
		maxPDU:     rq.MaxPDULength,
		contexts:   contexts,
	}, nil
}

func (s *Server) isAuthorized(source types.DicomNode) bool {
	if len(s.AuthorizedCallers) == 0 {
		return true
	}
	for _, caller := range s.AuthorizedCallers {
		if caller.AETitle != source.AETitle {
			continue
		}
		if caller.ValidateHostname && !strings.EqualFold(caller.Hostname, source.Hostname) {
			continue
		}
		return true
	}
	return false
}

// serve runs the DIMSE loop until release or abort.
func (s *Server) serve(state *assocState) error {
	var assembler dimse.Assembler
	for {
		p, err := pdu.ReadPDU(state.conn)
		if err != nil {
			return err
		}

		switch p.Type {
		case pdu.TypePDataTF:
			items, err := pdu.ParsePDataTF(p.Data)
			if err != nil {
				return err
			}
			if err := s.dispatch(state, &assembler, items); err != nil {
				return err
			}
		case pdu.TypeReleaseRQ:
			pdu.WriteReleaseRP(state.conn)
			return io.EOF
		case pdu.TypeAbort:
			logrus.Infof("Peer %s aborted the association", state.source.AETitle)
			return io.EOF
		default:
			logrus.Warnf("Unhandled PDU type 0x%02x from %s", p.Type, state.source.AETitle)
		}
	}
}

// dispatch feeds PDVs to the assembler until the command set is
// complete, then routes the message. For a C-STORE with data the data
// set is NOT assembled: the remaining PDVs are exposed to the engine as
// a stream.
func (s *Server) dispatch(state *assocState, assembler *dimse.Assembler, items []pdu.PDV) error {
	// Split command and data PDVs so a C-STORE command followed by data
	// fragments in one PDU still streams the data part.
	var commandItems []pdu.PDV
	var initialData []byte
	dataComplete := false
	for _, item := range items {
		if item.Command {
			commandItems = append(commandItems, item)
		} else {
			initialData = append(initialData, item.Value...)
			if item.Last {
				dataComplete = true
			}
		}
	}

	contextID, msg, err := assembler.AddCommand(commandItems)
	if err != nil {
		return err
	}
	if msg == nil {
		if len(initialData) > 0 {
			return fmt.Errorf("data PDV received before a complete command set")
		}
		return nil
	}

	switch msg.CommandField {
	case dimse.CEchoRQ:
		return s.sendResponse(state, contextID, dimse.NewCEchoRSP(msg))
	case dimse.CStoreRQ:
		return s.handleCStore(state, contextID, msg, initialData, dataComplete)
	default:
		logrus.Warnf("Unsupported DIMSE command 0x%04x from %s", msg.CommandField, state.source.AETitle)
		rsp := &dimse.Message{
			CommandField:              msg.CommandField | 0x8000,
			MessageIDBeingRespondedTo: msg.MessageID,
			CommandDataSetType:        dimse.DataSetNull,
			Status:                    types.StatusProcessingFailure,
		}
		return s.sendResponse(state, contextID, rsp)
	}
}

func delayFor(delays []time.Duration, k int) {
	if len(delays) == 0 {
		return
	}
	if d := delays[k%len(delays)]; d > 0 {
		time.Sleep(d)
	}
}

func (s *Server) handleCStore(state *assocState, contextID byte, msg *dimse.Message, initialData []byte, dataComplete bool) error {
	k := state.requests
	state.requests++
	delayFor(s.ReceiveDelays, k)

	stream := newPDVStream(state.conn, initialData, dataComplete || !msg.HasData())
	status := types.StatusProcessingFailure
	var abortErr error

	ctx, ok := state.contexts[contextID]
	switch {
	case !ok || !ctx.Accepted():
		logrus.Errorf("C-STORE on unaccepted presentation context %d from %s", contextID, state.source.AETitle)
	case !state.authorized:
		logrus.Warnf("Rejecting C-STORE from unauthorized caller %s", state.source)
		status = types.StatusNotAuthorized
	default:
		destinations, err := s.Registry.Lookup(state.source)
		if err != nil {
			logrus.Errorf("Lookup for %s failed: %v", state.source, err)
		} else {
			params := &forward.Params{
				IUID:  msg.AffectedSOPInstanceUID,
				CUID:  msg.AffectedSOPClassUID,
				TSUID: ctx.TransferSyntax,
				PCID:  contextID,
				Data:  stream,
			}
			status, abortErr = s.Store(state.source, asForwardDestinations(destinations), params)
		}
	}

	// The PDV stream must be drained on every path before the next
	// request can be read off the association.
	if err := stream.SkipAll(); err != nil {
		return err
	}

	delayFor(s.ResponseDelays, k)

	if abortErr != nil && types.KindOf(abortErr) == types.ErrorAbortConnection {
		logrus.Warnf("Aborting inbound association from %s: %v", state.source.AETitle, abortErr)
		pdu.WriteAbort(state.conn, 0x02, 0x00)
		return io.EOF
	}

	return s.sendResponse(state, contextID, dimse.NewCStoreRSP(msg, status))
}

func asForwardDestinations(destinations []registry.Destination) []forward.Destination {
	out := make([]forward.Destination, 0, len(destinations))
	for _, d := range destinations {
		if fd, ok := d.(forward.Destination); ok {
			out = append(out, fd)
		}
	}
	return out
}

func (s *Server) sendResponse(state *assocState, contextID byte, rsp *dimse.Message) error {
	return pdu.WritePDataTF(state.conn, contextID, state.maxPDU, rsp.Encode(), true)
}
