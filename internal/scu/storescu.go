package scu

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/flatmapit/dicomrelay/internal/pdu"
	"github.com/flatmapit/dicomrelay/internal/progress"
	"github.com/flatmapit/dicomrelay/pkg/types"
)

const (
	defaultIdleTimeout  = 15 * time.Second
	defaultPauseTimeout = 5 * time.Second
	maxStatusLogEntries = 3
)

// DataFunc produces the dataset bytes for the transfer syntax the
// association actually accepted.
type DataFunc func(tsuid string) ([]byte, error)

// StreamStoreSCU is a reusable C-STORE SCU bound to one destination. It
// opens a single association on demand, grows its negotiated
// presentation contexts as new SOP classes arrive, pauses submissions
// while a close is in progress and self-closes after an idle interval.
type StreamStoreSCU struct {
	mu sync.Mutex

	calling types.DicomNode
	called  types.DicomNode
	opts    types.ConnectOptions
	dial    Dialer

	// RelationshipNegotiation proposes the common extended negotiation
	// item for every SOP class added.
	RelationshipNegotiation bool

	rq    *pdu.AssociateRQ
	assoc *Assoc

	state     *progress.DicomState
	messageID uint16

	idleTimer   *time.Timer
	idleArmed   bool
	idleTimeout time.Duration

	pausing      bool
	unpaused     chan struct{}
	pauseTimeout time.Duration

	statusLogged map[types.StatusCode]int
}

// New creates an SCU for the calling→called pair.
func New(calling, called types.DicomNode, opts types.ConnectOptions) *StreamStoreSCU {
	unpaused := make(chan struct{})
	close(unpaused)
	return &StreamStoreSCU{
		calling: calling,
		called:  called,
		opts:    opts,
		rq: &pdu.AssociateRQ{
			CallingAET:   calling.AETitle,
			CalledAET:    called.AETitle,
			MaxPDULength: uint32(opts.MaxPduLenRcv),
		},
		state:        progress.NewDicomState(),
		idleTimeout:  defaultIdleTimeout,
		pauseTimeout: defaultPauseTimeout,
		unpaused:     unpaused,
		statusLogged: make(map[types.StatusCode]int),
	}
}

// SetDialer overrides the transport, for tests.
func (s *StreamStoreSCU) SetDialer(d Dialer) { s.dial = d }

// SetIdleTimeout overrides the idle-close interval, for tests.
func (s *StreamStoreSCU) SetIdleTimeout(d time.Duration) { s.idleTimeout = d }

// Progress exposes the suboperation counters for this destination.
func (s *StreamStoreSCU) Progress() *progress.DicomState { return s.state }

// Called returns the destination node.
func (s *StreamStoreSCU) Called() types.DicomNode { return s.called }

// Request exposes the association request under construction, for
// inspection in tests.
func (s *StreamStoreSCU) Request() *pdu.AssociateRQ {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rq
}

// Open acquires a new association from the accumulated request. It is
// serialized with every other state transition on this SCU.
func (s *StreamStoreSCU) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.openLocked()
}

func (s *StreamStoreSCU) openLocked() error {
	if s.assoc.Ready() {
		return nil
	}
	s.disarmIdleLocked()
	assoc, err := connect(s.called, s.rq, s.opts, s.dial)
	if err != nil {
		return err
	}
	s.assoc = assoc
	s.setPausingLocked(false)
	s.state.MarkConnected()
	return nil
}

// Connected reports whether an association is currently open.
func (s *StreamStoreSCU) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.assoc.Ready()
}

// AddPresentationContext proposes (cuid, tsuid) plus the Implicit and
// Explicit VR Little Endian fallbacks for a new SOP class. It is
// idempotent and disarms the idle countdown. The return value reports
// whether anything new was proposed, meaning an open association must
// be renegotiated before the pair is usable.
func (s *StreamStoreSCU) AddPresentationContext(cuid, tsuid string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addContextLocked(cuid, tsuid)
}

func (s *StreamStoreSCU) addContextLocked(cuid, tsuid string) bool {
	s.disarmIdleLocked()

	added := s.rq.AddContext(cuid, tsuid)
	if tsuid != types.ImplicitVRLittleEndian {
		if s.rq.AddContext(cuid, types.ImplicitVRLittleEndian) {
			added = true
		}
	}
	if tsuid != types.ExplicitVRLittleEndian {
		if s.rq.AddContext(cuid, types.ExplicitVRLittleEndian) {
			added = true
		}
	}
	if added && s.RelationshipNegotiation {
		s.rq.AddCommonExtended(pdu.CommonExtendedItem{
			SOPClassUID:     cuid,
			ServiceClassUID: "1.2.840.10008.4.2", // Storage Service Class
		})
	}
	return added
}

// Prepare makes the SCU ready to store instances of (cuid, tsuid):
// contexts are added, and the association is opened or — when the pair
// was not previously negotiated — closed and reopened.
func (s *StreamStoreSCU) Prepare(cuid, tsuid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	added := s.addContextLocked(cuid, tsuid)
	if !s.assoc.Ready() {
		return s.openLocked()
	}
	if added {
		logrus.Debugf("Renegotiating association with %s for %s/%s", s.called, cuid, tsuid)
		s.closeLocked()
		return s.openLocked()
	}
	return nil
}

// SelectTransferSyntax picks the outbound context for an instance:
// the accepted context matching the inbound syntax when there is one,
// else any accepted context for the SOP class.
func (s *StreamStoreSCU) SelectTransferSyntax(cuid, tsuid string) (byte, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.assoc.Ready() {
		return 0, "", types.Errorf(types.ErrorAssociationNotReady, "association with %s is not open", s.called)
	}
	if ctx := s.assoc.AcceptedContext(cuid, tsuid); ctx != nil {
		return ctx.ID, ctx.TransferSyntax, nil
	}
	if ctx := s.assoc.AnyAcceptedContext(cuid); ctx != nil {
		return ctx.ID, ctx.TransferSyntax, nil
	}
	return 0, "", types.Errorf(types.ErrorPresentationContextUnsupported, "no accepted presentation context for %s on %s", cuid, s.called)
}

// CStore issues one outbound C-STORE. While a close is pausing the SCU
// the call blocks up to the pause timeout, then proceeds best effort.
func (s *StreamStoreSCU) CStore(cuid, iuid string, data DataFunc, priority uint16, tsuid string) (types.StatusCode, error) {
	s.waitWhilePausing()

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.assoc.Ready() {
		return types.StatusProcessingFailure, types.Errorf(types.ErrorAssociationNotReady, "association with %s is not open", s.called)
	}

	ctx := s.assoc.AcceptedContext(cuid, tsuid)
	if ctx == nil {
		ctx = s.assoc.AnyAcceptedContext(cuid)
	}
	if ctx == nil {
		return types.StatusProcessingFailure, types.Errorf(types.ErrorPresentationContextUnsupported, "no accepted presentation context for %s on %s", cuid, s.called)
	}

	payload, err := data(ctx.TransferSyntax)
	if err != nil {
		return types.StatusProcessingFailure, err
	}

	s.messageID++
	s.state.AddRemaining(1)
	rsp, err := s.assoc.CStore(ctx.ID, s.messageID, cuid, iuid, priority, payload)
	if err != nil {
		s.state.RecordFailure(err.Error())
		return types.StatusProcessingFailure, err
	}

	s.state.RecordStatus(rsp.Status)
	s.state.AddBytes(int64(len(payload)))
	s.logStatusLocked(rsp.Status, iuid)
	return rsp.Status, nil
}

// logStatusLocked reports non-success statuses, capping the log at a
// few distinct codes per association to prevent floods.
func (s *StreamStoreSCU) logStatusLocked(status types.StatusCode, iuid string) {
	if status == types.StatusSuccess {
		return
	}
	if len(s.statusLogged) >= maxStatusLogEntries {
		if _, seen := s.statusLogged[status]; !seen {
			return
		}
	}
	s.statusLogged[status]++
	if s.statusLogged[status] == 1 {
		if status.IsWarning() {
			logrus.Warnf("C-STORE to %s returned %s for %s", s.called, status, iuid)
		} else {
			logrus.Errorf("C-STORE to %s failed with %s for %s", s.called, status, iuid)
		}
	}
}

// Close releases the association. Without force it only acts when the
// idle countdown armed it. Safe to call repeatedly.
func (s *StreamStoreSCU) Close(force bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !force && !s.idleArmed {
		return
	}
	s.closeLocked()
}

func (s *StreamStoreSCU) closeLocked() {
	s.disarmIdleLocked()
	if !s.assoc.Ready() {
		s.assoc = nil
		return
	}
	s.setPausingLocked(true)
	assoc := s.assoc
	s.assoc = nil
	s.mu.Unlock()
	assoc.Release()
	s.mu.Lock()
	s.setPausingLocked(false)
	s.statusLogged = make(map[types.StatusCode]int)
	logrus.Debugf("Association with %s released", s.called)
}

// Stop force-closes the association and stamps the progress end time.
func (s *StreamStoreSCU) Stop() {
	s.Close(true)
	s.state.MarkDone()
}

// TriggerIdleClose arms a single-shot countdown that closes the
// association after the idle interval. Re-arming while armed is a
// no-op; AddPresentationContext and Open disarm it.
func (s *StreamStoreSCU) TriggerIdleClose() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.idleArmed || !s.assoc.Ready() {
		return
	}
	s.idleArmed = true
	s.idleTimer = time.AfterFunc(s.idleTimeout, func() {
		s.Close(false)
	})
}

func (s *StreamStoreSCU) disarmIdleLocked() {
	if s.idleTimer != nil {
		s.idleTimer.Stop()
		s.idleTimer = nil
	}
	s.idleArmed = false
}

func (s *StreamStoreSCU) setPausingLocked(pausing bool) {
	if s.pausing == pausing {
		return
	}
	s.pausing = pausing
	if pausing {
		s.unpaused = make(chan struct{})
	} else {
		close(s.unpaused)
	}
}

// waitWhilePausing blocks until a close in progress finishes, bounded
// by the pause timeout.
func (s *StreamStoreSCU) waitWhilePausing() {
	s.mu.Lock()
	ch := s.unpaused
	s.mu.Unlock()

	select {
	case <-ch:
	case <-time.After(s.pauseTimeout):
		logrus.Warnf("Proceeding with C-STORE to %s while the association is still pausing", s.called)
	}
}
