// Package progress tracks the outcome of a batch of C-STORE
// suboperations. It is the contract for any UI or log summary.
package progress

import (
	"fmt"
	"sync"
	"time"

	"github.com/flatmapit/dicomrelay/pkg/types"
)

// DicomState accumulates suboperation counters and timing for one
// destination. Response handlers may run on a different goroutine than
// the submitter, so every mutation takes the internal lock.
type DicomState struct {
	mu sync.Mutex

	status           types.StatusCode
	completed        int
	failed           int
	warning          int
	remaining        int
	bytesTransferred int64
	errorMessage     string

	startTime   time.Time
	connectTime time.Time
	endTime     time.Time
}

// NewDicomState returns a fresh state stamped with the start time.
func NewDicomState() *DicomState {
	return &DicomState{startTime: time.Now()}
}

// AddRemaining registers n not-yet-performed suboperations.
func (s *DicomState) AddRemaining(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remaining += n
}

// RecordStatus dispatches a received DIMSE status into the counters and
// remembers it as the last status.
func (s *DicomState) RecordStatus(status types.StatusCode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
	if s.remaining > 0 {
		s.remaining--
	}
	switch {
	case status == types.StatusSuccess:
		s.completed++
	case status.IsWarning():
		s.warning++
	default:
		s.failed++
	}
}

// RecordFailure counts a suboperation that never produced a DIMSE
// response (connect refused, IO error, editor abort).
func (s *DicomState) RecordFailure(message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.remaining > 0 {
		s.remaining--
	}
	s.failed++
	s.errorMessage = message
}

// AddBytes accumulates the payload size of a transferred instance.
func (s *DicomState) AddBytes(n int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bytesTransferred += n
}

// MarkConnected stamps the association establishment time.
func (s *DicomState) MarkConnected() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connectTime.IsZero() {
		s.connectTime = time.Now()
	}
}

// MarkDone stamps the end time.
func (s *DicomState) MarkDone() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endTime = time.Now()
}

// Counters returns (completed, failed, warning, remaining).
func (s *DicomState) Counters() (int, int, int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completed, s.failed, s.warning, s.remaining
}

// LastStatus returns the most recent DIMSE status.
func (s *DicomState) LastStatus() types.StatusCode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// BytesTransferred returns the byte count so far.
func (s *DicomState) BytesTransferred() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytesTransferred
}

// Message synthesizes the user-facing summary line.
func (s *DicomState) Message() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := s.completed + s.failed + s.warning + s.remaining
	if s.failed == 0 {
		return fmt.Sprintf("%d/%d operations completed", s.completed, total)
	}
	msg := fmt.Sprintf("%d/%d operations have failed.", s.failed, total)
	if s.errorMessage != "" {
		msg += " DICOM error: " + s.errorMessage
	}
	return msg
}
