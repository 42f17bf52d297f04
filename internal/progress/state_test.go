package progress

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/flatmapit/dicomrelay/pkg/types"
)

func TestCounterDispatch(t *testing.T) {
	s := NewDicomState()
	s.AddRemaining(4)

	s.RecordStatus(types.StatusSuccess)
	s.RecordStatus(types.StatusElementsDiscarded)
	s.RecordStatus(types.StatusProcessingFailure)

	completed, failed, warning, remaining := s.Counters()
	assert.Equal(t, 1, completed)
	assert.Equal(t, 1, failed)
	assert.Equal(t, 1, warning)
	assert.Equal(t, 1, remaining)
	assert.Equal(t, types.StatusProcessingFailure, s.LastStatus())
}

func TestCounterConservation(t *testing.T) {
	s := NewDicomState()
	total := 10
	s.AddRemaining(total)
	for i := 0; i < 6; i++ {
		s.RecordStatus(types.StatusSuccess)
	}
	s.RecordFailure("connect refused")

	completed, failed, warning, remaining := s.Counters()
	assert.Equal(t, total, completed+failed+warning+remaining)
}

func TestMessageSummarizesFailures(t *testing.T) {
	s := NewDicomState()
	s.AddRemaining(10)
	for i := 0; i < 7; i++ {
		s.RecordStatus(types.StatusSuccess)
	}
	for i := 0; i < 3; i++ {
		s.RecordFailure("connection reset")
	}

	msg := s.Message()
	assert.Contains(t, msg, "3/10 operations have failed.")
	assert.Contains(t, msg, "connection reset")
}

func TestMessageAllCompleted(t *testing.T) {
	s := NewDicomState()
	s.AddRemaining(2)
	s.RecordStatus(types.StatusSuccess)
	s.RecordStatus(types.StatusSuccess)
	assert.Equal(t, "2/2 operations completed", s.Message())
}

func TestConcurrentRecording(t *testing.T) {
	s := NewDicomState()
	s.AddRemaining(100)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.RecordStatus(types.StatusSuccess)
			s.AddBytes(10)
		}()
	}
	wg.Wait()

	completed, _, _, remaining := s.Counters()
	assert.Equal(t, 100, completed)
	assert.Equal(t, 0, remaining)
	assert.Equal(t, int64(1000), s.BytesTransferred())
}
