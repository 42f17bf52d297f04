package types

import "time"

// ConnectOptions carries the socket and DIMSE timing knobs. Timeouts
// are in milliseconds; zero means no timeout, except that the wait for
// A-RELEASE-RP falls back to 5 s when ReleaseTimeout is zero.
type ConnectOptions struct {
	MaxOpsInvoked   int
	MaxOpsPerformed int
	MaxPduLenRcv    int
	MaxPduLenSnd    int
	PackPDV         bool
	Backlog         int
	TCPNoDelay      bool
	SndBuf          int
	RcvBuf          int
	CloseDelay      int
	ConnectTimeout  int
	RequestTimeout  int
	AcceptTimeout   int
	ReleaseTimeout  int
	ResponseTimeout int
	RetrieveTimeout int
	IdleTimeout     int
}

// DefaultConnectOptions mirrors the conventional DICOM tool defaults.
func DefaultConnectOptions() ConnectOptions {
	return ConnectOptions{
		MaxPduLenRcv:    16384,
		MaxPduLenSnd:    16384,
		Backlog:         50,
		TCPNoDelay:      true,
		ConnectTimeout:  30000,
		ReleaseTimeout:  5000,
		ResponseTimeout: 60000,
	}
}

func millis(v int) time.Duration {
	if v <= 0 {
		return 0
	}
	return time.Duration(v) * time.Millisecond
}

// ConnectTimeoutDuration returns the dial timeout, 0 for none.
func (o ConnectOptions) ConnectTimeoutDuration() time.Duration { return millis(o.ConnectTimeout) }

// ReleaseTimeoutDuration bounds the wait for A-RELEASE-RP.
func (o ConnectOptions) ReleaseTimeoutDuration() time.Duration { return millis(o.ReleaseTimeout) }

// ResponseTimeoutDuration bounds the wait for a DIMSE response.
func (o ConnectOptions) ResponseTimeoutDuration() time.Duration { return millis(o.ResponseTimeout) }
