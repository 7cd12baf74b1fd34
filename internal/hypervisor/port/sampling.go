package port

import (
	"runtime"
	"time"

	"apexhv/internal/hypervisor/clock"
	apperrors "apexhv/pkg/errors"
)

// Sampling region layout, all fields 8-byte words:
//
//	0   seq    odd while a write is in progress
//	8   stamp  write time in nanoseconds since the clock base
//	16  len    message length
//	24  data   msg_size bytes rounded up to a word
const (
	samplingSeqOff   = 0
	samplingStampOff = 8
	samplingLenOff   = 16
	samplingDataOff  = 24
)

// SamplingRegionSize returns the region size needed for msgSize.
func SamplingRegionSize(msgSize int) int {
	return samplingDataOff + align8(msgSize)
}

// Sampling holds the latest value of a sampling channel. There is one writer;
// readers never block and never observe a torn value.
type Sampling struct {
	region  Region
	buf     []byte
	msgSize int
	refresh time.Duration
	clock   clock.Clock
	// readOnly is set for a partition's mapping of a destination port.
	readOnly bool
}

// NewSampling lays a sampling channel over region.
func NewSampling(region Region, msgSize int, refresh time.Duration, clk clock.Clock) (*Sampling, error) {
	if msgSize <= 0 {
		return nil, apperrors.New(apperrors.ChannelInvalid).WithMessage("sampling msg_size must be positive")
	}
	buf := region.Bytes()
	if len(buf) < SamplingRegionSize(msgSize) {
		return nil, apperrors.Newf(apperrors.ChannelInvalid, "sampling region too small: %d < %d", len(buf), SamplingRegionSize(msgSize))
	}
	s := &Sampling{region: region, buf: buf, msgSize: msgSize, refresh: refresh, clock: clk}
	if ro, ok := region.(interface{ ReadOnly() bool }); ok {
		s.readOnly = ro.ReadOnly()
	}
	return s, nil
}

func (s *Sampling) Kind() Kind { return KindSampling }

func (s *Sampling) MsgSize() int { return s.msgSize }

// RefreshPeriod returns the validity window of a written value.
func (s *Sampling) RefreshPeriod() time.Duration { return s.refresh }

// Write overwrites the value and stamps it with the current time.
func (s *Sampling) Write(msg []byte) error {
	if s.readOnly {
		return apperrors.New(apperrors.PortDirection).WithMessage("sampling port is mapped read-only")
	}
	if len(msg) > s.msgSize {
		return apperrors.Newf(apperrors.MessageTooLarge, "message of %d bytes exceeds msg_size %d", len(msg), s.msgSize).
			WithDetail("size", len(msg)).
			WithDetail("msg_size", s.msgSize)
	}
	seq := word(s.buf, samplingSeqOff)
	seq.Add(1)
	storeWords(s.buf, samplingDataOff, msg)
	word(s.buf, samplingLenOff).Store(uint64(len(msg)))
	word(s.buf, samplingStampOff).Store(uint64(s.clock.Now()))
	seq.Add(1)
	return nil
}

// Read returns the last written value and its validity. A channel that was
// never written yields NoMessage.
func (s *Sampling) Read() (Message, error) {
	seq := word(s.buf, samplingSeqOff)
	for {
		before := seq.Load()
		if before == 0 {
			return Message{}, apperrors.New(apperrors.NoMessage)
		}
		if before&1 == 1 {
			runtime.Gosched()
			continue
		}
		n := int(word(s.buf, samplingLenOff).Load())
		stamp := time.Duration(word(s.buf, samplingStampOff).Load())
		if n > s.msgSize {
			runtime.Gosched()
			continue
		}
		data := loadWords(s.buf, samplingDataOff, n)
		if seq.Load() != before {
			continue
		}
		age := s.clock.Now() - stamp
		return Message{Data: data, Stamp: stamp, Valid: age <= s.refresh}, nil
	}
}

// Reset forgets the stored value.
func (s *Sampling) Reset() {
	if s.readOnly {
		return
	}
	seq := word(s.buf, samplingSeqOff)
	seq.Add(1)
	word(s.buf, samplingLenOff).Store(0)
	word(s.buf, samplingStampOff).Store(0)
	seq.Store(0)
}
