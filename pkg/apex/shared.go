package apex

import (
	"fmt"
	"time"

	"apexhv/internal/hypervisor/clock"
	"apexhv/internal/hypervisor/port"
	apperrors "apexhv/pkg/errors"
)

// mapSampling maps a destination region handed out by create. Mappings are
// cached per descriptor so a repeated create reuses the first one.
func (c *Client) mapSampling(r *SharedRegion) (*port.Sampling, error) {
	c.regionsMu.Lock()
	defer c.regionsMu.Unlock()
	if s, ok := c.regions[r.Fd]; ok {
		return s, nil
	}
	if r.Fd <= CallFD || r.Size < port.SamplingRegionSize(r.MsgSize) {
		return nil, fmt.Errorf("invalid shared region fd=%d size=%d", r.Fd, r.Size)
	}
	region, err := port.MapReadOnly(uintptr(r.Fd), r.Size)
	if err != nil {
		return nil, err
	}
	s, err := port.NewSampling(region, r.MsgSize, time.Duration(r.RefreshPeriod), clock.FromBase(time.Duration(r.ClockBase)))
	if err != nil {
		_ = region.Close()
		return nil, err
	}
	if c.regions == nil {
		c.regions = make(map[int]*port.Sampling)
	}
	c.regions[r.Fd] = s
	return s, nil
}

// readLocal reads a mapped destination and reports it like the call would.
func readLocal(s *port.Sampling) ([]byte, bool, error) {
	msg, err := s.Read()
	if err != nil {
		if apperrors.Is(err, apperrors.NoMessage) {
			return nil, false, &CallError{Op: OpReadSampling, Code: NoAction, Message: "no message written yet"}
		}
		return nil, false, &CallError{Op: OpReadSampling, Code: NotAvailable, Message: err.Error()}
	}
	return msg.Data, msg.Valid, nil
}
