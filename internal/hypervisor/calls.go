package hypervisor

import (
	"context"
	"time"

	"apexhv/internal/hypervisor/clock"
	"apexhv/internal/hypervisor/health"
	"apexhv/internal/hypervisor/partition"
	"apexhv/internal/hypervisor/port"
	"apexhv/internal/hypervisor/shim"
	"apexhv/pkg/apex"
	apperrors "apexhv/pkg/errors"
	"apexhv/pkg/utils/logger"

	"go.uber.org/zap"
)

// ReturnCodeFor maps a hypervisor error onto the APEX return code reported
// to the partition.
func ReturnCodeFor(err error) apex.ReturnCode {
	if err == nil {
		return apex.NoError
	}
	switch apperrors.GetCode(err) {
	case apperrors.InvalidParams, apperrors.PortNotCreated:
		return apex.InvalidParam
	case apperrors.PortNotFound, apperrors.ChannelInvalid, apperrors.MessageTooLarge:
		return apex.InvalidConfig
	case apperrors.PortDirection, apperrors.InvalidMode, apperrors.InvalidTransition, apperrors.PartitionStopped:
		return apex.InvalidMode
	case apperrors.NoMessage:
		return apex.NoAction
	case apperrors.ReadTimeout:
		return apex.TimedOut
	default:
		return apex.NotAvailable
	}
}

func errorResponse(err error) apex.Response {
	return apex.Response{Code: ReturnCodeFor(err), Message: err.Error()}
}

// handleCall answers one APEX call or parks it. Calls from a previous
// incarnation of the partition are dropped.
func (h *Hypervisor) handleCall(ctx context.Context, call shim.Call) {
	ps, ok := h.byID[call.Partition]
	if !ok || !ps.spawned() || ps.handle.Generation != call.Generation {
		return
	}
	req := call.Request
	now := h.clock.Now()

	switch req.Op {
	case apex.OpSetMode:
		h.setMode(ctx, ps, call)
	case apex.OpPeriodicWait:
		h.periodicWait(ps, call, now)
	case apex.OpTimedWait:
		h.timedWait(ps, call, now)
	case apex.OpReceiveQueuing:
		h.receiveQueuing(ctx, ps, call, now)
	case apex.OpRaiseError:
		call.Reply(apex.Response{Code: apex.NoError})
		h.monitor.Report(ctx, health.Fault{
			Partition: ps.desc.Name,
			Kind:      health.ApplicationError,
			Detail:    req.Message,
			At:        now,
			Frame:     ps.frame,
		})
	default:
		call.Reply(h.serve(ctx, ps, req, now))
	}
}

// serve answers calls that never block.
func (h *Hypervisor) serve(ctx context.Context, ps *partitionState, req apex.Request, now time.Duration) apex.Response {
	switch req.Op {
	case apex.OpGetStatus:
		return apex.Response{Code: apex.NoError, Status: h.status(ps)}
	case apex.OpGetTime:
		return apex.Response{Code: apex.NoError, Time: int64(now - ps.startedAt)}
	case apex.OpGetRemaining:
		return h.remaining(ps, now)
	case apex.OpLog:
		logger.Log(ps.ctx, req.Level, req.Message, zap.String("source", "partition"))
		return apex.Response{Code: apex.NoError}
	}

	if !req.Op.IsPortOp() {
		return apex.Response{Code: apex.InvalidParam, Message: "unknown operation " + string(req.Op)}
	}
	resp, err := h.portCall(ctx, ps, req, now)
	h.metrics.PortOperation(ps.desc.Name, string(req.Op), err)
	if err != nil {
		return errorResponse(err)
	}
	return resp
}

func (h *Hypervisor) status(ps *partitionState) *apex.PartitionStatus {
	return &apex.PartitionStatus{
		ID:             ps.desc.ID,
		Name:           ps.desc.Name,
		Mode:           ps.machine.Mode().String(),
		StartCondition: ps.machine.StartCondition().String(),
		Period:         int64(ps.desc.Slot.Period),
		Duration:       int64(ps.desc.Slot.Duration),
		Restarts:       ps.machine.Restarts(),
	}
}

func (h *Hypervisor) remaining(ps *partitionState, now time.Duration) apex.Response {
	if !ps.inWindow {
		return apex.Response{Code: apex.NotAvailable, Message: "partition is outside its window"}
	}
	left := ps.deadline - now
	if left < 0 {
		left = 0
	}
	return apex.Response{Code: apex.NoError, Remaining: int64(left)}
}

func (h *Hypervisor) setMode(ctx context.Context, ps *partitionState, call shim.Call) {
	var err error
	switch call.Request.Mode {
	case apex.ModeNormal:
		if ps.machine.Mode() == partition.Normal {
			call.Reply(apex.Response{Code: apex.NoAction})
			return
		}
		err = ps.machine.Ready()
	case apex.ModeIdle:
		err = ps.machine.Idle()
	case apex.ModeColdStart, apex.ModeWarmStart:
		call.Reply(apex.Response{Code: apex.NoError})
		warm := call.Request.Mode == apex.ModeWarmStart
		if err := h.restart(ctx, ps, warm, partition.PartitionRestart); err != nil {
			logger.Error(ps.ctx, "partition requested restart failed", zap.Error(err))
		}
		return
	default:
		call.Reply(apex.Response{Code: apex.InvalidParam, Message: "unknown mode " + call.Request.Mode})
		return
	}
	if err != nil {
		call.Reply(errorResponse(err))
		return
	}
	call.Reply(apex.Response{Code: apex.NoError})
}

func (h *Hypervisor) periodicWait(ps *partitionState, call shim.Call, now time.Duration) {
	if ps.machine.Mode() != partition.Normal {
		call.Reply(apex.Response{Code: apex.InvalidMode, Message: "periodic wait requires normal mode"})
		return
	}
	h.park(ps, &parkedCall{call: call, kind: waitPeriodic}, -1, now)
}

func (h *Hypervisor) timedWait(ps *partitionState, call shim.Call, now time.Duration) {
	timeout := time.Duration(call.Request.Timeout)
	switch {
	case timeout < 0:
		call.Reply(apex.Response{Code: apex.InvalidParam, Message: "timed wait needs a finite delay"})
	case timeout == 0:
		call.Reply(apex.Response{Code: apex.NoError})
	default:
		h.park(ps, &parkedCall{call: call, kind: waitTimed}, timeout, now)
	}
}

// portCall handles every port operation except blocking receive.
func (h *Hypervisor) portCall(ctx context.Context, ps *partitionState, req apex.Request, now time.Duration) (apex.Response, error) {
	switch req.Op {
	case apex.OpCreateSampling:
		return h.createPort(ps, req, port.KindSampling)
	case apex.OpCreateQueuing:
		return h.createPort(ps, req, port.KindQueuing)
	}

	b, err := h.registry.Resolve(ps.desc.Name, req.Port)
	if err != nil {
		return apex.Response{}, err
	}
	switch req.Op {
	case apex.OpWriteSampling, apex.OpSendQueuing:
		return h.writePort(ctx, ps, b, req, now)
	case apex.OpReadSampling:
		if err := expect(b, port.KindSampling, port.Destination); err != nil {
			return apex.Response{}, err
		}
		msg, err := b.Channel.Port.Read()
		if err != nil {
			return apex.Response{}, err
		}
		return apex.Response{Code: apex.NoError, Port: b.ID, Data: msg.Data, Valid: msg.Valid}, nil
	case apex.OpQueuingStatus:
		q, err := queueOf(b)
		if err != nil {
			return apex.Response{}, err
		}
		st := q.Status()
		return apex.Response{Code: apex.NoError, Port: b.ID, Queue: &apex.QueueStatus{
			Len:      st.Len,
			Capacity: st.Capacity,
			MsgSize:  st.MsgSize,
			Overflow: st.Overflow,
		}}, nil
	case apex.OpClearQueuing:
		if err := expect(b, port.KindQueuing, port.Destination); err != nil {
			return apex.Response{}, err
		}
		q, err := queueOf(b)
		if err != nil {
			return apex.Response{}, err
		}
		q.Clear()
		return apex.Response{Code: apex.NoError, Port: b.ID}, nil
	}
	return apex.Response{}, apperrors.Newf(apperrors.InvalidParams, "unsupported port operation %s", req.Op)
}

// createPort opens a declared port. Ports are created during start-up modes
// only.
func (h *Hypervisor) createPort(ps *partitionState, req apex.Request, kind port.Kind) (apex.Response, error) {
	if !ps.machine.Mode().Starting() {
		return apex.Response{}, apperrors.Newf(apperrors.InvalidMode, "ports are created in start modes, partition is %s", ps.machine.Mode())
	}
	dir, ok := port.ParseDirection(req.Direction)
	if !ok {
		return apex.Response{}, apperrors.Newf(apperrors.InvalidParams, "unknown direction %q", req.Direction)
	}
	ep := port.Endpoint{Partition: ps.desc.Name, Port: req.Name}
	if existing, ok := h.registry.Lookup(ep); ok {
		spec := existing.Channel.Spec
		if kind == port.KindQueuing && req.MsgNum > 0 && req.MsgNum != spec.MsgNum {
			return apex.Response{}, apperrors.Newf(apperrors.ChannelInvalid, "port %s: msg_num %d differs from channel msg_num %d", ep, req.MsgNum, spec.MsgNum)
		}
		if kind == port.KindSampling && req.RefreshPeriod > 0 && time.Duration(req.RefreshPeriod) != spec.RefreshPeriod {
			return apex.Response{}, apperrors.Newf(apperrors.ChannelInvalid, "port %s: refresh period %s differs from channel refresh period %s",
				ep, time.Duration(req.RefreshPeriod), spec.RefreshPeriod)
		}
	}
	b, already, err := h.registry.Open(ps.desc.Name, port.OpenRequest{
		Name:      req.Name,
		Kind:      kind,
		Direction: dir,
		MsgSize:   req.MsgSize,
	})
	if err != nil {
		return apex.Response{}, err
	}
	code := apex.NoError
	if already {
		code = apex.NoAction
	}
	resp := apex.Response{Code: code, Port: b.ID}
	fd, mapped := ps.readerFDs[req.Name]
	shared, ok := h.clock.(clock.Shared)
	if mapped && ok && kind == port.KindSampling && dir == port.Destination {
		// The partition reads this port from its own mapping.
		spec := b.Channel.Spec
		resp.Region = &apex.SharedRegion{
			Fd:            fd,
			Size:          port.SamplingRegionSize(spec.MsgSize),
			MsgSize:       spec.MsgSize,
			RefreshPeriod: int64(spec.RefreshPeriod),
			ClockBase:     int64(shared.Base()),
		}
	}
	return resp, nil
}

// writePort writes through a source port. Size and capacity violations are
// reported to the health monitor as well as to the caller.
func (h *Hypervisor) writePort(ctx context.Context, ps *partitionState, b *port.Binding, req apex.Request, now time.Duration) (apex.Response, error) {
	kind := port.KindSampling
	if req.Op == apex.OpSendQueuing {
		kind = port.KindQueuing
	}
	if err := expect(b, kind, port.Source); err != nil {
		return apex.Response{}, err
	}
	if !ps.machine.CanWritePorts() {
		return apex.Response{}, apperrors.Newf(apperrors.InvalidMode, "writes require normal mode, partition is %s", ps.machine.Mode())
	}
	if err := b.Channel.Port.Write(req.Data); err != nil {
		if apperrors.Is(err, apperrors.MessageTooLarge) || apperrors.Is(err, apperrors.QueueFull) {
			h.monitor.Report(ctx, health.Fault{
				Partition: ps.desc.Name,
				Kind:      health.PortViolation,
				Detail:    err.Error(),
				At:        now,
				Frame:     ps.frame,
			})
		}
		return apex.Response{}, err
	}
	if kind == port.KindQueuing {
		h.deliverParked(b.Channel)
	}
	return apex.Response{Code: apex.NoError, Port: b.ID}, nil
}

// receiveQueuing pops the head message or parks the call until a message
// arrives or the timeout passes.
func (h *Hypervisor) receiveQueuing(ctx context.Context, ps *partitionState, call shim.Call, now time.Duration) {
	req := call.Request
	b, err := h.registry.Resolve(ps.desc.Name, req.Port)
	if err == nil {
		err = expect(b, port.KindQueuing, port.Destination)
	}
	if err != nil {
		h.metrics.PortOperation(ps.desc.Name, string(req.Op), err)
		call.Reply(errorResponse(err))
		return
	}

	msg, err := b.Channel.Port.Read()
	if err == nil {
		h.metrics.PortOperation(ps.desc.Name, string(req.Op), nil)
		call.Reply(apex.Response{Code: apex.NoError, Port: b.ID, Data: msg.Data, Overflow: msg.Overflow})
		return
	}
	if !apperrors.Is(err, apperrors.QueueEmpty) || req.Timeout == 0 {
		h.metrics.PortOperation(ps.desc.Name, string(req.Op), err)
		call.Reply(errorResponse(err))
		return
	}
	h.park(ps, &parkedCall{call: call, kind: waitReceive, binding: b}, time.Duration(req.Timeout), now)
}

// deliverParked hands a fresh message to the destination's parked receive.
func (h *Hypervisor) deliverParked(ch *port.Channel) {
	if len(ch.Spec.Destinations) == 0 {
		return
	}
	ps, ok := h.byID[ch.Spec.Destinations[0].Partition]
	if !ok || ps.parked == nil || ps.parked.kind != waitReceive || ps.parked.binding.Channel != ch {
		return
	}
	msg, err := ch.Port.Read()
	if err != nil {
		return
	}
	pc := h.unpark(ps)
	h.metrics.PortOperation(ps.desc.Name, string(apex.OpReceiveQueuing), nil)
	pc.call.Reply(apex.Response{Code: apex.NoError, Port: pc.binding.ID, Data: msg.Data, Overflow: msg.Overflow})
}

func expect(b *port.Binding, kind port.Kind, dir port.Direction) error {
	if b.Channel.Spec.Kind != kind {
		return apperrors.Newf(apperrors.ChannelInvalid, "port %s is a %s port", b.Endpoint, b.Channel.Spec.Kind)
	}
	if b.Direction != dir {
		return apperrors.Newf(apperrors.PortDirection, "port %s is a %s port", b.Endpoint, b.Direction)
	}
	return nil
}

func queueOf(b *port.Binding) (*port.Queuing, error) {
	q, ok := b.Channel.Port.(*port.Queuing)
	if !ok {
		return nil, apperrors.Newf(apperrors.ChannelInvalid, "port %s is not a queuing port", b.Endpoint)
	}
	return q, nil
}
