package hypervisor

import (
	"context"

	"apexhv/internal/hypervisor/partition"
	apperrors "apexhv/pkg/errors"
	"apexhv/pkg/utils/logger"

	"go.uber.org/zap"
)

// WarmRestart restarts the partition keeping every channel's contents.
func (h *Hypervisor) WarmRestart(ctx context.Context, name string) error {
	ps, err := h.lookup(name)
	if err != nil {
		return err
	}
	return h.restart(ctx, ps, true, partition.HMWarmRestart)
}

// ColdRestart restarts the partition and clears the channels it owns.
func (h *Hypervisor) ColdRestart(ctx context.Context, name string) error {
	ps, err := h.lookup(name)
	if err != nil {
		return err
	}
	return h.restart(ctx, ps, false, partition.HMColdRestart)
}

// StopPartition kills the partition for the rest of the run.
func (h *Hypervisor) StopPartition(ctx context.Context, name string) error {
	ps, err := h.lookup(name)
	if err != nil {
		return err
	}
	err = h.release(ctx, ps)
	ps.machine.Stop()
	logger.Warn(ps.ctx, "partition stopped")
	return err
}

// ShutdownModule ends Run after the current event.
func (h *Hypervisor) ShutdownModule(ctx context.Context, reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.shutdown == "" {
		h.shutdown = reason
		logger.Error(ctx, "module shutdown requested", zap.String("reason", reason))
	}
}

// restart replaces the partition's execution context. Channel memory
// survives; a cold restart additionally resets the channels the partition
// owns. A failed respawn leaves the partition stopped.
func (h *Hypervisor) restart(ctx context.Context, ps *partitionState, warm bool, cond partition.StartCondition) error {
	if err := h.release(ctx, ps); err != nil {
		logger.Warn(ps.ctx, "kill before restart failed", zap.Error(err))
	}
	if !warm {
		if reset := h.registry.ResetOwned(ps.desc.Name); len(reset) > 0 {
			logger.Info(ps.ctx, "channels reset", zap.Strings("channels", reset))
		}
	}
	if err := ps.machine.Restart(warm, cond); err != nil {
		return err
	}
	h.metrics.Restart(ps.desc.Name, warm)
	if err := h.spawn(ctx, ps); err != nil {
		ps.machine.Stop()
		return apperrors.Wrapf(err, apperrors.IsolationFailed, "respawn %s", ps.desc.Name)
	}
	logger.Info(ps.ctx, "partition restarted",
		zap.Bool("warm", warm),
		zap.String("condition", cond.String()),
		zap.Uint64("generation", ps.handle.Generation),
	)
	return nil
}

func (h *Hypervisor) lookup(name string) (*partitionState, error) {
	ps, ok := h.byID[name]
	if !ok {
		return nil, apperrors.Newf(apperrors.PartitionUnknown, "unknown partition %s", name)
	}
	return ps, nil
}
