//go:build !linux

package isolation

import (
	"context"
	"time"

	apperrors "apexhv/pkg/errors"
)

type stubManager struct {
	exits chan ExitEvent
}

// NewManager returns a manager that cannot spawn partitions.
func NewManager(cfg Config) (Manager, error) {
	return &stubManager{exits: make(chan ExitEvent)}, nil
}

func (m *stubManager) Spawn(ctx context.Context, req SpawnRequest) (Handle, error) {
	return Handle{}, apperrors.New(apperrors.Unsupported).WithMessage("partition isolation requires linux")
}

func (m *stubManager) Resume(ctx context.Context, h Handle) error {
	return apperrors.New(apperrors.HandleInvalid)
}

func (m *stubManager) Suspend(ctx context.Context, h Handle) error {
	return apperrors.New(apperrors.HandleInvalid)
}

func (m *stubManager) Kill(ctx context.Context, h Handle) error {
	return apperrors.New(apperrors.HandleInvalid)
}

func (m *stubManager) Usage(h Handle) (time.Duration, error) {
	return 0, apperrors.New(apperrors.HandleInvalid)
}

func (m *stubManager) Runtime(h Handle) (RuntimeView, bool) {
	return RuntimeView{}, false
}

func (m *stubManager) Exits() <-chan ExitEvent {
	return m.exits
}

func (m *stubManager) Close(ctx context.Context) error {
	return nil
}
