//go:build !linux

package shim

import (
	"os"

	apperrors "apexhv/pkg/errors"
)

// NewPair is only available on Linux.
func NewPair(name string) (*os.File, *os.File, error) {
	return nil, nil, apperrors.Newf(apperrors.Unsupported, "call socket for %s requires linux", name)
}
