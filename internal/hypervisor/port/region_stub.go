//go:build !linux

package port

import "errors"

// SharedAllocator falls back to heap regions where memfd is unavailable.
func SharedAllocator(name string, size int) (Region, error) {
	return HeapAllocator(name, size)
}

// MapReadOnly is unsupported without memfd; readers go through calls.
func MapReadOnly(_ uintptr, _ int) (Region, error) {
	return nil, errors.ErrUnsupported
}
