package sensor

import (
	"errors"
	"fmt"
)

var (
	// ErrAuth means the vendor rejected the configured credentials. It is not
	// retried automatically.
	ErrAuth = errors.New("authentication rejected")
	// ErrTokenExpired means the session token is no longer accepted; the caller
	// should log in again once and retry.
	ErrTokenExpired = errors.New("session token expired")
	// ErrNetwork covers timeouts, connection failures, 5xx answers and an open
	// circuit breaker. Retried on the next scheduled cycle.
	ErrNetwork = errors.New("network failure")
	// ErrCapture is a stream-specific capture failure.
	ErrCapture = errors.New("capture failed")
	// ErrNotFound is returned by stores for missing rows.
	ErrNotFound = errors.New("not found")
	// ErrDropped matches every *DropError.
	ErrDropped = errors.New("reading dropped")
)

// DropReason explains why the normalizer discarded a metric.
type DropReason string

const (
	DropMissingDevice  DropReason = "missing_device"
	DropMissingMetric  DropReason = "missing_metric"
	DropInvalidValue   DropReason = "invalid_value"
	DropVendorMismatch DropReason = "vendor_mismatch"
)

// DropError is a data-quality rejection. The reading is discarded and the
// cycle continues.
type DropError struct {
	Reason   DropReason
	Vendor   Vendor
	DeviceID string
	Metric   string
}

func (e *DropError) Error() string {
	return fmt.Sprintf("reading dropped (%s): vendor=%s device=%q metric=%q", e.Reason, e.Vendor, e.DeviceID, e.Metric)
}

// Is lets errors.Is(err, ErrDropped) match any DropError.
func (e *DropError) Is(target error) bool {
	return target == ErrDropped
}
