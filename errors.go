package sqsclaimcheck

import (
	"errors"
	"fmt"
)

// ErrObjectPrefix is returned by WithObjectPrefix when the prefix contains
// characters outside the S3 safe character set.
var ErrObjectPrefix = errors.New("object prefix contains invalid characters")

// LargePayloadError reports a failure while fetching, reading, or releasing an
// offloaded payload. It lets callers tell large-payload handling failures
// apart from errors raised by their own handler code; the underlying cause is
// available through errors.Is / errors.As.
type LargePayloadError struct {
	Bucket string
	Key    string
	Err    error
}

func (e *LargePayloadError) Error() string {
	return fmt.Sprintf("failed processing large payload (%s/%s): %v", e.Bucket, e.Key, e.Err)
}

func (e *LargePayloadError) Unwrap() error { return e.Err }
