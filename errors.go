package ppm

import "errors"

var (
	ErrUnknownConfig = errors.New("PPM / HPKE: no key for config id")
	ErrMalformedKey  = errors.New("PPM / HPKE: malformed encapsulated key")
	ErrDecrypt       = errors.New("PPM / HPKE: authentication failure")

	ErrInvalidShare = errors.New("PPM / VDAF: invalid share encoding")
	ErrVerifyFailed = errors.New("PPM / VDAF: proof verification failed")
	ErrMeasurement  = errors.New("PPM / VDAF: measurement out of range")

	ErrIncompleteReport = errors.New("PPM: report is missing an input share")
	ErrUnknownTask      = errors.New("PPM: unrecognized task")
	ErrDuplicateReport  = errors.New("PPM: report was already aggregated")
	ErrUnknownReport    = errors.New("PPM: report is not pending on this aggregator")

	ErrStaleReport           = errors.New("PPM: report falls in a collected interval")
	ErrInvalidBatchInterval  = errors.New("PPM: invalid batch interval")
	ErrInsufficientBatchSize = errors.New("PPM: insufficient batch size")
	ErrPrivacyBudgetExceeded = errors.New("PPM: privacy budget exceeded")
	ErrBatchMismatch         = errors.New("PPM: aggregators disagree on the batch")
)
