package errors

import (
	stderrors "errors"
	"fmt"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrorDomain is attached to every ErrorInfo sent over the wire
const ErrorDomain = "crdt.pairdb"

// ErrorCode represents internal error codes for storage operations
type ErrorCode int

const (
	ErrCodeOK ErrorCode = 0

	// Client errors (4xx equivalent)
	ErrCodeInvalidArgument ErrorCode = 1000
	ErrCodeInvalidKey      ErrorCode = 1001
	ErrCodeKeyTooLarge     ErrorCode = 1002
	ErrCodeStateTooLarge   ErrorCode = 1003
	ErrCodeMergeFailure    ErrorCode = 1004
	ErrCodeProtocolError   ErrorCode = 1005
	ErrCodeChecksumFailed  ErrorCode = 1006

	// Server errors (5xx equivalent)
	ErrCodeInternal              ErrorCode = 2000
	ErrCodeUnavailable           ErrorCode = 2001
	ErrCodeDiskFull              ErrorCode = 2002
	ErrCodeDiskThrottled         ErrorCode = 2003
	ErrCodePartitionUnreachable  ErrorCode = 2004
	ErrCodeConsolidationConflict ErrorCode = 2005
	ErrCodeSegmentFailed         ErrorCode = 2006
	ErrCodeCorruptedData         ErrorCode = 2007
)

var reasons = map[ErrorCode]string{
	ErrCodeInvalidArgument:       "INVALID_ARGUMENT",
	ErrCodeInvalidKey:            "INVALID_KEY",
	ErrCodeKeyTooLarge:           "KEY_TOO_LARGE",
	ErrCodeStateTooLarge:         "STATE_TOO_LARGE",
	ErrCodeMergeFailure:          "MERGE_FAILURE",
	ErrCodeProtocolError:         "PROTOCOL_ERROR",
	ErrCodeChecksumFailed:        "CHECKSUM_FAILED",
	ErrCodeInternal:              "INTERNAL",
	ErrCodeUnavailable:           "UNAVAILABLE",
	ErrCodeDiskFull:              "DISK_FULL",
	ErrCodeDiskThrottled:         "DISK_THROTTLED",
	ErrCodePartitionUnreachable:  "PARTITION_UNREACHABLE",
	ErrCodeConsolidationConflict: "CONSOLIDATION_CONFLICT",
	ErrCodeSegmentFailed:         "SEGMENT_FAILED",
	ErrCodeCorruptedData:         "CORRUPTED_DATA",
}

// Reason returns the stable wire name of the code
func (c ErrorCode) Reason() string {
	if r, ok := reasons[c]; ok {
		return r
	}
	return reasons[ErrCodeInternal]
}

// String implements fmt.Stringer
func (c ErrorCode) String() string {
	return c.Reason()
}

// codeFromReason is the inverse of Reason
func codeFromReason(reason string) (ErrorCode, bool) {
	for code, r := range reasons {
		if r == reason {
			return code, true
		}
	}
	return ErrCodeInternal, false
}

// StorageError represents a structured error with code and context
type StorageError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *StorageError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *StorageError) Unwrap() error {
	return e.Cause
}

// Retryable reports whether the operation may succeed if repeated as is.
// Merges are idempotent so every transport-level failure is safe to retry.
func (e *StorageError) Retryable() bool {
	switch e.Code {
	case ErrCodeUnavailable, ErrCodePartitionUnreachable, ErrCodeProtocolError,
		ErrCodeConsolidationConflict, ErrCodeDiskThrottled:
		return true
	default:
		return false
	}
}

// ToGRPCStatus converts StorageError to gRPC status
func (e *StorageError) ToGRPCStatus() *status.Status {
	st := status.New(e.toGRPCCode(), e.Error())

	metadata := make(map[string]string, len(e.Details))
	for k, v := range e.Details {
		metadata[k] = fmt.Sprint(v)
	}

	detailed, err := st.WithDetails(&errdetails.ErrorInfo{
		Reason:   e.Code.Reason(),
		Domain:   ErrorDomain,
		Metadata: metadata,
	})
	if err != nil {
		return st
	}
	return detailed
}

// toGRPCCode maps internal error codes to gRPC codes
func (e *StorageError) toGRPCCode() codes.Code {
	switch e.Code {
	case ErrCodeOK:
		return codes.OK
	case ErrCodeInvalidArgument, ErrCodeInvalidKey, ErrCodeKeyTooLarge, ErrCodeStateTooLarge:
		return codes.InvalidArgument
	case ErrCodeMergeFailure:
		return codes.FailedPrecondition
	case ErrCodeProtocolError:
		return codes.Internal
	case ErrCodeConsolidationConflict:
		return codes.Aborted
	case ErrCodeDiskFull:
		return codes.ResourceExhausted
	case ErrCodeChecksumFailed, ErrCodeCorruptedData:
		return codes.DataLoss
	case ErrCodeUnavailable, ErrCodeDiskThrottled, ErrCodePartitionUnreachable:
		return codes.Unavailable
	default:
		return codes.Internal
	}
}

// FromGRPCError rebuilds a StorageError from an error returned by a gRPC call.
// Errors without ErrorInfo are classified by their gRPC code.
func FromGRPCError(err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if stderrors.As(err, &se) {
		return se
	}

	st, ok := status.FromError(err)
	if !ok {
		return PartitionUnreachable("", err)
	}

	for _, d := range st.Details() {
		info, ok := d.(*errdetails.ErrorInfo)
		if !ok || info.GetDomain() != ErrorDomain {
			continue
		}
		code, _ := codeFromReason(info.GetReason())
		out := NewStorageError(code, st.Message(), nil)
		for k, v := range info.GetMetadata() {
			out.Details[k] = v
		}
		return out
	}

	switch st.Code() {
	case codes.Unavailable, codes.DeadlineExceeded, codes.Canceled:
		return PartitionUnreachable("", err)
	case codes.InvalidArgument:
		return InvalidArgument(st.Message(), nil)
	case codes.Internal, codes.Unimplemented, codes.DataLoss:
		return ProtocolError(st.Message(), err)
	default:
		return NewStorageError(ErrCodeInternal, st.Message(), err)
	}
}

// NewStorageError creates a new StorageError
func NewStorageError(code ErrorCode, message string, cause error) *StorageError {
	return &StorageError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// WithDetail adds a detail to the error
func (e *StorageError) WithDetail(key string, value interface{}) *StorageError {
	e.Details[key] = value
	return e
}

// Convenience constructors for common errors

func InvalidArgument(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeInvalidArgument, message, cause)
}

func InvalidKey(key, reason string) *StorageError {
	return NewStorageError(ErrCodeInvalidKey, fmt.Sprintf("invalid key '%s': %s", key, reason), nil).
		WithDetail("key", key).
		WithDetail("reason", reason)
}

func KeyTooLarge(size, maxSize int) *StorageError {
	return NewStorageError(ErrCodeKeyTooLarge, fmt.Sprintf("key size %d exceeds maximum %d", size, maxSize), nil).
		WithDetail("size", size).
		WithDetail("max_size", maxSize)
}

func StateTooLarge(size, maxSize int) *StorageError {
	return NewStorageError(ErrCodeStateTooLarge, fmt.Sprintf("state size %d exceeds maximum %d", size, maxSize), nil).
		WithDetail("size", size).
		WithDetail("max_size", maxSize)
}

func MergeFailure(key string, cause error) *StorageError {
	return NewStorageError(ErrCodeMergeFailure, fmt.Sprintf("merge failed for key '%s'", key), cause).
		WithDetail("key", key)
}

func PartitionUnreachable(partitionID string, cause error) *StorageError {
	msg := "partition unreachable"
	if partitionID != "" {
		msg = fmt.Sprintf("partition %s unreachable", partitionID)
	}
	return NewStorageError(ErrCodePartitionUnreachable, msg, cause).
		WithDetail("partition_id", partitionID)
}

func ProtocolError(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeProtocolError, message, cause)
}

func ConsolidationConflict(message string) *StorageError {
	return NewStorageError(ErrCodeConsolidationConflict, message, nil)
}

func ChecksumFailed(expected, actual uint32) *StorageError {
	return NewStorageError(ErrCodeChecksumFailed, fmt.Sprintf("checksum validation failed: expected %d, got %d", expected, actual), nil).
		WithDetail("expected", expected).
		WithDetail("actual", actual)
}

func InternalError(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeInternal, message, cause)
}

func Unavailable(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeUnavailable, message, cause)
}

func DiskFull(usagePercent float64, availableBytes uint64) *StorageError {
	return NewStorageError(ErrCodeDiskFull, fmt.Sprintf("disk full: %.2f%% used, %d bytes available", usagePercent, availableBytes), nil).
		WithDetail("usage_percent", usagePercent).
		WithDetail("available_bytes", availableBytes)
}

func DiskThrottled(usagePercent float64) *StorageError {
	return NewStorageError(ErrCodeDiskThrottled, fmt.Sprintf("disk write throttled: %.2f%% used", usagePercent), nil).
		WithDetail("usage_percent", usagePercent)
}

func SegmentFailed(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeSegmentFailed, message, cause)
}

func CorruptedData(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeCorruptedData, message, cause)
}

// IsStorageError checks if an error is a StorageError
func IsStorageError(err error) bool {
	var se *StorageError
	return stderrors.As(err, &se)
}

// GetCode extracts the error code from an error
func GetCode(err error) ErrorCode {
	var se *StorageError
	if stderrors.As(err, &se) {
		return se.Code
	}
	return ErrCodeInternal
}

// HasCode reports whether err carries the given code anywhere in its chain
func HasCode(err error, code ErrorCode) bool {
	var se *StorageError
	return stderrors.As(err, &se) && se.Code == code
}

// IsMergeFailure reports whether err concerns a single record whose merge failed
func IsMergeFailure(err error) bool {
	return HasCode(err, ErrCodeMergeFailure)
}

// IsRetryable reports whether err is a StorageError that is safe to retry
func IsRetryable(err error) bool {
	var se *StorageError
	return stderrors.As(err, &se) && se.Retryable()
}
