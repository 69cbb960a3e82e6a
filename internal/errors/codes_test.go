package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestStorageError_ToGRPCStatus(t *testing.T) {
	tests := []struct {
		name     string
		err      *StorageError
		wantCode codes.Code
	}{
		{"invalid key", InvalidKey("", "empty key"), codes.InvalidArgument},
		{"merge failure", MergeFailure("a", fmt.Errorf("boom")), codes.FailedPrecondition},
		{"partition unreachable", PartitionUnreachable("p1", nil), codes.Unavailable},
		{"protocol error", ProtocolError("bad frame", nil), codes.Internal},
		{"consolidation conflict", ConsolidationConflict("busy"), codes.Aborted},
		{"disk full", DiskFull(99.5, 10), codes.ResourceExhausted},
		{"corrupted", CorruptedData("bad crc", nil), codes.DataLoss},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := tt.err.ToGRPCStatus()
			assert.Equal(t, tt.wantCode, st.Code())
			assert.Contains(t, st.Message(), tt.err.Message)
		})
	}
}

func TestFromGRPCError_RoundTrip(t *testing.T) {
	codesToCheck := []*StorageError{
		InvalidKey("k", "too long"),
		MergeFailure("k", nil),
		PartitionUnreachable("p2", nil),
		ProtocolError("desync", nil),
		ConsolidationConflict("overlap"),
	}

	for _, original := range codesToCheck {
		t.Run(original.Code.Reason(), func(t *testing.T) {
			wire := original.ToGRPCStatus().Err()

			rebuilt := FromGRPCError(wire)
			require.True(t, IsStorageError(rebuilt))
			assert.Equal(t, original.Code, GetCode(rebuilt))
		})
	}
}

func TestFromGRPCError_PlainStatus(t *testing.T) {
	err := FromGRPCError(status.Error(codes.Unavailable, "connection refused"))
	assert.Equal(t, ErrCodePartitionUnreachable, GetCode(err))
	assert.True(t, IsRetryable(err))

	err = FromGRPCError(status.Error(codes.Unimplemented, "unknown method"))
	assert.Equal(t, ErrCodeProtocolError, GetCode(err))

	assert.NoError(t, FromGRPCError(nil))
}

func TestHasCode_Wrapped(t *testing.T) {
	err := fmt.Errorf("upload failed: %w", MergeFailure("x", stderrors.New("incompatible")))

	assert.True(t, IsMergeFailure(err))
	assert.False(t, HasCode(err, ErrCodeInvalidKey))
	assert.Equal(t, ErrCodeInternal, GetCode(stderrors.New("plain")))
}

func TestRetryable(t *testing.T) {
	assert.True(t, PartitionUnreachable("p", nil).Retryable())
	assert.True(t, ConsolidationConflict("x").Retryable())
	assert.False(t, InvalidKey("k", "bad").Retryable())
	assert.False(t, MergeFailure("k", nil).Retryable())
}
