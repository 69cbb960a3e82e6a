package handler

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"time"

	"github.com/devrev/pairdb/crdt-storage/internal/codec"
	"github.com/devrev/pairdb/crdt-storage/internal/crdt"
	"github.com/devrev/pairdb/crdt-storage/internal/errors"
	"github.com/devrev/pairdb/crdt-storage/internal/metrics"
	"github.com/devrev/pairdb/crdt-storage/internal/validation"
	pb "github.com/devrev/pairdb/crdt-storage/pkg/proto"
	"go.uber.org/zap"
	"golang.org/x/exp/constraints"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	opUpload   = "upload"
	opDownload = "download"
	opRemove   = "remove"
)

// CrdtHandler serves a local storage backend over the CrdtStorage service
type CrdtHandler[K constraints.Ordered, S any] struct {
	pb.UnimplementedCrdtStorageServer

	storage   crdt.Storage[K, S]
	records   *codec.RecordCodec[K, S]
	validator *validation.Validator
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

// NewCrdtHandler creates a handler. validator and m may be nil.
func NewCrdtHandler[K constraints.Ordered, S any](
	storage crdt.Storage[K, S],
	records *codec.RecordCodec[K, S],
	validator *validation.Validator,
	m *metrics.Metrics,
	logger *zap.Logger,
) *CrdtHandler[K, S] {
	if validator == nil {
		validator = validation.NewValidator()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CrdtHandler[K, S]{
		storage:   storage,
		records:   records,
		validator: validator,
		metrics:   m,
		logger:    logger,
	}
}

// Upload merges every streamed record into the local backend. Records whose
// merge fails are skipped; the stream ends with a MergeFailure status naming
// how many were skipped once the others are committed.
func (h *CrdtHandler[K, S]) Upload(stream pb.UploadServer) (err error) {
	ctx := stream.Context()
	start := time.Now()
	records, failures := 0, 0
	defer func() {
		h.metrics.RecordStream(opUpload, records, failures, time.Since(start), err)
	}()

	sink, err := h.storage.Upload(ctx)
	if err != nil {
		return h.toStatus(opUpload, err)
	}

	var firstFailure error
	for {
		frame, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			sink.Abort()
			return h.toStatus(opUpload, err)
		}

		rec, err := h.decodeRecord(frame.GetValue())
		if err != nil {
			sink.Abort()
			return h.toStatus(opUpload, err)
		}

		if err := sink.Send(rec); err != nil {
			if errors.IsMergeFailure(err) {
				failures++
				if firstFailure == nil {
					firstFailure = err
				}
				continue
			}
			sink.Abort()
			return h.toStatus(opUpload, err)
		}
		records++
	}

	if err := sink.Close(); err != nil {
		return h.toStatus(opUpload, err)
	}
	if failures > 0 {
		return h.toStatus(opUpload, mergeFailures(failures, firstFailure))
	}
	return stream.SendAndClose(&emptypb.Empty{})
}

// Download streams the local backend from the requested watermark. Keys
// whose merge failed are left out and reported in the final status.
func (h *CrdtHandler[K, S]) Download(req *wrapperspb.Int64Value, stream pb.DownloadServer) (err error) {
	ctx := stream.Context()
	start := time.Now()
	records, failures := 0, 0
	defer func() {
		h.metrics.RecordStream(opDownload, records, failures, time.Since(start), err)
	}()

	if req.GetValue() < 0 {
		return h.toStatus(opDownload, errors.InvalidArgument("since must not be negative", nil))
	}

	src, err := h.storage.Download(ctx, req.GetValue())
	if err != nil {
		return h.toStatus(opDownload, err)
	}
	defer src.Close()

	var firstFailure error
	for {
		rec, err := src.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			if errors.IsMergeFailure(err) {
				failures++
				if firstFailure == nil {
					firstFailure = err
				}
				continue
			}
			return h.toStatus(opDownload, err)
		}

		data, err := h.records.Encode(rec.Key, rec.State)
		if err != nil {
			return h.toStatus(opDownload, errors.InternalError("failed to encode record", err))
		}
		if err := stream.Send(wrapperspb.Bytes(data)); err != nil {
			return h.toStatus(opDownload, err)
		}
		records++
	}

	if failures > 0 {
		return h.toStatus(opDownload, mergeFailures(failures, firstFailure))
	}
	return nil
}

// Remove tombstones every streamed key
func (h *CrdtHandler[K, S]) Remove(stream pb.RemoveServer) (err error) {
	ctx := stream.Context()
	start := time.Now()
	keys := 0
	defer func() {
		h.metrics.RecordStream(opRemove, keys, 0, time.Since(start), err)
	}()

	sink, err := h.storage.Remove(ctx)
	if err != nil {
		return h.toStatus(opRemove, err)
	}

	for {
		frame, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			sink.Abort()
			return h.toStatus(opRemove, err)
		}

		key, err := h.decodeKey(frame.GetValue())
		if err != nil {
			sink.Abort()
			return h.toStatus(opRemove, err)
		}
		if err := sink.Send(key); err != nil {
			sink.Abort()
			return h.toStatus(opRemove, err)
		}
		keys++
	}

	if err := sink.Close(); err != nil {
		return h.toStatus(opRemove, err)
	}
	return stream.SendAndClose(&emptypb.Empty{})
}

// Ping reports whether the local backend is usable
func (h *CrdtHandler[K, S]) Ping(ctx context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	if err := h.storage.Ping(ctx); err != nil {
		return nil, h.toStatus("ping", err)
	}
	return &emptypb.Empty{}, nil
}

func (h *CrdtHandler[K, S]) decodeRecord(data []byte) (crdt.Record[K, S], error) {
	var rec crdt.Record[K, S]

	kb, sb, err := h.records.Split(data)
	if err != nil {
		return rec, errors.ProtocolError("malformed record frame", err)
	}
	if err := h.validator.ValidateRecord(kb, sb); err != nil {
		return rec, err
	}

	key, state, err := h.records.DecodeParts(kb, sb)
	if err != nil {
		var de *codec.DecodeError
		if stderrors.As(err, &de) && de.Part == codec.PartKey {
			return rec, errors.InvalidKey(validation.SanitizeKey(string(kb)), de.Err.Error())
		}
		return rec, errors.ProtocolError("malformed record state", err)
	}
	rec.Key, rec.State = key, state
	return rec, nil
}

func (h *CrdtHandler[K, S]) decodeKey(data []byte) (K, error) {
	if err := h.validator.ValidateKey(data); err != nil {
		var zero K
		return zero, err
	}
	key, err := h.records.Keys.Decode(data)
	if err != nil {
		return key, errors.InvalidKey(validation.SanitizeKey(string(data)), err.Error())
	}
	return key, nil
}

func mergeFailures(n int, first error) error {
	return errors.NewStorageError(errors.ErrCodeMergeFailure,
		fmt.Sprintf("merge failed for %d records", n), first).
		WithDetail("failed_records", n)
}

// toStatus converts err into the status sent to the peer
func (h *CrdtHandler[K, S]) toStatus(op string, err error) error {
	if _, ok := status.FromError(err); ok && !errors.IsStorageError(err) {
		return err
	}
	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return status.FromContextError(err).Err()
	}

	var se *errors.StorageError
	if !stderrors.As(err, &se) {
		se = errors.InternalError(fmt.Sprintf("%s failed", op), err)
	}

	if se.Code == errors.ErrCodeMergeFailure || se.Code == errors.ErrCodeInvalidKey {
		h.logger.Warn("Stream rejected",
			zap.String("operation", op),
			zap.String("reason", se.Code.Reason()),
			zap.Error(err))
	} else {
		h.logger.Error("Stream failed",
			zap.String("operation", op),
			zap.String("reason", se.Code.Reason()),
			zap.Error(err))
	}
	return se.ToGRPCStatus().Err()
}
