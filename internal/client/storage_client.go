package client

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/devrev/pairdb/crdt-storage/internal/codec"
	"github.com/devrev/pairdb/crdt-storage/internal/crdt"
	"github.com/devrev/pairdb/crdt-storage/internal/errors"
	pb "github.com/devrev/pairdb/crdt-storage/pkg/proto"
	"go.uber.org/zap"
	"golang.org/x/exp/constraints"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Config holds the settings of one remote partition
type Config struct {
	Address string
	// CallTimeout bounds Ping and opening a download
	CallTimeout time.Duration
	// StreamTimeout bounds a whole stream; zero means the caller's context decides
	StreamTimeout time.Duration
	MaxRetries    int
	RetryBackoff  time.Duration
}

func (c *Config) setDefaults() {
	if c.CallTimeout <= 0 {
		c.CallTimeout = 5 * time.Second
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 100 * time.Millisecond
	}
}

// StorageClient is a crdt.Storage backed by a remote partition
type StorageClient[K constraints.Ordered, S any] struct {
	cfg     Config
	pool    *ConnPool
	records *codec.RecordCodec[K, S]
	logger  *zap.Logger
}

var _ crdt.Storage[string, int] = (*StorageClient[string, int])(nil)

// NewStorageClient creates a client. Connections come from pool, which may
// be shared by the clients of every partition.
func NewStorageClient[K constraints.Ordered, S any](cfg Config, pool *ConnPool, records *codec.RecordCodec[K, S], logger *zap.Logger) *StorageClient[K, S] {
	cfg.setDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StorageClient[K, S]{
		cfg:     cfg,
		pool:    pool,
		records: records,
		logger:  logger.With(zap.String("partition", cfg.Address)),
	}
}

// Address returns the address of the remote partition
func (c *StorageClient[K, S]) Address() string {
	return c.cfg.Address
}

func (c *StorageClient[K, S]) client() (*grpc.ClientConn, pb.CrdtStorageClient, error) {
	conn, err := c.pool.Get(c.cfg.Address)
	if err != nil {
		return nil, nil, errors.PartitionUnreachable(c.cfg.Address, err)
	}
	return conn, pb.NewCrdtStorageClient(conn), nil
}

func (c *StorageClient[K, S]) streamContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.cfg.StreamTimeout > 0 {
		return context.WithTimeout(ctx, c.cfg.StreamTimeout)
	}
	return context.WithCancel(ctx)
}

// classify turns a gRPC error into a StorageError. A desynchronised
// connection is dropped so the next call dials again.
func (c *StorageClient[K, S]) classify(ctx context.Context, conn *grpc.ClientConn, err error) error {
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	out := errors.FromGRPCError(err)
	switch {
	case errors.HasCode(out, errors.ErrCodeProtocolError):
		c.pool.Invalidate(c.cfg.Address, conn)
	case errors.HasCode(out, errors.ErrCodePartitionUnreachable):
		out = errors.PartitionUnreachable(c.cfg.Address, err)
	}
	return out
}

// withRetry runs operation with exponential backoff while it fails with a
// retryable error
func (c *StorageClient[K, S]) withRetry(ctx context.Context, op string, operation func() error) error {
	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := c.cfg.RetryBackoff * time.Duration(1<<uint(attempt-1))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		err := operation()
		if err == nil {
			return nil
		}
		lastErr = err

		if !errors.IsRetryable(err) {
			return err
		}

		c.logger.Warn("Partition call failed, retrying",
			zap.String("operation", op),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}
	return lastErr
}

func (c *StorageClient[K, S]) Ping(ctx context.Context) error {
	return c.withRetry(ctx, "ping", func() error {
		conn, client, err := c.client()
		if err != nil {
			return err
		}
		callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
		defer cancel()

		_, err = client.Ping(callCtx, &emptypb.Empty{})
		return c.classify(ctx, conn, err)
	})
}

// Upload opens a client stream. Records are acknowledged by Close.
func (c *StorageClient[K, S]) Upload(ctx context.Context) (crdt.Sink[crdt.Record[K, S]], error) {
	conn, client, err := c.client()
	if err != nil {
		return nil, err
	}
	streamCtx, cancel := c.streamContext(ctx)
	stream, err := client.Upload(streamCtx)
	if err != nil {
		cancel()
		return nil, c.classify(ctx, conn, err)
	}
	return &uploadSink[K, S]{
		clientStream: clientStream{c: ctx, conn: conn, cancel: cancel, stream: stream},
		client:       c,
	}, nil
}

// Remove opens a client stream of keys. Keys are acknowledged by Close.
func (c *StorageClient[K, S]) Remove(ctx context.Context) (crdt.Sink[K], error) {
	conn, client, err := c.client()
	if err != nil {
		return nil, err
	}
	streamCtx, cancel := c.streamContext(ctx)
	stream, err := client.Remove(streamCtx)
	if err != nil {
		cancel()
		return nil, c.classify(ctx, conn, err)
	}
	return &removeSink[K, S]{
		clientStream: clientStream{c: ctx, conn: conn, cancel: cancel, stream: stream},
		client:       c,
	}, nil
}

// Download opens a server stream. Opening is retried until the first frame
// arrives; after that the stream fails as a whole and the caller restarts it.
func (c *StorageClient[K, S]) Download(ctx context.Context, since int64) (crdt.Source[crdt.Record[K, S]], error) {
	var src *downloadSource[K, S]

	err := c.withRetry(ctx, "download", func() error {
		conn, client, err := c.client()
		if err != nil {
			return err
		}
		streamCtx, cancel := c.streamContext(ctx)

		// the call timeout only covers the wait for the first frame
		timer := time.AfterFunc(c.cfg.CallTimeout, cancel)

		stream, err := client.Download(streamCtx, wrapperspb.Int64(since))
		if err != nil {
			timer.Stop()
			cancel()
			return c.classify(ctx, conn, err)
		}

		first, err := stream.Recv()
		if !timer.Stop() {
			cancel()
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errors.PartitionUnreachable(c.cfg.Address,
				fmt.Errorf("no response within %v", c.cfg.CallTimeout))
		}

		s := &downloadSource[K, S]{c: c, ctx: ctx, conn: conn, stream: stream, cancel: cancel}
		switch {
		case err == nil:
			s.first = first
		case err == io.EOF:
			s.pending = io.EOF
		default:
			cerr := c.classify(ctx, conn, err)
			if !errors.IsMergeFailure(cerr) {
				cancel()
				return cerr
			}
			s.pending = cerr
		}
		src = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	return src, nil
}

// clientStream is the part shared by the upload and remove sinks
type clientStream struct {
	c      context.Context
	conn   *grpc.ClientConn
	cancel context.CancelFunc
	stream grpc.ClientStreamingClient[wrapperspb.BytesValue, emptypb.Empty]
	done   bool
}

func (s *clientStream) send(classify func(context.Context, *grpc.ClientConn, error) error, data []byte) error {
	if s.done {
		return io.ErrClosedPipe
	}
	err := s.stream.Send(wrapperspb.Bytes(data))
	if err == io.EOF {
		// the server ended the stream; its status explains why
		_, err = s.stream.CloseAndRecv()
		s.done = true
		defer s.cancel()
		if err == nil {
			err = errors.ProtocolError("stream acknowledged before it was closed", nil)
		}
	}
	if err != nil {
		return classify(s.c, s.conn, err)
	}
	return nil
}

func (s *clientStream) close(classify func(context.Context, *grpc.ClientConn, error) error) error {
	if s.done {
		return io.ErrClosedPipe
	}
	s.done = true
	defer s.cancel()

	_, err := s.stream.CloseAndRecv()
	return classify(s.c, s.conn, err)
}

func (s *clientStream) abort() {
	s.done = true
	s.cancel()
}

type uploadSink[K constraints.Ordered, S any] struct {
	clientStream
	client *StorageClient[K, S]
}

func (u *uploadSink[K, S]) Send(r crdt.Record[K, S]) error {
	data, err := u.client.records.Encode(r.Key, r.State)
	if err != nil {
		return errors.InvalidArgument(fmt.Sprintf("failed to encode record for key '%v'", r.Key), err)
	}
	return u.send(u.client.classify, data)
}

func (u *uploadSink[K, S]) Close() error {
	return u.close(u.client.classify)
}

func (u *uploadSink[K, S]) Abort() {
	u.abort()
}

type removeSink[K constraints.Ordered, S any] struct {
	clientStream
	client *StorageClient[K, S]
}

func (r *removeSink[K, S]) Send(key K) error {
	data, err := r.client.records.Keys.Encode(key)
	if err != nil {
		return errors.InvalidKey(fmt.Sprint(key), err.Error())
	}
	return r.send(r.client.classify, data)
}

func (r *removeSink[K, S]) Close() error {
	return r.close(r.client.classify)
}

func (r *removeSink[K, S]) Abort() {
	r.abort()
}

type downloadSource[K constraints.Ordered, S any] struct {
	c      *StorageClient[K, S]
	ctx    context.Context
	conn   *grpc.ClientConn
	stream pb.DownloadClient
	cancel context.CancelFunc

	first   *wrapperspb.BytesValue
	pending error
	done    bool
}

// Recv returns the next record. A MergeFailure reported by the partition
// comes last and is followed by io.EOF.
func (s *downloadSource[K, S]) Recv() (crdt.Record[K, S], error) {
	var zero crdt.Record[K, S]
	if s.done {
		return zero, io.EOF
	}

	msg := s.first
	s.first = nil
	if msg == nil {
		if s.pending != nil {
			err := s.pending
			s.finish()
			return zero, err
		}

		var err error
		msg, err = s.stream.Recv()
		if err == io.EOF {
			s.finish()
			return zero, io.EOF
		}
		if err != nil {
			s.finish()
			return zero, s.c.classify(s.ctx, s.conn, err)
		}
	}

	key, state, err := s.c.records.Decode(msg.GetValue())
	if err != nil {
		s.finish()
		s.c.pool.Invalidate(s.c.cfg.Address, s.conn)
		return zero, errors.ProtocolError("malformed record from partition", err).
			WithDetail("partition_id", s.c.cfg.Address)
	}
	return crdt.Record[K, S]{Key: key, State: state}, nil
}

func (s *downloadSource[K, S]) finish() {
	s.done = true
	s.cancel()
}

func (s *downloadSource[K, S]) Close() error {
	if !s.done {
		s.finish()
	}
	return nil
}
