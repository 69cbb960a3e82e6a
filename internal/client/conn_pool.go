package client

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
)

// ConnPool shares one gRPC connection per partition address
type ConnPool struct {
	mu          sync.RWMutex
	connections map[string]*grpc.ClientConn
	dialOptions []grpc.DialOption
	logger      *zap.Logger
}

// NewConnPool creates a pool. Without dial options connections are
// insecure with keepalive enabled.
func NewConnPool(logger *zap.Logger, opts ...grpc.DialOption) *ConnPool {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(opts) == 0 {
		opts = []grpc.DialOption{
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithKeepaliveParams(keepalive.ClientParameters{
				Time:                30 * time.Second,
				Timeout:             10 * time.Second,
				PermitWithoutStream: true,
			}),
		}
	}
	return &ConnPool{
		connections: make(map[string]*grpc.ClientConn),
		dialOptions: opts,
		logger:      logger,
	}
}

// Get returns the pooled connection for address, creating it if needed
func (p *ConnPool) Get(address string) (*grpc.ClientConn, error) {
	p.mu.RLock()
	conn, ok := p.connections[address]
	p.mu.RUnlock()
	if ok {
		return conn, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if conn, ok := p.connections[address]; ok {
		return conn, nil
	}

	conn, err := grpc.NewClient(address, p.dialOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to create client for %s: %w", address, err)
	}
	p.connections[address] = conn

	p.logger.Debug("Created gRPC connection", zap.String("address", address))
	return conn, nil
}

// Invalidate closes conn and forgets it if it is still the pooled
// connection for address, so the next Get dials again
func (p *ConnPool) Invalidate(address string, conn *grpc.ClientConn) {
	p.mu.Lock()
	current, ok := p.connections[address]
	if ok && current == conn {
		delete(p.connections, address)
	}
	p.mu.Unlock()

	if ok && current == conn {
		if err := conn.Close(); err != nil {
			p.logger.Warn("Failed to close connection",
				zap.String("address", address),
				zap.Error(err))
		}
		p.logger.Info("Dropped gRPC connection", zap.String("address", address))
	}
}

// Len returns the number of pooled connections
func (p *ConnPool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.connections)
}

// Close closes every pooled connection
func (p *ConnPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var err error
	for address, conn := range p.connections {
		err = multierr.Append(err, conn.Close())
		delete(p.connections, address)
	}
	return err
}
