package remote

import (
	"context"
	"fmt"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"mosaic/internal/accel"
	"mosaic/internal/inference"
	"mosaic/internal/tensor"
)

// DefaultTimeout bounds every remote call
const DefaultTimeout = 10 * time.Second

// Loader loads interpreters in a remote process
type Loader struct {
	conn    *grpc.ClientConn
	owned   bool
	timeout time.Duration
}

// NewLoader connects to the interpreter service at endpoint. The connection
// is established lazily on the first call.
func NewLoader(endpoint string) (*Loader, error) {
	kacp := keepalive.ClientParameters{
		Time:                10 * time.Second,
		Timeout:             5 * time.Second,
		PermitWithoutStream: true,
	}
	conn, err := grpc.NewClient(endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create client for %s: %w", endpoint, err)
	}
	l := NewLoaderConn(conn)
	l.owned = true
	return l, nil
}

// NewLoaderConn uses an existing connection, which the caller keeps
// ownership of
func NewLoaderConn(conn *grpc.ClientConn) *Loader {
	return &Loader{conn: conn, timeout: DefaultTimeout}
}

// Load implements inference.Loader
func (l *Loader) Load(m inference.Model, dev *accel.Device) (inference.Interpreter, error) {
	if dev == nil {
		return nil, fmt.Errorf("load %s: no device", m.Path)
	}
	ctx, cancel := context.WithTimeout(context.Background(), l.timeout)
	defer cancel()

	resp := &structpb.Struct{}
	if err := l.conn.Invoke(ctx, loadMethod, encodeLoad(m, dev), resp); err != nil {
		return nil, fmt.Errorf("remote load %s: %w", m.Path, err)
	}
	handle, shape := decodeShape(resp)
	if handle == "" {
		return nil, fmt.Errorf("remote load %s: no handle returned", m.Path)
	}
	return &Interpreter{loader: l, handle: handle, shape: shape, output: tensor.NewHeapAllocator()}, nil
}

// Close closes the connection if the loader created it
func (l *Loader) Close() error {
	if !l.owned {
		return nil
	}
	return l.conn.Close()
}

// Interpreter is a handle to a remotely loaded model
type Interpreter struct {
	loader *Loader
	handle string
	shape  tensor.Shape
	output tensor.Allocator

	closeOnce sync.Once
	closeErr  error
}

// Handle returns the server-side handle
func (i *Interpreter) Handle() string { return i.handle }

// InputShape implements inference.Interpreter
func (i *Interpreter) InputShape() tensor.Shape { return i.shape }

func (i *Interpreter) context() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), i.loader.timeout)
	return metadata.AppendToOutgoingContext(ctx, HandleKey, i.handle), cancel
}

// Invoke implements inference.Interpreter
func (i *Interpreter) Invoke(inputs []tensor.Tensor) ([]tensor.Tensor, error) {
	ctx, cancel := i.context()
	defer cancel()

	resp := &structpb.ListValue{}
	if err := i.loader.conn.Invoke(ctx, invokeMethod, encodeTensors(inputs), resp); err != nil {
		return nil, fmt.Errorf("remote invoke: %w", err)
	}
	return decodeTensors(resp, i.output)
}

// Close implements inference.Interpreter
func (i *Interpreter) Close() error {
	i.closeOnce.Do(func() {
		ctx, cancel := i.context()
		defer cancel()
		if err := i.loader.conn.Invoke(ctx, closeMethod, &emptypb.Empty{}, &emptypb.Empty{}); err != nil {
			i.closeErr = fmt.Errorf("remote close: %w", err)
		}
	})
	return i.closeErr
}

var (
	_ inference.Loader      = (*Loader)(nil)
	_ inference.Interpreter = (*Interpreter)(nil)
)
