// Package engine is the top-level transfer API: it owns the installed
// transports, mediates handshakes between hosts, and exposes the batch
// submission surface that slices requests and tracks their progress.
package engine

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rocketbitz/rdm-transfer-go/config"
	"github.com/rocketbitz/rdm-transfer-go/fabric"
	"github.com/rocketbitz/rdm-transfer-go/handshake"
	"github.com/rocketbitz/rdm-transfer-go/transport"
	"github.com/rocketbitz/rdm-transfer-go/transport/rdm"
)

var (
	// ErrClosed indicates the engine has been shut down.
	ErrClosed = errors.New("engine: closed")
	// ErrNoTransport indicates no transport is installed.
	ErrNoTransport = errors.New("engine: no transport installed")
	// ErrTransportExists indicates a transport with the same name is installed.
	ErrTransportExists = errors.New("engine: transport already installed")
	// ErrBatchNotFound indicates the batch identifier is unknown or freed.
	ErrBatchNotFound = errors.New("engine: batch not found")
	// ErrBatchInFlight indicates the batch still has posted slices outstanding.
	ErrBatchInFlight = errors.New("engine: batch has transfers in flight")
	// ErrUnsupportedOpcode indicates the request's opcode has no back-end.
	ErrUnsupportedOpcode = errors.New("engine: unsupported opcode")
	// ErrTaskNotFound indicates the task index is out of range for the batch.
	ErrTaskNotFound = errors.New("engine: task not found")
)

const (
	retryInterval    = time.Millisecond
	retryMaxInterval = 10 * time.Millisecond
)

// Option adjusts engine construction.
type Option func(*Engine)

// WithLogger attaches a logger to the engine.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithMetrics attaches a MetricHook to the engine.
func WithMetrics(metrics MetricHook) Option {
	return func(e *Engine) {
		if metrics != nil {
			e.metrics = metrics
		}
	}
}

// WithTracer attaches a Tracer to the engine.
func WithTracer(tracer Tracer) Option {
	return func(e *Engine) {
		if tracer != nil {
			e.tracer = tracer
		}
	}
}

// WithHandshaker overrides the outbound handshake channel. Useful for tests
// and for single-process deployments that bypass the network.
func WithHandshaker(h handshake.Handshaker) Option {
	return func(e *Engine) {
		if h != nil {
			e.handshaker = h
		}
	}
}

// WithoutHandshakeServer disables the inbound handshake listener. Loopback
// and explicitly wired deployments do not need one.
func WithoutHandshakeServer() Option {
	return func(e *Engine) {
		e.noServer = true
	}
}

// Engine owns the installed transports and the batch bookkeeping. One engine
// per process; transports are installed once and shared by every batch.
type Engine struct {
	cfg        config.Config
	localHost  string
	logger     *zap.Logger
	metrics    MetricHook
	tracer     Tracer
	handshaker handshake.Handshaker
	noServer   bool

	mu         sync.RWMutex
	transports map[string]transport.Transport
	order      []string

	batchMu sync.Mutex
	batches map[uuid.UUID]*Batch

	server  *handshake.Server
	retryWG sync.WaitGroup
	closed  atomic.Bool
}

// New constructs an engine from the configuration and starts the inbound
// handshake server unless it is disabled. The engine has no transports until
// one is installed.
func New(cfg config.Config, opts ...Option) (*Engine, error) {
	if cfg.SliceSize <= 0 {
		cfg.SliceSize = config.DefaultSliceSize
	}
	if cfg.MaxMRSize <= 0 {
		cfg.MaxMRSize = config.DefaultMaxMRSize
	}
	if cfg.HandshakePort <= 0 {
		cfg.HandshakePort = config.DefaultHandshakePort
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = config.DefaultHandshakeTimeout
	}
	localHost := cfg.LocalHost
	if localHost == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("engine: resolve hostname: %w", err)
		}
		localHost = hostname
	}

	e := &Engine{
		cfg:        cfg,
		localHost:  localHost,
		logger:     zap.NewNop(),
		metrics:    nopMetrics{},
		tracer:     nopTracer{},
		transports: make(map[string]transport.Transport),
		batches:    make(map[uuid.UUID]*Batch),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.handshaker == nil {
		e.handshaker = handshake.NewClient(cfg.HandshakePort, cfg.HandshakeTimeout)
	}

	if !e.noServer {
		server, err := handshake.NewServer(":"+strconv.Itoa(cfg.HandshakePort), e.handleHandshake, e.logger)
		if err != nil {
			return nil, err
		}
		e.server = server
		go func() {
			if err := server.Serve(); err != nil {
				e.logger.Error("handshake server stopped", zap.Error(err))
			}
		}()
	}
	return e, nil
}

// LocalHost returns the host identity used in this engine's NIC paths.
func (e *Engine) LocalHost() string { return e.localHost }

// Handshaker returns the outbound handshake channel transports should use.
func (e *Engine) Handshaker() handshake.Handshaker { return e.handshaker }

// InstallTransport registers a transport under its name. Installing two
// transports with the same name is an error.
func (e *Engine) InstallTransport(t transport.Transport) error {
	if e.closed.Load() {
		return ErrClosed
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.transports[t.Name()]; exists {
		return fmt.Errorf("%w: %s", ErrTransportExists, t.Name())
	}
	e.transports[t.Name()] = t
	e.order = append(e.order, t.Name())
	return nil
}

// InstallRDMTransport constructs an RDM transport over the provider, wired to
// the engine's handshake channel and telemetry, and installs it.
func (e *Engine) InstallRDMTransport(provider fabric.Provider, opts ...rdm.TransportOption) (*rdm.Transport, error) {
	wired := []rdm.TransportOption{
		rdm.WithTransportLogger(e.logger),
		rdm.WithTransportMaxMRSize(e.cfg.MaxMRSize),
		rdm.WithTransportHooks(e.contextHooks(rdm.TransportName)),
	}
	t, err := rdm.NewTransport(e.localHost, provider, e.handshaker, append(wired, opts...)...)
	if err != nil {
		return nil, err
	}
	if err := e.InstallTransport(t); err != nil {
		_ = t.Close()
		return nil, err
	}
	return t, nil
}

// UninstallTransport removes the named transport and tears it down.
func (e *Engine) UninstallTransport(name string) error {
	e.mu.Lock()
	t, exists := e.transports[name]
	if exists {
		delete(e.transports, name)
		for i, n := range e.order {
			if n == name {
				e.order = append(e.order[:i], e.order[i+1:]...)
				break
			}
		}
	}
	e.mu.Unlock()
	if !exists {
		return ErrNoTransport
	}
	return t.Close()
}

// Transport returns the installed transport with the given name, or nil.
func (e *Engine) Transport(name string) transport.Transport {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.transports[name]
}

func (e *Engine) defaultTransport() (transport.Transport, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if len(e.order) == 0 {
		return nil, ErrNoTransport
	}
	return e.transports[e.order[0]], nil
}

// contextHooks bridges transport-level slice events into the MetricHook.
func (e *Engine) contextHooks(transportName string) rdm.Hooks {
	attrs := e.metricAttrs(transportName)
	return rdm.Hooks{
		SlicePosted: func() { e.metrics.SlicePosted(attrs) },
		SliceFailed: func() { e.metrics.SliceFailed(nil, attrs) },
		SliceCompleted: func(err error) {
			if err != nil {
				e.metrics.SliceFailed(err, attrs)
				return
			}
			e.metrics.SliceCompleted(attrs)
		},
	}
}

func (e *Engine) metricAttrs(transportName string) map[string]string {
	return map[string]string{
		labelTransport: transportName,
		labelNode:      e.localHost,
	}
}

// handleHandshake dispatches an inbound handshake to the installed transports
// in installation order; the first one that accepts wins.
func (e *Engine) handleHandshake(peer handshake.Desc) (handshake.Desc, error) {
	e.mu.RLock()
	names := append([]string(nil), e.order...)
	e.mu.RUnlock()

	var lastReply handshake.Desc
	lastErr := ErrNoTransport
	for _, name := range names {
		t := e.Transport(name)
		if t == nil {
			continue
		}
		reply, err := t.OnHandshake(peer)
		if err == nil {
			e.metrics.HandshakeServed(e.metricAttrs(name))
			return reply, nil
		}
		lastReply, lastErr = reply, err
	}
	e.metrics.HandshakeFailed(lastErr, e.metricAttrs(""))
	return lastReply, lastErr
}

// RegisterLocalMemory registers the buffer with every installed transport.
// On any failure the registrations already made are rolled back.
func (e *Engine) RegisterLocalMemory(addr uintptr, length int, access fabric.AccessFlag) error {
	if e.closed.Load() {
		return ErrClosed
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if len(e.order) == 0 {
		return ErrNoTransport
	}
	registered := make([]transport.Transport, 0, len(e.order))
	for _, name := range e.order {
		t := e.transports[name]
		if err := t.RegisterLocalMemory(addr, length, access); err != nil {
			for _, done := range registered {
				_ = done.UnregisterLocalMemory(addr)
			}
			return err
		}
		registered = append(registered, t)
	}
	return nil
}

// UnregisterLocalMemory revokes the registration with every installed
// transport. The first failure is returned but every transport is tried.
func (e *Engine) UnregisterLocalMemory(addr uintptr) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var firstErr error
	for _, name := range e.order {
		if err := e.transports[name].UnregisterLocalMemory(addr); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// AllocateBatch creates an empty batch and returns its identifier.
func (e *Engine) AllocateBatch() BatchID {
	batch := &Batch{id: uuid.New()}
	e.batchMu.Lock()
	e.batches[batch.id] = batch
	e.batchMu.Unlock()
	e.metrics.BatchAllocated(e.metricAttrs(""))
	return batch.id
}

func (e *Engine) batch(id BatchID) *Batch {
	e.batchMu.Lock()
	defer e.batchMu.Unlock()
	return e.batches[id]
}

// SubmitTransfer slices each request and posts the slices through the default
// transport. Slices the fabric could not accept immediately are re-presented
// in the background until they post or the engine closes. The requests are
// appended to the batch in order; their task indexes follow the order given.
func (e *Engine) SubmitTransfer(id BatchID, requests []transport.TransferRequest) error {
	if e.closed.Load() {
		return ErrClosed
	}
	batch := e.batch(id)
	if batch == nil {
		return ErrBatchNotFound
	}
	t, err := e.defaultTransport()
	if err != nil {
		return err
	}
	for _, req := range requests {
		if req.Opcode != transport.OpcodeWrite {
			return fmt.Errorf("%w: %d", ErrUnsupportedOpcode, req.Opcode)
		}
	}

	span := e.tracer.StartSpan("transfer_engine.submit",
		TraceAttribute{Key: "batch_id", Value: id.String()},
		TraceAttribute{Key: "requests", Value: len(requests)})

	slices := make([]*transport.Slice, 0, len(requests))
	for _, req := range requests {
		task := &transport.Task{}
		batch.appendTask(task)
		for offset := 0; offset < req.Length; offset += e.cfg.SliceSize {
			n := req.Length - offset
			if n > e.cfg.SliceSize {
				n = e.cfg.SliceSize
			}
			slices = append(slices, transport.NewSlice(task,
				req.Source+uintptr(offset), n,
				req.RemoteAddr+uint64(offset), req.RemoteKey,
				req.TargetNicPath))
		}
	}

	retry, err := t.Submit(slices)
	if err != nil {
		span.End(err)
		return err
	}
	if len(retry) > 0 {
		span.AddEvent("re-presenting slices", TraceAttribute{Key: "count", Value: len(retry)})
		e.retryWG.Add(1)
		go e.representLoop(t, retry)
	}
	span.End(nil)
	return nil
}

// representLoop re-presents slices a full transmit queue pushed back, backing
// off from 1ms to 10ms between rounds. When the engine closes the remaining
// slices are marked failed so their tasks settle.
func (e *Engine) representLoop(t transport.Transport, slices []*transport.Slice) {
	defer e.retryWG.Done()
	interval := retryInterval
	for len(slices) > 0 {
		if e.closed.Load() {
			for _, slice := range slices {
				slice.MarkFailed()
			}
			return
		}
		time.Sleep(interval)
		remaining, err := t.Submit(slices)
		if err != nil {
			e.logger.Warn("re-presenting slices failed", zap.Error(err))
		}
		if len(remaining) < len(slices) {
			interval = retryInterval
		} else {
			interval *= 2
			if interval > retryMaxInterval {
				interval = retryMaxInterval
			}
		}
		slices = remaining
	}
}

// GetTransferStatus reports progress for the index-th request submitted to
// the batch.
func (e *Engine) GetTransferStatus(id BatchID, index int) (transport.TransferStatus, error) {
	batch := e.batch(id)
	if batch == nil {
		return transport.TransferStatus{}, ErrBatchNotFound
	}
	task := batch.task(index)
	if task == nil {
		return transport.TransferStatus{}, fmt.Errorf("%w: index %d", ErrTaskNotFound, index)
	}
	return task.Status(), nil
}

// FreeBatch releases the batch bookkeeping. A batch with posted slices still
// outstanding cannot be freed.
func (e *Engine) FreeBatch(id BatchID) error {
	batch := e.batch(id)
	if batch == nil {
		return ErrBatchNotFound
	}
	if batch.inFlight() {
		return ErrBatchInFlight
	}
	e.batchMu.Lock()
	delete(e.batches, id)
	e.batchMu.Unlock()
	e.metrics.BatchFreed(e.metricAttrs(""))
	return nil
}

// Close shuts the handshake server, waits for background re-presentation to
// settle, and tears down every installed transport. Idempotent.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	var group errgroup.Group
	if e.server != nil {
		group.Go(e.server.Close)
	}
	e.retryWG.Wait()
	e.mu.RLock()
	for _, name := range e.order {
		t := e.transports[name]
		group.Go(t.Close)
	}
	e.mu.RUnlock()
	return group.Wait()
}
