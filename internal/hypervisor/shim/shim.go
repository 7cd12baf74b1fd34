// Package shim carries APEX calls between partition processes and the run loop.
package shim

import (
	"context"
	"errors"
	"io"
	"sync"

	"apexhv/pkg/apex"
	"apexhv/pkg/utils/logger"

	"go.uber.org/zap"
)

const replyBuffer = 16

// Call is one request received from a partition.
type Call struct {
	Partition  string
	Generation uint64
	Request    apex.Request
	conn       *Conn
}

// Reply answers the call. The response id is set from the request.
func (c Call) Reply(resp apex.Response) {
	resp.ID = c.Request.ID
	if c.conn != nil {
		c.conn.send(resp)
	}
}

// Conn is the hypervisor end of one partition's call socket. A reader
// goroutine forwards requests to the shared calls channel; a writer goroutine
// drains replies so the run loop never blocks on a slow partition.
type Conn struct {
	partition  string
	generation uint64
	rw         io.ReadWriteCloser
	out        chan apex.Response
	done       chan struct{}
	closeOnce  sync.Once
	wg         sync.WaitGroup
}

// Serve starts the reader and writer goroutines for rw.
func Serve(ctx context.Context, partition string, generation uint64, rw io.ReadWriteCloser, calls chan<- Call) *Conn {
	c := &Conn{
		partition:  partition,
		generation: generation,
		rw:         rw,
		out:        make(chan apex.Response, replyBuffer),
		done:       make(chan struct{}),
	}
	ctx = logger.WithPartition(ctx, partition)
	c.wg.Add(2)
	go c.readLoop(ctx, calls)
	go c.writeLoop(ctx)
	return c
}

// Partition returns the owning partition name.
func (c *Conn) Partition() string { return c.partition }

// Generation returns the partition incarnation the connection belongs to.
func (c *Conn) Generation() uint64 { return c.generation }

func (c *Conn) readLoop(ctx context.Context, calls chan<- Call) {
	defer c.wg.Done()
	dec := apex.NewDecoder(c.rw)
	for {
		var req apex.Request
		if err := dec.Decode(&req); err != nil {
			if errors.Is(err, io.EOF) || c.closed() {
				return
			}
			logger.Warn(ctx, "invalid apex call", zap.Error(err))
			var decErr *apex.DecodeError
			if !errors.As(err, &decErr) {
				return
			}
			c.send(apex.Response{Code: apex.InvalidParam, Message: "malformed call"})
			continue
		}
		select {
		case calls <- Call{Partition: c.partition, Generation: c.generation, Request: req, conn: c}:
		case <-c.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (c *Conn) writeLoop(ctx context.Context) {
	defer c.wg.Done()
	enc := apex.NewEncoder(c.rw)
	for {
		select {
		case resp := <-c.out:
			if err := enc.Encode(&resp); err != nil {
				if !c.closed() {
					logger.Debug(ctx, "apex reply failed", zap.Error(err))
				}
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Conn) send(resp apex.Response) {
	select {
	case c.out <- resp:
	case <-c.done:
	default:
		logger.Warn(logger.WithPartition(context.Background(), c.partition), "apex reply dropped, partition not reading",
			zap.Uint64("id", resp.ID))
	}
}

func (c *Conn) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Close shuts the connection down and waits for both goroutines.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.rw.Close()
	})
	c.wg.Wait()
	return err
}
