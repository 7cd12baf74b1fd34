package apex

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"
	"time"

	"apexhv/internal/hypervisor/port"
)

// CallError is a call that returned anything but NoError.
type CallError struct {
	Op      Op
	Code    ReturnCode
	Message string
}

func (e *CallError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Code)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Code, e.Message)
}

// Class returns the class of the return code.
func (e *CallError) Class() Class {
	return e.Code.Class()
}

// CodeOf returns the return code carried by err, NoError for nil and
// NotAvailable for transport errors.
func CodeOf(err error) ReturnCode {
	if err == nil {
		return NoError
	}
	if ce, ok := err.(*CallError); ok {
		return ce.Code
	}
	return NotAvailable
}

// Client issues APEX calls. Calls are serialized; the hypervisor answers each
// call before the next one is sent.
type Client struct {
	mu     sync.Mutex
	conn   io.ReadWriteCloser
	enc    *Encoder
	dec    *Decoder
	nextID uint64

	regionsMu sync.Mutex
	regions   map[int]*port.Sampling
}

// NewClient wraps an established call connection.
func NewClient(conn io.ReadWriteCloser) *Client {
	return &Client{conn: conn, enc: NewEncoder(conn), dec: NewDecoder(conn)}
}

// Dial opens the call socket inherited from the hypervisor.
func Dial() (*Client, error) {
	fd := CallFD
	if raw := os.Getenv(CallFDEnv); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", CallFDEnv, err)
		}
		fd = n
	}
	f := os.NewFile(uintptr(fd), "apexhv-call")
	if f == nil {
		return nil, fmt.Errorf("call descriptor %d is not open", fd)
	}
	return NewClient(f), nil
}

// Close closes the call connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Call sends req and waits for its response. A response code other than
// NoError is returned as *CallError together with the response.
func (c *Client) Call(req Request) (Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID++
	req.ID = c.nextID
	if err := c.enc.Encode(&req); err != nil {
		return Response{}, fmt.Errorf("send %s: %w", req.Op, err)
	}
	for {
		var resp Response
		if err := c.dec.Decode(&resp); err != nil {
			return Response{}, fmt.Errorf("receive %s: %w", req.Op, err)
		}
		if resp.ID != req.ID {
			continue
		}
		if resp.Code != NoError {
			return resp, &CallError{Op: req.Op, Code: resp.Code, Message: resp.Message}
		}
		return resp, nil
	}
}

// SetMode requests a partition mode change.
func (c *Client) SetMode(mode string) error {
	_, err := c.Call(Request{Op: OpSetMode, Mode: mode})
	return err
}

// Ready completes initialisation and enters Normal mode.
func (c *Client) Ready() error {
	return c.SetMode(ModeNormal)
}

// Idle gives up the partition's windows until it is dispatched again.
func (c *Client) Idle() error {
	return c.SetMode(ModeIdle)
}

// Restart asks the hypervisor to restart the partition.
func (c *Client) Restart(warm bool) error {
	if warm {
		return c.SetMode(ModeWarmStart)
	}
	return c.SetMode(ModeColdStart)
}

// Status returns the partition status.
func (c *Client) Status() (PartitionStatus, error) {
	resp, err := c.Call(Request{Op: OpGetStatus})
	if err != nil {
		return PartitionStatus{}, err
	}
	if resp.Status == nil {
		return PartitionStatus{}, &CallError{Op: OpGetStatus, Code: NotAvailable, Message: "empty status"}
	}
	return *resp.Status, nil
}

// PeriodicWait blocks until the partition's next window.
func (c *Client) PeriodicWait() error {
	_, err := c.Call(Request{Op: OpPeriodicWait})
	return err
}

// TimedWait blocks for at least d.
func (c *Client) TimedWait(d time.Duration) error {
	_, err := c.Call(Request{Op: OpTimedWait, Timeout: int64(d)})
	return err
}

// Time returns the elapsed time since the partition started.
func (c *Client) Time() (time.Duration, error) {
	resp, err := c.Call(Request{Op: OpGetTime})
	return time.Duration(resp.Time), err
}

// Remaining returns the time left in the current window.
func (c *Client) Remaining() (time.Duration, error) {
	resp, err := c.Call(Request{Op: OpGetRemaining})
	return time.Duration(resp.Remaining), err
}

// RaiseError reports an application error to the health monitor.
func (c *Client) RaiseError(msg string) error {
	_, err := c.Call(Request{Op: OpRaiseError, Message: msg})
	return err
}

// Log writes a line to the hypervisor log under the partition's name.
func (c *Client) Log(level, msg string) error {
	_, err := c.Call(Request{Op: OpLog, Level: level, Message: msg})
	return err
}

// SamplingPort is an opened sampling port.
type SamplingPort struct {
	c       *Client
	id      int
	name    string
	msgSize int
	// local is set when the hypervisor shared the region read-only.
	local *port.Sampling
}

// CreateSamplingPort opens a configured sampling port. A zero msgSize accepts
// the channel's size.
func (c *Client) CreateSamplingPort(name, direction string, msgSize int, refresh time.Duration) (*SamplingPort, error) {
	resp, err := c.Call(Request{
		Op:            OpCreateSampling,
		Name:          name,
		Direction:     direction,
		MsgSize:       msgSize,
		RefreshPeriod: int64(refresh),
	})
	if err != nil && CodeOf(err) != NoAction {
		return nil, err
	}
	p := &SamplingPort{c: c, id: resp.Port, name: name, msgSize: msgSize}
	if resp.Region != nil {
		// Without the mapping the port still works through calls.
		if local, err := c.mapSampling(resp.Region); err == nil {
			p.local = local
		}
	}
	return p, nil
}

// Name returns the port name.
func (p *SamplingPort) Name() string { return p.name }

// Write publishes msg.
func (p *SamplingPort) Write(msg []byte) error {
	_, err := p.c.Call(Request{Op: OpWriteSampling, Port: p.id, Data: msg})
	return err
}

// Read returns the latest value and whether it is still fresh. A port that
// was never written fails with NoAction.
func (p *SamplingPort) Read() ([]byte, bool, error) {
	if p.local != nil {
		return readLocal(p.local)
	}
	resp, err := p.c.Call(Request{Op: OpReadSampling, Port: p.id})
	if err != nil {
		return nil, false, err
	}
	return resp.Data, resp.Valid, nil
}

// QueuingPort is an opened queuing port.
type QueuingPort struct {
	c    *Client
	id   int
	name string
}

// CreateQueuingPort opens a configured queuing port.
func (c *Client) CreateQueuingPort(name, direction string, msgSize, msgNum int) (*QueuingPort, error) {
	resp, err := c.Call(Request{
		Op:        OpCreateQueuing,
		Name:      name,
		Direction: direction,
		MsgSize:   msgSize,
		MsgNum:    msgNum,
	})
	if err != nil && CodeOf(err) != NoAction {
		return nil, err
	}
	return &QueuingPort{c: c, id: resp.Port, name: name}, nil
}

// Name returns the port name.
func (p *QueuingPort) Name() string { return p.name }

// Send enqueues msg.
func (p *QueuingPort) Send(msg []byte) error {
	_, err := p.c.Call(Request{Op: OpSendQueuing, Port: p.id, Data: msg})
	return err
}

// Receive pops the head message. timeout 0 does not block; Infinite waits
// until a message arrives.
func (p *QueuingPort) Receive(timeout time.Duration) ([]byte, bool, error) {
	resp, err := p.c.Call(Request{Op: OpReceiveQueuing, Port: p.id, Timeout: int64(timeout)})
	if err != nil {
		return nil, false, err
	}
	return resp.Data, resp.Overflow, nil
}

// Status returns the queue snapshot.
func (p *QueuingPort) Status() (QueueStatus, error) {
	resp, err := p.c.Call(Request{Op: OpQueuingStatus, Port: p.id})
	if err != nil {
		return QueueStatus{}, err
	}
	if resp.Queue == nil {
		return QueueStatus{}, nil
	}
	return *resp.Queue, nil
}

// Clear discards queued messages.
func (p *QueuingPort) Clear() error {
	_, err := p.c.Call(Request{Op: OpClearQueuing, Port: p.id})
	return err
}
