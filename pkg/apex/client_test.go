package apex

import (
	"bytes"
	"io"
	"net"
	"testing"
	"time"
)

// serve answers requests on conn with handler until the connection closes.
func serve(t *testing.T, conn net.Conn, handler func(Request) Response) {
	t.Helper()
	go func() {
		dec := NewDecoder(conn)
		enc := NewEncoder(conn)
		for {
			var req Request
			if err := dec.Decode(&req); err != nil {
				return
			}
			resp := handler(req)
			resp.ID = req.ID
			if err := enc.Encode(&resp); err != nil {
				return
			}
		}
	}()
}

func newPipeClient(t *testing.T, handler func(Request) Response) *Client {
	t.Helper()
	a, b := net.Pipe()
	serve(t, b, handler)
	c := NewClient(a)
	t.Cleanup(func() {
		_ = c.Close()
		_ = b.Close()
	})
	return c
}

func TestClientSamplingRoundTrip(t *testing.T) {
	var stored []byte
	c := newPipeClient(t, func(req Request) Response {
		switch req.Op {
		case OpCreateSampling:
			if req.Name != "temp" || req.Direction != DirectionSource {
				return Response{Code: InvalidConfig}
			}
			return Response{Code: NoError, Port: 7}
		case OpWriteSampling:
			if req.Port != 7 {
				return Response{Code: InvalidParam}
			}
			stored = append([]byte(nil), req.Data...)
			return Response{Code: NoError}
		case OpReadSampling:
			return Response{Code: NoError, Data: stored, Valid: true}
		}
		return Response{Code: InvalidParam}
	})

	p, err := c.CreateSamplingPort("temp", DirectionSource, 16, time.Second)
	if err != nil {
		t.Fatalf("CreateSamplingPort failed: %v", err)
	}
	payload := []byte{0, 1, 2, 255}
	if err := p.Write(payload); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	data, valid, err := p.Read()
	if err != nil || !valid || !bytes.Equal(data, payload) {
		t.Fatalf("unexpected read %v %v %v", data, valid, err)
	}
}

func TestClientErrorsCarryCodes(t *testing.T) {
	c := newPipeClient(t, func(req Request) Response {
		switch req.Op {
		case OpSetMode:
			return Response{Code: InvalidMode, Message: "cannot idle during start"}
		case OpReceiveQueuing:
			if req.Timeout != int64(5*time.Millisecond) {
				return Response{Code: InvalidParam}
			}
			return Response{Code: TimedOut}
		case OpCreateQueuing:
			return Response{Code: NoAction, Port: 3}
		}
		return Response{Code: NoError}
	})

	err := c.Idle()
	ce, ok := err.(*CallError)
	if !ok || ce.Code != InvalidMode || ce.Class() != ClassInvalidArgument {
		t.Fatalf("expected invalid mode call error, got %v", err)
	}

	q, err := c.CreateQueuingPort("cmd", DirectionDestination, 8, 2)
	if err != nil {
		t.Fatalf("NoAction create should succeed, got %v", err)
	}
	if _, _, err := q.Receive(5 * time.Millisecond); CodeOf(err) != TimedOut || CodeOf(err).Class() != ClassUnavailable {
		t.Fatalf("expected timed out, got %v", err)
	}
}

func TestClientTimeCalls(t *testing.T) {
	c := newPipeClient(t, func(req Request) Response {
		switch req.Op {
		case OpGetTime:
			return Response{Code: NoError, Time: int64(42 * time.Millisecond)}
		case OpGetRemaining:
			return Response{Code: NoError, Remaining: int64(3 * time.Millisecond)}
		case OpGetStatus:
			return Response{Code: NoError, Status: &PartitionStatus{Name: "p", Mode: ModeNormal}}
		}
		return Response{Code: NoError}
	})
	if d, err := c.Time(); err != nil || d != 42*time.Millisecond {
		t.Fatalf("Time = %v, %v", d, err)
	}
	if d, err := c.Remaining(); err != nil || d != 3*time.Millisecond {
		t.Fatalf("Remaining = %v, %v", d, err)
	}
	st, err := c.Status()
	if err != nil || st.Name != "p" || st.Mode != ModeNormal {
		t.Fatalf("Status = %+v, %v", st, err)
	}
	if err := c.PeriodicWait(); err != nil {
		t.Fatalf("PeriodicWait failed: %v", err)
	}
}

func TestReturnCodeClasses(t *testing.T) {
	tests := []struct {
		code ReturnCode
		want Class
	}{
		{NoError, ClassSuccess},
		{NoAction, ClassUnavailable},
		{InvalidParam, ClassInvalidArgument},
		{InvalidConfig, ClassInvalidArgument},
		{InvalidMode, ClassInvalidArgument},
		{NotAvailable, ClassUnavailable},
		{TimedOut, ClassUnavailable},
	}
	for _, tt := range tests {
		if got := tt.code.Class(); got != tt.want {
			t.Fatalf("%s: expected %s, got %s", tt.code, tt.want, got)
		}
	}
	for _, code := range []ReturnCode{NoAction, NotAvailable, InvalidParam, InvalidConfig, InvalidMode, TimedOut} {
		ce := &CallError{Op: OpReadSampling, Code: code}
		if ce.Class() == ClassSuccess {
			t.Fatalf("call error %s classified as success", code)
		}
	}
	if CodeOf(nil) != NoError || CodeOf(io.EOF) != NotAvailable {
		t.Fatalf("unexpected CodeOf results")
	}
}

func TestDecoderSkipsBlankLinesAndReportsEOF(t *testing.T) {
	dec := NewDecoder(bytes.NewBufferString("\n{\"id\":1,\"op\":\"get_time\"}\n\n"))
	var req Request
	if err := dec.Decode(&req); err != nil || req.Op != OpGetTime || req.ID != 1 {
		t.Fatalf("unexpected decode %+v %v", req, err)
	}
	if err := dec.Decode(&req); err != io.EOF {
		t.Fatalf("expected EOF, got %v", err)
	}
}
