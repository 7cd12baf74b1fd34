// Command apex-ping is a sample partition that measures round trips over a
// pair of queuing ports. Run one instance with -role client and one with
// -role server; configs/ping.yaml wires them together.
package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"apexhv/pkg/apex"
)

const (
	requestSize  = 16
	responseSize = 32
	queueDepth   = 10
)

type options struct {
	role     string
	request  string
	response string
	rounds   int
	timeout  time.Duration
}

func main() {
	os.Exit(run(os.Args[1:], os.Stderr))
}

func run(args []string, stderr io.Writer) int {
	fs := flag.NewFlagSet("apex-ping", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var opts options
	fs.StringVar(&opts.role, "role", "client", "client or server")
	fs.StringVar(&opts.request, "request", "", "request port name (default req_source or req_dest)")
	fs.StringVar(&opts.response, "response", "", "response port name (default res_dest or res_source)")
	fs.IntVar(&opts.rounds, "rounds", 0, "stop after this many round trips, 0 runs forever")
	fs.DurationVar(&opts.timeout, "timeout", 10*time.Second, "receive timeout")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if opts.role != "client" && opts.role != "server" {
		fmt.Fprintf(stderr, "apex-ping: unknown role %q\n", opts.role)
		return 2
	}

	c, err := apex.Dial()
	if err != nil {
		fmt.Fprintln(stderr, "apex-ping: "+err.Error())
		return 1
	}
	defer c.Close()

	if opts.role == "client" {
		err = runClient(c, opts)
	} else {
		err = runServer(c, opts)
	}
	if err != nil {
		_ = c.RaiseError(err.Error())
		fmt.Fprintln(stderr, "apex-ping: "+err.Error())
		return 1
	}
	return 0
}

func (o options) portNames() (string, string) {
	req, res := o.request, o.response
	if o.role == "client" {
		if req == "" {
			req = "req_source"
		}
		if res == "" {
			res = "res_dest"
		}
		return req, res
	}
	if req == "" {
		req = "req_dest"
	}
	if res == "" {
		res = "res_source"
	}
	return req, res
}

// runClient sends its partition time once per window and logs the round trip
// of every answered request.
func runClient(c *apex.Client, opts options) error {
	reqName, resName := opts.portNames()
	req, err := c.CreateQueuingPort(reqName, apex.DirectionSource, requestSize, queueDepth)
	if err != nil {
		return err
	}
	res, err := c.CreateQueuingPort(resName, apex.DirectionDestination, responseSize, queueDepth)
	if err != nil {
		return err
	}
	if err := c.Ready(); err != nil {
		return err
	}

	for done := 0; opts.rounds == 0 || done < opts.rounds; {
		sent, err := c.Time()
		if err != nil {
			return err
		}
		if err := req.Send(encodeRequest(sent)); err != nil && apex.CodeOf(err) != apex.NotAvailable {
			return err
		}

		msg, _, err := res.Receive(opts.timeout)
		switch {
		case err == nil && len(msg) >= responseSize:
			now, terr := c.Time()
			if terr != nil {
				return terr
			}
			issued, served := decodeResponse(msg)
			_ = c.Log("info", fmt.Sprintf("ping round trip %s (server time %s)", now-issued, served))
			done++
		case err == nil:
			_ = c.Log("warn", fmt.Sprintf("short response of %d bytes", len(msg)))
		case apex.CodeOf(err) == apex.TimedOut || apex.CodeOf(err) == apex.NotAvailable:
			_ = c.Log("warn", "no response: "+err.Error())
		default:
			return err
		}

		if err := c.PeriodicWait(); err != nil {
			return err
		}
	}
	return nil
}

// runServer answers each request with the request followed by its own time.
func runServer(c *apex.Client, opts options) error {
	reqName, resName := opts.portNames()
	req, err := c.CreateQueuingPort(reqName, apex.DirectionDestination, requestSize, queueDepth)
	if err != nil {
		return err
	}
	res, err := c.CreateQueuingPort(resName, apex.DirectionSource, responseSize, queueDepth)
	if err != nil {
		return err
	}
	if err := c.Ready(); err != nil {
		return err
	}

	for done := 0; opts.rounds == 0 || done < opts.rounds; {
		msg, _, err := req.Receive(opts.timeout)
		switch {
		case err == nil && len(msg) >= requestSize:
			now, terr := c.Time()
			if terr != nil {
				return terr
			}
			if err := res.Send(encodeResponse(msg, now)); err != nil && apex.CodeOf(err) != apex.NotAvailable {
				return err
			}
			done++
		case err == nil:
			_ = c.Log("warn", fmt.Sprintf("short request of %d bytes", len(msg)))
		case apex.CodeOf(err) == apex.TimedOut || apex.CodeOf(err) == apex.NotAvailable:
			_ = c.Log("warn", "no request: "+err.Error())
		default:
			return err
		}

		if err := c.PeriodicWait(); err != nil {
			return err
		}
	}
	return nil
}

// Timestamps travel as 128-bit little-endian nanosecond counts.
func putTime(dst []byte, d time.Duration) {
	binary.LittleEndian.PutUint64(dst[:8], uint64(d))
	clear(dst[8:16])
}

func getTime(src []byte) time.Duration {
	return time.Duration(binary.LittleEndian.Uint64(src[:8]))
}

func encodeRequest(sent time.Duration) []byte {
	buf := make([]byte, requestSize)
	putTime(buf, sent)
	return buf
}

func encodeResponse(request []byte, served time.Duration) []byte {
	buf := make([]byte, responseSize)
	copy(buf, request[:requestSize])
	putTime(buf[requestSize:], served)
	return buf
}

func decodeResponse(msg []byte) (issued, served time.Duration) {
	return getTime(msg[:requestSize]), getTime(msg[requestSize:responseSize])
}
