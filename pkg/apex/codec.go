package apex

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
)

// maxLine bounds one encoded call.
const maxLine = 4 << 20

// Encoder writes newline-delimited JSON values.
type Encoder struct {
	w   *bufio.Writer
	enc *json.Encoder
}

// NewEncoder creates an encoder on w.
func NewEncoder(w io.Writer) *Encoder {
	bw := bufio.NewWriter(w)
	return &Encoder{w: bw, enc: json.NewEncoder(bw)}
}

// Encode writes v followed by a newline and flushes.
func (e *Encoder) Encode(v interface{}) error {
	if err := e.enc.Encode(v); err != nil {
		return err
	}
	return e.w.Flush()
}

// DecodeError is a line that is not a valid call. The stream stays usable.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode call: %v", e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Decoder reads newline-delimited JSON values.
type Decoder struct {
	sc *bufio.Scanner
}

// NewDecoder creates a decoder on r.
func NewDecoder(r io.Reader) *Decoder {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64<<10), maxLine)
	return &Decoder{sc: sc}
}

// Decode reads the next line into v. It returns io.EOF when the stream ends.
func (d *Decoder) Decode(v interface{}) error {
	for d.sc.Scan() {
		line := d.sc.Bytes()
		if len(line) == 0 {
			continue
		}
		if err := json.Unmarshal(line, v); err != nil {
			return &DecodeError{Err: err}
		}
		return nil
	}
	if err := d.sc.Err(); err != nil {
		return err
	}
	return io.EOF
}
