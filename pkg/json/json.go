// Package json wraps goccy/go-json for the reports and stats the tools print.
package json

import (
	"bytes"
	"io"
	"sync"

	gojson "github.com/goccy/go-json"
)

var bufferPool = sync.Pool{
	New: func() interface{} {
		return bytes.NewBuffer(make([]byte, 0, 4096))
	},
}

// GetBuffer gets a pooled bytes.Buffer
func GetBuffer() *bytes.Buffer {
	buf := bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	return buf
}

// PutBuffer returns a buffer to the pool
func PutBuffer(buf *bytes.Buffer) {
	if buf.Cap() > 1024*1024 { // Don't pool very large buffers
		return
	}
	bufferPool.Put(buf)
}

// Unmarshal is a drop-in replacement for json.Unmarshal
func Unmarshal(data []byte, v interface{}) error {
	return gojson.Unmarshal(data, v)
}

// WriteIndented encodes v to w with two-space indentation. Nothing is
// written if encoding fails.
func WriteIndented(w io.Writer, v interface{}) error {
	buf := GetBuffer()
	defer PutBuffer(buf)

	enc := gojson.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return err
	}
	_, err := w.Write(buf.Bytes())
	return err
}

// LineEncoder writes one JSON document per line.
type LineEncoder struct {
	mu      sync.Mutex
	encoder *gojson.Encoder
}

// NewLineEncoder creates a line-delimited encoder over w.
func NewLineEncoder(w io.Writer) *LineEncoder {
	enc := gojson.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return &LineEncoder{encoder: enc}
}

// Encode writes v followed by a newline. Safe for concurrent use.
func (e *LineEncoder) Encode(v interface{}) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.encoder.Encode(v)
}
