package tracer

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/kailun2047/nixtrace/instrumentation"
)

const (
	DefaultOutputPath      = "ebpf_trace.txt"
	DefaultWriteBufferSize = 100 << 20
)

// OutputError reports that the trace file could not be opened or written.
type OutputError struct {
	Path string
	Err  error
}

func (e *OutputError) Error() string {
	return fmt.Sprintf("trace output %s: %v", e.Path, e.Err)
}

func (e *OutputError) Unwrap() error {
	return e.Err
}

// TraceWriter appends one text line per event:
//
//	<ts> <exprId> <probeName> <line>:<column> <file>
//
// Writes go through a large buffer, so nothing is guaranteed on disk until
// Close.
type TraceWriter struct {
	path    string
	file    *os.File
	buf     *bufio.Writer
	scratch []byte
	count   uint64
	closed  bool
}

func OpenTraceWriter(path string, bufferSize int) (*TraceWriter, error) {
	if bufferSize <= 0 {
		bufferSize = DefaultWriteBufferSize
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, &OutputError{Path: path, Err: err}
	}
	return &TraceWriter{
		path:    path,
		file:    f,
		buf:     bufio.NewWriterSize(f, bufferSize),
		scratch: make([]byte, 0, 64+instrumentation.FileBufLen),
	}, nil
}

func (w *TraceWriter) Append(event instrumentation.TraceEvent) error {
	line := w.scratch[:0]
	line = strconv.AppendUint(line, event.Ts, 10)
	line = append(line, ' ')
	line = strconv.AppendUint(line, event.ExprID, 10)
	line = append(line, ' ')
	line = append(line, event.ProbeName...)
	line = append(line, ' ')
	line = strconv.AppendUint(line, uint64(event.Line), 10)
	line = append(line, ':')
	line = strconv.AppendUint(line, uint64(event.Column), 10)
	line = append(line, ' ')
	line = append(line, event.File...)
	line = append(line, '\n')
	w.scratch = line

	if _, err := w.buf.Write(line); err != nil {
		return &OutputError{Path: w.path, Err: err}
	}
	w.count++
	return nil
}

// Count is the number of lines appended so far.
func (w *TraceWriter) Count() uint64 {
	return w.count
}

// Close flushes buffered lines and releases the file. It is safe to call
// more than once.
func (w *TraceWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	flushErr := w.buf.Flush()
	closeErr := w.file.Close()
	if err := errors.Join(flushErr, closeErr); err != nil {
		return &OutputError{Path: w.path, Err: err}
	}
	return nil
}
