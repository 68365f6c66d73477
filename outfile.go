package dalink

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
)

// OutputWriter serializes `b`/`d`/decision lines to a single output file.
// All multi-line emissions (e.g. a lattice decision's space-separated
// values) happen under the same lock so a concurrent writer can never
// interleave a partial record.
type OutputWriter struct {
	mu  sync.Mutex
	f   *os.File
	buf *bufio.Writer
}

// NewOutputWriter creates (or truncates) the output file at path.
func NewOutputWriter(path string) (*OutputWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("outfile: create %s: %w", path, err)
	}
	return &OutputWriter{f: f, buf: bufio.NewWriter(f)}, nil
}

// WriteBroadcast emits a `b <seq>` record for a locally originated
// broadcast.
func (w *OutputWriter) WriteBroadcast(seq uint32) {
	w.mu.Lock()
	defer w.mu.Unlock()
	fmt.Fprintf(w.buf, "b %d\n", seq)
}

// WriteDelivery emits a `d <origin> <seq>` record for a delivered packet.
func (w *OutputWriter) WriteDelivery(origin uint64, seq uint32) {
	w.mu.Lock()
	defer w.mu.Unlock()
	fmt.Fprintf(w.buf, "d %d %d\n", origin, seq)
}

// WriteDecision emits one space-separated line of decided lattice values,
// in the round order the caller guarantees.
func (w *OutputWriter) WriteDecision(values []uint32) {
	w.mu.Lock()
	defer w.mu.Unlock()
	strs := make([]string, len(values))
	for i, v := range values {
		strs[i] = strconv.FormatUint(uint64(v), 10)
	}
	fmt.Fprintln(w.buf, strings.Join(strs, " "))
}

// Flush best-effort flushes buffered output to disk (called from the
// SIGTERM/SIGINT handler and on normal shutdown).
func (w *OutputWriter) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Flush()
}

// Close flushes and closes the underlying file.
func (w *OutputWriter) Close() error {
	if err := w.Flush(); err != nil {
		w.f.Close()
		return err
	}
	return w.f.Close()
}
