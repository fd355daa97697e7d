package colo

import (
	"bufio"
	"net"

	"github.com/cockroachdb/errors"
)

// ControlChannel is a bidirectional byte-stream carrying only sync
// tokens and, on the data channel, one raw VM-state payload per
// checkpoint (spec.md §3). It is modeled as two half-file handles over
// the same underlying socket: a buffered read-only side and a flushed
// write-only side, exactly as the original wraps one fd with
// qemu_fopen_socket(fd, "rb") on one side and "wb" on the other.
type ControlChannel struct {
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer
}

// NewControlChannel wraps conn. Both the read and write halves are
// usable concurrently from different goroutines since net.Conn permits
// one concurrent reader and one concurrent writer, but this type itself
// is not safe for concurrent use from more than one goroutine on the
// same half — the checkpoint worker owns it exclusively between
// initialization and teardown (spec.md §5).
func NewControlChannel(conn net.Conn) *ControlChannel {
	return &ControlChannel{
		conn:   conn,
		reader: bufio.NewReader(conn),
		writer: bufio.NewWriter(conn),
	}
}

// Reader exposes the buffered read half for GetValue/Expect/GetPayload.
func (c *ControlChannel) Reader() *bufio.Reader { return c.reader }

// Writer exposes the flushed write half for Put/PutPayload.
func (c *ControlChannel) Writer() *bufio.Writer { return c.writer }

// Close closes the underlying connection. Safe to call once at loop
// teardown, after failover_completed has been observed (spec.md §5).
func (c *ControlChannel) Close() error {
	if c.conn == nil {
		return nil
	}
	if err := c.conn.Close(); err != nil {
		return errors.Wrap(err, "close control channel")
	}
	return nil
}
