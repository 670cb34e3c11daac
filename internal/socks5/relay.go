package socks5

import (
	"errors"
	"io"
	"net"
)

// Default relay buffer sizes.
const (
	DefaultTCPBufferSize = 16 * 1024
	DefaultUDPBufferSize = 65535
)

// DataProcessor transforms a relayed chunk before it is written to the peer.
// The returned slice is written in place of the input. A nil processor means
// zero-copy forwarding.
type DataProcessor func([]byte) []byte

// ProcessorFactory produces an optional DataProcessor for one relay
// direction, given the endpoints of that direction. Returning nil disables
// processing for the direction.
type ProcessorFactory func(src, dst net.Addr) DataProcessor

// relay copies data bidirectionally between two connections until both
// directions are done or either side fails. Each direction uses its own
// bounded buffer: the next read is not issued until the previous write has
// drained. On read-EOF a direction half-closes the peer and exits; an error
// on either socket cancels the sibling loop by closing both sockets.
func relay(a, b net.Conn, bufSize int, procAB, procBA DataProcessor) error {
	errCh := make(chan error, 2)

	run := func(dst, src net.Conn, proc DataProcessor) {
		err := copyDirection(dst, src, bufSize, proc)
		if err != nil {
			a.Close()
			b.Close()
		}
		errCh <- err
	}

	go run(b, a, procAB)
	go run(a, b, procBA)

	err1 := <-errCh
	err2 := <-errCh

	a.Close()
	b.Close()

	// The cancelled sibling reports net.ErrClosed; surface the root cause.
	if err1 != nil && !errors.Is(err1, net.ErrClosed) {
		return err1
	}
	if err2 != nil && !errors.Is(err2, net.ErrClosed) {
		return err2
	}
	return nil
}

// copyDirection pumps one relay direction. Bytes appear at dst in the exact
// order they were read from src.
func copyDirection(dst, src net.Conn, bufSize int, proc DataProcessor) error {
	if bufSize <= 0 {
		bufSize = DefaultTCPBufferSize
	}
	buf := make([]byte, bufSize)

	for {
		n, err := src.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if proc != nil {
				chunk = proc(chunk)
			}
			if _, werr := dst.Write(chunk); werr != nil {
				return werr
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				// Orderly half-close: tell the peer this direction is
				// finished while its sibling keeps running.
				if hc, ok := dst.(halfCloser); ok {
					hc.CloseWrite()
				}
				return nil
			}
			return err
		}
	}
}
