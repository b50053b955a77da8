//go:build windows

package ipc

import (
	"context"
	"fmt"
	"net"

	"github.com/Microsoft/go-winio"
)

// pipeSecurityDescriptor restricts the named pipe to the current user,
// mirroring the 0600 socket file permission used on Unix.
const pipeSecurityDescriptor = "D:P(A;;GA;;;OW)"

// Listen opens the Gateway-side endpoint of the transport at addr, which is
// a Windows named pipe path (e.g. \\.\pipe\semblance-gateway).
func Listen(addr string) (net.Listener, error) {
	l, err := winio.ListenPipe(addr, &winio.PipeConfig{
		SecurityDescriptor: pipeSecurityDescriptor,
		MessageMode:        false,
	})
	if err != nil {
		return nil, fmt.Errorf("ipc: listen pipe %s: %w", addr, err)
	}
	return l, nil
}

// dialConn connects to the Gateway-side endpoint at addr from the Core side.
func dialConn(addr string) (net.Conn, error) {
	conn, err := winio.DialPipeContext(context.Background(), addr)
	if err != nil {
		return nil, fmt.Errorf("ipc: dial pipe %s: %w", addr, err)
	}
	return conn, nil
}
