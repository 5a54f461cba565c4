// Package network implements host-mode publishing for sandboxed task
// containers: a plain TCP forwarder from a fixed host port to the
// container's service port, used in place of iptables DNAT when the
// worker cannot assume root or a dedicated network namespace.
package network

import (
	"io"
	"net"
	"sync"

	"github.com/cuemby/apitester/pkg/log"
)

// Forwarder accepts connections on a host port and pumps bytes to and from
// a single backend address for as long as it runs. One Forwarder serves one
// task's sandbox.
type Forwarder struct {
	listener net.Listener
	wg       sync.WaitGroup
}

// Publish starts listening on hostPort and forwarding every accepted
// connection to backendAddr. It returns once the listener is bound;
// forwarding runs in background goroutines until Close is called.
func Publish(hostPort, backendAddr string) (*Forwarder, error) {
	ln, err := net.Listen("tcp", ":"+hostPort)
	if err != nil {
		return nil, err
	}

	f := &Forwarder{listener: ln}
	f.wg.Add(1)
	go f.acceptLoop(backendAddr)
	return f, nil
}

func (f *Forwarder) acceptLoop(backendAddr string) {
	defer f.wg.Done()
	logger := log.WithComponent("network")

	for {
		conn, err := f.listener.Accept()
		if err != nil {
			return
		}
		go func() {
			defer conn.Close()
			backend, err := net.Dial("tcp", backendAddr)
			if err != nil {
				logger.Warn().Err(err).Str("backend", backendAddr).Msg("failed to dial sandbox backend")
				return
			}
			defer backend.Close()

			var pump sync.WaitGroup
			pump.Add(2)
			go func() { defer pump.Done(); io.Copy(backend, conn) }()
			go func() { defer pump.Done(); io.Copy(conn, backend) }()
			pump.Wait()
		}()
	}
}

// Close stops accepting new connections. In-flight forwards drain on their
// own once their peers close.
func (f *Forwarder) Close() error {
	err := f.listener.Close()
	f.wg.Wait()
	return err
}
