package process

import (
	"fmt"
	"net"
	"os"
	"path/filepath"

	"github.com/mattjoyce/hive/internal/handshake"
)

// Listener accepts the single connection of one worker.
type Listener struct {
	net.Listener
	// Address is what the worker receives as its first argument.
	Address string
	dir     string
}

// Listen opens a listener for one worker. "unix" creates a private socket
// directory under dir (or os.TempDir()); "tcp" binds an ephemeral loopback port.
func Listen(network, dir string) (*Listener, error) {
	switch network {
	case "", "unix":
		sockDir, err := os.MkdirTemp(dir, "hive-")
		if err != nil {
			return nil, fmt.Errorf("create socket dir: %w", err)
		}
		if err := os.Chmod(sockDir, 0o700); err != nil {
			_ = os.RemoveAll(sockDir)
			return nil, fmt.Errorf("restrict socket dir: %w", err)
		}
		path := filepath.Join(sockDir, "w.sock")
		ln, err := net.Listen("unix", path)
		if err != nil {
			_ = os.RemoveAll(sockDir)
			return nil, fmt.Errorf("listen on %s: %w", path, err)
		}
		return &Listener{Listener: ln, Address: handshake.FormatAddress("unix", path), dir: sockDir}, nil

	case "tcp":
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			return nil, fmt.Errorf("listen on loopback: %w", err)
		}
		return &Listener{Listener: ln, Address: handshake.FormatAddress("tcp", ln.Addr().String())}, nil

	default:
		return nil, fmt.Errorf("unsupported listener network %q", network)
	}
}

// Close stops listening and removes the socket directory.
func (l *Listener) Close() error {
	err := l.Listener.Close()
	if l.dir != "" {
		if rmErr := os.RemoveAll(l.dir); rmErr != nil && err == nil {
			err = rmErr
		}
	}
	return err
}
