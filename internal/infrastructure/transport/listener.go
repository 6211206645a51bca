package transport

import (
	"errors"
	"fmt"
	"net"
	"os"
	"sync"

	"go.uber.org/zap"
)

// Listener accepts unix-socket connections from injected targets and hands
// each one to the registered handler (MainLoop.AddConnection).
type Listener struct {
	path    string
	ln      net.Listener
	handler func(*Connection)
	logger  *zap.SugaredLogger

	closeOnce sync.Once
	done      chan struct{}
}

// Listen binds the controller's unix socket. A stale socket file from a
// previous run is removed first.
func Listen(path string, handler func(*Connection), logger *zap.SugaredLogger) (*Listener, error) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("remove stale socket %s: %w", path, err)
	}

	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", path, err)
	}

	return &Listener{
		path:    path,
		ln:      ln,
		handler: handler,
		logger:  logger,
		done:    make(chan struct{}),
	}, nil
}

// Serve accepts connections until Close. Runs on its own goroutine.
func (l *Listener) Serve() {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			select {
			case <-l.done:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			l.logger.Warnw("accept failed", "socket", l.path, "error", err)
			continue
		}

		c := NewConnection(conn, l.logger)
		l.logger.Infow("target connected", "socket", l.path, "conn_id", c.ID())
		l.handler(c)
	}
}

// Addr returns the socket path the listener is bound to.
func (l *Listener) Addr() string {
	return l.path
}

// Close stops accepting and removes the socket file.
func (l *Listener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.done)
		err = l.ln.Close()
		os.Remove(l.path)
	})
	return err
}
