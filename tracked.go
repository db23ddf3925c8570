package tunneler

import (
	"net"
	"sync"
)

// trackedConn is a forwarded connection that TunnelConnection.Close can find
// and shut down. onClose runs once, after the underlying conn is closed.
type trackedConn struct {
	net.Conn
	onClose func()
	once    sync.Once
}

func (c *trackedConn) Close() error {
	var err error
	c.once.Do(func() {
		err = c.Conn.Close()
		if c.onClose != nil {
			c.onClose()
		}
	})
	return err
}
