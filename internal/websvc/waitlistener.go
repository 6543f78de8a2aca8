package websvc

import (
	"net"
	"sync"
)

// waitListener is a listener that calls wg.Done on the first call to Accept.
// Start uses it to find the moment every server has entered its accept loop.
type waitListener struct {
	net.Listener

	firstAcceptWG   *sync.WaitGroup
	firstAcceptOnce sync.Once
}

// type check
var _ net.Listener = (*waitListener)(nil)

// Accept implements the [net.Listener] interface for *waitListener.
func (l *waitListener) Accept() (conn net.Conn, err error) {
	l.firstAcceptOnce.Do(l.firstAcceptWG.Done)

	return l.Listener.Accept()
}
