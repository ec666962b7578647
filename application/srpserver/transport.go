package srpserver

import (
	"net"
	"net/netip"
	"sync"
)

// maxDatagramSize bounds received SRP update messages. Updates from
// constrained clients are far smaller than this.
const maxDatagramSize = 4096

// udpTransport is the server's own UDP socket: a thin adapter between
// net.UDPConn and the protocol server's Transport interface. Raw
// datagrams are handed up unmodified since SIG(0) verification needs
// the original bytes.
type udpTransport struct {
	mu   sync.Mutex
	conn *net.UDPConn
}

func (t *udpTransport) Open(port uint16, recv func(buf []byte, peer netip.AddrPort)) error {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: int(port)})
	if err != nil {
		return err
	}

	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()

	go readLoop(conn, recv)
	return nil
}

func readLoop(conn *net.UDPConn, recv func(buf []byte, peer netip.AddrPort)) {
	buf := make([]byte, maxDatagramSize)
	for {
		n, peer, err := conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			// Closed socket; the loop dies with it.
			return
		}
		pkt := make([]byte, n)
		copy(pkt, buf[:n])
		recv(pkt, peer)
	}
}

func (t *udpTransport) Send(buf []byte, peer netip.AddrPort) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return net.ErrClosed
	}
	_, err := conn.WriteToUDPAddrPort(buf, peer)
	return err
}

func (t *udpTransport) Close() error {
	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}
