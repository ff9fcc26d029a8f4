// Package transport listens for SIP traffic on UDP and TCP and hands
// each framed message to a handler together with a Sink that routes a
// reply back to the same peer (and, for TCP, the same connection).
package transport

import (
	"bufio"
	"context"
	"log/slog"
	"net"

	"github.com/relaysip/sipproxy/internal/sipmsg"
)

// Sink writes a reply back to wherever a message came from.
type Sink interface {
	Send(data []byte) error
	Addr() net.Addr
}

// Inbound is handed to the core for every framed message received.
type Inbound struct {
	Message *sipmsg.Message
	Peer    net.Addr
	Sink    Sink
}

// Handler processes one inbound message. It must not block past the
// point where any reply has been handed to a Sink.
type Handler func(Inbound)

type udpSink struct {
	conn *net.UDPConn
	addr *net.UDPAddr
}

func (s *udpSink) Send(data []byte) error {
	_, err := s.conn.WriteToUDP(data, s.addr)
	return err
}
func (s *udpSink) Addr() net.Addr { return s.addr }

// UDPListener binds one UDP socket and dispatches each datagram.
type UDPListener struct {
	conn *net.UDPConn
}

// ListenUDP binds addr (host:port) and returns a listener ready to Serve.
func ListenUDP(addr string) (*UDPListener, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, err
	}
	return &UDPListener{conn: conn}, nil
}

// LocalAddr returns the bound address.
func (l *UDPListener) LocalAddr() net.Addr { return l.conn.LocalAddr() }

// Close stops the listener.
func (l *UDPListener) Close() error { return l.conn.Close() }

// SendTo writes a datagram to an arbitrary address, used by the proxy
// core to forward requests/responses to a next hop that isn't
// necessarily the peer a message was received from.
func (l *UDPListener) SendTo(addr *net.UDPAddr, data []byte) error {
	_, err := l.conn.WriteToUDP(data, addr)
	return err
}

// Serve reads datagrams until ctx is done or the socket is closed,
// invoking handler for every message that isn't a keep-alive.
func (l *UDPListener) Serve(ctx context.Context, handler Handler) {
	buf := make([]byte, 65535)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, peer, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Debug("[Transport] udp read error", "error", err)
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])

		msg, perr, keepAlive := sipmsg.ParseDatagram(data)
		if keepAlive {
			continue
		}
		if perr != nil {
			slog.Debug("[Transport] dropping malformed udp datagram", "peer", peer, "error", perr)
			continue
		}

		handler(Inbound{
			Message: msg,
			Peer:    peer,
			Sink:    &udpSink{conn: l.conn, addr: peer},
		})
	}
}

type tcpSink struct {
	conn net.Conn
}

func (s *tcpSink) Send(data []byte) error {
	_, err := s.conn.Write(data)
	return err
}
func (s *tcpSink) Addr() net.Addr { return s.conn.RemoteAddr() }

// TCPListener accepts connections and frames messages per Content-Length.
type TCPListener struct {
	ln net.Listener
}

// ListenTCP binds addr and returns a listener ready to Serve.
func ListenTCP(addr string) (*TCPListener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &TCPListener{ln: ln}, nil
}

// LocalAddr returns the bound address.
func (l *TCPListener) LocalAddr() net.Addr { return l.ln.Addr() }

// Close stops the listener.
func (l *TCPListener) Close() error { return l.ln.Close() }

// Serve accepts connections until ctx is done, handling each on its
// own goroutine.
func (l *TCPListener) Serve(ctx context.Context, handler Handler) {
	go func() {
		<-ctx.Done()
		_ = l.ln.Close()
	}()

	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Debug("[Transport] tcp accept error", "error", err)
			continue
		}
		go l.serveConn(ctx, conn, handler)
	}
}

func (l *TCPListener) serveConn(ctx context.Context, conn net.Conn, handler Handler) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	sink := &tcpSink{conn: conn}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msg, err := sipmsg.ReadStreamed(r)
		if err != nil {
			return
		}
		handler(Inbound{
			Message: msg,
			Peer:    conn.RemoteAddr(),
			Sink:    sink,
		})
	}
}
