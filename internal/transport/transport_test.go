package transport

import (
	"context"
	"net"
	"testing"
	"time"
)

const sampleInvite = "INVITE sip:bob@example.com SIP/2.0\r\n" +
	"Via: SIP/2.0/UDP 10.0.0.1:5060;branch=z9hG4bK-1\r\n" +
	"From: <sip:alice@example.com>;tag=1\r\n" +
	"To: <sip:bob@example.com>\r\n" +
	"Call-ID: abc@10.0.0.1\r\n" +
	"CSeq: 1 INVITE\r\n" +
	"Content-Length: 0\r\n\r\n"

func TestUDPListenerServeDispatchesAndReplies(t *testing.T) {
	l, err := ListenUDP("127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	defer l.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan Inbound, 1)
	go l.Serve(ctx, func(in Inbound) {
		received <- in
		_ = in.Sink.Send([]byte("SIP/2.0 100 Trying\r\n\r\n"))
	})

	client, err := net.DialUDP("udp", nil, l.LocalAddr().(*net.UDPAddr))
	if err != nil {
		t.Fatalf("DialUDP: %v", err)
	}
	defer client.Close()

	if _, err := client.Write([]byte(sampleInvite)); err != nil {
		t.Fatalf("Write: %v", err)
	}

	select {
	case in := <-received:
		if in.Message.Method() != "INVITE" {
			t.Fatalf("Method() = %q, want INVITE", in.Message.Method())
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("handler was not invoked")
	}

	buf := make([]byte, 1024)
	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := client.Read(buf)
	if err != nil {
		t.Fatalf("client did not receive reply: %v", err)
	}
	if string(buf[:n]) == "" {
		t.Fatalf("expected a non-empty reply")
	}
}

func TestUDPListenerSendTo(t *testing.T) {
	l, err := ListenUDP("127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	defer l.Close()

	recvConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP recv: %v", err)
	}
	defer recvConn.Close()

	target := recvConn.LocalAddr().(*net.UDPAddr)
	if err := l.SendTo(target, []byte("ping")); err != nil {
		t.Fatalf("SendTo: %v", err)
	}

	buf := make([]byte, 16)
	_ = recvConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, _, err := recvConn.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("ReadFromUDP: %v", err)
	}
	if string(buf[:n]) != "ping" {
		t.Fatalf("got %q, want ping", buf[:n])
	}
}

func TestUDPListenerDropsKeepAlive(t *testing.T) {
	l, err := ListenUDP("127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	defer l.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	called := make(chan struct{}, 1)
	go l.Serve(ctx, func(in Inbound) { called <- struct{}{} })

	client, err := net.DialUDP("udp", nil, l.LocalAddr().(*net.UDPAddr))
	if err != nil {
		t.Fatalf("DialUDP: %v", err)
	}
	defer client.Close()
	if _, err := client.Write([]byte("\r\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	select {
	case <-called:
		t.Fatalf("handler should not be invoked for a keep-alive datagram")
	case <-time.After(200 * time.Millisecond):
	}
}
