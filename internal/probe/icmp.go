package probe

import (
	"context"
	"net"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
)

const protocolICMP = 1

var echoSeq atomic.Uint32

// PingOnce sends a single ICMP echo request and waits up to timeout for the matching reply.
// It tries an unprivileged datagram socket first and falls back to a raw socket.
func PingOnce(ctx context.Context, address string, timeout time.Duration) bool {
	if timeout <= 0 {
		return false
	}
	ip := net.ParseIP(address).To4()
	if ip == nil {
		return false
	}

	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	for _, network := range []string{"udp4", "ip4:icmp"} {
		if ctx.Err() != nil {
			return false
		}
		alive, err := pingWith(network, ip, deadline)
		if err == nil {
			return alive
		}
	}
	return false
}

// pingWith returns an error only when the socket itself could not be opened,
// which lets the caller try the next socket type.
func pingWith(network string, ip net.IP, deadline time.Time) (bool, error) {
	conn, err := icmp.ListenPacket(network, "0.0.0.0")
	if err != nil {
		return false, err
	}
	defer conn.Close()

	id := os.Getpid() & 0xffff
	seq := int(echoSeq.Add(1) & 0xffff)

	msg := icmp.Message{
		Type: ipv4.ICMPTypeEcho,
		Code: 0,
		Body: &icmp.Echo{ID: id, Seq: seq, Data: []byte("fleetinv")},
	}
	wire, err := msg.Marshal(nil)
	if err != nil {
		return false, nil
	}

	var dst net.Addr = &net.IPAddr{IP: ip}
	if network == "udp4" {
		dst = &net.UDPAddr{IP: ip}
	}

	if err := conn.SetDeadline(deadline); err != nil {
		return false, nil
	}
	if _, err := conn.WriteTo(wire, dst); err != nil {
		return false, nil
	}

	buf := make([]byte, 1500)
	for {
		n, peer, err := conn.ReadFrom(buf)
		if err != nil {
			return false, nil
		}
		if !peerIs(peer, ip) {
			continue
		}
		reply, err := icmp.ParseMessage(protocolICMP, buf[:n])
		if err != nil || reply.Type != ipv4.ICMPTypeEchoReply {
			continue
		}
		echo, ok := reply.Body.(*icmp.Echo)
		if !ok || echo.Seq != seq {
			continue
		}
		// The kernel rewrites the echo ID on datagram sockets.
		if network != "udp4" && echo.ID != id {
			continue
		}
		return true, nil
	}
}

func peerIs(peer net.Addr, ip net.IP) bool {
	switch a := peer.(type) {
	case *net.IPAddr:
		return a.IP.Equal(ip)
	case *net.UDPAddr:
		return a.IP.Equal(ip)
	default:
		return false
	}
}
