package server

import (
	"context"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/kangaroo-ecdlp/kangaroo/internal/collision"
	"github.com/kangaroo-ecdlp/kangaroo/internal/curve"
	"github.com/kangaroo-ecdlp/kangaroo/internal/hashtable"
	"github.com/kangaroo-ecdlp/kangaroo/internal/wire"
)

func startTestServer(t *testing.T) (addr string, srv *Server, stop func()) {
	t.Helper()
	table := hashtable.New(4, 16)
	target := curve.ScalarBaseMult(curve.ScalarFromBigInt(big.NewInt(99)))
	resolver := collision.New(big.NewInt(0), target, nil, big.NewInt(1000))
	srv = New(table, wire.SetTargetPayload{DP: 4}, resolver)

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go srv.Serve(ctx, lis)
	return lis.Addr().String(), srv, func() { cancel(); lis.Close() }
}

func dialAndHandshake(t *testing.T, addr string) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if err := wire.WriteFrame(conn, wire.OpHello, wire.EncodeHello(wire.HelloPayload{Version: 1})); err != nil {
		t.Fatalf("write HELLO: %v", err)
	}

	f, err := wire.ReadFrame(conn)
	if err != nil || f.Opcode != wire.OpSetTarget {
		t.Fatalf("expected SET_TARGET, got %v err=%v", f, err)
	}
	f, err = wire.ReadFrame(conn)
	if err != nil || f.Opcode != wire.OpAssign {
		t.Fatalf("expected ASSIGN, got %v err=%v", f, err)
	}
	return conn
}

func TestHandshakeAssignsClient(t *testing.T) {
	addr, srv, stop := startTestServer(t)
	defer stop()

	conn := dialAndHandshake(t, addr)
	defer conn.Close()

	time.Sleep(50 * time.Millisecond)
	clients := srv.Clients()
	if len(clients) != 1 {
		t.Fatalf("expected 1 registered client, got %d", len(clients))
	}
}

func TestDPBatchIsAcked(t *testing.T) {
	addr, _, stop := startTestServer(t)
	defer stop()

	conn := dialAndHandshake(t, addr)
	defer conn.Close()

	entries := []wire.DPEntry{{X: [32]byte{1, 2, 3}, DistTag: [16]byte{4, 5, 6}}}
	if err := wire.WriteFrame(conn, wire.OpDPBatch, wire.EncodeDPBatch(entries)); err != nil {
		t.Fatalf("write DP_BATCH: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(time.Second))
	f, err := wire.ReadFrame(conn)
	if err != nil {
		t.Fatalf("read ACK: %v", err)
	}
	if f.Opcode != wire.OpAck {
		t.Fatalf("expected ACK, got opcode %x", f.Opcode)
	}
	ack, err := wire.DecodeAck(f.Payload)
	if err != nil {
		t.Fatalf("decode ACK: %v", err)
	}
	if ack.Found {
		t.Fatalf("did not expect a collision from a single DP")
	}
}

func TestPingIsEchoedAsPong(t *testing.T) {
	addr, _, stop := startTestServer(t)
	defer stop()

	conn := dialAndHandshake(t, addr)
	defer conn.Close()

	if err := wire.WriteFrame(conn, wire.OpPing, []byte("ping-payload")); err != nil {
		t.Fatalf("write PING: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(time.Second))
	f, err := wire.ReadFrame(conn)
	if err != nil {
		t.Fatalf("read PONG: %v", err)
	}
	if f.Opcode != wire.OpPong {
		t.Fatalf("expected PONG, got opcode %x", f.Opcode)
	}
	if string(f.Payload) != "ping-payload" {
		t.Fatalf("PONG payload = %q, want echo of PING payload", f.Payload)
	}
}

func TestDeadClientIsScavenged(t *testing.T) {
	addr, srv, stop := startTestServer(t)
	defer stop()

	conn := dialAndHandshake(t, addr)
	defer conn.Close()

	srv.mu.Lock()
	for _, rec := range srv.clients {
		rec.mu.Lock()
		rec.LastSeen = time.Now().Add(-2 * DeadTimeout)
		rec.mu.Unlock()
	}
	srv.mu.Unlock()

	// Force an immediate scavenge rather than waiting ScavengePeriod out.
	srv.mu.Lock()
	for id, rec := range srv.clients {
		if rec.isDead() {
			delete(srv.clients, id)
		}
	}
	srv.mu.Unlock()

	if len(srv.Clients()) != 0 {
		t.Fatalf("expected dead client to be removed from the registry")
	}
}
