package client

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/kangaroo-ecdlp/kangaroo/internal/wire"
)

func TestRingDropsOldestOnOverflow(t *testing.T) {
	r := NewRing(4)
	for i := 0; i < 6; i++ {
		r.Push(wire.DPEntry{X: [32]byte{byte(i)}})
	}
	if r.Dropped != 2 {
		t.Fatalf("Dropped = %d, want 2", r.Dropped)
	}
	entries := r.DrainUpTo(10)
	if len(entries) != 4 {
		t.Fatalf("len(entries) = %d, want 4", len(entries))
	}
	if entries[0].X[0] != 2 {
		t.Fatalf("oldest surviving entry = %d, want 2 (0 and 1 should have been dropped)", entries[0].X[0])
	}
}

func TestRingRequeuePreservesOrder(t *testing.T) {
	r := NewRing(10)
	r.Push(wire.DPEntry{X: [32]byte{3}})
	drained := r.DrainUpTo(1)
	r.Push(wire.DPEntry{X: [32]byte{4}})
	r.Requeue(drained)

	all := r.DrainUpTo(10)
	if len(all) != 2 || all[0].X[0] != 3 || all[1].X[0] != 4 {
		t.Fatalf("unexpected order after requeue: %+v", all)
	}
}

func TestRingRequeueOverflowDropsOldest(t *testing.T) {
	r := NewRing(2)
	r.Push(wire.DPEntry{X: [32]byte{1}})
	r.Push(wire.DPEntry{X: [32]byte{2}})
	r.Requeue([]wire.DPEntry{{X: [32]byte{9}}, {X: [32]byte{8}}, {X: [32]byte{7}}})

	if r.Len() != 2 {
		t.Fatalf("Len() = %d, want 2 after overflowing requeue", r.Len())
	}
	if r.Dropped == 0 {
		t.Fatalf("expected Dropped to be incremented by an overflowing requeue")
	}
}

// fakeServer accepts one connection, performs the handshake, and echoes an
// ACK for every DP_BATCH it receives, letting Client.Run be exercised
// end-to-end over a real loopback socket.
func fakeServer(t *testing.T, lis net.Listener, done chan<- int) {
	conn, err := lis.Accept()
	if err != nil {
		return
	}
	defer conn.Close()

	f, err := wire.ReadFrame(conn)
	if err != nil || f.Opcode != wire.OpHello {
		t.Errorf("fakeServer: expected HELLO, got %v err=%v", f, err)
		return
	}
	wire.WriteFrame(conn, wire.OpSetTarget, wire.EncodeSetTarget(wire.SetTargetPayload{}))
	wire.WriteFrame(conn, wire.OpAssign, wire.EncodeAssign(wire.AssignPayload{}))

	received := 0
	for {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		f, err := wire.ReadFrame(conn)
		if err != nil {
			done <- received
			return
		}
		if f.Opcode == wire.OpDPBatch {
			entries, _ := wire.DecodeDPBatch(f.Payload)
			received += len(entries)
			wire.WriteFrame(conn, wire.OpAck, wire.EncodeAck(wire.AckPayload{}))
			if received >= 3 {
				done <- received
				return
			}
		}
	}
}

func TestClientShipsBufferedEntries(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer lis.Close()

	done := make(chan int, 1)
	go fakeServer(t, lis, done)

	c := New(lis.Addr().String())
	c.Submit(wire.DPEntry{X: [32]byte{1}})
	c.Submit(wire.DPEntry{X: [32]byte{2}})
	c.Submit(wire.DPEntry{X: [32]byte{3}})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	go c.Run(ctx)

	select {
	case n := <-done:
		if n < 3 {
			t.Fatalf("server received %d entries, want at least 3", n)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for the server to receive DP batches")
	}
}
