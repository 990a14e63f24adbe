// Package server implements C9, the coordination server spec.md §4.8
// describes: a TCP listener accepting client connections, a per-connection
// HANDSHAKE -> ASSIGNED -> STREAMING -> (CLOSED|DEAD) state machine, a
// client registry keyed by google/uuid IDs, and a dead-client scavenger.
// The accept-loop-plus-per-connection-goroutine shape and the TTL-reaper
// goroutine are grounded on server/main.go's loop/handleMux pair and
// client/main.go's scavenger function.
package server

import (
	"context"
	"log"
	"net"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/kangaroo-ecdlp/kangaroo/internal/collision"
	"github.com/kangaroo-ecdlp/kangaroo/internal/hashtable"
	"github.com/kangaroo-ecdlp/kangaroo/internal/wire"
)

// ConnState is a client connection's position in spec.md §4.8's state
// machine.
type ConnState int

const (
	StateHandshake ConnState = iota
	StateAssigned
	StateStreaming
	StateClosed
	StateDead
)

// DeadTimeout is ntimeout_dead, spec.md §4.8's "now - last_seen > ntimeout_dead
// (>= 30s)" dead-client threshold.
const DeadTimeout = 30 * time.Second

// ScavengePeriod is how often the dead-client reaper sweeps the registry,
// matching client/main.go's scavengePeriod constant.
const ScavengePeriod = 5 * time.Second

// WriteTimeout and ReadTimeout are wtimeout/ntimeout from spec.md §5,
// applied as net.Conn deadlines around every frame read/write.
const (
	WriteTimeout = 3000 * time.Millisecond
	ReadTimeout  = 3000 * time.Millisecond
)

// ClientRecord is C9's per-client record: "(id, ip, last_seen,
// dp_count_received, estimated_speed, herd_state_handle)".
type ClientRecord struct {
	ID              uuid.UUID
	IP              string
	LastSeen        time.Time
	DPCountReceived uint64
	EstimatedSpeed  float64 // EWMA of DPs/sec, SPEC_FULL.md §3
	WildOffset      uint8
	HerdCount       uint32
	State           ConnState

	mu sync.Mutex
}

func (c *ClientRecord) touch(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	elapsed := now.Sub(c.LastSeen).Seconds()
	if elapsed > 0 {
		instant := float64(n) / elapsed
		const alpha = 0.2
		c.EstimatedSpeed = alpha*instant + (1-alpha)*c.EstimatedSpeed
	}
	c.LastSeen = now
	c.DPCountReceived += uint64(n)
}

func (c *ClientRecord) isDead() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Since(c.LastSeen) > DeadTimeout
}

// Server owns the client registry and the shared hashtable every client's
// DP_BATCH frames are inserted into.
type Server struct {
	table    *hashtable.Table
	target   wire.SetTargetPayload
	resolver *collision.Resolver

	mu      sync.Mutex
	clients map[uuid.UUID]*ClientRecord
	nextOff uint8

	foundCh  chan *collision.Result
	foundOne sync.Once
}

// New creates a server bound to an existing hashtable (so the same table
// can be shared with a -wsplit/-winfo utility running alongside the live
// listener), the target to hand every connecting client, and the resolver
// that turns a cross-tag collision into a verified candidate key.
func New(table *hashtable.Table, target wire.SetTargetPayload, resolver *collision.Resolver) *Server {
	return &Server{
		table:    table,
		target:   target,
		resolver: resolver,
		clients:  make(map[uuid.UUID]*ClientRecord),
		foundCh:  make(chan *collision.Result, 1),
	}
}

// Found reports the first recovered key any client's DP_BATCH resolves to.
func (s *Server) Found() <-chan *collision.Result { return s.foundCh }

// Serve accepts connections on lis until ctx is canceled, spawning one
// goroutine per connection (server/main.go's loop/handleMux shape) plus a
// dead-client scavenger.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	go s.scavenge(ctx)

	go func() {
		<-ctx.Done()
		lis.Close()
	}()

	for {
		conn, err := lis.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return errors.Wrap(err, "server: accept")
			}
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	remote := conn.RemoteAddr().String()
	log.Println("[server] connection from", remote)

	if err := conn.SetReadDeadline(time.Now().Add(ReadTimeout)); err != nil {
		return
	}
	hello, err := wire.ReadFrame(conn)
	if err != nil || hello.Opcode != wire.OpHello {
		log.Println("[server] handshake failed from", remote, ":", err)
		return
	}
	if _, err := wire.DecodeHello(hello.Payload); err != nil {
		log.Println("[server] bad HELLO from", remote, ":", err)
		return
	}

	id := uuid.New()
	rec := &ClientRecord{ID: id, IP: remote, LastSeen: time.Now(), State: StateHandshake}
	s.mu.Lock()
	rec.WildOffset = s.nextOff
	s.nextOff++
	s.clients[id] = rec
	s.mu.Unlock()
	defer s.removeClient(id)

	if err := s.sendSetTarget(conn); err != nil {
		log.Println("[server] SET_TARGET failed for", remote, ":", err)
		return
	}
	if err := s.sendAssign(conn, rec); err != nil {
		log.Println("[server] ASSIGN failed for", remote, ":", err)
		return
	}
	rec.State = StateStreaming

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		conn.SetReadDeadline(time.Now().Add(ReadTimeout))
		f, err := wire.ReadFrame(conn)
		if err != nil {
			log.Println("[server] connection to", remote, "ended:", err)
			return
		}
		if err := s.handleFrame(conn, rec, f); err != nil {
			log.Println("[server] frame handling error from", remote, ":", err)
			return
		}
	}
}

func (s *Server) handleFrame(conn net.Conn, rec *ClientRecord, f *wire.Frame) error {
	switch f.Opcode {
	case wire.OpDPBatch:
		entries, err := wire.DecodeDPBatch(f.Payload)
		if err != nil {
			return err
		}
		found := s.ingest(entries, rec)
		rec.touch(len(entries))
		return s.sendAck(conn, found)
	case wire.OpPing:
		return wire.WriteFrame(conn, wire.OpPong, f.Payload)
	case wire.OpBye:
		return errors.New("server: client said BYE")
	default:
		return errors.Errorf("server: unexpected opcode %x in STREAMING state", f.Opcode)
	}
}

func (s *Server) ingest(entries []wire.DPEntry, rec *ClientRecord) bool {
	found := false
	for _, e := range entries {
		// The tame/wild tag is whatever the shipping client's own herd
		// assigned the kangaroo that produced this point — it travels
		// packed in e.DistTag's top 2 bits exactly as hashtable.Insert
		// would have packed it locally. Re-deriving it from connection
		// order instead (e.g. "first client is tame") would relabel
		// genuinely tame points as wild and vice versa, and two clients
		// both running a mixed tame/wild herd would then collide with
		// themselves under the wrong tags, never producing a verifiable
		// key.
		tag := hashtable.TagFromDistTag(e.DistTag)
		outcome, coll := s.table.Insert(e.X, distFromTag(e.DistTag), tag)
		if outcome != hashtable.CrossTagCollision {
			continue
		}
		res, err := s.resolver.Resolve(coll)
		switch {
		case err == nil:
			found = true
			s.foundOne.Do(func() { s.foundCh <- res })
		case errors.Is(err, collision.ErrBadCollision):
			color.Yellow("server: bad collision observed (%d so far)", s.resolver.BadCount())
		case errors.Is(err, collision.ErrTooManyBadCollisions):
			color.Red("server: too many bad collisions")
		}
	}
	return found
}

// distFromTag expands a wire-format 16-byte dist_tag into the 32-byte
// distance hashtable.Insert expects, zero-extending the high 16 bytes —
// the wire format already carries the same truncated 126-bit distance the
// hashtable itself stores, so no information is lost in either direction.
func distFromTag(d [16]byte) [32]byte {
	var out [32]byte
	copy(out[16:], d[:])
	return out
}

func (s *Server) sendSetTarget(conn net.Conn) error {
	conn.SetWriteDeadline(time.Now().Add(WriteTimeout))
	return wire.WriteFrame(conn, wire.OpSetTarget, wire.EncodeSetTarget(s.target))
}

func (s *Server) sendAssign(conn net.Conn, rec *ClientRecord) error {
	conn.SetWriteDeadline(time.Now().Add(WriteTimeout))
	payload := wire.EncodeAssign(wire.AssignPayload{WildOffset: rec.WildOffset, HerdCount: 1})
	return wire.WriteFrame(conn, wire.OpAssign, payload)
}

func (s *Server) sendAck(conn net.Conn, found bool) error {
	conn.SetWriteDeadline(time.Now().Add(WriteTimeout))
	return wire.WriteFrame(conn, wire.OpAck, wire.EncodeAck(wire.AckPayload{Found: found}))
}

func (s *Server) removeClient(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, id)
}

// scavenge periodically drops clients past DeadTimeout, per spec.md §4.8's
// DEAD state and client/main.go's scavenger ticker shape: their herd slot
// is freed but their in-flight contributions (already inserted into the
// hashtable) are retained.
func (s *Server) scavenge(ctx context.Context) {
	ticker := time.NewTicker(ScavengePeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			for id, rec := range s.clients {
				if rec.isDead() {
					rec.State = StateDead
					color.Yellow("server: client %s (%s) marked dead", id, rec.IP)
					delete(s.clients, id)
				}
			}
			s.mu.Unlock()
		}
	}
}

// Clients returns a point-in-time copy of the client registry, for the
// server binary's status/info surface.
func (s *Server) Clients() []ClientRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ClientRecord, 0, len(s.clients))
	for _, rec := range s.clients {
		rec.mu.Lock()
		out = append(out, ClientRecord{
			ID: rec.ID, IP: rec.IP, LastSeen: rec.LastSeen,
			DPCountReceived: rec.DPCountReceived, EstimatedSpeed: rec.EstimatedSpeed,
			WildOffset: rec.WildOffset, HerdCount: rec.HerdCount, State: rec.State,
		})
		rec.mu.Unlock()
	}
	return out
}
