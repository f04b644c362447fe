// Package peer implements the §4.8 peer endpoint: a dual-stack UDP
// socket guarded by an allow-list, decrypting and dispatching inbound
// sync/control frames, and broadcasting outbound "add" frames to
// configured destinations (including the bulk-sync sender).
package peer

import (
	"context"
	"fmt"
	"net"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"

	"github.com/ladcd/ladc/internal/address"
	"github.com/ladcd/ladc/internal/command"
	"github.com/ladcd/ladc/internal/endqueue"
	"github.com/ladcd/ladc/internal/errors"
	"github.com/ladcd/ladc/internal/logging"
	"github.com/ladcd/ladc/internal/wire"
)

// AllowList is the MRU-ordered set of peer address/prefix entries
// permitted to submit sync/control frames (§4.8 "A match bumps the
// entry's MRU priority"). It uses the same one-step-promotion idiom as
// rule.IgnoreList rather than a bounded LRU cache, since the allow-list
// is the full configured peer set, not an evictable cache.
type AllowList struct {
	mu      sync.Mutex
	entries []address.Address
}

// NewAllowList returns an AllowList seeded with entries, most-trusted
// (most likely to match) first.
func NewAllowList(entries []address.Address) *AllowList {
	return &AllowList{entries: append([]address.Address(nil), entries...)}
}

// Covers reports whether sender matches some entry, promoting that entry
// one step toward the front on a hit.
func (l *AllowList) Covers(sender address.Address) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, e := range l.entries {
		if e.Contains(sender) {
			promote(l.entries, i)
			return true
		}
	}
	return false
}

func promote(entries []address.Address, i int) {
	if i == 0 {
		return
	}
	entries[i], entries[i-1] = entries[i-1], entries[i]
}

// Destination is a configured peer to broadcast "add" frames and bulk
// syncs to.
type Destination struct {
	Name string
	Addr address.Address
	Port int
}

func (d Destination) udpAddr() *net.UDPAddr {
	ip := net.IP(d.Addr.Bytes())
	return &net.UDPAddr{IP: ip, Port: d.Port}
}

func (d Destination) peerID() string {
	return d.Name
}

// Sealer authenticated-encrypts/decrypts frames per peer (§4.7).
// Implemented by internal/crypto.Envelope.
type Sealer interface {
	Seal(peerID string, plaintext []byte) ([]byte, error)
	Open(peerID string, frame []byte) ([]byte, error)
}

// Dispatcher routes a decrypted, decoded wire message to the daemon's
// control dispatcher (internal/control). senderID identifies which
// configured destination (if any) the frame's source address matched,
// for bulk-sync "requester" resolution; it is empty when the sender is
// on the allow-list but not one of our own configured destinations.
type Dispatcher interface {
	Dispatch(ctx context.Context, senderID string, senderAddr address.Address, msg wire.Message)
}

// Config controls how the endpoint binds and paces bulk sync.
type Config struct {
	BindV4       string // "host:port"; empty disables the v4 socket
	BindV6       string // "host:port"; empty disables the v6 socket
	Destinations []Destination
	SyncRate     rate.Limit // frames/sec; defaults to 5 (§4.8 "~5 per second")
}

// Endpoint is the peer UDP endpoint: listener, allow-list, egress, and
// the single concurrent bulk-sync sender (§4.8).
type Endpoint struct {
	cfg    Config
	allow  *AllowList
	seal   Sealer
	queue  *endqueue.Queue
	dsp    Dispatcher
	log    *logging.Logger

	connV4, connV6 *net.UDPConn

	syncMu      sync.Mutex
	syncCancel  context.CancelFunc
	syncRunning bool
}

// New returns an Endpoint. Call Listen to bind and start serving.
func New(cfg Config, allow *AllowList, seal Sealer, queue *endqueue.Queue, dsp Dispatcher) *Endpoint {
	if cfg.SyncRate <= 0 {
		cfg.SyncRate = 5
	}
	return &Endpoint{
		cfg:   cfg,
		allow: allow,
		seal:  seal,
		queue: queue,
		dsp:   dsp,
		log:   logging.WithComponent("peer"),
	}
}

// Listen binds the configured sockets and serves until ctx is cancelled.
// The v6 socket is bound with IPV6_V6ONLY so it never shadows the
// parallel v4 socket (§4.8 "IPv4/IPv6 single-socket via IPV6_V6ONLY=1
// plus a parallel v4 socket").
func (e *Endpoint) Listen(ctx context.Context) error {
	var wg sync.WaitGroup

	if e.cfg.BindV4 != "" {
		conn, err := bindUDP4(e.cfg.BindV4)
		if err != nil {
			return errors.Errorf(errors.KindFatalIO, "peer: binding v4 socket %s: %v", e.cfg.BindV4, err)
		}
		e.connV4 = conn
		wg.Add(1)
		go func() { defer wg.Done(); e.serve(ctx, conn) }()
	}
	if e.cfg.BindV6 != "" {
		conn, err := bindUDP6Only(e.cfg.BindV6)
		if err != nil {
			return errors.Errorf(errors.KindFatalIO, "peer: binding v6 socket %s: %v", e.cfg.BindV6, err)
		}
		e.connV6 = conn
		wg.Add(1)
		go func() { defer wg.Done(); e.serve(ctx, conn) }()
	}

	<-ctx.Done()
	if e.connV4 != nil {
		e.connV4.Close()
	}
	if e.connV6 != nil {
		e.connV6.Close()
	}
	wg.Wait()
	return nil
}

func bindUDP4(addr string) (*net.UDPConn, error) {
	udpAddr, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return nil, err
	}
	return net.ListenUDP("udp4", udpAddr)
}

// bindUDP6Only binds a v6-only UDP socket so the parallel v4 listener
// retains sole ownership of the v4 address space (§4.8).
func bindUDP6Only(addr string) (*net.UDPConn, error) {
	udpAddr, err := net.ResolveUDPAddr("udp6", addr)
	if err != nil {
		return nil, err
	}
	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var sockErr error
			err := c.Control(func(fd uintptr) {
				sockErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 1)
			})
			if err != nil {
				return err
			}
			return sockErr
		},
	}
	packetConn, err := lc.ListenPacket(context.Background(), "udp6", udpAddr.String())
	if err != nil {
		return nil, err
	}
	conn, ok := packetConn.(*net.UDPConn)
	if !ok {
		packetConn.Close()
		return nil, fmt.Errorf("peer: unexpected packet conn type %T", packetConn)
	}
	return conn, nil
}

func (e *Endpoint) serve(ctx context.Context, conn *net.UDPConn) {
	buf := make([]byte, 2048)
	for {
		n, raddr, err := conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				e.log.Warn("read failed", "err", err)
				continue
			}
		}
		e.handleFrame(ctx, raddr, append([]byte(nil), buf[:n]...))
	}
}

func (e *Endpoint) handleFrame(ctx context.Context, raddr *net.UDPAddr, frame []byte) {
	senderIP, err := address.Parse(raddr.IP.String())
	if err != nil {
		e.log.Warn("unparseable sender address", "addr", raddr.String())
		return
	}
	if !e.allow.Covers(senderIP) {
		e.log.Warn("dropping frame from address not on allow-list", "addr", senderIP.String())
		return
	}

	senderID := e.resolveDestinationID(senderIP)
	peerID := senderID
	if peerID == "" {
		peerID = senderIP.String()
	}

	plaintext, err := e.seal.Open(peerID, frame)
	if err != nil {
		e.log.Warn("dropping frame that failed authentication", "addr", senderIP.String(), "err", err)
		return
	}

	msg, err := wire.Decode(plaintext)
	if err != nil {
		e.log.Warn("dropping malformed frame", "addr", senderIP.String(), "err", err)
		return
	}

	e.dsp.Dispatch(ctx, senderID, senderIP, msg)
}

func (e *Endpoint) resolveDestinationID(addr address.Address) string {
	for _, d := range e.cfg.Destinations {
		if d.Addr.Equal(addr) {
			return d.peerID()
		}
	}
	return ""
}

// BroadcastAdd builds an "add" frame without deadline/factor (leaving
// the peer to decide its own escalation, §4.8) and sends it to every
// configured destination on its matching-family socket.
func (e *Endpoint) BroadcastAdd(ruleName string, inst *command.Instance) error {
	if inst.Address == nil {
		return errors.Errorf(errors.KindInternal, "peer: cannot broadcast an instance with no address")
	}
	payload := wire.FormatAddPayload(wire.AddPayload{
		AddrCIDR: inst.Address.String(),
		Rule:     ruleName,
	})
	return e.sendToAll(wire.Message{Verb: wire.VerbAdd, Payload: payload})
}

func (e *Endpoint) sendToAll(msg wire.Message) error {
	var firstErr error
	for _, d := range e.cfg.Destinations {
		if err := e.sendTo(d, msg); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (e *Endpoint) sendTo(d Destination, msg wire.Message) error {
	frame, err := wire.Encode(msg)
	if err != nil {
		return fmt.Errorf("peer: encoding frame for %s: %w", d.Name, err)
	}
	sealed, err := e.seal.Seal(d.peerID(), frame)
	if err != nil {
		return fmt.Errorf("peer: sealing frame for %s: %w", d.Name, err)
	}

	conn := e.connV4
	if d.Addr.Family() == address.FamilyV6 {
		conn = e.connV6
	}
	if conn == nil {
		return errors.Errorf(errors.KindUnavailable, "peer: no socket bound for destination %s's address family", d.Name)
	}
	_, err = conn.WriteToUDP(sealed, d.udpAddr())
	return err
}

// StartSync spawns the single bulk-sync sender task (§4.8 "X"), rejecting
// the call if one is already running. It snapshots the end-queue under
// its own mutex, drops the lock, then emits one "add" frame per live
// entry at the configured rate to dest (or requester if dest is empty).
func (e *Endpoint) StartSync(ctx context.Context, requester address.Address, dest *address.Address) error {
	e.syncMu.Lock()
	if e.syncRunning {
		e.syncMu.Unlock()
		return errors.Errorf(errors.KindConflict, "peer: a bulk sync is already running")
	}
	syncCtx, cancel := context.WithCancel(ctx)
	e.syncRunning = true
	e.syncCancel = cancel
	e.syncMu.Unlock()

	target := requester
	if dest != nil {
		target = *dest
	}
	destination := Destination{Name: target.String(), Addr: target, Port: e.defaultPort(target)}

	go func() {
		defer func() {
			e.syncMu.Lock()
			e.syncRunning = false
			e.syncCancel = nil
			e.syncMu.Unlock()
			cancel()
		}()
		e.runSync(syncCtx, destination)
	}()
	return nil
}

// StopSync cancels the running bulk-sync task, if any (§4.8 "x").
func (e *Endpoint) StopSync() {
	e.syncMu.Lock()
	defer e.syncMu.Unlock()
	if e.syncCancel != nil {
		e.syncCancel()
	}
}

func (e *Endpoint) defaultPort(addr address.Address) int {
	for _, d := range e.cfg.Destinations {
		if d.Addr.Equal(addr) {
			return d.Port
		}
	}
	return addr.Port()
}

func (e *Endpoint) runSync(ctx context.Context, dest Destination) {
	entries := e.queue.Snapshot()
	limiter := rate.NewLimiter(e.cfg.SyncRate, 1)

	for _, entry := range entries {
		if err := limiter.Wait(ctx); err != nil {
			return
		}
		payload := wire.FormatAddPayload(wire.AddPayload{
			AddrCIDR: entry.Address.String(),
			Rule:     entry.RuleName,
		})
		if err := e.sendTo(dest, wire.Message{Verb: wire.VerbAdd, Payload: payload}); err != nil {
			e.log.Warn("bulk sync send failed", "dest", dest.Name, "err", err)
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

