// Package control implements the §4.6 control dispatcher: the single
// routing point that turns a parsed wire.Message — arriving from the
// control FIFO unencrypted or from an authenticated peer frame — into a
// call against the owning component.
package control

import (
	"context"
	"strings"
	"time"

	"github.com/ladcd/ladc/internal/address"
	"github.com/ladcd/ladc/internal/endqueue"
	"github.com/ladcd/ladc/internal/errors"
	"github.com/ladcd/ladc/internal/logging"
	"github.com/ladcd/ladc/internal/rule"
	"github.com/ladcd/ladc/internal/wire"
)

// Peer is the subset of internal/peer.Endpoint the dispatcher drives for
// the bulk-sync verbs (§4.8 "X"/"x").
type Peer interface {
	StartSync(ctx context.Context, requester address.Address, dest *address.Address) error
	StopSync()
}

// Snapshotter is the subset of internal/snapshot.Snapshotter the
// dispatcher drives for the save-state verb (§4.9).
type Snapshotter interface {
	Dump() error
}

// StatusDumper is the subset of internal/metrics.Collector the
// dispatcher drives for the dump-status verb (§6's "D" readout trigger).
type StatusDumper interface {
	DumpNow()
}

// Config bundles the hooks that belong to components control does not
// own itself: config reload is an atomic pointer swap (§9), shutdown
// flips the process-wide cancellation flag (§5), and SetLogLevel adjusts
// the shared logger in place.
type Config struct {
	Reload      func() error
	Shutdown    func()
	SetLogLevel func(level string)
}

// Dispatcher routes every verb of §4.6 to its owning component. One
// Dispatcher instance serves both the control FIFO reader and the peer
// endpoint, so every verb has exactly one implementation regardless of
// which transport it arrived on.
type Dispatcher struct {
	engine *rule.Engine
	queue  *endqueue.Queue
	peer   Peer
	snap   Snapshotter
	status StatusDumper
	cfg    Config
	log    *logging.Logger
}

// New returns a Dispatcher. peer, snap, and status may be nil in
// configurations that run without peer sync, persistence, or metrics.
func New(engine *rule.Engine, queue *endqueue.Queue, peer Peer, snap Snapshotter, status StatusDumper, cfg Config) *Dispatcher {
	return &Dispatcher{
		engine: engine,
		queue:  queue,
		peer:   peer,
		snap:   snap,
		status: status,
		cfg:    cfg,
		log:    logging.WithComponent("control"),
	}
}

// SetPeer installs the peer endpoint after construction, for callers
// that must build the peer.Endpoint (which itself depends on this
// Dispatcher to route inbound frames) after the Dispatcher exists.
func (d *Dispatcher) SetPeer(peer Peer) {
	d.peer = peer
}

// Dispatch implements internal/peer.Dispatcher: route one authenticated
// frame, logging (rather than propagating) any handling failure, since
// there is no return channel back to a UDP sender.
func (d *Dispatcher) Dispatch(ctx context.Context, senderID string, senderAddr address.Address, msg wire.Message) {
	if err := d.Handle(ctx, senderAddr, msg); err != nil {
		d.log.Warn("handling peer frame failed", "verb", string(rune(msg.Verb)), "from", senderAddr.String(), "err", err)
	}
}

// HandleLine parses and handles one unencrypted control-FIFO line (§6:
// "same grammar as §4.6, unencrypted and unpadded"). A blank or comment
// line is silently accepted.
func (d *Dispatcher) HandleLine(ctx context.Context, line string) error {
	msg, err := wire.ParseLine(line)
	if err == wire.ErrIgnored {
		return nil
	}
	if err != nil {
		return err
	}
	return d.Handle(ctx, address.Address{}, msg)
}

// Handle routes one already-parsed message. from is the sender's
// resolved address when the message arrived over the network, the zero
// value for FIFO-originated messages.
func (d *Dispatcher) Handle(ctx context.Context, from address.Address, msg wire.Message) error {
	switch msg.Verb {
	case wire.VerbAdd:
		payload, err := wire.ParseAddPayload(msg.Payload)
		if err != nil {
			return err
		}
		return d.ApplyAdd(payload)

	case wire.VerbDel:
		addr, err := address.Parse(msg.Payload)
		if err != nil {
			return errors.WireError("control: invalid address in del command: %v", err)
		}
		removed, err := d.queue.RemoveAndTrigger(ctx, addr)
		if err != nil {
			return errors.ActionError("control: end action failed for %s: %v", addr.String(), err)
		}
		if !removed {
			d.log.Info("del requested for address with no live command", "address", addr.String())
		}
		return nil

	case wire.VerbFlush:
		d.queue.Flush(ctx)
		return nil

	case wire.VerbReloadConfig:
		if d.cfg.Reload == nil {
			return nil
		}
		return d.cfg.Reload()

	case wire.VerbShutdown:
		if d.cfg.Shutdown != nil {
			d.cfg.Shutdown()
		}
		return nil

	case wire.VerbDumpState:
		if d.snap == nil {
			return nil
		}
		return d.snap.Dump()

	case wire.VerbSetLogLevel:
		if d.cfg.SetLogLevel != nil {
			d.cfg.SetLogLevel(strings.TrimSpace(msg.Payload))
		}
		return nil

	case wire.VerbResetCounters:
		d.engine.ResetAllCounters()
		return nil

	case wire.VerbSync:
		if d.peer == nil {
			return nil
		}
		dest, err := parseSyncDestination(msg.Payload)
		if err != nil {
			return err
		}
		return d.peer.StartSync(ctx, from, dest)

	case wire.VerbStopSync:
		if d.peer != nil {
			d.peer.StopSync()
		}
		return nil

	case wire.VerbDumpStatus:
		if d.status != nil {
			d.status.DumpNow()
		}
		return nil

	case wire.VerbEnableRule:
		return d.setRuleEnabled(msg.Payload, true)

	case wire.VerbDisableRule:
		return d.setRuleEnabled(msg.Payload, false)

	case wire.VerbMonitoringLevel:
		// Monitoring-level is read by the status monitor task, which
		// this package does not own; logged so an operator can see the
		// request was received even before that task exists.
		d.log.Info("monitoring level change requested", "level", strings.TrimSpace(msg.Payload))
		return nil

	default:
		return errors.WireError("control: unhandled verb %q", string(rune(msg.Verb)))
	}
}

// ApplyAdd implements internal/snapshot.AddApplier and the VerbAdd half
// of Handle: look the rule up by name and enqueue addr against it. When
// payload carries an explicit end-time (a restored snapshot line, or a
// manually constructed add), that deadline and factor are used exactly;
// otherwise (a peer's broadcast_add, §4.8, which omits them so "the peer
// decides") the deadline is now plus the rule's configured duration and
// the factor is the payload's factor, or 1 when it carries none; meta
// escalation is not applied on this path.
func (d *Dispatcher) ApplyAdd(payload wire.AddPayload) error {
	addr, err := address.Parse(payload.AddrCIDR)
	if err != nil {
		return errors.WireError("control: invalid address in add command: %v", err)
	}
	r, ok := d.engine.Rule(payload.Rule)
	if !ok {
		return errors.Errorf(errors.KindValidation, "control: unknown rule %q in add command", payload.Rule)
	}

	if payload.EndTime != nil {
		deadline := time.Unix(*payload.EndTime, 0)
		return d.engine.EnqueueManual(r, addr, deadline, payload.Factor)
	}

	deadline := time.Now().Add(r.Params.Duration)
	return d.engine.EnqueueManual(r, addr, deadline, payload.Factor)
}

func (d *Dispatcher) setRuleEnabled(ruleName string, enabled bool) error {
	name := strings.TrimSpace(ruleName)
	r, ok := d.engine.Rule(name)
	if !ok {
		return errors.Errorf(errors.KindValidation, "control: unknown rule %q", name)
	}
	r.SetEnabled(enabled)
	d.log.Info("rule enabled state changed", "rule", name, "enabled", enabled)
	return nil
}

// parseSyncDestination parses the "X" verb's optional payload: an empty
// payload means "sync to the requester" (§4.8); otherwise the payload is
// the destination address literal.
func parseSyncDestination(payload string) (*address.Address, error) {
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return nil, nil
	}
	addr, err := address.Parse(payload)
	if err != nil {
		return nil, errors.WireError("control: invalid sync destination %q: %v", payload, err)
	}
	return &addr, nil
}
