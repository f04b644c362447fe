// Package daemon wires every subsystem package into one running process:
// it translates a loaded config.Config into rule/command/pattern objects,
// constructs the end-queue, peer endpoint, snapshotter and metrics
// collector around it, and runs the §5 concurrency model's independent
// tasks until shut down.
package daemon

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ladcd/ladc/internal/action"
	"github.com/ladcd/ladc/internal/address"
	"github.com/ladcd/ladc/internal/command"
	"github.com/ladcd/ladc/internal/config"
	"github.com/ladcd/ladc/internal/control"
	"github.com/ladcd/ladc/internal/crypto"
	"github.com/ladcd/ladc/internal/dnsbl"
	"github.com/ladcd/ladc/internal/endqueue"
	"github.com/ladcd/ladc/internal/errors"
	"github.com/ladcd/ladc/internal/fifo"
	"github.com/ladcd/ladc/internal/logging"
	"github.com/ladcd/ladc/internal/metrics"
	"github.com/ladcd/ladc/internal/pattern"
	"github.com/ladcd/ladc/internal/peer"
	"github.com/ladcd/ladc/internal/rule"
	"github.com/ladcd/ladc/internal/snapshot"
	"github.com/ladcd/ladc/internal/source"
	"github.com/ladcd/ladc/internal/supervisor"
)

// Daemon owns every long-lived subsystem and the goroutines that drive
// them (§5: reader tasks, the end-queue scheduler, the peer listener,
// the snapshotter, and the control FIFO are independent and
// crash-isolated from one another).
type Daemon struct {
	mgr *config.Manager
	log *logging.Logger

	action *action.Executor
	dnsbl  *dnsbl.Client

	queue  *endqueue.Queue
	engine *rule.Engine

	sealer *crypto.Envelope
	allow  *peer.AllowList
	peerEP *peer.Endpoint

	snap        *snapshot.Snapshotter
	registry    *prometheus.Registry
	collector   *metrics.Collector
	metricsAddr string
	metricsSrv  *http.Server

	sources    *source.Group
	fifoSrv    *fifo.FIFO
	dispatcher *control.Dispatcher
	sup        *supervisor.Supervisor

	actions  map[string]config.Action // referenced actions, for initialize/shutdown hooks
	shutdown context.CancelFunc

	safeMode bool // set by SetSafeMode; skips source tailing when true

	mu sync.Mutex // guards cross-component rebuild during Reload
}

// SetSafeMode controls whether Run starts log-source tailing. The caller
// (cmd/logactiond, via internal/supervisor's crash accounting) sets this
// before calling Run when recent restarts look like repeated crashes
// rather than requested stops, so a source that reliably kills the
// process doesn't keep taking it down in a loop; the control FIFO,
// end-queue and metrics still come up normally.
func (d *Daemon) SetSafeMode(safe bool) {
	d.safeMode = safe
}

// Supervisor returns the crash accounting instance New built from this
// daemon's config.Files.StatusDir, so a caller (cmd/logactiond) can
// decide whether to enter safe mode and later record how this process
// exited, without standing up a second instance with its own state file.
func (d *Daemon) Supervisor() *supervisor.Supervisor {
	return d.sup
}

// New loads cfgPath and builds every subsystem from it. shutdown is
// called when a control-plane "shutdown" verb arrives (§4.6 "S"); the
// caller owns cancelling the context New's ctx-accepting methods run
// under.
func New(cfgPath string, shutdown context.CancelFunc) (*Daemon, error) {
	mgr, err := config.NewManager(cfgPath)
	if err != nil {
		return nil, err
	}
	cfg := mgr.Current()

	d := &Daemon{
		mgr:      mgr,
		log:      logging.WithComponent("daemon"),
		shutdown: shutdown,
	}

	d.action = action.New(action.Config{})
	d.dnsbl = dnsbl.New(dnsbl.Config{})
	d.registry = prometheus.NewRegistry()
	d.sup = supervisor.New(cfg.Files.StatusDir, supervisor.DefaultConfig())

	d.queue = endqueue.New(d.action, &dnsblChecker{client: d.dnsbl, zones: zoneIndex(cfg)})
	d.engine = rule.NewEngine(d.queue, d.dnsbl, rule.NewIgnoreList(cfg.IgnoreList), d.action)
	if err := applyRuleSet(d.engine, cfg); err != nil {
		return nil, err
	}
	d.actions = referencedActions(cfg)

	d.snap = snapshot.New(snapshot.Config{
		Path:     cfg.Files.SnapshotPath,
		Interval: 300 * time.Second,
	}, d.queue)

	met := metrics.New(d.registry)
	d.collector = metrics.NewCollector(met, d.engine, d.queue, func(kind string) string {
		return cfg.StatusDumpPath(kind)
	}, 10*time.Second)
	d.metricsAddr = cfg.Files.MetricsAddr

	// The Dispatcher is built before the peer endpoint since the
	// endpoint needs the Dispatcher to route inbound frames; its Peer
	// field is wired in below via SetPeer once the endpoint exists.
	d.dispatcher = control.New(d.engine, d.queue, nil, d.snap, d.collector, control.Config{
		Reload:      d.Reload,
		Shutdown:    d.doShutdown,
		SetLogLevel: logging.Default().SetLevel,
	})

	if cfg.Remote.Enabled {
		if err := d.buildPeer(cfg); err != nil {
			return nil, err
		}
		d.dispatcher.SetPeer(d.peerEP)
	}

	d.fifoSrv = fifo.New(fifo.Config{
		Path:  cfg.Files.FifoPath,
		User:  cfg.Files.FifoUser,
		Group: cfg.Files.FifoGroup,
		Mask:  parseMask(cfg.Files.FifoMask),
	}, d.dispatcher)

	tailerConfigs, err := expandSources(cfg)
	if err != nil {
		return nil, err
	}
	d.sources = source.NewGroup(tailerConfigs, d.engine, d.sup)

	return d, nil
}

// runInitializeActions runs every referenced action's one-time
// initialize command, in map iteration order (which may differ from run
// to run), before any
// source is tailed (predecessor's "action init hooks run once at
// startup, before log watching begins").
func (d *Daemon) runInitializeActions(ctx context.Context) {
	for name, ac := range d.actions {
		if ac.Initialize == "" {
			continue
		}
		if err := d.action.Execute(ctx, ac.Initialize); err != nil {
			d.log.Warn("action initialize hook failed", "action", name, "err", err)
		}
	}
}

// runShutdownActions runs every referenced action's one-time shutdown
// command, the initialize hook's counterpart.
func (d *Daemon) runShutdownActions(ctx context.Context) {
	for name, ac := range d.actions {
		if ac.Shutdown == "" {
			continue
		}
		if err := d.action.Execute(ctx, ac.Shutdown); err != nil {
			d.log.Warn("action shutdown hook failed", "action", name, "err", err)
		}
	}
}

// RestoreSnapshot replays the persisted snapshot file into the end-queue
// via the control dispatcher's add path (§4.9). Exposed separately from
// Run for the `--cleanup` CLI mode, which restores state without
// starting any of the daemon's long-running tasks.
func (d *Daemon) RestoreSnapshot() (int, error) {
	return d.snap.Restore(d.dispatcher)
}

// Run starts every subsystem task and blocks until ctx is cancelled
// (§5's per-task goroutines, fanned out from this single call site).
func (d *Daemon) Run(ctx context.Context) error {
	d.runInitializeActions(ctx)

	if n, err := d.RestoreSnapshot(); err != nil {
		d.log.Error("snapshot restore failed", "err", err)
	} else if n > 0 {
		d.log.Info("restored end-queue entries from snapshot", "count", n)
	}

	var wg sync.WaitGroup
	wg.Add(4)

	go func() {
		defer wg.Done()
		if d.safeMode {
			d.log.Warn("safe mode: not starting log-source tailing")
			return
		}
		d.sources.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		d.queue.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		d.snap.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		d.collector.Run(ctx)
	}()

	if d.peerEP != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := d.peerEP.Listen(ctx); err != nil {
				d.log.Error("peer endpoint exited", "err", err)
			}
		}()
	}

	if d.metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(d.registry, promhttp.HandlerOpts{}))
		d.metricsSrv = &http.Server{Addr: d.metricsAddr, Handler: mux}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := d.metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				d.log.Error("metrics server exited", "err", err)
			}
		}()
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = d.metricsSrv.Shutdown(shutdownCtx)
		}()
	}

	if err := d.fifoSrv.Listen(ctx); err != nil {
		d.log.Error("control fifo exited", "err", err)
	}

	wg.Wait()
	return nil
}

// Reload re-parses the config file and applies its rule set into the
// live engine in place (§9 "atomic config swap"); the engine, end-queue,
// peer endpoint and snapshotter identities never change across a reload.
func (d *Daemon) Reload() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.mgr.Reload(); err != nil {
		return err
	}
	cfg := d.mgr.Current()
	return applyRuleSet(d.engine, cfg)
}

func (d *Daemon) doShutdown() {
	if d.shutdown != nil {
		d.shutdown()
	}
}

// Flush runs the end-queue's shutdown cleanup sweep (every non-quick-
// shutdown live entry's end action) without touching the action init/
// shutdown hooks or taking the daemon down (§4.6 "F"/SIGUSR1).
func (d *Daemon) Flush(ctx context.Context) {
	d.queue.Flush(ctx)
}

// Shutdown runs the end-queue's shutdown cleanup sweep, dumps a final
// snapshot, and runs every referenced action's shutdown hook. Call after
// Run's context has been cancelled and its goroutines drained.
func (d *Daemon) Shutdown(ctx context.Context) {
	d.queue.Flush(ctx)
	if err := d.snap.Dump(); err != nil {
		d.log.Error("final snapshot dump failed", "err", err)
	}
	d.runShutdownActions(ctx)
}

// buildPeer constructs the UDP peer endpoint and its crypto envelope
// from the "remote" config block.
func (d *Daemon) buildPeer(cfg *config.Config) error {
	if cfg.Remote.Secret == "" {
		return errors.ConfigError("daemon: remote.enabled requires remote.secret")
	}
	sealer, err := crypto.New([]byte(cfg.Remote.Secret), 256)
	if err != nil {
		return errors.Wrap(err, errors.KindConfig, "daemon: building crypto envelope")
	}
	d.sealer = sealer

	var allowed []address.Address
	for _, raw := range cfg.Remote.ReceiveFrom {
		a, err := address.Parse(raw)
		if err != nil {
			return errors.ConfigError("daemon: invalid remote.receive_from entry %q: %v", raw, err)
		}
		allowed = append(allowed, a)
	}
	d.allow = peer.NewAllowList(allowed)

	var dests []peer.Destination
	for _, raw := range cfg.Remote.SendTo {
		a, err := address.Parse(raw)
		if err != nil {
			return errors.ConfigError("daemon: invalid remote.send_to entry %q: %v", raw, err)
		}
		dests = append(dests, peer.Destination{Name: a.String(), Addr: a, Port: cfg.Remote.Port})
	}

	bind := cfg.Remote.Bind
	if bind == "" {
		bind = "0.0.0.0"
	}
	d.peerEP = peer.New(peer.Config{
		BindV4:       fmt.Sprintf("%s:%d", bind, cfg.Remote.Port),
		Destinations: dests,
	}, d.allow, d.sealer, d.queue, d.dispatcher)
	return nil
}

// applyRuleSet translates cfg's actions/sources/rules into rule.Rule
// objects and installs them into engine via ApplyRules (§6 config
// schema → §4.2/§4.5 in-memory model).
func applyRuleSet(engine *rule.Engine, cfg *config.Config) error {
	var rules []*rule.Rule
	for name, rc := range cfg.Rules {
		if !cfg.RuleEnabled(name) {
			continue
		}
		src, ok := cfg.Sources[rc.Source]
		if !ok {
			return errors.ConfigError("daemon: rule %q references unknown source %q", name, rc.Source)
		}

		patterns := make([]*pattern.Pattern, 0, len(rc.Patterns))
		for _, p := range rc.Patterns {
			compiled, err := pattern.Compile(p, src.Prefix, name)
			if err != nil {
				return errors.ConfigError("daemon: rule %q: compiling pattern %q: %v", name, p, err)
			}
			patterns = append(patterns, compiled)
		}

		templates := make([]*command.Template, 0, len(rc.Actions))
		for _, actionName := range rc.Actions {
			ac, ok := cfg.Actions[actionName]
			if !ok {
				return errors.ConfigError("daemon: rule %q references unknown action %q", name, actionName)
			}
			needHost, err := command.ParseNeedHost(ac.NeedHost)
			if err != nil {
				return errors.ConfigError("daemon: rule %q action %q: %v", name, actionName, err)
			}
			duration := intOrDefault(rc.Duration, cfg.Defaults.Duration)
			templates = append(templates, &command.Template{
				Name:          ac.Name,
				RuleName:      name,
				SourceName:    rc.Source,
				BeginString:   ac.Begin,
				EndString:     ac.End,
				Duration:      duration,
				NeedHost:      needHost,
				QuickShutdown: ac.QuickShutdown,
			})
		}

		threshold := intOrDefault(rc.Threshold, cfg.Defaults.Threshold)
		period := time.Duration(intOrDefault(rc.Period, cfg.Defaults.Period)) * time.Second

		r := rule.NewRule(name, rc.Source, patterns, templates, threshold, period, rc.Blacklists)
		r.Unit = rc.SystemdUnit
		r.MetaEnabled = boolOrDefault(rc.MetaEnabled, cfg.Defaults.MetaEnabled)
		r.MetaCfg = endqueue.RuleConfig{
			Duration:   time.Duration(duration) * time.Second,
			MetaFactor: intOrDefault(rc.MetaFactor, cfg.Defaults.MetaFactor),
			MetaMax:    time.Duration(intOrDefault(rc.MetaMax, cfg.Defaults.MetaMax)) * time.Second,
		}
		r.DNSBLEnabled = boolOrDefault(rc.DNSBLEnabled, cfg.Defaults.DNSBLEnabled)
		r.DNSBLThreshold = intOrDefault(rc.DNSBLThreshold, cfg.Defaults.DNSBLThreshold)

		r.Params = endqueue.RuleDeadlineParams{
			DNSBLDuration: time.Duration(intOrDefault(rc.DNSBLDuration, cfg.Defaults.DNSBLDuration)) * time.Second,
			MetaMax:       r.MetaCfg.MetaMax,
		}
		if duration < 0 {
			r.Params.SentinelMax = true
		} else {
			r.Params.Duration = time.Duration(duration) * time.Second
		}

		rules = append(rules, r)
	}

	engine.ApplyRules(rules)
	return nil
}

func intOrDefault(override *int, def int) int {
	if override != nil {
		return *override
	}
	return def
}

func boolOrDefault(override *bool, def bool) bool {
	if override != nil {
		return *override
	}
	return def
}

// referencedActions collects every action actually used by an enabled
// rule, for the initialize/shutdown hooks (§6 action block: "commands
// run once, not per-match").
func referencedActions(cfg *config.Config) map[string]config.Action {
	out := make(map[string]config.Action)
	for name, rc := range cfg.Rules {
		if !cfg.RuleEnabled(name) {
			continue
		}
		for _, actionName := range rc.Actions {
			if ac, ok := cfg.Actions[actionName]; ok {
				out[actionName] = ac
			}
		}
	}
	return out
}

// zoneIndex maps each rule name to its configured DNSBL zones, for the
// end-queue's requery-on-renewal path (§4.4 "requery the DNSBL zones").
func zoneIndex(cfg *config.Config) map[string][]string {
	idx := make(map[string][]string, len(cfg.Rules))
	for name, rc := range cfg.Rules {
		idx[name] = rc.Blacklists
	}
	return idx
}

// dnsblChecker adapts internal/dnsbl.Client to endqueue.DNSBLChecker,
// resolving a rule's configured zones and querying each in turn.
type dnsblChecker struct {
	client *dnsbl.Client
	zones  map[string][]string
}

func (c *dnsblChecker) Check(ctx context.Context, ruleName string, addr address.Address) (bool, error) {
	for _, zone := range c.zones[ruleName] {
		hit, err := c.client.Query(ctx, zone, addr)
		if err != nil {
			return false, err
		}
		if hit {
			return true, nil
		}
	}
	return false, nil
}

// expandSources resolves every rule's referenced source's location glob
// into concrete file tailer configs; the same source name may expand
// into several files, all feeding the same named source to the engine.
func expandSources(cfg *config.Config) ([]source.FileConfig, error) {
	var out []source.FileConfig
	for name, s := range cfg.Sources {
		matches, err := filepath.Glob(s.Location)
		if err != nil {
			return nil, errors.ConfigError("daemon: invalid source %q location glob %q: %v", name, s.Location, err)
		}
		if len(matches) == 0 {
			matches = []string{s.Location}
		}
		for _, path := range matches {
			out = append(out, source.FileConfig{Name: name, Path: path})
		}
	}
	return out, nil
}

// parseMask parses the §6 "files.fifo_mask" octal permission string,
// defaulting to 0600 on a blank or unparsable value.
func parseMask(raw string) uint32 {
	if raw == "" {
		return 0o600
	}
	v, err := strconv.ParseUint(raw, 8, 32)
	if err != nil {
		return 0o600
	}
	return uint32(v)
}
