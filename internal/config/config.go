// Package config loads the §6 hierarchical config file: defaults, named
// actions, sources, rules, and the local enable list. Includes are
// resolved via filepath.Glob at parse time, and the decoded tree is held
// behind an atomic pointer so a reload swaps the whole configuration in
// one store rather than mutating it in place (§9).
package config

import (
	"os"
	"path/filepath"
	"sort"
	"sync/atomic"

	"github.com/hashicorp/hcl/v2/hclsimple"

	"github.com/ladcd/ladc/internal/address"
	"github.com/ladcd/ladc/internal/errors"
)

// Defaults holds the §6 "defaults" block: numeric parameters a rule
// inherits unless it overrides them, plus the global ignore-list.
type Defaults struct {
	Threshold      int      `hcl:"threshold,optional"`
	Period         int      `hcl:"period,optional"`
	Duration       int      `hcl:"duration,optional"`
	DNSBLDuration  int      `hcl:"dnsbl_duration,optional"`
	MetaEnabled    bool     `hcl:"meta_enabled,optional"`
	MetaPeriod     int      `hcl:"meta_period,optional"`
	MetaFactor     int      `hcl:"meta_factor,optional"`
	MetaMax        int      `hcl:"meta_max,optional"`
	DNSBLEnabled   bool     `hcl:"dnsbl_enabled,optional"`
	DNSBLThreshold int      `hcl:"dnsbl_threshold,optional"`
	Ignore         []string `hcl:"ignore,optional"`
}

// withBuiltins fills in the logactiond-predecessor's built-in constants
// for any field a config file left at its zero value.
func (d Defaults) withBuiltins() Defaults {
	if d.Threshold == 0 {
		d.Threshold = 3
	}
	if d.Period == 0 {
		d.Period = 600
	}
	if d.Duration == 0 {
		d.Duration = 600
	}
	if d.MetaPeriod == 0 {
		d.MetaPeriod = 3600
	}
	if d.MetaFactor == 0 {
		d.MetaFactor = 2
	}
	if d.MetaMax == 0 {
		d.MetaMax = 86400
	}
	return d
}

// Action is a named begin/end command template (§6 "actions").
type Action struct {
	Name          string `hcl:"name,label"`
	Initialize    string `hcl:"initialize,optional"`
	Shutdown      string `hcl:"shutdown,optional"`
	Begin         string `hcl:"begin,optional"`
	End           string `hcl:"end,optional"`
	NeedHost      string `hcl:"need_host,optional"` // no|any|4|6, default "any"
	QuickShutdown bool   `hcl:"quick_shutdown,optional"`
}

// Source is a named log source: a file glob plus the literal prefix
// concatenated before every pattern compiled against it (§4.1).
type Source struct {
	Name     string `hcl:"name,label"`
	Location string `hcl:"location"`
	Prefix   string `hcl:"prefix,optional"`
}

// Rule is a named detection rule (§6 "rules").
type Rule struct {
	Name           string   `hcl:"name,label"`
	Source         string   `hcl:"source"`
	Patterns       []string `hcl:"pattern"`
	Actions        []string `hcl:"action"`
	Threshold      *int     `hcl:"threshold,optional"`
	Period         *int     `hcl:"period,optional"`
	Duration       *int     `hcl:"duration,optional"`
	DNSBLDuration  *int     `hcl:"dnsbl_duration,optional"`
	MetaEnabled    *bool    `hcl:"meta_enabled,optional"`
	MetaPeriod     *int     `hcl:"meta_period,optional"`
	MetaFactor     *int     `hcl:"meta_factor,optional"`
	MetaMax        *int     `hcl:"meta_max,optional"`
	DNSBLEnabled   *bool    `hcl:"dnsbl_enabled,optional"`
	DNSBLThreshold *int     `hcl:"dnsbl_threshold,optional"`
	Blacklists     []string `hcl:"blacklists,optional"`
	SystemdUnit    string   `hcl:"systemd-unit,optional"`
}

// Remote is the §6 wire-protocol / peer section.
type Remote struct {
	Enabled     bool     `hcl:"enabled,optional"`
	ReceiveFrom []string `hcl:"receive_from,optional"`
	SendTo      []string `hcl:"send_to,optional"`
	Secret      string   `hcl:"secret,optional"`
	Bind        string   `hcl:"bind,optional"`
	Port        int      `hcl:"port,optional"`
}

// Files is the §6 "files" section: fifo path/ownership and the
// persistence file locations.
type Files struct {
	FifoPath     string `hcl:"fifo_path,optional"`
	FifoUser     string `hcl:"fifo_user,optional"`
	FifoGroup    string `hcl:"fifo_group,optional"`
	FifoMask     string `hcl:"fifo_mask,optional"`
	SnapshotPath string `hcl:"snapshot_path,optional"`
	PidFile      string `hcl:"pid_file,optional"`
	StatusDir    string `hcl:"status_dir,optional"`

	// MetricsAddr, if set, is the host:port the Prometheus registry is
	// served on (e.g. "127.0.0.1:9542"). Empty disables the listener.
	MetricsAddr string `hcl:"metrics_addr,optional"`
}

// Local is the §6 "local" section: which rules are active on this host.
type Local struct {
	Enabled []string `hcl:"enabled,optional"`
}

// fileSyntax is the raw decoded shape of one config file, before includes
// are expanded and merged into a Config (§6 "Includes are resolved via
// glob at parse time").
type fileSyntax struct {
	Include  []string  `hcl:"include,optional"`
	Defaults *Defaults `hcl:"defaults,block"`
	Actions  []Action  `hcl:"action,block"`
	Sources  []Source  `hcl:"source,block"`
	Rules    []Rule    `hcl:"rule,block"`
	Remote   *Remote   `hcl:"remote,block"`
	Files    *Files    `hcl:"files,block"`
	Local    *Local    `hcl:"local,block"`
}

// Config is the fully merged configuration tree: the unit reload swaps
// atomically (§9 "process-global configuration... atomic swap").
type Config struct {
	Defaults   Defaults
	Actions    map[string]Action
	Sources    map[string]Source
	Rules      map[string]Rule
	Remote     Remote
	Files      Files
	EnabledSet map[string]bool
	IgnoreList []address.Address
}

// RuleEnabled reports whether name is named in the "local" enable list.
// An empty enable list means every defined rule runs (§6: "local
// enabling rules").
func (c *Config) RuleEnabled(name string) bool {
	if len(c.EnabledSet) == 0 {
		return true
	}
	return c.EnabledSet[name]
}

// Load reads path and every file its (possibly nested) "include" globs
// resolve to, merges them into one Config, and validates cross-references
// (§6: "Unknown keys and type mismatches are hard errors").
func Load(path string) (*Config, error) {
	files, err := collectFiles(path, map[string]bool{})
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Actions: make(map[string]Action),
		Sources: make(map[string]Source),
		Rules:   make(map[string]Rule),
	}
	var sawDefaults bool

	for _, f := range files {
		if f.Defaults != nil {
			if sawDefaults {
				return nil, errors.ConfigError("config: multiple defaults blocks across %s and its includes", path)
			}
			cfg.Defaults = *f.Defaults
			sawDefaults = true
		}
		for _, a := range f.Actions {
			if _, dup := cfg.Actions[a.Name]; dup {
				return nil, errors.ConfigError("config: duplicate action %q", a.Name)
			}
			cfg.Actions[a.Name] = a
		}
		for _, s := range f.Sources {
			if _, dup := cfg.Sources[s.Name]; dup {
				return nil, errors.ConfigError("config: duplicate source %q", s.Name)
			}
			cfg.Sources[s.Name] = s
		}
		for _, r := range f.Rules {
			if _, dup := cfg.Rules[r.Name]; dup {
				return nil, errors.ConfigError("config: duplicate rule %q", r.Name)
			}
			cfg.Rules[r.Name] = r
		}
		if f.Remote != nil {
			cfg.Remote = *f.Remote
		}
		if f.Files != nil {
			cfg.Files = *f.Files
		}
		if f.Local != nil {
			cfg.EnabledSet = toSet(f.Local.Enabled)
		}
	}

	cfg.Defaults = cfg.Defaults.withBuiltins()

	for _, raw := range cfg.Defaults.Ignore {
		a, err := address.Parse(raw)
		if err != nil {
			return nil, errors.ConfigError("config: invalid address %q in defaults.ignore: %v", raw, err)
		}
		cfg.IgnoreList = append(cfg.IgnoreList, a)
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validate checks the cross-references §6 calls out as hard errors: a
// rule's source and action names must exist, and need_host must be one
// of the four accepted spellings.
func validate(cfg *Config) error {
	for name, a := range cfg.Actions {
		switch a.NeedHost {
		case "", "no", "any", "4", "6":
		default:
			return errors.ConfigError("config: action %q has invalid need_host %q", name, a.NeedHost)
		}
	}
	for name, r := range cfg.Rules {
		if _, ok := cfg.Sources[r.Source]; !ok {
			return errors.ConfigError("config: rule %q references unknown source %q", name, r.Source)
		}
		if len(r.Actions) == 0 {
			return errors.ConfigError("config: rule %q has no actions", name)
		}
		for _, actionName := range r.Actions {
			if _, ok := cfg.Actions[actionName]; !ok {
				return errors.ConfigError("config: rule %q references unknown action %q", name, actionName)
			}
		}
	}
	return nil
}

// collectFiles decodes path and recursively follows its "include" globs,
// in deterministic (sorted) glob-match order, refusing to revisit a file
// already seen so a cyclic include can't loop forever.
func collectFiles(path string, seen map[string]bool) ([]*fileSyntax, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, errors.ConfigError("config: resolving %s: %v", path, err)
	}
	if seen[abs] {
		return nil, nil
	}
	seen[abs] = true

	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, errors.ConfigError("config: reading %s: %v", abs, err)
	}

	var f fileSyntax
	if err := hclsimple.Decode(abs, data, nil, &f); err != nil {
		return nil, errors.ConfigError("config: parsing %s: %v", abs, err)
	}

	out := []*fileSyntax{&f}
	base := filepath.Dir(abs)
	for _, pattern := range f.Include {
		if !filepath.IsAbs(pattern) {
			pattern = filepath.Join(base, pattern)
		}
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return nil, errors.ConfigError("config: invalid include glob %q: %v", pattern, err)
		}
		sort.Strings(matches)
		for _, m := range matches {
			included, err := collectFiles(m, seen)
			if err != nil {
				return nil, err
			}
			out = append(out, included...)
		}
	}
	return out, nil
}

func toSet(names []string) map[string]bool {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return set
}

// Manager holds the currently active Config behind an atomic pointer so
// readers never observe a partially-applied reload (§9). Reload replaces
// the pointer outright; it never mutates the Config a reader may be
// holding.
type Manager struct {
	path    string
	current atomic.Pointer[Config]
}

// NewManager loads path and returns a Manager serving it.
func NewManager(path string) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	m := &Manager{path: path}
	m.current.Store(cfg)
	return m, nil
}

// Current returns the active Config. Safe for concurrent use with Reload.
func (m *Manager) Current() *Config {
	return m.current.Load()
}

// Reload re-parses the config file and, on success, atomically swaps it
// in. A parse failure leaves the previous Config active (§7 ConfigError:
// "otherwise the old configuration remains active").
func (m *Manager) Reload() error {
	cfg, err := Load(m.path)
	if err != nil {
		return err
	}
	m.current.Store(cfg)
	return nil
}

// StatusDumpPath returns the path status/diagnostic dumps of the given
// kind (e.g. "hosts", "rules", "diagnostics") are written to, resolved
// under Files.StatusDir (§6 CLI readouts "cat the corresponding status
// files").
func (c *Config) StatusDumpPath(kind string) string {
	if c.Files.StatusDir == "" {
		return kind
	}
	return filepath.Join(c.Files.StatusDir, kind)
}
