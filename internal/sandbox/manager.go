package sandbox

import (
	"context"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/distribution/reference"

	"github.com/zpdzap/redock/internal/address"
	"github.com/zpdzap/redock/internal/config"
	"github.com/zpdzap/redock/internal/engine"
	"github.com/zpdzap/redock/internal/errors"
	"github.com/zpdzap/redock/internal/logging"
	"github.com/zpdzap/redock/internal/provision"
	"github.com/zpdzap/redock/internal/sshconfig"
	"github.com/zpdzap/redock/internal/sshkey"
)

// settleTimeout bounds the re-inspection after a failed transition. It
// runs even when the caller's context is already cancelled.
const settleTimeout = 15 * time.Second

// inspectBackoff is the first wait before retrying an Inspect the engine
// could not answer. It doubles per retry.
const inspectBackoff = 200 * time.Millisecond

// Prober checks once whether an sshd endpoint accepts sessions.
type Prober interface {
	Probe(ctx context.Context, host string, port int) error
}

// HostConfig is the ssh client configuration kept in sync with running
// sandboxes.
type HostConfig interface {
	Upsert(f sshconfig.Fragment) error
	Remove(alias string) error
	Fragments() []sshconfig.Fragment
	Path() string
}

// ProgressFunc is called with status updates during long transitions.
type ProgressFunc func(phase string)

func (p ProgressFunc) report(phase string) {
	if p != nil {
		p(phase)
	}
}

// Options wires a Manager.
type Options struct {
	Engine   engine.Engine
	Registry *Registry
	Hosts    HostConfig
	Config   *config.Config

	// KeyDir holds the installation key pair.
	KeyDir string

	// Prober defaults to an ssh probe authenticating with the key pair.
	Prober Prober

	// Sleep waits between retries. Defaults to a timer honoring ctx.
	Sleep func(ctx context.Context, d time.Duration) error
}

// StartOptions holds options for Start.
type StartOptions struct {
	// Hostname is the container's host name. Defaults to the tag.
	Hostname string
	Progress ProgressFunc
}

// CommitOptions holds options for Commit.
type CommitOptions struct {
	Message  string
	Author   string
	Progress ProgressFunc
}

// Manager is the lifecycle controller. It drives sandboxes through
// start, commit, kill and delete against the engine, bootstraps the base
// image on first use and keeps the ssh config fragments in step.
//
// Every transition holds the address's lock and starts by asking the
// engine what currently exists; the registry is only updated from what
// the engine reports.
type Manager struct {
	engine   engine.Engine
	registry *Registry
	hosts    HostConfig
	cfg      *config.Config
	keyDir   string

	locks  keyedMutex
	bootMu sync.Mutex

	keyMu  sync.Mutex
	key    *sshkey.KeyPair
	prober Prober

	sleep func(context.Context, time.Duration) error
	now   func() time.Time
}

// NewManager creates a lifecycle controller.
func NewManager(opts Options) *Manager {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	registry := opts.Registry
	if registry == nil {
		registry = NewRegistry()
	}
	sleep := opts.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	return &Manager{
		engine:   opts.Engine,
		registry: registry,
		hosts:    opts.Hosts,
		cfg:      cfg,
		keyDir:   opts.KeyDir,
		prober:   opts.Prober,
		sleep:    sleep,
		now:      time.Now,
	}
}

// Registry returns the record table the manager maintains.
func (m *Manager) Registry() *Registry {
	return m.registry
}

// Start makes addr Running. A sandbox that is already running is left
// alone and its record returned. Otherwise any stopped leftover container
// is removed, a container is created from the address's committed image
// or the base image, and Start returns once sshd accepts the installation
// key and the alias is in the ssh config.
func (m *Manager) Start(ctx context.Context, addr address.Address, opts StartOptions) (*Record, error) {
	if err := m.checkReserved(addr); err != nil {
		return nil, annotate(err, "start", addr)
	}
	unlock := m.locks.Lock(addr.String())
	defer unlock()
	log := logging.With("address", addr.String())

	obs, err := m.observe(ctx, addr)
	if err != nil {
		return nil, annotate(err, "start", addr)
	}

	kp, err := m.ensureKeys()
	if err != nil {
		return nil, annotate(err, "start", addr)
	}

	if obs.container.Running() {
		log.Debug("already running", "container", engine.Short(obs.container.ID))
		rec := m.record(addr, obs)
		if rec.Endpoint == nil {
			log.Warn("running sandbox has no published ssh port, not registering alias")
			return &rec, nil
		}
		if err := m.hosts.Upsert(m.fragment(rec, kp)); err != nil {
			return &rec, annotate(err, "start", addr)
		}
		return &rec, nil
	}

	if obs.container.IsContainer() {
		opts.Progress.report("Removing stopped container...")
		log.Info("removing leftover container", "container", engine.Short(obs.container.ID), "state", obs.container.Kind)
		if err := m.engine.RemoveContainer(ctx, obs.container.ID); err != nil {
			m.settle(ctx, addr)
			return nil, annotate(err, "start", addr)
		}
	}

	image := addr.ImageRef()
	imageHandle := obs.image.ID
	if !obs.image.Exists() {
		base, err := m.ensureBase(ctx, opts.Progress)
		if err != nil {
			return nil, annotate(err, "start", addr)
		}
		image = base.Ref
		imageHandle = ""
	}

	hostname := opts.Hostname
	if hostname == "" {
		hostname = address.Slug(addr.Tag)
	}

	opts.Progress.report("Creating container...")
	h, err := m.engine.CreateContainer(ctx, engine.ContainerSpec{
		Name:        addr.ContainerName(),
		Image:       image,
		Hostname:    hostname,
		Labels:      map[string]string{LabelAddress: addr.String()},
		PublishSSH:  true,
		BindAddress: m.cfg.SSH.BindAddress,
	})
	if err != nil {
		m.settle(ctx, addr)
		return nil, annotate(err, "start", addr)
	}

	opts.Progress.report("Starting container...")
	if err := m.engine.StartContainer(ctx, h); err != nil {
		m.discard(ctx, h)
		m.settle(ctx, addr)
		return nil, annotate(err, "start", addr)
	}

	opts.Progress.report("Waiting for ssh...")
	ep, err := m.waitReady(ctx, h, m.cfg.Readiness)
	if err != nil {
		m.discard(ctx, h)
		m.settle(ctx, addr)
		if nr, ok := asNotReady(err); ok {
			return nil, errors.ReadinessTimeout(addr.String(), nr.cause)
		}
		return nil, annotate(err, "start", addr)
	}

	rec := Record{
		Address:         addr,
		State:           StateRunning,
		ContainerHandle: h,
		ImageHandle:     imageHandle,
		Hostname:        hostname,
		Endpoint:        &ep,
		UpdatedAt:       m.now(),
	}
	m.registry.Put(rec)

	if err := m.hosts.Upsert(m.fragment(rec, kp)); err != nil {
		return &rec, annotate(err, "start", addr)
	}
	log.Info("sandbox started", "container", engine.Short(h), "alias", addr.Alias(), "port", ep.Port)
	return &rec, nil
}

// Commit saves a running sandbox's filesystem under the address's image
// reference. The sandbox keeps running.
func (m *Manager) Commit(ctx context.Context, addr address.Address, opts CommitOptions) (*Record, error) {
	if err := m.checkReserved(addr); err != nil {
		return nil, annotate(err, "commit", addr)
	}
	unlock := m.locks.Lock(addr.String())
	defer unlock()

	obs, err := m.observe(ctx, addr)
	if err != nil {
		return nil, annotate(err, "commit", addr)
	}
	if !obs.container.Running() {
		m.record(addr, obs)
		return nil, errors.NotRunning("commit", addr.String())
	}

	opts.Progress.report("Committing changes...")
	id, err := m.engine.CommitContainer(ctx, obs.container.ID, engine.CommitOptions{
		Reference: addr.ImageRef(),
		Message:   opts.Message,
		Author:    opts.Author,
	})
	if err != nil {
		m.settle(ctx, addr)
		return nil, annotate(err, "commit", addr)
	}

	obs.image = engine.Status{Kind: engine.KindImage, ID: id, Name: addr.ImageRef()}
	rec := m.record(addr, obs)
	logging.Info("sandbox committed", "address", addr.String(), "image", engine.Short(id))
	return &rec, nil
}

// Kill stops and removes the sandbox's container and drops its alias. The
// committed image, if any, is kept. Killing a sandbox that is not running
// succeeds. When the engine cannot say what is left after a failed stop
// the alias is dropped anyway; Reconcile restores it if the sandbox
// survived.
func (m *Manager) Kill(ctx context.Context, addr address.Address) (*Record, error) {
	if err := m.checkReserved(addr); err != nil {
		return nil, annotate(err, "kill", addr)
	}
	unlock := m.locks.Lock(addr.String())
	defer unlock()

	obs, err := m.observe(ctx, addr)
	if err != nil {
		return nil, annotate(err, "kill", addr)
	}

	var opErr error
	if obs.container.IsContainer() {
		h := obs.container.ID
		if obs.container.Running() {
			opErr = m.engine.StopContainer(ctx, h)
		}
		if opErr == nil {
			opErr = m.engine.RemoveContainer(ctx, h)
		}
		if opErr != nil {
			sctx, cancel := settleContext(ctx)
			obs, err = m.observe(sctx, addr)
			cancel()
			if err != nil {
				logging.Warn("could not re-inspect sandbox", "address", addr.String(), "error", err)
				if rerr := m.dropAlias(addr); rerr != nil {
					logging.Warn("failed to remove ssh alias", "alias", addr.Alias(), "error", rerr)
				}
				return nil, annotate(opErr, "kill", addr)
			}
		} else {
			obs.container = engine.Status{Kind: engine.KindMissing}
		}
	}

	rec := m.record(addr, obs)
	if rec.State != StateRunning {
		if err := m.dropAlias(addr); err != nil {
			if opErr == nil {
				opErr = err
			} else {
				logging.Warn("failed to remove ssh alias", "alias", addr.Alias(), "error", err)
			}
		}
	}
	if opErr != nil {
		return &rec, annotate(opErr, "kill", addr)
	}
	logging.Info("sandbox killed", "address", addr.String(), "state", rec.State)
	return &rec, nil
}

// Delete removes a stopped sandbox entirely: any leftover container, the
// committed image, the alias and the record. A running sandbox must be
// killed first.
func (m *Manager) Delete(ctx context.Context, addr address.Address) error {
	if err := m.checkReserved(addr); err != nil {
		return annotate(err, "delete", addr)
	}
	unlock := m.locks.Lock(addr.String())
	defer unlock()

	obs, err := m.observe(ctx, addr)
	if err != nil {
		return annotate(err, "delete", addr)
	}
	if obs.container.Running() {
		m.record(addr, obs)
		return errors.StillRunning("delete", addr.String())
	}

	if prev, ok := m.registry.Get(addr); ok {
		prev.State = StateDestroying
		prev.UpdatedAt = m.now()
		m.registry.Put(prev)
	}

	var opErr error
	if obs.container.IsContainer() {
		opErr = m.engine.RemoveContainer(ctx, obs.container.ID)
	}
	if opErr == nil && obs.image.Exists() {
		opErr = m.engine.RemoveImage(ctx, engine.Handle(addr.ImageRef()))
	}
	if opErr != nil {
		m.settle(ctx, addr)
		return annotate(opErr, "delete", addr)
	}

	m.registry.Delete(addr)
	if err := m.dropAlias(addr); err != nil {
		return annotate(err, "delete", addr)
	}
	logging.Info("sandbox deleted", "address", addr.String())
	return nil
}

// Status re-inspects addr and returns its refreshed record.
func (m *Manager) Status(ctx context.Context, addr address.Address) (*Record, error) {
	if err := m.checkReserved(addr); err != nil {
		return nil, annotate(err, "status", addr)
	}
	unlock := m.locks.Lock(addr.String())
	defer unlock()

	obs, err := m.observe(ctx, addr)
	if err != nil {
		return nil, annotate(err, "status", addr)
	}
	rec := m.record(addr, obs)
	return &rec, nil
}

// Provision opens a provisioning session on a running sandbox. The
// caller closes the client. The address lock is only held while the
// engine is inspected.
func (m *Manager) Provision(ctx context.Context, addr address.Address) (*provision.Client, error) {
	if err := m.checkReserved(addr); err != nil {
		return nil, annotate(err, "provision", addr)
	}
	kp, err := m.ensureKeys()
	if err != nil {
		return nil, annotate(err, "provision", addr)
	}

	unlock := m.locks.Lock(addr.String())
	obs, err := m.observe(ctx, addr)
	var rec Record
	if err == nil {
		rec = m.record(addr, obs)
	}
	unlock()
	if err != nil {
		return nil, annotate(err, "provision", addr)
	}
	if rec.State != StateRunning || rec.Endpoint == nil {
		return nil, errors.NotRunning("provision", addr.String())
	}

	c, err := provision.Dial(ctx, provision.Target{
		Address:    addr.String(),
		Host:       rec.Endpoint.Host,
		Port:       rec.Endpoint.Port,
		User:       m.cfg.SSH.User,
		Signer:     kp.Signer,
		Alias:      addr.Alias(),
		ConfigFile: m.hosts.Path(),
	})
	if err != nil {
		return nil, annotate(err, "provision", addr)
	}
	return c, nil
}

// List returns all known records sorted by address.
func (m *Manager) List() []Record {
	return m.registry.List()
}

// ReconcileReport summarizes a Reconcile pass.
type ReconcileReport struct {
	Running []address.Address
	Added   []string
	Removed []string
}

// Reconcile re-derives the ssh config fragments from live engine state.
// Every address known to the registry, the ssh config or the engine's
// labels is re-inspected; running sandboxes get their alias (re)written
// and stale aliases are removed.
func (m *Manager) Reconcile(ctx context.Context) (*ReconcileReport, error) {
	candidates := make(map[string]address.Address)
	for _, rec := range m.registry.List() {
		candidates[rec.Address.String()] = rec.Address
	}
	before := make(map[string]sshconfig.Fragment)
	for _, f := range m.hosts.Fragments() {
		before[f.Alias] = f
		if a, err := address.Resolve(f.Source, ""); err == nil {
			candidates[a.String()] = a
		}
	}
	labelled, err := m.engine.ListContainers(ctx, LabelAddress)
	if err != nil {
		return nil, annotate(err, "reconcile", address.Address{})
	}
	for _, st := range labelled {
		if a, err := address.Resolve(st.Labels[LabelAddress], ""); err == nil {
			candidates[a.String()] = a
		}
	}

	kp, err := m.ensureKeys()
	if err != nil {
		return nil, annotate(err, "reconcile", address.Address{})
	}

	keys := make([]string, 0, len(candidates))
	for k := range candidates {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	report := &ReconcileReport{}
	handled := make(map[string]bool)
	for _, k := range keys {
		addr := candidates[k]
		if m.checkReserved(addr) != nil {
			continue
		}
		if err := m.reconcileOne(ctx, addr, kp, before, handled, report); err != nil {
			return report, err
		}
	}

	for alias, f := range before {
		if handled[alias] {
			continue
		}
		logging.Info("removing stale ssh alias", "alias", alias, "source", f.Source)
		if err := m.hosts.Remove(alias); err != nil {
			return report, annotate(err, "reconcile", address.Address{})
		}
		report.Removed = append(report.Removed, alias)
	}
	sort.Strings(report.Removed)
	return report, nil
}

func (m *Manager) reconcileOne(ctx context.Context, addr address.Address, kp *sshkey.KeyPair,
	before map[string]sshconfig.Fragment, handled map[string]bool, report *ReconcileReport) error {
	unlock := m.locks.Lock(addr.String())
	defer unlock()

	obs, err := m.observe(ctx, addr)
	if err != nil {
		return annotate(err, "reconcile", addr)
	}
	rec := m.record(addr, obs)

	alias := addr.Alias()
	handled[alias] = true
	cur, had := before[alias]

	if rec.State == StateRunning && rec.Endpoint != nil {
		report.Running = append(report.Running, addr)
		want := m.fragment(rec, kp)
		if had && cur == want {
			return nil
		}
		if err := m.hosts.Upsert(want); err != nil {
			return annotate(err, "reconcile", addr)
		}
		before[alias] = want
		report.Added = append(report.Added, alias)
		return nil
	}

	// Aliases are derived from tags only, so another namespace may own it.
	if had && (cur.Source == "" || cur.Source == addr.String()) {
		if err := m.hosts.Remove(alias); err != nil {
			return annotate(err, "reconcile", addr)
		}
		delete(before, alias)
		report.Removed = append(report.Removed, alias)
	}
	return nil
}

// observation is what the engine reports for an address.
type observation struct {
	container engine.Status
	image     engine.Status
}

func (o observation) state() State {
	switch {
	case o.container.Running():
		return StateRunning
	case o.image.Kind == engine.KindImage:
		return StateImaged
	default:
		return StateAbsent
	}
}

func (m *Manager) observe(ctx context.Context, addr address.Address) (observation, error) {
	var obs observation
	c, err := m.inspect(ctx, engine.Handle(addr.ContainerName()))
	if err != nil {
		return obs, err
	}
	if !c.IsContainer() {
		c = engine.Status{Kind: engine.KindMissing}
	}
	img, err := m.inspect(ctx, engine.Handle(addr.ImageRef()))
	if err != nil {
		return obs, err
	}
	if img.Kind != engine.KindImage {
		img = engine.Status{Kind: engine.KindMissing}
	}
	obs.container = c
	obs.image = img
	return obs, nil
}

// inspect retries Inspect while the engine is unreachable. Nothing else
// is retried.
func (m *Manager) inspect(ctx context.Context, h engine.Handle) (engine.Status, error) {
	st, err := m.engine.Inspect(ctx, h)
	for attempt := 0; attempt < m.cfg.Engine.InspectRetries && errors.IsKind(err, errors.KindEngineUnavailable); attempt++ {
		logging.Debug("engine unavailable, retrying inspect", "handle", string(h), "attempt", attempt+1)
		if serr := m.sleep(ctx, inspectBackoff<<attempt); serr != nil {
			return engine.Status{}, err
		}
		st, err = m.engine.Inspect(ctx, h)
	}
	return st, err
}

// record stores what obs says about addr and returns the record. Absent
// addresses are dropped from the registry.
func (m *Manager) record(addr address.Address, obs observation) Record {
	prev, _ := m.registry.Get(addr)
	rec := Record{
		Address:   addr,
		State:     obs.state(),
		Hostname:  prev.Hostname,
		UpdatedAt: m.now(),
	}
	if obs.container.IsContainer() {
		rec.ContainerHandle = obs.container.ID
	}
	if obs.image.Exists() {
		rec.ImageHandle = obs.image.ID
	}
	if obs.container.Running() && obs.container.SSHPort != 0 {
		rec.Endpoint = &Endpoint{Host: sshkey.DialHost(obs.container.SSHHost), Port: obs.container.SSHPort}
	}

	if rec.State == StateAbsent && rec.ContainerHandle == "" {
		m.registry.Delete(addr)
	} else {
		m.registry.Put(rec)
	}
	return rec
}

// settle re-inspects addr after a failed transition so the record and the
// alias match whatever the engine ended up with.
func (m *Manager) settle(ctx context.Context, addr address.Address) {
	ctx, cancel := settleContext(ctx)
	defer cancel()

	obs, err := m.observe(ctx, addr)
	if err != nil {
		logging.Warn("could not re-inspect sandbox", "address", addr.String(), "error", err)
		return
	}
	rec := m.record(addr, obs)
	if rec.State != StateRunning {
		if err := m.dropAlias(addr); err != nil {
			logging.Warn("failed to remove ssh alias", "alias", addr.Alias(), "error", err)
		}
	}
}

// dropAlias removes addr's alias unless the fragment under that alias was
// written for a different address. Aliases derive from tags only, so
// alice:demo and bob:demo share one.
func (m *Manager) dropAlias(addr address.Address) error {
	alias := addr.Alias()
	for _, f := range m.hosts.Fragments() {
		if f.Alias != alias {
			continue
		}
		if f.Source != "" && f.Source != addr.String() {
			logging.Debug("ssh alias belongs to another sandbox, keeping it", "alias", alias, "source", f.Source)
			return nil
		}
		return m.hosts.Remove(alias)
	}
	return nil
}

// checkReserved rejects addresses whose image reference is one the
// manager maintains itself.
func (m *Manager) checkReserved(addr address.Address) error {
	ref := addr.ImageRef()
	for _, reserved := range []string{m.cfg.Image.Base, m.cfg.Image.Pristine} {
		if sameImage(ref, reserved) {
			return errors.InvalidName(addr.String(), "image reference "+reserved+" is reserved")
		}
	}
	return nil
}

// sameImage reports whether two image references name the same
// repository and tag once normalized.
func sameImage(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	na, errA := reference.ParseNormalizedNamed(a)
	nb, errB := reference.ParseNormalizedNamed(b)
	if errA != nil || errB != nil {
		return a == b
	}
	return reference.TagNameOnly(na).String() == reference.TagNameOnly(nb).String()
}

// discard stops and removes a container on a best effort basis.
func (m *Manager) discard(ctx context.Context, h engine.Handle) {
	ctx, cancel := settleContext(ctx)
	defer cancel()

	if err := m.engine.StopContainer(ctx, h); err != nil {
		logging.Warn("failed to stop container", "container", engine.Short(h), "error", err)
	}
	if err := m.engine.RemoveContainer(ctx, h); err != nil {
		logging.Warn("failed to remove container", "container", engine.Short(h), "error", err)
	}
}

func (m *Manager) fragment(rec Record, kp *sshkey.KeyPair) sshconfig.Fragment {
	f := sshconfig.Fragment{
		Alias:        rec.Alias(),
		User:         m.cfg.SSH.User,
		IdentityFile: kp.PrivatePath,
		Source:       rec.Address.String(),
	}
	if rec.Endpoint != nil {
		f.HostName = rec.Endpoint.Host
		f.Port = rec.Endpoint.Port
	}
	return f
}

// ensureKeys loads or generates the installation key pair once.
func (m *Manager) ensureKeys() (*sshkey.KeyPair, error) {
	m.keyMu.Lock()
	defer m.keyMu.Unlock()
	if m.key != nil {
		return m.key, nil
	}
	kp, err := sshkey.Ensure(m.keyDir, keyComment())
	if err != nil {
		return nil, errors.ConfigError("preparing ssh key pair in "+m.keyDir, err)
	}
	m.key = kp
	if m.prober == nil {
		m.prober = sshkey.NewProber(kp, m.cfg.SSH.User)
	}
	return kp, nil
}

func (m *Manager) probe(ctx context.Context, host string, port int) error {
	m.keyMu.Lock()
	p := m.prober
	m.keyMu.Unlock()
	return p.Probe(ctx, host, port)
}

func keyComment() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "redock"
	}
	return "redock@" + host
}

// annotate fills in the operation and address on redock errors and wraps
// anything else.
func annotate(err error, op string, addr address.Address) error {
	var a string
	if !addr.IsZero() {
		a = addr.String()
	}
	var re *errors.RedockError
	if errors.As(err, &re) {
		return re.WithContext(op, a)
	}
	return (&errors.RedockError{Kind: errors.KindGeneral, Cause: err}).WithContext(op, a)
}

func settleContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
