// Package orchestrator drives caterpillar's update cycle: a single-writer
// state machine fed by a bounded inbox channel, with background tasks for
// device discovery/mounting and bundle selection. The 100ms poll loop
// below is a deliberate property, not an oversight: it mirrors the
// original implementation's own non-blocking receive-then-sleep cycle
// rather than a blocking channel receive, so that the state actually
// visible over D-Bus is always current as of the last full iteration of
// the loop, not whatever happened to be mid-transition.
package orchestrator

import (
	"context"
	"os"
	"regexp"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/dvzrv/caterpillar/internal/apperror"
	"github.com/dvzrv/caterpillar/internal/bundle"
	"github.com/dvzrv/caterpillar/internal/config"
	"github.com/dvzrv/caterpillar/internal/device"
	"github.com/dvzrv/caterpillar/internal/rauc"
	"github.com/dvzrv/caterpillar/internal/selector"
)

var log = logrus.WithField("component", "orchestrator")

// Gateway is every external call the orchestrator and the packages it
// drives (device, bundle, rauc, selector) need; satisfied by
// *busgateway.Gateway.
type Gateway interface {
	device.Gateway
	bundle.Gateway
	rauc.Gateway
	Reboot(ctx context.Context) error
	PingBlockManager(ctx context.Context) error
	PingInstaller(ctx context.Context) error
	PingSessionManager(ctx context.Context) error
}

// Update is an update candidate as reported over D-Bus by the UpdateFound
// signal: the bundle's path, the system's current version, the bundle's
// new version, and whether installing it was forced via an override.
type Update struct {
	Name       string
	OldVersion string
	NewVersion string
	Force      bool
}

// Orchestrator owns the central state and drives the update cycle.
type Orchestrator struct {
	cfg config.Config
	gw  Gateway

	onUpdateFound func(Update)

	mu    sync.RWMutex
	state State

	devices  []*device.Device
	selected *bundle.Bundle

	inbox chan State
	done  chan struct{}
}

// New creates an Orchestrator in its initial (Init) state. onUpdateFound is
// invoked from the drain loop whenever an update candidate is found; it is
// the hook the control layer uses to emit the UpdateFound D-Bus signal.
func New(cfg config.Config, gw Gateway, onUpdateFound func(Update)) *Orchestrator {
	return &Orchestrator{
		cfg:           cfg,
		gw:            gw,
		onUpdateFound: onUpdateFound,
		state:         State{Tag: TagInit},
		inbox:         make(chan State, 2),
		done:          make(chan struct{}),
	}
}

// OnUpdateFound replaces the UpdateFound callback. It exists so the D-Bus
// control layer, which needs a live *Orchestrator to construct its own
// signal-emitting closure, can wire itself in after New returns.
func (o *Orchestrator) OnUpdateFound(fn func(Update)) {
	o.onUpdateFound = fn
}

// State returns the orchestrator's current state.
func (o *Orchestrator) State() State {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state
}

// Done returns a channel that closes once the orchestrator reaches TagDone.
func (o *Orchestrator) Done() <-chan struct{} {
	return o.done
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
}

// enqueue pushes s onto the inbox for the drain loop to pick up on its next
// poll. It never blocks indefinitely: the inbox's capacity of 2 is enough
// for every transition this state machine produces, since no state enqueues
// more than one successor before the loop drains it.
func (o *Orchestrator) enqueue(ctx context.Context, s State) {
	select {
	case o.inbox <- s:
	case <-ctx.Done():
	}
}

// Probe performs one cheap round-trip against each of the three external
// services caterpillar depends on, concurrently, and fails fast if any of
// them is unreachable at startup.
func (o *Orchestrator) Probe(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return o.gw.PingBlockManager(ctx) })
	g.Go(func() error { return o.gw.PingInstaller(ctx) })
	g.Go(func() error { return o.gw.PingSessionManager(ctx) })
	if err := g.Wait(); err != nil {
		return &apperror.Init{Reason: err.Error()}
	}
	return nil
}

// Run starts the drain loop: it enters TagIdle(false, 0) and then polls the
// inbox every 100ms until ctx is cancelled or TagDone is reached.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.enqueue(ctx, State{Tag: TagIdle})

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			select {
			case s := <-o.inbox:
				if exit := o.handle(ctx, s); exit {
					return nil
				}
			default:
			}
		}
	}
}

func (o *Orchestrator) handle(ctx context.Context, s State) (exit bool) {
	log.WithField("state", s.String()).Info("entering state")
	o.setState(s)

	switch s.Tag {
	case TagInit, TagMounting, TagMounted, TagSearching, TagUpdating:
		// driven entirely by the background task that produced this state

	case TagDone:
		close(o.done)
		return true

	case TagIdle:
		o.setState(State{Tag: TagIdle, Updated: s.Updated, Iteration: s.Iteration + 1})

	case TagUpdateFound:
		o.emitUpdateFound(ctx, s)
		if s.Iteration == 1 && o.cfg.Autorun {
			log.Info("autorun enabled, installing update non-interactively")
			if err := o.InstallUpdate(ctx, true, true); err != nil {
				log.WithError(err).Error("autorun install failed")
			}
		}

	case TagNoUpdateFound:
		o.enqueue(ctx, State{Tag: TagUnmounting, Updated: s.Updated, Iteration: s.Iteration})

	case TagSkip:
		o.enqueue(ctx, State{Tag: TagUnmounting, Updated: s.Updated, Iteration: s.Iteration})

	case TagUnmounting:
		o.unmountAll(ctx)
		o.enqueue(ctx, State{Tag: TagUnmounted, Updated: s.Updated, Iteration: s.Iteration, Reboot: s.Reboot})

	case TagUnmounted:
		shouldReboot := s.Updated && ((s.Iteration == 1 && o.cfg.Autorun) || s.Reboot)
		if shouldReboot {
			log.Info("rebooting")
			if err := o.gw.Reboot(ctx); err != nil {
				log.WithError(err).Error("reboot request failed")
			}
		} else {
			o.enqueue(ctx, State{Tag: TagIdle, Updated: s.Updated, Iteration: s.Iteration})
		}
		o.devices = nil
		o.selected = nil

	case TagUpdated:
		o.enqueue(ctx, State{Tag: TagUnmounting, Updated: true, Iteration: s.Iteration, Reboot: s.Reboot})
	}

	return false
}

func (o *Orchestrator) emitUpdateFound(ctx context.Context, s State) {
	if o.selected == nil || o.onUpdateFound == nil {
		return
	}
	info, err := rauc.NewInfo(ctx, o.gw)
	if err != nil {
		log.WithError(err).Warn("unable to read current system version for UpdateFound signal")
	}
	o.onUpdateFound(Update{
		Name:       o.selected.Path(),
		OldVersion: info.VersionString(),
		NewVersion: o.selected.Version().String(),
		Force:      o.selected.IsOverride(),
	})
}

func (o *Orchestrator) unmountAll(ctx context.Context) {
	for _, d := range o.devices {
		if !d.IsMounted() {
			continue
		}
		if err := d.Unmount(ctx, o.gw); err != nil {
			log.WithError(err).WithField("device", d.DevicePath()).Error("failed unmounting device")
		}
	}
}

// SearchForUpdate triggers the mount-and-search background task. It
// requires the orchestrator to currently be idle and not already updated;
// callers are expected to subscribe to UpdateFound before calling this.
func (o *Orchestrator) SearchForUpdate(ctx context.Context) error {
	current := o.State()
	if current.Tag != TagIdle || current.Updated {
		return &apperror.WrongState{Current: current.String()}
	}

	updated, iteration := current.Updated, current.Iteration
	go func() {
		o.enqueue(ctx, State{Tag: TagMounting, Updated: updated, Iteration: iteration})

		devices, err := discoverDevices(ctx, o.gw, o.cfg)
		if err != nil {
			log.WithError(err).Error("device discovery failed")
			return
		}
		o.devices = devices
		o.enqueue(ctx, State{Tag: TagMounted, Updated: updated, Iteration: iteration})

		info, err := rauc.NewInfo(ctx, o.gw)
		if err != nil {
			log.WithError(err).Error("reading running system identity failed")
			return
		}
		o.enqueue(ctx, State{Tag: TagSearching, Updated: updated, Iteration: iteration})

		selectorDevices := make([]selector.Device, len(devices))
		for i, d := range devices {
			selectorDevices[i] = d
		}
		chosen, err := selector.Select(ctx, o.gw, info, selectorDevices)
		if err != nil {
			log.WithError(err).Error("update bundle selection failed")
			o.enqueue(ctx, State{Tag: TagUnmounting, Updated: updated, Iteration: iteration})
			return
		}

		if chosen == nil {
			o.enqueue(ctx, State{Tag: TagNoUpdateFound, Updated: updated, Iteration: iteration})
			return
		}
		o.selected = chosen
		o.enqueue(ctx, State{Tag: TagUpdateFound, Updated: updated, Iteration: iteration})
	}()

	return nil
}

// InstallUpdate triggers installation of the previously selected update
// bundle (update=true) or skips straight to unmounting (update=false).
// reboot marks whether to reboot the system once unmounting completes.
func (o *Orchestrator) InstallUpdate(ctx context.Context, update, reboot bool) error {
	current := o.State()

	switch {
	case current.Tag == TagUpdateFound && !current.Updated && update:
		if o.selected == nil {
			return &apperror.NoUpdateBundle{}
		}
		bundleToInstall := o.selected
		iteration := current.Iteration
		go func() {
			o.enqueue(ctx, State{Tag: TagUpdating, Iteration: iteration})
			if err := bundleToInstall.Install(ctx, o.gw); err != nil {
				log.WithError(err).Error("installing update bundle failed")
				return
			}
			if bundleToInstall.IsOverride() {
				if err := os.Rename(bundleToInstall.Path(), bundleToInstall.Path()+".installed"); err != nil {
					log.WithError(err).Error("disabling override bundle failed")
					return
				}
			}
			o.enqueue(ctx, State{Tag: TagUpdated, Iteration: iteration, Reboot: reboot})
		}()
		return nil

	case (current.Tag == TagNoUpdateFound || current.Tag == TagUpdateFound) && !update:
		o.enqueue(ctx, State{Tag: TagSkip, Updated: current.Updated, Iteration: current.Iteration})
		return nil

	default:
		if current.Updated {
			return &apperror.WrongState{Current: "system is updated already, waiting for reboot"}
		}
		return &apperror.WrongState{Current: current.String()}
	}
}

// discoverDevices lists every UDisks2 block device matching the configured
// regex, mounts each, and searches it for top-level and override bundles.
func discoverDevices(ctx context.Context, gw Gateway, cfg config.Config) ([]*device.Device, error) {
	re, err := regexp.Compile(cfg.DeviceRegex)
	if err != nil {
		return nil, errors.Wrapf(err, "compiling device regex %q", cfg.DeviceRegex)
	}

	paths, err := gw.ListBlockDevicePaths(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "listing block devices")
	}

	var devices []*device.Device
	for _, path := range paths {
		if !re.MatchString(path) {
			continue
		}
		d, err := device.New(path)
		if err != nil {
			log.WithError(err).WithField("path", path).Warn("skipping invalid device path")
			continue
		}
		if _, err := d.Mount(ctx, gw); err != nil {
			log.WithError(err).WithField("device", d.DevicePath()).Warn("skipping device, could not mount")
			continue
		}
		if err := d.FindBundles(cfg.BundleExtension); err != nil {
			log.WithError(err).WithField("device", d.DevicePath()).Warn("failed searching for update bundles")
		}
		if err := d.FindOverrideBundles(cfg.BundleExtension, cfg.OverrideDir); err != nil {
			log.WithError(err).WithField("device", d.DevicePath()).Warn("failed searching for override update bundles")
		}
		devices = append(devices, d)
	}
	return devices, nil
}
