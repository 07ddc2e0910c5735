// Package rauc models the identity of the running system as reported by
// the bundle installer: its compatibility tag, variant, boot slot and the
// semantic version of its primary slot, plus the raw per-slot status the
// installer tracks. This is the domain model the selector consumes; the
// wire-level calls it is built from live in internal/busgateway, mirroring
// how the teacher keeps wire-level stage options (internal/osbuild)
// separate from the domain model built from them (internal/distro).
package rauc

import (
	"context"
	"fmt"

	"github.com/coreos/go-semver/semver"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/dvzrv/caterpillar/internal/apperror"
	"github.com/dvzrv/caterpillar/internal/busgateway"
)

var log = logrus.WithField("component", "rauc")

// Gateway is the subset of busgateway.Gateway's installer-facing API that
// Info needs; satisfied by *busgateway.Gateway.
type Gateway interface {
	Operation(ctx context.Context) (string, error)
	Compatible(ctx context.Context) (string, error)
	Variant(ctx context.Context) (string, error)
	BootSlot(ctx context.Context) (string, error)
	Primary(ctx context.Context) (string, error)
	SlotStatus(ctx context.Context) ([]busgateway.SlotStatusEntry, error)
}

// Slot is one A/B root-filesystem partition tracked by the installer.
type Slot struct {
	Name    string
	Primary bool
	Booted  bool
	Version *semver.Version
	Status  map[string]string
}

func (s Slot) String() string {
	version := ""
	if s.Version != nil {
		version = s.Version.String()
	}
	return fmt.Sprintf("slot %q (primary: %v; booted: %v; version: %s)", s.Name, s.Primary, s.Booted, version)
}

// Info is the running system's identity: compatibility tag, variant,
// current boot slot, and the optional semantic version of its primary slot.
type Info struct {
	Operation   string
	Compatible  string
	Variant     string
	BootSlot    string
	Version     *semver.Version
	Slots       []Slot
}

// VersionString returns Info's system version, or "0.0.0" if the system has
// none recorded (spec.md §6, the UpdateFound signal's old_version field).
func (i Info) VersionString() string {
	if i.Version == nil {
		return "0.0.0"
	}
	return i.Version.String()
}

// NewInfo queries gw for the running system's identity and slot status.
func NewInfo(ctx context.Context, gw Gateway) (Info, error) {
	operation, err := gw.Operation(ctx)
	if err != nil {
		return Info{}, errors.Wrap(err, "reading installer operation")
	}
	compatible, err := gw.Compatible(ctx)
	if err != nil {
		return Info{}, errors.Wrap(err, "reading installer compatible")
	}
	variant, err := gw.Variant(ctx)
	if err != nil {
		return Info{}, errors.Wrap(err, "reading installer variant")
	}
	bootSlot, err := gw.BootSlot(ctx)
	if err != nil {
		return Info{}, errors.Wrap(err, "reading installer boot slot")
	}
	primary, err := gw.Primary(ctx)
	if err != nil {
		return Info{}, errors.Wrap(err, "reading installer primary slot")
	}
	rawStatus, err := gw.SlotStatus(ctx)
	if err != nil {
		return Info{}, errors.Wrap(err, "reading installer slot status")
	}

	info := Info{
		Operation:  operation,
		Compatible: compatible,
		Variant:    variant,
		BootSlot:   bootSlot,
	}

	for _, entry := range rawStatus {
		var version *semver.Version
		if raw, ok := entry.Status["bundle.version"]; ok && raw != "" {
			v, err := semver.NewVersion(raw)
			if err != nil {
				return Info{}, &apperror.SlotVersion{Version: raw, Slot: entry.Name, Reason: err.Error()}
			}
			version = v
		}

		booted := entry.Status["state"] == "booted" || entry.Status["state"] == "active"
		isPrimary := entry.Name == primary

		slot := Slot{
			Name:    entry.Name,
			Primary: isPrimary,
			Booted:  booted,
			Version: version,
			Status:  entry.Status,
		}
		info.Slots = append(info.Slots, slot)

		if isPrimary && version != nil {
			info.Version = version
		}
	}

	log.WithFields(logrus.Fields{
		"compatible": info.Compatible,
		"variant":    info.Variant,
		"boot_slot":  info.BootSlot,
		"version":    info.VersionString(),
	}).Info("queried installer identity")

	return info, nil
}
