// Package bundle models a single RAUC update bundle candidate: its path on
// disk, the compatibility tag and semantic version the installer reports
// for it, and whether it was found in an override location. It is the
// per-candidate counterpart to internal/rauc's running-system identity.
package bundle

import (
	"context"

	"github.com/coreos/go-semver/semver"
	"github.com/sirupsen/logrus"

	"github.com/dvzrv/caterpillar/internal/apperror"
)

var log = logrus.WithField("component", "bundle")

// Gateway is the subset of busgateway.Gateway's installer-facing API that
// Bundle needs; satisfied by *busgateway.Gateway.
type Gateway interface {
	Info(ctx context.Context, bundlePath string) (compatible, version string, err error)
	Install(ctx context.Context, bundlePath string) error
}

// Bundle is one candidate update bundle discovered on a mounted device.
type Bundle struct {
	path       string
	compatible string
	version    *semver.Version
	isOverride bool
}

// New queries gw for bundlePath's declared compatibility tag and version,
// and returns a Bundle describing it. Both the installer round-trip and the
// version parse are strict: a bundle that fails either is not a candidate
// and is reported as an error rather than silently skipped, so that callers
// can decide whether to log-and-continue or abort.
func New(ctx context.Context, gw Gateway, bundlePath string, isOverride bool) (*Bundle, error) {
	compatible, version, err := gw.Info(ctx, bundlePath)
	if err != nil {
		return nil, &apperror.BundleInfo{Path: bundlePath, Reason: err.Error()}
	}

	parsed, err := semver.NewVersion(version)
	if err != nil {
		return nil, &apperror.BundleVersion{Version: version, Path: bundlePath, Reason: err.Error()}
	}

	return &Bundle{
		path:       bundlePath,
		compatible: compatible,
		version:    parsed,
		isOverride: isOverride,
	}, nil
}

// Path returns the bundle's location on disk.
func (b *Bundle) Path() string {
	return b.path
}

// Compatible returns the compatibility tag the installer reported for the bundle.
func (b *Bundle) Compatible() string {
	return b.compatible
}

// Version returns the bundle's declared semantic version.
func (b *Bundle) Version() *semver.Version {
	return b.version
}

// IsOverride reports whether this bundle was found in an override location.
func (b *Bundle) IsOverride() bool {
	return b.isOverride
}

func (b *Bundle) String() string {
	return b.path + " (compatible: " + b.compatible + "; version: " + b.version.String() + ")"
}

// Less orders bundles first by compatibility tag, then by version; it is
// the comparison the selector uses to pick the highest candidate
// (spec.md §4.4).
func (b *Bundle) Less(other *Bundle) bool {
	if b.compatible != other.compatible {
		return b.compatible < other.compatible
	}
	return b.version.LessThan(*other.version)
}

// Install asks gw to install the bundle and blocks until it completes.
func (b *Bundle) Install(ctx context.Context, gw Gateway) error {
	log.WithFields(logrus.Fields{"path": b.path, "version": b.version.String()}).Info("installing update bundle")
	return gw.Install(ctx, b.path)
}
