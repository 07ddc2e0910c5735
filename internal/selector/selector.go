// Package selector implements the update-bundle selection rules: override
// bundles take precedence over top-level ones, and among top-level bundles
// the highest compatible version newer than what is currently running wins.
package selector

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/dvzrv/caterpillar/internal/apperror"
	"github.com/dvzrv/caterpillar/internal/bundle"
	"github.com/dvzrv/caterpillar/internal/rauc"
)

var log = logrus.WithField("component", "selector")

// Device is the subset of device.Device that Select needs.
type Device interface {
	Bundles() []string
	OverrideBundles() []string
}

// Gateway is the installer-facing API Select needs to inspect candidate
// bundles; satisfied by *busgateway.Gateway.
type Gateway interface {
	Info(ctx context.Context, bundlePath string) (compatible, version string, err error)
	Install(ctx context.Context, bundlePath string) error
}

// Select walks devices for update bundle candidates and returns the one
// caterpillar should install, or nil if none qualify.
//
// Exactly one override bundle, if present, wins outright as long as it is
// compatible with the running system; it is not compared against the
// running version. Two or more override bundles across all devices is a
// hard error (*apperror.TooManyOverrides) — this is a misconfiguration, not
// a condition to silently resolve. In the absence of any override bundle,
// every top-level bundle is inspected and the compatible candidates with a
// version strictly greater than the running system's are compared with
// bundle.Less; the highest wins.
func Select(ctx context.Context, gw Gateway, info rauc.Info, devices []Device) (*bundle.Bundle, error) {
	log.Info("searching for compatible update bundle")

	var overridePaths []string
	for _, d := range devices {
		overridePaths = append(overridePaths, d.OverrideBundles()...)
	}

	switch len(overridePaths) {
	case 0:
		// fall through to top-level bundle search
	case 1:
		b, err := bundle.New(ctx, gw, overridePaths[0], true)
		if err != nil {
			log.WithError(err).Warn("override bundle could not be inspected")
			break
		}
		if b.Compatible() == info.Compatible {
			return b, nil
		}
		log.WithField("path", b.Path()).Warn("override bundle is not compatible with this system")
	default:
		return nil, &apperror.TooManyOverrides{Paths: overridePaths}
	}

	var bundlePaths []string
	for _, d := range devices {
		bundlePaths = append(bundlePaths, d.Bundles()...)
	}
	if len(bundlePaths) == 0 {
		return nil, nil
	}

	var candidates []*bundle.Bundle
	for _, path := range bundlePaths {
		b, err := bundle.New(ctx, gw, path, false)
		if err != nil {
			log.WithError(err).Warn("update bundle could not be inspected")
			continue
		}
		if b.Compatible() != info.Compatible {
			log.WithField("path", b.Path()).Warn("update bundle is not compatible")
			continue
		}
		if info.Version != nil && !info.Version.LessThan(*b.Version()) {
			log.WithFields(logrus.Fields{
				"path":    b.Path(),
				"version": b.Version().String(),
				"current": info.VersionString(),
			}).Warn("update bundle version is not higher than the current one")
			continue
		}
		candidates = append(candidates, b)
	}

	if len(candidates) == 0 {
		return nil, nil
	}

	best := candidates[0]
	for _, c := range candidates[1:] {
		if best.Less(c) {
			best = c
		}
	}
	log.WithField("path", best.Path()).Info("selected update bundle")
	return best, nil
}
