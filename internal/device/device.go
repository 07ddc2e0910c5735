// Package device models a single UDisks2 block device as caterpillar walks
// it through discovery, mounting and bundle search. It mirrors the wire
// facade/domain model split used throughout this codebase: internal/
// busgateway speaks D-Bus, this package owns the state machine built from
// those calls.
package device

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/godbus/dbus/v5"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/dvzrv/caterpillar/internal/apperror"
	"github.com/dvzrv/caterpillar/internal/busgateway"
)

var log = logrus.WithField("component", "device")

// Gateway is the subset of busgateway.Gateway's block-manager API that
// Device needs; satisfied by *busgateway.Gateway.
type Gateway interface {
	ListBlockDevicePaths(ctx context.Context) ([]string, error)
	GetUsage(ctx context.Context, path string) (string, error)
	GetPartitionNumber(ctx context.Context, path string) (uint32, error)
	GetPartitionType(ctx context.Context, path string) (string, error)
	GetMountpoints(ctx context.Context, path string) ([][]byte, error)
	Mount(ctx context.Context, path string) (string, error)
	Unmount(ctx context.Context, path string) error
}

// Device is one UDisks2 block device, identified by its D-Bus object path.
// Mountpoint and the mounted-by-us flag are assign-once: a second attempt to
// set either returns an *apperror.AlreadyMounted, mirroring the once_cell
// semantics of the original implementation's Device type.
type Device struct {
	objectPath string

	mountpoint    string
	hasMountpoint bool
	mountedByUs   bool
	hasMountState bool

	bundles         []string
	overrideBundles []string
}

// New validates objectPath and returns a Device for it.
func New(objectPath string) (*Device, error) {
	if !strings.HasPrefix(objectPath, "/org/freedesktop/UDisks2/block_devices/") {
		return nil, &apperror.InvalidDevicePath{Path: devicePathOf(objectPath)}
	}
	if _, err := dbus.ParseObjectPath(objectPath); err != nil {
		return nil, &apperror.InvalidDevicePath{Path: devicePathOf(objectPath)}
	}
	return &Device{objectPath: objectPath}, nil
}

// devicePathOf renders an UDisks2 object path the way it would appear under
// /dev, for use in user-facing error messages even when the path is invalid.
func devicePathOf(objectPath string) string {
	return strings.Replace(objectPath, "/org/freedesktop/UDisks2/block_devices", "/dev", 1)
}

// ObjectPath returns the device's D-Bus object path.
func (d *Device) ObjectPath() string {
	return d.objectPath
}

// DevicePath returns the conventional /dev/... rendering of the object path.
func (d *Device) DevicePath() string {
	return devicePathOf(d.objectPath)
}

// IsMounted reports whether Mount has successfully assigned a mountpoint.
func (d *Device) IsMounted() bool {
	return d.hasMountpoint
}

// Mountpoint returns the device's mountpoint, if any.
func (d *Device) Mountpoint() (string, bool) {
	return d.mountpoint, d.hasMountpoint
}

// Bundles returns the update bundle paths found at the top level of the
// mountpoint, or nil if none have been found (or FindBundles has not run).
func (d *Device) Bundles() []string {
	if len(d.bundles) == 0 {
		return nil
	}
	return append([]string(nil), d.bundles...)
}

// OverrideBundles returns the update bundle paths found in the override
// directory of the mountpoint, or nil if none have been found.
func (d *Device) OverrideBundles() []string {
	if len(d.overrideBundles) == 0 {
		return nil
	}
	return append([]string(nil), d.overrideBundles...)
}

func (d *Device) String() string {
	if d.hasMountpoint {
		return d.objectPath + " (mounted at " + d.mountpoint + ")"
	}
	return d.objectPath + " (not mounted)"
}

// Mount checks that the device is a filesystem partition on a compatible
// filesystem, and mounts it read-write if it is not already mounted. The
// resulting mountpoint is recorded exactly once; a second call to Mount
// returns *apperror.AlreadyMounted.
func (d *Device) Mount(ctx context.Context, gw Gateway) (string, error) {
	usage, err := gw.GetUsage(ctx, d.objectPath)
	if err != nil {
		return "", errors.Wrapf(err, "checking usage of %s", d.DevicePath())
	}
	if usage != "filesystem" {
		return "", &apperror.IncompatibleBlockDevice{Device: d.DevicePath()}
	}

	number, err := gw.GetPartitionNumber(ctx, d.objectPath)
	if err != nil {
		return "", errors.Wrapf(err, "checking partition number of %s", d.DevicePath())
	}
	if number == 0 {
		return "", &apperror.IsBaseDevice{Device: d.DevicePath()}
	}

	partitionType, err := gw.GetPartitionType(ctx, d.objectPath)
	if err != nil {
		return "", errors.Wrapf(err, "checking partition type of %s", d.DevicePath())
	}
	if !busgateway.IsCompatibleFilesystem(partitionType) {
		return "", &apperror.IncompatibleFilesystem{Device: d.DevicePath()}
	}

	mountpoints, err := gw.GetMountpoints(ctx, d.objectPath)
	if err != nil {
		return "", errors.Wrapf(err, "checking mountpoints of %s", d.DevicePath())
	}

	var mountpoint string
	var mountedByUs bool
	if len(mountpoints) == 0 {
		mp, err := gw.Mount(ctx, d.objectPath)
		if err != nil {
			return "", errors.Wrapf(err, "mounting %s", d.DevicePath())
		}
		mountpoint = mp
		mountedByUs = true
		log.WithFields(logrus.Fields{"device": d.DevicePath(), "mountpoint": mountpoint}).Info("mounted device")
	} else {
		mountpoint = strings.TrimRight(string(mountpoints[0]), "\x00")
		mountedByUs = false
		log.WithFields(logrus.Fields{"device": d.DevicePath(), "mountpoint": mountpoint}).Info("found device already mounted")
	}

	if d.hasMountpoint {
		return "", &apperror.AlreadyMounted{Device: d.DevicePath(), Mountpoint: d.mountpoint}
	}
	d.mountpoint = mountpoint
	d.hasMountpoint = true
	d.mountedByUs = mountedByUs
	d.hasMountState = true

	return mountpoint, nil
}

// Unmount unmounts the device, unless it was already mounted by someone
// else when Mount observed it (in which case unmounting is skipped, as it
// is not caterpillar's to release).
func (d *Device) Unmount(ctx context.Context, gw Gateway) error {
	if !d.hasMountpoint {
		return &apperror.DeviceNotMounted{Device: d.DevicePath()}
	}
	if d.hasMountState && !d.mountedByUs {
		log.WithField("device", d.DevicePath()).Info("skipping unmount, not mounted by us")
		return nil
	}

	if err := gw.Unmount(ctx, d.objectPath); err != nil {
		return &apperror.UnmountFailed{Mountpoint: d.mountpoint}
	}
	log.WithField("device", d.DevicePath()).Info("unmounted device")
	d.mountpoint = ""
	d.hasMountpoint = false
	return nil
}

// FindBundles scans the top level of the mountpoint for files whose
// extension matches bundleExtension and records their paths.
func (d *Device) FindBundles(bundleExtension string) error {
	if !d.hasMountpoint {
		return &apperror.DeviceNotMounted{Device: d.DevicePath()}
	}
	entries, err := readDir(d.mountpoint)
	if err != nil {
		return errors.Wrapf(err, "reading mountpoint %s", d.mountpoint)
	}
	d.bundles = matchBundleFiles(d.mountpoint, entries, bundleExtension)
	return nil
}

// FindOverrideBundles scans overrideDir (relative to the mountpoint) for
// files whose extension matches bundleExtension and records their paths.
// A missing or non-directory override location is not an error: it is
// simply skipped, matching the original implementation's behavior.
func (d *Device) FindOverrideBundles(bundleExtension, overrideDir string) error {
	if !d.hasMountpoint {
		return &apperror.DeviceNotMounted{Device: d.DevicePath()}
	}
	path := filepath.Join(d.mountpoint, overrideDir)
	entries, ok, err := readDirIfExists(path)
	if err != nil {
		return errors.Wrapf(err, "reading override location %s", path)
	}
	if !ok {
		log.WithField("path", path).Info("skipping override location search, it does not exist or is not a directory")
		return nil
	}
	d.overrideBundles = matchBundleFiles(path, entries, bundleExtension)
	return nil
}

func matchBundleFiles(dir string, names []string, extension string) []string {
	var out []string
	suffix := "." + extension
	for _, name := range names {
		if strings.HasSuffix(name, suffix) {
			out = append(out, filepath.Join(dir, name))
		}
	}
	return out
}

// readDir returns the names of the regular files directly inside dir.
func readDir(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.Type().IsRegular() {
			names = append(names, entry.Name())
		}
	}
	return names, nil
}

// readDirIfExists behaves like readDir, but reports ok=false instead of an
// error when dir does not exist or is not a directory.
func readDirIfExists(dir string) (names []string, ok bool, err error) {
	info, statErr := os.Stat(dir)
	if statErr != nil {
		if os.IsNotExist(statErr) {
			return nil, false, nil
		}
		return nil, false, statErr
	}
	if !info.IsDir() {
		return nil, false, nil
	}
	names, err = readDir(dir)
	if err != nil {
		return nil, false, err
	}
	return names, true, nil
}
