// Package busgateway is the thin facade in front of the three external
// services caterpillar coordinates: the block-device/filesystem manager
// (UDisks2), the bundle installer (RAUC) and the session manager
// (systemd-logind). It hides the wire format so the rest of the daemon only
// ever sees typed Go calls, mirroring the teacher's pattern of isolating
// wire-level stage/option types (internal/osbuild) behind a domain API
// (internal/distro).
package busgateway

import (
	"context"
	"fmt"
	"strings"

	"github.com/coreos/go-systemd/v22/login1"
	"github.com/godbus/dbus/v5"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	udisksDest = "org.freedesktop.UDisks2"
	udisksPath = "org.freedesktop.UDisks2.Manager"

	blockIface      = "org.freedesktop.UDisks2.Block"
	partitionIface  = "org.freedesktop.UDisks2.Partition"
	filesystemIface = "org.freedesktop.UDisks2.Filesystem"
	managerIface    = "org.freedesktop.UDisks2.Manager"

	installerDest = "de.pengutronix.rauc"
	installerPath = "/"
	installerIface = "de.pengutronix.rauc.Installer"
)

// CompatibleFilesystems is the caller-side allowlist of partition types that
// are considered candidates for mounting (spec.md §4.1).
var CompatibleFilesystems = map[string]bool{
	// GPT
	"ebd0a0a2-b9e5-4433-87c0-68b6b72699c7": true, // Microsoft Basic Data
	"0fc63daf-8483-4772-8e79-3d69d8477de4": true, // Linux filesystem data
	// MBR
	"0x06": true,
	"0x0b": true,
	"0x0c": true,
	"0x0e": true,
	"0x17": true,
	"0x83": true,
}

// IsCompatibleFilesystem reports whether partitionType is in the
// compatible-filesystems allowlist. The lookup is case-insensitive for both
// GPT type GUIDs and MBR type bytes.
func IsCompatibleFilesystem(partitionType string) bool {
	return CompatibleFilesystems[strings.ToLower(partitionType)]
}

var log = logrus.WithField("component", "busgateway")

// Gateway owns the shared system-bus connection and fronts all three
// external services.
type Gateway struct {
	conn *dbus.Conn
}

// Dial opens (and keeps open) the connection to the system bus. It is
// called once at startup; the resulting connection is shared freely by
// every subsequent call, per spec.md §5.
func Dial() (*Gateway, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, errors.Wrap(err, "connecting to the system bus")
	}
	return &Gateway{conn: conn}, nil
}

// Close releases the underlying bus connection.
func (g *Gateway) Close() error {
	return g.conn.Close()
}

// --- Block manager -------------------------------------------------------

// ListBlockDevicePaths returns every block device object path UDisks2
// currently knows about; the caller filters these by device_regex.
func (g *Gateway) ListBlockDevicePaths(ctx context.Context) ([]string, error) {
	obj := g.conn.Object(udisksDest, dbus.ObjectPath("/org/freedesktop/UDisks2/Manager"))
	options := map[string]dbus.Variant{}
	var paths []dbus.ObjectPath
	call := obj.CallWithContext(ctx, managerIface+".GetBlockDevices", 0, options)
	if call.Err != nil {
		return nil, errors.Wrap(call.Err, "listing block devices")
	}
	if err := call.Store(&paths); err != nil {
		return nil, errors.Wrap(err, "decoding block device list")
	}
	out := make([]string, len(paths))
	for i, p := range paths {
		out[i] = string(p)
	}
	return out, nil
}

func (g *Gateway) blockObject(path string) dbus.BusObject {
	return g.conn.Object(udisksDest, dbus.ObjectPath(path))
}

// GetUsage returns the `IdUsage` property of the block device at path. The
// caller requires this to equal "filesystem" before mounting.
func (g *Gateway) GetUsage(ctx context.Context, path string) (string, error) {
	v, err := g.getProperty(ctx, path, blockIface, "IdUsage")
	if err != nil {
		return "", err
	}
	return v.Value().(string), nil
}

// GetPartitionNumber returns the `Number` property of the partition at path.
// A zero value indicates path is a base (whole-disk) device.
func (g *Gateway) GetPartitionNumber(ctx context.Context, path string) (uint32, error) {
	v, err := g.getProperty(ctx, path, partitionIface, "Number")
	if err != nil {
		return 0, err
	}
	return v.Value().(uint32), nil
}

// GetPartitionType returns the `Type` property of the partition at path.
func (g *Gateway) GetPartitionType(ctx context.Context, path string) (string, error) {
	v, err := g.getProperty(ctx, path, partitionIface, "Type")
	if err != nil {
		return "", err
	}
	return v.Value().(string), nil
}

// GetMountpoints returns the `MountPoints` property of the filesystem at
// path. Each entry is a NUL-terminated byte sequence on the wire; the
// caller strips the trailing NUL of the first entry.
func (g *Gateway) GetMountpoints(ctx context.Context, path string) ([][]byte, error) {
	v, err := g.getProperty(ctx, path, filesystemIface, "MountPoints")
	if err != nil {
		return nil, err
	}
	mps, ok := v.Value().([][]byte)
	if !ok {
		return nil, errors.New("unexpected MountPoints property type")
	}
	return mps, nil
}

// Mount requests a read-write mount of the filesystem at path and returns
// the resulting mountpoint.
func (g *Gateway) Mount(ctx context.Context, path string) (string, error) {
	options := map[string]dbus.Variant{"options": dbus.MakeVariant("rw")}
	call := g.blockObject(path).CallWithContext(ctx, filesystemIface+".Mount", 0, options)
	if call.Err != nil {
		return "", errors.Wrapf(call.Err, "mounting %s", path)
	}
	var mountpoint string
	if err := call.Store(&mountpoint); err != nil {
		return "", errors.Wrap(err, "decoding mount response")
	}
	return mountpoint, nil
}

// Unmount requests a forced unmount of the filesystem at path.
func (g *Gateway) Unmount(ctx context.Context, path string) error {
	options := map[string]dbus.Variant{"force": dbus.MakeVariant(true)}
	call := g.blockObject(path).CallWithContext(ctx, filesystemIface+".Unmount", 0, options)
	if call.Err != nil {
		return errors.Wrapf(call.Err, "unmounting %s", path)
	}
	return nil
}

func (g *Gateway) getProperty(ctx context.Context, path, iface, name string) (dbus.Variant, error) {
	call := g.blockObject(path).CallWithContext(ctx, "org.freedesktop.DBus.Properties.Get", 0, iface, name)
	if call.Err != nil {
		return dbus.Variant{}, errors.Wrapf(call.Err, "reading %s.%s on %s", iface, name, path)
	}
	var v dbus.Variant
	if err := call.Store(&v); err != nil {
		return dbus.Variant{}, errors.Wrap(err, "decoding property response")
	}
	return v, nil
}

// --- Installer ------------------------------------------------------------

func (g *Gateway) installerObject() dbus.BusObject {
	return g.conn.Object(installerDest, dbus.ObjectPath(installerPath))
}

// Info returns a bundle's declared compatibility tag and version string.
func (g *Gateway) Info(ctx context.Context, bundlePath string) (compatible, version string, err error) {
	call := g.installerObject().CallWithContext(ctx, installerIface+".Info", 0, bundlePath)
	if call.Err != nil {
		return "", "", errors.Wrapf(call.Err, "fetching info for %s", bundlePath)
	}
	if err := call.Store(&compatible, &version); err != nil {
		return "", "", errors.Wrap(err, "decoding bundle info response")
	}
	return compatible, version, nil
}

// Install asks the installer to begin installing bundlePath and blocks
// until the first `Completed` signal is observed. A positive result value
// indicates failure; in that case the installer's LastError is returned.
func (g *Gateway) Install(ctx context.Context, bundlePath string) error {
	sigCh := make(chan *dbus.Signal, 8)
	g.conn.Signal(sigCh)
	defer g.conn.RemoveSignal(sigCh)

	matchRule := fmt.Sprintf("type='signal',interface='%s',member='Completed'", installerIface)
	if err := g.conn.BusObject().CallWithContext(ctx, "org.freedesktop.DBus.AddMatch", 0, matchRule).Err; err != nil {
		return errors.Wrap(err, "subscribing to installer completion signal")
	}

	call := g.installerObject().CallWithContext(ctx, installerIface+".Install", 0, bundlePath, map[string]dbus.Variant{})
	if call.Err != nil {
		return errors.Wrapf(call.Err, "starting install of %s", bundlePath)
	}

	for {
		select {
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "waiting for installer completion")
		case sig, ok := <-sigCh:
			if !ok {
				return errors.New("installer signal channel closed")
			}
			if sig.Name != installerIface+".Completed" || len(sig.Body) != 1 {
				continue
			}
			result, ok := sig.Body[0].(int32)
			if !ok {
				continue
			}
			if result > 0 {
				lastErr, err := g.LastError(ctx)
				if err != nil {
					log.WithError(err).Warn("failed reading installer last_error after failed install")
				}
				return errors.Errorf("installer reported failure: %s", lastErr)
			}
			return nil
		}
	}
}

// LastError returns the installer's `LastError` property.
func (g *Gateway) LastError(ctx context.Context) (string, error) {
	return g.installerStringProperty(ctx, "LastError")
}

// Operation returns the installer's `Operation` property.
func (g *Gateway) Operation(ctx context.Context) (string, error) {
	return g.installerStringProperty(ctx, "Operation")
}

// Compatible returns the installer's `Compatible` property.
func (g *Gateway) Compatible(ctx context.Context) (string, error) {
	return g.installerStringProperty(ctx, "Compatible")
}

// Variant returns the installer's `Variant` property.
func (g *Gateway) Variant(ctx context.Context) (string, error) {
	return g.installerStringProperty(ctx, "Variant")
}

// BootSlot returns the installer's `BootSlot` property.
func (g *Gateway) BootSlot(ctx context.Context) (string, error) {
	return g.installerStringProperty(ctx, "BootSlot")
}

// Primary returns the installer's `Primary` property.
func (g *Gateway) Primary(ctx context.Context) (string, error) {
	return g.installerStringProperty(ctx, "Primary")
}

// SlotStatus returns the installer's `SlotStatus` property: a sequence of
// (slot name, raw status map) pairs.
func (g *Gateway) SlotStatus(ctx context.Context) ([]SlotStatusEntry, error) {
	v, err := g.getInstallerProperty(ctx, "SlotStatus")
	if err != nil {
		return nil, err
	}
	raw, ok := v.Value().([]struct {
		Name   string
		Status map[string]dbus.Variant
	})
	if !ok {
		return nil, errors.New("unexpected SlotStatus property type")
	}
	out := make([]SlotStatusEntry, 0, len(raw))
	for _, entry := range raw {
		status := make(map[string]string, len(entry.Status))
		for k, v := range entry.Status {
			status[k] = fmt.Sprintf("%v", v.Value())
		}
		out = append(out, SlotStatusEntry{Name: entry.Name, Status: status})
	}
	return out, nil
}

// SlotStatusEntry is one (slot name, raw status) pair as reported by the installer.
type SlotStatusEntry struct {
	Name   string
	Status map[string]string
}

func (g *Gateway) installerStringProperty(ctx context.Context, name string) (string, error) {
	v, err := g.getInstallerProperty(ctx, name)
	if err != nil {
		return "", err
	}
	s, ok := v.Value().(string)
	if !ok {
		return "", errors.Errorf("unexpected type for installer property %s", name)
	}
	return s, nil
}

func (g *Gateway) getInstallerProperty(ctx context.Context, name string) (dbus.Variant, error) {
	call := g.installerObject().CallWithContext(ctx, "org.freedesktop.DBus.Properties.Get", 0, installerIface, name)
	if call.Err != nil {
		return dbus.Variant{}, errors.Wrapf(call.Err, "reading installer property %s", name)
	}
	var v dbus.Variant
	if err := call.Store(&v); err != nil {
		return dbus.Variant{}, errors.Wrap(err, "decoding property response")
	}
	return v, nil
}

// --- Session manager --------------------------------------------------------

// Reboot asks systemd-logind to reboot the system non-interactively.
func (g *Gateway) Reboot(ctx context.Context) error {
	login, err := login1.New()
	if err != nil {
		return errors.Wrap(err, "connecting to systemd-logind")
	}
	login.Reboot(false)
	return nil
}

// PingBlockManager, PingInstaller and PingSessionManager each perform one
// cheap round-trip against one of the three services, used by the
// orchestrator's startup probe (spec.md §4.5 step 1).
func (g *Gateway) PingBlockManager(ctx context.Context) error {
	_, err := g.ListBlockDevicePaths(ctx)
	return errors.Wrap(err, "probing block manager")
}

func (g *Gateway) PingInstaller(ctx context.Context) error {
	_, err := g.Operation(ctx)
	return errors.Wrap(err, "probing installer")
}

func (g *Gateway) PingSessionManager(ctx context.Context) error {
	if _, err := login1.New(); err != nil {
		return errors.Wrap(err, "probing session manager")
	}
	return nil
}
