// Package apperror collects the structured error taxonomy used across
// caterpillar's components, so that callers can match on error identity
// with errors.As instead of parsing messages.
package apperror

import "fmt"

// AlreadyMounted indicates a Device's mountpoint was assigned a second time.
type AlreadyMounted struct {
	Device     string
	Mountpoint string
}

func (e *AlreadyMounted) Error() string {
	return fmt.Sprintf("device %s is already mounted at mountpoint %s", e.Device, e.Mountpoint)
}

// DeviceNotMounted indicates an operation required a mountpoint that was never set.
type DeviceNotMounted struct {
	Device string
}

func (e *DeviceNotMounted) Error() string {
	return fmt.Sprintf("device %s is not yet mounted", e.Device)
}

// UnmountFailed indicates a force-unmount request was rejected by the block manager.
type UnmountFailed struct {
	Mountpoint string
}

func (e *UnmountFailed) Error() string {
	return fmt.Sprintf("unmounting mountpoint %s failed", e.Mountpoint)
}

// IsBaseDevice indicates a block device has no partition number (it is a whole disk).
type IsBaseDevice struct {
	Device string
}

func (e *IsBaseDevice) Error() string {
	return fmt.Sprintf("device %s is a base device without a partition", e.Device)
}

// IncompatibleBlockDevice indicates the block device does not carry a filesystem.
type IncompatibleBlockDevice struct {
	Device string
}

func (e *IncompatibleBlockDevice) Error() string {
	return fmt.Sprintf("device %s does not have a filesystem", e.Device)
}

// IncompatibleFilesystem indicates the partition type is not in the compatible-filesystems allowlist.
type IncompatibleFilesystem struct {
	Device string
}

func (e *IncompatibleFilesystem) Error() string {
	return fmt.Sprintf("device %s does not have a compatible filesystem", e.Device)
}

// InvalidDevicePath indicates a block-manager object path failed to parse as a D-Bus object path.
type InvalidDevicePath struct {
	Path string
}

func (e *InvalidDevicePath) Error() string {
	return fmt.Sprintf("device path %s is not valid", e.Path)
}

// BundleInfo indicates the installer could not report on a candidate bundle.
type BundleInfo struct {
	Path   string
	Reason string
}

func (e *BundleInfo) Error() string {
	return fmt.Sprintf("unable to get information on update bundle %s: %s", e.Path, e.Reason)
}

// BundlePath indicates a bundle path is not representable as a plain string.
type BundlePath struct {
	Path string
}

func (e *BundlePath) Error() string {
	return fmt.Sprintf("update bundle path %s is invalid", e.Path)
}

// BundleVersion indicates a bundle's declared version failed strict semver parsing.
type BundleVersion struct {
	Version string
	Path    string
	Reason  string
}

func (e *BundleVersion) Error() string {
	return fmt.Sprintf("version (%s) of update bundle %s is invalid: %s", e.Version, e.Path, e.Reason)
}

// SlotVersion indicates a boot slot's reported bundle version failed strict semver parsing.
type SlotVersion struct {
	Version string
	Slot    string
	Reason  string
}

func (e *SlotVersion) Error() string {
	return fmt.Sprintf("version (%s) of slot %s is invalid: %s", e.Version, e.Slot, e.Reason)
}

// NoUpdateBundle indicates the selector found nothing to install.
type NoUpdateBundle struct{}

func (e *NoUpdateBundle) Error() string {
	return "no compatible update bundle found"
}

// TooManyOverrides indicates more than one override bundle was discovered across all devices.
type TooManyOverrides struct {
	Paths []string
}

func (e *TooManyOverrides) Error() string {
	return fmt.Sprintf("there is more than one override update bundle: %v", e.Paths)
}

// UpdateFailed indicates the installer reported a non-zero completion result.
type UpdateFailed struct {
	Message string
}

func (e *UpdateFailed) Error() string {
	return fmt.Sprintf("update failed: %s", e.Message)
}

// WrongState indicates a control method was invoked while the orchestrator was in a state
// that does not accept it.
type WrongState struct {
	Current string
}

func (e *WrongState) Error() string {
	return fmt.Sprintf("caterpillar is in wrong state: %s", e.Current)
}

// Init indicates a fatal error during daemon startup.
type Init struct {
	Reason string
}

func (e *Init) Error() string {
	return fmt.Sprintf("failed initializing: %s", e.Reason)
}
