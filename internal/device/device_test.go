package device

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvzrv/caterpillar/internal/apperror"
)

const validPath = "/org/freedesktop/UDisks2/block_devices/sda1"

type fakeGateway struct {
	usage           string
	partitionNumber uint32
	partitionType   string
	mountpoints     [][]byte
	mountResult     string
	mountErr        error
	unmountErr      error
	unmountCalled   bool
}

func (f *fakeGateway) GetUsage(context.Context, string) (string, error) { return f.usage, nil }
func (f *fakeGateway) GetPartitionNumber(context.Context, string) (uint32, error) {
	return f.partitionNumber, nil
}
func (f *fakeGateway) GetPartitionType(context.Context, string) (string, error) {
	return f.partitionType, nil
}
func (f *fakeGateway) GetMountpoints(context.Context, string) ([][]byte, error) {
	return f.mountpoints, nil
}
func (f *fakeGateway) Mount(context.Context, string) (string, error) {
	return f.mountResult, f.mountErr
}
func (f *fakeGateway) Unmount(context.Context, string) error {
	f.unmountCalled = true
	return f.unmountErr
}
func (f *fakeGateway) ListBlockDevicePaths(context.Context) ([]string, error) { return nil, nil }

func validGateway() *fakeGateway {
	return &fakeGateway{
		usage:           "filesystem",
		partitionNumber: 1,
		partitionType:   "0x83",
		mountpoints:     nil,
		mountResult:     "/mnt/update",
	}
}

func TestNewRejectsInvalidPath(t *testing.T) {
	_, err := New("/some/other/path")
	require.Error(t, err)
	var invalidPath *apperror.InvalidDevicePath
	assert.ErrorAs(t, err, &invalidPath)
}

func TestNewAcceptsValidPath(t *testing.T) {
	d, err := New(validPath)
	require.NoError(t, err)
	assert.Equal(t, validPath, d.ObjectPath())
	assert.Equal(t, "/dev/sda1", d.DevicePath())
	assert.False(t, d.IsMounted())
}

func TestMountMountsWhenNotAlreadyMounted(t *testing.T) {
	d, err := New(validPath)
	require.NoError(t, err)
	gw := validGateway()

	mountpoint, err := d.Mount(context.Background(), gw)
	require.NoError(t, err)
	assert.Equal(t, "/mnt/update", mountpoint)
	assert.True(t, d.IsMounted())
}

func TestMountUsesExistingMountpoint(t *testing.T) {
	d, err := New(validPath)
	require.NoError(t, err)
	gw := validGateway()
	gw.mountpoints = [][]byte{[]byte("/mnt/existing\x00")}

	mountpoint, err := d.Mount(context.Background(), gw)
	require.NoError(t, err)
	assert.Equal(t, "/mnt/existing", mountpoint)

	require.NoError(t, d.Unmount(context.Background(), gw))
	assert.False(t, gw.unmountCalled, "unmount should be skipped for a pre-existing mount")
}

func TestMountTwiceFailsWithAlreadyMounted(t *testing.T) {
	d, err := New(validPath)
	require.NoError(t, err)
	gw := validGateway()

	_, err = d.Mount(context.Background(), gw)
	require.NoError(t, err)

	_, err = d.Mount(context.Background(), gw)
	require.Error(t, err)
	var alreadyMounted *apperror.AlreadyMounted
	assert.ErrorAs(t, err, &alreadyMounted)
}

func TestMountRejectsBaseDevice(t *testing.T) {
	d, err := New(validPath)
	require.NoError(t, err)
	gw := validGateway()
	gw.partitionNumber = 0

	_, err = d.Mount(context.Background(), gw)
	require.Error(t, err)
	var isBaseDevice *apperror.IsBaseDevice
	assert.ErrorAs(t, err, &isBaseDevice)
}

func TestMountRejectsIncompatibleFilesystem(t *testing.T) {
	d, err := New(validPath)
	require.NoError(t, err)
	gw := validGateway()
	gw.partitionType = "0xAB"

	_, err = d.Mount(context.Background(), gw)
	require.Error(t, err)
	var incompatible *apperror.IncompatibleFilesystem
	assert.ErrorAs(t, err, &incompatible)
}

func TestMountRejectsIncompatibleBlockDevice(t *testing.T) {
	d, err := New(validPath)
	require.NoError(t, err)
	gw := validGateway()
	gw.usage = "crypto"

	_, err = d.Mount(context.Background(), gw)
	require.Error(t, err)
	var incompatible *apperror.IncompatibleBlockDevice
	assert.ErrorAs(t, err, &incompatible)
}

func TestUnmountWithoutMountFails(t *testing.T) {
	d, err := New(validPath)
	require.NoError(t, err)

	err = d.Unmount(context.Background(), validGateway())
	require.Error(t, err)
	var notMounted *apperror.DeviceNotMounted
	assert.ErrorAs(t, err, &notMounted)
}

func TestUnmountByUsCallsGateway(t *testing.T) {
	d, err := New(validPath)
	require.NoError(t, err)
	gw := validGateway()
	_, err = d.Mount(context.Background(), gw)
	require.NoError(t, err)

	require.NoError(t, d.Unmount(context.Background(), gw))
	assert.True(t, gw.unmountCalled)
	assert.False(t, d.IsMounted())
}

func TestFindBundlesRequiresMountpoint(t *testing.T) {
	d, err := New(validPath)
	require.NoError(t, err)
	err = d.FindBundles("raucb")
	require.Error(t, err)
	var notMounted *apperror.DeviceNotMounted
	assert.ErrorAs(t, err, &notMounted)
}

func TestFindBundlesMatchesExtension(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "update.raucb"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))

	d, err := New(validPath)
	require.NoError(t, err)
	gw := validGateway()
	gw.mountpoints = [][]byte{[]byte(dir + "\x00")}
	_, err = d.Mount(context.Background(), gw)
	require.NoError(t, err)

	require.NoError(t, d.FindBundles("raucb"))
	assert.Equal(t, []string{filepath.Join(dir, "update.raucb")}, d.Bundles())
}

func TestFindOverrideBundlesSkipsMissingDirectory(t *testing.T) {
	dir := t.TempDir()
	d, err := New(validPath)
	require.NoError(t, err)
	gw := validGateway()
	gw.mountpoints = [][]byte{[]byte(dir + "\x00")}
	_, err = d.Mount(context.Background(), gw)
	require.NoError(t, err)

	require.NoError(t, d.FindOverrideBundles("raucb", "override"))
	assert.Nil(t, d.OverrideBundles())
}

func TestFindOverrideBundlesMatchesExtension(t *testing.T) {
	dir := t.TempDir()
	overrideDir := filepath.Join(dir, "override")
	require.NoError(t, os.Mkdir(overrideDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(overrideDir, "forced.raucb"), []byte("x"), 0o644))

	d, err := New(validPath)
	require.NoError(t, err)
	gw := validGateway()
	gw.mountpoints = [][]byte{[]byte(dir + "\x00")}
	_, err = d.Mount(context.Background(), gw)
	require.NoError(t, err)

	require.NoError(t, d.FindOverrideBundles("raucb", "override"))
	assert.Equal(t, []string{filepath.Join(overrideDir, "forced.raucb")}, d.OverrideBundles())
}
