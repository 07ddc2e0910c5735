package orchestrator

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvzrv/caterpillar/internal/busgateway"
	"github.com/dvzrv/caterpillar/internal/config"
)

// fakeGateway is an in-memory stand-in for busgateway.Gateway. It models a
// single block device at blockDevicePath whose filesystem is already
// mounted at mountDir, so FindBundles/FindOverrideBundles can run against a
// real temp directory without touching D-Bus at all.
type fakeGateway struct {
	mu sync.Mutex

	blockDevicePath string
	mountDir        string

	compatible string
	version    string

	infoByPath map[string]struct{ compatible, version string }

	installed    []string
	rebootCalled bool
}

func (f *fakeGateway) ListBlockDevicePaths(context.Context) ([]string, error) {
	return []string{f.blockDevicePath}, nil
}
func (f *fakeGateway) GetUsage(context.Context, string) (string, error) { return "filesystem", nil }
func (f *fakeGateway) GetPartitionNumber(context.Context, string) (uint32, error) {
	return 1, nil
}
func (f *fakeGateway) GetPartitionType(context.Context, string) (string, error) { return "0x83", nil }
func (f *fakeGateway) GetMountpoints(context.Context, string) ([][]byte, error) {
	return [][]byte{[]byte(f.mountDir + "\x00")}, nil
}
func (f *fakeGateway) Mount(context.Context, string) (string, error) { return f.mountDir, nil }
func (f *fakeGateway) Unmount(context.Context, string) error         { return nil }

func (f *fakeGateway) Info(_ context.Context, path string) (string, string, error) {
	entry := f.infoByPath[path]
	return entry.compatible, entry.version, nil
}
func (f *fakeGateway) Install(_ context.Context, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.installed = append(f.installed, path)
	return nil
}

func (f *fakeGateway) Operation(context.Context) (string, error)  { return "idle", nil }
func (f *fakeGateway) Compatible(context.Context) (string, error) { return f.compatible, nil }
func (f *fakeGateway) Variant(context.Context) (string, error)    { return "", nil }
func (f *fakeGateway) BootSlot(context.Context) (string, error)   { return "A", nil }
func (f *fakeGateway) Primary(context.Context) (string, error)    { return "A", nil }
func (f *fakeGateway) SlotStatus(context.Context) ([]busgateway.SlotStatusEntry, error) {
	return []busgateway.SlotStatusEntry{
		{Name: "A", Status: map[string]string{"state": "booted", "bundle.version": f.version}},
	}, nil
}

func (f *fakeGateway) Reboot(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rebootCalled = true
	return nil
}
func (f *fakeGateway) PingBlockManager(context.Context) error   { return nil }
func (f *fakeGateway) PingInstaller(context.Context) error      { return nil }
func (f *fakeGateway) PingSessionManager(context.Context) error { return nil }

func (f *fakeGateway) rebooted() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rebootCalled
}

func (f *fakeGateway) installedBundles() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.installed...)
}

func newFakeGateway(t *testing.T) *fakeGateway {
	return &fakeGateway{
		blockDevicePath: "/org/freedesktop/UDisks2/block_devices/sda1",
		mountDir:        t.TempDir(),
		compatible:      "system-a",
		version:         "1.0.0",
		infoByPath:      map[string]struct{ compatible, version string }{},
	}
}

func writeBundle(t *testing.T, dir, name string) string {
	path := dir + "/" + name
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	return path
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.DeviceRegex = "^/org/freedesktop/UDisks2/block_devices/sd[a-z][1-9][0-9]*?$"
	// Autorun would install on its own at UpdateFound in iteration 1; the
	// tests drive InstallUpdate themselves.
	cfg.Autorun = false
	return cfg
}

func waitForTag(t *testing.T, o *Orchestrator, tag Tag) {
	require.Eventually(t, func() bool {
		return o.State().Tag == tag
	}, 3*time.Second, 10*time.Millisecond, "expected to reach state %s, got %s", tag, o.State().Tag)
}

func TestOrchestratorSingleMatchingBundleIsFound(t *testing.T) {
	gw := newFakeGateway(t)
	path := writeBundle(t, gw.mountDir, "update.raucb")
	gw.infoByPath[path] = struct{ compatible, version string }{"system-a", "2.0.0"}

	var found Update
	var foundMu sync.Mutex
	o := New(testConfig(), gw, func(u Update) {
		foundMu.Lock()
		found = u
		foundMu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = o.Run(ctx) }()

	waitForTag(t, o, TagIdle)
	require.NoError(t, o.SearchForUpdate(ctx))
	waitForTag(t, o, TagUpdateFound)

	foundMu.Lock()
	defer foundMu.Unlock()
	assert.Equal(t, path, found.Name)
	assert.Equal(t, "2.0.0", found.NewVersion)
	assert.Equal(t, "1.0.0", found.OldVersion)
	assert.False(t, found.Force)
}

func TestOrchestratorNoBundleFound(t *testing.T) {
	gw := newFakeGateway(t)
	o := New(testConfig(), gw, func(Update) {})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = o.Run(ctx) }()

	waitForTag(t, o, TagIdle)
	require.NoError(t, o.SearchForUpdate(ctx))
	waitForTag(t, o, TagNoUpdateFound)
}

func TestOrchestratorInstallUpdateDeclinedSkipsToIdle(t *testing.T) {
	gw := newFakeGateway(t)
	path := writeBundle(t, gw.mountDir, "update.raucb")
	gw.infoByPath[path] = struct{ compatible, version string }{"system-a", "2.0.0"}
	o := New(testConfig(), gw, func(Update) {})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = o.Run(ctx) }()

	waitForTag(t, o, TagIdle)
	require.NoError(t, o.SearchForUpdate(ctx))
	waitForTag(t, o, TagUpdateFound)

	require.NoError(t, o.InstallUpdate(ctx, false, false))
	waitForTag(t, o, TagIdle)
	assert.False(t, gw.rebooted())
}

func TestOrchestratorInstallUpdateAcceptedInstallsAndReboots(t *testing.T) {
	gw := newFakeGateway(t)
	path := writeBundle(t, gw.mountDir, "update.raucb")
	gw.infoByPath[path] = struct{ compatible, version string }{"system-a", "2.0.0"}
	o := New(testConfig(), gw, func(Update) {})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = o.Run(ctx) }()

	waitForTag(t, o, TagIdle)
	require.NoError(t, o.SearchForUpdate(ctx))
	waitForTag(t, o, TagUpdateFound)

	require.NoError(t, o.InstallUpdate(ctx, true, true))
	require.Eventually(t, func() bool { return gw.rebooted() }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{path}, gw.installedBundles())
}

func TestOrchestratorInstallUpdateWrongStateFails(t *testing.T) {
	gw := newFakeGateway(t)
	o := New(testConfig(), gw, func(Update) {})

	err := o.InstallUpdate(context.Background(), true, false)
	require.Error(t, err)
}
