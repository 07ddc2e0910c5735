package rauc

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvzrv/caterpillar/internal/apperror"
	"github.com/dvzrv/caterpillar/internal/busgateway"
)

type fakeGateway struct {
	operation, compatible, variant, bootSlot, primary string
	slotStatus                                         []busgateway.SlotStatusEntry
}

func (f *fakeGateway) Operation(context.Context) (string, error)  { return f.operation, nil }
func (f *fakeGateway) Compatible(context.Context) (string, error) { return f.compatible, nil }
func (f *fakeGateway) Variant(context.Context) (string, error)    { return f.variant, nil }
func (f *fakeGateway) BootSlot(context.Context) (string, error)   { return f.bootSlot, nil }
func (f *fakeGateway) Primary(context.Context) (string, error)    { return f.primary, nil }
func (f *fakeGateway) SlotStatus(context.Context) ([]busgateway.SlotStatusEntry, error) {
	return f.slotStatus, nil
}

func TestNewInfoPopulatesPrimaryVersion(t *testing.T) {
	gw := &fakeGateway{
		operation:  "idle",
		compatible: "system",
		variant:    "",
		bootSlot:   "A",
		primary:    "A",
		slotStatus: []busgateway.SlotStatusEntry{
			{Name: "A", Status: map[string]string{"state": "booted", "bundle.version": "1.2.3"}},
			{Name: "B", Status: map[string]string{"state": "inactive"}},
		},
	}

	info, err := NewInfo(context.Background(), gw)
	require.NoError(t, err)
	require.NotNil(t, info.Version)
	assert.Equal(t, "1.2.3", info.Version.String())
	assert.Equal(t, "1.2.3", info.VersionString())
	assert.Len(t, info.Slots, 2)
	assert.True(t, info.Slots[0].Primary)
	assert.True(t, info.Slots[0].Booted)
	assert.False(t, info.Slots[1].Primary)
}

func TestNewInfoNoVersionDefaultsToZero(t *testing.T) {
	gw := &fakeGateway{
		compatible: "system",
		primary:    "A",
		slotStatus: []busgateway.SlotStatusEntry{
			{Name: "A", Status: map[string]string{"state": "booted"}},
		},
	}

	info, err := NewInfo(context.Background(), gw)
	require.NoError(t, err)
	assert.Nil(t, info.Version)
	assert.Equal(t, "0.0.0", info.VersionString())
}

func TestNewInfoInvalidSlotVersion(t *testing.T) {
	gw := &fakeGateway{
		primary: "A",
		slotStatus: []busgateway.SlotStatusEntry{
			{Name: "A", Status: map[string]string{"bundle.version": "not-a-version"}},
		},
	}

	_, err := NewInfo(context.Background(), gw)
	require.Error(t, err)
	var slotVersionErr *apperror.SlotVersion
	assert.ErrorAs(t, err, &slotVersionErr)
}
