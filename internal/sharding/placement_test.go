package sharding

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iindyk/kauldron/internal/data"
)

func makeBatch(n int) data.Batch {
	batch := make(data.Batch, n)
	for i := range batch {
		batch[i] = data.Element{"x": []float64{float64(i)}}
	}
	return batch
}

func TestDetect_Validation(t *testing.T) {
	_, err := Detect(0)
	assert.ErrorContains(t, err, "device count")
}

func TestDetect_BuildsRequestedDevices(t *testing.T) {
	topo, err := Detect(2)
	require.NoError(t, err)
	require.Equal(t, 2, topo.DeviceCount())
	for i, dev := range topo.Devices {
		assert.Equal(t, i, dev.ID)
		assert.Equal(t, "cpu", dev.Kind)
		assert.GreaterOrEqual(t, dev.Threads, 1)
	}
}

func TestFixedTopology(t *testing.T) {
	topo := FixedTopology(4)
	assert.Equal(t, 4, topo.DeviceCount())
}

func TestNewPlacement_EmptyTopology(t *testing.T) {
	_, err := NewPlacement(Topology{})
	assert.ErrorContains(t, err, "no devices")
}

func TestPlacement_Shard_Even(t *testing.T) {
	p, err := NewPlacement(FixedTopology(4))
	require.NoError(t, err)

	shards, err := p.Shard(makeBatch(8))
	require.NoError(t, err)
	require.Len(t, shards, 4)

	for i, shard := range shards {
		assert.Equal(t, i, shard.Device.ID)
		require.Len(t, shard.Batch, 2)
	}
	// Elements are assigned in order, no duplication.
	assert.Equal(t, []float64{0}, shards[0].Batch[0]["x"])
	assert.Equal(t, []float64{7}, shards[3].Batch[1]["x"])
}

func TestPlacement_Shard_Indivisible(t *testing.T) {
	p, err := NewPlacement(FixedTopology(3))
	require.NoError(t, err)

	_, err = p.Shard(makeBatch(8))
	assert.ErrorContains(t, err, "not divisible")
}

func TestPlacement_Shard_SingleDevice(t *testing.T) {
	p, err := NewPlacement(FixedTopology(1))
	require.NoError(t, err)

	shards, err := p.Shard(makeBatch(4))
	require.NoError(t, err)
	require.Len(t, shards, 1)
	assert.Len(t, shards[0].Batch, 4)
}
