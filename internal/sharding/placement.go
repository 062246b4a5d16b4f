package sharding

import (
	"fmt"

	"github.com/iindyk/kauldron/internal/data"
)

// Shard is one device's slice of a global batch.
type Shard struct {
	Device Device
	Batch  data.Batch
}

// Placement splits global batches across a device topology.
type Placement struct {
	topo Topology
}

// NewPlacement creates a placement policy over the given topology.
func NewPlacement(topo Topology) (*Placement, error) {
	if topo.DeviceCount() == 0 {
		return nil, fmt.Errorf("topology has no devices")
	}
	return &Placement{topo: topo}, nil
}

// Topology returns the placement's device topology.
func (p *Placement) Topology() Topology {
	return p.topo
}

// Shard splits a batch evenly across devices in device-ID order.
// The batch size must be divisible by the device count; uneven
// remainders would silently skew per-device statistics.
func (p *Placement) Shard(batch data.Batch) ([]Shard, error) {
	n := p.topo.DeviceCount()
	if len(batch)%n != 0 {
		return nil, fmt.Errorf("batch size %d not divisible by device count %d", len(batch), n)
	}
	per := len(batch) / n
	shards := make([]Shard, n)
	for i, dev := range p.topo.Devices {
		shards[i] = Shard{
			Device: dev,
			Batch:  batch[i*per : (i+1)*per],
		}
	}
	return shards, nil
}
