// Package sharding places training batches onto accelerator devices.
//
// Placement is a boundary responsibility of the loop driver: batches
// are sharded across the device topology before being handed to step
// execution, never inside it.
package sharding

import (
	"fmt"

	"github.com/klauspost/cpuid/v2"
)

// Device identifies one compute device in the local topology.
type Device struct {
	ID      int
	Kind    string
	Threads int
}

// Topology is the set of local devices plus host hardware metadata.
type Topology struct {
	Devices []Device
	Brand   string
}

// DeviceCount returns the number of local devices.
func (t Topology) DeviceCount() int {
	return len(t.Devices)
}

// Detect inspects the local host and builds a CPU-backed device
// topology: one logical device per physical core group, threads split
// evenly. Accelerator-backed runtimes substitute their own topology.
func Detect(numDevices int) (Topology, error) {
	if numDevices <= 0 {
		return Topology{}, fmt.Errorf("device count must be positive, got %d", numDevices)
	}
	threads := cpuid.CPU.LogicalCores
	if threads <= 0 {
		threads = 1
	}
	perDevice := threads / numDevices
	if perDevice < 1 {
		perDevice = 1
	}
	topo := Topology{Brand: cpuid.CPU.BrandName}
	for i := 0; i < numDevices; i++ {
		topo.Devices = append(topo.Devices, Device{
			ID:      i,
			Kind:    "cpu",
			Threads: perDevice,
		})
	}
	return topo, nil
}

// FixedTopology builds a synthetic topology with n single-thread
// devices. Used by tests and single-host smoke runs.
func FixedTopology(n int) Topology {
	topo := Topology{Brand: "fixed"}
	for i := 0; i < n; i++ {
		topo.Devices = append(topo.Devices, Device{ID: i, Kind: "cpu", Threads: 1})
	}
	return topo
}
