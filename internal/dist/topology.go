// Package dist models the multi-host SPMD topology: every host runs
// the identical step sequence, and coordination happens through the
// lead-host policy for I/O side effects plus an explicit barrier at
// loop completion.
package dist

import "fmt"

// Topology identifies this process within a multi-host run.
type Topology struct {
	HostID   int
	NumHosts int
}

// SingleHost is the topology of a standalone process.
func SingleHost() Topology {
	return Topology{HostID: 0, NumHosts: 1}
}

// Validate checks the topology is internally consistent.
func (t Topology) Validate() error {
	if t.NumHosts <= 0 {
		return fmt.Errorf("num hosts must be positive, got %d", t.NumHosts)
	}
	if t.HostID < 0 || t.HostID >= t.NumHosts {
		return fmt.Errorf("host id %d out of range [0, %d)", t.HostID, t.NumHosts)
	}
	return nil
}

// IsLeadHost reports whether this process is the designated
// coordination host. Only the lead host writes metrics/summaries and
// registers profiling hooks; other hosts skip those side effects to
// avoid duplicate I/O.
func (t Topology) IsLeadHost() bool {
	return t.HostID == 0
}
