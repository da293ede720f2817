package port

import (
	"fmt"
	"sort"

	"github.com/shinji-kodama/treeserve/internal/model"
)

const (
	// Stride is the host port offset between consecutive deployments.
	Stride = 100

	// MaxIndex is the highest deployment index.
	MaxIndex = 99

	maxPort           = 65535
	dynamicRangeStart = 49152
	dynamicRangeEnd   = 65535
)

// Allocator assigns host ports for one deployment, avoiding ports that are
// bound on the host and ports recorded on other deployments, which may be
// stopped and so invisible to the prober.
type Allocator struct {
	prober   Prober
	existing []model.PortAllocation
}

// NewAllocator returns an allocator probing with p.
func NewAllocator(p Prober) *Allocator {
	return &Allocator{prober: p}
}

// SetExistingAllocations registers the ports of other deployments.
func (a *Allocator) SetExistingAllocations(allocs []model.PortAllocation) {
	a.existing = append([]model.PortAllocation(nil), allocs...)
}

// AllocatePort returns the host port for containerPort at index: the
// shifted port if free, else the next free port in the index's block, else
// a free port in the dynamic range. The block runs from the shifted port
// up to, but not including, containerPort + (index+1)*Stride.
func (a *Allocator) AllocatePort(containerPort, index int, serviceName, protocol string) (*model.PortAllocation, error) {
	return a.allocate(containerPort, containerPort, index, serviceName, protocol)
}

// allocate is AllocatePort with the block anchored at base, the lowest
// container port of the set being allocated. Anchoring every port of a set
// to the same base keeps the in-block search of 8001 and 8002 at index 0
// below 8100, which is the first port of index 1.
func (a *Allocator) allocate(containerPort, base, index int, serviceName, protocol string) (*model.PortAllocation, error) {
	if index < 0 || index > MaxIndex {
		return nil, fmt.Errorf("deployment index %d out of range (0-%d)", index, MaxIndex)
	}
	if protocol == "" {
		protocol = "tcp"
	}

	shifted := containerPort + index*Stride
	hostPort := 0
	if shifted <= maxPort {
		blockEnd := min(max(base+(index+1)*Stride-1, shifted), maxPort)
		if p, err := findAvailable(a.prober, shifted, blockEnd, protocol, a.taken(protocol)); err == nil {
			hostPort = p
		}
	}
	if hostPort == 0 {
		p, err := findAvailable(a.prober, dynamicRangeStart, dynamicRangeEnd, protocol, a.taken(protocol))
		if err != nil {
			return nil, model.WrapCLIError(model.ExitPortAllocationFailed,
				fmt.Sprintf("no host port for %s container port %d at index %d", serviceName, containerPort, index), err)
		}
		hostPort = p
	}

	return &model.PortAllocation{
		ServiceName:   serviceName,
		ContainerPort: containerPort,
		HostPort:      hostPort,
		Protocol:      protocol,
	}, nil
}

// AllocatePorts allocates every spec at index. Each allocation is recorded
// before the next, so two specs never receive the same host port, and all
// of them stay inside the index's block of Stride ports.
func (a *Allocator) AllocatePorts(specs []model.PortSpec, index int) ([]model.PortAllocation, error) {
	base := 0
	for i, ps := range specs {
		if i == 0 || ps.ContainerPort < base {
			base = ps.ContainerPort
		}
	}

	allocations := make([]model.PortAllocation, 0, len(specs))
	for _, ps := range specs {
		alloc, err := a.allocate(ps.ContainerPort, base, index, ps.ServiceName, ps.Protocol)
		if err != nil {
			return nil, err
		}
		a.existing = append(a.existing, *alloc)
		allocations = append(allocations, *alloc)
	}
	return allocations, nil
}

func (a *Allocator) taken(protocol string) func(int) bool {
	return func(port int) bool {
		for _, e := range a.existing {
			if e.HostPort == port && e.Protocol == protocol {
				return true
			}
		}
		return false
	}
}

// IndexOf recovers the index a deployment's ports were allocated at, from
// the first allocation that sits on its shifted port. It returns -1 when
// every port fell back.
func IndexOf(allocs []model.PortAllocation) int {
	for _, pa := range allocs {
		diff := pa.HostPort - pa.ContainerPort
		if diff >= 0 && diff%Stride == 0 && diff/Stride <= MaxIndex {
			return diff / Stride
		}
	}
	return -1
}

// NextIndex returns the lowest index not used by any of the deployments.
func NextIndex(deployments []*model.Deployment) (int, error) {
	used := map[int]bool{}
	for _, d := range deployments {
		if i := IndexOf(d.PortAllocations); i >= 0 {
			used[i] = true
		}
	}
	for i := 0; i <= MaxIndex; i++ {
		if !used[i] {
			return i, nil
		}
	}
	return 0, model.NewCLIError(model.ExitPortAllocationFailed,
		fmt.Sprintf("all %d deployment indexes are in use", MaxIndex+1))
}

// ExistingAllocations flattens the port allocations of deployments,
// sorted by host port.
func ExistingAllocations(deployments []*model.Deployment) []model.PortAllocation {
	var out []model.PortAllocation
	for _, d := range deployments {
		out = append(out, d.PortAllocations...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].HostPort < out[j].HostPort })
	return out
}
