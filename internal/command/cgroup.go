package command

import (
	"crypto/sha1"

	"github.com/containerd/cgroups"
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// CgroupPlacer bounds a spawned process's resource usage. Only commands
// whose Config sets a CgroupClass are placed in a cgroup; everything else
// runs unconstrained. The compactor's repack and gc calls set no class, so
// they run unconstrained too. This mirrors internal/git/command.go's
// per-repo cgroup wiring, adapted here to a per-class cgroup keyed by
// CgroupClass.
type CgroupPlacer interface {
	// Place adds pid to a cgroup bounding it to memoryLimitBytes of memory.
	// A memoryLimitBytes of 0 disables the memory limit.
	Place(class string, pid int, memoryLimitBytes int64) error
}

// NoopCgroupPlacer performs no cgroup placement; it is the default when
// cgroup support is unavailable (e.g. non-Linux, or no permission to create
// cgroups), so the Process Runner degrades to relying on timeouts alone.
type NoopCgroupPlacer struct{}

// Place implements CgroupPlacer.
func (NoopCgroupPlacer) Place(string, int, int64) error { return nil }

// CgroupsV1Placer places processes into cgroups v1 hierarchies, one
// sub-cgroup per command class, grounded on internal/git/command.go's
// cgroups.Load/control.New idiom.
type CgroupsV1Placer struct{}

// Place implements CgroupPlacer.
func (CgroupsV1Placer) Place(class string, pid int, memoryLimitBytes int64) error {
	hash := sha1.Sum([]byte(class))
	groupName := string(hash[0:3])

	subCgroup, err := cgroups.Load(cgroups.V1, cgroups.NestedPath(groupName))
	if err == cgroups.ErrCgroupDeleted || err != nil {
		control, loadErr := cgroups.Load(cgroups.V1, cgroups.NestedPath(""))
		if loadErr != nil {
			return loadErr
		}

		resources := &specs.LinuxResources{}
		if memoryLimitBytes > 0 {
			resources.Memory = &specs.LinuxMemory{Limit: &memoryLimitBytes}
		}

		subCgroup, err = control.New(groupName, resources)
		if err != nil {
			return err
		}
	}

	return subCgroup.Add(cgroups.Process{Pid: pid})
}
