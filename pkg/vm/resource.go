package vm

import "github.com/dylandreimerink/bpfverify/pkg/region"

// ResourceTracker tracks which region Ids represent resources that
// must be explicitly released before a branch can return (allocated)
// versus ones supplied by the caller that need no cleanup (external),
// mirroring branch/resource.rs.
type ResourceTracker struct {
	allocated []region.Id
	external  []region.Id
	// locked is a "this VM is mid critical section" flag, set and
	// cleared only through Lock/Unlock; no helper or dispatch path
	// calls Lock. While it is set, IsEmpty reports false.
	locked bool
}

func (t *ResourceTracker) AddExternal(ids *IdGen) region.Id {
	id := ids.Next()
	t.external = append(t.external, id)
	return id
}

func (t *ResourceTracker) RemoveExternal(id region.Id) bool {
	for i, v := range t.external {
		if v == id {
			t.external = append(t.external[:i], t.external[i+1:]...)
			return true
		}
	}
	return false
}

func (t *ResourceTracker) Allocate(ids *IdGen) region.Id {
	id := ids.Next()
	t.allocated = append(t.allocated, id)
	return id
}

func (t *ResourceTracker) Deallocate(id region.Id) bool {
	for i, v := range t.allocated {
		if v == id {
			t.allocated = append(t.allocated[:i], t.allocated[i+1:]...)
			return true
		}
	}
	return false
}

func (t *ResourceTracker) Contains(id region.Id) bool {
	for _, v := range t.allocated {
		if v == id {
			return true
		}
	}
	for _, v := range t.external {
		if v == id {
			return true
		}
	}
	return false
}

func (t *ResourceTracker) Lock() bool {
	if t.locked {
		return false
	}
	t.locked = true
	return true
}

func (t *ResourceTracker) Unlock() bool {
	if !t.locked {
		return false
	}
	t.locked = false
	return true
}

func (t *ResourceTracker) IsLocked() bool { return t.locked }

// IsEmpty reports whether every allocated resource has been released
// and the tracker is not locked; it does not consider external
// resources, which need no cleanup.
func (t *ResourceTracker) IsEmpty() bool {
	return !t.locked && len(t.allocated) == 0
}

func (t ResourceTracker) clone() ResourceTracker {
	out := ResourceTracker{locked: t.locked}
	out.allocated = append([]region.Id(nil), t.allocated...)
	out.external = append([]region.Id(nil), t.external...)
	return out
}
