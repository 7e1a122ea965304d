package vm

import "testing"

// TestCloneMapsDoNotAliasParentRegions guards against Clone() handing
// the new branch a map fd that still resolves to the parent's Map
// region: New appends each Map both to s.regions (which Clone
// safe-clones and redirects) and to s.maps (a separate flat index),
// so LoadMapFD must be re-pointed at the clone's copy too.
func TestCloneMapsDoNotAliasParentRegions(t *testing.T) {
	s := New(nil, []MapInfo{{FD: 1, KeySize: 4, ValueSize: 4}})
	clone := s.Clone()

	orig, ok := s.LoadMapFD(1)
	if !ok {
		t.Fatal("LoadMapFD(1) failed on the parent branch")
	}
	cloned, ok := clone.LoadMapFD(1)
	if !ok {
		t.Fatal("LoadMapFD(1) failed on the cloned branch")
	}
	if orig.Pointer.Region == cloned.Pointer.Region {
		t.Fatal("clone's map fd still resolves to the parent's Map region")
	}
}
