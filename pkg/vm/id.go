package vm

import "github.com/dylandreimerink/bpfverify/pkg/region"

// IdGen hands out ever-increasing region/resource Ids starting at 1;
// Id 0 is reserved for the shared invalid/empty placeholder region,
// matching branch/id.rs's IdGen.
type IdGen struct {
	next region.Id
}

func (g *IdGen) Next() region.Id {
	g.next++
	return g.next
}
