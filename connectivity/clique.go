package connectivity

import "mtmcore/mtm"

// Clique symmetrizes the matrix (drops any edge not reported by both
// endpoints), sets self-loops, and runs Bron-Kerbosch to find a maximum
// clique. If the result has size 1, it is rewritten to {me}, covering the
// single-configured-node case where Bron-Kerbosch always returns a
// singleton regardless of which node it picks.
func (t *Tracker) Clique() mtm.NodeMask {
	matrix := t.snapshotMatrix()
	sym := symmetrize(matrix)

	var nodes mtm.NodeMask
	for id := range matrix {
		nodes = nodes.With(id)
	}

	best := bronKerbosch(sym, nodes)
	if best.Count() <= 1 {
		return mtm.Mask(t.me)
	}
	return best
}

// symmetrize drops i-j unless both matrix[i] reports j and matrix[j]
// reports i.
func symmetrize(matrix map[mtm.NodeID]mtm.NodeMask) map[mtm.NodeID]mtm.NodeMask {
	out := make(map[mtm.NodeID]mtm.NodeMask, len(matrix))
	for i, row := range matrix {
		var sym mtm.NodeMask
		for _, j := range row.Nodes() {
			if j == i {
				continue
			}
			if other, ok := matrix[j]; ok && other.Has(i) {
				sym = sym.With(j)
			}
		}
		sym = sym.With(i) // self-loop
		out[i] = sym
	}
	return out
}

// bronKerbosch finds a maximum clique among nodes under the symmetrized
// adjacency sym (sym[i] includes i itself). N is small (<=64) so the
// worst-case exponential blowup is acceptable at that scale.
func bronKerbosch(sym map[mtm.NodeID]mtm.NodeMask, nodes mtm.NodeMask) mtm.NodeMask {
	var best mtm.NodeMask
	var recurse func(r, p, x mtm.NodeMask)
	recurse = func(r, p, x mtm.NodeMask) {
		if p == 0 && x == 0 {
			if r.Count() > best.Count() {
				best = r
			}
			return
		}
		candidates := p
		for _, v := range candidates.Nodes() {
			neighbors := sym[v].Without(v)
			recurse(r.With(v), p.Intersect(neighbors), x.Intersect(neighbors))
			p = p.Without(v)
			x = x.With(v)
		}
	}
	recurse(0, nodes, 0)
	return best
}
