package main

import (
	"fmt"
	"sort"
	"time"

	"github.com/colorfulnotion/tiervm/aot"
	"github.com/colorfulnotion/tiervm/engine"
	"github.com/colorfulnotion/tiervm/hotspot"
	"github.com/colorfulnotion/tiervm/ir"
	"github.com/colorfulnotion/tiervm/program"
	"github.com/xlab/treeprint"
)

// programTree lists every block reachable by straight-line decoding of each
// segment, with its ops.
func programTree(name string, p *program.Program) (treeprint.Tree, error) {
	tree := treeprint.New()
	tree.SetValue(fmt.Sprintf("%s entry=%s", name, p.Entry))

	labels := make(map[ir.GuestAddress][]string)
	for l, a := range p.Labels {
		labels[a] = append(labels[a], l)
	}
	for _, ls := range labels {
		sort.Strings(ls)
	}

	d := program.NewDecoder(0)
	for _, s := range p.Segments {
		seg := tree.AddMetaBranch(s.Addr.String(), fmt.Sprintf("segment, %d bytes", len(s.Code)))
		for off := 0; off < len(s.Code); {
			addr := s.Addr + ir.GuestAddress(off)
			b, err := d.Decode(addr, s.Code[off:])
			if err != nil {
				return nil, err
			}
			title := fmt.Sprintf("block %s", b.Hash())
			if ls := labels[addr]; len(ls) > 0 {
				title += fmt.Sprintf(" %v", ls)
			}
			br := seg.AddMetaBranch(addr.String(), title)
			for _, op := range b.Ops {
				br.AddNode(op.String())
			}
			br.AddNode(b.Term.String())
			off += int(b.GuestSize)
		}
	}
	return tree, nil
}

func hintsTree(path string, entries []aot.Entry) treeprint.Tree {
	tree := treeprint.New()
	if path == "" {
		path = "(in memory)"
	}
	tree.SetValue(fmt.Sprintf("aot hints %s: %d entries", path, len(entries)))
	for _, e := range entries {
		br := tree.AddMetaBranch(e.IRHash.Hex()[:16], e.Tier.String())
		br.AddNode(fmt.Sprintf("compiles: %d", e.CompileCount))
		br.AddNode(fmt.Sprintf("size hint: %d bytes", e.SizeHint))
		br.AddNode(fmt.Sprintf("last compiled: %s", e.LastCompiledAt.Format(time.RFC3339)))
	}
	return tree
}

func runTree(name string, elapsed time.Duration, cpus []*engine.VCPU, st engine.Stats, hot []hotspot.Record) treeprint.Tree {
	tree := treeprint.New()
	tree.SetValue(fmt.Sprintf("%s in %s", name, elapsed.Round(time.Microsecond)))

	vb := tree.AddBranch("vcpus")
	for _, v := range cpus {
		br := vb.AddMetaBranch(fmt.Sprintf("vcpu%d", v.ID), v.Exit.String())
		br.AddNode(fmt.Sprintf("pc: %s", v.Guest.PC))
		br.AddNode(fmt.Sprintf("blocks: %d (compiled %d, interpreted %d)", v.Blocks, v.Compiled, v.Interpreted))
		if v.Traps > 0 {
			br.AddNode(fmt.Sprintf("traps: %d", v.Traps))
		}
		if v.Err != nil {
			br.AddNode(fmt.Sprintf("error: %v", v.Err))
		}
		regs := br.AddBranch("registers")
		for i, x := range v.Guest.X {
			if x != 0 {
				regs.AddNode(fmt.Sprintf("x%d = %#x", i, x))
			}
		}
	}

	cb := tree.AddBranch("compiler")
	for t := ir.TierBaseline; t < ir.NumTiers; t++ {
		cb.AddNode(fmt.Sprintf("%s: %d compiled, %d failed", t, st.Compiler.Compiled[t], st.Compiler.Failed[t]))
	}
	if st.Compiler.Compilations > 0 {
		cb.AddNode(fmt.Sprintf("time: avg %s, max %s", st.Compiler.AverageTime, st.Compiler.MaxTime))
	}
	reasons := make([]string, 0, len(st.Compiler.Failures))
	for r := range st.Compiler.Failures {
		reasons = append(reasons, r)
	}
	sort.Strings(reasons)
	for _, r := range reasons {
		cb.AddNode(fmt.Sprintf("failure %s: %d", r, st.Compiler.Failures[r]))
	}

	kb := tree.AddBranch("code cache")
	kb.AddNode(fmt.Sprintf("blocks: %d, bytes: %d", st.Cache.Blocks, st.Cache.Bytes))
	kb.AddNode(fmt.Sprintf("hits: %d, misses: %d", st.Cache.Hits, st.Cache.Misses))
	kb.AddNode(fmt.Sprintf("evictions: %d, invalidations: %d, stale: %d", st.Cache.Evictions, st.Cache.Invalidations, st.Cache.Stale))

	hb := tree.AddMetaBranch("hotspots", fmt.Sprintf("%d tracked, %d promotions, %d demotions", st.Hotspot.Tracked, st.Hotspot.Promotions, st.Hotspot.Demotions))
	for _, r := range hot {
		hb.AddNode(fmt.Sprintf("%s %s ewma=%.1f raw=%d %s", r.Address, r.Tier, r.EWMA, r.RawCount, r.Temperature))
	}
	return tree
}
