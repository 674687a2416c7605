package jit

import (
	"fmt"
	"sort"

	"github.com/colorfulnotion/tiervm/ir"
)

// Interval is the span of positions over which a guest register is
// referenced in a unit. Position len(ops) is the terminator.
type Interval struct {
	Loc   ir.Loc
	Start int
	End   int
}

// RegPlan is the linear-scan allocation handed to the backend: which guest
// register locations live in which host register for the whole block, and
// which stay in the guest state as memory operands. Written locations are
// stored back at block exit.
type RegPlan struct {
	Intervals []Interval
	Host      map[ir.Loc]int
	Spilled   []ir.Loc
	Writeback []ir.Loc
	// MaxPressure is the largest number of simultaneously live intervals.
	MaxPressure int
}

func termUses(t *ir.Terminator) (locs [2]ir.Loc, n int) {
	regs, n := t.Uses()
	for i := 0; i < n; i++ {
		locs[i] = ir.LocOf(ir.FileX, regs[i])
	}
	return locs, n
}

// AllocateRegisters runs linear scan over the unit with gprs host registers
// for the integer file and fprs for the float and vector files together.
func AllocateRegisters(u *Unit, gprs, fprs int) *RegPlan {
	first := make(map[ir.Loc]int)
	last := make(map[ir.Loc]int)
	written := make(map[ir.Loc]bool)
	touch := func(l ir.Loc, pos int) {
		if _, ok := first[l]; !ok {
			first[l] = pos
		}
		last[l] = pos
	}
	for i := range u.Ops {
		uses, nu := u.Ops[i].Uses()
		for j := 0; j < nu; j++ {
			touch(uses[j], i)
		}
		defs, nd := u.Ops[i].Defs()
		for j := 0; j < nd; j++ {
			touch(defs[j], i)
			written[defs[j]] = true
		}
	}
	n := len(u.Ops)
	tu, ntu := termUses(&u.Block.Term)
	for j := 0; j < ntu; j++ {
		touch(tu[j], n)
	}
	if u.Block.Term.Kind == ir.TermCall {
		l := ir.LocOf(ir.FileX, u.Block.Term.Reg)
		touch(l, n)
		written[l] = true
	}

	plan := &RegPlan{Host: make(map[ir.Loc]int)}
	for l, s := range first {
		plan.Intervals = append(plan.Intervals, Interval{Loc: l, Start: s, End: last[l]})
	}
	sort.Slice(plan.Intervals, func(i, j int) bool {
		a, b := plan.Intervals[i], plan.Intervals[j]
		if a.Start != b.Start {
			return a.Start < b.Start
		}
		return a.Loc < b.Loc
	})
	for l := range written {
		plan.Writeback = append(plan.Writeback, l)
	}
	sort.Slice(plan.Writeback, func(i, j int) bool { return plan.Writeback[i] < plan.Writeback[j] })

	gp := newPool(gprs)
	fp := newPool(fprs)
	var active []Interval
	for _, iv := range plan.Intervals {
		// expire intervals that ended before this one starts
		kept := active[:0]
		for _, a := range active {
			if a.End < iv.Start {
				poolFor(a.Loc, gp, fp).put(plan.Host[a.Loc])
				continue
			}
			kept = append(kept, a)
		}
		active = kept

		pool := poolFor(iv.Loc, gp, fp)
		if r, ok := pool.get(); ok {
			plan.Host[iv.Loc] = r
			active = append(active, iv)
		} else {
			// spill whichever same-class interval ends last
			victim := -1
			for k, a := range active {
				if poolFor(a.Loc, gp, fp) != pool {
					continue
				}
				if victim < 0 || a.End > active[victim].End {
					victim = k
				}
			}
			if victim >= 0 && active[victim].End > iv.End {
				v := active[victim]
				plan.Host[iv.Loc] = plan.Host[v.Loc]
				delete(plan.Host, v.Loc)
				plan.Spilled = append(plan.Spilled, v.Loc)
				active[victim] = iv
			} else {
				plan.Spilled = append(plan.Spilled, iv.Loc)
			}
		}
		if len(active) > plan.MaxPressure {
			plan.MaxPressure = len(active)
		}
	}
	sort.Slice(plan.Spilled, func(i, j int) bool { return plan.Spilled[i] < plan.Spilled[j] })
	return plan
}

// Check reports the first location referenced by ops or term that the plan
// neither keeps in a host register nor spills.
func (p *RegPlan) Check(ops []ir.Op, term *ir.Terminator) error {
	spilled := make(map[ir.Loc]bool, len(p.Spilled))
	for _, l := range p.Spilled {
		spilled[l] = true
	}
	covered := func(l ir.Loc) bool {
		if spilled[l] {
			return true
		}
		_, ok := p.Host[l]
		return ok
	}
	for i := range ops {
		uses, nu := ops[i].Uses()
		defs, nd := ops[i].Defs()
		for _, l := range append(uses[:nu], defs[:nd]...) {
			if !covered(l) {
				return fmt.Errorf("register plan misses location %d at op %d", l, i)
			}
		}
	}
	tu, n := termUses(term)
	for _, l := range tu[:n] {
		if !covered(l) {
			return fmt.Errorf("register plan misses location %d at terminator", l)
		}
	}
	return nil
}

type regPool struct {
	free []int
}

func newPool(n int) *regPool {
	p := &regPool{}
	for r := n - 1; r >= 0; r-- {
		p.free = append(p.free, r)
	}
	return p
}

func (p *regPool) get() (int, bool) {
	if len(p.free) == 0 {
		return 0, false
	}
	r := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	return r, true
}

func (p *regPool) put(r int) { p.free = append(p.free, r) }

func poolFor(l ir.Loc, gp, fp *regPool) *regPool {
	if l < ir.NumRegs {
		return gp
	}
	return fp
}
