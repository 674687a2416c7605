package program

import (
	"bufio"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/colorfulnotion/tiervm/guestmem"
	"github.com/colorfulnotion/tiervm/ir"
	"github.com/colorfulnotion/tiervm/log"
)

// Segment is a run of contiguous records at a guest address.
type Segment struct {
	Addr ir.GuestAddress
	Code []byte
}

func (s Segment) End() ir.GuestAddress { return s.Addr + ir.GuestAddress(len(s.Code)) }

// Program is assembled guest code.
type Program struct {
	Entry    ir.GuestAddress
	Segments []Segment
	Labels   map[string]ir.GuestAddress
}

// Load maps the pages under every segment with perm and copies the code in.
// Segments may share pages.
func (p *Program) Load(mem *guestmem.Memory, perm guestmem.Perm) error {
	mapped := make(map[uint64]bool)
	for _, s := range p.Segments {
		if len(s.Code) == 0 {
			continue
		}
		first := uint64(s.Addr) &^ (guestmem.PageSize - 1)
		for pg := first; pg < uint64(s.End()); pg += guestmem.PageSize {
			if mapped[pg] {
				continue
			}
			if err := mem.Map(pg, guestmem.PageSize, perm); err != nil {
				return err
			}
			mapped[pg] = true
		}
		if err := mem.WriteBytes(uint64(s.Addr), s.Code); err != nil {
			return err
		}
		log.Debug(log.GuestMonitoring, "program: loaded segment", "addr", s.Addr, "bytes", len(s.Code), "perm", perm)
	}
	return nil
}

// SyntaxError reports an assembler error at a source line.
type SyntaxError struct {
	Line int
	Msg  string
}

func (e *SyntaxError) Error() string { return fmt.Sprintf("line %d: %s", e.Line, e.Msg) }

type stmt struct {
	line  int
	addr  ir.GuestAddress
	mnem  string
	args  []string
	label string
}

type assembler struct {
	labels map[string]ir.GuestAddress
	stmts  []stmt
	segs   []Segment
	entry  string
}

// Assemble translates source text into a program. The syntax is the one
// Block.String prints: one op or terminator per line, "label:" definitions,
// ";" or "#" comments, ".org ADDR" to start a segment and ".entry LABEL".
// Branch targets are labels or numbers; a branch's fallthrough is the next
// record. Without .org code starts at 0x1000; without .entry execution
// starts at the first record.
func Assemble(src string) (*Program, error) {
	a := &assembler{labels: make(map[string]ir.GuestAddress)}
	if err := a.scan(src); err != nil {
		return nil, err
	}
	if err := a.emit(); err != nil {
		return nil, err
	}
	p := &Program{Segments: a.segs, Labels: a.labels}
	switch {
	case a.entry != "":
		addr, err := a.target(a.entry, 0)
		if err != nil {
			return nil, err
		}
		p.Entry = addr
	case len(a.stmts) > 0:
		p.Entry = a.stmts[0].addr
	}
	return p, nil
}

func stripComment(s string) string {
	if i := strings.IndexAny(s, ";#"); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

// scan assigns addresses and collects labels.
func (a *assembler) scan(src string) error {
	pc := ir.GuestAddress(0x1000)
	sc := bufio.NewScanner(strings.NewReader(src))
	for n := 1; sc.Scan(); n++ {
		text := stripComment(sc.Text())
		for {
			i := strings.Index(text, ":")
			if i < 0 || strings.ContainsAny(text[:i], " \t,(") {
				break
			}
			name := text[:i]
			if _, dup := a.labels[name]; dup {
				return &SyntaxError{n, fmt.Sprintf("label %q redefined", name)}
			}
			a.labels[name] = pc
			text = strings.TrimSpace(text[i+1:])
		}
		if text == "" {
			continue
		}
		mnem, rest, _ := strings.Cut(text, " ")
		mnem = strings.ToLower(mnem)
		var args []string
		if rest = strings.TrimSpace(rest); rest != "" {
			for _, f := range strings.Split(rest, ",") {
				args = append(args, strings.TrimSpace(f))
			}
		}
		switch mnem {
		case ".org":
			if len(args) != 1 {
				return &SyntaxError{n, ".org takes one address"}
			}
			v, err := strconv.ParseUint(args[0], 0, 64)
			if err != nil || v%ir.RecordSize != 0 {
				return &SyntaxError{n, fmt.Sprintf(".org %s: want a %d-byte aligned address", args[0], ir.RecordSize)}
			}
			pc = ir.GuestAddress(v)
			continue
		case ".entry":
			if len(args) != 1 {
				return &SyntaxError{n, ".entry takes one label"}
			}
			a.entry = args[0]
			continue
		}
		a.stmts = append(a.stmts, stmt{line: n, addr: pc, mnem: mnem, args: args})
		pc += ir.RecordSize
	}
	return sc.Err()
}

// emit encodes statements and groups them into contiguous segments.
func (a *assembler) emit() error {
	sort.SliceStable(a.stmts, func(i, j int) bool { return a.stmts[i].addr < a.stmts[j].addr })
	for i, s := range a.stmts {
		if i > 0 && a.stmts[i-1].addr == s.addr {
			return &SyntaxError{s.line, fmt.Sprintf("address %s already holds code", s.addr)}
		}
		var rec []byte
		if term, ok, err := a.terminator(s); err != nil {
			return err
		} else if ok {
			rec = ir.AppendTerm(nil, &term)
		} else {
			op, err := parseOp(s)
			if err != nil {
				return err
			}
			rec = ir.AppendOp(nil, &op)
		}
		if n := len(a.segs); n > 0 && a.segs[n-1].End() == s.addr {
			a.segs[n-1].Code = append(a.segs[n-1].Code, rec...)
		} else {
			a.segs = append(a.segs, Segment{Addr: s.addr, Code: rec})
		}
	}
	return nil
}

func (a *assembler) target(s string, line int) (ir.GuestAddress, error) {
	if addr, ok := a.labels[s]; ok {
		return addr, nil
	}
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, &SyntaxError{line, fmt.Sprintf("unknown label %q", s)}
	}
	return ir.GuestAddress(v), nil
}

func (a *assembler) terminator(s stmt) (ir.Terminator, bool, error) {
	want := func(n int) error {
		if len(s.args) != n {
			return &SyntaxError{s.line, fmt.Sprintf("%s takes %d operands", s.mnem, n)}
		}
		return nil
	}
	var t ir.Terminator
	var err error
	switch s.mnem {
	case "halt":
		t.Kind = ir.TermHalt
		err = want(0)
	case "jmp":
		t.Kind = ir.TermJump
		if err = want(1); err == nil {
			t.Target, err = a.target(s.args[0], s.line)
		}
	case "ret":
		t.Kind = ir.TermReturn
		if err = want(1); err == nil {
			t.Reg, err = reg(s.args[0], ir.FileX, s.line)
		}
	case "call":
		t.Kind = ir.TermCall
		if err = want(2); err == nil {
			if t.Target, err = a.target(s.args[0], s.line); err == nil {
				t.Reg, err = reg(s.args[1], ir.FileX, s.line)
			}
		}
	default:
		if !strings.HasPrefix(s.mnem, "b") {
			return t, false, nil
		}
		cond, ok := ir.ParseCond(s.mnem[1:])
		if !ok {
			return t, false, nil
		}
		t.Kind, t.Cond = ir.TermBranch, cond
		// the listing form also prints the fallthrough, which must be the
		// next record
		if len(s.args) == 4 {
			ft, ferr := a.target(s.args[3], s.line)
			if ferr != nil {
				return t, true, ferr
			}
			if ft != s.addr+ir.RecordSize {
				return t, true, &SyntaxError{s.line, fmt.Sprintf("fallthrough %s is not the next record", ft)}
			}
			s.args = s.args[:3]
		}
		if err = want(3); err == nil {
			if t.Src1, err = reg(s.args[0], ir.FileX, s.line); err == nil {
				if t.Src2, err = reg(s.args[1], ir.FileX, s.line); err == nil {
					t.Target, err = a.target(s.args[2], s.line)
				}
			}
		}
	}
	return t, true, err
}

var filePrefix = map[ir.File]byte{ir.FileX: 'x', ir.FileF: 'f', ir.FileV: 'v'}

func reg(s string, f ir.File, line int) (ir.Reg, error) {
	if len(s) < 2 || s[0] != filePrefix[f] {
		return 0, &SyntaxError{line, fmt.Sprintf("want a %c register, got %q", filePrefix[f], s)}
	}
	n, err := strconv.Atoi(s[1:])
	if err != nil || n < 0 || n >= ir.NumRegs {
		return 0, &SyntaxError{line, fmt.Sprintf("bad register %q", s)}
	}
	return ir.Reg(n), nil
}

// splitMnemonic finds the opcode and its suffix, e.g. "fcvt.x.d" is fcvt.x
// with suffix "d" and "amoadd.64" is amo with suffix "add.64".
func splitMnemonic(m string) (ir.Opcode, string, bool) {
	if c, ok := ir.LookupOpcode(m); ok {
		return c, "", true
	}
	if strings.HasPrefix(m, "amo") {
		return ir.OpAtomicRMW, m[3:], true
	}
	for i := strings.LastIndex(m, "."); i > 0; i = strings.LastIndex(m[:i], ".") {
		if c, ok := ir.LookupOpcode(m[:i]); ok {
			return c, m[i+1:], true
		}
	}
	return ir.OpInvalid, "", false
}

func parseBits(s string, line int) (uint8, error) {
	switch s {
	case "8", "16", "32", "64":
		n, _ := strconv.Atoi(s)
		return uint8(n / 8), nil
	}
	return 0, &SyntaxError{line, fmt.Sprintf("bad access width %q", s)}
}

func parseOp(s stmt) (ir.Op, error) {
	code, suffix, ok := splitMnemonic(s.mnem)
	if !ok {
		return ir.Op{}, &SyntaxError{s.line, fmt.Sprintf("unknown mnemonic %q", s.mnem)}
	}
	op := ir.Op{Code: code}
	var err error
	switch code {
	case ir.OpLoad:
		if len(suffix) < 2 || (suffix[0] != 'u' && suffix[0] != 's') {
			return op, &SyntaxError{s.line, "load needs .u<bits> or .s<bits>"}
		}
		op.Signed = suffix[0] == 's'
		if op.Size, err = parseBits(suffix[1:], s.line); err != nil {
			return op, err
		}
		if len(s.args) != 2 {
			return op, &SyntaxError{s.line, "load takes dst, off(base)"}
		}
		if op.Dst, err = reg(s.args[0], ir.FileX, s.line); err != nil {
			return op, err
		}
		op.Imm, op.Src1, err = memOperand(s.args[1], s.line)
		return op, err
	case ir.OpStore:
		if op.Size, err = parseBits(suffix, s.line); err != nil {
			return op, err
		}
		if len(s.args) != 2 {
			return op, &SyntaxError{s.line, "store takes src, off(base)"}
		}
		if op.Src2, err = reg(s.args[0], ir.FileX, s.line); err != nil {
			return op, err
		}
		op.Imm, op.Src1, err = memOperand(s.args[1], s.line)
		return op, err
	case ir.OpVAdd, ir.OpVSub, ir.OpVMul:
		w, err := strconv.Atoi(suffix)
		if err != nil {
			return op, &SyntaxError{s.line, fmt.Sprintf("bad element width %q", suffix)}
		}
		op.Size = uint8(w)
	case ir.OpFAdd, ir.OpFSub, ir.OpFMul, ir.OpFDiv, ir.OpFMin, ir.OpFMax, ir.OpFMAdd, ir.OpFEq, ir.OpFLt, ir.OpFLe,
		ir.OpFCvtToInt, ir.OpFCvtFromInt, ir.OpFCvtPrec:
		switch suffix {
		case "d":
			op.Prec = ir.PrecDouble
		case "s":
			op.Prec = ir.PrecSingle
		default:
			return op, &SyntaxError{s.line, fmt.Sprintf("%s needs .s or .d", code)}
		}
	case ir.OpAtomicRMW:
		name, bits, _ := strings.Cut(suffix, ".")
		aop, ok := ir.ParseAtomicOp(name)
		if !ok {
			return op, &SyntaxError{s.line, fmt.Sprintf("unknown atomic op %q", name)}
		}
		op.AOp = aop
		if op.Size, err = parseBits(bits, s.line); err != nil {
			return op, err
		}
	case ir.OpAtomicCAS, ir.OpLoadReserved, ir.OpStoreCond:
		if op.Size, err = parseBits(suffix, s.line); err != nil {
			return op, err
		}
	default:
		if suffix != "" {
			return op, &SyntaxError{s.line, fmt.Sprintf("unexpected suffix on %s", code)}
		}
	}

	args := s.args
	next := func() (string, bool) {
		if len(args) == 0 {
			return "", false
		}
		a := args[0]
		args = args[1:]
		return a, true
	}
	if f := op.DstFile(); f != ir.FileNone {
		a, ok := next()
		if !ok {
			return op, &SyntaxError{s.line, fmt.Sprintf("%s: missing destination", code)}
		}
		if op.Dst, err = reg(a, f, s.line); err != nil {
			return op, err
		}
	}
	srcs := [3]*ir.Reg{&op.Src1, &op.Src2, &op.Src3}
	for i, f := range op.SrcFiles() {
		if f == ir.FileNone {
			continue
		}
		a, ok := next()
		if !ok {
			return op, &SyntaxError{s.line, fmt.Sprintf("%s: missing source %d", code, i+1)}
		}
		if *srcs[i], err = reg(a, f, s.line); err != nil {
			return op, err
		}
	}
	if op.HasImm() {
		a, ok := next()
		if !ok {
			return op, &SyntaxError{s.line, fmt.Sprintf("%s: missing immediate", code)}
		}
		if op.Imm, err = strconv.ParseInt(a, 0, 64); err != nil {
			u, uerr := strconv.ParseUint(a, 0, 64)
			if uerr != nil {
				return op, &SyntaxError{s.line, fmt.Sprintf("bad immediate %q", a)}
			}
			op.Imm = int64(u)
		}
	}
	if len(args) != 0 {
		return op, &SyntaxError{s.line, fmt.Sprintf("%s: too many operands", code)}
	}
	return op, nil
}

// memOperand parses "off(xN)".
func memOperand(s string, line int) (int64, ir.Reg, error) {
	open := strings.IndexByte(s, '(')
	if open < 0 || !strings.HasSuffix(s, ")") {
		return 0, 0, &SyntaxError{line, fmt.Sprintf("want off(base), got %q", s)}
	}
	var off int64
	if o := strings.TrimSpace(s[:open]); o != "" {
		v, err := strconv.ParseInt(o, 0, 64)
		if err != nil {
			return 0, 0, &SyntaxError{line, fmt.Sprintf("bad offset %q", o)}
		}
		off = v
	}
	base, err := reg(strings.TrimSpace(s[open+1:len(s)-1]), ir.FileX, line)
	return off, base, err
}
