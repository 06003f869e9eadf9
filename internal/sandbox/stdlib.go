package sandbox

import (
	"context"
	"math"
	"strings"

	lua "github.com/yuin/gopher-lua"
)

// baseFunctions are the globals a script may see. Everything else opened by
// the base library (load, dofile, getfenv, collectgarbage, module, ...) stays
// out of the per-invocation environment.
var baseFunctions = []string{
	"assert", "error", "ipairs", "next", "pairs", "pcall", "select",
	"tonumber", "tostring", "type", "unpack", "rawequal", "rawget", "rawset",
	"setmetatable", "xpcall", "_VERSION",
}

const (
	// memorySampleInterval is the minimum number of instructions between two
	// walks of the reachable heap.
	memorySampleInterval = 64
	// tableEntrySize is what one table slot is charged.
	tableEntrySize = 16
)

var closed = func() chan struct{} {
	c := make(chan struct{})
	close(c)
	return c
}()

// invocation tracks the budget of a single Run. Memory is accounted per
// invocation: library calls charge what they produce, and the tables and
// strings the script can still reach are measured every few instructions.
type invocation struct {
	s          *Sandbox
	L          *lua.LState
	steps      int64
	allocated  int64
	nextSample int64
	env        *lua.LTable
	libs       []*lua.LTable
	loaded     map[string]lua.LValue
	err        error
}

func newInvocation(s *Sandbox, L *lua.LState) *invocation {
	return &invocation{s: s, L: L, nextSample: memorySampleInterval, loaded: make(map[string]lua.LValue)}
}

// step is called once per VM instruction and reports whether execution must
// stop.
func (inv *invocation) step() bool {
	if inv.err != nil {
		return true
	}
	inv.steps++
	lim := inv.s.limits
	if lim.Instructions > 0 && inv.steps > lim.Instructions {
		inv.err = &ResourceExceededError{Resource: ResourceInstructions, Limit: lim.Instructions}
		return true
	}
	if lim.Memory > 0 && inv.env != nil && inv.steps >= inv.nextSample {
		size, walked := inv.reachable()
		if size > lim.Memory {
			inv.err = &ResourceExceededError{Resource: ResourceMemory, Limit: lim.Memory}
			return true
		}
		// Next walk is spaced by the cost of this one.
		inv.nextSample = inv.steps + max(memorySampleInterval, walked)
	}
	return false
}

// charge accounts n bytes produced by a library call and raises once the
// memory limit is crossed.
func (inv *invocation) charge(L *lua.LState, n int64) {
	if lim := inv.s.limits.Memory; lim > 0 && n > lim-inv.allocated {
		inv.err = &ResourceExceededError{Resource: ResourceMemory, Limit: lim}
		L.RaiseError("memory limit exceeded")
		return
	}
	if n > math.MaxInt64-inv.allocated {
		inv.allocated = math.MaxInt64
		return
	}
	inv.allocated += n
}

// reachable estimates the bytes held by the strings and tables the script
// can still reach from its globals and from the locals of every active
// frame. The walk stops as soon as the memory limit is crossed. It returns
// the estimate and the number of slots visited.
func (inv *invocation) reachable() (size, walked int64) {
	L := inv.L
	seen := make(map[*lua.LTable]struct{}, len(inv.libs)+1)
	for _, t := range inv.libs {
		seen[t] = struct{}{}
	}
	var pending []*lua.LTable
	add := func(v lua.LValue) {
		switch v := v.(type) {
		case lua.LString:
			size += int64(len(v))
		case *lua.LTable:
			if _, ok := seen[v]; !ok {
				seen[v] = struct{}{}
				pending = append(pending, v)
			}
		}
	}

	add(inv.env)
	for level := 0; level < callStackSize; level++ {
		dbg, ok := L.GetStack(level)
		if !ok {
			break
		}
		for no := 1; ; no++ {
			name, v := L.GetLocal(dbg, no)
			if name == "" {
				break
			}
			walked++
			add(v)
		}
	}

	lim := inv.s.limits.Memory
	for len(pending) > 0 && size <= lim {
		t := pending[len(pending)-1]
		pending = pending[:len(pending)-1]
		t.ForEach(func(k, v lua.LValue) {
			size += tableEntrySize
			walked++
			add(k)
			add(v)
		})
	}
	return size, walked
}

// budget is installed as the state's context. The interpreter loop polls
// Done before every instruction, which is where the instruction and memory
// budgets are enforced.
type budget struct {
	context.Context
	inv *invocation
}

func (b *budget) Done() <-chan struct{} {
	if b.inv.step() {
		return closed
	}
	return b.Context.Done()
}

func (b *budget) Err() error {
	if b.inv.err != nil {
		return b.inv.err
	}
	return b.Context.Err()
}

func invocationOf(L *lua.LState) *invocation {
	if b, ok := L.Context().(*budget); ok {
		return b.inv
	}
	return nil
}

// environment builds the fresh global table for one invocation.
func (inv *invocation) environment(L *lua.LState) *lua.LTable {
	env := L.NewTable()
	for _, name := range baseFunctions {
		env.RawSetString(name, L.G.Global.RawGetString(name))
	}
	for _, name := range []string{lua.StringLibName, lua.TabLibName, lua.MathLibName} {
		lib := copyTable(L, L.G.Global.RawGetString(name))
		env.RawSetString(name, lib)
		inv.libs = append(inv.libs, lib)
	}
	env.RawSetString("_G", env)
	env.RawSetString("print", L.NewFunction(inv.print))
	env.RawSetString("require", L.NewFunction(inv.require(env)))
	inv.env = env
	return env
}

func (inv *invocation) print(L *lua.LState) int {
	parts := make([]string, 0, L.GetTop())
	for i := 1; i <= L.GetTop(); i++ {
		parts = append(parts, L.ToStringMeta(L.Get(i)).String())
	}
	inv.s.logger.Debug("script output", "text", strings.Join(parts, "\t"))
	return 0
}

func (inv *invocation) require(env *lua.LTable) lua.LGFunction {
	return func(L *lua.LState) int {
		name := L.CheckString(1)
		if v, ok := inv.loaded[name]; ok {
			L.Push(v)
			return 1
		}
		if isStdlib(name) {
			v := env.RawGetString(name)
			inv.loaded[name] = v
			L.Push(v)
			return 1
		}
		fn, ok := inv.s.modules[name]
		if !ok {
			inv.err = &SandboxViolationError{Module: name}
			L.RaiseError("module %q is not available", name)
			return 0
		}
		v := fn(L)
		if v == nil {
			v = lua.LNil
		}
		inv.loaded[name] = v
		L.Push(v)
		return 1
	}
}

func isStdlib(name string) bool {
	return name == lua.StringLibName || name == lua.TabLibName || name == lua.MathLibName
}

func copyTable(L *lua.LState, v lua.LValue) *lua.LTable {
	dst := L.NewTable()
	if src, ok := v.(*lua.LTable); ok {
		src.ForEach(func(k, v lua.LValue) { dst.RawSet(k, v) })
	}
	return dst
}

// chargeLibraries wraps the string and table library functions so the
// strings and tables they produce count against the invocation's memory
// budget. The wrapped functions are shared by the string metatable, so
// method calls like s:rep(n) are charged too.
func chargeLibraries(L *lua.LState) {
	for _, lib := range []string{lua.StringLibName, lua.TabLibName} {
		t, ok := L.G.Global.RawGetString(lib).(*lua.LTable)
		if !ok {
			continue
		}
		wrapped := make(map[string]lua.LGFunction)
		t.ForEach(func(k, v lua.LValue) {
			if fn, ok := v.(*lua.LFunction); ok && fn.IsG {
				wrapped[k.String()] = fn.GFunction
			}
		})
		for name, fn := range wrapped {
			if lib == lua.StringLibName && name == "rep" {
				t.RawSetString(name, L.NewFunction(chargedRep(fn)))
				continue
			}
			t.RawSetString(name, L.NewFunction(charged(fn)))
		}
	}
}

func charged(fn lua.LGFunction) lua.LGFunction {
	return func(L *lua.LState) int {
		n := fn(L)
		inv := invocationOf(L)
		if inv == nil {
			return n
		}
		var size int64
		for i := 1; i <= n; i++ {
			switch v := L.Get(-i).(type) {
			case lua.LString:
				size += int64(len(v))
			case *lua.LTable:
				size += 16 * int64(v.Len()+1)
			}
		}
		if size > 0 {
			inv.charge(L, size)
		}
		return n
	}
}

// chargedRep reserves the result size before string.rep allocates it.
func chargedRep(fn lua.LGFunction) lua.LGFunction {
	return func(L *lua.LState) int {
		if inv := invocationOf(L); inv != nil {
			s := L.CheckString(1)
			n := int64(L.CheckInt(2))
			sep := L.OptString(3, "")
			if size := repSize(int64(len(s)), int64(len(sep)), n); size > 0 {
				inv.charge(L, size)
			}
		}
		return fn(L)
	}
}

// repSize is the length of string.rep(s, n, sep), saturating at MaxInt64.
func repSize(s, sep, n int64) int64 {
	if n <= 0 {
		return 0
	}
	per := s + sep
	if per > 0 && n > math.MaxInt64/per {
		return math.MaxInt64
	}
	return per*n - sep
}
