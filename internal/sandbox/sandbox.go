// Package sandbox runs author-supplied Lua scripts under instruction, memory,
// stack and time limits. Every invocation gets a fresh global environment;
// interpreter states are pooled and reused between invocations.
package sandbox

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"
)

// Limits bounds one invocation. Zero values disable the corresponding check.
type Limits struct {
	Instructions int64
	Memory       int64
	Timeout      time.Duration
}

// Result is what a script returned plus the values its bound variables hold
// after it finished. Tables are converted to map[string]any or []any.
type Result struct {
	Value any
	Vars  map[string]any
}

// ModuleFunc builds the table returned by require for a whitelisted module.
type ModuleFunc func(L *lua.LState) lua.LValue

type Option func(*Sandbox)

// WithModule adds name to the require whitelist. string, table and math are
// always available.
func WithModule(name string, fn ModuleFunc) Option {
	return func(s *Sandbox) { s.modules[name] = fn }
}

// WithPoolSize sets how many idle interpreter states are kept.
func WithPoolSize(n int) Option {
	return func(s *Sandbox) { s.poolSize = n }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Sandbox) { s.logger = logger }
}

const (
	callStackSize   = 200
	registrySize    = 1024
	registryMaxSize = 256 * 1024
)

type Sandbox struct {
	limits   Limits
	logger   *slog.Logger
	modules  map[string]ModuleFunc
	poolSize int
	pool     chan *lua.LState

	mu     sync.RWMutex
	protos map[string]*lua.FunctionProto
}

func New(limits Limits, opts ...Option) *Sandbox {
	s := &Sandbox{
		limits:   limits,
		logger:   slog.New(slog.DiscardHandler),
		modules:  make(map[string]ModuleFunc),
		poolSize: 4,
		protos:   make(map[string]*lua.FunctionProto),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.poolSize < 0 {
		s.poolSize = 0
	}
	s.pool = make(chan *lua.LState, s.poolSize)
	return s
}

func (s *Sandbox) Limits() Limits { return s.limits }

// Check parses and compiles src without running it.
func (s *Sandbox) Check(src string) error {
	_, err := s.compile(src)
	return err
}

func (s *Sandbox) compile(src string) (*lua.FunctionProto, error) {
	s.mu.RLock()
	proto, ok := s.protos[src]
	s.mu.RUnlock()
	if ok {
		return proto, nil
	}

	chunk, err := parse.Parse(strings.NewReader(src), "script")
	if err != nil {
		return nil, &ExecutionError{Message: err.Error(), Err: err}
	}
	proto, err = lua.Compile(chunk, "script")
	if err != nil {
		return nil, &ExecutionError{Message: err.Error(), Err: err}
	}

	s.mu.Lock()
	s.protos[src] = proto
	s.mu.Unlock()
	return proto, nil
}

// Run executes src with vars bound as globals. The script must return a value.
func (s *Sandbox) Run(ctx context.Context, src string, vars map[string]any) (Result, error) {
	proto, err := s.compile(src)
	if err != nil {
		return Result{}, err
	}

	if s.limits.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.limits.Timeout)
		defer cancel()
	}

	L := s.acquire()
	inv := newInvocation(s, L)
	L.SetContext(&budget{Context: ctx, inv: inv})

	env := inv.environment(L)
	for name, v := range vars {
		env.RawSetString(name, toLua(L, v))
	}

	fn := L.NewFunctionFromProto(proto)
	fn.Env = env
	L.SetTop(0)
	L.Push(fn)
	callErr := L.PCall(0, lua.MultRet, nil)
	L.RemoveContext()

	if callErr != nil || inv.err != nil {
		L.Close()
		return Result{}, s.classify(ctx, inv, callErr)
	}

	if L.GetTop() == 0 {
		s.release(L)
		return Result{}, &ExecutionError{Message: "script did not return a value"}
	}

	res := Result{Value: fromLua(L.Get(1)), Vars: make(map[string]any, len(vars))}
	for name := range vars {
		res.Vars[name] = fromLua(env.RawGetString(name))
	}
	s.release(L)
	return res, nil
}

func (s *Sandbox) classify(ctx context.Context, inv *invocation, callErr error) error {
	if inv.err != nil {
		return inv.err
	}
	if err := ctx.Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return &ResourceExceededError{Resource: ResourceTime, Limit: s.limits.Timeout.Milliseconds()}
		}
		return &ExecutionError{Message: err.Error(), Err: err}
	}

	msg := callErr.Error()
	var apiErr *lua.ApiError
	if errors.As(callErr, &apiErr) && apiErr.Object != nil {
		msg = apiErr.Object.String()
	}
	if strings.Contains(msg, "stack overflow") || strings.Contains(msg, "registry overflow") {
		return &ResourceExceededError{Resource: ResourceStack}
	}
	return &ExecutionError{Message: msg, Err: callErr}
}

func (s *Sandbox) acquire() *lua.LState {
	select {
	case L := <-s.pool:
		return L
	default:
		return s.newState()
	}
}

func (s *Sandbox) release(L *lua.LState) {
	L.SetTop(0)
	select {
	case s.pool <- L:
	default:
		L.Close()
	}
}

// Close discards the pooled interpreter states.
func (s *Sandbox) Close() {
	for {
		select {
		case L := <-s.pool:
			L.Close()
		default:
			return
		}
	}
}

func (s *Sandbox) newState() *lua.LState {
	L := lua.NewState(lua.Options{
		SkipOpenLibs:        true,
		CallStackSize:       callStackSize,
		RegistrySize:        registrySize,
		RegistryMaxSize:     registryMaxSize,
		MinimizeStackMemory: true,
	})
	for _, lib := range []struct {
		name string
		open lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	} {
		L.Push(L.NewFunction(lib.open))
		L.Push(lua.LString(lib.name))
		L.Call(1, 0)
	}
	chargeLibraries(L)
	return L
}
