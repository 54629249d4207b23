package script

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"
)

// DefaultTimeout bounds one script run.
const DefaultTimeout = 10 * time.Minute

// Logger is the logging interface used by scripts.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// State is a sandboxed Lua state bound to one debugger.
//
// gopher-lua's LState is not goroutine-safe. State serializes Run calls
// with a mutex.
type State struct {
	mu sync.Mutex
	L  *lua.LState

	dbg     Debugger
	out     io.Writer
	logger  Logger
	timeout time.Duration

	closed bool
}

// Option configures a State.
type Option func(*State)

// WithOutput sets where print writes. Defaults to os.Stdout.
func WithOutput(w io.Writer) Option {
	return func(s *State) {
		if w != nil {
			s.out = w
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l Logger) Option {
	return func(s *State) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithTimeout bounds each Run. Zero disables the limit.
func WithTimeout(d time.Duration) Option {
	return func(s *State) {
		s.timeout = d
	}
}

// NewState creates a sandboxed Lua state with the dbg module installed.
func NewState(d Debugger, opts ...Option) *State {
	s := &State{
		dbg:     d,
		out:     os.Stdout,
		logger:  nopLogger{},
		timeout: DefaultTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}

	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	openSafeLibraries(L)
	installSandbox(L, s.out)
	L.SetGlobal("dbg", newModule(s).table(L))

	s.L = L
	return s
}

// Run executes a chunk of Lua code. name labels the chunk in error
// messages.
func (s *State) Run(ctx context.Context, name, code string) error {
	return s.run(ctx, name, func(L *lua.LState) (*lua.LFunction, error) {
		return L.Load(strings.NewReader(code), name)
	})
}

// RunFile executes a Lua file.
func (s *State) RunFile(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	return s.run(ctx, path, func(L *lua.LState) (*lua.LFunction, error) {
		return L.Load(f, path)
	})
}

func (s *State) run(ctx context.Context, name string, load func(*lua.LState) (*lua.LFunction, error)) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStateClosed
	}

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	s.L.SetContext(ctx)
	defer s.L.RemoveContext()

	fn, err := load(s.L)
	if err != nil {
		return fmt.Errorf("load %s: %w", name, err)
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("lua panic in %s: %v", name, r)
		}
	}()

	start := time.Now()
	s.L.Push(fn)
	if err := s.L.PCall(0, lua.MultRet, nil); err != nil {
		s.L.SetTop(0)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: %s", ErrExecutionTimeout, name)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	s.L.SetTop(0)

	s.logger.Debug("script %s finished in %v", name, time.Since(start))
	return nil
}

// Close releases the Lua state. It is safe to call more than once.
func (s *State) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.L.Close()
	s.closed = true
}
