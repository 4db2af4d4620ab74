// Package script compiles and runs small sandboxed Tengo programs.
package script

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/d5/tengo/v2"
	"github.com/d5/tengo/v2/stdlib"
	"github.com/spf13/afero"
)

// Engine compiles Tengo sources under a fixed set of limits.
type Engine struct {
	limits Limits
	logger *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithLimits replaces the default limits.
func WithLimits(l Limits) Option {
	return func(e *Engine) {
		e.limits = l
	}
}

// WithLogger sets the logger behind the scripts' log function.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// NewEngine creates an engine.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		limits: DefaultLimits(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "script")
	return e
}

// Program is a compiled script. It is safe for concurrent use: every Run
// works on its own copy.
type Program struct {
	name     string
	compiled *tengo.Compiled
	timeout  time.Duration
}

// Compile compiles src. inputs names the variables callers will set on each
// run; a script that reads a variable not listed here fails to compile.
func (e *Engine) Compile(name, src string, inputs ...string) (*Program, error) {
	s := tengo.NewScript([]byte(src))
	s.SetImports(stdlib.GetModuleMap(e.limits.Modules...))
	if e.limits.MaxAllocs > 0 {
		s.SetMaxAllocs(e.limits.MaxAllocs)
	}
	for _, in := range inputs {
		if err := s.Add(in, nil); err != nil {
			return nil, newScriptError(ErrorTypeCompilation, name, fmt.Sprintf("declare input %s", in), err)
		}
	}
	if err := s.Add("log", e.logFunc(name)); err != nil {
		return nil, newScriptError(ErrorTypeCompilation, name, "declare log", err)
	}

	compiled, err := s.Compile()
	if err != nil {
		return nil, newScriptError(ErrorTypeCompilation, name, "compile", err)
	}
	e.logger.Debug("Script compiled", "script", name)
	return &Program{name: name, compiled: compiled, timeout: e.limits.Timeout}, nil
}

// Load reads a script from fs and compiles it.
func (e *Engine) Load(fs afero.Fs, path string, inputs ...string) (*Program, error) {
	src, err := afero.ReadFile(fs, path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, newScriptError(ErrorTypeNotFound, path, "read", err)
		}
		return nil, fmt.Errorf("read script %s: %w", path, err)
	}
	return e.Compile(path, string(src), inputs...)
}

// Name returns the name the program was compiled under.
func (p *Program) Name() string {
	return p.name
}

// Run executes the program with vars bound to its declared inputs.
func (p *Program) Run(ctx context.Context, vars map[string]any) (Result, error) {
	c := p.compiled.Clone()
	for k, v := range vars {
		if err := c.Set(k, v); err != nil {
			return Result{}, newScriptError(ErrorTypeExecution, p.name, fmt.Sprintf("set %s", k), err)
		}
	}

	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	if err := c.RunContext(ctx); err != nil {
		switch {
		case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
			return Result{}, newScriptError(ErrorTypeTimeout, p.name, "run", err)
		case errors.Is(err, tengo.ErrObjectAllocLimit):
			return Result{}, newScriptError(ErrorTypeAllocLimit, p.name, "run", err)
		default:
			return Result{}, newScriptError(ErrorTypeExecution, p.name, "run", err)
		}
	}
	return Result{compiled: c}, nil
}

// Result holds the globals of a finished run.
type Result struct {
	compiled *tengo.Compiled
}

// String returns the named global as a string, or "" when it is unset.
func (r Result) String(name string) string {
	if r.compiled == nil || !r.compiled.IsDefined(name) {
		return ""
	}
	v := r.compiled.Get(name)
	if v.IsUndefined() {
		return ""
	}
	return v.String()
}

// Value returns the named global converted to a Go value.
func (r Result) Value(name string) any {
	if r.compiled == nil {
		return nil
	}
	return r.compiled.Get(name).Value()
}

func (e *Engine) logFunc(script string) *tengo.UserFunction {
	return &tengo.UserFunction{
		Name: "log",
		Value: func(args ...tengo.Object) (tengo.Object, error) {
			if len(args) != 1 {
				return nil, tengo.ErrWrongNumArguments
			}
			msg, _ := tengo.ToString(args[0])
			e.logger.Info("Script log", "script", script, "message", msg)
			return tengo.UndefinedValue, nil
		},
	}
}
