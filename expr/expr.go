// Package expr evaluates map expressions. An expression assigns y from
// the current source values x (the first source) and x0..xN (each source).
package expr

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.starlark.net/starlark"

	"github.com/libmapper/libmapper/value"
)

var (
	ErrNoResult = errors.New("mapper: expression did not assign y")
	ErrResult   = errors.New("mapper: expression result is not numeric")
	ErrSources  = errors.New("mapper: expression needs at least one source value")
)

const (
	DefaultExpr   = "y=x"
	maxSteps      = 100_000
	programsCache = 256
)

// Engine compiles expressions for a given number of sources.
type Engine interface {
	Compile(src string, numSrcs int) (Program, error)
}

// Program is a compiled, pure expression.
type Program interface {
	// Eval produces a destination value of type dst and the given length.
	Eval(srcs []value.Value, dst value.Type, length int) (value.Value, error)
}

// Starlark runs expressions as Starlark programs.
type Starlark struct {
	programs *lru.Cache[string, *starlark.Program]
}

func NewStarlark() *Starlark {
	cache, err := lru.New[string, *starlark.Program](programsCache)
	if err != nil {
		panic(err)
	}
	return &Starlark{programs: cache}
}

func isSourceName(name string) bool {
	if name == "x" {
		return true
	}
	if !strings.HasPrefix(name, "x") {
		return false
	}
	_, err := strconv.Atoi(name[1:])
	return err == nil
}

func (s *Starlark) Compile(src string, numSrcs int) (Program, error) {
	src = strings.TrimSpace(src)
	if src == "" {
		src = DefaultExpr
	}
	if numSrcs < 1 {
		return nil, ErrSources
	}
	key := fmt.Sprintf("%d:%s", numSrcs, src)
	if prog, ok := s.programs.Get(key); ok {
		return &program{prog: prog, numSrcs: numSrcs}, nil
	}
	_, prog, err := starlark.SourceProgram("map.star", src, isSourceName)
	if err != nil {
		return nil, err
	}
	s.programs.Add(key, prog)
	return &program{prog: prog, numSrcs: numSrcs}, nil
}

type program struct {
	prog    *starlark.Program
	numSrcs int
}

func element(v value.Value, i int) starlark.Value {
	n := v.Len()
	if i >= n {
		i = n - 1
	}
	if b, ok := value.Elems[bool](v); ok {
		return starlark.Bool(b[i])
	}
	if v.Type().IsInteger() {
		f, _ := v.Number(i)
		return starlark.MakeInt64(int64(f))
	}
	f, _ := v.Number(i)
	return starlark.Float(f)
}

func (p *program) Eval(srcs []value.Value, dst value.Type, length int) (value.Value, error) {
	if len(srcs) == 0 || srcs[0].IsNil() {
		return value.Value{}, ErrSources
	}
	if length < 1 {
		length = 1
	}
	out := make([]float64, length)
	for i := range out {
		env := starlark.StringDict{"x": element(srcs[0], i)}
		for j := 0; j < p.numSrcs; j++ {
			name := "x" + strconv.Itoa(j)
			if j < len(srcs) && !srcs[j].IsNil() {
				env[name] = element(srcs[j], i)
			} else {
				env[name] = starlark.None
			}
		}
		thread := &starlark.Thread{Name: "map"}
		thread.SetMaxExecutionSteps(maxSteps)
		globals, err := p.prog.Init(thread, env)
		if err != nil {
			return value.Value{}, err
		}
		y, ok := globals["y"]
		if !ok {
			return value.Value{}, ErrNoResult
		}
		if b, isBool := y.(starlark.Bool); isBool {
			if b {
				out[i] = 1
			}
			continue
		}
		f, ok := starlark.AsFloat(y)
		if !ok {
			return value.Value{}, ErrResult
		}
		out[i] = f
	}
	return value.FromFloats(dst, out)
}
