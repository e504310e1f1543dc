package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ergochat/readline"

	"github.com/libmapper/libmapper"
	"github.com/libmapper/libmapper/props"
	"github.com/libmapper/libmapper/query"
	"github.com/libmapper/libmapper/value"
)

// REPL is the interactive console over a running graph.
type REPL struct {
	rt  *runtime
	rl  *readline.Instance
	out io.Writer
}

var (
	ErrUsage       = errors.New("wrong arguments, see help")
	ErrNoSuchThing = errors.New("no such object")
)

var completer = readline.NewPrefixCompleter(
	readline.PcItem("help"),

	readline.PcItem("listen"),
	readline.PcItem("connect"),

	readline.PcItem("devices"),
	readline.PcItem("signals"),
	readline.PcItem("maps"),
	readline.PcItem("show"),
	readline.PcItem("find"),

	readline.PcItem("device"),
	readline.PcItem("signal"),
	readline.PcItem("map"),
	readline.PcItem("unmap"),
	readline.PcItem("mute"),
	readline.PcItem("unmute"),
	readline.PcItem("expr"),

	readline.PcItem("set"),
	readline.PcItem("get"),
	readline.PcItem("release"),

	readline.PcItem("exit"),
	readline.PcItem("quit"),
)

const help = `listen ADDR | connect ADDR
devices | signals [DEVICE] | maps | show ID | find KEY OP VALUE
device NAME | signal DEVICE/NAME in|out [int|float|double] [LENGTH]
map SRC... -> DST [EXPR] | unmap ID | mute ID | unmute ID | expr ID EXPR
set PATH[#INST] V... | get PATH[#INST] | release PATH#INST
exit`

func filterInput(r rune) (rune, bool) {
	switch r {
	// block CtrlZ feature
	case readline.CharCtrlZ:
		return r, false
	}
	return r, true
}

func (repl *REPL) Open() (err error) {
	repl.rl, err = readline.NewEx(&readline.Config{
		Prompt:          "◌ ",
		HistoryFile:     ".mapper_cmd_log.txt",
		AutoComplete:    completer,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",

		HistorySearchFold:   true,
		FuncFilterInputRune: filterInput,
	})
	if err != nil {
		return
	}
	repl.rl.CaptureExitSignal()
	return
}

func (repl *REPL) Close() error {
	if repl.rl != nil {
		_ = repl.rl.Close()
		repl.rl = nil
	}
	return nil
}

func (repl *REPL) Run() error {
	for {
		line, err := repl.rl.Readline()
		if err == readline.ErrInterrupt {
			if len(line) == 0 {
				return nil
			}
			continue
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		err = repl.Execute(line)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "%s\n", err.Error())
		}
	}
}

// Execute runs one console line. io.EOF means the user asked to leave.
func (repl *REPL) Execute(line string) error {
	args := strings.Fields(line)
	if len(args) == 0 {
		return nil
	}
	cmd, args := args[0], args[1:]
	switch cmd {
	case "help":
		repl.printf("%s\n", help)
		return nil
	case "exit", "quit":
		return io.EOF
	// ----- networking -----
	case "listen":
		return repl.CommandListen(args)
	case "connect":
		return repl.CommandConnect(args)
	// ----- directory -----
	case "devices":
		return repl.list(repl.rt.graph.Devices())
	case "signals":
		return repl.CommandSignals(args)
	case "maps":
		return repl.list(repl.rt.graph.Maps())
	case "show":
		return repl.CommandShow(args)
	case "find":
		return repl.CommandFind(args)
	// ----- local objects -----
	case "device":
		return repl.CommandDevice(args)
	case "signal":
		return repl.CommandSignal(args)
	case "map":
		return repl.CommandMap(args)
	case "unmap":
		return repl.withMap(args, (*libmapper.Map).Release)
	case "mute":
		return repl.withMap(args, func(m *libmapper.Map) error { return push(m, m.SetMuted(true)) })
	case "unmute":
		return repl.withMap(args, func(m *libmapper.Map) error { return push(m, m.SetMuted(false)) })
	case "expr":
		if len(args) < 2 {
			return ErrUsage
		}
		e := strings.Join(args[1:], " ")
		return repl.withMap(args[:1], func(m *libmapper.Map) error { return push(m, m.SetExpr(e)) })
	// ----- values -----
	case "set":
		return repl.CommandSet(args)
	case "get":
		return repl.CommandGet(args)
	case "release":
		return repl.CommandRelease(args)
	}
	return fmt.Errorf("command unknown: %s", cmd)
}

func (repl *REPL) printf(format string, a ...any) {
	w := repl.out
	if w == nil {
		w = os.Stdout
	}
	_, _ = fmt.Fprintf(w, format, a...)
}

func push(m *libmapper.Map, err error) error {
	if err != nil {
		return err
	}
	return m.Push()
}

func (repl *REPL) CommandListen(args []string) error {
	if len(args) != 1 {
		return ErrUsage
	}
	return repl.rt.listen(args[0])
}

func (repl *REPL) CommandConnect(args []string) error {
	if len(args) != 1 {
		return ErrUsage
	}
	return repl.rt.connect(args[0])
}

func (repl *REPL) list(l *libmapper.List) error {
	for obj := range l.All() {
		repl.printf("%s\n", summary(obj))
	}
	return nil
}

func (repl *REPL) CommandSignals(args []string) error {
	g := repl.rt.graph
	if len(args) == 0 {
		return repl.list(g.Signals())
	}
	d, ok := g.DeviceByName(args[0])
	if !ok {
		return ErrNoSuchThing
	}
	return repl.list(d.Signals(libmapper.DirAny))
}

func (repl *REPL) CommandShow(args []string) error {
	if len(args) != 1 {
		return ErrUsage
	}
	obj, err := repl.object(args[0])
	if err != nil {
		return err
	}
	repl.printf("%s\n", summary(obj))
	for _, p := range properties(obj) {
		repl.printf("\t%s\t%s\n", p.Key, p.Value)
	}
	return nil
}

// CommandFind filters the whole directory: find KEY OP VALUE.
func (repl *REPL) CommandFind(args []string) error {
	if len(args) < 3 {
		return ErrUsage
	}
	op, ok := query.ParseOp(args[1])
	if !ok {
		return fmt.Errorf("bad operator %q", args[1])
	}
	v, err := parseValue(args[2:])
	if err != nil {
		return err
	}
	return repl.list(repl.rt.graph.Objects(libmapper.TypeObject).Filter(props.ByName(args[0]), v, op))
}

func (repl *REPL) CommandDevice(args []string) error {
	if len(args) != 1 {
		return ErrUsage
	}
	d, err := libmapper.NewDevice(args[0], repl.rt.graph)
	if err != nil {
		return err
	}
	repl.rt.devices = append(repl.rt.devices, d)
	repl.printf("device %s probing\n", args[0])
	return nil
}

func (repl *REPL) localDevice(name string) (*libmapper.Device, bool) {
	for _, d := range repl.rt.devices {
		if d.Name() == name {
			return d, true
		}
	}
	return nil, false
}

func (repl *REPL) CommandSignal(args []string) error {
	if len(args) < 2 {
		return ErrUsage
	}
	devName, name, ok := strings.Cut(args[0], "/")
	if !ok {
		return ErrUsage
	}
	d, ok := repl.localDevice(devName)
	if !ok {
		return ErrNoSuchThing
	}
	dir, err := parseDirection(args[1])
	if err != nil {
		return err
	}
	typ, length := value.Float32, 1
	if len(args) > 2 {
		if typ, err = parseType(args[2]); err != nil {
			return err
		}
	}
	if len(args) > 3 {
		if length, err = strconv.Atoi(args[3]); err != nil {
			return ErrUsage
		}
	}
	_, err = d.AddSignal(dir, name, length, typ)
	return err
}

// CommandMap takes "SRC... -> DST [EXPR]".
func (repl *REPL) CommandMap(args []string) error {
	arrow := -1
	for i, a := range args {
		if a == "->" {
			arrow = i
		}
	}
	if arrow < 1 || arrow+1 >= len(args) {
		return ErrUsage
	}
	srcs, dst := args[:arrow], args[arrow+1]
	e := strings.Join(args[arrow+2:], " ")
	m, err := repl.rt.graph.NewMapFromNames(e, dst, srcs...)
	if err != nil {
		return err
	}
	return m.Push()
}

func (repl *REPL) withMap(args []string, fn func(m *libmapper.Map) error) error {
	if len(args) != 1 {
		return ErrUsage
	}
	obj, err := repl.object(args[0])
	if err != nil {
		return err
	}
	m, ok := obj.(*libmapper.Map)
	if !ok {
		return ErrNoSuchThing
	}
	return fn(m)
}

func (repl *REPL) object(arg string) (libmapper.Object, error) {
	id, err := strconv.ParseUint(strings.TrimPrefix(arg, "0x"), 16, 64)
	if err != nil {
		if s, ok := repl.rt.graph.SignalByPath(arg); ok {
			return s, nil
		}
		if d, ok := repl.rt.graph.DeviceByName(arg); ok {
			return d, nil
		}
		return nil, ErrNoSuchThing
	}
	obj, ok := repl.rt.graph.Object(id)
	if !ok {
		return nil, ErrNoSuchThing
	}
	return obj, nil
}

// signalAt parses PATH or PATH#INSTANCE.
func (repl *REPL) signalAt(arg string) (*libmapper.Signal, uint64, error) {
	path, num, hasInst := strings.Cut(arg, "#")
	var inst uint64
	if hasInst {
		var err error
		if inst, err = strconv.ParseUint(num, 10, 64); err != nil {
			return nil, 0, ErrUsage
		}
	}
	s, ok := repl.rt.graph.SignalByPath(path)
	if !ok {
		return nil, 0, ErrNoSuchThing
	}
	return s, inst, nil
}

func (repl *REPL) CommandSet(args []string) error {
	if len(args) < 2 {
		return ErrUsage
	}
	s, inst, err := repl.signalAt(args[0])
	if err != nil {
		return err
	}
	v, err := parseValue(args[1:])
	if err != nil {
		return err
	}
	return s.SetValue(inst, v)
}

func (repl *REPL) CommandGet(args []string) error {
	if len(args) != 1 {
		return ErrUsage
	}
	s, inst, err := repl.signalAt(args[0])
	if err != nil {
		return err
	}
	v, t, ok := s.Value(inst)
	if !ok {
		repl.printf("%s: no value\n", s.Path())
		return nil
	}
	repl.printf("%s = %s @ %s\n", s.Path(), v.String(), t.Time().Format(time.RFC3339Nano))
	return nil
}

func (repl *REPL) CommandRelease(args []string) error {
	if len(args) != 1 {
		return ErrUsage
	}
	s, inst, err := repl.signalAt(args[0])
	if err != nil {
		return err
	}
	return s.ReleaseInstance(inst)
}

// parseValue reads numbers as doubles and anything else as strings;
// signals convert on arrival.
func parseValue(args []string) (value.Value, error) {
	fs := make([]float64, 0, len(args))
	for _, a := range args {
		f, err := strconv.ParseFloat(a, 64)
		if err != nil {
			return value.Strings(args...), nil
		}
		fs = append(fs, f)
	}
	if len(fs) == 0 {
		return value.Value{}, ErrUsage
	}
	return value.Float64s(fs...), nil
}
