// Package scripttest provides a scripted fake interpreter for exercising
// the execution engine, agent, and protocol glue without a real guest
// language. Scripts are one directive per line:
//
//	print <text>     append text to the output (via a native "print" if one
//	                 is registered, otherwise collected internally)
//	sleep <ms>       sleep, invoking the instruction hook every few ms
//	spin <n>         execute n no-op instructions
//	alloc <bytes>    allocate from the instance pool, held until Destroy
//	free             free the most recent allocation
//	call <fn> [a...] invoke a registered native function
//	fail <message>   raise a script error
//	loop             spin forever, still honouring the hook
//	hang             spin forever WITHOUT invoking the hook (unkillable)
//
// Blank lines and lines starting with # are ignored.
package scripttest

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/seantiz/etna/internal/mempool"
	"github.com/seantiz/etna/internal/script"
)

const sleepSlice = 5 * time.Millisecond

// Interpreter builds fake instances. It records every instance it creates
// so tests can assert on isolation and teardown.
type Interpreter struct {
	mu        sync.Mutex
	instances []*Instance
}

func New() *Interpreter { return &Interpreter{} }

// New creates a fresh fake instance drawing on pool.
func (i *Interpreter) New(pool *mempool.Pool) (script.Instance, error) {
	inst := &Instance{
		pool:    pool,
		natives: make(map[string]script.NativeFunc),
	}
	i.mu.Lock()
	i.instances = append(i.instances, inst)
	i.mu.Unlock()
	return inst, nil
}

// Instances returns every instance created so far.
func (i *Interpreter) Instances() []*Instance {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]*Instance(nil), i.instances...)
}

var _ script.Interpreter = (*Interpreter)(nil)

// Instance is one fake interpreter run context.
type Instance struct {
	pool    *mempool.Pool
	natives map[string]script.NativeFunc

	hookEvery int
	hook      func()
	instr     int

	blocks []mempool.Block

	mu        sync.Mutex
	output    []string
	destroyed bool
}

func (n *Instance) RegisterNative(name string, fn script.NativeFunc) error {
	if _, dup := n.natives[name]; dup {
		return fmt.Errorf("scripttest: native %q already registered", name)
	}
	n.natives[name] = fn
	return nil
}

func (n *Instance) SetInstructionHook(every int, hook func()) {
	n.hookEvery = every
	n.hook = hook
}

// step counts one guest instruction, firing the hook and checking the token
// at the configured granularity.
func (n *Instance) step(token *script.CancelToken) error {
	n.instr++
	if n.hookEvery > 0 && n.instr%n.hookEvery == 0 {
		if n.hook != nil {
			n.hook()
		}
		if token != nil && token.Cancelled() {
			return script.ErrInterrupted
		}
	}
	return nil
}

func (n *Instance) Run(source string, token *script.CancelToken) error {
	for _, line := range strings.Split(source, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if err := n.step(token); err != nil {
			return err
		}

		verb, rest, _ := strings.Cut(line, " ")
		switch verb {
		case "print":
			n.print(rest)

		case "sleep":
			ms, err := strconv.Atoi(rest)
			if err != nil {
				return &script.Error{Message: "sleep: " + rest}
			}
			deadline := time.Now().Add(time.Duration(ms) * time.Millisecond)
			for time.Now().Before(deadline) {
				time.Sleep(sleepSlice)
				if err := n.step(token); err != nil {
					return err
				}
			}

		case "spin":
			count, err := strconv.Atoi(rest)
			if err != nil {
				return &script.Error{Message: "spin: " + rest}
			}
			for range count {
				if err := n.step(token); err != nil {
					return err
				}
			}

		case "alloc":
			size, err := strconv.Atoi(rest)
			if err != nil {
				return &script.Error{Message: "alloc: " + rest}
			}
			b, err := n.pool.Alloc(size)
			if err != nil {
				return &script.Error{Message: "out of memory"}
			}
			n.blocks = append(n.blocks, b)

		case "free":
			if len(n.blocks) == 0 {
				return &script.Error{Message: "free without alloc"}
			}
			last := n.blocks[len(n.blocks)-1]
			n.blocks = n.blocks[:len(n.blocks)-1]
			n.pool.Free(last)

		case "call":
			name, argstr, _ := strings.Cut(rest, " ")
			fn, ok := n.natives[name]
			if !ok {
				return &script.Error{Message: "unknown function: " + name}
			}
			var args [][]byte
			for _, a := range strings.Fields(argstr) {
				args = append(args, []byte(a))
			}
			results, err := fn(args)
			if err != nil {
				return &script.Error{Message: err.Error()}
			}
			for _, r := range results {
				n.print(string(r))
			}

		case "fail":
			return &script.Error{Message: rest}

		case "loop":
			for {
				if err := n.step(token); err != nil {
					return err
				}
			}

		case "hang":
			for {
				time.Sleep(sleepSlice)
			}

		default:
			return &script.Error{Message: "unknown directive: " + verb}
		}
	}
	return nil
}

func (n *Instance) print(text string) {
	if fn, ok := n.natives["print"]; ok {
		fn([][]byte{[]byte(text)})
		return
	}
	n.mu.Lock()
	n.output = append(n.output, text)
	n.mu.Unlock()
}

// Output returns lines collected by print directives that did not go
// through a native "print".
func (n *Instance) Output() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.output...)
}

func (n *Instance) Destroy() {
	for _, b := range n.blocks {
		n.pool.Free(b)
	}
	n.blocks = nil
	n.mu.Lock()
	n.destroyed = true
	n.mu.Unlock()
}

// Destroyed reports whether Destroy has been called.
func (n *Instance) Destroyed() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.destroyed
}

var _ script.Instance = (*Instance)(nil)
