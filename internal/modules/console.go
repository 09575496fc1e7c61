package modules

import (
	"log/slog"
	"strings"

	"github.com/seantiz/etna/internal/script"
)

// Console routes script print output. Every line is logged; when a sink is
// set it also receives the line, which is how output reaches the peer and
// any streaming subscribers.
type Console struct {
	logger *slog.Logger
	sink   func(line string)
}

// NewConsole creates the console module. sink may be nil.
func NewConsole(logger *slog.Logger, sink func(line string)) *Console {
	if logger == nil {
		logger = slog.Default()
	}
	return &Console{logger: logger, sink: sink}
}

func (c *Console) Name() string { return "console" }

func (c *Console) Attach(inst script.Instance) error {
	return inst.RegisterNative("print", c.print)
}

// print joins its arguments with tabs, matching the usual print convention.
func (c *Console) print(args [][]byte) ([][]byte, error) {
	parts := make([]string, len(args))
	for i, a := range args {
		parts[i] = string(a)
	}
	line := strings.Join(parts, "\t")

	c.logger.Info("script output", "line", line)
	if c.sink != nil {
		c.sink(line)
	}
	return nil, nil
}
