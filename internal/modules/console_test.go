package modules_test

import (
	"testing"

	"github.com/seantiz/etna/internal/modules"
)

func TestConsoleSinkReceivesLines(t *testing.T) {
	var lines []string
	m := modules.NewConsole(discardLogger(), func(line string) {
		lines = append(lines, line)
	})
	inst := newInstance(t, m)

	run(t, inst, "print hello\nprint world")

	if len(lines) != 2 || lines[0] != "hello" || lines[1] != "world" {
		t.Errorf("sink lines = %v, want [hello world]", lines)
	}
	// Output went through the native, not the fallback collector.
	if got := output(inst); len(got) != 0 {
		t.Errorf("fallback output = %v, want empty", got)
	}
}

func TestConsoleNilSink(t *testing.T) {
	m := modules.NewConsole(discardLogger(), nil)
	inst := newInstance(t, m)

	// Should not panic.
	run(t, inst, "print quiet")
}

func TestConsoleJoinsArgumentsWithTabs(t *testing.T) {
	var lines []string
	m := modules.NewConsole(discardLogger(), func(line string) {
		lines = append(lines, line)
	})
	inst := newInstance(t, m)

	run(t, inst, "call print a b c")

	if len(lines) != 1 || lines[0] != "a\tb\tc" {
		t.Errorf("lines = %v, want [a\\tb\\tc]", lines)
	}
}
