package command

import (
	"errors"
	"fmt"
	"sort"

	"github.com/lbot/streambot/pkg/auth"
)

var ErrDuplicateCommand = errors.New("command already registered")

// Table is the registry of invocable commands. It is populated once at
// startup and shared read-only by every connection afterwards, so lookups
// need no locking.
type Table struct {
	commands map[string]Command
}

func NewTable() *Table {
	return &Table{commands: make(map[string]Command)}
}

// Register adds a named command. Registration happens during startup,
// before any connection exists.
func (t *Table) Register(name string, c Command) error {
	if _, ok := t.commands[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateCommand, name)
	}
	t.commands[name] = c
	return nil
}

// RegisterFunc is a convenience wrapper around Register + NewFunc.
func (t *Table) RegisterFunc(name string, level auth.PermissionLevel, fn Func) error {
	return t.Register(name, NewFunc(level, fn))
}

// Lookup returns the command registered under name.
func (t *Table) Lookup(name string) (Command, bool) {
	c, ok := t.commands[name]
	return c, ok
}

// Names returns all registered command names, sorted.
func (t *Table) Names() []string {
	names := make([]string, 0, len(t.commands))
	for name := range t.commands {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered commands.
func (t *Table) Len() int {
	return len(t.commands)
}
