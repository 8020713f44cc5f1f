// Package command defines the capability-level contract between the
// control-channel server and the administrative commands it dispatches.
// Command internals live with their modules; the server only needs the
// permission gate and the execution entry point.
package command

import (
	"errors"

	"github.com/lbot/streambot/pkg/auth"
)

var (
	// ErrInvalidArgument marks a command failure caused by bad operator
	// input; the server reports it without dropping the connection.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrNoUserSelected is returned by Proxy.CurrentUser when the session
	// has no user context selected.
	ErrNoUserSelected = errors.New("no user selected")
)

// Proxy lets an executing command message, query and ask the specific
// remote operator that invoked it. Never a broadcast.
type Proxy interface {
	// Message sends a non-interactive notification to the operator.
	Message(text string) error

	// Ask poses a yes/no question and blocks for the answer.
	Ask(text string) (bool, error)

	// Query prompts for a free-text answer, masked on the operator's
	// terminal when maskAnswer is set.
	Query(maskAnswer bool, text string) (string, error)

	// CurrentUser returns the logical user this session currently acts
	// as. For admin sessions this can differ from the login user after a
	// "user switch".
	CurrentUser() (string, error)

	// SetCurrentUser switches the session to the given (pre-validated)
	// user and informs the operator's client.
	SetCurrentUser(name string) error

	// RefreshUserData re-fetches session authority (permission level)
	// from the account store. Call after anything that may have changed
	// it, e.g. a user switch.
	RefreshUserData()
}

// Command is one invocable administrative operation.
type Command interface {
	// PermissionLevel is the minimum level required to execute.
	PermissionLevel() auth.PermissionLevel

	// Execute runs the command on the invoking session's context. The
	// returned text becomes the command response; an error wrapping
	// ErrInvalidArgument reports bad input, any other error reports an
	// internal failure.
	Execute(proxy Proxy, args []string) (string, error)
}

// Func adapts a plain function to the Command interface.
type Func func(proxy Proxy, args []string) (string, error)

type funcCommand struct {
	level auth.PermissionLevel
	fn    Func
}

// NewFunc wraps fn as a Command requiring the given level.
func NewFunc(level auth.PermissionLevel, fn Func) Command {
	return &funcCommand{level: level, fn: fn}
}

func (c *funcCommand) PermissionLevel() auth.PermissionLevel { return c.level }

func (c *funcCommand) Execute(proxy Proxy, args []string) (string, error) {
	return c.fn(proxy, args)
}
