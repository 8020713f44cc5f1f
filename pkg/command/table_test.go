package command

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lbot/streambot/pkg/auth"
)

func TestTableRegisterAndLookup(t *testing.T) {
	table := NewTable()
	require.NoError(t, table.RegisterFunc("echo", auth.LevelUser, func(p Proxy, args []string) (string, error) {
		return "echoed", nil
	}))

	cmd, ok := table.Lookup("echo")
	require.True(t, ok)
	assert.Equal(t, auth.LevelUser, cmd.PermissionLevel())

	result, err := cmd.Execute(nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "echoed", result)

	_, ok = table.Lookup("missing")
	assert.False(t, ok)
}

func TestTableDuplicateRegistration(t *testing.T) {
	table := NewTable()
	noop := func(p Proxy, args []string) (string, error) { return "", nil }

	require.NoError(t, table.RegisterFunc("echo", auth.LevelUser, noop))
	err := table.RegisterFunc("echo", auth.LevelAdmin, noop)
	assert.ErrorIs(t, err, ErrDuplicateCommand)

	// The original registration survives
	cmd, ok := table.Lookup("echo")
	require.True(t, ok)
	assert.Equal(t, auth.LevelUser, cmd.PermissionLevel())
}

func TestTableNamesSorted(t *testing.T) {
	table := NewTable()
	noop := func(p Proxy, args []string) (string, error) { return "", nil }

	for _, name := range []string{"whoami", "echo", "user"} {
		require.NoError(t, table.RegisterFunc(name, auth.LevelUser, noop))
	}

	assert.Equal(t, []string{"echo", "user", "whoami"}, table.Names())
	assert.Equal(t, 3, table.Len())
}

func TestFuncCommandPassesArguments(t *testing.T) {
	var got []string
	cmd := NewFunc(auth.LevelAdmin, func(p Proxy, args []string) (string, error) {
		got = args
		return "", nil
	})

	_, err := cmd.Execute(nil, []string{"switch", "alice"})
	require.NoError(t, err)
	assert.Equal(t, []string{"switch", "alice"}, got)
	assert.Equal(t, auth.LevelAdmin, cmd.PermissionLevel())
}
