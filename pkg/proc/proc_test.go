package proc

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun(t *testing.T) {
	ctx := context.Background()

	t.Run("success captures output", func(t *testing.T) {
		out, err := Run(ctx, Command{
			Argv:  []string{"sh", "-c", `read line; echo "got $line $GREETING"`},
			Stdin: strings.NewReader("hello\n"),
			Env:   []string{"GREETING=world"},
		})
		require.NoError(t, err)
		assert.Equal(t, "got hello world", out)
	})

	t.Run("non-zero exit", func(t *testing.T) {
		_, err := Run(ctx, Command{Argv: []string{"sh", "-c", "echo boom >&2; exit 3"}})
		var procErr *Error
		require.ErrorAs(t, err, &procErr)
		assert.Equal(t, "sh", procErr.Name)
		assert.Equal(t, "boom", procErr.Output)
		assert.Equal(t, 3, procErr.ExitCode())
	})

	t.Run("missing binary", func(t *testing.T) {
		_, err := Run(ctx, Command{Argv: []string{"/nonexistent/regserv-binary"}})
		var procErr *Error
		require.ErrorAs(t, err, &procErr)
		assert.Equal(t, -1, procErr.ExitCode())
	})

	t.Run("deadline", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		defer cancel()
		_, err := Run(ctx, Command{Argv: []string{"sleep", "5"}})
		assert.True(t, errors.Is(err, context.DeadlineExceeded))
	})

	t.Run("empty", func(t *testing.T) {
		_, err := Run(ctx, Command{})
		assert.Error(t, err)
	})
}

func TestSplit(t *testing.T) {
	assert.Equal(t, []string{"docker", "exec", "-i", "thelounge"}, Split("  docker exec  -i thelounge "))
	assert.Empty(t, Split(""))
}
