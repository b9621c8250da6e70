package lounge

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"regserv/pkg/proc"
)

// fakeCLI mimics "thelounge add|reset <nick>": add writes the user file, every call is logged.
const fakeCLI = `
verb="$1"; nick="$2"
read -r pass
echo "$verb $nick $pass" >> "$DATA/calls.log"
case "$verb" in
  add)
    read -r logs
    [ "$SKIP_CREATE" = 1 ] || echo '{}' > "$DATA/users/$nick.json"
    ;;
  reset)
    [ "$FAIL_RESET" = 1 ] && { echo "reset failed" >&2; exit 1; }
    ;;
esac
exit 0
`

func newAccounts(t *testing.T) (*Accounts, string) {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "users"), 0o755))
	t.Setenv("DATA", dir)

	acc, err := New(Config{
		Command: []string{"sh", "-c", fakeCLI, "thelounge"},
		DataDir: dir,
		Logger:  zerolog.Nop(),
	})
	require.NoError(t, err)
	return acc, dir
}

func calls(t *testing.T, dir string) []string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, "calls.log"))
	require.NoError(t, err)
	return strings.Split(strings.TrimSpace(string(data)), "\n")
}

func TestProvisionCreatesMissingUser(t *testing.T) {
	acc, dir := newAccounts(t)

	result, err := acc.Provision(context.Background(), "carol", "p1")
	require.NoError(t, err)
	assert.Equal(t, Created, result)
	assert.FileExists(t, acc.UserFile("carol"))
	assert.Equal(t, []string{"add carol p1", "reset carol p1"}, calls(t, dir))
}

func TestProvisionUpdatesExistingUser(t *testing.T) {
	acc, dir := newAccounts(t)
	require.NoError(t, os.WriteFile(acc.UserFile("bob"), []byte("{}"), 0o600))

	result, err := acc.Provision(context.Background(), "bob", "p2")
	require.NoError(t, err)
	assert.Equal(t, Updated, result)
	assert.Equal(t, []string{"reset bob p2"}, calls(t, dir))
}

func TestProvisionFailsWhenAddDoesNotCreate(t *testing.T) {
	acc, _ := newAccounts(t)
	t.Setenv("SKIP_CREATE", "1")

	result, err := acc.Provision(context.Background(), "carol", "p1")
	assert.Equal(t, Failed, result)
	assert.ErrorIs(t, err, ErrMissingUser)
}

func TestProvisionReportsResetFailure(t *testing.T) {
	acc, _ := newAccounts(t)
	t.Setenv("FAIL_RESET", "1")

	result, err := acc.Provision(context.Background(), "carol", "p1")
	assert.Equal(t, Failed, result)
	var procErr *proc.Error
	require.ErrorAs(t, err, &procErr)
	assert.Contains(t, procErr.Output, "reset failed")
}

func TestProvisionRejectsPathNicknames(t *testing.T) {
	acc, _ := newAccounts(t)
	for _, nick := range []string{"", "../etc", "a/b"} {
		_, err := acc.Provision(context.Background(), nick, "p1")
		assert.Error(t, err, nick)
	}
}

func TestDockerCommand(t *testing.T) {
	assert.Equal(t,
		[]string{"docker", "exec", "--user", "node:node", "-i", "thelounge", "thelounge"},
		DockerCommand("node", "node"),
	)
}

func TestResultString(t *testing.T) {
	assert.Equal(t, "created", Created.String())
	assert.Equal(t, "updated", Updated.String())
	assert.Equal(t, "failed", Failed.String())
}
