package mailer

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"regserv/pkg/proc"
)

func TestHumanDuration(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{time.Hour, "1 hour"},
		{2 * time.Hour, "2 hours"},
		{90 * time.Minute, "1 hour and 30 minutes"},
		{61 * time.Minute, "1 hour and 1 minute"},
		{45 * time.Minute, "45 minutes"},
		{time.Minute, "1 minute"},
		{30 * time.Second, "30 seconds"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, HumanDuration(tt.in))
		})
	}
}

func TestComposeLink(t *testing.T) {
	msg := ComposeLink(Link{
		To:       "a@x.com",
		Network:  "chat.example.org",
		BaseURL:  "https://regserv.example.org/",
		Token:    "abc123",
		Validity: time.Hour,
	})

	assert.Equal(t, "a@x.com", msg.To)
	assert.Equal(t, "[RegServ] Registration Link for chat.example.org", msg.Subject)
	assert.Contains(t, msg.Body, "    https://regserv.example.org/abc123\n")
	assert.Contains(t, msg.Body, "valid for 1 hour.")

	rendered := msg.String()
	assert.Contains(t, rendered, "Subject: [RegServ] Registration Link for chat.example.org\n")
	assert.Contains(t, rendered, "To: a@x.com\n")
}

func TestMsmtpCommand(t *testing.T) {
	assert.Equal(t, []string{"msmtp", "-C", "configs/msmtprc"}, MsmtpCommand("msmtp", "configs/msmtprc"))
	assert.Equal(t, []string{"msmtp"}, MsmtpCommand("msmtp", ""))
}

func TestSend(t *testing.T) {
	ctx := context.Background()

	t.Run("passes recipient and message", func(t *testing.T) {
		dir := t.TempDir()
		out := filepath.Join(dir, "mail.txt")
		script := `printf '%s\n' "$@" > "$OUT"; cat >> "$OUT"`

		sender, err := New(Config{Command: []string{"sh", "-c", script, "sh"}, Logger: zerolog.Nop()})
		require.NoError(t, err)
		t.Setenv("OUT", out)

		msg := Message{To: "a@x.com", Subject: "hi", Body: "body"}
		require.NoError(t, sender.Send(ctx, msg))

		data, err := os.ReadFile(out)
		require.NoError(t, err)
		assert.Equal(t, "--\na@x.com\n"+msg.String(), string(data))
	})

	t.Run("option-like recipient stays an operand", func(t *testing.T) {
		dir := t.TempDir()
		out := filepath.Join(dir, "argv.txt")
		// Mimics getopt: fail on any flag seen before "--".
		script := `for a in "$@"; do
  case "$a" in
    --) shift; break ;;
    -*) echo "unexpected option $a" >&2; exit 64 ;;
  esac
  shift
done
printf '%s\n' "$@" > "$OUT"; cat >/dev/null`

		sender, err := New(Config{Command: []string{"sh", "-c", script, "sh"}, Logger: zerolog.Nop()})
		require.NoError(t, err)
		t.Setenv("OUT", out)

		require.NoError(t, sender.Send(ctx, Message{To: "--logfile=/tmp/x@a.com", Subject: "hi", Body: "body"}))
		data, err := os.ReadFile(out)
		require.NoError(t, err)
		assert.Equal(t, "--logfile=/tmp/x@a.com\n", string(data))
	})

	t.Run("non-zero exit is reported", func(t *testing.T) {
		sender, err := New(Config{Command: []string{"sh", "-c", "cat >/dev/null; echo 'msmtp: cannot connect' >&2; exit 69", "sh"}})
		require.NoError(t, err)

		err = sender.Send(ctx, Message{To: "a@x.com", Subject: "hi", Body: "body"})
		var procErr *proc.Error
		require.ErrorAs(t, err, &procErr)
		assert.Equal(t, 69, procErr.ExitCode())
		assert.Contains(t, procErr.Output, "cannot connect")
	})

	t.Run("rejects header injection", func(t *testing.T) {
		sender, err := New(Config{Command: []string{"true"}})
		require.NoError(t, err)
		assert.Error(t, sender.Send(ctx, Message{To: "a@x.com\nBcc: b@y.com", Subject: "hi"}))
	})

	t.Run("requires command", func(t *testing.T) {
		_, err := New(Config{})
		assert.Error(t, err)
	})
}
