package challenge_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ctfforge/ctfforge/internal/challenge"
)

func TestFlagMatches(t *testing.T) {
	t.Run("ExactCaseSensitive", func(t *testing.T) {
		flag := challenge.Flag{Value: "ctf{abc}", CaseSensitive: true}

		matched, err := flag.Matches("ctf{abc}", "ctf{abc}")
		require.NoError(t, err)
		assert.True(t, matched)

		matched, err = flag.Matches("CTF{ABC}", "ctf{abc}")
		require.NoError(t, err)
		assert.False(t, matched)
	})

	t.Run("ExactCaseInsensitive", func(t *testing.T) {
		flag := challenge.Flag{Value: "CTF{ABC}"}

		matched, err := flag.Matches("CTF{ABC}", "ctf{abc}")
		require.NoError(t, err)
		assert.True(t, matched)
	})

	t.Run("Regex", func(t *testing.T) {
		flag := challenge.Flag{Value: `^ctf\{.+\}$`, Regex: true, CaseSensitive: true}

		matched, err := flag.Matches(`^ctf\{.+\}$`, "ctf{anything goes}")
		require.NoError(t, err)
		assert.True(t, matched)

		matched, err = flag.Matches(`^ctf\{.+\}$`, "not a flag")
		require.NoError(t, err)
		assert.False(t, matched)
	})

	t.Run("RegexCaseInsensitive", func(t *testing.T) {
		flag := challenge.Flag{Value: `^ctf\{v\}$`, Regex: true}

		matched, err := flag.Matches(`^ctf\{v\}$`, "CTF{V}")
		require.NoError(t, err)
		assert.True(t, matched)
	})

	t.Run("BadPattern", func(t *testing.T) {
		flag := challenge.Flag{Value: "([", Regex: true}

		_, err := flag.Matches("([", "anything")
		require.Error(t, err)
	})
}

func TestFlagResolve(t *testing.T) {
	t.Run("StaticValue", func(t *testing.T) {
		flag := challenge.Flag{Value: "ctf{static}"}

		value, err := flag.Resolve(nil)
		require.NoError(t, err)
		assert.Equal(t, "ctf{static}", value)
	})

	t.Run("EnvBound", func(t *testing.T) {
		flag := challenge.Flag{Env: "FLAG_SECRET"}

		value, err := flag.Resolve(map[string]string{"FLAG_SECRET": "ctf{generated}"})
		require.NoError(t, err)
		assert.Equal(t, "ctf{generated}", value)
	})

	t.Run("EnvMissing", func(t *testing.T) {
		flag := challenge.Flag{Env: "FLAG_SECRET"}

		_, err := flag.Resolve(map[string]string{})
		require.Error(t, err)
	})

	t.Run("Type", func(t *testing.T) {
		assert.Equal(t, challenge.FlagTypeStatic, (&challenge.Flag{Value: "x"}).Type())
		assert.Equal(t, challenge.FlagTypeRegex, (&challenge.Flag{Value: "x", Regex: true}).Type())
	})
}
