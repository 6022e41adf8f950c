package passphrase

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func fakeSource(env map[string]string, terminal bool, typed string) *Source {
	s := NewSource("ESCROW_SECRET", "hmac secret")
	s.lookupEnv = func(k string) (string, bool) { v, ok := env[k]; return v, ok }
	s.isTerminal = func(int) bool { return terminal }
	s.readSecret = func(int) ([]byte, error) { return []byte(typed), nil }
	s.prompt = &bytes.Buffer{}
	return s
}

func TestSourcePrefersEnvironment(t *testing.T) {
	s := fakeSource(map[string]string{"ESCROW_SECRET": "from-env"}, true, "typed")
	got, err := s.Get()
	require.NoError(t, err)
	require.Equal(t, "from-env", got)
}

func TestSourcePromptsOnTerminal(t *testing.T) {
	s := fakeSource(nil, true, "typed")
	got, err := s.Get()
	require.NoError(t, err)
	require.Equal(t, "typed", got)
	require.Contains(t, s.prompt.(*bytes.Buffer).String(), "Enter hmac secret")
}

func TestSourceRejections(t *testing.T) {
	_, err := fakeSource(map[string]string{"ESCROW_SECRET": "  "}, true, "typed").Get()
	require.ErrorContains(t, err, "set but empty")

	_, err = fakeSource(nil, false, "").Get()
	require.ErrorContains(t, err, "ESCROW_SECRET")

	_, err = fakeSource(nil, true, "   ").Get()
	require.ErrorContains(t, err, "cannot be empty")
}
