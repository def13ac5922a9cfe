// Package uuid includes tests for the UUID generator wrapper.
package uuid

import (
	"testing"

	goUUID "github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestGeneratorNewID(t *testing.T) {
	t.Parallel()

	gen := New()
	id1, err := gen.NewID()
	require.NoError(t, err)
	id2, err := gen.NewID()
	require.NoError(t, err)
	require.NotEqual(t, id1, id2)

	parsed, err := goUUID.Parse(id1)
	require.NoError(t, err)
	require.Equal(t, goUUID.Version(7), parsed.Version())
	require.True(t, Valid(id1))
	require.False(t, Valid("not-a-uuid"))
}

func TestGeneratorNewToken(t *testing.T) {
	t.Parallel()

	token, err := New().NewToken()
	require.NoError(t, err)
	parsed, err := goUUID.Parse(token)
	require.NoError(t, err)
	require.Equal(t, goUUID.Version(4), parsed.Version())
}
