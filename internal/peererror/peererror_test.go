package peererror

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestErrorString(t *testing.T) {
	err := New(Network, errors.New("bad length prefix"))
	require.Equal(t, "network_error: bad length prefix", err.Error())

	bare := New(Storage, nil)
	require.Equal(t, "storage_error", bare.Error())
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("short read")
	err := New(Internal, cause)
	require.Equal(t, cause, errors.Unwrap(err))
	require.True(t, errors.Is(err, cause))
}

func TestFormattedConstructors(t *testing.T) {
	require.Equal(t, Network, Networkf("got %d bytes", 3).Kind)
	require.Equal(t, Storage, Storagef("lease %d busy", 1).Kind)
	require.Equal(t, Communication, Communicationf("no such chunk %d", 2).Kind)
	require.Equal(t, Internal, Internalf("unreachable").Kind)
}

func TestKindString(t *testing.T) {
	require.Equal(t, "internal_error", Internal.String())
	require.Equal(t, "network_error", Network.String())
	require.Equal(t, "communication_error", Communication.String())
	require.Equal(t, "storage_error", Storage.String())
	require.Equal(t, "unknown_error", Kind(99).String())
}
