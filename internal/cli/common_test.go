package cli

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/probing-io/probing/internal/proto"
)

func TestExitCodeFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, ExitOK},
		{proto.Errorf(proto.CatBadRequest, "bad"), ExitUserError},
		{proto.Errorf(proto.CatTargetUnreachable, "gone"), ExitUnreachable},
		{proto.Errorf(proto.CatPermission, "denied"), ExitUnreachable},
		{proto.Errorf(proto.CatAuthRequired, "creds"), ExitAuthFailed},
		{proto.Errorf(proto.CatForbidden, "no"), ExitAuthFailed},
		{errors.New("plain"), ExitUserError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ExitCodeFor(tt.err), "%v", tt.err)
	}
}

func TestParseSets(t *testing.T) {
	sets, err := parseSets([]string{"a.b=1", "c.d=hello=world"})
	require.NoError(t, err)
	require.Len(t, sets, 2)
	assert.Equal(t, proto.KV{Key: "a.b", Value: "1"}, sets[0])
	assert.Equal(t, proto.KV{Key: "c.d", Value: "hello=world"}, sets[1])

	_, err = parseSets([]string{"novalue"})
	require.Error(t, err)
	_, err = parseSets([]string{"=v"})
	require.Error(t, err)
}
