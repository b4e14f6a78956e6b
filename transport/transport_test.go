package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransportClose(t *testing.T) {
	pub := &mockPublisher{}
	require.NoError(t, Transport{Publisher: pub}.Close())
	assert.True(t, pub.closed)

	assert.NoError(t, Transport{}.Close())
}

type testProvider struct{}

func (testProvider) Capabilities() Capabilities {
	return Capabilities{Name: "test"}
}

func TestCapabilitiesProvider_Interface(t *testing.T) {
	var p CapabilitiesProvider = testProvider{}
	assert.Equal(t, "test", p.Capabilities().Name)
}
