package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCapabilities_SupportsReliableDelivery(t *testing.T) {
	tests := []struct {
		name string
		caps Capabilities
		want bool
	}{
		{"confirms and durable", Capabilities{SupportsConfirms: true, Durable: true}, true},
		{"confirms only", Capabilities{SupportsConfirms: true}, false},
		{"durable only", Capabilities{Durable: true}, false},
		{"neither", Capabilities{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.caps.SupportsReliableDelivery())
		})
	}
}

func TestPredefinedCapabilities(t *testing.T) {
	assert.True(t, RabbitMQCapabilities.SupportsReliableDelivery())
	assert.True(t, KafkaCapabilities.SupportsReliableDelivery())
	assert.True(t, AWSCapabilities.SupportsReliableDelivery())
	assert.False(t, NATSCapabilities.SupportsReliableDelivery())
	assert.False(t, ChannelCapabilities.SupportsReliableDelivery())
	assert.False(t, HTTPCapabilities.SupportsReliableDelivery())

	for _, caps := range []Capabilities{
		ChannelCapabilities, KafkaCapabilities, RabbitMQCapabilities,
		NATSCapabilities, AWSCapabilities, HTTPCapabilities,
	} {
		assert.NotEmpty(t, caps.Name)
	}
}
