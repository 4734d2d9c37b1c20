package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAddress(t *testing.T) {
	addr, err := NewAddress("User+Lists@Example.COM")
	require.NoError(t, err)
	assert.Equal(t, "user+lists@example.com", addr.FullAddress())
	assert.Equal(t, "user+lists", addr.LocalPart())
	assert.Equal(t, "example.com", addr.Domain())
	assert.Equal(t, "lists", addr.Detail())
	assert.Equal(t, "user", addr.BaseLocalPart())
	assert.Equal(t, "user@example.com", addr.BaseAddress())
}

func TestNewAddressNoDetail(t *testing.T) {
	addr, err := NewAddress("user@example.com")
	require.NoError(t, err)
	assert.Empty(t, addr.Detail())
	assert.Equal(t, "user@example.com", addr.BaseAddress())
}

func TestNewAddressInvalid(t *testing.T) {
	for _, input := range []string{
		"",
		"no-at-sign",
		"two@@example.com",
		"a@b@c.com",
		"user@",
		"@example.com",
		"user name@example.com",
	} {
		_, err := NewAddress(input)
		assert.Error(t, err, "input %q", input)
	}
}
