package server

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/letsencrypt/challtestsrv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cpu/acmebroker/acme/resources"
)

func TestValidatorRegistry(t *testing.T) {
	registry := NewValidatorRegistry()
	require.NoError(t, registry.Register(&DummyValidator{}))

	assert.Equal(t, []resources.ChallengeType{resources.HTTP01, resources.DNS01},
		registry.ChallengeTypes())

	// a second validator for an occupied slot is a configuration error
	assert.Error(t, registry.Register(&DummyValidator{}))
}

func TestValidatorRegistryDispatch(t *testing.T) {
	registry := NewValidatorRegistry()
	require.NoError(t, registry.Register(&DummyValidator{}))

	challenge := &resources.Challenge{Type: resources.HTTP01}
	assert.NoError(t, registry.Validate(context.Background(), challenge, ValidationContext{}))

	unknown := &resources.Challenge{Type: "tls-alpn-01"}
	err := registry.Validate(context.Background(), unknown, ValidationContext{})
	require.Error(t, err)
	// a missing validator is a server misconfiguration, not a client failure
	_, isClientFailure := err.(*CouldNotValidate)
	assert.False(t, isClientFailure)
}

func TestRequestIPDNSValidatorNoClientIP(t *testing.T) {
	v := &RequestIPDNSValidator{}
	err := v.Validate(context.Background(),
		&resources.Challenge{Type: resources.HTTP01},
		ValidationContext{Identifier: "example.com"})
	var failure *CouldNotValidate
	require.ErrorAs(t, err, &failure)
}

func TestRequestIPDNSValidator(t *testing.T) {
	challSrv, err := challtestsrv.New(challtestsrv.Config{
		DNSOneAddrs: []string{"127.0.0.1:8053"},
	})
	require.NoError(t, err)
	go challSrv.Run()
	defer challSrv.Shutdown()
	// give the DNS listener a moment to come up
	time.Sleep(100 * time.Millisecond)

	challSrv.SetDefaultDNSIPv4("")
	challSrv.AddDNSARecord("match.example.com", []string{"192.0.2.10"})
	defer challSrv.DeleteDNSARecord("match.example.com")

	v := &RequestIPDNSValidator{ResolverAddress: "127.0.0.1:8053"}
	challenge := &resources.Challenge{Type: resources.HTTP01}

	t.Run("requester address in DNS", func(t *testing.T) {
		err := v.Validate(context.Background(), challenge, ValidationContext{
			Identifier: "match.example.com",
			ClientIP:   net.ParseIP("192.0.2.10"),
		})
		assert.NoError(t, err)
	})

	t.Run("requester address not in DNS", func(t *testing.T) {
		err := v.Validate(context.Background(), challenge, ValidationContext{
			Identifier: "match.example.com",
			ClientIP:   net.ParseIP("198.51.100.5"),
		})
		var failure *CouldNotValidate
		require.ErrorAs(t, err, &failure)
	})

	t.Run("name without records", func(t *testing.T) {
		err := v.Validate(context.Background(), challenge, ValidationContext{
			Identifier: "unknown.example.com",
			ClientIP:   net.ParseIP("192.0.2.10"),
		})
		var failure *CouldNotValidate
		require.ErrorAs(t, err, &failure)
	})
}

func TestDummyValidator(t *testing.T) {
	v := &DummyValidator{}
	assert.NoError(t, v.Validate(context.Background(),
		&resources.Challenge{Type: resources.DNS01}, ValidationContext{}))
}
