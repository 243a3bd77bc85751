package server

import (
	"context"
	"fmt"
	"net"

	"github.com/miekg/dns"

	"github.com/cpu/acmebroker/acme/resources"
)

// CouldNotValidate is the error validators return when the challenge
// response was checked and found wanting. The caller records the detail on
// the challenge and transitions it to INVALID.
type CouldNotValidate struct {
	Detail string
}

func (e *CouldNotValidate) Error() string {
	return e.Detail
}

// ValidationContext carries the per-request facts a validator may inspect.
type ValidationContext struct {
	// The identifier covered by the challenge's authorization, without any
	// wildcard prefix.
	Identifier string
	// The resolved source address of the client that triggered validation.
	ClientIP net.IP
}

// Validator checks one or more challenge types. Implementations must be safe
// for concurrent use; validations run in background tasks.
type Validator interface {
	// SupportedChallenges lists the challenge types this validator handles.
	SupportedChallenges() []resources.ChallengeType
	// Validate checks the challenge. A *CouldNotValidate return records the
	// failure on the challenge; any other error does the same and is logged
	// as unexpected.
	Validate(ctx context.Context, challenge *resources.Challenge, vctx ValidationContext) error
}

// ValidatorRegistry maps challenge types to their validator. It is built at
// startup and never mutated afterwards.
type ValidatorRegistry struct {
	byType map[resources.ChallengeType]Validator
	// challenge types in registration order, deduplicated
	types []resources.ChallengeType
}

// NewValidatorRegistry returns an empty registry.
func NewValidatorRegistry() *ValidatorRegistry {
	return &ValidatorRegistry{
		byType: make(map[resources.ChallengeType]Validator),
	}
}

// Register binds every challenge type the validator declares. Registering a
// type twice is a configuration error.
func (r *ValidatorRegistry) Register(v Validator) error {
	for _, typ := range v.SupportedChallenges() {
		if _, ok := r.byType[typ]; ok {
			return fmt.Errorf("a validator for challenge type %q is already registered", typ)
		}
		r.byType[typ] = v
		r.types = append(r.types, typ)
	}
	return nil
}

// ChallengeTypes returns the registered challenge types. New orders offer
// one challenge per registered type on every authorization.
func (r *ValidatorRegistry) ChallengeTypes() []resources.ChallengeType {
	return r.types
}

// Validate dispatches to the validator registered for the challenge's type.
// A missing validator is a configuration error, not a client failure.
func (r *ValidatorRegistry) Validate(ctx context.Context, challenge *resources.Challenge, vctx ValidationContext) error {
	v, ok := r.byType[challenge.Type]
	if !ok {
		return fmt.Errorf("no validator registered for challenge type %q", challenge.Type)
	}
	return v.Validate(ctx, challenge, vctx)
}

// RequestIPDNSValidator validates a challenge by resolving the identifier's
// A/AAAA records and checking that the requester's source address is among
// them. It occupies both the http-01 and dns-01 slots because it replaces
// them under an out-of-band trust model: possession of an address the name
// resolves to stands in for the challenge response.
type RequestIPDNSValidator struct {
	// The "host:port" of the resolver to query. Empty means the resolvers
	// from /etc/resolv.conf.
	ResolverAddress string
}

// SupportedChallenges implements Validator.
func (v *RequestIPDNSValidator) SupportedChallenges() []resources.ChallengeType {
	return []resources.ChallengeType{resources.HTTP01, resources.DNS01}
}

// Validate implements Validator.
func (v *RequestIPDNSValidator) Validate(ctx context.Context, challenge *resources.Challenge, vctx ValidationContext) error {
	if vctx.ClientIP == nil {
		return &CouldNotValidate{Detail: "no client address available for validation"}
	}

	addrs, err := v.resolve(ctx, vctx.Identifier)
	if err != nil {
		// A failed resolution counts as "no addresses".
		addrs = nil
	}
	for _, addr := range addrs {
		if addr.Equal(vctx.ClientIP) {
			return nil
		}
	}
	return &CouldNotValidate{
		Detail: fmt.Sprintf("requester address %s does not appear in the DNS records of %q",
			vctx.ClientIP, vctx.Identifier),
	}
}

// resolve queries A and AAAA records for the name.
func (v *RequestIPDNSValidator) resolve(ctx context.Context, name string) ([]net.IP, error) {
	servers, err := v.servers()
	if err != nil {
		return nil, err
	}

	var addrs []net.IP
	client := new(dns.Client)
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		query := new(dns.Msg)
		query.SetQuestion(dns.Fqdn(name), qtype)
		query.RecursionDesired = true

		var response *dns.Msg
		var lastErr error
		for _, server := range servers {
			response, _, lastErr = client.ExchangeContext(ctx, query, server)
			if lastErr == nil {
				break
			}
		}
		if lastErr != nil {
			return nil, fmt.Errorf("resolving %q: %w", name, lastErr)
		}

		for _, answer := range response.Answer {
			switch record := answer.(type) {
			case *dns.A:
				addrs = append(addrs, record.A)
			case *dns.AAAA:
				addrs = append(addrs, record.AAAA)
			}
		}
	}
	return addrs, nil
}

func (v *RequestIPDNSValidator) servers() ([]string, error) {
	if v.ResolverAddress != "" {
		return []string{v.ResolverAddress}, nil
	}
	conf, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil {
		return nil, fmt.Errorf("loading resolver configuration: %w", err)
	}
	servers := make([]string, 0, len(conf.Servers))
	for _, server := range conf.Servers {
		servers = append(servers, net.JoinHostPort(server, conf.Port))
	}
	if len(servers) == 0 {
		return nil, fmt.Errorf("no resolvers configured")
	}
	return servers, nil
}

// DummyValidator unconditionally succeeds. Test contexts only.
type DummyValidator struct{}

// SupportedChallenges implements Validator.
func (v *DummyValidator) SupportedChallenges() []resources.ChallengeType {
	return []resources.ChallengeType{resources.HTTP01, resources.DNS01}
}

// Validate implements Validator.
func (v *DummyValidator) Validate(ctx context.Context, challenge *resources.Challenge, vctx ValidationContext) error {
	return nil
}
