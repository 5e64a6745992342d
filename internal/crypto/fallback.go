package crypto

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/calebmoy/perpagent/internal/domain"
)

// CredentialResolver resolves an agent address to a signing credential.
type CredentialResolver interface {
	ResolveCredential(ctx context.Context, agentAddress string) (domain.Credential, error)
}

// FallbackResolver tries the vault first and falls back to the operator
// credential when the agent has no stored key. Used for non-delegated
// operation where trades are signed by the operator wallet directly.
type FallbackResolver struct {
	primary  CredentialResolver
	operator domain.Credential
}

// NewFallbackResolver wraps primary with an operator fallback. primary
// may be nil when no vault is configured, in which case every request
// resolves to the operator credential.
func NewFallbackResolver(primary CredentialResolver, operatorKeyHex string) (*FallbackResolver, error) {
	_, addr, err := ParsePrivateKey(operatorKeyHex)
	if err != nil {
		return nil, fmt.Errorf("crypto: operator key: %w", err)
	}
	return &FallbackResolver{
		primary: primary,
		operator: domain.Credential{
			Address:    addr,
			PrivateKey: strings.TrimPrefix(strings.TrimSpace(operatorKeyHex), "0x"),
		},
	}, nil
}

// ResolveCredential implements CredentialResolver.
func (f *FallbackResolver) ResolveCredential(ctx context.Context, agentAddress string) (domain.Credential, error) {
	if f.primary != nil {
		cred, err := f.primary.ResolveCredential(ctx, agentAddress)
		if err == nil {
			return cred, nil
		}
		if !errors.Is(err, domain.ErrAgentNotFound) {
			return domain.Credential{}, err
		}
	}
	return f.operator, nil
}
