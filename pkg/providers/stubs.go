package providers

import (
	"context"

	"github.com/machinist/machinist/pkg/engine"
)

// stub is a placeholder adapter for providers without an implementation
// yet. Every operation fails with UNSUPPORTED_PROVIDER.
type stub struct {
	provider engine.ProviderType
}

func newStub(provider engine.ProviderType) *stub {
	return &stub{provider: provider}
}

func (s *stub) Type() engine.ProviderType { return s.provider }

func (s *stub) err() error {
	return engine.NewUnsupportedProviderError(s.provider)
}

func (s *stub) ListRegions(ctx context.Context, creds *engine.Credentials) ([]engine.Region, error) {
	return nil, s.err()
}

func (s *stub) ListSizes(ctx context.Context, creds *engine.Credentials) ([]engine.Size, error) {
	return nil, s.err()
}

func (s *stub) ListImages(ctx context.Context, creds *engine.Credentials) ([]engine.Image, error) {
	return nil, s.err()
}

func (s *stub) ValidateCredentials(ctx context.Context, creds *engine.Credentials) error {
	return s.err()
}

func (s *stub) CreateResource(ctx context.Context, creds *engine.Credentials, machine *engine.Machine, params engine.DeploymentParams) (*engine.ObservedState, error) {
	return nil, s.err()
}

func (s *stub) DestroyResource(ctx context.Context, creds *engine.Credentials, resourceID string) error {
	return s.err()
}

func (s *stub) RebootResource(ctx context.Context, creds *engine.Credentials, resourceID string) error {
	return s.err()
}

func (s *stub) DescribeResource(ctx context.Context, creds *engine.Credentials, resourceID string) (*engine.ObservedState, error) {
	return nil, s.err()
}

func (s *stub) TerraformSource(creds *engine.Credentials, machine *engine.Machine, params engine.DeploymentParams) (*engine.WorkspaceSource, error) {
	return nil, s.err()
}
