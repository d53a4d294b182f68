package provider

import (
	"context"
	"net/http"
	"net/url"
)

// TenantRequest creates an SSI tenant for a user or organization.
type TenantRequest struct {
	Reference  string   `json:"reference"`
	EntityType string   `json:"entity_type"`
	Name       string   `json:"name"`
	Email      string   `json:"email,omitempty"`
	Roles      []string `json:"roles,omitempty"`
}

type Tenant struct {
	ID        string `json:"id"`
	Reference string `json:"reference"`
}

// CredentialRequest issues a credential from the issuer tenant to the holder tenant.
type CredentialRequest struct {
	Reference      string            `json:"reference"`
	SchemaName     string            `json:"schema_name"`
	ArtifactType   string            `json:"artifact_type"`
	IssuerTenantID string            `json:"issuer_tenant_id"`
	HolderTenantID string            `json:"holder_tenant_id"`
	Attributes     map[string]string `json:"attributes"`
}

type Credential struct {
	ID        string `json:"id"`
	Reference string `json:"reference"`
}

// SSI talks to the verifiable credential service.
type SSI struct {
	c *client
}

func NewSSI(opts Options) *SSI {
	return &SSI{c: newClient("ssi", opts)}
}

func (s *SSI) CreateTenant(ctx context.Context, req TenantRequest) (Tenant, error) {
	var t Tenant
	err := s.c.do(ctx, "create tenant", http.MethodPost, "/tenants", req, &t)
	return t, err
}

func (s *SSI) FindTenant(ctx context.Context, reference string) (Tenant, bool, error) {
	var t Tenant
	err := s.c.do(ctx, "find tenant", http.MethodGet, "/tenants?reference="+url.QueryEscape(reference), nil, &t)
	if isNotFound(err) {
		return Tenant{}, false, nil
	}
	if err != nil {
		return Tenant{}, false, err
	}
	return t, true, nil
}

func (s *SSI) IssueCredential(ctx context.Context, req CredentialRequest) (Credential, error) {
	var c Credential
	err := s.c.do(ctx, "issue credential", http.MethodPost, "/credentials", req, &c)
	return c, err
}

func (s *SSI) FindCredential(ctx context.Context, reference string) (Credential, bool, error) {
	var c Credential
	err := s.c.do(ctx, "find credential", http.MethodGet, "/credentials/"+url.PathEscape(reference), nil, &c)
	if isNotFound(err) {
		return Credential{}, false, nil
	}
	if err != nil {
		return Credential{}, false, err
	}
	return c, true, nil
}
