package jobs

import (
	"context"

	"yoma-reconciler/internal/models"
	"yoma-reconciler/internal/provider"
	"yoma-reconciler/internal/reconcile"
)

// TenantCreation creates SSI tenants for users and organizations. The entity id is the
// tenant reference, so a retried item can find a tenant an earlier attempt created.
func TenantCreation(items reconcile.Repository, statuses reconcile.StatusResolver, ssi SSIProvider) reconcile.Job[models.TenantCreationPayload] {
	return reconcile.Job[models.TenantCreationPayload]{
		Name:       models.JobTenantCreation,
		Repository: items,
		Statuses:   statuses,
		Sources:    []string{models.StatusPending},
		Success:    models.StatusCreated,
		Call: func(ctx context.Context, _ models.PendingItem, p models.TenantCreationPayload) (string, error) {
			t, err := ssi.CreateTenant(ctx, provider.TenantRequest{
				Reference:  p.EntityID,
				EntityType: p.EntityType,
				Name:       p.Name,
				Email:      p.Email,
				Roles:      p.Roles,
			})
			if err != nil {
				return "", err
			}
			return t.ID, nil
		},
		Lookup: func(ctx context.Context, _ models.PendingItem, p models.TenantCreationPayload) (string, bool, error) {
			t, found, err := ssi.FindTenant(ctx, p.EntityID)
			return t.ID, found, err
		},
	}
}

// CredentialIssuance issues credentials once both the issuer and the holder tenant exist.
func CredentialIssuance(items reconcile.Repository, statuses reconcile.StatusResolver, tenants Parents, ssi SSIProvider) reconcile.Job[models.CredentialIssuancePayload] {
	return reconcile.Job[models.CredentialIssuancePayload]{
		Name:       models.JobCredentialIssuance,
		Repository: items,
		Statuses:   statuses,
		Sources:    []string{models.StatusPending},
		Success:    models.StatusIssued,
		Call: func(ctx context.Context, item models.PendingItem, p models.CredentialIssuancePayload) (string, error) {
			issuer, err := parentID(ctx, tenants, "issuer tenant", "entity_id", p.IssuerEntityID)
			if err != nil {
				return "", err
			}
			holder, err := parentID(ctx, tenants, "holder tenant", "entity_id", p.HolderEntityID)
			if err != nil {
				return "", err
			}
			c, err := ssi.IssueCredential(ctx, provider.CredentialRequest{
				Reference:      item.ID,
				SchemaName:     p.SchemaName,
				ArtifactType:   p.ArtifactType,
				IssuerTenantID: issuer,
				HolderTenantID: holder,
				Attributes:     p.Attributes,
			})
			if err != nil {
				return "", err
			}
			return c.ID, nil
		},
		Lookup: func(ctx context.Context, item models.PendingItem, _ models.CredentialIssuancePayload) (string, bool, error) {
			c, found, err := ssi.FindCredential(ctx, item.ID)
			return c.ID, found, err
		},
	}
}
