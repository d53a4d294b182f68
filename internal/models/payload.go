package models

import (
	"github.com/shopspring/decimal"
)

// Job names. They double as lock keys, metric labels and asynq task suffixes.
const (
	JobWalletCreation        = "wallet_creation"
	JobTenantCreation        = "ssi_tenant_creation"
	JobCredentialIssuance    = "ssi_credential_issuance"
	JobRewardTransaction     = "reward_transaction"
	JobOpportunityExpiration = "opportunity_expiration"
	JobOpportunityDeletion   = "opportunity_deletion"
	JobVerificationRejection = "verification_rejection"
)

// Entity types an SSI tenant can be created for.
const (
	EntityTypeUser         = "User"
	EntityTypeOrganization = "Organization"
)

// WalletCreationPayload requests a rewards wallet for a user.
type WalletCreationPayload struct {
	UserID      string `json:"user_id" validate:"required,uuid"`
	Username    string `json:"username" validate:"required"`
	DisplayName string `json:"display_name"`
	Email       string `json:"email" validate:"omitempty,email"`
}

// TenantCreationPayload requests an SSI tenant for a user or organization.
type TenantCreationPayload struct {
	EntityType string   `json:"entity_type" validate:"required,oneof=User Organization"`
	EntityID   string   `json:"entity_id" validate:"required"`
	Name       string   `json:"name" validate:"required"`
	Email      string   `json:"email" validate:"omitempty,email"`
	Roles      []string `json:"roles"`
}

// CredentialIssuancePayload requests a verifiable credential for a holder.
type CredentialIssuancePayload struct {
	SchemaName      string            `json:"schema_name" validate:"required"`
	ArtifactType    string            `json:"artifact_type" validate:"required,oneof=Indy JWS"`
	IssuerEntityID  string            `json:"issuer_entity_id" validate:"required"`
	HolderEntityID  string            `json:"holder_entity_id" validate:"required"`
	MyOpportunityID string            `json:"my_opportunity_id"`
	Attributes      map[string]string `json:"attributes" validate:"required,min=1"`
}

// RewardTransactionPayload credits a user's wallet for a completed opportunity.
type RewardTransactionPayload struct {
	UserID           string          `json:"user_id" validate:"required,uuid"`
	Username         string          `json:"username" validate:"required"`
	SourceEntityType string          `json:"source_entity_type" validate:"required"`
	MyOpportunityID  string          `json:"my_opportunity_id"`
	Amount           decimal.Decimal `json:"amount"`
}

// OpportunityPayload is informational; expiry and deletion run on dates only.
type OpportunityPayload struct {
	Title          string `json:"title"`
	OrganizationID string `json:"organization_id"`
}

// VerificationPayload is informational; rejection runs on dates only.
type VerificationPayload struct {
	UserID        string `json:"user_id"`
	OpportunityID string `json:"opportunity_id"`
}
