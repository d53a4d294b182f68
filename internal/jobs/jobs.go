// Package jobs defines the reconciliation jobs Yoma runs and the registry that builds them.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"yoma-reconciler/internal/models"
	"yoma-reconciler/internal/provider"
	"yoma-reconciler/internal/reconcile"
	"yoma-reconciler/internal/store"
)

// Item tables and their status tables.
var (
	WalletTable       = store.Table{Name: "wallet_creation", StatusTable: "wallet_creation_status"}
	TenantTable       = store.Table{Name: "ssi_tenant_creation", StatusTable: "ssi_tenant_creation_status"}
	CredentialTable   = store.Table{Name: "ssi_credential_issuance", StatusTable: "ssi_credential_issuance_status"}
	RewardTable       = store.Table{Name: "reward_transaction", StatusTable: "reward_transaction_status"}
	ExpirationTable   = store.Table{Name: "opportunity", StatusTable: "opportunity_status", DueColumn: "date_end", HasDateEnd: true}
	DeletionTable     = store.Table{Name: "opportunity", StatusTable: "opportunity_status", DueColumn: "date_modified", HasDateEnd: true}
	VerificationTable = store.Table{Name: "my_opportunity_verification", StatusTable: "verification_status", DueColumn: "date_modified"}
)

// WalletProvider is the rewards service as the wallet and reward jobs see it.
type WalletProvider interface {
	CreateWallet(ctx context.Context, req provider.WalletRequest) (provider.Wallet, error)
	FindWallet(ctx context.Context, username string) (provider.Wallet, bool, error)
	PostReward(ctx context.Context, req provider.RewardRequest) (provider.RewardTransaction, error)
	FindReward(ctx context.Context, reference string) (provider.RewardTransaction, bool, error)
}

// SSIProvider is the credential service as the tenant and credential jobs see it.
type SSIProvider interface {
	CreateTenant(ctx context.Context, req provider.TenantRequest) (provider.Tenant, error)
	FindTenant(ctx context.Context, reference string) (provider.Tenant, bool, error)
	IssueCredential(ctx context.Context, req provider.CredentialRequest) (provider.Credential, error)
	FindCredential(ctx context.Context, reference string) (provider.Credential, bool, error)
}

// Parents finds the newest row of a parent table by a payload field.
type Parents interface {
	LatestByPayload(ctx context.Context, key, value string) (models.PendingItem, error)
}

// ItemStore is everything the registry and the ops API need from one item table.
type ItemStore interface {
	reconcile.Repository
	Parents
	Get(ctx context.Context, id string) (models.PendingItem, error)
	Insert(ctx context.Context, item models.PendingItem) error
	Requeue(ctx context.Context, id, fromStatusID, toStatusID string, maxRetry int, now time.Time) error
}

// parentID returns the external id of the parent row that satisfies key=value. A parent that
// is still pending defers the item; one that failed, or never existed, fails it for good.
func parentID(ctx context.Context, parents Parents, what, key, value string) (string, error) {
	parent, err := parents.LatestByPayload(ctx, key, value)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return "", fmt.Errorf("%s for %s: %w", what, value, provider.ErrReferenceMissing)
	case err != nil:
		return "", fmt.Errorf("look up %s for %s: %w", what, value, err)
	}

	switch {
	case strings.EqualFold(parent.Status, models.StatusCreated):
		if parent.ExternalID == nil || *parent.ExternalID == "" {
			return "", provider.Permanentf(what, "%s %s has no external id", what, parent.ID)
		}
		return *parent.ExternalID, nil
	case strings.EqualFold(parent.Status, models.StatusError):
		return "", provider.Permanentf(what, "%s %s failed", what, parent.ID)
	default:
		return "", reconcile.Defer("%s %s is %s", what, parent.ID, parent.Status)
	}
}
