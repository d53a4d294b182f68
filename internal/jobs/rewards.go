package jobs

import (
	"context"

	"yoma-reconciler/internal/models"
	"yoma-reconciler/internal/provider"
	"yoma-reconciler/internal/reconcile"
)

// WalletCreation creates a rewards wallet for each pending user. A retried item first asks
// the provider for a wallet with the same username.
func WalletCreation(items reconcile.Repository, statuses reconcile.StatusResolver, rewards WalletProvider) reconcile.Job[models.WalletCreationPayload] {
	return reconcile.Job[models.WalletCreationPayload]{
		Name:       models.JobWalletCreation,
		Repository: items,
		Statuses:   statuses,
		Sources:    []string{models.StatusPending},
		Success:    models.StatusCreated,
		Call: func(ctx context.Context, item models.PendingItem, p models.WalletCreationPayload) (string, error) {
			w, err := rewards.CreateWallet(ctx, provider.WalletRequest{
				Reference:   item.ID,
				Username:    p.Username,
				DisplayName: p.DisplayName,
				Email:       p.Email,
			})
			if err != nil {
				return "", err
			}
			return w.ID, nil
		},
		Lookup: func(ctx context.Context, _ models.PendingItem, p models.WalletCreationPayload) (string, bool, error) {
			w, found, err := rewards.FindWallet(ctx, p.Username)
			return w.ID, found, err
		},
	}
}

// RewardTransaction credits the user's wallet. It waits for the wallet creation of the same
// user and fails when that user never had one requested.
func RewardTransaction(items reconcile.Repository, statuses reconcile.StatusResolver, wallets Parents, rewards WalletProvider) reconcile.Job[models.RewardTransactionPayload] {
	return reconcile.Job[models.RewardTransactionPayload]{
		Name:       models.JobRewardTransaction,
		Repository: items,
		Statuses:   statuses,
		Sources:    []string{models.StatusPending},
		Success:    models.StatusProcessed,
		Call: func(ctx context.Context, item models.PendingItem, p models.RewardTransactionPayload) (string, error) {
			if !p.Amount.IsPositive() {
				return "", provider.Permanentf("post reward", "amount must be positive, got %s", p.Amount)
			}
			walletID, err := parentID(ctx, wallets, "wallet", "user_id", p.UserID)
			if err != nil {
				return "", err
			}
			tx, err := rewards.PostReward(ctx, provider.RewardRequest{
				Reference:        item.ID,
				WalletID:         walletID,
				Username:         p.Username,
				SourceEntityType: p.SourceEntityType,
				Amount:           p.Amount,
			})
			if err != nil {
				return "", err
			}
			return tx.ID, nil
		},
		Lookup: func(ctx context.Context, item models.PendingItem, _ models.RewardTransactionPayload) (string, bool, error) {
			tx, found, err := rewards.FindReward(ctx, item.ID)
			return tx.ID, found, err
		},
	}
}
