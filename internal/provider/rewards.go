package provider

import (
	"context"
	"net/http"
	"net/url"

	"github.com/shopspring/decimal"
)

// WalletRequest creates a rewards wallet. Reference is the pending item id and lets the
// provider deduplicate repeated calls.
type WalletRequest struct {
	Reference   string `json:"reference"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name,omitempty"`
	Email       string `json:"email,omitempty"`
}

type Wallet struct {
	ID       string          `json:"id"`
	Username string          `json:"username"`
	Balance  decimal.Decimal `json:"balance"`
}

// RewardRequest credits a wallet.
type RewardRequest struct {
	Reference        string          `json:"reference"`
	WalletID         string          `json:"wallet_id"`
	Username         string          `json:"username"`
	SourceEntityType string          `json:"source_entity_type"`
	Amount           decimal.Decimal `json:"amount"`
}

type RewardTransaction struct {
	ID        string          `json:"id"`
	Reference string          `json:"reference"`
	Amount    decimal.Decimal `json:"amount"`
}

// Rewards talks to the rewards wallet service.
type Rewards struct {
	c *client
}

func NewRewards(opts Options) *Rewards {
	return &Rewards{c: newClient("rewards", opts)}
}

func (r *Rewards) CreateWallet(ctx context.Context, req WalletRequest) (Wallet, error) {
	var w Wallet
	err := r.c.do(ctx, "create wallet", http.MethodPost, "/wallets", req, &w)
	return w, err
}

// FindWallet looks a wallet up by username. A missing wallet is not an error.
func (r *Rewards) FindWallet(ctx context.Context, username string) (Wallet, bool, error) {
	var w Wallet
	err := r.c.do(ctx, "find wallet", http.MethodGet, "/wallets?username="+url.QueryEscape(username), nil, &w)
	if isNotFound(err) {
		return Wallet{}, false, nil
	}
	if err != nil {
		return Wallet{}, false, err
	}
	return w, true, nil
}

func (r *Rewards) PostReward(ctx context.Context, req RewardRequest) (RewardTransaction, error) {
	var tx RewardTransaction
	err := r.c.do(ctx, "post reward", http.MethodPost, "/rewards", req, &tx)
	return tx, err
}

// FindReward looks a reward transaction up by its reference.
func (r *Rewards) FindReward(ctx context.Context, reference string) (RewardTransaction, bool, error) {
	var tx RewardTransaction
	err := r.c.do(ctx, "find reward", http.MethodGet, "/rewards/"+url.PathEscape(reference), nil, &tx)
	if isNotFound(err) {
		return RewardTransaction{}, false, nil
	}
	if err != nil {
		return RewardTransaction{}, false, err
	}
	return tx, true, nil
}
