// balance.go implements the balance reader over the spot account and
// funding wallet endpoints, plus fiat identification from the capital
// config registry. Leveraged tokens are filtered here so no caller ever
// sees them; locked amounts are reported but never folded into free.
package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/shopspring/decimal"

	"convert-rotator/pkg/types"
)

// SpotBalances returns all spot wallet rows with a non-zero free amount.
func (c *Client) SpotBalances(ctx context.Context) ([]types.Balance, error) {
	params := url.Values{}
	params.Set("omitZeroBalances", "true")

	body, err := c.do(ctx, call{
		method: "GET",
		path:   pathAccount,
		params: params,
		signed: true,
		weight: WeightAccount,
	})
	if err != nil {
		return nil, fmt.Errorf("spot balances: %w", err)
	}

	var raw struct {
		Balances []struct {
			Asset  string          `json:"asset"`
			Free   decimal.Decimal `json:"free"`
			Locked decimal.Decimal `json:"locked"`
		} `json:"balances"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("spot balances: %w", err)
	}

	out := make([]types.Balance, 0, len(raw.Balances))
	for _, b := range raw.Balances {
		asset, ok := types.NormalizeAsset(b.Asset)
		if !ok || b.Free.Sign() <= 0 {
			continue
		}
		out = append(out, types.Balance{
			Asset:  asset,
			Wallet: types.WalletSpot,
			Free:   b.Free,
			Locked: b.Locked,
		})
	}
	return out, nil
}

// FundingBalances returns all funding wallet rows with a non-zero free
// amount.
func (c *Client) FundingBalances(ctx context.Context) ([]types.Balance, error) {
	body, err := c.do(ctx, call{
		method:   "POST",
		path:     pathFundingAsset,
		signed:   true,
		bodyForm: true,
		weight:   WeightFundingAsset,
	})
	if err != nil {
		return nil, fmt.Errorf("funding balances: %w", err)
	}

	var rows []struct {
		Asset  string          `json:"asset"`
		Free   decimal.Decimal `json:"free"`
		Locked decimal.Decimal `json:"locked"`
		Freeze decimal.Decimal `json:"freeze"`
	}
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("funding balances: %w", err)
	}

	out := make([]types.Balance, 0, len(rows))
	for _, r := range rows {
		asset, ok := types.NormalizeAsset(r.Asset)
		if !ok || r.Free.Sign() <= 0 {
			continue
		}
		out = append(out, types.Balance{
			Asset:  asset,
			Wallet: types.WalletFunding,
			Free:   r.Free,
			Locked: r.Locked.Add(r.Freeze),
		})
	}
	return out, nil
}

// ReadAll returns the unified asset → free amount map for a wallet.
func (c *Client) ReadAll(ctx context.Context, wallet types.Wallet) (map[string]decimal.Decimal, error) {
	var (
		rows []types.Balance
		err  error
	)
	switch wallet {
	case types.WalletFunding:
		rows, err = c.FundingBalances(ctx)
	default:
		rows, err = c.SpotBalances(ctx)
	}
	if err != nil {
		return nil, err
	}

	out := make(map[string]decimal.Decimal, len(rows))
	for _, b := range rows {
		out[b.Asset] = b.Free
	}
	return out, nil
}

// FiatAssets returns the set of legal-money coins from the capital config
// registry. Fiat holdings other than the quote asset are never rotation
// candidates.
func (c *Client) FiatAssets(ctx context.Context) (map[string]bool, error) {
	body, err := c.do(ctx, call{
		method: "GET",
		path:   pathCapitalConfig,
		signed: true,
		weight: WeightCapitalConfig,
	})
	if err != nil {
		return nil, fmt.Errorf("capital config: %w", err)
	}

	var rows []struct {
		Coin         string `json:"coin"`
		IsLegalMoney bool   `json:"isLegalMoney"`
	}
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("capital config: %w", err)
	}

	fiat := make(map[string]bool)
	for _, r := range rows {
		if r.IsLegalMoney {
			fiat[r.Coin] = true
		}
	}
	return fiat, nil
}
