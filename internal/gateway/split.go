package gateway

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/keylojahq/keyloja-backend/pkg/config"
	pkgerrors "github.com/keylojahq/keyloja-backend/pkg/errors"
	"github.com/keylojahq/keyloja-backend/pkg/types"
)

// MaxSplitRules caps how many payees a store plan may route to on a single
// charge, matching the tightest provider limit.
const MaxSplitRules = 6

// ComputeSplit resolves the platform commission plus the store's split plan
// into absolute shares for a charge. All validation happens here, before any
// provider is contacted, so a bad plan can never produce an unreconcilable
// charge. Percentage shares round down to the cent.
func ComputeSplit(cfg config.SplitConfig, plan *types.SplitPlan, amountCents int) ([]SplitShare, error) {
	if amountCents <= 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "charge amount must be positive")
	}
	if cfg.PlatformPercent < 0 || cfg.PlatformPercent > 100 {
		return nil, pkgerrors.New(pkgerrors.CodeSplitConfigInvalid, "platform percent out of range")
	}
	if cfg.PlatformPercent > 0 && cfg.PlatformAccountID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeSplitConfigInvalid, "platform account id not configured")
	}

	var rules []types.SplitRule
	if plan != nil {
		rules = plan.Rules
	}
	if len(rules) > MaxSplitRules {
		return nil, pkgerrors.New(pkgerrors.CodeSplitConfigInvalid, fmt.Sprintf("split plan exceeds %d rules", MaxSplitRules))
	}

	totalPercent := cfg.PlatformPercent
	for i, rule := range rules {
		if rule.AccountID == "" {
			return nil, pkgerrors.New(pkgerrors.CodeSplitConfigInvalid, fmt.Sprintf("split rule %d has no payee account", i))
		}
		switch {
		case rule.Percent != nil && rule.AmountCents != nil:
			return nil, pkgerrors.New(pkgerrors.CodeSplitConfigInvalid, fmt.Sprintf("split rule %d sets both percent and amount", i))
		case rule.Percent != nil:
			if *rule.Percent <= 0 || *rule.Percent > 100 {
				return nil, pkgerrors.New(pkgerrors.CodeSplitConfigInvalid, fmt.Sprintf("split rule %d percent out of range", i))
			}
			totalPercent += *rule.Percent
		case rule.AmountCents != nil:
			if *rule.AmountCents <= 0 {
				return nil, pkgerrors.New(pkgerrors.CodeSplitConfigInvalid, fmt.Sprintf("split rule %d amount must be positive", i))
			}
		default:
			return nil, pkgerrors.New(pkgerrors.CodeSplitConfigInvalid, fmt.Sprintf("split rule %d sets neither percent nor amount", i))
		}
	}
	if totalPercent > cfg.MaxTotalPercent {
		return nil, pkgerrors.New(pkgerrors.CodeSplitConfigInvalid, fmt.Sprintf("split percentages total %d%%, ceiling is %d%%", totalPercent, cfg.MaxTotalPercent))
	}

	shares := make([]SplitShare, 0, len(rules)+1)
	if cfg.PlatformPercent > 0 {
		cut := percentOf(amountCents, cfg.PlatformPercent)
		if cut > 0 {
			shares = append(shares, SplitShare{AccountID: cfg.PlatformAccountID, AmountCents: cut})
		}
	}
	for _, rule := range rules {
		var cut int
		if rule.Percent != nil {
			cut = percentOf(amountCents, *rule.Percent)
		} else {
			cut = *rule.AmountCents
		}
		if cut == 0 {
			continue
		}
		shares = append(shares, SplitShare{AccountID: rule.AccountID, AmountCents: cut})
	}

	total := 0
	for _, share := range shares {
		total += share.AmountCents
	}
	if total > amountCents {
		return nil, pkgerrors.New(pkgerrors.CodeSplitConfigInvalid, fmt.Sprintf("split total %d exceeds charge amount %d", total, amountCents))
	}
	return shares, nil
}

func percentOf(amountCents, percent int) int {
	cut := decimal.NewFromInt(int64(amountCents)).
		Mul(decimal.NewFromInt(int64(percent))).
		Div(decimal.NewFromInt(100)).
		Floor()
	return int(cut.IntPart())
}
