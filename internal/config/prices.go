package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/avolve/avolve-billing/pkg/entitlements"
	"gopkg.in/yaml.v3"
)

// priceFile is the on-disk shape of AVOLVE_PRICE_TABLE_FILE:
//
//	prices:
//	  individual_vip:
//	    month: price_123
//	    year: price_456
type priceFile struct {
	Prices map[string]map[string]string `yaml:"prices"`
}

func priceEnvKey(tier entitlements.Tier, interval entitlements.Interval) string {
	return "STRIPE_PRICE_" + strings.ToUpper(string(tier)) + "_" + strings.ToUpper(string(interval))
}

// loadPrices builds the price table from the optional YAML file, then applies
// STRIPE_PRICE_<TIER>_<INTERVAL> overrides.
func loadPrices(path string) (entitlements.PriceTable, error) {
	table := entitlements.PriceTable{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read price table %s: %w", path, err)
		}
		var file priceFile
		if err := yaml.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("parse price table %s: %w", path, err)
		}
		for rawTier, intervals := range file.Prices {
			tier, ok := entitlements.ParseTier(rawTier)
			if !ok || !tier.Purchasable() {
				return nil, fmt.Errorf("price table %s: unknown purchasable tier %q", path, rawTier)
			}
			for rawInterval, priceID := range intervals {
				interval, ok := entitlements.ParseInterval(rawInterval)
				if !ok {
					return nil, fmt.Errorf("price table %s: unknown interval %q for %s", path, rawInterval, tier)
				}
				table.Set(tier, interval, priceID)
			}
		}
	}

	for _, tier := range entitlements.PurchasableTiers {
		for _, interval := range entitlements.Intervals {
			if v := strings.TrimSpace(os.Getenv(priceEnvKey(tier, interval))); v != "" {
				table.Set(tier, interval, v)
			}
		}
	}
	return table, nil
}
