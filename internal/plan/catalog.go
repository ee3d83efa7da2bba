// Package plan is the static catalog mapping plan tiers to feature flags
// and usage limits, and Stripe price ids to plan tiers.
package plan

import "app/internal/model"

// features per tier. Higher tiers are supersets of the true flags below
// them; lifetime additionally unlocks future feature drops.
var features = map[model.Plan]model.Features{
	model.PlanFree: {},
	model.PlanPremium: {
		AIFeatures:  true,
		VaultAccess: true,
		AdsRemoved:  true,
	},
	model.PlanFamily: {
		AIFeatures:      true,
		VaultAccess:     true,
		FamilySharing:   true,
		AdsRemoved:      true,
		PrioritySupport: true,
		LegacyPlanning:  true,
	},
	model.PlanLifetime: {
		AIFeatures:      true,
		VaultAccess:     true,
		FamilySharing:   true,
		AdsRemoved:      true,
		PrioritySupport: true,
		LegacyPlanning:  true,
		FutureFeatures:  true,
	},
}

// limits per tier, storage in GB, -1 means unlimited.
var limits = map[model.Plan]model.Limits{
	model.PlanFree:     {StorageGB: 2, Folders: 5, FamilyMembers: 1},
	model.PlanPremium:  {StorageGB: 50, Folders: -1, FamilyMembers: 1},
	model.PlanFamily:   {StorageGB: 200, Folders: -1, FamilyMembers: 6},
	model.PlanLifetime: {StorageGB: 500, Folders: -1, FamilyMembers: 10},
}

// Features returns the capability set for a plan. An unknown plan falls
// back to the free tier rather than failing.
func Features(p model.Plan) model.Features {
	if f, ok := features[p]; ok {
		return f
	}
	return features[model.PlanFree]
}

// Limits returns the quota limits for a plan, falling back to the free tier
// for unknown plans.
func Limits(p model.Plan) model.Limits {
	if l, ok := limits[p]; ok {
		return l
	}
	return limits[model.PlanFree]
}

// PriceTable maps Stripe price ids to plan tiers. Price ids are deployment
// configuration, so the table is built at startup from config rather than
// hardcoded here.
type PriceTable struct {
	plans   map[string]model.Plan
	oneTime map[string]bool
}

// NewPriceTable builds a price table. oneTime lists the price ids sold as
// one-time payments (lifetime) rather than recurring subscriptions.
func NewPriceTable(plans map[string]model.Plan, oneTime []string) *PriceTable {
	t := &PriceTable{plans: make(map[string]model.Plan, len(plans)), oneTime: make(map[string]bool, len(oneTime))}
	for id, p := range plans {
		if id == "" {
			continue
		}
		t.plans[id] = p
	}
	for _, id := range oneTime {
		if id == "" {
			continue
		}
		t.oneTime[id] = true
	}
	return t
}

// PlanFor returns the plan a price id maps to. An unmapped price id
// defaults to free.
func (t *PriceTable) PlanFor(priceID string) model.Plan {
	if p, ok := t.plans[priceID]; ok {
		return p
	}
	return model.PlanFree
}

// IsOneTime reports whether the price id denotes a one-time payment.
func (t *PriceTable) IsOneTime(priceID string) bool {
	return t.oneTime[priceID]
}
