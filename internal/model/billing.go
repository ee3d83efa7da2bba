package model

import "time"

// Plan is a named service tier.
type Plan string

const (
	PlanFree     Plan = "free"
	PlanPremium  Plan = "premium"
	PlanFamily   Plan = "family"
	PlanLifetime Plan = "lifetime"
)

// Features is the boolean capability set granted by a plan.
type Features struct {
	AIFeatures      bool `json:"ai_features"`
	VaultAccess     bool `json:"vault_access"`
	FamilySharing   bool `json:"family_sharing"`
	AdsRemoved      bool `json:"ads_removed"`
	PrioritySupport bool `json:"priority_support"`
	LegacyPlanning  bool `json:"legacy_planning"`
	FutureFeatures  bool `json:"future_features"`
}

// Limits holds the quota integers for a plan. -1 means unlimited.
type Limits struct {
	StorageGB     int `json:"storage_gb"`
	Folders       int `json:"folders"`
	FamilyMembers int `json:"family_members"`
}

// Usage tracks what the user has consumed in the current period.
// These counters are written by the upload/folder subsystems and are
// read-only here.
type Usage struct {
	StorageUsedMB int `json:"storage_used_mb"`
	FolderCount   int `json:"folder_count"`
	UploadCount   int `json:"upload_count"`
}

// BillingRecord is the persisted billing state for one user. Created lazily
// on the first webhook, mutated by every subsequent one, never deleted:
// cancellation degrades it to the free tier in place.
type BillingRecord struct {
	UserID              string     `db:"user_id" json:"user_id"`
	Plan                Plan       `db:"plan" json:"plan"`
	Status              string     `db:"status" json:"status"`
	SubscriptionID      *string    `db:"subscription_id" json:"subscription_id,omitempty"`
	CurrentPeriodStart  *time.Time `db:"current_period_start" json:"current_period_start,omitempty"`
	CurrentPeriodEnd    *time.Time `db:"current_period_end" json:"current_period_end,omitempty"`
	CancelAtPeriodEnd   bool       `db:"cancel_at_period_end" json:"cancel_at_period_end"`
	Features            Features   `db:"features" json:"features"`
	Limits              Limits     `db:"limits" json:"limits"`
	Usage               Usage      `db:"usage" json:"usage"`
	LastPaymentStatus   *string    `db:"last_payment_status" json:"last_payment_status,omitempty"`
	LastPaymentAt       *time.Time `db:"last_payment_at" json:"last_payment_at,omitempty"`
	LastPaymentFailedAt *time.Time `db:"last_payment_failed_at" json:"last_payment_failed_at,omitempty"`
	CanceledAt          *time.Time `db:"canceled_at" json:"canceled_at,omitempty"`
	PurchasedAt         *time.Time `db:"purchased_at" json:"purchased_at,omitempty"`
	UpdatedAt           time.Time  `db:"updated_at" json:"updated_at"`
}

// Entitlements is the effective plan/feature/limit view computed at read
// time. Plan may differ from the stored record when the paid period has
// lapsed.
type Entitlements struct {
	Plan     Plan     `json:"plan"`
	Status   string   `json:"status"`
	Features Features `json:"features"`
	Limits   Limits   `json:"limits"`
	Usage    Usage    `json:"usage"`
}

// SubscriptionLog is a denormalized audit copy of a Stripe subscription,
// keyed by the Stripe subscription id and kept independently of the user's
// billing record.
type SubscriptionLog struct {
	StripeSubscriptionID string    `db:"stripe_subscription_id"`
	UserID               string    `db:"user_id"`
	Plan                 Plan      `db:"plan"`
	PriceID              string    `db:"price_id"`
	Amount               int64     `db:"amount"`
	Currency             string    `db:"currency"`
	Interval             string    `db:"interval"`
	CurrentPeriodStart   time.Time `db:"current_period_start"`
	CurrentPeriodEnd     time.Time `db:"current_period_end"`
	Status               string    `db:"status"`
	CreatedAt            time.Time `db:"created_at"`
	UpdatedAt            time.Time `db:"updated_at"`
}
