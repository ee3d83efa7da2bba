package config

import (
	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Port               string `envconfig:"PORT" default:"8080"`
	Environment        string `envconfig:"ENV" default:"development"`
	DBConnectionString string `envconfig:"DB_CONNECTION_STRING" required:"true"`
	JWTSecret          string `envconfig:"JWT_SECRET" required:"true"`

	// Stripe settings. The two secrets may be left empty and loaded from
	// Secret Manager instead (see router setup).
	StripeSecretKey     string `envconfig:"STRIPE_SECRET_KEY"`
	StripeWebhookSecret string `envconfig:"STRIPE_WEBHOOK_SECRET"`

	StripePricePremiumMonthly string `envconfig:"STRIPE_PRICE_PREMIUM_MONTHLY"`
	StripePricePremiumAnnual  string `envconfig:"STRIPE_PRICE_PREMIUM_ANNUAL"`
	StripePriceFamilyMonthly  string `envconfig:"STRIPE_PRICE_FAMILY_MONTHLY"`
	StripePriceFamilyAnnual   string `envconfig:"STRIPE_PRICE_FAMILY_ANNUAL"`
	StripePriceLifetime       string `envconfig:"STRIPE_PRICE_LIFETIME"`

	StripeCheckoutSuccessURL string `envconfig:"STRIPE_CHECKOUT_SUCCESS_URL" default:"https://app.example.com/billing?status=success"`
	StripeCheckoutCancelURL  string `envconfig:"STRIPE_CHECKOUT_CANCEL_URL" default:"https://app.example.com/billing?status=cancel"`
	StripePortalReturnURL    string `envconfig:"STRIPE_PORTAL_RETURN_URL" default:"https://app.example.com/billing"`

	// GCP settings for Pub/Sub notifications and Secret Manager.
	GCPProjectIDLocal   string `envconfig:"GCP_PROJECT_ID_LOCAL"`
	GCPProjectIDStaging string `envconfig:"GCP_PROJECT_ID_STAGING"`
	GCPProjectIDProd    string `envconfig:"GCP_PROJECT_ID_PROD"`
	PubSubBillingTopic  string `envconfig:"PUBSUB_BILLING_TOPIC" default:"billing_events"`

	// S3-compatible bucket for archiving raw webhook payloads. Archiving is
	// disabled when the bucket name is empty.
	S3URL       string `envconfig:"S3_URL"`
	S3Bucket    string `envconfig:"S3_ARCHIVE_BUCKET"`
	S3Region    string `envconfig:"S3_REGION" default:"us-east-1"`
	S3AccessKey string `envconfig:"S3_ACCESS_KEY"`
	S3SecretKey string `envconfig:"S3_SECRET_KEY"`
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// GetGCPProjectID returns the appropriate GCP project ID based on the environment.
func (c *Config) GetGCPProjectID() string {
	if c.Environment == "development" {
		return c.GCPProjectIDLocal
	}
	if c.GCPProjectIDStaging != "" {
		return c.GCPProjectIDStaging
	}
	return c.GCPProjectIDProd
}
