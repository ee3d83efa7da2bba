package router

import (
	"context"
	"net/http"
	"strings"

	"app/internal/api/v1/handler"
	"app/internal/config"
	"app/internal/middleware"
	"app/internal/model"
	"app/internal/plan"
	"app/internal/pubsub"
	"app/internal/repository"
	"app/internal/service"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	awsmiddleware "github.com/aws/smithy-go/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
)

func New(cfg *config.Config, logger zerolog.Logger) (http.Handler, *pgxpool.Pool, error) {
	ctx := context.Background()

	// 1. Open DB connection pool. In development, make sure SSL is disabled
	// for local testing; in production the connection string is expected to
	// carry the correct SSL settings.
	dsn := cfg.DBConnectionString
	if cfg.Environment == "development" && !strings.Contains(dsn, "sslmode") {
		separator := "?"
		if strings.Contains(dsn, "?") {
			separator = "&"
		}
		dsn += separator + "sslmode=disable"
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to open DB connection pool")
		return nil, nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		logger.Error().Err(err).Msg("Failed to ping DB")
		pool.Close()
		return nil, nil, err
	}
	logger.Info().Msg("Database connection successful")

	// 2. Resolve Stripe secrets from Secret Manager when they are not in
	// the environment.
	if (cfg.StripeSecretKey == "" || cfg.StripeWebhookSecret == "") && cfg.GetGCPProjectID() != "" {
		sm, err := service.NewSecretManagerService(ctx, cfg)
		if err != nil {
			logger.Error().Err(err).Msg("Failed to create Secret Manager client")
			pool.Close()
			return nil, nil, err
		}
		defer sm.Close()
		if cfg.StripeSecretKey == "" {
			if cfg.StripeSecretKey, err = sm.GetSecret(ctx, service.SecretStripeSecretKey); err != nil {
				logger.Error().Err(err).Msg("Failed to load Stripe secret key")
				pool.Close()
				return nil, nil, err
			}
		}
		if cfg.StripeWebhookSecret == "" {
			if cfg.StripeWebhookSecret, err = sm.GetSecret(ctx, service.SecretStripeWebhookSecret); err != nil {
				logger.Error().Err(err).Msg("Failed to load Stripe webhook secret")
				pool.Close()
				return nil, nil, err
			}
		}
	}

	// 3. Optional S3 archiver for raw webhook payloads.
	var archiver service.EventArchiver
	if cfg.S3Bucket != "" {
		s3Config, err := awsconfig.LoadDefaultConfig(ctx,
			awsconfig.WithRegion(cfg.S3Region),
			awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.S3AccessKey, cfg.S3SecretKey, "")),
			awsconfig.WithAPIOptions([]func(*awsmiddleware.Stack) error{removeDisableGzip()}),
		)
		if err != nil {
			logger.Error().Err(err).Msg("Failed to load S3 config")
			pool.Close()
			return nil, nil, err
		}
		s3Client := s3.NewFromConfig(s3Config, func(o *s3.Options) {
			if cfg.S3URL != "" {
				o.BaseEndpoint = aws.String(cfg.S3URL)
				o.UsePathStyle = true
			}
		})
		archiver = service.NewS3EventArchiver(s3Client, cfg.S3Bucket)
	}

	// 4. Optional Pub/Sub publisher for billing notifications.
	var publisher pubsub.Publisher
	if cfg.GetGCPProjectID() != "" {
		p, err := pubsub.NewPublisher(ctx, cfg.GetGCPProjectID())
		if err != nil {
			logger.Error().Err(err).Msg("Failed to create Pub/Sub publisher")
			pool.Close()
			return nil, nil, err
		}
		publisher = p
	}

	// 5. Initialize validator
	validate := validator.New(validator.WithRequiredStructEnabled())

	// 6. Price table from deployment config. Lifetime is sold as a
	// one-time payment.
	prices := plan.NewPriceTable(map[string]model.Plan{
		cfg.StripePricePremiumMonthly: model.PlanPremium,
		cfg.StripePricePremiumAnnual:  model.PlanPremium,
		cfg.StripePriceFamilyMonthly:  model.PlanFamily,
		cfg.StripePriceFamilyAnnual:   model.PlanFamily,
		cfg.StripePriceLifetime:       model.PlanLifetime,
	}, []string{cfg.StripePriceLifetime})

	// 7. Initialize repositories & services & handlers
	userRepo := repository.NewUserRepo(pool)
	billingRepo := repository.NewBillingRepo(pool)
	logRepo := repository.NewSubscriptionLogRepo(pool)
	dlqRepo := repository.NewDLQRepository(pool)

	userSvc := service.NewUserService(userRepo)
	billingSvc := service.NewBillingService(billingRepo, logRepo, prices, publisher, cfg.PubSubBillingTopic, logger)
	stripeAPI := service.NewStripeAPI(cfg.StripeSecretKey)
	stripeSvc := service.NewStripeService(cfg, stripeAPI, userRepo, dlqRepo, billingSvc, prices, archiver, logger)

	userHandler := handler.NewUserHandler(userSvc, validate)
	billingHandler := handler.NewBillingHandler(stripeSvc, billingSvc, validate, logger)

	// 8. Middleware and routes
	authMiddleware := middleware.AuthMiddleware(cfg.JWTSecret, logger)

	mux := http.NewServeMux()
	apiV1Mux := http.NewServeMux()
	userHandler.RegisterRoutes(apiV1Mux, authMiddleware)
	billingHandler.RegisterRoutes(apiV1Mux, authMiddleware)

	mux.Handle("/v1/", http.StripPrefix("/v1", apiV1Mux))

	// 9. Apply CORS middleware
	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})

	return middleware.LoggerMiddleware(logger)(c.Handler(mux)), pool, nil
}

// removeDisableGzip is a workaround for S3 signature errors with some
// S3-compatible services.
// See: https://github.com/supabase/storage/issues/577
func removeDisableGzip() func(*awsmiddleware.Stack) error {
	return func(stack *awsmiddleware.Stack) error {
		if _, ok := stack.Finalize.Get("DisableAcceptEncodingGzip"); ok {
			_, err := stack.Finalize.Remove("DisableAcceptEncodingGzip")
			return err
		}
		return nil
	}
}
