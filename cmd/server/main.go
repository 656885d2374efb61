package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/figpoint/backend/internal/database"
	mW "github.com/figpoint/backend/internal/middleware"
	"github.com/figpoint/backend/internal/services"
	"github.com/spf13/viper"
)

func main() {
	// Initialize config
	viper.SetConfigFile(".env")
	viper.AutomaticEnv()

	viper.BindEnv("database.host", "DATABASE_HOST")
	viper.BindEnv("database.port", "DATABASE_PORT")
	viper.BindEnv("database.user", "DATABASE_USER")
	viper.BindEnv("database.password", "DATABASE_PASSWORD")
	viper.BindEnv("database.name", "DATABASE_NAME")
	viper.BindEnv("database.ssl_mode", "DATABASE_SSL_MODE")

	viper.BindEnv("redis.host", "REDIS_HOST")
	viper.BindEnv("redis.port", "REDIS_PORT")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")
	viper.BindEnv("redis.db", "REDIS_DB")

	viper.BindEnv("jwt.secret_key", "JWT_SECRET_KEY")
	viper.BindEnv("jwt.expiry_hours", "JWT_EXPIRY_HOURS")
	viper.BindEnv("argon2.time", "ARGON2_TIME")
	viper.BindEnv("argon2.memory", "ARGON2_MEMORY")
	viper.BindEnv("argon2.threads", "ARGON2_THREADS")
	viper.BindEnv("argon2.key_length", "ARGON2_KEY_LENGTH")
	viper.BindEnv("argon2.salt_length", "ARGON2_SALT_LENGTH")

	viper.BindEnv("app.base_url", "APP_BASE_URL")
	viper.BindEnv("rewards.rate_cents_per_point", "REWARDS_RATE_CENTS_PER_POINT")
	viper.BindEnv("rewards.referral_bonus_points", "REWARDS_REFERRAL_BONUS_POINTS")
	viper.BindEnv("rewards.daily_code_requirement", "REWARDS_DAILY_CODE_REQUIREMENT")
	viper.BindEnv("rewards.daily_bonus_points", "REWARDS_DAILY_BONUS_POINTS")

	viper.BindEnv("smtp.host", "SMTP_HOST")
	viper.BindEnv("smtp.port", "SMTP_PORT")
	viper.BindEnv("smtp.username", "SMTP_USERNAME")
	viper.BindEnv("smtp.password", "SMTP_PASSWORD")
	viper.BindEnv("smtp.from", "SMTP_FROM")

	if err := viper.ReadInConfig(); err != nil {
		log.Printf("Config file not found, using defaults: %v", err)
	}

	// Initialize services
	db := database.InitDatabase()
	defer db.Close()

	redisClient := database.InitRedis()
	if redisClient != nil {
		defer redisClient.Close()
	}

	ledgerService := services.NewLedgerService(db)
	codeService := services.NewCodeService(db, ledgerService)
	taskService := services.NewTaskService(db, ledgerService)
	referralService := services.NewReferralService(db, redisClient, ledgerService)
	payoutService := services.NewPayoutService(services.NewAuditLogger())
	notifier := services.NewNotifier(db)
	withdrawalService := services.NewWithdrawalService(db, ledgerService, payoutService, notifier)
	authService := services.NewAuthService(db, redisClient, referralService)
	adminService := services.NewAdminService(db, ledgerService)

	// Initialize auth middleware with Redis
	mW.InitAuthMiddleware(redisClient)

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(mW.SecurityHeaders)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(60 * time.Second))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Access-Control-Allow-Origin"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
	})

	// Static file server for reward imagery
	r.Handle("/static/rewards/*", http.StripPrefix("/static/rewards/",
		mW.StaticFileServer("./static/rewards")))

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		// Public endpoints (no auth required)
		r.Post("/auth/register", authService.Register)
		r.Post("/auth/login", authService.Login)
		r.Post("/auth/logout", authService.Logout)
		r.Get("/referrals/lookup/{code}", referralService.Lookup)

		// Protected endpoints (auth required)
		r.Group(func(r chi.Router) {
			r.Use(mW.AuthMiddleware)

			r.Get("/users/me", authService.Profile)
			r.Put("/users/me", authService.UpdateProfile)

			r.Get("/points/balance", ledgerService.Balance)
			r.Get("/points/transactions", ledgerService.Transactions)

			r.Post("/codes/redeem", codeService.Redeem)
			r.Get("/codes/validate/{code}", codeService.Validate)
			r.Get("/codes/history", codeService.History)
			r.Post("/codes/daily", codeService.UploadDaily)

			r.Get("/tasks", taskService.List)
			r.Get("/tasks/mine", taskService.MyTasks)
			r.Post("/tasks/{id}/start", taskService.Start)
			r.Post("/tasks/{id}/complete", taskService.Complete)

			r.Get("/referrals", referralService.MyReferrals)
			r.Get("/referrals/qr", referralService.QRCode)

			r.Post("/withdrawals", withdrawalService.Request)
			r.Get("/withdrawals", withdrawalService.History)

			// Admin endpoints; each handler enforces its own role check
			r.Route("/admin", func(r chi.Router) {
				r.Post("/codes/generate", codeService.Generate)
				r.Get("/codes/batches", codeService.ListBatches)
				r.Get("/codes/export/{batchId}", codeService.ExportBatch)
				r.Post("/codes/delete-used", codeService.DeleteUsed)

				r.Post("/tasks", taskService.CreateTask)
				r.Put("/tasks/{id}", taskService.UpdateTask)
				r.Get("/tasks/pending", taskService.PendingReviews)
				r.Get("/tasks/reviewed", taskService.ReviewHistory)
				r.Post("/tasks/review/{id}", taskService.Review)

				r.Get("/withdrawals/pending", withdrawalService.Pending)
				r.Post("/withdrawals/{id}/approve", withdrawalService.Approve)
				r.Post("/withdrawals/{id}/reject", withdrawalService.Reject)

				r.Post("/referrals/award", referralService.AdminAward)

				r.Get("/users", adminService.ListUsers)
				r.Get("/users/{id}", adminService.GetUser)
				r.Post("/users/{id}/suspend", adminService.SetSuspension(true))
				r.Post("/users/{id}/unsuspend", adminService.SetSuspension(false))
				r.Post("/users/{id}/approve-partner", adminService.ApprovePartner)
				r.Post("/users/{id}/points", adminService.Adjust)

				r.Get("/stats", adminService.Stats)
			})
		})
	})

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	// Start server
	server := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		log.Printf("Server starting on :%s", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Server shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}

	log.Println("Server stopped")
}
