package services

import (
	"context"
	cryptorand "crypto/rand"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/figpoint/backend/internal/models"
	"github.com/go-redis/redis/v8"
	"github.com/golang-jwt/jwt/v5"
	"github.com/lib/pq"
	"github.com/spf13/viper"
	"golang.org/x/crypto/argon2"
)

// AuthService handles registration, login, logout and profile access.
// Registration owns referral linking: the new account, its referral
// attribution and the referrer's bonus commit as one transaction.
type AuthService struct {
	db        *sql.DB
	redis     *redis.Client
	referrals *ReferralService
	validator *ValidationHelper
}

type RegisterRequest struct {
	FullName     string `json:"full_name" validate:"required,min=2,max=100"`
	Email        string `json:"email" validate:"required,email"`
	Password     string `json:"password" validate:"required,min=8"`
	Phone        string `json:"phone"`
	ReferralCode string `json:"referral_code"`
}

type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type AuthResponse struct {
	Token string       `json:"token"`
	User  *models.User `json:"user"`
}

func NewAuthService(db *sql.DB, redisClient *redis.Client, referrals *ReferralService) *AuthService {
	viper.SetDefault("jwt.expiry_hours", 24)
	viper.SetDefault("argon2.time", 1)
	viper.SetDefault("argon2.memory", 64*1024)
	viper.SetDefault("argon2.threads", 4)
	viper.SetDefault("argon2.salt_length", 16)
	viper.SetDefault("argon2.key_length", 32)

	return &AuthService{
		db:        db,
		redis:     redisClient,
		referrals: referrals,
		validator: NewValidationHelper(),
	}
}

func decodeStrict(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, 1_048_576)

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return fmt.Errorf("request body must only contain a single JSON object")
	}
	return nil
}

// Register handles POST /auth/register. Accounts are always created with
// the user role; partner and admin accounts are provisioned by admins.
func (s *AuthService) Register(w http.ResponseWriter, r *http.Request) {
	log.Printf("[AUTH] Registration attempt from IP: %s", r.RemoteAddr)

	var req RegisterRequest
	if err := decodeStrict(w, r, &req); err != nil {
		log.Printf("[AUTH] Registration failed - invalid request: %v", err)
		SendErrorResponse(w, "Invalid request", http.StatusBadRequest, nil)
		return
	}
	if err := s.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	hashedPassword, err := hashPassword(req.Password)
	if err != nil {
		log.Printf("[AUTH] Password hashing failed for %s: %v", req.Email, err)
		SendErrorResponse(w, "An Internal Error Occurred", http.StatusInternalServerError, nil)
		return
	}

	tx, err := s.db.Begin()
	if err != nil {
		SendErrorResponse(w, "Failed to create user", http.StatusInternalServerError, nil)
		return
	}
	defer tx.Rollback()

	var userID int64
	email := strings.ToLower(req.Email)
	for attempt := 0; attempt < 5; attempt++ {
		err = tx.QueryRow(`
			INSERT INTO users (full_name, email, password, phone, role, referral_code, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
			RETURNING id`,
			req.FullName, email, hashedPassword, req.Phone, models.RoleUser, generateReferralCode()).Scan(&userID)
		if err == nil {
			break
		}
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == uniqueViolation {
			if pqErr.Constraint == "users_referral_code_key" {
				continue
			}
			SendErrorResponse(w, "Email Already Exists", http.StatusConflict, nil)
			return
		}
		log.Printf("[AUTH] User creation failed for %s: %v", email, err)
		SendErrorResponse(w, "Failed to create user", http.StatusInternalServerError, nil)
		return
	}
	if err != nil {
		SendErrorResponse(w, "Failed to create user", http.StatusInternalServerError, nil)
		return
	}

	if req.ReferralCode != "" {
		if _, err := s.referrals.LinkReferralTx(tx, userID, req.ReferralCode); err != nil {
			log.Printf("[AUTH] Referral link failed for user %d: %v", userID, err)
			SendEngineError(w, err)
			return
		}
	}

	if err := tx.Commit(); err != nil {
		log.Printf("[AUTH] Registration commit failed for %s: %v", email, err)
		SendErrorResponse(w, "Failed to create user", http.StatusInternalServerError, nil)
		return
	}

	log.Printf("[AUTH] User created successfully - ID: %d, Email: %s", userID, email)

	token, err := generateJWT(userID)
	if err != nil {
		log.Printf("[AUTH] JWT generation failed for user %d: %v", userID, err)
		SendErrorResponse(w, "Failed to generate token", http.StatusInternalServerError, nil)
		return
	}

	user, err := loadUser(s.db, userID)
	if err != nil {
		SendErrorResponse(w, "Failed to load user", http.StatusInternalServerError, nil)
		return
	}

	SendJSON(w, http.StatusCreated, AuthResponse{Token: token, User: user})
}

// Login handles POST /auth/login.
func (s *AuthService) Login(w http.ResponseWriter, r *http.Request) {
	log.Printf("[AUTH] Login attempt from IP: %s", r.RemoteAddr)

	var req LoginRequest
	if err := decodeStrict(w, r, &req); err != nil {
		SendErrorResponse(w, "Invalid request", http.StatusBadRequest, nil)
		return
	}
	if err := s.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	email := strings.ToLower(req.Email)

	var userID int64
	var hashedPassword string
	var suspended bool
	err := s.db.QueryRow(`SELECT id, password, is_suspended FROM users WHERE email = $1`, email).
		Scan(&userID, &hashedPassword, &suspended)
	if err != nil {
		log.Printf("[AUTH] User not found for email: %s", email)
		SendErrorResponse(w, "Invalid credentials", http.StatusUnauthorized, nil)
		return
	}

	if !verifyPassword(req.Password, hashedPassword) {
		log.Printf("[AUTH] Invalid password for user: %s", email)
		SendErrorResponse(w, "Invalid credentials", http.StatusUnauthorized, nil)
		return
	}

	if suspended {
		log.Printf("[AUTH] Suspended account login blocked: %s", email)
		SendErrorResponse(w, "Account suspended", http.StatusForbidden, nil)
		return
	}

	if _, err := s.db.Exec(`UPDATE users SET last_login = NOW() WHERE id = $1`, userID); err != nil {
		log.Printf("[AUTH] Failed to record login for user %d: %v", userID, err)
	}

	token, err := generateJWT(userID)
	if err != nil {
		log.Printf("[AUTH] JWT generation failed for user %d: %v", userID, err)
		SendErrorResponse(w, "Failed to generate token", http.StatusInternalServerError, nil)
		return
	}

	user, err := loadUser(s.db, userID)
	if err != nil {
		SendErrorResponse(w, "Failed to load user", http.StatusInternalServerError, nil)
		return
	}

	log.Printf("[AUTH] Login successful for user %d", userID)
	SendJSON(w, http.StatusOK, AuthResponse{Token: token, User: user})
}

// Logout handles POST /auth/logout: the presented token is blacklisted
// until it would have expired anyway.
func (s *AuthService) Logout(w http.ResponseWriter, r *http.Request) {
	token := r.Header.Get("Authorization")
	if len(token) > 7 {
		token = token[7:]

		if s.redis != nil {
			ctx := context.Background()
			key := fmt.Sprintf("blacklist:%s", token)
			expiry := time.Duration(viper.GetInt("jwt.expiry_hours")) * time.Hour
			if err := s.redis.Set(ctx, key, "1", expiry).Err(); err != nil {
				log.Printf("[AUTH] Failed to blacklist token: %v", err)
			}
		}
	}

	SendJSON(w, http.StatusOK, map[string]string{"message": "Logout successful"})
}

// Profile handles GET /users/me.
func (s *AuthService) Profile(w http.ResponseWriter, r *http.Request) {
	user, err := currentUser(s.db, r)
	if err != nil {
		SendEngineError(w, err)
		return
	}

	SendJSON(w, http.StatusOK, map[string]any{
		"user": user,
		"tier": GetTierLevel(user.PointsBalance),
	})
}

// UpdateProfile handles PUT /users/me: contact and bank details only.
// Balances, role and referral attribution are never writable here.
func (s *AuthService) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	user, err := currentUser(s.db, r)
	if err != nil {
		SendEngineError(w, err)
		return
	}

	var req struct {
		FullName      string `json:"full_name" validate:"omitempty,min=2,max=100"`
		Phone         string `json:"phone"`
		BankName      string `json:"bank_name"`
		AccountName   string `json:"account_name"`
		AccountNumber string `json:"account_number" validate:"omitempty,numeric"`
	}
	if err := decodeStrict(w, r, &req); err != nil {
		SendErrorResponse(w, "Invalid request", http.StatusBadRequest, nil)
		return
	}
	if err := s.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	if req.FullName == "" {
		req.FullName = user.FullName
	}

	_, err = s.db.Exec(`
		UPDATE users
		SET full_name = $1, phone = $2, bank_name = $3, account_name = $4, account_number = $5, updated_at = NOW()
		WHERE id = $6`,
		req.FullName, req.Phone, req.BankName, req.AccountName, req.AccountNumber, user.ID)
	if err != nil {
		SendEngineError(w, err)
		return
	}

	updated, err := loadUser(s.db, user.ID)
	if err != nil {
		SendEngineError(w, err)
		return
	}

	SendJSON(w, http.StatusOK, map[string]any{
		"message": "Profile updated",
		"user":    updated,
	})
}

func generateJWT(userID int64) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": userID,
		"exp":     time.Now().Add(time.Duration(viper.GetInt("jwt.expiry_hours")) * time.Hour).Unix(),
	})

	return token.SignedString([]byte(viper.GetString("jwt.secret_key")))
}

func hashPassword(password string) (string, error) {
	salt := make([]byte, viper.GetInt("argon2.salt_length"))
	if _, err := cryptorand.Read(salt); err != nil {
		return "", err
	}

	hash := argon2.IDKey([]byte(password), salt,
		uint32(viper.GetInt("argon2.time")),
		uint32(viper.GetInt("argon2.memory")),
		uint8(viper.GetInt("argon2.threads")),
		uint32(viper.GetInt("argon2.key_length")))
	return fmt.Sprintf("%s$%s", base64.StdEncoding.EncodeToString(salt), base64.StdEncoding.EncodeToString(hash)), nil
}

func verifyPassword(password, hashedPassword string) bool {
	parts := strings.Split(hashedPassword, "$")
	if len(parts) != 2 {
		return false
	}

	salt, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil {
		return false
	}

	hash, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return false
	}

	computedHash := argon2.IDKey([]byte(password), salt,
		uint32(viper.GetInt("argon2.time")),
		uint32(viper.GetInt("argon2.memory")),
		uint8(viper.GetInt("argon2.threads")),
		uint32(viper.GetInt("argon2.key_length")))
	return string(hash) == string(computedHash)
}
