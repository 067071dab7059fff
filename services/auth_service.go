package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"xp-quest-backend/models"
	"xp-quest-backend/utils"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	referralCodeLength   = 8
	referralCodeAttempts = 10
	defaultNonceTTL      = 5 * time.Minute
	defaultTokenTTL      = 24 * time.Hour
)

// SignatureVerifier checks that signature was produced by address over
// message. The default implementation recovers a personal_sign signature;
// tests stub it.
type SignatureVerifier func(address, message, signature string) error

// eventSubmitter is the slice of the award engine auth needs to record the
// first wallet connection.
type eventSubmitter interface {
	SubmitEvent(ctx context.Context, userID string, in SubmitEventInput) (AwardResult, error)
}

// AuthService implements the wallet challenge/response flow: issue an
// expiring nonce, verify the signature over it, hand back a session token.
// Users are created on their first challenge.
type AuthService struct {
	DB  *gorm.DB
	log *zap.Logger

	jwtSecret []byte
	NonceTTL  time.Duration
	TokenTTL  time.Duration

	VerifySignature SignatureVerifier

	events    eventSubmitter
	referrals referralEvaluator

	Now func() time.Time
}

func NewAuthService(db *gorm.DB, jwtSecret []byte, log *zap.Logger) *AuthService {
	return &AuthService{
		DB:              db,
		log:             log,
		jwtSecret:       jwtSecret,
		NonceTTL:        defaultNonceTTL,
		TokenTTL:        defaultTokenTTL,
		VerifySignature: VerifyPersonalSignature,
		Now:             time.Now,
	}
}

// WithCollaborators wires the post-login side effects: the connect_wallet
// event and the lazy referral evaluation.
func (s *AuthService) WithCollaborators(events eventSubmitter, referrals referralEvaluator) {
	s.events = events
	s.referrals = referrals
}

// NormalizeAddress validates and lowercases a wallet address to its
// canonical 20-byte hex form.
func NormalizeAddress(address string) (string, error) {
	if !common.IsHexAddress(address) {
		return "", ErrInvalidAddress
	}
	return strings.ToLower(common.HexToAddress(address).Hex()), nil
}

// ChallengeMessage is the exact text wallets sign.
func ChallengeMessage(nonce string) string {
	return "Sign this message to log in.\nNonce: " + nonce
}

// Challenge issues a fresh nonce for the wallet, creating the user row (with
// a unique referral code) on first contact.
func (s *AuthService) Challenge(ctx context.Context, address string) (*models.User, string, error) {
	normalized, err := NormalizeAddress(address)
	if err != nil {
		return nil, "", err
	}

	now := s.Now().UTC()
	nonce := strings.ReplaceAll(uuid.NewString(), "-", "")
	expiry := now.Add(s.NonceTTL)

	var user models.User
	err = s.DB.WithContext(ctx).First(&user, "wallet_address = ?", normalized).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		code, err := utils.GenerateUniqueCode(referralCodeLength, referralCodeAttempts, func(code string) (bool, error) {
			var count int64
			err := s.DB.WithContext(ctx).Model(&models.User{}).
				Where("referral_code = ?", code).Count(&count).Error
			return count > 0, err
		})
		if err != nil {
			return nil, "", fmt.Errorf("assign referral code: %w", err)
		}
		user = models.User{
			ID:                 uuid.NewString(),
			WalletAddress:      normalized,
			ReferralCode:       code,
			AuthNonce:          nonce,
			AuthNonceExpiresAt: &expiry,
		}
		if err := s.DB.WithContext(ctx).Create(&user).Error; err != nil {
			return nil, "", fmt.Errorf("create user: %w", err)
		}
	case err != nil:
		return nil, "", err
	default:
		err = s.DB.WithContext(ctx).Model(&user).Updates(map[string]any{
			"auth_nonce":            nonce,
			"auth_nonce_expires_at": expiry,
		}).Error
		if err != nil {
			return nil, "", fmt.Errorf("rotate nonce: %w", err)
		}
		user.AuthNonce = nonce
		user.AuthNonceExpiresAt = &expiry
	}

	return &user, ChallengeMessage(nonce), nil
}

// Login verifies the signature over the outstanding nonce and returns a
// session token. The nonce is single-use. The first successful login records
// a connect_wallet event and nudges referral verification, both best-effort.
func (s *AuthService) Login(ctx context.Context, address, signature string) (string, *models.User, error) {
	normalized, err := NormalizeAddress(address)
	if err != nil {
		return "", nil, err
	}

	var user models.User
	if err := s.DB.WithContext(ctx).First(&user, "wallet_address = ?", normalized).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", nil, ErrUserNotFound
		}
		return "", nil, err
	}

	now := s.Now().UTC()
	if user.AuthNonce == "" || user.AuthNonceExpiresAt == nil || now.After(*user.AuthNonceExpiresAt) {
		return "", nil, ErrNonceExpired
	}
	if err := s.VerifySignature(normalized, ChallengeMessage(user.AuthNonce), signature); err != nil {
		return "", nil, err
	}

	firstLogin := user.LastLoginAt == nil
	err = s.DB.WithContext(ctx).Model(&user).Updates(map[string]any{
		"auth_nonce":            "",
		"auth_nonce_expires_at": nil,
		"last_login_at":         now,
	}).Error
	if err != nil {
		return "", nil, fmt.Errorf("finalize login: %w", err)
	}
	user.LastLoginAt = &now

	token, err := s.issueToken(&user, now)
	if err != nil {
		return "", nil, err
	}

	if firstLogin && s.events != nil {
		if _, err := s.events.SubmitEvent(ctx, user.ID, SubmitEventInput{
			ActionType: string(models.ReasonConnectWallet),
			DedupKey:   "connect_wallet:" + user.ID,
		}); err != nil {
			s.log.Error("connect_wallet event failed", zap.String("user_id", user.ID), zap.Error(err))
		}
	}
	if s.referrals != nil {
		if err := s.referrals.EvaluateForUser(ctx, user.ID); err != nil {
			s.log.Error("referral evaluation after login failed", zap.String("user_id", user.ID), zap.Error(err))
		}
	}

	return token, &user, nil
}

func (s *AuthService) issueToken(user *models.User, now time.Time) (string, error) {
	claims := jwt.MapClaims{
		"sub":    user.ID,
		"wallet": user.WalletAddress,
		"adm":    user.IsAdmin,
		"iat":    now.Unix(),
		"exp":    now.Add(s.TokenTTL).Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.jwtSecret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return token, nil
}

// VerifyPersonalSignature recovers the signer of an eth personal_sign
// signature and compares it to the claimed address.
func VerifyPersonalSignature(address, message, signature string) error {
	sig, err := hexutil.Decode(signature)
	if err != nil || len(sig) != 65 {
		return ErrBadSignature
	}
	// Wallets encode the recovery id as 27/28; crypto wants 0/1.
	if sig[64] >= 27 {
		sig = append([]byte{}, sig...)
		sig[64] -= 27
	}

	pub, err := crypto.SigToPub(accounts.TextHash([]byte(message)), sig)
	if err != nil {
		return ErrBadSignature
	}
	if !strings.EqualFold(crypto.PubkeyToAddress(*pub).Hex(), address) {
		return ErrBadSignature
	}
	return nil
}
