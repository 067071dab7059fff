package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"xp-quest-backend/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Default referral economics.
const (
	DefaultInviterRewardXP = 500
	DefaultInviteeRewardXP = 100
	DefaultXPThreshold     = 100
)

// ReferralPorts are the read-only queries the state machine needs about an
// invitee. The machine depends on these abstractions, never on other
// services' storage directly.
type ReferralPorts struct {
	HasLogin        func(ctx context.Context, userID string) (bool, error)
	HasOnChainEvent func(ctx context.Context, userID string) (bool, error)
	CurrentXP       func(ctx context.Context, userID string) (int64, error)
}

// NewReferralPorts builds the default ports over the shared database.
func NewReferralPorts(db *gorm.DB) ReferralPorts {
	return ReferralPorts{
		HasLogin: func(ctx context.Context, userID string) (bool, error) {
			var user models.User
			if err := db.WithContext(ctx).Select("last_login_at").First(&user, "id = ?", userID).Error; err != nil {
				return false, err
			}
			return user.LastLoginAt != nil, nil
		},
		HasOnChainEvent: func(ctx context.Context, userID string) (bool, error) {
			var count int64
			err := db.WithContext(ctx).Model(&models.Event{}).
				Where("user_id = ? AND status = ? AND tx_hash <> ''", userID, models.EventStatusProcessed).
				Count(&count).Error
			return count > 0, err
		},
		CurrentXP: func(ctx context.Context, userID string) (int64, error) {
			var user models.User
			if err := db.WithContext(ctx).Select("total_xp").First(&user, "id = ?", userID).Error; err != nil {
				return 0, err
			}
			return user.TotalXP, nil
		},
	}
}

// ReferralService drives the pending -> verified -> rewarded state machine.
// Verification is re-evaluated lazily after events that touch the invitee;
// the rewarded transition pays both parties through the award engine exactly
// once.
type ReferralService struct {
	DB    *gorm.DB
	ports ReferralPorts
	log   *zap.Logger

	awarder xpAwarder

	InviterRewardXP int64
	InviteeRewardXP int64
	XPThreshold     int64

	Now func() time.Time
}

func NewReferralService(db *gorm.DB, ports ReferralPorts, awarder xpAwarder, log *zap.Logger) *ReferralService {
	return &ReferralService{
		DB:              db,
		ports:           ports,
		awarder:         awarder,
		log:             log,
		InviterRewardXP: DefaultInviterRewardXP,
		InviteeRewardXP: DefaultInviteeRewardXP,
		XPThreshold:     DefaultXPThreshold,
		Now:             time.Now,
	}
}

// Create links an invitee to the owner of a referral code. The invitee
// uniqueness invariant rides on the unique index; a second creation attempt
// surfaces as ErrAlreadyReferred, not a generic constraint violation.
func (s *ReferralService) Create(ctx context.Context, inviteeID, code string) (*models.Referral, error) {
	var inviter models.User
	err := s.DB.WithContext(ctx).First(&inviter, "referral_code = ?", code).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrInvalidReferralCode
	}
	if err != nil {
		return nil, err
	}
	if inviter.ID == inviteeID {
		return nil, ErrSelfReferral
	}

	referral := &models.Referral{
		ID:               uuid.NewString(),
		InviterID:        inviter.ID,
		InviteeID:        inviteeID,
		ReferralCodeUsed: code,
		Status:           models.ReferralStatusPending,
		XPThreshold:      s.XPThreshold,
	}
	if err := s.DB.WithContext(ctx).Create(referral).Error; err != nil {
		if isDuplicateErr(err) {
			return nil, ErrAlreadyReferred
		}
		return nil, fmt.Errorf("create referral: %w", err)
	}

	s.log.Info("referral created",
		zap.String("inviter_id", inviter.ID),
		zap.String("invitee_id", inviteeID))
	return referral, nil
}

// EvaluateForUser re-checks the invitee's verification criteria and advances
// the state machine as far as it can: pending -> verified when all three
// criteria hold, then verified -> rewarded. Safe to call any number of
// times; terminal states are never revisited.
func (s *ReferralService) EvaluateForUser(ctx context.Context, inviteeID string) error {
	var referral models.Referral
	err := s.DB.WithContext(ctx).First(&referral, "invitee_id = ?", inviteeID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil // not referred, nothing to do
	}
	if err != nil {
		return err
	}

	if referral.Status == models.ReferralStatusPending {
		verified, err := s.checkCriteria(ctx, &referral)
		if err != nil {
			return err
		}
		if !verified {
			return nil
		}
		// Guard on the current status so a concurrent evaluation cannot
		// double-transition.
		res := s.DB.WithContext(ctx).Model(&models.Referral{}).
			Where("id = ? AND status = ?", referral.ID, models.ReferralStatusPending).
			Updates(map[string]any{
				"status":               models.ReferralStatusVerified,
				"first_login_at":       referral.FirstLoginAt,
				"first_on_chain_at":    referral.FirstOnChainAt,
				"xp_threshold_reached": true,
			})
		if res.Error != nil {
			return fmt.Errorf("verify referral: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return nil
		}
		referral.Status = models.ReferralStatusVerified
		s.log.Info("referral verified",
			zap.String("referral_id", referral.ID),
			zap.String("invitee_id", inviteeID))
	}

	if referral.Status == models.ReferralStatusVerified {
		return s.reward(ctx, &referral)
	}
	return nil
}

// checkCriteria evaluates the three verification criteria through the read
// ports, stamping first-seen times on the in-memory row.
func (s *ReferralService) checkCriteria(ctx context.Context, referral *models.Referral) (bool, error) {
	now := s.Now().UTC()

	hasLogin, err := s.ports.HasLogin(ctx, referral.InviteeID)
	if err != nil {
		return false, fmt.Errorf("check login: %w", err)
	}
	if hasLogin && referral.FirstLoginAt == nil {
		referral.FirstLoginAt = &now
	}

	hasOnChain, err := s.ports.HasOnChainEvent(ctx, referral.InviteeID)
	if err != nil {
		return false, fmt.Errorf("check on-chain event: %w", err)
	}
	if hasOnChain && referral.FirstOnChainAt == nil {
		referral.FirstOnChainAt = &now
	}

	xp, err := s.ports.CurrentXP(ctx, referral.InviteeID)
	if err != nil {
		return false, fmt.Errorf("check xp: %w", err)
	}

	return hasLogin && hasOnChain && xp >= referral.XPThreshold, nil
}

// reward flips verified -> rewarded and pays both sides in one transaction.
// The status guard makes a concurrent invocation a no-op, so neither party
// can be paid twice; a failed payout rolls the flip back, so the referral
// stays verified and a later evaluation retries the whole payout.
func (s *ReferralService) reward(ctx context.Context, referral *models.Referral) error {
	now := s.Now().UTC()
	unlock := s.awarder.LockUsers(referral.InviterID, referral.InviteeID)
	defer unlock()

	rewarded := false
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Referral{}).
			Where("id = ? AND status = ?", referral.ID, models.ReferralStatusVerified).
			Updates(map[string]any{
				"status":            models.ReferralStatusRewarded,
				"inviter_reward_xp": s.InviterRewardXP,
				"invitee_reward_xp": s.InviteeRewardXP,
				"rewarded_at":       now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil // someone else won the transition
		}
		rewarded = true

		meta := map[string]string{"referral_id": referral.ID}
		if _, err := s.awarder.AwardXPTx(tx, referral.InviterID, s.InviterRewardXP,
			models.ReasonReferralRewardInviter, "Referral reward for inviting a verified user", nil, meta); err != nil {
			return fmt.Errorf("pay inviter: %w", err)
		}
		if _, err := s.awarder.AwardXPTx(tx, referral.InviteeID, s.InviteeRewardXP,
			models.ReasonReferralRewardInvitee, "Referral reward for joining via invite", nil, meta); err != nil {
			return fmt.Errorf("pay invitee: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("reward referral: %w", err)
	}
	if !rewarded {
		return nil
	}

	s.log.Info("referral rewarded",
		zap.String("referral_id", referral.ID),
		zap.Int64("inviter_xp", s.InviterRewardXP),
		zap.Int64("invitee_xp", s.InviteeRewardXP))
	return nil
}

// Reject moves a pending or verified referral to the terminal rejected
// state (admin/fraud action).
func (s *ReferralService) Reject(ctx context.Context, referralID, reason string) error {
	res := s.DB.WithContext(ctx).Model(&models.Referral{}).
		Where("id = ? AND status IN ?", referralID,
			[]models.ReferralStatus{models.ReferralStatusPending, models.ReferralStatusVerified}).
		Updates(map[string]any{
			"status":          models.ReferralStatusRejected,
			"rejected_reason": reason,
		})
	if res.Error != nil {
		return fmt.Errorf("reject referral: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		var referral models.Referral
		err := s.DB.WithContext(ctx).First(&referral, "id = ?", referralID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrReferralNotFound
		}
		if err != nil {
			return err
		}
		return ErrReferralTerminal
	}
	return nil
}

// GetForInvitee returns the referral where the user is the invitee, if any.
func (s *ReferralService) GetForInvitee(ctx context.Context, inviteeID string) (*models.Referral, error) {
	var referral models.Referral
	err := s.DB.WithContext(ctx).First(&referral, "invitee_id = ?", inviteeID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &referral, nil
}

// ListForInviter returns all referrals a user has made.
func (s *ReferralService) ListForInviter(ctx context.Context, inviterID string) ([]models.Referral, error) {
	var referrals []models.Referral
	err := s.DB.WithContext(ctx).
		Where("inviter_id = ?", inviterID).
		Order("created_at DESC").
		Find(&referrals).Error
	return referrals, err
}
