package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"xp-quest-backend/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// RuleService is the rule store: per-action award policy plus the validation,
// cooldown and daily-limit predicates the award engine runs before paying.
type RuleService struct {
	DB *gorm.DB
}

func NewRuleService(db *gorm.DB) *RuleService {
	return &RuleService{DB: db}
}

// ValidationResult is the outcome of a policy check. Reason/Message are only
// set when Valid is false.
type ValidationResult struct {
	Valid   bool
	Reason  ReasonCode
	Message string
}

func valid() ValidationResult { return ValidationResult{Valid: true} }

func invalid(reason ReasonCode, format string, args ...any) ValidationResult {
	return ValidationResult{Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// GetActiveRule returns the active rule for an action type, or nil when none
// is configured. Absence is not an error.
func (s *RuleService) GetActiveRule(ctx context.Context, actionType string) (*models.XPRule, error) {
	var rule models.XPRule
	err := s.DB.WithContext(ctx).
		Where("action_type = ? AND is_active = ?", actionType, true).
		First(&rule).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get active rule: %w", err)
	}
	return &rule, nil
}

// Validate runs the ordered policy checks: chain allow-list, protocol
// allow-list, minimum amount. The rule is assumed active (GetActiveRule only
// returns active rules). Amounts are compared as decimals, never floats.
func (s *RuleService) Validate(rule *models.XPRule, event *models.Event) ValidationResult {
	if len(rule.ValidChainIDs) > 0 && !rule.AllowsChain(event.ChainID) {
		return invalid(ReasonChainNotAllowed, "Chain %d is not supported for %s", event.ChainID, rule.ActionType)
	}
	if len(rule.ValidProtocols) > 0 && !rule.AllowsProtocol(event.Protocol) {
		return invalid(ReasonProtocolNotAllowed, "Protocol %q is not supported for %s", event.Protocol, rule.ActionType)
	}
	if rule.MinAmount != nil {
		min, err := decimal.NewFromString(*rule.MinAmount)
		if err != nil {
			return invalid(ReasonInvalidAmount, "Rule minimum amount is malformed")
		}
		amount, err := decimal.NewFromString(event.Amount)
		if err != nil {
			return invalid(ReasonInvalidAmount, "Amount %q is not a valid number", event.Amount)
		}
		if amount.LessThan(min) {
			return invalid(ReasonAmountBelowMinimum, "Minimum amount is %s", min.String())
		}
	}
	return valid()
}

// CheckCooldown finds the most recent successfully-processed event of the
// rule's action type and rejects when it falls within the cooldown window.
// Failed attempts never consume cooldown. Returns the exact next-eligible
// timestamp on rejection.
func (s *RuleService) CheckCooldown(ctx context.Context, userID string, rule *models.XPRule, now time.Time) (ValidationResult, *time.Time, error) {
	if rule.CooldownMinutes == nil || *rule.CooldownMinutes <= 0 {
		return valid(), nil, nil
	}

	var last models.Event
	err := s.DB.WithContext(ctx).
		Where("user_id = ? AND action_type = ? AND status = ?", userID, rule.ActionType, models.EventStatusProcessed).
		Order("processed_at DESC").
		First(&last).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return valid(), nil, nil
	}
	if err != nil {
		return ValidationResult{}, nil, fmt.Errorf("cooldown lookup: %w", err)
	}
	if last.ProcessedAt == nil {
		return valid(), nil, nil
	}

	nextAt := last.ProcessedAt.Add(time.Duration(*rule.CooldownMinutes) * time.Minute)
	if now.Before(nextAt) {
		remaining := nextAt.Sub(now).Round(time.Second)
		res := invalid(ReasonCooldownActive, "Cooldown active, try again in %s", remaining)
		return res, &nextAt, nil
	}
	return valid(), nil, nil
}

// CheckDailyLimit counts successfully-processed events of the action type
// since UTC midnight and rejects once the rule's daily limit is reached.
func (s *RuleService) CheckDailyLimit(ctx context.Context, userID string, rule *models.XPRule, now time.Time) (ValidationResult, int, error) {
	if rule.DailyLimit == nil || *rule.DailyLimit <= 0 {
		return valid(), -1, nil
	}

	midnight := DayStart(now)
	var count int64
	err := s.DB.WithContext(ctx).Model(&models.Event{}).
		Where("user_id = ? AND action_type = ? AND status = ? AND processed_at >= ?",
			userID, rule.ActionType, models.EventStatusProcessed, midnight).
		Count(&count).Error
	if err != nil {
		return ValidationResult{}, 0, fmt.Errorf("daily limit lookup: %w", err)
	}

	limit := int64(*rule.DailyLimit)
	if count >= limit {
		return invalid(ReasonDailyLimitReached, "Daily limit of %d reached for %s", limit, rule.ActionType), 0, nil
	}
	return valid(), int(limit - count), nil
}

// DayStart returns UTC midnight of the day containing t.
func DayStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// UpsertRule replaces the active rule for an action type, keeping the
// at-most-one-active invariant inside a single transaction.
func (s *RuleService) UpsertRule(ctx context.Context, rule models.XPRule) (*models.XPRule, error) {
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	rule.IsActive = true

	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.XPRule{}).
			Where("action_type = ? AND is_active = ?", rule.ActionType, true).
			Update("is_active", false).Error; err != nil {
			return err
		}

		// Reuse the existing row for the action type when present; the
		// unique index on action_type holds either way.
		var existing models.XPRule
		err := tx.Where("action_type = ?", rule.ActionType).First(&existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			return tx.Create(&rule).Error
		case err != nil:
			return err
		default:
			rule.ID = existing.ID
			return tx.Model(&existing).Select("*").Omit("id", "created_at").Updates(&rule).Error
		}
	})
	if err != nil {
		return nil, fmt.Errorf("upsert rule: %w", err)
	}
	return &rule, nil
}

// ListRules returns every rule, active or not, for the admin surface.
func (s *RuleService) ListRules(ctx context.Context) ([]models.XPRule, error) {
	var rules []models.XPRule
	err := s.DB.WithContext(ctx).Order("action_type ASC").Find(&rules).Error
	return rules, err
}
