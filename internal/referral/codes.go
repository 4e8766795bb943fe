package referral

import (
	"context"
	"crypto/rand"
	"encoding/base32"
	"errors"
	"strings"

	"github.com/google/uuid"
	"growth_service/internal/apperr"
	"gorm.io/gorm"
)

const (
	OwnerUser    = "user"
	OwnerPartner = "partner"

	codeLength   = 8
	codeAttempts = 5
)

var codeEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// NormalizeCode is the canonical form codes are stored and matched in.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func generateCode() (string, error) {
	b := make([]byte, 5)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return codeEncoding.EncodeToString(b)[:codeLength], nil
}

// GetOrCreateReferralCode returns the user's code, issuing one on first use.
func (s *Service) GetOrCreateReferralCode(ctx context.Context, userID string) (*ReferralCode, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, apperr.Validation("user_required", "referral: user id is required")
	}

	existing, err := s.repo.GetCodeByUser(ctx, userID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ErrCodeNotFound) {
		return nil, apperr.FromStore("referral: get code", err)
	}

	for i := 0; i < codeAttempts; i++ {
		code, err := generateCode()
		if err != nil {
			return nil, err
		}
		rc := &ReferralCode{
			ID:        uuid.New().String(),
			UserID:    userID,
			Code:      code,
			OwnerType: OwnerUser,
			IsActive:  true,
			CreatedAt: s.now(),
		}
		err = s.repo.CreateCode(ctx, nil, rc)
		if err == nil {
			s.log.WithField("user_id", userID).Info("referral code issued")
			return rc, nil
		}
		if !errors.Is(err, ErrCodeTaken) {
			return nil, apperr.FromStore("referral: create code", err)
		}
		// either the code collided or a concurrent call issued one for this user
		if existing, getErr := s.repo.GetCodeByUser(ctx, userID); getErr == nil {
			return existing, nil
		}
	}
	return nil, apperr.Conflict("code_generation_failed", "referral: could not issue a unique code, retry")
}

// RegisterCode claims a specific code for a user inside tx. Used for
// partner custom codes.
func (s *Service) RegisterCode(ctx context.Context, tx *gorm.DB, userID string, code string, ownerType string) (*ReferralCode, error) {
	code = NormalizeCode(code)
	if code == "" || userID == "" {
		return nil, ErrInvalidCode
	}
	rc := &ReferralCode{
		ID:        uuid.New().String(),
		UserID:    userID,
		Code:      code,
		OwnerType: ownerType,
		IsActive:  true,
		CreatedAt: s.now(),
	}
	if err := s.repo.CreateCode(ctx, tx, rc); err != nil {
		return nil, err
	}
	return rc, nil
}

// SetCodeActive enables or disables attribution through code.
func (s *Service) SetCodeActive(ctx context.Context, tx *gorm.DB, code string, active bool) error {
	return s.repo.SetCodeActive(ctx, tx, NormalizeCode(code), active)
}

// CodeExists reports whether code is already claimed.
func (s *Service) CodeExists(ctx context.Context, tx *gorm.DB, code string) (bool, error) {
	_, err := s.repo.GetCode(ctx, tx, NormalizeCode(code))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, ErrCodeNotFound) {
		return false, nil
	}
	return false, apperr.FromStore("referral: lookup code", err)
}

func (s *Service) ValidateReferralCode(ctx context.Context, code string) (*CodeValidation, error) {
	code = NormalizeCode(code)
	if code == "" {
		return &CodeValidation{IsValid: false}, nil
	}
	rc, err := s.repo.GetCode(ctx, nil, code)
	if err != nil {
		if errors.Is(err, ErrCodeNotFound) {
			return &CodeValidation{IsValid: false, Code: code}, nil
		}
		return nil, apperr.FromStore("referral: validate code", err)
	}
	if !rc.IsActive {
		return &CodeValidation{IsValid: false, Code: code}, nil
	}
	return &CodeValidation{IsValid: true, Code: rc.Code, ReferrerID: rc.UserID, OwnerType: rc.OwnerType}, nil
}
