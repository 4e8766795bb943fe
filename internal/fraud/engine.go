package fraud

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"growth_service/internal/apperr"
	"growth_service/internal/config"
)

var ErrEvaluationUnavailable = &apperr.Error{
	Kind:    apperr.KindUnavailable,
	Code:    "evaluation_unavailable",
	Message: "fraud: evaluation unavailable",
}

// Engine scores referral attempts. It only reads; flagging is done by the
// referral lifecycle.
type Engine struct {
	store SignalStore
	cfg   config.FraudConfig
	log   *logrus.Logger
	now   func() time.Time
}

func NewEngine(store SignalStore, cfg config.FraudConfig, log *logrus.Logger) *Engine {
	return &Engine{
		store: store,
		cfg:   cfg,
		log:   log,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

func unavailable(err error) error {
	return apperr.Wrap(ErrEvaluationUnavailable, err)
}

// Evaluate scores a prospective referral. Store failures are returned as
// ErrEvaluationUnavailable and never read as "no risk".
func (e *Engine) Evaluate(ctx context.Context, a Attempt) (*Evaluation, error) {
	var signals []Signal

	if a.ReferrerID == a.RefereeID {
		signals = append(signals, Signal{
			Code:      SignalSelfReferral,
			HardBlock: true,
			Detail:    "referrer and referee are the same user",
		})
	}

	circular, err := e.CheckCircularReferral(ctx, a.ReferrerID, a.RefereeID)
	if err != nil {
		return nil, err
	}
	if circular {
		signals = append(signals, Signal{
			Code:      SignalCircular,
			Weight:    e.cfg.CircularWeight,
			HardBlock: true,
			Detail:    "referee has already referred the referrer",
		})
	}

	velocity, err := e.CheckVelocity(ctx, a.ReferrerID)
	if err != nil {
		return nil, err
	}
	if velocity.IsExceeded {
		signals = append(signals, Signal{
			Code:      SignalVelocity,
			HardBlock: true,
			Detail: fmt.Sprintf("%d referrals in the last %d minutes (max %d)",
				velocity.Count, velocity.WindowMinutes, velocity.MaxAllowed),
		})
	}

	if e.cfg.BlockFlaggedReferees {
		flagged, err := e.store.CountFlaggedAsReferee(ctx, a.RefereeID)
		if err != nil {
			return nil, unavailable(err)
		}
		if flagged > 0 {
			signals = append(signals, Signal{
				Code:      SignalFlaggedReferee,
				HardBlock: true,
				Detail:    "referee was previously flagged for fraud",
			})
		}
	}

	if a.DeviceFingerprint != "" {
		check, err := e.checkDevice(ctx, a.DeviceFingerprint, a.ReferrerID, e.cfg.DeviceThreshold)
		if err != nil {
			return nil, err
		}
		if check.IsExceeded {
			signals = append(signals, Signal{
				Code:   SignalDeviceReuse,
				Weight: e.scaled(e.cfg.DeviceWeight, check.MatchCount-check.MaxAllowed),
				Detail: fmt.Sprintf("device fingerprint shared by %d referrers", check.MatchCount),
			})
		}
	}

	if a.IPAddress != "" {
		check, err := e.checkIP(ctx, a.IPAddress, a.ReferrerID, e.cfg.IPThreshold)
		if err != nil {
			return nil, err
		}
		if check.IsExceeded {
			signals = append(signals, Signal{
				Code:   SignalIPReuse,
				Weight: e.scaled(e.cfg.IPWeight, check.MatchCount-check.MaxAllowed),
				Detail: fmt.Sprintf("ip address shared by %d referrers", check.MatchCount),
			})
		}
	}

	ev := decide(signals, e.cfg.RiskThreshold)
	if ev.IsFraudRisk {
		e.log.WithFields(logrus.Fields{
			"referrer_id": a.ReferrerID,
			"referee_id":  a.RefereeID,
			"risk_score":  ev.RiskScore,
			"reasons":     ev.BlockedReasons,
		}).Warn("referral attempt scored as fraud risk")
	}
	return ev, nil
}

// scaled grows a signal's weight with how far the count exceeds its
// threshold, reaching the full weight after ScaleSteps extra matches.
func (e *Engine) scaled(weight int, excess int) int {
	if excess <= 0 {
		return 0
	}
	w := excess * weight / e.cfg.ScaleSteps
	if w > weight {
		return weight
	}
	if w < 1 {
		return 1
	}
	return w
}

func decide(signals []Signal, threshold int) *Evaluation {
	ev := &Evaluation{Signals: signals, BlockedReasons: []SignalCode{}}

	score := 0
	hardBlock := false
	var details []string
	for _, s := range signals {
		score += s.Weight
		if s.HardBlock {
			hardBlock = true
		}
		details = append(details, s.Detail)
	}
	if score > 100 {
		score = 100
	}
	ev.RiskScore = score
	ev.IsFraudRisk = hardBlock || score >= threshold

	if ev.IsFraudRisk {
		for _, s := range signals {
			if s.HardBlock || s.Weight > 0 {
				ev.BlockedReasons = append(ev.BlockedReasons, s.Code)
			}
		}
		if !hardBlock {
			ev.BlockedReasons = append(ev.BlockedReasons, SignalScore)
		}
	}
	if len(details) > 0 {
		ev.Reason = strings.Join(details, "; ")
	} else {
		ev.Reason = "no risk signals"
	}
	return ev
}

// CheckCircularReferral reports whether refereeID has already referred referrerID.
func (e *Engine) CheckCircularReferral(ctx context.Context, referrerID string, refereeID string) (bool, error) {
	id, err := e.store.FindReferralID(ctx, refereeID, referrerID)
	if err != nil {
		return false, unavailable(err)
	}
	return id != "", nil
}

// CheckDeviceFingerprint counts distinct referrers on a fingerprint. When
// referrerID is set it is counted as one of them.
func (e *Engine) CheckDeviceFingerprint(ctx context.Context, fingerprint string, referrerID string) (*DeviceFingerprintCheck, error) {
	return e.checkDevice(ctx, fingerprint, referrerID, e.cfg.DeviceThreshold)
}

func (e *Engine) checkDevice(ctx context.Context, fingerprint string, referrerID string, maxAllowed int) (*DeviceFingerprintCheck, error) {
	n, err := e.store.CountDeviceReferrers(ctx, fingerprint, referrerID)
	if err != nil {
		return nil, unavailable(err)
	}
	if referrerID != "" {
		n++
	}
	return &DeviceFingerprintCheck{IsExceeded: n > maxAllowed, MatchCount: n, MaxAllowed: maxAllowed}, nil
}

func (e *Engine) CheckIPAddress(ctx context.Context, ip string, referrerID string) (*IPAddressCheck, error) {
	return e.checkIP(ctx, ip, referrerID, e.cfg.IPThreshold)
}

func (e *Engine) checkIP(ctx context.Context, ip string, referrerID string, maxAllowed int) (*IPAddressCheck, error) {
	n, err := e.store.CountIPReferrers(ctx, ip, referrerID)
	if err != nil {
		return nil, unavailable(err)
	}
	if referrerID != "" {
		n++
	}
	return &IPAddressCheck{IsExceeded: n > maxAllowed, MatchCount: n, MaxAllowed: maxAllowed}, nil
}

// CheckVelocity counts the referrer's referrals inside the rolling window.
// Reaching the cap blocks the next attempt.
func (e *Engine) CheckVelocity(ctx context.Context, referrerID string) (*VelocityCheck, error) {
	since := e.now().Add(-e.cfg.VelocityWindow)
	n, err := e.store.CountReferralsSince(ctx, referrerID, since)
	if err != nil {
		return nil, unavailable(err)
	}
	return &VelocityCheck{
		IsExceeded:    n >= e.cfg.VelocityMax,
		Count:         n,
		MaxAllowed:    e.cfg.VelocityMax,
		WindowMinutes: int(e.cfg.VelocityWindow / time.Minute),
	}, nil
}
