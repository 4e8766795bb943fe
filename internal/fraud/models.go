package fraud

import "time"

type SignalCode string

const (
	SignalSelfReferral   SignalCode = "self_referral"
	SignalCircular       SignalCode = "circular_referral"
	SignalVelocity       SignalCode = "velocity_exceeded"
	SignalFlaggedReferee SignalCode = "flagged_referee"
	SignalDeviceReuse    SignalCode = "device_reuse"
	SignalIPReuse        SignalCode = "ip_reuse"
	SignalScore          SignalCode = "fraud_score"
)

// hardBlockOrder is the priority used to pick the primary rejection code.
var hardBlockOrder = []SignalCode{SignalSelfReferral, SignalCircular, SignalVelocity, SignalFlaggedReferee}

type Attempt struct {
	ReferrerID        string `json:"referrer_id"`
	RefereeID         string `json:"referee_id"`
	DeviceFingerprint string `json:"device_fingerprint,omitempty"`
	IPAddress         string `json:"ip_address,omitempty"`
}

type Signal struct {
	Code      SignalCode `json:"code"`
	Weight    int        `json:"weight"`
	HardBlock bool       `json:"hard_block"`
	Detail    string     `json:"detail"`
}

type Evaluation struct {
	IsFraudRisk    bool         `json:"is_fraud_risk"`
	RiskScore      int          `json:"risk_score"`
	Reason         string       `json:"reason"`
	BlockedReasons []SignalCode `json:"blocked_reasons"`
	Signals        []Signal     `json:"signals"`
}

// PrimaryCode is the single reason code a caller should report.
func (e *Evaluation) PrimaryCode() SignalCode {
	for _, code := range hardBlockOrder {
		for _, s := range e.Signals {
			if s.HardBlock && s.Code == code {
				return code
			}
		}
	}
	return SignalScore
}

type DeviceFingerprintCheck struct {
	IsExceeded bool `json:"is_exceeded"`
	MatchCount int  `json:"match_count"`
	MaxAllowed int  `json:"max_allowed"`
}

type IPAddressCheck struct {
	IsExceeded bool `json:"is_exceeded"`
	MatchCount int  `json:"match_count"`
	MaxAllowed int  `json:"max_allowed"`
}

type VelocityCheck struct {
	IsExceeded    bool `json:"is_exceeded"`
	Count         int  `json:"count"`
	MaxAllowed    int  `json:"max_allowed"`
	WindowMinutes int  `json:"window_minutes"`
}

type SuspiciousReferral struct {
	ReferralID        string    `json:"referral_id"`
	ReferrerID        string    `json:"referrer_id"`
	RefereeID         string    `json:"referee_id"`
	DeviceFingerprint string    `json:"device_fingerprint,omitempty"`
	IPAddress         string    `json:"ip_address,omitempty"`
	SuspicionReasons  []string  `json:"suspicion_reasons"`
	RiskScore         int       `json:"risk_score"`
	CreatedAt         time.Time `json:"created_at"`
}

type Stats struct {
	TotalReferrals     int64   `json:"total_referrals"`
	FraudFlagged       int64   `json:"fraud_flagged"`
	FraudRate          float64 `json:"fraud_rate"`
	CircularReferrals  int64   `json:"circular_referrals"`
	VelocityViolations int64   `json:"velocity_violations"`
	DeviceDuplicates   int64   `json:"device_duplicates"`
	IPDuplicates       int64   `json:"ip_duplicates"`
}
