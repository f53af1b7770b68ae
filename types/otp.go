package types

import "time"

// OTPPurpose tags what an issued code is meant to prove.
type OTPPurpose string

const (
	OTPPurposeRegistration OTPPurpose = "registration"
)

// OTP is a single issued one-time password.
type OTP struct {
	Email     string     `json:"email"`
	Code      string     `json:"-"`
	Purpose   OTPPurpose `json:"purpose"`
	ExpiresAt time.Time  `json:"expires_at"`
	Consumed  bool       `json:"consumed"`
}

// Expired reports whether the code can no longer be verified at now.
func (o OTP) Expired(now time.Time) bool {
	return !now.Before(o.ExpiresAt)
}
