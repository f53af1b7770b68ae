// Package mail builds, queues and delivers the platform's transactional
// email: OTP codes during registration and the welcome message after it.
package mail

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/vidyavaradhi/apiserver/types"
)

type Kind string

const (
	KindOTP     Kind = "otp"
	KindWelcome Kind = "welcome"
)

// Message is the queued form of an email. Data holds the template fields.
type Message struct {
	ID        string            `json:"id"`
	Kind      Kind              `json:"kind"`
	To        string            `json:"to"`
	Subject   string            `json:"subject"`
	Data      map[string]string `json:"data"`
	CreatedAt time.Time         `json:"createdAt"`
}

// Dispatcher hands a message off for delivery.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg Message) error
}

func OTPMessage(to, code string, ttl time.Duration) Message {
	return Message{
		ID:      uuid.NewString(),
		Kind:    KindOTP,
		To:      to,
		Subject: "Your VidyaVaradhi verification code",
		Data: map[string]string{
			"code":    code,
			"minutes": fmt.Sprintf("%d", int(ttl.Round(time.Minute)/time.Minute)),
		},
		CreatedAt: time.Now().UTC(),
	}
}

func WelcomeMessage(user types.User) Message {
	return Message{
		ID:      uuid.NewString(),
		Kind:    KindWelcome,
		To:      user.Email,
		Subject: "Welcome to VidyaVaradhi",
		Data: map[string]string{
			"name":   user.Name,
			"userId": user.ID,
			"role":   string(user.Role),
		},
		CreatedAt: time.Now().UTC(),
	}
}
