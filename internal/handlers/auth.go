package handlers

import (
	"errors"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/vidyavaradhi/apiserver/internal/services"
	"github.com/vidyavaradhi/apiserver/internal/session"
	"github.com/vidyavaradhi/apiserver/types"
)

// AuthHandler serves the registration, login and session endpoints.
type AuthHandler struct {
	auth      *services.AuthService
	cookie    session.Cookie
	ticket    session.Cookie
	validate  *validator.Validate
	exposeOTP bool
}

// AuthHandlerConfig carries the cookie settings of AuthHandler.
type AuthHandlerConfig struct {
	SessionCookie session.Cookie
	TicketCookie  session.Cookie
	ExposeOTP     bool
}

func NewAuthHandler(auth *services.AuthService, cfg AuthHandlerConfig) *AuthHandler {
	v := services.NewValidator()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &AuthHandler{
		auth:      auth,
		cookie:    cfg.SessionCookie,
		ticket:    cfg.TicketCookie,
		validate:  v,
		exposeOTP: cfg.ExposeOTP,
	}
}

// AuthRouter registers the auth API on r, which is mounted at /api.
func AuthRouter(r chi.Router, h *AuthHandler) {
	r.Post("/send-otp", h.SendOTP)
	r.Post("/verify-otp", h.VerifyOTP)
	r.Route("/auth", func(r chi.Router) {
		r.Post("/register", h.Register)
		r.Post("/login", h.Login)
		r.Get("/session", h.Session)
		r.Post("/logout", h.Logout)
	})
}

type SendOTPRequest struct {
	Email string `json:"email" validate:"required,email"`
}

type SendOTPResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	OTP     string `json:"otp,omitempty"`
}

type VerifyOTPRequest struct {
	Email string `json:"email" validate:"required,email"`
	OTP   string `json:"otp" validate:"required"`
}

type VerifyOTPResponse struct {
	Success bool   `json:"success"`
	UserID  string `json:"userId"`
	Message string `json:"message"`
}

type RegisterRequest struct {
	UserID   string `json:"userId" validate:"required"`
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,password"`
	Role     string `json:"role" validate:"required,role"`
	Name     string `json:"name" validate:"required,max=100"`
}

type LoginRequest struct {
	Identifier string `json:"identifier"`
	// UserID is accepted as an alias of Identifier.
	UserID   string `json:"userId"`
	Password string `json:"password"`
}

type AuthResponse struct {
	Success bool             `json:"success"`
	User    types.PublicUser `json:"user"`
}

type SessionResponse struct {
	User *types.PublicUser `json:"user"`
}

type SuccessResponse struct {
	Success bool `json:"success"`
}

// SendOTP issues a registration code and mails it.
func (h *AuthHandler) SendOTP(w http.ResponseWriter, r *http.Request) {
	var req SendOTPRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}
	req.Email = strings.TrimSpace(req.Email)
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return
	}

	issued, err := h.auth.RequestOTP(r.Context(), req.Email)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	resp := SendOTPResponse{Success: true, Message: "OTP sent successfully to your email address"}
	if h.exposeOTP && issued.Code != "" {
		resp.Message = "OTP sent successfully! Development OTP: " + issued.Code
		resp.OTP = issued.Code
	}
	writeJSON(w, http.StatusOK, resp)
}

// VerifyOTP consumes the code and reserves a user ID. The ticket secret goes
// into a cookie scoped to the register endpoint.
func (h *AuthHandler) VerifyOTP(w http.ResponseWriter, r *http.Request) {
	var req VerifyOTPRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}
	req.Email = strings.TrimSpace(req.Email)
	req.OTP = strings.TrimSpace(req.OTP)
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return
	}

	verified, err := h.auth.VerifyOTP(r.Context(), req.Email, req.OTP)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	h.ticket.Set(w, verified.TicketSecret)
	writeJSON(w, http.StatusOK, VerifyOTPResponse{
		Success: true,
		UserID:  verified.UserID,
		Message: "Email verified successfully",
	})
}

// Register creates the account and signs the user in.
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)
	req.Email = strings.TrimSpace(req.Email)
	req.Name = services.Sanitize(req.Name)
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return
	}

	user, token, err := h.auth.Register(r.Context(), services.RegisterInput{
		UserID:       req.UserID,
		TicketSecret: h.ticket.Value(r),
		Email:        req.Email,
		Password:     req.Password,
		Role:         types.Role(req.Role),
		Name:         req.Name,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}

	h.ticket.Clear(w)
	h.cookie.Set(w, token)
	writeJSON(w, http.StatusCreated, AuthResponse{Success: true, User: user.Public()})
}

// Login verifies credentials and sets the session cookie.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}
	identifier := req.Identifier
	if strings.TrimSpace(identifier) == "" {
		identifier = req.UserID
	}

	user, token, err := h.auth.Login(r.Context(), services.LoginInput{
		Identifier: identifier,
		Password:   req.Password,
		ClientIP:   clientIP(r),
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}

	h.cookie.Set(w, token)
	writeJSON(w, http.StatusOK, AuthResponse{Success: true, User: user.Public()})
}

// Session reports the current user, or null.
func (h *AuthHandler) Session(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.auth.CurrentUser(r.Context(), h.cookie.Token(r))
	if !ok {
		writeJSON(w, http.StatusOK, SessionResponse{})
		return
	}
	user := sess.User()
	writeJSON(w, http.StatusOK, SessionResponse{User: &user})
}

// Logout clears the cookie and revokes the session server-side.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	token := h.cookie.Token(r)
	h.cookie.Clear(w)
	if err := h.auth.Logout(r.Context(), token); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, SuccessResponse{Success: true})
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "invalid request"
	}
	fe := verrs[0]
	switch fe.Tag() {
	case "required":
		return fe.Field() + " is required"
	case "email":
		return "Valid email address is required"
	case "role":
		return "Invalid role specified"
	case "password":
		if pw, ok := fe.Value().(string); ok {
			if problem := services.PasswordProblem(pw); problem != "" {
				return problem
			}
		}
	case "max":
		return fe.Field() + " is too long"
	}
	return "invalid " + fe.Field()
}
