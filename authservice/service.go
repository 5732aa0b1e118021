// Package authservice implements the account backend: registration, login
// and profile lookup, reached over the bus through a service endpoint on
// the auth request subject.
package authservice

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/xeipuuv/gojsonschema"
	"golang.org/x/crypto/bcrypt"

	"github.com/DuyTran1503/websocketio/endpoint"
	"github.com/DuyTran1503/websocketio/envelope"
	"github.com/DuyTran1503/websocketio/errors"
	"github.com/DuyTran1503/websocketio/pkg/token"
)

const registerSchemaJSON = `{
	"type": "object",
	"required": ["username", "email", "password"],
	"properties": {
		"username": {"type": "string", "minLength": 3, "maxLength": 64},
		"email": {"type": "string", "format": "email", "maxLength": 254},
		"password": {"type": "string", "minLength": 6, "maxLength": 128}
	}
}`

const loginSchemaJSON = `{
	"type": "object",
	"required": ["password"],
	"properties": {
		"username": {"type": "string"},
		"email": {"type": "string"},
		"password": {"type": "string"}
	},
	"anyOf": [
		{"required": ["username"]},
		{"required": ["email"]}
	]
}`

// authPayload is the reply payload shape for auth operations.
type authPayload struct {
	Message string   `json:"message,omitempty"`
	Token   string   `json:"token,omitempty"`
	User    *Profile `json:"user,omitempty"`
}

// Service implements the auth operations.
type Service struct {
	store  Store
	tokens *token.Manager
	logger *slog.Logger

	registerSchema *gojsonschema.Schema
	loginSchema    *gojsonschema.Schema
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewService creates the auth service.
func NewService(store Store, tokens *token.Manager, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Service", "NewService", "store is required")
	}
	if tokens == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Service", "NewService", "token manager is required")
	}

	registerSchema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(registerSchemaJSON))
	if err != nil {
		return nil, errors.WrapFatal(err, "Service", "NewService", "compile register schema")
	}
	loginSchema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(loginSchemaJSON))
	if err != nil {
		return nil, errors.WrapFatal(err, "Service", "NewService", "compile login schema")
	}

	s := &Service{
		store:          store,
		tokens:         tokens,
		logger:         slog.Default(),
		registerSchema: registerSchema,
		loginSchema:    loginSchema,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// RegisterRoutes binds the auth operations to the service endpoint.
func (s *Service) RegisterRoutes(ep *endpoint.Endpoint) error {
	if err := ep.Handle("POST", "/register", s.Register); err != nil {
		return err
	}
	if err := ep.Handle("POST", "/login", s.Login); err != nil {
		return err
	}
	return ep.Handle("GET", "/me", s.Me)
}

// validate runs a request body against a schema, returning a 400 reply
// describing the first violation or nil when the body is valid.
func (s *Service) validate(schema *gojsonschema.Schema, body json.RawMessage) *envelope.Reply {
	if len(body) == 0 {
		return envelope.ClientError(400, "request body is required")
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return envelope.ClientError(400, "request body is not valid JSON")
	}
	if !result.Valid() {
		violation := result.Errors()[0]
		return envelope.ClientError(400, fmt.Sprintf("%s: %s", violation.Field(), violation.Description()))
	}
	return nil
}

type registerRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Register creates a new account and returns a signed token for it.
func (s *Service) Register(ctx context.Context, req *envelope.Request) (*envelope.Reply, error) {
	if reply := s.validate(s.registerSchema, req.Body); reply != nil {
		return reply, nil
	}

	var creds registerRequest
	if err := json.Unmarshal(req.Body, &creds); err != nil {
		return envelope.ClientError(400, "request body is not valid JSON"), nil
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(creds.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, errors.Wrap(err, "Service", "Register", "hash password")
	}

	user := &User{
		ID:           uuid.NewString(),
		Username:     strings.TrimSpace(creds.Username),
		Email:        strings.ToLower(strings.TrimSpace(creds.Email)),
		PasswordHash: string(hash),
		Status:       StatusOffline,
		CreatedAt:    time.Now().UTC(),
	}

	if err := s.store.Create(ctx, user); err != nil {
		if stderrors.Is(err, errors.ErrKeyExists) {
			return envelope.ClientError(400, "Email or username already in use"), nil
		}
		return nil, errors.Wrap(err, "Service", "Register", "create user")
	}

	signed, err := s.tokens.Issue(user.ID)
	if err != nil {
		return nil, errors.Wrap(err, "Service", "Register", "issue token")
	}

	s.logger.Info("user registered", "user_id", user.ID, "username", user.Username)

	return envelope.OK(201, authPayload{
		Message: "User registered successfully",
		Token:   signed,
		User:    user.Profile(),
	})
}

type loginRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Login verifies credentials, marks the user online and returns a token.
func (s *Service) Login(ctx context.Context, req *envelope.Request) (*envelope.Reply, error) {
	if reply := s.validate(s.loginSchema, req.Body); reply != nil {
		return reply, nil
	}

	var creds loginRequest
	if err := json.Unmarshal(req.Body, &creds); err != nil {
		return envelope.ClientError(400, "request body is not valid JSON"), nil
	}

	user, err := s.store.FindByUsernameOrEmail(ctx, creds.Username, creds.Email)
	if err != nil {
		if stderrors.Is(err, errors.ErrKeyNotFound) {
			return envelope.ClientError(404, "User not found"), nil
		}
		return nil, errors.Wrap(err, "Service", "Login", "find user")
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(creds.Password)); err != nil {
		s.logger.Warn("login rejected", "user_id", user.ID)
		return envelope.ClientError(401, "Invalid credentials"), nil
	}

	if err := s.store.UpdateStatus(ctx, user.ID, StatusOnline); err != nil {
		// Presence is best effort; the login itself succeeded
		s.logger.Warn("status update failed", "user_id", user.ID, "error", err)
	}
	user.Status = StatusOnline

	signed, err := s.tokens.Issue(user.ID)
	if err != nil {
		return nil, errors.Wrap(err, "Service", "Login", "issue token")
	}

	s.logger.Info("user logged in", "user_id", user.ID)

	return envelope.OK(200, authPayload{
		Message: "Login successful",
		Token:   signed,
		User:    user.Profile(),
	})
}

// Me returns the calling user's profile. The caller identity comes from
// the envelope, resolved by the gateway from the bearer token.
func (s *Service) Me(ctx context.Context, req *envelope.Request) (*envelope.Reply, error) {
	if req.UserID == "" {
		return envelope.ClientError(401, "Authentication required"), nil
	}

	user, err := s.store.GetByID(ctx, req.UserID)
	if err != nil {
		if stderrors.Is(err, errors.ErrKeyNotFound) {
			return envelope.ClientError(404, "User not found"), nil
		}
		return nil, errors.Wrap(err, "Service", "Me", "load user")
	}

	return envelope.OK(200, authPayload{User: user.Profile()})
}
