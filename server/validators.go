package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"
)

// Validator checks one scheme's credential value against the IdP.
// A nil error means the credential is valid.
type Validator interface {
	Validate(ctx context.Context, credential string) (Identity, error)
}

// ValidatorFunc adapts a function to Validator.
type ValidatorFunc func(ctx context.Context, credential string) (Identity, error)

func (f ValidatorFunc) Validate(ctx context.Context, credential string) (Identity, error) {
	return f(ctx, credential)
}

// ValidatorRegistry maps lower-cased scheme names to validators.
type ValidatorRegistry struct {
	validators map[string]Validator
}

// NewValidatorRegistry returns an empty registry.
func NewValidatorRegistry() *ValidatorRegistry {
	return &ValidatorRegistry{validators: make(map[string]Validator)}
}

// Register binds a scheme to a validator.
func (r *ValidatorRegistry) Register(scheme string, v Validator) {
	r.validators[strings.ToLower(scheme)] = v
}

// Lookup returns the validator for scheme or ErrUnknownValidator.
func (r *ValidatorRegistry) Lookup(scheme string) (Validator, error) {
	v, ok := r.validators[strings.ToLower(scheme)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownValidator, strings.ToLower(scheme))
	}
	return v, nil
}

// DefaultValidators registers the basic and bearer schemes against the IdP.
func DefaultValidators(idp TokenGranter) *ValidatorRegistry {
	reg := NewValidatorRegistry()
	reg.Register("basic", BasicValidator(idp))
	reg.Register("bearer", BearerValidator(idp))
	return reg
}

// BasicValidator decodes user:pass and runs a password grant.
func BasicValidator(idp TokenGranter) Validator {
	return ValidatorFunc(func(ctx context.Context, credential string) (Identity, error) {
		raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(credential))
		if err != nil {
			return Identity{}, fmt.Errorf("%w: malformed basic credential", ErrCredentialInvalid)
		}
		username, password, ok := strings.Cut(string(raw), ":")
		if !ok || username == "" {
			return Identity{}, fmt.Errorf("%w: malformed basic credential", ErrCredentialInvalid)
		}
		return idp.PasswordGrant(ctx, username, password)
	})
}

// BearerValidator treats the credential as a refresh token.
func BearerValidator(idp TokenGranter) Validator {
	return ValidatorFunc(func(ctx context.Context, credential string) (Identity, error) {
		token := strings.TrimSpace(credential)
		if token == "" {
			return Identity{}, fmt.Errorf("%w: empty bearer credential", ErrCredentialInvalid)
		}
		return idp.RefreshGrant(ctx, token)
	})
}

// Decision is the outcome of resolving one Authorization header.
type Decision struct {
	Authenticated bool
	Identity      Identity
	CacheHit      bool
}

// Dispatcher resolves Authorization headers through the cache and the validators.
type Dispatcher struct {
	cache      Cache
	validators *ValidatorRegistry
	ttl        time.Duration
	timeout    time.Duration
	logger     *slog.Logger
	metrics    *Metrics
	group      singleflight.Group
}

// NewDispatcher wires cache and validators. timeout bounds each validator call.
func NewDispatcher(cache Cache, validators *ValidatorRegistry, ttl, timeout time.Duration, logger *slog.Logger, metrics *Metrics) *Dispatcher {
	return &Dispatcher{
		cache:      cache,
		validators: validators,
		ttl:        ttl,
		timeout:    timeout,
		logger:     logger,
		metrics:    metrics,
	}
}

// Authorize returns an authenticated Decision, or a rejected one with the reason.
func (d *Dispatcher) Authorize(ctx context.Context, header string) (Decision, error) {
	scheme, value, ok := strings.Cut(strings.TrimSpace(header), " ")
	value = strings.TrimSpace(value)
	if !ok || scheme == "" || value == "" || strings.Contains(value, " ") {
		return Decision{}, fmt.Errorf("%w: malformed authorization header", ErrCredentialInvalid)
	}
	scheme = strings.ToLower(scheme)

	key := CacheKey(header)
	if data, hit, err := d.cache.Get(ctx, key); err != nil {
		d.logger.Warn("cache lookup failed", "scheme", scheme, "error", err)
	} else if hit {
		var id Identity
		if err := json.Unmarshal(data, &id); err == nil {
			d.metrics.cacheLookup(true)
			return Decision{Authenticated: true, Identity: id, CacheHit: true}, nil
		}
		d.logger.Warn("cache entry unreadable", "scheme", scheme, "key", key[:8])
		_ = d.cache.Clear(ctx, key)
	}
	d.metrics.cacheLookup(false)

	validator, err := d.validators.Lookup(scheme)
	if err != nil {
		d.logger.Error("cannot find validator", "scheme", scheme)
		return Decision{}, err
	}

	v, err, _ := d.group.Do(key, func() (any, error) {
		vctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
		defer cancel()
		start := time.Now()
		id, err := validator.Validate(vctx, value)
		d.metrics.observeValidation(scheme, err, time.Since(start))
		if err != nil {
			if errors.Is(vctx.Err(), context.DeadlineExceeded) && !errors.Is(err, ErrIdPUnreachable) {
				err = fmt.Errorf("%w: %v", ErrIdPUnreachable, err)
			}
			return nil, err
		}
		data, err := json.Marshal(id)
		if err != nil {
			return nil, fmt.Errorf("encode identity: %w", err)
		}
		if err := d.cache.Put(ctx, key, data, d.ttl); err != nil {
			d.logger.Warn("cache store failed", "scheme", scheme, "error", err)
		}
		return id, nil
	})
	if err != nil {
		if errors.Is(err, ErrIdPUnreachable) {
			d.logger.Error("validator could not reach idp", "scheme", scheme, "error", err)
		} else {
			d.logger.Info("credential rejected", "scheme", scheme, "error", err)
		}
		return Decision{}, err
	}
	return Decision{Authenticated: true, Identity: v.(Identity)}, nil
}
