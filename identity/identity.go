// Copyright © 2026 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package identity carries the resolved caller identity between the
// authenticating gateway and the rate control layer. Authentication
// itself happens elsewhere, this package only transports its outcome.
package identity

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"

	"github.com/go-core-stack/ratecontrol/errors"
)

const (
	// Internal identity context header, carries information of the
	// client that has been authenticated.
	// Where content itself will be of usual string format, which
	// is obtained by json marshaling of struct RequestIdentity
	// followed by base64 encoding of the json marshaled content.
	//
	// This is usually added by the auth gateway, if present it
	// indicates that authentication was performed successfully
	// upstream.
	httpIdentityContext = "Identity-Info"
)

// RequestIdentity is the caller description resolved by the upstream
// auth layer. Tier classification reads the fields in a fixed priority
// order, roles first, then the user type, then the subscription tier.
type RequestIdentity struct {
	UserID           string   `json:"userId"`
	UserType         string   `json:"userType,omitempty"`
	Roles            []string `json:"roles,omitempty"`
	SubscriptionTier string   `json:"subscriptionTier,omitempty"`
}

// Sets the identity header in the provided http request, typically
// used only by the entity that has already authenticated the request
// and holds the resolved identity.
func SetIdentityHeader(r *http.Request, info *RequestIdentity) error {
	if info == nil {
		return errors.Wrapf(errors.InvalidArgument, "identity must not be nil")
	}
	b, err := json.Marshal(info)
	if err != nil {
		return errors.Wrapf(errors.InvalidArgument, "failed to generate identity info: %s", err)
	}
	val := base64.RawURLEncoding.EncodeToString(b)
	r.Header.Set(httpIdentityContext, val)
	return nil
}

// gets the identity header available in the http request
func GetIdentityHeader(r *http.Request) (*RequestIdentity, error) {
	val := r.Header.Get(httpIdentityContext)
	if val == "" {
		return nil, errors.Wrapf(errors.NotFound, "identity info not available in the http request")
	}
	b, err := base64.RawURLEncoding.DecodeString(val)
	if err != nil {
		return nil, errors.Wrapf(errors.InvalidArgument, "invalid identity info received: %s", err)
	}
	info := &RequestIdentity{}
	err = json.Unmarshal(b, info)
	if err != nil {
		return nil, errors.Wrapf(errors.InvalidArgument, "failed to get identity info from header: %s", err)
	}
	return info, nil
}

// delete the identity header from the given http request
func DeleteIdentityHeader(r *http.Request) {
	r.Header.Del(httpIdentityContext)
}

type ctxKey struct{}

// WithContext attaches the given identity to the context.
func WithContext(ctx context.Context, info *RequestIdentity) context.Context {
	return context.WithValue(ctx, ctxKey{}, info)
}

// FromContext returns the identity attached to the context, if any.
func FromContext(ctx context.Context) (*RequestIdentity, bool) {
	info, ok := ctx.Value(ctxKey{}).(*RequestIdentity)
	if !ok || info == nil {
		return nil, false
	}
	return info, true
}

// Middleware lifts the identity header into the request context for
// handlers downstream. Requests without a usable identity pass through
// untouched, absence of identity is a tier decision, not an error.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		info, err := GetIdentityHeader(r)
		if err == nil && info.UserID != "" {
			r = r.WithContext(WithContext(r.Context(), info))
		}
		next.ServeHTTP(w, r)
	})
}
