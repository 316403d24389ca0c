// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package middleware provides HTTP middleware for the backend.
//
// The auth middleware extracts a bearer token from the Authorization
// header, validates it with the configured AuthProvider and stores the
// resulting tenant claims in the gin context. Token issuance and user
// management live outside this service; only validation happens here.
package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
)

// ErrUnauthorized marks token validation failures.
var ErrUnauthorized = errors.New("unauthorized")

// Roles carried in token claims.
const (
	RoleSuperAdmin  = "super_admin"
	RoleTenantAdmin = "tenant_admin"
	RoleUser        = "user"
)

// Claims is the authenticated principal of a request.
type Claims struct {
	TenantID uuid.UUID
	UserID   uuid.UUID
	Role     string
}

// IsAdmin reports whether the principal may change tenant settings.
func (c *Claims) IsAdmin() bool {
	return c.Role == RoleTenantAdmin || c.Role == RoleSuperAdmin
}

// AuthProvider validates bearer tokens.
type AuthProvider interface {
	Validate(ctx context.Context, token string) (*Claims, error)
}

// JWTProvider validates HS256 tokens whose claims carry the tenant id
// ("tid"), user id ("sub") and role.
type JWTProvider struct {
	secret []byte
}

func NewJWTProvider(secret []byte) *JWTProvider {
	return &JWTProvider{secret: secret}
}

type tokenClaims struct {
	TenantID string `json:"tid"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

func (p *JWTProvider) Validate(_ context.Context, token string) (*Claims, error) {
	if token == "" {
		return nil, ErrUnauthorized
	}
	parsed, err := jwt.ParseWithClaims(token, &tokenClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return p.secret, nil
	})
	if err != nil || !parsed.Valid {
		return nil, ErrUnauthorized
	}
	claims, ok := parsed.Claims.(*tokenClaims)
	if !ok {
		return nil, ErrUnauthorized
	}
	tenantID, err := uuid.Parse(claims.TenantID)
	if err != nil {
		return nil, ErrUnauthorized
	}
	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return nil, ErrUnauthorized
	}
	role := claims.Role
	if role == "" {
		role = RoleUser
	}
	return &Claims{TenantID: tenantID, UserID: userID, Role: role}, nil
}

// StaticProvider authenticates every request as one fixed principal. Used
// in single-tenant development mode and tests.
type StaticProvider struct {
	Claims Claims
}

func (p *StaticProvider) Validate(context.Context, string) (*Claims, error) {
	c := p.Claims
	return &c, nil
}

const claimsKey = "tidepool_claims"

// GetClaims retrieves the authenticated principal, or nil.
func GetClaims(c *gin.Context) *Claims {
	if v, exists := c.Get(claimsKey); exists {
		if claims, ok := v.(*Claims); ok {
			return claims
		}
	}
	return nil
}

// AuthMiddleware authenticates every request with the provider.
func AuthMiddleware(provider AuthProvider) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, err := provider.Validate(c.Request.Context(), extractBearerToken(c))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"detail": "unauthorized"})
			return
		}
		c.Set(claimsKey, claims)
		c.Next()
	}
}

// extractBearerToken parses "Authorization: Bearer <token>". The scheme is
// case-insensitive per RFC 7235.
func extractBearerToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return ""
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
