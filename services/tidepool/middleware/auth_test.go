// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
)

var testSecret = []byte("test-signing-secret")

func signToken(t *testing.T, tenantID, userID uuid.UUID, role string, expiry time.Duration) string {
	t.Helper()
	claims := tokenClaims{
		TenantID: tenantID.String(),
		Role:     role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID.String(),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiry)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testSecret)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func TestJWTProvider_Validate(t *testing.T) {
	provider := NewJWTProvider(testSecret)
	tenantID := uuid.New()
	userID := uuid.New()

	t.Run("valid token", func(t *testing.T) {
		token := signToken(t, tenantID, userID, RoleTenantAdmin, time.Hour)
		claims, err := provider.Validate(context.Background(), token)
		if err != nil {
			t.Fatalf("Validate: %v", err)
		}
		if claims.TenantID != tenantID || claims.UserID != userID {
			t.Errorf("claims mismatch: %+v", claims)
		}
		if !claims.IsAdmin() {
			t.Error("tenant_admin should be admin")
		}
	})

	t.Run("missing role defaults to user", func(t *testing.T) {
		token := signToken(t, tenantID, userID, "", time.Hour)
		claims, err := provider.Validate(context.Background(), token)
		if err != nil {
			t.Fatalf("Validate: %v", err)
		}
		if claims.Role != RoleUser || claims.IsAdmin() {
			t.Errorf("expected plain user, got %+v", claims)
		}
	})

	t.Run("expired token rejected", func(t *testing.T) {
		token := signToken(t, tenantID, userID, RoleUser, -time.Minute)
		if _, err := provider.Validate(context.Background(), token); err == nil {
			t.Error("expected rejection of expired token")
		}
	})

	t.Run("wrong secret rejected", func(t *testing.T) {
		other := NewJWTProvider([]byte("different-secret"))
		token := signToken(t, tenantID, userID, RoleUser, time.Hour)
		if _, err := other.Validate(context.Background(), token); err == nil {
			t.Error("expected rejection of wrong signature")
		}
	})

	t.Run("empty token rejected", func(t *testing.T) {
		if _, err := provider.Validate(context.Background(), ""); err == nil {
			t.Error("expected rejection of empty token")
		}
	})
}

func TestAuthMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	provider := NewJWTProvider(testSecret)
	tenantID := uuid.New()
	userID := uuid.New()

	router := gin.New()
	router.GET("/protected", AuthMiddleware(provider), func(c *gin.Context) {
		claims := GetClaims(c)
		c.JSON(http.StatusOK, gin.H{"tenant_id": claims.TenantID.String()})
	})

	t.Run("authorized request passes claims through", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/protected", nil)
		req.Header.Set("Authorization", "Bearer "+signToken(t, tenantID, userID, RoleUser, time.Hour))
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
		}
	})

	t.Run("missing header is 401", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/protected", nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("status %d", rec.Code)
		}
	})

	t.Run("malformed scheme is 401", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/protected", nil)
		req.Header.Set("Authorization", "Basic abc123")
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("status %d", rec.Code)
		}
	})
}
