package jwttoken

import (
	"fhir-gateway/internal/platform/middleware"
)

// JWTServiceAdapter exposes the service as the auth middleware validator.
type JWTServiceAdapter struct {
	service *JWTService
}

func NewJWTServiceAdapter(service *JWTService) *JWTServiceAdapter {
	return &JWTServiceAdapter{service: service}
}

func (a *JWTServiceAdapter) ValidateToken(tokenString string) (*middleware.JWTClaims, error) {
	claims, err := a.service.ValidateToken(tokenString)
	if err != nil {
		return nil, err
	}
	return &middleware.JWTClaims{Subject: claims.Subject, Scope: claims.Scope, JTI: claims.ID}, nil
}
