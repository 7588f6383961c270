package services

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/poofware/login-guard-service/internal/models"
	"github.com/poofware/login-guard-service/internal/utils"
)

// ReceiptClaims prove that a session was consumed by a correct answer.
type ReceiptClaims struct {
	SessionToken string `json:"sid"`
	IP           string `json:"ip"`
	jwt.RegisteredClaims
}

// ReceiptService signs and verifies verification receipts (RS256).
type ReceiptService interface {
	Issue(session *models.VerificationSession, requesterIP string) (string, time.Time, error)
	// Verify returns utils.ErrInvalidReceipt for any malformed, forged or expired receipt.
	Verify(receipt string) (*ReceiptClaims, error)
}

type receiptService struct {
	issuer     string
	ttl        time.Duration
	privateKey *rsa.PrivateKey
	publicKey  *rsa.PublicKey
	clock      utils.Clock
}

func NewReceiptService(issuer string, ttl time.Duration, privateKey *rsa.PrivateKey, publicKey *rsa.PublicKey, clock utils.Clock) ReceiptService {
	return &receiptService{
		issuer:     issuer,
		ttl:        ttl,
		privateKey: privateKey,
		publicKey:  publicKey,
		clock:      clock,
	}
}

func (r *receiptService) Issue(session *models.VerificationSession, requesterIP string) (string, time.Time, error) {
	now := r.clock.Now()
	expiresAt := now.Add(r.ttl)
	claims := ReceiptClaims{
		SessionToken: session.Token,
		IP:           requesterIP,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    r.issuer,
			Subject:   session.ID.String(),
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(r.privateKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign receipt: %w", err)
	}
	return signed, expiresAt, nil
}

func (r *receiptService) Verify(receipt string) (*ReceiptClaims, error) {
	claims := &ReceiptClaims{}
	token, err := jwt.ParseWithClaims(receipt, claims,
		func(t *jwt.Token) (any, error) {
			return r.publicKey, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuer(r.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(r.clock.Now),
	)
	if err != nil {
		return nil, errors.Join(utils.ErrInvalidReceipt, err)
	}
	if !token.Valid || claims.SessionToken == "" {
		return nil, utils.ErrInvalidReceipt
	}
	return claims, nil
}
