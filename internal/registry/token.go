package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/clinicore/dentsyncgo/internal/errs"
	"github.com/clinicore/dentsyncgo/internal/models"
	"github.com/clinicore/dentsyncgo/internal/sync"
)

// issueToken signs a device access token bound to the device id and its
// tenant scope
func (r *Registry) issueToken(device *models.DeviceRegistration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"type":     "device",
		"deviceId": device.DeviceID,
		"tenantId": device.TenantID,
		"orgId":    device.OrganizationID,
		"userId":   device.UserID,
		"iat":      now.Unix(),
		"exp":      now.Add(r.tokenTTL).Unix(),
	}
	if device.ClinicID != nil {
		claims["clinicId"] = *device.ClinicID
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(r.jwtSecret))
}

// Verify validates a device token and re-checks the registration. A token
// with a valid signature and expiry is still rejected when its device is
// no longer ACTIVE: revocation is a live check, not a token property.
func (r *Registry) Verify(ctx context.Context, tokenString string) (*sync.DeviceContext, error) {
	claims, err := r.parseToken(tokenString)
	if err != nil {
		return nil, err
	}

	deviceID, _ := claims["deviceId"].(string)
	if deviceID == "" {
		return nil, fmt.Errorf("%w: missing deviceId claim", errs.ErrInvalidToken)
	}

	device, err := r.Get(ctx, deviceID)
	if errors.Is(err, errs.ErrDeviceNotFound) {
		return nil, errs.ErrDeviceNotFound
	}
	if err != nil {
		return nil, err
	}

	if device.Status != models.DeviceStatusActive {
		return nil, errs.ErrDeviceRevoked
	}

	// Token scope must still match the registration in full; a rebound
	// device needs a fresh login
	if tenantID, _ := claims["tenantId"].(string); tenantID != device.TenantID {
		return nil, fmt.Errorf("%w: stale tenant binding", errs.ErrInvalidToken)
	}
	if orgID, _ := claims["orgId"].(string); orgID != device.OrganizationID {
		return nil, fmt.Errorf("%w: stale organization binding", errs.ErrInvalidToken)
	}
	clinicClaim, _ := claims["clinicId"].(string)
	clinicBound := ""
	if device.ClinicID != nil {
		clinicBound = *device.ClinicID
	}
	if clinicClaim != clinicBound {
		return nil, fmt.Errorf("%w: stale clinic binding", errs.ErrInvalidToken)
	}

	dc := deviceContext(device)
	return &dc, nil
}

func (r *Registry) parseToken(tokenString string) (jwt.MapClaims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(r.jwtSecret), nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, errs.ErrInvalidToken
	}
	if kind, _ := claims["type"].(string); kind != "device" && kind != "invite" {
		return nil, fmt.Errorf("%w: unexpected token type", errs.ErrInvalidToken)
	}
	return claims, nil
}

// InviteToken creates a short-lived token for pairing a new device via QR
func (r *Registry) InviteToken() (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"type": "invite",
		"jti":  uuid.NewString(),
		"iat":  now.Unix(),
		"exp":  now.Add(r.inviteTTL).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(r.jwtSecret))
}

// VerifyInvite checks a pairing invite token
func (r *Registry) VerifyInvite(tokenString string) error {
	claims, err := r.parseToken(tokenString)
	if err != nil {
		return err
	}
	if kind, _ := claims["type"].(string); kind != "invite" {
		return fmt.Errorf("%w: not an invite token", errs.ErrInvalidToken)
	}
	return nil
}
