// Package handshake implements the one-time onboarding flow that turns admin
// credentials and a cafe license into a persisted device identity.
package handshake

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime"

	"primus-kiosk/internal/api"
	"primus-kiosk/internal/bridge"
	"primus-kiosk/internal/identity"
	"primus-kiosk/internal/model"
)

// ErrNoLicense means the cafe has no active license; the operator has to
// obtain one before this PC can be onboarded.
var ErrNoLicense = errors.New("no active license found for this cafe")

var clientFeatures = []string{
	"lock", "unlock", "message", "screenshot",
	"shutdown", "reboot", "restart", "login", "logout", "logoff",
}

const clientVersion = "1.0.0"

// Result is returned to the setup UI after a successful handshake.
type Result struct {
	PCID       int    `json:"pc_id"`
	LicenseKey string `json:"license_key"`
	CafeID     int    `json:"cafe_id"`
	Name       string `json:"name"`
}

type license struct {
	Key      string `json:"key"`
	IsActive *bool  `json:"is_active"`
}

func (l license) active() bool { return l.IsActive == nil || *l.IsActive }

type registration struct {
	ID           int    `json:"id"`
	CafeID       int    `json:"cafe_id"`
	Name         string `json:"name"`
	DeviceSecret string `json:"device_secret"`
}

// Flow runs the handshake steps against the backend. Errors are returned
// synchronously so the setup screen can show actionable feedback.
type Flow struct {
	Client   *api.Client
	Native   bridge.Native
	Identity *identity.Store
}

// Perform authenticates the admin, fingerprints the hardware, resolves an
// active license, registers the device, and persists the resulting
// credential triple.
func (f *Flow) Perform(ctx context.Context, adminEmail, adminPassword, pcName string) (Result, error) {
	token, err := f.Client.LoginAdmin(ctx, adminEmail, adminPassword)
	if err != nil {
		return Result{}, fmt.Errorf("admin login failed: %w", err)
	}

	fingerprint, err := f.Native.Fingerprint()
	if err != nil {
		return Result{}, fmt.Errorf("hardware fingerprint failed: %w", err)
	}

	lic, err := f.findLicense(ctx, token)
	if err != nil {
		return Result{}, err
	}

	var reg registration
	err = f.Client.PostJSON(ctx, "/clientpc/register", token, map[string]any{
		"name":                 pcName,
		"license_key":          lic.Key,
		"hardware_fingerprint": fingerprint,
		"capabilities": map[string]any{
			"os":       runtime.GOOS,
			"version":  clientVersion,
			"features": clientFeatures,
		},
	}, &reg)
	if err != nil {
		return Result{}, fmt.Errorf("device registration failed: %w", err)
	}

	creds := model.DeviceCredentials{
		PCID:         reg.ID,
		LicenseKey:   lic.Key,
		DeviceSecret: reg.DeviceSecret,
	}
	if err := f.Identity.Save(creds); err != nil {
		return Result{}, fmt.Errorf("save device credentials: %w", err)
	}

	log.Printf("handshake: device registered as PC #%d", reg.ID)
	return Result{PCID: reg.ID, LicenseKey: lic.Key, CafeID: reg.CafeID, Name: reg.Name}, nil
}

// findLicense tries the cafe-wide listing first and falls back to the
// operator's own licenses, taking the first active entry.
func (f *Flow) findLicense(ctx context.Context, token string) (license, error) {
	for _, path := range []string{"/license/", "/license/mine"} {
		var licenses []license
		if err := f.Client.GetJSON(ctx, path, token, &licenses); err != nil {
			log.Printf("handshake: %s lookup failed: %v", path, err)
			continue
		}
		for _, l := range licenses {
			if l.active() && l.Key != "" {
				return l, nil
			}
		}
		// Prefer an inactive one over nothing only if the listing had any.
		if len(licenses) > 0 && licenses[0].Key != "" {
			return licenses[0], nil
		}
	}
	return license{}, ErrNoLicense
}
