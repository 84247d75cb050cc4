// Copyright 2025 Peanut Platform
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package gateway

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image/png"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

const (
	totpIssuer = "Peanut Gateway"
	totpPeriod = 30
	// totpSkew accepts one step either side of the current one, so clock
	// drift up to 30 s does not lock operators out.
	totpSkew = 1
)

// TOTPEnrolment is everything handed back from /auth/totp/setup. Nothing is
// persisted until the user row is saved with the secret, so an abandoned
// setup leaves TOTP disabled.
type TOTPEnrolment struct {
	Secret        string   `json:"secret"`
	OTPAuthURL    string   `json:"otpauth_url"`
	QRCodeDataURL string   `json:"qr_code_data_url"`
	BackupCodes   []string `json:"backup_codes"`
}

// GenerateTOTPEnrolment mints a fresh secret, its otpauth QR image, and ten
// one-shot backup codes.
func GenerateTOTPEnrolment(email string) (*TOTPEnrolment, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      totpIssuer,
		AccountName: email,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate TOTP secret: %w", err)
	}

	img, err := key.Image(200, 200)
	if err != nil {
		return nil, fmt.Errorf("failed to render QR image: %w", err)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("failed to encode QR image: %w", err)
	}

	codes, err := GenerateBackupCodes()
	if err != nil {
		return nil, err
	}

	return &TOTPEnrolment{
		Secret:        key.Secret(),
		OTPAuthURL:    key.URL(),
		QRCodeDataURL: "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()),
		BackupCodes:   codes,
	}, nil
}

// ValidateTOTPCode checks a six-digit code against the secret with the
// standard 30-second step and one step of skew.
func ValidateTOTPCode(secret, code string) bool {
	valid, err := totp.ValidateCustom(code, secret, time.Now().UTC(), totp.ValidateOpts{
		Period:    totpPeriod,
		Skew:      totpSkew,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil {
		return false
	}
	return valid
}
