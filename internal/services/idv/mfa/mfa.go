// Package mfa summarizes the second factors a user has configured.
package mfa

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-webauthn/webauthn/webauthn"
)

// Configuration is one second-factor method.
type Configuration interface {
	MFAEnabled() bool
	FriendlyName() string
}

// PhoneConfiguration is a phone number used for OTP delivery.
type PhoneConfiguration struct {
	Phone       string
	ConfirmedAt *time.Time
}

// MFAEnabled implements Configuration.
func (c PhoneConfiguration) MFAEnabled() bool {
	return strings.TrimSpace(c.Phone) != ""
}

// FriendlyName implements Configuration.
func (PhoneConfiguration) FriendlyName() string { return "phone" }

// WebAuthnConfiguration is a registered security key or platform
// authenticator.
type WebAuthnConfiguration struct {
	Name       string
	Credential webauthn.Credential
}

// MFAEnabled implements Configuration.
func (c WebAuthnConfiguration) MFAEnabled() bool {
	return len(c.Credential.ID) > 0 && len(c.Credential.PublicKey) > 0
}

// FriendlyName implements Configuration.
func (WebAuthnConfiguration) FriendlyName() string { return "webauthn" }

// BackupCodeConfiguration is one single-use backup code.
type BackupCodeConfiguration struct {
	CodeFingerprint string
	UsedAt          *time.Time
}

// MFAEnabled implements Configuration.
func (c BackupCodeConfiguration) MFAEnabled() bool {
	return c.CodeFingerprint != ""
}

// FriendlyName implements Configuration.
func (BackupCodeConfiguration) FriendlyName() string { return "backup_codes" }

// PIVCACConfiguration is a linked smart card.
type PIVCACConfiguration struct {
	Identifier string
}

// MFAEnabled implements Configuration.
func (c PIVCACConfiguration) MFAEnabled() bool {
	return strings.TrimSpace(c.Identifier) != ""
}

// FriendlyName implements Configuration.
func (PIVCACConfiguration) FriendlyName() string { return "piv_cac" }

// AuthAppConfiguration is a TOTP authenticator app.
type AuthAppConfiguration struct {
	SecretConfigured bool
}

// MFAEnabled implements Configuration.
func (c AuthAppConfiguration) MFAEnabled() bool {
	return c.SecretConfigured
}

// FriendlyName implements Configuration.
func (AuthAppConfiguration) FriendlyName() string { return "auth_app" }

// User is the MFA-relevant view of an account.
type User struct {
	ID               string
	Phones           []PhoneConfiguration
	WebAuthn         []WebAuthnConfiguration
	BackupCodes      []BackupCodeConfiguration
	PIVCACIdentifier string
	AuthAppSecretSet bool
}

// Claims is the second-factor summary an identity provider places in a
// user's access token.
type Claims struct {
	Phones      []string              `json:"phones,omitempty"`
	WebAuthn    []webauthn.Credential `json:"webauthn,omitempty"`
	BackupCodes []string              `json:"backup_codes,omitempty"`
	PIVCAC      string                `json:"piv_cac,omitempty"`
	AuthApp     bool                  `json:"auth_app,omitempty"`
}

// User builds the account view for userID. Backup codes listed in claims
// are unused.
func (c Claims) User(userID string) *User {
	user := &User{
		ID:               userID,
		PIVCACIdentifier: c.PIVCAC,
		AuthAppSecretSet: c.AuthApp,
	}
	for _, phone := range c.Phones {
		user.Phones = append(user.Phones, PhoneConfiguration{Phone: phone})
	}
	for i, credential := range c.WebAuthn {
		user.WebAuthn = append(user.WebAuthn, WebAuthnConfiguration{
			Name:       fmt.Sprintf("key-%d", i+1),
			Credential: credential,
		})
	}
	for _, code := range c.BackupCodes {
		user.BackupCodes = append(user.BackupCodes, BackupCodeConfiguration{CodeFingerprint: code})
	}
	return user
}

// Context answers MFA questions about a possibly absent user.
type Context struct {
	user *User
}

// NewContext wraps user. A nil user has no configurations.
func NewContext(user *User) Context {
	return Context{user: user}
}

// PhoneConfigurations returns the user's phones.
func (c Context) PhoneConfigurations() []PhoneConfiguration {
	if c.user == nil {
		return nil
	}
	return c.user.Phones
}

// WebAuthnConfigurations returns the user's authenticators.
func (c Context) WebAuthnConfigurations() []WebAuthnConfiguration {
	if c.user == nil {
		return nil
	}
	return c.user.WebAuthn
}

// BackupCodeConfigurations returns the unused backup codes.
func (c Context) BackupCodeConfigurations() []BackupCodeConfiguration {
	if c.user == nil {
		return nil
	}
	unused := make([]BackupCodeConfiguration, 0, len(c.user.BackupCodes))
	for _, code := range c.user.BackupCodes {
		if code.UsedAt == nil {
			unused = append(unused, code)
		}
	}
	return unused
}

// PIVCACConfiguration returns the smart card configuration.
func (c Context) PIVCACConfiguration() PIVCACConfiguration {
	if c.user == nil {
		return PIVCACConfiguration{}
	}
	return PIVCACConfiguration{Identifier: c.user.PIVCACIdentifier}
}

// AuthAppConfiguration returns the authenticator app configuration.
func (c Context) AuthAppConfiguration() AuthAppConfiguration {
	if c.user == nil {
		return AuthAppConfiguration{}
	}
	return AuthAppConfiguration{SecretConfigured: c.user.AuthAppSecretSet}
}

// TwoFactorConfigurations lists every configuration, enabled or not.
func (c Context) TwoFactorConfigurations() []Configuration {
	var out []Configuration
	for _, phone := range c.PhoneConfigurations() {
		out = append(out, phone)
	}
	for _, key := range c.WebAuthnConfigurations() {
		out = append(out, key)
	}
	for _, code := range c.BackupCodeConfigurations() {
		out = append(out, code)
	}
	return append(out, c.PIVCACConfiguration(), c.AuthAppConfiguration())
}

// EnabledCount returns how many configurations are enabled.
func (c Context) EnabledCount() int {
	count := 0
	for _, cfg := range c.TwoFactorConfigurations() {
		if cfg.MFAEnabled() {
			count++
		}
	}
	return count
}

// EnabledCountsByName counts enabled configurations per friendly name,
// e.g. {"phone": 2, "webauthn": 1}.
func (c Context) EnabledCountsByName() map[string]int {
	counts := map[string]int{}
	for _, cfg := range c.TwoFactorConfigurations() {
		if cfg.MFAEnabled() {
			counts[cfg.FriendlyName()]++
		}
	}
	return counts
}
