package courier

import (
	"net/url"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Validation limits for session input.
const (
	// MaxUserIDLength is the maximum length of a user id.
	MaxUserIDLength = 256

	// MaxAccessTokenLength is the maximum length of an access token or client key.
	MaxAccessTokenLength = 8192

	// MaxProviderLength is the maximum length of a push provider id.
	MaxProviderLength = 64
)

// validateCredentials checks SignIn input. The user id and access token are
// required; the client key is optional.
func validateCredentials(accessToken, clientKey, userID string) error {
	if err := validateField("user_id", userID, MaxUserIDLength, true); err != nil {
		return err
	}
	if err := validateField("access_token", accessToken, MaxAccessTokenLength, true); err != nil {
		return err
	}
	return validateField("client_key", clientKey, MaxAccessTokenLength, false)
}

func validateField(field, value string, maxLen int, required bool) error {
	if strings.TrimSpace(value) == "" {
		if required {
			return &InvalidCredentialsError{Field: field, Reason: "is blank"}
		}
		return nil
	}
	if len(value) > maxLen {
		return &InvalidCredentialsError{Field: field, Reason: "is too long"}
	}
	if !utf8.ValidString(value) {
		return &InvalidCredentialsError{Field: field, Reason: "contains invalid UTF-8"}
	}
	for _, r := range value {
		if unicode.IsControl(r) {
			return &InvalidCredentialsError{Field: field, Reason: "contains a control character"}
		}
	}
	return nil
}

// validateProvider checks a push provider id such as "firebase-fcm".
func validateProvider(provider string) error {
	if provider == "" || len(provider) > MaxProviderLength {
		return ErrInvalidProvider
	}
	for _, r := range provider {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return ErrInvalidProvider
		}
	}
	return nil
}

// validateTrackingURL accepts absolute http and https URLs.
func validateTrackingURL(raw string) error {
	if raw == "" {
		return ErrInvalidTrackingURL
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return ErrInvalidTrackingURL
	}
	return nil
}
