package payment

import (
	"context"
	"errors"
	"reflect"
	"strconv"
	"strings"

	validator "github.com/go-playground/validator/v10"
)

// Environment keys for the provider credentials.
const (
	KeyBaseURL = "CHECKOUT_BASE_URL"
	KeyAPIKey  = "CHECKOUT_API_KEY"
	KeyPlaceID = "CHECKOUT_PLACE_ID"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		if key := field.Tag.Get("key"); key != "" {
			return key
		}
		return field.Name
	})
	return v
}

// Credentials are the raw, unvalidated provider settings.
type Credentials struct {
	BaseURL string `key:"CHECKOUT_BASE_URL" validate:"required,url"`
	APIKey  string `key:"CHECKOUT_API_KEY" validate:"required"`
	PlaceID string `key:"CHECKOUT_PLACE_ID" validate:"required"`
}

// CredentialSource resolves credentials. The gateway asks for them on every call.
type CredentialSource interface {
	Credentials(ctx context.Context) (Credentials, error)
}

// StaticCredentials serves a fixed credential set.
type StaticCredentials Credentials

// Credentials implements CredentialSource.
func (s StaticCredentials) Credentials(context.Context) (Credentials, error) {
	return Credentials(s), nil
}

// Account validates the credentials and returns the resolved account. Any problem is reported
// as a *ConfigurationError naming the first offending key.
func (c Credentials) Account() (Account, error) {
	c.BaseURL = strings.TrimSpace(c.BaseURL)
	c.APIKey = strings.TrimSpace(c.APIKey)
	c.PlaceID = strings.TrimSpace(c.PlaceID)

	if err := validate.Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return Account{}, &ConfigurationError{Key: fe.Field(), Reason: reasonFor(fe.Tag())}
		}
		return Account{}, &ConfigurationError{Key: "credentials", Reason: err.Error()}
	}
	placeID, err := strconv.ParseInt(c.PlaceID, 10, 64)
	if err != nil || placeID <= 0 {
		return Account{}, &ConfigurationError{Key: KeyPlaceID, Reason: "must be a positive integer"}
	}
	return Account{
		BaseURL: strings.TrimRight(c.BaseURL, "/"),
		APIKey:  c.APIKey,
		PlaceID: placeID,
	}, nil
}

func reasonFor(tag string) string {
	switch tag {
	case "required":
		return "is not set"
	case "url":
		return "is not a valid URL"
	default:
		return "is invalid"
	}
}
