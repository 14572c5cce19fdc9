package authclient

import (
	"regexp"
	"sort"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
	goerrors "github.com/goliatone/go-errors"
)

// OTPLength is the number of digits in a one time code
const OTPLength = 6

var otpPattern = regexp.MustCompile(`^\d{6}$`)

// LoginInput is the payload of SubmitLogin
type LoginInput struct {
	Email      string
	Password   string
	RememberMe bool
}

func (l LoginInput) Validate() error {
	return validation.ValidateStruct(&l,
		validation.Field(&l.Email, validation.Required, is.Email),
		validation.Field(&l.Password, validation.Required),
	)
}

// ValidateOTPCode checks a code is exactly six ASCII digits.
func ValidateOTPCode(code string) error {
	err := validation.Validate(code,
		validation.Required.Error("code is required"),
		validation.Match(otpPattern).Error("code must be exactly 6 digits"),
	)
	if err != nil {
		return validationError("invalid otp code", map[string]error{"code": err})
	}
	return nil
}

func validateLogin(in LoginInput) error {
	if err := in.Validate(); err != nil {
		if errs, ok := err.(validation.Errors); ok {
			return validationError("invalid login input", errs)
		}
		return validationError("invalid login input", map[string]error{"input": err})
	}
	return nil
}

func validationError(message string, fields map[string]error) error {
	names := make([]string, 0, len(fields))
	for field := range fields {
		names = append(names, field)
	}
	sort.Strings(names)

	details := make(map[string]any, len(fields))
	parts := make([]string, 0, len(fields))
	for _, field := range names {
		err := fields[field]
		if err == nil {
			continue
		}
		details[field] = err.Error()
		parts = append(parts, field+": "+err.Error())
	}

	return goerrors.New(message+": "+strings.Join(parts, "; "), goerrors.CategoryValidation).
		WithTextCode(TextCodeValidation).
		WithCode(goerrors.CodeBadRequest).
		WithMetadata(map[string]any{"fields": details})
}
