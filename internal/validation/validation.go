// Package validation provides input validation helpers and middleware for the
// HTTP surfaces.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20

// MaxEmailLength follows the RFC 5321 path limit.
const MaxEmailLength = 320

// MinPasswordLength is enforced at signup.
const MinPasswordLength = 8

var emailRegex = regexp.MustCompile(`^[A-Za-z0-9._%+\-']+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}$`)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidEmail reports whether s looks like a deliverable address. It is a
// shape check, not RFC 5322 parsing.
func IsValidEmail(s string) bool {
	if len(s) > MaxEmailLength {
		return false
	}
	return emailRegex.MatchString(s)
}

// SanitizeEmail trims, strips null bytes and lower-cases an email.
func SanitizeEmail(s string) string {
	s = strings.ReplaceAll(s, "\x00", "")
	return strings.ToLower(strings.TrimSpace(s))
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Validate runs validators and collects their failures.
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errs ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errs = append(errs, *err)
		}
	}
	return errs
}

// Required checks if a field is non-empty
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// ValidEmail checks the email shape. Empty values pass; pair with Required.
func ValidEmail(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if !IsValidEmail(value) {
			return &ValidationError{Field: field, Message: "must be a valid email address"}
		}
		return nil
	}
}

// MinLength checks that a field has at least min bytes.
func MinLength(field, value string, min int) func() *ValidationError {
	return func() *ValidationError {
		if len(value) < min {
			return &ValidationError{Field: field, Message: "is too short"}
		}
		return nil
	}
}

// MaxLength checks if a field exceeds max length
func MaxLength(field, value string, max int) func() *ValidationError {
	return func() *ValidationError {
		if len(value) > max {
			return &ValidationError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}

// EmailParamMiddleware rejects requests whose named URL parameter is not an
// email address.
func EmailParamMiddleware(param string) gin.HandlerFunc {
	return func(c *gin.Context) {
		email := SanitizeEmail(c.Param(param))
		if !IsValidEmail(email) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_email",
				"message": param + " must be a valid email address",
			})
			return
		}
		c.Next()
	}
}
