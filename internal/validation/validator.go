// Package validation wraps go-playground/validator with the custom tags used
// by rule, action, integration and extension definitions.
package validation

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

// namePattern is the format for endpoint, webhook and schema names:
// lowercase, starting with a letter, using dashes, dots or underscores.
var namePattern = regexp.MustCompile(`^[a-z][a-z0-9_.-]*$`)

var httpMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "PATCH": true, "DELETE": true,
}

var (
	once     sync.Once
	instance *validator.Validate
)

// Validator returns the shared validator instance.
func Validator() *validator.Validate {
	once.Do(func() {
		v := validator.New(validator.WithRequiredStructEnabled())

		v.RegisterValidation("ident", func(fl validator.FieldLevel) bool {
			return namePattern.MatchString(fl.Field().String())
		})
		v.RegisterValidation("http_method", func(fl validator.FieldLevel) bool {
			return httpMethods[strings.ToUpper(fl.Field().String())]
		})
		v.RegisterValidation("http_url", func(fl validator.FieldLevel) bool {
			return IsHTTPURL(fl.Field().String())
		})

		instance = v
	})
	return instance
}

// IsHTTPURL reports whether s is an absolute http or https URL with a host.
func IsHTTPURL(s string) bool {
	u, err := url.Parse(s)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// IsHTTPMethod reports whether m is a supported HTTP method.
func IsHTTPMethod(m string) bool {
	return httpMethods[strings.ToUpper(m)]
}

// Struct validates s and flattens field errors into one readable error.
func Struct(s any) error {
	err := Validator().Struct(s)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, describe(fe))
	}
	return fmt.Errorf("%s", strings.Join(msgs, "; "))
}

func describe(fe validator.FieldError) string {
	field := fe.Namespace()
	if i := strings.Index(field, "."); i >= 0 {
		field = field[i+1:]
	}

	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "min":
		return fmt.Sprintf("%s must have at least %s element(s)", field, fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s], got %v", field, fe.Param(), fe.Value())
	case "ident":
		return fmt.Sprintf("%s %q must be lowercase letters, digits, '.', '-' or '_'", field, fe.Value())
	case "http_method":
		return fmt.Sprintf("%s %q is not a supported HTTP method", field, fe.Value())
	case "http_url":
		return fmt.Sprintf("%s %q must be an absolute http(s) URL", field, fe.Value())
	case "unique":
		return field + " must not contain duplicates"
	}
	return fmt.Sprintf("%s failed %s validation", field, fe.Tag())
}
