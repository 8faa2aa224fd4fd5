package reconcile

import (
	"errors"
	"fmt"
	"net/netip"
	"reflect"
	"strings"
	"unicode"

	"github.com/go-playground/validator/v10"

	"accessgrid/core-go/internal/device"
)

// ConfigError rejects a desired account before anything is sent to the router.
type ConfigError struct {
	AccountID string
	Username  string
	Field     string
	Reason    string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("account %s (%s): %s: %s", e.AccountID, e.Username, e.Field, e.Reason)
}

// IsConfigError reports whether err is (or wraps) a ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("secret_name", func(fl validator.FieldLevel) bool {
		return validSecretName(fl.Field().String())
	})
	return v
}

// validSecretName rejects names RouterOS would split or misquote in a CLI command.
func validSecretName(s string) bool {
	for _, r := range s {
		if r > unicode.MaxASCII || unicode.IsSpace(r) || unicode.IsControl(r) {
			return false
		}
		switch r {
		case '"', '\\', '$', '[', ']', '{', '}', ';':
			return false
		}
	}
	return true
}

// Validate checks one desired account against the router it targets. snap is
// used to confirm that a named address pool exists; creating an account also
// requires a secret.
func Validate(d Desired, snap *device.Snapshot) error {
	return newRouterIndex(snap).validate(d)
}

// routerIndex holds the lookups validation needs from one snapshot so a pass
// over many accounts indexes the router once.
type routerIndex struct {
	secrets map[string]device.Secret
	pools   map[string]struct{}
}

func newRouterIndex(snap *device.Snapshot) routerIndex {
	return routerIndex{secrets: snap.SecretByName(), pools: snap.PoolNames()}
}

func (idx routerIndex) validate(d Desired) error {
	if err := validate.Struct(d); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return &ConfigError{AccountID: d.AccountID, Username: d.Username, Field: fe.Field(), Reason: describe(fe)}
		}
		return &ConfigError{AccountID: d.AccountID, Username: d.Username, Field: "account", Reason: err.Error()}
	}

	if _, exists := idx.secrets[d.Username]; !exists && d.Secret == "" {
		return &ConfigError{AccountID: d.AccountID, Username: d.Username, Field: "secret", Reason: "required to create the account"}
	}

	if ra := d.RemoteAddress; ra != "" {
		if _, err := netip.ParseAddr(ra); err != nil {
			if _, ok := idx.pools[ra]; !ok {
				return &ConfigError{AccountID: d.AccountID, Username: d.Username, Field: "remote_address", Reason: fmt.Sprintf("%q is neither an IP address nor a pool on the router", ra)}
			}
		}
	}
	return nil
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "max":
		return "must be at most " + fe.Param() + " characters"
	case "secret_name":
		return "contains characters the router cannot store"
	default:
		return "failed " + fe.Tag()
	}
}
