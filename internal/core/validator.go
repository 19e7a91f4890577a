package core

import (
	"errors"
	"log/slog"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"billingledger/internal/types"
)

// Validator wraps go-playground/validator with the billing-specific tags:
//
//	gateway     a known payment gateway name
//	grant_kind  a credit kind that adds credits (purchase, subscription, bonus)
type Validator struct {
	validate *validator.Validate
	logger   *slog.Logger
}

// NewValidator builds a Validator. Field names in errors use the json tag.
func NewValidator(logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.Default()
	}
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})

	// Registration only fails for empty tags or nil functions.
	_ = v.RegisterValidation("gateway", func(fl validator.FieldLevel) bool {
		switch types.GatewayName(fl.Field().String()) {
		case types.GatewayStripe, types.GatewayPaddle, types.GatewayLemonSqueezy, types.GatewayManual:
			return true
		}
		return false
	})
	_ = v.RegisterValidation("grant_kind", func(fl validator.FieldLevel) bool {
		return types.CreditKind(fl.Field().String()).IsGrant()
	})

	return &Validator{validate: v, logger: logger}
}

// ValidateStruct runs the struct's validate tags. Failures come back as a
// validation_failed AppError whose details map each field to the tag it
// broke.
func (v *Validator) ValidateStruct(s any) error {
	err := v.validate.Struct(s)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		v.logger.Error("validator misuse", "error", err)
		return types.NewAppError(types.ErrCodeInternalUnexpected, "request validation failed", err)
	}

	fields := make(map[string]any, len(fieldErrs))
	for _, fe := range fieldErrs {
		rule := fe.Tag()
		if fe.Param() != "" {
			rule += "=" + fe.Param()
		}
		fields[fieldPath(fe)] = rule
	}
	return types.NewAppErrorWithDetails(types.ErrCodeValidationFailed,
		"request validation failed", err, map[string]any{"fields": fields})
}

// fieldPath drops the top-level struct name from the namespace.
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if _, rest, ok := strings.Cut(ns, "."); ok {
		return rest
	}
	return fe.Field()
}
