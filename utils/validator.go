package utils

import (
	"errors"
	"reflect"
	"strings"

	"cadencely/models"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})
	_ = v.RegisterValidation("channel", func(fl validator.FieldLevel) bool {
		return models.Channel(fl.Field().String()).Valid()
	})
	return v
}

// FieldErrors validates s and returns a message per offending field, keyed by
// its json path (for example "steps[1].delay_days"). It returns nil when s is
// valid.
func FieldErrors(s interface{}) map[string]string {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return map[string]string{"_": err.Error()}
	}

	out := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		field := fe.Namespace()
		if i := strings.Index(field, "."); i >= 0 {
			field = field[i+1:]
		}
		out[field] = fieldMessage(fe)
	}
	return out
}

func fieldMessage(fe validator.FieldError) string {
	param := fe.Param()
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min":
		if fe.Kind() == reflect.Slice {
			return "must have at least " + param + " items"
		}
		if fe.Kind() == reflect.String {
			return "must be at least " + param + " characters"
		}
		return "must be at least " + param
	case "max":
		if fe.Kind() == reflect.String {
			return "must be at most " + param + " characters"
		}
		return "must be at most " + param
	case "email":
		return "must be a valid email"
	case "channel":
		return "must be one of email, social, call, task"
	case "oneof":
		return "must be one of " + param
	case "gt":
		return "must be greater than " + param
	default:
		return "is invalid"
	}
}

// ValidateStruct returns a single error joining every field message.
func ValidateStruct(s interface{}) error {
	fields := FieldErrors(s)
	if len(fields) == 0 {
		return nil
	}
	msgs := make([]string, 0, len(fields))
	for k, v := range fields {
		msgs = append(msgs, k+" "+v)
	}
	return errors.New(strings.Join(msgs, ", "))
}
