package config

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	cueerrors "cuelang.org/go/cue/errors"
	"github.com/go-playground/validator/v10"
)

const (
	minVMID = 100
	maxVMID = 999999999

	// ZFS limits full dataset names to 255 bytes.
	maxDatasetName = 255
)

var zfsComponent = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.:-]*$`)

// newValidator returns a validator that reports fields by their document
// names and knows the zfsname, zfspath and vmid tags.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("yaml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	mustRegister(v, "zfsname", func(fl validator.FieldLevel) bool {
		return zfsComponent.MatchString(fl.Field().String())
	})
	mustRegister(v, "zfspath", func(fl validator.FieldLevel) bool {
		return IsDatasetPath(fl.Field().String())
	})
	mustRegister(v, "vmid", func(fl validator.FieldLevel) bool {
		id := fl.Field().Int()
		return id >= minVMID && id <= maxVMID
	})
	return v
}

func mustRegister(v *validator.Validate, tag string, fn validator.Func) {
	if err := v.RegisterValidation(tag, fn); err != nil {
		panic(fmt.Sprintf("register %s validation: %v", tag, err))
	}
}

// IsDatasetPath reports whether p is a valid slash-separated dataset name.
func IsDatasetPath(p string) bool {
	if p == "" || len(p) > maxDatasetName {
		return false
	}
	for _, part := range strings.Split(p, "/") {
		if !zfsComponent.MatchString(part) {
			return false
		}
	}
	return true
}

func convertValidatorErrors(file string, err error) ValidationErrors {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return ValidationErrors{{File: file, Message: err.Error(), Severity: "error"}}
	}

	out := make(ValidationErrors, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		_, path, _ := strings.Cut(fe.Namespace(), ".")
		out = append(out, ValidationError{
			File:     file,
			Path:     path,
			Message:  describeFieldError(fe),
			Severity: "error",
		})
	}
	return out
}

func describeFieldError(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "vmid":
		return fmt.Sprintf("%v is not a valid container id (%d-%d)", fe.Value(), minVMID, maxVMID)
	case "zfsname", "zfspath":
		return fmt.Sprintf("%q is not a valid ZFS name", fe.Value())
	case "hostname_rfc1123":
		return fmt.Sprintf("%q is not a valid hostname", fe.Value())
	case "startswith":
		return fmt.Sprintf("must start with %q", fe.Param())
	case "oneof":
		return fmt.Sprintf("%q must be one of [%s]", fe.Value(), fe.Param())
	default:
		return fmt.Sprintf("failed %s validation", fe.Tag())
	}
}

// convertCUEErrors flattens CUE errors. Positions are kept only when they
// point into file; schema positions mean nothing to the reader.
func convertCUEErrors(file string, err error) ValidationErrors {
	var out ValidationErrors
	for _, e := range cueerrors.Errors(err) {
		ve := ValidationError{File: file, Severity: "error"}
		if path := e.Path(); len(path) > 0 {
			ve.Path = strings.Join(path, ".")
		}
		for _, pos := range cueerrors.Positions(e) {
			if pos.Filename() == file {
				ve.Line = pos.Line()
				ve.Column = pos.Column()
				break
			}
		}
		format, args := e.Msg()
		ve.Message = fmt.Sprintf(format, args...)
		out = append(out, ve)
	}
	if len(out) == 0 {
		out = append(out, ValidationError{File: file, Message: err.Error(), Severity: "error"})
	}
	return out
}
