package model

import (
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// NewValidator returns a validator with the custom generation rules registered.
func NewValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("step5", multipleOfFive)
	// Report fields by their JSON names
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// multipleOfFive accepts integer fields that are multiples of 5.
func multipleOfFive(fl validator.FieldLevel) bool {
	field := fl.Field()
	switch field.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return field.Int()%5 == 0
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return field.Uint()%5 == 0
	}
	return false
}
