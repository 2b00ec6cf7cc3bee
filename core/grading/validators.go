package grading

import (
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"

	"github.com/scolarflow/scolarflow/core"
)

var (
	formulaTag  = "formula"
	formulaText = "invalid formula, use subject names, numbers, parentheses and + - * / × ÷"

	thresholdOrderTag  = "threshold_order"
	thresholdOrderText = "retention average cannot be above the admission average"
)

// InitValidators registers the grading validation tags on `validate`.
func InitValidators(validate *validator.Validate, translator ut.Translator) {
	_ = validate.RegisterValidation(formulaTag, formulaValidation)
	core.RegisterCustomTranslation(validate, translator, formulaTag, formulaText)

	validate.RegisterStructValidation(thresholdStructValidation, UpdateThreshold{})
	core.RegisterCustomTranslation(validate, translator, thresholdOrderTag, thresholdOrderText)
}

// formulaValidation checks that a formula compiles, whatever its subject names.
func formulaValidation(fl validator.FieldLevel) bool {
	return ParseFormula(fl.Field().String(), 1).Err() == nil
}

func thresholdStructValidation(sl validator.StructLevel) {
	if th, ok := sl.Current().Interface().(UpdateThreshold); ok {
		if th.Retention > th.Admission {
			sl.ReportError(th.Retention, "moyenneRedoublement", "Retention", thresholdOrderTag, "")
		}
	}
}
