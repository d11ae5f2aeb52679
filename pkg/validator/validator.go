package validator

import (
	"errors"
	"net/http"
	"reflect"
	"regexp"
	"sort"
	"strings"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	enTranslations "github.com/go-playground/validator/v10/translations/en"
	"github.com/labstack/echo/v4"
)

// Platform ids are 64-bit snowflakes rendered in decimal.
var snowflakePattern = regexp.MustCompile(`^[0-9]{15,20}$`)

// CustomValidator validates request payloads for Echo and for the
// event consumer, translating failures into per-field messages.
type CustomValidator struct {
	validate   *validator.Validate
	translator ut.Translator
}

func New() *CustomValidator {
	validate := validator.New()
	validate.RegisterTagNameFunc(jsonFieldName)

	english := en.New()
	trans, _ := ut.New(english, english).GetTranslator("en")

	if err := enTranslations.RegisterDefaultTranslations(validate, trans); err != nil {
		panic("failed to register validator default translations: " + err.Error())
	}
	if err := registerSnowflake(validate, trans); err != nil {
		panic("failed to register snowflake validation: " + err.Error())
	}

	return &CustomValidator{validate: validate, translator: trans}
}

func jsonFieldName(field reflect.StructField) string {
	name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
	if name == "-" || name == "" {
		return field.Name
	}
	return name
}

func registerSnowflake(validate *validator.Validate, trans ut.Translator) error {
	if err := validate.RegisterValidation("snowflake", func(fl validator.FieldLevel) bool {
		return snowflakePattern.MatchString(fl.Field().String())
	}); err != nil {
		return err
	}

	return validate.RegisterTranslation("snowflake", trans,
		func(ut ut.Translator) error {
			return ut.Add("snowflake", "{0} must be a platform id", true)
		},
		func(ut ut.Translator, fe validator.FieldError) string {
			msg, _ := ut.T("snowflake", fe.Field())
			return msg
		},
	)
}

func (cv *CustomValidator) Validate(i any) error {
	err := cv.validate.Struct(i)
	if err == nil {
		return nil
	}

	var fieldErrors validator.ValidationErrors
	if !errors.As(err, &fieldErrors) {
		return err
	}

	details := make(map[string]string, len(fieldErrors))
	for _, fe := range fieldErrors {
		details[fe.Field()] = fe.Translate(cv.translator)
	}
	return &ValidationError{Errors: details}
}

type ValidationError struct {
	Errors map[string]string `json:"errors"`
}

// Error lists the failures sorted by field so messages are stable.
func (e *ValidationError) Error() string {
	fields := make([]string, 0, len(e.Errors))
	for field := range e.Errors {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	messages := make([]string, 0, len(fields))
	for _, field := range fields {
		messages = append(messages, field+": "+e.Errors[field])
	}
	return strings.Join(messages, "; ")
}

type ValidationErrorResponse struct {
	Success bool              `json:"success"`
	Error   string            `json:"error"`
	Details map[string]string `json:"details,omitempty"`
}

func HandleValidationError(c echo.Context, err error) error {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return c.JSON(http.StatusUnprocessableEntity, ValidationErrorResponse{
			Error:   "Validation failed",
			Details: ve.Errors,
		})
	}
	return c.JSON(http.StatusBadRequest, ValidationErrorResponse{Error: err.Error()})
}
