package validator

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

type sampleRequest struct {
	AccountID string `json:"accountId" validate:"required,numeric"`
	RoleID    string `json:"roleId" validate:"required"`
}

func TestCustomValidator_ValidateReturnsValidationError(t *testing.T) {
	cv := New()

	req := sampleRequest{
		// AccountID and RoleID left empty to trigger validation errors
	}

	err := cv.Validate(req)
	if err == nil {
		t.Fatalf("expected validation error, got nil")
	}

	ve, ok := err.(*ValidationError)
	if !ok {
		t.Fatalf("expected *ValidationError, got %T", err)
	}

	if len(ve.Errors) == 0 {
		t.Fatalf("expected at least one validation error, got none")
	}

	if _, exists := ve.Errors["accountId"]; !exists {
		t.Errorf("expected 'accountId' to be in validation errors")
	}
	if _, exists := ve.Errors["roleId"]; !exists {
		t.Errorf("expected 'roleId' to be in validation errors")
	}
}

func TestHandleValidationError_Returns422WithDetails(t *testing.T) {
	e := echo.New()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/test", nil)
	c := e.NewContext(req, rec)

	cv := New()
	err := cv.Validate(sampleRequest{})

	if err == nil {
		t.Fatalf("expected validation error, got nil")
	}

	if err := HandleValidationError(c, err); err != nil {
		t.Fatalf("HandleValidationError returned error: %v", err)
	}

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected status 422, got %d", rec.Code)
	}

	var body ValidationErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}

	if body.Success {
		t.Errorf("expected Success=false, got true")
	}
	if body.Error != "Validation failed" {
		t.Errorf("expected error='Validation failed', got %q", body.Error)
	}
	if len(body.Details) == 0 {
		t.Fatalf("expected details in validation response, got none")
	}
}

func TestCustomValidator_NestedAttachmentsAreValidated(t *testing.T) {
	cv := New()

	type attachment struct {
		URL string `json:"url" validate:"required,url"`
	}
	type message struct {
		ID          string       `json:"id" validate:"required"`
		Attachments []attachment `json:"attachments" validate:"dive"`
	}

	err := cv.Validate(message{ID: "m1", Attachments: []attachment{{URL: "not a url"}}})
	if err == nil {
		t.Fatalf("expected validation error for invalid attachment url")
	}
	if err := cv.Validate(message{ID: "m1"}); err != nil {
		t.Fatalf("expected message without attachments to be valid, got %v", err)
	}
}

func TestCustomValidator_Snowflake(t *testing.T) {
	cv := New()

	type roleRequest struct {
		RoleID string `json:"roleId" validate:"required,snowflake"`
	}

	if err := cv.Validate(roleRequest{RoleID: "112233445566778899"}); err != nil {
		t.Fatalf("expected valid snowflake, got %v", err)
	}

	err := cv.Validate(roleRequest{RoleID: "12ab"})
	ve, ok := err.(*ValidationError)
	if !ok {
		t.Fatalf("expected *ValidationError, got %T", err)
	}
	if ve.Errors["roleId"] != "roleId must be a platform id" {
		t.Errorf("unexpected message %q", ve.Errors["roleId"])
	}
}

func TestValidationError_MessageIsSortedByField(t *testing.T) {
	ve := &ValidationError{Errors: map[string]string{"roleId": "b", "accountId": "a"}}

	if got := ve.Error(); got != "accountId: a; roleId: b" {
		t.Errorf("unexpected message %q", got)
	}
}
