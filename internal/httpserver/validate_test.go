package httpserver

import (
	"net/http/httptest"
	"strings"
	"testing"
)

type createRequest struct {
	Mode          string `json:"mode" validate:"required,oneof=vent coach mediator"`
	RecordingType string `json:"recordingType" validate:"required,oneof=separate live"`
}

func TestDecode_RejectsUnknownFields(t *testing.T) {
	req := httptest.NewRequest("POST", "/", strings.NewReader(`{"mode":"vent","recordingType":"live","bogus":1}`))
	var dst createRequest
	if err := Decode(req, &dst); err == nil {
		t.Error("Decode should reject unknown fields")
	}
}

func TestDecode_RejectsEmptyBody(t *testing.T) {
	req := httptest.NewRequest("POST", "/", strings.NewReader(""))
	var dst createRequest
	if err := Decode(req, &dst); err == nil {
		t.Error("Decode should reject an empty body")
	}
}

func TestDecode_RejectsTrailingContent(t *testing.T) {
	req := httptest.NewRequest("POST", "/", strings.NewReader(`{"mode":"vent","recordingType":"live"}{"again":true}`))
	var dst createRequest
	if err := Decode(req, &dst); err == nil {
		t.Error("Decode should reject a body with more than one JSON object")
	}
}

func TestDecode_AcceptsValidBody(t *testing.T) {
	req := httptest.NewRequest("POST", "/", strings.NewReader(`{"mode":"coach","recordingType":"separate"}`))
	var dst createRequest
	if err := Decode(req, &dst); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if dst.Mode != "coach" || dst.RecordingType != "separate" {
		t.Errorf("decoded = %+v", dst)
	}
}

func TestValidate_ReportsFieldErrors(t *testing.T) {
	errs := Validate(createRequest{Mode: "screaming", RecordingType: ""})
	if len(errs) != 2 {
		t.Fatalf("validation errors = %d, want 2: %v", len(errs), errs)
	}
}

func TestValidate_PassesValidStruct(t *testing.T) {
	if errs := Validate(createRequest{Mode: "vent", RecordingType: "live"}); len(errs) != 0 {
		t.Errorf("unexpected validation errors: %v", errs)
	}
}

func TestToSnakeCase(t *testing.T) {
	cases := map[string]string{
		"Mode":          "mode",
		"RecordingType": "recording_type",
		"already_snake": "already_snake",
	}
	for in, want := range cases {
		if got := toSnakeCase(in); got != want {
			t.Errorf("toSnakeCase(%q) = %q, want %q", in, got, want)
		}
	}
}
