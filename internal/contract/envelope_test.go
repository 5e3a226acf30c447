package contract

import (
	"encoding/json"
	"testing"
)

func TestOKSerializesWithoutErrorOrMessage(t *testing.T) {
	env := OK(map[string]int{"count": 3})
	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if decoded["success"] != true {
		t.Errorf("expected success=true, got %v", decoded["success"])
	}
	if _, has := decoded["error"]; has {
		t.Errorf("expected no error field on success envelope, got %v", decoded["error"])
	}
	if _, has := decoded["message"]; has {
		t.Errorf("expected no message field when none was set")
	}
}

func TestOKWithMessage(t *testing.T) {
	env := OKWithMessage("done", "scan complete")
	if !env.Success {
		t.Errorf("expected success=true")
	}
	if env.Message != "scan complete" {
		t.Errorf("expected message to be set, got %q", env.Message)
	}
}

func TestFailSerializesErrorBody(t *testing.T) {
	env := Fail("invalid_params", "user_id is required")
	if env.Success {
		t.Errorf("expected success=false on Fail")
	}
	if env.Error == nil {
		t.Fatalf("expected non-nil error body")
	}
	if env.Error.Code != "invalid_params" || env.Error.Message != "user_id is required" {
		t.Errorf("unexpected error body: %+v", env.Error)
	}

	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if _, has := decoded["data"]; has {
		t.Errorf("expected no data field on a failure envelope")
	}
}
