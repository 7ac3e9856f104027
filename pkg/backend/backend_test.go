package backend

import (
	"testing"
)

func TestParseToolResult_JSON(t *testing.T) {
	raw := `{"status": 200, "headers": {"Content-Type": "text/html"}, "body": "<html>ok</html>"}`
	result := ParseToolResult(raw)

	if result.Status() != 200 {
		t.Errorf("Expected status 200, got %d", result.Status())
	}
	if result.Body() != "<html>ok</html>" {
		t.Errorf("Unexpected body: %q", result.Body())
	}
	if result.Header("content-type") != "text/html" {
		t.Errorf("Unexpected header: %q", result.Header("content-type"))
	}
}

func TestParseToolResult_AlternateFieldNames(t *testing.T) {
	raw := `{"statusCode": 429, "body_preview": "slow down"}`
	result := ParseToolResult(raw)

	if result.Status() != 429 {
		t.Errorf("Expected status 429, got %d", result.Status())
	}
	if result.Body() != "slow down" {
		t.Errorf("Unexpected body: %q", result.Body())
	}
}

func TestParseToolResult_PlainText(t *testing.T) {
	result := ParseToolResult("plain text output")
	if result.Data != nil {
		t.Error("Expected no parsed data for plain text")
	}
	if result.Status() != 0 {
		t.Errorf("Expected zero status, got %d", result.Status())
	}
	if result.Body() != "plain text output" {
		t.Errorf("Body should fall back to raw text, got %q", result.Body())
	}
}

func TestBlockedResult(t *testing.T) {
	result := BlockedResult("tool blocked by scope lock")
	if !result.Blocked {
		t.Error("Expected Blocked to be true")
	}
	if result.Message == "" {
		t.Error("Expected a message")
	}
}
