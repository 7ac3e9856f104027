package parse

import (
	"testing"
)

func TestExtract_FencedJSON(t *testing.T) {
	raw := "here is json ```json\n{\"answer\":\"done\"}\n``` thanks"
	obj, ok := Extract(raw)
	if !ok {
		t.Fatal("Expected extraction to succeed")
	}
	if obj["answer"] != "done" {
		t.Errorf("Expected answer=done, got %v", obj["answer"])
	}
}

func TestExtract_DirectObject(t *testing.T) {
	obj, ok := Extract(`{"thought":"testing","action":"send_http_request"}`)
	if !ok {
		t.Fatal("Expected extraction to succeed")
	}
	if obj["thought"] != "testing" {
		t.Errorf("Unexpected thought: %v", obj["thought"])
	}
}

func TestExtract_TrailingComma(t *testing.T) {
	obj, ok := Extract(`{"a":1,}`)
	if !ok {
		t.Fatal("Expected trailing comma repair to succeed")
	}
	if obj["a"] != float64(1) {
		t.Errorf("Expected a=1, got %v", obj["a"])
	}
}

func TestExtract_SingleQuotes(t *testing.T) {
	obj, ok := Extract(`{'answer': 'done'}`)
	if !ok {
		t.Fatal("Expected single-quote repair to succeed")
	}
	if obj["answer"] != "done" {
		t.Errorf("Expected answer=done, got %v", obj["answer"])
	}
}

func TestExtract_ProseAroundJSON(t *testing.T) {
	raw := "I analyzed the target. Here is my decision:\n\n{\"thought\": \"the login form looks injectable\", \"action\": \"send_http_request\"}\n\nLet me know if you need anything else."
	obj, ok := Extract(raw)
	if !ok {
		t.Fatal("Expected extraction to succeed")
	}
	if obj["action"] != "send_http_request" {
		t.Errorf("Unexpected action: %v", obj["action"])
	}
}

func TestExtract_BracesInProseBeforeJSON(t *testing.T) {
	raw := `The params {like this} are not JSON. {"answer": "complete"}`
	obj, ok := Extract(raw)
	if !ok {
		t.Fatal("Expected recursion past non-JSON brace span")
	}
	if obj["answer"] != "complete" {
		t.Errorf("Expected answer=complete, got %v", obj["answer"])
	}
}

func TestExtract_StringsWithBraces(t *testing.T) {
	raw := `{"payload": "{\"injected\": true}", "thought": "nested"}`
	obj, ok := Extract(raw)
	if !ok {
		t.Fatal("Expected extraction to succeed")
	}
	if obj["thought"] != "nested" {
		t.Errorf("Unexpected thought: %v", obj["thought"])
	}
}

func TestExtract_PlainProse(t *testing.T) {
	if _, ok := Extract("I could not find any issues worth reporting."); ok {
		t.Error("Expected extraction to fail on prose with no braces")
	}
	if _, ok := Extract(""); ok {
		t.Error("Expected extraction to fail on empty input")
	}
}

func TestNormalize_StringAction(t *testing.T) {
	obj := map[string]any{
		"thought":    "check the login form",
		"action":     "send_http_request",
		"parameters": map[string]any{"url": "https://example.com/login", "method": "POST"},
	}
	d := Normalize(obj)
	if d == nil {
		t.Fatal("Expected a decision")
	}
	if d.Action == nil || d.Action.Tool != "send_http_request" {
		t.Fatalf("Unexpected action: %+v", d.Action)
	}
	if d.Action.Args["url"] != "https://example.com/login" {
		t.Errorf("Expected parameters mapped into args, got %v", d.Action.Args)
	}
}

func TestNormalize_NestedAction(t *testing.T) {
	obj := map[string]any{
		"action": map[string]any{
			"tool": "spider_url",
			"args": map[string]any{"url": "https://example.com"},
		},
	}
	d := Normalize(obj)
	if d == nil || d.Action == nil {
		t.Fatal("Expected a decision with an action")
	}
	if d.Action.Tool != "spider_url" || d.Action.Args["url"] != "https://example.com" {
		t.Errorf("Unexpected action: %+v", d.Action)
	}
}

func TestNormalize_InlineActionArgs(t *testing.T) {
	obj := map[string]any{
		"action": map[string]any{
			"name": "send_http_request",
			"url":  "https://example.com/api",
		},
	}
	d := Normalize(obj)
	if d == nil || d.Action == nil {
		t.Fatal("Expected a decision with an action")
	}
	if d.Action.Args["url"] != "https://example.com/api" {
		t.Errorf("Expected inline args to be collected, got %v", d.Action.Args)
	}
}

func TestNormalize_Findings(t *testing.T) {
	obj := map[string]any{
		"findings": []any{
			map[string]any{
				"type":     "sqli",
				"url":      "https://example.com/login",
				"evidence": "sql syntax error in response",
			},
		},
	}
	d := Normalize(obj)
	if d == nil || len(d.Findings) != 1 {
		t.Fatalf("Expected one finding, got %+v", d)
	}
	if d.Findings[0].Type != "sqli" {
		t.Errorf("Unexpected finding type: %s", d.Findings[0].Type)
	}
}

func TestNormalize_Session(t *testing.T) {
	obj := map[string]any{
		"session": map[string]any{
			"label":   "admin",
			"token":   "eyJhbGciOi...",
			"cookies": "sid=abc123",
		},
	}
	d := Normalize(obj)
	if d == nil || d.Session == nil {
		t.Fatalf("Expected a decision with a session, got %+v", d)
	}
	if d.Session.Label != "admin" || d.Session.Token != "eyJhbGciOi..." || d.Session.Cookies != "sid=abc123" {
		t.Errorf("Unexpected session: %+v", d.Session)
	}

	empty := Normalize(map[string]any{"session": map[string]any{"label": "no material"}})
	if empty != nil {
		t.Errorf("A session without token or cookies should be dropped, got %+v", empty)
	}
}

func TestNormalize_NoRecognizedFields(t *testing.T) {
	if d := Normalize(map[string]any{"foo": "bar", "baz": 3}); d != nil {
		t.Errorf("Expected nil for unrecognized object, got %+v", d)
	}
	if d := Normalize(nil); d != nil {
		t.Errorf("Expected nil for nil object, got %+v", d)
	}
}

func TestNormalize_DiscoveredEndpoints(t *testing.T) {
	obj := map[string]any{
		"discovered": []any{
			"https://example.com/admin",
			map[string]any{"url": "https://example.com/api/users", "method": "post"},
		},
	}
	d := Normalize(obj)
	if d == nil || len(d.Discovered) != 2 {
		t.Fatalf("Expected two discovered endpoints, got %+v", d)
	}
	if d.Discovered[0].Method != "GET" {
		t.Errorf("Expected default GET method, got %s", d.Discovered[0].Method)
	}
	if d.Discovered[1].Method != "POST" {
		t.Errorf("Expected uppercased POST method, got %s", d.Discovered[1].Method)
	}
}

func TestNormalize_DiscoveredEndpointInputs(t *testing.T) {
	obj := map[string]any{
		"discovered": []any{
			map[string]any{
				"url":    "https://example.com/search",
				"method": "get",
				"params": map[string]any{"q": "test", "page": float64(2)},
			},
			map[string]any{
				"url":    "https://example.com/feedback",
				"method": "post",
				"body":   "comment=hello",
			},
		},
	}
	d := Normalize(obj)
	if d == nil || len(d.Discovered) != 2 {
		t.Fatalf("Expected two discovered endpoints, got %+v", d)
	}
	search := d.Discovered[0]
	if search.Params["q"] != "test" || search.Params["page"] != "2" {
		t.Errorf("Expected coerced params, got %+v", search.Params)
	}
	if d.Discovered[1].Body != "comment=hello" {
		t.Errorf("Expected body carried through, got %q", d.Discovered[1].Body)
	}
}
