package detect

import (
	"testing"

	"github.com/periscan/periscan/db"
	"github.com/periscan/periscan/pkg/backend"
)

func resultWithBody(body string) backend.ToolResult {
	return backend.ToolResult{Raw: body, Data: map[string]any{"status": float64(200), "body": body}}
}

func TestInspect_SQLError(t *testing.T) {
	detections := Inspect("'", resultWithBody("You have an error in your SQL syntax near ''' at line 1"))
	if len(detections) == 0 {
		t.Fatal("Expected a SQLi detection")
	}
	if detections[0].Type != db.VulnSQLI {
		t.Errorf("Expected sqli, got %s", detections[0].Type)
	}
	if detections[0].Evidence == "" {
		t.Error("Expected evidence text")
	}
}

func TestInspect_SQLErrorWithoutInjectionPayload(t *testing.T) {
	// A database error with a benign payload is not attributed to injection.
	detections := Inspect("hello", resultWithBody("sql syntax error"))
	for _, d := range detections {
		if d.Type == db.VulnSQLI {
			t.Error("SQLi must not be flagged without injection characters in the payload")
		}
	}
}

func TestInspect_ReflectedXSS(t *testing.T) {
	payload := "<script>alert(1)</script>"
	detections := Inspect(payload, resultWithBody("<html>search results for "+payload+"</html>"))
	if len(detections) != 1 || detections[0].Type != db.VulnXSS {
		t.Fatalf("Expected an xss detection, got %+v", detections)
	}
}

func TestInspect_EncodedPayloadNotFlagged(t *testing.T) {
	detections := Inspect("<script>alert(1)</script>", resultWithBody("&lt;script&gt;alert(1)&lt;/script&gt;"))
	if len(detections) != 0 {
		t.Errorf("Encoded reflection must not be flagged, got %+v", detections)
	}
}

func TestInspect_PasswdContents(t *testing.T) {
	detections := Inspect("../../../../etc/passwd", resultWithBody("root:x:0:0:root:/root:/bin/bash\ndaemon:x:1:1"))
	if len(detections) == 0 || detections[0].Type != db.VulnLFI {
		t.Fatalf("Expected an lfi detection, got %+v", detections)
	}
}

func TestInspect_CommandOutput(t *testing.T) {
	detections := Inspect("; id", resultWithBody("uid=33(www-data) gid=33(www-data) groups=33(www-data)"))
	found := false
	for _, d := range detections {
		if d.Type == db.VulnRCE {
			found = true
		}
	}
	if !found {
		t.Fatalf("Expected an rce detection, got %+v", detections)
	}
}

func TestInspect_CleanResponse(t *testing.T) {
	if detections := Inspect("test", resultWithBody("<html>Welcome</html>")); len(detections) != 0 {
		t.Errorf("Expected no detections, got %+v", detections)
	}
}
