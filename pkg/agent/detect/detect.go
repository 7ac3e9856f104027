// Package detect performs pattern-based auto-detection on tool results,
// surfacing likely vulnerabilities even when the model fails to flag them.
package detect

import (
	"strings"

	"github.com/periscan/periscan/db"
	"github.com/periscan/periscan/pkg/backend"
)

// Detection is one pattern match against a tool result.
type Detection struct {
	Type     db.VulnType
	Evidence string
}

var sqlErrorMarkers = []string{
	"sql syntax",
	"mysql_fetch",
	"mysql_num_rows",
	"unclosed quotation mark",
	"quoted string not properly terminated",
	"sqlite error",
	"sqlite3.operationalerror",
	"pg::syntaxerror",
	"ora-00933",
	"ora-01756",
}

var injectionCharacters = []string{"'", "\"", "--", ";"}

// Inspect scans a tool result for vulnerability signatures. payload is the
// attacker-controlled input that produced the response, when known.
func Inspect(payload string, result backend.ToolResult) []Detection {
	body := result.Body()
	lower := strings.ToLower(body)
	var detections []Detection

	if marker := firstMatch(lower, sqlErrorMarkers); marker != "" && containsAny(payload, injectionCharacters) {
		detections = append(detections, Detection{
			Type:     db.VulnSQLI,
			Evidence: "Database error in response after injecting " + payload + ": " + excerptAround(body, marker),
		})
	}

	if payload != "" && strings.Contains(body, payload) &&
		(strings.Contains(payload, "<script") || strings.Contains(payload, "onerror=") || strings.Contains(payload, "javascript:")) {
		detections = append(detections, Detection{
			Type:     db.VulnXSS,
			Evidence: "Payload reflected unencoded in response: " + payload,
		})
	}

	if strings.Contains(body, "root:x:0:0") {
		detections = append(detections, Detection{
			Type:     db.VulnLFI,
			Evidence: "passwd file contents in response: " + excerptAround(body, "root:x:0:0"),
		})
	}

	if strings.Contains(lower, "uid=") && strings.Contains(lower, "gid=") {
		detections = append(detections, Detection{
			Type:     db.VulnRCE,
			Evidence: "Command output (uid/gid) in response: " + excerptAround(body, "uid="),
		})
	}

	if marker := firstMatch(lower, []string{"stack trace", "traceback (most recent call last)", "at java.lang.", "fatal error:"}); marker != "" {
		detections = append(detections, Detection{
			Type:     db.VulnInfoDisclosure,
			Evidence: "Verbose error detail exposed: " + excerptAround(body, marker),
		})
	}

	return detections
}

func firstMatch(lower string, markers []string) string {
	for _, marker := range markers {
		if strings.Contains(lower, marker) {
			return marker
		}
	}
	return ""
}

func containsAny(s string, needles []string) bool {
	for _, needle := range needles {
		if strings.Contains(s, needle) {
			return true
		}
	}
	return false
}

// excerptAround returns a short slice of body centered on the (lowercased)
// marker position, for use as evidence text.
func excerptAround(body, marker string) string {
	idx := strings.Index(strings.ToLower(body), marker)
	if idx < 0 {
		return marker
	}
	start := idx - 40
	if start < 0 {
		start = 0
	}
	end := idx + len(marker) + 80
	if end > len(body) {
		end = len(body)
	}
	return strings.TrimSpace(body[start:end])
}
