package recheck

import (
	"fmt"

	"github.com/periscan/periscan/db"
	"github.com/periscan/periscan/pkg/agent/shared"
)

// generatePoC produces reproduction steps specific to the vulnerability
// type, using the details captured in the suspicion.
func generatePoC(suspicion *shared.Suspicion) []string {
	target := suspicion.URL
	param := suspicion.Parameter
	if param == "" {
		param = "the vulnerable parameter"
	}

	switch suspicion.Type {
	case db.VulnSQLI:
		return []string{
			fmt.Sprintf("Send a %s request to %s with a single quote in %s and observe the database error.", suspicion.Method, target, param),
			fmt.Sprintf("Replace the value of %s with %q and confirm the response changes.", param, "' OR '1'='1' -- "),
			"Escalate with a UNION SELECT to enumerate columns, or a time-based payload (SLEEP/pg_sleep) to confirm blind injection.",
		}
	case db.VulnXSS:
		return []string{
			fmt.Sprintf("Request %s with %s set to <script>alert(document.domain)</script>.", target, param),
			"Open the response in a browser and verify the script executes in the page origin.",
			"Demonstrate impact by exfiltrating document.cookie to a collaborator endpoint.",
		}
	case db.VulnIDOR:
		return []string{
			fmt.Sprintf("Authenticate as user A and request %s, noting the object identifier in %s.", target, param),
			"Swap to user B's session and replay the identical request with user A's identifier.",
			"Confirm user A's record is returned despite the session belonging to user B.",
		}
	case db.VulnLFI:
		return []string{
			fmt.Sprintf("Request %s with %s set to ../../../../etc/passwd.", target, param),
			"Verify the response contains passwd entries (root:x:0:0).",
			"Probe application configuration files for credentials using the same traversal.",
		}
	case db.VulnRCE:
		return []string{
			fmt.Sprintf("Send %q in %s at %s and observe command output in the response.", "; id", param, target),
			"Confirm blind execution with a time delay payload such as $(sleep 5).",
			"Demonstrate impact with a harmless file write in a writable directory.",
		}
	case db.VulnSSRF:
		return []string{
			fmt.Sprintf("Set %s at %s to an attacker-controlled URL and confirm the server fetches it.", param, target),
			"Point the parameter at http://169.254.169.254/ and check for cloud metadata in the response.",
			"Enumerate internal services by iterating private address ranges.",
		}
	default:
		return []string{
			fmt.Sprintf("Replay the captured request against %s.", target),
			"Compare the response with the attached evidence to confirm the behavior.",
		}
	}
}
