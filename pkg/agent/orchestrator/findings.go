package orchestrator

import (
	"context"
	"net/url"
	"regexp"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/periscan/periscan/db"
	"github.com/periscan/periscan/lib"
	"github.com/periscan/periscan/pkg/agent/parse"
	"github.com/periscan/periscan/pkg/backend"
)

// typeKeywords maps description/evidence patterns onto vulnerability types,
// used when the model omits or genericizes the type. Order matters: more
// specific patterns first.
var typeKeywords = []struct {
	re       *regexp.Regexp
	vulnType db.VulnType
}{
	{regexp.MustCompile(`(?i)sql\s*(injection|syntax|error)|union\s+select|sqli`), db.VulnSQLI},
	{regexp.MustCompile(`(?i)cross.?site\s*script|<script|xss|onerror\s*=`), db.VulnXSS},
	{regexp.MustCompile(`(?i)idor|direct\s+object|unauthorized\s+(access|object)|access\s+another\s+user`), db.VulnIDOR},
	{regexp.MustCompile(`(?i)path\s+traversal|directory\s+traversal|file\s+inclusion|etc/passwd|lfi`), db.VulnLFI},
	{regexp.MustCompile(`(?i)command\s+injection|code\s+execution|rce|os\s+command`), db.VulnRCE},
	{regexp.MustCompile(`(?i)ssrf|server.?side\s+request`), db.VulnSSRF},
	{regexp.MustCompile(`(?i)open\s+redirect|unvalidated\s+redirect`), db.VulnOpenRedirect},
	{regexp.MustCompile(`(?i)information\s+disclosure|stack\s+trace|verbose\s+error|sensitive\s+data`), db.VulnInfoDisclosure},
}

// resolveType determines a finding's type: the model's tag if it maps to a
// known class, else keyword matching over its text, else generic.
func resolveType(finding parse.Finding) db.VulnType {
	if t := db.NormalizeVulnType(finding.Type); t != db.VulnGeneric {
		return t
	}
	haystack := finding.Name + " " + finding.Description + " " + finding.Evidence
	for _, kw := range typeKeywords {
		if kw.re.MatchString(haystack) {
			return kw.vulnType
		}
	}
	return db.VulnGeneric
}

// saveFinding names, deduplicates, enriches and persists one finding raised
// during orchestrator execution. Persistence failures are logged and
// swallowed; the finding stays in the run state either way.
func (o *Orchestrator) saveFinding(ctx context.Context, finding parse.Finding) {
	vulnType := resolveType(finding)

	findingURL := finding.URL
	if findingURL == "" {
		findingURL = o.lastRequestURL()
	}
	if findingURL == "" {
		findingURL = o.target
	}
	path := pathOf(findingURL)

	// Structured dedup on (type, path): one stored record per root cause.
	key := string(vulnType) + "|" + path
	o.mu.Lock()
	if o.savedFindings[key] {
		o.mu.Unlock()
		log.Debug().Str("type", string(vulnType)).Str("path", path).Msg("Duplicate finding within run")
		return
	}
	o.savedFindings[key] = true
	o.mu.Unlock()

	vuln := db.FillVulnerabilityFromTemplate(vulnType)
	vuln.ScanID = o.scanID
	vuln.Path = path
	vuln.Name = vuln.Name + " - " + path
	vuln.URL = findingURL
	vuln.HTTPMethod = finding.Method
	vuln.Parameter = finding.Parameter
	vuln.Payload = finding.Payload
	vuln.AgentID = "orchestrator"
	vuln.Verified = true
	if finding.Evidence != "" {
		vuln.Description = vuln.Description + "\n\nEvidence: " + finding.Evidence
	}

	// Attach the latest captured traffic when the model did not supply any.
	o.mu.Lock()
	if len(vuln.Request) == 0 && o.lastRequest != "" {
		vuln.Request = []byte(o.lastRequest)
	}
	if len(vuln.Response) == 0 && o.lastResponse != "" {
		vuln.Response = []byte(o.lastResponse)
	}
	o.mu.Unlock()

	if o.store != nil {
		if stored, created, err := o.store.CreateVulnerability(*vuln); err != nil {
			log.Error().Err(err).Str("name", vuln.Name).Msg("Failed to persist finding")
		} else if created {
			*vuln = stored
		}
	}
	o.state.AddVulnerability(vuln)
	o.runlog.Logf(lib.WARN, "Finding: %s [%s]", vuln.Name, vuln.Severity.String())

	// Best-effort forward for manual follow-up; failures are non-critical.
	if _, err := o.backend.CallTool(ctx, backend.ToolSendToRepeater, map[string]any{
		"url":    vuln.URL,
		"method": vuln.HTTPMethod,
		"note":   vuln.Name,
	}); err != nil {
		log.Debug().Err(err).Msg("send_to_repeater failed")
	}
}

func (o *Orchestrator) lastRequestURL() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastURL
}

func pathOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Path == "" {
		if idx := strings.Index(rawURL, "?"); idx >= 0 {
			return rawURL[:idx]
		}
		return rawURL
	}
	return u.Path
}
