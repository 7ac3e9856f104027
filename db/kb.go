package db

import (
	"strings"
)

// VulnType is the normalized type tag used across the engine for a class of
// vulnerability (sqli, xss, idor, ...).
type VulnType string

const (
	VulnSQLI           VulnType = "sqli"
	VulnXSS            VulnType = "xss"
	VulnIDOR           VulnType = "idor"
	VulnLFI            VulnType = "lfi"
	VulnRCE            VulnType = "rce"
	VulnSSRF           VulnType = "ssrf"
	VulnOpenRedirect   VulnType = "open_redirect"
	VulnInfoDisclosure VulnType = "info_disclosure"
	VulnGeneric        VulnType = "generic"
)

func (v VulnType) String() string {
	return string(v)
}

// NormalizeVulnType maps the loose type tags produced by models and workers
// onto the canonical set.
func NormalizeVulnType(raw string) VulnType {
	tag := strings.ToLower(strings.TrimSpace(raw))
	tag = strings.ReplaceAll(tag, "-", "_")
	tag = strings.ReplaceAll(tag, " ", "_")
	switch tag {
	case "sqli", "sql_injection", "sql":
		return VulnSQLI
	case "xss", "cross_site_scripting", "reflected_xss", "stored_xss", "dom_xss":
		return VulnXSS
	case "idor", "insecure_direct_object_reference", "bola", "broken_access_control":
		return VulnIDOR
	case "lfi", "local_file_inclusion", "path_traversal", "directory_traversal":
		return VulnLFI
	case "rce", "remote_code_execution", "command_injection", "code_injection":
		return VulnRCE
	case "ssrf", "server_side_request_forgery":
		return VulnSSRF
	case "open_redirect", "redirect":
		return VulnOpenRedirect
	case "info_disclosure", "information_disclosure", "sensitive_data_exposure":
		return VulnInfoDisclosure
	default:
		return VulnGeneric
	}
}

// VulnTemplate carries the static knowledge used to enrich a confirmed
// finding of a given type.
type VulnTemplate struct {
	Type        VulnType `json:"type"`
	Title       string   `json:"title"`
	Severity    string   `json:"severity"`
	Cwe         int      `json:"cwe"`
	CweName     string   `json:"cwe_name"`
	CVSSVector  string   `json:"cvss_vector"`
	CVSSScore   float64  `json:"cvss_score"`
	Description string   `json:"description"`
	Impact      string   `json:"impact"`
	Remediation string   `json:"remediation"`
	References  []string `json:"references"`
}

var vulnTemplates = []VulnTemplate{
	{
		Type:        VulnSQLI,
		Title:       "SQL Injection",
		Severity:    "Critical",
		Cwe:         89,
		CweName:     "Improper Neutralization of Special Elements used in an SQL Command",
		CVSSVector:  "CVSS:4.0/AV:N/AC:L/AT:N/PR:N/UI:N/VC:H/VI:H/VA:L/SC:N/SI:N/SA:N",
		CVSSScore:   9.3,
		Description: "User-supplied input is concatenated into SQL statements without proper parameterization, allowing an attacker to alter query structure.",
		Impact:      "Full read or write access to the application database, authentication bypass and potential remote code execution depending on database privileges.",
		Remediation: "Use parameterized queries or prepared statements for every database access. Apply least-privilege database accounts and validate input server-side.",
		References:  []string{"https://owasp.org/www-community/attacks/SQL_Injection"},
	},
	{
		Type:        VulnXSS,
		Title:       "Cross-Site Scripting",
		Severity:    "High",
		Cwe:         79,
		CweName:     "Improper Neutralization of Input During Web Page Generation",
		CVSSVector:  "CVSS:4.0/AV:N/AC:L/AT:N/PR:N/UI:P/VC:L/VI:L/VA:N/SC:L/SI:L/SA:N",
		CVSSScore:   6.9,
		Description: "User-supplied input is reflected or stored in HTML output without contextual encoding, allowing script execution in victims' browsers.",
		Impact:      "Session hijacking, credential theft and arbitrary actions performed on behalf of authenticated users.",
		Remediation: "Contextually encode all output, set a restrictive Content-Security-Policy and mark session cookies HttpOnly.",
		References:  []string{"https://owasp.org/www-community/attacks/xss/"},
	},
	{
		Type:        VulnIDOR,
		Title:       "Insecure Direct Object Reference",
		Severity:    "High",
		Cwe:         639,
		CweName:     "Authorization Bypass Through User-Controlled Key",
		CVSSVector:  "CVSS:4.0/AV:N/AC:L/AT:N/PR:L/UI:N/VC:H/VI:L/VA:N/SC:N/SI:N/SA:N",
		CVSSScore:   7.1,
		Description: "Object identifiers supplied by the client are used to access resources without verifying the requester's authorization for that object.",
		Impact:      "Horizontal privilege escalation: any authenticated user can read or modify other users' records by changing an identifier.",
		Remediation: "Enforce object-level authorization checks on every access. Prefer indirect, per-session object references.",
		References:  []string{"https://owasp.org/API-Security/editions/2023/en/0xa1-broken-object-level-authorization/"},
	},
	{
		Type:        VulnLFI,
		Title:       "Local File Inclusion",
		Severity:    "High",
		Cwe:         22,
		CweName:     "Improper Limitation of a Pathname to a Restricted Directory",
		CVSSVector:  "CVSS:4.0/AV:N/AC:L/AT:N/PR:N/UI:N/VC:H/VI:N/VA:N/SC:N/SI:N/SA:N",
		CVSSScore:   8.7,
		Description: "A file path built from user input is not canonicalized or restricted, allowing traversal outside the intended directory.",
		Impact:      "Disclosure of application source, configuration files and credentials; may escalate to code execution via log poisoning.",
		Remediation: "Canonicalize paths and reject traversal sequences. Serve files through an allowlist of identifiers rather than raw paths.",
		References:  []string{"https://owasp.org/www-community/attacks/Path_Traversal"},
	},
	{
		Type:        VulnRCE,
		Title:       "Remote Code Execution",
		Severity:    "Critical",
		Cwe:         78,
		CweName:     "Improper Neutralization of Special Elements used in an OS Command",
		CVSSVector:  "CVSS:4.0/AV:N/AC:L/AT:N/PR:N/UI:N/VC:H/VI:H/VA:H/SC:H/SI:H/SA:H",
		CVSSScore:   10.0,
		Description: "User input reaches a command or code evaluation sink without sanitization, allowing execution of attacker-controlled commands on the server.",
		Impact:      "Complete compromise of the application host, lateral movement into the internal network and full data exfiltration.",
		Remediation: "Never pass user input to shell or eval sinks. Use safe APIs with argument arrays, strict allowlists and sandboxed execution.",
		References:  []string{"https://owasp.org/www-community/attacks/Command_Injection"},
	},
	{
		Type:        VulnSSRF,
		Title:       "Server-Side Request Forgery",
		Severity:    "High",
		Cwe:         918,
		CweName:     "Server-Side Request Forgery (SSRF)",
		CVSSVector:  "CVSS:4.0/AV:N/AC:L/AT:N/PR:N/UI:N/VC:H/VI:L/VA:N/SC:L/SI:N/SA:N",
		CVSSScore:   8.2,
		Description: "The server fetches URLs derived from user input without restricting the destination, letting an attacker reach internal services.",
		Impact:      "Access to internal-only services, cloud metadata endpoints and credential theft from instance metadata.",
		Remediation: "Validate and allowlist outbound destinations, block link-local and private address ranges, and disable redirects on server-side fetches.",
		References:  []string{"https://owasp.org/www-community/attacks/Server_Side_Request_Forgery"},
	},
	{
		Type:        VulnOpenRedirect,
		Title:       "Open Redirect",
		Severity:    "Medium",
		Cwe:         601,
		CweName:     "URL Redirection to Untrusted Site",
		CVSSVector:  "CVSS:4.0/AV:N/AC:L/AT:N/PR:N/UI:P/VC:N/VI:L/VA:N/SC:L/SI:N/SA:N",
		CVSSScore:   5.3,
		Description: "A redirect target is taken from user input without validation, allowing redirection to attacker-controlled sites.",
		Impact:      "Credible phishing against the application's users and OAuth token leakage via redirect chains.",
		Remediation: "Allowlist redirect destinations or use server-side mapping of redirect identifiers to URLs.",
		References:  []string{"https://cwe.mitre.org/data/definitions/601.html"},
	},
	{
		Type:        VulnInfoDisclosure,
		Title:       "Information Disclosure",
		Severity:    "Medium",
		Cwe:         200,
		CweName:     "Exposure of Sensitive Information to an Unauthorized Actor",
		CVSSVector:  "CVSS:4.0/AV:N/AC:L/AT:N/PR:N/UI:N/VC:L/VI:N/VA:N/SC:N/SI:N/SA:N",
		CVSSScore:   6.9,
		Description: "The application exposes internal details such as stack traces, versions, or sensitive headers to unauthenticated clients.",
		Impact:      "Reconnaissance value for follow-up attacks; exposed secrets may grant direct access.",
		Remediation: "Disable verbose errors in production, strip identifying headers and review responses for sensitive content.",
		References:  []string{"https://cwe.mitre.org/data/definitions/200.html"},
	},
	{
		Type:        VulnGeneric,
		Title:       "Security Issue",
		Severity:    "Low",
		Cwe:         0,
		CweName:     "",
		CVSSVector:  "CVSS:4.0/AV:N/AC:L/AT:N/PR:N/UI:N/VC:L/VI:N/VA:N/SC:N/SI:N/SA:N",
		CVSSScore:   2.3,
		Description: "A potential security weakness was observed that does not map to a specific vulnerability class.",
		Impact:      "Depends on the underlying weakness; review the attached evidence.",
		Remediation: "Review the evidence and apply the relevant hardening for the affected component.",
		References:  nil,
	},
}

// GetVulnTemplate returns the knowledge-base template for a type tag. Unknown
// tags fall back to the generic template, so the result is never nil.
func GetVulnTemplate(vulnType VulnType) *VulnTemplate {
	for i := range vulnTemplates {
		if vulnTemplates[i].Type == vulnType {
			t := vulnTemplates[i]
			return &t
		}
	}
	t := vulnTemplates[len(vulnTemplates)-1]
	return &t
}

// FillVulnerabilityFromTemplate builds a Vulnerability prefilled with the
// knowledge-base data for its type.
func FillVulnerabilityFromTemplate(vulnType VulnType) *Vulnerability {
	tpl := GetVulnTemplate(vulnType)
	return &Vulnerability{
		Name:        tpl.Title,
		VulnType:    string(tpl.Type),
		Severity:    NewSeverity(tpl.Severity),
		CVSSVector:  tpl.CVSSVector,
		CVSSScore:   tpl.CVSSScore,
		Cwe:         tpl.Cwe,
		CweName:     tpl.CweName,
		Description: tpl.Description,
		Impact:      tpl.Impact,
		Remediation: tpl.Remediation,
	}
}
