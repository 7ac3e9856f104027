package pool

// Role selects the specialization of a worker.
type Role string

const (
	RoleCrawler  Role = "crawler"
	RoleScanner  Role = "scanner"
	RoleFuzzer   Role = "fuzzer"
	RoleAnalyzer Role = "analyzer"
)

// Roles lists every worker role in spawn order.
var Roles = []Role{RoleCrawler, RoleScanner, RoleFuzzer, RoleAnalyzer}

func (r Role) String() string {
	return string(r)
}

// systemPrompt returns the role's standing instructions. Every role shares
// the same JSON response contract so one parser handles all of them.
func (r Role) systemPrompt() string {
	return roleMissions[r] + responseContract
}

var roleMissions = map[Role]string{
	RoleCrawler: `You are a web crawler agent in an authorized penetration test. Your only job is discovery: given a known endpoint, identify further URLs, API routes, forms and parameters worth testing. You never attack; you map the surface.`,

	RoleScanner: `You are a vulnerability scanner agent in an authorized penetration test. Given a discovered endpoint, decide the single most promising security test for it (injection probes, auth checks, method tampering) and report anything suspicious you observe.`,

	RoleFuzzer: `You are a fuzzing agent in an authorized penetration test. You target endpoints that accept input (query parameters or request bodies) and craft malformed or malicious values to trigger errors, injections or unexpected behavior.`,

	RoleAnalyzer: `You are a response analysis agent in an authorized penetration test. You inspect responses already collected from the target for information disclosure, missing security headers, verbose errors and leaked internals. You do not send attack payloads.`,
}

const responseContract = `

Respond with a single JSON object. Fields, all optional except thought:
{
  "thought": "your reasoning in one or two sentences",
  "discovered": [{"url": "...", "method": "GET", "params": {"name": "example value"}, "body": "form or JSON body if any"}],
  "finding": {"type": "sqli|xss|idor|lfi|rce|ssrf|open_redirect|info_disclosure", "url": "...", "parameter": "...", "payload": "...", "evidence": "what you observed"},
  "action": {"tool": "send_http_request", "args": {"url": "...", "method": "GET"}},
  "session": {"label": "account name", "token": "bearer or JWT", "cookies": "raw cookie header"}
}
Report a finding only with concrete evidence. Include "session" only when a response handed you working authentication material. Do not repeat findings you have already reported.`
