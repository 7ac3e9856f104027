package backend

// Tool names exposed by the tool server and consumed by the engine.
const (
	ToolSendHTTPRequest    = "send_http_request"
	ToolSendToScanner      = "send_to_scanner"
	ToolGetProxyHistory    = "get_proxy_history"
	ToolGetSitemap         = "get_sitemap"
	ToolSpiderURL          = "spider_url"
	ToolCheckAuthorization = "check_authorization"
	ToolGeneratePayloads   = "generate_payloads"
	ToolExtractLinks       = "extract_links"
	ToolAddToScope         = "add_to_scope"
	ToolSendToRepeater     = "send_to_repeater"
)

// EnumerationTools are the discovery tools rejected while a focused scope
// lock is active.
var EnumerationTools = map[string]bool{
	ToolSpiderURL:    true,
	ToolGetSitemap:   true,
	ToolExtractLinks: true,
}
