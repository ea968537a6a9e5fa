package patterns

// =============================================================================
// PATTERN DEFINITIONS BY CATEGORY
// All patterns are registered here and compiled once at package init.
// This provides a single source of truth for all attack signatures.
// =============================================================================

// --- PROMPT INJECTION PATTERNS ---
func (r *Registry) registerPromptInjectionPatterns() {
	cat := CategoryPromptInjection

	// Direct instruction override
	r.register("ignore_previous", `(?i)ignore\s+(all\s+)?previous\s+(instructions?|prompts?|context)`, cat, 95, "Instruction override attempt")
	r.register("disregard_previous", `(?i)disregard\s+(all\s+)?previous\s+(instructions?|prompts?|context)`, cat, 95, "Instruction override attempt")
	r.register("forget_everything", `(?i)forget\s+(everything|all)\s*(you|that)\s*(know|learned|were\s+told)`, cat, 90, "Memory wipe attempt")
	r.register("stop_following", `(?i)stop\s+following\s+(your\s+)?instructions\s+and`, cat, 90, "Instruction abandonment")
	r.register("end_of_prompt", `(?i)this\s+is\s+the\s+end\s+of\s+(the\s+)?prompt.*?now\s+do`, cat, 90, "Prompt boundary forgery")

	// System role smuggling
	r.register("system_prefix", `(?im)^system:\s*`, cat, 85, "System role prefix")
	r.register("system_newline", `(?i)\n\s*system:\s*`, cat, 85, "Embedded system role")
	r.register("system_bracket", `(?i)\[\s*system\s*\].*?:`, cat, 85, "Bracketed system marker")
	r.register("role_assignment", `(?i)role:\s*(system|admin|root)\s*[\n;]`, cat, 85, "Privileged role assignment")

	// Override and bypass directives
	r.register("override_safety", `(?i)override\s+(your\s+)?(safety|security)\s+(rules|filters|protocols)`, cat, 90, "Safety override directive")
	r.register("bypass_safety", `(?i)bypass\s+(the\s+)?(safety|security)\s+(check|filter|validation)\s+and`, cat, 90, "Safety bypass directive")
	r.register("disable_safety", `(?i)disable\s+(all\s+)?(safety|security)\s+(features|checks|filters)`, cat, 90, "Safety disable directive")

	// Unicode trickery
	r.register("bidi_override", `[\x{202E}\x{202D}\x{200E}\x{200F}]`, cat, 85, "Bidirectional override characters")
	r.register("bom_invalid", `[\x{FEFF}\x{FFFE}\x{FFFF}]`, cat, 80, "BOM or invalid codepoints")
}

// --- JAILBREAK PATTERNS ---
func (r *Registry) registerJailbreakPatterns() {
	cat := CategoryJailbreak

	r.register("dan_mode", `(?i)activate\s+DAN\s+mode`, cat, 95, "DAN jailbreak activation")
	r.register("you_are_dan", `(?i)you\s+are\s+now\s+DAN`, cat, 95, "DAN persona assignment")
	r.register("enable_jailbreak", `(?i)enable\s+jailbreak`, cat, 95, "Explicit jailbreak request")
	r.register("developer_mode", `(?i)switch\s+to\s+developer\s+mode`, cat, 90, "Developer mode switch")
	r.register("god_mode", `(?i)enter\s+god\s+mode`, cat, 90, "God mode request")
	r.register("now_unrestricted", `(?i)you\s+are\s+now\s+(unrestricted|unfiltered|uncensored|jailbroken)`, cat, 95, "Unrestricted persona assignment")
	r.register("fake_developer", `(?i)as\s+your\s+(developer|creator)\s+at\s+(anthropic|openai)`, cat, 90, "Developer impersonation")
}

// --- PROMPT EXTRACTION PATTERNS ---
func (r *Registry) registerPromptExtractionPatterns() {
	cat := CategoryPromptExtraction

	r.register("reveal_prompt", `(?i)reveal\s+your\s+(prompt|instructions?|system\s+prompt|original\s+instructions?)`, cat, 90, "System prompt disclosure request")
	r.register("show_system_prompt", `(?i)(show|print|repeat|output)\s+(me\s+)?(your|the)\s+system\s+prompt`, cat, 90, "System prompt disclosure request")
	r.register("verbatim_instructions", `(?i)(repeat|recite)\s+(your\s+)?instructions\s+(verbatim|word\s+for\s+word|exactly)`, cat, 85, "Verbatim instruction dump request")
}

// --- ROLE CONFUSION PATTERNS ---
func (r *Registry) registerRoleConfusionPatterns() {
	cat := CategoryRoleConfusion

	r.register("pretend_no_limits", `(?i)pretend\s+you\s+are\s+(not\s+)?an?\s+(AI|human)\s+without`, cat, 85, "Limitless persona request")
	r.register("pretend_unrestricted", `(?i)pretend\s+you\s+are\s+(human|unrestricted|jailbroken)`, cat, 85, "Unrestricted persona request")
	r.register("act_as_human", `(?i)act\s+as\s+if\s+you\s+(are|were)\s+human`, cat, 75, "Human persona request")
	r.register("from_now_on", `(?i)from\s+now\s+on\s+you\s+are`, cat, 70, "Persistent persona reassignment")
	r.register("claims_developer", `(?i)as\s+your\s+(developer|creator|programmer)`, cat, 75, "Authority impersonation")
}

// --- XSS / CODE INJECTION PATTERNS ---
func (r *Registry) registerXSSPatterns() {
	cat := CategoryXSS

	// Script tags
	r.register("script_tag", `(?i)<script[^>]*>[\s\S]*?</script>`, cat, 95, "Script tag with body")
	r.register("script_self_close", `(?i)<script[^>]*/>`, cat, 90, "Self-closing script tag")

	// Dangerous elements
	r.register("iframe_src", `(?i)<iframe[^>]*src[^>]*>`, cat, 85, "Iframe with source")
	r.register("object_data", `(?i)<object[^>]*data[^>]*>`, cat, 85, "Object element with data")
	r.register("embed_src", `(?i)<embed[^>]*src[^>]*>`, cat, 85, "Embed element with source")
	r.register("meta_http_equiv", `(?i)<meta[^>]*http-equiv[^>]*>`, cat, 75, "Meta refresh/CSP override")
	r.register("dangerous_tag_handler", `(?i)<(iframe|embed|object|svg|img|body)[^>]*on\w+`, cat, 90, "Tag with inline event handler")

	// Event handlers
	r.register("event_handler_value", `(?i)on(load|error|click|mouseover|focus|blur|change)\s*=`, cat, 85, "Inline event handler")
	r.register("event_handler_js", `(?i)on\w+\s*=\s*["']?(javascript:|eval|alert|prompt|confirm)`, cat, 90, "Event handler with JS payload")

	// Protocol abuse
	r.register("js_protocol_attr", `(?i)(href|src|action)\s*=\s*["']?\s*(javascript|vbscript|data:text/html):`, cat, 90, "Scriptable protocol in attribute")
	r.register("js_protocol_bare", `(?i)javascript:\s*[^"\s]`, cat, 85, "Bare javascript: protocol")

	// Obfuscated execution
	r.register("from_char_code", `(?i)String\.fromCharCode\s*\(`, cat, 90, "fromCharCode obfuscation")
	r.register("eval_call", `(?i)eval\s*\(`, cat, 90, "eval invocation")
	r.register("function_ctor", `Function\s*\(`, cat, 85, "Function constructor")
	r.register("timer_exec", `(?i)set(Timeout|Interval)\s*\(`, cat, 75, "Timer-based execution")

	// Style injection
	r.register("style_expression", `(?i)<style[^>]*>[\s\S]*?(expression|javascript:|behavior:)[\s\S]*?</style>`, cat, 85, "CSS expression in style block")
	r.register("style_attr_expression", `(?i)style\s*=\s*["'][^"']*expression\s*\(`, cat, 85, "CSS expression in style attribute")
	r.register("data_html_script", `(?i)data:text/html[^"'\s]*script`, cat, 90, "Data URI carrying script")
}

// --- SQL INJECTION PATTERNS ---
func (r *Registry) registerSQLInjectionPatterns() {
	cat := CategorySQLInjection

	r.register("or_equals", `(?i)'\s*(OR|AND)\s*['"]?\d+['"]?\s*=\s*['"]?\d+`, cat, 90, "Tautology injection")
	r.register("or_equals_comment", `(?i)'\s*OR\s+\d+\s*=\s*\d+\s*--`, cat, 95, "Tautology with comment")
	r.register("drop_table", `(?i)'\s*;\s*DROP\s+TABLE`, cat, 95, "Stacked DROP TABLE")
	r.register("delete_from", `(?i)'\s*;\s*DELETE\s+FROM`, cat, 95, "Stacked DELETE")
	r.register("insert_into", `(?i)'\s*;\s*INSERT\s+INTO`, cat, 90, "Stacked INSERT")
	r.register("update_set", `(?i)'\s*;\s*UPDATE\s+\w+\s+SET`, cat, 90, "Stacked UPDATE")
	r.register("union_select", `(?i)UNION\s+SELECT`, cat, 85, "UNION-based extraction")
	r.register("exec_call", `(?i)'\s*;\s*EXEC(UTE)?\s*\(`, cat, 90, "Stacked EXEC")
}

// --- TEMPLATE INJECTION PATTERNS ---
func (r *Registry) registerTemplateInjectionPatterns() {
	cat := CategoryTemplateInj

	r.register("jinja_braces", `\{\{[^}]*\}\}`, cat, 80, "Jinja2/Angular interpolation")
	r.register("js_template_literal", `\$\{[^}]*\}`, cat, 80, "JS template literal")
	r.register("ruby_interp", `#\{[^}]*\}`, cat, 75, "Ruby interpolation")
	r.register("erb_tag", `<%[^%]*%>`, cat, 80, "ERB/ASP tag")
	r.register("razor_block", `@\{[^}]*\}`, cat, 70, "Razor code block")
	r.register("wiki_expr", `\[\[[^\]]*\]\]`, cat, 55, "Wiki-style expression")
}

// --- COMMAND INJECTION PATTERNS ---
func (r *Registry) registerCommandInjectionPatterns() {
	cat := CategoryCommandInj

	r.register("semicolon_chain", `(?i);\s*(ls|cat|rm|wget|curl|nc|bash|sh|python|perl|ruby|php)\s`, cat, 90, "Semicolon command chain")
	r.register("pipe_chain", `(?i)\|\s*(ls|cat|rm|wget|curl|nc|bash|sh|python|perl|ruby|php)\s`, cat, 90, "Pipe to shell command")
	r.register("and_chain", `(?i)&&\s*(ls|cat|rm|wget|curl|nc|bash|sh)\s`, cat, 85, "AND command chain")
	r.register("or_chain", `(?i)\|\|\s*(ls|cat|rm|wget|curl|nc|bash|sh)\s`, cat, 85, "OR command chain")
	r.register("backtick_exec", "`[^`]+`", cat, 80, "Backtick execution")
	r.register("command_subst", `\$\([^)]*\)`, cat, 80, "Command substitution")
}

// --- POLYGLOT PAYLOAD PATTERNS ---
func (r *Registry) registerPolyglotPatterns() {
	cat := CategoryPolyglot

	// Comment + script hybrids
	r.register("comment_script", `(?i)<!--[\s\S]*?-->\s*<script`, cat, 90, "HTML comment followed by script")
	r.register("script_comment", `(?i)<script[^>]*>[\s\S]*?<!--`, cat, 90, "Script hiding in comment")
	r.register("css_comment_script", `(?i)/\*[\s\S]*?\*/\s*<script`, cat, 90, "CSS comment followed by script")
	r.register("cdata_script", `(?i)<!\[CDATA\[[\s\S]*?<script`, cat, 90, "CDATA-wrapped script")

	// Context breaks
	r.register("string_break_call", `"\s*;\s*[a-zA-Z_$][a-zA-Z0-9_$]*\s*\(`, cat, 85, "String escape into function call")
	r.register("multi_context_break", `["']\s*[;!]?\s*--\s*["']?\s*<[^>]*>\s*=\s*[&{(]`, cat, 90, "Universal polyglot break")

	// Markdown smuggling
	r.register("md_link_js", `(?i)\[[\s\S]*?\]\s*\(\s*javascript:`, cat, 90, "Markdown link with javascript:")
	r.register("md_link_data", `(?i)\[[\s\S]*?\]\s*\(\s*data:`, cat, 85, "Markdown link with data: URI")
	r.register("md_img_onerror", `(?i)!\[[\s\S]*?\]\s*\([^)]*["\s]onerror\s*=`, cat, 90, "Markdown image with onerror")
	r.register("md_img_js", `(?i)!\[[\s\S]*?\]\s*\(\s*javascript:`, cat, 90, "Markdown image with javascript:")
	r.register("md_ref_js", `(?i)\[[\s\S]*?\]:\s*javascript:`, cat, 85, "Reference-style link with javascript:")
}

// --- ENCODED ATTACK PATTERNS ---
// These catch payloads whose decoded form still carries encoding artifacts,
// or data blobs large enough to hide a second-stage payload.
func (r *Registry) registerEncodedAttackPatterns() {
	cat := CategoryEncodedAttack

	r.register("data_uri_base64", `(?i)data:[\w/]+;base64,[\w+/=]{16,}`, cat, 80, "Base64 data URI")
	r.register("base64_script", `(?i)(atob|btoa)\s*\(`, cat, 75, "Base64 decode call")
	r.register("long_base64_blob", `[A-Za-z0-9+/]{120,}={0,2}`, cat, 50, "Long base64-looking blob")
	r.register("percent_after_decode", `(?i)%[0-9a-f]{2}%[0-9a-f]{2}%[0-9a-f]{2}`, cat, 55, "Residual URL-encoding run")
	r.register("unicode_escape_run", `(?i)(\\u[0-9a-f]{4}){3,}`, cat, 60, "Residual unicode escape run")
}
