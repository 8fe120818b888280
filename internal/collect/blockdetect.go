package collect

import (
	"net/http"
	"net/url"
	"strings"
)

// BlockType describes the kind of block detected.
type BlockType string

const (
	BlockNone       BlockType = ""
	BlockCloudflare BlockType = "cloudflare"
	BlockCaptcha    BlockType = "captcha"
	BlockJSShell    BlockType = "js_shell"
	BlockLogin      BlockType = "login_redirect"
	BlockLoggedOut  BlockType = "logged_out"
	BlockForbidden  BlockType = "forbidden"
)

// DetectBlock checks a response for signs of anti-bot protection or a lost
// session. Body markers are only checked on HTML responses so that JSON
// payloads mentioning e.g. "captcha" are not misread.
func DetectBlock(resp *Response, requested string, src *Source) (bool, BlockType) {
	if resp == nil {
		return false, BlockNone
	}

	if redirectedToLogin(requested, resp.FinalURL, src.LoginMarkers) {
		return true, BlockLogin
	}

	// Cloudflare: 403/503 with cf-* headers.
	if resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusServiceUnavailable {
		if resp.Header.Get("cf-ray") != "" || resp.Header.Get("cf-cache-status") != "" {
			return true, BlockCloudflare
		}
		if strings.EqualFold(resp.Header.Get("server"), "cloudflare") {
			return true, BlockCloudflare
		}
	}
	if resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusUnauthorized {
		return true, BlockForbidden
	}

	if !resp.IsHTML() {
		return false, BlockNone
	}

	lower := strings.ToLower(string(resp.Body))

	// Cloudflare challenge page markers.
	if strings.Contains(lower, "checking your browser") ||
		strings.Contains(lower, "cf-browser-verification") ||
		strings.Contains(lower, "cloudflare") && strings.Contains(lower, "challenge") {
		return true, BlockCloudflare
	}

	// Captcha markers.
	if strings.Contains(lower, "captcha") ||
		strings.Contains(lower, "recaptcha") ||
		strings.Contains(lower, "hcaptcha") {
		return true, BlockCaptcha
	}

	// JS-only shell: very small body with noscript or meta refresh.
	if len(resp.Body) < 2000 {
		if strings.Contains(lower, "<noscript") && strings.Contains(lower, "javascript") {
			return true, BlockJSShell
		}
		if strings.Contains(lower, "meta http-equiv=\"refresh\"") {
			return true, BlockJSShell
		}
	}

	if resp.StatusCode < 300 && src.AuthenticatedMarker != "" && !strings.Contains(string(resp.Body), src.AuthenticatedMarker) {
		return true, BlockLoggedOut
	}

	return false, BlockNone
}

// redirectedToLogin reports whether the final URL hit a login marker that
// the requested URL did not contain.
func redirectedToLogin(requested, final string, markers []string) bool {
	if final == "" || final == requested || len(markers) == 0 {
		return false
	}
	fu, err := url.Parse(final)
	if err != nil {
		return false
	}
	ru, _ := url.Parse(requested)
	for _, m := range markers {
		m = strings.ToLower(m)
		if m == "" {
			continue
		}
		if strings.Contains(strings.ToLower(fu.Path), m) && (ru == nil || !strings.Contains(strings.ToLower(ru.Path), m)) {
			return true
		}
	}
	return false
}
