package lifecycle

import (
	"fmt"
	"net/http"
	"strings"
)

// IsBrowserNavigation implements 4.4.4's classifier: all conditions must
// hold for a request to be eligible for the cold-start-page fast path.
// Anything else (XHR, WebSocket, sub-resource fetch) takes the normal
// blocking upstream path.
func IsBrowserNavigation(r *http.Request) bool {
	if r.Method != http.MethodGet {
		return false
	}
	if !strings.Contains(r.Header.Get("Accept"), "text/html") {
		return false
	}
	if dest := r.Header.Get("Sec-Fetch-Dest"); dest != "" && dest != "document" {
		return false
	}
	if mode := r.Header.Get("Sec-Fetch-Mode"); mode != "" && mode != "navigate" {
		return false
	}
	if r.Header.Get("Upgrade") != "" {
		return false
	}
	return true
}

const coldStartTemplate = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta http-equiv="refresh" content="2">
<title>Starting %s</title>
<style>
body { font-family: system-ui, sans-serif; text-align: center; padding-top: 10%%; color: #333; }
</style>
</head>
<body>
<h1>Starting %s&hellip;</h1>
<p>This application is waking up. The page will refresh automatically.</p>
</body>
</html>
`

// ColdStartPageHTML returns the HTML body for the 202 loading-page
// response: the host's configured custom page if set, else a built-in
// template interpolating the host name.
func ColdStartPageHTML(host, customHTML string) string {
	if customHTML != "" {
		return customHTML
	}
	return fmt.Sprintf(coldStartTemplate, host, host)
}
