// Package handler serves the loopback redirect endpoint that receives the
// authorization server's response in the user's browser.
package handler

import (
	"net/http"
	"net/url"
)

// Receiver gets the redirect URL the authorization server sent the browser
// to.
type Receiver func(rawURL string)

// FragmentParam carries a relayed implicit-flow fragment back to the server.
const FragmentParam = "authflow_fragment"

// Callback handles GET on the redirect path. The URL handed to receive is
// rebuilt on base, the configured redirect URI, so its scheme and host match
// exactly whatever Host header the browser sent.
func Callback(base *url.URL, receive Receiver) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()

		// Implicit responses come back in the fragment, which browsers never
		// send. The relay page re-requests with the fragment as a parameter.
		if relayed, ok := query[FragmentParam]; ok {
			if len(relayed) != 1 || relayed[0] == "" {
				writeError(w, http.StatusBadRequest, "empty authorization response")
				return
			}
			receive(redirectURL(base, "") + "#" + relayed[0])
			writePage(w, http.StatusOK, donePage)
			return
		}

		if r.URL.RawQuery == "" {
			writePage(w, http.StatusOK, relayPage)
			return
		}

		receive(redirectURL(base, r.URL.RawQuery))
		writePage(w, http.StatusOK, donePage)
	}
}

func redirectURL(base *url.URL, rawQuery string) string {
	u := *base
	u.RawQuery = rawQuery
	u.Fragment = ""
	u.RawFragment = ""
	return u.String()
}

const donePage = `<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>Authorization received</title></head>
<body><p>Authorization response received. You can close this window.</p></body></html>
`

const relayPage = `<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>Completing authorization</title></head>
<body><p id="msg">Completing authorization...</p>
<script>
var f = window.location.hash.substring(1);
if (f) {
  window.location.replace(window.location.pathname + "?` + FragmentParam + `=" + encodeURIComponent(f));
} else {
  document.getElementById("msg").textContent = "No authorization response was received.";
}
</script></body></html>
`
