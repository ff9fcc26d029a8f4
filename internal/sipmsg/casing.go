package sipmsg

import "strings"

// canonicalHeaders maps lower-cased header names to their canonical
// RFC 3261 casing. Names not present here fall back to title-casing
// each hyphen-separated word.
var canonicalHeaders = map[string]string{
	"call-id":             "Call-ID",
	"cseq":                "CSeq",
	"www-authenticate":    "WWW-Authenticate",
	"max-forwards":        "Max-Forwards",
	"content-type":        "Content-Type",
	"content-length":      "Content-Length",
	"record-route":        "Record-Route",
	"contact":             "Contact",
	"user-agent":          "User-Agent",
	"allow":               "Allow",
	"supported":           "Supported",
	"require":             "Require",
	"proxy-require":       "Proxy-Require",
	"proxy-authorization": "Proxy-Authorization",
	"authorization":       "Authorization",
	"from":                "From",
	"to":                  "To",
	"via":                 "Via",
	"route":               "Route",
	"rseq":                "RSeq",
	"rack":                "RAck",
}

// canon returns the canonical casing for a header name.
func canon(name string) string {
	lower := strings.ToLower(name)
	if c, ok := canonicalHeaders[lower]; ok {
		return c
	}
	parts := strings.Split(lower, "-")
	for i, p := range parts {
		if p == "" {
			continue
		}
		parts[i] = strings.ToUpper(p[:1]) + p[1:]
	}
	return strings.Join(parts, "-")
}
