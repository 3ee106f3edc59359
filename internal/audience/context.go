package audience

import (
	"context"
	"net/http"
	"strings"
)

// RuntimeContext carries the per-request signals audience rules are evaluated against.
// Empty fields mean the signal is unknown.
type RuntimeContext struct {
	Country    string
	Region     string
	City       string
	Device     string // desktop, mobile, tablet
	Browser    string // chrome, firefox, safari, edge, opera
	OS         string
	Referrer   string
	URL        string
	Language   string
	Attributes map[string]string
}

// ContextProvider supplies the runtime context for a user.
type ContextProvider interface {
	RuntimeContext(ctx context.Context, userID string) RuntimeContext
}

// ContextProviderFunc adapts a function to ContextProvider.
type ContextProviderFunc func(ctx context.Context, userID string) RuntimeContext

func (f ContextProviderFunc) RuntimeContext(ctx context.Context, userID string) RuntimeContext {
	return f(ctx, userID)
}

type runtimeContextKey struct{}

// WithRuntimeContext stores rc in ctx for FromContext.
func WithRuntimeContext(ctx context.Context, rc RuntimeContext) context.Context {
	return context.WithValue(ctx, runtimeContextKey{}, rc)
}

// FromContext is the default ContextProvider: it returns the RuntimeContext
// stored with WithRuntimeContext, or an empty one.
var FromContext = ContextProviderFunc(func(ctx context.Context, _ string) RuntimeContext {
	rc, _ := ctx.Value(runtimeContextKey{}).(RuntimeContext)
	return rc
})

// FromRequest extracts what it can from standard and CDN headers.
func FromRequest(r *http.Request) RuntimeContext {
	ua := r.UserAgent()
	rc := RuntimeContext{
		Country:  firstHeader(r, "CF-IPCountry", "X-Country-Code", "CloudFront-Viewer-Country"),
		Region:   firstHeader(r, "X-Region", "CloudFront-Viewer-Country-Region"),
		City:     firstHeader(r, "X-City", "CloudFront-Viewer-City"),
		Device:   deviceFromUA(ua),
		Browser:  browserFromUA(ua),
		OS:       osFromUA(ua),
		Referrer: r.Referer(),
		URL:      r.Header.Get("X-Page-URL"),
		Language: primaryLanguage(r.Header.Get("Accept-Language")),
	}
	if rc.Country == "XX" {
		rc.Country = ""
	}
	return rc
}

func firstHeader(r *http.Request, names ...string) string {
	for _, n := range names {
		if v := strings.TrimSpace(r.Header.Get(n)); v != "" {
			return v
		}
	}
	return ""
}

func deviceFromUA(ua string) string {
	if ua == "" {
		return ""
	}
	l := strings.ToLower(ua)
	switch {
	case strings.Contains(l, "ipad") || strings.Contains(l, "tablet") ||
		(strings.Contains(l, "android") && !strings.Contains(l, "mobile")):
		return "tablet"
	case strings.Contains(l, "mobi") || strings.Contains(l, "iphone"):
		return "mobile"
	default:
		return "desktop"
	}
}

// browserFromUA checks tokens in an order that accounts for UAs embedding other vendors' names.
func browserFromUA(ua string) string {
	l := strings.ToLower(ua)
	switch {
	case l == "":
		return ""
	case strings.Contains(l, "edg/") || strings.Contains(l, "edge/"):
		return "edge"
	case strings.Contains(l, "opr/") || strings.Contains(l, "opera"):
		return "opera"
	case strings.Contains(l, "firefox/") || strings.Contains(l, "fxios/"):
		return "firefox"
	case strings.Contains(l, "chrome/") || strings.Contains(l, "crios/"):
		return "chrome"
	case strings.Contains(l, "safari/"):
		return "safari"
	default:
		return ""
	}
}

func osFromUA(ua string) string {
	l := strings.ToLower(ua)
	switch {
	case l == "":
		return ""
	case strings.Contains(l, "iphone") || strings.Contains(l, "ipad"):
		return "ios"
	case strings.Contains(l, "android"):
		return "android"
	case strings.Contains(l, "windows"):
		return "windows"
	case strings.Contains(l, "mac os"):
		return "macos"
	case strings.Contains(l, "linux"):
		return "linux"
	default:
		return ""
	}
}

// primaryLanguage returns the first tag of an Accept-Language header, lowercased.
func primaryLanguage(header string) string {
	if header == "" {
		return ""
	}
	tag := strings.SplitN(header, ",", 2)[0]
	tag = strings.SplitN(tag, ";", 2)[0]
	return strings.ToLower(strings.TrimSpace(tag))
}
