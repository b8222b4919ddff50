package builtin

import (
	"context"
	"fmt"
	"net/http"
	neturl "net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	nerrors "neko/internal/errors"
	"neko/internal/httpclient"
	"neko/internal/toolregistry"
)

const (
	httpRequestTimeout = 30 * time.Second
	maxHTTPBody        = 10_000
	maxHTTPRead        = 2 << 20
)

// HTTPConfig configures the http_request tool.
type HTTPConfig struct {
	// AllowedDomains restricts request hosts by suffix. Empty allows all.
	AllowedDomains []string
	Client         *http.Client
}

type httpRequest struct {
	allowed []string
	client  *http.Client
}

// NewHTTPRequest returns the http_request tool.
func NewHTTPRequest(cfg HTTPConfig) toolregistry.Tool {
	client := cfg.Client
	if client == nil {
		client = httpclient.New(httpRequestTimeout)
	}
	var allowed []string
	for _, d := range cfg.AllowedDomains {
		if d = strings.ToLower(strings.TrimSpace(d)); d != "" {
			allowed = append(allowed, d)
		}
	}
	return &httpRequest{allowed: allowed, client: client}
}

func (t *httpRequest) Definition() toolregistry.Definition {
	return toolregistry.Definition{
		Name:        "http_request",
		Description: "Make an HTTP request. HTML responses are converted to readable text.",
		Parameters: toolregistry.ParameterSchema{
			Type: "object",
			Properties: map[string]toolregistry.Property{
				"url":     {Type: "string", Description: "The URL to request"},
				"method":  {Type: "string", Description: "HTTP method (default: GET)", Enum: []any{"GET", "POST", "PUT", "DELETE"}},
				"body":    {Type: "string", Description: "Request body (for POST/PUT)"},
				"headers": {Type: "object", Description: "Additional headers as key-value pairs"},
			},
			Required: []string{"url"},
		},
		Timeout: httpRequestTimeout + 5*time.Second,
		Source:  "builtin",
	}
}

func (t *httpRequest) Execute(ctx context.Context, call toolregistry.Call) (*toolregistry.Result, error) {
	rawURL := toolregistry.StringArg(call.Arguments, "url")
	parsed, err := neturl.Parse(rawURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return nil, nerrors.New(nerrors.KindInvalidArguments, "http_request", "invalid URL %q (http or https required)", rawURL)
	}
	if !t.hostAllowed(parsed.Hostname()) {
		return nil, nerrors.New(nerrors.KindInvalidArguments, "http_request", "domain %q is not in the allowed domains list", parsed.Hostname())
	}

	method := strings.ToUpper(toolregistry.StringArg(call.Arguments, "method"))
	if method == "" {
		method = http.MethodGet
	}
	var body *strings.Reader
	if raw := toolregistry.RawStringArg(call.Arguments, "body"); raw != "" {
		body = strings.NewReader(raw)
	}

	reqCtx, cancel := context.WithTimeout(ctx, httpRequestTimeout)
	defer cancel()
	var req *http.Request
	if body != nil {
		req, err = http.NewRequestWithContext(reqCtx, method, parsed.String(), body)
	} else {
		req, err = http.NewRequestWithContext(reqCtx, method, parsed.String(), nil)
	}
	if err != nil {
		return nil, nerrors.Wrap(nerrors.KindInvalidArguments, "http_request", err)
	}
	req.Header.Set("User-Agent", "neko-agent/1.0")
	if headers, ok := call.Arguments["headers"].(map[string]any); ok {
		for k, v := range headers {
			if s, ok := v.(string); ok {
				req.Header.Set(k, s)
			}
		}
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, truncatedRead, err := httpclient.ReadPrefix(resp.Body, maxHTTPRead)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	text := string(data)
	if strings.Contains(strings.ToLower(resp.Header.Get("Content-Type")), "text/html") {
		if converted, err := htmlToText(text); err == nil {
			text = converted
		}
	}
	total := len(text)
	if total > maxHTTPBody {
		text = text[:maxHTTPBody] + fmt.Sprintf("... [truncated, %d total bytes]", total)
	} else if truncatedRead {
		text += "... [truncated]"
	}

	return &toolregistry.Result{
		CallID:   call.ID,
		Content:  fmt.Sprintf("HTTP %d\n%s", resp.StatusCode, text),
		Metadata: map[string]any{"status": resp.StatusCode, "url": resp.Request.URL.String()},
	}, nil
}

func (t *httpRequest) hostAllowed(host string) bool {
	if len(t.allowed) == 0 {
		return true
	}
	host = strings.ToLower(host)
	for _, d := range t.allowed {
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

// htmlToText strips markup and noise elements and keeps the readable
// structure: title, headings, paragraphs and list items.
func htmlToText(html string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", err
	}
	doc.Find("script, style, nav, footer, header, aside, iframe, noscript").Remove()

	var content strings.Builder
	if title := strings.TrimSpace(doc.Find("title").Text()); title != "" {
		content.WriteString("# " + title + "\n\n")
	}
	doc.Find("h1, h2, h3, h4, h5, h6, p, li, pre").Each(func(_ int, s *goquery.Selection) {
		text := strings.Join(strings.Fields(s.Text()), " ")
		if text == "" {
			return
		}
		switch tag := goquery.NodeName(s); tag {
		case "li":
			content.WriteString("- " + text + "\n")
		case "p", "pre":
			content.WriteString(text + "\n\n")
		default:
			level := int(tag[1] - '0')
			content.WriteString(strings.Repeat("#", level) + " " + text + "\n\n")
		}
	})
	if content.Len() == 0 {
		return strings.Join(strings.Fields(doc.Text()), " "), nil
	}
	return strings.TrimSpace(content.String()), nil
}
