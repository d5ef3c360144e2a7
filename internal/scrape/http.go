package scrape

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/rotisserie/eris"

	"github.com/sells-group/leadpipe/internal/resilience"
)

const (
	defaultUserAgent = "Mozilla/5.0 (compatible; LeadpipeBot/1.0)"
	maxBodyBytes     = 1 << 20
)

// socialHosts maps a host suffix to the extracted_data key it fills.
var socialHosts = map[string]string{
	"instagram.com": "instagram",
	"facebook.com":  "facebook",
	"linkedin.com":  "linkedin",
	"twitter.com":   "twitter",
	"x.com":         "twitter",
	"youtube.com":   "youtube",
	"tiktok.com":    "tiktok",
	"wa.me":         "whatsapp",
}

var (
	emailRe = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
	assetRe = regexp.MustCompile(`(?i)\.(png|jpe?g|gif|svg|webp|css|js)$`)
)

// HTTPConfig tunes HTTPScraper.
type HTTPConfig struct {
	Timeout   time.Duration
	UserAgent string
	Breaker   resilience.CircuitBreakerConfig
}

// HTTPScraper fetches pages over net/http and parses them with goquery.
// Each host gets its own circuit breaker.
type HTTPScraper struct {
	client    *http.Client
	userAgent string
	breakers  *resilience.Breakers
}

// NewHTTPScraper creates an HTTPScraper.
func NewHTTPScraper(cfg HTTPConfig) *HTTPScraper {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	return &HTTPScraper{
		client: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				DialContext:         (&net.Dialer{Timeout: 10 * time.Second}).DialContext,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		userAgent: cfg.UserAgent,
		breakers:  resilience.NewBreakers(cfg.Breaker),
	}
}

// Scrape fetches rawURL through the host's breaker.
func (s *HTTPScraper) Scrape(ctx context.Context, rawURL string) (*Page, error) {
	target, err := NormalizeURL(rawURL)
	if err != nil {
		return nil, &resilience.PermanentError{Provider: providerName, Err: err}
	}
	u, _ := url.Parse(target)

	return resilience.ExecuteVal(ctx, s.breakers.Get(u.Hostname()), func(ctx context.Context) (*Page, error) {
		return s.fetch(ctx, target)
	})
}

func (s *HTTPScraper) fetch(ctx context.Context, target string) (*Page, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, &resilience.PermanentError{Provider: providerName, Err: eris.Wrap(err, "scrape: create request")}
	}
	req.Header.Set("User-Agent", s.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, resilience.NewTransientError(eris.Wrapf(err, "scrape: fetch %s", target), 0)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, resilience.NewTransientError(eris.Wrapf(err, "scrape: read %s", target), resp.StatusCode)
	}
	if err := classify(resp, body); err != nil {
		return nil, err
	}

	page, err := ParseHTML(body, resp.Request.URL)
	if err != nil {
		return nil, &resilience.PermanentError{Provider: providerName, StatusCode: resp.StatusCode, Err: err}
	}
	page.URL = target
	page.StatusCode = resp.StatusCode
	return page, nil
}

// ParseHTML extracts title, description, emails, phones and social links.
// Relative links resolve against base.
func ParseHTML(body []byte, base *url.URL) (*Page, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, eris.Wrap(err, "scrape: parse html")
	}

	page := &Page{Socials: map[string]string{}}
	page.Title = clean(doc.Find("title").First().Text())
	if page.Title == "" {
		page.Title = clean(doc.Find("meta[property='og:title']").AttrOr("content", ""))
	}
	page.Description = clean(doc.Find("meta[name='description']").AttrOr("content", ""))
	if page.Description == "" {
		page.Description = clean(doc.Find("meta[property='og:description']").AttrOr("content", ""))
	}

	emails := map[string]bool{}
	phones := map[string]bool{}

	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href := strings.TrimSpace(sel.AttrOr("href", ""))
		lower := strings.ToLower(href)
		switch {
		case strings.HasPrefix(lower, "mailto:"):
			addr, _, _ := strings.Cut(href[len("mailto:"):], "?")
			if addr = strings.ToLower(strings.TrimSpace(addr)); emailRe.MatchString(addr) {
				emails[addr] = true
			}
		case strings.HasPrefix(lower, "tel:"):
			if num := strings.TrimSpace(href[len("tel:"):]); num != "" {
				phones[num] = true
			}
		default:
			link, err := url.Parse(href)
			if err != nil {
				return
			}
			if base != nil {
				link = base.ResolveReference(link)
			}
			if key := socialKey(link.Hostname()); key != "" {
				if _, seen := page.Socials[key]; !seen {
					page.Socials[key] = link.String()
				}
			}
		}
	})

	doc.Find("script, style, noscript").Remove()
	for _, m := range emailRe.FindAllString(doc.Find("body").Text(), -1) {
		m = strings.ToLower(m)
		if !assetRe.MatchString(m) {
			emails[m] = true
		}
	}

	page.Emails = sortedKeys(emails)
	page.Phones = sortedKeys(phones)
	return page, nil
}

// NormalizeURL adds a scheme to bare domains and rejects anything that is
// not http or https.
func NormalizeURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", eris.New("scrape: empty url")
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", eris.Wrapf(err, "scrape: parse url %q", raw)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", eris.Errorf("scrape: unsupported scheme %q", u.Scheme)
	}
	if u.Hostname() == "" {
		return "", eris.Errorf("scrape: no host in %q", raw)
	}
	return u.String(), nil
}

func socialKey(host string) string {
	host = strings.TrimPrefix(strings.ToLower(host), "www.")
	for suffix, key := range socialHosts {
		if host == suffix || strings.HasSuffix(host, "."+suffix) {
			return key
		}
	}
	return ""
}

func clean(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func sortedKeys(m map[string]bool) []string {
	if len(m) == 0 {
		return nil
	}
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
