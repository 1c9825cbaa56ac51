// Package mlsscrape implements the MLS headless-browser scrape collector
// (spec §4.5): proxy-backed chromedp sessions, anti-detection script
// injection, selector-driven extraction, and CAPTCHA detection.
package mlsscrape

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"

	"github.com/desertdata/proptrack/pkg/antidetect"
	"github.com/desertdata/proptrack/pkg/mlsselectors"
	"github.com/desertdata/proptrack/pkg/propmodel"
	"github.com/desertdata/proptrack/pkg/proptrackerr"
	"github.com/desertdata/proptrack/pkg/proxypool"
)

const sourceName = "mls_scrape"

// antiDetectionScript is injected before every page load to erase the
// common headless-browser fingerprints (spec §4.5).
const antiDetectionScript = `
Object.defineProperty(navigator, 'webdriver', { get: () => undefined });
window.chrome = window.chrome || { runtime: {} };
Object.defineProperty(navigator, 'plugins', { get: () => [1, 2, 3, 4, 5] });
Object.defineProperty(navigator, 'languages', { get: () => ['en-US', 'en'] });
`

// Config is the MLS scrape collector's configuration (spec §6.7
// mls.* keys).
type Config struct {
	SearchBaseURL  string
	MaxPages       int
	MaxRetries     int
	RetryBase      time.Duration
	RetryFactor    float64
	PageTimeout    time.Duration
	RespectRobots  bool
}

func (c Config) withDefaults() Config {
	if c.MaxPages <= 0 {
		c.MaxPages = 5
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 2 * time.Second
	}
	if c.RetryFactor <= 1 {
		c.RetryFactor = 2
	}
	if c.PageTimeout <= 0 {
		c.PageTimeout = 30 * time.Second
	}
	return c
}

// Collector implements collector.Collector against a rendered MLS website
// via a headless Chrome session.
type Collector struct {
	cfg       Config
	proxies   *proxypool.Pool
	selectors mlsselectors.Config
	log       *slog.Logger
}

// New builds a Collector.
func New(cfg Config, proxies *proxypool.Pool, selectors mlsselectors.Config, log *slog.Logger) *Collector {
	if log == nil {
		log = slog.Default()
	}
	return &Collector{
		cfg:       cfg.withDefaults(),
		proxies:   proxies,
		selectors: selectors,
		log:       log.With("component", "mls_scrape_collector"),
	}
}

func (c *Collector) Name() string { return sourceName }

// ValidateConfig fails fast if the search base URL is missing.
func (c *Collector) ValidateConfig() error {
	if c.cfg.SearchBaseURL == "" {
		return proptrackerr.Classify(proptrackerr.ErrConfig, sourceName, "", "", 0, fmt.Errorf("search_base_url is required"))
	}
	return nil
}

// CollectRegion paginates search results for a zip code, up to max_pages,
// humanizing delays between pages (spec §4.5).
func (c *Collector) CollectRegion(ctx context.Context, zipCode string) ([]propmodel.RawRecord, error) {
	var out []propmodel.RawRecord
	profile := antidetect.New()

	for page := 1; page <= c.cfg.MaxPages; page++ {
		records, hasMore, err := c.collectPageWithRetry(ctx, zipCode, page, profile)
		if err != nil {
			if err == ErrCaptcha {
				c.log.Warn("captcha encountered, stopping pagination", "zip", zipCode, "page", page)
				break
			}
			return out, err
		}
		out = append(out, records...)
		if !hasMore {
			break
		}
		if page < c.cfg.MaxPages {
			time.Sleep(profile.HumanizedDelay(500*time.Millisecond, 2*time.Second))
		}
	}
	return out, nil
}

// ErrCaptcha signals a CAPTCHA challenge was detected; the orchestrator
// may route it to an external solver (out of scope) or skip the item
// (spec §4.5).
var ErrCaptcha = proptrackerr.ErrCaptchaRequired

func (c *Collector) collectPageWithRetry(ctx context.Context, zipCode string, page int, profile *antidetect.Profile) ([]propmodel.RawRecord, bool, error) {
	var records []propmodel.RawRecord
	var hasMore bool

	attempt := 0
	for {
		attempt++
		handle, err := c.proxies.Lease()
		if err != nil {
			return nil, false, proptrackerr.Classify(proptrackerr.ErrProxyUnavailable, sourceName, zipCode, "", attempt, err)
		}

		start := time.Now()
		records, hasMore, err = c.fetchListPage(ctx, handle, zipCode, page, profile)
		rtt := time.Since(start)

		if err == nil {
			c.proxies.Report(handle, true, rtt, nil)
			return records, hasMore, nil
		}
		c.proxies.Report(handle, false, rtt, err)

		if err == ErrCaptcha {
			return nil, false, err
		}
		if attempt > c.cfg.MaxRetries {
			return nil, false, proptrackerr.Classify(proptrackerr.ErrProxyUnavailable, sourceName, zipCode, "", attempt, err)
		}

		backoff := time.Duration(float64(c.cfg.RetryBase) * pow(c.cfg.RetryFactor, attempt-1))
		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case <-time.After(backoff):
		}
	}
}

func pow(base float64, exp int) float64 {
	result := 1.0
	for i := 0; i < exp; i++ {
		result *= base
	}
	return result
}

func (c *Collector) fetchListPage(ctx context.Context, handle proxypool.Handle, zipCode string, page int, profile *antidetect.Profile) ([]propmodel.RawRecord, bool, error) {
	pageCtx, cancel := context.WithTimeout(ctx, c.cfg.PageTimeout)
	defer cancel()

	targetURL := fmt.Sprintf("%s?zip=%s&page=%d", c.cfg.SearchBaseURL, zipCode, page)

	html, err := c.renderPage(pageCtx, handle, profile, targetURL)
	if err != nil {
		return nil, false, err
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, false, fmt.Errorf("mlsscrape: parse page: %w", err)
	}

	if c.selectors.CaptchaSelector != "" && doc.Find(c.selectors.CaptchaSelector).Length() > 0 {
		return nil, false, ErrCaptcha
	}
	if c.selectors.ResultSelector != "" && doc.Find(c.selectors.ResultSelector).Length() == 0 {
		return nil, false, fmt.Errorf("mlsscrape: expected selector %q not found", c.selectors.ResultSelector)
	}

	var out []propmodel.RawRecord
	doc.Find(c.selectors.ResultSelector).Each(func(i int, card *goquery.Selection) {
		fields := map[string]string{}
		for name, field := range c.selectors.ListPage.Fields {
			fields[name] = firstMatch(card, field.Candidates(), c.log, name)
		}
		cardHTML, _ := goquery.OuterHtml(card)
		out = append(out, propmodel.RawRecord{
			Source:    propmodel.SourceMLSScrape,
			SourceKey: fields["url"],
			FetchedAt: time.Now().UTC(),
			Payload:   propmodel.RawRecordPayload{Type: propmodel.PayloadHTML, HTML: cardHTML},
			Context:   map[string]string{"region": zipCode, "page": fmt.Sprintf("%d", page), "listing_url": fields["url"]},
		})
	})

	hasMore := len(out) > 0
	return out, hasMore, nil
}

// firstMatch tries each selector candidate in order and returns the first
// non-empty match; a fall-through past the primary selector is logged as a
// warning (spec §4.5).
func firstMatch(sel *goquery.Selection, candidates []string, log *slog.Logger, field string) string {
	for i, csel := range candidates {
		text := strings.TrimSpace(sel.Find(csel).First().Text())
		if text != "" {
			if i > 0 {
				log.Warn("selector fell through to fallback", "field", field, "selector", csel, "fallback_index", i)
			}
			return text
		}
	}
	return ""
}

// renderPage launches a proxied, anti-detection-hardened browser context,
// navigates to targetURL, and returns the rendered HTML.
func (c *Collector) renderPage(ctx context.Context, handle proxypool.Handle, profile *antidetect.Profile, targetURL string) (string, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("proxy-server", fmt.Sprintf("%s:%d", handle.Endpoint.Host, handle.Endpoint.Port)),
		chromedp.UserAgent(profile.UserAgent),
		chromedp.WindowSize(profile.Viewport.Width, profile.Viewport.Height),
	)

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	defer cancelAlloc()

	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)
	defer cancelBrowser()

	chromedp.ListenTarget(browserCtx, func(ev interface{}) {
		authReq, ok := ev.(*fetch.EventAuthRequired)
		if !ok {
			return
		}
		go chromedp.Run(browserCtx, fetch.ContinueWithAuth(
			authReq.RequestID,
			&fetch.AuthChallengeResponse{
				Response: fetch.AuthChallengeResponseResponseProvideCredentials,
				Username: handle.Endpoint.User,
				Password: handle.Endpoint.Pass,
			},
		))
	})

	var html string
	err := chromedp.Run(browserCtx,
		fetch.Enable().WithHandleAuthRequests(true),
		chromedp.ActionFunc(func(ctx context.Context) error {
			_, err := page.AddScriptToEvaluateOnNewDocument(antiDetectionScript).Do(ctx)
			return err
		}),
		chromedp.ActionFunc(func(ctx context.Context) error {
			return network.SetGeolocationOverride().
				WithLatitude(profile.Geolocation.Lat).
				WithLongitude(profile.Geolocation.Lon).
				WithAccuracy(50).
				Do(ctx)
		}),
		chromedp.Navigate(targetURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		return "", fmt.Errorf("mlsscrape: render page: %w", err)
	}
	return html, nil
}

// CollectDetail renders a single listing's detail page.
func (c *Collector) CollectDetail(ctx context.Context, listingURL string) (propmodel.RawRecord, error) {
	profile := antidetect.New()
	handle, err := c.proxies.Lease()
	if err != nil {
		return propmodel.RawRecord{}, proptrackerr.Classify(proptrackerr.ErrProxyUnavailable, sourceName, "", listingURL, 0, err)
	}

	pageCtx, cancel := context.WithTimeout(ctx, c.cfg.PageTimeout)
	defer cancel()

	start := time.Now()
	html, err := c.renderPage(pageCtx, handle, profile, listingURL)
	c.proxies.Report(handle, err == nil, time.Since(start), err)
	if err != nil {
		return propmodel.RawRecord{}, err
	}

	return propmodel.RawRecord{
		Source:    propmodel.SourceMLSScrape,
		SourceKey: listingURL,
		FetchedAt: time.Now().UTC(),
		Payload:   propmodel.RawRecordPayload{Type: propmodel.PayloadHTML, HTML: html},
		Context:   map[string]string{"listing_url": listingURL},
	}, nil
}

// Adapt applies the lightly-structured fields found by selectors on the
// list/detail page; the heavy lifting (price, beds, baths parsing from raw
// HTML) happens in the property extractor downstream, since only it knows
// the canonical schema.
func (c *Collector) Adapt(raw propmodel.RawRecord) (propmodel.Property, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(raw.Payload.HTML))
	if err != nil {
		return propmodel.Property{}, fmt.Errorf("mlsscrape: adapt: parse html: %w", err)
	}

	addrField := c.selectors.DetailPage.Fields["address"]
	addrText := firstMatch(doc.Selection, addrField.Candidates(), c.log, "address")
	if addrText == "" {
		addrText = firstMatch(doc.Selection, c.selectors.ListPage.Fields["address"].Candidates(), c.log, "address")
	}

	addr := propmodel.PropertyAddress{Street: addrText}.WithDefaults()

	return propmodel.Property{
		PropertyID:   propmodel.PropertyID(addr),
		Address:      addr,
		PropertyType: propmodel.PropertyTypeUnknown,
		FirstSeen:    time.Now().UTC(),
		LastUpdated:  time.Now().UTC(),
		IsActive:     true,
		Listing:      &propmodel.ListingInfo{URL: raw.Context["listing_url"]},
	}, nil
}
