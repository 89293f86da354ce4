// Package gemini implements the reverse-engineered HTTP client for the
// Gemini web app, driving image generation with borrowed browser cookies.
// It satisfies backend.Generator.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"mime"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/PuerkitoBio/goquery"
	log "github.com/sirupsen/logrus"

	"github.com/shehryarbajwa/imagen-relay/internal/backend"
	"github.com/shehryarbajwa/imagen-relay/internal/cookies"
)

// Endpoints groups the upstream URLs so tests can point the client at a
// local server.
type Endpoints struct {
	Init           string
	StreamGenerate string
	RotateCookies  string
	Upload         string
}

// DefaultEndpoints are the production Gemini web app endpoints.
func DefaultEndpoints() Endpoints {
	return Endpoints{
		Init:           "https://gemini.google.com/app",
		StreamGenerate: "https://gemini.google.com/_/BardChatUi/data/assistant.lamda.BardFrontendService/StreamGenerate",
		RotateCookies:  "https://accounts.google.com/RotateCookies",
		Upload:         "https://push.clients6.google.com/upload/?authuser=0",
	}
}

const (
	// Imagen model header, same request header style the web client sends.
	imagenModelHeader = `[1,null,null,null,"e6fa609c3fa255c0",null,null,null,[4]]`

	userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) " +
		"AppleWebKit/537.36 (KHTML, like Gecko) " +
		"Chrome/144.0.0.0 Safari/537.36"

	rotateInterval  = 9 * time.Minute
	rotateMinPeriod = time.Minute
)

var (
	tokenPatterns = map[string]*regexp.Regexp{
		"snlm0e": regexp.MustCompile(`"SNlM0e":\s*"(.*?)"`),
		"cfb2h":  regexp.MustCompile(`"cfb2h":\s*"(.*?)"`),
		"fdrfje": regexp.MustCompile(`"FdrFJe":\s*"(.*?)"`),
	}

	rateLimitPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)I couldn't do that because I'm getting a lot of requests right now`),
		regexp.MustCompile(`(?i)I'm getting a lot of requests right now`),
		regexp.MustCompile(`(?i)Please try again later`),
	}
	blockedPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)can't seem to create any.*for you right now`),
		regexp.MustCompile(`(?i)image creation isn't available in your location`),
		regexp.MustCompile(`(?i)I can search for images, but can't.*create`),
	}

	sizedURLPattern = regexp.MustCompile(`=s\d+$`)
)

// Client is one account's session with the Gemini web app.
// State machine: uninitialized → bootstrapping → ready, guarded by a
// single-entry lock so concurrent callers share one bootstrap.
type Client struct {
	store     *cookies.Store
	accountID string
	endpoints Endpoints
	proxy     string

	httpc *http.Client

	initMu     sync.Mutex
	ready      bool
	atToken    string
	buildLabel string
	sessionID  string

	// reqid is shared by every concurrent Generate on this client.
	reqid atomic.Int64

	rotateMu   sync.Mutex
	lastRotate time.Time

	rotateOnce sync.Once
	closeOnce  sync.Once
	rotateStop chan struct{}

	log *log.Entry
}

// Option configures a Client.
type Option func(*Client)

// WithProxy routes upstream traffic through an HTTP proxy.
func WithProxy(proxyURL string) Option {
	return func(c *Client) { c.proxy = proxyURL }
}

// WithEndpoints overrides the upstream URLs.
func WithEndpoints(e Endpoints) Option {
	return func(c *Client) { c.endpoints = e }
}

// NewClient creates a client bound to one credential store.
func NewClient(store *cookies.Store, accountID string, opts ...Option) *Client {
	c := &Client{
		store:      store,
		accountID:  accountID,
		endpoints:  DefaultEndpoints(),
		rotateStop: make(chan struct{}),
		log:        log.WithField("account", accountID),
	}
	c.reqid.Store(int64(10000 + rand.Intn(90000)))
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Close stops the background cookie rotation. Safe to call more than
// once.
func (c *Client) Close() error {
	c.closeOnce.Do(func() { close(c.rotateStop) })
	return nil
}

// nextReqid claims the current request id and advances the counter by
// the web client's stride.
func (c *Client) nextReqid() int64 {
	return c.reqid.Add(100000) - 100000
}

// Generate implements backend.Generator.
func (c *Client) Generate(ctx context.Context, req backend.GenerateRequest) (*backend.MediaResult, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, backend.New(backend.KindInvalidRequest, "prompt cannot be empty")
	}

	if err := c.ensureSession(ctx); err != nil {
		return nil, err
	}
	if err := c.rotateCookies(ctx, false); err != nil {
		return nil, err
	}

	var refs []string
	for _, path := range req.ReferenceFiles {
		ref, err := c.uploadFile(ctx, path)
		if err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = time.Minute
	}

	body, err := c.sendGenerate(ctx, c.buildGeneratePayload(req.Prompt, refs), timeout)
	if err != nil {
		return nil, err
	}

	parts := decodeStreamParts(body)
	binding := extractBinding(parts)
	if req.OnBinding != nil && (binding.TaskID != "" || binding.GenerateID != "") {
		onBinding := req.OnBinding
		b := binding
		go onBinding(b)
	}

	urls := parseImageURLs(parts)
	if len(urls) == 0 {
		if err := classifyGenerationText(body); err != nil {
			return withBinding(err, binding)
		}
		return withBinding(backend.New(backend.KindGenerationFailed,
			"no generated image URL found in response"), binding)
	}

	path, err := c.downloadImage(ctx, urls[0])
	if err != nil {
		return withBinding(err, binding)
	}

	return &backend.MediaResult{Path: path, Binding: binding}, nil
}

// withBinding attaches provider ids captured before a failure, so a
// failed task still identifies the provider-side generation.
func withBinding(err error, binding backend.ProviderBinding) (*backend.MediaResult, error) {
	if binding.TaskID == "" && binding.GenerateID == "" {
		return nil, err
	}
	be := backend.AsError(err)
	be.Binding = &binding
	return nil, be
}

// ensureSession bootstraps the cookie jar and session tokens once.
func (c *Client) ensureSession(ctx context.Context) error {
	c.initMu.Lock()
	defer c.initMu.Unlock()

	if c.ready {
		return nil
	}

	raw, err := c.store.LoadRaw()
	if err != nil || len(raw) == 0 {
		return backend.New(backend.KindAuthExpired, "cookies file is empty or unreadable")
	}

	jar, err := c.buildJar(raw)
	if err != nil {
		return backend.Wrap(backend.KindAuthExpired, "failed to build cookie jar", err)
	}

	transport := &http.Transport{}
	if c.proxy != "" {
		if proxyURL, perr := url.Parse(c.proxy); perr == nil {
			transport.Proxy = http.ProxyURL(proxyURL)
		}
	}
	// No client-level timeout: each call carries its own context
	// deadline, and a blanket cap would cut long video generations
	// short of their configured budget.
	c.httpc = &http.Client{
		Jar:       jar,
		Transport: transport,
	}

	if err := c.initTokens(ctx); err != nil {
		return err
	}

	c.ready = true
	c.rotateOnce.Do(func() { go c.rotateLoop() })
	return nil
}

// buildJar converts raw stored cookies into an http jar, installing the
// best auth cookie pair at the root domain.
func (c *Client) buildJar(raw []cookies.RawCookie) (http.CookieJar, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}

	initURL, err := url.Parse(c.endpoints.Init)
	if err != nil {
		return nil, err
	}
	onGoogle := strings.HasSuffix(initURL.Hostname(), "google.com")

	var all []*http.Cookie
	for _, rc := range raw {
		if rc.Name == "" || rc.Value == "" {
			continue
		}
		if !strings.Contains(strings.ToLower(rc.Domain), "google") {
			continue
		}
		ck := &http.Cookie{Name: rc.Name, Value: rc.Value, Path: "/"}
		if rc.Path != "" {
			ck.Path = rc.Path
		}
		if onGoogle {
			ck.Domain = normalizeCookieDomain(rc.Domain)
		}
		all = append(all, ck)
	}

	candidates := collectAuthCandidates(raw, time.Now())
	psid, psidts := selectAuthCookiePair(candidates)
	if psid == nil {
		return nil, fmt.Errorf("missing %s cookie", cookiePSID)
	}

	authPair := []*http.Cookie{{Name: cookiePSID, Value: psid.value, Path: "/"}}
	if psidts != nil {
		authPair = append(authPair, &http.Cookie{Name: cookiePSIDTS, Value: psidts.value, Path: "/"})
	}
	if onGoogle {
		for _, ck := range authPair {
			ck.Domain = "google.com"
		}
	}
	c.log.WithFields(log.Fields{
		"psid_domain": psid.domain,
	}).Debug("selected auth cookies")

	jar.SetCookies(initURL, append(all, authPair...))
	return jar, nil
}

// initTokens fetches the landing page and extracts the embedded session
// tokens from its inline scripts.
func (c *Client) initTokens(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodGet, c.endpoints.Init, nil, nil)
	if err != nil {
		return classifyTransportError(err, "init")
	}
	defer resp.Body.Close()

	if err := c.classifyResponse(resp, "init"); err != nil {
		return err
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return backend.Wrap(backend.KindGenerationFailed, "failed to read landing page", err)
	}

	snlm0e := extractToken(string(data), "snlm0e")
	cfb2h := extractToken(string(data), "cfb2h")
	fdrfje := extractToken(string(data), "fdrfje")
	if snlm0e == "" && cfb2h == "" && fdrfje == "" {
		return backend.New(backend.KindAuthExpired, "failed to extract session tokens from landing page")
	}

	c.atToken = snlm0e
	if c.atToken == "" {
		c.atToken = cfb2h
	}
	c.buildLabel = cfb2h
	c.sessionID = fdrfje
	return nil
}

// extractToken searches inline script contents for a session token,
// falling back to a scan of the whole page when the markup does not
// parse.
func extractToken(page, key string) string {
	pattern := tokenPatterns[key]

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(page))
	if err == nil {
		var found string
		doc.Find("script").EachWithBreak(func(_ int, s *goquery.Selection) bool {
			if m := pattern.FindStringSubmatch(s.Text()); m != nil {
				found = m[1]
				return false
			}
			return true
		})
		if found != "" {
			return found
		}
	}

	if m := pattern.FindStringSubmatch(page); m != nil {
		return m[1]
	}
	return ""
}

// rotateCookies refreshes the short-lived session cookie, at most once a
// minute unless forced.
func (c *Client) rotateCookies(ctx context.Context, force bool) error {
	c.rotateMu.Lock()
	defer c.rotateMu.Unlock()

	if !force && time.Since(c.lastRotate) <= rotateMinPeriod {
		return nil
	}

	headers := map[string]string{"Content-Type": "application/json"}
	resp, err := c.do(ctx, http.MethodPost, c.endpoints.RotateCookies,
		strings.NewReader(`[000,"-0000000000000000000"]`), headers)
	if err != nil {
		return classifyTransportError(err, "rotate_cookies")
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return backend.New(backend.KindAuthExpired, "cookie rotation failed with 401")
	case resp.StatusCode == http.StatusTooManyRequests:
		return backend.New(backend.KindRateLimited, "cookie rotation is rate limited")
	case resp.StatusCode >= 400:
		return backend.Newf(backend.KindGenerationFailed, "cookie rotation failed (%d)", resp.StatusCode)
	}

	for _, ck := range resp.Cookies() {
		if ck.Name == cookiePSIDTS {
			rotated := &http.Cookie{Name: cookiePSIDTS, Value: ck.Value, Path: "/"}
			if u, err := url.Parse(c.endpoints.Init); err == nil {
				if strings.HasSuffix(u.Hostname(), "google.com") {
					rotated.Domain = "google.com"
				}
				c.httpc.Jar.SetCookies(u, []*http.Cookie{rotated})
			}
		}
	}
	c.lastRotate = time.Now()
	return nil
}

// rotateLoop re-rotates session cookies on a fixed interval, independent
// of request traffic. Failures are logged, never propagated.
func (c *Client) rotateLoop() {
	ticker := time.NewTicker(rotateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.rotateStop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if err := c.rotateCookies(ctx, true); err != nil {
				c.log.WithError(err).Warn("cookie rotation background task failed")
			}
			cancel()
		}
	}
}

// uploadFile performs the two-step resumable upload for one reference
// file and returns the provider's file reference.
func (c *Client) uploadFile(ctx context.Context, path string) (string, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return "", backend.Newf(backend.KindInvalidRequest, "reference file not found: %s", path)
	}

	mimeType := mime.TypeByExtension(filepath.Ext(path))
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	startHeaders := map[string]string{
		"Origin":                             "https://gemini.google.com",
		"Referer":                            "https://gemini.google.com/",
		"Push-ID":                            "feeds/mcudyrk2a4khkz",
		"X-Goog-Upload-Command":              "start",
		"X-Goog-Upload-Protocol":             "resumable",
		"X-Tenant-ID":                        "bard-storage",
		"X-Goog-Upload-Header-Content-Length": strconv.Itoa(len(content)),
		"X-Goog-Upload-Header-Content-Type":  mimeType,
	}
	initResp, err := c.do(ctx, http.MethodPost, c.endpoints.Upload,
		strings.NewReader("File name: "+filepath.Base(path)), startHeaders)
	if err != nil {
		return "", classifyTransportError(err, "upload_init")
	}
	defer initResp.Body.Close()
	if err := c.classifyResponse(initResp, "upload_init"); err != nil {
		return "", err
	}

	resumableURL := initResp.Header.Get("x-goog-upload-url")
	if resumableURL == "" {
		return "", backend.New(backend.KindGenerationFailed, "upload init response does not contain x-goog-upload-url")
	}

	finalizeHeaders := map[string]string{
		"Origin":                "https://gemini.google.com",
		"Referer":               "https://gemini.google.com/",
		"Push-ID":               "feeds/mcudyrk2a4khkz",
		"X-Goog-Upload-Command": "upload, finalize",
		"X-Goog-Upload-Offset":  "0",
		"X-Tenant-ID":           "bard-storage",
	}
	finResp, err := c.do(ctx, http.MethodPost, resumableURL, strings.NewReader(string(content)), finalizeHeaders)
	if err != nil {
		return "", classifyTransportError(err, "upload_finalize")
	}
	defer finResp.Body.Close()
	if err := c.classifyResponse(finResp, "upload_finalize"); err != nil {
		return "", err
	}

	body, err := io.ReadAll(finResp.Body)
	if err != nil {
		return "", backend.Wrap(backend.KindGenerationFailed, "failed to read upload response", err)
	}
	ref := strings.Trim(strings.TrimSpace(string(body)), `"`)
	if ref == "" {
		return "", backend.New(backend.KindGenerationFailed, "upload finalize response is empty")
	}
	return ref, nil
}

// buildGeneratePayload assembles the batchexecute-style form body.
func (c *Client) buildGeneratePayload(prompt string, fileRefs []string) url.Values {
	var fileData any
	if len(fileRefs) > 0 {
		var entries []any
		for i, ref := range fileRefs {
			entries = append(entries, []any{[]any{ref}, fmt.Sprintf("input_%d.png", i+1)})
		}
		fileData = entries
	}

	message := []any{prompt, 0, nil, fileData, nil, nil, 0}

	inner := make([]any, 73)
	inner[0] = message
	inner[2] = []any{"", "", "", nil, nil, nil, nil, nil, nil, ""}
	inner[7] = 1

	innerJSON := mustJSON(inner)
	freq := mustJSON([]any{nil, innerJSON})

	return url.Values{
		"at":    {c.atToken},
		"f.req": {freq},
	}
}

// sendGenerate issues the streaming generate call and returns its body.
func (c *Client) sendGenerate(ctx context.Context, payload url.Values, timeout time.Duration) (string, error) {
	target, err := url.Parse(c.endpoints.StreamGenerate)
	if err != nil {
		return "", backend.Wrap(backend.KindGenerationFailed, "bad stream endpoint", err)
	}

	params := target.Query()
	params.Set("_reqid", strconv.FormatInt(c.nextReqid(), 10))
	params.Set("rt", "c")
	if c.buildLabel != "" {
		params.Set("bl", c.buildLabel)
	}
	if c.sessionID != "" {
		params.Set("f.sid", c.sessionID)
	}
	target.RawQuery = params.Encode()

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	headers := map[string]string{
		"Content-Type":              "application/x-www-form-urlencoded;charset=utf-8",
		"x-goog-ext-525001261-jspb": imagenModelHeader,
	}
	resp, err := c.do(reqCtx, http.MethodPost, target.String(), strings.NewReader(payload.Encode()), headers)
	if err != nil {
		return "", classifyTransportError(err, "stream_generate")
	}
	defer resp.Body.Close()

	if err := c.classifyResponse(resp, "stream_generate"); err != nil {
		return "", err
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", classifyTransportError(err, "stream_generate")
	}
	if len(data) == 0 {
		return "", backend.New(backend.KindGenerationFailed, "StreamGenerate returned empty body")
	}
	return string(data), nil
}

// parseImageURLs walks the decoded frames for generated image URLs. Each
// frame wraps an inner JSON document at index 2; candidates live under
// [4][0] with generated nodes at [12][7][0] and the URL leaf at
// [0][3][3].
func parseImageURLs(parts []any) []string {
	var urls []string
	seen := map[string]bool{}

	appendURL := func(u string) {
		if strings.HasPrefix(u, "http") && !seen[u] {
			seen[u] = true
			urls = append(urls, u)
		}
	}

	for _, part := range parts {
		inner := nestedString(part, 2)
		if inner == "" {
			continue
		}
		var partJSON any
		if err := jsonUnmarshal(inner, &partJSON); err != nil {
			continue
		}

		var containers []any
		if direct, ok := nestedValue(partJSON, 4, 0).([]any); ok {
			containers = append(containers, direct)
		}
		for _, item := range nestedList(partJSON, 4, 0, 1) {
			if list, ok := item.([]any); ok {
				containers = append(containers, list)
			}
		}

		for _, container := range containers {
			nodes := nestedList(container, 12, 7, 0)
			for _, node := range nodes {
				appendURL(nestedString(node, 0, 3, 3))
			}
			if len(nodes) == 0 {
				for _, u := range collectMediaURLs(container) {
					appendURL(u)
				}
			}
		}
	}
	return urls
}

// extractBinding pulls the provider-assigned identifiers from the decoded
// frames: conversation id, response id, and per-candidate ids.
func extractBinding(parts []any) backend.ProviderBinding {
	var binding backend.ProviderBinding
	for _, part := range parts {
		inner := nestedString(part, 2)
		if inner == "" {
			continue
		}
		var partJSON any
		if err := jsonUnmarshal(inner, &partJSON); err != nil {
			continue
		}

		if binding.GenerateID == "" {
			binding.GenerateID = nestedString(partJSON, 1, 0)
		}
		if binding.TaskID == "" {
			binding.TaskID = nestedString(partJSON, 1, 1)
		}
		if id := nestedString(partJSON, 4, 0, 0); id != "" {
			dup := false
			for _, existing := range binding.ItemIDs {
				if existing == id {
					dup = true
					break
				}
			}
			if !dup {
				binding.ItemIDs = append(binding.ItemIDs, id)
			}
		}
	}
	if binding.TaskID == "" {
		binding.TaskID = binding.GenerateID
	}
	return binding
}

// downloadImage fetches the generated media, chasing text/plain redirect
// bodies for at most five hops.
func (c *Client) downloadImage(ctx context.Context, imageURL string) (string, error) {
	current := imageURL
	if !sizedURLPattern.MatchString(current) {
		current += "=s2048"
	}

	headers := map[string]string{
		"Accept":  "image/avif,image/webp,image/apng,image/svg+xml,image/*,*/*;q=0.8",
		"Origin":  "https://gemini.google.com",
		"Referer": "https://gemini.google.com/",
	}

	lastStatus := 0
	for hop := 0; hop < 5; hop++ {
		resp, err := c.do(ctx, http.MethodGet, current, nil, headers)
		if err != nil {
			return "", classifyTransportError(err, "download")
		}

		lastStatus = resp.StatusCode
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			resp.Body.Close()
			return "", backend.New(backend.KindAuthExpired, "image download got unauthorized response")
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			break
		}

		contentType := strings.ToLower(resp.Header.Get("Content-Type"))
		if strings.Contains(contentType, "image") {
			tmp, err := os.CreateTemp("", "gemini_http_*"+imageSuffix(contentType))
			if err != nil {
				resp.Body.Close()
				return "", backend.Wrap(backend.KindGenerationFailed, "failed to create temp file", err)
			}
			_, copyErr := io.Copy(tmp, resp.Body)
			resp.Body.Close()
			tmp.Close()
			if copyErr != nil {
				os.Remove(tmp.Name())
				return "", backend.Wrap(backend.KindGenerationFailed, "failed to write image", copyErr)
			}
			return tmp.Name(), nil
		}

		if strings.HasPrefix(contentType, "text/plain") {
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			next := strings.TrimSpace(string(body))
			if strings.HasPrefix(next, "http") {
				current = next
				continue
			}
		} else {
			resp.Body.Close()
		}
		break
	}

	return "", backend.Newf(backend.KindGenerationFailed, "failed to download generated image, status=%d", lastStatus)
}

func imageSuffix(contentType string) string {
	switch {
	case strings.Contains(contentType, "image/jpeg"):
		return ".jpg"
	case strings.Contains(contentType, "image/webp"):
		return ".webp"
	default:
		return ".png"
	}
}

// do issues one request with the browser-impersonation header set.
func (c *Client) do(ctx context.Context, method, target string, body io.Reader, headers map[string]string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("X-Same-Domain", "1")
	if method == http.MethodPost && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded;charset=utf-8")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return c.httpc.Do(req)
}

// classifyResponse maps a non-2xx status (or a sign-in redirect) to the
// error taxonomy.
func (c *Client) classifyResponse(resp *http.Response, stage string) error {
	final := strings.ToLower(resp.Request.URL.String())
	if strings.Contains(final, "accounts.google.com") ||
		strings.Contains(final, "consent.google.com") ||
		strings.Contains(final, "servicelogin") {
		return backend.Newf(backend.KindAuthExpired, "%s redirected to sign-in page", stage)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return backend.Newf(backend.KindAuthExpired, "%s unauthorized (%d)", stage, resp.StatusCode)
	case resp.StatusCode == http.StatusTooManyRequests:
		return backend.Newf(backend.KindRateLimited, "%s rate limited", stage)
	case resp.StatusCode >= 500:
		return backend.Newf(backend.KindGenerationFailed, "upstream temporary error during %s (%d)", stage, resp.StatusCode)
	case resp.StatusCode >= 400:
		return backend.Newf(backend.KindGenerationFailed, "request failed during %s (%d)", stage, resp.StatusCode)
	}
	return nil
}

// classifyTransportError distinguishes timeouts from other transport
// failures.
func classifyTransportError(err error, stage string) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return backend.Wrap(backend.KindTimeout, stage+" timed out", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return backend.Wrap(backend.KindTimeout, stage+" timed out", err)
	}
	return backend.Wrap(backend.KindGenerationFailed, stage+" request failed", err)
}

// classifyGenerationText scans response text for known rate-limit and
// policy-block phrases before declaring a generic failure. Returns nil
// when no known phrase matches.
func classifyGenerationText(text string) error {
	for _, p := range rateLimitPatterns {
		if p.MatchString(text) {
			return backend.New(backend.KindRateLimited, "provider is rate limiting image generation requests")
		}
	}
	for _, p := range blockedPatterns {
		if p.MatchString(text) {
			return backend.New(backend.KindBlocked, "image generation is blocked for this account or region")
		}
	}
	lowered := strings.ToLower(text)
	if strings.Contains(lowered, "sign in") || strings.Contains(lowered, "servicelogin") {
		return backend.New(backend.KindAuthExpired, "response indicates sign-in is required")
	}
	return nil
}
