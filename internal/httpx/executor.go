// Package httpx builds and sends one HTTP request, racing it against the
// operation's cancellation signal, and records the outcome through the store.
package httpx

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptrace"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/http/httpguts"

	"courier/internal/cancel"
	"courier/internal/config"
	"courier/internal/model"
	"courier/internal/render"
	"courier/internal/storage"
)

const maxRedirects = 10

// Executor sends HTTP requests and persists their lifecycle.
type Executor struct {
	Store    *storage.Store
	Blobs    *storage.BlobStore
	Settings config.Settings
}

// Execute sends one request. The response placeholder is mutated in place and
// is always terminal on return: either Status or Error is set. Transport
// failures are a normal terminal outcome, not an error return; the error
// return is reserved for persistence failures.
func (e *Executor) Execute(
	ctx context.Context,
	req *model.HttpRequest,
	resp *model.HttpResponse,
	env *model.Environment,
	jar *model.CookieJar,
	downloadPath string,
	sig *cancel.Signal,
) (*model.HttpResponse, error) {
	vars := render.Vars(env)

	urlString := ensureScheme(render.Render(req.URL, vars))

	u, err := url.Parse(urlString)
	if err != nil {
		return e.failResponse(resp, fmt.Sprintf("Failed to parse URL %q: %s", urlString, err))
	}
	appendQueryParams(u, req.Params, vars)

	body, err := buildBody(req.Body, vars)
	if err != nil {
		return e.failResponse(resp, err.Error())
	}

	headers := make(http.Header)
	headers.Set("User-Agent", e.Settings.UserAgent)
	headers.Set("Accept", "*/*")
	headers.Set("Accept-Encoding", "gzip, deflate, br")
	if body.contentType != "" {
		headers.Set("Content-Type", body.contentType)
	}

	applyAuth(headers, req.Auth, vars)

	// Explicit per-request headers go last so a user-supplied header always
	// wins over a computed one.
	for _, h := range req.Headers {
		if h.Name == "" && h.Value == "" {
			continue
		}
		if !h.Enabled {
			continue
		}
		name := render.Render(h.Name, vars)
		value := render.Render(h.Value, vars)
		if name == "" || !httpguts.ValidHeaderFieldName(name) {
			slog.Error("dropping invalid header name", "name", name)
			continue
		}
		if !httpguts.ValidHeaderFieldValue(value) {
			slog.Error("dropping invalid header value", "name", name)
			continue
		}
		headers.Set(name, value)
	}

	if body.multipart {
		// The writer owns the boundary parameter; a user-supplied
		// Content-Type would break the encoding.
		headers.Set("Content-Type", body.contentType)
	}

	cookies, seedErr := newRecordingJar(jar)
	if seedErr != nil {
		return e.failResponse(resp, seedErr.Error())
	}

	client := &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			TLSClientConfig: &tls.Config{
				InsecureSkipVerify: !e.Settings.ValidateCertificates,
			},
			DisableCompression: true, // Accept-Encoding is set and decoded by hand
		},
		CheckRedirect: redirectPolicy(e.Settings.FollowRedirects),
	}
	if cookies != nil {
		client.Jar = cookies
	}
	if e.Settings.RequestTimeoutMs > 0 {
		client.Timeout = time.Duration(e.Settings.RequestTimeoutMs) * time.Millisecond
	}

	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}
	hreq, err := http.NewRequestWithContext(ctx, method, u.String(), body.reader)
	if err != nil {
		return e.failResponse(resp, err.Error())
	}
	hreq.Header = headers

	var remoteAddr string
	trace := &httptrace.ClientTrace{
		GotConn: func(info httptrace.GotConnInfo) {
			remoteAddr = info.Conn.RemoteAddr().String()
		},
	}
	hreq = hreq.WithContext(httptrace.WithClientTrace(hreq.Context(), trace))

	start := time.Now()

	type doResult struct {
		resp *http.Response
		err  error
	}
	resultCh := make(chan doResult, 1)
	go func() {
		r, err := client.Do(hreq)
		resultCh <- doResult{r, err}
	}()

	var result doResult
	select {
	case result = <-resultCh:
	case <-sig.Done():
		// The in-flight request is abandoned; its result, if any, is
		// discarded when it eventually lands in the buffered channel.
		e.mergeJar(cookies, jar)
		return e.failResponse(resp, "Request was cancelled")
	}

	if result.err != nil {
		// Redirect hops before the failure may still have set cookies.
		e.mergeJar(cookies, jar)
		return e.failResponse(resp, result.err.Error())
	}

	hresp := result.resp
	defer hresp.Body.Close()

	resp.ElapsedHeaders = time.Since(start).Milliseconds()
	resp.Status = hresp.StatusCode
	resp.StatusReason = strings.TrimSpace(strings.TrimPrefix(hresp.Status, fmt.Sprintf("%d", hresp.StatusCode)))
	resp.URL = hresp.Request.URL.String()
	resp.Version = hresp.Proto
	resp.RemoteAddr = remoteAddr
	resp.Headers = nil
	for name, values := range hresp.Header {
		for _, v := range values {
			resp.Headers = append(resp.Headers, model.ResponseHeader{Name: name, Value: v})
		}
	}

	bodyReader, err := decodeBody(hresp.Body, hresp.Header.Get("Content-Encoding"))
	if err != nil {
		return e.failResponse(resp, err.Error())
	}
	bodyBytes, err := io.ReadAll(bodyReader)
	if err != nil {
		return e.failResponse(resp, err.Error())
	}
	resp.Elapsed = time.Since(start).Milliseconds()

	// Prefer the transport-reported length, else the received byte count.
	if hresp.ContentLength >= 0 {
		resp.ContentLength = hresp.ContentLength
	} else {
		resp.ContentLength = int64(len(bodyBytes))
	}

	blobID := resp.ID
	if blobID == "" {
		// Ephemeral sends still get a stored body under a generated name.
		blobID = uuid.NewString()
	}
	bodyPath, err := e.Blobs.Write(blobID, bodyBytes)
	if err != nil {
		return e.failResponse(resp, err.Error())
	}
	resp.BodyPath = bodyPath

	if _, err := e.Store.UpsertResponseIfID(resp); err != nil {
		return nil, fmt.Errorf("failed to update response: %w", err)
	}

	if downloadPath != "" {
		slog.Info("downloading response body", "path", downloadPath)
		if err := e.Blobs.Copy(blobID, downloadPath); err != nil {
			slog.Error("failed to copy response body", "error", err)
		}
	}

	e.mergeJar(cookies, jar)

	return resp, nil
}

// mergeJar folds freshly received cookies back into the persisted jar.
func (e *Executor) mergeJar(cookies *recordingJar, jar *model.CookieJar) {
	if jar == nil || cookies == nil {
		return
	}
	cookies.mergeInto(jar)
	if _, err := e.Store.UpsertCookieJar(jar); err != nil {
		slog.Error("failed to update cookie jar", "error", err)
	}
}

// failResponse finalizes the response with the aborted sentinel and the error
// message. Every failure path after the placeholder exists funnels through
// here, so a record can never be left pending.
func (e *Executor) failResponse(resp *model.HttpResponse, msg string) (*model.HttpResponse, error) {
	slog.Warn("failed to send request", "error", msg)
	resp.Elapsed = model.ElapsedAborted
	resp.Error = msg
	updated, err := e.Store.UpsertResponseIfID(resp)
	if err != nil {
		return nil, fmt.Errorf("failed to update response: %w", err)
	}
	return updated, nil
}

func redirectPolicy(follow bool) func(*http.Request, []*http.Request) error {
	if !follow {
		return func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}
	}
	return func(req *http.Request, via []*http.Request) error {
		if len(via) >= maxRedirects {
			return fmt.Errorf("stopped after %d redirects", maxRedirects)
		}
		// No automatic Referer header.
		req.Header.Del("Referer")
		return nil
	}
}

// ensureScheme prefixes a schemeless URL. A few TLDs are HTTPS-only via HSTS
// preload, so they get https; everything else defaults to http.
func ensureScheme(urlStr string) string {
	if strings.HasPrefix(urlStr, "http://") || strings.HasPrefix(urlStr, "https://") {
		return urlStr
	}

	if u, err := url.Parse("http://" + urlStr); err == nil {
		host := u.Hostname()
		if strings.HasSuffix(host, ".app") || strings.HasSuffix(host, ".dev") || strings.HasSuffix(host, ".page") {
			return "https://" + urlStr
		}
	}
	return "http://" + urlStr
}

// appendQueryParams renders enabled, named params and appends them to the URL
// query string in input order.
func appendQueryParams(u *url.URL, params []model.Param, vars map[string]string) {
	var b strings.Builder
	b.WriteString(u.RawQuery)
	for _, p := range params {
		if !p.Enabled || p.Name == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(render.Render(p.Name, vars)))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(render.Render(p.Value, vars)))
	}
	u.RawQuery = b.String()
}

// applyAuth injects the Authorization header for the request's auth kind.
func applyAuth(headers http.Header, auth model.Auth, vars map[string]string) {
	switch auth.Kind {
	case model.AuthBasic:
		username := render.Render(auth.Username, vars)
		password := render.Render(auth.Password, vars)
		encoded := base64.StdEncoding.WithPadding(base64.NoPadding).
			EncodeToString([]byte(username + ":" + password))
		headers.Set("Authorization", "Basic "+encoded)
	case model.AuthBearer:
		token := render.Render(auth.Token, vars)
		headers.Set("Authorization", "Bearer "+token)
	case model.AuthNone:
	}
}
