package proxy

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"net/url"
	"strings"
	"testing"

	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/AdguardTeam/golibs/netutil"
	"github.com/homieproxy/homieproxy/internal/instance"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestInstance returns a validated instance configuration for tests.  mut
// may be nil.
func newTestInstance(tb testing.TB, mut func(c *instance.Config)) (inst *instance.Config) {
	tb.Helper()

	inst = &instance.Config{
		Name: "test",
	}
	if mut != nil {
		mut(inst)
	}

	require.NoError(tb, inst.Validate())

	return inst
}

// newTestProxy returns a proxy with a discarded log.  conf may be nil.
func newTestProxy(tb testing.TB, conf *Config) (p *Proxy) {
	tb.Helper()

	if conf == nil {
		conf = &Config{}
	}

	if conf.Logger == nil {
		conf.Logger = slogutil.NewDiscardLogger()
	}

	return New(conf)
}

// newRelayTest starts a frontend server dispatching every request to inst
// through p and returns it together with a client that does not follow
// redirects on its own.
func newRelayTest(tb testing.TB, p *Proxy, inst *instance.Config) (front *httptest.Server, cl *http.Client) {
	tb.Helper()

	front = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p.ServeInstance(w, r, inst)
	}))
	tb.Cleanup(front.Close)

	cl = &http.Client{
		CheckRedirect: func(_ *http.Request, _ []*http.Request) (err error) {
			return http.ErrUseLastResponse
		},
	}

	return front, cl
}

// readErrorResp decodes the JSON error document of resp.
func readErrorResp(tb testing.TB, resp *http.Response) (er *errorResp) {
	tb.Helper()

	er = &errorResp{}
	require.NoError(tb, json.NewDecoder(resp.Body).Decode(er))

	return er
}

func TestProxy_ServeInstance(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Upstream", "yes")
		w.Header().Set("X-Seen-Test", r.Header.Get("X-Test"))
		w.Header().Set("X-Seen-XFF", r.Header.Get("X-Forwarded-For"))
		w.Header().Set("X-Seen-UA", r.Header.Get("User-Agent"))
		w.Header().Set("X-Seen-Host", r.Host)

		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)

		fmt.Fprintf(w, "%s:%s", r.Method, body)
	}))
	t.Cleanup(upstream.Close)

	p := newTestProxy(t, nil)
	inst := newTestInstance(t, nil)
	front, cl := newRelayTest(t, p, inst)

	t.Run("post_roundtrip", func(t *testing.T) {
		reqURL := front.URL + "/?url=" + url.QueryEscape(upstream.URL+"/api")

		req, err := http.NewRequest(http.MethodPost, reqURL, strings.NewReader("hello"))
		require.NoError(t, err)

		req.Header.Set("X-Test", "1")
		req.Header.Set("X-Forwarded-For", "203.0.113.7")
		// Keep the client itself from adding a User-Agent.
		req.Header.Set("User-Agent", "")

		resp, err := cl.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)

		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "POST:hello", string(body))
		assert.Equal(t, "yes", resp.Header.Get("X-Upstream"))
		assert.Equal(t, "1", resp.Header.Get("X-Seen-Test"))
		assert.Empty(t, resp.Header.Get("X-Seen-XFF"))
		assert.Empty(t, resp.Header.Get("X-Seen-UA"))
	})

	t.Run("header_overrides", func(t *testing.T) {
		reqURL := front.URL + "/?url=" + url.QueryEscape(upstream.URL) +
			"&" + url.QueryEscape("request_header[X-Test]") + "=overridden" +
			"&" + url.QueryEscape("request_header[Host]") + "=internal.example" +
			"&" + url.QueryEscape("response_header[Cache-Control]") + "=no-store"

		req, err := http.NewRequest(http.MethodGet, reqURL, nil)
		require.NoError(t, err)

		req.Header.Set("X-Test", "original")

		resp, err := cl.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "overridden", resp.Header.Get("X-Seen-Test"))
		assert.Equal(t, "internal.example", resp.Header.Get("X-Seen-Host"))
		assert.Equal(t, "no-store", resp.Header.Get("Cache-Control"))
	})

	t.Run("missing_url", func(t *testing.T) {
		resp, err := cl.Get(front.URL + "/")
		require.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

		er := readErrorResp(t, resp)
		assert.Equal(t, "target url required", er.Error)
		assert.Equal(t, http.StatusBadRequest, er.Code)
		assert.Equal(t, "test", er.Instance)
	})

	t.Run("bad_scheme", func(t *testing.T) {
		resp, err := cl.Get(front.URL + "/?url=" + url.QueryEscape("ftp://example.com/"))
		require.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("unreachable", func(t *testing.T) {
		resp, err := cl.Get(front.URL + "/?url=" + url.QueryEscape("http://127.0.0.1:1/"))
		require.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	})
}

func TestProxy_ServeInstance_auth(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "ok")
	}))
	t.Cleanup(upstream.Close)

	p := newTestProxy(t, nil)
	inst := newTestInstance(t, func(c *instance.Config) {
		c.Tokens = []string{"secret"}
	})
	front, cl := newRelayTest(t, p, inst)

	targetQuery := "url=" + url.QueryEscape(upstream.URL)

	t.Run("missing", func(t *testing.T) {
		resp, err := cl.Get(front.URL + "/?" + targetQuery)
		require.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		assert.Equal(t, "missing authentication token", readErrorResp(t, resp).Error)
	})

	t.Run("invalid", func(t *testing.T) {
		resp, err := cl.Get(front.URL + "/?" + targetQuery + "&token=wrong")
		require.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		assert.Equal(t, "invalid authentication token", readErrorResp(t, resp).Error)
	})

	t.Run("valid", func(t *testing.T) {
		resp, err := cl.Get(front.URL + "/?" + targetQuery + "&token=secret")
		require.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})
}

func TestProxy_ServeInstance_inboundDenied(t *testing.T) {
	p := newTestProxy(t, nil)
	inst := newTestInstance(t, func(c *instance.Config) {
		c.RestrictInCIDRs = []netutil.Prefix{{
			Prefix: netip.MustParsePrefix("10.0.0.0/8"),
		}}
	})
	front, cl := newRelayTest(t, p, inst)

	resp, err := cl.Get(front.URL + "/?url=" + url.QueryEscape("http://example.com/"))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "access denied from your ip", readErrorResp(t, resp).Error)
}

func TestProxy_ServeInstance_outboundDenied(t *testing.T) {
	p := newTestProxy(t, nil)
	inst := newTestInstance(t, func(c *instance.Config) {
		c.RestrictOut = "external"
	})
	front, cl := newRelayTest(t, p, inst)

	resp, err := cl.Get(front.URL + "/?url=" + url.QueryEscape("http://127.0.0.1:8080/"))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "access denied to the target url", readErrorResp(t, resp).Error)
}

func TestProxy_ServeInstance_redirects(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/hop", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/final", http.StatusFound)
	})
	mux.HandleFunc("/final", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "landed")
	})
	mux.HandleFunc("/loop", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/loop", http.StatusFound)
	})

	upstream := httptest.NewServer(mux)
	t.Cleanup(upstream.Close)

	p := newTestProxy(t, &Config{MaxRedirects: 3})
	inst := newTestInstance(t, nil)
	front, cl := newRelayTest(t, p, inst)

	t.Run("verbatim", func(t *testing.T) {
		resp, err := cl.Get(front.URL + "/?url=" + url.QueryEscape(upstream.URL+"/hop"))
		require.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusFound, resp.StatusCode)
		assert.Equal(t, "/final", resp.Header.Get("Location"))
	})

	t.Run("followed", func(t *testing.T) {
		resp, err := cl.Get(
			front.URL + "/?follow_redirects=true&url=" + url.QueryEscape(upstream.URL+"/hop"),
		)
		require.NoError(t, err)
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)

		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "landed", string(body))
	})

	t.Run("too_many", func(t *testing.T) {
		resp, err := cl.Get(
			front.URL + "/?follow_redirects=true&url=" + url.QueryEscape(upstream.URL+"/loop"),
		)
		require.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
		assert.Equal(t, "too many redirects", readErrorResp(t, resp).Error)
	})
}

func TestProxy_strictTransport(t *testing.T) {
	newUpstream := func(body string) (ap netip.AddrPort) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = io.WriteString(w, body)
		}))
		t.Cleanup(srv.Close)

		ap, err := netip.ParseAddrPort(srv.Listener.Addr().String())
		require.NoError(t, err)

		return ap
	}

	apA := newUpstream("a")
	apB := newUpstream("b")

	p := newTestProxy(t, nil)

	get := func(ap netip.AddrPort) (body string) {
		req, err := http.NewRequest(http.MethodGet, "http://rebound.example/", nil)
		require.NoError(t, err)

		req = req.WithContext(withPinnedAddr(req.Context(), ap))

		resp, err := p.strictTransport(ap).RoundTrip(req)
		require.NoError(t, err)
		defer resp.Body.Close()

		b, err := io.ReadAll(resp.Body)
		require.NoError(t, err)

		return string(b)
	}

	// One authority pinned to different addresses must not share pooled
	// connections, or the pin of the second request is ignored.
	assert.Equal(t, "a", get(apA))
	assert.Equal(t, "b", get(apB))
	assert.Equal(t, "a", get(apA))
}

func TestProxy_ServeInstance_timeout(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	t.Cleanup(upstream.Close)

	p := newTestProxy(t, nil)
	inst := newTestInstance(t, nil)
	front, cl := newRelayTest(t, p, inst)

	resp, err := cl.Get(front.URL + "/?timeout=1&url=" + url.QueryEscape(upstream.URL))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusGatewayTimeout, resp.StatusCode)

	er := readErrorResp(t, resp)
	assert.Equal(t, http.StatusGatewayTimeout, er.Code)
	assert.Equal(t, "test", er.Instance)
}

func TestProxy_ServeInstance_upstreamAbort(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		// Promise a body and never deliver it, so the relay fails after the
		// status has been committed.
		w.Header().Set("Content-Length", "100")
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(upstream.Close)

	p := newTestProxy(t, nil)
	inst := newTestInstance(t, nil)
	front, cl := newRelayTest(t, p, inst)

	resp, err := cl.Get(front.URL + "/?url=" + url.QueryEscape(upstream.URL))
	if err != nil {
		// The connection was aborted before the buffered status line left
		// the server, which is the expected outcome here.
		return
	}
	defer resp.Body.Close()

	// If the status line did make it out, it must be the committed one, and
	// the body must be truncated, not replaced with an error document.
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	assert.Error(t, err)
	assert.NotContains(t, string(body), `"error"`)
}

func TestProxy_ServeInstance_tlsSkip(t *testing.T) {
	upstream := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "secure")
	}))
	t.Cleanup(upstream.Close)

	p := newTestProxy(t, nil)
	inst := newTestInstance(t, nil)
	front, cl := newRelayTest(t, p, inst)

	t.Run("strict_rejects", func(t *testing.T) {
		resp, err := cl.Get(front.URL + "/?url=" + url.QueryEscape(upstream.URL))
		require.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	})

	t.Run("skip_admits", func(t *testing.T) {
		resp, err := cl.Get(
			front.URL + "/?skip_tls_checks=self_signed&url=" + url.QueryEscape(upstream.URL),
		)
		require.NoError(t, err)
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)

		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "secure", string(body))
	})
}

func TestProxy_ServeInstance_streaming(t *testing.T) {
	const chunks = 8

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fl, ok := w.(http.Flusher)
		if !assert.True(t, ok) {
			return
		}

		for i := range chunks {
			fmt.Fprintf(w, "chunk-%d;", i)
			fl.Flush()
		}
	}))
	t.Cleanup(upstream.Close)

	p := newTestProxy(t, nil)
	inst := newTestInstance(t, nil)
	front, cl := newRelayTest(t, p, inst)

	resp, err := cl.Get(front.URL + "/?url=" + url.QueryEscape(upstream.URL))
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	want := ""
	for i := range chunks {
		want += fmt.Sprintf("chunk-%d;", i)
	}

	assert.Equal(t, want, string(body))
}

func TestProxy_clientIP(t *testing.T) {
	t.Parallel()

	trusted := netutil.SliceSubnetSet{netip.MustParsePrefix("127.0.0.0/8")}

	testCases := []struct {
		name       string
		remoteAddr string
		xff        string
		trusted    netutil.SubnetSet
		want       netip.Addr
	}{{
		name:       "plain_peer",
		remoteAddr: "192.0.2.1:4242",
		want:       netip.MustParseAddr("192.0.2.1"),
	}, {
		name:       "untrusted_xff_ignored",
		remoteAddr: "192.0.2.1:4242",
		xff:        "203.0.113.7",
		trusted:    trusted,
		want:       netip.MustParseAddr("192.0.2.1"),
	}, {
		name:       "trusted_xff_honored",
		remoteAddr: "127.0.0.1:4242",
		xff:        "203.0.113.7, 10.0.0.1",
		trusted:    trusted,
		want:       netip.MustParseAddr("203.0.113.7"),
	}, {
		name:       "no_trusted_set",
		remoteAddr: "127.0.0.1:4242",
		xff:        "203.0.113.7",
		want:       netip.MustParseAddr("127.0.0.1"),
	}}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			p := newTestProxy(t, &Config{TrustedProxies: tc.trusted})

			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tc.remoteAddr
			if tc.xff != "" {
				r.Header.Set("X-Forwarded-For", tc.xff)
			}

			got, perr := p.clientIP(r)
			require.Nil(t, perr)
			assert.Equal(t, tc.want, got)
		})
	}
}
