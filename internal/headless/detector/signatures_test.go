package detector

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/JakeFAU/trafficpacer/internal/config"
)

func TestDetectBuiltins(t *testing.T) {
	t.Parallel()

	d := New(nil, nil)
	tests := []struct {
		name  string
		title  string
		body   string
		status int
		want   string
		ok     bool
	}{
		{name: "cloudflare title", title: "Just a moment...", status: 200, want: "cloudflare", ok: true},
		{name: "cloudflare body case-insensitive", body: `<div id="CF-Browser-Verification">`, status: 200, want: "cloudflare", ok: true},
		{name: "cloudflare script on normal page", body: `<script src="/cdn-cgi/challenge-platform/scripts/jsd/main.js">`, status: 200, ok: false},
		{name: "cloudflare script on 503", body: `<script src="/cdn-cgi/challenge-platform/h/b/orchestrate">`, status: 503, want: "cloudflare", ok: true},
		{name: "recaptcha widget on 200", title: "Contact us | Acme", body: `<div class="g-recaptcha" data-sitekey="x"></div>`, status: 200, ok: false},
		{name: "recaptcha widget unknown status", body: `<div class="g-recaptcha"></div>`, ok: false},
		{name: "recaptcha on 403", body: `<div class="g-recaptcha" data-sitekey="x"></div>`, status: 403, want: "recaptcha", ok: true},
		{name: "hcaptcha on 429", body: `<div class="h-captcha"></div>`, status: 429, want: "hcaptcha", ok: true},
		{name: "akamai reference on 200", body: "Order Reference #1234", status: 200, ok: false},
		{name: "akamai denial", title: "Access Denied", body: "Reference #18.2f", status: 403, want: "akamai", ok: true},
		{name: "perimeterx text on 200", body: "Please verify you are a human", status: 200, ok: false},
		{name: "perimeterx block", title: "Access to this page has been denied", body: `<div id="px-captcha">`, status: 403, want: "perimeterx", ok: true},
		{name: "clean page", title: "Example Domain", body: "<p>hello</p>", status: 200, ok: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			m, ok := d.Detect(Page{Title: tt.title, Body: tt.body, Status: tt.status})
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, m.Signature)
		})
	}
}

func TestDetectOrderPrefersEarlierSignature(t *testing.T) {
	t.Parallel()

	d := New(nil, nil)
	m, ok := d.Detect(Page{Title: "Just a moment...", Body: "px-captcha", Status: 403})
	assert.True(t, ok)
	assert.Equal(t, "cloudflare", m.Signature)
}

func TestFromConfigAppendsOperatorSignatures(t *testing.T) {
	t.Parallel()

	d := FromConfig(config.BrowserConfig{
		ChallengeSignatures: []config.SignatureConfig{
			{Name: "custom", Title: []string{"Hold tight"}},
			{Name: "shop-waf", Weak: []string{"waf-token"}},
		},
		ContinueSelectors: []string{"#go"},
	})
	m, ok := d.Detect(Page{Title: "Hold tight, checking"})
	assert.True(t, ok)
	assert.Equal(t, "custom", m.Signature)

	_, ok = d.Detect(Page{Body: "waf-token", Status: 200})
	assert.False(t, ok)
	m, ok = d.Detect(Page{Body: "waf-token", Status: 403})
	assert.True(t, ok)
	assert.Equal(t, "shop-waf", m.Signature)
	assert.Equal(t, []string{"#go"}, d.ContinueSelectors())

	assert.Equal(t, DefaultContinueSelectors, New(nil, nil).ContinueSelectors())
}

func TestTitleOfAndDetectHTML(t *testing.T) {
	t.Parallel()

	page := "<html><head><title> Just a moment... </title></head><body></body></html>"
	assert.Equal(t, "Just a moment...", TitleOf(page))
	assert.Empty(t, TitleOf(""))

	m, ok := New(nil, nil).DetectHTML(page, 503)
	assert.True(t, ok)
	assert.Equal(t, "cloudflare", m.Signature)

	contact := `<html><head><title>Contact us | Acme</title></head><body><div class="g-recaptcha"></div></body></html>`
	_, ok = New(nil, nil).DetectHTML(contact, 200)
	assert.False(t, ok)
}
