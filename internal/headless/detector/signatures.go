// Package detector recognizes anti-bot challenge pages by title and body
// signatures.
package detector

import (
	"strings"

	"github.com/JakeFAU/trafficpacer/internal/config"
)

// Signature describes one challenge page. Title and Body markers identify an
// interstitial on their own. Weak markers also show up on ordinary pages that
// embed a widget or vendor script, so they only count on a non-2xx response.
// Matching is case-insensitive substring search.
type Signature struct {
	Name  string
	Title []string
	Body  []string
	Weak  []string
}

// Builtin is the ordered list of known challenge signatures.
var Builtin = []Signature{
	{
		Name:  "cloudflare",
		Title: []string{"Just a moment...", "Attention Required! | Cloudflare", "DDoS protection by"},
		Body:  []string{"cf-browser-verification", "Checking your browser before accessing", "cf-challenge-running"},
		Weak:  []string{"cf-challenge", "cf-chl-", "challenge-platform"},
	},
	{
		Name: "recaptcha",
		Weak: []string{"g-recaptcha", "www.google.com/recaptcha/api"},
	},
	{
		Name: "hcaptcha",
		Weak: []string{"h-captcha", "hcaptcha.com/1/api.js"},
	},
	{
		Name:  "akamai",
		Title: []string{"Access Denied"},
		Body:  []string{"errors.edgesuite.net"},
		Weak:  []string{"Reference #"},
	},
	{
		Name:  "imperva",
		Title: []string{"Pardon Our Interruption"},
		Weak:  []string{"_Incapsula_Resource"},
	},
	{
		Name:  "perimeterx",
		Title: []string{"Access to this page has been denied"},
		Weak:  []string{"px-captcha", "Please verify you are a human"},
	},
	{
		Name:  "ddos-guard",
		Title: []string{"DDoS-Guard"},
	},
}

// DefaultContinueSelectors are controls worth clicking on an interstitial.
var DefaultContinueSelectors = []string{
	"input[type=submit][value*=Continue]",
	"button#challenge-continue",
	"#challenge-stage input[type=button]",
	"a#continue",
}

// Match is a detected challenge.
type Match struct {
	Signature string
	Marker    string
}

// Detector evaluates pages against an ordered signature list.
type Detector struct {
	signatures []Signature
	selectors  []string
}

// New builds a detector from the built-ins followed by extra.
func New(extra []Signature, continueSelectors []string) *Detector {
	sigs := make([]Signature, 0, len(Builtin)+len(extra))
	sigs = append(sigs, Builtin...)
	sigs = append(sigs, extra...)
	selectors := continueSelectors
	if len(selectors) == 0 {
		selectors = DefaultContinueSelectors
	}
	return &Detector{signatures: sigs, selectors: selectors}
}

// FromConfig builds a detector with the operator signatures of browser.
func FromConfig(browser config.BrowserConfig) *Detector {
	extra := make([]Signature, 0, len(browser.ChallengeSignatures))
	for _, sc := range browser.ChallengeSignatures {
		extra = append(extra, Signature{Name: sc.Name, Title: sc.Title, Body: sc.Body, Weak: sc.Weak})
	}
	return New(extra, browser.ContinueSelectors)
}

// Page is what the detector looks at. Status 0 means the status is unknown
// and is treated like a 2xx.
type Page struct {
	Title  string
	Body   string
	Status int
}

func (p Page) failed() bool {
	return p.Status != 0 && (p.Status < 200 || p.Status > 299)
}

// Detect returns the first signature matching the page, in list order.
func (d *Detector) Detect(page Page) (Match, bool) {
	lowerTitle := strings.ToLower(page.Title)
	lowerBody := strings.ToLower(page.Body)
	failed := page.failed()
	for _, sig := range d.signatures {
		if marker, ok := firstIn(lowerTitle, sig.Title); ok {
			return Match{Signature: sig.Name, Marker: marker}, true
		}
		if marker, ok := firstIn(lowerBody, sig.Body); ok {
			return Match{Signature: sig.Name, Marker: marker}, true
		}
		if !failed {
			continue
		}
		if marker, ok := firstIn(lowerBody, sig.Weak); ok {
			return Match{Signature: sig.Name, Marker: marker}, true
		}
	}
	return Match{}, false
}

func firstIn(lowered string, markers []string) (string, bool) {
	for _, marker := range markers {
		if marker != "" && strings.Contains(lowered, strings.ToLower(marker)) {
			return marker, true
		}
	}
	return "", false
}

// ContinueSelectors lists the selectors the challenge loop tries to click.
func (d *Detector) ContinueSelectors() []string {
	return d.selectors
}
