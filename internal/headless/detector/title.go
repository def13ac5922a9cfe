package detector

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// TitleOf extracts the document title from an HTML body. Unparseable input
// yields an empty title.
func TitleOf(html string) string {
	if html == "" {
		return ""
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(doc.Find("title").First().Text())
}

// DetectHTML parses the title out of an HTTP response body and runs Detect.
func (d *Detector) DetectHTML(html string, status int) (Match, bool) {
	return d.Detect(Page{Title: TitleOf(html), Body: html, Status: status})
}
