package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

const (
	// FetchTimeout bounds a page fetch for `ask -url`
	FetchTimeout = 30 * time.Second

	// UserAgent for HTTP requests
	UserAgent = "LLM-Council-Client/1.0"

	// MaxPageTextLength caps the page text added to a question
	MaxPageTextLength = 20000
)

// blockSelector matches the elements whose text is kept, one paragraph each
const blockSelector = "h1, h2, h3, h4, h5, h6, p, li, pre, blockquote, td"

// PageContent is the readable text of a web page
type PageContent struct {
	URL       string
	Title     string
	Text      string
	Truncated bool
}

// FetchURLContent downloads a page and extracts its title and text.
func FetchURLContent(ctx context.Context, rawURL string) (*PageContent, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid URL %q: must be an absolute http(s) URL", rawURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")

	client := &http.Client{Timeout: FetchTimeout}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code %d for %s", resp.StatusCode, rawURL)
	}

	// Parse HTML
	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %w", err)
	}

	page := ExtractPageContent(doc)
	page.URL = rawURL
	return page, nil
}

// ExtractPageContent pulls the title and main text out of a parsed page. Scripts,
// styles and page chrome are dropped; the text is cut at MaxPageTextLength.
func ExtractPageContent(doc *goquery.Document) *PageContent {
	page := &PageContent{
		Title: collapseSpace(doc.Find("title").First().Text()),
	}

	doc.Find("script, style, noscript, template, nav, header, footer, aside, form").Remove()

	// Prefer the main content region when the page marks one
	root := doc.Find("article").First()
	if root.Length() == 0 {
		root = doc.Find("main").First()
	}
	if root.Length() == 0 {
		root = doc.Find("body")
	}

	var paragraphs []string
	root.Find(blockSelector).Each(func(i int, s *goquery.Selection) {
		// Nested blocks are covered by their outermost block
		if s.ParentsFiltered(blockSelector).Length() > 0 {
			return
		}
		if text := collapseSpace(s.Text()); text != "" {
			paragraphs = append(paragraphs, text)
		}
	})
	if len(paragraphs) == 0 {
		if text := collapseSpace(root.Text()); text != "" {
			paragraphs = append(paragraphs, text)
		}
	}

	if page.Title == "" {
		page.Title = collapseSpace(doc.Find("h1").First().Text())
	}

	text := strings.Join(paragraphs, "\n\n")
	if len(text) > MaxPageTextLength {
		text = strings.ToValidUTF8(text[:MaxPageTextLength], "")
		page.Truncated = true
	}
	page.Text = text
	return page
}

// Question prefixes question with the page as context.
func (p *PageContent) Question(question string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Context from %s", p.URL)
	if p.Title != "" {
		fmt.Fprintf(&b, " (%s)", p.Title)
	}
	b.WriteString(":\n\n")
	b.WriteString(p.Text)
	if p.Truncated {
		b.WriteString("\n\n[page truncated]")
	}
	b.WriteString("\n\n")
	b.WriteString(question)
	return b.String()
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
