// Package scrape fetches lead websites and pulls contact details out of them.
package scrape

import "context"

// Page is what one website visit yielded.
type Page struct {
	URL         string            `json:"url"`
	StatusCode  int               `json:"status_code"`
	Title       string            `json:"title,omitempty"`
	Description string            `json:"description,omitempty"`
	Emails      []string          `json:"emails,omitempty"`
	Phones      []string          `json:"phones,omitempty"`
	Socials     map[string]string `json:"socials,omitempty"`
}

// Fields flattens the page into extracted_data keys. The first email and
// phone found win.
func (p *Page) Fields() map[string]string {
	out := map[string]string{}
	if len(p.Emails) > 0 {
		out["email"] = p.Emails[0]
	}
	if len(p.Phones) > 0 {
		out["phone"] = p.Phones[0]
	}
	if p.Title != "" {
		out["site_title"] = p.Title
	}
	if p.Description != "" {
		out["site_description"] = p.Description
	}
	for network, link := range p.Socials {
		out[network] = link
	}
	return out
}

// Scraper fetches a single URL and extracts contact details.
type Scraper interface {
	Scrape(ctx context.Context, url string) (*Page, error)
}
