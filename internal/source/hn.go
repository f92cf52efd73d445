package source

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/yangwenmai/dailydigest/internal/model"
)

const hnBaseURL = "https://news.ycombinator.com"

var leadingNumber = regexp.MustCompile(`^\d+`)

// HNFront reads the Hacker News front page archive for a given day.
type HNFront struct {
	client  *http.Client
	baseURL string
	limit   int
}

// NewHNFront wires an HTTP client; limit caps the number of stories (0 keeps all).
func NewHNFront(client *http.Client, limit int) *HNFront {
	if client == nil {
		client = &http.Client{Timeout: 20 * time.Second}
	}
	return &HNFront{client: client, baseURL: hnBaseURL, limit: limit}
}

// WithBaseURL points the scraper at another host (tests).
func (h *HNFront) WithBaseURL(u string) *HNFront {
	h.baseURL = strings.TrimRight(u, "/")
	return h
}

// FetchItemList returns the front page stories of date in rank order.
func (h *HNFront) FetchItemList(ctx context.Context, date string) ([]model.RawItem, error) {
	pageURL := fmt.Sprintf("%s/front?day=%s", h.baseURL, url.QueryEscape(date))
	doc, err := h.fetchDocument(ctx, pageURL)
	if err != nil {
		return nil, fmt.Errorf("hn front %s: %w", date, err)
	}
	return h.extractStories(doc), nil
}

func (h *HNFront) fetchDocument(ctx context.Context, pageURL string) (*goquery.Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", "dailydigest/1.0")

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request document: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("hacker news returned %s", resp.Status)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse document: %w", err)
	}
	return doc, nil
}

func (h *HNFront) extractStories(doc *goquery.Document) []model.RawItem {
	var items []model.RawItem
	doc.Find("tr.athing").EachWithBreak(func(_ int, row *goquery.Selection) bool {
		if h.limit > 0 && len(items) >= h.limit {
			return false
		}
		if it, ok := h.parseStory(row, row.Next()); ok {
			items = append(items, it)
		}
		return true
	})
	return items
}

func (h *HNFront) parseStory(row, sub *goquery.Selection) (model.RawItem, bool) {
	id, _ := row.Attr("id")
	link := row.Find("span.titleline > a").First()
	title := strings.TrimSpace(link.Text())
	if id == "" || title == "" {
		return model.RawItem{}, false
	}

	commentsURL := h.baseURL + "/item?id=" + id
	href, _ := link.Attr("href")
	if href == "" || strings.HasPrefix(href, "item?id=") {
		// Ask HN and other text posts link back to the discussion.
		href = commentsURL
	} else if !strings.HasPrefix(href, "http") {
		href = h.baseURL + "/" + strings.TrimPrefix(href, "/")
	}

	var comments int
	sub.Find(`a[href^="item?id="]`).Each(func(_ int, a *goquery.Selection) {
		if strings.Contains(a.Text(), "comment") {
			comments = parseCount(a.Text())
		}
	})

	var published string
	if stamp, ok := sub.Find("span.age").First().Attr("title"); ok {
		if f := strings.Fields(stamp); len(f) > 0 {
			published = f[0]
		}
	}

	return model.RawItem{
		ExternalID:  "hn-" + id,
		Title:       title,
		URL:         href,
		CommentsURL: commentsURL,
		Source:      "hackernews",
		Points:      parseCount(sub.Find("span.score").First().Text()),
		Comments:    comments,
		PublishedAt: published,
	}, true
}

func parseCount(s string) int {
	n, _ := strconv.Atoi(leadingNumber.FindString(strings.TrimSpace(strings.ReplaceAll(s, "\u00a0", " "))))
	return n
}
