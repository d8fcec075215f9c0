package v1

import (
	"encoding/xml"
	"fmt"
	"strings"
	"time"

	"github.com/stevedylandev/stevedylan.dev/pkg/config"
	"github.com/stevedylandev/stevedylan.dev/pkg/pds"
)

// feedTitleLimit truncates long posts in the item title.
const feedTitleLimit = 100

type rssFeed struct {
	XMLName xml.Name   `xml:"rss"`
	Version string     `xml:"version,attr"`
	Channel rssChannel `xml:"channel"`
}

type rssChannel struct {
	Title         string    `xml:"title"`
	Link          string    `xml:"link"`
	Description   string    `xml:"description"`
	Language      string    `xml:"language"`
	Copyright     string    `xml:"copyright"`
	LastBuildDate string    `xml:"lastBuildDate"`
	Items         []rssItem `xml:"item"`
}

type rssItem struct {
	Title       string `xml:"title"`
	Link        string `xml:"link"`
	GUID        string `xml:"guid"`
	Description string `xml:"description"`
	PubDate     string `xml:"pubDate"`
}

// buildFeed renders the owner's posts as an RSS 2.0 document. Replies are
// skipped; embedded images become img tags pointing at the public blob
// endpoint.
func buildFeed(cfg *config.Config, records []pds.ListedRecord, now time.Time) *rssFeed {
	feed := &rssFeed{
		Version: "2.0",
		Channel: rssChannel{
			Title:         "Steve Dylan - Updates",
			Link:          cfg.ClientURL + "/",
			Description:   "Small updates from my life that don't quite fit into a blog",
			Language:      "en",
			Copyright:     "All rights reserved, Steve Dylan",
			LastBuildDate: now.Format(time.RFC1123Z),
		},
	}

	for _, record := range records {
		if record.Value.Reply != nil {
			continue
		}

		rkey := record.URI
		if idx := strings.LastIndex(record.URI, "/"); idx >= 0 {
			rkey = record.URI[idx+1:]
		}
		link := cfg.ClientURL + "/pds?rkey=" + rkey

		title := record.Value.Text
		if len(title) > feedTitleLimit {
			title = title[:feedTitleLimit] + "..."
		}

		content := record.Value.Text
		if embed := record.Value.Embed; embed != nil && embed.Type == "app.bsky.embed.images" {
			var images strings.Builder
			for _, image := range embed.Images {
				alt := image.Alt
				if alt == "" {
					alt = "Image from post"
				}
				blobURL := pds.BlobURL(cfg.PDSURL, cfg.AllowedDID, image.Image.Ref.Link)
				fmt.Fprintf(&images, `<img src="%s" alt="%s" />`, blobURL, alt)
			}
			if images.Len() > 0 {
				content = "<p>" + record.Value.Text + "</p>" + images.String()
			}
		}

		feed.Channel.Items = append(feed.Channel.Items, rssItem{
			Title:       title,
			Link:        link,
			GUID:        link,
			Description: content,
			PubDate:     record.Value.CreatedAt.Format(time.RFC1123Z),
		})
	}

	return feed
}

func renderFeed(feed *rssFeed) ([]byte, error) {
	body, err := xml.MarshalIndent(feed, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal feed: %w", err)
	}
	return append([]byte(xml.Header), body...), nil
}
