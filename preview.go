package main

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
)

const openGraphImageMaxBytes = 2 << 20

var urlPattern = regexp.MustCompile(`https?://[^\s<>"]+`)

type linkPreview struct {
	URL         string
	Title       string
	Description string
	Thumbnail   []byte
}

func firstURL(text string) string {
	return urlPattern.FindString(text)
}

func newHTTPClient() *resty.Client {
	client := resty.New()
	client.SetRedirectPolicy(resty.FlexibleRedirectPolicy(15))
	client.SetTimeout(10 * time.Second)
	client.SetHeader("User-Agent", "zapgate/"+version)
	return client
}

// fetchLinkPreview scrapes OpenGraph metadata for an outgoing message's
// first URL. Best effort: any failure just means the message goes out
// without a preview.
func fetchLinkPreview(ctx context.Context, rawurl string) *linkPreview {
	resp, err := newHTTPClient().R().SetContext(ctx).Get(rawurl)
	if err != nil || resp.StatusCode() != 200 {
		log.Debug().Err(err).Str("url", rawurl).Msg("Link preview fetch failed")
		return nil
	}
	ct := resp.Header().Get("Content-Type")
	if !strings.Contains(ct, "text/html") {
		return nil
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(resp.String()))
	if err != nil {
		log.Debug().Err(err).Str("url", rawurl).Msg("Link preview parse failed")
		return nil
	}

	preview := &linkPreview{URL: rawurl}
	preview.Title = metaContent(doc, "og:title")
	if preview.Title == "" {
		preview.Title = strings.TrimSpace(doc.Find("title").First().Text())
	}
	preview.Description = metaContent(doc, "og:description")
	if preview.Description == "" {
		preview.Description = metaAttr(doc, "description")
	}

	if imgURL := metaContent(doc, "og:image"); imgURL != "" {
		if data := fetchImageBytes(ctx, imgURL); data != nil {
			thumb, terr := makeJPEGThumbnail(data)
			if terr == nil {
				preview.Thumbnail = thumb
			}
		}
	}

	if preview.Title == "" && preview.Description == "" {
		return nil
	}
	return preview
}

func metaContent(doc *goquery.Document, property string) string {
	content, _ := doc.Find(`meta[property="` + property + `"]`).First().Attr("content")
	return strings.TrimSpace(content)
}

func metaAttr(doc *goquery.Document, name string) string {
	content, _ := doc.Find(`meta[name="` + name + `"]`).First().Attr("content")
	return strings.TrimSpace(content)
}

func fetchImageBytes(ctx context.Context, rawurl string) []byte {
	resp, err := newHTTPClient().R().SetContext(ctx).Get(rawurl)
	if err != nil || resp.StatusCode() != 200 {
		return nil
	}
	body := resp.Body()
	if len(body) == 0 || len(body) > openGraphImageMaxBytes {
		return nil
	}
	return body
}
