// Package classify identifies pieces from camera frames and turns a handful
// of per-frame answers into one consensus.
package classify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"time"

	"github.com/banshee-data/sorter/internal/config"
	"github.com/banshee-data/sorter/internal/httputil"
	"github.com/banshee-data/sorter/internal/monitoring"
)

// ErrNoMatch is returned when the service recognised nothing in the image.
var ErrNoMatch = errors.New("no item recognised")

// Result is one recognition answer.
type Result struct {
	ItemID string  `json:"item_id"`
	Name   string  `json:"name,omitempty"`
	Score  float64 `json:"score"`
}

// Sorter classifies an image and maps the answer onto a sorting category.
type Sorter interface {
	Classify(ctx context.Context, jpeg []byte) (Result, error)
	LookupCategory(r Result) (string, bool)
}

// PieceSorter asks a remote piece-recognition service and sorts by profile.
type PieceSorter struct {
	client  httputil.HTTPClient
	url     string
	timeout time.Duration
	profile *Profile
}

var _ Sorter = (*PieceSorter)(nil)

func NewPieceSorter(client httputil.HTTPClient, cfg config.ClassifierConfig, profile *Profile) *PieceSorter {
	if client == nil {
		client = http.DefaultClient
	}
	if profile == nil {
		profile = &Profile{}
	}
	return &PieceSorter{client: client, url: cfg.URL, timeout: cfg.Timeout.D(), profile: profile}
}

type predictResponse struct {
	ListingID string `json:"listing_id"`
	Items     []struct {
		ID       string  `json:"id"`
		Name     string  `json:"name"`
		Category string  `json:"category"`
		Score    float64 `json:"score"`
	} `json:"items"`
}

// Classify posts the image as multipart form field query_image and returns
// the best-scoring item.
func (s *PieceSorter) Classify(ctx context.Context, jpeg []byte) (Result, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="query_image"; filename="frame.jpg"`)
	h.Set("Content-Type", "image/jpeg")
	part, err := mw.CreatePart(h)
	if err != nil {
		return Result{}, err
	}
	if _, err := part.Write(jpeg); err != nil {
		return Result{}, err
	}
	if err := mw.Close(); err != nil {
		return Result{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, &body)
	if err != nil {
		return Result{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("classifier request: %w", err)
	}
	var pr predictResponse
	if err := httputil.DecodeJSON(resp, &pr); err != nil {
		return Result{}, fmt.Errorf("classifier response: %w", err)
	}

	var best *Result
	for _, it := range pr.Items {
		if best == nil || it.Score > best.Score {
			best = &Result{ItemID: it.ID, Name: it.Name, Score: it.Score}
		}
	}
	if best == nil || best.ItemID == "" {
		return Result{}, ErrNoMatch
	}
	monitoring.Tracef("[classify] %s (%s) score %.3f", best.ItemID, best.Name, best.Score)
	return *best, nil
}

// LookupCategory maps the item through the profile. Items the profile does
// not name fall into its default category.
func (s *PieceSorter) LookupCategory(r Result) (string, bool) {
	return s.profile.Category(r.ItemID)
}
