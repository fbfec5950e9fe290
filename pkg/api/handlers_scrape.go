package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"

	ferrors "github.com/strandline/ferryman/pkg/errors"
	"github.com/strandline/ferryman/pkg/extract"
	"github.com/strandline/ferryman/pkg/logging"
)

// ScrapeRequest is the body of POST /api/v1/scrape.
type ScrapeRequest struct {
	ProductURL string `json:"product_url"`
}

// handleScrape navigates to a product page, captures the rendered HTML
// and extracts structured product data from it. A page that fails to
// load is tolerated: extraction runs against whatever rendered, and the
// caller sees empty fields rather than an error.
func (s *Server) handleScrape(w http.ResponseWriter, r *http.Request) {
	var req ScrapeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_json", "request body is not valid JSON")
		return
	}
	u, err := url.Parse(req.ProductURL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		writeError(w, http.StatusBadRequest, "invalid_url", "product_url must be an absolute http(s) url")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.Task.DefaultTimeout)
	defer cancel()

	lease, err := s.pool.AcquireContext(ctx)
	if err != nil {
		switch ferrors.CodeOf(err) {
		case ferrors.ErrCodePoolExhausted, ferrors.ErrCodePoolDegraded, ferrors.ErrCodePoolClosed:
			writeError(w, http.StatusServiceUnavailable, string(ferrors.CodeOf(err)), ferrors.UserMessage(err))
		default:
			writeError(w, http.StatusInternalServerError, string(ferrors.ErrCodeInternal), "internal error")
		}
		return
	}
	defer lease.Release()
	bctx := lease.Context()

	navCtx, navCancel := context.WithTimeout(ctx, s.cfg.Task.StepTimeout)
	if err := bctx.Navigate(navCtx, req.ProductURL); err != nil {
		s.log.Warn(logging.CategoryExtract, "scrape_navigation_failed", "page load failed, extracting what rendered", map[string]any{
			"url":   req.ProductURL,
			"error": ferrors.UserMessage(err),
		})
	}
	navCancel()

	html, err := bctx.Content(ctx)
	if err != nil {
		if ferrors.CodeOf(err) == ferrors.ErrCodeInternal {
			lease.MarkCrashed()
		}
		writeError(w, http.StatusInternalServerError, string(ferrors.ErrCodeInternal), "internal error")
		return
	}

	product, err := extract.FromHTML(html, req.ProductURL)
	if err != nil {
		writeError(w, http.StatusInternalServerError, string(ferrors.ErrCodeInternal), "internal error")
		return
	}
	product.Category = extract.NormalizeCategory(product.Category)
	product.Gender = extract.NormalizeGender(product.Gender)

	metricScrapesTotal.Inc()
	writeJSON(w, http.StatusOK, product)
}
