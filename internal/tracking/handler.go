// Package tracking serves the open-beacon endpoint. Mail clients load a
// per-subscriber pixel URL embedded in each sent email; the handler
// records the first open and always answers with the pixel so tracking
// never visibly fails.
package tracking

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/ignite/bulk-emailer/internal/emailer"
)

// 1x1 transparent PNG
var pixelPNG = []byte{
	0x89, 0x50, 0x4e, 0x47, 0x0d, 0x0a, 0x1a, 0x0a, 0x00, 0x00,
	0x00, 0x0d, 0x49, 0x48, 0x44, 0x52, 0x00, 0x00, 0x00, 0x01,
	0x00, 0x00, 0x00, 0x01, 0x08, 0x06, 0x00, 0x00, 0x00, 0x1f,
	0x15, 0xc4, 0x89, 0x00, 0x00, 0x00, 0x0b, 0x49, 0x44, 0x41,
	0x54, 0x78, 0xda, 0x63, 0x60, 0x00, 0x02, 0x00, 0x00, 0x05,
	0x00, 0x01, 0xe9, 0xfa, 0xdc, 0xd8, 0x00, 0x00, 0x00, 0x00,
	0x49, 0x45, 0x4e, 0x44, 0xae, 0x42, 0x60, 0x82,
}

// TrackerStore is the subset of the emailer store the beacon needs.
type TrackerStore interface {
	GetTracker(ctx context.Context, trackerID uuid.UUID) (*emailer.Tracker, error)
	SaveTrackerLedger(ctx context.Context, trackerID uuid.UUID, ledger emailer.Ledger) error
}

// Handler records email opens and serves the tracking pixel.
type Handler struct {
	store TrackerStore
	path  string
	now   func() time.Time
}

// NewHandler creates a beacon handler. path is the URL segment the pixel
// routes live under (e.g. "opened").
func NewHandler(store TrackerStore, path string) *Handler {
	return &Handler{store: store, path: path, now: time.Now}
}

// Routes returns the beacon router.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/"+h.path+"/{trackerID}/{subscriberKey}.png", h.HandleOpen)
	r.Get("/health", h.HandleHealth)
	return r
}

// HandleOpen records at most one open per subscriber per tracker, then
// unconditionally serves the pixel. Unknown tracker ids, repeat opens and
// storage errors all fall through to the pixel: a broken image in the
// recipient's mail client would leak that tracking exists.
func (h *Handler) HandleOpen(w http.ResponseWriter, r *http.Request) {
	defer h.servePixel(w)

	trackerID, err := uuid.Parse(chi.URLParam(r, "trackerID"))
	if err != nil {
		return
	}
	subscriberKey := chi.URLParam(r, "subscriberKey")
	if subscriberKey == "" {
		return
	}

	tracker, err := h.store.GetTracker(r.Context(), trackerID)
	if err != nil {
		log.Printf("[Beacon] tracker lookup %s: %v", trackerID, err)
		return
	}
	if tracker == nil {
		return
	}

	now := h.now()
	if !tracker.Ledger.Record(subscriberKey, now.Year(), int(now.Month())) {
		// First open already recorded for this subscriber
		return
	}
	if err := h.store.SaveTrackerLedger(r.Context(), trackerID, tracker.Ledger); err != nil {
		log.Printf("[Beacon] ledger save %s: %v", trackerID, err)
		return
	}

	log.Printf("OPEN tracker=%s", trackerID)
}

// HandleHealth reports liveness for the load balancer.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (h *Handler) servePixel(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate")
	w.WriteHeader(http.StatusOK)
	w.Write(pixelPNG)
}
