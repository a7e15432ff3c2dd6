package dispatch

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ignite/bulk-emailer/internal/emailer"
)

func testRenderContext(t *testing.T) *RenderContext {
	t.Helper()
	return &RenderContext{
		Item: &emailer.MailItem{
			Headline:        "Quarterly Roundup",
			BodyText:        "<p>Hello <strong>world</strong></p>",
			PublicationDate: time.Date(2026, time.September, 1, 0, 0, 0, 0, time.UTC),
		},
		List: &emailer.MailingList{
			Name:           "Weekly Digest",
			Slug:           "weekly-digest",
			EmailDirectory: filepath.Join(t.TempDir(), "missing"),
		},
		Subscriber: &emailer.Subscriber{
			FirstName: "Jamie",
			LastName:  "Doe",
			Email:     "jamie@example.com",
		},
		BaseURL:          "https://example.com",
		TrackingPixelURL: "https://example.com/opened/abc/key.png",
		ManageURL:        "https://example.com/subscriptions/key/",
		UnsubscribeURL:   "https://example.com/unsubscribe/weekly-digest/key/",
	}
}

func TestRenderDefaults(t *testing.T) {
	rc := testRenderContext(t)
	text, html, err := NewRenderer().Render(rc)
	if err != nil {
		t.Fatalf("Render() error: %v", err)
	}

	if !strings.Contains(html, "Quarterly Roundup") {
		t.Error("html body missing headline")
	}
	if !strings.Contains(html, rc.TrackingPixelURL) {
		t.Error("html body missing tracking pixel")
	}
	if !strings.Contains(html, rc.UnsubscribeURL) {
		t.Error("html body missing unsubscribe link")
	}
	if strings.Contains(text, "<strong>") {
		t.Error("text body should have html stripped")
	}
	if !strings.Contains(text, rc.ManageURL) {
		t.Error("text body missing manage link")
	}
	if strings.Contains(text, rc.TrackingPixelURL) {
		t.Error("text body must not carry the tracking pixel")
	}
}

func TestRenderUpdateTextShownOnlyWhenSet(t *testing.T) {
	rc := testRenderContext(t)
	_, html, err := NewRenderer().Render(rc)
	if err != nil {
		t.Fatalf("Render() error: %v", err)
	}
	if strings.Contains(html, "<em></em>") {
		t.Error("empty update text should not render an empty block")
	}

	rc.Item.UpdateText = "Corrected the venue address."
	_, html, err = NewRenderer().Render(rc)
	if err != nil {
		t.Fatalf("Render() error: %v", err)
	}
	if !strings.Contains(html, "Corrected the venue address.") {
		t.Error("update text missing from html body")
	}
}

func TestRenderDirectoryOverride(t *testing.T) {
	dir := t.TempDir()
	override := "CUSTOM {{ first_name }} {{ headline }}"
	if err := os.WriteFile(filepath.Join(dir, "email_text.liquid"), []byte(override), 0o644); err != nil {
		t.Fatal(err)
	}

	rc := testRenderContext(t)
	rc.List.EmailDirectory = dir

	text, _, err := NewRenderer().Render(rc)
	if err != nil {
		t.Fatalf("Render() error: %v", err)
	}
	if !strings.Contains(text, "CUSTOM Jamie Quarterly Roundup") {
		t.Errorf("text = %q, want the directory override rendered", text)
	}
}
