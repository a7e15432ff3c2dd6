package crmsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ignite/bulk-emailer/internal/emailer"
	"github.com/ignite/bulk-emailer/internal/pkg/httpretry"
)

// HTTPClient implements Client against a Mailchimp-compatible marketing
// API. Members are keyed by the md5 email hash, so upserts are idempotent
// and survive address changes (the hash is computed from the stable
// crm_email, not the current address). Credentials come from the list,
// not the client: each list carries its own API user, key and remote
// list id.
type HTTPClient struct {
	baseURL    string
	httpClient httpretry.HTTPDoer
}

// NewHTTPClient creates a CRM client for the given API base URL, e.g.
// "https://us14.api.mailchimp.com".
func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		httpClient: httpretry.NewRetryClient(&http.Client{
			Timeout: 60 * time.Second,
		}, 3),
	}
}

// SetHTTPClient sets a custom HTTP client (useful for testing)
func (c *HTTPClient) SetHTTPClient(client httpretry.HTTPDoer) {
	c.httpClient = client
}

type memberPayload struct {
	EmailAddress string            `json:"email_address,omitempty"`
	Status       string            `json:"status,omitempty"`
	StatusIfNew  string            `json:"status_if_new,omitempty"`
	MergeFields  map[string]string `json:"merge_fields,omitempty"`
}

// UpsertMember creates or updates the member on the list's remote
// counterpart. PUT on the hash-keyed member URL is create-or-update in
// one call.
func (c *HTTPClient) UpsertMember(ctx context.Context, list *emailer.MailingList, member Member) error {
	payload := memberPayload{
		EmailAddress: member.Email,
		StatusIfNew:  "subscribed",
		MergeFields: map[string]string{
			"FNAME": member.FirstName,
			"LNAME": member.LastName,
		},
	}
	status, body, err := c.doRequest(ctx, http.MethodPut, c.memberURL(list, member.EmailHash), list, payload)
	if err != nil {
		return err
	}
	if status >= 400 {
		return fmt.Errorf("crm upsert returned %d: %s", status, body)
	}
	return nil
}

// Unsubscribe marks the member unsubscribed. A 404 means the member was
// never synced, which is not an error for a deletion.
func (c *HTTPClient) Unsubscribe(ctx context.Context, list *emailer.MailingList, emailHash string) error {
	payload := memberPayload{Status: "unsubscribed"}
	status, body, err := c.doRequest(ctx, http.MethodPatch, c.memberURL(list, emailHash), list, payload)
	if err != nil {
		return err
	}
	if status == http.StatusNotFound {
		return nil
	}
	if status >= 400 {
		return fmt.Errorf("crm unsubscribe returned %d: %s", status, body)
	}
	return nil
}

func (c *HTTPClient) memberURL(list *emailer.MailingList, emailHash string) string {
	return fmt.Sprintf("%s/3.0/lists/%s/members/%s", c.baseURL, list.CRMListID, emailHash)
}

func (c *HTTPClient) doRequest(ctx context.Context, method, url string, list *emailer.MailingList, payload interface{}) (int, []byte, error) {
	jsonBody, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, fmt.Errorf("marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(jsonBody))
	if err != nil {
		return 0, nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(list.CRMUser, list.CRMAPIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("crm request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response body: %w", err)
	}
	return resp.StatusCode, body, nil
}
