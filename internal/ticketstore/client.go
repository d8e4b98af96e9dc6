package ticketstore

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// Client resolves tickets against an external issuing service over HTTP,
// for deployments where the main backend owns the ticket records.
type Client struct {
	base string
	http *http.Client
}

// lookupResponse is the body of a successful ticket lookup
type lookupResponse struct {
	UserID int64 `json:"userId"`
}

// NewClient returns a Client for the ticket service at base, e.g.
// https://api.example.org - tickets are looked up at {base}/ws/{uuid}.
// Lookups that outlive the request timeout fail closed.
func NewClient(base string) *Client {
	return &Client{
		base: strings.TrimSuffix(base, "/"),
		http: &http.Client{Timeout: 5 * time.Second},
	}
}

// Resolve looks up the owner of connectionID at the ticket service. Any
// network or service failure is reported as ErrNotFound so that admission
// fails closed.
func (c *Client) Resolve(ctx context.Context, connectionID string) (int64, error) {

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/ws/"+connectionID, nil)
	if err != nil {
		log.WithFields(log.Fields{"connection_id": connectionID, "error": err.Error()}).Error("ticket lookup request not created")
		return 0, ErrNotFound
	}

	resp, err := c.http.Do(req)
	if err != nil {
		log.WithFields(log.Fields{"connection_id": connectionID, "error": err.Error()}).Warning("ticket lookup failed")
		return 0, ErrNotFound
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		log.WithFields(log.Fields{"connection_id": connectionID, "status": resp.StatusCode}).Info("ticket not found")
		return 0, ErrNotFound
	}

	var body lookupResponse

	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		log.WithFields(log.Fields{"connection_id": connectionID, "error": err.Error()}).Warning("ticket lookup body unparseable")
		return 0, ErrNotFound
	}

	return body.UserID, nil
}

// Invalidate deletes the ticket at the ticket service, best effort.
func (c *Client) Invalidate(ctx context.Context, connectionID string) error {

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.base+"/ws/"+connectionID, nil)
	if err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("ticket delete returned %d", resp.StatusCode)
	}

	return nil
}
