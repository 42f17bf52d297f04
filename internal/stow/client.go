// Package stow implements a minimal STOW-RS store client (PS3.18
// 10.5): one multipart/related POST per instance batch.
package stow

import (
	"bytes"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

const partContentType = "application/dicom"

// Client posts DICOM part-10 payloads to a STOW-RS endpoint.
type Client struct {
	Endpoint string
	HTTP     *http.Client
	Headers  map[string]string
}

// NewClient builds a client for the service base URL (the "/studies"
// path segment is appended per request).
func NewClient(endpoint string, timeout time.Duration) *Client {
	return &Client{
		Endpoint: strings.TrimRight(endpoint, "/"),
		HTTP:     &http.Client{Timeout: timeout},
	}
}

// Store posts the given part-10 instances to ${endpoint}/studies. A
// non-2xx answer is returned as an error covering the whole batch.
func (c *Client) Store(instances [][]byte) error {
	if len(instances) == 0 {
		return nil
	}

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	for i, instance := range instances {
		header := textproto.MIMEHeader{}
		header.Set("Content-Type", partContentType)
		part, err := writer.CreatePart(header)
		if err != nil {
			return fmt.Errorf("failed to create multipart part %d: %w", i, err)
		}
		if _, err := part.Write(instance); err != nil {
			return fmt.Errorf("failed to write multipart part %d: %w", i, err)
		}
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to finish multipart body: %w", err)
	}

	url := c.Endpoint + "/studies"
	req, err := http.NewRequest(http.MethodPost, url, &body)
	if err != nil {
		return fmt.Errorf("failed to build STOW request: %w", err)
	}
	req.Header.Set("Content-Type", fmt.Sprintf(`multipart/related; type=%q; boundary=%s`,
		partContentType, writer.Boundary()))
	req.Header.Set("Accept", "application/dicom+json")
	for k, v := range c.Headers {
		req.Header.Set(k, v)
	}

	client := c.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("STOW request to %s failed: %w", url, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("STOW request to %s returned %s", url, resp.Status)
	}
	logrus.Debugf("STOW-RS stored %d instance(s) to %s", len(instances), url)
	return nil
}
