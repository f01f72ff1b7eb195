// Package relay implements the authenticated REST transport to the
// relay server plus typed wrappers for each resource. The transport
// attaches the current access token, retries exactly once after a
// refresh on 401, and surfaces every other error status verbatim as a
// TransportError for callers to judge.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

const (
	requestTimeout = 30 * time.Second

	// Presigned uploads move whole attachments; give them minutes, not
	// seconds.
	uploadTimeout = 5 * time.Minute
)

// TokenSource supplies and refreshes the bearer token. Satisfied by
// *auth.Manager.
type TokenSource interface {
	AccessToken() string
	Refresh(ctx context.Context) (string, error)
}

// TransportError is a non-2xx relay response, surfaced verbatim.
type TransportError struct {
	Status int
	Body   string
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("relay returned status %d: %s", e.Status, e.Body)
}

// IsStatus reports whether err is a TransportError with the given status.
func IsStatus(err error, status int) bool {
	var te *TransportError
	return errors.As(err, &te) && te.Status == status
}

// Client talks to the relay REST API.
type Client struct {
	httpClient   *http.Client
	uploadClient *http.Client
	baseURL      string
	tokens       TokenSource
	logger       *slog.Logger
}

// NewClient creates a relay API client. If httpClient is nil a default
// with a 30 second timeout is used.
func NewClient(baseURL string, tokens TokenSource, logger *slog.Logger, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: requestTimeout}
	}

	return &Client{
		httpClient:   httpClient,
		uploadClient: &http.Client{Timeout: uploadTimeout},
		baseURL:      baseURL,
		tokens:       tokens,
		logger:       logger,
	}
}

// Do executes one authenticated JSON request. On 401 it refreshes the
// token and retries the original request exactly once; if the refresh or
// the retried request fails, the original 401 is what the caller sees.
func (c *Client) Do(ctx context.Context, method, path string, body, result any) error {
	status, respBody, err := c.execute(ctx, method, path, body)
	if err != nil {
		return err
	}

	if status == http.StatusUnauthorized {
		original := &TransportError{Status: status, Body: string(respBody)}

		if _, rerr := c.tokens.Refresh(ctx); rerr != nil {
			// Refresh failed: surface the original 401, not the refresh
			// error. The auth layer already logged why refresh broke.
			c.logger.Warn("token refresh after 401 failed",
				slog.String("path", path),
				slog.String("error", rerr.Error()),
			)

			return original
		}

		status, respBody, err = c.execute(ctx, method, path, body)
		if err != nil {
			return err
		}

		if status < 200 || status >= 300 {
			// The retry gets one shot; when it also fails the caller acts
			// on the 401 that started the sequence.
			c.logger.Warn("retried request after refresh failed",
				slog.String("path", path),
				slog.Int("status", status),
			)

			return original
		}
	}

	if status < 200 || status >= 300 {
		return &TransportError{Status: status, Body: string(respBody)}
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("decoding response from %s: %w", path, err)
		}
	}

	return nil
}

func (c *Client) execute(ctx context.Context, method, path string, body any) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("marshalling request body: %w", err)
		}

		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("creating request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if token := c.tokens.AccessToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("sending %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("reading response from %s: %w", path, err)
	}

	return resp.StatusCode, respBody, nil
}

// PushMessages uploads one already-chunked batch of message records.
// The batch id identifies the enclosing push so the relay can correlate
// its chunks for checkpointing.
func (c *Client) PushMessages(ctx context.Context, batchID string, messages []Message) (SyncResult, error) {
	var res SyncResult
	req := syncMessagesRequest{BatchID: batchID, Messages: messages}
	if err := c.Do(ctx, http.MethodPost, "/v1/messages/sync", req, &res); err != nil {
		return SyncResult{}, fmt.Errorf("pushing messages: %w", err)
	}

	return res, nil
}

// PushContacts uploads one batch of contact records.
func (c *Client) PushContacts(ctx context.Context, contacts []Contact) (SyncResult, error) {
	var res SyncResult
	if err := c.Do(ctx, http.MethodPost, "/v1/contacts/sync", syncContactsRequest{Contacts: contacts}, &res); err != nil {
		return SyncResult{}, fmt.Errorf("pushing contacts: %w", err)
	}

	return res, nil
}

// PushCalls uploads one batch of call-history records.
func (c *Client) PushCalls(ctx context.Context, calls []CallRecord) (SyncResult, error) {
	var res SyncResult
	if err := c.Do(ctx, http.MethodPost, "/v1/calls/sync", syncCallsRequest{Calls: calls}, &res); err != nil {
		return SyncResult{}, fmt.Errorf("pushing calls: %w", err)
	}

	return res, nil
}

// PushReadReceipts uploads one batch of read receipts.
func (c *Client) PushReadReceipts(ctx context.Context, receipts []ReadReceipt) (SyncResult, error) {
	var res SyncResult
	if err := c.Do(ctx, http.MethodPost, "/v1/messages/receipts", syncReceiptsRequest{Receipts: receipts}, &res); err != nil {
		return SyncResult{}, fmt.Errorf("pushing read receipts: %w", err)
	}

	return res, nil
}

// PullMessages fetches one page of message records.
func (c *Client) PullMessages(ctx context.Context, cursor string, limit int) (MessagesPage, error) {
	var page MessagesPage
	if err := c.Do(ctx, http.MethodGet, pagePath("/v1/messages", cursor, limit), nil, &page); err != nil {
		return MessagesPage{}, fmt.Errorf("pulling messages: %w", err)
	}

	return page, nil
}

// PullContacts fetches one page of contact records.
func (c *Client) PullContacts(ctx context.Context, cursor string, limit int) (ContactsPage, error) {
	var page ContactsPage
	if err := c.Do(ctx, http.MethodGet, pagePath("/v1/contacts", cursor, limit), nil, &page); err != nil {
		return ContactsPage{}, fmt.Errorf("pulling contacts: %w", err)
	}

	return page, nil
}

func pagePath(base, cursor string, limit int) string {
	q := url.Values{}
	if cursor != "" {
		q.Set("cursor", cursor)
	}

	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}

	if len(q) == 0 {
		return base
	}

	return base + "?" + q.Encode()
}

// Devices lists the paired devices on the account.
func (c *Client) Devices(ctx context.Context) ([]Device, error) {
	var devices []Device
	if err := c.Do(ctx, http.MethodGet, "/v1/devices", nil, &devices); err != nil {
		return nil, fmt.Errorf("listing devices: %w", err)
	}

	return devices, nil
}

// RemoveDevice unpairs a device from the account.
func (c *Client) RemoveDevice(ctx context.Context, deviceID string) error {
	if err := c.Do(ctx, http.MethodDelete, "/v1/devices/"+url.PathEscape(deviceID), nil, nil); err != nil {
		return fmt.Errorf("removing device %s: %w", deviceID, err)
	}

	return nil
}

// CreateFileTransfer registers an upload and returns its presigned target.
func (c *Client) CreateFileTransfer(ctx context.Context, fileName, contentType string, size int64) (FileTransferGrant, error) {
	var grant FileTransferGrant
	req := createTransferRequest{FileName: fileName, ContentType: contentType, Size: size}
	if err := c.Do(ctx, http.MethodPost, "/v1/file-transfers", req, &grant); err != nil {
		return FileTransferGrant{}, fmt.Errorf("creating file transfer: %w", err)
	}

	return grant, nil
}

// UploadPresigned PUTs raw bytes to a presigned URL. The URL embeds its
// own credentials, so no bearer token is attached.
func (c *Client) UploadPresigned(ctx context.Context, uploadURL string, data []byte, contentType string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, uploadURL, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("creating upload request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.ContentLength = int64(len(data))

	resp, err := c.uploadClient.Do(req)
	if err != nil {
		return fmt.Errorf("uploading to presigned url: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &TransportError{Status: resp.StatusCode, Body: string(body)}
	}

	return nil
}

// CompleteFileTransfer confirms a finished upload and registers its
// final size and content type with the relay.
func (c *Client) CompleteFileTransfer(ctx context.Context, id string, size int64, contentType string) error {
	req := completeTransferRequest{Size: size, ContentType: contentType}
	if err := c.Do(ctx, http.MethodPost, "/v1/file-transfers/"+url.PathEscape(id)+"/complete", req, nil); err != nil {
		return fmt.Errorf("completing file transfer %s: %w", id, err)
	}

	return nil
}

// PendingCallCommands fetches unprocessed call commands. This is the
// fallback path for calls that arrive while realtime delivery was not
// guaranteed.
func (c *Client) PendingCallCommands(ctx context.Context) ([]CallCommand, error) {
	var resp pendingCommandsResponse
	if err := c.Do(ctx, http.MethodGet, "/v1/calls/commands?processed=false", nil, &resp); err != nil {
		return nil, fmt.Errorf("fetching pending call commands: %w", err)
	}

	return resp.Commands, nil
}

// MarkCommandProcessed flips a call command's processed flag so the
// relay stops redelivering it.
func (c *Client) MarkCommandProcessed(ctx context.Context, id string) error {
	req := commandProcessedRequest{Processed: true}
	if err := c.Do(ctx, http.MethodPut, "/v1/calls/commands/"+url.PathEscape(id), req, nil); err != nil {
		return fmt.Errorf("marking command %s processed: %w", id, err)
	}

	return nil
}

// UpdateCallStatus writes the server-side status of a call.
func (c *Client) UpdateCallStatus(ctx context.Context, callID, status string) error {
	req := callStatusRequest{Status: status}
	if err := c.Do(ctx, http.MethodPut, "/v1/calls/active/"+url.PathEscape(callID), req, nil); err != nil {
		return fmt.Errorf("updating call %s status: %w", callID, err)
	}

	return nil
}

// GroupKeys fetches the public keys of the recipient device group.
func (c *Client) GroupKeys(ctx context.Context) (GroupKeys, error) {
	var keys GroupKeys
	if err := c.Do(ctx, http.MethodGet, "/v1/keys/group", nil, &keys); err != nil {
		return GroupKeys{}, fmt.Errorf("fetching group keys: %w", err)
	}

	return keys, nil
}

// PublishKey uploads this device's public key to the group.
func (c *Client) PublishKey(ctx context.Context, deviceID, publicKey string) error {
	body := map[string]string{"device_id": deviceID, "public_key": publicKey}
	if err := c.Do(ctx, http.MethodPost, "/v1/keys/group", body, nil); err != nil {
		return fmt.Errorf("publishing device key: %w", err)
	}

	return nil
}

// AccountUsage fetches sync statistics for the account.
func (c *Client) AccountUsage(ctx context.Context) (Usage, error) {
	var usage Usage
	if err := c.Do(ctx, http.MethodGet, "/v1/account/usage", nil, &usage); err != nil {
		return Usage{}, fmt.Errorf("fetching account usage: %w", err)
	}

	return usage, nil
}
