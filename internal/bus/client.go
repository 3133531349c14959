package bus

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	json2 "github.com/gorilla/rpc/v2/json2"

	"github.com/golemcore/market/internal/market/marketerr"
)

// Client calls another node's Market JSON-RPC service, the same
// encode-request/decode-response shape as the teacher's
// utils/rpc/json.go:SendJSONRequest, adapted to resolve peers through a
// Directory instead of a single fixed URI.
type Client struct {
	http *http.Client
	dir  Directory
}

// NewClient builds a Client against dir.
func NewClient(dir Directory, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{http: httpClient, dir: dir}
}

// Call invokes method ("Market.ProposalInitial", etc.) on peerID's service,
// encoding args and decoding into reply as JSON-RPC 2.0.
func (c *Client) Call(ctx context.Context, peerID, method string, args, reply any) error {
	baseURL, ok := c.dir.Resolve(peerID)
	if !ok {
		return marketerr.Newf(marketerr.NotFound, "bus: no known address for peer %s", peerID)
	}

	body, err := json2.EncodeClientRequest(method, args)
	if err != nil {
		return marketerr.Wrap(marketerr.TransientIO, fmt.Errorf("bus: encoding request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL, bytes.NewReader(body))
	if err != nil {
		return marketerr.Wrap(marketerr.TransientIO, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return marketerr.Wrap(marketerr.TransientIO, fmt.Errorf("bus: calling peer %s: %w", peerID, err))
	}
	defer closeCleanly(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return marketerr.Newf(marketerr.TransientIO, "bus: peer %s returned status %d", peerID, resp.StatusCode)
	}

	if err := json2.DecodeClientResponse(resp.Body, reply); err != nil {
		return marketerr.Wrap(marketerr.Protocol, fmt.Errorf("bus: decoding response from %s: %w", peerID, err))
	}
	return nil
}

// closeCleanly drains and closes body, the same HTTP/2 GOAWAY avoidance the
// teacher's CleanlyCloseBody performs.
func closeCleanly(body io.ReadCloser) {
	if body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, body)
	_ = body.Close()
}
