package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"validation.station/vsb/internal/types"
)

// Responder produces the answer for one broadcast request.
type Responder func(ctx context.Context, data json.RawMessage) (result string, out json.RawMessage, err error)

// Client is a reference provider: it dials a broker's /ws endpoint,
// advertises a self-generated provider address through liveness frames,
// and answers each broadcast request via its Responder.
type Client struct {
	brokerURL string
	addr      string
	interval  time.Duration
	respond   Responder

	// Serializes frame writes; gorilla allows one concurrent writer.
	wmu sync.Mutex
}

// NewClient creates a provider client for a broker websocket URL. A nil
// responder forwards request payloads to proxyURL over HTTP POST, the
// behavior of the reference provider.
func NewClient(brokerURL, proxyURL string, interval time.Duration, respond Responder) *Client {
	if respond == nil {
		respond = ProxyResponder(proxyURL, &http.Client{Timeout: 30 * time.Second})
	}
	return &Client{
		brokerURL: brokerURL,
		addr:      "0x" + strings.ReplaceAll(uuid.NewString(), "-", ""),
		interval:  interval,
		respond:   respond,
	}
}

// Addr returns the client's self-reported provider address.
func (c *Client) Addr() string {
	return c.addr
}

// Run connects and serves until the context is canceled or the connection
// drops.
func (c *Client) Run(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.brokerURL, nil)
	if err != nil {
		return fmt.Errorf("dial broker: %w", err)
	}
	defer conn.Close()
	log.Printf("Provider %s connected to %s", c.addr, c.brokerURL)

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	// Announce the provider address straight away rather than waiting for
	// the broker's first probe, so the score listing can resolve it.
	if err := c.sendHeartbeat(conn, ""); err != nil {
		return err
	}

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := c.sendHeartbeat(conn, ""); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read frame: %w", err)
		}
		c.handleFrame(ctx, conn, data)
	}
}

func (c *Client) handleFrame(ctx context.Context, conn *websocket.Conn, data []byte) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		log.Printf("Provider %s dropped unparsable frame: %v", c.addr, err)
		return
	}

	// Broker probes carry a timestamp; echo a liveness frame keyed by the
	// session id the broker assigned us.
	if _, ok := probe["timestamp"]; ok {
		var hb types.Heartbeat
		if json.Unmarshal(data, &hb) == nil {
			c.sendHeartbeat(conn, hb.ID)
		}
		return
	}

	var req types.RPCRequest
	if err := json.Unmarshal(data, &req); err != nil || req.ID == "" {
		log.Printf("Provider %s dropped unrecognized frame", c.addr)
		return
	}
	go c.answer(ctx, conn, req)
}

func (c *Client) answer(ctx context.Context, conn *websocket.Conn, req types.RPCRequest) {
	start := time.Now()
	result, out, err := c.respond(ctx, req.Data)
	end := time.Now()

	resp := types.ProviderResponse{
		ID:             req.ID,
		Result:         result,
		Data:           out,
		ResponderAddr:  c.addr,
		ProcessingTime: uint64(end.Sub(start).Seconds()),
		StartTime:      uint64(start.Unix()),
		EndTime:        uint64(end.Unix()),
		Attestations:   []string{},
	}
	if err != nil {
		log.Printf("Provider %s failed request %s: %v", c.addr, req.ID, err)
		resp.Result = "error"
		resp.Error = err.Error()
		resp.Data = json.RawMessage(`null`)
	}

	if err := c.writeJSON(conn, resp); err != nil {
		log.Printf("Provider %s failed to send response for %s: %v", c.addr, req.ID, err)
	}
}

func (c *Client) sendHeartbeat(conn *websocket.Conn, sessionID string) error {
	return c.writeJSON(conn, types.Heartbeat{
		ID:           sessionID,
		Timestamp:    uint64(time.Now().Unix()),
		ProviderAddr: c.addr,
	})
}

func (c *Client) writeJSON(conn *websocket.Conn, v any) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return conn.WriteJSON(v)
}

// ProxyResponder forwards request payloads to an upstream HTTP endpoint
// and returns its JSON reply.
func ProxyResponder(proxyURL string, client *http.Client) Responder {
	return func(ctx context.Context, data json.RawMessage) (string, json.RawMessage, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, proxyURL, bytes.NewReader(data))
		if err != nil {
			return "", nil, err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			return "", nil, err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return "", nil, err
		}
		if resp.StatusCode != http.StatusOK {
			return "", nil, errors.New("upstream returned " + resp.Status)
		}
		if !json.Valid(body) {
			return "", nil, errors.New("upstream returned invalid JSON")
		}
		return "success", body, nil
	}
}
