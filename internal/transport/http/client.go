package http

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/onem2m/cse/internal/m2m"
)

// WSDeliverer delivers a notification over an established WebSocket
// connection. The ws hub implements it.
type WSDeliverer interface {
	Deliver(nu string, payload map[string]any) (m2m.RSC, error)
}

// Client sends notifications and announcement requests to remote targets.
// Every outbound request carries the configured timeout; a timeout surfaces
// as TARGET_NOT_REACHABLE.
type Client struct {
	http *http.Client
	ws   WSDeliverer
	log  zerolog.Logger
}

// NewClient creates the outbound client. ws may be nil when no WebSocket
// channel is configured.
func NewClient(timeout time.Duration, ws WSDeliverer, log zerolog.Logger) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		http: &http.Client{Timeout: timeout},
		ws:   ws,
		log:  log.With().Str("component", "client").Logger(),
	}
}

// SendNotify delivers a notification request to a single target URI.
func (c *Client) SendNotify(nu, originator string, payload map[string]any, params map[string]string) (m2m.RSC, error) {
	if strings.HasPrefix(nu, "ws://") || strings.HasPrefix(nu, "wss://") {
		if c.ws == nil {
			return m2m.RSCTargetNotReachable, m2m.ErrTargetNotReachable("no websocket channel configured")
		}
		return c.ws.Deliver(nu, payload)
	}
	if !strings.HasPrefix(nu, "http://") && !strings.HasPrefix(nu, "https://") {
		return m2m.RSCTargetNotReachable, m2m.ErrTargetNotReachable("unsupported notification target %q", nu)
	}

	headers := map[string]string{
		"Content-Type": "application/json",
		"X-M2M-Origin": originator,
		"X-M2M-RI":     uuid.NewString(),
		"X-M2M-RVI":    m2m.ReleaseVersion,
	}
	if ec, ok := params["ec"]; ok {
		headers["X-M2M-EC"] = ec
	}
	return c.post(nu, headers, payload, nil)
}

// post issues a JSON POST and interprets the response as a oneM2M exchange.
func (c *Client) post(url string, headers map[string]string, payload map[string]any, out *map[string]any) (m2m.RSC, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return m2m.RSCInternalServerError, err
	}
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return m2m.RSCBadRequest, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rsp, err := c.http.Do(req)
	if err != nil {
		return m2m.RSCTargetNotReachable, m2m.ErrTargetNotReachable("%s not reachable: %v", url, err)
	}
	defer rsp.Body.Close()

	if out != nil {
		data, _ := io.ReadAll(io.LimitReader(rsp.Body, 1<<20))
		_ = json.Unmarshal(data, out)
	}
	return rscOfResponse(rsp), nil
}

// rscOfResponse reads the response status code from the X-M2M-RSC header,
// falling back to a mapping of the HTTP status.
func rscOfResponse(rsp *http.Response) m2m.RSC {
	if h := rsp.Header.Get("X-M2M-RSC"); h != "" {
		if n, err := strconv.Atoi(h); err == nil {
			return m2m.RSC(n)
		}
	}
	switch {
	case rsp.StatusCode == http.StatusCreated:
		return m2m.RSCCreated
	case rsp.StatusCode >= 200 && rsp.StatusCode < 300:
		return m2m.RSCOK
	case rsp.StatusCode == http.StatusNotFound:
		return m2m.RSCNotFound
	case rsp.StatusCode == http.StatusForbidden:
		return m2m.RSCOriginatorHasNoPrivilege
	case rsp.StatusCode == http.StatusMethodNotAllowed:
		return m2m.RSCOperationNotAllowed
	case rsp.StatusCode == http.StatusGatewayTimeout:
		return m2m.RSCTargetNotReachable
	}
	return m2m.RSCInternalServerError
}

// ---------------------------------------------------------------------------
// announce.PeerClient implementation
// ---------------------------------------------------------------------------

// CreateAnnouncedResource creates the announced shadow of a resource under
// the peer's CSEBase and returns the allocated remote resource identifier.
func (c *Client) CreateAnnouncedResource(poa []string, peerCSI string, body map[string]any, ty m2m.ResourceType) (string, error) {
	if len(poa) == 0 {
		return "", m2m.ErrTargetNotReachable("peer %s has no point of access", peerCSI)
	}
	url := strings.TrimSuffix(poa[0], "/") + "/~" + peerCSI
	headers := map[string]string{
		"Content-Type": fmt.Sprintf("application/json;ty=%d", int(ty)),
		"X-M2M-Origin": peerCSI,
		"X-M2M-RI":     uuid.NewString(),
		"X-M2M-RVI":    m2m.ReleaseVersion,
	}
	payload := map[string]any{ty.String(): body}
	var out map[string]any
	rsc, err := c.post(url, headers, payload, &out)
	if err != nil {
		return "", err
	}
	if rsc != m2m.RSCCreated {
		return "", m2m.Errorf(rsc, "peer %s rejected announcement", peerCSI)
	}
	for _, v := range out {
		if inner, ok := v.(map[string]any); ok {
			if ri, ok := inner["ri"].(string); ok {
				return ri, nil
			}
		}
	}
	return "", m2m.ErrInternal("peer %s returned no resource identifier", peerCSI)
}

// UpdateAnnouncedResource propagates an update delta to an announced shadow.
func (c *Client) UpdateAnnouncedResource(poa []string, peerCSI, remoteRI string, attrs map[string]any) error {
	if len(poa) == 0 {
		return m2m.ErrTargetNotReachable("peer %s has no point of access", peerCSI)
	}
	url := strings.TrimSuffix(poa[0], "/") + "/~" + peerCSI + "/" + remoteRI
	body, err := json.Marshal(attrs)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPut, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-M2M-Origin", peerCSI)
	req.Header.Set("X-M2M-RI", uuid.NewString())
	req.Header.Set("X-M2M-RVI", m2m.ReleaseVersion)
	rsp, err := c.http.Do(req)
	if err != nil {
		return m2m.ErrTargetNotReachable("%s not reachable: %v", url, err)
	}
	defer rsp.Body.Close()
	if rsc := rscOfResponse(rsp); !rsc.IsSuccess() {
		return m2m.Errorf(rsc, "peer %s rejected announced update", peerCSI)
	}
	return nil
}

// DeleteAnnouncedResource removes an announced shadow from a peer.
func (c *Client) DeleteAnnouncedResource(poa []string, peerCSI, remoteRI string) error {
	if len(poa) == 0 {
		return m2m.ErrTargetNotReachable("peer %s has no point of access", peerCSI)
	}
	url := strings.TrimSuffix(poa[0], "/") + "/~" + peerCSI + "/" + remoteRI
	req, err := http.NewRequest(http.MethodDelete, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-M2M-Origin", peerCSI)
	req.Header.Set("X-M2M-RI", uuid.NewString())
	req.Header.Set("X-M2M-RVI", m2m.ReleaseVersion)
	rsp, err := c.http.Do(req)
	if err != nil {
		return m2m.ErrTargetNotReachable("%s not reachable: %v", url, err)
	}
	defer rsp.Body.Close()
	if rsc := rscOfResponse(rsp); !rsc.IsSuccess() && rsc != m2m.RSCNotFound {
		return m2m.Errorf(rsc, "peer rejected de-announcement")
	}
	return nil
}
