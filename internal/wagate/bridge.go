package wagate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// BridgeTransport drives a Baileys-compatible sidecar over HTTP. The sidecar
// owns the actual WhatsApp socket; this side opens a logical session per user
// and turns the sidecar's status polling into the Event stream.
type BridgeTransport struct {
	baseURL      string
	pollInterval time.Duration
	client       *http.Client
}

func NewBridgeTransport(baseURL string, pollInterval time.Duration) *BridgeTransport {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	return &BridgeTransport{
		baseURL:      strings.TrimRight(baseURL, "/"),
		pollInterval: pollInterval,
		client:       &http.Client{Timeout: 30 * time.Second},
	}
}

type bridgeStatus struct {
	State      string          `json:"state"` // connecting | awaiting_qr | connected | disconnected | logged_out
	QR         string          `json:"qrCode"`
	Credential json.RawMessage `json:"credential"`
}

type bridgeSendResponse struct {
	MessageID string `json:"messageId"`
	Error     string `json:"error"`
}

func (t *BridgeTransport) Dial(ctx context.Context, clientID string, credential []byte) (Link, <-chan Event, error) {
	body := map[string]any{}
	if len(credential) > 0 {
		body["credential"] = json.RawMessage(credential)
	}
	if err := t.post(ctx, "/connect/"+url.PathEscape(clientID), body, nil); err != nil {
		return nil, nil, err
	}

	pollCtx, cancel := context.WithCancel(context.Background())
	l := &bridgeLink{t: t, clientID: clientID, cancel: cancel}
	events := make(chan Event, 8)
	go t.poll(pollCtx, clientID, events)
	return l, events, nil
}

// poll translates sidecar status snapshots into the event stream. Credential
// changes are detected by comparing the serialized payloads.
func (t *BridgeTransport) poll(ctx context.Context, clientID string, events chan<- Event) {
	defer close(events)

	// The receiver may stop draining once its connect attempt returns; every
	// emit must stay cancelable so Close never leaves this goroutine wedged.
	emit := func(ev Event) bool {
		select {
		case events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	var lastState, lastQR string
	var lastCred []byte
	tick := time.NewTicker(t.pollInterval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		}

		var st bridgeStatus
		if err := t.get(ctx, "/status/"+url.PathEscape(clientID), &st); err != nil {
			if ctx.Err() != nil {
				return
			}
			emit(Event{Kind: EventClosed, Reason: CloseTransient})
			return
		}

		switch st.State {
		case "awaiting_qr":
			if st.State != lastState || st.QR != lastQR {
				if !emit(Event{Kind: EventQR, QR: st.QR}) {
					return
				}
			}
		case "connected":
			cred := []byte(st.Credential)
			if st.State != lastState {
				if !emit(Event{Kind: EventConnected, Credential: cred}) {
					return
				}
			} else if len(cred) > 0 && !bytes.Equal(cred, lastCred) {
				if !emit(Event{Kind: EventCredential, Credential: cred}) {
					return
				}
			}
			lastCred = cred
		case "logged_out":
			emit(Event{Kind: EventClosed, Reason: CloseLoggedOut})
			return
		case "disconnected":
			emit(Event{Kind: EventClosed, Reason: CloseTransient})
			return
		}
		lastState, lastQR = st.State, st.QR
	}
}

type bridgeLink struct {
	t        *BridgeTransport
	clientID string

	mu     sync.Mutex
	cancel context.CancelFunc
}

func (l *bridgeLink) Send(ctx context.Context, destination, text string) (string, error) {
	var resp bridgeSendResponse
	err := l.t.post(ctx, "/send/"+url.PathEscape(l.clientID), map[string]any{
		"to":      destination,
		"message": text,
	}, &resp)
	if err != nil {
		return "", err
	}
	if resp.Error != "" {
		return "", fmt.Errorf("wagate: sidecar send: %s", resp.Error)
	}
	return resp.MessageID, nil
}

func (l *bridgeLink) Logout(ctx context.Context) error {
	defer l.Close()
	return l.t.post(ctx, "/logout/"+url.PathEscape(l.clientID), nil, nil)
}

func (l *bridgeLink) Close() error {
	l.mu.Lock()
	cancel := l.cancel
	l.cancel = nil
	l.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

func (t *BridgeTransport) post(ctx context.Context, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return t.do(req, out)
}

func (t *BridgeTransport) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.baseURL+path, nil)
	if err != nil {
		return err
	}
	return t.do(req, out)
}

func (t *BridgeTransport) do(req *http.Request, out any) error {
	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("wagate: sidecar request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("wagate: sidecar returned %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(io.LimitReader(resp.Body, 4<<20)).Decode(out)
}
