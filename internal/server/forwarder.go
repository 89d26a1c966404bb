package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"kiln/internal/engine"
)

const (
	defaultForwardInterval = 2 * time.Second
	defaultForwardTimeout  = 5 * time.Second
	defaultForwardBatch    = 100
)

// actionForwarder pushes newly queued actions to the backend's
// forward URL. Delivery is best effort; the backend poll queue stays
// authoritative, so a missed push is picked up there.
type actionForwarder struct {
	engine engine.Engine
	url    string
	client *http.Client
	mu     sync.Mutex
	cursor int64
	primed bool
}

func startActionForwarder(e engine.Engine) {
	if e.Config == nil {
		return
	}
	url := strings.TrimSpace(e.Config.Backend.ForwardURL)
	if url == "" {
		return
	}
	timeout := defaultForwardTimeout
	if e.Config.Backend.TimeoutSeconds > 0 {
		timeout = time.Duration(e.Config.Backend.TimeoutSeconds) * time.Second
	}
	f := &actionForwarder{
		engine: e,
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
	go f.run()
}

func (f *actionForwarder) run() {
	ticker := time.NewTicker(defaultForwardInterval)
	defer ticker.Stop()
	for {
		f.dispatch()
		<-ticker.C
	}
}

func (f *actionForwarder) dispatch() {
	ctx := context.Background()
	cursor, err := f.currentCursor(ctx)
	if err != nil {
		log.Printf("forwarder: init cursor failed: %v", err)
		return
	}
	actions, err := f.engine.Repo.ListActionsAfter(ctx, cursor, defaultForwardBatch)
	if err != nil {
		log.Printf("forwarder: fetch actions failed: %v", err)
		return
	}
	for _, a := range actions {
		if err := f.postAction(ctx, actionResponse(a)); err != nil {
			log.Printf("forwarder: deliver to %s failed: %v", f.url, err)
			return
		}
		f.setCursor(a.ID)
	}
}

// currentCursor starts at the newest pre-existing action so restarts
// do not replay history.
func (f *actionForwarder) currentCursor(ctx context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.primed {
		return f.cursor, nil
	}
	latest, err := f.engine.Repo.LatestActionID(ctx)
	if err != nil {
		return 0, err
	}
	f.cursor = latest
	f.primed = true
	return f.cursor, nil
}

func (f *actionForwarder) setCursor(value int64) {
	f.mu.Lock()
	f.cursor = value
	f.mu.Unlock()
}

func (f *actionForwarder) postAction(ctx context.Context, body ActionResponse) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Kiln-Action", body.ActionType)
	req.Header.Set("X-Kiln-Delivery", fmt.Sprintf("%d", body.ID))
	res, err := f.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	return nil
}
