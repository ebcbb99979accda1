package agent

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

const (
	backoffInitial = time.Second
	backoffMax     = 5 * time.Minute
)

// Forwarder drains one kind's buffer independently in FIFO order,
// batches records, and submits them to the ingestion API, per §4.D
// step 3's batching/retry contract.
type Forwarder struct {
	kind       string
	buf        *Buffer
	client     *http.Client
	limiter    *rate.Limiter
	serverURL  string
	gzipThresh int

	cred      *Credential
	unhealthy bool

	logger *slog.Logger
}

// NewForwarder builds a Forwarder for kind. cred is shared with the
// agent's other forwarders and heartbeat loop; a 401 stops the forwarder
// (see send) and cred is never replaced at runtime.
func NewForwarder(kind string, buf *Buffer, client *http.Client, limiter *rate.Limiter, serverURL string, gzipThresholdBytes int, cred *Credential, logger *slog.Logger) *Forwarder {
	return &Forwarder{
		kind:       kind,
		buf:        buf,
		client:     client,
		limiter:    limiter,
		serverURL:  serverURL,
		gzipThresh: gzipThresholdBytes,
		cred:       cred,
		logger:     logger,
	}
}

// Healthy reports false once the forwarder has stopped due to persistent
// authentication failure (§4.D's "raise health flag" clause).
func (fw *Forwarder) Healthy() bool { return !fw.unhealthy }

// Run drains the buffer until the forwarder becomes unhealthy or ctx is
// cancelled. It targets batchTargets[kind] records or flushInterval,
// whichever comes first.
func (fw *Forwarder) Run(ctx context.Context) error {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	target := batchTargets[fw.kind]
	pollInterval := 2 * time.Second
	poll := time.NewTicker(pollInterval)
	defer poll.Stop()

	for {
		if fw.unhealthy {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			fw.drainOnce(ctx, 1) // flush whatever's pending, even a partial batch
		case <-poll.C:
			fw.drainOnce(ctx, target)
		}
	}
}

// drainOnce reads up to minRecords-or-more records (capped at 10x the
// target to bound memory) and forwards them as one batch if any are
// available.
func (fw *Forwarder) drainOnce(ctx context.Context, minRecords int) {
	maxRead := minRecords
	if t := batchTargets[fw.kind]; t*10 > maxRead {
		maxRead = t * 10
	}

	lines, commitOffset, err := fw.buf.Read(maxRead)
	if err != nil {
		fw.logger.Error("reading buffer", "kind", fw.kind, "error", err)
		return
	}
	if len(lines) == 0 {
		return
	}
	if len(lines) < minRecords && minRecords > 1 {
		return // wait for more to accumulate rather than send a tiny batch early
	}

	if err := fw.send(ctx, lines); err != nil {
		fw.logger.Error("forwarding batch", "kind", fw.kind, "count", len(lines), "error", err)
		return
	}
	if err := fw.buf.Commit(commitOffset); err != nil {
		fw.logger.Error("committing read pointer", "kind", fw.kind, "error", err)
	}
}

type batchRequest struct {
	DeviceID string            `json:"device_id"`
	DataType string            `json:"data_type"`
	Records  []json.RawMessage `json:"records"`
}

// send submits one batch with exponential backoff and full jitter,
// retrying on 5xx/408/429/network errors, per §4.D's retry policy.
func (fw *Forwarder) send(ctx context.Context, lines [][]byte) error {
	records := make([]json.RawMessage, len(lines))
	for i, l := range lines {
		records[i] = json.RawMessage(l)
	}
	body, err := json.Marshal(batchRequest{
		DeviceID: fw.cred.DeviceID.String(),
		DataType: fw.kind,
		Records:  records,
	})
	if err != nil {
		return fmt.Errorf("marshaling batch: %w", err)
	}

	backoff := backoffInitial
	for {
		if err := fw.limiter.Wait(ctx); err != nil {
			return err
		}

		status, err := fw.post(ctx, body)
		if err == nil && status == http.StatusOK {
			return nil
		}

		if status == http.StatusUnauthorized {
			// §4.D calls for one credential-refresh attempt "if a refresh
			// path exists" — this system's agents only ever exchange a
			// one-shot invitation for a durable token (internal/auth has
			// no token-refresh endpoint), so there is no refresh to
			// attempt and a 401 is treated as persistent immediately.
			fw.unhealthy = true
			fw.logger.Error("agent credential rejected, stopping forwarder", "kind", fw.kind)
			return fmt.Errorf("persistent authentication failure")
		}

		if status != 0 && status >= 400 && status < 500 && status != http.StatusRequestTimeout && status != http.StatusTooManyRequests {
			fw.logger.Warn("batch rejected by server, dropping", "kind", fw.kind, "status", status)
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jittered(backoff)):
		}
		backoff *= 2
		if backoff > backoffMax {
			backoff = backoffMax
		}
	}
}

func jittered(d time.Duration) time.Duration {
	return time.Duration(rand.Int63n(int64(d) + 1))
}

// post submits one HTTP request, gzip-compressing the body when it
// exceeds gzipThresh (§4.D step 3). It returns the HTTP status (0 if
// the request itself failed, e.g. network error).
func (fw *Forwarder) post(ctx context.Context, body []byte) (int, error) {
	payload := body
	encoding := ""
	if len(body) > fw.gzipThresh {
		var buf bytes.Buffer
		gw := gzip.NewWriter(&buf)
		if _, err := gw.Write(body); err == nil && gw.Close() == nil {
			payload = buf.Bytes()
			encoding = "gzip"
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fw.serverURL+"/api/ingest/batch", bytes.NewReader(payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+fw.cred.AgentToken)
	if encoding != "" {
		req.Header.Set("Content-Encoding", encoding)
	}

	resp, err := fw.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}
