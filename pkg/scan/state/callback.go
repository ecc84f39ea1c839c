package state

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/pyneda/minion/db"
)

// Notifier posts scan state transitions to the callback URL a scan was
// created with. Delivery is best effort: failures are logged and dropped so
// bookkeeping never stalls on a slow listener.
type Notifier struct {
	client *http.Client
}

// NewNotifier builds a notifier with the callback.timeout from configuration.
func NewNotifier() *Notifier {
	timeout := viper.GetDuration("callback.timeout")
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Notifier{client: &http.Client{Timeout: timeout}}
}

type scanStateEvent struct {
	Event string       `json:"event"`
	ID    uuid.UUID    `json:"id"`
	State db.ScanState `json:"state"`
}

// ScanState delivers a scan-state event. A nil notifier or an empty URL is a
// no-op.
func (n *Notifier) ScanState(url string, scanID uuid.UUID, state db.ScanState) {
	if n == nil || url == "" {
		return
	}
	body, err := json.Marshal(scanStateEvent{Event: "scan-state", ID: scanID, State: state})
	if err != nil {
		log.Warn().Err(err).Str("scan", scanID.String()).Msg("Could not encode scan state callback")
		return
	}
	resp, err := n.client.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		log.Warn().Err(err).Str("scan", scanID.String()).Str("url", url).Msg("Scan state callback failed")
		return
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= http.StatusMultipleChoices {
		log.Warn().Int("status", resp.StatusCode).Str("scan", scanID.String()).Str("url", url).Msg("Scan state callback rejected")
	}
}
