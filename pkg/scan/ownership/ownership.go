// Package ownership verifies that whoever registered a site for scanning
// actually controls the target. The target must serve the site's verification
// token back from a well-known location.
package ownership

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// wellKnownPath is where a target proves ownership. The document must contain
// the site's verification value and nothing else.
const wellKnownPath = "/.well-known/minion-verification.txt"

// proofLimit caps how much of the proof document is read. Tokens are short;
// anything larger is not a proof.
const proofLimit = 4096

// Verifier decides whether a target may be scanned on behalf of the site it
// was registered under.
type Verifier interface {
	Verify(ctx context.Context, target, value string) (bool, error)
}

// HTTPVerifier fetches the well-known proof document from the target and
// accepts when its trimmed body equals the expected value. Fetch failures
// mean unverified, not error: an unreachable proof is a failed proof.
type HTTPVerifier struct {
	client *http.Client
}

// NewHTTPVerifier builds a verifier with the ownership.timeout from
// configuration.
func NewHTTPVerifier() *HTTPVerifier {
	timeout := viper.GetDuration("ownership.timeout")
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPVerifier{client: &http.Client{Timeout: timeout}}
}

func (v *HTTPVerifier) Verify(ctx context.Context, target, value string) (bool, error) {
	proof, err := proofURL(target)
	if err != nil {
		return false, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, proof, nil)
	if err != nil {
		return false, err
	}
	resp, err := v.client.Do(req)
	if err != nil {
		log.Debug().Err(err).Str("url", proof).Msg("Ownership proof fetch failed")
		return false, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		log.Debug().Int("status", resp.StatusCode).Str("url", proof).Msg("Ownership proof not served")
		return false, nil
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, proofLimit))
	if err != nil {
		log.Debug().Err(err).Str("url", proof).Msg("Ownership proof read failed")
		return false, nil
	}
	return strings.TrimSpace(string(body)) == value, nil
}

// proofURL places the well-known path on the target's origin, dropping any
// path, query or fragment the target URL carries.
func proofURL(target string) (string, error) {
	u, err := url.Parse(target)
	if err != nil {
		return "", fmt.Errorf("could not parse target %s: %w", target, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("target %s is not a web origin", target)
	}
	proof := url.URL{Scheme: u.Scheme, Host: u.Host, Path: wellKnownPath}
	return proof.String(), nil
}
