// Package demeter talks to the DEMETER grain classifier over HTTP and
// normalizes its reports into verdicts. When the remote service is down or
// too slow it can substitute a deterministic degraded verdict.
package demeter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"demeter.dev/internal/classify"
	"demeter.dev/internal/obs"
)

var (
	// ErrInvalidImage means the classifier rejected the payload itself.
	ErrInvalidImage = errors.New("demeter: classifier rejected image")
	// ErrBusy means the classifier asked us to back off.
	ErrBusy = errors.New("demeter: classifier busy")
	// ErrRemote covers classifier-side failures.
	ErrRemote = errors.New("demeter: classifier unavailable")
	// ErrTimeout means the call exceeded its deadline.
	ErrTimeout = errors.New("demeter: classifier timed out; try a smaller image")
)

const defaultTimeout = 30 * time.Second

// Config carries the remote classifier settings.
type Config struct {
	URL     string
	Timeout time.Duration
	// FallbackToMock substitutes a degraded verdict when the remote
	// classifier times out or fails server-side. Validation rejections are
	// never masked.
	FallbackToMock bool
}

// Client implements classify.Gateway against the DEMETER HTTP service.
type Client struct {
	cfg  Config
	http *http.Client
}

var _ classify.Gateway = (*Client)(nil)

// NewClient builds the gateway. URL is required.
func NewClient(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("demeter: url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// report is the wire shape of a classifier response.
type report struct {
	JobID  string `json:"job_id"`
	Report struct {
		TotalGrains int `json:"total_grains"`
		Defects     struct {
			Broken    int `json:"broken"`
			Fermented int `json:"fermented"`
		} `json:"defects"`
		LLMSummary string `json:"llm_summary"`
	} `json:"report"`
}

// Classify posts the image and maps the response. One attempt, no retries:
// the caller decides whether a failure is terminal.
func (c *Client) Classify(ctx context.Context, image []byte) (classify.Verdict, error) {
	start := time.Now()
	v, err := c.classify(ctx, image)
	switch {
	case err == nil:
		obs.ObserveMLRequest("ok", time.Since(start))
	case errors.Is(err, ErrTimeout):
		obs.ObserveMLRequest("timeout", time.Since(start))
	default:
		obs.ObserveMLRequest("error", time.Since(start))
	}
	if err != nil && c.cfg.FallbackToMock && (errors.Is(err, ErrTimeout) || errors.Is(err, ErrRemote)) {
		return MockVerdict(image, err.Error()), nil
	}
	return v, err
}

func (c *Client) classify(ctx context.Context, image []byte) (classify.Verdict, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(image))
	if err != nil {
		return classify.Verdict{}, fmt.Errorf("demeter: build request: %w", err)
	}
	req.Header.Set("Content-Type", "image/jpeg")

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return classify.Verdict{}, ErrTimeout
		}
		return classify.Verdict{}, fmt.Errorf("%w: %v", ErrRemote, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return classify.Verdict{}, fmt.Errorf("%w: read response: %v", ErrRemote, err)
	}

	switch {
	case resp.StatusCode == http.StatusBadRequest:
		return classify.Verdict{}, fmt.Errorf("%w: %s", ErrInvalidImage, strings.TrimSpace(string(body)))
	case resp.StatusCode == http.StatusTooManyRequests:
		retry := resp.Header.Get("Retry-After")
		if retry != "" {
			return classify.Verdict{}, fmt.Errorf("%w: retry after %ss", ErrBusy, retry)
		}
		return classify.Verdict{}, ErrBusy
	case resp.StatusCode >= 500:
		return classify.Verdict{}, fmt.Errorf("%w: status %d", ErrRemote, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return classify.Verdict{}, fmt.Errorf("%w: unexpected status %d", ErrRemote, resp.StatusCode)
	}

	var rep report
	if err := json.Unmarshal(body, &rep); err != nil {
		return classify.Verdict{}, fmt.Errorf("%w: decode response: %v", ErrRemote, err)
	}
	return normalize(rep), nil
}

// normalize converts a raw report into a verdict. Confidence is derived from
// the defect percentage: a sample with 12% defective grains scores 0.88.
func normalize(rep report) classify.Verdict {
	total := rep.Report.TotalGrains
	defects := rep.Report.Defects.Broken + rep.Report.Defects.Fermented
	confidence := 1.0
	defectPct := 0.0
	if total > 0 {
		defectPct = float64(defects) / float64(total) * 100
		confidence = 1 - defectPct/100
		if confidence < 0 {
			confidence = 0
		}
	}
	analysis := map[string]any{
		"job_id":       rep.JobID,
		"total_grains": total,
		"defects": map[string]any{
			"broken":    rep.Report.Defects.Broken,
			"fermented": rep.Report.Defects.Fermented,
		},
		"defect_percentage": round2(defectPct),
		"llm_summary":       rep.Report.LLMSummary,
		"quality":           qualityFromSummary(rep.Report.LLMSummary, defectPct),
	}
	return classify.Verdict{
		GrainType:  "Soja",
		Confidence: round2(confidence),
		Analysis:   analysis,
	}
}

// qualityFromSummary extracts a coarse quality keyword from the free-text
// summary, falling back to a defect-percentage banding.
func qualityFromSummary(summary string, defectPct float64) string {
	lower := strings.ToLower(summary)
	for _, kw := range []string{"excellent", "good", "fair", "poor"} {
		if strings.Contains(lower, kw) {
			return kw
		}
	}
	switch {
	case defectPct <= 5:
		return "excellent"
	case defectPct <= 15:
		return "good"
	case defectPct <= 30:
		return "fair"
	default:
		return "poor"
	}
}

func round2(f float64) float64 {
	return float64(int(f*100+0.5)) / 100
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}
