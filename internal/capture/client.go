package capture

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog/log"
)

// TransientError wraps a failure worth retrying: connection errors, timeouts,
// and 5xx responses.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError wraps a failure that retrying the same payload cannot fix:
// 4xx responses such as a rejected hash or an authorization failure.
type PermanentError struct {
	Status int
	Code   string
	Err    error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// UploadAck mirrors the server acknowledgement the device persists before an
// entry may ever become purgeable.
type UploadAck struct {
	RecordingID  string `json:"recording_id"`
	CurrentStage string `json:"current_stage"`
	Acknowledged bool   `json:"acknowledged"`
}

// Client uploads queue entries to the ingestion endpoint.
type Client struct {
	// BaseURL is the server root, e.g. "https://scribe.example.com".
	BaseURL string

	// Token is the bearer token presented on every upload.
	Token string

	// HTTP is the underlying client. Its timeout bounds one attempt; the
	// synchronizer's backoff schedule handles everything beyond that.
	HTTP *http.Client
}

// NewClient builds a Client with a per-attempt timeout.
func NewClient(baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		BaseURL: baseURL,
		Token:   token,
		HTTP:    &http.Client{Timeout: timeout},
	}
}

type uploadRequest struct {
	RecordingID  string  `json:"recording_id"`
	PatientRef   *string `json:"patient_ref,omitempty"`
	EncounterRef *string `json:"encounter_ref,omitempty"`
	ContentHash  string  `json:"content_hash"`
	DurationMs   int64   `json:"duration_ms"`
	CapturedAt   string  `json:"captured_at"`
	EHRSync      bool    `json:"ehr_sync"`
	AudioB64     string  `json:"audio_b64"`
}

// errorBody mirrors the server's error envelope.
type errorBody struct {
	RequestID string `json:"request_id"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

// Upload performs a single upload attempt for the entry. Failures are
// classified: *TransientError means the synchronizer should retry on its
// schedule, *PermanentError means the entry is rejected for good.
func (c *Client) Upload(ctx context.Context, e *Entry) (*UploadAck, error) {
	audio, err := os.ReadFile(e.AudioPath)
	if err != nil {
		// Local read failure, not a network condition. Retrying is still
		// the right move if the path is on flaky removable storage.
		return nil, &TransientError{Err: fmt.Errorf("read audio: %w", err)}
	}

	body, err := json.Marshal(uploadRequest{
		RecordingID:  e.ID,
		PatientRef:   e.PatientRef,
		EncounterRef: e.EncounterRef,
		ContentHash:  e.ContentHash,
		DurationMs:   e.DurationMs,
		CapturedAt:   e.CapturedAt.UTC().Format(time.RFC3339Nano),
		EHRSync:      e.EHRSync,
		AudioB64:     base64.StdEncoding.EncodeToString(audio),
	})
	if err != nil {
		return nil, &PermanentError{Err: fmt.Errorf("encode upload: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.BaseURL+"/api/v1/recordings", bytes.NewReader(body))
	if err != nil {
		return nil, &PermanentError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.Token)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, &TransientError{Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &TransientError{Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
		var ack UploadAck
		if err := json.Unmarshal(raw, &ack); err != nil {
			return nil, &TransientError{Err: fmt.Errorf("decode acknowledgement: %w", err)}
		}
		if !ack.Acknowledged {
			return nil, &TransientError{Err: fmt.Errorf("server did not acknowledge")}
		}
		return &ack, nil

	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, &TransientError{
			Err: fmt.Errorf("server unavailable: status %d", resp.StatusCode),
		}

	default:
		var eb errorBody
		_ = json.Unmarshal(raw, &eb)
		log.Debug().
			Int("status", resp.StatusCode).
			Str("code", eb.Code).
			Str("recording_id", e.ID).
			Msg("upload rejected")
		return nil, &PermanentError{
			Status: resp.StatusCode,
			Code:   eb.Code,
			Err:    fmt.Errorf("upload rejected: status %d code %q", resp.StatusCode, eb.Code),
		}
	}
}
