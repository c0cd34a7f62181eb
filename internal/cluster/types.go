package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/pkg/errors"

	"github.com/dreamware/distbelief/internal/shard"
)

// ServerInfo is the admin view of a running parameter server
type ServerInfo struct {
	ID           string      `json:"id"`
	State        string      `json:"state"`
	StartedAt    time.Time   `json:"started_at,omitempty"`
	Ops          shard.Stats `json:"operations"`
	Size         int         `json:"size"`
	Norm         float64     `json:"norm"`
	Messages     uint64      `json:"messages"`
	Dropped      uint64      `json:"dropped"`
	LearningRate float32     `json:"learning_rate"`
}

// ParametersResponse carries a copy of the shard
type ParametersResponse struct {
	Parameters []float32 `json:"parameters"`
	Size       int       `json:"size"`
}

// StopResponse acknowledges a stop request
type StopResponse struct {
	ID    string `json:"id"`
	State string `json:"state"`
}

// ErrStatus is returned when the admin endpoint answers with a non-2xx status
var ErrStatus = errors.New("unexpected http status")

var httpClient = &http.Client{Timeout: 5 * time.Second}

func PostJSON(ctx context.Context, url string, body any, out any) error {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return errors.Wrap(err, "marshal request failed")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return errors.Wrap(err, "build request failed")
	}
	req.Header.Set("Content-Type", "application/json")
	return do(req, out)
}

func GetJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return errors.Wrap(err, "build request failed")
	}
	return do(req, out)
}

func do(req *http.Request, out any) error {
	resp, err := httpClient.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s failed", req.Method, req.URL)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return errors.Wrapf(ErrStatus, "http %s: %d", req.URL, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return errors.Wrap(json.NewDecoder(resp.Body).Decode(out), "decode response failed")
}
