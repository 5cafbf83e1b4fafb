package forecast

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/sony/gobreaker"
)

// ErrModelServer is returned when the model server answers with an error.
var ErrModelServer = errors.New("model server error")

// RemotePredictor calls an HTTP model server. Calls go through a circuit
// breaker so a dead server fails jobs fast instead of holding workers for the
// full timeout.
type RemotePredictor struct {
	baseURL  string
	features []string
	client   *http.Client
	breaker  *gobreaker.CircuitBreaker
}

// NewRemotePredictor creates a predictor for the server at baseURL. When
// features is empty the list is fetched from the server's /metadata endpoint.
func NewRemotePredictor(ctx context.Context, baseURL string, features []string, timeout time.Duration) (*RemotePredictor, error) {
	p := &RemotePredictor{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "model-server",
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
				return counts.Requests >= 3 && failureRatio >= 0.6
			},
		}),
	}

	if len(features) == 0 {
		md, err := p.metadata(ctx)
		if err != nil {
			return nil, err
		}
		features = md.Features
	}
	if len(features) == 0 {
		return nil, fmt.Errorf("%w: model server declares no features", ErrPredictorUnavailable)
	}
	p.features = features
	return p, nil
}

// LoadFeatureList reads a JSON array of feature names.
func LoadFeatureList(path string) ([]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read feature list: %w", err)
	}
	var names []string
	if err := json.Unmarshal(raw, &names); err != nil {
		return nil, fmt.Errorf("decode feature list %s: %w", path, err)
	}
	return names, nil
}

func (p *RemotePredictor) Features() []string { return p.features }

func (p *RemotePredictor) Predict(ctx context.Context, X [][]float64) ([]float64, error) {
	out, err := p.breaker.Execute(func() (interface{}, error) {
		return p.predict(ctx, X)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %v", ErrPredictorUnavailable, err)
	}
	if err != nil {
		return nil, err
	}
	return out.([]float64), nil
}

func (p *RemotePredictor) predict(ctx context.Context, X [][]float64) ([]float64, error) {
	// JSON has no NaN; missing values travel as null.
	instances := make([][]*float64, len(X))
	for i, row := range X {
		instances[i] = make([]*float64, len(row))
		for j := range row {
			if !math.IsNaN(row[j]) {
				v := row[j]
				instances[i][j] = &v
			}
		}
	}

	body, err := json.Marshal(predictRequest{Features: p.features, Instances: instances})
	if err != nil {
		return nil, fmt.Errorf("encoding predict request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/predict", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, classifyError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrModelServer, resp.StatusCode)
	}

	var pr predictResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return nil, fmt.Errorf("decoding predict response: %w", err)
	}
	if len(pr.Predictions) != len(X) {
		return nil, fmt.Errorf("%w: %d predictions for %d rows", ErrModelServer, len(pr.Predictions), len(X))
	}
	return pr.Predictions, nil
}

func (p *RemotePredictor) metadata(ctx context.Context) (*metadataResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/metadata", nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, classifyError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: metadata status %d", ErrPredictorUnavailable, resp.StatusCode)
	}

	var md metadataResponse
	if err := json.NewDecoder(resp.Body).Decode(&md); err != nil {
		return nil, fmt.Errorf("decoding metadata response: %w", err)
	}
	return &md, nil
}

// classifyError maps transport-level errors to ErrPredictorUnavailable.
func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: timeout: %v", ErrPredictorUnavailable, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: timeout: %v", ErrPredictorUnavailable, err)
	}
	return fmt.Errorf("%w: %v", ErrPredictorUnavailable, err)
}

// --- model server wire types ---

type predictRequest struct {
	Features  []string     `json:"features"`
	Instances [][]*float64 `json:"instances"`
}

type predictResponse struct {
	Predictions []float64 `json:"predictions"`
}

type metadataResponse struct {
	Version  string   `json:"version"`
	Features []string `json:"features"`
}

var _ Predictor = (*RemotePredictor)(nil)
