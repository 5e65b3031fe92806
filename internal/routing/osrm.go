package routing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/example/taxi-dispatch/internal/models"
)

// ErrUpstreamTimeout is returned when the routing service did not answer in time.
var ErrUpstreamTimeout = errors.New("routing upstream timeout")

// Client returns the road distance between two points.
type Client interface {
	DistanceMeters(ctx context.Context, from, to models.Coord) (float64, error)
}

// OSRMClient performs route lookups against an OSRM HTTP server.
type OSRMClient struct {
	Endpoint string
	Profile  string
	Client   *http.Client
}

func NewOSRMClient(endpoint string, timeout time.Duration) *OSRMClient {
	return &OSRMClient{
		Endpoint: strings.TrimRight(endpoint, "/"),
		Profile:  "driving",
		Client:   &http.Client{Timeout: timeout},
	}
}

// DistanceMeters queries OSRM /route between points and returns the road distance.
func (o *OSRMClient) DistanceMeters(ctx context.Context, from, to models.Coord) (float64, error) {
	// OSRM wants lon,lat order
	url := fmt.Sprintf("%s/route/v1/%s/%.6f,%.6f;%.6f,%.6f?overview=false",
		o.Endpoint, o.Profile, from.Lng, from.Lat, to.Lng, to.Lat)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	resp, err := o.Client.Do(req)
	if err != nil {
		return 0, classify(ctx, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("osrm status %d", resp.StatusCode)
	}
	var out struct {
		Routes []struct {
			Distance float64 `json:"distance"`
			Duration float64 `json:"duration"`
		} `json:"routes"`
		Code string `json:"code"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, classify(ctx, err)
	}
	if out.Code != "Ok" || len(out.Routes) == 0 {
		return 0, fmt.Errorf("osrm no route: %v", out.Code)
	}
	return out.Routes[0].Distance, nil
}

func classify(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrUpstreamTimeout, err)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return fmt.Errorf("%w: %v", ErrUpstreamTimeout, err)
	}
	return err
}
