package routing

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Hakibbumbus/transitapp/internal/geo"
	"github.com/Hakibbumbus/transitapp/pkg/core"
)

// Client talks to an OSRM-compatible routing service and a
// Nominatim-compatible geocoder over HTTP.
type Client struct {
	routeURL   string
	geocodeURL string
	httpClient *http.Client
}

// NewClient creates a routing client. URLs are the service roots, e.g.
// "https://router.project-osrm.org" and "https://nominatim.openstreetmap.org".
func NewClient(routeURL, geocodeURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		routeURL:   strings.TrimRight(routeURL, "/"),
		geocodeURL: strings.TrimRight(geocodeURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// osrmResponse is the subset of the OSRM route response the core reads.
type osrmResponse struct {
	Code   string `json:"code"`
	Routes []struct {
		Geometry struct {
			Coordinates [][]float64 `json:"coordinates"`
		} `json:"geometry"`
	} `json:"routes"`
}

// Route fetches a driving path with full GeoJSON geometry.
func (c *Client) Route(ctx context.Context, origin, destination core.Position) (core.Polyline, error) {
	reqURL := fmt.Sprintf(
		"%s/route/v1/driving/%s;%s?overview=full&geometries=geojson",
		c.routeURL, formatCoord(origin), formatCoord(destination),
	)

	var parsed osrmResponse
	if err := c.getJSON(ctx, reqURL, &parsed); err != nil {
		return nil, fmt.Errorf("route request: %w", err)
	}

	if parsed.Code != "Ok" || len(parsed.Routes) == 0 {
		return nil, ErrNoRoute
	}
	points, err := geo.PolylineFromCoords(parsed.Routes[0].Geometry.Coordinates)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoRoute, err)
	}
	return points, nil
}

// nominatimResult is one entry of the geocoder's JSON array response.
// Nominatim returns lat/lon as strings.
type nominatimResult struct {
	Lat string `json:"lat"`
	Lon string `json:"lon"`
}

// Geocode resolves an address via the geocoder's search endpoint, taking
// the first match.
func (c *Client) Geocode(ctx context.Context, address string) (core.Position, error) {
	q := url.Values{}
	q.Set("q", address)
	q.Set("format", "json")
	q.Set("limit", "1")
	reqURL := c.geocodeURL + "/search?" + q.Encode()

	var results []nominatimResult
	if err := c.getJSON(ctx, reqURL, &results); err != nil {
		return core.Position{}, fmt.Errorf("geocode request: %w", err)
	}
	if len(results) == 0 {
		return core.Position{}, ErrNoResult
	}

	lat, err := strconv.ParseFloat(results[0].Lat, 64)
	if err != nil {
		return core.Position{}, fmt.Errorf("parse geocode latitude: %w", err)
	}
	lng, err := strconv.ParseFloat(results[0].Lon, 64)
	if err != nil {
		return core.Position{}, fmt.Errorf("parse geocode longitude: %w", err)
	}
	return core.Position{Lat: lat, Lng: lng}, nil
}

func (c *Client) getJSON(ctx context.Context, reqURL string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", "transitapp/transitd")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// formatCoord renders a position in OSRM's lng,lat order.
func formatCoord(p core.Position) string {
	return strconv.FormatFloat(p.Lng, 'f', 6, 64) + "," + strconv.FormatFloat(p.Lat, 'f', 6, 64)
}
