// Package providers implements the per-cloud adapter layer. DigitalOcean
// is fully supported; the remaining clouds are registered stubs that fail
// fast with UNSUPPORTED_PROVIDER until their adapters land.
package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/machinist/machinist/pkg/engine"
)

const defaultDigitalOceanAPI = "https://api.digitalocean.com"

// DigitalOcean is the adapter for DigitalOcean droplets.
type DigitalOcean struct {
	baseURL string
	client  *http.Client
	logger  zerolog.Logger
}

// NewDigitalOcean creates the DigitalOcean adapter.
func NewDigitalOcean(logger zerolog.Logger) *DigitalOcean {
	return &DigitalOcean{
		baseURL: defaultDigitalOceanAPI,
		client:  &http.Client{Timeout: 30 * time.Second},
		logger:  logger.With().Str("component", "provider").Str("provider", "digitalocean").Logger(),
	}
}

func (d *DigitalOcean) Type() engine.ProviderType { return engine.ProviderDigitalOcean }

func tokenOf(creds *engine.Credentials) (string, error) {
	if creds == nil || creds.DigitalOcean == nil || creds.DigitalOcean.Token == "" {
		return "", engine.NewInvalidCredentialsError("digitalocean credentials missing token")
	}
	return creds.DigitalOcean.Token, nil
}

// do performs one API call and decodes the response into out when the
// status is 2xx. 401/403 map to INVALID_CREDENTIALS, everything else
// non-2xx to PROVIDER_ERROR with the upstream status attached.
func (d *DigitalOcean) do(ctx context.Context, token, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return engine.NewInternalError("failed to encode request", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, d.baseURL+path, reader)
	if err != nil {
		return engine.NewInternalError("failed to build request", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return engine.NewProviderError("digitalocean api unreachable", 0, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return engine.NewInvalidCredentialsError("digitalocean rejected the access token")
	case resp.StatusCode == http.StatusNotFound:
		return engine.NewNotFoundError("droplet", path)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		msg := readAPIError(resp.Body)
		return engine.NewProviderError(
			fmt.Sprintf("digitalocean api returned %d: %s", resp.StatusCode, msg),
			resp.StatusCode, nil,
		).WithOperation(method + " " + path)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return engine.NewProviderError("failed to decode digitalocean response", 0, err)
		}
	}
	return nil
}

func readAPIError(body io.Reader) string {
	var apiErr struct {
		Message string `json:"message"`
	}
	if err := json.NewDecoder(io.LimitReader(body, 4096)).Decode(&apiErr); err != nil || apiErr.Message == "" {
		return "unknown error"
	}
	return apiErr.Message
}

// ValidateCredentials checks the token against the account endpoint. It
// never mutates stored credential status; that is the caller's decision.
func (d *DigitalOcean) ValidateCredentials(ctx context.Context, creds *engine.Credentials) error {
	token, err := tokenOf(creds)
	if err != nil {
		return err
	}
	return d.do(ctx, token, http.MethodGet, "/v2/account", nil, nil)
}

func (d *DigitalOcean) ListRegions(ctx context.Context, creds *engine.Credentials) ([]engine.Region, error) {
	token, err := tokenOf(creds)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Regions []struct {
			Slug      string `json:"slug"`
			Name      string `json:"name"`
			Available bool   `json:"available"`
		} `json:"regions"`
	}
	if err := d.do(ctx, token, http.MethodGet, "/v2/regions?per_page=200", nil, &resp); err != nil {
		return nil, err
	}

	regions := make([]engine.Region, 0, len(resp.Regions))
	for _, r := range resp.Regions {
		regions = append(regions, engine.Region{Slug: r.Slug, Name: r.Name, Available: r.Available})
	}
	return regions, nil
}

func (d *DigitalOcean) ListSizes(ctx context.Context, creds *engine.Credentials) ([]engine.Size, error) {
	token, err := tokenOf(creds)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Sizes []struct {
			Slug         string   `json:"slug"`
			Memory       int      `json:"memory"`
			VCPUs        int      `json:"vcpus"`
			Disk         int      `json:"disk"`
			PriceMonthly float64  `json:"price_monthly"`
			Regions      []string `json:"regions"`
		} `json:"sizes"`
	}
	if err := d.do(ctx, token, http.MethodGet, "/v2/sizes?per_page=200", nil, &resp); err != nil {
		return nil, err
	}

	sizes := make([]engine.Size, 0, len(resp.Sizes))
	for _, s := range resp.Sizes {
		sizes = append(sizes, engine.Size{
			Slug:         s.Slug,
			MemoryMB:     s.Memory,
			VCPUs:        s.VCPUs,
			DiskGB:       s.Disk,
			PriceMonthly: s.PriceMonthly,
			Regions:      s.Regions,
		})
	}
	return sizes, nil
}

func (d *DigitalOcean) ListImages(ctx context.Context, creds *engine.Credentials) ([]engine.Image, error) {
	token, err := tokenOf(creds)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Images []struct {
			Slug         string `json:"slug"`
			Name         string `json:"name"`
			Distribution string `json:"distribution"`
		} `json:"images"`
	}
	if err := d.do(ctx, token, http.MethodGet, "/v2/images?type=distribution&per_page=200", nil, &resp); err != nil {
		return nil, err
	}

	images := make([]engine.Image, 0, len(resp.Images))
	for _, img := range resp.Images {
		if img.Slug == "" {
			continue
		}
		images = append(images, engine.Image{Slug: img.Slug, Name: img.Name, Distribution: img.Distribution})
	}
	return images, nil
}

// dropletResponse is the droplet shape shared by create and describe.
type dropletResponse struct {
	ID     int64  `json:"id"`
	Status string `json:"status"`
	Region struct {
		Slug string `json:"slug"`
	} `json:"region"`
	Size struct {
		Slug string `json:"slug"`
	} `json:"size"`
	Networks struct {
		V4 []struct {
			IPAddress string `json:"ip_address"`
			Type      string `json:"type"`
		} `json:"v4"`
	} `json:"networks"`
}

func (r *dropletResponse) observed() *engine.ObservedState {
	obs := &engine.ObservedState{
		ResourceID: fmt.Sprintf("%d", r.ID),
		Status:     mapDropletStatus(r.Status),
		Region:     r.Region.Slug,
		Size:       r.Size.Slug,
		Found:      true,
	}
	for _, addr := range r.Networks.V4 {
		switch addr.Type {
		case "public":
			obs.PublicIP = addr.IPAddress
		case "private":
			obs.PrivateIP = addr.IPAddress
		}
	}
	return obs
}

// mapDropletStatus normalizes DigitalOcean's droplet status vocabulary.
// Unknown upstream states map to error, never to running.
func mapDropletStatus(status string) engine.MachineStatus {
	switch status {
	case "active":
		return engine.StatusRunning
	case "new":
		return engine.StatusProvisioning
	case "off":
		return engine.StatusStopped
	case "archive":
		return engine.StatusTerminated
	default:
		return engine.StatusError
	}
}

// CreateResource provisions a droplet directly through the API, outside
// the declarative path. Used by reconciliation probes and tooling.
func (d *DigitalOcean) CreateResource(ctx context.Context, creds *engine.Credentials, machine *engine.Machine, params engine.DeploymentParams) (*engine.ObservedState, error) {
	token, err := tokenOf(creds)
	if err != nil {
		return nil, err
	}

	var tags []string
	for k, v := range params.Tags {
		tags = append(tags, k+":"+v)
	}

	body := map[string]interface{}{
		"name":   params.Name,
		"region": params.Region,
		"size":   params.Size,
		"image":  params.Image,
	}
	if len(tags) > 0 {
		body["tags"] = tags
	}
	if params.UserData != "" {
		body["user_data"] = params.UserData
	}

	var resp struct {
		Droplet dropletResponse `json:"droplet"`
	}
	if err := d.do(ctx, token, http.MethodPost, "/v2/droplets", body, &resp); err != nil {
		return nil, err
	}
	return resp.Droplet.observed(), nil
}

func (d *DigitalOcean) DestroyResource(ctx context.Context, creds *engine.Credentials, resourceID string) error {
	token, err := tokenOf(creds)
	if err != nil {
		return err
	}

	err = d.do(ctx, token, http.MethodDelete, "/v2/droplets/"+resourceID, nil, nil)
	if engine.IsNotFound(err) {
		// Already gone; destroying is idempotent.
		return nil
	}
	return err
}

func (d *DigitalOcean) RebootResource(ctx context.Context, creds *engine.Credentials, resourceID string) error {
	token, err := tokenOf(creds)
	if err != nil {
		return err
	}
	body := map[string]string{"type": "reboot"}
	return d.do(ctx, token, http.MethodPost, "/v2/droplets/"+resourceID+"/actions", body, nil)
}

// DescribeResource reports the provider's current view of the droplet. A
// missing droplet is not an error; Found is false.
func (d *DigitalOcean) DescribeResource(ctx context.Context, creds *engine.Credentials, resourceID string) (*engine.ObservedState, error) {
	token, err := tokenOf(creds)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Droplet dropletResponse `json:"droplet"`
	}
	err = d.do(ctx, token, http.MethodGet, "/v2/droplets/"+resourceID, nil, &resp)
	if engine.IsNotFound(err) {
		return &engine.ObservedState{ResourceID: resourceID, Found: false}, nil
	}
	if err != nil {
		return nil, err
	}
	return resp.Droplet.observed(), nil
}
