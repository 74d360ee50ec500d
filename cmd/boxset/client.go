package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/kalambet/boxset/internal/api"
	"github.com/kalambet/boxset/internal/config"
	"github.com/kalambet/boxset/internal/profile"
	"github.com/kalambet/boxset/internal/settings"
)

// apiClient talks to the daemon. It implements the coordinator, settings
// store and grant store the settings core runs against.
type apiClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

var loadConfig = config.Load

var newAPIClient = func() (*apiClient, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	token, err := config.GetAPIToken()
	if err != nil {
		return nil, fmt.Errorf("getting API token: %w", err)
	}

	return &apiClient{
		baseURL:    fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port),
		token:      token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}, nil
}

func (c *apiClient) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshalling request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("server not reachable, is boxset running? (%w)", err)
	}
	return resp, nil
}

func (c *apiClient) get(ctx context.Context, path string) (*http.Response, error) {
	return c.do(ctx, http.MethodGet, path, nil)
}

func (c *apiClient) post(ctx context.Context, path string, body any) (*http.Response, error) {
	return c.do(ctx, http.MethodPost, path, body)
}

func (c *apiClient) put(ctx context.Context, path string, body any) (*http.Response, error) {
	return c.do(ctx, http.MethodPut, path, body)
}

func (c *apiClient) delete(ctx context.Context, path string) (*http.Response, error) {
	return c.do(ctx, http.MethodDelete, path, nil)
}

func decodeJSON(resp *http.Response, v any) error {
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return statusError(resp)
	}
	if v == nil {
		_, err := io.Copy(io.Discard, resp.Body)
		return err
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

func statusError(resp *http.Response) error {
	var body struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("server returned %d (failed to read body: %w)", resp.StatusCode, err)
	}
	if json.Unmarshal(data, &body) == nil && body.Error.Message != "" {
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, body.Error.Message)
	}
	return fmt.Errorf("server returned %d: %s", resp.StatusCode, string(data))
}

// --- coordinator ---

func (c *apiClient) QueryProfiles(ctx context.Context) ([]profile.Profile, error) {
	resp, err := c.get(ctx, "/profiles")
	if err != nil {
		return nil, err
	}
	var out []profile.Profile
	return out, decodeJSON(resp, &out)
}

func (c *apiClient) ExportProfileSnapshot(ctx context.Context) ([]profile.Profile, error) {
	resp, err := c.get(ctx, "/profiles/snapshot")
	if err != nil {
		return nil, err
	}
	var out []profile.Profile
	return out, decodeJSON(resp, &out)
}

func (c *apiClient) ApplyProfileImport(ctx context.Context, profiles []profile.Profile) (int, error) {
	resp, err := c.post(ctx, "/profiles/import", profiles)
	if err != nil {
		return 0, err
	}
	var out api.ImportResponse
	if err := decodeJSON(resp, &out); err != nil {
		return 0, err
	}
	return out.Restored, nil
}

func (c *apiClient) GetShortcutTable(ctx context.Context) (map[int]string, error) {
	resp, err := c.get(ctx, "/shortcuts")
	if err != nil {
		return nil, err
	}
	var out api.ShortcutsResponse
	if err := decodeJSON(resp, &out); err != nil {
		return nil, err
	}
	if out.Bindings == nil {
		out.Bindings = map[int]string{}
	}
	return out.Bindings, nil
}

func (c *apiClient) SetShortcutSlot(ctx context.Context, index int, profileID string) error {
	resp, err := c.put(ctx, "/shortcuts/"+strconv.Itoa(index), api.SlotRequest{ProfileID: profileID})
	if err != nil {
		return err
	}
	return decodeJSON(resp, nil)
}

func (c *apiClient) ResetCapabilityCache(ctx context.Context, name string) error {
	resp, err := c.post(ctx, "/capabilities/"+url.PathEscape(name)+"/reset", nil)
	if err != nil {
		return err
	}
	return decodeJSON(resp, nil)
}

func (c *apiClient) ResetSyncState(ctx context.Context) error {
	resp, err := c.post(ctx, "/sync/reset", nil)
	if err != nil {
		return err
	}
	return decodeJSON(resp, nil)
}

func (c *apiClient) createProfile(ctx context.Context, req api.ProfileRequest) (profile.Profile, error) {
	resp, err := c.post(ctx, "/profiles", req)
	if err != nil {
		return profile.Profile{}, err
	}
	var out profile.Profile
	return out, decodeJSON(resp, &out)
}

func (c *apiClient) deleteProfile(ctx context.Context, id string) error {
	resp, err := c.delete(ctx, "/profiles/"+url.PathEscape(id))
	if err != nil {
		return err
	}
	return decodeJSON(resp, nil)
}

// --- settings store ---

func (c *apiClient) Get(ctx context.Context, key string) (string, bool, error) {
	resp, err := c.get(ctx, "/storage/"+url.PathEscape(key))
	if err != nil {
		return "", false, err
	}
	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		return "", false, nil
	}
	var out api.ValueResponse
	if err := decodeJSON(resp, &out); err != nil {
		return "", false, err
	}
	return out.Value, true, nil
}

func (c *apiClient) Set(ctx context.Context, key, value string) error {
	resp, err := c.put(ctx, "/storage/"+url.PathEscape(key), api.ValueRequest{Value: value})
	if err != nil {
		return err
	}
	return decodeJSON(resp, nil)
}

// --- grants ---

func (c *apiClient) Grant(ctx context.Context, capability string) error {
	resp, err := c.put(ctx, "/permissions/"+url.PathEscape(capability), nil)
	if err != nil {
		return err
	}
	return decodeJSON(resp, nil)
}

func (c *apiClient) Revoke(ctx context.Context, capability string) error {
	resp, err := c.delete(ctx, "/permissions/"+url.PathEscape(capability))
	if err != nil {
		return err
	}
	return decodeJSON(resp, nil)
}

func (c *apiClient) Has(ctx context.Context, capability string) (bool, error) {
	resp, err := c.get(ctx, "/permissions/"+url.PathEscape(capability))
	if err != nil {
		return false, err
	}
	var out api.GrantResponse
	if err := decodeJSON(resp, &out); err != nil {
		return false, err
	}
	return out.Granted, nil
}

// --- transition leases ---

func (c *apiClient) AcquireTransition(ctx context.Context, name string, ttl time.Duration) (string, error) {
	resp, err := c.post(ctx, "/toggles/"+url.PathEscape(name)+"/lease", api.LeaseRequest{TTLMillis: ttl.Milliseconds()})
	if err != nil {
		return "", err
	}
	if resp.StatusCode == http.StatusConflict {
		resp.Body.Close()
		return "", fmt.Errorf("%s: %w", name, settings.ErrTransitionPending)
	}
	var out api.LeaseResponse
	if err := decodeJSON(resp, &out); err != nil {
		return "", err
	}
	return out.Token, nil
}

func (c *apiClient) ReleaseTransition(ctx context.Context, name, token string) error {
	resp, err := c.delete(ctx, "/toggles/"+url.PathEscape(name)+"/lease/"+url.PathEscape(token))
	if err != nil {
		return err
	}
	return decodeJSON(resp, nil)
}
