// Package bootstrap provisions the NATS credentials file from PocketBase on
// first start of a device using the pocketbase auth type.
package bootstrap

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/stone-age-io/taskservice/internal/config"
	"go.uber.org/zap"
)

const httpTimeout = 15 * time.Second

// Provisioner fetches a device's NATS credentials
type Provisioner struct {
	client   *http.Client
	getenv   func(string) string
	logger   *zap.Logger
	deviceID string
	pb       config.PocketBaseConfig
}

// NewProvisioner creates a provisioner for deviceID. A nil client uses a
// client with a 15 second timeout.
func NewProvisioner(deviceID string, pb config.PocketBaseConfig, client *http.Client, logger *zap.Logger) *Provisioner {
	if client == nil {
		client = &http.Client{Timeout: httpTimeout}
	}
	return &Provisioner{
		client:   client,
		getenv:   os.Getenv,
		logger:   logger,
		deviceID: deviceID,
		pb:       pb,
	}
}

// EnsureCredentials writes credsPath from PocketBase unless it already exists
func (p *Provisioner) EnsureCredentials(ctx context.Context, credsPath string) error {
	// If .creds file already exists, skip bootstrap
	if _, err := os.Stat(credsPath); err == nil {
		p.logger.Info("Credentials file exists, skipping bootstrap", zap.String("path", credsPath))
		return nil
	}

	p.logger.Info("Credentials file not found, bootstrapping from PocketBase",
		zap.String("path", credsPath),
		zap.String("pocketbase_url", p.pb.URL))

	// Read password from environment variable
	password := p.getenv(p.pb.PasswordEnv)
	if password == "" {
		return fmt.Errorf("bootstrap: environment variable %s is not set or empty", p.pb.PasswordEnv)
	}

	// Step 1: Authenticate
	token, err := p.authenticate(ctx, password)
	if err != nil {
		return fmt.Errorf("bootstrap: authentication failed: %w", err)
	}

	// Step 2: Fetch the credentials record
	creds, err := p.fetchCreds(ctx, token)
	if err != nil {
		return fmt.Errorf("bootstrap: failed to fetch credentials: %w", err)
	}

	// Step 3: Write .creds file
	if err := writeCredsFile(credsPath, creds); err != nil {
		return fmt.Errorf("bootstrap: failed to write credentials file: %w", err)
	}
	p.logger.Info("Credentials file written", zap.String("path", credsPath))
	return nil
}

func (p *Provisioner) endpoint(path string) string {
	return strings.TrimRight(p.pb.URL, "/") + path
}

// authenticate calls auth-with-password and returns the token
func (p *Provisioner) authenticate(ctx context.Context, password string) (string, error) {
	body, err := json.Marshal(map[string]string{
		"identity": p.pb.Identity,
		"password": password,
	})
	if err != nil {
		return "", err
	}

	target := p.endpoint(fmt.Sprintf("/api/collections/%s/auth-with-password", url.PathEscape(p.pb.AuthCollection)))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var auth struct {
		Token string `json:"token"`
	}
	if err := p.do(req, &auth); err != nil {
		return "", err
	}
	if auth.Token == "" {
		return "", fmt.Errorf("auth response contained no token")
	}
	return auth.Token, nil
}

// fetchCreds reads the creds field of the device's record
func (p *Provisioner) fetchCreds(ctx context.Context, token string) (string, error) {
	query := url.Values{}
	query.Set("filter", fmt.Sprintf("%s=%q", p.pb.DeviceIDField, p.deviceID))
	query.Set("perPage", "1")

	target := p.endpoint(fmt.Sprintf("/api/collections/%s/records", url.PathEscape(p.pb.Collection))) + "?" + query.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", token)

	var list struct {
		Items []map[string]any `json:"items"`
	}
	if err := p.do(req, &list); err != nil {
		return "", err
	}
	if len(list.Items) == 0 {
		return "", fmt.Errorf("no record found for %s=%q in collection %q", p.pb.DeviceIDField, p.deviceID, p.pb.Collection)
	}

	creds, ok := list.Items[0][p.pb.CredsField].(string)
	if !ok || creds == "" {
		return "", fmt.Errorf("field %q is missing, empty or not a string", p.pb.CredsField)
	}
	return creds, nil
}

func (p *Provisioner) do(req *http.Request, out any) error {
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s %s returned %d: %s", req.Method, req.URL.Path, resp.StatusCode, string(body))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

// writeCredsFile writes content readable by the owner only. The file
// appears atomically so a crash never leaves a truncated creds file.
func writeCredsFile(path, content string) error {
	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	// Write with restrictive permissions (owner read/write only)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0600); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to move file into place: %w", err)
	}
	return nil
}
