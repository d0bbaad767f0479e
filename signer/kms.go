package signer

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"
)

// Service abstracts the remote key-management backend. The production
// implementation talks to a cloud KMS over HTTPS; tests supply a local
// software signer. No private key material ever crosses this boundary.
type Service interface {
	// GetPublicKey returns the PEM encoded public key for the key version.
	GetPublicKey(ctx context.Context, keyPath string) ([]byte, error)
	// AsymmetricSign signs a 32-byte digest and returns the DER signature.
	AsymmetricSign(ctx context.Context, keyPath string, digest []byte) ([]byte, error)
}

// keyPathPattern matches the fully qualified crypto key version resource name.
var keyPathPattern = regexp.MustCompile(`^projects/[^/]+/locations/[^/]+/keyRings/[^/]+/cryptoKeys/[^/]+/cryptoKeyVersions/[^/]+$`)

// ValidateKeyPath checks that the supplied identifier is a well formed key
// version path before it is sent to the remote service.
func ValidateKeyPath(keyPath string) error {
	if !keyPathPattern.MatchString(strings.TrimSpace(keyPath)) {
		return fmt.Errorf("signer: malformed key version path %q", keyPath)
	}
	return nil
}

// KMSConfig captures the parameters required to reach the remote signer.
type KMSConfig struct {
	BaseURL     string
	AccessToken string
	Timeout     time.Duration
}

// KMSClient implements Service against the cloud KMS REST surface.
type KMSClient struct {
	baseURL     string
	accessToken string
	httpClient  *http.Client
}

// NewKMSClient builds a KMS client from the supplied configuration.
func NewKMSClient(cfg KMSConfig) (*KMSClient, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("signer: kms base url required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &KMSClient{
		baseURL:     base,
		accessToken: strings.TrimSpace(cfg.AccessToken),
		httpClient:  &http.Client{Timeout: timeout},
	}, nil
}

type publicKeyResponse struct {
	Pem string `json:"pem"`
}

// GetPublicKey fetches the PEM encoded public key for the key version.
func (c *KMSClient) GetPublicKey(ctx context.Context, keyPath string) ([]byte, error) {
	if err := ValidateKeyPath(keyPath); err != nil {
		return nil, err
	}
	url := fmt.Sprintf("%s/v1/%s/publicKey", c.baseURL, strings.TrimSpace(keyPath))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	c.authorize(req)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("signer: fetch public key: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("signer: fetch public key: status=%d", resp.StatusCode)
	}
	var decoded publicKeyResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("signer: decode public key response: %w", err)
	}
	pem := strings.TrimSpace(decoded.Pem)
	if pem == "" {
		return nil, fmt.Errorf("signer: kms returned empty public key for %s", keyPath)
	}
	return []byte(pem), nil
}

type signRequest struct {
	Digest struct {
		SHA256 string `json:"sha256"`
	} `json:"digest"`
}

type signResponse struct {
	Signature string `json:"signature"`
}

// AsymmetricSign submits the digest for signing and returns the DER signature.
func (c *KMSClient) AsymmetricSign(ctx context.Context, keyPath string, digest []byte) ([]byte, error) {
	if err := ValidateKeyPath(keyPath); err != nil {
		return nil, err
	}
	if len(digest) != 32 {
		return nil, fmt.Errorf("signer: digest must be 32 bytes, got %d", len(digest))
	}
	payload := signRequest{}
	payload.Digest.SHA256 = base64.StdEncoding.EncodeToString(digest)
	buf, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	url := fmt.Sprintf("%s/v1/%s:asymmetricSign", c.baseURL, strings.TrimSpace(keyPath))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("signer: asymmetric sign: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("signer: asymmetric sign: status=%d", resp.StatusCode)
	}
	var decoded signResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("signer: decode sign response: %w", err)
	}
	der, err := base64.StdEncoding.DecodeString(strings.TrimSpace(decoded.Signature))
	if err != nil {
		return nil, fmt.Errorf("signer: decode signature: %w", err)
	}
	if len(der) == 0 {
		return nil, fmt.Errorf("signer: kms returned empty signature for %s", keyPath)
	}
	return der, nil
}

func (c *KMSClient) authorize(req *http.Request) {
	if c.accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.accessToken)
	}
}
