package keyserver

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"slices"
	"strconv"
	"strings"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/okian/proxitrace/internal/domain/model"
	"github.com/okian/proxitrace/internal/domain/scoring"
	"github.com/okian/proxitrace/pkg/logger"
)

const (
	minPadding = 100
	maxPadding = 200
)

// Report is the upload request body.
type Report struct {
	TemporaryExposureKeys []model.DiagnosisKey `json:"temporaryExposureKeys"`
	HealthAuthority       string               `json:"healthAuthority"`
	VerificationPayload   string               `json:"verificationPayload"`
	HMACKey               string               `json:"hmacKey"`
	SymptomOnsetInterval  *int                 `json:"symptomOnsetInterval,omitempty"`
	Traveler              bool                 `json:"traveler"`
	RevisionToken         string               `json:"revisionToken,omitempty"`
	Padding               string               `json:"padding"`
}

// CalculateHMACKey returns base64(HMAC-SHA256(secret, cleartext)) where the
// cleartext lists keys sorted by their base64 key data, each rendered as
// "key.rollingStart.rollingPeriod.transmissionRisk" and joined with ",".
func CalculateHMACKey(keys []model.DiagnosisKey, secret []byte) (string, error) {
	if len(secret) == 0 {
		return "", ErrEmptySecret
	}
	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		lines = append(lines, strings.Join([]string{
			base64.StdEncoding.EncodeToString(k.KeyData),
			strconv.FormatUint(uint64(k.RollingStartNumber), 10),
			strconv.FormatUint(uint64(k.RollingPeriod), 10),
			strconv.Itoa(k.TransmissionRiskLevel),
		}, "."))
	}
	// The key is the first component and base64 has no '.', so sorting the
	// rendered lines orders by key.
	slices.SortStableFunc(lines, func(a, b string) int {
		return strings.Compare(a[:strings.IndexByte(a, '.')], b[:strings.IndexByte(b, '.')])
	})

	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(strings.Join(lines, ",")))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

// CalculateHMACKey is the client-bound form of the package function.
func (c *Client) CalculateHMACKey(keys []model.DiagnosisKey, secret []byte) (string, error) {
	return CalculateHMACKey(keys, secret)
}

// UploadDiagnosisKeys publishes keys. Any non-2xx answer is a network error.
func (c *Client) UploadDiagnosisKeys(ctx context.Context, keys []model.DiagnosisKey, verificationPayload string, hmacSecret []byte) error {
	padding, err := randomPadding()
	if err != nil {
		return fmt.Errorf("padding: %w", err)
	}
	if keys == nil {
		keys = []model.DiagnosisKey{}
	}
	body, err := json.Marshal(Report{
		TemporaryExposureKeys: keys,
		HealthAuthority:       c.healthAuthority,
		VerificationPayload:   verificationPayload,
		HMACKey:               base64.StdEncoding.EncodeToString(hmacSecret),
		Traveler:              false,
		Padding:               padding,
	})
	if err != nil {
		return fmt.Errorf("encoding report: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.uploadURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return transportErr(ctx, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("%w: upload: unexpected status %d: %s", model.ErrNetwork, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	c.logger.Info(ctx, "diagnosis keys uploaded", logger.Int("keys", len(keys)))
	return nil
}

// FetchConfiguration downloads the scoring configuration.
func (c *Client) FetchConfiguration(ctx context.Context) (scoring.Configuration, error) {
	body, err := c.get(ctx, c.configURL, maxResponseBytes)
	if err != nil {
		return scoring.Configuration{}, fmt.Errorf("fetch configuration: %w", err)
	}
	cfg, err := scoring.DecodeConfiguration(body)
	if err != nil {
		return scoring.Configuration{}, fmt.Errorf("fetch configuration: %w", err)
	}
	return cfg, nil
}

// randomPadding returns base64 of 100 to 200 random bytes.
func randomPadding() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(maxPadding-minPadding+1))
	if err != nil {
		return "", err
	}
	buf := make([]byte, minPadding+int(n.Int64()))
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf), nil
}
