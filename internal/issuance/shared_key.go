package issuance

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/tour-badges/badge-issuer/internal/config"
	"github.com/tour-badges/badge-issuer/internal/domain"
)

const couponCreatedMarker = "Coupon created"

// SharedKeyStrategy issues every badge with one service-level API key.
type SharedKeyStrategy struct {
	baseURL   string
	apiKey    string
	stickerID string
}

// NewSharedKeyStrategy builds the strategy from configuration.
func NewSharedKeyStrategy(cfg config.IssuanceConfig) *SharedKeyStrategy {
	return &SharedKeyStrategy{baseURL: cfg.BaseURL, apiKey: cfg.APIKey, stickerID: cfg.StickerID}
}

func (s *SharedKeyStrategy) Mode() config.IssuanceMode { return config.IssuanceModeSharedKey }

func (s *SharedKeyStrategy) Prepare(_ context.Context, user domain.User) (*Request, error) {
	q := url.Values{}
	q.Set("id", s.stickerID)
	q.Set("apiKey", s.apiKey)

	body, err := json.Marshal(map[string]string{"email": user.Email, "name": user.Name})
	if err != nil {
		return nil, fail(http.StatusInternalServerError, "encode request: %v", err)
	}
	header := http.Header{}
	header.Set("Content-Type", "application/json")
	return &Request{
		Method: http.MethodPost,
		URL:    s.baseURL + "/api/sticker/share?" + q.Encode(),
		Header: header,
		Body:   body,
	}, nil
}

type couponResponse struct {
	Message string `json:"message"`
	Data    *struct {
		ID string `json:"id"`
	} `json:"data"`
}

func (s *SharedKeyStrategy) Parse(body []byte) (string, bool) {
	var resp couponResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", false
	}
	if resp.Message != couponCreatedMarker || resp.Data == nil || resp.Data.ID == "" {
		return "", false
	}
	return resp.Data.ID, true
}
