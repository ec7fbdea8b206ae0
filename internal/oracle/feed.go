package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/url"
	"sync"
	"time"
)

// FeedClient resolves the latest price sample for a feed.
type FeedClient interface {
	FetchPriceSample(ctx context.Context, feedID string) (PriceSample, error)
}

// HTTPFeed fetches samples from a price-service endpoint that returns the
// latest signed update for a feed id.
type HTTPFeed struct {
	baseURL string
	client  *http.Client
}

func NewHTTPFeed(baseURL string, timeout time.Duration) *HTTPFeed {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPFeed{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

type feedResponse struct {
	Price       string `json:"price"`
	Expo        int32  `json:"expo"`
	PublishTime int64  `json:"publish_time"`
	UpdateData  []byte `json:"update_data"`
	UpdateFee   string `json:"update_fee"`
}

func (f *HTTPFeed) FetchPriceSample(ctx context.Context, feedID string) (PriceSample, error) {
	u := fmt.Sprintf("%s/v1/price/latest?id=%s", f.baseURL, url.QueryEscape(feedID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return PriceSample{}, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return PriceSample{}, fmt.Errorf("oracle fetch %s: %w", feedID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return PriceSample{}, fmt.Errorf("oracle fetch %s: status %d", feedID, resp.StatusCode)
	}

	var body feedResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return PriceSample{}, fmt.Errorf("oracle decode %s: %w", feedID, err)
	}

	var price big.Int
	if _, ok := price.SetString(body.Price, 10); !ok || !price.IsInt64() {
		return PriceSample{}, fmt.Errorf("oracle decode %s: bad price %q", feedID, body.Price)
	}
	fee := new(big.Int)
	if body.UpdateFee != "" {
		if _, ok := fee.SetString(body.UpdateFee, 10); !ok {
			return PriceSample{}, fmt.Errorf("oracle decode %s: bad fee %q", feedID, body.UpdateFee)
		}
	}

	return PriceSample{
		FeedID:      feedID,
		Price:       price.Int64(),
		Expo:        body.Expo,
		PublishTime: time.Unix(body.PublishTime, 0).UTC(),
		UpdateBytes: body.UpdateData,
		UpdateFee:   fee,
	}, nil
}

// StaticFeed serves fixed samples, used in tests and local development. Set
// replaces the sample for a feed; FetchPriceSample stamps the current time
// so samples are always fresh unless FreezeTime is set.
type StaticFeed struct {
	mu         sync.RWMutex
	samples    map[string]PriceSample
	FreezeTime bool
}

func NewStaticFeed() *StaticFeed {
	return &StaticFeed{samples: make(map[string]PriceSample)}
}

func (f *StaticFeed) Set(feedID string, price int64, expo int32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.samples[feedID] = PriceSample{
		FeedID:      feedID,
		Price:       price,
		Expo:        expo,
		PublishTime: time.Now().UTC(),
		UpdateFee:   big.NewInt(0),
	}
}

// SetSample stores a fully specified sample, publish time included.
func (f *StaticFeed) SetSample(s PriceSample) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.samples[s.FeedID] = s
}

func (f *StaticFeed) FetchPriceSample(_ context.Context, feedID string) (PriceSample, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	s, ok := f.samples[feedID]
	if !ok {
		return PriceSample{}, fmt.Errorf("oracle: no sample for feed %s", feedID)
	}
	if !f.FreezeTime {
		s.PublishTime = time.Now().UTC()
	}
	return s, nil
}
