package aws

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"lora-orchestrator/core/models"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/pricing"
	"github.com/aws/aws-sdk-go-v2/service/pricing/types"
)

// priceCache keeps the last ranking of candidate instance types
type priceCache struct {
	ttl       time.Duration
	mu        sync.RWMutex
	instances []models.GPUInstance
	fetchedAt time.Time
}

func (pc *priceCache) get(now time.Time) ([]models.GPUInstance, bool) {
	pc.mu.RLock()
	defer pc.mu.RUnlock()
	if len(pc.instances) == 0 || now.Sub(pc.fetchedAt) > pc.ttl {
		return nil, false
	}
	return pc.instances, true
}

func (pc *priceCache) set(instances []models.GPUInstance, now time.Time) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.instances = instances
	pc.fetchedAt = now
}

// CheapestInstanceType returns the candidate instance type with the lowest
// on-demand Linux price in the client's region. Prices are cached for
// PricingTTL. When pricing is unavailable the first candidate is used.
func (c *Client) CheapestInstanceType(ctx context.Context) (string, error) {
	if len(c.cfg.InstanceTypes) == 0 {
		return "", fmt.Errorf("no GPU instance types configured")
	}

	instances, ok := c.prices.get(time.Now())
	if !ok {
		fetched, err := c.FetchOnDemandPricing(ctx, c.cfg.InstanceTypes)
		if err != nil || len(fetched) == 0 {
			return c.cfg.InstanceTypes[0], nil
		}
		c.prices.set(fetched, time.Now())
		instances = fetched
	}

	return instances[0].InstanceType, nil
}

// FetchOnDemandPricing fetches on-demand prices of instanceTypes from the
// AWS Price List API, cheapest first
func (c *Client) FetchOnDemandPricing(ctx context.Context, instanceTypes []string) ([]models.GPUInstance, error) {
	var instances []models.GPUInstance

	for _, instanceType := range instanceTypes {
		out, err := c.pricingClient.GetProducts(ctx, &pricing.GetProductsInput{
			ServiceCode: aws.String("AmazonEC2"),
			Filters: []types.Filter{
				termMatch("instanceType", instanceType),
				termMatch("regionCode", c.region),
				termMatch("operatingSystem", "Linux"),
				termMatch("tenancy", "Shared"),
				termMatch("preInstalledSw", "NA"),
				termMatch("capacitystatus", "Used"),
			},
			MaxResults: aws.Int32(10),
		})
		if err != nil {
			return nil, fmt.Errorf("get products for %s: %w", instanceType, err)
		}

		price, ok := lowestOnDemandPrice(out.PriceList)
		if !ok {
			continue
		}
		instances = append(instances, models.GPUInstance{
			InstanceType: instanceType,
			Region:       c.region,
			PricePerHour: price,
			LastUpdated:  time.Now(),
		})
	}

	sort.SliceStable(instances, func(i, j int) bool {
		return instances[i].PricePerHour < instances[j].PricePerHour
	})

	return instances, nil
}

func termMatch(field, value string) types.Filter {
	return types.Filter{
		Field: aws.String(field),
		Type:  types.FilterTypeTermMatch,
		Value: aws.String(value),
	}
}

type priceListItem struct {
	Terms struct {
		OnDemand map[string]struct {
			PriceDimensions map[string]struct {
				Unit         string            `json:"unit"`
				PricePerUnit map[string]string `json:"pricePerUnit"`
			} `json:"priceDimensions"`
		} `json:"OnDemand"`
	} `json:"terms"`
}

// lowestOnDemandPrice parses Price List documents and returns the lowest
// positive hourly USD price
func lowestOnDemandPrice(priceList []string) (float64, bool) {
	best := 0.0
	found := false

	for _, doc := range priceList {
		var item priceListItem
		if err := json.Unmarshal([]byte(doc), &item); err != nil {
			continue
		}
		for _, term := range item.Terms.OnDemand {
			for _, dim := range term.PriceDimensions {
				if dim.Unit != "Hrs" {
					continue
				}
				usd, err := strconv.ParseFloat(dim.PricePerUnit["USD"], 64)
				if err != nil || usd <= 0 {
					continue
				}
				if !found || usd < best {
					best = usd
					found = true
				}
			}
		}
	}

	return best, found
}
