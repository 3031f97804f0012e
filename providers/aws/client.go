package aws

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/pricing"
)

// pricingRegion hosts the AWS Price List API
const pricingRegion = "us-east-1"

// EC2API is the subset of the EC2 client used for GPU instances
type EC2API interface {
	RunInstances(ctx context.Context, params *ec2.RunInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
	DescribeInstances(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	TerminateInstances(ctx context.Context, params *ec2.TerminateInstancesInput, optFns ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
	DescribeImages(ctx context.Context, params *ec2.DescribeImagesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeImagesOutput, error)
}

// PricingAPI is the subset of the Price List client used to rank instance types
type PricingAPI interface {
	GetProducts(ctx context.Context, params *pricing.GetProductsInput, optFns ...func(*pricing.Options)) (*pricing.GetProductsOutput, error)
}

// ProvisionConfig describes how GPU instances are launched
type ProvisionConfig struct {
	InstanceTypes   []string // Candidates, cheapest on-demand price wins
	AMIID           string   // Empty means the newest Deep Learning AMI
	InstanceProfile string
	SubnetID        string
	SecurityGroupID string
	KeyName         string
	Spot            bool
	SpotMaxPrice    string
	PricingTTL      time.Duration
}

// Client is the AWS provider client
type Client struct {
	ec2Client     EC2API
	pricingClient PricingAPI
	region        string
	cfg           ProvisionConfig
	prices        *priceCache
}

// LoadConfig loads the shared AWS configuration for region
func LoadConfig(ctx context.Context, region string) (aws.Config, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return aws.Config{}, fmt.Errorf("load aws config: %w", err)
	}
	return cfg, nil
}

// NewClient creates a new AWS client
func NewClient(awsCfg aws.Config, cfg ProvisionConfig) *Client {
	pricingClient := pricing.NewFromConfig(awsCfg, func(o *pricing.Options) {
		o.Region = pricingRegion
	})
	return NewClientWithAPIs(ec2.NewFromConfig(awsCfg), pricingClient, awsCfg.Region, cfg)
}

// NewClientWithAPIs creates a client over explicit service clients
func NewClientWithAPIs(ec2Client EC2API, pricingClient PricingAPI, region string, cfg ProvisionConfig) *Client {
	if cfg.PricingTTL <= 0 {
		cfg.PricingTTL = 15 * time.Minute
	}
	return &Client{
		ec2Client:     ec2Client,
		pricingClient: pricingClient,
		region:        region,
		cfg:           cfg,
		prices:        &priceCache{ttl: cfg.PricingTTL},
	}
}

// Region returns the region instances are launched in
func (c *Client) Region() string {
	return c.region
}
