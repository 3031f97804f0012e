package aws

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
)

// deepLearningAMIPattern matches the NVIDIA-driver Deep Learning base images
const deepLearningAMIPattern = "Deep Learning Base OSS Nvidia Driver GPU AMI (Ubuntu 22.04)*"

// GetGPUOptimizedAMI returns the configured AMI, or the newest available
// Amazon Deep Learning AMI in the client's region
func (c *Client) GetGPUOptimizedAMI(ctx context.Context) (string, error) {
	if c.cfg.AMIID != "" {
		return c.cfg.AMIID, nil
	}

	result, err := c.ec2Client.DescribeImages(ctx, &ec2.DescribeImagesInput{
		Owners: []string{"amazon"},
		Filters: []types.Filter{
			{
				Name:   aws.String("name"),
				Values: []string{deepLearningAMIPattern},
			},
			{
				Name:   aws.String("state"),
				Values: []string{"available"},
			},
			{
				Name:   aws.String("architecture"),
				Values: []string{"x86_64"},
			},
		},
	})
	if err != nil {
		return "", fmt.Errorf("describe images: %w", err)
	}

	var newest types.Image
	for _, img := range result.Images {
		// CreationDate is ISO 8601, so lexical order is chronological
		if aws.ToString(img.CreationDate) > aws.ToString(newest.CreationDate) {
			newest = img
		}
	}
	if newest.ImageId == nil {
		return "", fmt.Errorf("no GPU AMI found in region %s", c.region)
	}

	return aws.ToString(newest.ImageId), nil
}
