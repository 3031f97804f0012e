package aws

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"lora-orchestrator/core/models"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
)

// ErrInstanceNotFound is returned when EC2 no longer knows an instance
var ErrInstanceNotFound = errors.New("instance not found")

// ProvisionGPUInstance launches one GPU instance for a training run.
// runID is the EC2 client token, so launching again for the same run returns
// the instance of the first call instead of starting a second one.
func (c *Client) ProvisionGPUInstance(ctx context.Context, runID, instanceType, userData string) (string, error) {
	amiID, err := c.GetGPUOptimizedAMI(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to get GPU AMI: %w", err)
	}

	input := &ec2.RunInstancesInput{
		ClientToken:  aws.String(runID),
		ImageId:      aws.String(amiID),
		InstanceType: types.InstanceType(instanceType),
		MinCount:     aws.Int32(1),
		MaxCount:     aws.Int32(1),
		UserData:     aws.String(base64.StdEncoding.EncodeToString([]byte(userData))),
		TagSpecifications: []types.TagSpecification{
			{
				ResourceType: types.ResourceTypeInstance,
				Tags: []types.Tag{
					{
						Key:   aws.String("Name"),
						Value: aws.String(fmt.Sprintf("lora-training-%s", runID)),
					},
					{
						Key:   aws.String("ManagedBy"),
						Value: aws.String("lora-orchestrator"),
					},
					{
						Key:   aws.String("TrainingRunID"),
						Value: aws.String(runID),
					},
				},
			},
		},
	}

	// a trainer that powers itself off releases the GPU
	input.InstanceInitiatedShutdownBehavior = types.ShutdownBehaviorTerminate

	if c.cfg.InstanceProfile != "" {
		input.IamInstanceProfile = &types.IamInstanceProfileSpecification{
			Name: aws.String(c.cfg.InstanceProfile),
		}
	}
	if c.cfg.SubnetID != "" {
		input.SubnetId = aws.String(c.cfg.SubnetID)
	}
	if c.cfg.SecurityGroupID != "" {
		input.SecurityGroupIds = []string{c.cfg.SecurityGroupID}
	}
	if c.cfg.KeyName != "" {
		input.KeyName = aws.String(c.cfg.KeyName)
	}

	if c.cfg.Spot {
		spot := &types.SpotMarketOptions{
			SpotInstanceType: types.SpotInstanceTypeOneTime,
		}
		if c.cfg.SpotMaxPrice != "" {
			spot.MaxPrice = aws.String(c.cfg.SpotMaxPrice)
		}
		input.InstanceMarketOptions = &types.InstanceMarketOptionsRequest{
			MarketType:  types.MarketTypeSpot,
			SpotOptions: spot,
		}
	}

	result, err := c.ec2Client.RunInstances(ctx, input)
	if err != nil {
		return "", fmt.Errorf("failed to provision instance: %w", err)
	}
	if len(result.Instances) == 0 {
		return "", fmt.Errorf("run instances returned no instance")
	}

	return aws.ToString(result.Instances[0].InstanceId), nil
}

// DescribeInstance returns the state and public address of an instance
func (c *Client) DescribeInstance(ctx context.Context, instanceID string) (*models.InstanceStatus, error) {
	out, err := c.ec2Client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{instanceID},
	})
	if err != nil {
		return nil, fmt.Errorf("describe instance %s: %w", instanceID, err)
	}

	for _, reservation := range out.Reservations {
		for _, inst := range reservation.Instances {
			if aws.ToString(inst.InstanceId) != instanceID {
				continue
			}
			status := &models.InstanceStatus{
				InstanceID: instanceID,
				PublicIP:   aws.ToString(inst.PublicIpAddress),
			}
			if inst.State != nil {
				status.State = string(inst.State.Name)
			}
			return status, nil
		}
	}

	return nil, ErrInstanceNotFound
}

// TerminateInstance terminates an instance. Terminating an already
// terminated instance succeeds.
func (c *Client) TerminateInstance(ctx context.Context, instanceID string) error {
	_, err := c.ec2Client.TerminateInstances(ctx, &ec2.TerminateInstancesInput{
		InstanceIds: []string{instanceID},
	})
	if err != nil {
		return fmt.Errorf("terminate instance %s: %w", instanceID, err)
	}
	return nil
}
