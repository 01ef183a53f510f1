// Package ec2 implements cloud.Provider on Amazon EC2.
package ec2

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"digest-dispatcher/internal/cloud"
)

// TagDispatcherID marks every instance this process creates.
const TagDispatcherID = "digest-dispatcher-id"

// API is the subset of the EC2 client used by Provider.
type API interface {
	RunInstances(ctx context.Context, in *ec2.RunInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
	DescribeInstanceStatus(ctx context.Context, in *ec2.DescribeInstanceStatusInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstanceStatusOutput, error)
	DescribeInstances(ctx context.Context, in *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	TerminateInstances(ctx context.Context, in *ec2.TerminateInstancesInput, optFns ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
}

// Config holds launch settings shared by every instance.
type Config struct {
	KeyName            string
	SecurityGroupIDs   []string
	SubnetID           string
	InstanceProfileArn string
	DispatcherID       string
	// MaxDescribesPerSecond limits status/describe calls across all
	// concurrent provisioning waits. Zero means unlimited.
	MaxDescribesPerSecond float64
	Endpoint              string
}

// Provider talks to EC2.
type Provider struct {
	api     API
	cfg     Config
	limiter *rate.Limiter
	logger  logrus.FieldLogger
}

var _ cloud.Provider = (*Provider)(nil)

// New creates a Provider from an AWS config.
func New(awsCfg aws.Config, cfg Config, logger logrus.FieldLogger) *Provider {
	client := ec2.NewFromConfig(awsCfg, func(o *ec2.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return NewWithAPI(client, cfg, logger)
}

// NewWithAPI creates a Provider over an existing client.
func NewWithAPI(api API, cfg Config, logger logrus.FieldLogger) *Provider {
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.MaxDescribesPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.MaxDescribesPerSecond), 1)
	}
	return &Provider{api: api, cfg: cfg, limiter: limiter, logger: logger}
}

// CreateInstance launches exactly one instance and tags it.
func (p *Provider) CreateInstance(ctx context.Context, imageID, instanceType string, tags map[string]string) (cloud.InstanceID, error) {
	ec2tags := []types.Tag{}
	if p.cfg.DispatcherID != "" {
		ec2tags = append(ec2tags, types.Tag{Key: aws.String(TagDispatcherID), Value: aws.String(p.cfg.DispatcherID)})
	}
	for k, v := range tags {
		ec2tags = append(ec2tags, types.Tag{Key: aws.String(k), Value: aws.String(v)})
	}

	in := &ec2.RunInstancesInput{
		ImageId:                           aws.String(imageID),
		InstanceType:                      types.InstanceType(instanceType),
		MinCount:                          aws.Int32(1),
		MaxCount:                          aws.Int32(1),
		InstanceInitiatedShutdownBehavior: types.ShutdownBehaviorTerminate,
		TagSpecifications: []types.TagSpecification{{
			ResourceType: types.ResourceTypeInstance,
			Tags:         ec2tags,
		}},
	}
	if p.cfg.KeyName != "" {
		in.KeyName = aws.String(p.cfg.KeyName)
	}
	if len(p.cfg.SecurityGroupIDs) > 0 {
		in.SecurityGroupIds = p.cfg.SecurityGroupIDs
	}
	if p.cfg.SubnetID != "" {
		in.SubnetId = aws.String(p.cfg.SubnetID)
	}
	if p.cfg.InstanceProfileArn != "" {
		in.IamInstanceProfile = &types.IamInstanceProfileSpecification{Arn: aws.String(p.cfg.InstanceProfileArn)}
	}

	out, err := p.api.RunInstances(ctx, in)
	if err != nil {
		return "", wrapError("RunInstances", "", err)
	}
	if len(out.Instances) == 0 || out.Instances[0].InstanceId == nil {
		return "", &cloud.ProviderError{Op: "RunInstances", Err: errors.New("no instance in reservation")}
	}
	id := cloud.InstanceID(aws.ToString(out.Instances[0].InstanceId))
	p.logger.WithFields(logrus.Fields{
		"InstanceID":   id,
		"ImageID":      imageID,
		"InstanceType": instanceType,
	}).Info("instance created")
	return id, nil
}

// InstanceStatus reports the instance and system status checks.
func (p *Provider) InstanceStatus(ctx context.Context, id cloud.InstanceID) (cloud.StatusSummary, bool, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return cloud.StatusSummary{}, false, err
	}
	out, err := p.api.DescribeInstanceStatus(ctx, &ec2.DescribeInstanceStatusInput{
		InstanceIds: []string{string(id)},
	})
	if err != nil {
		return cloud.StatusSummary{}, false, wrapError("DescribeInstanceStatus", id, err)
	}
	if len(out.InstanceStatuses) == 0 {
		return cloud.StatusSummary{}, false, nil
	}
	st := out.InstanceStatuses[0]
	var sum cloud.StatusSummary
	if st.InstanceStatus != nil {
		sum.InstanceStatus = string(st.InstanceStatus.Status)
	}
	if st.SystemStatus != nil {
		sum.SystemStatus = string(st.SystemStatus.Status)
	}
	return sum, true, nil
}

// DescribeInstance fetches the instance's state and addresses.
func (p *Provider) DescribeInstance(ctx context.Context, id cloud.InstanceID) (cloud.InstanceDetails, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return cloud.InstanceDetails{}, err
	}
	out, err := p.api.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{string(id)},
	})
	if err != nil {
		return cloud.InstanceDetails{}, wrapError("DescribeInstances", id, err)
	}
	for _, rsv := range out.Reservations {
		for _, inst := range rsv.Instances {
			if aws.ToString(inst.InstanceId) != string(id) {
				continue
			}
			det := cloud.InstanceDetails{
				ID:             id,
				PublicAddress:  aws.ToString(inst.PublicIpAddress),
				PrivateAddress: aws.ToString(inst.PrivateIpAddress),
			}
			if inst.State != nil {
				det.State = string(inst.State.Name)
			}
			return det, nil
		}
	}
	return cloud.InstanceDetails{}, &cloud.ProviderError{Op: "DescribeInstances", InstanceID: id, Err: cloud.ErrNotFound}
}

// TerminateInstance requests the instance be shut down and removed.
func (p *Provider) TerminateInstance(ctx context.Context, id cloud.InstanceID) error {
	_, err := p.api.TerminateInstances(ctx, &ec2.TerminateInstancesInput{
		InstanceIds: []string{string(id)},
	})
	if err != nil {
		return wrapError("TerminateInstances", id, err)
	}
	p.logger.WithField("InstanceID", id).Info("instance termination requested")
	return nil
}

func wrapError(op string, id cloud.InstanceID, err error) error {
	wrapped := &cloud.ProviderError{Op: op, InstanceID: id, Err: err}
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return wrapped
	}
	switch apiErr.ErrorCode() {
	case "InvalidInstanceID.NotFound":
		wrapped.Err = fmt.Errorf("%w: %s", cloud.ErrNotFound, apiErr.ErrorMessage())
	case "RequestLimitExceeded", "Throttling":
		wrapped.Err = fmt.Errorf("%w: %s", cloud.ErrThrottled, apiErr.ErrorMessage())
	case "InstanceLimitExceeded", "InsufficientInstanceCapacity", "VcpuLimitExceeded":
		wrapped.Err = fmt.Errorf("%w: %s", cloud.ErrQuota, apiErr.ErrorMessage())
	}
	return wrapped
}
