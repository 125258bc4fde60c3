package cloud

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
)

const errCodeInstanceNotFound = "InvalidInstanceID.NotFound"

type EC2Config struct {
	Region           string
	AccessKey        string
	SecretKey        string
	Endpoint         string
	SubnetID         string
	SecurityGroupIDs []string
	KeyName          string
}

// ec2Client is the subset of the EC2 API used to manage fleet instances.
type ec2Client interface {
	RunInstances(ctx context.Context, in *ec2.RunInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
	DescribeInstances(ctx context.Context, in *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	TerminateInstances(ctx context.Context, in *ec2.TerminateInstancesInput, optFns ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
}

type EC2Provisioner struct {
	cfg    EC2Config
	client ec2Client
}

func NewEC2Provisioner(ctx context.Context, cfg EC2Config) (*EC2Provisioner, error) {
	if cfg.Region == "" {
		return nil, errors.New("aws region is required")
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := ec2.NewFromConfig(awsCfg, func(o *ec2.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return newEC2Provisioner(cfg, client), nil
}

func newEC2Provisioner(cfg EC2Config, client ec2Client) *EC2Provisioner {
	return &EC2Provisioner{cfg: cfg, client: client}
}

func (p *EC2Provisioner) CreateInstance(ctx context.Context, spec InstanceSpec) (string, error) {
	in := &ec2.RunInstancesInput{
		ImageId:      aws.String(spec.Image),
		InstanceType: types.InstanceType(spec.Profile),
		MinCount:     aws.Int32(1),
		MaxCount:     aws.Int32(1),
		TagSpecifications: []types.TagSpecification{{
			ResourceType: types.ResourceTypeInstance,
			Tags:         tags(spec),
		}},
	}
	if len(spec.UserData) > 0 {
		in.UserData = aws.String(base64.StdEncoding.EncodeToString(spec.UserData))
	}
	if p.cfg.SubnetID != "" {
		in.SubnetId = aws.String(p.cfg.SubnetID)
	}
	if len(p.cfg.SecurityGroupIDs) > 0 {
		in.SecurityGroupIds = p.cfg.SecurityGroupIDs
	}
	if p.cfg.KeyName != "" {
		in.KeyName = aws.String(p.cfg.KeyName)
	}

	out, err := p.client.RunInstances(ctx, in)
	if err != nil {
		return "", fmt.Errorf("run instance %s: %w", spec.Name, err)
	}
	if len(out.Instances) == 0 || out.Instances[0].InstanceId == nil {
		return "", fmt.Errorf("run instance %s: no instance returned", spec.Name)
	}
	return *out.Instances[0].InstanceId, nil
}

func (p *EC2Provisioner) GetInstance(ctx context.Context, id string) (Instance, error) {
	out, err := p.client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{InstanceIds: []string{id}})
	if err != nil {
		if isNotFound(err) {
			return Instance{}, ErrInstanceNotFound
		}
		return Instance{}, fmt.Errorf("describe instance %s: %w", id, err)
	}
	for _, r := range out.Reservations {
		for _, inst := range r.Instances {
			if aws.ToString(inst.InstanceId) != id {
				continue
			}
			result := Instance{
				ID:        id,
				PublicIP:  aws.ToString(inst.PublicIpAddress),
				PrivateIP: aws.ToString(inst.PrivateIpAddress),
			}
			if inst.State != nil {
				result.State = string(inst.State.Name)
			}
			return result, nil
		}
	}
	return Instance{}, ErrInstanceNotFound
}

func (p *EC2Provisioner) DeleteInstance(ctx context.Context, id string) error {
	if id == "" {
		return nil
	}
	_, err := p.client.TerminateInstances(ctx, &ec2.TerminateInstancesInput{InstanceIds: []string{id}})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("terminate instance %s: %w", id, err)
	}
	return nil
}

func isNotFound(err error) bool {
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == errCodeInstanceNotFound
}

func tags(spec InstanceSpec) []types.Tag {
	out := []types.Tag{{Key: aws.String("Name"), Value: aws.String(spec.Name)}}
	keys := make([]string, 0, len(spec.Labels))
	for k := range spec.Labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, types.Tag{Key: aws.String(k), Value: aws.String(spec.Labels[k])})
	}
	return out
}
