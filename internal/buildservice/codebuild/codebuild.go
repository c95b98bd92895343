// Package codebuild implements buildservice.Client on AWS CodeBuild.
package codebuild

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	cb "github.com/aws/aws-sdk-go-v2/service/codebuild"
	cbtypes "github.com/aws/aws-sdk-go-v2/service/codebuild/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/aws/smithy-go"

	"github.com/majorcontext/buildfleet/internal/buildservice"
	"github.com/majorcontext/buildfleet/internal/log"
)

// API is the subset of the CodeBuild client used here (injectable for testing).
type API interface {
	StartBuild(ctx context.Context, params *cb.StartBuildInput, optFns ...func(*cb.Options)) (*cb.StartBuildOutput, error)
	StopBuild(ctx context.Context, params *cb.StopBuildInput, optFns ...func(*cb.Options)) (*cb.StopBuildOutput, error)
	BatchGetBuilds(ctx context.Context, params *cb.BatchGetBuildsInput, optFns ...func(*cb.Options)) (*cb.BatchGetBuildsOutput, error)
	BatchGetProjects(ctx context.Context, params *cb.BatchGetProjectsInput, optFns ...func(*cb.Options)) (*cb.BatchGetProjectsOutput, error)
	ListProjects(ctx context.Context, params *cb.ListProjectsInput, optFns ...func(*cb.Options)) (*cb.ListProjectsOutput, error)
}

// Client talks to CodeBuild in one region.
type Client struct {
	api    API
	region string
}

// Options selects the region and credentials.
type Options struct {
	Region string
	// RoleARN, when set, is assumed through STS for every call.
	RoleARN string
}

// New loads the default AWS configuration for opts.Region and, if
// opts.RoleARN is set, wraps it with an assume-role provider.
func New(ctx context.Context, opts Options) (*Client, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(opts.Region))
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	if opts.RoleARN != "" {
		if err := ValidateRoleARN(opts.RoleARN); err != nil {
			return nil, err
		}
		provider := stscreds.NewAssumeRoleProvider(sts.NewFromConfig(cfg), opts.RoleARN, func(o *stscreds.AssumeRoleOptions) {
			o.RoleSessionName = "buildfleet"
		})
		cfg.Credentials = aws.NewCredentialsCache(provider)
	}
	return NewWithAPI(cb.NewFromConfig(cfg), opts.Region), nil
}

// NewWithAPI wraps an existing API implementation.
func NewWithAPI(api API, region string) *Client {
	return &Client{api: api, region: region}
}

// Region returns the client's region.
func (c *Client) Region() string { return c.region }

// StartJob starts a build with the worker's environment overrides. The
// project's source is replaced with NO_SOURCE: workers need no checkout.
func (c *Client) StartJob(ctx context.Context, in buildservice.StartJobInput) (string, error) {
	vars := make([]cbtypes.EnvironmentVariable, 0, len(in.Variables))
	for _, v := range in.Variables {
		vars = append(vars, cbtypes.EnvironmentVariable{
			Name:  aws.String(v.Name),
			Value: aws.String(v.Value),
			Type:  cbtypes.EnvironmentVariableTypePlaintext,
		})
	}

	input := &cb.StartBuildInput{
		ProjectName:                  aws.String(in.Project),
		ImageOverride:                aws.String(in.Image),
		ComputeTypeOverride:          cbtypes.ComputeType(in.ComputeType),
		EnvironmentTypeOverride:      cbtypes.EnvironmentType(in.EnvironmentType),
		PrivilegedModeOverride:       aws.Bool(in.Privileged),
		SourceTypeOverride:           cbtypes.SourceTypeNoSource,
		EnvironmentVariablesOverride: vars,
	}
	if in.BuildSpec != "" {
		input.BuildspecOverride = aws.String(in.BuildSpec)
	}
	if in.ImagePullCredentialsType != "" {
		input.ImagePullCredentialsTypeOverride = cbtypes.ImagePullCredentialsType(in.ImagePullCredentialsType)
	}

	out, err := c.api.StartBuild(ctx, input)
	if err != nil {
		return "", classify("start build", "", err)
	}
	if out.Build == nil || out.Build.Id == nil {
		return "", &buildservice.RemoteError{Op: "start build", Err: errors.New("response carried no build id")}
	}
	return aws.ToString(out.Build.Id), nil
}

// StopJob stops the build if it is still in progress.
func (c *Client) StopJob(ctx context.Context, jobID string) error {
	status, err := c.JobStatus(ctx, jobID)
	if err != nil {
		return err
	}
	if status != buildservice.StatusInProgress {
		log.Debug("build not in progress, skipping stop", "job", jobID, "status", status)
		return nil
	}
	if _, err := c.api.StopBuild(ctx, &cb.StopBuildInput{Id: aws.String(jobID)}); err != nil {
		return classify("stop build", jobID, err)
	}
	return nil
}

// JobStatus returns the build's status.
func (c *Client) JobStatus(ctx context.Context, jobID string) (buildservice.JobStatus, error) {
	out, err := c.api.BatchGetBuilds(ctx, &cb.BatchGetBuildsInput{Ids: []string{jobID}})
	if err != nil {
		return "", classify("describe build", jobID, err)
	}
	if len(out.Builds) == 0 {
		return "", &buildservice.RemoteError{Op: "describe build", JobID: jobID, Err: buildservice.ErrJobNotFound}
	}
	return buildservice.JobStatus(out.Builds[0].BuildStatus), nil
}

// ProjectConcurrencyCeiling reads the project's concurrent build limit.
func (c *Client) ProjectConcurrencyCeiling(ctx context.Context, project string) (int, bool, error) {
	out, err := c.api.BatchGetProjects(ctx, &cb.BatchGetProjectsInput{Names: []string{project}})
	if err != nil {
		return 0, false, classify("describe project", "", err)
	}
	if len(out.Projects) == 0 {
		return 0, false, &buildservice.RemoteError{Op: "describe project", Err: fmt.Errorf("project %s not found", project)}
	}
	limit := out.Projects[0].ConcurrentBuildLimit
	if limit == nil {
		return 0, false, nil
	}
	return int(*limit), true, nil
}

// ListProjectsPage returns one page of project names sorted by name.
func (c *Client) ListProjectsPage(ctx context.Context, token string) (buildservice.Page, error) {
	input := &cb.ListProjectsInput{
		SortBy:    cbtypes.ProjectSortByTypeName,
		SortOrder: cbtypes.SortOrderTypeAscending,
	}
	if token != "" {
		input.NextToken = aws.String(token)
	}
	out, err := c.api.ListProjects(ctx, input)
	if err != nil {
		return buildservice.Page{}, classify("list projects", "", err)
	}
	return buildservice.Page{Projects: out.Projects, NextToken: aws.ToString(out.NextToken)}, nil
}

// classify maps service errors onto the buildservice sentinels.
func classify(op, jobID string, err error) error {
	var notFound *cbtypes.ResourceNotFoundException
	if errors.As(err, &notFound) {
		return &buildservice.RemoteError{Op: op, JobID: jobID, Err: fmt.Errorf("%w: %v", buildservice.ErrJobNotFound, err)}
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "TooManyRequestsException", "RequestLimitExceeded":
			return &buildservice.RemoteError{Op: op, JobID: jobID, Err: fmt.Errorf("%w: %v", buildservice.ErrThrottled, err)}
		}
	}
	return &buildservice.RemoteError{Op: op, JobID: jobID, Err: err}
}

// ValidateRoleARN checks that arn names an IAM role.
func ValidateRoleARN(arn string) error {
	parts := strings.Split(arn, ":")
	if len(parts) != 6 {
		return fmt.Errorf("invalid role ARN %q: expected 6 colon-separated parts, got %d", arn, len(parts))
	}
	prefix, partition, service, account, resource := parts[0], parts[1], parts[2], parts[4], parts[5]
	if prefix != "arn" {
		return fmt.Errorf("invalid role ARN %q: must start with 'arn:'", arn)
	}
	switch partition {
	case "aws", "aws-cn", "aws-us-gov":
	default:
		return fmt.Errorf("invalid role ARN partition: %s", partition)
	}
	if service != "iam" {
		return fmt.Errorf("invalid role ARN %q: must be an IAM ARN", arn)
	}
	if account == "" {
		return fmt.Errorf("invalid role ARN %q: account ID is required", arn)
	}
	if !strings.HasPrefix(resource, "role/") || resource == "role/" {
		return fmt.Errorf("invalid role ARN %q: must name a role", arn)
	}
	return nil
}

var _ buildservice.Client = (*Client)(nil)
