package secrets

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	smtypes "github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
	"github.com/aws/smithy-go"
)

// SecretsManagerAPI is the subset of the Secrets Manager client used here
// (injectable for testing).
type SecretsManagerAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// ClientFactory builds a client for a region ("" for the default chain's region).
type ClientFactory func(ctx context.Context, region string) (SecretsManagerAPI, error)

// SecretsManagerResolver resolves secretsmanager://region/secret-id and
// secretsmanager:///secret-id.
type SecretsManagerResolver struct {
	factory ClientFactory

	mu      sync.Mutex
	clients map[string]SecretsManagerAPI
}

// NewSecretsManagerResolver creates a resolver. A nil factory loads the
// default AWS configuration.
func NewSecretsManagerResolver(factory ClientFactory) *SecretsManagerResolver {
	if factory == nil {
		factory = defaultSecretsManagerClient
	}
	return &SecretsManagerResolver{factory: factory, clients: make(map[string]SecretsManagerAPI)}
}

func defaultSecretsManagerClient(ctx context.Context, region string) (SecretsManagerAPI, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	return secretsmanager.NewFromConfig(cfg), nil
}

// Scheme returns "secretsmanager".
func (r *SecretsManagerResolver) Scheme() string { return "secretsmanager" }

// Resolve fetches the secret's string value.
func (r *SecretsManagerResolver) Resolve(ctx context.Context, reference string) (string, error) {
	region, secretID, err := parseSecretsManagerReference(reference)
	if err != nil {
		return "", err
	}
	client, err := r.client(ctx, region)
	if err != nil {
		return "", &BackendError{Backend: BackendSecretsManager, Reference: reference, Err: err}
	}

	out, err := client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: aws.String(secretID)})
	if err != nil {
		return "", secretsManagerError(err, reference, secretID)
	}
	if out.SecretString == nil {
		return "", &BackendError{
			Backend:   BackendSecretsManager,
			Reference: reference,
			Err:       errors.New("secret has no string value"),
			Fix:       "Store the proxy credentials as a SecretString in user:password form.",
		}
	}
	return *out.SecretString, nil
}

func (r *SecretsManagerResolver) client(ctx context.Context, region string) (SecretsManagerAPI, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.clients[region]; ok {
		return c, nil
	}
	c, err := r.factory(ctx, region)
	if err != nil {
		return nil, err
	}
	r.clients[region] = c
	return c, nil
}

// parseSecretsManagerReference extracts region and secret ID.
// secretsmanager:///proxy/creds -> ("", "proxy/creds")
// secretsmanager://eu-west-1/proxy/creds -> ("eu-west-1", "proxy/creds")
func parseSecretsManagerReference(ref string) (region, secretID string, err error) {
	u, err := url.Parse(ref)
	if err != nil || u.Scheme != "secretsmanager" {
		return "", "", &InvalidReferenceError{Reference: ref, Want: "secretsmanager://region/secret-id"}
	}
	secretID = strings.TrimPrefix(u.Path, "/")
	if secretID == "" {
		return "", "", &InvalidReferenceError{Reference: ref, Want: "secretsmanager://region/secret-id with a secret ID"}
	}
	return u.Host, secretID, nil
}

func secretsManagerError(err error, reference, secretID string) error {
	var notFound *smtypes.ResourceNotFoundException
	if errors.As(err, &notFound) {
		return &NotFoundError{Reference: reference, Backend: BackendSecretsManager}
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "AccessDeniedException":
			return &BackendError{
				Backend:   BackendSecretsManager,
				Reference: reference,
				Err:       err,
				Fix:       "Grant the controller's role secretsmanager:GetSecretValue on " + secretID,
			}
		case "ExpiredToken", "ExpiredTokenException":
			return &BackendError{
				Backend:   BackendSecretsManager,
				Reference: reference,
				Err:       err,
				Fix:       "Refresh the controller's AWS credentials; the next launch retries the lookup.",
			}
		}
	}
	return &BackendError{Backend: BackendSecretsManager, Reference: reference, Err: err}
}
