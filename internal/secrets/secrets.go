package secrets

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
)

// SSMAPI is the subset of the SSM client the store uses
type SSMAPI interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
	PutParameter(ctx context.Context, params *ssm.PutParameterInput, optFns ...func(*ssm.Options)) (*ssm.PutParameterOutput, error)
}

// Store reads SecureString parameters from SSM Parameter Store. Values are
// cached for the lifetime of the process.
type Store struct {
	client SSMAPI
	logger *slog.Logger

	mu    sync.Mutex
	cache map[string]string
}

// New creates a parameter store backed by the given SSM client
func New(client SSMAPI, logger *slog.Logger) *Store {
	return &Store{
		client: client,
		logger: logger.With("component", "secrets"),
		cache:  make(map[string]string),
	}
}

// Get returns the decrypted value of the named parameter
func (s *Store) Get(ctx context.Context, name string) (string, error) {
	s.mu.Lock()
	if v, ok := s.cache[name]; ok {
		s.mu.Unlock()
		return v, nil
	}
	s.mu.Unlock()

	out, err := s.client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", fmt.Errorf("failed to get parameter %s: %w", name, err)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return "", fmt.Errorf("parameter %s has no value", name)
	}

	value := *out.Parameter.Value

	s.mu.Lock()
	s.cache[name] = value
	s.mu.Unlock()

	s.logger.Debug("loaded parameter", "name", name)
	return value, nil
}

// Put stores value as a SecureString parameter. Put values are not cached.
func (s *Store) Put(ctx context.Context, name, value string, tags map[string]string) error {
	input := &ssm.PutParameterInput{
		Name:  aws.String(name),
		Value: aws.String(value),
		Type:  ssmtypes.ParameterTypeSecureString,
	}
	for k, v := range tags {
		input.Tags = append(input.Tags, ssmtypes.Tag{Key: aws.String(k), Value: aws.String(v)})
	}

	if _, err := s.client.PutParameter(ctx, input); err != nil {
		return fmt.Errorf("failed to put parameter %s: %w", name, err)
	}
	return nil
}
