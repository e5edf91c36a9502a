// Package awskms provides AWS Key Management Service (KMS) integration for medvault.
//
// This provider implements the KeyManagementService interface using AWS KMS
// for per-patient KEK management and DEK wrap/unwrap operations.
package awskms

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
	"github.com/calque-health/medvault"
)

// kmsClient interface for AWS KMS operations (allows mocking)
type kmsClient interface {
	CreateKey(ctx context.Context, params *kms.CreateKeyInput, optFns ...func(*kms.Options)) (*kms.CreateKeyOutput, error)
	Encrypt(ctx context.Context, params *kms.EncryptInput, optFns ...func(*kms.Options)) (*kms.EncryptOutput, error)
	Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

// KMSService implements medvault.KeyManagementService using AWS KMS.
type KMSService struct {
	client kmsClient
	region string
}

// Config holds configuration for AWS KMS service.
type Config struct {
	// Region is the AWS region (e.g., "us-east-1").
	// If empty, uses AWS_REGION environment variable or AWS config file.
	Region string

	// AWSConfig is an optional pre-configured AWS config.
	// If provided, Region is ignored.
	AWSConfig *aws.Config
}

// New creates a new AWS KMS service instance.
//
// Usage:
//
//	// Using default AWS configuration
//	kmsService, err := awskms.New(ctx, awskms.Config{})
//
//	// With specific region
//	kmsService, err := awskms.New(ctx, awskms.Config{Region: "us-east-1"})
func New(ctx context.Context, cfg Config) (*KMSService, error) {
	var awsConfig aws.Config
	var err error

	if cfg.AWSConfig != nil {
		awsConfig = *cfg.AWSConfig
	} else {
		opts := []func(*config.LoadOptions) error{}
		if cfg.Region != "" {
			opts = append(opts, config.WithRegion(cfg.Region))
		}

		awsConfig, err = config.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to load AWS config: %w", medvault.ErrKMSUnavailable, err)
		}
	}

	return &KMSService{
		client: kms.NewFromConfig(awsConfig),
		region: awsConfig.Region,
	}, nil
}

// CreateKey creates a new symmetric KMS key with the given description and
// returns its key ID. One key is created per patient; the vault records the
// returned ID and version alongside the key.
func (k *KMSService) CreateKey(ctx context.Context, description string) (string, error) {
	input := &kms.CreateKeyInput{
		Description: aws.String(description),
		KeyUsage:    types.KeyUsageTypeEncryptDecrypt,
		KeySpec:     types.KeySpecSymmetricDefault,
		MultiRegion: aws.Bool(false),
	}

	result, err := k.client.CreateKey(ctx, input)
	if err != nil {
		return "", fmt.Errorf("%w: failed to create KMS key: %w", medvault.ErrKMSUnavailable, err)
	}

	if result.KeyMetadata == nil || result.KeyMetadata.KeyId == nil {
		return "", fmt.Errorf("%w: no key metadata returned after creation", medvault.ErrKMSUnavailable)
	}

	return *result.KeyMetadata.KeyId, nil
}

// WrapDEK encrypts a data encryption key under the patient's KEK.
//
// The keyID can be a key ID, key ARN, alias name, or alias ARN.
// Returns the wrapped DEK as a base64-encoded ciphertext blob.
func (k *KMSService) WrapDEK(ctx context.Context, keyID string, plaintext []byte) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("%w: plaintext cannot be empty", medvault.ErrKeyManagement)
	}

	input := &kms.EncryptInput{
		KeyId:     aws.String(keyID),
		Plaintext: plaintext,
	}

	result, err := k.client.Encrypt(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to wrap DEK with KMS key %s: %w", medvault.ErrKMSUnavailable, keyID, err)
	}

	if result.CiphertextBlob == nil {
		return nil, fmt.Errorf("%w: no ciphertext returned from KMS", medvault.ErrKMSUnavailable)
	}

	// AWS KMS returns raw bytes; encode to base64 for storage compatibility.
	encoded := base64.StdEncoding.EncodeToString(result.CiphertextBlob)
	return []byte(encoded), nil
}

// UnwrapDEK decrypts a data encryption key that was wrapped by WrapDEK.
//
// The keyID parameter is optional and can be empty - AWS KMS automatically
// uses the correct key based on the ciphertext metadata.
func (k *KMSService) UnwrapDEK(ctx context.Context, keyID string, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) == 0 {
		return nil, fmt.Errorf("%w: ciphertext cannot be empty", medvault.ErrKeyManagement)
	}

	decoded, err := base64.StdEncoding.DecodeString(string(ciphertext))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to decode wrapped DEK: %w", medvault.ErrKeyManagement, err)
	}

	input := &kms.DecryptInput{
		CiphertextBlob: decoded,
	}
	if keyID != "" {
		input.KeyId = aws.String(keyID)
	}

	result, err := k.client.Decrypt(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to unwrap DEK: %w", medvault.ErrKMSUnavailable, err)
	}

	if result.Plaintext == nil {
		return nil, fmt.Errorf("%w: no plaintext returned from KMS", medvault.ErrKMSUnavailable)
	}

	return result.Plaintext, nil
}

// Region returns the AWS region this KMS service is configured for.
func (k *KMSService) Region() string {
	return k.region
}
