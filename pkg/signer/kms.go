package signer

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
)

// KMSAPI is the subset of the AWS KMS client the signer uses.
type KMSAPI interface {
	Sign(ctx context.Context, params *kms.SignInput, optFns ...func(*kms.Options)) (*kms.SignOutput, error)
	Verify(ctx context.Context, params *kms.VerifyInput, optFns ...func(*kms.Options)) (*kms.VerifyOutput, error)
	DescribeKey(ctx context.Context, params *kms.DescribeKeyInput, optFns ...func(*kms.Options)) (*kms.DescribeKeyOutput, error)
	GetPublicKey(ctx context.Context, params *kms.GetPublicKeyInput, optFns ...func(*kms.Options)) (*kms.GetPublicKeyOutput, error)
}

// KMSSigner signs digests with an AWS KMS asymmetric key in digest mode.
// Required in production.
type KMSSigner struct {
	client KMSAPI
	keyID  string
}

// NewKMSSigner builds a signer over an existing KMS client.
func NewKMSSigner(client KMSAPI, keyID string) *KMSSigner {
	return &KMSSigner{client: client, keyID: keyID}
}

// NewKMSSignerFromEnv loads the default AWS config chain.
func NewKMSSignerFromEnv(ctx context.Context, keyID string) (*KMSSigner, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("kms signer: load aws config: %w", err)
	}
	return &KMSSigner{client: kms.NewFromConfig(cfg), keyID: keyID}, nil
}

func (k *KMSSigner) Sign(ctx context.Context, digest [32]byte) ([]byte, string, error) {
	out, err := k.client.Sign(ctx, &kms.SignInput{
		KeyId:            aws.String(k.keyID),
		Message:          digest[:],
		MessageType:      types.MessageTypeDigest,
		SigningAlgorithm: types.SigningAlgorithmSpecRsassaPkcs1V15Sha256,
	})
	if err != nil {
		return nil, "", fmt.Errorf("kms signer: sign: %w", err)
	}
	kid := k.keyID
	if out.KeyId != nil {
		kid = *out.KeyId
	}
	return out.Signature, kid, nil
}

// Verify checks a signature through the KMS Verify API. Offline verification
// against the exported public key goes through the Registry instead.
func (k *KMSSigner) Verify(ctx context.Context, digest [32]byte, sig []byte) (bool, error) {
	out, err := k.client.Verify(ctx, &kms.VerifyInput{
		KeyId:            aws.String(k.keyID),
		Message:          digest[:],
		MessageType:      types.MessageTypeDigest,
		Signature:        sig,
		SigningAlgorithm: types.SigningAlgorithmSpecRsassaPkcs1V15Sha256,
	})
	if err != nil {
		return false, fmt.Errorf("kms signer: verify: %w", err)
	}
	return out.SignatureValid, nil
}

// Probe performs DescribeKey with a short deadline.
func (k *KMSSigner) Probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	out, err := k.client.DescribeKey(ctx, &kms.DescribeKeyInput{KeyId: aws.String(k.keyID)})
	if err != nil {
		return fmt.Errorf("kms signer: describe-key: %w", err)
	}
	if out.KeyMetadata != nil && !out.KeyMetadata.Enabled {
		return fmt.Errorf("kms signer: key %s is disabled", k.keyID)
	}
	return nil
}

// PublicKeyDER fetches the DER-encoded public key for registry publication.
func (k *KMSSigner) PublicKeyDER(ctx context.Context) ([]byte, error) {
	out, err := k.client.GetPublicKey(ctx, &kms.GetPublicKeyInput{KeyId: aws.String(k.keyID)})
	if err != nil {
		return nil, fmt.Errorf("kms signer: get public key: %w", err)
	}
	return out.PublicKey, nil
}

func (k *KMSSigner) KID() string          { return k.keyID }
func (k *KMSSigner) Algorithm() Algorithm { return AlgRSASHA256 }
func (k *KMSSigner) Backend() Backend     { return BackendKMS }
