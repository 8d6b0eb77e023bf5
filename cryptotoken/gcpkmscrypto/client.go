package gcpkmscrypto

import (
	"context"

	kms "cloud.google.com/go/kms/apiv1"
	"cloud.google.com/go/kms/apiv1/kmspb"
	"github.com/cockroachdb/errors"
	"github.com/googleapis/gax-go/v2"
	"golang.org/x/oauth2"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// KmsClient is the subset of Cloud KMS API used by the backend
type KmsClient interface {
	ListKeys(ctx context.Context, keyRing string) ([]*kmspb.CryptoKey, error)
	ListVersions(ctx context.Context, cryptoKey string) ([]*kmspb.CryptoKeyVersion, error)
	GetPublicKey(context.Context, *kmspb.GetPublicKeyRequest, ...gax.CallOption) (*kmspb.PublicKey, error)
	AsymmetricSign(context.Context, *kmspb.AsymmetricSignRequest, ...gax.CallOption) (*kmspb.AsymmetricSignResponse, error)
	Close() error
}

// ClientOptions for Cloud KMS client
type ClientOptions struct {
	Endpoint        string
	CredentialsFile string
	// AccessToken is used instead of default credentials
	AccessToken string
}

// KmsClientFactory override for unittest
var KmsClientFactory = func(ctx context.Context, o ClientOptions) (KmsClient, error) {
	var opts []option.ClientOption
	if o.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(o.Endpoint))
	}
	if o.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(o.CredentialsFile))
	}
	if o.AccessToken != "" {
		opts = append(opts, option.WithTokenSource(oauth2.StaticTokenSource(&oauth2.Token{AccessToken: o.AccessToken})))
	}
	c, err := kms.NewKeyManagementClient(ctx, opts...)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &client{KeyManagementClient: c}, nil
}

type client struct {
	*kms.KeyManagementClient
}

func (c *client) ListKeys(ctx context.Context, keyRing string) ([]*kmspb.CryptoKey, error) {
	var list []*kmspb.CryptoKey
	it := c.ListCryptoKeys(ctx, &kmspb.ListCryptoKeysRequest{Parent: keyRing})
	for {
		k, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		list = append(list, k)
	}
	return list, nil
}

func (c *client) ListVersions(ctx context.Context, cryptoKey string) ([]*kmspb.CryptoKeyVersion, error) {
	var list []*kmspb.CryptoKeyVersion
	it := c.ListCryptoKeyVersions(ctx, &kmspb.ListCryptoKeyVersionsRequest{
		Parent: cryptoKey,
		Filter: "state=ENABLED",
	})
	for {
		v, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		list = append(list, v)
	}
	return list, nil
}
