package fabric

import (
	"crypto/x509"
	"fmt"
	"os"
	"path"

	"github.com/calque-health/medvault"
	"github.com/hyperledger/fabric-gateway/pkg/identity"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
)

// newGrpcConnection creates a gRPC connection to the Gateway peer. The
// connection should be shared by all Gateway connections to this endpoint.
func newGrpcConnection(cfg Config) (*grpc.ClientConn, error) {
	certificatePEM, err := os.ReadFile(cfg.TLSCertPath)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read TLS certificate: %w", medvault.ErrInvalidConfiguration, err)
	}

	certificate, err := identity.CertificateFromPEM(certificatePEM)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to parse TLS certificate: %w", medvault.ErrInvalidConfiguration, err)
	}

	certPool := x509.NewCertPool()
	certPool.AddCert(certificate)
	transportCredentials := credentials.NewClientTLSFromCert(certPool, cfg.GatewayPeer)

	connection, err := grpc.NewClient(cfg.PeerEndpoint, grpc.WithTransportCredentials(transportCredentials))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create gRPC connection: %w", medvault.ErrBackendUnavailable, err)
	}

	return connection, nil
}

// newIdentity creates a client identity for this Gateway connection using an
// X.509 certificate.
func newIdentity(cfg Config) (*identity.X509Identity, error) {
	certificatePEM, err := os.ReadFile(cfg.CertPath)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read client certificate: %w", medvault.ErrInvalidConfiguration, err)
	}

	certificate, err := identity.CertificateFromPEM(certificatePEM)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to parse client certificate: %w", medvault.ErrInvalidConfiguration, err)
	}

	id, err := identity.NewX509Identity(cfg.MSPID, certificate)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create X.509 identity: %w", medvault.ErrInvalidConfiguration, err)
	}

	return id, nil
}

// newSign creates a signing function from the first private key found in the
// MSP keystore directory.
func newSign(cfg Config) (identity.Sign, error) {
	files, err := os.ReadDir(cfg.KeyDir)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read keystore directory: %w", medvault.ErrInvalidConfiguration, err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%w: keystore directory %s is empty", medvault.ErrInvalidConfiguration, cfg.KeyDir)
	}

	privateKeyPEM, err := os.ReadFile(path.Join(cfg.KeyDir, files[0].Name()))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read private key: %w", medvault.ErrInvalidConfiguration, err)
	}

	privateKey, err := identity.PrivateKeyFromPEM(privateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to parse private key: %w", medvault.ErrInvalidConfiguration, err)
	}

	sign, err := identity.NewPrivateKeySign(privateKey)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create signer: %w", medvault.ErrInvalidConfiguration, err)
	}

	return sign, nil
}
