// Package fabric implements the ledger anchoring client on Hyperledger
// Fabric via the Gateway API. Record digests and grant lifecycle events are
// submitted as chaincode transactions; the committed transaction ID is
// returned as the ledger reference.
package fabric

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/calque-health/medvault"
	"github.com/hyperledger/fabric-gateway/pkg/client"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Config holds the connection material for a Fabric Gateway peer. The paths
// follow the layout of an MSP user directory.
type Config struct {
	MSPID        string // e.g. "Org1MSP"
	CertPath     string // client signcert PEM
	KeyDir       string // MSP keystore directory
	TLSCertPath  string // peer TLS CA certificate
	PeerEndpoint string // e.g. "localhost:7051"
	GatewayPeer  string // TLS server name override, e.g. "peer0.org1.example.com"

	Channel   string // defaults to "mychannel"
	Chaincode string // defaults to "medvault"
}

func (c Config) withDefaults() Config {
	if c.Channel == "" {
		c.Channel = "mychannel"
	}
	if c.Chaincode == "" {
		c.Chaincode = "medvault"
	}
	return c
}

// AnchorService implements medvault.AnchorClient against a Fabric channel.
type AnchorService struct {
	conn     *grpc.ClientConn
	gateway  *client.Gateway
	contract *client.Contract
}

// New connects to the Gateway peer and binds to the configured chaincode.
func New(cfg Config) (*AnchorService, error) {
	cfg = cfg.withDefaults()
	if cfg.MSPID == "" || cfg.PeerEndpoint == "" {
		return nil, fmt.Errorf("%w: MSPID and PeerEndpoint are required", medvault.ErrInvalidConfiguration)
	}

	conn, err := newGrpcConnection(cfg)
	if err != nil {
		return nil, err
	}

	id, err := newIdentity(cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}

	sign, err := newSign(cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}

	gw, err := client.Connect(
		id,
		client.WithSign(sign),
		client.WithClientConnection(conn),
		client.WithEvaluateTimeout(5*time.Second),
		client.WithEndorseTimeout(15*time.Second),
		client.WithSubmitTimeout(5*time.Second),
		client.WithCommitStatusTimeout(1*time.Minute),
	)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: failed to connect to gateway: %w", medvault.ErrBackendUnavailable, err)
	}

	network := gw.GetNetwork(cfg.Channel)
	return &AnchorService{
		conn:     conn,
		gateway:  gw,
		contract: network.GetContract(cfg.Chaincode),
	}, nil
}

// Anchor submits the record digest to the chain and returns the committed
// transaction ID.
func (s *AnchorService) Anchor(ctx context.Context, patientID, cid string) (string, error) {
	return s.submit(ctx, "AnchorRecord", patientID, cid)
}

// MirrorGrant records a grant issuance on the chain.
func (s *AnchorService) MirrorGrant(ctx context.Context, grant *medvault.AccessGrant) (string, error) {
	return s.submit(ctx, "RecordGrant", grantArguments(grant)...)
}

// MirrorRevocation records a grant revocation on the chain.
func (s *AnchorService) MirrorRevocation(ctx context.Context, grant *medvault.AccessGrant) (string, error) {
	return s.submit(ctx, "RecordRevocation", revocationArguments(grant)...)
}

// grantArguments builds the RecordGrant chaincode arguments. Non-expiring
// grants carry an empty expiry argument.
func grantArguments(grant *medvault.AccessGrant) []string {
	expiry := ""
	if grant.ExpiresAt != nil {
		expiry = grant.ExpiresAt.UTC().Format(time.RFC3339)
	}
	return []string{
		grant.ID,
		grant.PatientID,
		grant.GranteeID,
		string(grant.AccessLevel),
		expiry,
	}
}

func revocationArguments(grant *medvault.AccessGrant) []string {
	return []string{grant.ID, grant.PatientID, grant.RevocationReason}
}

// VerifyGrant evaluates the grant's on-chain status without submitting a
// transaction.
func (s *AnchorService) VerifyGrant(ctx context.Context, grant *medvault.AccessGrant) (bool, error) {
	result, err := s.contract.EvaluateWithContext(ctx, "IsGrantActive", client.WithArguments(grant.ID))
	if err != nil {
		return false, wrapGatewayError("evaluate IsGrantActive", err)
	}
	return string(result) == "true", nil
}

// Close shuts down the Gateway connection.
func (s *AnchorService) Close() error {
	s.gateway.Close()
	return s.conn.Close()
}

// submit runs the full proposal/endorse/submit flow so the transaction ID of
// the committed transaction can be returned to the caller.
func (s *AnchorService) submit(ctx context.Context, transactionName string, args ...string) (string, error) {
	proposal, err := s.contract.NewProposal(transactionName, client.WithArguments(args...))
	if err != nil {
		return "", wrapGatewayError("create proposal", err)
	}

	transaction, err := proposal.EndorseWithContext(ctx)
	if err != nil {
		return "", wrapGatewayError("endorse "+transactionName, err)
	}

	commit, err := transaction.SubmitWithContext(ctx)
	if err != nil {
		return "", wrapGatewayError("submit "+transactionName, err)
	}

	commitStatus, err := commit.StatusWithContext(ctx)
	if err != nil {
		return "", wrapGatewayError("commit status for "+transactionName, err)
	}
	if !commitStatus.Successful {
		return "", fmt.Errorf("%w: transaction %s failed with code %d",
			medvault.ErrBackendUnavailable, commitStatus.TransactionID, commitStatus.Code)
	}

	return commitStatus.TransactionID, nil
}

func wrapGatewayError(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || status.Code(err) == codes.DeadlineExceeded {
		return fmt.Errorf("%w: %s: %w", medvault.ErrLedgerTimeout, op, err)
	}
	return fmt.Errorf("%w: %s: %w", medvault.ErrBackendUnavailable, op, err)
}
