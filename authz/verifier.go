// Package authz decides whether a retrieval token grants access to a capsule.
//
// A token is a JSON claim set, base64url encoded, followed by a dot and the
// hex EIP-191 signature of the requester over the JSON bytes:
//
//	base64url({"capsule_id","requester","requester_type","block_number","block_validation"}) "." hex(sig)
//
// A token is only valid for a window of blocks around the block it names.
// The relation of the requester to the capsule (owner, delegatee, rentee, admin) is
// decided by a rego policy fed with on-chain ownership and the admin
// allowlist.
package authz

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ruteri/tee-keyshare-quorum/chain"
	"github.com/ruteri/tee-keyshare-quorum/interfaces"
)

// ChainReader is the view of the capsule contract the verifier needs.
type ChainReader interface {
	BlockNumber(ctx context.Context) (uint64, error)
	OwnerOf(ctx context.Context, tokenID *big.Int) (common.Address, error)
	DelegateeOf(ctx context.Context, tokenID *big.Int) (common.Address, error)
	RenteeOf(ctx context.Context, tokenID *big.Int) (common.Address, error)
}

type Config struct {
	// MaxValidation is the largest block_validation a token may carry.
	MaxValidation uint64
	// MaxVariation is the tolerance in blocks applied on both ends of the window.
	MaxVariation uint64
	// Admins are addresses allowed to act as admin on any capsule.
	Admins []string
}

func DefaultConfig() Config {
	return Config{MaxValidation: 20, MaxVariation: 5}
}

type Verifier struct {
	reader ChainReader
	policy *Policy
	cfg    Config
	log    *slog.Logger
}

func NewVerifier(reader ChainReader, policy *Policy, cfg Config, log *slog.Logger) *Verifier {
	admins := make([]string, 0, len(cfg.Admins))
	for _, admin := range cfg.Admins {
		admins = append(admins, common.HexToAddress(admin).Hex())
	}
	cfg.Admins = admins
	return &Verifier{reader: reader, policy: policy, cfg: cfg, log: log}
}

// Verify checks the token against the capsule. Denials wrap
// interfaces.ErrUnauthorized; chain failures are returned as they are.
func (v *Verifier) Verify(ctx context.Context, token string, id interfaces.CapsuleID) (interfaces.Capabilities, error) {
	claims, signer, err := Parse(token)
	if err != nil {
		return interfaces.Capabilities{}, fmt.Errorf("%w: %v", interfaces.ErrUnauthorized, err)
	}
	if !common.IsHexAddress(claims.Requester) || common.HexToAddress(claims.Requester) != signer {
		return interfaces.Capabilities{}, fmt.Errorf("%w: token not signed by requester", interfaces.ErrUnauthorized)
	}
	if claims.CapsuleID != string(id) {
		return interfaces.Capabilities{}, fmt.Errorf("%w: token issued for another capsule", interfaces.ErrUnauthorized)
	}
	if claims.BlockValidation > v.cfg.MaxValidation {
		return interfaces.Capabilities{}, fmt.Errorf("%w: validation period %d exceeds %d", interfaces.ErrUnauthorized, claims.BlockValidation, v.cfg.MaxValidation)
	}

	current, err := v.reader.BlockNumber(ctx)
	if err != nil {
		return interfaces.Capabilities{}, fmt.Errorf("reading block number: %w", err)
	}
	if err := v.checkWindow(claims, current); err != nil {
		return interfaces.Capabilities{}, err
	}

	input := PolicyInput{
		CapsuleID:     claims.CapsuleID,
		Requester:     signer.Hex(),
		RequesterType: claims.RequesterType,
		Admins:        v.cfg.Admins,
	}
	if err := v.resolveHolders(ctx, id, claims.RequesterType, &input); err != nil {
		return interfaces.Capabilities{}, err
	}

	relation, err := v.policy.Relation(ctx, input)
	if err != nil {
		return interfaces.Capabilities{}, fmt.Errorf("evaluating policy: %w", err)
	}
	if relation == "" {
		v.log.Debug("Policy denied access",
			slog.String("capsule_id", string(id)),
			slog.String("requester", input.Requester),
			slog.String("requester_type", claims.RequesterType))
		return interfaces.Capabilities{}, fmt.Errorf("%w: %s is not %s of capsule %s", interfaces.ErrUnauthorized, input.Requester, claims.RequesterType, id)
	}
	return interfaces.Capabilities{Requester: input.Requester, Relation: relation}, nil
}

func (v *Verifier) checkWindow(claims Claims, current uint64) error {
	if claims.BlockNumber > current+v.cfg.MaxVariation {
		return fmt.Errorf("%w: token block %d is ahead of chain head %d", interfaces.ErrUnauthorized, claims.BlockNumber, current)
	}
	if current > claims.BlockNumber+claims.BlockValidation+v.cfg.MaxVariation {
		return fmt.Errorf("%w: token expired at block %d", interfaces.ErrUnauthorized, claims.BlockNumber+claims.BlockValidation)
	}
	return nil
}

// resolveHolders reads only the on-chain relation the requester claims.
func (v *Verifier) resolveHolders(ctx context.Context, id interfaces.CapsuleID, requesterType string, input *PolicyInput) error {
	switch requesterType {
	case RequesterOwner, RequesterDelegatee, RequesterRentee:
	default:
		return nil
	}

	tokenID, err := chain.TokenID(id)
	if err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrUnauthorized, err)
	}

	var read func(context.Context, *big.Int) (common.Address, error)
	var field *string
	switch requesterType {
	case RequesterOwner:
		read, field = v.reader.OwnerOf, &input.Owner
	case RequesterDelegatee:
		read, field = v.reader.DelegateeOf, &input.Delegatee
	default:
		read, field = v.reader.RenteeOf, &input.Rentee
	}
	holder, err := read(ctx, tokenID)
	if err != nil {
		return fmt.Errorf("reading %s: %w", requesterType, err)
	}
	*field = addressOrEmpty(holder)
	return nil
}

func addressOrEmpty(addr common.Address) string {
	if addr == (common.Address{}) {
		return ""
	}
	return addr.Hex()
}
