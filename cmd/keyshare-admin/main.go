package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ruteri/tee-keyshare-quorum/api/adminapi"
	"github.com/ruteri/tee-keyshare-quorum/api/peerapi"
	"github.com/ruteri/tee-keyshare-quorum/api/quoteapi"
	"github.com/ruteri/tee-keyshare-quorum/authz"
	"github.com/ruteri/tee-keyshare-quorum/cmd/flags"
	"github.com/ruteri/tee-keyshare-quorum/cryptoutils"
	"github.com/ruteri/tee-keyshare-quorum/interfaces"
	"github.com/ruteri/tee-keyshare-quorum/threshold"
	"github.com/urfave/cli/v2"
)

var flagNode = &cli.StringFlag{
	Name:  "node",
	Value: "http://127.0.0.1:8080",
	Usage: "base URL of the node to administer",
}
var flagAdminToken = &cli.StringFlag{
	Name:    "admin-token",
	EnvVars: []string{"ADMIN_TOKEN"},
	Usage:   "admin API token",
}
var flagTimeout = &cli.DurationFlag{
	Name:  "timeout",
	Value: 30 * time.Second,
}

var flagCapsuleID = &cli.StringFlag{
	Name:     "capsule-id",
	Required: true,
}

func main() {
	app := &cli.App{
		Name:  "keyshare-admin",
		Usage: "Administer a keyshare quorum",
		Flags: append([]cli.Flag{
			flagNode,
			flagAdminToken,
			flagTimeout,
			flags.LogServiceFlagFn("keyshare-admin"),
		}, flags.LogFlags...),
		Commands: []*cli.Command{
			splitCommand,
			{
				Name:  "peers",
				Usage: "List peers known to the node with their scores",
				Action: func(cCtx *cli.Context) error {
					return printResult(adminClient(cCtx).Peers(cCtx.Context))
				},
			},
			{
				Name:      "register-peer",
				Usage:     "Verify and register a peer by address",
				ArgsUsage: "<address>",
				Action: func(cCtx *cli.Context) error {
					address, err := singleArg(cCtx, "address")
					if err != nil {
						return err
					}
					return printResult(adminClient(cCtx).RegisterPeer(cCtx.Context, address))
				},
			},
			{
				Name:      "reinstate",
				Usage:     "Return an excluded peer to the ranking",
				ArgsUsage: "<peer-id>",
				Action: func(cCtx *cli.Context) error {
					id, err := singleArg(cCtx, "peer id")
					if err != nil {
						return err
					}
					return adminClient(cCtx).ReinstatePeer(cCtx.Context, interfaces.PeerID(id))
				},
			},
			{
				Name:  "capsules",
				Usage: "List capsule records",
				Action: func(cCtx *cli.Context) error {
					return printResult(adminClient(cCtx).Capsules(cCtx.Context))
				},
			},
			{
				Name:  "register-capsule",
				Usage: "Register a capsule as pending",
				Flags: []cli.Flag{flagCapsuleID, &cli.StringFlag{Name: "media-ref"}},
				Action: func(cCtx *cli.Context) error {
					return printResult(adminClient(cCtx).RegisterCapsule(cCtx.Context,
						interfaces.CapsuleID(cCtx.String(flagCapsuleID.Name)), cCtx.String("media-ref")))
				},
			},
			{
				Name:  "revoke",
				Usage: "Revoke a capsule; its shares are no longer served",
				Flags: []cli.Flag{flagCapsuleID},
				Action: func(cCtx *cli.Context) error {
					return printResult(adminClient(cCtx).RevokeCapsule(cCtx.Context,
						interfaces.CapsuleID(cCtx.String(flagCapsuleID.Name))))
				},
			},
			{
				Name:  "gaps",
				Usage: "Show capsules held below threshold",
				Action: func(cCtx *cli.Context) error {
					return printResult(adminClient(cCtx).Gaps(cCtx.Context))
				},
			},
			{
				Name:  "audit",
				Usage: "Run an audit cycle now",
				Action: func(cCtx *cli.Context) error {
					return printResult(adminClient(cCtx).Audit(cCtx.Context))
				},
			},
			{
				Name:  "backup",
				Usage: "Write a sealed snapshot to the node's backup storage",
				Action: func(cCtx *cli.Context) error {
					return printResult(adminClient(cCtx).Backup(cCtx.Context))
				},
			},
			{
				Name:      "restore",
				Usage:     "Restore a sealed snapshot by content id",
				ArgsUsage: "<content-id>",
				Action: func(cCtx *cli.Context) error {
					arg, err := singleArg(cCtx, "content id")
					if err != nil {
						return err
					}
					id, err := interfaces.NewContentIDFromHex(arg)
					if err != nil {
						return err
					}
					return printResult(adminClient(cCtx).Restore(cCtx.Context, id))
				},
			},
			tokenCommand,
			quoteCommand,
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func adminClient(cCtx *cli.Context) *adminapi.Client {
	return adminapi.NewClient(cCtx.String(flagNode.Name), cCtx.String(flagAdminToken.Name), cCtx.Duration(flagTimeout.Name))
}

func singleArg(cCtx *cli.Context, name string) (string, error) {
	if cCtx.NArg() != 1 {
		return "", fmt.Errorf("expected exactly one argument: %s", name)
	}
	return cCtx.Args().First(), nil
}

func printResult[T any](v T, err error) error {
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

var splitCommand = &cli.Command{
	Name:  "split",
	Usage: "Split a capsule key and distribute the shares to attested nodes",
	Flags: []cli.Flag{
		flagCapsuleID,
		&cli.StringFlag{Name: "key-file", Required: true, Usage: "file holding the hex-encoded capsule key"},
		&cli.StringSliceFlag{Name: "nodes", Required: true, Usage: "base URLs of the nodes receiving shares"},
		&cli.IntFlag{Name: "threshold", Value: threshold.DefaultScheme().Threshold},
		&cli.IntFlag{Name: "total-shares", Value: threshold.DefaultScheme().TotalShares},
		&cli.IntFlag{Name: "replicas", Value: 1, Usage: "nodes each share is placed on"},
		&cli.Uint64Flag{Name: "share-version", Value: 1},
		&cli.StringFlag{Name: "media-ref"},
		flags.AllowDummyAttestationFlag,
	},
	Action: runSplit,
}

func runSplit(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx)
	ctx := cCtx.Context
	capsuleID := interfaces.CapsuleID(cCtx.String(flagCapsuleID.Name))

	keyHex, err := os.ReadFile(cCtx.String("key-file"))
	if err != nil {
		return err
	}
	key, err := hex.DecodeString(strings.TrimSpace(string(keyHex)))
	if err != nil {
		return fmt.Errorf("capsule key is not hex: %w", err)
	}

	scheme := threshold.Scheme{Threshold: cCtx.Int("threshold"), TotalShares: cCtx.Int("total-shares")}
	shares, err := scheme.Split(capsuleID, key, cCtx.Uint64("share-version"))
	if err != nil {
		return err
	}

	infos, err := verifyNodes(ctx, cCtx, cCtx.StringSlice("nodes"))
	if err != nil {
		return err
	}
	ids := make([]interfaces.PeerID, 0, len(infos))
	for id := range infos {
		ids = append(ids, id)
	}
	plan, err := threshold.Assign(shares, ids, cCtx.Int("replicas"))
	if err != nil {
		return err
	}

	var failed error
	for id, assigned := range plan {
		info := infos[id]
		wire := make([]interfaces.WireShare, 0, len(assigned))
		for _, share := range assigned {
			wrapped, err := cryptoutils.WrapForNode(info.PublicKey, share.Payload, share.WireAAD(id))
			if err != nil {
				return fmt.Errorf("wrapping share %d for %s: %w", share.Index, id, err)
			}
			wire = append(wire, interfaces.WireShare{ShareHeader: share.ShareHeader, Wrapped: wrapped})
		}

		client := adminapi.NewClient(info.Address, cCtx.String(flagAdminToken.Name), cCtx.Duration(flagTimeout.Name))
		if _, err := client.RegisterCapsule(ctx, capsuleID, cCtx.String("media-ref")); err != nil {
			failed = errors.Join(failed, fmt.Errorf("registering capsule on %s: %w", id, err))
			continue
		}
		results, err := client.IngestShares(ctx, wire)
		if err != nil {
			failed = errors.Join(failed, fmt.Errorf("ingesting shares on %s: %w", id, err))
			continue
		}
		for _, res := range results {
			if res.Error != "" {
				failed = errors.Join(failed, fmt.Errorf("share %d on %s: %s", res.Index, id, res.Error))
				continue
			}
			logger.Info("Share delivered",
				slog.String("node", string(id)),
				slog.String("capsule_id", string(res.CapsuleID)),
				slog.Int("index", int(res.Index)),
				slog.Bool("written", res.Written))
		}
	}
	return failed
}

// verifyNodes fetches node info from every address and checks that its
// attestation covers the published key.
func verifyNodes(ctx context.Context, cCtx *cli.Context, addresses []string) (map[interfaces.PeerID]*interfaces.NodeInfo, error) {
	peers := peerapi.NewClient("keyshare-admin", cCtx.Duration(flagTimeout.Name))
	allowDummy := cCtx.Bool(flags.AllowDummyAttestationFlag.Name)

	infos := make(map[interfaces.PeerID]*interfaces.NodeInfo, len(addresses))
	for _, address := range addresses {
		info, err := peers.NodeInfo(ctx, address)
		if err != nil {
			return nil, fmt.Errorf("node info of %s: %w", address, err)
		}
		if err := info.PublicKey.Validate(); err != nil {
			return nil, fmt.Errorf("node %s published an invalid key: %w", address, err)
		}
		reportData := cryptoutils.NodeReportData(string(info.ID), info.PublicKey)
		if _, err := cryptoutils.VerifyNodeAttestation(info.AttestationType, reportData, info.Attestation, allowDummy); err != nil {
			return nil, fmt.Errorf("attestation of %s: %w", address, err)
		}
		if _, dup := infos[info.ID]; dup {
			return nil, fmt.Errorf("node id %s appears twice", info.ID)
		}
		infos[info.ID] = info
	}
	return infos, nil
}

var tokenCommand = &cli.Command{
	Name:  "token",
	Usage: "Sign an access token for share retrieval",
	Flags: []cli.Flag{
		flagCapsuleID,
		&cli.StringFlag{Name: "private-key", EnvVars: []string{"REQUESTER_PRIVATE_KEY"}, Required: true, Usage: "hex secp256k1 key of the requester"},
		&cli.StringFlag{Name: "requester-type", Value: authz.RequesterOwner, Usage: "owner, delegatee, rentee or admin"},
		&cli.Uint64Flag{Name: "block-number", Required: true},
		&cli.Uint64Flag{Name: "block-validation", Value: authz.DefaultConfig().MaxValidation},
	},
	Action: func(cCtx *cli.Context) error {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(cCtx.String("private-key"), "0x"))
		if err != nil {
			return fmt.Errorf("invalid private key: %w", err)
		}
		token, err := authz.Sign(authz.Claims{
			CapsuleID:       cCtx.String(flagCapsuleID.Name),
			Requester:       crypto.PubkeyToAddress(key.PublicKey).Hex(),
			RequesterType:   cCtx.String("requester-type"),
			BlockNumber:     cCtx.Uint64("block-number"),
			BlockValidation: cCtx.Uint64("block-validation"),
		}, key)
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	},
}

var quoteCommand = &cli.Command{
	Name:  "quote",
	Usage: "Request a sealed share from the node",
	Flags: []cli.Flag{
		flagCapsuleID,
		&cli.StringFlag{Name: "token", Required: true},
		&cli.StringFlag{Name: "caller", Required: true, Usage: "caller identity used for rate limiting"},
		&cli.UintFlag{Name: "share-index", Usage: "specific share index; any held share when zero"},
	},
	Action: func(cCtx *cli.Context) error {
		index := cCtx.Uint("share-index")
		if index > 255 {
			return errors.New("share index must not exceed 255")
		}
		client := quoteapi.NewClient(cCtx.String(flagNode.Name))
		return printResult(client.RequestShare(cCtx.Context, interfaces.QuoteRequest{
			Caller:     cCtx.String("caller"),
			CapsuleID:  interfaces.CapsuleID(cCtx.String(flagCapsuleID.Name)),
			Token:      cCtx.String("token"),
			ShareIndex: uint8(index),
		}))
	},
}
