package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ruteri/tee-keyshare-quorum/api/adminapi"
	"github.com/ruteri/tee-keyshare-quorum/api/peerapi"
	"github.com/ruteri/tee-keyshare-quorum/api/quoteapi"
	"github.com/ruteri/tee-keyshare-quorum/auditor"
	"github.com/ruteri/tee-keyshare-quorum/authz"
	"github.com/ruteri/tee-keyshare-quorum/backup"
	"github.com/ruteri/tee-keyshare-quorum/chain"
	"github.com/ruteri/tee-keyshare-quorum/cmd/flags"
	"github.com/ruteri/tee-keyshare-quorum/cryptoutils"
	"github.com/ruteri/tee-keyshare-quorum/directory"
	"github.com/ruteri/tee-keyshare-quorum/discovery"
	"github.com/ruteri/tee-keyshare-quorum/httpserver"
	"github.com/ruteri/tee-keyshare-quorum/interfaces"
	"github.com/ruteri/tee-keyshare-quorum/metrics"
	"github.com/ruteri/tee-keyshare-quorum/quote"
	"github.com/ruteri/tee-keyshare-quorum/scheduler"
	"github.com/ruteri/tee-keyshare-quorum/sharestore"
	"github.com/ruteri/tee-keyshare-quorum/storage"
	"github.com/ruteri/tee-keyshare-quorum/syncengine"
	"github.com/urfave/cli/v2"
)

var flagNodeID = &cli.StringFlag{
	Name:     "node-id",
	Usage:    "identifier of this node within the quorum",
	Required: true,
}
var flagListenAddr = &cli.StringFlag{
	Name:  "listen-addr",
	Value: "0.0.0.0:8080",
	Usage: "address to listen on for the peer, quote and admin APIs",
}
var flagAdvertiseAddr = &cli.StringFlag{
	Name:  "advertise-addr",
	Usage: "base URL peers use to reach this node",
}
var flagDataDir = &cli.StringFlag{
	Name:  "data-dir",
	Value: "./data",
	Usage: "directory holding the share store and node key",
}
var flagSealingSecretFile = &cli.StringFlag{
	Name:     "sealing-secret-file",
	Usage:    "file with the root secret the share store sealing key is derived from",
	Required: true,
}
var flagAttestationType = &cli.StringFlag{
	Name:  "attestation-type",
	Value: cryptoutils.DCAPAttestation.StringID,
	Usage: "attestation published in node info (qemu-tdx or dummy)",
}
var flagRemoteAttestationProvider = &cli.StringFlag{
	Name:  "remote-attestation-provider",
	Usage: "address of a remote quote provider used instead of the local TDX device",
}
var flagNFTContract = &cli.StringFlag{
	Name:     "nft-contract",
	Usage:    "address of the capsule NFT contract",
	Required: true,
}
var flagCapsuleListFile = &cli.StringFlag{
	Name:  "capsule-list-file",
	Usage: "file listing expected capsule ids, one per line; replaces the contract enumeration for audits",
}
var flagPolicyFile = &cli.StringFlag{
	Name:  "policy-file",
	Usage: "rego policy overriding the built-in access policy",
}
var flagAdminAddresses = &cli.StringSliceFlag{
	Name:  "admin-addresses",
	Usage: "accounts allowed to retrieve shares of any capsule",
}
var flagAdminToken = &cli.StringFlag{
	Name:    "admin-token",
	EnvVars: []string{"ADMIN_TOKEN"},
	Usage:   "token required by the admin API; the API is disabled when empty",
}
var flagPeers = &cli.StringSliceFlag{
	Name:  "peers",
	Usage: "static peer base URLs",
}
var flagDiscoverySRV = &cli.StringFlag{
	Name:  "discovery-srv",
	Usage: "SRV name peers are published under",
}
var flagDNSServer = &cli.StringFlag{
	Name:  "dns-server",
	Value: discovery.DefaultConfig().Nameserver,
	Usage: "DNS server used for SRV lookups",
}
var flagThreshold = &cli.IntFlag{
	Name:  "threshold",
	Value: auditor.DefaultConfig().Threshold,
	Usage: "distinct shares needed to recover a capsule key",
}
var flagTotalShares = &cli.IntFlag{
	Name:  "total-shares",
	Value: auditor.DefaultConfig().TotalShares,
	Usage: "number of shares each capsule key is split into",
}
var flagReplicas = &cli.IntFlag{
	Name:  "replicas",
	Value: syncengine.DefaultConfig().Replicas,
	Usage: "nodes each share is placed on, as used when splitting keys",
}
var flagAuditInterval = &cli.DurationFlag{
	Name:  "audit-interval",
	Value: auditor.DefaultConfig().Interval,
}
var flagPersistAfter = &cli.IntFlag{
	Name:  "persist-after",
	Value: auditor.DefaultConfig().PersistAfter,
	Usage: "audit cycles after which a gap is reported as persistent",
}
var flagQuoteRate = &cli.Float64Flag{
	Name:  "quote-rate",
	Value: quote.DefaultConfig().Rate,
	Usage: "share requests per second allowed per caller",
}
var flagQuoteBurst = &cli.IntFlag{
	Name:  "quote-burst",
	Value: quote.DefaultConfig().Burst,
}
var flagOnDemandTimeout = &cli.DurationFlag{
	Name:  "on-demand-timeout",
	Value: quote.DefaultConfig().OnDemandTimeout,
	Usage: "time allowed to fetch a share from the quorum while answering a request",
}
var flagBackupStorage = &cli.StringSliceFlag{
	Name:  "backup-storage",
	Usage: "storage URIs for snapshots and gap reports (file://, s3://, ipfs://, vault://)",
}
var flagPageSize = &cli.IntFlag{
	Name:  "page-size",
	Value: syncengine.DefaultConfig().PageSize,
}
var flagWorkers = &cli.IntFlag{
	Name:  "repair-workers",
	Value: syncengine.DefaultConfig().Workers,
}
var flagProbeInterval = &cli.DurationFlag{
	Name:  "probe-interval",
	Value: 30 * time.Second,
	Usage: "interval between peer liveness probes",
}
var flagPeerTimeout = &cli.DurationFlag{
	Name:  "peer-timeout",
	Value: 5 * time.Second,
}

func main() {
	app := &cli.App{
		Name:  "keyshare-node",
		Usage: "Serve and synchronise capsule key shares within a TEE quorum",
		Flags: append([]cli.Flag{
			flagNodeID,
			flagListenAddr,
			flagAdvertiseAddr,
			flagDataDir,
			flagSealingSecretFile,
			flagAttestationType,
			flagRemoteAttestationProvider,
			flags.AllowDummyAttestationFlag,
			flags.FlagAttestationType,
			flags.FlagAttestationMeasurement,
			flags.RpcAddrFlag,
			flagNFTContract,
			flagCapsuleListFile,
			flagPolicyFile,
			flagAdminAddresses,
			flagAdminToken,
			flagPeers,
			flagDiscoverySRV,
			flagDNSServer,
			flagThreshold,
			flagTotalShares,
			flagReplicas,
			flagAuditInterval,
			flagPersistAfter,
			flagQuoteRate,
			flagQuoteBurst,
			flagOnDemandTimeout,
			flagBackupStorage,
			flagPageSize,
			flagWorkers,
			flagProbeInterval,
			flagPeerTimeout,
			flags.LogServiceFlagFn("keyshare-node"),
		}, flags.CommonFlags...),
		Action: runNode,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func runNode(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx)
	ctx, cancel := context.WithCancel(cCtx.Context)
	defer cancel()

	nodeID := interfaces.PeerID(cCtx.String(flagNodeID.Name))
	dataDir := cCtx.String(flagDataDir.Name)
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}

	pub, priv, err := cryptoutils.LoadOrCreateNodeKey(filepath.Join(dataDir, "node-key.pem"))
	if err != nil {
		return fmt.Errorf("loading node key: %w", err)
	}

	attestationType := cCtx.String(flagAttestationType.Name)
	provider, err := cryptoutils.AttestationProviderFor(attestationType, cCtx.String(flagRemoteAttestationProvider.Name))
	if err != nil {
		return err
	}
	attestation, err := provider.Attest(cryptoutils.NodeReportData(string(nodeID), pub))
	if err != nil {
		return fmt.Errorf("attesting node key: %w", err)
	}

	rootSecret, err := os.ReadFile(cCtx.String(flagSealingSecretFile.Name))
	if err != nil {
		return fmt.Errorf("reading sealing secret: %w", err)
	}
	sealer, err := cryptoutils.NewAESGCMSealer(rootSecret, []byte(provider.AttestationType().StringID))
	if err != nil {
		return err
	}

	nodeMetrics := metrics.New(string(nodeID))

	store, err := sharestore.Open(filepath.Join(dataDir, "shares"), sealer, logger)
	if err != nil {
		return fmt.Errorf("opening share store: %w", err)
	}
	defer store.Close()
	store.WithMetrics(nodeMetrics)

	peerTimeout := cCtx.Duration(flagPeerTimeout.Name)
	dir := directory.New(directory.DefaultConfig(), logger).WithMetrics(nodeMetrics)
	sched := scheduler.New(dir, scheduler.DefaultConfig(), logger)

	transport := peerapi.NewClient(nodeID, peerTimeout)
	transport.DebugAttestationTypeHeader = cCtx.String(flags.FlagAttestationType.Name)
	transport.DebugMeasurementsHeader = cCtx.String(flags.FlagAttestationMeasurement.Name)

	engineCfg := syncengine.DefaultConfig()
	engineCfg.PageSize = cCtx.Int(flagPageSize.Name)
	engineCfg.Workers = cCtx.Int(flagWorkers.Name)
	engineCfg.TotalShares = cCtx.Int(flagTotalShares.Name)
	engineCfg.Replicas = cCtx.Int(flagReplicas.Name)
	engine := syncengine.New(nodeID, priv, store, dir, sched, transport, engineCfg, logger).WithMetrics(nodeMetrics)

	rpc, err := ethclient.DialContext(ctx, cCtx.String(flags.RpcAddrFlag.Name))
	if err != nil {
		return fmt.Errorf("connecting to rpc: %w", err)
	}
	defer rpc.Close()

	nft, err := chain.NewNFTReader(rpc, common.HexToAddress(cCtx.String(flagNFTContract.Name)))
	if err != nil {
		return err
	}

	policy, err := authz.NewPolicy(ctx, cCtx.String(flagPolicyFile.Name))
	if err != nil {
		return fmt.Errorf("loading access policy: %w", err)
	}
	authzCfg := authz.DefaultConfig()
	authzCfg.Admins = cCtx.StringSlice(flagAdminAddresses.Name)
	verifier := authz.NewVerifier(nft, policy, authzCfg, logger)

	quoteCfg := quote.DefaultConfig()
	quoteCfg.Rate = cCtx.Float64(flagQuoteRate.Name)
	quoteCfg.Burst = cCtx.Int(flagQuoteBurst.Name)
	quoteCfg.OnDemandTimeout = cCtx.Duration(flagOnDemandTimeout.Name)
	quoter, err := quote.New(nodeID, store, verifier, engine, quoteCfg, logger)
	if err != nil {
		return err
	}
	quoter.WithMetrics(nodeMetrics)

	var indexer interfaces.Indexer = chain.NewIndexer(nft, logger)
	if path := cCtx.String(flagCapsuleListFile.Name); path != "" {
		indexer = chain.NewStaticIndexer(path)
	}

	audit, err := auditor.New(indexer, engine, auditor.Config{
		Interval:     cCtx.Duration(flagAuditInterval.Name),
		Threshold:    cCtx.Int(flagThreshold.Name),
		TotalShares:  cCtx.Int(flagTotalShares.Name),
		PersistAfter: cCtx.Int(flagPersistAfter.Name),
		CheckTimeout: auditor.DefaultConfig().CheckTimeout,
	}, logger)
	if err != nil {
		return err
	}
	audit.WithMetrics(nodeMetrics)
	engine.OnRepair(audit.HandleRepair)

	var exporter *backup.Exporter
	if uris := cCtx.StringSlice(flagBackupStorage.Name); len(uris) > 0 {
		locations := make([]interfaces.StorageBackendLocation, 0, len(uris))
		for _, uri := range uris {
			loc, err := interfaces.NewStorageBackendLocation(uri)
			if err != nil {
				return fmt.Errorf("backup storage: %w", err)
			}
			locations = append(locations, loc)
		}
		backend, err := storage.NewStorageBackendFactory(logger).CreateMultiBackend(locations)
		if err != nil {
			return err
		}
		exporter = backup.NewExporter(nodeID, store, backend, logger)
		audit.WithReporter(exporter)
	}

	resolver := discovery.NewResolver(nodeID, dir, transport, discovery.Config{
		Service:               cCtx.String(flagDiscoverySRV.Name),
		Nameserver:            cCtx.String(flagDNSServer.Name),
		Scheme:                discovery.DefaultConfig().Scheme,
		StaticPeers:           cCtx.StringSlice(flagPeers.Name),
		AllowDummyAttestation: cCtx.Bool(flags.AllowDummyAttestationFlag.Name),
		Interval:              discovery.DefaultConfig().Interval,
		Timeout:               peerTimeout,
	}, logger)
	prober := directory.NewProber(dir, transport, cCtx.Duration(flagProbeInterval.Name), peerTimeout, logger)

	self := &interfaces.NodeInfo{
		ID:              nodeID,
		Address:         cCtx.String(flagAdvertiseAddr.Name),
		PublicKey:       pub,
		AttestationType: provider.AttestationType().StringID,
		Attestation:     attestation,
	}

	handlers := []httpserver.RouteRegistrar{
		peerapi.NewHandler(self, engine, dir, logger),
		quoteapi.NewHandler(quoter, logger),
	}
	if token := cCtx.String(flagAdminToken.Name); token != "" {
		svc := adminapi.Services{
			NodeID:    nodeID,
			NodeKey:   priv,
			Directory: dir,
			Verifier:  resolver,
			Store:     store,
			Auditor:   audit,
		}
		if exporter != nil {
			svc.Backup = exporter
		}
		adminHandler, err := adminapi.NewHandler(token, svc, logger)
		if err != nil {
			return err
		}
		handlers = append(handlers, adminHandler)
	} else {
		logger.Warn("Admin API disabled, no admin token configured")
	}

	serverCfg := flags.ConfigureServer(cCtx, logger, cCtx.String(flagListenAddr.Name))
	srv, err := httpserver.New(serverCfg, nodeMetrics, handlers...)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	go engine.Run(ctx)
	go resolver.Run(ctx)
	go prober.Run(ctx)
	go audit.Run(ctx)

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, os.Interrupt, syscall.SIGTERM)
	srv.RunInBackground()
	srv.SetReady(true)

	logger.Info("Keyshare node started",
		slog.String("node_id", string(nodeID)),
		slog.String("listen_addr", serverCfg.ListenAddr),
		slog.String("attestation_type", self.AttestationType))

	<-exit
	cancel()
	srv.Shutdown()
	return nil
}
