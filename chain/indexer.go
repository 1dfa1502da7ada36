package chain

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"strings"

	"github.com/ruteri/tee-keyshare-quorum/interfaces"
)

// Indexer lists every minted capsule by enumerating the token contract.
type Indexer struct {
	reader *NFTReader
	log    *slog.Logger
}

func NewIndexer(reader *NFTReader, log *slog.Logger) *Indexer {
	return &Indexer{reader: reader, log: log}
}

func (ix *Indexer) ListExpectedCapsules(ctx context.Context, fn func(interfaces.CapsuleID) error) error {
	supply, err := ix.reader.TotalSupply(ctx)
	if err != nil {
		return err
	}
	if !supply.IsInt64() {
		return fmt.Errorf("total supply %s out of range", supply)
	}

	total := supply.Int64()
	ix.log.Debug("Listing capsules from chain", slog.Int64("total_supply", total))
	for i := int64(0); i < total; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		tokenID, err := ix.reader.TokenByIndex(ctx, big.NewInt(i))
		if err != nil {
			return fmt.Errorf("token at index %d: %w", i, err)
		}
		if err := fn(CapsuleIDFor(tokenID)); err != nil {
			return err
		}
	}
	return nil
}

// StaticIndexer lists capsules from a file with one capsule id per line.
// Blank lines and lines starting with # are ignored. The file is re-read on
// every listing.
type StaticIndexer struct {
	path string
}

func NewStaticIndexer(path string) *StaticIndexer {
	return &StaticIndexer{path: path}
}

func (ix *StaticIndexer) ListExpectedCapsules(ctx context.Context, fn func(interfaces.CapsuleID) error) error {
	f, err := os.Open(ix.path)
	if err != nil {
		return fmt.Errorf("opening capsule list: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if err := fn(interfaces.CapsuleID(line)); err != nil {
			return err
		}
	}
	return scanner.Err()
}
