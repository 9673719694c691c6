package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/cuongbtq/escrow-sync/internal/domain"
	"github.com/cuongbtq/escrow-sync/internal/rpc"
)

// FetchEvents returns every JobBoard and Escrow event in [from, to], ordered
// by (block, logIndex). The JobBoard is scanned first so escrows hired inside
// the range are scanned along with the known ones.
func (r *Reader) FetchEvents(ctx context.Context, from, to uint64, escrows []string) ([]domain.Event, error) {
	if from > to {
		return nil, nil
	}

	known := make(map[common.Address]struct{}, len(escrows))
	for _, e := range escrows {
		if common.IsHexAddress(e) {
			known[common.HexToAddress(e)] = struct{}{}
		}
	}

	boardLogs, err := r.filterLogs(ctx, from, to, []common.Address{r.jobBoard}, eventTopics(jobBoardABI))
	if err != nil {
		return nil, fmt.Errorf("failed to scan job board logs: %w", err)
	}

	events := make([]domain.Event, 0, len(boardLogs))
	for _, lg := range boardLogs {
		ev, ok := r.decode(lg)
		if !ok {
			continue
		}
		if ev.Kind == domain.EventJobHired && ev.Escrow != "" {
			known[common.HexToAddress(ev.Escrow)] = struct{}{}
		}
		events = append(events, ev)
	}

	addresses := make([]common.Address, 0, len(known))
	for a := range known {
		addresses = append(addresses, a)
	}
	sort.Slice(addresses, func(i, j int) bool { return addresses[i].Hex() < addresses[j].Hex() })

	escrowTopics := eventTopics(escrowABI)
	for start := 0; start < len(addresses); start += r.addressBatch {
		end := min(start+r.addressBatch, len(addresses))
		logs, err := r.filterLogs(ctx, from, to, addresses[start:end], escrowTopics)
		if err != nil {
			return nil, fmt.Errorf("failed to scan escrow logs: %w", err)
		}
		for _, lg := range logs {
			if ev, ok := r.decode(lg); ok {
				events = append(events, ev)
			}
		}
	}

	if err := r.attachBlockTimes(ctx, events); err != nil {
		return nil, err
	}

	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Position().Before(events[j].Position())
	})

	r.logger.Debug("Fetched chain events",
		slog.Uint64("from_block", from),
		slog.Uint64("to_block", to),
		slog.Int("escrows", len(addresses)),
		slog.Int("events", len(events)),
	)
	return events, nil
}

// filterLogs splits [from, to] into chunks of at most maxBlockRange blocks
func (r *Reader) filterLogs(ctx context.Context, from, to uint64, addresses []common.Address, topics []common.Hash) ([]types.Log, error) {
	var all []types.Log
	for start := from; start <= to; {
		end := to
		if to-start >= r.maxBlockRange {
			end = start + r.maxBlockRange - 1
		}

		q := ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(start),
			ToBlock:   new(big.Int).SetUint64(end),
			Addresses: addresses,
			Topics:    [][]common.Hash{topics},
		}
		logs, err := rpc.Execute(ctx, r.router, func(ctx context.Context, c rpc.Client) ([]types.Log, error) {
			return c.FilterLogs(ctx, q)
		})
		if err != nil {
			return nil, fmt.Errorf("blocks %d-%d: %w", start, end, err)
		}
		all = append(all, logs...)

		if end == to {
			break
		}
		start = end + 1
	}
	return all, nil
}

// decode drops removed and undecodable logs. A malformed log can never be
// fixed by retrying, so it must not wedge the scan.
func (r *Reader) decode(lg types.Log) (domain.Event, bool) {
	if lg.Removed {
		return domain.Event{}, false
	}
	ev, err := DecodeLog(lg)
	if err != nil {
		level := slog.LevelWarn
		if errors.Is(err, ErrUnknownEvent) {
			level = slog.LevelDebug
		}
		r.logger.Log(context.Background(), level, "Skipping undecodable log",
			slog.String("address", lg.Address.Hex()),
			slog.String("tx_hash", lg.TxHash.Hex()),
			slog.Uint64("block", lg.BlockNumber),
			slog.Uint64("log_index", uint64(lg.Index)),
			slog.String("error", err.Error()),
		)
		return domain.Event{}, false
	}
	return ev, true
}

func (r *Reader) attachBlockTimes(ctx context.Context, events []domain.Event) error {
	times := make(map[uint64]time.Time)
	for i := range events {
		n := events[i].BlockNumber
		t, ok := times[n]
		if !ok {
			var err error
			t, err = r.BlockTime(ctx, n)
			if err != nil {
				return fmt.Errorf("failed to read time of block %d: %w", n, err)
			}
			times[n] = t
		}
		events[i].BlockTime = t
	}
	return nil
}
