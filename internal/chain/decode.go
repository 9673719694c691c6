package chain

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/cuongbtq/escrow-sync/internal/domain"
)

// DecodeLog turns a JobBoard or Escrow log into a normalized event. The
// escrow identity of escrow events is always the emitting address.
func DecodeLog(lg types.Log) (domain.Event, error) {
	if len(lg.Topics) == 0 {
		return domain.Event{}, fmt.Errorf("%w: log without topics", ErrUnknownEvent)
	}

	contract, ev, err := lookupEvent(lg.Topics[0])
	if err != nil {
		return domain.Event{}, err
	}

	fields, err := unpackLog(contract, ev, lg)
	if err != nil {
		return domain.Event{}, fmt.Errorf("failed to unpack %s: %w", ev.Name, err)
	}

	out := domain.Event{
		Kind:        domain.EventKind(ev.Name),
		Contract:    contract.name,
		BlockNumber: lg.BlockNumber,
		TxHash:      lg.TxHash.Hex(),
		LogIndex:    lg.Index,
		JobID:       bigString(fields["jobId"]),
	}

	switch out.Kind {
	case domain.EventJobPosted:
		out.Actor = addressString(fields["client"])
		out.Title = stringField(fields["title"])
		out.URI = stringField(fields["descriptionURI"])
		out.Amount = bigField(fields["budgetUSDC"])
		out.Timestamp = unixField(fields["expiresAt"])
		out.Bond = bigField(fields["postingBond"])
	case domain.EventJobApplied:
		out.Actor = addressString(fields["freelancer"])
		out.URI = stringField(fields["proposalURI"])
		out.Amount = bigField(fields["bidAmount"])
		out.Days = uintField(fields["deliveryDays"])
	case domain.EventJobHired:
		out.Actor = addressString(fields["freelancer"])
		out.Escrow = addressString(fields["escrow"])
	case domain.EventJobCancelled:
	case domain.EventWorkDelivered:
		out.Escrow = lg.Address.Hex()
		out.Actor = addressString(fields["freelancer"])
		out.URI = stringField(fields["uri"])
		if v := bigField(fields["version"]); v != nil && v.IsUint64() {
			out.Version = v.Uint64()
		}
		out.Timestamp = unixField(fields["timestamp"])
	case domain.EventDisputeRaised:
		out.Escrow = lg.Address.Hex()
		out.Actor = addressString(fields["by"])
		out.URI = stringField(fields["reasonURI"])
	case domain.EventCancelRequested:
		out.Escrow = lg.Address.Hex()
		out.Actor = addressString(fields["by"])
	case domain.EventPaid:
		out.Escrow = lg.Address.Hex()
		out.Actor = addressString(fields["freelancer"])
		out.Amount = bigField(fields["amount"])
	case domain.EventRefunded:
		out.Escrow = lg.Address.Hex()
		out.Actor = addressString(fields["client"])
		out.Amount = bigField(fields["amount"])
	default:
		return domain.Event{}, fmt.Errorf("%w: %s", ErrUnknownEvent, ev.Name)
	}

	if err := out.Validate(); err != nil {
		return domain.Event{}, err
	}
	return out, nil
}

type contractABI struct {
	name string
	abi  *abi.ABI
}

func lookupEvent(topic common.Hash) (contractABI, *abi.Event, error) {
	if ev, err := jobBoardABI.EventByID(topic); err == nil {
		return contractABI{name: ContractJobBoard, abi: &jobBoardABI}, ev, nil
	}
	if ev, err := escrowABI.EventByID(topic); err == nil {
		return contractABI{name: ContractEscrow, abi: &escrowABI}, ev, nil
	}
	return contractABI{}, nil, fmt.Errorf("%w: topic %s", ErrUnknownEvent, topic.Hex())
}

func unpackLog(contract contractABI, ev *abi.Event, lg types.Log) (map[string]interface{}, error) {
	fields := make(map[string]interface{})
	if len(lg.Data) > 0 {
		if err := contract.abi.UnpackIntoMap(fields, ev.Name, lg.Data); err != nil {
			return nil, err
		}
	}

	var indexed abi.Arguments
	for _, arg := range ev.Inputs {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}
	if len(lg.Topics)-1 != len(indexed) {
		return nil, fmt.Errorf("expected %d indexed topics, got %d", len(indexed), len(lg.Topics)-1)
	}
	if err := abi.ParseTopicsIntoMap(fields, indexed, lg.Topics[1:]); err != nil {
		return nil, err
	}
	return fields, nil
}

func bigField(v interface{}) *big.Int {
	if b, ok := v.(*big.Int); ok && b != nil {
		return new(big.Int).Set(b)
	}
	return nil
}

func bigString(v interface{}) string {
	if b := bigField(v); b != nil {
		return b.String()
	}
	return ""
}

func stringField(v interface{}) string {
	s, _ := v.(string)
	return s
}

func uintField(v interface{}) uint64 {
	switch n := v.(type) {
	case uint64:
		return n
	case uint8:
		return uint64(n)
	case *big.Int:
		if n != nil && n.IsUint64() {
			return n.Uint64()
		}
	}
	return 0
}

func unixField(v interface{}) time.Time {
	sec := uintField(v)
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(int64(sec), 0).UTC()
}

func addressString(v interface{}) string {
	a, ok := v.(common.Address)
	if !ok || a == (common.Address{}) {
		return ""
	}
	return a.Hex()
}
