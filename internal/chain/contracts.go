// Package chain reads JobBoard and Escrow contract state and events through
// the RPC fallback router and turns them into domain values.
package chain

import (
	_ "embed"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// Contract names recorded on events and used as checkpoint keys
const (
	ContractJobBoard = "JobBoard"
	ContractEscrow   = "Escrow"
)

//go:embed abi/JobBoard.json
var jobBoardABIJSON string

//go:embed abi/Escrow.json
var escrowABIJSON string

var (
	jobBoardABI = mustParseABI(ContractJobBoard, jobBoardABIJSON)
	escrowABI   = mustParseABI(ContractEscrow, escrowABIJSON)
)

func mustParseABI(name, raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("invalid %s ABI: %v", name, err))
	}
	return parsed
}

// eventTopics returns the topic0 of every event in a
func eventTopics(a abi.ABI) []common.Hash {
	topics := make([]common.Hash, 0, len(a.Events))
	for _, ev := range a.Events {
		topics = append(topics, ev.ID)
	}
	return topics
}

// CanonicalAddress returns the checksummed form of a hex address, or an
// error when s is not one.
func CanonicalAddress(s string) (string, error) {
	if !common.IsHexAddress(s) {
		return "", fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	return common.HexToAddress(s).Hex(), nil
}
