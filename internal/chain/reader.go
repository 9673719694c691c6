package chain

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/cuongbtq/escrow-sync/internal/domain"
	"github.com/cuongbtq/escrow-sync/internal/rpc"
)

const (
	// DefaultMaxBlockRange caps the span of a single eth_getLogs request
	DefaultMaxBlockRange = 2000
	// DefaultAddressBatch caps the escrow addresses filtered per request
	DefaultAddressBatch = 100
	// applicantPage is the page size used to walk getApplicants
	applicantPage = 100
)

// Config configures a Reader
type Config struct {
	JobBoardAddress string
	MaxBlockRange   uint64
	AddressBatch    int
	Logger          *slog.Logger
}

// Reader performs typed contract reads. Every RPC goes through the router,
// so each call independently benefits from provider fallback.
type Reader struct {
	router        *rpc.Router
	jobBoard      common.Address
	maxBlockRange uint64
	addressBatch  int
	logger        *slog.Logger
}

// NewReader creates a chain reader for one JobBoard deployment
func NewReader(router *rpc.Router, cfg Config) (*Reader, error) {
	if !common.IsHexAddress(cfg.JobBoardAddress) {
		return nil, fmt.Errorf("job board: %w: %q", ErrInvalidAddress, cfg.JobBoardAddress)
	}
	if cfg.MaxBlockRange == 0 {
		cfg.MaxBlockRange = DefaultMaxBlockRange
	}
	if cfg.AddressBatch <= 0 {
		cfg.AddressBatch = DefaultAddressBatch
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Reader{
		router:        router,
		jobBoard:      common.HexToAddress(cfg.JobBoardAddress),
		maxBlockRange: cfg.MaxBlockRange,
		addressBatch:  cfg.AddressBatch,
		logger:        logger.With(slog.String("component", "chain_reader")),
	}, nil
}

// JobBoard returns the checksummed JobBoard address
func (r *Reader) JobBoard() string {
	return r.jobBoard.Hex()
}

// CurrentBlock returns the latest block number
func (r *Reader) CurrentBlock(ctx context.Context) (uint64, error) {
	return rpc.Execute(ctx, r.router, func(ctx context.Context, c rpc.Client) (uint64, error) {
		return c.BlockNumber(ctx)
	})
}

// BlockTime returns the timestamp of block n
func (r *Reader) BlockTime(ctx context.Context, n uint64) (time.Time, error) {
	return rpc.Execute(ctx, r.router, func(ctx context.Context, c rpc.Client) (time.Time, error) {
		h, err := c.HeaderByNumber(ctx, new(big.Int).SetUint64(n))
		if err != nil {
			return time.Time{}, err
		}
		return time.Unix(int64(h.Time), 0).UTC(), nil
	})
}

// GetJob reads getJob(jobId) at block; block 0 means latest
func (r *Reader) GetJob(ctx context.Context, jobID string, block uint64) (domain.RawJob, error) {
	id, err := parseJobID(jobID)
	if err != nil {
		return domain.RawJob{}, err
	}
	out, err := r.call(ctx, &jobBoardABI, r.jobBoard, block, "getJob", id)
	if err != nil {
		return domain.RawJob{}, err
	}

	raw := domain.RawJob{JobID: id}
	var client, freelancer, escrow common.Address
	if err := unpackAll(out,
		&client, &raw.Title, &raw.DescriptionURI, &raw.BudgetUSDC, &raw.Status,
		&freelancer, &escrow, &raw.CreatedAt, &raw.UpdatedAt, &raw.ExpiresAt,
		&raw.Tags, &raw.PostingBond,
	); err != nil {
		return domain.RawJob{}, fmt.Errorf("getJob(%s): %w", jobID, err)
	}
	if client == (common.Address{}) && raw.Status == 0 {
		return domain.RawJob{}, fmt.Errorf("%w: %s", domain.ErrJobNotFound, jobID)
	}
	raw.Client = client.Hex()
	raw.HiredFreelancer = freelancer.Hex()
	raw.EscrowAddress = escrow.Hex()
	return raw, nil
}

// GetApplicantCount reads getApplicantCount(jobId)
func (r *Reader) GetApplicantCount(ctx context.Context, jobID string, block uint64) (uint64, error) {
	id, err := parseJobID(jobID)
	if err != nil {
		return 0, err
	}
	out, err := r.call(ctx, &jobBoardABI, r.jobBoard, block, "getApplicantCount", id)
	if err != nil {
		return 0, err
	}
	var count *big.Int
	if err := unpackAll(out, &count); err != nil {
		return 0, fmt.Errorf("getApplicantCount(%s): %w", jobID, err)
	}
	if !count.IsUint64() {
		return 0, fmt.Errorf("getApplicantCount(%s): count overflows uint64", jobID)
	}
	return count.Uint64(), nil
}

// Applicant is one entry of getApplicants
type Applicant struct {
	Freelancer string
	AppliedAt  time.Time
}

// GetApplicants reads one page of getApplicants(jobId, offset, limit)
func (r *Reader) GetApplicants(ctx context.Context, jobID string, offset, limit, block uint64) ([]Applicant, error) {
	id, err := parseJobID(jobID)
	if err != nil {
		return nil, err
	}
	out, err := r.call(ctx, &jobBoardABI, r.jobBoard, block, "getApplicants",
		id, new(big.Int).SetUint64(offset), new(big.Int).SetUint64(limit))
	if err != nil {
		return nil, err
	}

	var freelancers []common.Address
	var appliedAt []uint64
	if err := unpackAll(out, &freelancers, &appliedAt); err != nil {
		return nil, fmt.Errorf("getApplicants(%s): %w", jobID, err)
	}
	if len(freelancers) != len(appliedAt) {
		return nil, fmt.Errorf("getApplicants(%s): %d freelancers but %d timestamps", jobID, len(freelancers), len(appliedAt))
	}

	applicants := make([]Applicant, len(freelancers))
	for i, f := range freelancers {
		applicants[i] = Applicant{Freelancer: f.Hex(), AppliedAt: unixField(appliedAt[i])}
	}
	return applicants, nil
}

// AllApplicants walks getApplicants until getApplicantCount entries are read
func (r *Reader) AllApplicants(ctx context.Context, jobID string, block uint64) ([]Applicant, error) {
	count, err := r.GetApplicantCount(ctx, jobID, block)
	if err != nil {
		return nil, err
	}

	all := make([]Applicant, 0, count)
	for offset := uint64(0); offset < count; offset += applicantPage {
		page, err := r.GetApplicants(ctx, jobID, offset, applicantPage, block)
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			break
		}
		all = append(all, page...)
	}
	return all, nil
}

// GetApplicantDetails reads getApplicantDetails(jobId, freelancer)
func (r *Reader) GetApplicantDetails(ctx context.Context, jobID, freelancer string, block uint64) (domain.Proposal, error) {
	id, err := parseJobID(jobID)
	if err != nil {
		return domain.Proposal{}, err
	}
	if !common.IsHexAddress(freelancer) {
		return domain.Proposal{}, fmt.Errorf("freelancer: %w: %q", ErrInvalidAddress, freelancer)
	}
	out, err := r.call(ctx, &jobBoardABI, r.jobBoard, block, "getApplicantDetails", id, common.HexToAddress(freelancer))
	if err != nil {
		return domain.Proposal{}, err
	}

	var (
		who          common.Address
		appliedAt    uint64
		proposalURI  string
		bid          *big.Int
		deliveryDays uint64
	)
	if err := unpackAll(out, &who, &appliedAt, &proposalURI, &bid, &deliveryDays); err != nil {
		return domain.Proposal{}, fmt.Errorf("getApplicantDetails(%s): %w", jobID, err)
	}
	if who == (common.Address{}) {
		return domain.Proposal{}, fmt.Errorf("%w: job %s freelancer %s", domain.ErrProposalNotFound, jobID, freelancer)
	}

	return domain.Proposal{
		JobID:        jobID,
		Freelancer:   who.Hex(),
		AppliedAt:    unixField(appliedAt),
		ProposalURI:  proposalURI,
		BidAmount:    bid,
		DeliveryDays: deliveryDays,
	}, nil
}

// GetDirectOffer reads getDirectOffer(jobId)
func (r *Reader) GetDirectOffer(ctx context.Context, jobID string, block uint64) (domain.DirectOffer, error) {
	id, err := parseJobID(jobID)
	if err != nil {
		return domain.DirectOffer{}, err
	}
	out, err := r.call(ctx, &jobBoardABI, r.jobBoard, block, "getDirectOffer", id)
	if err != nil {
		return domain.DirectOffer{}, err
	}

	var client, freelancer common.Address
	offer := domain.DirectOffer{JobID: jobID}
	if err := unpackAll(out,
		&client, &freelancer, &offer.BudgetUSDT, &offer.DeliveryDays,
		&offer.Accepted, &offer.Rejected, &offer.Cancelled,
	); err != nil {
		return domain.DirectOffer{}, fmt.Errorf("getDirectOffer(%s): %w", jobID, err)
	}
	if client == (common.Address{}) {
		return domain.DirectOffer{}, fmt.Errorf("%w: %s", domain.ErrOfferNotFound, jobID)
	}
	offer.Client = client.Hex()
	offer.Freelancer = freelancer.Hex()
	return offer, nil
}

// escrowReads are issued together against one provider at one block so the
// flags and the delivery history describe the same state
var escrowReads = []string{
	"jobId", "currentDeadlines", "delivered", "disputed", "terminal",
	"cancelRequestedBy", "lastDeliveryURI", "getAllDeliveries",
}

// deliveryTuple mirrors the getAllDeliveries tuple components
type deliveryTuple struct {
	Uri       string   `json:"uri"`
	Timestamp uint64   `json:"timestamp"`
	Version   *big.Int `json:"version"`
}

// GetEscrow reads every escrow field at block; block 0 pins the latest
// block on whichever provider serves the read.
func (r *Reader) GetEscrow(ctx context.Context, address string, block uint64) (domain.Escrow, uint64, error) {
	if !common.IsHexAddress(address) {
		return domain.Escrow{}, 0, fmt.Errorf("escrow: %w: %q", ErrInvalidAddress, address)
	}
	to := common.HexToAddress(address)

	inputs := make([][]byte, len(escrowReads))
	for i, method := range escrowReads {
		data, err := escrowABI.Pack(method)
		if err != nil {
			return domain.Escrow{}, 0, fmt.Errorf("failed to pack %s: %w", method, err)
		}
		inputs[i] = data
	}

	type batch struct {
		block   uint64
		outputs [][]byte
	}
	res, err := rpc.Execute(ctx, r.router, func(ctx context.Context, c rpc.Client) (batch, error) {
		at := block
		if at == 0 {
			head, err := c.BlockNumber(ctx)
			if err != nil {
				return batch{}, err
			}
			at = head
		}
		b := batch{block: at, outputs: make([][]byte, len(inputs))}
		for i, data := range inputs {
			out, err := c.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, new(big.Int).SetUint64(at))
			if err != nil {
				return batch{}, fmt.Errorf("%s: %w", escrowReads[i], err)
			}
			b.outputs[i] = out
		}
		return b, nil
	})
	if err != nil {
		return domain.Escrow{}, 0, err
	}
	if len(res.outputs[0]) == 0 {
		return domain.Escrow{}, 0, fmt.Errorf("%w: %s", domain.ErrEscrowNotFound, to.Hex())
	}

	values := make(map[string][]interface{}, len(escrowReads))
	for i, method := range escrowReads {
		out, err := escrowABI.Unpack(method, res.outputs[i])
		if err != nil {
			return domain.Escrow{}, 0, fmt.Errorf("failed to unpack %s: %w", method, err)
		}
		values[method] = out
	}

	var (
		jobID                             *big.Int
		cancelEnd, deliveryDue, reviewDue uint64
		requester                         common.Address
		lastURI                           string
	)
	e := domain.Escrow{Address: to.Hex()}
	if err := firstErr(
		unpackAll(values["jobId"], &jobID),
		unpackAll(values["currentDeadlines"], &cancelEnd, &deliveryDue, &reviewDue),
		unpackAll(values["delivered"], &e.Delivered),
		unpackAll(values["disputed"], &e.Disputed),
		unpackAll(values["terminal"], &e.Terminal),
		unpackAll(values["cancelRequestedBy"], &requester),
		unpackAll(values["lastDeliveryURI"], &lastURI),
	); err != nil {
		return domain.Escrow{}, 0, fmt.Errorf("escrow %s: %w", to.Hex(), err)
	}

	tuples, ok := abi.ConvertType(values["getAllDeliveries"][0], new([]deliveryTuple)).(*[]deliveryTuple)
	if !ok {
		return domain.Escrow{}, 0, fmt.Errorf("escrow %s: unexpected getAllDeliveries shape", to.Hex())
	}

	e.JobID = jobID.String()
	e.CancelEnd = unixField(cancelEnd)
	e.DeliveryDue = unixField(deliveryDue)
	e.ReviewDue = unixField(reviewDue)
	e.CancelRequestedBy = addressString(requester)
	e.DeliveryHistory = make([]domain.Delivery, 0, len(*tuples))
	for _, t := range *tuples {
		var version uint64
		if t.Version != nil && t.Version.IsUint64() {
			version = t.Version.Uint64()
		}
		e.DeliveryHistory = append(e.DeliveryHistory, domain.Delivery{
			URI:       t.Uri,
			Timestamp: unixField(t.Timestamp),
			Version:   version,
		})
	}

	if n := len(e.DeliveryHistory); n > 0 && lastURI != "" && e.DeliveryHistory[n-1].URI != lastURI {
		r.logger.Warn("lastDeliveryURI disagrees with delivery history",
			slog.String("escrow", e.Address),
			slog.String("last_delivery_uri", lastURI),
			slog.String("history_uri", e.DeliveryHistory[n-1].URI),
		)
	}
	return e, res.block, nil
}

// call packs method, executes eth_call through the router and unpacks the result
func (r *Reader) call(ctx context.Context, contract *abi.ABI, to common.Address, block uint64, method string, args ...interface{}) ([]interface{}, error) {
	input, err := contract.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s: %w", method, err)
	}

	raw, err := rpc.Execute(ctx, r.router, func(ctx context.Context, c rpc.Client) ([]byte, error) {
		return c.CallContract(ctx, ethereum.CallMsg{To: &to, Data: input}, blockArg(block))
	})
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: %s.%s", ErrNoContract, to.Hex(), method)
	}

	out, err := contract.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack %s: %w", method, err)
	}
	return out, nil
}

func blockArg(block uint64) *big.Int {
	if block == 0 {
		return nil
	}
	return new(big.Int).SetUint64(block)
}

func parseJobID(jobID string) (*big.Int, error) {
	id, ok := new(big.Int).SetString(jobID, 10)
	if !ok || id.Sign() < 0 {
		return nil, fmt.Errorf("%w: %q", ErrInvalidJobID, jobID)
	}
	return id, nil
}

// unpackAll copies decoded outputs into typed destinations
func unpackAll(out []interface{}, dst ...interface{}) error {
	if len(out) != len(dst) {
		return fmt.Errorf("expected %d outputs, got %d", len(dst), len(out))
	}
	for i := range dst {
		if err := assign(out[i], dst[i]); err != nil {
			return fmt.Errorf("output %d: %w", i, err)
		}
	}
	return nil
}

func assign(v interface{}, dst interface{}) error {
	switch d := dst.(type) {
	case *common.Address:
		return set(v, d)
	case *string:
		return set(v, d)
	case **big.Int:
		return set(v, d)
	case *uint8:
		return set(v, d)
	case *uint64:
		return set(v, d)
	case *bool:
		return set(v, d)
	case *[][32]byte:
		return set(v, d)
	case *[]common.Address:
		return set(v, d)
	case *[]uint64:
		return set(v, d)
	default:
		return fmt.Errorf("unsupported destination %T", dst)
	}
}

func set[T any](v interface{}, dst *T) error {
	t, ok := v.(T)
	if !ok {
		return fmt.Errorf("expected %T, got %T", *dst, v)
	}
	*dst = t
	return nil
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
