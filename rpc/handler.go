package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/weavernet/weaver/kvstore"
	"github.com/weavernet/weaver/models"
	"github.com/weavernet/weaver/multiverse"
	"github.com/weavernet/weaver/p2p"
)

// Handler serves the peer RPC methods over the node's store and multiverse.
type Handler struct {
	store kvstore.Store
	mv    *multiverse.Multiverse
	log   *slog.Logger
}

// NewHandler creates a Handler.
func NewHandler(store kvstore.Store, mv *multiverse.Multiverse, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{store: store, mv: mv, log: logger}
}

// Handle dispatches one request.
func (h *Handler) Handle(ctx context.Context, req *Request) *Response {
	result, err := h.dispatch(ctx, req)
	if err != nil {
		return &Response{ID: req.ID, Error: err.Error()}
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return &Response{ID: req.ID, Error: err.Error()}
	}
	return &Response{ID: req.ID, Result: raw}
}

func (h *Handler) dispatch(ctx context.Context, req *Request) (any, error) {
	switch req.Method {
	case "getHeaders":
		return h.getHeaders(ctx, req.Params)
	case "getLatestHeader":
		return h.getLatestHeader(ctx)
	case "getLatestHeaders":
		return h.getLatestHeaders(ctx, req.Params)
	case "getMultiverse":
		return h.mv.Recent(multiverse.DefaultDepth), nil
	case "query":
		return h.query(ctx, req.Params)
	default:
		return nil, fmt.Errorf("%w: unknown method %q", ErrProtocol, req.Method)
	}
}

// getHeaders returns the blocks of an inclusive height range. Both endpoints
// must match the stored chain by hash.
func (h *Handler) getHeaders(ctx context.Context, params json.RawMessage) ([]*models.ParentBlock, error) {
	var p [2][2]any
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("%w: bad getHeaders params: %v", ErrProtocol, err)
	}

	fromHeight, fromHash, err := endpoint(p[0])
	if err != nil {
		return nil, err
	}
	toHeight, toHash, err := endpoint(p[1])
	if err != nil {
		return nil, err
	}

	if toHeight < fromHeight || toHeight-fromHeight > MaxRange {
		return nil, fmt.Errorf("%w: range [%d, %d] rejected", ErrProtocol, fromHeight, toHeight)
	}

	blocks, err := h.blocksInRange(ctx, fromHeight, toHeight)
	if err != nil {
		return nil, err
	}
	if len(blocks) == 0 ||
		blocks[0].Hash != fromHash || blocks[len(blocks)-1].Hash != toHash {
		return nil, fmt.Errorf("%w: range endpoints mismatch", ErrProtocol)
	}
	return blocks, nil
}

func (h *Handler) getLatestHeader(ctx context.Context) ([]*models.ParentBlock, error) {
	latest, err := h.latest(ctx)
	if err != nil {
		return nil, err
	}
	return []*models.ParentBlock{latest}, nil
}

func (h *Handler) getLatestHeaders(ctx context.Context, params json.RawMessage) ([]*models.ParentBlock, error) {
	var p []uint64
	if err := json.Unmarshal(params, &p); err != nil || len(p) != 1 {
		return nil, fmt.Errorf("%w: bad getLatestHeaders params", ErrProtocol)
	}

	latest, err := h.latest(ctx)
	if err != nil {
		return nil, err
	}

	n := p[0]
	if n > latest.Height {
		n = latest.Height
	}
	if n > MaxRange {
		n = MaxRange
	}
	if n == 0 {
		return []*models.ParentBlock{}, nil
	}

	blocks, err := h.blocksInRange(ctx, latest.Height-n+1, latest.Height)
	if err != nil {
		return nil, err
	}

	// Most recent first.
	for i, j := 0, len(blocks)-1; i < j; i, j = i+1, j-1 {
		blocks[i], blocks[j] = blocks[j], blocks[i]
	}
	return blocks, nil
}

// query returns the blocks in [low, high] iff the local block at queryHeight
// carries queryHash; otherwise an empty list.
func (h *Handler) query(ctx context.Context, params json.RawMessage) ([]*models.ParentBlock, error) {
	var p p2p.QueryParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("%w: bad query params: %v", ErrProtocol, err)
	}

	empty := []*models.ParentBlock{}

	anchor, err := h.blockAt(ctx, p.QueryHeight)
	if err != nil || anchor == nil || anchor.Hash != p.QueryHash {
		return empty, nil
	}

	latest, err := h.latest(ctx)
	if err != nil {
		return empty, nil
	}

	low := p.Low
	if low < 1 {
		low = 1
	}
	high := p.High
	if high > latest.Height {
		high = latest.Height
	}
	if high < low {
		return empty, nil
	}

	blocks, err := h.blocksInRange(ctx, low, high)
	if err != nil {
		return empty, nil
	}
	return blocks, nil
}

func (h *Handler) latest(ctx context.Context) (*models.ParentBlock, error) {
	data, err := h.store.Get(ctx, "bc.block.latest")
	if err != nil {
		return nil, fmt.Errorf("failed to load latest block: %w", err)
	}
	return models.DeserializeBlock(data)
}

func (h *Handler) blockAt(ctx context.Context, height uint64) (*models.ParentBlock, error) {
	data, err := h.store.Get(ctx, fmt.Sprintf("bc.block.%d", height))
	if err != nil {
		return nil, err
	}
	return models.DeserializeBlock(data)
}

// blocksInRange loads [from, to] in one batch; missing heights are skipped.
func (h *Handler) blocksInRange(ctx context.Context, from, to uint64) ([]*models.ParentBlock, error) {
	keys := make([]string, 0, to-from+1)
	for i := from; i <= to; i++ {
		keys = append(keys, fmt.Sprintf("bc.block.%d", i))
	}

	values, err := h.store.GetBatch(ctx, keys)
	if err != nil {
		return nil, fmt.Errorf("failed to load range [%d, %d]: %w", from, to, err)
	}

	blocks := make([]*models.ParentBlock, 0, len(values))
	for _, data := range values {
		if data == nil {
			continue
		}
		b, err := models.DeserializeBlock(data)
		if err != nil {
			h.log.Warn("undecodable stored block", "error", err)
			continue
		}
		blocks = append(blocks, b)
	}
	return blocks, nil
}

func endpoint(raw [2]any) (uint64, string, error) {
	height, ok := raw[0].(float64)
	if !ok || height < 1 {
		return 0, "", fmt.Errorf("%w: bad range endpoint height", ErrProtocol)
	}
	hash, ok := raw[1].(string)
	if !ok {
		return 0, "", fmt.Errorf("%w: bad range endpoint hash", ErrProtocol)
	}
	return uint64(height), hash, nil
}
