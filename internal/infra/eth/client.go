package eth

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"

	"github.com/nweb-io/indexer/internal/domain/ledger"
	"github.com/nweb-io/indexer/internal/domain/submissions"
)

const resubscribeDelay = 5 * time.Second

// maxBufferedEvents bounds the push buffer. Dropping the oldest entries is
// safe: the range query path re-reads every window from the node.
const maxBufferedEvents = 4096

// Client implements the ledger port against an attestor contract. The
// range query path goes over the HTTP RPC endpoint; when a WS endpoint is
// configured a log subscription feeds the push buffer as a latency
// optimization.
type Client struct {
	eth       *ethclient.Client
	ws        *ethclient.Client
	address   common.Address
	schemaUID common.Hash
	abi       abi.ABI
	payload   abi.Arguments
	eventID   common.Hash
	log       *zap.Logger

	mu     sync.Mutex
	buffer []ledger.AttestationEvent

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Dial connects to the RPC node, verifies it answers, and starts the
// optional push subscription. A failure here is fatal to startup.
func Dial(ctx context.Context, rpcURL, wsURL, attestorAddress, schemaUID string, log *zap.Logger) (*Client, error) {
	if log == nil {
		log = zap.NewNop()
	}
	parsed, err := parseAttestorABI()
	if err != nil {
		return nil, fmt.Errorf("parse attestor abi: %w", err)
	}

	conn, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial ledger rpc: %w", err)
	}
	head, err := conn.BlockNumber(ctx)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ledger unreachable: %w", err)
	}
	log.Info("ledger connected", zap.Uint64("latest_block", head))

	c := &Client{
		eth:       conn,
		address:   common.HexToAddress(attestorAddress),
		schemaUID: common.HexToHash(schemaUID),
		abi:       parsed,
		payload:   payloadArguments(),
		eventID:   parsed.Events["AttestationMade"].ID,
		log:       log,
	}

	if wsURL != "" {
		wsConn, err := ethclient.DialContext(ctx, wsURL)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("dial ledger ws: %w", err)
		}
		c.ws = wsConn
		subCtx, cancel := context.WithCancel(context.Background())
		c.cancel = cancel
		c.wg.Add(1)
		go c.subscribeLoop(subCtx)
	}

	return c, nil
}

func (c *Client) Close() {
	if c.cancel != nil {
		c.cancel()
		c.wg.Wait()
	}
	if c.ws != nil {
		c.ws.Close()
	}
	c.eth.Close()
}

func (c *Client) Head(ctx context.Context) (uint64, error) {
	return c.eth.BlockNumber(ctx)
}

func (c *Client) filterQuery(from, to *big.Int) ethereum.FilterQuery {
	return ethereum.FilterQuery{
		FromBlock: from,
		ToBlock:   to,
		Addresses: []common.Address{c.address},
		Topics:    [][]common.Hash{{c.eventID}},
	}
}

func (c *Client) QueryRange(ctx context.Context, from, to uint64) ([]ledger.AttestationEvent, error) {
	logs, err := c.eth.FilterLogs(ctx, c.filterQuery(
		new(big.Int).SetUint64(from),
		new(big.Int).SetUint64(to),
	))
	if err != nil {
		if isRangeUnavailable(err) {
			return nil, fmt.Errorf("%w: blocks %d-%d: %v", ledger.ErrRangeUnavailable, from, to, err)
		}
		return nil, fmt.Errorf("filter logs %d-%d: %w", from, to, err)
	}

	events := make([]ledger.AttestationEvent, 0, len(logs))
	for _, lg := range logs {
		if lg.Removed {
			continue
		}
		ev, err := decodeEvent(c.eventID, lg)
		if err != nil {
			c.log.Warn("skipping undecodable log", zap.Error(err))
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

// SubscribedInRange drains buffered push events in [from, to]. Stale
// entries below the window are discarded; entries above it stay buffered
// for a later window.
func (c *Client) SubscribedInRange(from, to uint64) []ledger.AttestationEvent {
	c.mu.Lock()
	defer c.mu.Unlock()

	var inWindow, keep []ledger.AttestationEvent
	for _, ev := range c.buffer {
		switch {
		case ev.Block < from:
		case ev.Block > to:
			keep = append(keep, ev)
		default:
			inWindow = append(inWindow, ev)
		}
	}
	c.buffer = keep
	return inWindow
}

// subscribeLoop keeps a log subscription alive, resubscribing on errors.
// Missed events here are harmless: the range query path re-reads every
// window from the node.
func (c *Client) subscribeLoop(ctx context.Context) {
	defer c.wg.Done()
	for ctx.Err() == nil {
		logsCh := make(chan types.Log, 256)
		sub, err := c.ws.SubscribeFilterLogs(ctx, c.filterQuery(nil, nil), logsCh)
		if err != nil {
			c.log.Warn("log subscription failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(resubscribeDelay):
			}
			continue
		}

	recv:
		for {
			select {
			case <-ctx.Done():
				sub.Unsubscribe()
				return
			case err := <-sub.Err():
				c.log.Warn("log subscription dropped", zap.Error(err))
				break recv
			case lg := <-logsCh:
				if lg.Removed {
					continue
				}
				ev, err := decodeEvent(c.eventID, lg)
				if err != nil {
					continue
				}
				c.bufferEvent(ev)
			}
		}
	}
}

// bufferEvent appends to the push buffer, evicting the oldest entry once
// the cap is reached.
func (c *Client) bufferEvent(ev ledger.AttestationEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.buffer) >= maxBufferedEvents {
		c.buffer = c.buffer[1:]
	}
	c.buffer = append(c.buffer, ev)
}

// ResolveSubmission calls getAttestation for the event's UID and decodes
// the payload into a pending submission.
func (c *Client) ResolveSubmission(ctx context.Context, ev ledger.AttestationEvent) (*submissions.Submission, error) {
	input, err := c.abi.Pack("getAttestation", common.HexToHash(ev.UID))
	if err != nil {
		return nil, fmt.Errorf("pack getAttestation: %w", err)
	}
	out, err := c.eth.CallContract(ctx, ethereum.CallMsg{To: &c.address, Data: input}, nil)
	if err != nil {
		return nil, fmt.Errorf("getAttestation %s: %w", ev.UID, err)
	}
	vals, err := c.abi.Unpack("getAttestation", out)
	if err != nil {
		return nil, fmt.Errorf("unpack getAttestation %s: %w", ev.UID, err)
	}

	schema := common.Hash(vals[3].([32]byte))
	if schema != c.schemaUID {
		return nil, ledger.ErrSchemaMismatch
	}
	if vals[6].(bool) {
		return nil, ledger.ErrRevoked
	}

	timestamp := vals[4].(uint64)
	data := vals[7].([]byte)
	p, err := decodePayload(c.payload, data)
	if err != nil {
		return nil, err
	}

	return &submissions.Submission{
		UID:           submissions.UID(ev.UID),
		Submitter:     ev.Attester,
		JobID:         p.JobID,
		Namespace:     p.Namespace,
		DatasetType:   p.DatasetType,
		CID:           p.CID,
		MerkleRoot:    p.MerkleRoot,
		TargetSpecCID: p.TargetSpecCID,
		StartedAt:     int64(p.StartedAt),
		FinishedAt:    int64(p.FinishedAt),
		Tool:          p.Tool,
		Version:       p.ToolVersion,
		Vantage:       p.Vantage,
		Extra:         data,
		Timestamp:     int64(timestamp),
		Status:        submissions.StatusPending,
		Block:         ev.Block,
	}, nil
}

// isRangeUnavailable recognizes the provider errors that mean "this window
// cannot be served right now" across common node implementations.
func isRangeUnavailable(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, frag := range []string{
		"not found",
		"block range",
		"out of range",
		"exceed",
		"missing trie node",
	} {
		if strings.Contains(msg, frag) {
			return true
		}
	}
	return false
}
