// hub.go binds the request hub: the contract where consumers deposit USDC,
// create API call requests and receive responses. The agent reads pending
// work and pricing from it and writes fulfillments and cancellations.
package contracts

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Hub event names, as emitted on chain.
const (
	EventRequestCreated           = "RequestCreated"
	EventRequestFulfilled         = "RequestFulfilled"
	EventRequestCancelled         = "RequestCancelled"
	EventCallbackExecuted         = "CallbackExecuted"
	EventPriceOracleUpdated       = "PriceOracleUpdated"
	EventEndpointUpdated          = "EndpointUpdated"
	EventEndpointGasConfigUpdated = "EndpointGasConfigUpdated"
)

// hubABIJSON is the fragment of the hub contract the agent touches. The
// getters return flattened tuples so each field keeps its declared type.
const hubABIJSON = `[
  {"type": "function", "name": "getEndpointCount", "stateMutability": "view", "inputs": [], "outputs": [{"name": "", "type": "uint256"}]},
  {"type": "function", "name": "endpointIds", "stateMutability": "view", "inputs": [{"name": "index", "type": "uint256"}], "outputs": [{"name": "", "type": "bytes32"}]},
  {"type": "function", "name": "getEndpoint", "stateMutability": "view", "inputs": [{"name": "endpointId", "type": "bytes32"}], "outputs": [
    {"name": "url", "type": "string"},
    {"name": "inputFormat", "type": "string"},
    {"name": "outputFormat", "type": "string"},
    {"name": "baseCost", "type": "uint256"},
    {"name": "maxResponseBytes", "type": "uint32"},
    {"name": "callbackGasLimit", "type": "uint64"},
    {"name": "estimatedGasCost", "type": "uint256"},
    {"name": "owner", "type": "address"},
    {"name": "active", "type": "bool"},
    {"name": "registeredAt", "type": "uint64"}
  ]},
  {"type": "function", "name": "getEthPrice", "stateMutability": "view", "inputs": [], "outputs": [{"name": "", "type": "uint256"}]},
  {"type": "function", "name": "estimateGasReimbursement", "stateMutability": "view", "inputs": [{"name": "weiCost", "type": "uint256"}], "outputs": [{"name": "", "type": "uint256"}]},
  {"type": "function", "name": "getEndpointPrice", "stateMutability": "view", "inputs": [{"name": "endpointId", "type": "bytes32"}], "outputs": [{"name": "", "type": "uint256"}]},
  {"type": "function", "name": "getBalance", "stateMutability": "view", "inputs": [{"name": "account", "type": "address"}], "outputs": [{"name": "", "type": "uint256"}]},
  {"type": "function", "name": "protocolFeesAccumulator", "stateMutability": "view", "inputs": [], "outputs": [{"name": "", "type": "uint256"}]},
  {"type": "function", "name": "getRequest", "stateMutability": "view", "inputs": [{"name": "requestId", "type": "bytes32"}], "outputs": [
    {"name": "endpointId", "type": "bytes32"},
    {"name": "requester", "type": "address"},
    {"name": "agent", "type": "address"},
    {"name": "totalCost", "type": "uint256"},
    {"name": "baseCost", "type": "uint256"},
    {"name": "markup", "type": "uint256"},
    {"name": "gasReimbursement", "type": "uint256"},
    {"name": "createdAt", "type": "uint64"},
    {"name": "status", "type": "uint8"},
    {"name": "params", "type": "bytes"},
    {"name": "response", "type": "bytes"},
    {"name": "hasCallback", "type": "bool"}
  ]},
  {"type": "function", "name": "getCallback", "stateMutability": "view", "inputs": [{"name": "requestId", "type": "bytes32"}], "outputs": [
    {"name": "target", "type": "address"},
    {"name": "selector", "type": "bytes4"},
    {"name": "gasLimit", "type": "uint64"}
  ]},
  {"type": "function", "name": "getAgentStats", "stateMutability": "view", "inputs": [{"name": "agent", "type": "address"}], "outputs": [
    {"name": "fulfilled", "type": "uint256"},
    {"name": "cancelled", "type": "uint256"},
    {"name": "earned", "type": "uint256"},
    {"name": "lastActive", "type": "uint64"}
  ]},
  {"type": "function", "name": "getHubStats", "stateMutability": "view", "inputs": [], "outputs": [
    {"name": "totalRequests", "type": "uint256"},
    {"name": "servedRequests", "type": "uint256"},
    {"name": "totalVolume", "type": "uint256"},
    {"name": "protocolFees", "type": "uint256"},
    {"name": "activeEndpoints", "type": "uint256"}
  ]},
  {"type": "function", "name": "depositUSDC", "stateMutability": "nonpayable", "inputs": [{"name": "amount", "type": "uint256"}], "outputs": []},
  {"type": "function", "name": "createRequest", "stateMutability": "nonpayable", "inputs": [{"name": "endpointId", "type": "bytes32"}, {"name": "params", "type": "bytes"}], "outputs": []},
  {"type": "function", "name": "createRequestWithCallback", "stateMutability": "nonpayable", "inputs": [{"name": "endpointId", "type": "bytes32"}, {"name": "params", "type": "bytes"}], "outputs": []},
  {"type": "function", "name": "fulfillRequest", "stateMutability": "nonpayable", "inputs": [{"name": "requestId", "type": "bytes32"}, {"name": "response", "type": "bytes"}, {"name": "sessionId", "type": "string"}], "outputs": []},
  {"type": "function", "name": "cancelRequest", "stateMutability": "nonpayable", "inputs": [{"name": "requestId", "type": "bytes32"}], "outputs": []},
  {"type": "function", "name": "flushProtocolFeesToBuyback", "stateMutability": "nonpayable", "inputs": [], "outputs": []},
  {"type": "event", "name": "RequestCreated", "anonymous": false, "inputs": [
    {"name": "requestId", "type": "bytes32", "indexed": true},
    {"name": "endpointId", "type": "bytes32", "indexed": true},
    {"name": "requester", "type": "address", "indexed": true},
    {"name": "totalCost", "type": "uint256", "indexed": false},
    {"name": "hasCallback", "type": "bool", "indexed": false}
  ]},
  {"type": "event", "name": "RequestFulfilled", "anonymous": false, "inputs": [
    {"name": "requestId", "type": "bytes32", "indexed": true},
    {"name": "agent", "type": "address", "indexed": true},
    {"name": "payout", "type": "uint256", "indexed": false}
  ]},
  {"type": "event", "name": "RequestCancelled", "anonymous": false, "inputs": [
    {"name": "requestId", "type": "bytes32", "indexed": true},
    {"name": "canceller", "type": "address", "indexed": true},
    {"name": "refund", "type": "uint256", "indexed": false}
  ]},
  {"type": "event", "name": "CallbackExecuted", "anonymous": false, "inputs": [
    {"name": "requestId", "type": "bytes32", "indexed": true},
    {"name": "success", "type": "bool", "indexed": false},
    {"name": "gasUsed", "type": "uint256", "indexed": false}
  ]},
  {"type": "event", "name": "PriceOracleUpdated", "anonymous": false, "inputs": [
    {"name": "oracle", "type": "address", "indexed": true},
    {"name": "price", "type": "uint256", "indexed": false}
  ]},
  {"type": "event", "name": "EndpointUpdated", "anonymous": false, "inputs": [
    {"name": "endpointId", "type": "bytes32", "indexed": true},
    {"name": "active", "type": "bool", "indexed": false}
  ]},
  {"type": "event", "name": "EndpointGasConfigUpdated", "anonymous": false, "inputs": [
    {"name": "endpointId", "type": "bytes32", "indexed": true},
    {"name": "estimatedGasCost", "type": "uint256", "indexed": false},
    {"name": "callbackGasLimit", "type": "uint64", "indexed": false}
  ]}
]`

var hubABI = mustABI(hubABIJSON)

// Request mirrors the hub's request record. Cost fields are 6-decimal USDC
// units; Params and Response are opaque endpoint payloads.
type Request struct {
	ID               common.Hash
	EndpointID       common.Hash
	Requester        common.Address
	Agent            common.Address
	TotalCost        *big.Int
	BaseCost         *big.Int
	Markup           *big.Int
	GasReimbursement *big.Int
	CreatedAt        uint64
	Status           RequestStatus
	Params           []byte
	Response         []byte
	HasCallback      bool
}

// Age returns how long ago the request was created, relative to now.
func (r *Request) Age(now time.Time) time.Duration {
	return now.Sub(time.Unix(int64(r.CreatedAt), 0))
}

// Endpoint mirrors a registered API endpoint. BaseCost is 6-decimal USDC,
// EstimatedGasCost is wei.
type Endpoint struct {
	ID               common.Hash
	URL              string
	InputFormat      string
	OutputFormat     string
	BaseCost         *big.Int
	MaxResponseBytes uint32
	CallbackGasLimit uint64
	EstimatedGasCost *big.Int
	Owner            common.Address
	Active           bool
	RegisteredAt     uint64
}

// CallbackInfo is the consumer callback registered for a request.
type CallbackInfo struct {
	Target   common.Address
	Selector [4]byte
	GasLimit uint64
}

// AgentStats is the hub's per-agent fulfillment record.
type AgentStats struct {
	Fulfilled  *big.Int
	Cancelled  *big.Int
	Earned     *big.Int
	LastActive uint64
}

// HubStats is the hub's global counter block.
type HubStats struct {
	TotalRequests   *big.Int
	ServedRequests  *big.Int
	TotalVolume     *big.Int
	ProtocolFees    *big.Int
	ActiveEndpoints *big.Int
}

// Hub reads and encodes calls against the request hub contract.
type Hub struct {
	addr   common.Address
	caller Caller
}

// NewHub binds the hub at addr through the given caller.
func NewHub(addr common.Address, caller Caller) *Hub {
	return &Hub{addr: addr, caller: caller}
}

// Address returns the bound contract address.
func (h *Hub) Address() common.Address { return h.addr }

// EventID returns the topic hash for a hub event name. Unknown names
// return the zero hash.
func (h *Hub) EventID(name string) common.Hash {
	return hubABI.Events[name].ID
}

// EndpointCount returns the number of registered endpoints.
func (h *Hub) EndpointCount(ctx context.Context) (uint64, error) {
	vals, err := call(ctx, h.caller, &hubABI, h.addr, "getEndpointCount")
	if err != nil {
		return 0, err
	}
	return vals[0].(*big.Int).Uint64(), nil
}

// EndpointIDAt returns the endpoint id at index i.
func (h *Hub) EndpointIDAt(ctx context.Context, i uint64) (common.Hash, error) {
	vals, err := call(ctx, h.caller, &hubABI, h.addr, "endpointIds", new(big.Int).SetUint64(i))
	if err != nil {
		return common.Hash{}, err
	}
	return common.Hash(vals[0].([32]byte)), nil
}

// GetEndpoint reads the endpoint record for id.
func (h *Hub) GetEndpoint(ctx context.Context, id common.Hash) (Endpoint, error) {
	vals, err := call(ctx, h.caller, &hubABI, h.addr, "getEndpoint", id)
	if err != nil {
		return Endpoint{}, err
	}
	return Endpoint{
		ID:               id,
		URL:              vals[0].(string),
		InputFormat:      vals[1].(string),
		OutputFormat:     vals[2].(string),
		BaseCost:         vals[3].(*big.Int),
		MaxResponseBytes: vals[4].(uint32),
		CallbackGasLimit: vals[5].(uint64),
		EstimatedGasCost: vals[6].(*big.Int),
		Owner:            vals[7].(common.Address),
		Active:           vals[8].(bool),
		RegisteredAt:     vals[9].(uint64),
	}, nil
}

// GetEthPrice returns the oracle ETH price in 6-decimal USDC units per
// 1e18 wei.
func (h *Hub) GetEthPrice(ctx context.Context) (*big.Int, error) {
	vals, err := call(ctx, h.caller, &hubABI, h.addr, "getEthPrice")
	if err != nil {
		return nil, err
	}
	return vals[0].(*big.Int), nil
}

// EstimateGasReimbursement converts a wei cost into the USDC reimbursement
// the hub would pay for it.
func (h *Hub) EstimateGasReimbursement(ctx context.Context, weiCost *big.Int) (*big.Int, error) {
	vals, err := call(ctx, h.caller, &hubABI, h.addr, "estimateGasReimbursement", weiCost)
	if err != nil {
		return nil, err
	}
	return vals[0].(*big.Int), nil
}

// GetEndpointPrice returns the current total USDC price of one request
// against the endpoint.
func (h *Hub) GetEndpointPrice(ctx context.Context, id common.Hash) (*big.Int, error) {
	vals, err := call(ctx, h.caller, &hubABI, h.addr, "getEndpointPrice", id)
	if err != nil {
		return nil, err
	}
	return vals[0].(*big.Int), nil
}

// GetBalance returns the account's deposited USDC balance on the hub.
func (h *Hub) GetBalance(ctx context.Context, account common.Address) (*big.Int, error) {
	vals, err := call(ctx, h.caller, &hubABI, h.addr, "getBalance", account)
	if err != nil {
		return nil, err
	}
	return vals[0].(*big.Int), nil
}

// ProtocolFees returns the accumulated protocol fee counter. The counter
// only grows, which makes it a cheap change detector for the state cache.
func (h *Hub) ProtocolFees(ctx context.Context) (*big.Int, error) {
	vals, err := call(ctx, h.caller, &hubABI, h.addr, "protocolFeesAccumulator")
	if err != nil {
		return nil, err
	}
	return vals[0].(*big.Int), nil
}

// GetRequest reads the full request record for id.
func (h *Hub) GetRequest(ctx context.Context, id common.Hash) (Request, error) {
	vals, err := call(ctx, h.caller, &hubABI, h.addr, "getRequest", id)
	if err != nil {
		return Request{}, err
	}
	return Request{
		ID:               id,
		EndpointID:       common.Hash(vals[0].([32]byte)),
		Requester:        vals[1].(common.Address),
		Agent:            vals[2].(common.Address),
		TotalCost:        vals[3].(*big.Int),
		BaseCost:         vals[4].(*big.Int),
		Markup:           vals[5].(*big.Int),
		GasReimbursement: vals[6].(*big.Int),
		CreatedAt:        vals[7].(uint64),
		Status:           RequestStatus(vals[8].(uint8)),
		Params:           vals[9].([]byte),
		Response:         vals[10].([]byte),
		HasCallback:      vals[11].(bool),
	}, nil
}

// GetCallback reads the consumer callback registered for a request.
func (h *Hub) GetCallback(ctx context.Context, id common.Hash) (CallbackInfo, error) {
	vals, err := call(ctx, h.caller, &hubABI, h.addr, "getCallback", id)
	if err != nil {
		return CallbackInfo{}, err
	}
	return CallbackInfo{
		Target:   vals[0].(common.Address),
		Selector: vals[1].([4]byte),
		GasLimit: vals[2].(uint64),
	}, nil
}

// GetAgentStats reads the hub's per-agent counters.
func (h *Hub) GetAgentStats(ctx context.Context, agent common.Address) (AgentStats, error) {
	vals, err := call(ctx, h.caller, &hubABI, h.addr, "getAgentStats", agent)
	if err != nil {
		return AgentStats{}, err
	}
	return AgentStats{
		Fulfilled:  vals[0].(*big.Int),
		Cancelled:  vals[1].(*big.Int),
		Earned:     vals[2].(*big.Int),
		LastActive: vals[3].(uint64),
	}, nil
}

// GetHubStats reads the hub's global counters.
func (h *Hub) GetHubStats(ctx context.Context) (HubStats, error) {
	vals, err := call(ctx, h.caller, &hubABI, h.addr, "getHubStats")
	if err != nil {
		return HubStats{}, err
	}
	return HubStats{
		TotalRequests:   vals[0].(*big.Int),
		ServedRequests:  vals[1].(*big.Int),
		TotalVolume:     vals[2].(*big.Int),
		ProtocolFees:    vals[3].(*big.Int),
		ActiveEndpoints: vals[4].(*big.Int),
	}, nil
}

// ---------------------------------------------------------------------------
// Calldata builders. The sender estimates gas and submits; these only pack.
// ---------------------------------------------------------------------------

// PackDepositUSDC encodes depositUSDC(amount).
func (h *Hub) PackDepositUSDC(amount *big.Int) ([]byte, error) {
	return hubABI.Pack("depositUSDC", amount)
}

// PackCreateRequest encodes createRequest(endpointId, params).
func (h *Hub) PackCreateRequest(endpointID common.Hash, params []byte) ([]byte, error) {
	return hubABI.Pack("createRequest", endpointID, params)
}

// PackCreateRequestWithCallback encodes createRequestWithCallback. The hub
// wires the caller's registered callback; the calldata shape matches
// createRequest.
func (h *Hub) PackCreateRequestWithCallback(endpointID common.Hash, params []byte) ([]byte, error) {
	return hubABI.Pack("createRequestWithCallback", endpointID, params)
}

// PackFulfillRequest encodes fulfillRequest(requestId, response, sessionId).
func (h *Hub) PackFulfillRequest(id common.Hash, response []byte, sessionID string) ([]byte, error) {
	return hubABI.Pack("fulfillRequest", id, response, sessionID)
}

// PackCancelRequest encodes cancelRequest(requestId).
func (h *Hub) PackCancelRequest(id common.Hash) ([]byte, error) {
	return hubABI.Pack("cancelRequest", id)
}

// PackFlushProtocolFees encodes flushProtocolFeesToBuyback().
func (h *Hub) PackFlushProtocolFees() ([]byte, error) {
	return hubABI.Pack("flushProtocolFeesToBuyback")
}

// ---------------------------------------------------------------------------
// Event decoding.
// ---------------------------------------------------------------------------

// RequestCreatedEvent is the decoded RequestCreated log.
type RequestCreatedEvent struct {
	RequestId   common.Hash
	EndpointId  common.Hash
	Requester   common.Address
	TotalCost   *big.Int
	HasCallback bool
	Raw         types.Log
}

// RequestFulfilledEvent is the decoded RequestFulfilled log.
type RequestFulfilledEvent struct {
	RequestId common.Hash
	Agent     common.Address
	Payout    *big.Int
	Raw       types.Log
}

// RequestCancelledEvent is the decoded RequestCancelled log.
type RequestCancelledEvent struct {
	RequestId common.Hash
	Canceller common.Address
	Refund    *big.Int
	Raw       types.Log
}

// CallbackExecutedEvent is the decoded CallbackExecuted log.
type CallbackExecutedEvent struct {
	RequestId common.Hash
	Success   bool
	GasUsed   *big.Int
	Raw       types.Log
}

// PriceOracleUpdatedEvent is the decoded PriceOracleUpdated log.
type PriceOracleUpdatedEvent struct {
	Oracle common.Address
	Price  *big.Int
	Raw    types.Log
}

// EndpointUpdatedEvent is the decoded EndpointUpdated log.
type EndpointUpdatedEvent struct {
	EndpointId common.Hash
	Active     bool
	Raw        types.Log
}

// EndpointGasConfigUpdatedEvent is the decoded EndpointGasConfigUpdated log.
type EndpointGasConfigUpdatedEvent struct {
	EndpointId       common.Hash
	EstimatedGasCost *big.Int
	CallbackGasLimit uint64
	Raw              types.Log
}

// DecodeRequestCreated decodes a RequestCreated log.
func (h *Hub) DecodeRequestCreated(lg types.Log) (*RequestCreatedEvent, error) {
	vals, err := eventVals(&hubABI, EventRequestCreated, lg, 4)
	if err != nil {
		return nil, err
	}
	return &RequestCreatedEvent{
		RequestId:   lg.Topics[1],
		EndpointId:  lg.Topics[2],
		Requester:   topicAddress(lg.Topics[3]),
		TotalCost:   vals[0].(*big.Int),
		HasCallback: vals[1].(bool),
		Raw:         lg,
	}, nil
}

// DecodeRequestFulfilled decodes a RequestFulfilled log.
func (h *Hub) DecodeRequestFulfilled(lg types.Log) (*RequestFulfilledEvent, error) {
	vals, err := eventVals(&hubABI, EventRequestFulfilled, lg, 3)
	if err != nil {
		return nil, err
	}
	return &RequestFulfilledEvent{
		RequestId: lg.Topics[1],
		Agent:     topicAddress(lg.Topics[2]),
		Payout:    vals[0].(*big.Int),
		Raw:       lg,
	}, nil
}

// DecodeRequestCancelled decodes a RequestCancelled log.
func (h *Hub) DecodeRequestCancelled(lg types.Log) (*RequestCancelledEvent, error) {
	vals, err := eventVals(&hubABI, EventRequestCancelled, lg, 3)
	if err != nil {
		return nil, err
	}
	return &RequestCancelledEvent{
		RequestId: lg.Topics[1],
		Canceller: topicAddress(lg.Topics[2]),
		Refund:    vals[0].(*big.Int),
		Raw:       lg,
	}, nil
}

// DecodeCallbackExecuted decodes a CallbackExecuted log.
func (h *Hub) DecodeCallbackExecuted(lg types.Log) (*CallbackExecutedEvent, error) {
	vals, err := eventVals(&hubABI, EventCallbackExecuted, lg, 2)
	if err != nil {
		return nil, err
	}
	return &CallbackExecutedEvent{
		RequestId: lg.Topics[1],
		Success:   vals[0].(bool),
		GasUsed:   vals[1].(*big.Int),
		Raw:       lg,
	}, nil
}

// DecodePriceOracleUpdated decodes a PriceOracleUpdated log.
func (h *Hub) DecodePriceOracleUpdated(lg types.Log) (*PriceOracleUpdatedEvent, error) {
	vals, err := eventVals(&hubABI, EventPriceOracleUpdated, lg, 2)
	if err != nil {
		return nil, err
	}
	return &PriceOracleUpdatedEvent{
		Oracle: topicAddress(lg.Topics[1]),
		Price:  vals[0].(*big.Int),
		Raw:    lg,
	}, nil
}

// DecodeEndpointUpdated decodes an EndpointUpdated log.
func (h *Hub) DecodeEndpointUpdated(lg types.Log) (*EndpointUpdatedEvent, error) {
	vals, err := eventVals(&hubABI, EventEndpointUpdated, lg, 2)
	if err != nil {
		return nil, err
	}
	return &EndpointUpdatedEvent{
		EndpointId: lg.Topics[1],
		Active:     vals[0].(bool),
		Raw:        lg,
	}, nil
}

// DecodeEndpointGasConfigUpdated decodes an EndpointGasConfigUpdated log.
func (h *Hub) DecodeEndpointGasConfigUpdated(lg types.Log) (*EndpointGasConfigUpdatedEvent, error) {
	vals, err := eventVals(&hubABI, EventEndpointGasConfigUpdated, lg, 2)
	if err != nil {
		return nil, err
	}
	return &EndpointGasConfigUpdatedEvent{
		EndpointId:       lg.Topics[1],
		EstimatedGasCost: vals[0].(*big.Int),
		CallbackGasLimit: vals[1].(uint64),
		Raw:              lg,
	}, nil
}
