package redis

import (
	"fmt"
	"strings"
)

// Keys builds the names of everything the service stores in Redis. All keys
// live under a single configurable prefix so several instances can share a
// server.
type Keys struct {
	prefix string
}

// NewKeys returns a key builder for the given prefix (default "opsiconfd").
func NewKeys(prefix string) Keys {
	return Keys{prefix: strings.TrimSuffix(prefix, ":")}
}

// Prefix returns the configured key prefix without a trailing colon.
func (k Keys) Prefix() string {
	return k.prefix
}

func (k Keys) join(parts ...string) string {
	return k.prefix + ":" + strings.Join(parts, ":")
}

// Session is the hash holding one session record.
func (k Keys) Session(clientAddr, sessionID string) string {
	return k.join("sessions", clientAddr, sessionID)
}

// SessionPattern matches all sessions of one client address.
func (k Keys) SessionPattern(clientAddr string) string {
	return k.join("sessions", clientAddr, "*")
}

// AllSessionsPattern matches every session key.
func (k Keys) AllSessionsPattern() string {
	return k.join("sessions", "*")
}

// Lock is the string key of a named lock.
func (k Keys) Lock(name string) string {
	return k.join("locks", name)
}

// RPCList is the capped list of recent RPC call records.
func (k Keys) RPCList() string {
	return k.join("stats", "rpcs")
}

// RPCCount counts dispatched RPCs since first start.
func (k Keys) RPCCount() string {
	return k.join("stats", "num_rpcs")
}

// DeprecatedCalls counts the calls of one deprecated RPC method.
func (k Keys) DeprecatedCalls(method string) string {
	return k.join("stats", "rpcs", "deprecated", method, "count")
}

// DeprecatedLastCall holds the date a deprecated method was last used.
func (k Keys) DeprecatedLastCall(method string) string {
	return k.join("stats", "rpcs", "deprecated", method, "last_call")
}

// DeprecatedClients collects the user agents calling a deprecated method.
func (k Keys) DeprecatedClients(method string) string {
	return k.join("stats", "rpcs", "deprecated", method, "clients")
}

// FailedAuth is the per-address authentication failure time-series.
func (k Keys) FailedAuth(clientAddr string) string {
	return k.join("stats", "client", "failed_auth", clientAddr)
}

// FailedAuthPattern matches every failure time-series.
func (k Keys) FailedAuthPattern() string {
	return k.join("stats", "client", "failed_auth", "*")
}

// BlockedClient is the TTL key marking a blocked client address.
func (k Keys) BlockedClient(clientAddr string) string {
	return k.join("stats", "client", "blocked", clientAddr)
}

// BlockedClientPattern matches every block key.
func (k Keys) BlockedClientPattern() string {
	return k.join("stats", "client", "blocked", "*")
}

// ProductCacheDepots is the set of depots with cached product orderings.
func (k Keys) ProductCacheDepots() string {
	return k.join("jsonrpccache", "depots")
}

// Products is the unsorted product-ordering member for a depot.
func (k Keys) Products(depot string) string {
	return k.join("jsonrpccache", depot, "products")
}

// ProductsUptodate marks the unsorted member fresh.
func (k Keys) ProductsUptodate(depot string) string {
	return k.join("jsonrpccache", depot, "products", "uptodate")
}

// ProductsAlgorithm is the sorted product ordering for a depot and algorithm.
func (k Keys) ProductsAlgorithm(depot, algorithm string) string {
	return k.join("jsonrpccache", depot, "products", algorithm)
}

// ProductsAlgorithmUptodate marks the sorted member fresh.
func (k Keys) ProductsAlgorithmUptodate(depot, algorithm string) string {
	return k.join("jsonrpccache", depot, "products", algorithm, "uptodate")
}

// ProductCachePattern matches the entire cache family of one depot.
func (k Keys) ProductCachePattern(depot string) string {
	return k.join("jsonrpccache", depot, "*")
}

// UptodatePattern matches every uptodate marker of one depot.
func (k Keys) UptodatePattern(depot string) string {
	return k.join("jsonrpccache", depot, "*uptodate")
}

// Channel is the stream carrying one message bus channel.
func (k Keys) Channel(channel string) string {
	return k.join("messagebus", "channels", channel)
}

// ChannelInfo is the companion hash of a channel stream.
func (k Keys) ChannelInfo(channel string) string {
	return k.join("messagebus", "channels", channel, "info")
}

// Connections counts open websockets per principal.
func (k Keys) Connections(principal string) string {
	return k.join("messagebus", "connections", principal)
}

// LogStream is the central log stream of one node.
func (k Keys) LogStream(node string) string {
	return k.join("log", node)
}

// WorkerRegistry is the heartbeat key of one worker process.
func (k Keys) WorkerRegistry(node string, workerNum int) string {
	return k.join("worker_registry", node, fmt.Sprintf("%d", workerNum))
}

// WorkerRegistryPattern matches all worker heartbeats of one node.
func (k Keys) WorkerRegistryPattern(node string) string {
	return k.join("worker_registry", node, "*")
}

// Metric is the base time-series key of one worker metric. Extra parts
// (node name, worker number, client address) extend the key.
func (k Keys) Metric(id string, parts ...string) string {
	elems := append([]string{"stats", id}, parts...)
	return k.join(elems...)
}
