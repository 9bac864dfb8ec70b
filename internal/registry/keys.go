package registry

import "github.com/fulcrum-net/fulcrum/internal/core"

// Redis key layout. All keys are ASCII, colon-separated, and part of the
// external contract.
const (
	serverPrefix           = "registry:servers:"
	serverIndexPrefix      = "registry:servers:index:"
	proxyActivePrefix      = "registry:proxies:active:"
	proxyUnavailablePrefix = "registry:proxies:unavailable:"
	proxyUnavailableIndex  = "registry:proxies:unavailable:index"
	heartbeatServersKey    = "registry:heartbeat:servers"
	heartbeatProxiesKey    = "registry:heartbeat:proxies"
	deadServersKey         = "registry:dead:servers"
	deadProxiesKey         = "registry:dead:proxies"
	deadSnapshotServer     = "registry:dead:snapshot:server:"
	deadSnapshotProxy      = "registry:dead:snapshot:proxy:"
	seqServersKey          = "registry:seq:servers"
	seqProxiesKey          = "registry:seq:proxies"
)

func serverKey(id string) string { return serverPrefix + id }

// serverIndexKey is a secondary index set keyed by role or family name.
func serverIndexKey(val string) string { return serverIndexPrefix + val }

func proxyActiveKey(id string) string      { return proxyActivePrefix + id }
func proxyUnavailableKey(id string) string { return proxyUnavailablePrefix + id }

func heartbeatKey(kind core.Kind) string {
	if kind == core.KindProxy {
		return heartbeatProxiesKey
	}
	return heartbeatServersKey
}

func deadKey(kind core.Kind) string {
	if kind == core.KindProxy {
		return deadProxiesKey
	}
	return deadServersKey
}

func snapshotKey(kind core.Kind, id string) string {
	if kind == core.KindProxy {
		return deadSnapshotProxy + id
	}
	return deadSnapshotServer + id
}

func seqKey(kind core.Kind) string {
	if kind == core.KindProxy {
		return seqProxiesKey
	}
	return seqServersKey
}

func recordKey(kind core.Kind, id string) string {
	if kind == core.KindProxy {
		return proxyActiveKey(id)
	}
	return serverKey(id)
}

// idPrefix gives assigned ids their human-readable shape: game-1, proxy-3.
func idPrefix(kind core.Kind) string {
	if kind == core.KindProxy {
		return "proxy"
	}
	return "game"
}
