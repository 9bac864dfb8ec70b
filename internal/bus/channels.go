package bus

// Redis channel naming. These are part of the wire contract.
const (
	broadcastPrefix = "fulcrum:bus:broadcast:"
	directPrefix    = "fulcrum:bus:direct:"
	replyPrefix     = "fulcrum:bus:reply:"
)

// BroadcastChannel is the fan-out channel for one message type.
func BroadcastChannel(msgType string) string {
	return broadcastPrefix + msgType
}

// DirectChannel is the per-identity channel for targeted messages.
func DirectChannel(targetID string) string {
	return directPrefix + targetID
}

// ReplyChannel is the per-identity channel responses arrive on, keyed by the
// original sender.
func ReplyChannel(senderID string) string {
	return replyPrefix + senderID
}
