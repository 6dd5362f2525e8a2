package cyxchat

// Type byte registry (spec.md §6). Each range is only meaningful at its own
// protocol layer: relay bytes (0xE0..0xE5) are the first byte of a raw
// transport frame, mail bytes (0xE0..) only after onion decryption.
const (
	// Direct messaging (chat), spec.md §4.3.
	TypeText    byte = 0x10
	TypeAck     byte = 0x11
	TypeTyping  byte = 0x13
	TypeReact   byte = 0x17
	TypeDelete  byte = 0x18
	TypeEdit    byte = 0x19

	// File transfer (v1 push 0x14-0x16, v2 offer/accept 0x40-0x45), spec.md §4.4.
	TypeFileMeta     byte = 0x14
	TypeFileChunk    byte = 0x15
	TypeFileAck      byte = 0x16
	TypeFileOffer    byte = 0x40
	TypeFileAccept   byte = 0x41
	TypeFileReject   byte = 0x42
	TypeFileComplete byte = 0x43
	TypeFileCancel   byte = 0x44
	TypeFileDhtReady byte = 0x45

	// Group messaging, spec.md §4.6 (0x20-0x2F).
	TypeGroupText   byte = 0x20
	TypeGroupInvite byte = 0x21
	TypeGroupKey    byte = 0x22
	TypeGroupLeave  byte = 0x23
	TypeGroupKick   byte = 0x24

	// Presence, spec.md §4.8 (0x30-0x3F).
	TypePresenceStatus byte = 0x30

	// DNS gossip, spec.md §4.5.
	TypeDnsRegister    byte = 0xD0
	TypeDnsRegisterAck byte = 0xD1
	TypeDnsLookup      byte = 0xD2
	TypeDnsResponse    byte = 0xD3
	TypeDnsUpdate      byte = 0xD4
	TypeDnsUpdateAck   byte = 0xD5
	TypeDnsAnnounce    byte = 0xD6

	// Mail, spec.md §4.7 (0xE0-0xEA at the onion-decrypted layer).
	TypeMailSend    byte = 0xE6
	TypeMailAck     byte = 0xE7
	TypeMailRead    byte = 0xE8
	TypeMailBounce  byte = 0xE9
	TypeMailUnused  byte = 0xEA

	// Connection-layer discovery, spec.md §4.1 (0x01-0x05).
	TypeAnnounce    byte = 0x01
	TypeAnnounceAck byte = 0x02
	TypePing        byte = 0x03
	TypePong        byte = 0x04
	TypeGoodbye     byte = 0x05

	// Relay protocol, spec.md §4.2 (0xE0-0xE5 at the raw transport layer).
	RelayConnect    byte = 0xE0
	RelayConnectAck byte = 0xE1
	RelayDisconnect byte = 0xE2
	RelayData       byte = 0xE3
	RelayKeepalive  byte = 0xE4
	RelayError      byte = 0xE5

	// Onion circuit wrapper, spec.md §6 "Onion". Carries one layer of a
	// mix-relayed packet at the raw transport layer; the decrypted
	// innermost layer is itself a frame starting with one of the type
	// bytes above.
	TypeOnionRelay byte = 0xF0
)

// Zeroize overwrites b with zero bytes. Used on every byte range holding a
// long-term secret, group key, file key, or decrypted content before it is
// dropped (spec.md §5 "Secure zeroization").
func Zeroize(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
