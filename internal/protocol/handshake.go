package protocol

import "fmt"

// ProtocolVersion10 is the only handshake protocol version this engine
// understands; anything else is rejected immediately.
const ProtocolVersion10 = 10

// HandshakeV10 is the server's initial greeting.
type HandshakeV10 struct {
	ServerVersion      string
	ConnectionID       uint32
	AuthPluginData     []byte // scramble, reassembled from part 1 + part 2
	ServerCapabilities Capability
	CharacterSet       byte
	StatusFlags        uint16
	AuthPluginName     string
}

// ParseHandshakeV10 decodes the initial greeting packet payload.
func ParseHandshakeV10(payload []byte) (*HandshakeV10, error) {
	if len(payload) < 1 {
		return nil, NewParseError("handshake-v10", "empty payload")
	}
	if payload[0] != ProtocolVersion10 {
		return nil, NewParseError("handshake-v10", fmt.Sprintf("unsupported protocol version %d", payload[0]))
	}
	buf := payload[1:]

	version, n, err := NullTerminatedString(buf)
	if err != nil {
		return nil, NewParseError("handshake-v10", "server version: "+err.Error())
	}
	buf = buf[n:]

	if len(buf) < 4+8+1+2+1+2+2+1+10 {
		return nil, NewParseError("handshake-v10", "truncated fixed header")
	}
	connID := uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16 | uint32(buf[3])<<24
	buf = buf[4:]

	scramble1 := append([]byte(nil), buf[:8]...)
	buf = buf[8:]

	buf = buf[1:] // filler

	capLow := uint32(buf[0]) | uint32(buf[1])<<8
	buf = buf[2:]

	charset := buf[0]
	buf = buf[1:]

	status := uint16(buf[0]) | uint16(buf[1])<<8
	buf = buf[2:]

	capHigh := uint32(buf[0]) | uint32(buf[1])<<8
	buf = buf[2:]

	authDataLen := int(buf[0])
	buf = buf[1:]

	buf = buf[10:] // reserved

	caps := Capability(capLow | capHigh<<16)

	scramble2Len := authDataLen - 8
	if scramble2Len < 13 {
		scramble2Len = 13
	}
	if len(buf) < scramble2Len {
		return nil, NewParseError("handshake-v10", "truncated auth-plugin-data-part-2")
	}
	scramble2 := buf[:scramble2Len]
	// Trailing NUL terminator, when present, is not part of the scramble.
	if n := len(scramble2); n > 0 && scramble2[n-1] == 0 {
		scramble2 = scramble2[:n-1]
	}
	buf = buf[scramble2Len:]

	scramble := append(scramble1, scramble2...)

	var pluginName string
	if caps.Has(ClientPluginAuth) && len(buf) > 0 {
		name, _, err := NullTerminatedString(buf)
		if err != nil {
			// Some servers omit the trailing NUL on the last field.
			pluginName = string(buf)
		} else {
			pluginName = string(name)
		}
	}

	return &HandshakeV10{
		ServerVersion:      string(version),
		ConnectionID:       connID,
		AuthPluginData:     scramble,
		ServerCapabilities: caps,
		CharacterSet:       charset,
		StatusFlags:        status,
		AuthPluginName:     pluginName,
	}, nil
}

// ConnectAttrs is an ordered set of client connection attributes sent in
// HandshakeResponse41 (e.g. _client_name, _client_version, _os).
type ConnectAttrs map[string]string

// HandshakeResponse41 is the client's reply to HandshakeV10, built after
// capability negotiation and scramble computation.
type HandshakeResponse41 struct {
	Capabilities   Capability
	MaxPacketSize  uint32
	CharacterSet   byte
	Username       string
	AuthResponse   []byte
	Database       string
	AuthPluginName string
	ConnectAttrs   ConnectAttrs
}

// BuildHandshakeResponse41 serializes r into the packet payload the client
// sends after successfully computing an auth response for the server's
// chosen plugin.
func BuildHandshakeResponse41(r HandshakeResponse41) []byte {
	buf := make([]byte, 0, 64+len(r.Username)+len(r.AuthResponse)+len(r.Database))

	caps := r.Capabilities
	buf = append(buf, byte(caps), byte(caps>>8), byte(caps>>16), byte(caps>>24))
	buf = append(buf, byte(r.MaxPacketSize), byte(r.MaxPacketSize>>8), byte(r.MaxPacketSize>>16), byte(r.MaxPacketSize>>24))
	buf = append(buf, r.CharacterSet)
	buf = append(buf, make([]byte, 23)...) // reserved

	buf = append(buf, []byte(r.Username)...)
	buf = append(buf, 0)

	if caps.Has(ClientPluginAuthLenencClientData) {
		buf = PutLenEncString(buf, r.AuthResponse)
	} else if caps.Has(ClientSecureConnection) {
		buf = append(buf, byte(len(r.AuthResponse)))
		buf = append(buf, r.AuthResponse...)
	} else {
		buf = append(buf, r.AuthResponse...)
		buf = append(buf, 0)
	}

	if caps.Has(ClientConnectWithDB) {
		buf = append(buf, []byte(r.Database)...)
		buf = append(buf, 0)
	}

	if caps.Has(ClientPluginAuth) {
		buf = append(buf, []byte(r.AuthPluginName)...)
		buf = append(buf, 0)
	}

	if caps.Has(ClientConnectAttrs) {
		var attrs []byte
		for k, v := range r.ConnectAttrs {
			attrs = PutLenEncString(attrs, []byte(k))
			attrs = PutLenEncString(attrs, []byte(v))
		}
		buf = PutLenEncInt(buf, uint64(len(attrs)))
		buf = append(buf, attrs...)
	}

	return buf
}

// BuildSSLRequest serializes the short packet sent before upgrading the
// transport to TLS, so the server applies the new capabilities before the
// handshake continues inside the encrypted channel.
func BuildSSLRequest(caps Capability, maxPacketSize uint32, charset byte) []byte {
	buf := make([]byte, 0, 32)
	buf = append(buf, byte(caps), byte(caps>>8), byte(caps>>16), byte(caps>>24))
	buf = append(buf, byte(maxPacketSize), byte(maxPacketSize>>8), byte(maxPacketSize>>16), byte(maxPacketSize>>24))
	buf = append(buf, charset)
	buf = append(buf, make([]byte, 23)...)
	return buf
}

// AuthSwitchRequest asks the client to restart authentication using a
// different plugin and scramble.
type AuthSwitchRequest struct {
	PluginName string
	PluginData []byte
}

const authSwitchRequestHeader = 0xfe

// ParseAuthSwitchRequest decodes an AuthSwitchRequest packet. Callers must
// check the header byte (0xfe) themselves before dispatching here, since
// that byte is also the EOF_Packet header in older protocol contexts.
func ParseAuthSwitchRequest(payload []byte) (*AuthSwitchRequest, error) {
	if len(payload) < 1 || payload[0] != authSwitchRequestHeader {
		return nil, NewParseError("auth-switch-request", "missing 0xfe header")
	}
	buf := payload[1:]
	name, n, err := NullTerminatedString(buf)
	if err != nil {
		return nil, NewParseError("auth-switch-request", "plugin name: "+err.Error())
	}
	buf = buf[n:]
	// Trailing NUL on the scramble is optional depending on server version.
	data := buf
	if len(data) > 0 && data[len(data)-1] == 0 {
		data = data[:len(data)-1]
	}
	return &AuthSwitchRequest{PluginName: string(name), PluginData: data}, nil
}

// AuthMoreDataTag is the single-byte plugin subcommand carried in an
// AuthMoreData packet for caching_sha2_password.
type AuthMoreDataTag byte

const (
	AuthMoreDataFastAuthSuccess AuthMoreDataTag = 0x03
	AuthMoreDataFullAuthRequest AuthMoreDataTag = 0x04
	AuthMoreDataPublicKeyReq    AuthMoreDataTag = 0x02
	AuthMoreDataPublicKeyData   AuthMoreDataTag = 0x01
)

const authMoreDataHeader = 0x01

// ParseAuthMoreData strips the 0x01 header and returns the plugin payload.
func ParseAuthMoreData(payload []byte) ([]byte, error) {
	if len(payload) < 1 || payload[0] != authMoreDataHeader {
		return nil, NewParseError("auth-more-data", "missing 0x01 header")
	}
	return payload[1:], nil
}
