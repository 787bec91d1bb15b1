package protocol

// Capability is the 32-bit bitmask exchanged during handshake.
type Capability uint32

const (
	ClientLongPassword Capability = 1 << iota
	ClientFoundRows
	ClientLongFlag
	ClientConnectWithDB
	ClientNoSchema
	ClientCompress
	ClientODBC
	ClientLocalFiles
	ClientIgnoreSpace
	ClientProtocol41
	ClientInteractive
	ClientSSL
	ClientIgnoreSigpipe
	ClientTransactions
	ClientReserved
	ClientSecureConnection
	ClientMultiStatements
	ClientMultiResults
	ClientPSMultiResults
	ClientPluginAuth
	ClientConnectAttrs
	ClientPluginAuthLenencClientData
	ClientCanHandleExpiredPasswords
	ClientSessionTrack
	ClientDeprecateEOF
)

// Has reports whether all bits in want are set in c.
func (c Capability) Has(want Capability) bool { return c&want == want }

// CapabilityRequest describes what the caller asked for; Wanted computes
// the capability set the client offers before intersecting with the server.
type CapabilityRequest struct {
	Compress         bool
	SSL              bool
	LocalInFile      bool
	MultiStatements  bool
	MultiResults     bool
	DeprecateEOF     bool
	SessionTrack     bool
	ConnectWithDB    bool
	ConnectAttrs     bool
	FoundRows        bool
	SecureConnection bool
	PluginAuth       bool
	Transactions     bool
	LongPassword     bool
	Protocol41       bool
}

// DefaultCapabilityRequest returns the capability set a conforming client
// offers by default; callers flip on compress/ssl/etc per Options.
func DefaultCapabilityRequest() CapabilityRequest {
	return CapabilityRequest{
		MultiStatements:  true,
		MultiResults:     true,
		DeprecateEOF:     true,
		SessionTrack:     true,
		ConnectAttrs:     true,
		SecureConnection: true,
		PluginAuth:       true,
		Transactions:     true,
		LongPassword:     true,
		Protocol41:       true,
	}
}

// Wanted converts the request into the client-offered capability bitmask.
func (r CapabilityRequest) Wanted() Capability {
	var c Capability
	set := func(b bool, bit Capability) {
		if b {
			c |= bit
		}
	}
	set(r.Compress, ClientCompress)
	set(r.SSL, ClientSSL)
	set(r.LocalInFile, ClientLocalFiles)
	set(r.MultiStatements, ClientMultiStatements)
	set(r.MultiResults, ClientMultiResults|ClientPSMultiResults)
	set(r.DeprecateEOF, ClientDeprecateEOF)
	set(r.SessionTrack, ClientSessionTrack)
	set(r.ConnectWithDB, ClientConnectWithDB)
	set(r.ConnectAttrs, ClientConnectAttrs)
	set(r.FoundRows, ClientFoundRows)
	set(r.SecureConnection, ClientSecureConnection)
	set(r.PluginAuth, ClientPluginAuth|ClientPluginAuthLenencClientData)
	set(r.Transactions, ClientTransactions)
	set(r.LongPassword, ClientLongPassword)
	set(r.Protocol41, ClientProtocol41)
	return c
}

// Negotiate computes client_wanted ∩ server_supported. TLS is only ever
// offered if the server advertises it AND the caller asked for it, which
// Wanted() already encodes by only setting ClientSSL when requested — the
// intersection below handles the "server doesn't support it" half.
func Negotiate(wanted, serverSupported Capability) Capability {
	return wanted & serverSupported
}
