package protocol

// Server status flags, carried in OK/EOF packets and the initial greeting.
// Only the bits this engine inspects are named.
const (
	StatusInTrans            uint16 = 0x0001
	StatusAutocommit         uint16 = 0x0002
	StatusMoreResultsExists  uint16 = 0x0008
	StatusNoGoodIndexUsed    uint16 = 0x0010
	StatusCursorExists       uint16 = 0x0040
	StatusLastRowSent        uint16 = 0x0080
	StatusDBDropped          uint16 = 0x0100
	StatusMetadataChanged    uint16 = 0x0400
	StatusQueryWasSlow       uint16 = 0x0800
	StatusSessionStateChange uint16 = 0x4000
)

// packetKind discriminates the first byte of a server reply.
type packetKind int

const (
	kindResultSetHeader packetKind = iota
	kindOK
	kindErr
	kindLocalInfile
	kindEOF
)

// classifyHeader inspects a reply packet's leading byte to discriminate
// OK, ERR, LOCAL INFILE request, EOF (deprecate-EOF off), and result-set
// header.
func classifyHeader(payload []byte, deprecateEOF bool) packetKind {
	if len(payload) == 0 {
		return kindResultSetHeader
	}
	switch payload[0] {
	case 0x00:
		return kindOK
	case 0xff:
		return kindErr
	case 0xfb:
		return kindLocalInfile
	case 0xfe:
		if !deprecateEOF && len(payload) < 9 {
			return kindEOF
		}
		if deprecateEOF {
			// 0xfe with deprecate-EOF active and length >= 7 is an OK
			// packet in disguise (terminator of a result set).
			if len(payload) >= 7 {
				return kindOK
			}
			return kindEOF
		}
	}
	return kindResultSetHeader
}

// OKPacket is the server's acknowledgement of a successful command.
type OKPacket struct {
	AffectedRows     uint64
	LastInsertID     uint64
	StatusFlags      uint16
	Warnings         uint16
	Info             string
	SessionStateInfo []byte // raw session-track payload, if CLIENT_SESSION_TRACK
}

// MoreResultsExists reports whether SERVER_MORE_RESULTS_EXISTS is set.
func (ok OKPacket) MoreResultsExists() bool { return ok.StatusFlags&StatusMoreResultsExists != 0 }

// ParseOKPacket decodes an OK_Packet (header byte 0x00 or, with
// deprecate-EOF, 0xfe) payload.
func ParseOKPacket(payload []byte, capabilities Capability) (*OKPacket, error) {
	if len(payload) < 1 {
		return nil, NewParseError("ok-packet", "empty payload")
	}
	buf := payload[1:]

	affected, _, n, err := LenEncInt(buf)
	if err != nil {
		return nil, NewParseError("ok-packet", "affected rows: "+err.Error())
	}
	buf = buf[n:]

	lastInsertID, _, n, err := LenEncInt(buf)
	if err != nil {
		return nil, NewParseError("ok-packet", "last insert id: "+err.Error())
	}
	buf = buf[n:]

	ok := &OKPacket{AffectedRows: affected, LastInsertID: lastInsertID}

	if capabilities.Has(ClientProtocol41) {
		if len(buf) < 4 {
			return nil, NewParseError("ok-packet", "truncated status/warnings")
		}
		ok.StatusFlags = uint16(buf[0]) | uint16(buf[1])<<8
		ok.Warnings = uint16(buf[2]) | uint16(buf[3])<<8
		buf = buf[4:]
	} else if capabilities.Has(ClientTransactions) {
		if len(buf) < 2 {
			return nil, NewParseError("ok-packet", "truncated status")
		}
		ok.StatusFlags = uint16(buf[0]) | uint16(buf[1])<<8
		buf = buf[2:]
	}

	if len(buf) == 0 {
		return ok, nil
	}

	if capabilities.Has(ClientSessionTrack) {
		info, n, err := LenEncString(buf)
		if err != nil {
			return nil, NewParseError("ok-packet", "info: "+err.Error())
		}
		ok.Info = string(info)
		buf = buf[n:]
		if ok.StatusFlags&StatusSessionStateChange != 0 && len(buf) > 0 {
			changes, _, err := LenEncString(buf)
			if err != nil {
				return nil, NewParseError("ok-packet", "session state changes: "+err.Error())
			}
			ok.SessionStateInfo = changes
		}
		return ok, nil
	}

	ok.Info = string(buf)
	return ok, nil
}

// ErrPacket is the server's error reply (header byte 0xff).
type ErrPacket struct {
	Code     uint16
	SQLState string
	Message  string
}

// ParseErrPacket decodes an ERR_Packet payload.
func ParseErrPacket(payload []byte, capabilities Capability) (*ErrPacket, error) {
	if len(payload) < 3 || payload[0] != 0xff {
		return nil, NewParseError("err-packet", "missing 0xff header")
	}
	code := uint16(payload[1]) | uint16(payload[2])<<8
	buf := payload[3:]

	var sqlState string
	if capabilities.Has(ClientProtocol41) && len(buf) > 0 && buf[0] == '#' {
		if len(buf) < 6 {
			return nil, NewParseError("err-packet", "truncated sql state")
		}
		sqlState = string(buf[1:6])
		buf = buf[6:]
	}
	return &ErrPacket{Code: code, SQLState: sqlState, Message: string(buf)}, nil
}

// AsError converts an ErrPacket into the public ServerError type.
func (e *ErrPacket) AsError() *ServerError {
	return &ServerError{Code: e.Code, SQLState: e.SQLState, Message: e.Message}
}

// ColumnDef is one column-definition packet from a result-set header.
type ColumnDef struct {
	Catalog      string
	Schema       string
	Table        string
	OrgTable     string
	Name         string
	OrgName      string
	CharacterSet uint16
	ColumnLength uint32
	Type         FieldType
	Flags        uint16
	Decimals     byte
}

// Unsigned reports whether the UNSIGNED_FLAG bit is set.
func (c ColumnDef) Unsigned() bool { return c.Flags&0x0020 != 0 }

// ParseColumnDef41 decodes a Protocol::ColumnDefinition41 packet.
func ParseColumnDef41(payload []byte) (*ColumnDef, error) {
	var cd ColumnDef
	buf := payload

	fields := []*string{&cd.Catalog, &cd.Schema, &cd.Table, &cd.OrgTable, &cd.Name, &cd.OrgName}
	for _, f := range fields {
		s, n, err := LenEncString(buf)
		if err != nil {
			return nil, NewParseError("column-def", err.Error())
		}
		*f = string(s)
		buf = buf[n:]
	}

	// fixed-length fields: lenenc-int (always 0x0c) + charset(2) + length(4)
	// + type(1) + flags(2) + decimals(1) + filler(2)
	_, _, n, err := LenEncInt(buf)
	if err != nil {
		return nil, NewParseError("column-def", "fixed-length marker: "+err.Error())
	}
	buf = buf[n:]
	if len(buf) < 10 {
		return nil, NewParseError("column-def", "truncated fixed fields")
	}
	cd.CharacterSet = uint16(buf[0]) | uint16(buf[1])<<8
	cd.ColumnLength = uint32(buf[2]) | uint32(buf[3])<<8 | uint32(buf[4])<<16 | uint32(buf[5])<<24
	cd.Type = FieldType(buf[6])
	cd.Flags = uint16(buf[7]) | uint16(buf[8])<<8
	cd.Decimals = buf[9]

	return &cd, nil
}

// DecodeTextRow decodes one text-protocol row given its column defs.
func DecodeTextRow(payload []byte, cols []ColumnDef) ([]Value, error) {
	row := make([]Value, len(cols))
	buf := payload
	for i, col := range cols {
		v, n, err := DecodeTextValue(col.Type, buf)
		if err != nil {
			return nil, NewParseError("text-row", err.Error())
		}
		row[i] = v
		buf = buf[n:]
	}
	return row, nil
}

// DecodeBinaryRow decodes one binary-protocol row: leading 0x00, a
// null-bitmap of ceil((cols+2)/8) bytes offset by 2, then non-null fields
// in column order.
func DecodeBinaryRow(payload []byte, cols []ColumnDef) ([]Value, error) {
	if len(payload) < 1 || payload[0] != 0x00 {
		return nil, NewParseError("binary-row", "missing 0x00 header")
	}
	bitmapLen := (len(cols) + 7 + 2) / 8
	if len(payload) < 1+bitmapLen {
		return nil, NewParseError("binary-row", "truncated null bitmap")
	}
	bitmap := payload[1 : 1+bitmapLen]
	buf := payload[1+bitmapLen:]

	row := make([]Value, len(cols))
	for i, col := range cols {
		bitPos := i + 2
		if bitmap[bitPos/8]&(1<<uint(bitPos%8)) != 0 {
			row[i] = Value{IsNull: true, Type: col.Type}
			continue
		}
		v, n, err := DecodeBinaryValue(col.Type, col.Unsigned(), buf)
		if err != nil {
			return nil, NewParseError("binary-row", err.Error())
		}
		row[i] = v
		buf = buf[n:]
	}
	return row, nil
}

// Reply is the parsed outcome of reading one server reply packet: exactly
// one of OK, Err, LocalInfileFilename, or ColumnCount (+deprecateEOF flag)
// is meaningful, selected by Kind.
type Reply struct {
	Kind                packetKind
	OK                  *OKPacket
	Err                 *ErrPacket
	LocalInfileFilename string
	ColumnCount         uint64
}

// IsOK, IsErr, IsLocalInfile, IsResultSetHeader expose Kind without
// leaking the unexported packetKind type to callers outside this package.
func (r Reply) IsOK() bool             { return r.Kind == kindOK }
func (r Reply) IsErr() bool            { return r.Kind == kindErr }
func (r Reply) IsLocalInfile() bool    { return r.Kind == kindLocalInfile }
func (r Reply) IsResultSetHeader() bool { return r.Kind == kindResultSetHeader }

// ParseReply classifies and decodes the first packet of a command reply.
func ParseReply(payload []byte, capabilities Capability) (Reply, error) {
	deprecateEOF := capabilities.Has(ClientDeprecateEOF)
	switch classifyHeader(payload, deprecateEOF) {
	case kindOK:
		ok, err := ParseOKPacket(payload, capabilities)
		if err != nil {
			return Reply{}, err
		}
		return Reply{Kind: kindOK, OK: ok}, nil
	case kindErr:
		ep, err := ParseErrPacket(payload, capabilities)
		if err != nil {
			return Reply{}, err
		}
		return Reply{Kind: kindErr, Err: ep}, nil
	case kindLocalInfile:
		return Reply{Kind: kindLocalInfile, LocalInfileFilename: string(payload[1:])}, nil
	default:
		count, _, _, err := LenEncInt(payload)
		if err != nil {
			return Reply{}, NewParseError("result-set-header", err.Error())
		}
		return Reply{Kind: kindResultSetHeader, ColumnCount: count}, nil
	}
}

// IsEOFMarker reports whether payload is an EOF_Packet (header 0xfe,
// length < 9), the terminator used between column defs and rows when
// deprecate-EOF is not negotiated.
func IsEOFMarker(payload []byte, capabilities Capability) bool {
	return !capabilities.Has(ClientDeprecateEOF) && len(payload) >= 1 && payload[0] == 0xfe && len(payload) < 9
}

// EOFPacket carries warnings/status from a classic (non-deprecated) EOF
// terminator.
type EOFPacket struct {
	Warnings    uint16
	StatusFlags uint16
}

// MoreResultsExists reports whether SERVER_MORE_RESULTS_EXISTS is set.
func (e EOFPacket) MoreResultsExists() bool { return e.StatusFlags&StatusMoreResultsExists != 0 }

// ParseEOFPacket decodes a classic EOF_Packet payload.
func ParseEOFPacket(payload []byte) (*EOFPacket, error) {
	if len(payload) < 5 || payload[0] != 0xfe {
		return nil, NewParseError("eof-packet", "missing 0xfe header")
	}
	return &EOFPacket{
		Warnings:    uint16(payload[1]) | uint16(payload[2])<<8,
		StatusFlags: uint16(payload[3]) | uint16(payload[4])<<8,
	}, nil
}
