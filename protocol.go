// Copyright 2012 Apcera Inc. All rights reserved.

package nitox

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

// json is the CONNECT/INFO marshaler. Hot-path JSON (every INFO the
// server sends, and the one CONNECT sent by Connect; a reconnect sends
// none) goes through json-iterator instead of encoding/json.
var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Wire command names, exactly as they appear at the start of a frame.
const (
	opInfo  = "INFO"
	opConn  = "CONNECT"
	opPub   = "PUB"
	opSub   = "SUB"
	opUnsub = "UNSUB"
	opMsg   = "MSG"
	opPing  = "PING"
	opPong  = "PONG"
	opOK    = "+OK"
	opErr   = "-ERR"
)

const crlf = "\r\n"

// Op is the tagged-variant wire command. Exactly one of the typed fields
// is meaningful, selected by Kind.
type Op struct {
	Kind OpKind

	Info  *ServerInfo
	Conn  *ConnectOptions
	Pub   *PubCommand
	Sub   *SubCommand
	Unsub *UnsubCommand
	Msg   *Message
	Err   string // payload of -ERR
}

// OpKind distinguishes which variant of Op is populated.
type OpKind int

const (
	OpInfo OpKind = iota
	OpConnect
	OpPub
	OpSub
	OpUnsub
	OpMsg
	OpPing
	OpPong
	OpOK
	OpErr
)

func commandExists(name []byte) bool {
	switch string(name) {
	case opInfo, opConn, opPub, opSub, opUnsub, opMsg, opPing, opPong, opOK, opErr:
		return true
	default:
		return false
	}
}

// ServerInfo is the greeting sent by the broker on connect and
// asynchronously thereafter whenever server-side topology changes.
type ServerInfo struct {
	ServerID     string   `json:"server_id"`
	Version      string   `json:"version"`
	Go           string   `json:"go"`
	Host         string   `json:"host"`
	Port         uint32   `json:"port"`
	MaxPayload   int64    `json:"max_payload"`
	Proto        *uint8   `json:"proto,omitempty"`
	ClientID     *uint64  `json:"client_id,omitempty"`
	AuthRequired bool     `json:"auth_required,omitempty"`
	TLSRequired  bool     `json:"tls_required,omitempty"`
	TLSVerify    bool     `json:"tls_verify,omitempty"`
	ConnectURLs  []string `json:"connect_urls,omitempty"`
}

// ConnectOptions is the structured body of the CONNECT command.
type ConnectOptions struct {
	Verbose     bool    `json:"verbose"`
	Pedantic    bool    `json:"pedantic"`
	TLSRequired bool    `json:"tls_required"`
	AuthToken   string  `json:"auth_token,omitempty"`
	User        string  `json:"user,omitempty"`
	Pass        string  `json:"pass,omitempty"`
	Name        string  `json:"name,omitempty"`
	Lang        string  `json:"lang"`
	Version     string  `json:"version"`
	Protocol    *uint8  `json:"protocol,omitempty"`
	Echo        *bool   `json:"echo,omitempty"`
}

// DefaultConnectOptions returns the ConnectOptions a fresh client should
// start from: every boolean false, Lang/Version/Name identifying this
// library.
func DefaultConnectOptions() ConnectOptions {
	return ConnectOptions{
		Lang:    "go",
		Version: LibraryVersion,
		Name:    "nitox",
	}
}

// PubCommand publishes payload to subject, optionally naming a reply
// inbox that subscribers may respond to.
type PubCommand struct {
	Subject string
	ReplyTo string
	Payload []byte
}

// SubCommand expresses interest in subject, optionally as part of a
// load-balancing queue group, under the client-chosen sid.
type SubCommand struct {
	Subject    string
	QueueGroup string
	Sid        string
}

// UnsubCommand cancels interest in sid, or caps it at MaxMsgs further
// deliveries when MaxMsgs is set.
type UnsubCommand struct {
	Sid     string
	MaxMsgs *uint32
}

// Message is a MSG delivery from the broker.
type Message struct {
	Subject string
	Sid     string
	ReplyTo string
	Payload []byte
}

// validateToken enforces spec.md's subject/inbox/queue-group invariant:
// no ASCII space or tab, and non-empty.
func validateToken(tok, what string) error {
	if tok == "" {
		return fmt.Errorf("%w: %s must not be empty", ErrArgumentValidation, what)
	}
	if strings.ContainsAny(tok, " \t") {
		return fmt.Errorf("%w: %s %q contains whitespace", ErrArgumentValidation, what, tok)
	}
	return nil
}

// NewPubCommand validates subject and, if present, replyTo before
// building a PubCommand.
func NewPubCommand(subject, replyTo string, payload []byte) (PubCommand, error) {
	if err := validateToken(subject, "subject"); err != nil {
		return PubCommand{}, err
	}
	if replyTo != "" {
		if err := validateToken(replyTo, "inbox"); err != nil {
			return PubCommand{}, err
		}
	}
	return PubCommand{Subject: subject, ReplyTo: replyTo, Payload: payload}, nil
}

// NewSubCommand validates subject and, if present, queueGroup before
// building a SubCommand with a freshly generated sid.
func NewSubCommand(subject, queueGroup string) (SubCommand, error) {
	if err := validateToken(subject, "subject"); err != nil {
		return SubCommand{}, err
	}
	if queueGroup != "" {
		if err := validateToken(queueGroup, "queue group"); err != nil {
			return SubCommand{}, err
		}
	}
	return SubCommand{Subject: subject, QueueGroup: queueGroup, Sid: newSid()}, nil
}

// --- Encoders -----------------------------------------------------------

func (o Op) encode() ([]byte, error) {
	switch o.Kind {
	case OpInfo:
		return encodeJSONFrame(opInfo, o.Info)
	case OpConnect:
		return encodeJSONFrame(opConn, o.Conn)
	case OpPub:
		return encodePub(o.Pub)
	case OpSub:
		return encodeSub(o.Sub)
	case OpUnsub:
		return encodeUnsub(o.Unsub)
	case OpMsg:
		return encodeMsg(o.Msg)
	case OpPing:
		return []byte(opPing + crlf), nil
	case OpPong:
		return []byte(opPong + crlf), nil
	case OpOK:
		return []byte(opOK + crlf), nil
	case OpErr:
		return []byte(opErr + " " + o.Err + crlf), nil
	default:
		return nil, fmt.Errorf("%w: unknown op kind %d", ErrCommandMalformed, o.Kind)
	}
}

func encodeJSONFrame(name string, v interface{}) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	buf := bytes.NewBufferString(name)
	buf.WriteByte('\t')
	buf.Write(body)
	buf.WriteString(crlf)
	return buf.Bytes(), nil
}

func encodePub(p *PubCommand) ([]byte, error) {
	if err := validateToken(p.Subject, "subject"); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.WriteString(opPub)
	buf.WriteByte('\t')
	buf.WriteString(p.Subject)
	if p.ReplyTo != "" {
		if err := validateToken(p.ReplyTo, "inbox"); err != nil {
			return nil, err
		}
		buf.WriteByte('\t')
		buf.WriteString(p.ReplyTo)
	}
	buf.WriteByte('\t')
	buf.WriteString(strconv.Itoa(len(p.Payload)))
	buf.WriteString(crlf)
	buf.Write(p.Payload)
	buf.WriteString(crlf)
	return buf.Bytes(), nil
}

func encodeSub(s *SubCommand) ([]byte, error) {
	if err := validateToken(s.Subject, "subject"); err != nil {
		return nil, err
	}
	if err := validateToken(s.Sid, "sid"); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.WriteString(opSub)
	buf.WriteByte('\t')
	buf.WriteString(s.Subject)
	if s.QueueGroup != "" {
		if err := validateToken(s.QueueGroup, "queue group"); err != nil {
			return nil, err
		}
		buf.WriteByte('\t')
		buf.WriteString(s.QueueGroup)
	}
	buf.WriteByte('\t')
	buf.WriteString(s.Sid)
	buf.WriteString(crlf)
	return buf.Bytes(), nil
}

func encodeUnsub(u *UnsubCommand) ([]byte, error) {
	if err := validateToken(u.Sid, "sid"); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.WriteString(opUnsub)
	buf.WriteByte('\t')
	buf.WriteString(u.Sid)
	if u.MaxMsgs != nil {
		buf.WriteByte('\t')
		buf.WriteString(strconv.FormatUint(uint64(*u.MaxMsgs), 10))
	}
	buf.WriteString(crlf)
	return buf.Bytes(), nil
}

func encodeMsg(m *Message) ([]byte, error) {
	if err := validateToken(m.Subject, "subject"); err != nil {
		return nil, err
	}
	if err := validateToken(m.Sid, "sid"); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.WriteString(opMsg)
	buf.WriteByte('\t')
	buf.WriteString(m.Subject)
	buf.WriteByte('\t')
	buf.WriteString(m.Sid)
	if m.ReplyTo != "" {
		if err := validateToken(m.ReplyTo, "inbox"); err != nil {
			return nil, err
		}
		buf.WriteByte('\t')
		buf.WriteString(m.ReplyTo)
	}
	buf.WriteByte('\t')
	buf.WriteString(strconv.Itoa(len(m.Payload)))
	buf.WriteString(crlf)
	buf.Write(m.Payload)
	buf.WriteString(crlf)
	return buf.Bytes(), nil
}

// --- Decoders ------------------------------------------------------------

// decodeOp parses a single complete frame (as already split off by the
// codec) into an Op. cmdEnd is the offset of the first whitespace after
// the command name, exactly as the codec found it.
func decodeOp(name string, frame []byte, cmdEnd int) (Op, error) {
	switch name {
	case opInfo:
		si, err := decodeJSONFrame[ServerInfo](frame, cmdEnd)
		if err != nil {
			return Op{}, err
		}
		return Op{Kind: OpInfo, Info: si}, nil
	case opConn:
		co, err := decodeJSONFrame[ConnectOptions](frame, cmdEnd)
		if err != nil {
			return Op{}, err
		}
		return Op{Kind: OpConnect, Conn: co}, nil
	case opPub:
		pc, err := decodePub(frame)
		if err != nil {
			return Op{}, err
		}
		return Op{Kind: OpPub, Pub: pc}, nil
	case opSub:
		sc, err := decodeSub(frame)
		if err != nil {
			return Op{}, err
		}
		return Op{Kind: OpSub, Sub: sc}, nil
	case opUnsub:
		uc, err := decodeUnsub(frame)
		if err != nil {
			return Op{}, err
		}
		return Op{Kind: OpUnsub, Unsub: uc}, nil
	case opMsg:
		m, err := decodeMsg(frame)
		if err != nil {
			return Op{}, err
		}
		return Op{Kind: OpMsg, Msg: m}, nil
	case opPing:
		return Op{Kind: OpPing}, nil
	case opPong:
		return Op{Kind: OpPong}, nil
	case opOK:
		return Op{Kind: OpOK}, nil
	case opErr:
		if len(frame) < len(opErr)+len(crlf) {
			return Op{}, ErrCommandMalformed
		}
		body := strings.TrimSpace(string(frame[len(opErr) : len(frame)-len(crlf)]))
		return Op{Kind: OpErr, Err: body}, nil
	default:
		return Op{}, fmt.Errorf("%w: unknown command %q", ErrCommandMalformed, name)
	}
}

func decodeJSONFrame[T any](frame []byte, cmdEnd int) (*T, error) {
	if len(frame) < 2 || !bytes.HasSuffix(frame, []byte(crlf)) {
		return nil, ErrCommandMalformed
	}
	body := frame[cmdEnd : len(frame)-2]
	body = bytes.TrimSpace(body)
	var v T
	if len(body) == 0 {
		return &v, nil
	}
	if err := json.Unmarshal(body, &v); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrCommandMalformed, err)
	}
	return &v, nil
}

// splitArgs splits a header on runs of space/tab, the way the wire
// grammar allows either.
func splitArgs(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool { return r == ' ' || r == '\t' })
}

func decodePub(frame []byte) (*PubCommand, error) {
	if !bytes.HasSuffix(frame, []byte(crlf)) {
		return nil, ErrCommandMalformed
	}
	headerEnd := bytes.Index(frame, []byte(crlf))
	if headerEnd < 0 {
		return nil, ErrCommandMalformed
	}
	header := string(frame[:headerEnd])
	payload := frame[headerEnd+2 : len(frame)-2]

	toks := splitArgs(header)
	if len(toks) < 3 || toks[0] != opPub {
		return nil, ErrCommandMalformed
	}
	declared, err := strconv.Atoi(toks[len(toks)-1])
	if err != nil || declared < 0 {
		return nil, ErrCommandMalformed
	}
	if declared != len(payload) {
		return nil, ErrCommandMalformed
	}

	subject := toks[1]
	var replyTo string
	if len(toks) == 4 {
		replyTo = toks[2]
	} else if len(toks) != 3 {
		return nil, ErrCommandMalformed
	}

	payloadCopy := make([]byte, len(payload))
	copy(payloadCopy, payload)

	pc := &PubCommand{Subject: subject, ReplyTo: replyTo, Payload: payloadCopy}
	if err := validateToken(pc.Subject, "subject"); err != nil {
		return nil, err
	}
	return pc, nil
}

func decodeSub(frame []byte) (*SubCommand, error) {
	if !bytes.HasSuffix(frame, []byte(crlf)) {
		return nil, ErrCommandMalformed
	}
	header := string(frame[:len(frame)-2])
	toks := splitArgs(header)
	if len(toks) < 3 || toks[0] != opSub {
		return nil, ErrCommandMalformed
	}
	sc := &SubCommand{Subject: toks[1]}
	switch len(toks) {
	case 3:
		sc.Sid = toks[2]
	case 4:
		sc.QueueGroup = toks[2]
		sc.Sid = toks[3]
	default:
		return nil, ErrCommandMalformed
	}
	if err := validateToken(sc.Subject, "subject"); err != nil {
		return nil, err
	}
	if err := validateToken(sc.Sid, "sid"); err != nil {
		return nil, err
	}
	return sc, nil
}

func decodeUnsub(frame []byte) (*UnsubCommand, error) {
	if !bytes.HasSuffix(frame, []byte(crlf)) {
		return nil, ErrCommandMalformed
	}
	header := string(frame[:len(frame)-2])
	toks := splitArgs(header)
	if len(toks) < 2 || toks[0] != opUnsub {
		return nil, ErrCommandMalformed
	}
	uc := &UnsubCommand{Sid: toks[1]}
	if len(toks) == 3 {
		n, err := strconv.ParseUint(toks[2], 10, 32)
		if err != nil {
			return nil, ErrCommandMalformed
		}
		max := uint32(n)
		uc.MaxMsgs = &max
	} else if len(toks) != 2 {
		return nil, ErrCommandMalformed
	}
	return uc, nil
}

func decodeMsg(frame []byte) (*Message, error) {
	if !bytes.HasSuffix(frame, []byte(crlf)) {
		return nil, ErrCommandMalformed
	}
	headerEnd := bytes.Index(frame, []byte(crlf))
	if headerEnd < 0 {
		return nil, ErrCommandMalformed
	}
	header := string(frame[:headerEnd])
	payload := frame[headerEnd+2 : len(frame)-2]

	toks := splitArgs(header)
	if len(toks) < 4 || toks[0] != opMsg {
		return nil, ErrCommandMalformed
	}
	declared, err := strconv.Atoi(toks[len(toks)-1])
	if err != nil || declared < 0 {
		return nil, ErrCommandMalformed
	}
	if declared != len(payload) {
		return nil, ErrCommandMalformed
	}

	m := &Message{Subject: toks[1], Sid: toks[2]}
	switch len(toks) {
	case 4:
		// subject sid len
	case 5:
		m.ReplyTo = toks[3]
	default:
		return nil, ErrCommandMalformed
	}

	payloadCopy := make([]byte, len(payload))
	copy(payloadCopy, payload)
	m.Payload = payloadCopy

	if err := validateToken(m.Subject, "subject"); err != nil {
		return nil, err
	}
	if err := validateToken(m.Sid, "sid"); err != nil {
		return nil, err
	}
	return m, nil
}
