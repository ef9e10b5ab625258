// Package dcc encodes the control messages that negotiate a transfer.
//
// Two encodings are provided. The CTCP text form is what a chat session
// embeds in a PRIVMSG:
//
//	\x01DCC SEND "<file name>" <ip> <port> <size> [<token>]\x01
//
// IPv4 addresses are written as a 32-bit decimal integer and IPv6 addresses
// as literals. Port 0 together with a token is a passive (reverse) offer: the
// sender asks the receiver to listen, and the receiver answers with the same
// message carrying its own address, a real port and the offer's token.
//
// The binary form (see Marshal) carries the same fields plus the sender's
// identity in a flatbuffers table and is used on the node-to-node control link.
package dcc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
)

const ctcpDelim = "\x01"

var (
	// ErrNotDCC is returned when a line is not a DCC SEND request.
	ErrNotDCC = errors.New("not a DCC SEND message")
	// ErrMalformed is returned when a DCC SEND request cannot be parsed.
	ErrMalformed = errors.New("malformed DCC SEND message")
)

// Send is a DCC SEND request. It is used both for offers and, in passive
// mode, for the receiver's answer.
type Send struct {
	FileName string     `json:"file_name"`
	Address  netip.Addr `json:"address"`
	Port     uint16     `json:"port"`
	Size     uint64     `json:"size"`
	Token    string     `json:"token,omitempty"`
}

// Passive reports whether the sender asks the receiver to listen.
func (s Send) Passive() bool {
	return s.Port == 0
}

// AddrPort returns the advertised endpoint.
func (s Send) AddrPort() netip.AddrPort {
	return netip.AddrPortFrom(s.Address, s.Port)
}

// CTCP formats s as a CTCP-quoted DCC SEND line.
func (s Send) CTCP() string {
	var sb strings.Builder
	sb.WriteString(ctcpDelim)
	sb.WriteString("DCC SEND ")
	sb.WriteString(quoteFileName(s.FileName))
	sb.WriteByte(' ')
	sb.WriteString(formatAddress(s.Address))
	sb.WriteByte(' ')
	sb.WriteString(strconv.FormatUint(uint64(s.Port), 10))
	sb.WriteByte(' ')
	sb.WriteString(strconv.FormatUint(s.Size, 10))
	if s.Token != "" {
		sb.WriteByte(' ')
		sb.WriteString(s.Token)
	}
	sb.WriteString(ctcpDelim)
	return sb.String()
}

// Parse reads a DCC SEND line, with or without the CTCP delimiters.
func Parse(line string) (Send, error) {
	line = strings.TrimSpace(line)
	line = strings.TrimPrefix(line, ctcpDelim)
	line = strings.TrimSuffix(line, ctcpDelim)

	rest, ok := cutWord(line, "DCC")
	if !ok {
		return Send{}, ErrNotDCC
	}
	rest, ok = cutWord(rest, "SEND")
	if !ok {
		return Send{}, ErrNotDCC
	}

	name, rest, err := splitFileName(rest)
	if err != nil {
		return Send{}, err
	}

	fields := strings.Fields(rest)
	if len(fields) < 2 {
		return Send{}, fmt.Errorf("%w: missing address or port", ErrMalformed)
	}

	addr, err := parseAddress(fields[0])
	if err != nil {
		return Send{}, err
	}

	port, err := strconv.ParseUint(fields[1], 10, 16)
	if err != nil {
		return Send{}, fmt.Errorf("%w: bad port %q", ErrMalformed, fields[1])
	}

	msg := Send{
		FileName: name,
		Address:  addr,
		Port:     uint16(port),
	}

	if len(fields) > 2 {
		size, err := strconv.ParseUint(fields[2], 10, 64)
		if err != nil {
			return Send{}, fmt.Errorf("%w: bad size %q", ErrMalformed, fields[2])
		}
		msg.Size = size
	}
	if len(fields) > 3 {
		msg.Token = fields[3]
	}

	if msg.Passive() && msg.Token == "" {
		return Send{}, fmt.Errorf("%w: passive offer without token", ErrMalformed)
	}

	return msg, nil
}

func cutWord(s, word string) (string, bool) {
	s = strings.TrimLeft(s, " ")
	if len(s) < len(word) || !strings.EqualFold(s[:len(word)], word) {
		return "", false
	}
	rest := s[len(word):]
	if rest != "" && rest[0] != ' ' {
		return "", false
	}
	return strings.TrimLeft(rest, " "), true
}

func splitFileName(s string) (string, string, error) {
	if s == "" {
		return "", "", fmt.Errorf("%w: missing file name", ErrMalformed)
	}
	if s[0] == '"' {
		end := strings.IndexByte(s[1:], '"')
		if end < 0 {
			return "", "", fmt.Errorf("%w: unterminated file name", ErrMalformed)
		}
		name := s[1 : end+1]
		if name == "" {
			return "", "", fmt.Errorf("%w: empty file name", ErrMalformed)
		}
		return name, s[end+2:], nil
	}
	name, rest, _ := strings.Cut(s, " ")
	return name, rest, nil
}

func quoteFileName(name string) string {
	if strings.ContainsAny(name, " \t") || strings.HasPrefix(name, `"`) {
		return `"` + strings.ReplaceAll(name, `"`, "'") + `"`
	}
	return name
}

func formatAddress(addr netip.Addr) string {
	if !addr.IsValid() {
		return "0"
	}
	addr = addr.Unmap()
	if addr.Is4() {
		b := addr.As4()
		return strconv.FormatUint(uint64(binary.BigEndian.Uint32(b[:])), 10)
	}
	return addr.String()
}

func parseAddress(s string) (netip.Addr, error) {
	if n, err := strconv.ParseUint(s, 10, 32); err == nil {
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], uint32(n))
		return netip.AddrFrom4(b), nil
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("%w: bad address %q", ErrMalformed, s)
	}
	return addr.Unmap(), nil
}
