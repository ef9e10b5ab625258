package dcc

import (
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"time"

	flatbuffers "github.com/google/flatbuffers/go"
)

// Kind identifies a control link message.
type Kind byte

const (
	// KindHello introduces the sending node on a fresh control link.
	KindHello Kind = iota + 1
	// KindOffer carries a transfer offer.
	KindOffer
	// KindAccept carries the receiver's answer to a passive offer.
	KindAccept
)

func (k Kind) String() string {
	switch k {
	case KindHello:
		return "hello"
	case KindOffer:
		return "offer"
	case KindAccept:
		return "accept"
	default:
		return "unknown"
	}
}

// ErrInvalidMessage is returned for buffers that do not hold a control message.
var ErrInvalidMessage = errors.New("invalid control message")

// Message is one control link message.
type Message struct {
	Kind      Kind
	Nick      string
	Hostmask  string
	Send      Send
	Timestamp time.Time
}

// Table slots of the Message flatbuffer.
const (
	slotKind = iota
	slotNick
	slotHostmask
	slotFileName
	slotAddress
	slotPort
	slotSize
	slotToken
	slotTimestamp
	numSlots
)

var builderPool = sync.Pool{
	New: func() interface{} {
		return flatbuffers.NewBuilder(256)
	},
}

// Marshal encodes m as a flatbuffers table.
func Marshal(m Message) []byte {
	builder := builderPool.Get().(*flatbuffers.Builder)
	defer func() {
		builder.Reset()
		builderPool.Put(builder)
	}()

	var address string
	if m.Send.Address.IsValid() {
		address = m.Send.Address.String()
	}

	// strings must be written before the table is started
	nick := builder.CreateString(m.Nick)
	hostmask := builder.CreateString(m.Hostmask)
	fileName := builder.CreateString(m.Send.FileName)
	addr := builder.CreateString(address)
	token := builder.CreateString(m.Send.Token)

	ts := m.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	builder.StartObject(numSlots)
	builder.PrependInt64Slot(slotTimestamp, ts.UnixNano(), 0)
	builder.PrependUint64Slot(slotSize, m.Send.Size, 0)
	builder.PrependUOffsetTSlot(slotToken, token, 0)
	builder.PrependUOffsetTSlot(slotAddress, addr, 0)
	builder.PrependUOffsetTSlot(slotFileName, fileName, 0)
	builder.PrependUOffsetTSlot(slotHostmask, hostmask, 0)
	builder.PrependUOffsetTSlot(slotNick, nick, 0)
	builder.PrependUint16Slot(slotPort, m.Send.Port, 0)
	builder.PrependByteSlot(slotKind, byte(m.Kind), 0)
	root := builder.EndObject()
	builder.Finish(root)

	finished := builder.FinishedBytes()
	out := make([]byte, len(finished))
	copy(out, finished)
	return out
}

// Unmarshal decodes a buffer produced by Marshal.
func Unmarshal(data []byte) (msg Message, err error) {
	if len(data) < flatbuffers.SizeUOffsetT+flatbuffers.SizeSOffsetT {
		return Message{}, fmt.Errorf("%w: %d bytes", ErrInvalidMessage, len(data))
	}

	defer func() {
		if r := recover(); r != nil {
			msg = Message{}
			err = fmt.Errorf("%w: %v", ErrInvalidMessage, r)
		}
	}()

	tab := &flatbuffers.Table{
		Bytes: data,
		Pos:   flatbuffers.GetUOffsetT(data),
	}

	msg = Message{
		Kind:     Kind(getByte(tab, slotKind)),
		Nick:     getString(tab, slotNick),
		Hostmask: getString(tab, slotHostmask),
		Send: Send{
			FileName: getString(tab, slotFileName),
			Port:     getUint16(tab, slotPort),
			Size:     getUint64(tab, slotSize),
			Token:    getString(tab, slotToken),
		},
	}
	if ns := getInt64(tab, slotTimestamp); ns != 0 {
		msg.Timestamp = time.Unix(0, ns)
	}

	if address := getString(tab, slotAddress); address != "" {
		addr, err := netip.ParseAddr(address)
		if err != nil {
			return Message{}, fmt.Errorf("%w: bad address %q", ErrInvalidMessage, address)
		}
		msg.Send.Address = addr
	}

	switch msg.Kind {
	case KindHello, KindOffer, KindAccept:
	default:
		return Message{}, fmt.Errorf("%w: unknown kind %d", ErrInvalidMessage, msg.Kind)
	}

	return msg, nil
}

func fieldOffset(tab *flatbuffers.Table, slot int) flatbuffers.UOffsetT {
	return flatbuffers.UOffsetT(tab.Offset(flatbuffers.VOffsetT(4 + 2*slot)))
}

func getString(tab *flatbuffers.Table, slot int) string {
	if o := fieldOffset(tab, slot); o != 0 {
		return string(tab.ByteVector(o + tab.Pos))
	}
	return ""
}

func getByte(tab *flatbuffers.Table, slot int) byte {
	if o := fieldOffset(tab, slot); o != 0 {
		return tab.GetByte(o + tab.Pos)
	}
	return 0
}

func getUint16(tab *flatbuffers.Table, slot int) uint16 {
	if o := fieldOffset(tab, slot); o != 0 {
		return tab.GetUint16(o + tab.Pos)
	}
	return 0
}

func getUint64(tab *flatbuffers.Table, slot int) uint64 {
	if o := fieldOffset(tab, slot); o != 0 {
		return tab.GetUint64(o + tab.Pos)
	}
	return 0
}

func getInt64(tab *flatbuffers.Table, slot int) int64 {
	if o := fieldOffset(tab, slot); o != 0 {
		return tab.GetInt64(o + tab.Pos)
	}
	return 0
}
