// Package eth models the frame headers the switch fabric understands:
// Ethernet with optional 802.1Q tag, plus parsed copies of ARP, IPv4,
// TCP, and UDP headers for plugin inspection.
package eth

import (
	"encoding/binary"
	"fmt"

	"github.com/google/gopacket/layers"
)

// Header sizes in bytes.
const (
	EthLen      = 14 // untagged Ethernet header
	VlanTagLen  = 4  // 802.1Q tag (TPID + TCI)
	ARPLen      = 28 // Ethernet/IPv4 ARP body
	IPv4MinLen  = 20
	TCPMinLen   = 20
	UDPLen      = 8
	MaxHdrBytes = EthLen + VlanTagLen + 60 + 60 // worst-case parse window
)

// MACAddr is a 48-bit Ethernet hardware address.
type MACAddr [6]byte

var (
	// BroadcastMAC addresses every station on the segment.
	BroadcastMAC = MACAddr{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}
)

// IsZero reports an all-zero (invalid) address.
func (m MACAddr) IsZero() bool { return m == MACAddr{} }

// IsBroadcast reports the all-ones broadcast address.
func (m MACAddr) IsBroadcast() bool { return m == BroadcastMAC }

// IsMulticast reports a group address (I/G bit set).
func (m MACAddr) IsMulticast() bool { return m[0]&0x01 != 0 }

// IsUnicast reports a valid individual station address.
func (m MACAddr) IsUnicast() bool { return !m.IsZero() && !m.IsMulticast() }

// IsLinkLocal reports the 802.1D reserved range 01:80:C2:00:00:0x,
// used by link-local control protocols that a switch must not forward.
func (m MACAddr) IsLinkLocal() bool {
	return m[0] == 0x01 && m[1] == 0x80 && m[2] == 0xC2 &&
		m[3] == 0x00 && m[4] == 0x00 && m[5] <= 0x0F
}

// U64 packs the address into the low 48 bits of a uint64.
func (m MACAddr) U64() uint64 {
	return uint64(m[0])<<40 | uint64(m[1])<<32 | uint64(m[2])<<24 |
		uint64(m[3])<<16 | uint64(m[4])<<8 | uint64(m[5])
}

func (m MACAddr) String() string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x",
		m[0], m[1], m[2], m[3], m[4], m[5])
}

// VlanTag is the 16-bit 802.1Q tag control word (PCP + DEI + VID).
// The zero value means "untagged".
type VlanTag uint16

// Tag assembles a tag control word from its fields.
func Tag(pcp uint8, dei bool, vid uint16) VlanTag {
	t := VlanTag(pcp&0x07) << 13
	if dei {
		t |= 1 << 12
	}
	return t | VlanTag(vid&0x0FFF)
}

// VID is the 12-bit VLAN identifier.
func (t VlanTag) VID() uint16 { return uint16(t) & 0x0FFF }

// PCP is the 3-bit priority code point.
func (t VlanTag) PCP() uint8 { return uint8(t >> 13) }

// DEI is the drop-eligible indicator.
func (t VlanTag) DEI() bool { return t&(1<<12) != 0 }

// Header is an Ethernet frame header with an optional 802.1Q tag.
// A zero Tag means the frame is untagged, matching the on-wire rule
// that a tag control word of zero carries no information.
type Header struct {
	Dst  MACAddr
	Src  MACAddr
	Type layers.EthernetType // EtherType following any tag
	Tag  VlanTag
}

// HeaderLen reports the serialized header length, 14 or 18 bytes.
func (h *Header) HeaderLen() int {
	if h.Tag != 0 {
		return EthLen + VlanTagLen
	}
	return EthLen
}

// AppendTo serializes the header, tag included when present.
func (h *Header) AppendTo(buf []byte) []byte {
	buf = append(buf, h.Dst[:]...)
	buf = append(buf, h.Src[:]...)
	if h.Tag != 0 {
		buf = binary.BigEndian.AppendUint16(buf, uint16(layers.EthernetTypeDot1Q))
		buf = binary.BigEndian.AppendUint16(buf, uint16(h.Tag))
	}
	return binary.BigEndian.AppendUint16(buf, uint16(h.Type))
}

// ARPHeader is a parsed Ethernet/IPv4 ARP body.
type ARPHeader struct {
	Oper      uint16
	SenderMAC MACAddr
	SenderIP  [4]byte
	TargetMAC MACAddr
	TargetIP  [4]byte
}

func (a *ARPHeader) AppendTo(buf []byte) []byte {
	buf = binary.BigEndian.AppendUint16(buf, 1) // HTYPE Ethernet
	buf = binary.BigEndian.AppendUint16(buf, uint16(layers.EthernetTypeIPv4))
	buf = append(buf, 6, 4)
	buf = binary.BigEndian.AppendUint16(buf, a.Oper)
	buf = append(buf, a.SenderMAC[:]...)
	buf = append(buf, a.SenderIP[:]...)
	buf = append(buf, a.TargetMAC[:]...)
	return append(buf, a.TargetIP[:]...)
}

// IPv4Header is a parsed IPv4 header. Options are preserved in the
// packet but not copied here; IHL tells how many bytes they occupy.
type IPv4Header struct {
	IHL      uint8 // header length in 32-bit words
	TOS      uint8
	Length   uint16
	ID       uint16
	FragOff  uint16 // flags + fragment offset
	TTL      uint8
	Protocol layers.IPProtocol
	Checksum uint16
	Src      [4]byte
	Dst      [4]byte
}

// HeaderLen reports the full IPv4 header length including options.
func (ip *IPv4Header) HeaderLen() int { return int(ip.IHL) * 4 }

// AppendTo serializes the base header, recomputing the checksum.
// Only valid for option-free headers (IHL == 5), since the checksum
// covers options this struct does not carry.
func (ip *IPv4Header) AppendTo(buf []byte) []byte {
	start := len(buf)
	buf = append(buf, 0x40|ip.IHL, ip.TOS)
	buf = binary.BigEndian.AppendUint16(buf, ip.Length)
	buf = binary.BigEndian.AppendUint16(buf, ip.ID)
	buf = binary.BigEndian.AppendUint16(buf, ip.FragOff)
	buf = append(buf, ip.TTL, uint8(ip.Protocol))
	buf = append(buf, 0, 0) // checksum placeholder
	buf = append(buf, ip.Src[:]...)
	buf = append(buf, ip.Dst[:]...)
	sum := ipChecksum(buf[start:])
	binary.BigEndian.PutUint16(buf[start+10:start+12], sum)
	return buf
}

func ipChecksum(hdr []byte) uint16 {
	var sum uint32
	for i := 0; i+1 < len(hdr); i += 2 {
		sum += uint32(binary.BigEndian.Uint16(hdr[i : i+2]))
	}
	for sum > 0xFFFF {
		sum = (sum & 0xFFFF) + (sum >> 16)
	}
	return ^uint16(sum)
}

// TCPHeader is a parsed TCP header without options.
type TCPHeader struct {
	SrcPort uint16
	DstPort uint16
	Seq     uint32
	Ack     uint32
	DataOff uint8 // header length in 32-bit words
	Flags   uint8
	Window  uint16
}

// UDPHeader is a parsed UDP header.
type UDPHeader struct {
	SrcPort  uint16
	DstPort  uint16
	Length   uint16
	Checksum uint16
}
