package eth

import (
	"encoding/binary"
	"errors"

	"github.com/google/gopacket/layers"

	"etherweave.xyz/swfab/internal/mbuf"
)

// Sentinel parse errors. The fabric converts these to drop reasons;
// nothing here ever panics on hostile input.
var (
	ErrFrameTooShort = errors.New("swfab: frame too short")
	ErrBadIPv4       = errors.New("swfab: malformed IPv4 header")
	ErrBadTransport  = errors.New("swfab: malformed transport header")
)

// Frame holds parsed copies of a packet's headers. Eth is always
// populated; the rest depend on EtherType and IP protocol, and their
// presence is tested with IsARP / IsIP / IsTCP / IsUDP.
type Frame struct {
	Eth Header
	ARP ARPHeader
	IP  IPv4Header
	TCP TCPHeader
	UDP UDPHeader

	ethLen int // wire bytes consumed by Eth, including any 802.1Q tag
}

// EthHeaderLen reports the bytes the Ethernet header occupied on the
// wire. This can exceed Eth.HeaderLen when the frame carried a tag
// with an all-zero TCI, which Eth.Tag cannot represent.
func (f *Frame) EthHeaderLen() int {
	if f.ethLen != 0 {
		return f.ethLen
	}
	return f.Eth.HeaderLen()
}

// IsIP reports an IPv4 payload.
func (f *Frame) IsIP() bool { return f.Eth.Type == layers.EthernetTypeIPv4 }

// IsARP reports an ARP payload.
func (f *Frame) IsARP() bool { return f.Eth.Type == layers.EthernetTypeARP }

// IsTCP reports a TCP segment inside an IPv4 payload.
func (f *Frame) IsTCP() bool { return f.IsIP() && f.IP.Protocol == layers.IPProtocolTCP }

// IsUDP reports a UDP datagram inside an IPv4 payload.
func (f *Frame) IsUDP() bool { return f.IsIP() && f.IP.Protocol == layers.IPProtocolUDP }

// HeadersLen reports the byte count consumed by all parsed headers:
// the payload of the innermost protocol starts at this offset.
func (f *Frame) HeadersLen() int {
	n := f.EthHeaderLen()
	switch {
	case f.IsARP():
		n += ARPLen
	case f.IsTCP():
		n += f.IP.HeaderLen() + int(f.TCP.DataOff)*4
	case f.IsUDP():
		n += f.IP.HeaderLen() + UDPLen
	case f.IsIP():
		n += f.IP.HeaderLen()
	}
	return n
}

// ParseFrame reads the headers of a finished packet into a Frame.
// The cursor spans chunk boundaries, so header size is not limited by
// the first chunk.
func ParseFrame(pkt *mbuf.Packet) (Frame, error) {
	rd := pkt.NewReader()
	var f Frame

	var ethHdr [EthLen]byte
	if !rd.ReadBytes(ethHdr[:]) {
		return f, ErrFrameTooShort
	}
	copy(f.Eth.Dst[:], ethHdr[0:6])
	copy(f.Eth.Src[:], ethHdr[6:12])
	f.Eth.Type = layers.EthernetType(binary.BigEndian.Uint16(ethHdr[12:14]))
	f.ethLen = EthLen

	if f.Eth.Type == layers.EthernetTypeDot1Q {
		var tag [VlanTagLen]byte
		if !rd.ReadBytes(tag[:]) {
			return f, ErrFrameTooShort
		}
		f.Eth.Tag = VlanTag(binary.BigEndian.Uint16(tag[0:2]))
		f.Eth.Type = layers.EthernetType(binary.BigEndian.Uint16(tag[2:4]))
		f.ethLen += VlanTagLen
	}

	switch f.Eth.Type {
	case layers.EthernetTypeARP:
		return f, parseARP(&rd, &f)
	case layers.EthernetTypeIPv4:
		return f, parseIPv4(&rd, &f)
	}
	return f, nil
}

func parseARP(rd *mbuf.Reader, f *Frame) error {
	var body [ARPLen]byte
	if !rd.ReadBytes(body[:]) {
		return ErrFrameTooShort
	}
	f.ARP.Oper = binary.BigEndian.Uint16(body[6:8])
	copy(f.ARP.SenderMAC[:], body[8:14])
	copy(f.ARP.SenderIP[:], body[14:18])
	copy(f.ARP.TargetMAC[:], body[18:24])
	copy(f.ARP.TargetIP[:], body[24:28])
	return nil
}

func parseIPv4(rd *mbuf.Reader, f *Frame) error {
	var hdr [IPv4MinLen]byte
	if !rd.ReadBytes(hdr[:]) {
		return ErrFrameTooShort
	}
	if hdr[0]>>4 != 4 {
		return ErrBadIPv4
	}
	f.IP.IHL = hdr[0] & 0x0F
	if f.IP.IHL < 5 {
		return ErrBadIPv4
	}
	f.IP.TOS = hdr[1]
	f.IP.Length = binary.BigEndian.Uint16(hdr[2:4])
	f.IP.ID = binary.BigEndian.Uint16(hdr[4:6])
	f.IP.FragOff = binary.BigEndian.Uint16(hdr[6:8])
	f.IP.TTL = hdr[8]
	f.IP.Protocol = layers.IPProtocol(hdr[9])
	f.IP.Checksum = binary.BigEndian.Uint16(hdr[10:12])
	copy(f.IP.Src[:], hdr[12:16])
	copy(f.IP.Dst[:], hdr[16:20])

	// Skip options, then parse the transport header if recognized.
	if opts := f.IP.HeaderLen() - IPv4MinLen; opts > 0 {
		if !rd.ReadConsume(opts) {
			return ErrBadIPv4
		}
	}
	switch f.IP.Protocol {
	case layers.IPProtocolTCP:
		return parseTCP(rd, f)
	case layers.IPProtocolUDP:
		return parseUDP(rd, f)
	}
	return nil
}

func parseTCP(rd *mbuf.Reader, f *Frame) error {
	var hdr [TCPMinLen]byte
	if !rd.ReadBytes(hdr[:]) {
		return ErrBadTransport
	}
	f.TCP.SrcPort = binary.BigEndian.Uint16(hdr[0:2])
	f.TCP.DstPort = binary.BigEndian.Uint16(hdr[2:4])
	f.TCP.Seq = binary.BigEndian.Uint32(hdr[4:8])
	f.TCP.Ack = binary.BigEndian.Uint32(hdr[8:12])
	f.TCP.DataOff = hdr[12] >> 4
	f.TCP.Flags = hdr[13]
	f.TCP.Window = binary.BigEndian.Uint16(hdr[14:16])
	if f.TCP.DataOff < 5 {
		return ErrBadTransport
	}
	return nil
}

func parseUDP(rd *mbuf.Reader, f *Frame) error {
	var hdr [UDPLen]byte
	if !rd.ReadBytes(hdr[:]) {
		return ErrBadTransport
	}
	f.UDP.SrcPort = binary.BigEndian.Uint16(hdr[0:2])
	f.UDP.DstPort = binary.BigEndian.Uint16(hdr[2:4])
	f.UDP.Length = binary.BigEndian.Uint16(hdr[4:6])
	f.UDP.Checksum = binary.BigEndian.Uint16(hdr[6:8])
	return nil
}
