package flow

// IP protocol numbers the daemon treats specially
const (
	ProtoICMP   uint8 = 1
	ProtoTCP    uint8 = 6
	ProtoUDP    uint8 = 17
	ProtoESP    uint8 = 50
	ProtoAH     uint8 = 51
	ProtoICMPv6 uint8 = 58
)

var protocolNames = map[uint8]string{
	0:   "IP/IPv6HopByHopOptions/Unspecified",
	1:   "Icmp",
	2:   "Igmp",
	3:   "Ggp",
	4:   "IPv4",
	6:   "Tcp",
	12:  "Pup",
	17:  "Udp",
	22:  "Idp",
	41:  "IPv6",
	43:  "IPv6RoutingHeader",
	44:  "IPv6FragmentHeader",
	50:  "IPSecEncapsulatingSecurityPayload",
	51:  "IPSecAuthenticationHeader",
	58:  "IcmpV6",
	59:  "IPv6NoNextHeader",
	60:  "IPv6DestinationOptions",
	77:  "ND",
	255: "Raw",
}

// ProtocolName returns a display name for an IP protocol number
func ProtocolName(proto uint8) string {
	if name, ok := protocolNames[proto]; ok {
		return name
	}
	return "Error"
}
