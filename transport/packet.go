package transport

import "github.com/vmihailenco/msgpack/v5"

// packetKind distinguishes a data frame carrying an RPC envelope from a
// bare acknowledgement.
type packetKind uint8

const (
	kindData packetKind = iota
	kindAck
)

// packet is the datagram this transport actually puts on the wire: one
// per UDP send, msgpack-encoded. Data packets carry a sequence number and
// a cumulative ack; pure ack packets carry only the latter, sent in reply
// to every data packet received.
type packet struct {
	Kind         packetKind
	Seq          uint32
	NextExpected uint32
	Payload      []byte
}

func encodePacket(p packet) ([]byte, error) {
	return msgpack.Marshal(p)
}

func decodePacket(data []byte) (packet, error) {
	var p packet
	err := msgpack.Unmarshal(data, &p)
	return p, err
}
