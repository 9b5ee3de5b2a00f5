package escrow

import "encoding/binary"

// State key layout. The native and token ledgers write under disjoint
// namespaces; token-variant keys carry the token address between the service
// id and the payer so every balance is addressed by a flat composite key.
const (
	nativeNamespace = "escrow/native/"
	tokenNamespace  = "escrow/token/"
)

func counterKey(ns string) []byte {
	return []byte(ns + "records/counter")
}

func recordKey(ns string, id uint64) []byte {
	return appendUint64([]byte(ns+"records/id/"), id)
}

func recordsOfKey(ns string, payer [20]byte) []byte {
	return append([]byte(ns+"records/payer/"), payer[:]...)
}

func depositKey(ns string, serviceID uint64, payer [20]byte) []byte {
	key := appendUint64([]byte(ns+"deposits/"), serviceID)
	return append(key, payer[:]...)
}

func refundKey(ns string, serviceID uint64, payer [20]byte) []byte {
	key := appendUint64([]byte(ns+"refunds/"), serviceID)
	return append(key, payer[:]...)
}

func poolKey(ns string, serviceID uint64) []byte {
	return appendUint64([]byte(ns+"pool/"), serviceID)
}

func depositTokenKey(serviceID uint64, token, payer [20]byte) []byte {
	key := appendUint64([]byte(tokenNamespace+"deposits/"), serviceID)
	key = append(key, token[:]...)
	return append(key, payer[:]...)
}

func refundTokenKey(serviceID uint64, token, payer [20]byte) []byte {
	key := appendUint64([]byte(tokenNamespace+"refunds/"), serviceID)
	key = append(key, token[:]...)
	return append(key, payer[:]...)
}

func poolTokenKey(serviceID uint64, token [20]byte) []byte {
	key := appendUint64([]byte(tokenNamespace+"pool/"), serviceID)
	return append(key, token[:]...)
}

func appendUint64(key []byte, v uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	return append(key, buf[:]...)
}
