package registry

import "encoding/binary"

var (
	servicePrefix      = []byte("registry/service/")
	serviceRefsPrefix  = []byte("registry/refs/")
	fulfillerCapPrefix = []byte("registry/fulfiller/")
)

func serviceKey(serviceID uint64) []byte {
	return appendUint64(append([]byte(nil), servicePrefix...), serviceID)
}

func serviceRefsKey(serviceID uint64) []byte {
	return appendUint64(append([]byte(nil), serviceRefsPrefix...), serviceID)
}

func fulfillerCapKey(fulfiller [20]byte, serviceID uint64) []byte {
	key := append([]byte(nil), fulfillerCapPrefix...)
	key = append(key, fulfiller[:]...)
	return appendUint64(key, serviceID)
}

func appendUint64(key []byte, v uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	return append(key, buf[:]...)
}
