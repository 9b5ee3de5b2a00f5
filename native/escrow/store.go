package escrow

import (
	"encoding/binary"
	"math/big"
)

// Shared persistence helpers for both ledger variants. Balances decode to
// zero when absent; record ids are allocated from a per-namespace counter
// starting at 1 and are never reused.

func getAmount(st ledgerState, key []byte) (*big.Int, error) {
	stored := new(big.Int)
	found, err := st.KVGet(key, stored)
	if err != nil {
		return nil, err
	}
	if !found {
		return big.NewInt(0), nil
	}
	return stored, nil
}

func putAmount(st ledgerState, key []byte, amount *big.Int) error {
	return st.KVPut(key, cloneBigInt(amount))
}

func nextRecordID(st ledgerState, ns string) (uint64, error) {
	var counter uint64
	if _, err := st.KVGet(counterKey(ns), &counter); err != nil {
		return 0, err
	}
	counter++
	if err := st.KVPut(counterKey(ns), counter); err != nil {
		return 0, err
	}
	return counter, nil
}

func putRecord(st ledgerState, ns string, record *FulfillmentRecord) error {
	return st.KVPut(recordKey(ns, record.ID), record)
}

func getRecord(st ledgerState, ns string, id uint64) (*FulfillmentRecord, bool, error) {
	if id == 0 {
		return nil, false, nil
	}
	record := new(FulfillmentRecord)
	found, err := st.KVGet(recordKey(ns, id), record)
	if err != nil || !found {
		return nil, false, err
	}
	return record, true, nil
}

func indexRecord(st ledgerState, ns string, record *FulfillmentRecord) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], record.ID)
	return st.KVAppend(recordsOfKey(ns, record.Payer), buf[:])
}

func recordIDs(st ledgerState, ns string, payer [20]byte) ([]uint64, error) {
	var raw [][]byte
	if err := st.KVGetList(recordsOfKey(ns, payer), &raw); err != nil {
		return nil, err
	}
	ids := make([]uint64, 0, len(raw))
	for _, entry := range raw {
		if len(entry) != 8 {
			continue
		}
		ids = append(ids, binary.BigEndian.Uint64(entry))
	}
	return ids, nil
}
