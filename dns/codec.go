package dns

import (
	"encoding/binary"

	"github.com/code3hr/cyxchat"
)

func encodeRegister(r *Record, hops int) []byte {
	nameB := []byte(r.Name)
	stunB := []byte(r.StunAddr)
	buf := make([]byte, 1+1+1+len(nameB)+32+64+8+4+1+len(stunB))
	n := 0
	buf[n] = cyxchat.TypeDnsRegister
	n++
	buf[n] = byte(len(nameB))
	n++
	copy(buf[n:], nameB)
	n += len(nameB)
	copy(buf[n:], r.Pubkey[:])
	n += 32
	copy(buf[n:], r.Signature[:])
	n += 64
	binary.BigEndian.PutUint64(buf[n:], uint64(r.Timestamp))
	n += 8
	binary.LittleEndian.PutUint32(buf[n:], uint32(r.TTL))
	n += 4
	buf[n] = byte(hops)
	n++
	buf[n] = byte(len(stunB))
	n++
	copy(buf[n:], stunB)
	n += len(stunB)
	return buf[:n]
}

func decodeRegister(b []byte) (*Record, int, bool) {
	if len(b) < 2 {
		return nil, 0, false
	}
	n := 1 // skip the leading TypeDnsRegister byte
	nameLen := int(b[n])
	n++
	if len(b) < n+nameLen+32+64+8+4+1+1 {
		return nil, 0, false
	}
	r := &Record{Name: string(b[n : n+nameLen])}
	n += nameLen
	copy(r.Pubkey[:], b[n:n+32])
	n += 32
	copy(r.Signature[:], b[n:n+64])
	n += 64
	r.Timestamp = int64(binary.BigEndian.Uint64(b[n:]))
	n += 8
	r.TTL = int(int32(binary.LittleEndian.Uint32(b[n:])))
	n += 4
	hops := int(b[n])
	n++
	stunLen := int(b[n])
	n++
	if len(b) < n+stunLen {
		return nil, 0, false
	}
	r.StunAddr = string(b[n : n+stunLen])
	copy(r.NodeID[:], r.Pubkey[:]) // NodeId == the Ed25519-derived public identity (spec.md §3)
	return r, hops, true
}

func encodeLookup(queryID byte, name string) []byte {
	nameB := []byte(name)
	buf := make([]byte, 1+1+1+len(nameB))
	buf[0] = cyxchat.TypeDnsLookup
	buf[1] = queryID
	buf[2] = byte(len(nameB))
	copy(buf[3:], nameB)
	return buf
}

func decodeLookup(b []byte) (queryID byte, name string, ok bool) {
	if len(b) < 3 {
		return 0, "", false
	}
	queryID = b[1]
	nameLen := int(b[2])
	if len(b) < 3+nameLen {
		return 0, "", false
	}
	return queryID, string(b[3 : 3+nameLen]), true
}

func encodeResponse(queryID byte, found bool, r *Record) []byte {
	if !found || r == nil {
		return []byte{cyxchat.TypeDnsResponse, queryID, 0}
	}
	foundByte := byte(1)
	body := encodeRegister(r, r.hops)
	buf := make([]byte, 1+1+1+len(body))
	buf[0] = cyxchat.TypeDnsResponse
	buf[1] = queryID
	buf[2] = foundByte
	copy(buf[3:], body)
	return buf
}

func decodeResponse(b []byte) (queryID byte, found bool, r *Record, ok bool) {
	if len(b) < 3 {
		return 0, false, nil, false
	}
	queryID = b[1]
	found = b[2] == 1
	if !found {
		return queryID, false, nil, true
	}
	rec, _, decOk := decodeRegister(b[3:])
	if !decOk {
		return queryID, false, nil, false
	}
	return queryID, true, rec, true
}
