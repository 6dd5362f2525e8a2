package mail

import (
	"encoding/binary"

	"github.com/code3hr/cyxchat"
)

func encodeMailSend(m *Mail) []byte {
	subjB := []byte(m.Subject)
	bodyB := []byte(m.Body)
	buf := make([]byte, 8+8+8+2+len(subjB)+4+len(bodyB)+8+64)
	n := 0
	copy(buf[n:], m.MailID[:])
	n += 8
	copy(buf[n:], m.InReplyTo[:])
	n += 8
	copy(buf[n:], m.ThreadID[:])
	n += 8
	binary.LittleEndian.PutUint16(buf[n:], uint16(len(subjB)))
	n += 2
	copy(buf[n:], subjB)
	n += len(subjB)
	binary.LittleEndian.PutUint32(buf[n:], uint32(len(bodyB)))
	n += 4
	copy(buf[n:], bodyB)
	n += len(bodyB)
	binary.LittleEndian.PutUint64(buf[n:], uint64(m.Timestamp))
	n += 8
	copy(buf[n:], m.Signature[:])
	n += 64
	return buf[:n]
}

func decodeMailSend(b []byte) (*Mail, bool) {
	if len(b) < 8+8+8+2 {
		return nil, false
	}
	m := &Mail{}
	n := 0
	copy(m.MailID[:], b[n:n+8])
	n += 8
	copy(m.InReplyTo[:], b[n:n+8])
	n += 8
	copy(m.ThreadID[:], b[n:n+8])
	n += 8
	subjLen := int(binary.LittleEndian.Uint16(b[n:]))
	n += 2
	if len(b) < n+subjLen+4 {
		return nil, false
	}
	m.Subject = string(b[n : n+subjLen])
	n += subjLen
	bodyLen := int(binary.LittleEndian.Uint32(b[n:]))
	n += 4
	if len(b) < n+bodyLen+8+64 {
		return nil, false
	}
	m.Body = string(b[n : n+bodyLen])
	n += bodyLen
	m.Timestamp = int64(binary.LittleEndian.Uint64(b[n:]))
	n += 8
	copy(m.Signature[:], b[n:n+64])
	return m, true
}

func decodeMailAck(b []byte) (mailID cyxchat.MailId, ok bool) {
	if len(b) < 8 {
		return mailID, false
	}
	copy(mailID[:], b[:8])
	return mailID, true
}

func encodeMailAck(mailID cyxchat.MailId) []byte {
	buf := make([]byte, 8)
	copy(buf, mailID[:])
	return buf
}

func decodeMailRead(b []byte) (mailID cyxchat.MailId, ok bool) {
	if len(b) < 8 {
		return mailID, false
	}
	copy(mailID[:], b[:8])
	return mailID, true
}
